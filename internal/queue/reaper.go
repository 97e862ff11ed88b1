package queue

import (
	"context"
	"errors"
	"time"

	"chatty/internal/broker"
	"chatty/internal/eventbus"
	"chatty/internal/runtime/supervisor"
	logx "chatty/pkg/logx"
)

const reapBatch = 100

// Start runs each lane's ready-signal pump and lease reaper under sup.
// Reserve works without Start, but then only wakes on local enqueues and
// polling, and expired leases are never reclaimed.
func (q *Queue) Start(sup *supervisor.Supervisor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sup != nil {
		return
	}
	q.sup = sup
	for _, l := range q.lanes {
		q.startLane(sup, l)
	}
}

// startLane is called with q.mu held.
func (q *Queue) startLane(sup *supervisor.Supervisor, l *lane) {
	key := l.def.Key()
	sup.GoRestart("queue.ready:"+key, func(ctx context.Context) error {
		return q.pumpReady(ctx, l)
	})
	sup.GoRestart("queue.reaper:"+key, func(ctx context.Context) error {
		return q.reapLoop(ctx, l)
	})
}

// pumpReady forwards broker ready signals, which may come from other
// instances, to local reservers.
func (q *Queue) pumpReady(ctx context.Context, l *lane) error {
	sub, err := q.store.Ready(ctx, l.def.Queue, l.def.Handler)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.C():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("ready subscription closed")
			}
			l.signal()
		}
	}
}

func (q *Queue) reapLoop(ctx context.Context, l *lane) error {
	every := max(q.cfg.LeaseTimeout/4, 10*time.Millisecond)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := q.reap(ctx, l); err != nil && ctx.Err() == nil {
				q.log.Debug("lease reap failed", logx.String("lane", l.def.Key()), logx.Err(err))
			}
		}
	}
}

// Reap reclaims expired leases of one lane and returns how many it reclaimed.
func (q *Queue) Reap(ctx context.Context, queue, handler string) (int, error) {
	l, err := q.lane(queue, handler)
	if err != nil {
		return 0, err
	}
	return q.reap(ctx, l)
}

// reap treats each expired lease as a failed attempt: the job is retried
// after backoff or dead-lettered if it has no attempts left.
func (q *Queue) reap(ctx context.Context, l *lane) (int, error) {
	expired, err := q.store.Expired(ctx, l.def.Queue, l.def.Handler, q.now(), reapBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range expired {
		reason := "lease expired"
		delay := l.def.Policy.Backoff(job.Attempts, q.rnd)
		st, err := q.store.Reclaim(ctx, job.ID, job.LeaseToken, delay, reason)
		if errors.Is(err, broker.ErrLeaseLost) || errors.Is(err, broker.ErrNotFound) {
			// acked or reclaimed elsewhere in the meantime
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		q.log.Warn("lease expired; job reclaimed", logx.String("lane", l.def.Key()), logx.String("job", job.ID),
			logx.Int("attempts", job.Attempts), logx.Time("deadline", job.LeaseDeadline), logx.String("status", string(st)))
		q.bus.Publish(eventbus.Event{Type: eventbus.JobLeaseExpired, Time: q.now(), Data: job})
		q.released(ctx, l, job, st, delay, reason)
	}
	return n, nil
}
