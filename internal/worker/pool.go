// Package worker runs registered job handlers. Each (queue, handler) lane gets
// a fixed number of supervised slots; a slot reserves a job, runs the handler
// under a hard timeout and acks or nacks the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chatty/internal/broker"
	"chatty/internal/queue"
	"chatty/internal/runtime/supervisor"
	logx "chatty/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrHandlerTimeout = errors.New("worker: handler timed out")
	ErrHandlerPanic   = errors.New("worker: handler panicked")
)

// settleTimeout bounds the ack/nack after a run, which must still happen
// when the pool is shutting down.
const settleTimeout = 10 * time.Second

// Handler processes one job. It may be abandoned when it exceeds its
// timeout, so it must be idempotent and should honour ctx.
type Handler func(ctx context.Context, job *broker.Job) error

type Option func(*laneOptions)

type laneOptions struct {
	policy  queue.Policy
	circuit *CircuitConfig
}

// WithPolicy overrides the queue-wide retry policy for the lane. Zero fields
// inherit.
func WithPolicy(p queue.Policy) Option { return func(o *laneOptions) { o.policy = p } }

func WithMaxAttempts(n int) Option { return func(o *laneOptions) { o.policy.MaxAttempts = n } }

func WithTimeout(d time.Duration) Option { return func(o *laneOptions) { o.policy.HandlerTimeout = d } }

func WithCircuit(c CircuitConfig) Option { return func(o *laneOptions) { o.circuit = &c } }

type Config struct {
	Circuit     CircuitConfig
	HistorySize int
	Log         logx.Logger
	Now         func() time.Time
}

type HistoryItem struct {
	JobID    string        `json:"job_id"`
	Lane     string        `json:"lane"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Outcomes recorded in history.
const (
	OutcomeCompleted  = "completed"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead-letter"
	OutcomeLeaseLost  = "lease-lost"
	OutcomeSettleFail = "settle-failed"
)

type LaneSnapshot struct {
	Queue               string    `json:"queue"`
	Handler             string    `json:"handler"`
	Concurrency         int       `json:"concurrency"`
	InFlight            int       `json:"in_flight"`
	Completed           uint64    `json:"completed"`
	Failed              uint64    `json:"failed"`
	TimedOut            uint64    `json:"timed_out"`
	Panics              uint64    `json:"panics"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CircuitOpen         bool      `json:"circuit_open"`
	OpenUntil           time.Time `json:"open_until,omitzero"`
}

type Snapshot struct {
	Lanes   []LaneSnapshot `json:"lanes"`
	History []HistoryItem  `json:"history"`
}

type lane struct {
	def     queue.Definition
	fn      Handler
	circuit *circuit

	inFlight                            atomic.Int32
	completed, failed, timedOut, panics atomic.Uint64
}

type Pool struct {
	q   *queue.Queue
	cfg Config
	log logx.Logger

	mu    sync.Mutex
	lanes map[string]*lane
	sup   *supervisor.Supervisor

	hmu     sync.Mutex
	history []HistoryItem

	reserveWarn rate.Sometimes
}

func New(q *queue.Queue, cfg Config) *Pool {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{
		q:           q,
		cfg:         cfg,
		log:         cfg.Log.With(logx.String("comp", "worker")),
		lanes:       map[string]*lane{},
		reserveWarn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// RegisterHandler defines the (queue, handler) lane and attaches fn to it
// with concurrency slots. A lane can be registered once.
func (p *Pool) RegisterHandler(queueName, handler string, concurrency int, fn Handler, opts ...Option) error {
	if fn == nil {
		return fmt.Errorf("worker: nil handler for %s/%s", queueName, handler)
	}
	var lo laneOptions
	for _, o := range opts {
		o(&lo)
	}
	if err := p.q.Register(queue.Definition{
		Queue:       queueName,
		Handler:     handler,
		Concurrency: concurrency,
		Policy:      lo.policy,
	}); err != nil {
		return err
	}
	def, _ := p.q.Definition(queueName, handler)
	cc := p.cfg.Circuit
	if lo.circuit != nil {
		cc = *lo.circuit
	}
	l := &lane{def: def, fn: fn, circuit: newCircuit(cc)}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lanes[def.Key()] = l
	if p.sup != nil {
		p.startLane(p.sup, l)
	}
	return nil
}

// Start launches every lane's slots under sup. Lanes registered later start
// immediately.
func (p *Pool) Start(sup *supervisor.Supervisor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return
	}
	p.sup = sup
	for _, l := range p.lanes {
		p.startLane(sup, l)
	}
}

// startLane is called with p.mu held.
func (p *Pool) startLane(sup *supervisor.Supervisor, l *lane) {
	for i := 0; i < l.def.Concurrency; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%s#%d", l.def.Key(), i), func(ctx context.Context) error {
			return p.slot(ctx, l)
		})
	}
	p.log.Info("lane started", logx.String("lane", l.def.Key()), logx.Int("slots", l.def.Concurrency),
		logx.Duration("timeout", l.def.Policy.HandlerTimeout))
}

// slot reserves and runs jobs until ctx ends.
func (p *Pool) slot(ctx context.Context, l *lane) error {
	errStreak := 0
	for ctx.Err() == nil {
		if open, until := l.circuit.openUntil(p.cfg.Now()); open {
			// paused lanes leave jobs queued so they do not burn attempts
			if !sleepCtx(ctx, time.Until(until)) {
				return nil
			}
			continue
		}
		job, err := p.q.Reserve(ctx, l.def.Queue, l.def.Handler)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			errStreak++
			p.reserveWarn.Do(func() {
				p.log.Warn("reserve failed", logx.String("lane", l.def.Key()), logx.Int("streak", errStreak), logx.Err(err))
			})
			if !sleepCtx(ctx, broker.ReconnectDelay(errStreak)) {
				return nil
			}
			continue
		}
		errStreak = 0
		p.execute(ctx, l, job)
	}
	return nil
}

func (p *Pool) execute(ctx context.Context, l *lane, job *broker.Job) {
	start := p.cfg.Now()
	l.inFlight.Add(1)
	err := p.run(ctx, l, job)
	l.inFlight.Add(-1)
	dur := p.cfg.Now().Sub(start)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	item := HistoryItem{JobID: job.ID, Lane: l.def.Key(), Attempt: job.Attempts, Started: start, Duration: dur}
	var settleErr error
	if err == nil {
		l.completed.Add(1)
		item.Outcome = OutcomeCompleted
		settleErr = p.q.Ack(sctx, job)
		p.log.Debug("job completed", logx.String("lane", l.def.Key()), logx.String("job", job.ID),
			logx.Int("attempt", job.Attempts), logx.Duration("dur", dur))
	} else {
		l.failed.Add(1)
		item.Error = err.Error()
		var st broker.Status
		st, settleErr = p.q.Nack(sctx, job, err)
		item.Outcome = OutcomeRetry
		if st == broker.StatusDeadLetter {
			item.Outcome = OutcomeDeadLetter
		}
		p.log.Info("job failed", logx.String("lane", l.def.Key()), logx.String("job", job.ID),
			logx.Int("attempt", job.Attempts), logx.Int("max_attempts", job.MaxAttempts),
			logx.Duration("dur", dur), logx.Err(err))
	}
	if settleErr != nil {
		item.Outcome = OutcomeSettleFail
		if errors.Is(settleErr, broker.ErrLeaseLost) {
			item.Outcome = OutcomeLeaseLost
		}
		p.log.Warn("could not settle job; the lease reaper will retry it",
			logx.String("lane", l.def.Key()), logx.String("job", job.ID), logx.Err(settleErr))
	}
	l.circuit.record(p.cfg.Now(), err)
	p.remember(item)
}

// run calls the handler under the lane timeout. A handler still running at
// the deadline is abandoned: its goroutine is left to finish on its own and
// the slot moves on.
func (p *Pool) run(ctx context.Context, l *lane, job *broker.Job) error {
	timeout := l.def.Policy.HandlerTimeout
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.panics.Add(1)
				p.log.Error("handler panic", logx.String("lane", l.def.Key()), logx.String("job", job.ID),
					logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				done <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		done <- l.fn(tctx, job.Clone())
	}()

	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.timedOut.Add(1)
		p.log.Warn("handler timed out; abandoning it", logx.String("lane", l.def.Key()),
			logx.String("job", job.ID), logx.Duration("timeout", timeout))
		return fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout)
	}
}

func (p *Pool) remember(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}
	p.hmu.Unlock()
}

func (p *Pool) Snapshot() Snapshot {
	now := p.cfg.Now()
	p.mu.Lock()
	lanes := make([]LaneSnapshot, 0, len(p.lanes))
	for _, l := range p.lanes {
		open, until := l.circuit.openUntil(now)
		lanes = append(lanes, LaneSnapshot{
			Queue:               l.def.Queue,
			Handler:             l.def.Handler,
			Concurrency:         l.def.Concurrency,
			InFlight:            int(l.inFlight.Load()),
			Completed:           l.completed.Load(),
			Failed:              l.failed.Load(),
			TimedOut:            l.timedOut.Load(),
			Panics:              l.panics.Load(),
			ConsecutiveFailures: l.circuit.failures(),
			CircuitOpen:         open,
			OpenUntil:           until,
		})
	}
	p.mu.Unlock()
	sort.Slice(lanes, func(i, j int) bool {
		return lanes[i].Queue+"/"+lanes[i].Handler < lanes[j].Queue+"/"+lanes[j].Handler
	})

	p.hmu.Lock()
	history := append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()
	return Snapshot{Lanes: lanes, History: history}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
