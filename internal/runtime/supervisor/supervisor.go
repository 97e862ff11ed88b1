// Package supervisor runs the process's long-lived goroutines under one
// cancelable context: per-room subscriptions, worker slots, lease reapers,
// the broker health loop and the HTTP server.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "chatty/pkg/logx"
)

// Supervisor tracks named goroutines, recovers their panics and can cancel
// everything on the first failure.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	firstErr    atomic.Pointer[error]

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}

	started atomic.Uint64
	active  atomic.Int64

	mu     sync.Mutex
	groups map[string]*GroupStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context on the first goroutine error.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

// GroupStats aggregates goroutines by group. The group of "pubsub.room:lobby"
// or "worker.user/addUserToDB#3" is the name up to the first ':' or '#', so
// room churn does not grow the table.
type GroupStats struct {
	Group     string    `json:"group"`
	Active    int64     `json:"active"`
	Started   uint64    `json:"started"`
	Panics    uint64    `json:"panics"`
	Restarts  uint64    `json:"restarts"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitzero"`
}

type Snapshot struct {
	Active     int64        `json:"active"`
	Started    uint64       `json:"started"`
	FirstError string       `json:"first_error,omitempty"`
	Goroutines []GroupStats `json:"goroutines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, done: make(chan struct{}), groups: map[string]*GroupStats{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first error any goroutine returned, if any.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func groupOf(name string) string {
	if i := strings.IndexAny(name, ":#"); i > 0 {
		return name[:i]
	}
	return name
}

func (s *Supervisor) update(name string, fn func(g *GroupStats)) {
	key := groupOf(name)
	s.mu.Lock()
	g := s.groups[key]
	if g == nil {
		g = &GroupStats{Group: key}
		s.groups[key] = g
	}
	fn(g)
	s.mu.Unlock()
}

func (s *Supervisor) failed(name string, err error) {
	s.update(name, func(g *GroupStats) { g.LastErr = err.Error(); g.LastErrAt = time.Now() })
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, g := range s.groups {
		snap.Goroutines = append(snap.Goroutines, *g)
	}
	s.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool { return snap.Goroutines[i].Group < snap.Goroutines[j].Group })
	return snap
}

// Go runs fn once. A panic counts as an error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.update(name, func(g *GroupStats) { g.Started++; g.Active++ })
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.call(name, fn)
		s.active.Add(-1)
		s.update(name, func(g *GroupStats) { g.Active-- })
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		err = fmt.Errorf("%s: %w", name, err)
		s.failed(name, err)
		s.firstErr.CompareAndSwap(nil, &err)
		if s.cancelOnErr {
			s.cancel()
		}
	}()
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.update(name, func(g *GroupStats) { g.Panics++ })
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max time.Duration
	// healthy is how long a run must last for the backoff to reset.
	healthy time.Duration
	// limit <= 0 restarts forever.
	limit int
}

// WithRestartBackoff sets the window of the doubling restart delay.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; the first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// GoRestart keeps fn running: an error or panic restarts it after a jittered
// backoff, a nil return ends it. Giving up after WithMaxRestarts reports the
// last error like Go does.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, healthy: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.Go(name, func(ctx context.Context) error {
		delay := p.min
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.call(name, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			s.failed(name, err)
			if p.limit > 0 && restarts >= p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return err
			}
			s.update(name, func(g *GroupStats) { g.Restarts++ })

			if time.Since(began) >= p.healthy {
				delay = p.min
			}
			wait := delay + rand.N(delay/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			if !sleep(ctx, wait) {
				return nil
			}
			delay = min(delay*2, p.max)
		}
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends, and reports the
// first error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
