// Package queue is the durable job queue: lane definitions, enqueue, blocking
// reservation, acknowledgement with retry/backoff, lease reclamation and
// dead-letter maintenance. Job records live in the broker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chatty/internal/broker"
	"chatty/internal/eventbus"
	"chatty/internal/runtime/supervisor"
	logx "chatty/pkg/logx"

	"golang.org/x/time/rate"
)

// Config is the queue-wide policy; per-lane Definitions may override it.
type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	LeaseTimeout   time.Duration
	HandlerTimeout time.Duration
	// LongPoll caps how long Reserve sleeps without a ready signal.
	LongPoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.BackoffJitter < 0 {
		c.BackoffJitter = 0
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 60 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.LongPoll <= 0 {
		c.LongPoll = 5 * time.Second
	}
	return c
}

func (c Config) policy() Policy {
	return Policy{
		MaxAttempts:    c.MaxAttempts,
		BackoffBase:    c.BackoffBase,
		BackoffMax:     c.BackoffMax,
		BackoffJitter:  c.BackoffJitter,
		HandlerTimeout: c.HandlerTimeout,
	}
}

// Definition registers one (queue, handler) lane.
type Definition struct {
	Queue       string
	Handler     string
	Concurrency int
	Policy      Policy
}

func (d Definition) Key() string { return d.Queue + "/" + d.Handler }

// Options tune a single Enqueue.
type Options struct {
	// MaxAttempts overrides the lane policy.
	MaxAttempts int
	// Delay postpones the first attempt.
	Delay time.Duration
	// JobID makes the enqueue idempotent: a second enqueue with the same id
	// returns broker.ErrDuplicateJob.
	JobID string
}

// Auditor records terminal job transitions. storage.Store implements it.
type Auditor interface {
	RecordJob(ctx context.Context, event string, job *broker.Job) error
}

// Audit events.
const (
	AuditDeadLetter = "dead_letter"
	AuditPurged     = "purged"
)

type Deps struct {
	Store broker.JobStore
	Log   logx.Logger
	Bus   eventbus.Bus
	Audit Auditor
	Now   func() time.Time
	// Rand overrides the jitter source in tests.
	Rand func() float64
}

type Queue struct {
	store broker.JobStore
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	audit Auditor
	now   func() time.Time
	rnd   func() float64

	mu    sync.RWMutex
	lanes map[string]*lane
	sup   *supervisor.Supervisor

	auditWarn rate.Sometimes
}

// lane holds a definition and the wake-up signal its reservers wait on.
type lane struct {
	def Definition

	mu   sync.Mutex
	wake chan struct{}
}

func newLane(def Definition) *lane {
	return &lane{def: def, wake: make(chan struct{})}
}

// waiter returns a channel closed by the next signal.
func (l *lane) waiter() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wake
}

func (l *lane) signal() {
	l.mu.Lock()
	close(l.wake)
	l.wake = make(chan struct{})
	l.mu.Unlock()
}

func New(cfg Config, deps Deps) (*Queue, error) {
	if deps.Store == nil {
		return nil, errors.New("queue: job store is required")
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Rand == nil {
		deps.Rand = newLockedRand(time.Now().UnixNano()).Float64
	}
	return &Queue{
		store:     deps.Store,
		cfg:       cfg.withDefaults(),
		log:       deps.Log.With(logx.String("comp", "queue")),
		bus:       deps.Bus,
		audit:     deps.Audit,
		now:       deps.Now,
		rnd:       deps.Rand,
		lanes:     map[string]*lane{},
		auditWarn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}, nil
}

func (q *Queue) Config() Config { return q.cfg }

// Register adds a lane. Registering the same (queue, handler) twice is an
// error. Lanes registered after Start get their background loops at once.
func (q *Queue) Register(def Definition) error {
	def.Queue = strings.TrimSpace(def.Queue)
	def.Handler = strings.TrimSpace(def.Handler)
	if def.Queue == "" || def.Handler == "" || strings.Contains(def.Queue, "/") {
		return fmt.Errorf("%w: queue %q handler %q", ErrInvalidDefinition, def.Queue, def.Handler)
	}
	if def.Concurrency <= 0 {
		def.Concurrency = 1
	}
	def.Policy = def.Policy.withDefaults(q.cfg.policy())
	if def.Policy.HandlerTimeout >= q.cfg.LeaseTimeout {
		return fmt.Errorf("%w: %s handler timeout %s must be below lease timeout %s",
			ErrInvalidDefinition, def.Key(), def.Policy.HandlerTimeout, q.cfg.LeaseTimeout)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.lanes[def.Key()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDefinition, def.Key())
	}
	l := newLane(def)
	q.lanes[def.Key()] = l
	if q.sup != nil {
		q.startLane(q.sup, l)
	}
	q.log.Debug("lane registered", logx.String("lane", def.Key()), logx.Int("concurrency", def.Concurrency),
		logx.Int("max_attempts", def.Policy.MaxAttempts))
	return nil
}

// Definition returns the registered definition of a lane.
func (q *Queue) Definition(queue, handler string) (Definition, bool) {
	l, err := q.lane(queue, handler)
	if err != nil {
		return Definition{}, false
	}
	return l.def, true
}

// Definitions lists registered lanes sorted by key.
func (q *Queue) Definitions() []Definition {
	q.mu.RLock()
	out := make([]Definition, 0, len(q.lanes))
	for _, l := range q.lanes {
		out = append(out, l.def)
	}
	q.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Queues lists the distinct queue names with at least one lane.
func (q *Queue) Queues() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, d := range q.Definitions() {
		if _, ok := seen[d.Queue]; !ok {
			seen[d.Queue] = struct{}{}
			out = append(out, d.Queue)
		}
	}
	return out
}

func (q *Queue) lane(queue, handler string) (*lane, error) {
	q.mu.RLock()
	l := q.lanes[queue+"/"+handler]
	q.mu.RUnlock()
	if l == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownDefinition, queue, handler)
	}
	return l, nil
}

// Enqueue persists a job for a registered lane and returns its id.
func (q *Queue) Enqueue(ctx context.Context, queue, handler string, payload []byte, opts Options) (string, error) {
	l, err := q.lane(queue, handler)
	if err != nil {
		return "", err
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = l.def.Policy.MaxAttempts
	}
	job := &broker.Job{
		ID:          opts.JobID,
		Queue:       queue,
		Handler:     handler,
		Payload:     payload,
		MaxAttempts: maxAttempts,
	}
	if opts.Delay > 0 {
		job.NextRunAt = q.now().Add(opts.Delay)
	}
	id, err := q.store.Enqueue(ctx, job)
	if err != nil {
		return id, fmt.Errorf("enqueue %s: %w", l.def.Key(), err)
	}
	job.ID = id
	l.signal()
	q.log.Debug("job enqueued", logx.String("lane", l.def.Key()), logx.String("job", id), logx.Duration("delay", opts.Delay))
	q.bus.Publish(eventbus.Event{Type: eventbus.JobEnqueued, Time: q.now(), Data: job})
	return id, nil
}

// minWait keeps Reserve from spinning when another reserver wins a race for
// a job that was already due.
const minWait = 10 * time.Millisecond

// Reserve blocks until a job of the lane is leased or ctx ends. It sleeps on
// the lane's ready signal, bounded by the earliest scheduled job and the
// long-poll interval.
func (q *Queue) Reserve(ctx context.Context, queue, handler string) (*broker.Job, error) {
	l, err := q.lane(queue, handler)
	if err != nil {
		return nil, err
	}
	for {
		// take the waiter first so a signal between Reserve and select is not lost
		wake := l.waiter()
		job, err := q.store.Reserve(ctx, queue, handler, q.cfg.LeaseTimeout)
		if err == nil {
			q.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: q.now(), Data: job})
			return job, nil
		}
		if !errors.Is(err, broker.ErrNoJob) {
			return nil, err
		}

		wait := q.cfg.LongPoll
		if next, ok, err := q.store.NextRunAt(ctx, queue, handler); err == nil && ok {
			wait = min(wait, max(next.Sub(q.now()), minWait))
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// Ack completes a leased job.
func (q *Queue) Ack(ctx context.Context, job *broker.Job) error {
	if err := q.store.Ack(ctx, job.ID, job.LeaseToken); err != nil {
		return fmt.Errorf("ack %s: %w", job.ID, err)
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, Time: q.now(), Data: job})
	return nil
}

// Nack records a failed attempt. NoRetry errors dead-letter the job at once;
// otherwise it is retried after the lane's backoff (or the error's RetryAfter
// hint) until its attempts run out.
func (q *Queue) Nack(ctx context.Context, job *broker.Job, cause error) (broker.Status, error) {
	l, err := q.lane(job.Queue, job.Handler)
	if err != nil {
		return "", err
	}
	reason := "failed"
	if cause != nil {
		reason = cause.Error()
	}
	if IsNoRetry(cause) {
		if err := q.store.Bury(ctx, job.ID, job.LeaseToken, reason); err != nil {
			return "", fmt.Errorf("bury %s: %w", job.ID, err)
		}
		q.deadLettered(ctx, job, reason)
		return broker.StatusDeadLetter, nil
	}
	delay := l.def.Policy.retryDelay(job.Attempts, cause, q.rnd)
	st, err := q.store.Nack(ctx, job.ID, job.LeaseToken, delay, reason)
	if err != nil {
		return "", fmt.Errorf("nack %s: %w", job.ID, err)
	}
	q.released(ctx, l, job, st, delay, reason)
	return st, nil
}

// released publishes the outcome of a nack or reclaim.
func (q *Queue) released(ctx context.Context, l *lane, job *broker.Job, st broker.Status, delay time.Duration, reason string) {
	if st == broker.StatusDeadLetter {
		q.deadLettered(ctx, job, reason)
		return
	}
	q.log.Debug("job retry scheduled", logx.String("lane", l.def.Key()), logx.String("job", job.ID),
		logx.Int("attempt", job.Attempts), logx.Duration("delay", delay), logx.String("reason", reason))
	q.bus.Publish(eventbus.Event{Type: eventbus.JobRetry, Time: q.now(), Data: job})
	if delay <= 0 {
		l.signal()
	}
}

func (q *Queue) deadLettered(ctx context.Context, job *broker.Job, reason string) {
	q.log.Warn("job dead-lettered", logx.String("lane", job.Queue+"/"+job.Handler), logx.String("job", job.ID),
		logx.Int("attempts", job.Attempts), logx.String("reason", reason))
	dead := job.Clone()
	dead.Status = broker.StatusDeadLetter
	dead.LastError = reason
	q.bus.Publish(eventbus.Event{Type: eventbus.JobDeadLetter, Time: q.now(), Data: dead})
	q.record(ctx, AuditDeadLetter, dead)
}

func (q *Queue) record(ctx context.Context, event string, job *broker.Job) {
	if q.audit == nil {
		return
	}
	if err := q.audit.RecordJob(ctx, event, job); err != nil {
		q.auditWarn.Do(func() {
			q.log.Warn("audit write failed", logx.String("event", event), logx.String("job", job.ID), logx.Err(err))
		})
	}
}

// Get returns a job record by id.
func (q *Queue) Get(ctx context.Context, id string) (*broker.Job, error) {
	return q.store.Get(ctx, id)
}

// Dead lists dead-lettered jobs of queue, oldest first.
func (q *Queue) Dead(ctx context.Context, queue string, limit int) ([]*broker.Job, error) {
	return q.store.Dead(ctx, queue, limit)
}

// Purge deletes dead-lettered jobs of queue matching f.
func (q *Queue) Purge(ctx context.Context, queue string, f broker.PurgeFilter) (int, error) {
	var doomed []*broker.Job
	if q.audit != nil {
		dead, err := q.store.Dead(ctx, queue, 0)
		if err == nil {
			for _, j := range dead {
				if f.Match(j) {
					doomed = append(doomed, j)
				}
			}
		}
	}
	n, err := q.store.Purge(ctx, queue, f)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", queue, err)
	}
	for _, j := range doomed {
		q.record(ctx, AuditPurged, j)
	}
	if n > 0 {
		q.log.Info("dead letters purged", logx.String("queue", queue), logx.Int("count", n))
		q.bus.Publish(eventbus.Event{Type: eventbus.JobPurged, Time: q.now(), Data: n})
	}
	return n, nil
}

// PurgeOlderThan purges dead letters of every registered queue last updated
// more than retention ago.
func (q *Queue) PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	before := q.now().Add(-retention)
	total := 0
	var errs []error
	for _, name := range q.Queues() {
		n, err := q.Purge(ctx, name, broker.PurgeFilter{Before: before})
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}
