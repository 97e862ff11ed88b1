package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatty/internal/broker"
	"chatty/internal/runtime/supervisor"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.UnixMilli(1_700_000_000_000)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type auditLog struct {
	mu      sync.Mutex
	entries []string
}

func (a *auditLog) RecordJob(_ context.Context, event string, job *broker.Job) error {
	a.mu.Lock()
	a.entries = append(a.entries, event+":"+job.ID)
	a.mu.Unlock()
	return nil
}

func (a *auditLog) got() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.entries...)
}

var testConfig = Config{
	MaxAttempts:    3,
	BackoffBase:    time.Second,
	BackoffMax:     time.Minute,
	BackoffJitter:  0.2,
	LeaseTimeout:   time.Minute,
	HandlerTimeout: 10 * time.Second,
	LongPoll:       50 * time.Millisecond,
}

func newTestQueue(t *testing.T, clk *clock, hub *broker.Hub, audit Auditor) *Queue {
	t.Helper()
	store := broker.NewMemory(hub, broker.Options{Now: clk.Now})
	t.Cleanup(func() { _ = store.Close() })
	q, err := New(testConfig, Deps{Store: store, Now: clk.Now, Audit: audit, Rand: func() float64 { return 0.5 }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.Register(Definition{Queue: "user", Handler: "addUserToDB", Concurrency: 5}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return q
}

func reserveNow(t *testing.T, q *Queue) *broker.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	j, err := q.Reserve(ctx, "user", "addUserToDB")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	return j
}

func expectNoJob(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if j, err := q.Reserve(ctx, "user", "addUserToDB"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Reserve = %+v, %v; want deadline exceeded", j, err)
	}
}

func TestBackoffIsMonotonicAndCapped(t *testing.T) {
	for _, jitter := range []float64{0, 0.1, 0.5} {
		for _, r := range []float64{0, 0.37, 0.999} {
			p := Policy{BackoffBase: 300 * time.Millisecond, BackoffMax: 10 * time.Second, BackoffJitter: jitter}
			rnd := func() float64 { return r }
			prev := time.Duration(0)
			for attempt := 1; attempt <= 20; attempt++ {
				d := p.Backoff(attempt, rnd)
				if d < prev {
					t.Fatalf("jitter=%v r=%v attempt %d: %s < previous %s", jitter, r, attempt, d, prev)
				}
				if d > p.BackoffMax {
					t.Fatalf("attempt %d: %s above cap", attempt, d)
				}
				nominal := p.BackoffBase << (attempt - 1)
				if attempt > 10 || nominal >= p.BackoffMax {
					if d != p.BackoffMax {
						t.Fatalf("attempt %d: %s, want exactly the cap", attempt, d)
					}
				} else if lo := time.Duration(float64(nominal) * (1 - jitter)); d < lo || d > nominal {
					t.Fatalf("attempt %d: %s outside [%s, %s]", attempt, d, lo, nominal)
				}
				prev = d
			}
		}
	}
}

func TestRetryAfterHintIsBounded(t *testing.T) {
	p := Policy{BackoffBase: time.Second, BackoffMax: 30 * time.Second}
	if d := p.retryDelay(1, RetryAfter(errors.New("429"), 5*time.Second), nil); d != 5*time.Second {
		t.Fatalf("hint: got %s", d)
	}
	if d := p.retryDelay(1, RetryAfter(errors.New("429"), time.Hour), nil); d != 30*time.Second {
		t.Fatalf("bounded hint: got %s", d)
	}
	if d := p.retryDelay(2, errors.New("plain"), nil); d != 2*time.Second {
		t.Fatalf("backoff: got %s", d)
	}
}

func TestRegister(t *testing.T) {
	q := newTestQueue(t, newClock(), broker.NewHub(), nil)

	err := q.Register(Definition{Queue: "user", Handler: "addUserToDB"})
	if !errors.Is(err, ErrDuplicateDefinition) {
		t.Fatalf("duplicate register: %v", err)
	}
	if err := q.Register(Definition{Queue: "", Handler: "x"}); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("empty queue: %v", err)
	}
	slow := Definition{Queue: "media", Handler: "transcode", Policy: Policy{HandlerTimeout: 2 * time.Minute}}
	if err := q.Register(slow); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("handler timeout above lease: %v", err)
	}

	def, ok := q.Definition("user", "addUserToDB")
	if !ok || def.Concurrency != 5 || def.Policy.MaxAttempts != 3 || def.Policy.BackoffBase != time.Second {
		t.Fatalf("definition = %+v, %v", def, ok)
	}
	if _, err := q.Enqueue(context.Background(), "nope", "x", nil, Options{}); !errors.Is(err, ErrUnknownDefinition) {
		t.Fatalf("enqueue unknown lane: %v", err)
	}
}

// Scenario: the handler fails twice and succeeds on the third attempt.
func TestRetriesThenCompletes(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk, broker.NewHub(), nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "user", "addUserToDB", []byte(`{"username":"Ada"}`), Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		j := reserveNow(t, q)
		if j.ID != id || j.Attempts != attempt {
			t.Fatalf("attempt %d: got job %s attempts %d", attempt, j.ID, j.Attempts)
		}
		st, err := q.Nack(ctx, j, errors.New("db unavailable"))
		if err != nil || st != broker.StatusFailedRetryable {
			t.Fatalf("Nack: %s, %v", st, err)
		}
		// not eligible before its backoff elapses
		expectNoJob(t, q)
		clk.Advance(time.Minute)
	}

	j := reserveNow(t, q)
	if err := q.Ack(ctx, j); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != broker.StatusCompleted || got.Attempts != 3 {
		t.Fatalf("final = %s attempts %d; want completed attempts 3", got.Status, got.Attempts)
	}
}

// Scenario: the handler always fails, so the job ends in dead-letter and is
// never reserved again.
func TestExhaustedJobIsDeadLettered(t *testing.T) {
	clk := newClock()
	audit := &auditLog{}
	q := newTestQueue(t, clk, broker.NewHub(), audit)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "user", "addUserToDB", []byte(`{"username":"Ada"}`), Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var st broker.Status
	for attempt := 1; attempt <= 3; attempt++ {
		j := reserveNow(t, q)
		st, err = q.Nack(ctx, j, errors.New("boom"))
		if err != nil {
			t.Fatalf("Nack: %v", err)
		}
		clk.Advance(time.Hour)
	}
	if st != broker.StatusDeadLetter {
		t.Fatalf("after 3 failures status = %s", st)
	}
	expectNoJob(t, q)

	dead, err := q.Dead(ctx, "user", 10)
	if err != nil || len(dead) != 1 || dead[0].ID != id || dead[0].Attempts != 3 || dead[0].LastError != "boom" {
		t.Fatalf("Dead = %+v, %v", dead, err)
	}
	if got := audit.got(); len(got) != 1 || got[0] != AuditDeadLetter+":"+id {
		t.Fatalf("audit = %v", got)
	}
}

func TestNoRetryDeadLettersImmediately(t *testing.T) {
	q := newTestQueue(t, newClock(), broker.NewHub(), nil)
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, "user", "addUserToDB", nil, Options{})

	j := reserveNow(t, q)
	st, err := q.Nack(ctx, j, NoRetry(errors.New("bad payload")))
	if err != nil || st != broker.StatusDeadLetter {
		t.Fatalf("Nack = %s, %v", st, err)
	}
	got, _ := q.Get(ctx, id)
	if got.Attempts != 1 || got.Status != broker.StatusDeadLetter {
		t.Fatalf("job = %+v", got)
	}
}

// Scenario: a lease runs out without an ack; the reaper reclaims the job and
// another reservation gets it with the attempt counted.
func TestExpiredLeaseIsReclaimed(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk, broker.NewHub(), nil)
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, "user", "addUserToDB", nil, Options{MaxAttempts: 3})

	stale := reserveNow(t, q)
	if n, err := q.Reap(ctx, "user", "addUserToDB"); err != nil || n != 0 {
		t.Fatalf("early reap = %d, %v", n, err)
	}

	clk.Advance(testConfig.LeaseTimeout + time.Second)
	if n, err := q.Reap(ctx, "user", "addUserToDB"); err != nil || n != 1 {
		t.Fatalf("reap = %d, %v", n, err)
	}
	got, _ := q.Get(ctx, id)
	if got.Status != broker.StatusFailedRetryable || got.LastError != "lease expired" {
		t.Fatalf("after reap: %+v", got)
	}

	clk.Advance(time.Minute)
	fresh := reserveNow(t, q)
	if fresh.ID != id || fresh.Attempts != 2 {
		t.Fatalf("second reservation: %s attempts %d", fresh.ID, fresh.Attempts)
	}
	if err := q.Ack(ctx, stale); !errors.Is(err, broker.ErrLeaseLost) {
		t.Fatalf("stale ack: %v", err)
	}
	if err := q.Ack(ctx, fresh); err != nil {
		t.Fatalf("fresh ack: %v", err)
	}
}

func TestReserveWakesOnEnqueue(t *testing.T) {
	q := newTestQueue(t, newClock(), broker.NewHub(), nil)
	q.cfg.LongPoll = 10 * time.Second

	got := make(chan *broker.Job, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		j, _ := q.Reserve(ctx, "user", "addUserToDB")
		got <- j
	}()
	time.Sleep(20 * time.Millisecond)
	id, _ := q.Enqueue(context.Background(), "user", "addUserToDB", nil, Options{})

	select {
	case j := <-got:
		if j == nil || j.ID != id {
			t.Fatalf("got %+v", j)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reserve did not wake on enqueue")
	}
}

func TestReserveWakesOnRemoteEnqueue(t *testing.T) {
	hub := broker.NewHub()
	clk := newClock()
	producer := newTestQueue(t, clk, hub, nil)
	consumer := newTestQueue(t, clk, hub, nil)
	consumer.cfg.LongPoll = 10 * time.Second

	sup := supervisor.New(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	}()
	consumer.Start(sup)
	// let the ready pump subscribe
	time.Sleep(50 * time.Millisecond)

	got := make(chan *broker.Job, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		j, _ := consumer.Reserve(ctx, "user", "addUserToDB")
		got <- j
	}()
	time.Sleep(20 * time.Millisecond)
	id, _ := producer.Enqueue(context.Background(), "user", "addUserToDB", nil, Options{})

	select {
	case j := <-got:
		if j == nil || j.ID != id {
			t.Fatalf("got %+v", j)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reserve did not wake on a remote enqueue")
	}
}

func TestDelayedEnqueue(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk, broker.NewHub(), nil)
	if _, err := q.Enqueue(context.Background(), "user", "addUserToDB", nil, Options{Delay: time.Minute}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	expectNoJob(t, q)
	clk.Advance(time.Minute)
	reserveNow(t, q)
}

func TestDuplicateJobID(t *testing.T) {
	q := newTestQueue(t, newClock(), broker.NewHub(), nil)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "user", "addUserToDB", nil, Options{JobID: "signup-ada"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	id, err := q.Enqueue(ctx, "user", "addUserToDB", nil, Options{JobID: "signup-ada"})
	if !errors.Is(err, broker.ErrDuplicateJob) || id != "signup-ada" {
		t.Fatalf("second = %q, %v", id, err)
	}
}

func TestPurge(t *testing.T) {
	clk := newClock()
	audit := &auditLog{}
	q := newTestQueue(t, clk, broker.NewHub(), audit)
	ctx := context.Background()

	bury := func() string {
		id, _ := q.Enqueue(ctx, "user", "addUserToDB", nil, Options{})
		j := reserveNow(t, q)
		if _, err := q.Nack(ctx, j, NoRetry(errors.New("x"))); err != nil {
			t.Fatalf("Nack: %v", err)
		}
		return id
	}
	old := bury()
	clk.Advance(48 * time.Hour)
	recent := bury()
	keep := bury()

	n, err := q.PurgeOlderThan(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("PurgeOlderThan = %d, %v", n, err)
	}
	if _, err := q.Get(ctx, old); !errors.Is(err, broker.ErrNotFound) {
		t.Fatalf("old job still present: %v", err)
	}

	n, err = q.Purge(ctx, "user", broker.PurgeFilter{IDs: []string{recent}})
	if err != nil || n != 1 {
		t.Fatalf("Purge by id = %d, %v", n, err)
	}
	dead, _ := q.Dead(ctx, "user", 0)
	if len(dead) != 1 || dead[0].ID != keep {
		t.Fatalf("remaining dead = %+v", dead)
	}

	want := map[string]bool{AuditPurged + ":" + old: true, AuditPurged + ":" + recent: true}
	for _, e := range audit.got() {
		delete(want, e)
	}
	if len(want) != 0 {
		t.Fatalf("missing audit entries %v in %v", want, audit.got())
	}
}
