package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatty/internal/broker"
	"chatty/internal/queue"
	"chatty/internal/runtime/supervisor"
)

type harness struct {
	q    *queue.Queue
	pool *Pool
	sup  *supervisor.Supervisor
}

func newHarness(t *testing.T, cfg queue.Config, wcfg Config) *harness {
	t.Helper()
	store := broker.NewMemory(broker.NewHub(), broker.Options{})
	q, err := queue.New(cfg, queue.Deps{Store: store})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	sup := supervisor.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
		_ = store.Close()
	})
	return &harness{q: q, pool: New(q, wcfg), sup: sup}
}

func (h *harness) start() {
	h.q.Start(h.sup)
	h.pool.Start(h.sup)
}

var fastRetries = queue.Config{
	MaxAttempts:    3,
	BackoffBase:    5 * time.Millisecond,
	BackoffMax:     20 * time.Millisecond,
	BackoffJitter:  0.2,
	LeaseTimeout:   time.Second,
	HandlerTimeout: 200 * time.Millisecond,
	LongPoll:       20 * time.Millisecond,
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func jobStatus(t *testing.T, q *queue.Queue, id string) *broker.Job {
	t.Helper()
	j, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return j
}

func TestHandlerSucceedsOnThirdAttempt(t *testing.T) {
	h := newHarness(t, fastRetries, Config{})
	var calls atomic.Int32
	err := h.pool.RegisterHandler("user", "addUserToDB", 5, func(ctx context.Context, job *broker.Job) error {
		if calls.Add(1) < 3 {
			return errors.New("db unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	h.start()

	id, err := h.q.Enqueue(context.Background(), "user", "addUserToDB", []byte(`{"username":"Ada"}`), queue.Options{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "completion", func() bool { return jobStatus(t, h.q, id).Status == broker.StatusCompleted })
	if j := jobStatus(t, h.q, id); j.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", j.Attempts)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("handler calls = %d", n)
	}
}

func TestHandlerAlwaysFailingEndsInDeadLetter(t *testing.T) {
	h := newHarness(t, fastRetries, Config{Circuit: CircuitConfig{TripFailures: -1}})
	var calls atomic.Int32
	_ = h.pool.RegisterHandler("user", "addUserToDB", 2, func(context.Context, *broker.Job) error {
		calls.Add(1)
		return errors.New("boom")
	})
	h.start()

	id, _ := h.q.Enqueue(context.Background(), "user", "addUserToDB", nil, queue.Options{MaxAttempts: 3})
	waitFor(t, "dead letter", func() bool { return jobStatus(t, h.q, id).Status == broker.StatusDeadLetter })
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 3 {
		t.Fatalf("handler calls = %d, want 3", n)
	}
	snap := h.pool.Snapshot()
	if len(snap.Lanes) != 1 || snap.Lanes[0].Failed != 3 {
		t.Fatalf("snapshot lanes = %+v", snap.Lanes)
	}
	if last := snap.History[len(snap.History)-1]; last.Outcome != OutcomeDeadLetter || last.Attempt != 3 {
		t.Fatalf("last history item = %+v", last)
	}
}

func TestPanicBecomesError(t *testing.T) {
	h := newHarness(t, fastRetries, Config{})
	var calls atomic.Int32
	_ = h.pool.RegisterHandler("q", "h", 1, func(context.Context, *broker.Job) error {
		if calls.Add(1) == 1 {
			panic("kaboom")
		}
		return nil
	})
	h.start()

	id, _ := h.q.Enqueue(context.Background(), "q", "h", nil, queue.Options{})
	waitFor(t, "completion after panic", func() bool { return jobStatus(t, h.q, id).Status == broker.StatusCompleted })

	snap := h.pool.Snapshot()
	if snap.Lanes[0].Panics != 1 || snap.History[0].Outcome != OutcomeRetry {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestTimedOutHandlerIsAbandoned(t *testing.T) {
	cfg := fastRetries
	cfg.HandlerTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, Config{})

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var completed atomic.Int32
	_ = h.pool.RegisterHandler("q", "h", 1, func(_ context.Context, job *broker.Job) error {
		if string(job.Payload) == "stuck" {
			<-release // ignores ctx on purpose
			return nil
		}
		completed.Add(1)
		return nil
	})
	h.start()

	ctx := context.Background()
	stuck, _ := h.q.Enqueue(ctx, "q", "h", []byte("stuck"), queue.Options{MaxAttempts: 1})
	next, _ := h.q.Enqueue(ctx, "q", "h", []byte("ok"), queue.Options{})

	// the single slot must move on while the first handler is still blocked
	waitFor(t, "second job", func() bool { return jobStatus(t, h.q, next).Status == broker.StatusCompleted })
	j := jobStatus(t, h.q, stuck)
	if j.Status != broker.StatusDeadLetter || j.LastError == "" {
		t.Fatalf("stuck job = %+v", j)
	}
	if h.pool.Snapshot().Lanes[0].TimedOut != 1 {
		t.Fatal("timeout not counted")
	}
}

// A worker that vanishes while holding a lease does not lose the job: the
// reaper reclaims it and a pool slot picks it up with the attempt counted.
func TestAbandonedLeaseIsPickedUpByPool(t *testing.T) {
	cfg := fastRetries
	cfg.LeaseTimeout = 100 * time.Millisecond
	cfg.HandlerTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, Config{})

	var seen atomic.Int32
	err := h.pool.RegisterHandler("q", "h", 1, func(_ context.Context, j *broker.Job) error {
		seen.Store(int32(j.Attempts))
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	// reserve by hand before the pool runs and never settle
	ctx := context.Background()
	id, _ := h.q.Enqueue(ctx, "q", "h", nil, queue.Options{MaxAttempts: 3})
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	lost, err := h.q.Reserve(rctx, "q", "h")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	h.start()

	waitFor(t, "reclaimed job to complete", func() bool { return jobStatus(t, h.q, id).Status == broker.StatusCompleted })
	if seen.Load() != 2 {
		t.Fatalf("second reservation saw attempts=%d, want 2", seen.Load())
	}
	if err := h.q.Ack(ctx, lost); !errors.Is(err, broker.ErrLeaseLost) {
		t.Fatalf("stale ack: %v", err)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	h := newHarness(t, fastRetries, Config{})
	var cur, peak atomic.Int32
	var mu sync.Mutex
	done := map[string]bool{}
	_ = h.pool.RegisterHandler("q", "h", 2, func(_ context.Context, job *broker.Job) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		mu.Lock()
		done[job.ID] = true
		mu.Unlock()
		return nil
	})
	h.start()
	for i := 0; i < 6; i++ {
		_, _ = h.q.Enqueue(context.Background(), "q", "h", nil, queue.Options{})
	}
	waitFor(t, "all jobs", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(done) == 6
	})
	if p := peak.Load(); p != 2 {
		t.Fatalf("peak concurrency = %d, want 2", p)
	}
}

func TestCircuitPausesLane(t *testing.T) {
	h := newHarness(t, fastRetries, Config{})
	var calls atomic.Int32
	_ = h.pool.RegisterHandler("q", "h", 1, func(context.Context, *broker.Job) error {
		calls.Add(1)
		return errors.New("down")
	}, WithCircuit(CircuitConfig{TripFailures: 2, BaseDelay: time.Hour}), WithMaxAttempts(10))
	h.start()

	id, _ := h.q.Enqueue(context.Background(), "q", "h", nil, queue.Options{})
	waitFor(t, "circuit to open", func() bool { return h.pool.Snapshot().Lanes[0].CircuitOpen })
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 2 {
		t.Fatalf("handler ran %d times, want 2 before the circuit opened", n)
	}
	if j := jobStatus(t, h.q, id); j.Attempts != 2 || j.Status == broker.StatusDeadLetter {
		t.Fatalf("job = %+v", j)
	}
}

func TestRegisterHandlerRejectsDuplicates(t *testing.T) {
	h := newHarness(t, fastRetries, Config{})
	fn := func(context.Context, *broker.Job) error { return nil }
	if err := h.pool.RegisterHandler("q", "h", 1, fn); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := h.pool.RegisterHandler("q", "h", 1, fn); !errors.Is(err, queue.ErrDuplicateDefinition) {
		t.Fatalf("second: %v", err)
	}
	if err := h.pool.RegisterHandler("q", "other", 1, nil); err == nil {
		t.Fatal("nil handler accepted")
	}
}

func TestCircuitCooldownGrows(t *testing.T) {
	c := newCircuit(CircuitConfig{TripFailures: 2, BaseDelay: time.Second, MaxDelay: 3 * time.Second, ResetAfter: time.Hour})
	now := time.Unix(0, 0)
	fail := errors.New("x")

	c.record(now, fail)
	if open, _ := c.openUntil(now); open {
		t.Fatal("open after one failure")
	}
	c.record(now, fail)
	if open, until := c.openUntil(now); !open || until.Sub(now) != time.Second {
		t.Fatalf("after trip: open=%v until=%s", open, until.Sub(now))
	}
	c.record(now, fail)
	if _, until := c.openUntil(now); until.Sub(now) != 2*time.Second {
		t.Fatalf("second cooldown %s", until.Sub(now))
	}
	c.record(now, fail)
	c.record(now, fail)
	if _, until := c.openUntil(now); until.Sub(now) != 3*time.Second {
		t.Fatalf("capped cooldown %s", until.Sub(now))
	}
	c.record(now, nil)
	if open, _ := c.openUntil(now); open || c.failures() != 0 {
		t.Fatal("success did not close the circuit")
	}

	c.record(now, fail)
	c.record(now, fail)
	later := now.Add(2 * time.Hour)
	if open, _ := c.openUntil(later); open || c.failures() != 0 {
		t.Fatal("stale failures not forgotten")
	}
}
