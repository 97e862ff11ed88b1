package worker

import (
	"sync"
	"time"
)

// circuitState tracks consecutive failures for one lane.
//
// It implements a simple consecutive-failure circuit breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type CircuitConfig struct {
	// TripFailures opens the circuit after this many consecutive failures.
	// Negative disables the breaker; zero means 5.
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	// ResetAfter forgets failures older than this.
	ResetAfter time.Duration
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

func (c CircuitConfig) enabled() bool { return c.TripFailures > 0 }

type circuit struct {
	cfg CircuitConfig

	mu sync.Mutex
	st circuitState
}

func newCircuit(cfg CircuitConfig) *circuit { return &circuit{cfg: cfg.withDefaults()} }

// resetIfStale forgets a failure streak that ended long ago. Caller holds c.mu.
func (c *circuit) resetIfStale(now time.Time) {
	if !c.st.lastFailure.IsZero() && now.Sub(c.st.lastFailure) > c.cfg.ResetAfter {
		c.st = circuitState{}
	}
}

// openUntil reports whether the circuit is open at now and until when.
func (c *circuit) openUntil(now time.Time) (bool, time.Time) {
	if !c.cfg.enabled() {
		return false, time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfStale(now)
	if !c.st.openUntil.IsZero() && now.Before(c.st.openUntil) {
		return true, c.st.openUntil
	}
	return false, time.Time{}
}

func (c *circuit) record(now time.Time, err error) {
	if !c.cfg.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfStale(now)

	if err == nil {
		c.st = circuitState{}
		return
	}
	c.st.fails++
	c.st.lastFailure = now
	if c.st.fails < c.cfg.TripFailures {
		return
	}

	// exponential cooldown after tripping
	d := c.cfg.BaseDelay
	for i := 0; i < c.st.fails-c.cfg.TripFailures; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			break
		}
	}
	c.st.openUntil = now.Add(min(d, c.cfg.MaxDelay))
}

func (c *circuit) failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.fails
}
