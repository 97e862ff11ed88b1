package queue

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Policy is the retry policy of one lane.
type Policy struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	HandlerTimeout time.Duration
}

// withDefaults fills zero fields from def.
func (p Policy) withDefaults(def Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = def.BackoffMax
	}
	if p.BackoffJitter <= 0 {
		p.BackoffJitter = def.BackoffJitter
	}
	if p.HandlerTimeout <= 0 {
		p.HandlerTimeout = def.HandlerTimeout
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
	}
	if p.BackoffJitter > 0.5 {
		p.BackoffJitter = 0.5
	}
	return p
}

// lockedRand is shared by every lane; retries are rare enough that one lock
// does not matter.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// Backoff returns the delay before the retry that follows attempt (1-based).
// Below the cap the nominal delay base*2^(attempt-1) is jittered downwards
// into [d*(1-j), d]; once the nominal delay reaches the cap the result is
// exactly the cap. With j <= 0.5 successive delays never decrease.
func (p Policy) Backoff(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base, maxD := p.BackoffBase, p.BackoffMax
	if base <= 0 {
		return 0
	}
	if maxD < base {
		maxD = base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD || d <= 0 {
			return maxD
		}
	}
	if d >= maxD {
		return maxD
	}
	j := min(max(p.BackoffJitter, 0), 0.5)
	if j == 0 || rnd == nil {
		return d
	}
	f := float64(d)
	return time.Duration(f*(1-j) + rnd()*f*j)
}

// retryDelay honours a RetryAfter hint, bounded by the cap, and otherwise
// falls back to Backoff.
func (p Policy) retryDelay(attempt int, cause error, rnd func() float64) time.Duration {
	var ra RetryAfterError
	if cause != nil && errors.As(cause, &ra) {
		return min(max(ra.RetryAfter(), 0), max(p.BackoffMax, p.BackoffBase))
	}
	return p.Backoff(attempt, rnd)
}
