// Package broker is the client side of the shared message broker: a
// pub/sub bus for real-time envelopes plus a durable job store with leases.
//
// Backends are chosen by URL scheme:
//
//	memory://<hub>            in-process (tests, single node)
//	redis://, rediss://       Redis (sorted sets + Lua, PUBLISH/SUBSCRIBE)
//	postgres://, postgresql:// Postgres (SKIP LOCKED claims, LISTEN/NOTIFY)
package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"chatty/internal/eventbus"
	logx "chatty/pkg/logx"
)

var (
	// ErrDisconnected is returned by Publish while the broker is unreachable.
	ErrDisconnected = errors.New("broker: disconnected")
	// ErrNoJob means Reserve found nothing eligible.
	ErrNoJob = errors.New("broker: no job available")
	// ErrLeaseLost means the lease token no longer matches the job (it was
	// reclaimed, acked, or never held).
	ErrLeaseLost = errors.New("broker: lease lost")
	ErrNotFound  = errors.New("broker: job not found")
	// ErrDuplicateJob is returned by Enqueue when the job ID already exists.
	ErrDuplicateJob = errors.New("broker: duplicate job id")
	ErrClosed       = errors.New("broker: client closed")
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusActive          Status = "active"
	StatusCompleted       Status = "completed"
	StatusFailedRetryable Status = "failed-retryable"
	StatusDeadLetter      Status = "dead-letter"
)

// Job is the durable record of one unit of background work.
type Job struct {
	ID            string    `json:"id"`
	Queue         string    `json:"queue"`
	Handler       string    `json:"handler"`
	Payload       []byte    `json:"payload"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	NextRunAt     time.Time `json:"next_run_at"`
	Status        Status    `json:"status"`
	LeaseToken    string    `json:"-"`
	LeaseDeadline time.Time `json:"lease_deadline,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Effective reports the status as seen at now: a failed-retryable job whose
// retry time has passed is queued again.
func (j *Job) Effective(now time.Time) Status {
	if j.Status == StatusFailedRetryable && !now.Before(j.NextRunAt) {
		return StatusQueued
	}
	return j.Status
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	return &cp
}

// PurgeFilter selects dead letters to delete. Empty IDs matches every dead
// letter of the queue; a zero Before disables the age check.
type PurgeFilter struct {
	IDs    []string
	Before time.Time
}

func (f PurgeFilter) Match(j *Job) bool {
	if j.Status != StatusDeadLetter {
		return false
	}
	if !f.Before.IsZero() && !j.UpdatedAt.Before(f.Before) {
		return false
	}
	if len(f.IDs) == 0 {
		return true
	}
	for _, id := range f.IDs {
		if id == j.ID {
			return true
		}
	}
	return false
}

// Subscription is a live channel subscription. C is closed after Close.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

// PubSub is the fire-and-forget half of the broker.
type PubSub interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// JobStore is the durable half of the broker. Jobs are partitioned into
// lanes by (queue, handler).
type JobStore interface {
	Enqueue(ctx context.Context, job *Job) (string, error)
	// Reserve atomically leases the earliest eligible job of the lane,
	// incrementing its attempts.
	Reserve(ctx context.Context, queue, handler string, lease time.Duration) (*Job, error)
	Ack(ctx context.Context, id, token string) error
	// Nack releases a lease after a failure. The job is dead-lettered when it
	// has used all attempts, otherwise it becomes failed-retryable until
	// now+retryAfter. The resulting status is returned.
	Nack(ctx context.Context, id, token string, retryAfter time.Duration, reason string) (Status, error)
	// Bury dead-letters the job regardless of remaining attempts.
	Bury(ctx context.Context, id, token, reason string) error
	// Expired lists active jobs of the lane whose lease deadline is before now.
	Expired(ctx context.Context, queue, handler string, now time.Time, limit int) ([]*Job, error)
	// Reclaim is Nack on behalf of a lease holder that went away.
	Reclaim(ctx context.Context, id, token string, retryAfter time.Duration, reason string) (Status, error)
	Get(ctx context.Context, id string) (*Job, error)
	Dead(ctx context.Context, queue string, limit int) ([]*Job, error)
	Purge(ctx context.Context, queue string, f PurgeFilter) (int, error)
	// NextRunAt returns the earliest next-run time among waiting jobs of the lane.
	NextRunAt(ctx context.Context, queue, handler string) (time.Time, bool, error)
	// Ready signals (best effort) when a job of the lane may have become eligible.
	Ready(ctx context.Context, queue, handler string) (Subscription, error)
}

// Client is a connected broker.
type Client interface {
	PubSub
	JobStore

	Ping(ctx context.Context) error
	Connected() bool
	// Monitor pings until ctx ends, flipping Connected and reconnecting with
	// ReconnectDelay on failure. Run it under a supervisor.
	Monitor(ctx context.Context) error
	Backend() string
	Close() error
}

type Options struct {
	Log            logx.Logger
	Bus            eventbus.Bus
	KeyPrefix      string
	HealthInterval time.Duration
	// Now overrides the clock used for next-run and lease arithmetic.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Bus == nil {
		o.Bus = eventbus.Nop()
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = "chatty:"
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Open connects to the broker at rawURL and verifies it with a ping.
func Open(ctx context.Context, rawURL string, opts Options) (Client, error) {
	opts = opts.withDefaults()
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemory(SharedHub(u.Host+u.Path), opts), nil
	case "redis", "rediss":
		return OpenRedis(ctx, rawURL, opts)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, rawURL, opts)
	default:
		return nil, fmt.Errorf("broker: unsupported scheme %q", u.Scheme)
	}
}

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

// ReconnectDelay returns the wait before reconnect attempt n (0-based):
// exponential from 1s, capped at 30s, with full jitter.
func ReconnectDelay(attempt int) time.Duration {
	ceil := reconnectCap
	attempt = max(attempt, 0)
	if attempt < 5 {
		ceil = min(reconnectBase<<attempt, reconnectCap)
	}
	return time.Duration(rand.Int64N(int64(ceil)) + 1)
}

func newToken() string { return newID() }

func laneKey(queue, handler string) string { return queue + "/" + handler }
