package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	logx "chatty/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// Key layout (p = key prefix):
//
//	p job:<id>                     hash, one job record
//	p q:<queue>:<handler>:waiting  zset, score = next_run_at ms
//	p q:<queue>:<handler>:active   zset, score = lease_deadline ms
//	p q:<queue>:<handler>:ready    pub/sub wake-up channel
//	p q:<queue>:dead               zset, score = dead-lettered at ms
const completedRetention = 24 * time.Hour

var (
	enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

	// KEYS: waiting, active. ARGV: now, deadline, token, job key prefix.
	reserveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then return false end
local id = ids[1]
local key = ARGV[4] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'status', 'active', 'lease_token', ARGV[3], 'lease_deadline', ARGV[2], 'updated_at', ARGV[1])
return id
`)

	// KEYS: job, active. ARGV: id, token, now, retention ms.
	ackScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'status') ~= 'active' or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'completed', 'lease_token', '', 'lease_deadline', 0, 'updated_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

	// KEYS: job, active, waiting, dead. ARGV: id, token, now, next run, reason, bury.
	// Returns -1 missing, 0 lease lost, 1 failed-retryable, 2 dead-letter.
	releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'status') ~= 'active' or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
local maxa = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
if ARGV[6] == '1' or attempts >= maxa then
  redis.call('HSET', KEYS[1], 'status', 'dead-letter', 'lease_token', '', 'lease_deadline', 0, 'last_error', ARGV[5], 'updated_at', ARGV[3])
  redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
  return 2
end
redis.call('HSET', KEYS[1], 'status', 'failed-retryable', 'lease_token', '', 'lease_deadline', 0, 'last_error', ARGV[5], 'next_run_at', ARGV[4], 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)
)

// Redis is a Client backed by a single Redis server.
type Redis struct {
	rdb    *redis.Client
	opts   Options
	log    logx.Logger
	health *health
	closed atomic.Bool
}

var _ Client = (*Redis)(nil)

// OpenRedis connects using a redis:// or rediss:// URL.
func OpenRedis(ctx context.Context, rawURL string, opts Options) (*Redis, error) {
	ro, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("broker: redis url: %w", err)
	}
	return NewRedis(ctx, redis.NewClient(ro), opts)
}

// NewRedis wraps an existing go-redis client. The client is closed by Close.
func NewRedis(ctx context.Context, rdb *redis.Client, opts Options) (*Redis, error) {
	opts = opts.withDefaults()
	r := &Redis{rdb: rdb, opts: opts}
	r.health = newHealth("redis", opts, r.Ping)
	r.log = r.health.log
	if err := r.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("broker: redis ping: %w", err)
	}
	return r, nil
}

func (r *Redis) Backend() string { return "redis" }

func (r *Redis) Ping(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Connected() bool { return !r.closed.Load() && r.health.connected.Load() }

func (r *Redis) Monitor(ctx context.Context) error { return r.health.monitor(ctx) }

func (r *Redis) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.rdb.Close()
}

// check fails fast while the health loop considers the server unreachable.
func (r *Redis) check() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.health.connected.Load() {
		return ErrDisconnected
	}
	return nil
}

// transport marks the client down when err looks like a connection failure so
// that callers fail fast until the monitor sees the server again.
func (r *Redis) transport(err error) error {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return err
	}
	r.health.down(err)
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}

func (r *Redis) Publish(ctx context.Context, channel string, data []byte) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.transport(r.rdb.Publish(ctx, channel, data).Err())
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	ps := r.rdb.Subscribe(ctx, channel)
	// Wait for the confirmation so nothing published after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, r.transport(err)
	}
	s := &redisSub{ps: ps, ch: make(chan []byte, memSubBuffer), done: make(chan struct{})}
	go s.pump()
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSub) C() <-chan []byte { return s.ch }

// pump copies messages out of go-redis. go-redis resubscribes after a
// reconnect, so the stream resumes from "now".
func (s *redisSub) pump() {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (r *Redis) jobKey(id string) string { return r.opts.KeyPrefix + "job:" + id }

func (r *Redis) laneKey(queue, handler, kind string) string {
	return r.opts.KeyPrefix + "q:" + queue + ":" + handler + ":" + kind
}

func (r *Redis) deadKey(queue string) string { return r.opts.KeyPrefix + "q:" + queue + ":dead" }

func (r *Redis) Ready(ctx context.Context, queue, handler string) (Subscription, error) {
	return r.Subscribe(ctx, r.laneKey(queue, handler, "ready"))
}

func (r *Redis) signalReady(ctx context.Context, queue, handler string) {
	if err := r.rdb.Publish(ctx, r.laneKey(queue, handler, "ready"), "").Err(); err != nil {
		r.log.Debug("ready signal failed", logx.String("queue", queue), logx.String("handler", handler), logx.Err(err))
	}
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func (r *Redis) Enqueue(ctx context.Context, job *Job) (string, error) {
	if err := r.check(); err != nil {
		return "", err
	}
	if job == nil || job.Queue == "" || job.Handler == "" {
		return "", errors.New("broker: enqueue: queue and handler are required")
	}
	now := r.opts.Now()
	id := job.ID
	if id == "" {
		id = newID()
	}
	next := job.NextRunAt
	if next.IsZero() {
		next = now
	}
	maxAttempts := max(job.MaxAttempts, 1)

	// ARGV[1] is the zset score; the rest are hash field/value pairs, with
	// ARGV[3] being the id.
	args := []any{
		ms(next),
		"id", id,
		"queue", job.Queue,
		"handler", job.Handler,
		"payload", job.Payload,
		"attempts", 0,
		"max_attempts", maxAttempts,
		"next_run_at", ms(next),
		"status", string(StatusQueued),
		"lease_token", "",
		"lease_deadline", 0,
		"last_error", "",
		"created_at", ms(now),
		"updated_at", ms(now),
	}
	ok, err := enqueueScript.Run(ctx, r.rdb, []string{r.jobKey(id), r.laneKey(job.Queue, job.Handler, "waiting")}, args...).Int()
	if err != nil {
		return "", r.transport(err)
	}
	if ok == 0 {
		return id, ErrDuplicateJob
	}
	r.signalReady(ctx, job.Queue, job.Handler)
	return id, nil
}

func (r *Redis) Reserve(ctx context.Context, queue, handler string, lease time.Duration) (*Job, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	now := r.opts.Now()
	token := newToken()
	id, err := reserveScript.Run(ctx, r.rdb,
		[]string{r.laneKey(queue, handler, "waiting"), r.laneKey(queue, handler, "active")},
		ms(now), ms(now.Add(lease)), token, r.opts.KeyPrefix+"job:",
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, r.transport(err)
	}
	return r.Get(ctx, id)
}

func (r *Redis) Ack(ctx context.Context, id, token string) error {
	if err := r.check(); err != nil {
		return err
	}
	j, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	res, err := ackScript.Run(ctx, r.rdb,
		[]string{r.jobKey(id), r.laneKey(j.Queue, j.Handler, "active")},
		id, token, ms(r.opts.Now()), completedRetention.Milliseconds(),
	).Int()
	if err != nil {
		return r.transport(err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrLeaseLost
	}
	return nil
}

func (r *Redis) release(ctx context.Context, id, token string, retryAfter time.Duration, reason string, bury bool) (Status, error) {
	if err := r.check(); err != nil {
		return "", err
	}
	j, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	now := r.opts.Now()
	buryArg := "0"
	if bury {
		buryArg = "1"
	}
	res, err := releaseScript.Run(ctx, r.rdb,
		[]string{r.jobKey(id), r.laneKey(j.Queue, j.Handler, "active"), r.laneKey(j.Queue, j.Handler, "waiting"), r.deadKey(j.Queue)},
		id, token, ms(now), ms(now.Add(max(retryAfter, 0))), reason, buryArg,
	).Int()
	if err != nil {
		return "", r.transport(err)
	}
	switch res {
	case -1:
		return "", ErrNotFound
	case 0:
		return "", ErrLeaseLost
	case 2:
		return StatusDeadLetter, nil
	}
	r.signalReady(ctx, j.Queue, j.Handler)
	return StatusFailedRetryable, nil
}

func (r *Redis) Nack(ctx context.Context, id, token string, retryAfter time.Duration, reason string) (Status, error) {
	return r.release(ctx, id, token, retryAfter, reason, false)
}

func (r *Redis) Reclaim(ctx context.Context, id, token string, retryAfter time.Duration, reason string) (Status, error) {
	return r.release(ctx, id, token, retryAfter, reason, false)
}

func (r *Redis) Bury(ctx context.Context, id, token, reason string) error {
	_, err := r.release(ctx, id, token, 0, reason, true)
	return err
}

func (r *Redis) Get(ctx context.Context, id string) (*Job, error) {
	m, err := r.rdb.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return nil, r.transport(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return decodeRedisJob(m), nil
}

func decodeRedisJob(m map[string]string) *Job {
	atoi := func(s string) int { n, _ := strconv.Atoi(s); return n }
	return &Job{
		ID:            m["id"],
		Queue:         m["queue"],
		Handler:       m["handler"],
		Payload:       []byte(m["payload"]),
		Attempts:      atoi(m["attempts"]),
		MaxAttempts:   atoi(m["max_attempts"]),
		NextRunAt:     fromMS(m["next_run_at"]),
		Status:        Status(m["status"]),
		LeaseToken:    m["lease_token"],
		LeaseDeadline: fromMS(m["lease_deadline"]),
		LastError:     m["last_error"],
		CreatedAt:     fromMS(m["created_at"]),
		UpdatedAt:     fromMS(m["updated_at"]),
	}
}

// load fetches several jobs in one round trip, skipping ids that vanished.
func (r *Redis) load(ctx context.Context, ids []string) ([]*Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, r.transport(err)
	}
	out := make([]*Job, 0, len(ids))
	for _, c := range cmds {
		if m := c.Val(); len(m) > 0 {
			out = append(out, decodeRedisJob(m))
		}
	}
	return out, nil
}

func (r *Redis) Expired(ctx context.Context, queue, handler string, now time.Time, limit int) ([]*Job, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.rdb.ZRangeByScore(ctx, r.laneKey(queue, handler, "active"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(ms(now), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, r.transport(err)
	}
	return r.load(ctx, ids)
}

func (r *Redis) Dead(ctx context.Context, queue string, limit int) ([]*Job, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.rdb.ZRange(ctx, r.deadKey(queue), 0, stop).Result()
	if err != nil {
		return nil, r.transport(err)
	}
	return r.load(ctx, ids)
}

func (r *Redis) Purge(ctx context.Context, queue string, f PurgeFilter) (int, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	upper := "+inf"
	if !f.Before.IsZero() {
		upper = "(" + strconv.FormatInt(ms(f.Before), 10)
	}
	ids, err := r.rdb.ZRangeByScore(ctx, r.deadKey(queue), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return 0, r.transport(err)
	}
	if len(f.IDs) > 0 {
		want := make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			want[id] = true
		}
		kept := ids[:0]
		for _, id := range ids {
			if want[id] {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	if len(ids) == 0 {
		return 0, nil
	}
	removed := make([]*redis.IntCmd, len(ids))
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			removed[i] = p.ZRem(ctx, r.deadKey(queue), id)
			p.Del(ctx, r.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return 0, r.transport(err)
	}
	n := 0
	for _, c := range removed {
		n += int(c.Val())
	}
	return n, nil
}

func (r *Redis) NextRunAt(ctx context.Context, queue, handler string) (time.Time, bool, error) {
	if err := r.check(); err != nil {
		return time.Time{}, false, err
	}
	zs, err := r.rdb.ZRangeWithScores(ctx, r.laneKey(queue, handler, "waiting"), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, r.transport(err)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)), true, nil
}
