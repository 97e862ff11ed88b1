package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const memSubBuffer = 256

// Hub is the shared state behind memory:// clients. Several clients on one
// Hub behave like several instances connected to one broker.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*memSub]struct{}
	jobs    map[string]*Job
	lanes   map[string]map[string]*Job
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		subs:  map[string]map[*memSub]struct{}{},
		jobs:  map[string]*Job{},
		lanes: map[string]map[string]*Job{},
	}
}

var sharedHubs = struct {
	sync.Mutex
	m map[string]*Hub
}{m: map[string]*Hub{}}

// SharedHub returns the process-wide hub registered under name.
func SharedHub(name string) *Hub {
	sharedHubs.Lock()
	defer sharedHubs.Unlock()
	h := sharedHubs.m[name]
	if h == nil {
		h = NewHub()
		sharedHubs.m[name] = h
	}
	return h
}

// Subscribers returns the number of live subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}

// Dropped counts messages lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// publish fans data out to every subscriber of channel whose client is online.
// Callers must not hold h.mu.
func (h *Hub) publish(channel string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[channel] {
		if !s.owner.online.Load() {
			continue
		}
		msg := append([]byte(nil), data...)
		select {
		case s.ch <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

type memSub struct {
	hub     *Hub
	owner   *Memory
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *memSub) C() <-chan []byte { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if set := s.hub.subs[s.channel]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.channel)
			}
		}
		close(s.ch)
		s.hub.mu.Unlock()

		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
	})
	return nil
}

// Memory is an in-process Client.
type Memory struct {
	hub    *Hub
	opts   Options
	health *health

	online atomic.Bool
	closed atomic.Bool

	mu   sync.Mutex
	subs map[*memSub]struct{}
}

var _ Client = (*Memory)(nil)

func NewMemory(hub *Hub, opts Options) *Memory {
	if hub == nil {
		hub = NewHub()
	}
	m := &Memory{hub: hub, opts: opts.withDefaults(), subs: map[*memSub]struct{}{}}
	m.online.Store(true)
	m.health = newHealth("memory", m.opts, m.Ping)
	return m
}

func (m *Memory) Hub() *Hub { return m.hub }

// SetOnline simulates losing or regaining the broker connection. While
// offline Publish fails and this client's subscriptions miss messages.
func (m *Memory) SetOnline(online bool) { m.online.Store(online) }

func (m *Memory) Backend() string { return "memory" }

func (m *Memory) Ping(context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.online.Load() {
		return ErrDisconnected
	}
	return nil
}

func (m *Memory) Connected() bool { return m.Ping(context.Background()) == nil }

func (m *Memory) Monitor(ctx context.Context) error { return m.health.monitor(ctx) }

func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.mu.Lock()
	subs := make([]*memSub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, channel string, data []byte) error {
	if err := m.Ping(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.hub.publish(channel, data)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memSub{hub: m.hub, owner: m, channel: channel, ch: make(chan []byte, memSubBuffer)}
	m.hub.mu.Lock()
	set := m.hub.subs[channel]
	if set == nil {
		set = map[*memSub]struct{}{}
		m.hub.subs[channel] = set
	}
	set[s] = struct{}{}
	m.hub.mu.Unlock()

	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

func (m *Memory) readyChannel(queue, handler string) string {
	return m.opts.KeyPrefix + "ready:" + laneKey(queue, handler)
}

func (m *Memory) signalReady(queue, handler string) {
	m.hub.publish(m.readyChannel(queue, handler), nil)
}

func (m *Memory) Ready(ctx context.Context, queue, handler string) (Subscription, error) {
	return m.Subscribe(ctx, m.readyChannel(queue, handler))
}

func (m *Memory) Enqueue(ctx context.Context, job *Job) (string, error) {
	if err := m.Ping(ctx); err != nil {
		return "", err
	}
	if job == nil || job.Queue == "" || job.Handler == "" {
		return "", fmt.Errorf("broker: enqueue: queue and handler are required")
	}
	now := m.opts.Now()
	j := job.Clone()
	if j.ID == "" {
		j.ID = newID()
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 1
	}
	if j.NextRunAt.IsZero() {
		j.NextRunAt = now
	}
	j.Status = StatusQueued
	j.Attempts = 0
	j.LeaseToken = ""
	j.LeaseDeadline = time.Time{}
	j.CreatedAt = now
	j.UpdatedAt = now

	m.hub.mu.Lock()
	if _, ok := m.hub.jobs[j.ID]; ok {
		m.hub.mu.Unlock()
		return j.ID, ErrDuplicateJob
	}
	m.hub.jobs[j.ID] = j
	lane := m.hub.lanes[laneKey(j.Queue, j.Handler)]
	if lane == nil {
		lane = map[string]*Job{}
		m.hub.lanes[laneKey(j.Queue, j.Handler)] = lane
	}
	lane[j.ID] = j
	m.hub.mu.Unlock()

	m.signalReady(j.Queue, j.Handler)
	return j.ID, nil
}

func waiting(j *Job) bool {
	return j.Status == StatusQueued || j.Status == StatusFailedRetryable
}

func (m *Memory) Reserve(ctx context.Context, queue, handler string, lease time.Duration) (*Job, error) {
	if err := m.Ping(ctx); err != nil {
		return nil, err
	}
	now := m.opts.Now()

	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	var best *Job
	for _, j := range m.hub.lanes[laneKey(queue, handler)] {
		if !waiting(j) || j.NextRunAt.After(now) {
			continue
		}
		if best == nil || j.NextRunAt.Before(best.NextRunAt) ||
			(j.NextRunAt.Equal(best.NextRunAt) && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNoJob
	}
	best.Status = StatusActive
	best.Attempts++
	best.LeaseToken = newToken()
	best.LeaseDeadline = now.Add(lease)
	best.UpdatedAt = now
	return best.Clone(), nil
}

// leased returns the job if token holds its active lease. Caller holds hub.mu.
func (m *Memory) leased(id, token string) (*Job, error) {
	j := m.hub.jobs[id]
	if j == nil {
		return nil, ErrNotFound
	}
	if j.Status != StatusActive || token == "" || j.LeaseToken != token {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (m *Memory) Ack(ctx context.Context, id, token string) error {
	if err := m.Ping(ctx); err != nil {
		return err
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	j, err := m.leased(id, token)
	if err != nil {
		return err
	}
	j.Status = StatusCompleted
	j.LeaseToken = ""
	j.LeaseDeadline = time.Time{}
	j.UpdatedAt = m.opts.Now()
	return nil
}

func (m *Memory) release(ctx context.Context, id, token string, retryAfter time.Duration, reason string, bury bool) (Status, error) {
	if err := m.Ping(ctx); err != nil {
		return "", err
	}
	now := m.opts.Now()
	m.hub.mu.Lock()
	j, err := m.leased(id, token)
	if err != nil {
		m.hub.mu.Unlock()
		return "", err
	}
	j.LeaseToken = ""
	j.LeaseDeadline = time.Time{}
	j.LastError = reason
	j.UpdatedAt = now
	if bury || j.Attempts >= j.MaxAttempts {
		j.Status = StatusDeadLetter
	} else {
		j.Status = StatusFailedRetryable
		j.NextRunAt = now.Add(max(retryAfter, 0))
	}
	st, q, h := j.Status, j.Queue, j.Handler
	m.hub.mu.Unlock()

	if st == StatusFailedRetryable {
		m.signalReady(q, h)
	}
	return st, nil
}

func (m *Memory) Nack(ctx context.Context, id, token string, retryAfter time.Duration, reason string) (Status, error) {
	return m.release(ctx, id, token, retryAfter, reason, false)
}

func (m *Memory) Reclaim(ctx context.Context, id, token string, retryAfter time.Duration, reason string) (Status, error) {
	return m.release(ctx, id, token, retryAfter, reason, false)
}

func (m *Memory) Bury(ctx context.Context, id, token, reason string) error {
	_, err := m.release(ctx, id, token, 0, reason, true)
	return err
}

func (m *Memory) Expired(ctx context.Context, queue, handler string, now time.Time, limit int) ([]*Job, error) {
	if err := m.Ping(ctx); err != nil {
		return nil, err
	}
	m.hub.mu.Lock()
	var out []*Job
	for _, j := range m.hub.lanes[laneKey(queue, handler)] {
		if j.Status == StatusActive && j.LeaseDeadline.Before(now) {
			out = append(out, j.Clone())
		}
	}
	m.hub.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].LeaseDeadline.Before(out[b].LeaseDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Job, error) {
	if err := m.Ping(ctx); err != nil {
		return nil, err
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	j := m.hub.jobs[id]
	if j == nil {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) Dead(ctx context.Context, queue string, limit int) ([]*Job, error) {
	if err := m.Ping(ctx); err != nil {
		return nil, err
	}
	m.hub.mu.Lock()
	var out []*Job
	for _, j := range m.hub.jobs {
		if j.Queue == queue && j.Status == StatusDeadLetter {
			out = append(out, j.Clone())
		}
	}
	m.hub.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Purge(ctx context.Context, queue string, f PurgeFilter) (int, error) {
	if err := m.Ping(ctx); err != nil {
		return 0, err
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	n := 0
	for id, j := range m.hub.jobs {
		if j.Queue != queue || !f.Match(j) {
			continue
		}
		delete(m.hub.jobs, id)
		delete(m.hub.lanes[laneKey(j.Queue, j.Handler)], id)
		n++
	}
	return n, nil
}

func (m *Memory) NextRunAt(ctx context.Context, queue, handler string) (time.Time, bool, error) {
	if err := m.Ping(ctx); err != nil {
		return time.Time{}, false, err
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	var next time.Time
	found := false
	for _, j := range m.hub.lanes[laneKey(queue, handler)] {
		if waiting(j) && (!found || j.NextRunAt.Before(next)) {
			next, found = j.NextRunAt, true
		}
	}
	return next, found, nil
}
