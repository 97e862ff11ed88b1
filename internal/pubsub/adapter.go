// Package pubsub makes every instance's local rooms part of one fleet-wide
// broadcast domain by relaying Envelopes through the broker.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"chatty/internal/broker"
	"chatty/internal/eventbus"
	"chatty/internal/runtime/supervisor"
	logx "chatty/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const stripes = 64

// Deliverer hands an envelope to this instance's connections in env.Room
// and returns how many received it.
type Deliverer interface {
	DeliverLocal(env Envelope) int
}

type Options struct {
	// OriginID identifies this instance. Required.
	OriginID string
	// Prefix is prepended to room channels ("chatty:" gives "chatty:room:<room>").
	Prefix      string
	DedupWindow int
	Log         logx.Logger
	Bus         eventbus.Bus
}

// Stats are cumulative counters since start.
type Stats struct {
	Published    uint64 `json:"published"`
	Dropped      uint64 `json:"dropped"`
	Received     uint64 `json:"received"`
	SelfFiltered uint64 `json:"self_filtered"`
	Duplicates   uint64 `json:"duplicates"`
	Malformed    uint64 `json:"malformed"`
	Rooms        int    `json:"rooms"`
}

type Adapter struct {
	ps     broker.PubSub
	sup    *supervisor.Supervisor
	origin string
	boot   string
	prefix string
	log    logx.Logger
	bus    eventbus.Bus

	deliverMu sync.RWMutex
	deliver   Deliverer

	seq     atomic.Uint64
	stripes [stripes]sync.Mutex
	dedup   *dedupWindow

	mu    sync.Mutex
	rooms map[string]context.CancelFunc

	dropWarn      rate.Sometimes
	malformedWarn rate.Sometimes

	published, dropped, received, selfFiltered, duplicates, malformed atomic.Uint64
}

// New creates an adapter whose receive loops run under sup.
func New(ps broker.PubSub, sup *supervisor.Supervisor, opts Options) (*Adapter, error) {
	if ps == nil {
		return nil, errors.New("pubsub: broker is required")
	}
	if opts.OriginID == "" {
		return nil, errors.New("pubsub: origin id is required")
	}
	if sup == nil {
		sup = supervisor.New(context.Background())
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	return &Adapter{
		ps:            ps,
		sup:           sup,
		origin:        opts.OriginID,
		boot:          uuid.NewString(),
		prefix:        opts.Prefix,
		log:           opts.Log.With(logx.String("comp", "pubsub"), logx.String("origin", opts.OriginID)),
		bus:           opts.Bus,
		dedup:         newDedupWindow(opts.DedupWindow),
		rooms:         map[string]context.CancelFunc{},
		dropWarn:      rate.Sometimes{First: 1, Interval: 5 * time.Second},
		malformedWarn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}, nil
}

// SetDeliverer wires the local side (normally the gateway).
func (a *Adapter) SetDeliverer(d Deliverer) {
	a.deliverMu.Lock()
	a.deliver = d
	a.deliverMu.Unlock()
}

func (a *Adapter) OriginID() string { return a.origin }

// Channel returns the broker channel carrying room.
func (a *Adapter) Channel(room string) string { return a.prefix + "room:" + room }

func (a *Adapter) stripe(room string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return &a.stripes[h.Sum32()%stripes]
}

func (a *Adapter) deliverLocal(env Envelope) int {
	a.deliverMu.RLock()
	d := a.deliver
	a.deliverMu.RUnlock()
	if d == nil {
		return 0
	}
	return d.DeliverLocal(env)
}

// Broadcast stamps an envelope, publishes it to the fleet and delivers it to
// local members of room. Local delivery happens even when publishing fails;
// the returned error then wraps ErrDeliveryDropped.
func (a *Adapter) Broadcast(ctx context.Context, room, event string, payload []byte) error {
	if room == "" || event == "" {
		return errors.New("pubsub: room and event are required")
	}

	mu := a.stripe(room)
	mu.Lock()
	env := Envelope{
		Event:    event,
		Room:     room,
		OriginID: a.origin,
		Boot:     a.boot,
		Seq:      a.seq.Add(1),
		Payload:  payload,
	}
	data, err := env.Encode()
	if err == nil {
		err = a.ps.Publish(ctx, a.Channel(room), data)
	}
	mu.Unlock()

	a.deliverLocal(env)

	if err != nil {
		a.dropped.Add(1)
		a.dropWarn.Do(func() {
			a.log.Warn("broadcast not published; delivered locally only",
				logx.String("room", room), logx.String("event", event), logx.Uint64("seq", env.Seq), logx.Err(err))
		})
		a.bus.Publish(eventbus.Event{Type: eventbus.PubSubDropped, Data: room})
		return fmt.Errorf("%w: %v", ErrDeliveryDropped, err)
	}
	a.published.Add(1)
	return nil
}

// Join starts the receive loop for room. It is idempotent.
func (a *Adapter) Join(room string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.rooms[room]; ok {
		return
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	a.rooms[room] = cancel
	a.sup.GoRestart("pubsub.room:"+room, func(context.Context) error {
		return a.receive(ctx, room)
	}, supervisor.WithRestartBackoff(100*time.Millisecond, 30*time.Second))
	a.log.Debug("room receive loop started", logx.String("room", room))
}

// Leave stops the receive loop for room.
func (a *Adapter) Leave(room string) {
	a.mu.Lock()
	cancel, ok := a.rooms[room]
	delete(a.rooms, room)
	a.mu.Unlock()
	if ok {
		cancel()
		a.log.Debug("room receive loop stopped", logx.String("room", room))
	}
}

// Close stops every receive loop.
func (a *Adapter) Close() {
	a.mu.Lock()
	rooms := a.rooms
	a.rooms = map[string]context.CancelFunc{}
	a.mu.Unlock()
	for _, cancel := range rooms {
		cancel()
	}
}

// receive runs until ctx ends. A dead subscription is an error so the
// supervisor restarts it.
func (a *Adapter) receive(ctx context.Context, room string) error {
	sub, err := a.ps.Subscribe(ctx, a.Channel(room))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", room, err)
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-sub.C():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("subscription for %s closed", room)
			}
			a.handle(room, data)
		}
	}
}

func (a *Adapter) handle(room string, data []byte) {
	a.received.Add(1)
	env, err := DecodeEnvelope(data)
	if err == nil && env.Room != room {
		err = fmt.Errorf("%w: room %q on channel for %q", ErrMalformedEnvelope, env.Room, room)
	}
	if err != nil {
		a.malformed.Add(1)
		a.malformedWarn.Do(func() {
			a.log.Warn("dropping malformed envelope", logx.String("room", room), logx.Int("bytes", len(data)), logx.Err(err))
		})
		a.bus.Publish(eventbus.Event{Type: eventbus.PubSubMalformed, Data: room})
		return
	}
	if env.OriginID == a.origin && env.Boot == a.boot {
		a.selfFiltered.Add(1)
		return
	}
	if a.dedup.observe(env.stream(), env.Seq, time.Now()) {
		a.duplicates.Add(1)
		return
	}
	a.deliverLocal(env)
}

func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	rooms := len(a.rooms)
	a.mu.Unlock()
	return Stats{
		Published:    a.published.Load(),
		Dropped:      a.dropped.Load(),
		Received:     a.received.Load(),
		SelfFiltered: a.selfFiltered.Load(),
		Duplicates:   a.duplicates.Load(),
		Malformed:    a.malformed.Load(),
		Rooms:        rooms,
	}
}
