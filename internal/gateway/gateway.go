// Package gateway owns this instance's client connections and the local
// room index. Connections move connecting -> open -> closing -> closed; only
// open connections may join rooms or emit events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chatty/internal/eventbus"
	"chatty/internal/pubsub"
	logx "chatty/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownConnection = errors.New("gateway: unknown connection")
	ErrNotOpen           = errors.New("gateway: connection is not open")
	ErrUnknownEvent      = errors.New("gateway: unknown event")
	ErrRateLimited       = errors.New("gateway: emit rate exceeded")
	ErrTooManyRooms      = errors.New("gateway: room limit reached")
	ErrInvalidRoom       = errors.New("gateway: room name is required")
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport is the socket behind a connection. Send must not block; a
// transport that cannot accept a frame returns an error and the gateway
// closes the connection.
type Transport interface {
	Send(frame []byte) error
	Close(reason string) error
}

// RoomObserver learns when a room gains its first local member and loses its
// last one. It is called with the room index locked and must not call back
// into the Gateway.
type RoomObserver interface {
	Join(room string)
	Leave(room string)
}

// EventHandler serves one application event emitted by a client.
type EventHandler func(ctx context.Context, c *Connection, payload []byte) error

type Connection struct {
	id     string
	userID string
	t      Transport
	gw     *Gateway

	state    atomic.Int32
	lastSeen atomic.Int64
	limiter  *rate.Limiter

	// guarded by gw.mu
	rooms map[string]struct{}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) UserID() string { return c.userID }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Rooms returns the rooms the connection is in, sorted.
func (c *Connection) Rooms() []string {
	c.gw.mu.RLock()
	defer c.gw.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (c *Connection) InRoom(room string) bool {
	c.gw.mu.RLock()
	defer c.gw.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

type Options struct {
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	EmitRatePerSec    float64
	EmitBurst         int
	// MaxRooms caps rooms per connection; 0 means unlimited.
	MaxRooms int
	Observer RoomObserver
	Log      logx.Logger
	Bus      eventbus.Bus
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.MissedHeartbeats <= 0 {
		o.MissedHeartbeats = 2
	}
	if o.EmitBurst <= 0 {
		o.EmitBurst = 1
	}
	if o.Bus == nil {
		o.Bus = eventbus.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Stats struct {
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Delivered   uint64 `json:"delivered"`
	SlowClosed  uint64 `json:"slow_closed"`
	Reaped      uint64 `json:"reaped"`
}

type Gateway struct {
	opts Options
	log  logx.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
	rooms map[string]map[string]*Connection

	hmu      sync.RWMutex
	handlers map[string]EventHandler

	delivered, slowClosed, reaped atomic.Uint64
}

var _ pubsub.Deliverer = (*Gateway)(nil)

func New(opts Options) *Gateway {
	opts = opts.withDefaults()
	return &Gateway{
		opts:     opts,
		log:      opts.Log.With(logx.String("comp", "gateway")),
		conns:    map[string]*Connection{},
		rooms:    map[string]map[string]*Connection{},
		handlers: map[string]EventHandler{},
	}
}

// SetObserver replaces the room observer. Call it before connections arrive.
func (g *Gateway) SetObserver(o RoomObserver) {
	g.mu.Lock()
	g.opts.Observer = o
	g.mu.Unlock()
}

// Handle registers fn for event, replacing any earlier handler.
func (g *Gateway) Handle(event string, fn EventHandler) {
	g.hmu.Lock()
	g.handlers[event] = fn
	g.hmu.Unlock()
}

// LivenessWindow is how long a connection may stay silent before the reaper
// closes it.
func (g *Gateway) LivenessWindow() time.Duration {
	return g.opts.HeartbeatInterval * time.Duration(g.opts.MissedHeartbeats)
}

func (g *Gateway) HeartbeatInterval() time.Duration { return g.opts.HeartbeatInterval }

// Open registers a new connection in the connecting state.
func (g *Gateway) Open(t Transport, userID string) *Connection {
	limit := rate.Inf
	if g.opts.EmitRatePerSec > 0 {
		limit = rate.Limit(g.opts.EmitRatePerSec)
	}
	c := &Connection{
		id:      uuid.NewString(),
		userID:  userID,
		t:       t,
		gw:      g,
		limiter: rate.NewLimiter(limit, g.opts.EmitBurst),
		rooms:   map[string]struct{}{},
	}
	c.state.Store(int32(StateConnecting))
	c.lastSeen.Store(g.opts.Now().UnixNano())

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	return c
}

// Handshake moves a connecting connection to open.
func (g *Gateway) Handshake(id string) error {
	c, err := g.lookup(id)
	if err != nil {
		return err
	}
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, id, c.State())
	}
	c.lastSeen.Store(g.opts.Now().UnixNano())
	g.log.Debug("connection open", logx.String("conn", id), logx.String("user", c.userID))
	g.opts.Bus.Publish(eventbus.Event{Type: eventbus.ConnOpened, Time: g.opts.Now(), Data: id})
	return nil
}

func (g *Gateway) lookup(id string) (*Connection, error) {
	g.mu.RLock()
	c := g.conns[id]
	g.mu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return c, nil
}

func (g *Gateway) openConn(id string) (*Connection, error) {
	c, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	if c.State() != StateOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, c.State())
	}
	return c, nil
}

// Get returns a registered connection.
func (g *Gateway) Get(id string) (*Connection, bool) {
	c, err := g.lookup(id)
	return c, err == nil
}

// Subscribe adds the connection to room. Subscribing twice is a no-op.
func (g *Gateway) Subscribe(id, room string) error {
	if room == "" {
		return ErrInvalidRoom
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.conns[id]
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if c.State() != StateOpen {
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, id, c.State())
	}
	if _, ok := c.rooms[room]; ok {
		return nil
	}
	if g.opts.MaxRooms > 0 && len(c.rooms) >= g.opts.MaxRooms {
		return fmt.Errorf("%w (%d)", ErrTooManyRooms, g.opts.MaxRooms)
	}
	c.rooms[room] = struct{}{}
	members := g.rooms[room]
	if members == nil {
		members = map[string]*Connection{}
		g.rooms[room] = members
		if g.opts.Observer != nil {
			g.opts.Observer.Join(room)
		}
	}
	members[id] = c
	return nil
}

// Unsubscribe removes the connection from room. Leaving a room the connection
// is not in is a no-op.
func (g *Gateway) Unsubscribe(id, room string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.conns[id]
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if c.State() != StateOpen {
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, id, c.State())
	}
	g.leaveLocked(c, room)
	return nil
}

// leaveLocked drops c from room and tells the observer when the room empties.
// Caller holds g.mu.
func (g *Gateway) leaveLocked(c *Connection, room string) {
	if _, ok := c.rooms[room]; !ok {
		return
	}
	delete(c.rooms, room)
	members := g.rooms[room]
	delete(members, c.id)
	if len(members) == 0 {
		delete(g.rooms, room)
		if g.opts.Observer != nil {
			g.opts.Observer.Leave(room)
		}
	}
}

// Emit routes a client event to its registered handler.
func (g *Gateway) Emit(ctx context.Context, id, event string, payload []byte) error {
	c, err := g.openConn(id)
	if err != nil {
		return err
	}
	g.hmu.RLock()
	fn := g.handlers[event]
	g.hmu.RUnlock()
	if fn == nil {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if !c.limiter.Allow() {
		return ErrRateLimited
	}
	return fn(ctx, c, payload)
}

// Heartbeat refreshes the connection's liveness.
func (g *Gateway) Heartbeat(id string) error {
	c, err := g.lookup(id)
	if err != nil {
		return err
	}
	c.lastSeen.Store(g.opts.Now().UnixNano())
	return nil
}

// Close tears a connection down. The connection leaves every room before its
// transport is released, so nothing can be delivered to it afterwards.
// Closing an unknown or already closed connection is a no-op.
func (g *Gateway) Close(id, reason string) error {
	g.mu.Lock()
	c := g.conns[id]
	if c == nil {
		g.mu.Unlock()
		return nil
	}
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) &&
		!c.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing)) {
		g.mu.Unlock()
		return nil
	}
	for room := range c.rooms {
		g.leaveLocked(c, room)
	}
	delete(g.conns, id)
	c.state.Store(int32(StateClosed))
	g.mu.Unlock()

	err := c.t.Close(reason)
	g.log.Debug("connection closed", logx.String("conn", id), logx.String("reason", reason))
	g.opts.Bus.Publish(eventbus.Event{Type: eventbus.ConnClosed, Time: g.opts.Now(), Data: id})
	return err
}

// DeliverLocal sends env to every local member of env.Room and returns how
// many accepted it. Members whose transport refuses the frame are closed.
func (g *Gateway) DeliverLocal(env pubsub.Envelope) int {
	frame, err := encodeEvent(env)
	if err != nil {
		g.log.Warn("cannot encode event frame", logx.String("room", env.Room), logx.Err(err))
		return 0
	}

	g.mu.RLock()
	members := make([]*Connection, 0, len(g.rooms[env.Room]))
	for _, c := range g.rooms[env.Room] {
		members = append(members, c)
	}
	g.mu.RUnlock()

	n := 0
	var slow []*Connection
	for _, c := range members {
		if c.State() != StateOpen {
			continue
		}
		if err := c.t.Send(frame); err != nil {
			// a concurrent Close got there first
			if !errors.Is(err, ErrTransportDone) {
				slow = append(slow, c)
			}
			continue
		}
		n++
	}
	g.delivered.Add(uint64(n))
	for _, c := range slow {
		g.slowClosed.Add(1)
		g.log.Warn("closing connection that cannot keep up", logx.String("conn", c.id), logx.String("room", env.Room))
		_ = g.Close(c.id, "slow consumer")
	}
	return n
}

// Reap closes every connection silent for longer than the liveness window
// and returns how many it closed.
func (g *Gateway) Reap(now time.Time) int {
	cutoff := now.Add(-g.LivenessWindow()).UnixNano()
	g.mu.RLock()
	var stale []string
	for id, c := range g.conns {
		if c.lastSeen.Load() < cutoff {
			stale = append(stale, id)
		}
	}
	g.mu.RUnlock()

	for _, id := range stale {
		g.reaped.Add(1)
		g.log.Info("closing connection after missed heartbeats", logx.String("conn", id))
		_ = g.Close(id, "heartbeat timeout")
	}
	return len(stale)
}

// Run reaps silent connections every heartbeat interval until ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	t := time.NewTicker(g.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			g.Reap(g.opts.Now())
		}
	}
}

// CloseAll closes every connection, e.g. on shutdown.
func (g *Gateway) CloseAll(reason string) {
	g.mu.RLock()
	ids := make([]string, 0, len(g.conns))
	for id := range g.conns {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	for _, id := range ids {
		_ = g.Close(id, reason)
	}
}

// Members returns the ids of local connections in room, sorted.
func (g *Gateway) Members(room string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.rooms[room]))
	for id := range g.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	conns, rooms := len(g.conns), len(g.rooms)
	g.mu.RUnlock()
	return Stats{
		Connections: conns,
		Rooms:       rooms,
		Delivered:   g.delivered.Load(),
		SlowClosed:  g.slowClosed.Load(),
		Reaped:      g.reaped.Load(),
	}
}
