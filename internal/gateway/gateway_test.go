package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatty/internal/eventbus"
	"chatty/internal/pubsub"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	gone   bool
	closed string

	// onClose runs before the transport records the close
	onClose func()
}

func (t *fakeTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gone {
		return ErrTransportDone
	}
	if t.full {
		return ErrSendBufferFull
	}
	t.frames = append(t.frames, frame)
	return nil
}

func (t *fakeTransport) Close(reason string) error {
	if t.onClose != nil {
		t.onClose()
	}
	t.mu.Lock()
	t.closed = reason
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) sent() []ServerFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ServerFrame, 0, len(t.frames))
	for _, b := range t.frames {
		var f ServerFrame
		_ = json.Unmarshal(b, &f)
		out = append(out, f)
	}
	return out
}

func (t *fakeTransport) closeReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type observer struct {
	mu     sync.Mutex
	events []string
}

func (o *observer) Join(room string)  { o.add("join:" + room) }
func (o *observer) Leave(room string) { o.add("leave:" + room) }

func (o *observer) add(s string) {
	o.mu.Lock()
	o.events = append(o.events, s)
	o.mu.Unlock()
}

func (o *observer) got() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openConn(t *testing.T, g *Gateway) (*Connection, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	c := g.Open(tr, "u1")
	require.NoError(t, g.Handshake(c.ID()))
	return c, tr
}

func TestConnectionLifecycle(t *testing.T) {
	g := New(Options{})
	tr := &fakeTransport{}
	c := g.Open(tr, "alice")
	assert.Equal(t, StateConnecting, c.State())

	// connecting connections may not join rooms yet
	assert.ErrorIs(t, g.Subscribe(c.ID(), "r"), ErrNotOpen)

	require.NoError(t, g.Handshake(c.ID()))
	assert.Equal(t, StateOpen, c.State())
	assert.ErrorIs(t, g.Handshake(c.ID()), ErrNotOpen)

	require.NoError(t, g.Close(c.ID(), "bye"))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, "bye", tr.closeReason())
	require.NoError(t, g.Close(c.ID(), "again"))
	assert.Equal(t, "bye", tr.closeReason())

	assert.ErrorIs(t, g.Subscribe(c.ID(), "r"), ErrUnknownConnection)
	assert.ErrorIs(t, g.Heartbeat(c.ID()), ErrUnknownConnection)
}

func TestObserverSeesFirstJoinAndLastLeave(t *testing.T) {
	obs := &observer{}
	g := New(Options{Observer: obs})
	a, _ := openConn(t, g)
	b, _ := openConn(t, g)

	require.NoError(t, g.Subscribe(a.ID(), "r"))
	require.NoError(t, g.Subscribe(a.ID(), "r"))
	require.NoError(t, g.Subscribe(b.ID(), "r"))
	assert.Equal(t, []string{"join:r"}, obs.got())
	assert.Len(t, g.Members("r"), 2)

	require.NoError(t, g.Unsubscribe(a.ID(), "r"))
	require.NoError(t, g.Unsubscribe(a.ID(), "r"))
	assert.Equal(t, []string{"join:r"}, obs.got())

	require.NoError(t, g.Close(b.ID(), "done"))
	assert.Equal(t, []string{"join:r", "leave:r"}, obs.got())
	assert.Empty(t, g.Members("r"))
	assert.Equal(t, 0, g.Stats().Rooms)
}

func TestCloseLeavesRoomsBeforeReleasingTransport(t *testing.T) {
	g := New(Options{})
	tr := &fakeTransport{}
	c := g.Open(tr, "u")
	require.NoError(t, g.Handshake(c.ID()))
	require.NoError(t, g.Subscribe(c.ID(), "a"))
	require.NoError(t, g.Subscribe(c.ID(), "b"))

	var membersAtClose []string
	tr.onClose = func() {
		membersAtClose = append(g.Members("a"), g.Members("b")...)
		// delivery during release must not reach the closing connection
		assert.Equal(t, 0, g.DeliverLocal(pubsub.Envelope{Event: "e", Room: "a", OriginID: "o", Seq: 1}))
	}
	require.NoError(t, g.Close(c.ID(), "bye"))
	assert.Empty(t, membersAtClose)
	assert.Empty(t, tr.sent())
}

func TestEmitRoutesToHandler(t *testing.T) {
	g := New(Options{})
	c, _ := openConn(t, g)

	var got []byte
	g.Handle("message:send", func(_ context.Context, conn *Connection, payload []byte) error {
		assert.Equal(t, c.ID(), conn.ID())
		got = payload
		return nil
	})
	require.NoError(t, g.Emit(context.Background(), c.ID(), "message:send", []byte(`{"text":"hi"}`)))
	assert.JSONEq(t, `{"text":"hi"}`, string(got))

	err := g.Emit(context.Background(), c.ID(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownEvent)

	boom := errors.New("boom")
	g.Handle("fail", func(context.Context, *Connection, []byte) error { return boom })
	assert.ErrorIs(t, g.Emit(context.Background(), c.ID(), "fail", nil), boom)
}

func TestEmitRateLimit(t *testing.T) {
	g := New(Options{EmitRatePerSec: 0.001, EmitBurst: 2})
	c, _ := openConn(t, g)
	g.Handle("e", func(context.Context, *Connection, []byte) error { return nil })

	ctx := context.Background()
	require.NoError(t, g.Emit(ctx, c.ID(), "e", nil))
	require.NoError(t, g.Emit(ctx, c.ID(), "e", nil))
	assert.ErrorIs(t, g.Emit(ctx, c.ID(), "e", nil), ErrRateLimited)
}

func TestMaxRooms(t *testing.T) {
	g := New(Options{MaxRooms: 2})
	c, _ := openConn(t, g)
	require.NoError(t, g.Subscribe(c.ID(), "a"))
	require.NoError(t, g.Subscribe(c.ID(), "b"))
	assert.ErrorIs(t, g.Subscribe(c.ID(), "c"), ErrTooManyRooms)
	// re-subscribing an existing room is still fine
	require.NoError(t, g.Subscribe(c.ID(), "a"))
	assert.Equal(t, []string{"a", "b"}, c.Rooms())
	assert.ErrorIs(t, g.Subscribe(c.ID(), ""), ErrInvalidRoom)
}

func TestReapClosesSilentConnections(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	bus := eventbus.New()
	closed, unsub := bus.Subscribe(8, eventbus.ConnClosed)
	defer unsub()

	g := New(Options{HeartbeatInterval: 10 * time.Second, MissedHeartbeats: 2, Now: clk.Now, Bus: bus})
	quiet, quietTr := openConn(t, g)
	chatty, _ := openConn(t, g)

	clk.Advance(15 * time.Second)
	require.NoError(t, g.Heartbeat(chatty.ID()))
	assert.Equal(t, 0, g.Reap(clk.Now()))

	clk.Advance(6 * time.Second)
	assert.Equal(t, 1, g.Reap(clk.Now()))
	assert.Equal(t, StateClosed, quiet.State())
	assert.Equal(t, "heartbeat timeout", quietTr.closeReason())
	assert.Equal(t, StateOpen, chatty.State())
	assert.Equal(t, uint64(1), g.Stats().Reaped)

	select {
	case ev := <-closed:
		assert.Equal(t, quiet.ID(), ev.Data)
	case <-time.After(time.Second):
		t.Fatal("expected conn.closed")
	}
}

func TestDeliverLocal(t *testing.T) {
	g := New(Options{})
	a, trA := openConn(t, g)
	b, trB := openConn(t, g)
	other, trOther := openConn(t, g)
	require.NoError(t, g.Subscribe(a.ID(), "r"))
	require.NoError(t, g.Subscribe(b.ID(), "r"))
	require.NoError(t, g.Subscribe(other.ID(), "elsewhere"))

	n := g.DeliverLocal(pubsub.Envelope{Event: "message:new", Room: "r", OriginID: "A", Seq: 4, Payload: []byte(`{"text":"hi"}`)})
	assert.Equal(t, 2, n)
	for _, tr := range []*fakeTransport{trA, trB} {
		frames := tr.sent()
		require.Len(t, frames, 1)
		assert.Equal(t, FrameEvent, frames[0].Type)
		assert.Equal(t, "message:new", frames[0].Event)
		assert.Equal(t, uint64(4), frames[0].Seq)
		assert.JSONEq(t, `{"text":"hi"}`, string(frames[0].Payload))
	}
	assert.Empty(t, trOther.sent())
}

func TestDeliverLocalClosesSlowConsumer(t *testing.T) {
	g := New(Options{})
	fast, _ := openConn(t, g)
	slow, slowTr := openConn(t, g)
	require.NoError(t, g.Subscribe(fast.ID(), "r"))
	require.NoError(t, g.Subscribe(slow.ID(), "r"))
	slowTr.full = true

	assert.Equal(t, 1, g.DeliverLocal(pubsub.Envelope{Event: "e", Room: "r", OriginID: "o", Seq: 1}))
	assert.Equal(t, StateClosed, slow.State())
	assert.Equal(t, "slow consumer", slowTr.closeReason())
	assert.Equal(t, []string{fast.ID()}, g.Members("r"))
	assert.Equal(t, uint64(1), g.Stats().SlowClosed)
}

func TestDeliverLocalIgnoresTransportClosedMidDelivery(t *testing.T) {
	g := New(Options{})
	fast, _ := openConn(t, g)
	closing, closingTr := openConn(t, g)
	require.NoError(t, g.Subscribe(fast.ID(), "r"))
	require.NoError(t, g.Subscribe(closing.ID(), "r"))
	// released by its read loop but not yet unregistered
	closingTr.mu.Lock()
	closingTr.gone = true
	closingTr.mu.Unlock()

	assert.Equal(t, 1, g.DeliverLocal(pubsub.Envelope{Event: "e", Room: "r", OriginID: "o", Seq: 1}))
	assert.Zero(t, g.Stats().SlowClosed)
	assert.Empty(t, closingTr.closeReason())
	assert.Equal(t, StateOpen, closing.State())
}

func TestEncodeEventBinaryPayload(t *testing.T) {
	b, err := encodeEvent(pubsub.Envelope{Event: "e", Room: "r", OriginID: "o", Seq: 1, Payload: []byte{0xff, 0x00}})
	require.NoError(t, err)
	var f ServerFrame
	require.NoError(t, json.Unmarshal(b, &f))
	var raw []byte
	require.NoError(t, json.Unmarshal(f.Payload, &raw))
	assert.Equal(t, []byte{0xff, 0x00}, raw)
}

func TestCloseAll(t *testing.T) {
	g := New(Options{})
	openConn(t, g)
	openConn(t, g)
	g.CloseAll("shutdown")
	assert.Equal(t, 0, g.Stats().Connections)
}
