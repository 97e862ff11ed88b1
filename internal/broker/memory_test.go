package broker

import (
	"context"
	"testing"
	"time"

	"chatty/internal/eventbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryContract(t *testing.T) {
	runContract(t, func(t *testing.T, clock *fakeClock) Client {
		c := NewMemory(NewHub(), Options{Now: clock.Now})
		t.Cleanup(func() { _ = c.Close() })
		return c
	})
}

func TestMemoryClientsShareHub(t *testing.T) {
	hub := NewHub()
	a := NewMemory(hub, Options{})
	b := NewMemory(hub, Options{})
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "room:x")
	require.NoError(t, err)
	require.NoError(t, a.Publish(ctx, "room:x", []byte("hello")))
	select {
	case got := <-sub.C():
		assert.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("cross-client delivery failed")
	}

	id, err := a.Enqueue(ctx, &Job{Queue: "q", Handler: "h", MaxAttempts: 1})
	require.NoError(t, err)
	j, err := b.Reserve(ctx, "q", "h", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, id, j.ID)
}

func TestMemoryOfflineFailsFastAndMisses(t *testing.T) {
	hub := NewHub()
	a := NewMemory(hub, Options{})
	b := NewMemory(hub, Options{})
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "room:x")
	require.NoError(t, err)

	a.SetOnline(false)
	assert.ErrorIs(t, a.Publish(ctx, "room:x", []byte("lost")), ErrDisconnected)
	assert.False(t, a.Connected())

	b.SetOnline(false)
	a.SetOnline(true)
	require.NoError(t, a.Publish(ctx, "room:x", []byte("missed")))
	b.SetOnline(true)
	require.NoError(t, a.Publish(ctx, "room:x", []byte("after")))

	select {
	case got := <-sub.C():
		assert.Equal(t, "after", string(got), "subscriptions resume from now")
	case <-time.After(time.Second):
		t.Fatal("no delivery after reconnect")
	}
}

func TestMonitorPublishesConnectivity(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "broker.")
	defer unsub()

	c := NewMemory(NewHub(), Options{Bus: bus, HealthInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Monitor(ctx) }()

	c.SetOnline(false)
	expectEvent(t, events, eventbus.BrokerDisconnected)
	c.SetOnline(true)
	// First reconnect attempt waits up to ReconnectDelay(0) (1s).
	expectEvent(t, events, eventbus.BrokerConnected)
}

func expectEvent(t *testing.T, ch <-chan eventbus.Event, typ string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return
			}
		case <-deadline:
			t.Fatalf("event %s not observed", typ)
		}
	}
}

func TestOpenSelectsBackendByScheme(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, "memory://open-test", Options{})
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Backend())
	c2, err := Open(ctx, "memory://open-test", Options{})
	require.NoError(t, err)
	assert.Same(t, c.(*Memory).Hub(), c2.(*Memory).Hub())

	_, err = Open(ctx, "kafka://x", Options{})
	assert.Error(t, err)
}
