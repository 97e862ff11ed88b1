package broker

import (
	"context"
	"sync/atomic"
	"time"

	"chatty/internal/eventbus"
	logx "chatty/pkg/logx"

	"github.com/google/uuid"
)

func newID() string { return uuid.NewString() }

// health tracks broker reachability for one client.
type health struct {
	backend  string
	log      logx.Logger
	bus      eventbus.Bus
	interval time.Duration
	ping     func(ctx context.Context) error

	connected atomic.Bool
	outages   atomic.Uint64
}

func newHealth(backend string, opts Options, ping func(ctx context.Context) error) *health {
	h := &health{
		backend:  backend,
		log:      opts.Log.With(logx.String("comp", "broker"), logx.String("backend", backend)),
		bus:      opts.Bus,
		interval: opts.HealthInterval,
		ping:     ping,
	}
	h.connected.Store(true)
	return h
}

func (h *health) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, min(h.interval, 5*time.Second))
	defer cancel()
	return h.ping(pctx)
}

func (h *health) up() {
	if !h.connected.Swap(true) {
		h.log.Info("broker reconnected")
		h.bus.Publish(eventbus.Event{Type: eventbus.BrokerConnected, Data: h.backend})
	}
}

func (h *health) down(err error) {
	if h.connected.Swap(false) {
		h.outages.Add(1)
		h.log.Warn("broker unreachable; reconnecting", logx.Err(err))
		h.bus.Publish(eventbus.Event{Type: eventbus.BrokerDisconnected, Data: h.backend})
	}
}

// monitor implements Client.Monitor.
func (h *health) monitor(ctx context.Context) error {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		err := h.probe(ctx)
		if err == nil {
			h.up()
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		h.down(err)
		for attempt := 0; ; attempt++ {
			wait := ReconnectDelay(attempt)
			h.log.Debug("broker reconnect scheduled", logx.Int("attempt", attempt+1), logx.Duration("in", wait))
			if !sleepCtx(ctx, wait) {
				return nil
			}
			if err := h.probe(ctx); err == nil {
				h.up()
				break
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
