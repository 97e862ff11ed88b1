package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatty/internal/eventbus"
)

// collector counts bus events for /stats.
type collector struct {
	bus    eventbus.Bus
	events <-chan eventbus.Event
	unsub  func()

	mu     sync.Mutex
	counts map[string]uint64
	last   map[string]time.Time
}

// EventCount is one row of the /stats event table.
type EventCount struct {
	Type  string    `json:"type"`
	Count uint64    `json:"count"`
	Last  time.Time `json:"last"`
}

type EventStats struct {
	Types   []EventCount `json:"types"`
	Dropped uint64       `json:"dropped"`
}

// newCollector subscribes immediately so events published before run starts
// are buffered rather than missed.
func newCollector(bus eventbus.Bus) *collector {
	ch, unsub := bus.Subscribe(256)
	return &collector{
		bus:    bus,
		events: ch,
		unsub:  unsub,
		counts: map[string]uint64{},
		last:   map[string]time.Time{},
	}
}

func (c *collector) run(ctx context.Context) error {
	defer c.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-c.events:
			if !ok {
				return nil
			}
			c.observe(e)
		}
	}
}

func (c *collector) observe(e eventbus.Event) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	c.mu.Lock()
	c.counts[e.Type]++
	c.last[e.Type] = at
	c.mu.Unlock()
}

func (c *collector) snapshot() EventStats {
	c.mu.Lock()
	out := make([]EventCount, 0, len(c.counts))
	for typ, n := range c.counts {
		out = append(out, EventCount{Type: typ, Count: n, Last: c.last[typ]})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return EventStats{Types: out, Dropped: c.bus.Dropped()}
}

func (c *collector) count(typ string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[typ]
}
