package pubsub

import (
	"sync"
	"time"
)

const (
	maxOrigins    = 4096
	originIdleTTL = 10 * time.Minute
	defaultWindow = 1024
)

// dedupWindow remembers the last n sequence numbers seen per origin.
type dedupWindow struct {
	mu      sync.Mutex
	n       int
	origins map[string]*seqRing
}

type seqRing struct {
	seen     map[uint64]struct{}
	ring     []uint64
	next     int
	lastSeen time.Time
}

func newDedupWindow(n int) *dedupWindow {
	if n <= 0 {
		n = defaultWindow
	}
	return &dedupWindow{n: n, origins: map[string]*seqRing{}}
}

// observe records (origin, seq) and reports whether it was already seen.
func (d *dedupWindow) observe(origin string, seq uint64, now time.Time) (dup bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.origins[origin]
	if r == nil {
		if len(d.origins) >= maxOrigins {
			d.evictIdle(now)
		}
		r = &seqRing{seen: make(map[uint64]struct{}, d.n), ring: make([]uint64, 0, d.n)}
		d.origins[origin] = r
	}
	r.lastSeen = now
	if _, ok := r.seen[seq]; ok {
		return true
	}
	if len(r.ring) < d.n {
		r.ring = append(r.ring, seq)
	} else {
		delete(r.seen, r.ring[r.next])
		r.ring[r.next] = seq
		r.next = (r.next + 1) % d.n
	}
	r.seen[seq] = struct{}{}
	return false
}

// evictIdle drops origins not heard from recently, or the stalest one if
// none is idle. Caller holds d.mu.
func (d *dedupWindow) evictIdle(now time.Time) {
	var (
		oldest   string
		oldestAt time.Time
	)
	for o, r := range d.origins {
		if now.Sub(r.lastSeen) > originIdleTTL {
			delete(d.origins, o)
			continue
		}
		if oldest == "" || r.lastSeen.Before(oldestAt) {
			oldest, oldestAt = o, r.lastSeen
		}
	}
	if len(d.origins) >= maxOrigins && oldest != "" {
		delete(d.origins, oldest)
	}
}
