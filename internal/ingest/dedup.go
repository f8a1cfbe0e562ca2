// internal/ingest/dedup.go
package ingest

import (
	"sync"
	"time"
)

type dedupKey struct {
	tx    string
	token string
}

// Dedup remembers (tx id, token) pairs for a sliding window.
type Dedup struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	seen      map[dedupKey]time.Time
	lastPrune time.Time
}

// NewDedup creates a dedup filter. Keys older than window are forgotten.
func NewDedup(window time.Duration) *Dedup {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Dedup{window: window, now: time.Now, seen: make(map[dedupKey]time.Time)}
}

// Seen records the pair and reports whether it was already present.
func (d *Dedup) Seen(tx, token string) bool {
	k := dedupKey{tx: tx, token: token}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastPrune) >= d.window/4 {
		d.prune(now)
	}
	if at, ok := d.seen[k]; ok && now.Sub(at) < d.window {
		return true
	}
	d.seen[k] = now
	return false
}

// Len returns the number of remembered pairs.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Dedup) prune(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
	d.lastPrune = now
}
