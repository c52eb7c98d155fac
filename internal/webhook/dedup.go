package webhook

import (
	"sync"
	"time"

	"github.com/calendar-sync-engine/backend/internal/queue"
)

type dedupKey struct {
	integrationID string
	eventID       string
	change        queue.ChangeType
}

// Deduplicator drops repeats of the same notification seen within a window.
type Deduplicator struct {
	window time.Duration
	clock  queue.Clock

	mu        sync.Mutex
	seen      map[dedupKey]time.Time
	lastSweep time.Time
}

// NewDeduplicator creates a deduplicator. A non-positive window disables it.
func NewDeduplicator(window time.Duration, clock queue.Clock) *Deduplicator {
	if clock == nil {
		clock = queue.SystemClock{}
	}
	return &Deduplicator{
		window: window,
		clock:  clock,
		seen:   make(map[dedupKey]time.Time),
	}
}

// Seen records the notification and reports whether it was already seen within the window.
func (d *Deduplicator) Seen(integrationID, eventID string, change queue.ChangeType) bool {
	if d.window <= 0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	d.sweep(now)

	key := dedupKey{integrationID: integrationID, eventID: eventID, change: change}
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		return true
	}
	d.seen[key] = now
	return false
}

// sweep drops expired entries at most once per window. Caller holds d.mu.
func (d *Deduplicator) sweep(now time.Time) {
	if now.Sub(d.lastSweep) < d.window {
		return
	}
	for key, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, key)
		}
	}
	d.lastSweep = now
}

// Len returns the number of remembered notifications.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
