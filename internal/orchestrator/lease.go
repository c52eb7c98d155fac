package orchestrator

import (
	"errors"
	"sync"
	"time"
)

// ErrMappingBusy is returned when another worker is syncing the same mapping.
var ErrMappingBusy = errors.New("mapping is being synced by another worker")

// busyRetryDelay is how long a job for a busy mapping waits before it runs again.
const busyRetryDelay = 250 * time.Millisecond

// mappingLeases lets one worker at a time sync a mapping. Both sides of a mapped
// pair are queued under their own keys, so the queue lease alone does not cover it.
type mappingLeases struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (l *mappingLeases) acquire(mappingID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[mappingID]; busy {
		return false
	}
	l.held[mappingID] = struct{}{}
	return true
}

func (l *mappingLeases) release(mappingID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, mappingID)
}

// claimLocks serializes mapping claims with counterpart creation per integration.
// A counterpart is bound to its mapping before the lock is released, so its own
// change notification finds the mapping instead of claiming a new one.
type claimLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (c *claimLocks) lock(integrationID string) (unlock func()) {
	c.mu.Lock()
	lock, ok := c.locks[integrationID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[integrationID] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
