// Package queue implements the prioritized, coalescing sync job queue.
package queue

import (
	"fmt"
	"time"
)

// ChangeType is the kind of change a job reacts to.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// Rank orders change types for tie-breaking: deleted > created > updated.
func (c ChangeType) Rank() int {
	switch c {
	case ChangeDeleted:
		return 3
	case ChangeCreated:
		return 2
	case ChangeUpdated:
		return 1
	}
	return 0
}

// Stronger returns whichever of a and b ranks higher, a on ties.
func Stronger(a, b ChangeType) ChangeType {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Priority orders jobs for dequeue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// PriorityFor returns the priority of a notification-driven job.
func PriorityFor(c ChangeType) Priority {
	if c == ChangeDeleted {
		return PriorityHigh
	}
	return PriorityMedium
}

// Side is the side of the sync that reported the change.
type Side string

const (
	SideExternal Side = "external"
	SideInternal Side = "internal"
)

// Key identifies the coalescing slot of a job.
type Key struct {
	IntegrationID string
	Side          Side
	EventID       string
}

func (k Key) String() string {
	return k.IntegrationID + "/" + string(k.Side) + "/" + k.EventID
}

// Job is a queued unit of sync work.
type Job struct {
	ID            string     `json:"id"`
	IntegrationID string     `json:"integration_id"`
	Side          Side       `json:"side"`
	EventID       string     `json:"event_id"`
	ChangeType    ChangeType `json:"change_type"`
	Priority      Priority   `json:"priority"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	Attempts      int        `json:"attempts"`
	// RateLimited counts requeues caused by provider throttling.
	RateLimited int       `json:"rate_limited"`
	NotBefore   time.Time `json:"not_before,omitempty"`
	// Synthetic marks jobs produced by a full sync rather than a notification.
	Synthetic bool   `json:"synthetic"`
	LastError string `json:"last_error,omitempty"`

	seq uint64
}

// Key returns the coalescing key of the job.
func (j *Job) Key() Key {
	return Key{IntegrationID: j.IntegrationID, Side: j.Side, EventID: j.EventID}
}

// before reports whether j should be dequeued ahead of other.
func (j *Job) before(other *Job) bool {
	if j.Priority != other.Priority {
		return j.Priority > other.Priority
	}
	if !j.EnqueuedAt.Equal(other.EnqueuedAt) {
		return j.EnqueuedAt.Before(other.EnqueuedAt)
	}
	return j.seq < other.seq
}
