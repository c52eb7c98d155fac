// Package notify defines the fire-and-forget notification collaborator.
package notify

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Kind identifies a notification.
type Kind string

const (
	SubscriptionDegraded Kind = "subscription.degraded"
	ConflictDetected     Kind = "conflict.detected"
	SyncFailed           Kind = "sync.failed"
	SyncCompleted        Kind = "sync.completed"
)

// Notification is an event worth telling operators about.
type Notification struct {
	Kind          Kind           `json:"kind"`
	IntegrationID string         `json:"integration_id"`
	MappingID     string         `json:"mapping_id,omitempty"`
	JobID         string         `json:"job_id,omitempty"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	At            time.Time      `json:"at"`
}

// Notifier delivers notifications. Implementations must not block the caller.
type Notifier interface {
	Notify(n Notification)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

// Notify delivers n to every notifier.
func (m Multi) Notify(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// Logger writes notifications to a logger.
type Logger struct {
	Log logrus.FieldLogger
}

// Notify logs n at a level matching its kind.
func (l Logger) Notify(n Notification) {
	entry := l.Log.WithFields(logrus.Fields{
		"kind":           n.Kind,
		"integration_id": n.IntegrationID,
	})
	if n.MappingID != "" {
		entry = entry.WithField("mapping_id", n.MappingID)
	}
	if n.JobID != "" {
		entry = entry.WithField("job_id", n.JobID)
	}
	switch n.Kind {
	case SyncFailed, SubscriptionDegraded:
		entry.Warn(n.Message)
	default:
		entry.Info(n.Message)
	}
}

// Nop discards notifications.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(Notification) {}
