package websocket

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/calendar-sync-engine/backend/internal/notify"
)

var typeForKind = map[notify.Kind]MessageType{
	notify.ConflictDetected:     TypeConflictDetected,
	notify.SubscriptionDegraded: TypeSubscriptionDegraded,
	notify.SyncFailed:           TypeSyncFailed,
	notify.SyncCompleted:        TypeSyncCompleted,
}

// EventBroadcaster forwards sync notifications to WebSocket clients.
type EventBroadcaster struct {
	hub    *Hub
	logger logrus.FieldLogger
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(hub *Hub, logger logrus.FieldLogger) *EventBroadcaster {
	return &EventBroadcaster{hub: hub, logger: logger}
}

// Notify implements notify.Notifier.
func (b *EventBroadcaster) Notify(n notify.Notification) {
	msgType, ok := typeForKind[n.Kind]
	if !ok {
		b.logger.WithField("kind", n.Kind).Warn("No WebSocket event for notification kind")
		return
	}

	msg := NewMessage(msgType, SyncEventPayload{
		IntegrationID: n.IntegrationID,
		MappingID:     n.MappingID,
		JobID:         n.JobID,
		Message:       n.Message,
		Details:       n.Details,
		OccurredAt:    n.At,
	})
	b.broadcast(n.IntegrationID, msg)
}

// HandleCommand applies a client command and returns the reply to send back.
func (b *EventBroadcaster) HandleCommand(client *Client, data []byte) Message {
	cmd, err := ParseCommand(data)
	if err != nil {
		return NewMessage(TypeError, ErrorPayload{Code: "invalid_message", Message: "message is not valid JSON"})
	}

	switch cmd.Type {
	case TypePing:
		return NewMessage(TypePong, nil)
	case TypeSubscribe:
		client.Subscribe(cmd.IntegrationIDs...)
	case TypeUnsubscribe:
		client.Unsubscribe(cmd.IntegrationIDs...)
	default:
		return NewMessage(TypeError, ErrorPayload{
			Code:         "unknown_command",
			Message:      "unsupported command",
			OriginalType: string(cmd.Type),
		})
	}
	return NewMessage(TypeSubscribeAck, SubscribeAckPayload{IntegrationIDs: client.filter()})
}

// broadcast sends a message to the clients interested in integrationID.
func (b *EventBroadcaster) broadcast(integrationID string, msg Message) {
	data, err := msg.JSON()
	if err != nil {
		b.logger.WithError(err).Error("Error encoding WebSocket message")
		return
	}
	b.hub.Broadcast(integrationID, data)
}

func (c *Client) filter() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.integrations))
	for id := range c.integrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
