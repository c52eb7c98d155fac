package websocket

import (
	"time"

	"github.com/goccy/go-json"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypeConflictDetected     MessageType = "conflict.detected"
	TypeSubscriptionDegraded MessageType = "subscription.degraded"
	TypeSyncFailed           MessageType = "sync.failed"
	TypeSyncCompleted        MessageType = "sync.completed"

	// Client -> Server command types
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"

	// Server -> Client response types
	TypeSubscribeAck MessageType = "subscribe.ack"
	TypePong         MessageType = "pong"
	TypeError        MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// SyncEventPayload is the payload of every server-pushed sync event.
type SyncEventPayload struct {
	IntegrationID string         `json:"integration_id"`
	MappingID     string         `json:"mapping_id,omitempty"`
	JobID         string         `json:"job_id,omitempty"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Command is a client -> server message.
type Command struct {
	Type           MessageType `json:"type"`
	IntegrationIDs []string    `json:"integration_ids,omitempty"`
}

// SubscribeAckPayload echoes the active integration filter.
type SubscribeAckPayload struct {
	IntegrationIDs []string `json:"integration_ids"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	OriginalType string `json:"original_type,omitempty"`
}

// ParseCommand decodes a client message.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	err := json.Unmarshal(data, &cmd)
	return cmd, err
}
