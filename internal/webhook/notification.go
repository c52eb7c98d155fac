// Package webhook turns provider change notifications into sync jobs.
package webhook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/calendar-sync-engine/backend/internal/queue"
)

var (
	// ErrMalformedPayload is returned when the payload cannot be decoded or validated.
	ErrMalformedPayload = errors.New("malformed notification payload")
	// ErrInvalidClientState is returned when a notification carries the wrong client state.
	ErrInvalidClientState = errors.New("invalid client state")
)

// Payload is the notification envelope posted by the provider.
type Payload struct {
	Value []Notification `json:"value" validate:"required,min=1,dive"`
}

// Notification is a single change entry.
type Notification struct {
	SubscriptionID                 string        `json:"subscriptionId" validate:"required"`
	ResourceID                     string        `json:"resourceId"`
	Resource                       string        `json:"resource"`
	ResourceData                   *ResourceData `json:"resourceData,omitempty"`
	ChangeType                     string        `json:"changeType" validate:"required,oneof=created updated deleted"`
	ClientState                    string        `json:"clientState"`
	SubscriptionExpirationDateTime string        `json:"subscriptionExpirationDateTime"`
}

// ResourceData carries the changed item when the provider includes it.
type ResourceData struct {
	ID string `json:"id"`
}

// EventID returns the external event ID the notification refers to. The explicit
// resource data ID wins; otherwise it is the last path segment of the resource.
func (n *Notification) EventID() string {
	if n.ResourceData != nil && strings.TrimSpace(n.ResourceData.ID) != "" {
		return strings.TrimSpace(n.ResourceData.ID)
	}
	resource := n.ResourceID
	if resource == "" {
		resource = n.Resource
	}
	resource = strings.Trim(strings.TrimSpace(resource), "/")
	if resource == "" {
		return ""
	}
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		resource = resource[i+1:]
	}
	// Some providers address items as Events('id').
	if open := strings.Index(resource, "('"); open >= 0 && strings.HasSuffix(resource, "')") {
		resource = resource[open+2 : len(resource)-2]
	}
	return resource
}

// Change returns the normalized change type.
func (n *Notification) Change() queue.ChangeType {
	return queue.ChangeType(n.ChangeType)
}

// Expiration parses the subscription expiry reported with the notification.
func (n *Notification) Expiration() (time.Time, bool) {
	if n.SubscriptionExpirationDateTime == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, n.SubscriptionExpirationDateTime)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// DecodePayload decodes and validates a raw notification body. Every entry must be
// well formed or the whole payload is rejected.
func DecodePayload(validate *validator.Validate, raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	for i := range p.Value {
		n := &p.Value[i]
		if n.EventID() == "" {
			return nil, fmt.Errorf("%w: entry %d has no resource", ErrMalformedPayload, i)
		}
		if n.SubscriptionExpirationDateTime != "" {
			if _, ok := n.Expiration(); !ok {
				return nil, fmt.Errorf("%w: entry %d has an invalid subscription expiry", ErrMalformedPayload, i)
			}
		}
	}
	return &p, nil
}
