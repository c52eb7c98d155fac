// Package models contains the domain models persisted by the storage layer.
package models

import (
	"time"
)

// Integration is one connected external calendar account.
type Integration struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"user_id"`
	AccountID             string     `json:"account_id"`
	CalendarID            string     `json:"calendar_id"`
	SyncDirection         string     `json:"sync_direction"`
	ConflictStrategy      string     `json:"conflict_strategy"`
	Enabled               bool       `json:"enabled"`
	Degraded              bool       `json:"degraded"`
	ClientState           string     `json:"-"`
	SubscriptionID        string     `json:"subscription_id,omitempty"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
	RenewalFailures       int        `json:"renewal_failures"`
	LastFullSyncAt        *time.Time `json:"last_full_sync_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Sync direction constants
const (
	DirectionToExternal    = "to-external"
	DirectionFromExternal  = "from-external"
	DirectionBidirectional = "bidirectional"
)

// AllowsToExternal reports whether internal changes may be written to the provider.
func (i *Integration) AllowsToExternal() bool {
	return i.SyncDirection == DirectionToExternal || i.SyncDirection == DirectionBidirectional
}

// AllowsFromExternal reports whether provider changes may be written to the internal store.
func (i *Integration) AllowsFromExternal() bool {
	return i.SyncDirection == DirectionFromExternal || i.SyncDirection == DirectionBidirectional
}

// SubscriptionExpired reports whether there is no subscription or it has expired at now.
func (i *Integration) SubscriptionExpired(now time.Time) bool {
	if i.SubscriptionID == "" || i.SubscriptionExpiresAt == nil {
		return true
	}
	return !i.SubscriptionExpiresAt.After(now)
}

// NeedsRenewal reports whether the subscription expires within lead of now.
func (i *Integration) NeedsRenewal(now time.Time, lead time.Duration) bool {
	if i.SubscriptionExpiresAt == nil {
		return true
	}
	return !i.SubscriptionExpiresAt.After(now.Add(lead))
}
