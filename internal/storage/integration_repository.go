package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

const integrationColumns = `
	id, user_id, account_id, calendar_id, sync_direction, conflict_strategy,
	enabled, degraded, client_state, subscription_id, subscription_expires_at,
	renewal_failures, last_full_sync_at, created_at, updated_at`

// IntegrationRepository provides data access for integrations.
type IntegrationRepository struct {
	BaseRepository
}

// NewIntegrationRepository creates a new integration repository.
func NewIntegrationRepository(db *DB) *IntegrationRepository {
	return &IntegrationRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Create inserts a new integration. ID and client state are generated when empty.
func (r *IntegrationRepository) Create(ctx context.Context, in *models.Integration) error {
	if in.ID == "" {
		in.ID = GenerateID()
	}
	if in.ClientState == "" {
		in.ClientState = GenerateID()
	}
	if in.SyncDirection == "" {
		in.SyncDirection = models.DirectionBidirectional
	}
	if in.ConflictStrategy == "" {
		in.ConflictStrategy = "manual"
	}
	in.CreatedAt = r.Now()
	in.UpdatedAt = in.CreatedAt

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO integrations (
			id, user_id, account_id, calendar_id, sync_direction, conflict_strategy,
			enabled, degraded, client_state, renewal_failures, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`,
		in.ID, in.UserID, in.AccountID, in.CalendarID, in.SyncDirection, in.ConflictStrategy,
		in.Enabled, in.Degraded, in.ClientState, in.CreatedAt, in.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting integration: %w", err)
	}

	return nil
}

// GetByID retrieves an integration by its ID. Returns nil when it does not exist.
func (r *IntegrationRepository) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	row := r.DB().QueryRowContext(ctx, "SELECT "+integrationColumns+" FROM integrations WHERE id = ?", id)
	in, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying integration: %w", err)
	}
	return in, nil
}

// GetBySubscriptionID resolves the integration owning a webhook subscription.
// Returns nil when no integration holds that subscription.
func (r *IntegrationRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Integration, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	row := r.DB().QueryRowContext(ctx, "SELECT "+integrationColumns+" FROM integrations WHERE subscription_id = ?", subscriptionID)
	in, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying integration by subscription: %w", err)
	}
	return in, nil
}

// List retrieves all integrations.
func (r *IntegrationRepository) List(ctx context.Context) ([]models.Integration, error) {
	return r.query(ctx, "SELECT "+integrationColumns+" FROM integrations ORDER BY created_at")
}

// ListEnabled retrieves all enabled integrations.
func (r *IntegrationRepository) ListEnabled(ctx context.Context) ([]models.Integration, error) {
	return r.query(ctx, "SELECT "+integrationColumns+" FROM integrations WHERE enabled = ? ORDER BY created_at", true)
}

// IsEnabled reports whether the integration exists and is enabled.
func (r *IntegrationRepository) IsEnabled(ctx context.Context, id string) (bool, error) {
	var enabled bool
	err := r.DB().QueryRowContext(ctx, "SELECT enabled FROM integrations WHERE id = ?", id).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying integration status: %w", err)
	}
	return enabled, nil
}

// SetEnabled enables or disables an integration.
func (r *IntegrationRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.exec(ctx, "UPDATE integrations SET enabled = ?, updated_at = ? WHERE id = ?", enabled, r.Now(), id)
}

// SetConflictStrategy changes the automatic conflict strategy of an integration.
func (r *IntegrationRepository) SetConflictStrategy(ctx context.Context, id, strategy string) error {
	return r.exec(ctx, "UPDATE integrations SET conflict_strategy = ?, updated_at = ? WHERE id = ?", strategy, r.Now(), id)
}

// SwapSubscription replaces the subscription of an integration only if its current
// subscription ID still equals expectedID. It reports whether the swap happened.
// An empty newID clears the subscription.
func (r *IntegrationRepository) SwapSubscription(ctx context.Context, id, expectedID, newID string, expiresAt *time.Time) (bool, error) {
	var (
		result sql.Result
		err    error
	)
	if expectedID == "" {
		result, err = r.DB().ExecContext(ctx, `
			UPDATE integrations SET subscription_id = ?, subscription_expires_at = ?, updated_at = ?
			WHERE id = ? AND subscription_id IS NULL
		`, nullString(newID), nullTime(expiresAt), r.Now(), id)
	} else {
		result, err = r.DB().ExecContext(ctx, `
			UPDATE integrations SET subscription_id = ?, subscription_expires_at = ?, updated_at = ?
			WHERE id = ? AND subscription_id = ?
		`, nullString(newID), nullTime(expiresAt), r.Now(), id, expectedID)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrDuplicate
		}
		return false, fmt.Errorf("updating subscription: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating subscription: %w", err)
	}
	return n == 1, nil
}

// ExtendSubscription moves the expiry of the current subscription forward, guarded
// by the expected subscription ID. It never shortens the stored expiry.
func (r *IntegrationRepository) ExtendSubscription(ctx context.Context, id, subscriptionID string, expiresAt time.Time) (bool, error) {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE integrations SET subscription_expires_at = ?, updated_at = ?
		WHERE id = ? AND subscription_id = ?
		  AND (subscription_expires_at IS NULL OR subscription_expires_at < ?)
	`, expiresAt.UTC().Truncate(time.Second), r.Now(), id, subscriptionID, expiresAt.UTC().Truncate(time.Second))
	if err != nil {
		return false, fmt.Errorf("extending subscription: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extending subscription: %w", err)
	}
	return n == 1, nil
}

// RecordRenewalFailure increments the consecutive renewal failure counter and returns the new value.
func (r *IntegrationRepository) RecordRenewalFailure(ctx context.Context, id string) (int, error) {
	var failures int
	err := r.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE integrations SET renewal_failures = renewal_failures + 1, updated_at = ? WHERE id = ?
		`, r.Now(), id); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, "SELECT renewal_failures FROM integrations WHERE id = ?", id).Scan(&failures)
	})
	if err != nil {
		return 0, fmt.Errorf("recording renewal failure: %w", err)
	}
	return failures, nil
}

// MarkHealthy resets the renewal failure counter and clears the degraded flag.
func (r *IntegrationRepository) MarkHealthy(ctx context.Context, id string) error {
	return r.exec(ctx, "UPDATE integrations SET renewal_failures = 0, degraded = ?, updated_at = ? WHERE id = ?", false, r.Now(), id)
}

// SetDegraded marks an integration as relying on periodic full-sync.
func (r *IntegrationRepository) SetDegraded(ctx context.Context, id string, degraded bool) error {
	return r.exec(ctx, "UPDATE integrations SET degraded = ?, updated_at = ? WHERE id = ?", degraded, r.Now(), id)
}

// MarkFullSynced records the completion time of a full-sync pass.
func (r *IntegrationRepository) MarkFullSynced(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "UPDATE integrations SET last_full_sync_at = ?, updated_at = ? WHERE id = ?", at.UTC().Truncate(time.Second), r.Now(), id)
}

func (r *IntegrationRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating integration: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("integration not found: %v", args[len(args)-1])
	}
	return nil
}

func (r *IntegrationRepository) query(ctx context.Context, query string, args ...any) ([]models.Integration, error) {
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying integrations: %w", err)
	}
	defer rows.Close()

	var integrations []models.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning integration: %w", err)
		}
		integrations = append(integrations, *in)
	}

	return integrations, rows.Err()
}

func scanIntegration(row rowScanner) (*models.Integration, error) {
	var (
		in             models.Integration
		subscriptionID sql.NullString
		expiresAt      sql.NullTime
		lastFullSync   sql.NullTime
	)
	if err := row.Scan(
		&in.ID, &in.UserID, &in.AccountID, &in.CalendarID, &in.SyncDirection, &in.ConflictStrategy,
		&in.Enabled, &in.Degraded, &in.ClientState, &subscriptionID, &expiresAt,
		&in.RenewalFailures, &lastFullSync, &in.CreatedAt, &in.UpdatedAt,
	); err != nil {
		return nil, err
	}
	in.SubscriptionID = subscriptionID.String
	in.SubscriptionExpiresAt = timePtr(expiresAt)
	in.LastFullSyncAt = timePtr(lastFullSync)
	return &in, nil
}
