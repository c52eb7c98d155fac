package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

const conflictColumns = `
	id, mapping_id, integration_id, reason, external_snapshot, internal_snapshot,
	conflicting_fields, detail, detected_at, resolution_strategy, resolved_at`

// ConflictRepository provides data access for conflicts.
type ConflictRepository struct {
	BaseRepository
}

// NewConflictRepository creates a new conflict repository.
func NewConflictRepository(db *DB) *ConflictRepository {
	return &ConflictRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Create inserts a conflict and marks its mapping pending in the same transaction.
// A mapping that is already pending keeps its conflict and ErrConflictPending is returned.
func (r *ConflictRepository) Create(ctx context.Context, c *models.Conflict) error {
	if c.ID == "" {
		c.ID = GenerateID()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = r.Now()
	}

	fields, err := json.Marshal(c.ConflictingFields)
	if err != nil {
		return fmt.Errorf("encoding conflicting fields: %w", err)
	}

	return r.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conflicts (
				id, mapping_id, integration_id, reason, external_snapshot, internal_snapshot,
				conflicting_fields, detail, detected_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			c.ID, c.MappingID, c.IntegrationID, c.Reason,
			nullBytes(c.ExternalSnapshot), nullBytes(c.InternalSnapshot),
			string(fields), c.Detail, c.DetectedAt.UTC().Truncate(time.Second),
		); err != nil {
			return fmt.Errorf("inserting conflict: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE event_mappings SET conflict_state = ?, updated_at = ? WHERE id = ? AND conflict_state <> ?
		`, models.ConflictStatePending, r.Now(), c.MappingID, models.ConflictStatePending)
		if err != nil {
			return fmt.Errorf("marking mapping pending: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return notUpdatedError(ctx, tx, c.MappingID)
		}
		return nil
	})
}

// GetByID retrieves a conflict by ID. Returns nil when it does not exist.
func (r *ConflictRepository) GetByID(ctx context.Context, id string) (*models.Conflict, error) {
	c, err := scanConflict(r.DB().QueryRowContext(ctx, "SELECT "+conflictColumns+" FROM conflicts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying conflict: %w", err)
	}
	return c, nil
}

// ListPending returns unresolved conflicts of an integration, oldest first. An empty
// integration ID lists them across all integrations.
func (r *ConflictRepository) ListPending(ctx context.Context, integrationID string) ([]models.Conflict, error) {
	query := "SELECT " + conflictColumns + " FROM conflicts WHERE resolved_at IS NULL"
	var args []any
	if integrationID != "" {
		query += " AND integration_id = ?"
		args = append(args, integrationID)
	}
	rows, err := r.DB().QueryContext(ctx, query+" ORDER BY detected_at", args...)
	if err != nil {
		return nil, fmt.Errorf("querying conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		conflicts = append(conflicts, *c)
	}

	return conflicts, rows.Err()
}

// CountPending returns the number of unresolved conflicts across all integrations.
func (r *ConflictRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := r.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM conflicts WHERE resolved_at IS NULL").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting conflicts: %w", err)
	}
	return n, nil
}

// Resolve marks every unresolved conflict of a mapping as resolved with strategy and
// moves the mapping to the resolved state.
func (r *ConflictRepository) Resolve(ctx context.Context, mappingID, strategy string, at time.Time) error {
	return r.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE conflicts SET resolution_strategy = ?, resolved_at = ?
			WHERE mapping_id = ? AND resolved_at IS NULL
		`, strategy, at.UTC().Truncate(time.Second), mappingID); err != nil {
			return fmt.Errorf("resolving conflicts: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE event_mappings SET conflict_state = ?, updated_at = ? WHERE id = ?
		`, models.ConflictStateResolved, r.Now(), mappingID)
		if err != nil {
			return fmt.Errorf("marking mapping resolved: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrMappingNotFound
		}
		return nil
	})
}

func scanConflict(row rowScanner) (*models.Conflict, error) {
	var (
		c          models.Conflict
		external   sql.NullString
		internal   sql.NullString
		fields     sql.NullString
		detail     sql.NullString
		strategy   sql.NullString
		resolvedAt sql.NullTime
	)
	if err := row.Scan(
		&c.ID, &c.MappingID, &c.IntegrationID, &c.Reason, &external, &internal,
		&fields, &detail, &c.DetectedAt, &strategy, &resolvedAt,
	); err != nil {
		return nil, err
	}
	if external.Valid {
		c.ExternalSnapshot = []byte(external.String)
	}
	if internal.Valid {
		c.InternalSnapshot = []byte(internal.String)
	}
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &c.ConflictingFields); err != nil {
			return nil, fmt.Errorf("decoding conflicting fields: %w", err)
		}
	}
	c.Detail = detail.String
	if strategy.Valid {
		s := strategy.String
		c.ResolutionStrategy = &s
	}
	c.ResolvedAt = timePtr(resolvedAt)
	return &c, nil
}
