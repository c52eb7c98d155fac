package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

var (
	// ErrMappingNotFound is returned when a mapping required by an operation does not exist.
	ErrMappingNotFound = errors.New("event mapping not found")
	// ErrConflictPending is returned when a write would touch a mapping that awaits
	// conflict resolution.
	ErrConflictPending = errors.New("event mapping has a pending conflict")
)

const mappingColumns = `
	id, integration_id, internal_event_id, external_event_id, internal_hash, external_hash,
	baseline, last_synced_at, conflict_state, tombstone, created_at, updated_at`

// MappingRepository is the event mapping store.
type MappingRepository struct {
	BaseRepository
}

// NewMappingRepository creates a new mapping repository.
func NewMappingRepository(db *DB) *MappingRepository {
	return &MappingRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Create inserts a new mapping. Returns ErrDuplicate if either side is already mapped
// within the integration.
func (r *MappingRepository) Create(ctx context.Context, m *models.EventMapping) error {
	if m.ID == "" {
		m.ID = GenerateID()
	}
	if m.ConflictState == "" {
		m.ConflictState = models.ConflictStateNone
	}
	m.CreatedAt = r.Now()
	m.UpdatedAt = m.CreatedAt

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO event_mappings (
			id, integration_id, internal_event_id, external_event_id, internal_hash, external_hash,
			baseline, last_synced_at, conflict_state, tombstone, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.IntegrationID, nullString(m.InternalEventID), nullString(m.ExternalEventID),
		m.InternalHash, m.ExternalHash, nullBytes(m.Baseline), nullTime(m.LastSyncedAt),
		m.ConflictState, m.Tombstone, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting mapping: %w", err)
	}

	return nil
}

// GetByID retrieves a mapping by ID. Returns nil when it does not exist.
func (r *MappingRepository) GetByID(ctx context.Context, id string) (*models.EventMapping, error) {
	return r.getOne(ctx, "SELECT "+mappingColumns+" FROM event_mappings WHERE id = ?", id)
}

// GetByInternalID retrieves the mapping of an internal event. Returns nil when unmapped.
func (r *MappingRepository) GetByInternalID(ctx context.Context, integrationID, internalEventID string) (*models.EventMapping, error) {
	return r.getOne(ctx, "SELECT "+mappingColumns+" FROM event_mappings WHERE integration_id = ? AND internal_event_id = ?",
		integrationID, internalEventID)
}

// GetByExternalID retrieves the mapping of an external event. Returns nil when unmapped.
func (r *MappingRepository) GetByExternalID(ctx context.Context, integrationID, externalEventID string) (*models.EventMapping, error) {
	return r.getOne(ctx, "SELECT "+mappingColumns+" FROM event_mappings WHERE integration_id = ? AND external_event_id = ?",
		integrationID, externalEventID)
}

// ListByIntegration retrieves every mapping of an integration, tombstoned ones included.
func (r *MappingRepository) ListByIntegration(ctx context.Context, integrationID string) ([]models.EventMapping, error) {
	rows, err := r.DB().QueryContext(ctx, "SELECT "+mappingColumns+" FROM event_mappings WHERE integration_id = ? ORDER BY created_at", integrationID)
	if err != nil {
		return nil, fmt.Errorf("querying mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.EventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mapping: %w", err)
		}
		mappings = append(mappings, *m)
	}

	return mappings, rows.Err()
}

// SyncState is the result of a successful sync pass on a mapping.
type SyncState struct {
	InternalEventID string
	ExternalEventID string
	InternalHash    string
	ExternalHash    string
	Baseline        []byte
	Tombstone       bool
	ConflictState   string
	SyncedAt        time.Time
	// ClearConflict allows the update on a mapping with a pending conflict.
	ClearConflict bool
}

// UpdateSyncState records both sides, their hashes and the new baseline after a sync pass.
// Tombstones are sticky: once set they are never cleared. A mapping with a pending
// conflict is only updated with ClearConflict set; otherwise ErrConflictPending is returned.
func (r *MappingRepository) UpdateSyncState(ctx context.Context, id string, s SyncState) error {
	if s.ConflictState == "" {
		s.ConflictState = models.ConflictStateNone
	}
	result, err := r.DB().ExecContext(ctx, `
		UPDATE event_mappings SET
			internal_event_id = COALESCE(?, internal_event_id),
			external_event_id = COALESCE(?, external_event_id),
			internal_hash = ?, external_hash = ?, baseline = ?,
			last_synced_at = ?, conflict_state = ?,
			tombstone = (tombstone OR ?), updated_at = ?
		WHERE id = ? AND (conflict_state <> ? OR ?)
	`,
		nullString(s.InternalEventID), nullString(s.ExternalEventID),
		s.InternalHash, s.ExternalHash, nullBytes(s.Baseline),
		s.SyncedAt.UTC().Truncate(time.Second), s.ConflictState,
		s.Tombstone, r.Now(), id, models.ConflictStatePending, s.ClearConflict,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("updating mapping: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notUpdatedError(ctx, r.DB(), id)
	}
	return nil
}

// BindEventIDs records a newly created side of a mapping. Empty IDs are left as they are.
func (r *MappingRepository) BindEventIDs(ctx context.Context, id, internalEventID, externalEventID string) error {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE event_mappings SET
			internal_event_id = COALESCE(?, internal_event_id),
			external_event_id = COALESCE(?, external_event_id),
			updated_at = ?
		WHERE id = ?
	`, nullString(internalEventID), nullString(externalEventID), r.Now(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("binding mapping events: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrMappingNotFound
	}
	return nil
}

// CountByState returns the number of mappings per conflict state, plus tombstones under "tombstone".
func (r *MappingRepository) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT CASE WHEN tombstone THEN 'tombstone' ELSE conflict_state END AS state, COUNT(*)
		FROM event_mappings GROUP BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("counting mappings: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning mapping count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (r *MappingRepository) getOne(ctx context.Context, query string, args ...any) (*models.EventMapping, error) {
	m, err := scanMapping(r.DB().QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying mapping: %w", err)
	}
	return m, nil
}

func scanMapping(row rowScanner) (*models.EventMapping, error) {
	var (
		m          models.EventMapping
		internalID sql.NullString
		externalID sql.NullString
		baseline   sql.NullString
		lastSynced sql.NullTime
	)
	if err := row.Scan(
		&m.ID, &m.IntegrationID, &internalID, &externalID, &m.InternalHash, &m.ExternalHash,
		&baseline, &lastSynced, &m.ConflictState, &m.Tombstone, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.InternalEventID = internalID.String
	m.ExternalEventID = externalID.String
	if baseline.Valid {
		m.Baseline = []byte(baseline.String)
	}
	m.LastSyncedAt = timePtr(lastSynced)
	return &m, nil
}

// nullBytes stores a JSON document as text, mapping empty input to NULL.
func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// notUpdatedError explains why a guarded mapping update touched no row.
func notUpdatedError(ctx context.Context, q rowQuerier, id string) error {
	var state string
	err := q.QueryRowContext(ctx, "SELECT conflict_state FROM event_mappings WHERE id = ?", id).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrMappingNotFound
	case err != nil:
		return fmt.Errorf("querying mapping: %w", err)
	case state == models.ConflictStatePending:
		return ErrConflictPending
	}
	return ErrMappingNotFound
}
