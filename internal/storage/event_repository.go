package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/calendar-sync-engine/backend/internal/event"
)

// EventRepository is the default internal event store, keyed by internal event ID
// and partitioned by owning user.
type EventRepository struct {
	BaseRepository
}

// NewEventRepository creates a new internal event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// GetEvent retrieves an internal event. Returns nil when it does not exist.
func (r *EventRepository) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT id, title, starts_at, ends_at, location, description, attendees, updated_at
		FROM internal_events WHERE id = ?
	`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return ev, nil
}

// CreateEvent inserts an event for ownerID and returns it with its assigned ID.
func (r *EventRepository) CreateEvent(ctx context.Context, ownerID string, ev *event.Event) (*event.Event, error) {
	created := ev.Clone()
	if created.ID == "" {
		created.ID = GenerateID()
	}
	now := r.Now()
	created.LastModified = now

	attendees, err := json.Marshal(created.Attendees)
	if err != nil {
		return nil, fmt.Errorf("encoding attendees: %w", err)
	}

	_, err = r.DB().ExecContext(ctx, `
		INSERT INTO internal_events (
			id, owner_id, title, starts_at, ends_at, location, description, attendees, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		created.ID, ownerID, created.Title, dbTime(created.Start), dbTime(created.End),
		created.Location, created.Description, string(attendees), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("inserting event: %w", err)
	}

	return created, nil
}

// UpdateEvent replaces the content of an existing event and returns the stored version.
func (r *EventRepository) UpdateEvent(ctx context.Context, ev *event.Event) (*event.Event, error) {
	updated := ev.Clone()
	updated.LastModified = r.Now()

	attendees, err := json.Marshal(updated.Attendees)
	if err != nil {
		return nil, fmt.Errorf("encoding attendees: %w", err)
	}

	result, err := r.DB().ExecContext(ctx, `
		UPDATE internal_events SET
			title = ?, starts_at = ?, ends_at = ?, location = ?, description = ?, attendees = ?, updated_at = ?
		WHERE id = ?
	`,
		updated.Title, dbTime(updated.Start), dbTime(updated.End), updated.Location,
		updated.Description, string(attendees), updated.LastModified, updated.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating event: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("event not found: %s", updated.ID)
	}

	return updated, nil
}

// DeleteEvent removes an event. Deleting a missing event is not an error.
func (r *EventRepository) DeleteEvent(ctx context.Context, id string) error {
	if _, err := r.DB().ExecContext(ctx, "DELETE FROM internal_events WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}
	return nil
}

// ListEventsInRange returns the events of ownerID overlapping [from, to), ordered by start.
func (r *EventRepository) ListEventsInRange(ctx context.Context, ownerID string, from, to time.Time) ([]event.Event, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, title, starts_at, ends_at, location, description, attendees, updated_at
		FROM internal_events
		WHERE owner_id = ? AND starts_at < ? AND ends_at > ?
		ORDER BY starts_at
	`, ownerID, dbTime(to), dbTime(from))
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, *ev)
	}

	return events, rows.Err()
}

func scanEvent(row rowScanner) (*event.Event, error) {
	var (
		ev        event.Event
		attendees sql.NullString
	)
	if err := row.Scan(
		&ev.ID, &ev.Title, &ev.Start, &ev.End, &ev.Location, &ev.Description, &attendees, &ev.LastModified,
	); err != nil {
		return nil, err
	}
	if attendees.Valid && attendees.String != "" && attendees.String != "null" {
		if err := json.Unmarshal([]byte(attendees.String), &ev.Attendees); err != nil {
			return nil, fmt.Errorf("decoding attendees: %w", err)
		}
	}
	ev.Start = ev.Start.UTC()
	ev.End = ev.End.UTC()
	ev.LastModified = ev.LastModified.UTC()
	return &ev, nil
}

// dbTime normalizes a timestamp so sqlite text comparison orders it correctly.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
