package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/calendar-sync-engine/backend/internal/calendar"
	"github.com/calendar-sync-engine/backend/internal/conflict"
	"github.com/calendar-sync-engine/backend/internal/event"
)

// apply writes an Applied decision to the sides its direction names. Writes the
// integration's sync direction forbids are skipped and the changed side is adopted
// as the new baseline, so the same change is not picked up again.
func (o *Orchestrator) apply(ctx context.Context, s *syncState, d conflict.Decision) error {
	toInternal := d.Direction == conflict.DirectionToInternal || d.Direction == conflict.DirectionBoth
	toExternal := d.Direction == conflict.DirectionToExternal || d.Direction == conflict.DirectionBoth

	log := o.logger.WithField("mapping_id", s.mapping.ID)
	wrote := false
	if toInternal {
		if s.in.AllowsFromExternal() {
			if err := o.writeInternal(ctx, s, d.Result); err != nil {
				return err
			}
			wrote = true
		} else {
			log.Debug("Sync direction forbids writing internal events")
		}
	}
	if toExternal {
		if s.in.AllowsToExternal() {
			if err := o.writeExternal(ctx, s, d.Result); err != nil {
				return err
			}
			wrote = true
		} else {
			log.Debug("Sync direction forbids writing external events")
		}
	}

	if !wrote {
		return o.record(ctx, s, baselineFor(s, d), false)
	}
	return o.record(ctx, s, d.Result, d.Result == nil)
}

// baselineFor picks the content to keep as baseline when nothing was written.
func baselineFor(s *syncState, d conflict.Decision) *event.Event {
	if d.Result != nil {
		return d.Result
	}
	if s.external != nil {
		return s.external
	}
	return s.internal
}

// writeInternal makes the internal side match content. Nil content deletes it.
func (o *Orchestrator) writeInternal(ctx context.Context, s *syncState, content *event.Event) error {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()

	if content == nil {
		if s.internal != nil {
			if err := o.internal.DeleteEvent(callCtx, s.mapping.InternalEventID); err != nil {
				return fmt.Errorf("deleting internal event: %w", err)
			}
		}
		s.internal = nil
		return nil
	}

	if s.internal == nil {
		created, err := o.createInternal(ctx, s, content)
		if err != nil {
			return err
		}
		s.internal = created
		return nil
	}

	update := content.Clone()
	update.ID = s.mapping.InternalEventID
	updated, err := o.internal.UpdateEvent(callCtx, update)
	if err != nil {
		return fmt.Errorf("updating internal event: %w", err)
	}
	s.internal = updated
	return nil
}

// writeExternal makes the external side match content. Nil content deletes it.
func (o *Orchestrator) writeExternal(ctx context.Context, s *syncState, content *event.Event) error {
	if content == nil {
		if s.external != nil {
			callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
			defer cancel()
			err := o.external.DeleteEvent(callCtx, s.in.AccountID, s.in.CalendarID, s.mapping.ExternalEventID)
			if err != nil && !errors.Is(err, calendar.ErrNotFound) {
				return fmt.Errorf("deleting external event: %w", err)
			}
		}
		s.external = nil
		return nil
	}

	if s.external != nil {
		update := content.Clone()
		update.ID = s.mapping.ExternalEventID

		callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
		updated, err := o.external.UpdateEvent(callCtx, s.in.AccountID, s.in.CalendarID, update)
		cancel()
		if err == nil {
			s.external = updated
			return nil
		}
		if !errors.Is(err, calendar.ErrNotFound) {
			return fmt.Errorf("updating external event: %w", err)
		}
	}

	created, err := o.createExternal(ctx, s, content)
	if err != nil {
		return err
	}
	s.external = created
	return nil
}

// createInternal creates the internal counterpart of src and binds it to the mapping
// under the claim lock.
func (o *Orchestrator) createInternal(ctx context.Context, s *syncState, src *event.Event) (*event.Event, error) {
	unlock := o.claims.lock(s.in.ID)
	defer unlock()

	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()

	ev := src.Clone()
	ev.ID = ""
	created, err := o.internal.CreateEvent(callCtx, s.in.UserID, ev)
	if err != nil {
		return nil, fmt.Errorf("creating internal event: %w", err)
	}
	if err := o.mappings.BindEventIDs(ctx, s.mapping.ID, created.ID, ""); err != nil {
		return nil, fmt.Errorf("binding internal event: %w", err)
	}
	s.mapping.InternalEventID = created.ID
	return created, nil
}

// createExternal creates the external counterpart of src and binds it to the mapping
// under the claim lock.
func (o *Orchestrator) createExternal(ctx context.Context, s *syncState, src *event.Event) (*event.Event, error) {
	unlock := o.claims.lock(s.in.ID)
	defer unlock()

	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()

	ev := src.Clone()
	ev.ID = ""
	created, err := o.external.CreateEvent(callCtx, s.in.AccountID, s.in.CalendarID, ev)
	if err != nil {
		return nil, fmt.Errorf("creating external event: %w", err)
	}
	if err := o.mappings.BindEventIDs(ctx, s.mapping.ID, "", created.ID); err != nil {
		return nil, fmt.Errorf("binding external event: %w", err)
	}
	s.mapping.ExternalEventID = created.ID
	return created, nil
}
