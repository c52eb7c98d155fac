package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/calendar-sync-engine/backend/internal/event"
	"github.com/calendar-sync-engine/backend/internal/queue"
	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

// FullSyncReport summarizes one reconciliation pass.
type FullSyncReport struct {
	IntegrationID  string   `json:"integration_id"`
	ExternalEvents int      `json:"external_events"`
	InternalEvents int      `json:"internal_events"`
	Enqueued       int      `json:"enqueued"`
	Errors         []string `json:"errors,omitempty"`
}

// FullSync lists both sides within the sync window and enqueues a low priority job
// for every event whose content differs from its mapping, every unmapped event and
// every mapped event that disappeared. It catches changes whose notifications were
// lost. A failure on one side still enqueues what the other side found.
func (o *Orchestrator) FullSync(ctx context.Context, integrationID string) (*FullSyncReport, error) {
	in, err := o.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("loading integration: %w", err)
	}
	if in == nil {
		return nil, ErrIntegrationNotFound
	}
	if !in.Enabled {
		return nil, ErrIntegrationDisabled
	}

	mappings, err := o.mappings.ListByIntegration(ctx, in.ID)
	if err != nil {
		return nil, fmt.Errorf("listing mappings: %w", err)
	}

	now := o.clock.Now()
	from, to := now.Add(-o.opts.FullSyncPast), now.Add(o.opts.FullSyncFuture)
	report := &FullSyncReport{IntegrationID: in.ID}
	log := o.logger.WithField("integration_id", in.ID)

	var errs []error
	external, err := o.external.ListEvents(ctx, in.AccountID, in.CalendarID, from, to)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing external events: %w", err))
	} else {
		report.ExternalEvents = len(external)
		report.Enqueued += o.reconcileSide(in, queue.SideExternal, external, mappings, func(m *models.EventMapping) (string, string) {
			return m.ExternalEventID, m.ExternalHash
		}, from, to)
	}

	internal, err := o.internal.ListEventsInRange(ctx, in.UserID, from, to)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing internal events: %w", err))
	} else {
		report.InternalEvents = len(internal)
		report.Enqueued += o.reconcileSide(in, queue.SideInternal, internal, mappings, func(m *models.EventMapping) (string, string) {
			return m.InternalEventID, m.InternalHash
		}, from, to)
	}

	for _, e := range errs {
		report.Errors = append(report.Errors, e.Error())
	}
	log.WithFields(logrus.Fields{
		"external_events": report.ExternalEvents,
		"internal_events": report.InternalEvents,
		"enqueued":        report.Enqueued,
	}).Info("Full sync finished")

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	if err := o.integrations.MarkFullSynced(ctx, in.ID, now); err != nil {
		return report, fmt.Errorf("recording full sync: %w", err)
	}
	return report, nil
}

// reconcileSide enqueues jobs for one side's listing. sideOf extracts the event ID
// and stored hash of that side from a mapping.
func (o *Orchestrator) reconcileSide(
	in *models.Integration,
	side queue.Side,
	events []event.Event,
	mappings []models.EventMapping,
	sideOf func(*models.EventMapping) (string, string),
	from, to time.Time,
) int {
	byID := make(map[string]*models.EventMapping, len(mappings))
	for i := range mappings {
		if id, _ := sideOf(&mappings[i]); id != "" {
			byID[id] = &mappings[i]
		}
	}

	enqueued := 0
	seen := make(map[string]bool, len(events))
	for i := range events {
		ev := &events[i]
		seen[ev.ID] = true

		m := byID[ev.ID]
		switch {
		case m == nil:
			o.enqueueSynthetic(in.ID, side, ev.ID, queue.ChangeCreated)
		case m.Tombstone || m.Pending():
			continue
		default:
			if _, hash := sideOf(m); hash == o.hasher.Hash(ev) {
				continue
			}
			o.enqueueSynthetic(in.ID, side, ev.ID, queue.ChangeUpdated)
		}
		enqueued++
	}

	for id, m := range byID {
		if seen[id] || m.Tombstone || m.Pending() {
			continue
		}
		// Only events last known to fall inside the window are expected in the listing.
		base := decodeBaseline(m.Baseline)
		if base == nil || !base.Overlaps(from, to) {
			continue
		}
		o.enqueueSynthetic(in.ID, side, id, queue.ChangeDeleted)
		enqueued++
	}
	return enqueued
}

func (o *Orchestrator) enqueueSynthetic(integrationID string, side queue.Side, eventID string, change queue.ChangeType) {
	o.queue.EnqueueFunc(queue.Job{
		IntegrationID: integrationID,
		Side:          side,
		EventID:       eventID,
		ChangeType:    change,
		Priority:      queue.PriorityLow,
		Synthetic:     true,
	}, keepPending)
}

// keepPending never weakens a pending notification-driven job.
func keepPending(pending, incoming queue.Job) queue.Job {
	merged := incoming
	merged.ChangeType = queue.Stronger(pending.ChangeType, incoming.ChangeType)
	if pending.Priority > merged.Priority {
		merged.Priority = pending.Priority
	}
	merged.Synthetic = pending.Synthetic && incoming.Synthetic
	return merged
}
