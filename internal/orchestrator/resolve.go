package orchestrator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/calendar-sync-engine/backend/internal/conflict"
	"github.com/calendar-sync-engine/backend/internal/storage"
	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

// ListPendingConflicts returns the unresolved conflicts of an integration, or of all
// integrations when integrationID is empty.
func (o *Orchestrator) ListPendingConflicts(ctx context.Context, integrationID string) ([]models.Conflict, error) {
	conflicts, err := o.conflicts.ListPending(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	return conflicts, nil
}

// ResolveConflict applies an operator decision to a pending mapping against the
// current state of both sides and releases the mapping for automatic sync.
func (o *Orchestrator) ResolveConflict(ctx context.Context, mappingID string, d conflict.ManualDecision) (*models.EventMapping, error) {
	if !o.leases.acquire(mappingID) {
		return nil, ErrMappingBusy
	}
	defer o.leases.release(mappingID)

	mapping, err := o.mappings.GetByID(ctx, mappingID)
	if err != nil {
		return nil, fmt.Errorf("loading mapping: %w", err)
	}
	if mapping == nil {
		return nil, storage.ErrMappingNotFound
	}
	if !mapping.Pending() {
		return nil, ErrNoPendingConflict
	}

	in, err := o.integrations.GetByID(ctx, mapping.IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("loading integration: %w", err)
	}
	if in == nil {
		return nil, ErrIntegrationNotFound
	}

	s, err := o.fetch(ctx, in, mapping)
	if err != nil {
		return nil, err
	}
	s.resolving = true
	decision, err := conflict.ResolveManual(
		conflict.Snapshot{Event: s.external, Hash: o.hasher.Hash(s.external)},
		conflict.Snapshot{Event: s.internal, Hash: o.hasher.Hash(s.internal)},
		d,
	)
	if err != nil {
		return nil, err
	}

	if err := o.apply(ctx, s, decision); err != nil {
		return nil, err
	}
	if err := o.conflicts.Resolve(ctx, mapping.ID, string(conflict.StrategyManual), o.clock.Now().UTC()); err != nil {
		return nil, fmt.Errorf("resolving conflict: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"integration_id": in.ID,
		"mapping_id":     mapping.ID,
		"choice":         d.Choice,
	}).Info("Conflict resolved")

	return o.mappings.GetByID(ctx, mapping.ID)
}
