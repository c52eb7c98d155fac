package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/calendar-sync-engine/backend/internal/notify"
	"github.com/calendar-sync-engine/backend/internal/queue"
	"github.com/calendar-sync-engine/backend/internal/storage"
	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

// HandleDeadLetter records a job that will not be retried as a processing-failure
// conflict on its mapping, so an operator sees it next to divergent edits. Events
// that never got a mapping get a placeholder one.
func (o *Orchestrator) HandleDeadLetter(job queue.Job, reason error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.CallTimeout)
	defer cancel()

	log := o.logger.WithField("job_id", job.ID).WithField("key", job.Key().String())
	if err := o.recordFailure(ctx, job, reason); err != nil {
		log.WithError(err).Error("Failed to record dead-lettered job")
	}

	o.notifier.Notify(notify.Notification{
		Kind:          notify.SyncFailed,
		IntegrationID: job.IntegrationID,
		JobID:         job.ID,
		Message:       fmt.Sprintf("Sync of %s event %s failed", job.Side, job.EventID),
		Details:       map[string]any{"attempts": job.Attempts, "error": errorText(reason)},
		At:            o.clock.Now().UTC(),
	})
}

func (o *Orchestrator) recordFailure(ctx context.Context, job queue.Job, reason error) error {
	mapping, err := o.lookupMapping(ctx, job.IntegrationID, job.Side, job.EventID)
	if err != nil {
		return err
	}
	if mapping == nil {
		mapping = &models.EventMapping{IntegrationID: job.IntegrationID}
		if job.Side == queue.SideInternal {
			mapping.InternalEventID = job.EventID
		} else {
			mapping.ExternalEventID = job.EventID
		}
		err := o.mappings.Create(ctx, mapping)
		if errors.Is(err, storage.ErrDuplicate) {
			if mapping, err = o.lookupMapping(ctx, job.IntegrationID, job.Side, job.EventID); err == nil && mapping == nil {
				err = storage.ErrMappingNotFound
			}
		}
		if err != nil {
			return fmt.Errorf("creating placeholder mapping: %w", err)
		}
	}

	detail, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	err = o.conflicts.Create(ctx, &models.Conflict{
		MappingID:     mapping.ID,
		IntegrationID: job.IntegrationID,
		Reason:        models.ReasonProcessingFailure,
		Detail:        fmt.Sprintf("%s: %s", errorText(reason), detail),
		DetectedAt:    o.clock.Now().UTC(),
	})
	// The open conflict already holds the mapping for the operator.
	if errors.Is(err, storage.ErrConflictPending) {
		return nil
	}
	return err
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
