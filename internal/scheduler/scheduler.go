// Package scheduler runs subscription maintenance and fallback full syncs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/calendar-sync-engine/backend/internal/notify"
	"github.com/calendar-sync-engine/backend/internal/orchestrator"
	"github.com/calendar-sync-engine/backend/internal/storage/models"
	"github.com/calendar-sync-engine/backend/internal/subscription"
)

// Renewer maintains webhook subscriptions.
type Renewer interface {
	RenewDue(ctx context.Context) (subscription.RenewReport, error)
	ValidateHealth(ctx context.Context) (subscription.HealthReport, error)
}

// FullSyncer runs a bulk reconciliation of one integration.
type FullSyncer interface {
	FullSync(ctx context.Context, integrationID string) (*orchestrator.FullSyncReport, error)
}

// IntegrationLister lists the integrations to schedule.
type IntegrationLister interface {
	ListEnabled(ctx context.Context) ([]models.Integration, error)
}

// Schedules holds the cron specs of the periodic jobs.
type Schedules struct {
	Renewal  string
	Health   string
	FullSync string
	Refresh  string
}

// Scheduler runs subscription renewal independently of the sync queue and schedules
// periodic full syncs for degraded integrations.
type Scheduler struct {
	cron         *cron.Cron
	renewer      Renewer
	syncer       FullSyncer
	integrations IntegrationLister
	notifier     notify.Notifier
	schedules    Schedules
	logger       logrus.FieldLogger

	// Full-sync entries per degraded integration
	jobs   map[string]cron.EntryID
	jobsMu sync.RWMutex

	named map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(renewer Renewer, syncer FullSyncer, integrations IntegrationLister, notifier notify.Notifier, schedules Schedules, logger logrus.FieldLogger) *Scheduler {
	if schedules.Refresh == "" {
		schedules.Refresh = "@every 5m"
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	cronLogger := cron.PrintfLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		renewer:      renewer,
		syncer:       syncer,
		integrations: integrations,
		notifier:     notifier,
		schedules:    schedules,
		logger:       logger,
		jobs:         make(map[string]cron.EntryID),
		named:        make(map[string]cron.EntryID),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start registers the periodic jobs, schedules integrations and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting sync scheduler")

	fixed := []struct {
		name string
		spec string
		fn   func()
	}{
		{"renewal", s.schedules.Renewal, s.renewDue},
		{"health", s.schedules.Health, s.validateHealth},
		{"refresh", s.schedules.Refresh, func() { s.refreshSchedules(s.ctx) }},
	}
	for _, job := range fixed {
		if job.spec == "" {
			continue
		}
		id, err := s.cron.AddFunc(job.spec, job.fn)
		if err != nil {
			return fmt.Errorf("scheduling %s job %q: %w", job.name, job.spec, err)
		}
		s.named[job.name] = id
	}

	integrations, err := s.integrations.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("listing integrations: %w", err)
	}
	for _, in := range integrations {
		s.ScheduleIntegration(in)
		if in.LastFullSyncAt == nil {
			s.TriggerFullSync(in.ID)
		}
	}

	s.cron.Start()
	s.logger.WithField("integrations", len(integrations)).Info("Sync scheduler started")
	return nil
}

// Stop waits for running jobs and triggered syncs to finish.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping sync scheduler")
	s.cancel()
	done := s.cron.Stop()
	<-done.Done()
	s.wg.Wait()
	s.logger.Info("Sync scheduler stopped")
}

// ScheduleIntegration adds a periodic full sync for a degraded integration and
// removes it otherwise.
func (s *Scheduler) ScheduleIntegration(in models.Integration) {
	if !in.Enabled || !in.Degraded || s.schedules.FullSync == "" {
		s.UnscheduleIntegration(in.ID)
		return
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, exists := s.jobs[in.ID]; exists {
		return
	}

	integrationID := in.ID
	entryID, err := s.cron.AddFunc(s.schedules.FullSync, func() {
		s.runFullSync(s.ctx, integrationID)
	})
	if err != nil {
		s.logger.WithError(err).WithField("integration_id", in.ID).Error("Failed to schedule full sync")
		return
	}

	s.jobs[in.ID] = entryID
	s.logger.WithFields(logrus.Fields{
		"integration_id": in.ID,
		"schedule":       s.schedules.FullSync,
	}).Info("Scheduled fallback full sync for degraded integration")
}

// UnscheduleIntegration removes the full-sync entry of an integration.
func (s *Scheduler) UnscheduleIntegration(integrationID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if entryID, exists := s.jobs[integrationID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, integrationID)
		s.logger.WithField("integration_id", integrationID).Info("Unscheduled full sync")
	}
}

// TriggerFullSync runs a full sync in the background.
func (s *Scheduler) TriggerFullSync(integrationID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runFullSync(s.ctx, integrationID)
	}()
}

func (s *Scheduler) runFullSync(ctx context.Context, integrationID string) {
	log := s.logger.WithField("integration_id", integrationID)
	log.Info("Running full sync")

	report, err := s.syncer.FullSync(ctx, integrationID)
	if err != nil {
		log.WithError(err).Error("Full sync failed")
		s.notifier.Notify(notify.Notification{
			Kind:          notify.SyncFailed,
			IntegrationID: integrationID,
			Message:       "Full sync failed: " + err.Error(),
			At:            time.Now().UTC(),
		})
		return
	}

	log.WithFields(logrus.Fields{
		"external_events": report.ExternalEvents,
		"internal_events": report.InternalEvents,
		"enqueued":        report.Enqueued,
	}).Info("Full sync completed")
	s.notifier.Notify(notify.Notification{
		Kind:          notify.SyncCompleted,
		IntegrationID: integrationID,
		Message:       fmt.Sprintf("Full sync queued %d changes", report.Enqueued),
		Details: map[string]any{
			"external_events": report.ExternalEvents,
			"internal_events": report.InternalEvents,
			"enqueued":        report.Enqueued,
		},
		At: time.Now().UTC(),
	})
}

func (s *Scheduler) renewDue() {
	report, err := s.renewer.RenewDue(s.ctx)
	if err != nil {
		s.logger.WithError(err).Error("Subscription renewal pass failed")
		return
	}
	if report.Due > 0 {
		s.logger.WithFields(logrus.Fields{
			"due":     report.Due,
			"renewed": report.Renewed,
			"failed":  len(report.Failed),
		}).Info("Subscription renewal pass completed")
	}
	// Failures may have degraded integrations.
	if len(report.Failed) > 0 {
		s.refreshSchedules(s.ctx)
	}
}

func (s *Scheduler) validateHealth() {
	report, err := s.renewer.ValidateHealth(s.ctx)
	if err != nil {
		s.logger.WithError(err).Error("Subscription health check failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"checked":   report.Checked,
		"recreated": report.Recreated,
		"failed":    len(report.Failed),
	}).Debug("Subscription health check completed")
	if report.Recreated > 0 || len(report.Failed) > 0 {
		s.refreshSchedules(s.ctx)
	}
}

// refreshSchedules reloads integrations so degraded ones gain a full-sync entry and
// recovered or disabled ones lose it.
func (s *Scheduler) refreshSchedules(ctx context.Context) {
	integrations, err := s.integrations.ListEnabled(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to refresh integration schedules")
		return
	}

	current := make(map[string]bool)
	for _, in := range integrations {
		current[in.ID] = true
		s.ScheduleIntegration(in)
	}

	s.jobsMu.Lock()
	for id, entryID := range s.jobs {
		if !current[id] {
			s.cron.Remove(entryID)
			delete(s.jobs, id)
			s.logger.WithField("integration_id", id).Info("Removed full sync schedule (integration disabled)")
		}
	}
	s.jobsMu.Unlock()
}

// ScheduledIntegrations returns the integrations with a fallback full-sync entry.
func (s *Scheduler) ScheduledIntegrations() []string {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// NextRuns returns the next run of the renewal, health and refresh jobs.
func (s *Scheduler) NextRuns() map[string]time.Time {
	out := make(map[string]time.Time, len(s.named))
	for name, id := range s.named {
		if next := s.cron.Entry(id).Next; !next.IsZero() {
			out[name] = next
		}
	}
	return out
}
