package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/calendar-sync-engine/backend/internal/api/middleware"
	"github.com/calendar-sync-engine/backend/internal/conflict"
	"github.com/calendar-sync-engine/backend/internal/event"
	"github.com/calendar-sync-engine/backend/internal/orchestrator"
	"github.com/calendar-sync-engine/backend/internal/storage"
	"github.com/calendar-sync-engine/backend/internal/storage/models"
	"github.com/calendar-sync-engine/backend/internal/subscription"
)

// IntegrationStore reads and creates integrations.
type IntegrationStore interface {
	List(ctx context.Context) ([]models.Integration, error)
	GetByID(ctx context.Context, id string) (*models.Integration, error)
	Create(ctx context.Context, in *models.Integration) error
}

// SubscriptionService manages webhook subscriptions.
type SubscriptionService interface {
	CreateSubscription(ctx context.Context, integrationID string) (*models.Integration, error)
	Enable(ctx context.Context, integrationID string) (*models.Integration, error)
	Revoke(ctx context.Context, integrationID string) error
}

// SyncService runs full syncs, strategy changes and conflict resolution.
type SyncService interface {
	FullSync(ctx context.Context, integrationID string) (*orchestrator.FullSyncReport, error)
	SetStrategy(ctx context.Context, integrationID string, s conflict.Strategy) error
	ListPendingConflicts(ctx context.Context, integrationID string) ([]models.Conflict, error)
	ResolveConflict(ctx context.Context, mappingID string, d conflict.ManualDecision) (*models.EventMapping, error)
}

// EventLister lists internal events for export.
type EventLister interface {
	ListEventsInRange(ctx context.Context, ownerID string, from, to time.Time) ([]event.Event, error)
}

// Scheduler keeps full-sync schedules in step with integration changes.
type Scheduler interface {
	ScheduleIntegration(in models.Integration)
	UnscheduleIntegration(integrationID string)
	TriggerFullSync(integrationID string)
}

// CreateIntegrationRequest is the body of POST /api/integrations.
type CreateIntegrationRequest struct {
	UserID           string `json:"user_id" validate:"required"`
	AccountID        string `json:"account_id" validate:"required"`
	CalendarID       string `json:"calendar_id"`
	SyncDirection    string `json:"sync_direction" validate:"omitempty,oneof=to-external from-external bidirectional"`
	ConflictStrategy string `json:"conflict_strategy" validate:"omitempty,oneof=manual external-wins internal-wins most-recently-modified-wins field-merge"`
	Subscribe        bool   `json:"subscribe"`
}

// SetStrategyRequest is the body of PUT /api/integrations/{id}/strategy.
type SetStrategyRequest struct {
	Strategy string `json:"strategy" validate:"required,oneof=manual external-wins internal-wins most-recently-modified-wins field-merge"`
}

// ListIntegrations returns all integrations.
func ListIntegrations(store IntegrationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		integrations, err := store.List(r.Context())
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to list integrations")
			return
		}
		if integrations == nil {
			integrations = []models.Integration{}
		}
		middleware.WriteJSON(w, http.StatusOK, integrations)
	}
}

// CreateIntegration stores a new integration, starts its initial full sync and
// optionally subscribes it.
func CreateIntegration(store IntegrationStore, subs SubscriptionService, scheduler Scheduler, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateIntegrationRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		in := &models.Integration{
			UserID:           req.UserID,
			AccountID:        req.AccountID,
			CalendarID:       req.CalendarID,
			SyncDirection:    req.SyncDirection,
			ConflictStrategy: req.ConflictStrategy,
			Enabled:          true,
		}
		err := store.Create(r.Context(), in)
		if errors.Is(err, storage.ErrDuplicate) {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "Integration already exists")
			return
		}
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create integration")
			return
		}
		if scheduler != nil {
			scheduler.TriggerFullSync(in.ID)
		}

		if req.Subscribe {
			subscribed, err := subs.CreateSubscription(r.Context(), in.ID)
			if err != nil {
				logger.WithError(err).WithField("integration_id", in.ID).Warn("Integration created without subscription")
				middleware.WriteErrorWithDetails(w, http.StatusBadGateway, middleware.ErrInternalError,
					"Integration created but subscription failed", map[string]string{"integration_id": in.ID})
				return
			}
			in = subscribed
		}

		middleware.WriteJSON(w, http.StatusCreated, in)
	}
}

// GetIntegration returns one integration.
func GetIntegration(store IntegrationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, ok := loadIntegration(w, r, store)
		if !ok {
			return
		}
		middleware.WriteJSON(w, http.StatusOK, in)
	}
}

// EnableIntegration turns an integration on, subscribes it and starts a full sync
// to catch up on changes made while it was off.
func EnableIntegration(subs SubscriptionService, scheduler Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := subs.Enable(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeServiceError(w, err, "Failed to enable integration")
			return
		}
		if scheduler != nil {
			scheduler.ScheduleIntegration(*in)
			scheduler.TriggerFullSync(in.ID)
		}
		middleware.WriteJSON(w, http.StatusOK, in)
	}
}

// DisableIntegration revokes an integration. Queued jobs for it are discarded at dequeue.
func DisableIntegration(subs SubscriptionService, scheduler Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := subs.Revoke(r.Context(), id); err != nil {
			writeServiceError(w, err, "Failed to disable integration")
			return
		}
		if scheduler != nil {
			scheduler.UnscheduleIntegration(id)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// CreateSubscription (re)creates the webhook subscription of an integration.
func CreateSubscription(subs SubscriptionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := subs.CreateSubscription(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeServiceError(w, err, "Failed to create subscription")
			return
		}
		middleware.WriteJSON(w, http.StatusOK, in)
	}
}

// TriggerFullSync runs a full sync and returns its report. A partial failure still
// returns the report with status 502.
func TriggerFullSync(sync SyncService, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		report, err := sync.FullSync(r.Context(), id)
		if err != nil && report == nil {
			writeServiceError(w, err, "Full sync failed")
			return
		}
		if err != nil {
			logger.WithError(err).WithField("integration_id", id).Warn("Full sync partially failed")
			middleware.WriteErrorWithDetails(w, http.StatusBadGateway, middleware.ErrInternalError, "Full sync partially failed", report)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, report)
	}
}

// SetConflictStrategy changes the automatic conflict strategy of an integration.
func SetConflictStrategy(store IntegrationStore, sync SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, ok := loadIntegration(w, r, store)
		if !ok {
			return
		}
		var req SetStrategyRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		if err := sync.SetStrategy(r.Context(), in.ID, conflict.Strategy(req.Strategy)); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to update strategy")
			return
		}
		in.ConflictStrategy = req.Strategy
		middleware.WriteJSON(w, http.StatusOK, in)
	}
}

// ExportICS serves the integration owner's internal events in a window as iCalendar.
func ExportICS(store IntegrationStore, events EventLister, past, future time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, ok := loadIntegration(w, r, store)
		if !ok {
			return
		}

		now := time.Now().UTC()
		list, err := events.ListEventsInRange(r.Context(), in.UserID, now.Add(-past), now.Add(future))
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to list events")
			return
		}

		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="calendar.ics"`)
		if err := event.WriteICS(w, in.CalendarID, list); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to encode calendar")
		}
	}
}

func loadIntegration(w http.ResponseWriter, r *http.Request, store IntegrationStore) (*models.Integration, bool) {
	in, err := store.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to load integration")
		return nil, false
	}
	if in == nil {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Integration not found")
		return nil, false
	}
	return in, true
}

// writeServiceError maps service errors to API responses.
func writeServiceError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, subscription.ErrIntegrationNotFound),
		errors.Is(err, orchestrator.ErrIntegrationNotFound),
		errors.Is(err, storage.ErrMappingNotFound):
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, err.Error())
	case errors.Is(err, subscription.ErrIntegrationDisabled),
		errors.Is(err, orchestrator.ErrIntegrationDisabled),
		errors.Is(err, orchestrator.ErrNoPendingConflict),
		errors.Is(err, orchestrator.ErrMappingBusy):
		middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, err.Error())
	case errors.Is(err, conflict.ErrInvalidDecision):
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
	default:
		middleware.WriteError(w, http.StatusBadGateway, middleware.ErrInternalError, message+": "+err.Error())
	}
}
