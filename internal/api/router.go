// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/calendar-sync-engine/backend/internal/api/handlers"
	"github.com/calendar-sync-engine/backend/internal/api/middleware"
	"github.com/calendar-sync-engine/backend/internal/websocket"
)

// Services are the components the API exposes.
type Services struct {
	DB            handlers.Pinger
	Integrations  handlers.IntegrationStore
	Subscriptions handlers.SubscriptionService
	Sync          handlers.SyncService
	Events        handlers.EventLister
	Scheduler     handlers.Scheduler
	Ingress       handlers.NotificationHandler
	Hub           *websocket.Hub
	Broadcaster   *websocket.EventBroadcaster
	Status        handlers.StatusSources

	WebhookMaxBody int64
	ExportPast     time.Duration
	ExportFuture   time.Duration
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(s Services, logger logrus.FieldLogger) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging(logger))
	r.Use(middleware.ErrorRecovery(logger))

	api := r.PathPrefix("/api").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", handlers.HealthCheck(s.DB)).Methods("GET")
	api.HandleFunc("/status", handlers.Status(s.Status)).Methods("GET")

	// WebSocket endpoint
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(s.Hub, s.Broadcaster, logger)).Methods("GET")

	// Provider notifications. The validation handshake arrives as a POST with a query token.
	api.HandleFunc("/webhooks/calendar", handlers.CalendarWebhook(s.Ingress, s.WebhookMaxBody, logger)).Methods("POST", "GET")

	// Integration endpoints
	api.HandleFunc("/integrations", handlers.ListIntegrations(s.Integrations)).Methods("GET")
	api.HandleFunc("/integrations", handlers.CreateIntegration(s.Integrations, s.Subscriptions, s.Scheduler, logger)).Methods("POST")
	api.HandleFunc("/integrations/{id}", handlers.GetIntegration(s.Integrations)).Methods("GET")
	api.HandleFunc("/integrations/{id}/enable", handlers.EnableIntegration(s.Subscriptions, s.Scheduler)).Methods("POST")
	api.HandleFunc("/integrations/{id}/disable", handlers.DisableIntegration(s.Subscriptions, s.Scheduler)).Methods("POST")
	api.HandleFunc("/integrations/{id}/subscription", handlers.CreateSubscription(s.Subscriptions)).Methods("POST")
	api.HandleFunc("/integrations/{id}/full-sync", handlers.TriggerFullSync(s.Sync, logger)).Methods("POST")
	api.HandleFunc("/integrations/{id}/strategy", handlers.SetConflictStrategy(s.Integrations, s.Sync)).Methods("PUT")
	api.HandleFunc("/integrations/{id}/calendar.ics", handlers.ExportICS(s.Integrations, s.Events, s.ExportPast, s.ExportFuture)).Methods("GET")

	// Conflict endpoints
	api.HandleFunc("/conflicts", handlers.ListConflicts(s.Sync)).Methods("GET")
	api.HandleFunc("/integrations/{id}/conflicts", handlers.ListConflicts(s.Sync)).Methods("GET")
	api.HandleFunc("/mappings/{id}/resolve", handlers.ResolveConflict(s.Sync)).Methods("POST")

	return r
}
