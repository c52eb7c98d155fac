package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/calendar-sync-engine/backend/internal/api/middleware"
	"github.com/calendar-sync-engine/backend/internal/queue"
	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

// Pinger checks database connectivity.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"db_connected"`
}

// HealthCheck returns a handler that performs a health check.
func HealthCheck(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		response := HealthResponse{Status: "healthy", DBConnected: db.PingContext(ctx) == nil}
		status := http.StatusOK
		if !response.DBConnected {
			response.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		middleware.WriteJSON(w, status, response)
	}
}

// StatusSources are the components reported by the status endpoint. Nil sources
// are skipped.
type StatusSources struct {
	Integrations interface {
		List(ctx context.Context) ([]models.Integration, error)
	}
	Conflicts interface {
		CountPending(ctx context.Context) (int, error)
	}
	Mappings interface {
		CountByState(ctx context.Context) (map[string]int, error)
	}
	Queue interface {
		Stats() queue.Stats
	}
	Schedule interface {
		NextRuns() map[string]time.Time
	}
	Clients interface {
		ClientCount() int
	}
}

// StatusResponse represents the system status response.
type StatusResponse struct {
	Integrations         int                  `json:"integrations"`
	EnabledIntegrations  int                  `json:"enabled_integrations"`
	DegradedIntegrations int                  `json:"degraded_integrations"`
	PendingConflicts     int                  `json:"pending_conflicts"`
	Mappings             map[string]int       `json:"mappings,omitempty"`
	Queue                *queue.Stats         `json:"queue,omitempty"`
	NextRuns             map[string]time.Time `json:"next_runs,omitempty"`
	WebSocketClients     int                  `json:"websocket_clients"`
}

// Status returns a handler that provides system status information.
func Status(src StatusSources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var resp StatusResponse

		if src.Integrations != nil {
			integrations, err := src.Integrations.List(ctx)
			if err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to list integrations")
				return
			}
			resp.Integrations = len(integrations)
			for _, in := range integrations {
				if in.Enabled {
					resp.EnabledIntegrations++
				}
				if in.Degraded {
					resp.DegradedIntegrations++
				}
			}
		}
		if src.Conflicts != nil {
			resp.PendingConflicts, _ = src.Conflicts.CountPending(ctx)
		}
		if src.Mappings != nil {
			resp.Mappings, _ = src.Mappings.CountByState(ctx)
		}
		if src.Queue != nil {
			stats := src.Queue.Stats()
			resp.Queue = &stats
		}
		if src.Schedule != nil {
			resp.NextRuns = src.Schedule.NextRuns()
		}
		if src.Clients != nil {
			resp.WebSocketClients = src.Clients.ClientCount()
		}

		middleware.WriteJSON(w, http.StatusOK, resp)
	}
}
