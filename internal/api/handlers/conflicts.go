package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/calendar-sync-engine/backend/internal/api/middleware"
	"github.com/calendar-sync-engine/backend/internal/conflict"
	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

// ListConflicts returns pending conflicts, scoped to the {id} integration when present.
func ListConflicts(sync SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conflicts, err := sync.ListPendingConflicts(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to list conflicts")
			return
		}
		if conflicts == nil {
			conflicts = []models.Conflict{}
		}
		middleware.WriteJSON(w, http.StatusOK, conflicts)
	}
}

// ResolveConflict applies an operator decision to a pending mapping.
func ResolveConflict(sync SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d conflict.ManualDecision
		if !decodeRequest(w, r, &d) {
			return
		}

		mapping, err := sync.ResolveConflict(r.Context(), mux.Vars(r)["id"], d)
		if err != nil {
			writeServiceError(w, err, "Failed to resolve conflict")
			return
		}
		middleware.WriteJSON(w, http.StatusOK, mapping)
	}
}
