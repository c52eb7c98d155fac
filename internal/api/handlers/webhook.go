package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/calendar-sync-engine/backend/internal/api/middleware"
	"github.com/calendar-sync-engine/backend/internal/webhook"
)

// NotificationHandler accepts raw provider notification payloads.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, raw []byte) (webhook.Result, error)
}

// maxValidationTokenLength bounds the handshake token echoed back to the provider.
const maxValidationTokenLength = 1024

// CalendarWebhook returns the provider notification endpoint. It answers the
// subscription validation handshake, queues changes and responds 202.
func CalendarWebhook(ingress NotificationHandler, maxBody int64, logger logrus.FieldLogger) http.HandlerFunc {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if token := r.URL.Query().Get("validationToken"); token != "" {
			if len(token) > maxValidationTokenLength {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Validation token too long")
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, token)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Failed to read request body")
			return
		}
		if int64(len(body)) > maxBody {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, middleware.ErrBadRequest, "Notification payload too large")
			return
		}

		result, err := ingress.HandleNotification(r.Context(), body)
		switch {
		case errors.Is(err, webhook.ErrMalformedPayload):
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, err.Error())
			return
		case errors.Is(err, webhook.ErrInvalidClientState):
			middleware.WriteError(w, http.StatusForbidden, middleware.ErrForbidden, "Client state mismatch")
			return
		case err != nil:
			logger.WithError(err).Error("Failed to handle calendar notification")
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to handle notification")
			return
		}

		middleware.WriteJSON(w, http.StatusAccepted, result)
	}
}
