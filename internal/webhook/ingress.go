package webhook

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/calendar-sync-engine/backend/internal/queue"
	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

// IntegrationLookup resolves the integration owning a subscription.
type IntegrationLookup interface {
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Integration, error)
}

// Renewer renews the subscription of an integration.
type Renewer interface {
	RenewSubscription(ctx context.Context, integrationID string) error
}

// Enqueuer is the part of the sync queue the ingress uses.
type Enqueuer interface {
	EnqueueFunc(job queue.Job, combine queue.CombineFunc) queue.Job
}

// Result summarizes what happened to the entries of one payload.
type Result struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
}

// Ingress validates notifications and submits sync jobs for them.
type Ingress struct {
	integrations IntegrationLookup
	queue        Enqueuer
	renewer      Renewer
	dedup        *Deduplicator
	clock        queue.Clock
	validate     *validator.Validate
	logger       logrus.FieldLogger

	renewTimeout time.Duration
	renewMu      sync.Mutex
	renewing     map[string]bool
	wg           sync.WaitGroup
}

// NewIngress creates the webhook ingress.
func NewIngress(integrations IntegrationLookup, q Enqueuer, renewer Renewer, dedup *Deduplicator, clock queue.Clock, logger logrus.FieldLogger) *Ingress {
	if clock == nil {
		clock = queue.SystemClock{}
	}
	return &Ingress{
		integrations: integrations,
		queue:        q,
		renewer:      renewer,
		dedup:        dedup,
		clock:        clock,
		validate:     validator.New(),
		logger:       logger,
		renewTimeout: time.Minute,
		renewing:     make(map[string]bool),
	}
}

type accepted struct {
	integration *models.Integration
	n           *Notification
}

// HandleNotification processes a raw payload. It returns ErrMalformedPayload or
// ErrInvalidClientState without enqueuing anything when any entry fails those checks.
func (i *Ingress) HandleNotification(ctx context.Context, raw []byte) (Result, error) {
	var result Result

	payload, err := DecodePayload(i.validate, raw)
	if err != nil {
		return result, err
	}

	integrations := make(map[string]*models.Integration)
	var entries []accepted
	for idx := range payload.Value {
		n := &payload.Value[idx]
		log := i.logger.WithField("subscription_id", n.SubscriptionID)

		in, ok := integrations[n.SubscriptionID]
		if !ok {
			in, err = i.integrations.GetBySubscriptionID(ctx, n.SubscriptionID)
			if err != nil {
				return Result{}, fmt.Errorf("resolving subscription: %w", err)
			}
			integrations[n.SubscriptionID] = in
		}
		if in == nil {
			log.Info("Dropping notification for unknown subscription")
			result.Dropped++
			continue
		}

		if subtle.ConstantTimeCompare([]byte(n.ClientState), []byte(in.ClientState)) != 1 || in.ClientState == "" {
			log.WithField("integration_id", in.ID).Warn("Rejecting notification with invalid client state")
			return Result{}, ErrInvalidClientState
		}

		if !in.Enabled {
			log.WithField("integration_id", in.ID).Debug("Dropping notification for disabled integration")
			result.Dropped++
			continue
		}
		entries = append(entries, accepted{integration: in, n: n})
	}

	now := i.clock.Now()
	renewed := make(map[string]bool)
	for _, e := range entries {
		in, n := e.integration, e.n
		if in.SubscriptionExpired(now) && !renewed[in.ID] {
			renewed[in.ID] = true
			i.renewAsync(in.ID)
		}

		eventID := n.EventID()
		change := n.Change()
		if i.dedup != nil && i.dedup.Seen(in.ID, eventID, change) {
			result.Duplicates++
			continue
		}

		job := i.queue.EnqueueFunc(queue.Job{
			IntegrationID: in.ID,
			Side:          queue.SideExternal,
			EventID:       eventID,
			ChangeType:    change,
			Priority:      queue.PriorityFor(change),
		}, preferStronger)

		i.logger.WithFields(logrus.Fields{
			"integration_id": in.ID,
			"job_id":         job.ID,
			"event_id":       eventID,
			"change_type":    job.ChangeType,
			"priority":       job.Priority.String(),
		}).Debug("Queued notification")
		result.Accepted++
	}

	return result, nil
}

// preferStronger keeps the higher ranked change type when a job is already pending
// for the key, so a pending deletion is never replaced by a stale update.
func preferStronger(pending, incoming queue.Job) queue.Job {
	incoming.ChangeType = queue.Stronger(pending.ChangeType, incoming.ChangeType)
	incoming.Priority = queue.PriorityFor(incoming.ChangeType)
	if pending.Priority > incoming.Priority {
		incoming.Priority = pending.Priority
	}
	return incoming
}

// renewAsync starts at most one background renewal per integration.
func (i *Ingress) renewAsync(integrationID string) {
	if i.renewer == nil {
		return
	}

	i.renewMu.Lock()
	if i.renewing[integrationID] {
		i.renewMu.Unlock()
		return
	}
	i.renewing[integrationID] = true
	i.renewMu.Unlock()

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer func() {
			i.renewMu.Lock()
			delete(i.renewing, integrationID)
			i.renewMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), i.renewTimeout)
		defer cancel()

		log := i.logger.WithField("integration_id", integrationID)
		log.Info("Subscription expired, renewing from notification")
		if err := i.renewer.RenewSubscription(ctx, integrationID); err != nil {
			log.WithError(err).Error("Failed to renew expired subscription")
		}
	}()
}

// Wait blocks until background renewals finish.
func (i *Ingress) Wait() {
	i.wg.Wait()
}
