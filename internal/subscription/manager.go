// Package subscription keeps one live webhook subscription per enabled integration.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/calendar-sync-engine/backend/internal/calendar"
	"github.com/calendar-sync-engine/backend/internal/notify"
	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

var (
	// ErrIntegrationNotFound is returned for unknown integration IDs.
	ErrIntegrationNotFound = errors.New("integration not found")
	// ErrIntegrationDisabled is returned when subscribing a disabled integration.
	ErrIntegrationDisabled = errors.New("integration disabled")
	// ErrSubscriptionRace is returned when another caller replaced the subscription first.
	ErrSubscriptionRace = errors.New("subscription changed concurrently")
)

// ChangeTypes is the change filter registered with every subscription.
const ChangeTypes = "created,updated,deleted"

// Store is the integration persistence used by the manager.
type Store interface {
	GetByID(ctx context.Context, id string) (*models.Integration, error)
	ListEnabled(ctx context.Context) ([]models.Integration, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	SwapSubscription(ctx context.Context, id, expectedID, newID string, expiresAt *time.Time) (bool, error)
	ExtendSubscription(ctx context.Context, id, subscriptionID string, expiresAt time.Time) (bool, error)
	RecordRenewalFailure(ctx context.Context, id string) (int, error)
	MarkHealthy(ctx context.Context, id string) error
	SetDegraded(ctx context.Context, id string, degraded bool) error
}

// Provider is the subscription API of the external calendar.
type Provider interface {
	CreateSubscription(ctx context.Context, accountID string, req calendar.SubscriptionRequest) (*calendar.Subscription, error)
	RenewSubscription(ctx context.Context, accountID, subscriptionID string, expiresAt time.Time) (*calendar.Subscription, error)
	DeleteSubscription(ctx context.Context, accountID, subscriptionID string) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configures the manager.
type Options struct {
	NotificationURL string
	Lifetime        time.Duration
	RenewalLead     time.Duration
	MaxFailures     int
	Clock           Clock
}

// Manager creates, renews and revokes webhook subscriptions.
type Manager struct {
	store    Store
	provider Provider
	notifier notify.Notifier
	opts     Options
	clock    Clock
	logger   logrus.FieldLogger
}

// NewManager creates a subscription manager.
func NewManager(store Store, provider Provider, notifier notify.Notifier, opts Options, logger logrus.FieldLogger) *Manager {
	if opts.Lifetime <= 0 {
		opts.Lifetime = 72 * time.Hour
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{
		store:    store,
		provider: provider,
		notifier: notifier,
		opts:     opts,
		clock:    clock,
		logger:   logger,
	}
}

// CreateSubscription registers a new webhook for the integration and stores it,
// replacing any previous subscription.
func (m *Manager) CreateSubscription(ctx context.Context, integrationID string) (*models.Integration, error) {
	in, err := m.load(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if !in.Enabled {
		return nil, ErrIntegrationDisabled
	}
	if err := m.create(ctx, in); err != nil {
		return nil, err
	}
	return m.load(ctx, integrationID)
}

// RenewSubscription extends the subscription when it is inside the renewal window.
// A subscription already renewed past the window is left alone. Expired or missing
// subscriptions are re-created.
func (m *Manager) RenewSubscription(ctx context.Context, integrationID string) error {
	in, err := m.load(ctx, integrationID)
	if err != nil {
		return err
	}
	if !in.Enabled {
		return nil
	}

	now := m.clock.Now()
	if in.SubscriptionID != "" && !in.NeedsRenewal(now, m.opts.RenewalLead) {
		return nil
	}

	log := m.logger.WithFields(logrus.Fields{"integration_id": in.ID, "subscription_id": in.SubscriptionID})
	if in.SubscriptionExpired(now) {
		log.Info("Subscription missing or expired, re-creating")
		err = m.create(ctx, in)
	} else {
		err = m.extend(ctx, in, now)
	}
	if errors.Is(err, ErrSubscriptionRace) {
		log.Debug("Subscription replaced concurrently, nothing to do")
		return nil
	}
	if err != nil {
		m.recordFailure(ctx, in, err)
		return err
	}

	if in.RenewalFailures > 0 || in.Degraded {
		if err := m.store.MarkHealthy(ctx, in.ID); err != nil {
			return fmt.Errorf("clearing renewal failures: %w", err)
		}
		log.Info("Subscription healthy again")
	}
	return nil
}

func (m *Manager) extend(ctx context.Context, in *models.Integration, now time.Time) error {
	sub, err := m.provider.RenewSubscription(ctx, in.AccountID, in.SubscriptionID, now.Add(m.opts.Lifetime))
	if errors.Is(err, calendar.ErrNotFound) {
		m.logger.WithField("integration_id", in.ID).Info("Subscription unknown to provider, re-creating")
		return m.create(ctx, in)
	}
	if err != nil {
		return fmt.Errorf("renewing subscription: %w", err)
	}

	extended, err := m.store.ExtendSubscription(ctx, in.ID, in.SubscriptionID, sub.ExpiresAt)
	if err != nil {
		return err
	}
	if !extended {
		m.logger.WithField("integration_id", in.ID).Debug("Stored expiry already at or past renewal")
	}
	return nil
}

// create registers a subscription and installs it with a guarded swap. When the swap
// loses, the new provider subscription is deleted so that two never overlap.
func (m *Manager) create(ctx context.Context, in *models.Integration) error {
	now := m.clock.Now()
	sub, err := m.provider.CreateSubscription(ctx, in.AccountID, calendar.SubscriptionRequest{
		Resource:        resourceFor(in),
		ChangeType:      ChangeTypes,
		NotificationURL: m.opts.NotificationURL,
		ClientState:     in.ClientState,
		ExpiresAt:       now.Add(m.opts.Lifetime),
	})
	if err != nil {
		return fmt.Errorf("creating subscription: %w", err)
	}

	log := m.logger.WithFields(logrus.Fields{"integration_id": in.ID, "subscription_id": sub.ID})

	expiresAt := sub.ExpiresAt
	swapped, err := m.store.SwapSubscription(ctx, in.ID, in.SubscriptionID, sub.ID, &expiresAt)
	if err != nil || !swapped {
		m.deleteQuietly(ctx, in, sub.ID)
		if err != nil {
			return fmt.Errorf("storing subscription: %w", err)
		}
		return ErrSubscriptionRace
	}

	if in.SubscriptionID != "" {
		m.deleteQuietly(ctx, in, in.SubscriptionID)
	}
	log.WithField("expires_at", expiresAt).Info("Subscription created")
	return nil
}

func (m *Manager) deleteQuietly(ctx context.Context, in *models.Integration, subscriptionID string) {
	err := m.provider.DeleteSubscription(ctx, in.AccountID, subscriptionID)
	if err != nil && !errors.Is(err, calendar.ErrNotFound) {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"integration_id":  in.ID,
			"subscription_id": subscriptionID,
		}).Warn("Failed to delete subscription")
	}
}

// recordFailure counts a failed renewal and degrades the integration once the
// failure threshold is reached.
func (m *Manager) recordFailure(ctx context.Context, in *models.Integration, cause error) {
	log := m.logger.WithError(cause).WithField("integration_id", in.ID)

	failures, err := m.store.RecordRenewalFailure(ctx, in.ID)
	if err != nil {
		log.WithField("store_error", err.Error()).Error("Failed to record renewal failure")
		return
	}
	log.WithField("failures", failures).Warn("Subscription renewal failed")

	if failures < m.opts.MaxFailures || in.Degraded {
		return
	}
	if err := m.store.SetDegraded(ctx, in.ID, true); err != nil {
		log.WithField("store_error", err.Error()).Error("Failed to mark integration degraded")
		return
	}
	m.notifier.Notify(notify.Notification{
		Kind:          notify.SubscriptionDegraded,
		IntegrationID: in.ID,
		Message:       fmt.Sprintf("Subscription renewal failed %d times, falling back to periodic full sync", failures),
		Details:       map[string]any{"error": cause.Error()},
		At:            m.clock.Now().UTC(),
	})
}

// HealthReport summarizes a ValidateHealth pass.
type HealthReport struct {
	Checked   int      `json:"checked"`
	Healthy   int      `json:"healthy"`
	Recreated int      `json:"recreated"`
	Failed    []string `json:"failed,omitempty"`
}

// ValidateHealth re-creates the subscription of every enabled integration whose
// subscription has already expired or is missing.
func (m *Manager) ValidateHealth(ctx context.Context) (HealthReport, error) {
	var report HealthReport

	integrations, err := m.store.ListEnabled(ctx)
	if err != nil {
		return report, fmt.Errorf("listing integrations: %w", err)
	}

	now := m.clock.Now()
	for i := range integrations {
		in := &integrations[i]
		report.Checked++
		if !in.SubscriptionExpired(now) {
			report.Healthy++
			continue
		}

		m.logger.WithField("integration_id", in.ID).Warn("Subscription expired without renewal, re-creating")
		err := m.create(ctx, in)
		if errors.Is(err, ErrSubscriptionRace) {
			report.Healthy++
			continue
		}
		if err != nil {
			m.recordFailure(ctx, in, err)
			report.Failed = append(report.Failed, in.ID)
			continue
		}
		if in.RenewalFailures > 0 || in.Degraded {
			if err := m.store.MarkHealthy(ctx, in.ID); err != nil {
				return report, fmt.Errorf("clearing renewal failures: %w", err)
			}
		}
		report.Recreated++
	}
	return report, nil
}

// RenewReport summarizes a RenewDue pass.
type RenewReport struct {
	Due     int      `json:"due"`
	Renewed int      `json:"renewed"`
	Failed  []string `json:"failed,omitempty"`
}

// RenewDue renews every enabled integration inside the renewal window.
func (m *Manager) RenewDue(ctx context.Context) (RenewReport, error) {
	var report RenewReport

	integrations, err := m.store.ListEnabled(ctx)
	if err != nil {
		return report, fmt.Errorf("listing integrations: %w", err)
	}

	now := m.clock.Now()
	for i := range integrations {
		in := &integrations[i]
		if in.SubscriptionID != "" && !in.NeedsRenewal(now, m.opts.RenewalLead) {
			continue
		}
		report.Due++
		if err := m.RenewSubscription(ctx, in.ID); err != nil {
			report.Failed = append(report.Failed, in.ID)
			continue
		}
		report.Renewed++
	}
	return report, nil
}

// Enable turns an integration back on and subscribes it.
func (m *Manager) Enable(ctx context.Context, integrationID string) (*models.Integration, error) {
	if _, err := m.load(ctx, integrationID); err != nil {
		return nil, err
	}
	if err := m.store.SetEnabled(ctx, integrationID, true); err != nil {
		return nil, err
	}
	return m.CreateSubscription(ctx, integrationID)
}

// Revoke disables the integration and removes its subscription.
func (m *Manager) Revoke(ctx context.Context, integrationID string) error {
	in, err := m.load(ctx, integrationID)
	if err != nil {
		return err
	}
	if err := m.store.SetEnabled(ctx, in.ID, false); err != nil {
		return err
	}
	if in.SubscriptionID == "" {
		return nil
	}

	m.deleteQuietly(ctx, in, in.SubscriptionID)
	if _, err := m.store.SwapSubscription(ctx, in.ID, in.SubscriptionID, "", nil); err != nil {
		return fmt.Errorf("clearing subscription: %w", err)
	}
	m.logger.WithField("integration_id", in.ID).Info("Integration revoked")
	return nil
}

func (m *Manager) load(ctx context.Context, integrationID string) (*models.Integration, error) {
	in, err := m.store.GetByID(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("loading integration: %w", err)
	}
	if in == nil {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, integrationID)
	}
	return in, nil
}

func resourceFor(in *models.Integration) string {
	if in.CalendarID == "" {
		return "/me/events"
	}
	return "/me/calendars/" + in.CalendarID + "/events"
}
