// Package orchestrator drives sync jobs to completion: it fetches both sides of an
// event, decides what to do with the conflict resolver and writes the result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/calendar-sync-engine/backend/internal/calendar"
	"github.com/calendar-sync-engine/backend/internal/conflict"
	"github.com/calendar-sync-engine/backend/internal/event"
	"github.com/calendar-sync-engine/backend/internal/notify"
	"github.com/calendar-sync-engine/backend/internal/queue"
	"github.com/calendar-sync-engine/backend/internal/storage"
	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

var (
	// ErrIntegrationNotFound is returned for unknown integration IDs.
	ErrIntegrationNotFound = errors.New("integration not found")
	// ErrIntegrationDisabled is returned when syncing a disabled integration.
	ErrIntegrationDisabled = errors.New("integration disabled")
	// ErrNoPendingConflict is returned when resolving a mapping without a pending conflict.
	ErrNoPendingConflict = errors.New("mapping has no pending conflict")
)

// InternalStore is the internal business event store.
type InternalStore interface {
	GetEvent(ctx context.Context, id string) (*event.Event, error)
	CreateEvent(ctx context.Context, ownerID string, ev *event.Event) (*event.Event, error)
	UpdateEvent(ctx context.Context, ev *event.Event) (*event.Event, error)
	DeleteEvent(ctx context.Context, id string) error
	ListEventsInRange(ctx context.Context, ownerID string, from, to time.Time) ([]event.Event, error)
}

// ExternalCalendar is the event API of the provider.
type ExternalCalendar interface {
	GetEvent(ctx context.Context, accountID, calendarID, eventID string) (*event.Event, error)
	ListEvents(ctx context.Context, accountID, calendarID string, from, to time.Time) ([]event.Event, error)
	CreateEvent(ctx context.Context, accountID, calendarID string, ev *event.Event) (*event.Event, error)
	UpdateEvent(ctx context.Context, accountID, calendarID string, ev *event.Event) (*event.Event, error)
	DeleteEvent(ctx context.Context, accountID, calendarID, eventID string) error
}

// IntegrationStore reads integrations and records sync bookkeeping.
type IntegrationStore interface {
	GetByID(ctx context.Context, id string) (*models.Integration, error)
	List(ctx context.Context) ([]models.Integration, error)
	SetConflictStrategy(ctx context.Context, id, strategy string) error
	MarkFullSynced(ctx context.Context, id string, at time.Time) error
}

// MappingStore is the event mapping store.
type MappingStore interface {
	Create(ctx context.Context, m *models.EventMapping) error
	GetByID(ctx context.Context, id string) (*models.EventMapping, error)
	GetByInternalID(ctx context.Context, integrationID, internalEventID string) (*models.EventMapping, error)
	GetByExternalID(ctx context.Context, integrationID, externalEventID string) (*models.EventMapping, error)
	ListByIntegration(ctx context.Context, integrationID string) ([]models.EventMapping, error)
	UpdateSyncState(ctx context.Context, id string, s storage.SyncState) error
	BindEventIDs(ctx context.Context, id, internalEventID, externalEventID string) error
}

// ConflictStore persists conflicts.
type ConflictStore interface {
	Create(ctx context.Context, c *models.Conflict) error
	ListPending(ctx context.Context, integrationID string) ([]models.Conflict, error)
	Resolve(ctx context.Context, mappingID, strategy string, at time.Time) error
}

// JobQueue is the sync queue.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	TryDequeue(ctx context.Context) (*queue.Job, error)
	Ack(jobID string) error
	Nack(jobID string, reason error) (bool, error)
	Defer(jobID string, delay time.Duration) error
	Fail(jobID string, reason error) error
	EnqueueFunc(job queue.Job, combine queue.CombineFunc) queue.Job
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Integrations IntegrationStore
	Mappings     MappingStore
	Conflicts    ConflictStore
	Internal     InternalStore
	External     ExternalCalendar
	Queue        JobQueue
	Notifier     notify.Notifier
}

// Options tunes the orchestrator.
type Options struct {
	// CallTimeout bounds every single provider or store call.
	CallTimeout    time.Duration
	FullSyncPast   time.Duration
	FullSyncFuture time.Duration
	Hasher         event.Hasher
	Clock          queue.Clock
}

// Orchestrator processes sync jobs.
type Orchestrator struct {
	integrations IntegrationStore
	mappings     MappingStore
	conflicts    ConflictStore
	internal     InternalStore
	external     ExternalCalendar
	queue        JobQueue
	notifier     notify.Notifier

	opts       Options
	hasher     event.Hasher
	clock      queue.Clock
	strategies atomic.Pointer[conflict.StrategyTable]
	leases     mappingLeases
	claims     claimLocks
	logger     logrus.FieldLogger
}

// New creates an orchestrator.
func New(deps Deps, opts Options, logger logrus.FieldLogger) *Orchestrator {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.FullSyncPast <= 0 {
		opts.FullSyncPast = 30 * 24 * time.Hour
	}
	if opts.FullSyncFuture <= 0 {
		opts.FullSyncFuture = 365 * 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = queue.SystemClock{}
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	o := &Orchestrator{
		integrations: deps.Integrations,
		mappings:     deps.Mappings,
		conflicts:    deps.Conflicts,
		internal:     deps.Internal,
		external:     deps.External,
		queue:        deps.Queue,
		notifier:     notifier,
		opts:         opts,
		hasher:       opts.Hasher,
		clock:        opts.Clock,
		leases:       mappingLeases{held: make(map[string]struct{})},
		claims:       claimLocks{locks: make(map[string]*sync.Mutex)},
		logger:       logger,
	}
	empty := conflict.NewStrategyTable(nil)
	o.strategies.Store(&empty)
	return o
}

// LoadStrategies builds the strategy table from the stored integrations.
func (o *Orchestrator) LoadStrategies(ctx context.Context) error {
	integrations, err := o.integrations.List(ctx)
	if err != nil {
		return fmt.Errorf("listing integrations: %w", err)
	}

	entries := make(map[string]conflict.Strategy, len(integrations))
	for _, in := range integrations {
		s, err := conflict.ParseStrategy(in.ConflictStrategy)
		if err != nil {
			o.logger.WithError(err).WithField("integration_id", in.ID).Warn("Ignoring invalid conflict strategy")
			continue
		}
		entries[in.ID] = s
	}
	table := conflict.NewStrategyTable(entries)
	o.strategies.Store(&table)
	return nil
}

// SetStrategy persists and activates the conflict strategy of an integration.
func (o *Orchestrator) SetStrategy(ctx context.Context, integrationID string, s conflict.Strategy) error {
	if _, err := conflict.ParseStrategy(string(s)); err != nil {
		return err
	}
	if err := o.integrations.SetConflictStrategy(ctx, integrationID, string(s)); err != nil {
		return err
	}
	for {
		current := o.strategies.Load()
		next := current.With(integrationID, s)
		if o.strategies.CompareAndSwap(current, &next) {
			return nil
		}
	}
}

// Strategies returns the active strategy table.
func (o *Orchestrator) Strategies() conflict.StrategyTable {
	return *o.strategies.Load()
}

// strategyFor returns the active strategy of an integration. Integrations created
// after the table was built fall back to their stored setting.
func (o *Orchestrator) strategyFor(in *models.Integration) conflict.Strategy {
	if s, ok := o.Strategies().Get(in.ID); ok {
		return s
	}
	s, err := conflict.ParseStrategy(in.ConflictStrategy)
	if err != nil {
		o.logger.WithError(err).WithField("integration_id", in.ID).Warn("Ignoring invalid conflict strategy")
		return conflict.StrategyManual
	}
	return s
}

// Run starts workers that process jobs until ctx is done or the queue closes.
func (o *Orchestrator) Run(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			log := o.logger.WithField("worker", worker)
			for {
				job, err := o.queue.Dequeue(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
						log.WithError(err).Error("Dequeue failed")
					}
					return
				}
				o.handle(ctx, job)
			}
		}(i)
	}
	wg.Wait()
}

// Drain processes eligible jobs on the calling goroutine until none is left.
// Delayed retries are not waited for. It returns the number of jobs handled.
func (o *Orchestrator) Drain(ctx context.Context) (int, error) {
	handled := 0
	for {
		job, err := o.queue.TryDequeue(ctx)
		if err != nil {
			return handled, err
		}
		if job == nil {
			return handled, nil
		}
		o.handle(ctx, job)
		handled++
	}
}

// handle processes a leased job and settles its lease.
func (o *Orchestrator) handle(ctx context.Context, job *queue.Job) {
	log := o.logger.WithFields(logrus.Fields{
		"job_id":         job.ID,
		"integration_id": job.IntegrationID,
		"key":            job.Key().String(),
		"change_type":    job.ChangeType,
	})

	outcome, err := o.Process(ctx, job)
	switch {
	case errors.Is(err, ErrMappingBusy):
		log.Debug("Mapping busy, deferring job")
		if deferErr := o.queue.Defer(job.ID, busyRetryDelay); deferErr != nil {
			log.WithError(deferErr).Warn("Failed to defer job")
		}
	case err == nil:
		log.WithField("outcome", outcome).Debug("Job processed")
		if ackErr := o.queue.Ack(job.ID); ackErr != nil {
			log.WithError(ackErr).Warn("Failed to ack job")
		}
	case calendar.IsPermanent(err):
		log.WithError(err).Error("Job failed permanently")
		if failErr := o.queue.Fail(job.ID, err); failErr != nil {
			log.WithError(failErr).Warn("Failed to dead-letter job")
		}
	default:
		log.WithError(err).Warn("Job failed, retrying")
		if _, nackErr := o.queue.Nack(job.ID, err); nackErr != nil {
			log.WithError(nackErr).Warn("Failed to nack job")
		}
	}
}

// Process runs the sync state machine for one job. It is safe to call again with
// the same job: an already applied change compares equal and is a no-op. Only one
// job at a time works on a mapping; the others get ErrMappingBusy.
func (o *Orchestrator) Process(ctx context.Context, job *queue.Job) (conflict.Outcome, error) {
	in, err := o.integrations.GetByID(ctx, job.IntegrationID)
	if err != nil {
		return "", fmt.Errorf("loading integration: %w", err)
	}
	if in == nil || !in.Enabled {
		return conflict.NoOp, nil
	}

	mapping, err := o.lookupMapping(ctx, in.ID, job.Side, job.EventID)
	if err != nil {
		return "", err
	}
	if mapping == nil {
		mapping, err = o.claim(ctx, in, job)
		if err != nil || mapping == nil {
			return conflict.NoOp, err
		}
	}

	if !o.leases.acquire(mapping.ID) {
		return "", ErrMappingBusy
	}
	defer o.leases.release(mapping.ID)

	// Reload under the lease; the previous holder may have changed it.
	if mapping, err = o.mappings.GetByID(ctx, mapping.ID); err != nil {
		return "", fmt.Errorf("loading mapping: %w", err)
	}
	if mapping == nil {
		return conflict.NoOp, nil
	}

	log := o.logger.WithFields(logrus.Fields{"integration_id": in.ID, "mapping_id": mapping.ID})
	if mapping.Tombstone {
		log.Debug("Mapping tombstoned, ignoring change")
		return conflict.NoOp, nil
	}
	if mapping.Pending() {
		log.Debug("Mapping awaits conflict resolution, ignoring change")
		return conflict.NoOp, nil
	}

	s, err := o.fetch(ctx, in, mapping)
	if err != nil {
		return "", err
	}
	if !mapping.Complete() {
		return o.completeFirstSeen(ctx, s)
	}

	decision := conflict.Resolve(conflict.Input{
		Baseline: conflict.Baseline{
			InternalHash: mapping.InternalHash,
			ExternalHash: mapping.ExternalHash,
			Event:        decodeBaseline(mapping.Baseline),
		},
		External: conflict.Snapshot{Event: s.external, Hash: o.hasher.Hash(s.external)},
		Internal: conflict.Snapshot{Event: s.internal, Hash: o.hasher.Hash(s.internal)},
		Strategy: o.strategyFor(in),
		Fields:   o.hasher.Fields(),
	})

	switch decision.Outcome {
	case conflict.Applied:
		if err := o.apply(ctx, s, decision); err != nil {
			return "", err
		}
		log.WithFields(logrus.Fields{"direction": decision.Direction, "strategy": decision.Strategy}).Info("Applied change")
		return conflict.Applied, nil
	case conflict.ConflictFlagged:
		if err := o.flag(ctx, s, decision); err != nil {
			return "", err
		}
		return conflict.ConflictFlagged, nil
	}

	if err := o.settle(ctx, s); err != nil {
		return "", err
	}
	return conflict.NoOp, nil
}

// syncState is everything known about one mapping during a pass.
type syncState struct {
	in       *models.Integration
	mapping  *models.EventMapping
	external *event.Event
	internal *event.Event
	// resolving lets the pass write a mapping whose conflict is pending.
	resolving bool
}

func (o *Orchestrator) lookupMapping(ctx context.Context, integrationID string, side queue.Side, eventID string) (*models.EventMapping, error) {
	var (
		m   *models.EventMapping
		err error
	)
	if side == queue.SideInternal {
		m, err = o.mappings.GetByInternalID(ctx, integrationID, eventID)
	} else {
		m, err = o.mappings.GetByExternalID(ctx, integrationID, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading mapping: %w", err)
	}
	return m, nil
}

// claim creates a placeholder mapping for a first-seen event. A change for an event
// that no longer exists and was never seen needs no mapping and returns nil.
func (o *Orchestrator) claim(ctx context.Context, in *models.Integration, job *queue.Job) (*models.EventMapping, error) {
	m := &models.EventMapping{IntegrationID: in.ID}
	if job.Side == queue.SideInternal {
		ev, err := o.getInternal(ctx, job.EventID)
		if err != nil || ev == nil {
			return nil, err
		}
		m.InternalEventID = job.EventID
	} else {
		ev, err := o.getExternal(ctx, in, job.EventID)
		if err != nil || ev == nil {
			return nil, err
		}
		m.ExternalEventID = job.EventID
	}

	unlock := o.claims.lock(in.ID)
	defer unlock()
	// A counterpart created by another worker is bound by now.
	if existing, err := o.lookupMapping(ctx, in.ID, job.Side, job.EventID); err != nil || existing != nil {
		return existing, err
	}

	err := o.mappings.Create(ctx, m)
	if errors.Is(err, storage.ErrDuplicate) {
		return o.lookupMapping(ctx, in.ID, job.Side, job.EventID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating mapping: %w", err)
	}
	return m, nil
}

// fetch reads the current state of both sides, each under the call timeout.
func (o *Orchestrator) fetch(ctx context.Context, in *models.Integration, m *models.EventMapping) (*syncState, error) {
	s := &syncState{in: in, mapping: m}
	var err error
	if m.ExternalEventID != "" {
		if s.external, err = o.getExternal(ctx, in, m.ExternalEventID); err != nil {
			return nil, err
		}
	}
	if m.InternalEventID != "" {
		if s.internal, err = o.getInternal(ctx, m.InternalEventID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (o *Orchestrator) getExternal(ctx context.Context, in *models.Integration, id string) (*event.Event, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()

	ev, err := o.external.GetEvent(callCtx, in.AccountID, in.CalendarID, id)
	if errors.Is(err, calendar.ErrNotFound) {
		return nil, nil
	}
	return ev, err
}

func (o *Orchestrator) getInternal(ctx context.Context, id string) (*event.Event, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()

	ev, err := o.internal.GetEvent(callCtx, id)
	if err != nil {
		return nil, fmt.Errorf("loading internal event: %w", err)
	}
	return ev, nil
}

// completeFirstSeen creates the counterpart of a first-seen event. It never conflicts.
func (o *Orchestrator) completeFirstSeen(ctx context.Context, s *syncState) (conflict.Outcome, error) {
	m := s.mapping
	log := o.logger.WithFields(logrus.Fields{"integration_id": s.in.ID, "mapping_id": m.ID})

	if m.ExternalEventID != "" {
		if s.external == nil {
			log.Debug("First-seen external event vanished before sync")
			return conflict.NoOp, o.record(ctx, s, nil, true)
		}
		if !s.in.AllowsFromExternal() {
			return conflict.NoOp, o.record(ctx, s, s.external, false)
		}
		created, err := o.createInternal(ctx, s, s.external)
		if err != nil {
			return "", err
		}
		s.internal = created
		log.WithField("internal_event_id", created.ID).Info("Created internal event for new external event")
		return conflict.Applied, o.record(ctx, s, s.external, false)
	}

	if s.internal == nil {
		log.Debug("First-seen internal event vanished before sync")
		return conflict.NoOp, o.record(ctx, s, nil, true)
	}
	if !s.in.AllowsToExternal() {
		return conflict.NoOp, o.record(ctx, s, s.internal, false)
	}
	created, err := o.createExternal(ctx, s, s.internal)
	if err != nil {
		return "", err
	}
	s.external = created
	log.WithField("external_event_id", created.ID).Info("Created external event for new internal event")
	return conflict.Applied, o.record(ctx, s, s.internal, false)
}

// flag records a divergent edit and leaves both sides untouched.
func (o *Orchestrator) flag(ctx context.Context, s *syncState, d conflict.Decision) error {
	c := &models.Conflict{
		MappingID:         s.mapping.ID,
		IntegrationID:     s.in.ID,
		Reason:            models.ReasonDivergentEdit,
		ExternalSnapshot:  snapshotJSON(s.external),
		InternalSnapshot:  snapshotJSON(s.internal),
		ConflictingFields: d.ConflictingFields,
		DetectedAt:        o.clock.Now().UTC(),
	}
	if d.Result != nil {
		c.Detail = "partial merge available for non-conflicting fields"
	}
	err := o.conflicts.Create(ctx, c)
	if errors.Is(err, storage.ErrConflictPending) {
		o.logger.WithField("mapping_id", s.mapping.ID).Debug("Conflict already pending")
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording conflict: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"integration_id": s.in.ID,
		"mapping_id":     s.mapping.ID,
		"fields":         d.ConflictingFields,
	}).Warn("Conflict detected")
	o.notifier.Notify(notify.Notification{
		Kind:          notify.ConflictDetected,
		IntegrationID: s.in.ID,
		MappingID:     s.mapping.ID,
		Message:       "Event was changed on both sides since the last sync",
		Details:       map[string]any{"conflict_id": c.ID, "fields": d.ConflictingFields},
		At:            c.DetectedAt,
	})
	return nil
}

// settle refreshes stored hashes when both sides already agree, e.g. after identical
// edits on both sides. Nothing is written when the mapping is up to date.
func (o *Orchestrator) settle(ctx context.Context, s *syncState) error {
	extHash, intHash := o.hasher.Hash(s.external), o.hasher.Hash(s.internal)
	if extHash == s.mapping.ExternalHash && intHash == s.mapping.InternalHash {
		return nil
	}
	content := s.external
	if content == nil {
		content = s.internal
	}
	return o.record(ctx, s, content, s.external == nil && s.internal == nil)
}

// record stores the current hashes of both sides with content as the new baseline.
func (o *Orchestrator) record(ctx context.Context, s *syncState, content *event.Event, tombstone bool) error {
	state := storage.SyncState{
		InternalEventID: s.mapping.InternalEventID,
		ExternalEventID: s.mapping.ExternalEventID,
		InternalHash:    o.hasher.Hash(s.internal),
		ExternalHash:    o.hasher.Hash(s.external),
		Baseline:        baselineJSON(content),
		Tombstone:       tombstone,
		SyncedAt:        o.clock.Now(),
		ClearConflict:   s.resolving,
	}
	err := o.mappings.UpdateSyncState(ctx, s.mapping.ID, state)
	if errors.Is(err, storage.ErrConflictPending) {
		o.logger.WithField("mapping_id", s.mapping.ID).Warn("Mapping was flagged during the pass, keeping its conflict")
		return nil
	}
	if err != nil {
		return fmt.Errorf("updating mapping: %w", err)
	}
	s.mapping.InternalHash = state.InternalHash
	s.mapping.ExternalHash = state.ExternalHash
	s.mapping.Baseline = state.Baseline
	s.mapping.Tombstone = s.mapping.Tombstone || tombstone
	return nil
}

func baselineJSON(ev *event.Event) []byte {
	if ev == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	return data
}

func decodeBaseline(data []byte) *event.Event {
	if len(data) == 0 {
		return nil
	}
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}
	return &ev
}

func snapshotJSON(ev *event.Event) []byte {
	if ev == nil {
		return []byte("null")
	}
	return baselineJSON(ev)
}
