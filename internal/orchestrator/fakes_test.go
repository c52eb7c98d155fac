package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calendar-sync-engine/backend/internal/calendar"
	"github.com/calendar-sync-engine/backend/internal/event"
	"github.com/calendar-sync-engine/backend/internal/notify"
	"github.com/calendar-sync-engine/backend/internal/storage"
	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type integrationStore struct {
	mu           sync.Mutex
	integrations map[string]*models.Integration
	fullSynced   map[string]time.Time
}

func newIntegrationStore(in ...*models.Integration) *integrationStore {
	s := &integrationStore{
		integrations: make(map[string]*models.Integration),
		fullSynced:   make(map[string]time.Time),
	}
	for _, i := range in {
		s.integrations[i.ID] = i
	}
	return s
}

func (s *integrationStore) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[id]
	if !ok {
		return nil, nil
	}
	c := *in
	return &c, nil
}

func (s *integrationStore) List(ctx context.Context) ([]models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Integration
	for _, in := range s.integrations {
		out = append(out, *in)
	}
	return out, nil
}

func (s *integrationStore) SetConflictStrategy(ctx context.Context, id, strategy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrations[id].ConflictStrategy = strategy
	return nil
}

func (s *integrationStore) MarkFullSynced(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fullSynced[id] = at
	return nil
}

type mappingStore struct {
	mu       sync.Mutex
	seq      int
	mappings map[string]*models.EventMapping
}

func newMappingStore() *mappingStore {
	return &mappingStore{mappings: make(map[string]*models.EventMapping)}
}

func (s *mappingStore) Create(ctx context.Context, m *models.EventMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.mappings {
		if existing.IntegrationID != m.IntegrationID {
			continue
		}
		if (m.InternalEventID != "" && existing.InternalEventID == m.InternalEventID) ||
			(m.ExternalEventID != "" && existing.ExternalEventID == m.ExternalEventID) {
			return storage.ErrDuplicate
		}
	}
	s.seq++
	m.ID = fmt.Sprintf("map-%d", s.seq)
	if m.ConflictState == "" {
		m.ConflictState = models.ConflictStateNone
	}
	c := *m
	s.mappings[m.ID] = &c
	return nil
}

func (s *mappingStore) GetByID(ctx context.Context, id string) (*models.EventMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mappings[id]; ok {
		c := *m
		return &c, nil
	}
	return nil, nil
}

func (s *mappingStore) find(match func(*models.EventMapping) bool) *models.EventMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if match(m) {
			c := *m
			return &c
		}
	}
	return nil
}

func (s *mappingStore) GetByInternalID(ctx context.Context, integrationID, id string) (*models.EventMapping, error) {
	return s.find(func(m *models.EventMapping) bool {
		return m.IntegrationID == integrationID && m.InternalEventID == id
	}), nil
}

func (s *mappingStore) GetByExternalID(ctx context.Context, integrationID, id string) (*models.EventMapping, error) {
	return s.find(func(m *models.EventMapping) bool {
		return m.IntegrationID == integrationID && m.ExternalEventID == id
	}), nil
}

func (s *mappingStore) ListByIntegration(ctx context.Context, integrationID string) ([]models.EventMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EventMapping
	for _, m := range s.mappings {
		if m.IntegrationID == integrationID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *mappingStore) UpdateSyncState(ctx context.Context, id string, st storage.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok {
		return storage.ErrMappingNotFound
	}
	if m.ConflictState == models.ConflictStatePending && !st.ClearConflict {
		return storage.ErrConflictPending
	}
	if st.InternalEventID != "" {
		m.InternalEventID = st.InternalEventID
	}
	if st.ExternalEventID != "" {
		m.ExternalEventID = st.ExternalEventID
	}
	m.InternalHash = st.InternalHash
	m.ExternalHash = st.ExternalHash
	m.Baseline = st.Baseline
	m.Tombstone = m.Tombstone || st.Tombstone
	m.ConflictState = st.ConflictState
	if m.ConflictState == "" {
		m.ConflictState = models.ConflictStateNone
	}
	at := st.SyncedAt
	m.LastSyncedAt = &at
	return nil
}

func (s *mappingStore) BindEventIDs(ctx context.Context, id, internalID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok {
		return storage.ErrMappingNotFound
	}
	for _, other := range s.mappings {
		if other.ID != id && other.IntegrationID == m.IntegrationID &&
			((internalID != "" && other.InternalEventID == internalID) || (externalID != "" && other.ExternalEventID == externalID)) {
			return storage.ErrDuplicate
		}
	}
	if internalID != "" {
		m.InternalEventID = internalID
	}
	if externalID != "" {
		m.ExternalEventID = externalID
	}
	return nil
}

func (s *mappingStore) setConflictState(id, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[id].ConflictState = state
}

type conflictStore struct {
	mappings  *mappingStore
	mu        sync.Mutex
	conflicts []models.Conflict
}

func (s *conflictStore) Create(ctx context.Context, c *models.Conflict) error {
	m, _ := s.mappings.GetByID(ctx, c.MappingID)
	if m == nil {
		return storage.ErrMappingNotFound
	}
	if m.Pending() {
		return storage.ErrConflictPending
	}
	s.mappings.setConflictState(c.MappingID, models.ConflictStatePending)

	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = fmt.Sprintf("conflict-%d", len(s.conflicts)+1)
	s.conflicts = append(s.conflicts, *c)
	return nil
}

func (s *conflictStore) ListPending(ctx context.Context, integrationID string) ([]models.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conflict
	for _, c := range s.conflicts {
		if c.ResolvedAt == nil && (integrationID == "" || c.IntegrationID == integrationID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *conflictStore) Resolve(ctx context.Context, mappingID, strategy string, at time.Time) error {
	s.mappings.setConflictState(mappingID, models.ConflictStateResolved)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conflicts {
		if s.conflicts[i].MappingID == mappingID && s.conflicts[i].ResolvedAt == nil {
			s.conflicts[i].ResolutionStrategy = &strategy
			s.conflicts[i].ResolvedAt = &at
		}
	}
	return nil
}

// eventSet is an in-memory calendar shared by the internal and external fakes.
type eventSet struct {
	mu     sync.Mutex
	prefix string
	seq    int
	events map[string]*event.Event
	writes int
	// failWith is returned by every call while set.
	failWith error
	// hold pauses the next lookup or create until released.
	hold *pause
}

type pause struct {
	entered chan struct{}
	release chan struct{}
}

// pauseNext makes the next lookup or create wait for the returned release channel
// to close. entered is closed once the call is waiting.
func (s *eventSet) pauseNext() (entered <-chan struct{}, release chan<- struct{}) {
	p := &pause{entered: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.hold = p
	s.mu.Unlock()
	return p.entered, p.release
}

// wait blocks on a pending pause. Caller holds s.mu; it is released while waiting.
func (s *eventSet) wait() {
	p := s.hold
	if p == nil {
		return
	}
	s.hold = nil
	s.mu.Unlock()
	close(p.entered)
	<-p.release
	s.mu.Lock()
}

func newEventSet(prefix string) *eventSet {
	return &eventSet{prefix: prefix, events: make(map[string]*event.Event)}
}

func (s *eventSet) put(ev *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev.Clone()
}

func (s *eventSet) get(id string) *event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id].Clone()
}

func (s *eventSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, id)
}

func (s *eventSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSet) create(ev *event.Event) (*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.seq++
	s.writes++
	c := ev.Clone()
	c.ID = fmt.Sprintf("%s-%d", s.prefix, s.seq)
	s.events[c.ID] = c
	s.wait()
	return c.Clone(), nil
}

func (s *eventSet) update(ev *event.Event) (*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	if _, ok := s.events[ev.ID]; !ok {
		return nil, errNotFound
	}
	s.writes++
	s.events[ev.ID] = ev.Clone()
	return ev.Clone(), nil
}

func (s *eventSet) delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.writes++
	delete(s.events, id)
	return nil
}

func (s *eventSet) lookup(id string) (*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.wait()
	ev, ok := s.events[id]
	if !ok {
		return nil, errNotFound
	}
	return ev.Clone(), nil
}

func (s *eventSet) list(from, to time.Time) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	var out []event.Event
	for _, ev := range s.events {
		if ev.Overlaps(from, to) {
			out = append(out, *ev.Clone())
		}
	}
	return out, nil
}

var errNotFound = errors.New("not found")

// internalStore returns nil for missing events like the database repository.
type internalStore struct{ *eventSet }

func (s internalStore) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	ev, err := s.lookup(id)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	return ev, err
}

func (s internalStore) CreateEvent(ctx context.Context, ownerID string, ev *event.Event) (*event.Event, error) {
	return s.create(ev)
}

func (s internalStore) UpdateEvent(ctx context.Context, ev *event.Event) (*event.Event, error) {
	return s.update(ev)
}

func (s internalStore) DeleteEvent(ctx context.Context, id string) error {
	return s.delete(id)
}

func (s internalStore) ListEventsInRange(ctx context.Context, ownerID string, from, to time.Time) ([]event.Event, error) {
	return s.list(from, to)
}

// externalCalendar reports missing events as provider 404s like the calendar client.
type externalCalendar struct{ *eventSet }

func providerNotFound(err error) error {
	if errors.Is(err, errNotFound) {
		return &calendar.ProviderError{Kind: calendar.ErrNotFound, Status: 404}
	}
	return err
}

func (c externalCalendar) GetEvent(ctx context.Context, accountID, calendarID, id string) (*event.Event, error) {
	ev, err := c.lookup(id)
	return ev, providerNotFound(err)
}

func (c externalCalendar) ListEvents(ctx context.Context, accountID, calendarID string, from, to time.Time) ([]event.Event, error) {
	return c.list(from, to)
}

func (c externalCalendar) CreateEvent(ctx context.Context, accountID, calendarID string, ev *event.Event) (*event.Event, error) {
	return c.create(ev)
}

func (c externalCalendar) UpdateEvent(ctx context.Context, accountID, calendarID string, ev *event.Event) (*event.Event, error) {
	updated, err := c.update(ev)
	return updated, providerNotFound(err)
}

func (c externalCalendar) DeleteEvent(ctx context.Context, accountID, calendarID, id string) error {
	return c.delete(id)
}

type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recorder) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}
