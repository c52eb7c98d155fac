package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calendar-sync-engine/backend/internal/calendar"
	"github.com/calendar-sync-engine/backend/internal/conflict"
	"github.com/calendar-sync-engine/backend/internal/event"
	"github.com/calendar-sync-engine/backend/internal/logging"
	"github.com/calendar-sync-engine/backend/internal/notify"
	"github.com/calendar-sync-engine/backend/internal/queue"
	"github.com/calendar-sync-engine/backend/internal/storage/models"
)

const integrationID = "integration-1"

type fixture struct {
	clock        *fakeClock
	integrations *integrationStore
	mappings     *mappingStore
	conflicts    *conflictStore
	internal     *eventSet
	external     *eventSet
	queue        *queue.Queue
	notes        *recorder
	hasher       event.Hasher
	o            *Orchestrator
}

func newFixture(t *testing.T, direction string) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	mappings := newMappingStore()
	f := &fixture{
		clock: clock,
		integrations: newIntegrationStore(&models.Integration{
			ID:            integrationID,
			UserID:        "user-1",
			AccountID:     "acct-1",
			CalendarID:    "cal-1",
			SyncDirection: direction,
			Enabled:       true,
		}),
		mappings:  mappings,
		conflicts: &conflictStore{mappings: mappings},
		internal:  newEventSet("evt"),
		external:  newEventSet("ext"),
		queue:     queue.New(queue.Options{Clock: clock, Logger: logging.Discard()}),
		notes:     &recorder{},
		hasher:    event.NewHasher(true),
	}
	f.o = New(Deps{
		Integrations: f.integrations,
		Mappings:     f.mappings,
		Conflicts:    f.conflicts,
		Internal:     internalStore{f.internal},
		External:     externalCalendar{f.external},
		Queue:        f.queue,
		Notifier:     f.notes,
	}, Options{Hasher: f.hasher, Clock: clock}, logging.Discard())
	f.queue.SetDeadLetter(f.o.HandleDeadLetter)
	return f
}

func (f *fixture) event(id, title string) *event.Event {
	start := f.clock.Now().Add(24 * time.Hour)
	return &event.Event{
		ID:       id,
		Title:    title,
		Start:    start,
		End:      start.Add(time.Hour),
		Location: "Room 1",
		Attendees: []event.Attendee{
			{Email: "ana@example.com"},
		},
	}
}

func (f *fixture) process(t *testing.T, side queue.Side, id string) conflict.Outcome {
	t.Helper()
	outcome, err := f.o.Process(context.Background(), &queue.Job{
		IntegrationID: integrationID,
		Side:          side,
		EventID:       id,
		ChangeType:    queue.ChangeUpdated,
	})
	if err != nil {
		t.Fatalf("Process(%s %s) error = %v", side, id, err)
	}
	return outcome
}

func (f *fixture) mappingFor(t *testing.T, externalID string) *models.EventMapping {
	t.Helper()
	m, _ := f.mappings.GetByExternalID(context.Background(), integrationID, externalID)
	if m == nil {
		t.Fatalf("no mapping for external event %s", externalID)
	}
	return m
}

// synced puts an external event and syncs it, returning its mapping.
func (f *fixture) synced(t *testing.T, externalID, title string) *models.EventMapping {
	t.Helper()
	f.external.put(f.event(externalID, title))
	if got := f.process(t, queue.SideExternal, externalID); got != conflict.Applied {
		t.Fatalf("initial sync outcome = %s, want applied", got)
	}
	return f.mappingFor(t, externalID)
}

func TestProcess_ExternalCreateProducesInternalEvent(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	m := f.synced(t, "ext-A", "Standup")

	if !m.Complete() {
		t.Fatalf("mapping incomplete: %+v", m)
	}
	internal := f.internal.get(m.InternalEventID)
	if internal == nil || internal.Title != "Standup" {
		t.Fatalf("internal event = %+v, want title Standup", internal)
	}
	if m.ExternalHash != f.hasher.Hash(f.external.get("ext-A")) || m.InternalHash != f.hasher.Hash(internal) {
		t.Error("mapping hashes do not match both sides")
	}

	if got := f.process(t, queue.SideExternal, "ext-A"); got != conflict.NoOp {
		t.Errorf("reprocessing outcome = %s, want noop", got)
	}
	if f.internal.writes != 1 || f.external.writes != 0 {
		t.Errorf("writes internal=%d external=%d, want 1 and 0", f.internal.writes, f.external.writes)
	}
}

func TestProcess_InternalUpdatePropagatesToExternal(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	m := f.synced(t, "ext-A", "Standup")

	edited := f.internal.get(m.InternalEventID)
	edited.Location = "Room 2"
	f.internal.put(edited)

	if got := f.process(t, queue.SideInternal, m.InternalEventID); got != conflict.Applied {
		t.Fatalf("outcome = %s, want applied", got)
	}
	if loc := f.external.get("ext-A").Location; loc != "Room 2" {
		t.Errorf("external location = %q, want Room 2", loc)
	}
	if got := f.process(t, queue.SideInternal, m.InternalEventID); got != conflict.NoOp {
		t.Errorf("reprocessing outcome = %s, want noop", got)
	}
	if got := f.process(t, queue.SideExternal, "ext-A"); got != conflict.NoOp {
		t.Errorf("echo from external side outcome = %s, want noop", got)
	}
}

func TestProcess_DivergentEditsFlagConflict(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	m := f.synced(t, "ext-A", "Standup")

	ext := f.external.get("ext-A")
	ext.Title = "Standup (external)"
	f.external.put(ext)
	internal := f.internal.get(m.InternalEventID)
	internal.Title = "Standup (internal)"
	f.internal.put(internal)

	if got := f.process(t, queue.SideExternal, "ext-A"); got != conflict.ConflictFlagged {
		t.Fatalf("outcome = %s, want conflict-flagged", got)
	}

	pending, _ := f.o.ListPendingConflicts(context.Background(), integrationID)
	if len(pending) != 1 {
		t.Fatalf("pending conflicts = %d, want 1", len(pending))
	}
	if pending[0].Reason != models.ReasonDivergentEdit {
		t.Errorf("reason = %s", pending[0].Reason)
	}
	if len(pending[0].ConflictingFields) != 1 || pending[0].ConflictingFields[0] != event.FieldTitle {
		t.Errorf("conflicting fields = %v, want [title]", pending[0].ConflictingFields)
	}
	if !f.mappingFor(t, "ext-A").Pending() {
		t.Error("mapping should be pending")
	}
	if kinds := f.notes.kinds(); len(kinds) != 1 || kinds[0] != notify.ConflictDetected {
		t.Errorf("notifications = %v, want one conflict.detected", kinds)
	}

	// Held until resolved: neither side is touched.
	if got := f.process(t, queue.SideInternal, m.InternalEventID); got != conflict.NoOp {
		t.Errorf("outcome while pending = %s, want noop", got)
	}
	if f.external.get("ext-A").Title != "Standup (external)" || f.internal.get(m.InternalEventID).Title != "Standup (internal)" {
		t.Error("pending conflict must leave both sides untouched")
	}
}

func TestProcess_ExternalWinsStrategy(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	if err := f.o.SetStrategy(context.Background(), integrationID, conflict.StrategyExternalWins); err != nil {
		t.Fatalf("SetStrategy() error = %v", err)
	}
	m := f.synced(t, "ext-A", "Standup")

	ext := f.external.get("ext-A")
	ext.Title = "From provider"
	f.external.put(ext)
	internal := f.internal.get(m.InternalEventID)
	internal.Title = "From app"
	f.internal.put(internal)

	if got := f.process(t, queue.SideInternal, m.InternalEventID); got != conflict.Applied {
		t.Fatalf("outcome = %s, want applied", got)
	}
	if title := f.internal.get(m.InternalEventID).Title; title != "From provider" {
		t.Errorf("internal title = %q, want From provider", title)
	}
	if f.integrations.integrations[integrationID].ConflictStrategy != string(conflict.StrategyExternalWins) {
		t.Error("strategy not persisted")
	}
}

func TestProcess_ConvergentEditsRefreshHashes(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	m := f.synced(t, "ext-A", "Standup")

	ext := f.external.get("ext-A")
	ext.Title = "Daily"
	f.external.put(ext)
	internal := f.internal.get(m.InternalEventID)
	internal.Title = "Daily"
	f.internal.put(internal)

	if got := f.process(t, queue.SideExternal, "ext-A"); got != conflict.NoOp {
		t.Fatalf("outcome = %s, want noop", got)
	}
	updated := f.mappingFor(t, "ext-A")
	if updated.ExternalHash != f.hasher.Hash(ext) || updated.InternalHash != f.hasher.Hash(internal) {
		t.Error("hashes not refreshed to the converged content")
	}
	if pending, _ := f.o.ListPendingConflicts(context.Background(), ""); len(pending) != 0 {
		t.Errorf("pending conflicts = %d, want 0", len(pending))
	}
}

func TestProcess_DeletionTombstonesMapping(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	m := f.synced(t, "ext-A", "Standup")

	f.external.remove("ext-A")
	if got := f.process(t, queue.SideExternal, "ext-A"); got != conflict.Applied {
		t.Fatalf("outcome = %s, want applied", got)
	}
	if f.internal.get(m.InternalEventID) != nil {
		t.Error("internal event should be deleted")
	}
	if !f.mappingFor(t, "ext-A").Tombstone {
		t.Error("mapping should be tombstoned")
	}

	// Replaying the deletion and a late update for the same ID changes nothing.
	if got := f.process(t, queue.SideExternal, "ext-A"); got != conflict.NoOp {
		t.Errorf("replayed deletion outcome = %s, want noop", got)
	}
	f.external.put(f.event("ext-A", "Standup"))
	if got := f.process(t, queue.SideExternal, "ext-A"); got != conflict.NoOp {
		t.Errorf("late update outcome = %s, want noop", got)
	}
	if f.internal.len() != 0 {
		t.Errorf("internal events = %d, want 0", f.internal.len())
	}
}

func TestProcess_DirectionForbidsWriteAdoptsChange(t *testing.T) {
	f := newFixture(t, models.DirectionFromExternal)
	m := f.synced(t, "ext-A", "Standup")

	internal := f.internal.get(m.InternalEventID)
	internal.Title = "Local edit"
	f.internal.put(internal)

	f.process(t, queue.SideInternal, m.InternalEventID)
	if title := f.external.get("ext-A").Title; title != "Standup" {
		t.Errorf("external title = %q, want unchanged", title)
	}
	if got := f.mappingFor(t, "ext-A").InternalHash; got != f.hasher.Hash(internal) {
		t.Error("internal change not adopted as baseline")
	}
	if got := f.process(t, queue.SideInternal, m.InternalEventID); got != conflict.NoOp {
		t.Errorf("reprocessing outcome = %s, want noop", got)
	}
}

func TestProcess_InternalCreateToExternalOnlyWhenAllowed(t *testing.T) {
	f := newFixture(t, models.DirectionFromExternal)
	created, _ := f.internal.create(f.event("", "Private"))

	if got := f.process(t, queue.SideInternal, created.ID); got != conflict.NoOp {
		t.Errorf("outcome = %s, want noop", got)
	}
	if f.external.len() != 0 {
		t.Errorf("external events = %d, want 0", f.external.len())
	}
}

func TestProcess_UnknownDeletedEventIsIgnored(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)

	if got := f.process(t, queue.SideExternal, "ghost"); got != conflict.NoOp {
		t.Errorf("outcome = %s, want noop", got)
	}
	if all, _ := f.mappings.ListByIntegration(context.Background(), integrationID); len(all) != 0 {
		t.Errorf("mappings = %d, want 0", len(all))
	}
}

func TestProcess_DisabledIntegrationIsNoOp(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	f.integrations.integrations[integrationID].Enabled = false
	f.external.put(f.event("ext-A", "Standup"))

	if got := f.process(t, queue.SideExternal, "ext-A"); got != conflict.NoOp {
		t.Errorf("outcome = %s, want noop", got)
	}
	if f.internal.len() != 0 {
		t.Error("disabled integration must not write")
	}
}

func leaseOne(t *testing.T, f *fixture, side queue.Side, id string) *queue.Job {
	t.Helper()
	f.queue.Enqueue(queue.Job{IntegrationID: integrationID, Side: side, EventID: id, ChangeType: queue.ChangeCreated, Priority: queue.PriorityMedium})
	job, err := f.queue.TryDequeue(context.Background())
	if err != nil || job == nil {
		t.Fatalf("TryDequeue() = %v, %v", job, err)
	}
	return job
}

func TestHandle_PermanentFailureBecomesConflict(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	f.external.failWith = &calendar.ProviderError{Kind: calendar.ErrUnauthorized, Status: 401}

	f.o.handle(context.Background(), leaseOne(t, f, queue.SideExternal, "ext-9"))

	if st := f.queue.Stats(); st.DeadLettered != 1 || st.Delayed != 0 {
		t.Errorf("stats = %+v, want one dead letter and no retry", st)
	}
	pending, _ := f.o.ListPendingConflicts(context.Background(), integrationID)
	if len(pending) != 1 || pending[0].Reason != models.ReasonProcessingFailure {
		t.Fatalf("pending conflicts = %+v, want one processing failure", pending)
	}
	m := f.mappingFor(t, "ext-9")
	if pending[0].MappingID != m.ID || !m.Pending() {
		t.Error("placeholder mapping should carry the pending conflict")
	}
	if kinds := f.notes.kinds(); len(kinds) != 1 || kinds[0] != notify.SyncFailed {
		t.Errorf("notifications = %v, want one sync.failed", kinds)
	}
}

func TestHandle_TransientFailureRetries(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	f.external.failWith = &calendar.ProviderError{Kind: calendar.ErrProviderUnavailable, Status: 503}

	f.o.handle(context.Background(), leaseOne(t, f, queue.SideExternal, "ext-9"))

	if st := f.queue.Stats(); st.Delayed != 1 || st.DeadLettered != 0 {
		t.Errorf("stats = %+v, want one delayed retry", st)
	}
	if pending, _ := f.o.ListPendingConflicts(context.Background(), ""); len(pending) != 0 {
		t.Errorf("pending conflicts = %d, want 0", len(pending))
	}
}

func TestHandle_SuccessAcks(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	f.external.put(f.event("ext-A", "Standup"))

	f.o.handle(context.Background(), leaseOne(t, f, queue.SideExternal, "ext-A"))

	if st := f.queue.Stats(); st.Leased != 0 || st.Pending != 0 || st.Delayed != 0 {
		t.Errorf("stats = %+v, want an empty queue", st)
	}
	if f.internal.len() != 1 {
		t.Errorf("internal events = %d, want 1", f.internal.len())
	}
}

func TestResolveConflict_Merged(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	m := f.synced(t, "ext-A", "Standup")

	ext := f.external.get("ext-A")
	ext.Title = "Renamed"
	f.external.put(ext)
	internal := f.internal.get(m.InternalEventID)
	internal.Location = "Room 9"
	f.internal.put(internal)
	// Manual strategy flags even disjoint edits.
	if got := f.process(t, queue.SideExternal, "ext-A"); got != conflict.ConflictFlagged {
		t.Fatalf("outcome = %s, want conflict-flagged", got)
	}

	resolved, err := f.o.ResolveConflict(context.Background(), m.ID, conflict.ManualDecision{
		Choice: conflict.ChoiceMerged,
		Fields: map[string]conflict.Side{event.FieldLocation: conflict.SideInternal},
	})
	if err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	if resolved.ConflictState != models.ConflictStateResolved {
		t.Errorf("conflict state = %s, want resolved", resolved.ConflictState)
	}
	for name, ev := range map[string]*event.Event{"external": f.external.get("ext-A"), "internal": f.internal.get(m.InternalEventID)} {
		if ev.Title != "Renamed" || ev.Location != "Room 9" {
			t.Errorf("%s = %q at %q, want merged content", name, ev.Title, ev.Location)
		}
	}
	if pending, _ := f.o.ListPendingConflicts(context.Background(), integrationID); len(pending) != 0 {
		t.Errorf("pending conflicts = %d, want 0", len(pending))
	}
	if got := f.process(t, queue.SideExternal, "ext-A"); got != conflict.NoOp {
		t.Errorf("outcome after resolution = %s, want noop", got)
	}

	if _, err := f.o.ResolveConflict(context.Background(), m.ID, conflict.ManualDecision{Choice: conflict.ChoiceExternal}); !errors.Is(err, ErrNoPendingConflict) {
		t.Errorf("second resolution error = %v, want ErrNoPendingConflict", err)
	}
}

func TestResolveConflict_ProcessingFailureRetriesSync(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	f.external.failWith = &calendar.ProviderError{Kind: calendar.ErrRejected, Status: 400}
	f.o.handle(context.Background(), leaseOne(t, f, queue.SideExternal, "ext-9"))
	f.external.failWith = nil
	f.external.put(f.event("ext-9", "Recovered"))

	m := f.mappingFor(t, "ext-9")
	if _, err := f.o.ResolveConflict(context.Background(), m.ID, conflict.ManualDecision{Choice: conflict.ChoiceExternal}); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	synced := f.mappingFor(t, "ext-9")
	if !synced.Complete() || f.internal.get(synced.InternalEventID).Title != "Recovered" {
		t.Errorf("mapping = %+v, want internal copy of the external event", synced)
	}
}

func TestLoadStrategies(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	f.integrations.integrations[integrationID].ConflictStrategy = string(conflict.StrategyFieldMerge)

	if err := f.o.LoadStrategies(context.Background()); err != nil {
		t.Fatalf("LoadStrategies() error = %v", err)
	}
	if got := f.o.Strategies().Lookup(integrationID); got != conflict.StrategyFieldMerge {
		t.Errorf("strategy = %s, want field-merge", got)
	}
	if got := f.o.Strategies().Lookup("other"); got != conflict.StrategyManual {
		t.Errorf("default strategy = %s, want manual", got)
	}
}

func TestFullSync_EnqueuesDifferences(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	f.synced(t, "ext-A", "Standup")
	f.synced(t, "ext-B", "Review")
	mc := f.synced(t, "ext-C", "Retro")

	b := f.external.get("ext-B")
	b.Title = "Review (moved)"
	f.external.put(b)
	f.internal.remove(mc.InternalEventID)
	f.external.put(f.event("ext-N", "New"))

	// A notification for ext-B is already waiting.
	f.queue.Enqueue(queue.Job{IntegrationID: integrationID, Side: queue.SideExternal, EventID: "ext-B", ChangeType: queue.ChangeDeleted, Priority: queue.PriorityHigh})

	report, err := f.o.FullSync(context.Background(), integrationID)
	if err != nil {
		t.Fatalf("FullSync() error = %v", err)
	}
	if report.ExternalEvents != 4 || report.InternalEvents != 2 || report.Enqueued != 3 {
		t.Errorf("report = %+v, want 4 external, 2 internal, 3 enqueued", report)
	}

	tests := []struct {
		key       queue.Key
		change    queue.ChangeType
		priority  queue.Priority
		synthetic bool
	}{
		{queue.Key{IntegrationID: integrationID, Side: queue.SideExternal, EventID: "ext-B"}, queue.ChangeDeleted, queue.PriorityHigh, false},
		{queue.Key{IntegrationID: integrationID, Side: queue.SideExternal, EventID: "ext-N"}, queue.ChangeCreated, queue.PriorityLow, true},
		{queue.Key{IntegrationID: integrationID, Side: queue.SideInternal, EventID: mc.InternalEventID}, queue.ChangeDeleted, queue.PriorityLow, true},
	}
	for _, tt := range tests {
		job, ok := f.queue.Pending(tt.key)
		if !ok {
			t.Errorf("no pending job for %s", tt.key)
			continue
		}
		if job.ChangeType != tt.change || job.Priority != tt.priority || job.Synthetic != tt.synthetic {
			t.Errorf("%s = %s/%s synthetic=%v, want %s/%s synthetic=%v",
				tt.key, job.ChangeType, job.Priority, job.Synthetic, tt.change, tt.priority, tt.synthetic)
		}
	}
	if _, ok := f.queue.Pending(queue.Key{IntegrationID: integrationID, Side: queue.SideExternal, EventID: "ext-A"}); ok {
		t.Error("unchanged event should not be enqueued")
	}
	if _, ok := f.integrations.fullSynced[integrationID]; !ok {
		t.Error("full sync time not recorded")
	}
}

func TestFullSync_PartialFailure(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	f.external.put(f.event("ext-N", "New"))
	f.internal.failWith = errors.New("database is locked")

	report, err := f.o.FullSync(context.Background(), integrationID)
	if err == nil {
		t.Fatal("FullSync() should report the failed side")
	}
	if report == nil || report.Enqueued != 1 || len(report.Errors) != 1 {
		t.Fatalf("report = %+v, want the external side enqueued and one error", report)
	}
	if _, ok := f.integrations.fullSynced[integrationID]; ok {
		t.Error("partial full sync must not be recorded as complete")
	}
}

func TestFullSync_Errors(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	if _, err := f.o.FullSync(context.Background(), "missing"); !errors.Is(err, ErrIntegrationNotFound) {
		t.Errorf("unknown integration error = %v", err)
	}
	f.integrations.integrations[integrationID].Enabled = false
	if _, err := f.o.FullSync(context.Background(), integrationID); !errors.Is(err, ErrIntegrationDisabled) {
		t.Errorf("disabled integration error = %v", err)
	}
}

func TestRun_ProcessesUntilCanceled(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	f.external.put(f.event("ext-A", "Standup"))
	f.queue.Enqueue(queue.Job{IntegrationID: integrationID, Side: queue.SideExternal, EventID: "ext-A", ChangeType: queue.ChangeCreated})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.o.Run(ctx, 2)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for f.internal.len() == 0 {
		select {
		case <-deadline:
			t.Fatal("job was not processed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-deadline:
		t.Fatal("Run did not return after cancel")
	}
}

func TestDrain_HandlesEligibleJobs(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	f.external.put(f.event("ext-A", "Standup"))
	f.external.put(f.event("ext-B", "Retro"))
	for _, id := range []string{"ext-A", "ext-B"} {
		f.queue.Enqueue(queue.Job{IntegrationID: integrationID, Side: queue.SideExternal, EventID: id, ChangeType: queue.ChangeCreated})
	}

	handled, err := f.o.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if handled != 2 {
		t.Errorf("handled = %d, want 2", handled)
	}
	if f.internal.len() != 2 {
		t.Errorf("internal events = %d, want 2", f.internal.len())
	}

	// A retry waits for its backoff and is left in the queue.
	f.external.failWith = &calendar.ProviderError{Kind: calendar.ErrProviderUnavailable, Status: 503}
	f.queue.Enqueue(queue.Job{IntegrationID: integrationID, Side: queue.SideExternal, EventID: "ext-C", ChangeType: queue.ChangeCreated})
	if handled, _ := f.o.Drain(context.Background()); handled != 1 {
		t.Errorf("handled = %d, want 1", handled)
	}
	if st := f.queue.Stats(); st.Delayed != 1 {
		t.Errorf("stats = %+v, want one delayed retry", st)
	}
}

func TestHandle_MappedPairIsSyncedByOneWorkerAtATime(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	ctx := context.Background()
	m := f.synced(t, "ext-A", "Standup")
	ext := f.external.get("ext-A")
	ext.Title = "Standup (moved)"
	f.external.put(ext)
	internalWrites := f.internal.writes

	// Both sides report the same pair under different queue keys.
	for _, job := range []queue.Job{
		{IntegrationID: integrationID, Side: queue.SideExternal, EventID: "ext-A", ChangeType: queue.ChangeUpdated, Priority: queue.PriorityMedium},
		{IntegrationID: integrationID, Side: queue.SideInternal, EventID: m.InternalEventID, ChangeType: queue.ChangeUpdated, Priority: queue.PriorityMedium},
	} {
		f.queue.Enqueue(job)
	}

	entered, release := f.external.pauseNext()
	first, err := f.queue.TryDequeue(ctx)
	if err != nil || first == nil {
		t.Fatalf("TryDequeue() = %v, %v", first, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.o.handle(ctx, first)
	}()
	<-entered

	second, err := f.queue.TryDequeue(ctx)
	if err != nil || second == nil {
		t.Fatalf("second job was not leased by the queue: %v, %v", second, err)
	}
	f.o.handle(ctx, second)
	if st := f.queue.Stats(); st.Delayed != 1 || st.DeadLettered != 0 {
		t.Errorf("stats while the mapping is held = %+v, want the second job deferred", st)
	}

	close(release)
	<-done

	f.clock.Advance(time.Second)
	if n, err := f.o.Drain(ctx); err != nil || n != 1 {
		t.Fatalf("Drain() = %d, %v, want the deferred job handled", n, err)
	}
	if got := f.internal.get(m.InternalEventID).Title; got != "Standup (moved)" {
		t.Errorf("internal title = %q, want the external edit", got)
	}
	if f.internal.writes != internalWrites+1 || f.external.writes != 0 {
		t.Errorf("writes internal=%d external=%d, want one internal write", f.internal.writes-internalWrites, f.external.writes)
	}
	if st := f.queue.Stats(); st.Leased != 0 || st.Pending != 0 || st.Delayed != 0 {
		t.Errorf("stats = %+v, want an empty queue", st)
	}
}

func TestProcess_CounterpartNotificationFindsItsMapping(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	ctx := context.Background()
	f.internal.put(f.event("evt-A", "Planning"))

	entered, release := f.external.pauseNext()
	first := leaseOne(t, f, queue.SideInternal, "evt-A")
	doneFirst := make(chan struct{})
	go func() {
		defer close(doneFirst)
		f.o.handle(ctx, first)
	}()
	// The external copy exists but is not bound to the mapping yet.
	<-entered

	echo := leaseOne(t, f, queue.SideExternal, "ext-1")
	doneEcho := make(chan struct{})
	go func() {
		defer close(doneEcho)
		f.o.handle(ctx, echo)
	}()
	time.Sleep(20 * time.Millisecond)

	close(release)
	<-doneFirst
	<-doneEcho

	f.clock.Advance(time.Second)
	if _, err := f.o.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if f.internal.len() != 1 || f.external.len() != 1 {
		t.Errorf("events internal=%d external=%d, want one of each", f.internal.len(), f.external.len())
	}
	all, _ := f.mappings.ListByIntegration(ctx, integrationID)
	if len(all) != 1 || all[0].InternalEventID != "evt-A" || all[0].ExternalEventID != "ext-1" {
		t.Errorf("mappings = %+v, want a single evt-A/ext-1 pair", all)
	}
}

func TestProcess_StoredStrategyAppliesWithoutReload(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	// Stored after the strategy table was built, as for an integration created at runtime.
	f.integrations.integrations[integrationID].ConflictStrategy = string(conflict.StrategyExternalWins)
	m := f.synced(t, "ext-A", "Standup")

	ext := f.external.get("ext-A")
	ext.Title = "From provider"
	f.external.put(ext)
	internal := f.internal.get(m.InternalEventID)
	internal.Title = "From app"
	f.internal.put(internal)

	if got := f.process(t, queue.SideExternal, "ext-A"); got != conflict.Applied {
		t.Fatalf("outcome = %s, want applied", got)
	}
	if title := f.internal.get(m.InternalEventID).Title; title != "From provider" {
		t.Errorf("internal title = %q, want From provider", title)
	}
	if pending, _ := f.o.ListPendingConflicts(context.Background(), integrationID); len(pending) != 0 {
		t.Errorf("pending conflicts = %d, want 0", len(pending))
	}
}

func TestHandle_RepeatedFailureKeepsOneConflict(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	f.external.failWith = &calendar.ProviderError{Kind: calendar.ErrUnauthorized, Status: 401}

	f.o.handle(context.Background(), leaseOne(t, f, queue.SideExternal, "ext-9"))
	f.o.HandleDeadLetter(queue.Job{IntegrationID: integrationID, Side: queue.SideExternal, EventID: "ext-9"}, errors.New("still failing"))

	if pending, _ := f.o.ListPendingConflicts(context.Background(), integrationID); len(pending) != 1 {
		t.Errorf("pending conflicts = %d, want 1", len(pending))
	}
	if kinds := f.notes.kinds(); len(kinds) != 2 {
		t.Errorf("notifications = %v, want one sync.failed per job", kinds)
	}
}

func TestResolveConflict_BusyMapping(t *testing.T) {
	f := newFixture(t, models.DirectionBidirectional)
	m := f.synced(t, "ext-A", "Standup")

	f.o.leases.acquire(m.ID)
	defer f.o.leases.release(m.ID)
	if _, err := f.o.ResolveConflict(context.Background(), m.ID, conflict.ManualDecision{Choice: conflict.ChoiceExternal}); !errors.Is(err, ErrMappingBusy) {
		t.Errorf("ResolveConflict() error = %v, want ErrMappingBusy", err)
	}
}
