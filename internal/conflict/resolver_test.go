package conflict

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/calendar-sync-engine/backend/internal/event"
)

var hasher = event.NewHasher(true)

func baseEvent() *event.Event {
	return &event.Event{
		Title:    "Venue Walkthrough",
		Start:    time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC),
		Location: "Main Hall",
	}
}

func snap(ev *event.Event) Snapshot {
	return Snapshot{Event: ev, Hash: hasher.Hash(ev)}
}

func baselineOf(ev *event.Event) Baseline {
	h := hasher.Hash(ev)
	return Baseline{InternalHash: h, ExternalHash: h, Event: ev}
}

func moved(ev *event.Event, d time.Duration) *event.Event {
	c := ev.Clone()
	c.Start = c.Start.Add(d)
	c.End = c.End.Add(d)
	return c
}

func retitled(ev *event.Event, title string) *event.Event {
	c := ev.Clone()
	c.Title = title
	return c
}

func TestNoChangeIsNoOp(t *testing.T) {
	base := baseEvent()
	d := Resolve(Input{Baseline: baselineOf(base), External: snap(base.Clone()), Internal: snap(base.Clone())})
	if d.Outcome != NoOp {
		t.Fatalf("expected NoOp, got %s", d.Outcome)
	}
}

func TestSingleSidedEditIsApplied(t *testing.T) {
	base := baseEvent()
	edited := moved(base, 30*time.Minute)

	tests := []struct {
		name      string
		external  *event.Event
		internal  *event.Event
		direction Direction
		result    *event.Event
	}{
		{"external edit", edited, base, DirectionToInternal, edited},
		{"internal edit", base, edited, DirectionToExternal, edited},
		{"external delete", nil, base, DirectionToInternal, nil},
		{"internal delete", base, nil, DirectionToExternal, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Resolve(Input{Baseline: baselineOf(base), External: snap(tt.external), Internal: snap(tt.internal)})
			if d.Outcome != Applied {
				t.Fatalf("expected Applied, got %s", d.Outcome)
			}
			if d.Direction != tt.direction {
				t.Fatalf("expected direction %s, got %s", tt.direction, d.Direction)
			}
			if hasher.Hash(d.Result) != hasher.Hash(tt.result) {
				t.Fatal("unexpected result content")
			}
		})
	}
}

func TestIndependentEditsAreFlagged(t *testing.T) {
	base := baseEvent()
	pairs := []struct {
		name     string
		external *event.Event
		internal *event.Event
	}{
		{"time vs title", moved(base, time.Hour), retitled(base, "Final Walkthrough")},
		{"title vs title", retitled(base, "A"), retitled(base, "B")},
		{"delete vs edit", nil, retitled(base, "B")},
		{"edit vs delete", retitled(base, "A"), nil},
	}

	for _, p := range pairs {
		t.Run(p.name, func(t *testing.T) {
			forward := Resolve(Input{Baseline: baselineOf(base), External: snap(p.external), Internal: snap(p.internal)})
			reverse := Resolve(Input{Baseline: baselineOf(base), External: snap(p.internal), Internal: snap(p.external)})
			if forward.Outcome != ConflictFlagged || reverse.Outcome != ConflictFlagged {
				t.Fatalf("expected both orderings flagged, got %s and %s", forward.Outcome, reverse.Outcome)
			}
		})
	}
}

func TestConvergentEditsAreNoOp(t *testing.T) {
	base := baseEvent()
	d := Resolve(Input{
		Baseline: baselineOf(base),
		External: snap(retitled(base, "Same")),
		Internal: snap(retitled(base, "Same")),
	})
	if d.Outcome != NoOp {
		t.Fatalf("expected NoOp for identical edits, got %s", d.Outcome)
	}

	both := Resolve(Input{Baseline: baselineOf(base), External: snap(nil), Internal: snap(nil)})
	if both.Outcome != NoOp {
		t.Fatalf("expected NoOp when both sides deleted, got %s", both.Outcome)
	}
}

func TestPendingMappingIsHeld(t *testing.T) {
	base := baseEvent()
	b := baselineOf(base)
	b.Pending = true
	d := Resolve(Input{Baseline: b, External: snap(retitled(base, "X")), Internal: snap(base), Strategy: StrategyExternalWins})
	if d.Outcome != NoOp || !d.Held {
		t.Fatalf("expected held NoOp, got %+v", d)
	}
}

func TestWinnerStrategies(t *testing.T) {
	base := baseEvent()
	ext := retitled(base, "External")
	internal := retitled(base, "Internal")

	d := Resolve(Input{Baseline: baselineOf(base), External: snap(ext), Internal: snap(internal), Strategy: StrategyExternalWins})
	if d.Outcome != Applied || d.Direction != DirectionToInternal || d.Result.Title != "External" {
		t.Fatalf("external-wins: unexpected decision %+v", d)
	}
	if d.Strategy != StrategyExternalWins {
		t.Fatalf("expected strategy recorded, got %q", d.Strategy)
	}

	d = Resolve(Input{Baseline: baselineOf(base), External: snap(ext), Internal: snap(internal), Strategy: StrategyInternalWins})
	if d.Outcome != Applied || d.Direction != DirectionToExternal || d.Result.Title != "Internal" {
		t.Fatalf("internal-wins: unexpected decision %+v", d)
	}

	d = Resolve(Input{Baseline: baselineOf(base), External: snap(nil), Internal: snap(internal), Strategy: StrategyExternalWins})
	if d.Outcome != Applied || d.Direction != DirectionToInternal || d.Result != nil {
		t.Fatalf("external-wins deletion: unexpected decision %+v", d)
	}
}

func TestMostRecentlyModifiedWins(t *testing.T) {
	base := baseEvent()
	ext := retitled(base, "External")
	internal := retitled(base, "Internal")
	ext.LastModified = time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	internal.LastModified = time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

	in := Input{Baseline: baselineOf(base), External: snap(ext), Internal: snap(internal), Strategy: StrategyMostRecentWins}
	if d := Resolve(in); d.Outcome != Applied || d.Direction != DirectionToInternal {
		t.Fatalf("expected external to win, got %+v", d)
	}

	internal.LastModified = ext.LastModified.Add(time.Second)
	if d := Resolve(in); d.Outcome != Applied || d.Direction != DirectionToExternal {
		t.Fatalf("expected internal to win, got %+v", d)
	}

	internal.LastModified = ext.LastModified
	if d := Resolve(in); d.Outcome != ConflictFlagged {
		t.Fatalf("expected equal timestamps to stay flagged, got %+v", d)
	}

	in.External = snap(nil)
	if d := Resolve(in); d.Outcome != ConflictFlagged {
		t.Fatalf("expected deletion without timestamp to stay flagged, got %+v", d)
	}
}

func TestFieldMergeUnionsDisjointChanges(t *testing.T) {
	base := baseEvent()
	ext := moved(base, 30*time.Minute)
	internal := retitled(base, "Final Walkthrough")
	internal.Description = "bring floor plan"

	d := Resolve(Input{Baseline: baselineOf(base), External: snap(ext), Internal: snap(internal), Strategy: StrategyFieldMerge})
	if d.Outcome != Applied || d.Direction != DirectionBoth {
		t.Fatalf("expected merged Applied to both, got %+v", d)
	}
	if d.Result.Title != "Final Walkthrough" || !d.Result.Start.Equal(ext.Start) || !d.Result.End.Equal(ext.End) {
		t.Fatalf("unexpected merged event %+v", d.Result)
	}
	// Description is not a merge field; the merge starts from the external side.
	if d.Result.Description != ext.Description {
		t.Fatalf("expected the external description, got %q", d.Result.Description)
	}
}

func TestFieldMergeFlagsOverlappingFields(t *testing.T) {
	base := baseEvent()
	ext := retitled(moved(base, time.Hour), "External Title")
	internal := retitled(base, "Internal Title")
	internal.Location = "Garden"

	d := Resolve(Input{Baseline: baselineOf(base), External: snap(ext), Internal: snap(internal), Strategy: StrategyFieldMerge})
	if d.Outcome != ConflictFlagged {
		t.Fatalf("expected flagged, got %s", d.Outcome)
	}
	if !reflect.DeepEqual(d.ConflictingFields, []string{event.FieldTitle}) {
		t.Fatalf("expected only title conflicting, got %v", d.ConflictingFields)
	}
	if d.Result == nil || d.Result.Location != "Garden" || !d.Result.Start.Equal(ext.Start) {
		t.Fatalf("expected partial merge to be exposed, got %+v", d.Result)
	}
}

func TestFieldMergeWithoutBaselineIsFlagged(t *testing.T) {
	base := baseEvent()
	b := baselineOf(base)
	b.Event = nil
	d := Resolve(Input{Baseline: b, External: snap(retitled(base, "A")), Internal: snap(moved(base, time.Hour)), Strategy: StrategyFieldMerge})
	if d.Outcome != ConflictFlagged {
		t.Fatalf("expected flagged, got %s", d.Outcome)
	}
}

func TestResolveManual(t *testing.T) {
	base := baseEvent()
	ext := snap(moved(base, time.Hour))
	internal := snap(retitled(base, "Internal"))

	d, err := ResolveManual(ext, internal, ManualDecision{Choice: ChoiceInternal})
	if err != nil || d.Direction != DirectionToExternal || d.Result.Title != "Internal" || d.Strategy != StrategyManual {
		t.Fatalf("internal choice: %+v, %v", d, err)
	}

	d, err = ResolveManual(ext, internal, ManualDecision{Choice: ChoiceMerged, Fields: map[string]Side{event.FieldTitle: SideInternal}})
	if err != nil {
		t.Fatalf("merged choice failed: %v", err)
	}
	if d.Direction != DirectionBoth || d.Result.Title != "Internal" || !d.Result.Start.Equal(ext.Event.Start) {
		t.Fatalf("unexpected merged result %+v", d.Result)
	}

	if _, err := ResolveManual(ext, internal, ManualDecision{Choice: ChoiceMerged, Fields: map[string]Side{"color": SideInternal}}); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision for unknown field, got %v", err)
	}
	if _, err := ResolveManual(snap(nil), internal, ManualDecision{Choice: ChoiceMerged}); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision for merge with deleted side, got %v", err)
	}
	if _, err := ResolveManual(ext, internal, ManualDecision{Choice: "both"}); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision for unknown choice, got %v", err)
	}
}

func TestStrategyTable(t *testing.T) {
	table := NewStrategyTable(map[string]Strategy{"int-1": StrategyExternalWins})
	if got := table.Lookup("int-1"); got != StrategyExternalWins {
		t.Fatalf("expected external-wins, got %s", got)
	}
	if got := table.Lookup("unknown"); got != StrategyManual {
		t.Fatalf("expected manual default, got %s", got)
	}

	next := table.With("int-2", StrategyFieldMerge)
	if table.Lookup("int-2") != StrategyManual {
		t.Fatal("With must not mutate the original table")
	}
	if next.Lookup("int-2") != StrategyFieldMerge || next.Lookup("int-1") != StrategyExternalWins {
		t.Fatal("expected copied and added entries")
	}

	if _, err := ParseStrategy("coin-flip"); err == nil {
		t.Fatal("expected unknown strategy to be rejected")
	}
	if s, err := ParseStrategy(""); err != nil || s != StrategyManual {
		t.Fatalf("expected empty to parse as manual, got %s, %v", s, err)
	}
}
