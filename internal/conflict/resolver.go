// Package conflict decides how a pair of event versions is reconciled against
// their last synced baseline.
package conflict

import (
	"github.com/calendar-sync-engine/backend/internal/event"
)

// Outcome is the result class of a resolution.
type Outcome string

const (
	NoOp            Outcome = "noop"
	Applied         Outcome = "applied"
	ConflictFlagged Outcome = "conflict-flagged"
)

// Direction tells the caller which side must be written.
type Direction string

const (
	DirectionNone       Direction = ""
	DirectionToInternal Direction = "to-internal"
	DirectionToExternal Direction = "to-external"
	DirectionBoth       Direction = "both"
)

// Snapshot is the current state of one side. A nil Event means the side is deleted.
type Snapshot struct {
	Event *event.Event
	Hash  string
}

// Deleted reports whether the side no longer has the event.
func (s Snapshot) Deleted() bool {
	return s.Event == nil
}

// Baseline is what both sides looked like after the last successful sync.
type Baseline struct {
	InternalHash string
	ExternalHash string
	// Event is the last synced content. Required for field merging.
	Event *event.Event
	// Pending marks a mapping with an unresolved conflict.
	Pending bool
}

// Input is everything Resolve looks at.
type Input struct {
	Baseline Baseline
	External Snapshot
	Internal Snapshot
	Strategy Strategy
	// Fields restricts field merging to these fields. Defaults to event.Fields.
	Fields []string
}

// Decision is the action the orchestrator carries out.
type Decision struct {
	Outcome   Outcome
	Direction Direction
	// Strategy is set when an automatic or manual strategy produced the decision.
	Strategy Strategy
	// Result is the content to write in Direction. Nil with Applied means delete.
	Result *event.Event
	// ConflictingFields lists the fields changed differently on both sides.
	ConflictingFields []string
	// Held is set when nothing was decided because the mapping awaits an operator.
	Held bool
}

// Resolve compares both sides against the baseline. It has no side effects.
func Resolve(in Input) Decision {
	if in.Baseline.Pending {
		return Decision{Outcome: NoOp, Held: true}
	}

	externalChanged := in.External.Hash != in.Baseline.ExternalHash
	internalChanged := in.Internal.Hash != in.Baseline.InternalHash

	switch {
	case !externalChanged && !internalChanged:
		return Decision{Outcome: NoOp}
	case externalChanged && !internalChanged:
		return applyTo(DirectionToInternal, in.External.Event, "")
	case internalChanged && !externalChanged:
		return applyTo(DirectionToExternal, in.Internal.Event, "")
	}

	// Both edited to the same content: nothing left to reconcile.
	if in.External.Hash == in.Internal.Hash {
		return Decision{Outcome: NoOp}
	}

	switch in.Strategy {
	case StrategyExternalWins:
		return applyTo(DirectionToInternal, in.External.Event, StrategyExternalWins)
	case StrategyInternalWins:
		return applyTo(DirectionToExternal, in.Internal.Event, StrategyInternalWins)
	case StrategyMostRecentWins:
		return mostRecent(in)
	case StrategyFieldMerge:
		return merge(in)
	}
	return flagged(in, nil)
}

func applyTo(direction Direction, winner *event.Event, strategy Strategy) Decision {
	return Decision{
		Outcome:   Applied,
		Direction: direction,
		Strategy:  strategy,
		Result:    winner.Clone(),
	}
}

func flagged(in Input, fields []string) Decision {
	if fields == nil {
		fields = differingFields(in)
	}
	return Decision{Outcome: ConflictFlagged, ConflictingFields: fields}
}

// mostRecent needs provider timestamps on both sides. Deletions carry none, and equal
// timestamps give no winner; both stay flagged.
func mostRecent(in Input) Decision {
	ext, internal := in.External.Event, in.Internal.Event
	if ext == nil || internal == nil || ext.LastModified.IsZero() || internal.LastModified.IsZero() {
		return flagged(in, nil)
	}
	switch {
	case ext.LastModified.After(internal.LastModified):
		return applyTo(DirectionToInternal, ext, StrategyMostRecentWins)
	case internal.LastModified.After(ext.LastModified):
		return applyTo(DirectionToExternal, internal, StrategyMostRecentWins)
	}
	return flagged(in, nil)
}

// differingFields lists the fields on which both current sides disagree.
func differingFields(in Input) []string {
	ext, internal := in.External.Event, in.Internal.Event
	if ext == nil || internal == nil {
		return fieldsOf(in)
	}
	var out []string
	for _, f := range fieldsOf(in) {
		if !event.FieldEqual(f, ext, internal) {
			out = append(out, f)
		}
	}
	return out
}

func fieldsOf(in Input) []string {
	if len(in.Fields) > 0 {
		return in.Fields
	}
	return event.Fields
}
