package conflict

import (
	"errors"
	"fmt"

	"github.com/calendar-sync-engine/backend/internal/event"
)

// ErrInvalidDecision is returned for operator decisions that cannot be applied.
var ErrInvalidDecision = errors.New("invalid conflict decision")

// Side names one side of a mapping.
type Side string

const (
	SideExternal Side = "external"
	SideInternal Side = "internal"
)

// Choice is the kind of operator decision.
type Choice string

const (
	ChoiceExternal Choice = "external"
	ChoiceInternal Choice = "internal"
	ChoiceMerged   Choice = "merged"
)

// ManualDecision is an operator's resolution of a pending conflict.
type ManualDecision struct {
	Choice Choice `json:"choice" validate:"required,oneof=external internal merged"`
	// Fields picks the side per field for ChoiceMerged. Unlisted fields come from
	// the external side.
	Fields map[string]Side `json:"fields,omitempty"`
}

// ResolveManual turns an operator decision into a Decision. Merging requires both
// sides to exist.
func ResolveManual(external, internal Snapshot, d ManualDecision) (Decision, error) {
	switch d.Choice {
	case ChoiceExternal:
		return applyTo(DirectionToInternal, external.Event, StrategyManual), nil
	case ChoiceInternal:
		return applyTo(DirectionToExternal, internal.Event, StrategyManual), nil
	case ChoiceMerged:
	default:
		return Decision{}, fmt.Errorf("%w: unknown choice %q", ErrInvalidDecision, d.Choice)
	}

	if external.Deleted() || internal.Deleted() {
		return Decision{}, fmt.Errorf("%w: cannot merge with a deleted side", ErrInvalidDecision)
	}

	merged := external.Event.Clone()
	for field, side := range d.Fields {
		if !knownField(field) {
			return Decision{}, fmt.Errorf("%w: unknown field %q", ErrInvalidDecision, field)
		}
		switch side {
		case SideExternal:
		case SideInternal:
			event.CopyField(field, merged, internal.Event)
		default:
			return Decision{}, fmt.Errorf("%w: unknown side %q for field %s", ErrInvalidDecision, side, field)
		}
	}

	return Decision{
		Outcome:   Applied,
		Direction: DirectionBoth,
		Strategy:  StrategyManual,
		Result:    merged,
	}, nil
}

func knownField(name string) bool {
	for _, f := range event.Fields {
		if f == name {
			return true
		}
	}
	return false
}
