package conflict

import (
	"github.com/calendar-sync-engine/backend/internal/event"
)

// merge takes each field from whichever side changed it. A field changed on both
// sides to different values is a conflict and keeps the decision flagged.
func merge(in Input) Decision {
	base, ext, internal := in.Baseline.Event, in.External.Event, in.Internal.Event
	if base == nil || ext == nil || internal == nil {
		return flagged(in, nil)
	}

	merged := ext.Clone()
	var conflicting []string
	for _, f := range fieldsOf(in) {
		externalChanged := !event.FieldEqual(f, base, ext)
		internalChanged := !event.FieldEqual(f, base, internal)

		switch {
		case externalChanged && internalChanged:
			if !event.FieldEqual(f, ext, internal) {
				conflicting = append(conflicting, f)
			}
		case internalChanged:
			event.CopyField(f, merged, internal)
		}
	}

	if len(conflicting) > 0 {
		d := flagged(in, conflicting)
		d.Result = merged
		return d
	}
	return Decision{
		Outcome:   Applied,
		Direction: DirectionBoth,
		Strategy:  StrategyFieldMerge,
		Result:    merged,
	}
}
