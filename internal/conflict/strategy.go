package conflict

import (
	"fmt"
)

// Strategy selects how a two-sided edit is resolved without operator input.
type Strategy string

const (
	StrategyManual         Strategy = "manual"
	StrategyExternalWins   Strategy = "external-wins"
	StrategyInternalWins   Strategy = "internal-wins"
	StrategyMostRecentWins Strategy = "most-recently-modified-wins"
	StrategyFieldMerge     Strategy = "field-merge"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{
	StrategyManual,
	StrategyExternalWins,
	StrategyInternalWins,
	StrategyMostRecentWins,
	StrategyFieldMerge,
}

// ParseStrategy validates a strategy name. The empty string means manual.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategyManual, nil
	}
	for _, known := range Strategies {
		if Strategy(s) == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// StrategyTable maps integration IDs to their configured strategy.
// It is immutable once built.
type StrategyTable struct {
	entries map[string]Strategy
}

// NewStrategyTable copies entries into a new table.
func NewStrategyTable(entries map[string]Strategy) StrategyTable {
	t := StrategyTable{entries: make(map[string]Strategy, len(entries))}
	for id, s := range entries {
		t.entries[id] = s
	}
	return t
}

// Get returns the configured strategy of an integration.
func (t StrategyTable) Get(integrationID string) (Strategy, bool) {
	s, ok := t.entries[integrationID]
	return s, ok && s != ""
}

// Lookup returns the strategy for an integration, manual when none is configured.
func (t StrategyTable) Lookup(integrationID string) Strategy {
	if s, ok := t.Get(integrationID); ok {
		return s
	}
	return StrategyManual
}

// With returns a copy of the table with one entry replaced.
func (t StrategyTable) With(integrationID string, s Strategy) StrategyTable {
	next := NewStrategyTable(t.entries)
	next.entries[integrationID] = s
	return next
}
