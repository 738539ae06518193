package policy

import (
	"fmt"
	"slices"
	"sort"
	"sync/atomic"
)

// RuleSet holds the active rules. Readers take a Snapshot at the start of a
// pass and keep it for the whole pass, so a reload never changes the rules
// of a pass in progress.
type RuleSet struct {
	rules atomic.Pointer[[]Rule]
}

// NewRuleSet creates a rule set holding rules.
func NewRuleSet(rules []Rule) *RuleSet {
	rs := &RuleSet{}
	rs.Replace(rules)
	return rs
}

// Snapshot returns the current rules. The slice must not be modified.
func (rs *RuleSet) Snapshot() []Rule {
	p := rs.rules.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Replace swaps in a new rule list.
func (rs *RuleSet) Replace(rules []Rule) {
	cp := slices.Clone(rules)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })
	rs.rules.Store(&cp)
}

// Compose merges built-in and loaded rules. Loaded rules replace built-ins
// with the same id; ids in disabled are kept but switched off.
func Compose(builtin, loaded []Rule, disabled []string) ([]Rule, error) {
	byID := make(map[string]Rule, len(builtin)+len(loaded))
	for _, r := range builtin {
		byID[r.ID] = r
	}
	for _, r := range loaded {
		byID[r.ID] = r
	}

	out := make([]Rule, 0, len(byID))
	for _, r := range byID {
		if slices.Contains(disabled, r.ID) {
			r.Enabled = false
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rule: %w", err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
