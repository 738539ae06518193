package policy

import (
	"context"
	"fmt"
	"slices"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Category groups rules for reporting.
type Category string

const (
	// CategorySecurity covers exposure and access rules.
	CategorySecurity Category = "security"

	// CategoryCompliance covers tagging rules.
	CategoryCompliance Category = "compliance"

	// CategoryCost covers spend rules.
	CategoryCost Category = "cost"

	// CategoryGovernance covers lifecycle and ownership rules.
	CategoryGovernance Category = "governance"

	// CategoryPerformance covers sizing rules.
	CategoryPerformance Category = "performance"

	// CategoryBackup covers snapshot and retention rules.
	CategoryBackup Category = "backup"
)

// Subject is everything a rule may look at for one resource.
type Subject struct {
	// Resource is the observed resource. For deleted resources only the
	// identity is set.
	Resource engine.ObservedResource `json:"resource"`

	// Drift is the resource's drift finding of the current pass, if any.
	Drift *engine.DriftEvent `json:"drift,omitempty"`

	// Anomalies are resource-level cost anomalies of the current pass.
	Anomalies []engine.CostAnomaly `json:"anomalies,omitempty"`
}

// Predicate decides whether a rule fires for a subject. Implementations must
// be pure: no I/O, no dependence on evaluation order.
type Predicate interface {
	Evaluate(ctx context.Context, subject Subject) (bool, error)
}

// PredicateFunc adapts a Go function to the Predicate interface.
type PredicateFunc func(ctx context.Context, subject Subject) (bool, error)

// Evaluate calls f.
func (f PredicateFunc) Evaluate(ctx context.Context, subject Subject) (bool, error) {
	return f(ctx, subject)
}

// Targets restricts a rule to providers and resource types. Empty lists
// match everything.
type Targets struct {
	Providers     []string `json:"providers,omitempty" yaml:"providers,omitempty"`
	ResourceTypes []string `json:"resource_types,omitempty" yaml:"resource_types,omitempty"`
}

// Matches reports whether the identity is targeted.
func (t Targets) Matches(id engine.ResourceIdentity) bool {
	if len(t.Providers) > 0 && !slices.Contains(t.Providers, id.Provider) {
		return false
	}
	if len(t.ResourceTypes) > 0 && !slices.Contains(t.ResourceTypes, id.ResourceType) {
		return false
	}
	return true
}

// Rule is a named predicate with a severity and an optional remediation.
type Rule struct {
	// ID is the unique rule identifier.
	ID string `json:"id"`

	// Name is a short human-readable name.
	Name string `json:"name,omitempty"`

	// Description explains what the rule checks.
	Description string `json:"description,omitempty"`

	// Category groups the rule.
	Category Category `json:"category,omitempty"`

	// Severity of the violations the rule raises.
	Severity engine.Severity `json:"severity"`

	// Enabled rules are evaluated; disabled ones are skipped.
	Enabled bool `json:"enabled"`

	// Targets restricts the rule to matching resources.
	Targets Targets `json:"targets,omitempty"`

	// AutoRemediable rules may be fixed without a human.
	AutoRemediable bool `json:"auto_remediable"`

	// Remediation is the action to apply when AutoRemediable is set.
	Remediation *engine.ActionTemplate `json:"remediation,omitempty"`

	// NotificationEnabled controls the violation_raised event.
	NotificationEnabled bool `json:"notification_enabled"`

	// Message is the violation message; the identity is appended.
	Message string `json:"message,omitempty"`

	// Predicate decides whether the rule fires.
	Predicate Predicate `json:"-"`

	// Source is the file the rule was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Validate checks the static shape of a rule.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Predicate == nil {
		return fmt.Errorf("rule %s has no predicate", r.ID)
	}
	if r.Severity == "" {
		return fmt.Errorf("rule %s has no severity", r.ID)
	}
	if err := r.Severity.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.AutoRemediable && r.Remediation == nil {
		return fmt.Errorf("rule %s is auto-remediable but has no remediation", r.ID)
	}
	if r.Remediation != nil {
		if err := r.Remediation.Kind.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// message renders the violation message for an identity.
func (r *Rule) message(id engine.ResourceIdentity) string {
	msg := r.Message
	if msg == "" {
		msg = r.Name
	}
	if msg == "" {
		msg = r.ID
	}
	return fmt.Sprintf("%s: %s", msg, id)
}
