package remediation

import (
	"context"
	"fmt"
	"sort"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// ManualReason says why a violation needs a human.
type ManualReason string

const (
	// ManualNotRemediable marks violations of rules without an automatic fix.
	ManualNotRemediable ManualReason = "not_auto_remediable"

	// ManualFlapping marks violations that keep coming back after being fixed.
	ManualFlapping ManualReason = "flapping"

	// ManualAutoRemediationDisabled marks fixable violations held back by
	// the kill-switch.
	ManualAutoRemediationDisabled ManualReason = "auto_remediation_disabled"
)

// ManualAction is a violation escalated to an operator.
type ManualAction struct {
	Violation   engine.PolicyViolation `json:"violation"`
	Reason      ManualReason           `json:"reason"`
	Recurrences int                    `json:"recurrences,omitempty"`
	Action      *engine.Action         `json:"action,omitempty"`
}

// Conflict is an action that lost to a more severe one on the same resource.
type Conflict struct {
	Action engine.Action `json:"action"`
	Winner string        `json:"winner"`
}

// Request is the input of Plan.
type Request struct {
	// PassID is the pass the plan belongs to.
	PassID string

	// Violations are the open violations of the pass.
	Violations []engine.PolicyViolation

	// Raised holds the IDs of violations first raised by this pass. Manual
	// notifications are only sent for them so an unresolved violation does
	// not page on every pass. A nil map treats every violation as new.
	Raised map[string]bool
}

func (r Request) isNew(id string) bool {
	return r.Raised == nil || r.Raised[id]
}

// Plan is the set of actions one pass will execute.
type Plan struct {
	PassID    string          `json:"pass_id"`
	Actions   []engine.Action `json:"actions"`
	Conflicts []Conflict      `json:"conflicts,omitempty"`
	Manual    []ManualAction  `json:"manual,omitempty"`
}

// Empty reports whether the plan does nothing.
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0 && len(p.Conflicts) == 0 && len(p.Manual) == 0
}

type candidate struct {
	violation engine.PolicyViolation
	action    engine.Action
}

// Plan turns violations into actions.
//
// Suppressed and resolved violations are ignored. Violations without an
// automatic fix become manual actions. When several rules want different
// actions on one resource the most severe violation wins, ties going to the
// lowest rule id; the others are returned as conflicts. An action that has
// already succeeded before is escalated one severity level per recurrence
// and handed to a human once it reaches the flap threshold.
//
// With the kill-switch engaged no action is planned and every new violation
// becomes a manual action.
func (o *Orchestrator) Plan(ctx context.Context, req Request, cfg Config) (*Plan, error) {
	plan := &Plan{PassID: req.PassID}
	if !cfg.AutoRemediationEnabled {
		o.logger.Info().Str("pass_id", req.PassID).Msg("Auto-remediation disabled, escalating violations to manual actions")
		if err := planManualOnly(plan, req); err != nil {
			return nil, err
		}
		sortManual(plan.Manual)
		return plan, nil
	}

	byIdentity := make(map[engine.ResourceIdentity][]candidate)
	for _, v := range req.Violations {
		if v.Suppressed || v.Resolved {
			continue
		}
		if !v.AutoRemediable || v.Remediation == nil {
			if req.isNew(v.ID) {
				plan.Manual = append(plan.Manual, ManualAction{Violation: v, Reason: ManualNotRemediable})
			}
			continue
		}

		action, err := engine.NewAction(v.Identity, v.Remediation.Kind, v.Remediation.Parameters)
		if err != nil {
			return nil, fmt.Errorf("failed to build action for violation %s: %w", v.ID, err)
		}
		action.ExpectedHash = v.ObservedHash
		action.RuleID = v.RuleID
		action.Severity = v.Severity
		byIdentity[v.Identity] = append(byIdentity[v.Identity], candidate{violation: v, action: action})
	}

	for _, cands := range byIdentity {
		sort.Slice(cands, func(i, j int) bool {
			a, b := cands[i].violation, cands[j].violation
			if a.Severity.Rank() != b.Severity.Rank() {
				return a.Severity.Rank() > b.Severity.Rank()
			}
			return a.RuleID < b.RuleID
		})
		winner := cands[0]

		for _, c := range cands[1:] {
			if c.action.IdempotencyKey == winner.action.IdempotencyKey {
				continue
			}
			plan.Conflicts = append(plan.Conflicts, Conflict{Action: c.action, Winner: winner.violation.RuleID})
		}

		recurrences, err := o.store.CountSucceeded(ctx, winner.action.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to count prior remediations: %w", err)
		}

		action := winner.action
		action.Severity = action.Severity.Escalate(recurrences)
		if recurrences >= cfg.FlapThreshold {
			o.logger.Warn().
				Str("resource", action.Identity.String()).
				Str("rule_id", action.RuleID).
				Int("recurrences", recurrences).
				Msg("Violation keeps recurring, escalating to manual action")
			if req.isNew(winner.violation.ID) {
				plan.Manual = append(plan.Manual, ManualAction{
					Violation:   winner.violation,
					Reason:      ManualFlapping,
					Recurrences: recurrences,
					Action:      &action,
				})
			}
			continue
		}
		plan.Actions = append(plan.Actions, action)
	}

	sortActions(plan.Actions)
	sort.Slice(plan.Conflicts, func(i, j int) bool {
		return lessAction(plan.Conflicts[i].Action, plan.Conflicts[j].Action)
	})
	sortManual(plan.Manual)
	return plan, nil
}

func planManualOnly(plan *Plan, req Request) error {
	for _, v := range req.Violations {
		if v.Suppressed || v.Resolved || !req.isNew(v.ID) {
			continue
		}
		if !v.AutoRemediable || v.Remediation == nil {
			plan.Manual = append(plan.Manual, ManualAction{Violation: v, Reason: ManualNotRemediable})
			continue
		}
		action, err := engine.NewAction(v.Identity, v.Remediation.Kind, v.Remediation.Parameters)
		if err != nil {
			return fmt.Errorf("failed to build action for violation %s: %w", v.ID, err)
		}
		action.ExpectedHash = v.ObservedHash
		action.RuleID = v.RuleID
		action.Severity = v.Severity
		plan.Manual = append(plan.Manual, ManualAction{Violation: v, Reason: ManualAutoRemediationDisabled, Action: &action})
	}
	return nil
}

func sortManual(manual []ManualAction) {
	sort.Slice(manual, func(i, j int) bool {
		a, b := manual[i].Violation, manual[j].Violation
		if a.Identity != b.Identity {
			return a.Identity.Less(b.Identity)
		}
		return a.RuleID < b.RuleID
	})
}

func sortActions(actions []engine.Action) {
	sort.Slice(actions, func(i, j int) bool { return lessAction(actions[i], actions[j]) })
}

// lessAction orders by severity descending, then identity and rule id.
func lessAction(a, b engine.Action) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	if a.Identity != b.Identity {
		return a.Identity.Less(b.Identity)
	}
	return a.RuleID < b.RuleID
}
