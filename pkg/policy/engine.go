package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Engine evaluates rules against subjects. It holds no rule state; callers
// pass the rule snapshot of their pass.
type Engine struct {
	logger zerolog.Logger
	clock  engine.Clock
}

// NewEngine creates a new policy engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "policy-engine").Logger(),
		clock:  engine.SystemClock,
	}
}

// WithClock sets the clock used to stamp violations.
func (e *Engine) WithClock(c engine.Clock) *Engine {
	e.clock = c
	return e
}

// Evaluate runs every enabled, targeted rule against one subject. A failing
// rule yields a PolicyEvaluationError and never stops the others. The
// result does not depend on the order of rules.
func (e *Engine) Evaluate(ctx context.Context, subject Subject, rules []Rule) ([]engine.PolicyViolation, []*engine.PolicyEvaluationError) {
	ordered := make([]*Rule, 0, len(rules))
	for i := range rules {
		ordered = append(ordered, &rules[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	id := subject.Resource.Identity
	now := e.clock.Now()

	var violations []engine.PolicyViolation
	var failures []*engine.PolicyEvaluationError

	for _, rule := range ordered {
		if !rule.Enabled || !rule.Targets.Matches(id) {
			continue
		}
		if err := ctx.Err(); err != nil {
			failures = append(failures, &engine.PolicyEvaluationError{RuleID: rule.ID, Identity: id, Err: err})
			continue
		}

		fired, err := e.evaluateRule(ctx, rule, subject)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("rule", rule.ID).
				Str("resource", id.String()).
				Msg("Policy evaluation failed")
			failures = append(failures, &engine.PolicyEvaluationError{RuleID: rule.ID, Identity: id, Err: err})
			continue
		}
		if !fired {
			continue
		}

		violations = append(violations, e.newViolation(rule, subject, now))
	}

	SortViolations(violations)
	return violations, failures
}

// EvaluateAll evaluates every subject and returns the combined, sorted result.
func (e *Engine) EvaluateAll(ctx context.Context, subjects []Subject, rules []Rule) ([]engine.PolicyViolation, []*engine.PolicyEvaluationError) {
	start := time.Now()

	var violations []engine.PolicyViolation
	var failures []*engine.PolicyEvaluationError
	for i := range subjects {
		v, f := e.Evaluate(ctx, subjects[i], rules)
		violations = append(violations, v...)
		failures = append(failures, f...)
	}

	SortViolations(violations)
	sort.SliceStable(failures, func(i, j int) bool {
		if failures[i].Identity != failures[j].Identity {
			return failures[i].Identity.Less(failures[j].Identity)
		}
		return failures[i].RuleID < failures[j].RuleID
	})

	e.logger.Debug().
		Int("subjects", len(subjects)).
		Int("rules", len(rules)).
		Int("violations", len(violations)).
		Int("errors", len(failures)).
		Dur("duration", time.Since(start)).
		Msg("Policy evaluation completed")

	return violations, failures
}

// evaluateRule runs one predicate, turning panics into errors.
func (e *Engine) evaluateRule(ctx context.Context, rule *Rule, subject Subject) (fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			fired = false
			err = fmt.Errorf("predicate panicked: %v", r)
		}
	}()

	if rule.Predicate == nil {
		return false, fmt.Errorf("malformed rule: no predicate")
	}
	return rule.Predicate.Evaluate(ctx, subject)
}

func (e *Engine) newViolation(rule *Rule, subject Subject, now time.Time) engine.PolicyViolation {
	v := engine.PolicyViolation{
		ID:             uuid.NewString(),
		RuleID:         rule.ID,
		Identity:       subject.Resource.Identity,
		Severity:       rule.Severity,
		Message:        rule.message(subject.Resource.Identity),
		AutoRemediable: rule.AutoRemediable && rule.Remediation != nil,
		ObservedHash:   subject.Resource.Hash,
		DetectedAt:     now,
	}
	if rule.Remediation != nil {
		tmpl := *rule.Remediation
		if tmpl.Parameters != nil {
			params := make(map[string]any, len(tmpl.Parameters))
			for k, val := range tmpl.Parameters {
				params[k] = val
			}
			tmpl.Parameters = params
		}
		v.Remediation = &tmpl
	}
	return v
}

// SortViolations orders violations by severity (descending), identity, then
// rule id.
func SortViolations(vs []engine.PolicyViolation) {
	sort.SliceStable(vs, func(i, j int) bool {
		a, b := vs[i], vs[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Identity != b.Identity {
			return a.Identity.Less(b.Identity)
		}
		return a.RuleID < b.RuleID
	})
}
