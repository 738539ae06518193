package policy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

func testEngine() *Engine {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return NewEngine(logger).WithClock(engine.ClockFunc(func() time.Time { return now }))
}

func bucket(name string, attrs map[string]any) engine.ObservedResource {
	r := engine.ObservedResource{
		Identity:   engine.ResourceIdentity{Provider: "aws", Account: "123456789012", Region: "us-east-1", ResourceType: "s3.bucket", NativeID: name},
		Attributes: attrs,
	}
	r.EnsureHash()
	return r
}

func builtins(t *testing.T) []Rule {
	t.Helper()
	rules, err := BuiltinRules(DefaultBuiltinOptions())
	if err != nil {
		t.Fatalf("Failed to build built-in rules: %v", err)
	}
	return rules
}

func TestBuiltinRules_Valid(t *testing.T) {
	rules := builtins(t)

	expected := []string{RuleNoPublicS3, RuleRequiredTags, RuleCostAnomalyCritical, RuleUnmanagedResource, RuleDeletedOutside}
	if len(rules) != len(expected) {
		t.Fatalf("Expected %d built-in rules, got %d", len(expected), len(rules))
	}
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			t.Errorf("Built-in rule %s is invalid: %v", rules[i].ID, err)
		}
		if rules[i].ID != expected[i] {
			t.Errorf("Expected rule %s at %d, got %s", expected[i], i, rules[i].ID)
		}
	}
}

func TestEvaluate_NoPublicS3(t *testing.T) {
	eng := testEngine()
	rules := builtins(t)

	res := bucket("logs", map[string]any{"public": true, "tags": map[string]any{"owner": "data"}})
	violations, failures := eng.Evaluate(context.Background(), Subject{Resource: res}, rules)

	if len(failures) != 0 {
		t.Fatalf("Expected no evaluation errors, got %v", failures)
	}
	if len(violations) != 1 {
		t.Fatalf("Expected 1 violation, got %d: %+v", len(violations), violations)
	}

	v := violations[0]
	if v.RuleID != RuleNoPublicS3 {
		t.Errorf("Expected rule %s, got %s", RuleNoPublicS3, v.RuleID)
	}
	if v.Severity != engine.SeverityCritical {
		t.Errorf("Expected critical severity, got %s", v.Severity)
	}
	if !v.AutoRemediable || v.Remediation == nil {
		t.Fatal("Expected violation to be auto-remediable with a template")
	}
	if v.Remediation.Kind != engine.ActionConfigure || v.Remediation.Parameters["public"] != false {
		t.Errorf("Unexpected remediation template: %+v", v.Remediation)
	}
	if v.ObservedHash != res.Hash {
		t.Errorf("Expected observed hash %s, got %s", res.Hash, v.ObservedHash)
	}

	// the remediated bucket no longer violates
	fixed := bucket("logs", map[string]any{"public": false, "tags": map[string]any{"owner": "data"}})
	violations, _ = eng.Evaluate(context.Background(), Subject{Resource: fixed}, rules)
	if len(violations) != 0 {
		t.Errorf("Expected no violations after remediation, got %+v", violations)
	}
}

func TestEvaluate_RemediationTemplateIsCopied(t *testing.T) {
	eng := testEngine()
	rules := builtins(t)

	res := bucket("logs", map[string]any{"public": true, "tags": map[string]any{"owner": "data"}})
	violations, _ := eng.Evaluate(context.Background(), Subject{Resource: res}, rules)
	violations[0].Remediation.Parameters["public"] = "mutated"

	again, _ := eng.Evaluate(context.Background(), Subject{Resource: res}, rules)
	if again[0].Remediation.Parameters["public"] != false {
		t.Error("Mutating a violation leaked into the rule template")
	}
}

func TestEvaluate_RuleOrderIndependent(t *testing.T) {
	eng := testEngine()
	rules := builtins(t)

	reversed := make([]Rule, len(rules))
	for i := range rules {
		reversed[len(rules)-1-i] = rules[i]
	}

	subject := Subject{Resource: bucket("open", map[string]any{"public": true})}
	a, _ := eng.Evaluate(context.Background(), subject, rules)
	b, _ := eng.Evaluate(context.Background(), subject, reversed)

	if len(a) != 2 || len(a) != len(b) {
		t.Fatalf("Expected 2 violations in both orders, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].RuleID != b[i].RuleID || a[i].Severity != b[i].Severity {
			t.Errorf("Result %d differs: %s/%s vs %s/%s", i, a[i].RuleID, a[i].Severity, b[i].RuleID, b[i].Severity)
		}
	}
	if a[0].RuleID != RuleNoPublicS3 || a[1].RuleID != RuleRequiredTags {
		t.Errorf("Expected critical before warning, got %s then %s", a[0].RuleID, a[1].RuleID)
	}
}

func TestEvaluate_FailingRulesAreIsolated(t *testing.T) {
	eng := testEngine()

	rules := []Rule{
		{ID: "a-panics", Severity: engine.SeverityWarning, Enabled: true, Predicate: PredicateFunc(func(context.Context, Subject) (bool, error) {
			panic("boom")
		})},
		{ID: "b-errors", Severity: engine.SeverityWarning, Enabled: true, Predicate: PredicateFunc(func(context.Context, Subject) (bool, error) {
			return false, errors.New("bad input")
		})},
		{ID: "c-no-predicate", Severity: engine.SeverityWarning, Enabled: true},
		{ID: "d-fires", Severity: engine.SeverityInfo, Enabled: true, Predicate: AttributeEquals("public", true)},
	}

	violations, failures := eng.Evaluate(context.Background(), Subject{Resource: bucket("x", map[string]any{"public": true})}, rules)

	if len(violations) != 1 || violations[0].RuleID != "d-fires" {
		t.Fatalf("Expected only d-fires to produce a violation, got %+v", violations)
	}
	if len(failures) != 3 {
		t.Fatalf("Expected 3 evaluation errors, got %d", len(failures))
	}

	var pe *engine.PolicyEvaluationError
	if !errors.As(failures[0], &pe) || pe.RuleID != "a-panics" {
		t.Errorf("Expected first failure for a-panics, got %v", failures[0])
	}
	if !strings.Contains(failures[0].Error(), "panicked") {
		t.Errorf("Expected panic to be reported, got %v", failures[0])
	}
}

func TestEvaluate_DisabledAndTargets(t *testing.T) {
	eng := testEngine()
	always := PredicateFunc(func(context.Context, Subject) (bool, error) { return true, nil })

	rules := []Rule{
		{ID: "disabled", Severity: engine.SeverityWarning, Enabled: false, Predicate: always},
		{ID: "gcp-only", Severity: engine.SeverityWarning, Enabled: true, Predicate: always, Targets: Targets{Providers: []string{"gcp"}}},
		{ID: "buckets", Severity: engine.SeverityWarning, Enabled: true, Predicate: always, Targets: Targets{ResourceTypes: []string{"s3.bucket"}}},
	}

	violations, _ := eng.Evaluate(context.Background(), Subject{Resource: bucket("x", nil)}, rules)
	if len(violations) != 1 || violations[0].RuleID != "buckets" {
		t.Errorf("Expected only the bucket rule to fire, got %+v", violations)
	}
}

func TestEvaluate_DriftRules(t *testing.T) {
	eng := testEngine()
	rules := builtins(t)

	id := engine.ResourceIdentity{Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2.instance", NativeID: "i-1"}
	deleted := Subject{
		Resource: engine.ObservedResource{Identity: id},
		Drift:    &engine.DriftEvent{Identity: id, Kind: engine.DriftKindDeleted},
	}

	violations, failures := eng.Evaluate(context.Background(), deleted, rules)
	if len(failures) != 0 {
		t.Fatalf("Expected no failures, got %v", failures)
	}
	if len(violations) != 1 || violations[0].RuleID != RuleDeletedOutside {
		t.Fatalf("Expected deleted-outside-process violation, got %+v", violations)
	}
	if violations[0].AutoRemediable {
		t.Error("Deleted resources must not be auto-remediated")
	}
}

func TestRegoPredicate_CostAnomaly(t *testing.T) {
	eng := testEngine()
	rules := builtins(t)

	res := bucket("logs", map[string]any{"tags": map[string]any{"owner": "data"}})
	subject := Subject{
		Resource: res,
		Anomalies: []engine.CostAnomaly{{
			Scope:          engine.CostScope{Provider: "aws", Account: "123456789012", ResourceID: "logs"},
			Observed:       900,
			DeviationScore: 12,
			Severity:       engine.SeverityCritical,
		}},
	}

	violations, failures := eng.Evaluate(context.Background(), subject, rules)
	if len(failures) != 0 {
		t.Fatalf("Expected no failures, got %v", failures)
	}
	if len(violations) != 1 || violations[0].RuleID != RuleCostAnomalyCritical {
		t.Fatalf("Expected cost-anomaly-critical violation, got %+v", violations)
	}

	subject.Anomalies[0].Severity = engine.SeverityWarning
	violations, _ = eng.Evaluate(context.Background(), subject, rules)
	if len(violations) != 0 {
		t.Errorf("Expected warning anomaly not to fire, got %+v", violations)
	}
}

func TestRegoPredicate_NonBoolean(t *testing.T) {
	module := `package test.nonbool

import rego.v1

violation := "yes"
`
	pred, err := NewRegoPredicate(context.Background(), "nonbool.rego", module)
	if err != nil {
		t.Fatalf("Failed to prepare module: %v", err)
	}
	if _, err := pred.Evaluate(context.Background(), Subject{Resource: bucket("x", nil)}); err == nil {
		t.Error("Expected an error for a non-boolean result")
	}
}

func TestRegoPredicate_ParseError(t *testing.T) {
	if _, err := NewRegoPredicate(context.Background(), "broken.rego", "package broken\nviolation if {"); err == nil {
		t.Error("Expected parse error")
	}
}

func TestStarlarkPredicate(t *testing.T) {
	tests := []struct {
		name    string
		pred    *StarlarkPredicate
		attrs   map[string]any
		want    bool
		wantErr bool
	}{
		{
			name:  "expression fires",
			pred:  NewStarlarkExpr("public", `resource["attributes"].get("public", False)`),
			attrs: map[string]any{"public": true},
			want:  true,
		},
		{
			name:  "expression does not fire",
			pred:  NewStarlarkExpr("public", `resource["attributes"].get("public", False)`),
			attrs: map[string]any{"public": false},
			want:  false,
		},
		{
			name:  "numeric comparison",
			pred:  NewStarlarkExpr("big", `resource["attributes"]["size"] > 100`),
			attrs: map[string]any{"size": 250},
			want:  true,
		},
		{
			name:    "program without violation",
			pred:    NewStarlarkPredicate("nothing", "x = 1\n"),
			wantErr: true,
		},
		{
			name:    "non-boolean violation",
			pred:    NewStarlarkPredicate("str", "violation = 'yes'\n"),
			wantErr: true,
		},
		{
			name: "step limit",
			pred: NewStarlarkPredicate("spin", `
def spin():
    n = 0
    for i in range(100000000):
        n += 1
    return n

violation = spin() > 0
`).WithLimits(1000, time.Second),
			wantErr: true,
		},
		{
			name:    "input is frozen",
			pred:    NewStarlarkPredicate("mutate", "resource[\"attributes\"][\"public\"] = True\nviolation = True\n"),
			attrs:   map[string]any{"public": false},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.pred.Evaluate(context.Background(), Subject{Resource: bucket("x", tt.attrs)})
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSortViolations(t *testing.T) {
	id := func(n string) engine.ResourceIdentity {
		return engine.ResourceIdentity{Provider: "aws", Account: "1", Region: "r", ResourceType: "t", NativeID: n}
	}
	vs := []engine.PolicyViolation{
		{RuleID: "z", Identity: id("b"), Severity: engine.SeverityInfo},
		{RuleID: "b", Identity: id("a"), Severity: engine.SeverityWarning},
		{RuleID: "a", Identity: id("a"), Severity: engine.SeverityWarning},
		{RuleID: "y", Identity: id("c"), Severity: engine.SeverityCritical},
	}

	SortViolations(vs)

	got := []string{vs[0].RuleID, vs[1].RuleID, vs[2].RuleID, vs[3].RuleID}
	want := []string{"y", "a", "b", "z"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, got)
		}
	}
}
