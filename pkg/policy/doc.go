// Package policy evaluates governance rules against observed cloud resources.
//
// A Rule pairs a Predicate with a severity and an optional remediation
// template. Predicates come in three forms:
//
//  1. PredicateFunc - Go closures, with helpers such as AttributeEquals,
//     AttributeMissing, DriftOnPath and AnomalyAbove
//  2. RegoPredicate - an Open Policy Agent module; the rule fires when
//     data.<package>.violation is true
//  3. StarlarkPredicate - a hermetic Starlark program bounded by a step
//     limit and a timeout
//
// Rego and Starlark see the same input document:
//
//	{
//	  "resource":  {"identity": {...}, "attributes": {...}, "hash": "..."},
//	  "drift":     {...} | null,
//	  "anomalies": [...]
//	}
//
// # Usage
//
//	builtin, err := policy.BuiltinRules(policy.DefaultBuiltinOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	eng := policy.NewEngine(logger)
//	violations, failures := eng.Evaluate(ctx, policy.Subject{Resource: res}, builtin)
//
// A failing rule never prevents the other rules from running; it is reported
// as an engine.PolicyEvaluationError next to the violations.
//
// # Rule Files
//
// Loader reads YAML or JSON rule files and raw .rego modules:
//
//	version: 1
//	rules:
//	  - id: no-public-rds
//	    severity: critical
//	    category: security
//	    targets:
//	      resource_types: [rds.instance]
//	    auto_remediable: true
//	    remediation:
//	      kind: configure
//	      parameters: {publiclyAccessible: false}
//	    starlark: 'resource["attributes"].get("publiclyAccessible", False)'
//
// Loader.Watch reloads on file changes with a short debounce. Reloaded rules
// are published through a RuleSet, which passes snapshot at their start.
package policy
