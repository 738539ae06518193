package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Lookup resolves a dot-separated attribute path.
func Lookup(attrs map[string]any, path string) (any, bool) {
	var cur any = attrs
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if sm, isStr := cur.(map[string]string); isStr {
				v, found := sm[part]
				cur = v
				if !found {
					return nil, false
				}
				continue
			}
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// AttributeEquals fires when the attribute at path equals value.
func AttributeEquals(path string, value any) PredicateFunc {
	return func(_ context.Context, s Subject) (bool, error) {
		got, ok := Lookup(s.Resource.Attributes, path)
		if !ok {
			return false, nil
		}
		return fmt.Sprint(got) == fmt.Sprint(value), nil
	}
}

// AttributeMissing fires when any of the paths is absent or empty.
func AttributeMissing(paths ...string) PredicateFunc {
	return func(_ context.Context, s Subject) (bool, error) {
		if s.Resource.Attributes == nil {
			return false, nil
		}
		for _, p := range paths {
			v, ok := Lookup(s.Resource.Attributes, p)
			if !ok || v == nil || v == "" {
				return true, nil
			}
		}
		return false, nil
	}
}

// DriftOfKind fires when the subject carries drift of the given kind.
func DriftOfKind(kind engine.DriftKind) PredicateFunc {
	return func(_ context.Context, s Subject) (bool, error) {
		return s.Drift != nil && s.Drift.Kind == kind, nil
	}
}

// DriftOnPath fires when the subject's drift changed path or one of its
// children.
func DriftOnPath(path string) PredicateFunc {
	return func(_ context.Context, s Subject) (bool, error) {
		if s.Drift == nil {
			return false, nil
		}
		for _, d := range s.Drift.FieldDiffs {
			if d.Path == path || strings.HasPrefix(d.Path, path+".") {
				return true, nil
			}
		}
		return false, nil
	}
}

// AnomalyAbove fires when an attached anomaly is at least sev.
func AnomalyAbove(sev engine.Severity) PredicateFunc {
	return func(_ context.Context, s Subject) (bool, error) {
		for _, a := range s.Anomalies {
			if a.Severity.Rank() >= sev.Rank() {
				return true, nil
			}
		}
		return false, nil
	}
}

// inputDocument renders a subject as the generic document handed to Rego
// and Starlark:
//
//	{"resource": {"identity": {...}, "attributes": {...}, "hash": "..."},
//	 "drift": {...} | null, "anomalies": [...]}
func inputDocument(s Subject) (map[string]any, error) {
	doc := map[string]any{
		"resource": map[string]any{
			"identity":   s.Resource.Identity,
			"attributes": s.Resource.Attributes,
			"hash":       s.Resource.Hash,
		},
		"drift":     s.Drift,
		"anomalies": s.Anomalies,
	}
	if s.Anomalies == nil {
		doc["anomalies"] = []engine.CostAnomaly{}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subject: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode subject: %w", err)
	}
	return out, nil
}
