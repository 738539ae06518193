package stores

import (
	"time"

	"github.com/google/uuid"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// mergeDrifts reconciles the drifts of a pass with the open drifts of the
// same scope. A reproduced finding keeps its ID and first detection time.
func mergeDrifts(open, current []engine.DriftEvent, at time.Time) (kept, resolved []engine.DriftEvent) {
	byKey := make(map[string]engine.DriftEvent, len(open))
	for _, d := range open {
		byKey[d.FindingKey()] = d
	}

	seen := make(map[string]bool, len(current))
	for _, d := range current {
		key := d.FindingKey()
		if prev, ok := byKey[key]; ok {
			d.ID = prev.ID
			d.DetectedAt = prev.DetectedAt
		} else if d.ID == "" {
			d.ID = uuid.New().String()
		}
		d.Resolved = false
		d.ResolvedAt = nil
		seen[key] = true
		kept = append(kept, d)
	}

	for _, d := range open {
		if seen[d.FindingKey()] {
			continue
		}
		resolvedAt := at
		d.Resolved = true
		d.ResolvedAt = &resolvedAt
		resolved = append(resolved, d)
	}
	return kept, resolved
}

// mergeViolations is mergeDrifts for violations. The suppression flag is
// carried over to reproduced violations.
func mergeViolations(open, current []engine.PolicyViolation, at time.Time) (kept, raised, resolved []engine.PolicyViolation) {
	byKey := make(map[string]engine.PolicyViolation, len(open))
	for _, v := range open {
		byKey[v.FindingKey()] = v
	}

	seen := make(map[string]bool, len(current))
	for _, v := range current {
		key := v.FindingKey()
		if seen[key] {
			continue
		}
		if prev, ok := byKey[key]; ok {
			v.ID = prev.ID
			v.DetectedAt = prev.DetectedAt
			v.Suppressed = prev.Suppressed
		} else {
			if v.ID == "" {
				v.ID = uuid.New().String()
			}
			raised = append(raised, v)
		}
		v.Resolved = false
		v.ResolvedAt = nil
		seen[key] = true
		kept = append(kept, v)
	}

	for _, v := range open {
		if seen[v.FindingKey()] {
			continue
		}
		resolvedAt := at
		v.Resolved = true
		v.ResolvedAt = &resolvedAt
		resolved = append(resolved, v)
	}
	return kept, raised, resolved
}
