package reconcile

import (
	"context"
	"fmt"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Audit actions written for operator changes.
const (
	AuditBaselineAccepted    = "baseline_accepted"
	AuditBaselineImported    = "baseline_imported"
	AuditViolationSuppress   = "violation_suppressed"
	AuditViolationUnsuppress = "violation_unsuppressed"
)

// Desired state sources.
const (
	SourceBaseline = "baseline"
	SourceImport   = "import"
)

// AcceptBaseline makes the last committed observation of scope the desired
// state and returns the number of accepted resources.
//
// With ids empty the snapshot replaces the scope's whole desired set, so
// resources that no longer exist stop being expected. Otherwise only the
// listed identities change: observed ones are accepted, and ones missing
// from the snapshot but still desired are retired. An id that is neither
// observed nor desired is an error.
func (s *Scheduler) AcceptBaseline(ctx context.Context, scope engine.Scope, ids []engine.ResourceIdentity, actor string) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, fmt.Errorf("invalid scope: %w", err)
	}

	mu := s.scopeLock(scope.String())
	mu.Lock()
	defer mu.Unlock()

	snapshot, err := s.store.LoadSnapshot(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshot: %w", err)
	}

	byID := make(map[engine.ResourceIdentity]engine.ObservedResource, len(snapshot))
	for _, r := range snapshot {
		byID[r.Identity] = r
	}

	selected := snapshot
	var retired []engine.ResourceIdentity
	if len(ids) > 0 {
		desired, err := s.store.LoadDesired(ctx, scope)
		if err != nil {
			return 0, fmt.Errorf("failed to load desired state: %w", err)
		}

		selected = make([]engine.ObservedResource, 0, len(ids))
		for _, id := range ids {
			if !scope.Contains(id) {
				return 0, fmt.Errorf("resource %s is outside scope %s", id, scope)
			}
			if r, ok := byID[id]; ok {
				selected = append(selected, r)
				continue
			}
			if _, ok := desired[id]; ok {
				retired = append(retired, id)
				continue
			}
			return 0, fmt.Errorf("resource %s has not been observed", id)
		}
	}

	now := s.clock.Now()
	states := make([]engine.DesiredState, 0, len(selected))
	for _, r := range selected {
		states = append(states, engine.DesiredState{
			Identity:   r.Identity,
			Attributes: r.Attributes,
			AcceptedAt: now,
			AcceptedBy: actor,
			Source:     SourceBaseline,
		})
	}

	if len(ids) == 0 {
		err = s.store.ReplaceDesired(ctx, scope, states)
	} else {
		err = s.store.PutDesired(ctx, states)
		if err == nil && len(retired) > 0 {
			err = s.store.DeleteDesired(ctx, retired)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to store desired state: %w", err)
	}

	s.audit(ctx, &engine.AuditEntry{
		Action:  AuditBaselineAccepted,
		Actor:   actor,
		Outcome: engine.AuditSuccess,
		Details: map[string]any{
			"scope":     scope.String(),
			"resources": len(states),
			"retired":   len(retired),
			"full":      len(ids) == 0,
		},
	})
	s.logger.Info().
		Str("scope", scope.String()).
		Str("actor", actor).
		Int("resources", len(states)).
		Int("retired", len(retired)).
		Msg("Baseline accepted")
	return len(states), nil
}

// ImportBaseline stores desired state produced outside the engine, such as
// an infrastructure-as-code export.
func (s *Scheduler) ImportBaseline(ctx context.Context, states []engine.DesiredState, actor string) error {
	now := s.clock.Now()
	out := make([]engine.DesiredState, len(states))
	for i, st := range states {
		if err := st.Identity.Validate(); err != nil {
			return fmt.Errorf("desired state %d: %w", i, err)
		}
		if st.AcceptedAt.IsZero() {
			st.AcceptedAt = now
		}
		if st.AcceptedBy == "" {
			st.AcceptedBy = actor
		}
		if st.Source == "" {
			st.Source = SourceImport
		}
		out[i] = st
	}
	if err := s.store.PutDesired(ctx, out); err != nil {
		return fmt.Errorf("failed to store desired state: %w", err)
	}

	s.audit(ctx, &engine.AuditEntry{
		Action:  AuditBaselineImported,
		Actor:   actor,
		Outcome: engine.AuditSuccess,
		Details: map[string]any{"resources": len(out)},
	})
	return nil
}

// SuppressViolation sets or clears the suppression flag of an open
// violation. Suppressed violations stay recorded but are never remediated.
func (s *Scheduler) SuppressViolation(ctx context.Context, id string, suppressed bool, actor string) error {
	if err := s.store.SetViolationSuppressed(ctx, id, suppressed); err != nil {
		return fmt.Errorf("failed to update violation: %w", err)
	}

	action := AuditViolationSuppress
	if !suppressed {
		action = AuditViolationUnsuppress
	}
	s.audit(ctx, &engine.AuditEntry{
		Action:  action,
		Actor:   actor,
		Outcome: engine.AuditSuccess,
		Details: map[string]any{"violation_id": id},
	})
	return nil
}
