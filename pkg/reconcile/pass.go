package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudops-central/reconciler/pkg/cost"
	"github.com/cloudops-central/reconciler/pkg/drift"
	"github.com/cloudops-central/reconciler/pkg/engine"
	"github.com/cloudops-central/reconciler/pkg/policy"
	"github.com/cloudops-central/reconciler/pkg/remediation"
	"github.com/cloudops-central/reconciler/pkg/stores"
	"github.com/cloudops-central/reconciler/pkg/telemetry"
)

// AuditPass is the audit action written for every finished pass.
const AuditPass = "reconciliation_pass"

// findings is what the detection stages of a pass produce before commit.
type findings struct {
	observed   []engine.ObservedResource
	drifts     []engine.DriftEvent
	anomalies  []engine.CostAnomaly
	violations []engine.PolicyViolation
	evalErrs   []*engine.PolicyEvaluationError
}

// runPass executes one pass. It always returns a pass record; the error is
// the systemic failure that ended the pass early.
func (s *Scheduler) runPass(ctx context.Context, scope engine.Scope, trigger engine.PassTrigger) (*engine.PassRecord, error) {
	settings := s.settings()
	rules := s.rules.Snapshot()

	pass := &engine.PassRecord{
		ID:        uuid.New().String(),
		Scope:     scope,
		Trigger:   trigger,
		Status:    engine.PassStatusRunning,
		StartedAt: s.clock.Now(),
	}
	logger := s.logger.With().Str("pass_id", pass.ID).Str("scope", scope.String()).Logger()

	ctx, span := s.tel.Tracer.StartPassSpan(ctx, pass.ID, scope)
	defer span.End()
	s.tel.Metrics.RecordPassStarted(scope.String(), string(trigger))
	timer := telemetry.NewTimer()

	passCtx := ctx
	if settings.PassTimeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, settings.PassTimeout)
		defer cancel()
	}

	logger.Debug().Str("trigger", string(trigger)).Int("rules", len(rules)).Msg("Pass started")

	f, err := s.detect(passCtx, scope, pass, settings, rules, logger)
	if err == nil && passCtx.Err() != nil {
		err = engine.NewReconciliationError(scope, engine.ReasonTimeout, "pass deadline exceeded before commit", passCtx.Err())
	}
	if err != nil {
		return s.finishFailed(ctx, pass, err, timer, logger)
	}

	result, err := s.store.CommitPass(passCtx, &stores.PassCommit{
		Scope:      scope,
		PassID:     pass.ID,
		Observed:   f.observed,
		Drifts:     f.drifts,
		Violations: f.violations,
		At:         s.clock.Now(),
	})
	if err != nil {
		reason := engine.ReasonStore
		if passCtx.Err() != nil {
			reason = engine.ReasonTimeout
		}
		return s.finishFailed(ctx, pass, engine.NewReconciliationError(scope, reason, "failed to commit pass", err), timer, logger)
	}

	s.publishFindings(ctx, pass, f, result, rules)
	s.recordMetrics(scope, f, result)

	pass.Counts.Resources = len(f.observed)
	pass.Counts.Drifts = len(f.drifts)
	pass.Counts.Violations = len(result.Violations)
	pass.Counts.Resolved = len(result.ResolvedDrifts) + len(result.ResolvedViolations)
	pass.Counts.Anomalies = len(f.anomalies)
	pass.Counts.RuleErrors = len(f.evalErrs)

	s.remediate(passCtx, pass, result, settings.Remediation, logger)

	now := s.clock.Now()
	pass.CompletedAt = &now
	pass.Duration = timer.Duration()
	pass.Status = engine.PassStatusSucceeded
	if passCtx.Err() != nil {
		// Findings are committed, but remediation was cut short.
		pass.Status = engine.PassStatusTimeout
		pass.Errors = append(pass.Errors, "pass deadline exceeded during remediation")
		logger.Warn().Msg("Pass deadline exceeded during remediation")
	}
	s.savePass(ctx, pass, logger)

	s.tel.Metrics.RecordPassCompleted(scope.String(), string(pass.Status), pass.Duration)
	s.publish(ctx, &engine.Event{
		Type:    engine.EventPassCompleted,
		PassID:  pass.ID,
		Scope:   scope.String(),
		Message: fmt.Sprintf("pass completed: %d resources, %d drifts, %d violations", pass.Counts.Resources, pass.Counts.Drifts, pass.Counts.Violations),
		Payload: pass,
	})
	s.auditPass(ctx, pass)
	telemetry.RecordSuccess(span)

	logger.Info().
		Int("resources", pass.Counts.Resources).
		Int("drifts", pass.Counts.Drifts).
		Int("violations", pass.Counts.Violations).
		Int("resolved", pass.Counts.Resolved).
		Int("anomalies", pass.Counts.Anomalies).
		Int("actions_succeeded", pass.Counts.ActionsSucceeded).
		Dur("duration", pass.Duration).
		Msg("Pass completed")
	return pass, nil
}

// detect runs the stages up to, not including, the commit.
func (s *Scheduler) detect(ctx context.Context, scope engine.Scope, pass *engine.PassRecord, settings Settings, rules []policy.Rule, logger zerolog.Logger) (*findings, error) {
	adapter, err := s.adapters.Get(scope.Provider)
	if err != nil {
		return nil, engine.NewReconciliationError(scope, engine.ReasonAdapterUnavailable, "no adapter for provider", err)
	}

	f := &findings{}
	err = s.tel.ObserveAdapter(ctx, adapter.Name(), "list_resources", func(ctx context.Context) error {
		var lerr error
		f.observed, lerr = adapter.ListResources(ctx, scope)
		return lerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.NewReconciliationError(scope, engine.ReasonTimeout, "observation did not finish in time", err)
		}
		return nil, engine.NewReconciliationError(scope, engine.ReasonAdapterUnavailable, "failed to list resources", err)
	}
	for i := range f.observed {
		if !scope.Contains(f.observed[i].Identity) {
			return nil, engine.NewReconciliationError(scope, engine.ReasonAdapterUnavailable,
				fmt.Sprintf("adapter returned %s outside the scope", f.observed[i].Identity), nil)
		}
		f.observed[i].EnsureHash()
	}

	previous, err := s.store.LoadSnapshot(ctx, scope)
	if err != nil {
		return nil, engine.NewReconciliationError(scope, engine.ReasonStore, "failed to load previous snapshot", err)
	}
	desired, err := s.store.LoadDesired(ctx, scope)
	if err != nil {
		return nil, engine.NewReconciliationError(scope, engine.ReasonStore, "failed to load desired state", err)
	}

	driftOpts := settings.Drift
	driftOpts.Clock = s.clock
	f.drifts, err = drift.NewDetector(driftOpts, s.logger).Run(scope, f.observed, desired, len(previous))
	if err != nil {
		return nil, err
	}

	f.anomalies = s.detectCost(ctx, scope, pass, settings, logger)

	subjects := buildSubjects(f.observed, f.drifts, f.anomalies)
	f.violations, f.evalErrs = s.policy.EvaluateAll(ctx, subjects, rules)
	for _, e := range f.evalErrs {
		pass.Errors = append(pass.Errors, e.Error())
	}
	return f, nil
}

// detectCost reads the spend series of the scope and flags anomalies at the
// newest point of each series. Cost data is advisory: a failing source is reported on the pass but never
// fails it.
func (s *Scheduler) detectCost(ctx context.Context, scope engine.Scope, pass *engine.PassRecord, settings Settings, logger zerolog.Logger) []engine.CostAnomaly {
	if s.costs == nil {
		return nil
	}
	end := s.clock.Now()
	lookback := settings.CostLookback
	if lookback <= 0 {
		lookback = DefaultSettings().CostLookback
	}

	series, err := s.costs.Series(ctx, scope, end.Add(-lookback), end)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read cost series")
		pass.Errors = append(pass.Errors, fmt.Sprintf("cost source: %v", err))
		return nil
	}
	all := cost.NewDetector(settings.Cost, s.logger).DetectAll(series, settings.CostWindow)
	return cost.Current(series, all)
}

// buildSubjects pairs every resource with its drift and resource-level
// anomalies. Deleted resources get a subject carrying only their identity.
func buildSubjects(observed []engine.ObservedResource, drifts []engine.DriftEvent, anomalies []engine.CostAnomaly) []policy.Subject {
	byID := drift.IndexByIdentity(drifts)

	byResource := make(map[string][]engine.CostAnomaly)
	for _, a := range anomalies {
		if a.Scope.ResourceID != "" {
			key := a.Scope.Provider + "/" + a.Scope.Account + "/" + a.Scope.ResourceID
			byResource[key] = append(byResource[key], a)
		}
	}
	anomaliesOf := func(id engine.ResourceIdentity) []engine.CostAnomaly {
		return byResource[id.Provider+"/"+id.Account+"/"+id.NativeID]
	}

	subjects := make([]policy.Subject, 0, len(observed))
	for _, r := range observed {
		subjects = append(subjects, policy.Subject{
			Resource:  r,
			Drift:     byID[r.Identity],
			Anomalies: anomaliesOf(r.Identity),
		})
	}
	for _, d := range drifts {
		if d.Kind != engine.DriftKindDeleted {
			continue
		}
		subjects = append(subjects, policy.Subject{
			Resource:  engine.ObservedResource{Identity: d.Identity},
			Drift:     byID[d.Identity],
			Anomalies: anomaliesOf(d.Identity),
		})
	}
	return subjects
}

func (s *Scheduler) publishFindings(ctx context.Context, pass *engine.PassRecord, f *findings, result *stores.CommitResult, rules []policy.Rule) {
	scope := pass.Scope.String()

	notify := make(map[string]bool, len(rules))
	for _, r := range rules {
		notify[r.ID] = r.NotificationEnabled
	}

	for i := range result.Drifts {
		d := result.Drifts[i]
		s.publish(ctx, &engine.Event{
			Type:       engine.EventDriftDetected,
			PassID:     pass.ID,
			Scope:      scope,
			ResourceID: d.Identity.String(),
			Message:    fmt.Sprintf("%s drift on %s (%d fields)", d.Kind, d.Identity, len(d.FieldDiffs)),
			Payload:    &d,
		})
	}
	for i := range result.RaisedViolations {
		v := result.RaisedViolations[i]
		if enabled, known := notify[v.RuleID]; known && !enabled {
			continue
		}
		s.publish(ctx, &engine.Event{
			Type:       engine.EventViolationRaised,
			PassID:     pass.ID,
			Scope:      scope,
			ResourceID: v.Identity.String(),
			Message:    v.Message,
			Payload:    &v,
		})
	}
	for i := range result.ResolvedViolations {
		v := result.ResolvedViolations[i]
		s.publish(ctx, &engine.Event{
			Type:       engine.EventViolationResolved,
			PassID:     pass.ID,
			Scope:      scope,
			ResourceID: v.Identity.String(),
			Message:    fmt.Sprintf("rule %s no longer violated by %s", v.RuleID, v.Identity),
			Payload:    &v,
		})
	}
	for _, e := range f.evalErrs {
		s.publish(ctx, &engine.Event{
			Type:       engine.EventPolicyEvaluationError,
			PassID:     pass.ID,
			Scope:      scope,
			ResourceID: e.Identity.String(),
			Message:    e.Error(),
			Payload:    e,
		})
	}
	for i := range f.anomalies {
		a := f.anomalies[i]
		s.publish(ctx, &engine.Event{
			Type:    engine.EventCostAnomalyDetected,
			PassID:  pass.ID,
			Scope:   scope,
			Message: fmt.Sprintf("spend %.2f on %s outside [%.2f, %.2f]", a.Observed, a.Scope, a.ExpectedRange.Low, a.ExpectedRange.High),
			Payload: &a,
		})
	}
}

func (s *Scheduler) recordMetrics(scope engine.Scope, f *findings, result *stores.CommitResult) {
	m := s.tel.Metrics
	m.SetResourcesObserved(scope.String(), len(f.observed))
	for _, d := range f.drifts {
		m.RecordDrift(string(d.Kind), string(d.Severity))
	}
	for _, v := range result.RaisedViolations {
		m.RecordViolationRaised(v.RuleID, string(v.Severity))
	}
	m.SetOpenViolations(scope.String(), len(result.Violations))
	for _, e := range f.evalErrs {
		m.RecordRuleError(e.RuleID)
	}
	for _, a := range f.anomalies {
		m.RecordCostAnomaly(a.Scope.Provider, string(a.Severity))
	}
}

// remediate plans and executes actions for the open violations. Failures
// here are recorded on the pass; the findings are already committed.
func (s *Scheduler) remediate(ctx context.Context, pass *engine.PassRecord, result *stores.CommitResult, cfg remediation.Config, logger zerolog.Logger) {
	raised := make(map[string]bool, len(result.RaisedViolations))
	for _, v := range result.RaisedViolations {
		raised[v.ID] = true
	}

	plan, err := s.orch.Plan(ctx, remediation.Request{
		PassID:     pass.ID,
		Violations: result.Violations,
		Raised:     raised,
	}, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to plan remediation")
		pass.Errors = append(pass.Errors, fmt.Sprintf("remediation planning: %v", err))
		return
	}
	pass.Counts.ActionsPlanned = len(plan.Actions)

	res, err := s.orch.Execute(ctx, plan, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to execute remediation plan")
		pass.Errors = append(pass.Errors, fmt.Sprintf("remediation: %v", err))
	}
	if res == nil {
		return
	}
	pass.Counts.ActionsSucceeded = res.Count(engine.RemediationSucceeded)
	pass.Counts.ActionsFailed = res.Count(engine.RemediationFailed)
	pass.Counts.ActionsSkipped = res.Count(engine.RemediationSkipped)
	pass.Counts.ManualActions = len(res.Manual)
	for _, e := range res.Errors {
		pass.Errors = append(pass.Errors, e.Error())
	}

	// A resource the engine deleted itself is no longer expected to exist.
	var deleted []engine.ResourceIdentity
	for _, rec := range res.Records {
		if rec.Status == engine.RemediationSucceeded && rec.Action.Kind == engine.ActionDelete {
			deleted = append(deleted, rec.Action.Identity)
		}
	}
	if len(deleted) > 0 {
		if err := s.store.DeleteDesired(context.WithoutCancel(ctx), deleted); err != nil {
			logger.Error().Err(err).Msg("Failed to retire desired state of deleted resources")
			pass.Errors = append(pass.Errors, fmt.Sprintf("retire desired state: %v", err))
		} else {
			logger.Info().Int("resources", len(deleted)).Msg("Retired desired state of deleted resources")
		}
	}
}

// finishFailed records a pass that ended before commit. Nothing of the
// pass's observation reaches the store.
func (s *Scheduler) finishFailed(ctx context.Context, pass *engine.PassRecord, cause error, timer *telemetry.Timer, logger zerolog.Logger) (*engine.PassRecord, error) {
	now := s.clock.Now()
	pass.CompletedAt = &now
	pass.Duration = timer.Duration()
	pass.Status = engine.PassStatusFailed

	var rerr *engine.ReconciliationError
	if errors.As(cause, &rerr) && rerr.Reason == engine.ReasonTimeout {
		pass.Status = engine.PassStatusTimeout
	}
	pass.Errors = append(pass.Errors, cause.Error())

	logger.Error().Err(cause).Str("status", string(pass.Status)).Msg("Pass failed")
	s.savePass(ctx, pass, logger)
	s.tel.Metrics.RecordPassCompleted(pass.Scope.String(), string(pass.Status), pass.Duration)
	s.publish(ctx, &engine.Event{
		Type:    engine.EventPassFailed,
		PassID:  pass.ID,
		Scope:   pass.Scope.String(),
		Message: cause.Error(),
		Payload: pass,
	})
	s.auditPass(ctx, pass)
	return pass, cause
}

func (s *Scheduler) savePass(ctx context.Context, pass *engine.PassRecord, logger zerolog.Logger) {
	if err := s.store.SavePass(context.WithoutCancel(ctx), pass); err != nil {
		logger.Error().Err(err).Msg("Failed to save pass record")
	}
}

func (s *Scheduler) auditPass(ctx context.Context, pass *engine.PassRecord) {
	outcome := engine.AuditSuccess
	switch {
	case pass.Status != engine.PassStatusSucceeded:
		outcome = engine.AuditFailure
	case len(pass.Errors) > 0:
		outcome = engine.AuditPartial
	}
	s.audit(ctx, &engine.AuditEntry{
		Action:  AuditPass,
		Actor:   s.actor,
		Outcome: outcome,
		Details: map[string]any{
			"pass_id":  pass.ID,
			"scope":    pass.Scope.String(),
			"trigger":  string(pass.Trigger),
			"status":   string(pass.Status),
			"duration": pass.Duration.String(),
			"counts":   pass.Counts,
			"errors":   len(pass.Errors),
		},
	})
}

func (s *Scheduler) audit(ctx context.Context, entry *engine.AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now()
	}
	if err := s.store.CreateAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error().Err(err).Str("action", entry.Action).Msg("Failed to write audit entry")
	}
}

func (s *Scheduler) publish(ctx context.Context, event *engine.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now()
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Failed to publish event")
	}
}
