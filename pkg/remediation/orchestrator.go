// Package remediation plans and applies corrective actions for policy
// violations.
//
// Every action runs through a bounded state machine:
//
//	planned -> applying -> succeeded
//	                    -> planned   (retryable failure, attempts left)
//	                    -> failed    (terminal failure or attempts exhausted)
//	planned -> skipped               (in flight, stale state, conflict, cancelled)
//
// Each transition is persisted before the next one starts, so the record
// store always reflects the last known state of an action.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cloudops-central/reconciler/pkg/engine"
	"github.com/cloudops-central/reconciler/pkg/telemetry"
)

// AdapterResolver returns the Cloud Adapter of a provider.
// adapters.Registry satisfies it.
type AdapterResolver interface {
	Get(provider string) (engine.CloudAdapter, error)
}

// RecordStore is the persistence the orchestrator needs. stores.Store
// satisfies it.
type RecordStore interface {
	SaveRecord(ctx context.Context, record *engine.RemediationRecord) error
	CountSucceeded(ctx context.Context, idempotencyKey string) (int, error)
	GetObserved(ctx context.Context, id engine.ResourceIdentity) (*engine.ObservedResource, error)
	CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error
}

// Audit actions written by the orchestrator.
const (
	AuditRemediationApplied = "remediation_applied"
	AuditRemediationSkipped = "remediation_skipped"
)

// Orchestrator plans and executes remediation actions. One orchestrator is
// shared by every scope so the in-flight set covers the whole process.
type Orchestrator struct {
	adapters AdapterResolver
	store    RecordStore
	events   engine.EventPublisher
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	clock    engine.Clock
	actor    string

	inflight sync.Map

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewOrchestrator creates an orchestrator. A nil telemetry disables
// instrumentation.
func NewOrchestrator(adapters AdapterResolver, store RecordStore, tel *telemetry.Telemetry) *Orchestrator {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Orchestrator{
		adapters: adapters,
		store:    store,
		events:   tel.Events,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("remediation").Zerolog(),
		clock:    engine.SystemClock,
		actor:    "reconciler",
		limiters: make(map[string]*rate.Limiter),
	}
}

// WithClock sets the clock used for record timestamps.
func (o *Orchestrator) WithClock(c engine.Clock) *Orchestrator {
	o.clock = c
	return o
}

// WithPublisher replaces the event publisher.
func (o *Orchestrator) WithPublisher(p engine.EventPublisher) *Orchestrator {
	o.events = p
	return o
}

// Result is the outcome of one Execute call.
type Result struct {
	// Records holds every record created, in plan order followed by conflicts.
	Records []*engine.RemediationRecord

	// Manual holds the manual actions that were notified.
	Manual []ManualAction

	// Errors holds one *engine.RemediationError per failed action.
	Errors []error
}

// Count returns the number of records in a status.
func (r *Result) Count(status engine.RemediationStatus) int {
	n := 0
	for _, rec := range r.Records {
		if rec.Status == status {
			n++
		}
	}
	return n
}

// Execute applies a plan. Actions on different resources run in parallel up
// to cfg.MaxConcurrentActions. With the kill-switch engaged only the manual
// actions are notified and nothing is applied.
func (o *Orchestrator) Execute(ctx context.Context, plan *Plan, cfg Config) (*Result, error) {
	result := &Result{}
	o.tel.Metrics.SetKillSwitch(!cfg.AutoRemediationEnabled)
	if plan == nil {
		return result, nil
	}
	if !cfg.AutoRemediationEnabled {
		for _, m := range plan.Manual {
			o.notifyManual(ctx, plan.PassID, m)
			result.Manual = append(result.Manual, m)
		}
		return result, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remediation config: %w", err)
	}

	for _, m := range plan.Manual {
		o.notifyManual(ctx, plan.PassID, m)
		result.Manual = append(result.Manual, m)
	}

	records := make([]*engine.RemediationRecord, len(plan.Actions))
	errs := make([]error, len(plan.Actions))

	var g errgroup.Group
	g.SetLimit(cfg.concurrency())
	for i, action := range plan.Actions {
		g.Go(func() error {
			records[i], errs[i] = o.run(ctx, plan.PassID, action, cfg)
			return nil
		})
	}
	_ = g.Wait()

	for i, rec := range records {
		if rec != nil {
			result.Records = append(result.Records, rec)
		}
		if errs[i] != nil {
			result.Errors = append(result.Errors, errs[i])
		}
	}

	for _, c := range plan.Conflicts {
		rec := o.newRecord(plan.PassID, c.Action)
		rec.Status = engine.RemediationSkipped
		rec.SkipReason = engine.SkipConflict
		rec.LastError = fmt.Sprintf("superseded by rule %s", c.Winner)
		if err := o.store.SaveRecord(ctx, rec); err != nil {
			return result, fmt.Errorf("failed to save conflict record: %w", err)
		}
		o.tel.Metrics.RecordRemediation(string(c.Action.Kind), string(rec.Status), 0)
		result.Records = append(result.Records, rec)
	}

	return result, nil
}

// run drives one action through the state machine. The returned error is a
// *engine.RemediationError for terminal failures and a plain error when the
// store rejected a transition.
func (o *Orchestrator) run(ctx context.Context, passID string, action engine.Action, cfg Config) (*engine.RemediationRecord, error) {
	ctx, span := o.tel.Tracer.StartRemediationSpan(ctx, action)
	defer span.End()

	logger := o.logger.With().
		Str("pass_id", passID).
		Str("resource", action.Identity.String()).
		Str("action", string(action.Kind)).
		Str("idempotency_key", action.IdempotencyKey).
		Logger()

	rec := o.newRecord(passID, action)

	if _, loaded := o.inflight.LoadOrStore(action.IdempotencyKey, passID); loaded {
		logger.Info().Msg("Action already in flight, skipping")
		return rec, o.skip(ctx, rec, engine.SkipInFlight, "")
	}
	defer o.inflight.Delete(action.IdempotencyKey)

	if err := o.store.SaveRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save remediation record: %w", err)
	}

	adapter, err := o.adapters.Get(action.Identity.Provider)
	if err != nil {
		return rec, o.fail(ctx, rec, engine.ErrorCategoryInvalid, err, logger)
	}

	if fresh, detail := o.verifyState(ctx, adapter, action); !fresh {
		logger.Warn().Str("detail", detail).Msg("Resource changed since planning, skipping")
		return rec, o.skip(ctx, rec, engine.SkipStaleState, detail)
	}

	b := backoff.NewExponentialBackOff()
	if cfg.InitialBackoff > 0 {
		b.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		b.MaxInterval = cfg.MaxBackoff
	}

	op := func() (engine.ActionResult, error) {
		if rec.Attempts > 0 {
			// the resource may have moved while we were backing off
			if fresh, detail := o.verifyState(ctx, adapter, action); !fresh {
				return engine.ActionResult{}, backoff.Permanent(&staleStateError{detail: detail})
			}
		}
		if err := o.transition(ctx, rec, engine.RemediationApplying); err != nil {
			return engine.ActionResult{}, backoff.Permanent(err)
		}
		if rec.Attempts == 1 {
			o.publish(ctx, engine.EventRemediationStarted, passID, action, fmt.Sprintf("applying %s to %s", action.Kind, action.Identity), rec)
		}

		res, err := o.apply(ctx, adapter, action, cfg)
		if err == nil {
			return res, nil
		}

		rec.LastError = err.Error()
		category := engine.ClassifyError(err)
		if !category.IsRetryable() || rec.Attempts >= cfg.MaxRetries || ctx.Err() != nil {
			return res, backoff.Permanent(err)
		}
		if err := o.transition(ctx, rec, engine.RemediationPlanned); err != nil {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Int("attempt", rec.Attempts).Dur("retry_in", next).Msg("Remediation attempt failed, retrying")
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}

	var stale *staleStateError
	switch {
	case errors.As(err, &stale):
		logger.Warn().Str("detail", stale.detail).Int("attempts", rec.Attempts).Msg("Resource changed between attempts, skipping")
		return rec, o.skip(ctx, rec, engine.SkipStaleState, stale.detail)

	case err == nil:
		now := o.clock.Now()
		rec.AppliedAt = &now
		rec.LastError = ""
		if terr := o.transition(ctx, rec, engine.RemediationSucceeded); terr != nil {
			return rec, terr
		}
		logger.Info().Int("attempts", rec.Attempts).Str("result", string(res.Status)).Msg("Remediation succeeded")
		o.publish(ctx, engine.EventRemediationSucceeded, passID, action, fmt.Sprintf("%s applied to %s", action.Kind, action.Identity), rec)
		o.audit(ctx, rec, engine.AuditSuccess)
		o.tel.Metrics.RecordRemediation(string(action.Kind), string(rec.Status), rec.Attempts)
		telemetry.RecordSuccess(span)
		return rec, nil

	case rec.Status == engine.RemediationPlanned && ctx.Err() != nil:
		// cancelled while waiting for the next attempt
		return rec, o.skip(ctx, rec, engine.SkipCancelled, err.Error())

	default:
		telemetry.RecordError(span, err)
		return rec, o.fail(ctx, rec, engine.ClassifyError(err), err, logger)
	}
}

// apply calls the adapter through the provider limiter. A failed result
// without an error is turned into an adapter error of its category.
func (o *Orchestrator) apply(ctx context.Context, adapter engine.CloudAdapter, action engine.Action, cfg Config) (engine.ActionResult, error) {
	if err := o.limiter(adapter.Name(), cfg).Wait(ctx); err != nil {
		return engine.ActionResult{}, engine.NewAdapterError(engine.ErrorCategoryTransient, "rate limiter wait aborted", err)
	}

	var res engine.ActionResult
	err := o.tel.ObserveAdapter(ctx, adapter.Name(), "apply_action", func(ctx context.Context) error {
		var err error
		res, err = adapter.ApplyAction(ctx, action)
		if err == nil && res.Status == engine.ActionResultFailed {
			category := res.ErrorCategory
			if category == "" {
				category = engine.ErrorCategoryUnknown
			}
			err = engine.NewAdapterError(category, res.ProviderMessage, nil).
				WithProvider(adapter.Name()).WithOperation("apply_action")
		}
		return err
	})
	return res, err
}

// verifyState compares the current resource hash with the one the action
// was planned against. Adapters that can describe a single resource are
// asked directly; otherwise the last committed snapshot is used.
func (o *Orchestrator) verifyState(ctx context.Context, adapter engine.CloudAdapter, action engine.Action) (bool, string) {
	if action.ExpectedHash == "" {
		return true, ""
	}

	var current *engine.ObservedResource
	if d, ok := adapter.(engine.ResourceDescriber); ok {
		err := o.tel.ObserveAdapter(ctx, adapter.Name(), "describe_resource", func(ctx context.Context) error {
			var derr error
			current, derr = d.DescribeResource(ctx, action.Identity)
			return derr
		})
		if err != nil {
			if engine.ClassifyError(err) == engine.ErrorCategoryNotFound {
				return false, "resource no longer exists"
			}
			o.logger.Debug().Err(err).Str("resource", action.Identity.String()).Msg("Describe failed, using snapshot")
			current = nil
		}
	}
	if current == nil {
		r, err := o.store.GetObserved(ctx, action.Identity)
		if err != nil {
			return false, fmt.Sprintf("current state unavailable: %v", err)
		}
		current = r
	}

	current.EnsureHash()
	if current.Hash != action.ExpectedHash {
		return false, fmt.Sprintf("expected hash %s, found %s", short(action.ExpectedHash), short(current.Hash))
	}
	return true, ""
}

type staleStateError struct {
	detail string
}

func (e *staleStateError) Error() string {
	return "stale state: " + e.detail
}

func (o *Orchestrator) newRecord(passID string, action engine.Action) *engine.RemediationRecord {
	now := o.clock.Now()
	return &engine.RemediationRecord{
		ID:        uuid.New().String(),
		PassID:    passID,
		Action:    action,
		Status:    engine.RemediationPlanned,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// transition validates and persists a status change.
func (o *Orchestrator) transition(ctx context.Context, rec *engine.RemediationRecord, next engine.RemediationStatus) error {
	if !rec.Status.CanTransition(next) {
		return fmt.Errorf("invalid remediation transition %s -> %s for record %s", rec.Status, next, rec.ID)
	}
	prev := rec.Status
	rec.Status = next
	rec.UpdatedAt = o.clock.Now()
	if next == engine.RemediationApplying {
		rec.Attempts++
	}
	if err := o.store.SaveRecord(context.WithoutCancel(ctx), rec); err != nil {
		rec.Status = prev
		return fmt.Errorf("failed to persist remediation record %s: %w", rec.ID, err)
	}
	return nil
}

func (o *Orchestrator) skip(ctx context.Context, rec *engine.RemediationRecord, reason engine.SkipReason, detail string) error {
	rec.SkipReason = reason
	if detail != "" {
		rec.LastError = detail
	}
	if err := o.transition(ctx, rec, engine.RemediationSkipped); err != nil {
		return err
	}
	o.tel.Metrics.RecordRemediation(string(rec.Action.Kind), string(rec.Status), rec.Attempts)
	o.audit(ctx, rec, engine.AuditPartial)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, rec *engine.RemediationRecord, category engine.ErrorCategory, cause error, logger zerolog.Logger) error {
	rec.LastError = cause.Error()
	if rec.Status == engine.RemediationPlanned {
		// never reached the adapter
		if err := o.transition(ctx, rec, engine.RemediationApplying); err != nil {
			return err
		}
	}
	if err := o.transition(ctx, rec, engine.RemediationFailed); err != nil {
		return err
	}

	rerr := &engine.RemediationError{
		IdempotencyKey: rec.Action.IdempotencyKey,
		Identity:       rec.Action.Identity,
		Kind:           rec.Action.Kind,
		Attempts:       rec.Attempts,
		Category:       category,
		Err:            cause,
	}
	logger.Error().Err(cause).Int("attempts", rec.Attempts).Str("category", string(category)).Msg("Remediation failed")
	o.publish(ctx, engine.EventRemediationFailed, rec.PassID, rec.Action, rerr.Error(), rec)
	o.audit(ctx, rec, engine.AuditFailure)
	o.tel.Metrics.RecordRemediation(string(rec.Action.Kind), string(rec.Status), rec.Attempts)
	return rerr
}

func (o *Orchestrator) notifyManual(ctx context.Context, passID string, m ManualAction) {
	msg := fmt.Sprintf("manual action required for %s (rule %s): %s", m.Violation.Identity, m.Violation.RuleID, m.Reason)
	if err := o.events.Publish(ctx, &engine.Event{
		Type:       engine.EventManualActionRequired,
		PassID:     passID,
		Scope:      m.Violation.Identity.Scope().String(),
		ResourceID: m.Violation.Identity.String(),
		Message:    msg,
		Payload:    m,
	}); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to publish manual action event")
	}
}

func (o *Orchestrator) publish(ctx context.Context, t engine.EventType, passID string, action engine.Action, msg string, rec *engine.RemediationRecord) {
	snapshot := *rec
	if err := o.events.Publish(ctx, &engine.Event{
		Type:       t,
		PassID:     passID,
		Scope:      action.Identity.Scope().String(),
		ResourceID: action.Identity.String(),
		Message:    msg,
		Payload:    &snapshot,
	}); err != nil {
		o.logger.Warn().Err(err).Str("event", string(t)).Msg("Failed to publish remediation event")
	}
}

func (o *Orchestrator) audit(ctx context.Context, rec *engine.RemediationRecord, outcome engine.AuditOutcome) {
	action := AuditRemediationApplied
	if rec.Status == engine.RemediationSkipped {
		action = AuditRemediationSkipped
	}
	entry := &engine.AuditEntry{
		Action:     action,
		Actor:      o.actor,
		ResourceID: rec.Action.Identity.String(),
		Outcome:    outcome,
		Details: map[string]any{
			"record_id":       rec.ID,
			"pass_id":         rec.PassID,
			"kind":            string(rec.Action.Kind),
			"rule_id":         rec.Action.RuleID,
			"status":          string(rec.Status),
			"attempts":        rec.Attempts,
			"skip_reason":     string(rec.SkipReason),
			"last_error":      rec.LastError,
			"idempotency_key": rec.Action.IdempotencyKey,
		},
		CreatedAt: o.clock.Now(),
	}
	if err := o.store.CreateAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to write audit entry")
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// limiter returns the provider's apply limiter, tracking the configured rate.
func (o *Orchestrator) limiter(provider string, cfg Config) *rate.Limiter {
	limit := rate.Inf
	if cfg.ApplyRatePerSecond > 0 {
		limit = rate.Limit(cfg.ApplyRatePerSecond)
	}
	burst := cfg.ApplyBurst
	if burst < 1 {
		burst = 1
	}

	o.limMu.Lock()
	defer o.limMu.Unlock()

	l, ok := o.limiters[provider]
	if !ok {
		l = rate.NewLimiter(limit, burst)
		o.limiters[provider] = l
		return l
	}
	if l.Limit() != limit {
		l.SetLimit(limit)
	}
	if l.Burst() != burst {
		l.SetBurst(burst)
	}
	return l
}
