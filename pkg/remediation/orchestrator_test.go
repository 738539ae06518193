package remediation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudops-central/reconciler/pkg/adapters"
	"github.com/cloudops-central/reconciler/pkg/adapters/static"
	"github.com/cloudops-central/reconciler/pkg/engine"
	"github.com/cloudops-central/reconciler/pkg/stores"
	"github.com/cloudops-central/reconciler/pkg/telemetry"
)

var bucketID = engine.ResourceIdentity{
	Provider:     "aws",
	Account:      "123456789012",
	Region:       "us-east-1",
	ResourceType: "s3.bucket",
	NativeID:     "customer-exports",
}

type harness struct {
	adapter *static.Adapter
	store   *stores.MemoryStore
	events  *telemetry.Recorder
	orch    *Orchestrator
	bucket  engine.ObservedResource
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	bucket := engine.ObservedResource{
		Identity:   bucketID,
		Attributes: map[string]any{"public": true, "tags": map[string]any{"env": "prod"}},
	}
	bucket.EnsureHash()

	h := &harness{
		adapter: static.New("aws", bucket),
		store:   stores.NewMemoryStore(),
		events:  &telemetry.Recorder{},
		bucket:  bucket,
	}
	h.orch = NewOrchestrator(adapters.NewRegistry(h.adapter), h.store, nil).WithPublisher(h.events)
	return h
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.ApplyRatePerSecond = 0
	return cfg
}

func publicViolation(r engine.ObservedResource) engine.PolicyViolation {
	return engine.PolicyViolation{
		ID:             "v-public",
		RuleID:         "no-public-s3",
		Identity:       r.Identity,
		Severity:       engine.SeverityCritical,
		AutoRemediable: true,
		Remediation:    &engine.ActionTemplate{Kind: engine.ActionConfigure, Parameters: map[string]any{"public": false}},
		ObservedHash:   r.Hash,
	}
}

func tagViolation(r engine.ObservedResource) engine.PolicyViolation {
	return engine.PolicyViolation{
		ID:             "v-tags",
		RuleID:         "required-tags",
		Identity:       r.Identity,
		Severity:       engine.SeverityWarning,
		AutoRemediable: true,
		Remediation:    &engine.ActionTemplate{Kind: engine.ActionTag, Parameters: map[string]any{"owner": "unassigned"}},
		ObservedHash:   r.Hash,
	}
}

func (h *harness) planAndExecute(t *testing.T, cfg Config, violations ...engine.PolicyViolation) *Result {
	t.Helper()
	ctx := context.Background()

	plan, err := h.orch.Plan(ctx, Request{PassID: "pass-1", Violations: violations}, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	result, err := h.orch.Execute(ctx, plan, cfg)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return result
}

func TestExecuteRemediatesViolation(t *testing.T) {
	h := newHarness(t)

	result := h.planAndExecute(t, fastConfig(), publicViolation(h.bucket))

	if len(result.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(result.Records))
	}
	rec := result.Records[0]
	if rec.Status != engine.RemediationSucceeded || rec.Attempts != 1 || rec.AppliedAt == nil {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Action.Severity != engine.SeverityCritical || rec.Action.RuleID != "no-public-s3" {
		t.Errorf("unexpected action: %+v", rec.Action)
	}

	current, err := h.adapter.DescribeResource(context.Background(), bucketID)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if current.Attributes["public"] != false {
		t.Errorf("bucket still public: %v", current.Attributes)
	}

	stored, err := h.store.GetRecord(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if stored.Status != engine.RemediationSucceeded {
		t.Errorf("stored status %s", stored.Status)
	}

	if len(h.events.OfType(engine.EventRemediationStarted)) != 1 || len(h.events.OfType(engine.EventRemediationSucceeded)) != 1 {
		t.Errorf("unexpected events: %+v", h.events.Events())
	}

	audit, err := h.store.ListAuditEntries(context.Background(), nil, nil, 0, 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audit) != 1 || audit[0].Action != AuditRemediationApplied || audit[0].Outcome != engine.AuditSuccess {
		t.Errorf("unexpected audit entries: %+v", audit)
	}
}

func TestRateLimitedThenSuccess(t *testing.T) {
	h := newHarness(t)
	throttled := engine.NewAdapterError(engine.ErrorCategoryRateLimited, "slow down", nil)
	h.adapter.FailApply(throttled, throttled)

	result := h.planAndExecute(t, fastConfig(), publicViolation(h.bucket))

	rec := result.Records[0]
	if rec.Status != engine.RemediationSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", rec.Status, rec.LastError)
	}
	if rec.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", rec.Attempts)
	}
	if h.adapter.Calls() != 3 {
		t.Errorf("expected 3 adapter calls, got %d", h.adapter.Calls())
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
}

func TestPermanentTransientFailureRespectsMaxRetries(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		h.adapter.FailApply(engine.NewAdapterError(engine.ErrorCategoryTransient, "connection reset", nil))
	}

	cfg := fastConfig()
	cfg.MaxRetries = 4
	result := h.planAndExecute(t, cfg, publicViolation(h.bucket))

	rec := result.Records[0]
	if rec.Status != engine.RemediationFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Attempts != cfg.MaxRetries || h.adapter.Calls() != cfg.MaxRetries {
		t.Errorf("expected %d attempts, got %d (calls %d)", cfg.MaxRetries, rec.Attempts, h.adapter.Calls())
	}

	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", result.Errors)
	}
	var rerr *engine.RemediationError
	if !errors.As(result.Errors[0], &rerr) {
		t.Fatalf("expected RemediationError, got %T", result.Errors[0])
	}
	if rerr.Attempts != cfg.MaxRetries || rerr.Category != engine.ErrorCategoryTransient {
		t.Errorf("unexpected remediation error: %+v", rerr)
	}
	if len(h.events.OfType(engine.EventRemediationFailed)) != 1 {
		t.Error("expected a remediation.failed event")
	}

	stored, err := h.store.GetRecord(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	stored.Status = engine.RemediationPlanned
	if err := h.store.SaveRecord(context.Background(), stored); !errors.Is(err, stores.ErrRecordImmutable) {
		t.Errorf("expected failed record to be immutable, got %v", err)
	}
}

func TestTerminalCategoryIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.adapter.FailApply(engine.NewAdapterError(engine.ErrorCategoryPermissionDenied, "access denied", nil))

	result := h.planAndExecute(t, fastConfig(), publicViolation(h.bucket))

	rec := result.Records[0]
	if rec.Status != engine.RemediationFailed || rec.Attempts != 1 {
		t.Errorf("expected failed after 1 attempt, got %s after %d", rec.Status, rec.Attempts)
	}
}

func TestStaleStateIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := fastConfig()

	plan, err := h.orch.Plan(ctx, Request{PassID: "pass-1", Violations: []engine.PolicyViolation{publicViolation(h.bucket)}}, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	h.adapter.Put(bucketID, map[string]any{"public": true, "tags": map[string]any{"env": "staging"}})

	result, err := h.orch.Execute(ctx, plan, cfg)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	rec := result.Records[0]
	if rec.Status != engine.RemediationSkipped || rec.SkipReason != engine.SkipStaleState {
		t.Errorf("expected stale skip, got %s/%s", rec.Status, rec.SkipReason)
	}
	if h.adapter.Calls() != 0 {
		t.Errorf("adapter called %d times for a stale action", h.adapter.Calls())
	}
}

func TestInFlightKeyIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := fastConfig()

	plan, err := h.orch.Plan(ctx, Request{PassID: "pass-1", Violations: []engine.PolicyViolation{publicViolation(h.bucket)}}, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	h.orch.inflight.Store(plan.Actions[0].IdempotencyKey, "pass-0")

	result, err := h.orch.Execute(ctx, plan, cfg)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec := result.Records[0]; rec.Status != engine.RemediationSkipped || rec.SkipReason != engine.SkipInFlight {
		t.Errorf("expected in-flight skip, got %s/%s", rec.Status, rec.SkipReason)
	}
}

// gatedAdapter blocks ApplyAction until released.
type gatedAdapter struct {
	*static.Adapter
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAdapter) ApplyAction(ctx context.Context, action engine.Action) (engine.ActionResult, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.Adapter.ApplyAction(ctx, action)
}

func TestSamePlanConcurrentlyAppliesOnce(t *testing.T) {
	h := newHarness(t)
	gated := &gatedAdapter{Adapter: h.adapter, started: make(chan struct{}), release: make(chan struct{})}
	h.orch = NewOrchestrator(adapters.NewRegistry(gated), h.store, nil).WithPublisher(h.events)

	ctx := context.Background()
	cfg := fastConfig()

	first, err := h.orch.Plan(ctx, Request{PassID: "pass-1", Violations: []engine.PolicyViolation{publicViolation(h.bucket)}}, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	second, err := h.orch.Plan(ctx, Request{PassID: "pass-2", Violations: []engine.PolicyViolation{publicViolation(h.bucket)}}, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if first.Actions[0].IdempotencyKey != second.Actions[0].IdempotencyKey {
		t.Fatal("same violation planned twice produced different idempotency keys")
	}

	done := make(chan *Result)
	go func() {
		r, _ := h.orch.Execute(ctx, first, cfg)
		done <- r
	}()
	<-gated.started

	concurrent, err := h.orch.Execute(ctx, second, cfg)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	close(gated.release)
	firstResult := <-done

	if concurrent.Records[0].SkipReason != engine.SkipInFlight {
		t.Errorf("expected concurrent execution to skip, got %s", concurrent.Records[0].Status)
	}
	if firstResult.Records[0].Status != engine.RemediationSucceeded {
		t.Errorf("expected first execution to succeed, got %s", firstResult.Records[0].Status)
	}
	if h.adapter.Calls() != 1 {
		t.Errorf("expected exactly one adapter call, got %d", h.adapter.Calls())
	}
}

func TestCancelledDuringBackoff(t *testing.T) {
	h := newHarness(t)
	h.adapter.FailApply(engine.NewAdapterError(engine.ErrorCategoryTransient, "timeout", nil))

	cfg := fastConfig()
	cfg.InitialBackoff = 2 * time.Second
	cfg.MaxBackoff = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	plan, err := h.orch.Plan(ctx, Request{PassID: "pass-1", Violations: []engine.PolicyViolation{publicViolation(h.bucket)}}, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	result, err := h.orch.Execute(ctx, plan, cfg)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	rec := result.Records[0]
	if rec.Status != engine.RemediationSkipped || rec.SkipReason != engine.SkipCancelled {
		t.Errorf("expected cancelled skip, got %s/%s", rec.Status, rec.SkipReason)
	}
	if rec.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", rec.Attempts)
	}
}

func TestKillSwitch(t *testing.T) {
	h := newHarness(t)
	cfg := fastConfig()
	cfg.AutoRemediationEnabled = false

	notRemediable := publicViolation(h.bucket)
	notRemediable.ID = "v-manual"
	notRemediable.RuleID = "deleted-outside-process"
	notRemediable.AutoRemediable = false
	notRemediable.Remediation = nil

	plan, err := h.orch.Plan(context.Background(), Request{PassID: "p", Violations: []engine.PolicyViolation{publicViolation(h.bucket), notRemediable}}, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Actions) != 0 || len(plan.Conflicts) != 0 {
		t.Errorf("expected no actions, got %+v", plan)
	}
	if len(plan.Manual) != 2 {
		t.Fatalf("expected 2 manual actions, got %d", len(plan.Manual))
	}
	reasons := map[string]ManualReason{}
	for _, m := range plan.Manual {
		reasons[m.Violation.ID] = m.Reason
	}
	if reasons["v-public"] != ManualAutoRemediationDisabled || reasons["v-manual"] != ManualNotRemediable {
		t.Errorf("unexpected manual reasons: %v", reasons)
	}

	notified, err := h.orch.Execute(context.Background(), plan, cfg)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(notified.Manual) != 2 || len(notified.Records) != 0 {
		t.Errorf("expected 2 notifications and no records, got manual=%d records=%d", len(notified.Manual), len(notified.Records))
	}
	if got := len(h.events.OfType(engine.EventManualActionRequired)); got != 2 {
		t.Errorf("expected 2 manual action events, got %d", got)
	}
	before := len(h.events.Events())

	enabled, err := h.orch.Plan(context.Background(), Request{PassID: "p", Violations: []engine.PolicyViolation{publicViolation(h.bucket)}}, fastConfig())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	result, err := h.orch.Execute(context.Background(), enabled, cfg)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.Records) != 0 || h.adapter.Calls() != 0 || len(h.events.Events()) != before {
		t.Errorf("kill-switch let work through: records=%d calls=%d events=%d", len(result.Records), h.adapter.Calls(), len(h.events.Events())-before)
	}
}

// shiftingAdapter fails the first apply and changes the resource meanwhile.
type shiftingAdapter struct {
	*static.Adapter
	once sync.Once
}

func (s *shiftingAdapter) ApplyAction(ctx context.Context, action engine.Action) (engine.ActionResult, error) {
	var shifted bool
	s.once.Do(func() {
		s.Put(action.Identity, map[string]any{"public": true, "tags": map[string]any{"env": "staging"}})
		shifted = true
	})
	if shifted {
		err := engine.NewAdapterError(engine.ErrorCategoryTransient, "connection reset", nil)
		return engine.ActionResult{Status: engine.ActionResultFailed, ErrorCategory: engine.ErrorCategoryTransient}, err
	}
	return s.Adapter.ApplyAction(ctx, action)
}

func TestRetryRechecksState(t *testing.T) {
	h := newHarness(t)
	shifting := &shiftingAdapter{Adapter: h.adapter}
	h.orch = NewOrchestrator(adapters.NewRegistry(shifting), h.store, nil).WithPublisher(h.events)

	result := h.planAndExecute(t, fastConfig(), publicViolation(h.bucket))

	rec := result.Records[0]
	if rec.Status != engine.RemediationSkipped || rec.SkipReason != engine.SkipStaleState {
		t.Fatalf("expected stale state skip, got %s/%s", rec.Status, rec.SkipReason)
	}
	if rec.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", rec.Attempts)
	}
	if len(h.adapter.Applied()) != 0 {
		t.Errorf("action reached the resource after it changed: %+v", h.adapter.Applied())
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
}
