// Package reconcile runs reconciliation passes. A pass observes one scope
// through its Cloud Adapter, detects drift and cost anomalies, evaluates the
// policy rules, commits the findings and hands open violations to the
// remediation orchestrator.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/cloudops-central/reconciler/pkg/cost"
	"github.com/cloudops-central/reconciler/pkg/engine"
	"github.com/cloudops-central/reconciler/pkg/policy"
	"github.com/cloudops-central/reconciler/pkg/remediation"
	"github.com/cloudops-central/reconciler/pkg/stores"
	"github.com/cloudops-central/reconciler/pkg/telemetry"
)

// AdapterResolver returns the Cloud Adapter of a provider.
type AdapterResolver interface {
	Get(provider string) (engine.CloudAdapter, error)
}

// Options holds the collaborators of a Scheduler.
type Options struct {
	// Adapters resolves scope providers. Required.
	Adapters AdapterResolver

	// Store persists snapshots, findings and history. Required.
	Store stores.Store

	// Rules is the active rule set. Required.
	Rules *policy.RuleSet

	// Costs is the spend source. Nil disables cost anomaly detection.
	Costs cost.Source

	// Orchestrator applies remediations. Nil builds one on Adapters and Store.
	Orchestrator *remediation.Orchestrator

	// Settings returns the settings snapshot of each pass. Nil uses
	// DefaultSettings.
	Settings SettingsFunc

	// Scopes are reconciled periodically by Start.
	Scopes []ScopeSchedule

	// Telemetry instruments passes. Nil disables instrumentation.
	Telemetry *telemetry.Telemetry

	// Clock stamps pass records. Nil uses the system clock.
	Clock engine.Clock
}

// Scheduler runs reconciliation passes, periodically per scope and on demand.
// Passes of one scope never overlap; passes of different scopes run in
// parallel up to MaxConcurrentScopes.
type Scheduler struct {
	adapters AdapterResolver
	store    stores.Store
	rules    *policy.RuleSet
	costs    cost.Source
	orch     *remediation.Orchestrator
	policy   *policy.Engine
	settings SettingsFunc
	scopes   []ScopeSchedule
	tel      *telemetry.Telemetry
	events   engine.EventPublisher
	logger   zerolog.Logger
	clock    engine.Clock
	actor    string

	flight singleflight.Group
	locks  sync.Map // scope string -> *sync.Mutex

	mu      sync.Mutex
	running bool
	parent  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Adapters == nil {
		return nil, fmt.Errorf("adapter registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Rules == nil {
		return nil, fmt.Errorf("rule set is required")
	}
	for _, sc := range opts.Scopes {
		if err := sc.Scope.Validate(); err != nil {
			return nil, fmt.Errorf("invalid scope %s: %w", sc.Scope, err)
		}
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}
	settings := opts.Settings
	if settings == nil {
		settings = DefaultSettings
	}
	clock := opts.Clock
	if clock == nil {
		clock = engine.SystemClock
	}
	orch := opts.Orchestrator
	if orch == nil {
		orch = remediation.NewOrchestrator(opts.Adapters, opts.Store, tel).WithClock(clock)
	}

	logger := tel.Logger.NewComponentLogger("reconcile").Zerolog()
	return &Scheduler{
		adapters: opts.Adapters,
		store:    opts.Store,
		rules:    opts.Rules,
		costs:    opts.Costs,
		orch:     orch,
		policy:   policy.NewEngine(logger).WithClock(clock),
		settings: settings,
		scopes:   opts.Scopes,
		tel:      tel,
		events:   tel.Events,
		logger:   logger,
		clock:    clock,
		actor:    "reconciler",
	}, nil
}

// WithPublisher replaces the event publisher of the scheduler and its
// orchestrator.
func (s *Scheduler) WithPublisher(p engine.EventPublisher) *Scheduler {
	s.events = p
	s.orch.WithPublisher(p)
	return s
}

// Start launches one worker per configured scope. Each worker runs a pass
// immediately and then once per poll interval until Stop is called or ctx
// is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if len(s.scopes) == 0 {
		return fmt.Errorf("no scopes configured")
	}

	s.parent = ctx
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	limit := s.settings().MaxConcurrentScopes
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))

	for _, sc := range s.scopes {
		s.wg.Add(1)
		go s.worker(ctx, sc, sem)
	}

	s.logger.Info().Int("scopes", len(s.scopes)).Int("max_concurrent", limit).Msg("Scheduler started")
	return nil
}

// Stop cancels the workers and waits for running passes to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// UpdateScopes replaces the periodically reconciled scopes. A running
// scheduler waits for its in-flight passes, then restarts its workers on the
// new set, each running a pass immediately.
func (s *Scheduler) UpdateScopes(scopes []ScopeSchedule) error {
	for _, sc := range scopes {
		if err := sc.Scope.Validate(); err != nil {
			return fmt.Errorf("invalid scope %s: %w", sc.Scope, err)
		}
	}
	scopes = append([]ScopeSchedule(nil), scopes...)

	s.mu.Lock()
	if !s.running {
		s.scopes = scopes
		s.mu.Unlock()
		return nil
	}
	parent := s.parent
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.scopes = scopes
	s.mu.Unlock()
	if parent.Err() != nil {
		return nil
	}
	if len(scopes) == 0 {
		s.logger.Warn().Msg("No scopes left, periodic passes stopped")
		return nil
	}
	s.logger.Info().Int("scopes", len(scopes)).Msg("Restarting workers on new scopes")
	return s.Start(parent)
}

// Schedules returns the configured scopes with their poll intervals.
func (s *Scheduler) Schedules() []ScopeSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScopeSchedule(nil), s.scopes...)
}

func (s *Scheduler) worker(ctx context.Context, sc ScopeSchedule, sem *semaphore.Weighted) {
	defer s.wg.Done()

	logger := s.logger.With().Str("scope", sc.Scope.String()).Logger()
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		if _, err := s.trigger(ctx, sc.Scope, engine.PassTriggerPeriodic); err != nil {
			logger.Warn().Err(err).Msg("Periodic pass failed, retrying next cycle")
		}
		sem.Release(1)

		interval := sc.PollInterval
		if interval <= 0 {
			interval = s.settings().PollInterval
		}
		if interval <= 0 {
			interval = DefaultSettings().PollInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Trigger runs an on-demand pass for scope. Concurrent triggers of the same
// scope share one pass. The returned error is the systemic failure of the
// pass, if any; the pass record is returned either way.
func (s *Scheduler) Trigger(ctx context.Context, scope engine.Scope) (*engine.PassRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scope: %w", err)
	}
	return s.trigger(ctx, scope, engine.PassTriggerOnDemand)
}

func (s *Scheduler) trigger(ctx context.Context, scope engine.Scope, trigger engine.PassTrigger) (*engine.PassRecord, error) {
	key := scope.String()
	v, err, _ := s.flight.Do(key, func() (any, error) {
		mu := s.scopeLock(key)
		mu.Lock()
		defer mu.Unlock()
		return s.runPass(ctx, scope, trigger)
	})
	pass, _ := v.(*engine.PassRecord)
	return pass, err
}

func (s *Scheduler) scopeLock(key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RunOnce runs one on-demand pass for every configured scope. A failing
// scope does not stop the others; their errors are joined.
func (s *Scheduler) RunOnce(ctx context.Context) ([]*engine.PassRecord, error) {
	return s.RunScopes(ctx, s.Scopes())
}

// RunScopes runs one on-demand pass for each scope in parallel.
func (s *Scheduler) RunScopes(ctx context.Context, scopes []engine.Scope) ([]*engine.PassRecord, error) {
	passes := make([]*engine.PassRecord, len(scopes))
	errs := make([]error, len(scopes))

	limit := s.settings().MaxConcurrentScopes
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, scope := range scopes {
		g.Go(func() error {
			pass, err := s.Trigger(ctx, scope)
			passes[i] = pass
			if err != nil {
				errs[i] = fmt.Errorf("scope %s: %w", scope, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*engine.PassRecord, 0, len(passes))
	for _, p := range passes {
		if p != nil {
			out = append(out, p)
		}
	}
	return out, errors.Join(errs...)
}

// Scopes returns the configured scopes.
func (s *Scheduler) Scopes() []engine.Scope {
	schedules := s.Schedules()
	out := make([]engine.Scope, len(schedules))
	for i, sc := range schedules {
		out[i] = sc.Scope
	}
	return out
}
