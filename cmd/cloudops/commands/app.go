package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cloudops-central/reconciler/pkg/adapters"
	"github.com/cloudops-central/reconciler/pkg/adapters/static"
	"github.com/cloudops-central/reconciler/pkg/adapters/wasm"
	"github.com/cloudops-central/reconciler/pkg/config"
	"github.com/cloudops-central/reconciler/pkg/cost"
	"github.com/cloudops-central/reconciler/pkg/cost/awsce"
	"github.com/cloudops-central/reconciler/pkg/policy"
	"github.com/cloudops-central/reconciler/pkg/reconcile"
	"github.com/cloudops-central/reconciler/pkg/stores"
	"github.com/cloudops-central/reconciler/pkg/telemetry"
)

// app is the wired engine of one command invocation.
type app struct {
	cfg      *config.Store
	tel      *telemetry.Telemetry
	store    stores.Store
	adapters *adapters.Registry
	loader   *policy.Loader
	rules    *policy.RuleSet
	costs    cost.Source
	sched    *reconcile.Scheduler
	logger   zerolog.Logger
	actor    string

	closers []func(context.Context) error
}

// appOptions tunes openApp for the command at hand.
type appOptions struct {
	// metrics keeps the metrics registry enabled. Only long-running
	// commands serve it.
	metrics bool
}

func (c *cli) openApp(ctx context.Context, opts appOptions) (a *app, err error) {
	g := c.globals()

	cfgStore, err := c.loadConfig(g)
	if err != nil {
		return nil, err
	}
	cfg := cfgStore.Snapshot()

	tc := cfg.TelemetryConfig(c.info.Version)
	tc.Metrics.Enabled = opts.metrics && tc.Metrics.Enabled
	tc.Events.BufferSize = cfg.Telemetry.EventBuffer
	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a = &app{
		cfg:    cfgStore,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("cli").Zerolog(),
		actor:  g.Actor,
		loader: policy.NewLoader(tel.Logger.Zerolog()),
	}
	a.closers = append(a.closers, tel.Shutdown)
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	// The store outlives telemetry so buffered events still reach it.
	storeClose := func(context.Context) error { return a.store.Close() }
	a.closers = append([]func(context.Context) error{storeClose}, a.closers...)
	tel.Events.AddSink("store", a.store)

	if a.adapters, err = a.openAdapters(ctx, cfg.Adapters); err != nil {
		return nil, err
	}

	rules, err := a.loadRules(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.rules = policy.NewRuleSet(rules)

	if a.costs, err = a.openCostSource(ctx, cfg.Cost); err != nil {
		return nil, err
	}

	a.sched, err = reconcile.NewScheduler(reconcile.Options{
		Adapters:  a.adapters,
		Store:     a.store,
		Rules:     a.rules,
		Costs:     a.costs,
		Settings:  cfgStore.Settings,
		Scopes:    cfg.ScopeSchedules(),
		Telemetry: tel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return a, nil
}

// loadConfig reads the configuration file, or the defaults, and applies
// the global flag overrides.
func (c *cli) loadConfig(g globals) (*config.Store, error) {
	logger := zerolog.Nop()

	var (
		s   *config.Store
		err error
	)
	if g.ConfigPath != "" {
		s, err = config.OpenStore(g.ConfigPath, logger)
		if err != nil {
			return nil, err
		}
	} else {
		s = config.NewStore(config.Default(), logger)
	}

	cfg := s.Snapshot()
	if g.Fixtures != "" {
		cfg.Adapters.Fixtures = g.Fixtures
	}
	cfg.Adapters.Plugins = append(cfg.Adapters.Plugins, g.Plugins...)
	if g.StorePath != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = g.StorePath
	}
	if g.LogLevel != "" {
		cfg.Telemetry.LogLevel = g.LogLevel
	}
	if err := s.Replace(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (stores.Store, error) {
	var store stores.Store
	switch sc.Driver {
	case "sqlite":
		s, err := stores.NewSQLiteStore(stores.Config{Path: sc.Path})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		store = stores.NewMemoryStore()
	}

	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return store, nil
}

func (a *app) openAdapters(ctx context.Context, ac config.AdaptersConfig) (*adapters.Registry, error) {
	registry := adapters.NewRegistry()

	if ac.Fixtures != "" {
		fixtures, err := static.LoadFile(ac.Fixtures)
		if err != nil {
			return nil, err
		}
		for _, ad := range fixtures {
			if err := registry.Register(ad); err != nil {
				return nil, err
			}
		}
	}

	for _, manifest := range ac.Plugins {
		ad, err := wasm.Open(ctx, manifest, a.tel.Logger.Zerolog())
		if err != nil {
			return nil, fmt.Errorf("failed to load adapter plugin %s: %w", manifest, err)
		}
		a.closers = append(a.closers, ad.Close)
		if err := registry.Register(ad); err != nil {
			return nil, err
		}
	}

	a.logger.Debug().Strs("providers", registry.Names()).Msg("Adapters registered")
	return registry, nil
}

func (a *app) loadRules(ctx context.Context, cfg *config.Config) ([]policy.Rule, error) {
	var builtin []policy.Rule
	if cfg.Policies.Builtin {
		var err error
		if builtin, err = policy.BuiltinRules(cfg.BuiltinOptions()); err != nil {
			return nil, err
		}
	}

	var loaded []policy.Rule
	if len(cfg.Policies.Paths) > 0 {
		var err error
		if loaded, err = a.loader.LoadFromPaths(ctx, cfg.Policies.Paths); err != nil {
			return nil, err
		}
	}

	return policy.Compose(builtin, loaded, cfg.Policies.Disabled)
}

func (a *app) openCostSource(ctx context.Context, cc config.CostConfig) (cost.Source, error) {
	switch cc.Source {
	case "fixtures":
		src, err := cost.LoadMemorySource(cc.Fixtures)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "aws":
		src, err := awsce.NewFromProfile(ctx, cc.AWSProfile, awsce.GroupBy(cc.GroupBy), a.tel.Logger.Zerolog())
		if err != nil {
			return nil, fmt.Errorf("failed to create Cost Explorer source: %w", err)
		}
		return src, nil
	default:
		return nil, nil
	}
}

// Close releases everything openApp acquired, in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
