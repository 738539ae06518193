package config

import (
	"github.com/cloudops-central/reconciler/pkg/cost"
	"github.com/cloudops-central/reconciler/pkg/drift"
	"github.com/cloudops-central/reconciler/pkg/engine"
	"github.com/cloudops-central/reconciler/pkg/policy"
	"github.com/cloudops-central/reconciler/pkg/reconcile"
	"github.com/cloudops-central/reconciler/pkg/remediation"
	"github.com/cloudops-central/reconciler/pkg/telemetry"
)

// Settings converts the configuration into the snapshot a pass runs with.
func (c *Config) Settings() reconcile.Settings {
	severities := make(map[string]engine.Severity, len(c.Drift.SeverityMap))
	for path, sev := range c.Drift.SeverityMap {
		severities[path] = engine.Severity(sev)
	}

	driftOpts := drift.DefaultOptions()
	driftOpts.SeverityMap = severities
	driftOpts.DefaultSeverity = engine.Severity(c.Drift.DefaultSeverity)
	driftOpts.UnmanagedSeverity = engine.Severity(c.Drift.UnmanagedSeverity)
	driftOpts.DeletedSeverity = engine.Severity(c.Drift.DeletedSeverity)
	driftOpts.FloatTolerance = c.Drift.FloatTolerance
	driftOpts.OrderedPaths = append([]string(nil), c.Drift.OrderedPaths...)

	return reconcile.Settings{
		PollInterval:        c.Reconcile.PollInterval.D(),
		PassTimeout:         c.Reconcile.PassTimeout.D(),
		MaxConcurrentScopes: c.Reconcile.MaxConcurrentScopes,
		CostLookback:        c.Cost.Lookback.D(),
		CostWindow:          c.Cost.Window.D(),
		Drift:               driftOpts,
		Cost: cost.Options{
			ZScoreThreshold: c.Cost.ZScoreThreshold,
			MinHistory:      c.Cost.MinHistory,
			MinStdDevRatio:  c.Cost.MinStdDevRatio,
		},
		Remediation: remediation.Config{
			AutoRemediationEnabled: c.Reconcile.AutoRemediationEnabled,
			MaxRetries:             c.Remediation.MaxRetries,
			InitialBackoff:         c.Remediation.InitialBackoff.D(),
			MaxBackoff:             c.Remediation.MaxBackoff.D(),
			ApplyRatePerSecond:     c.Remediation.ApplyRatePerSecond,
			ApplyBurst:             c.Remediation.ApplyBurst,
			FlapThreshold:          c.Remediation.FlapThreshold,
			MaxConcurrentActions:   c.Remediation.MaxConcurrentActions,
		},
	}
}

// ScopeSchedules returns the configured scopes.
func (c *Config) ScopeSchedules() []reconcile.ScopeSchedule {
	out := make([]reconcile.ScopeSchedule, len(c.Scopes))
	for i, sc := range c.Scopes {
		out[i] = reconcile.ScopeSchedule{Scope: sc.Scope(), PollInterval: sc.PollInterval.D()}
	}
	return out
}

// BuiltinOptions parameterizes the built-in rules.
func (c *Config) BuiltinOptions() policy.BuiltinOptions {
	return policy.BuiltinOptions{
		RequiredTags: append([]string(nil), c.Policies.RequiredTags...),
		DefaultOwner: c.Policies.DefaultOwner,
	}
}

// TelemetryConfig builds the telemetry configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	t := c.Telemetry
	tc.Environment = t.Environment
	tc.Logging.Level = t.LogLevel
	tc.Logging.Format = t.LogFormat
	tc.Metrics.Enabled = t.MetricsEnabled
	tc.Metrics.ListenAddress = t.MetricsAddress
	tc.Tracing.Enabled = t.TracingEnabled
	tc.Tracing.Exporter = t.TracingExporter
	tc.Tracing.Endpoint = t.TracingEndpoint
	tc.Tracing.SamplingRate = t.SamplingRate
	tc.Events.BufferSize = t.EventBuffer
	return tc
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Scopes = append([]ScopeConfig(nil), c.Scopes...)
	out.Drift.SeverityMap = make(map[string]string, len(c.Drift.SeverityMap))
	for k, v := range c.Drift.SeverityMap {
		out.Drift.SeverityMap[k] = v
	}
	out.Drift.OrderedPaths = append([]string(nil), c.Drift.OrderedPaths...)
	out.Policies.Paths = append([]string(nil), c.Policies.Paths...)
	out.Policies.Disabled = append([]string(nil), c.Policies.Disabled...)
	out.Policies.RequiredTags = append([]string(nil), c.Policies.RequiredTags...)
	out.Adapters.Plugins = append([]string(nil), c.Adapters.Plugins...)
	return &out
}
