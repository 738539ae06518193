package reconcile

import (
	"time"

	"github.com/cloudops-central/reconciler/pkg/cost"
	"github.com/cloudops-central/reconciler/pkg/drift"
	"github.com/cloudops-central/reconciler/pkg/engine"
	"github.com/cloudops-central/reconciler/pkg/remediation"
)

// Settings is the configuration one pass runs with. A pass takes a copy at
// start and keeps it until it ends, so reloads only affect later passes.
type Settings struct {
	// PollInterval is the default interval between periodic passes.
	PollInterval time.Duration

	// PassTimeout bounds a whole pass. Zero disables the deadline.
	PassTimeout time.Duration

	// MaxConcurrentScopes bounds passes running at the same time.
	MaxConcurrentScopes int

	// CostLookback is how far back cost series are read.
	CostLookback time.Duration

	// CostWindow is the trailing baseline window of the anomaly detector.
	CostWindow time.Duration

	Drift       drift.Options
	Cost        cost.Options
	Remediation remediation.Config
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		PollInterval:        5 * time.Minute,
		PassTimeout:         2 * time.Minute,
		MaxConcurrentScopes: 4,
		CostLookback:        30 * 24 * time.Hour,
		CostWindow:          14 * 24 * time.Hour,
		Drift:               drift.DefaultOptions(),
		Cost:                cost.DefaultOptions(),
		Remediation:         remediation.DefaultConfig(),
	}
}

// SettingsFunc returns the current settings. config.Store.Settings has this
// shape.
type SettingsFunc func() Settings

// ScopeSchedule is one scope reconciled periodically.
type ScopeSchedule struct {
	Scope engine.Scope

	// PollInterval overrides Settings.PollInterval when positive.
	PollInterval time.Duration
}
