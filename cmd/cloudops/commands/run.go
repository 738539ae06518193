package commands

import (
	"context"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudops-central/reconciler/pkg/config"
	"github.com/cloudops-central/reconciler/pkg/policy"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciler continuously",
		Long: `Run periodic reconciliation passes for every configured scope until
interrupted.

While running, the reconciler:
  - Serves Prometheus metrics when telemetry.metricsEnabled is set
  - Reloads the configuration file when it changes, restarting the
    periodic workers when the scopes or their poll intervals change
  - Reloads rule files when policies.watch is set`,
		Example: `  # Reconcile the scopes of a config file
  cloudops run --config cloudops.yaml

  # Against local fixtures and a persistent store
  cloudops run -c cloudops.yaml --fixtures resources.yaml --store-path state.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := c.openApp(ctx, appOptions{metrics: true})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if err := a.Close(shutdownCtx); err != nil {
					a.logger.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if server := a.tel.Metrics.StartMetricsServer(a.logger); server != nil {
				a.logger.Info().Str("address", server.Addr).Msg("Serving metrics")
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}

			if err := a.watch(ctx); err != nil {
				return err
			}

			if err := a.sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			a.sched.Stop()
			return nil
		},
	}

	return cmd
}

// watch starts configuration and rule reloading.
func (a *app) watch(ctx context.Context) error {
	if a.cfg.Path() != "" {
		onChange := func(cfg *config.Config) {
			a.logger.Info().
				Dur("poll_interval", cfg.Reconcile.PollInterval.D()).
				Bool("auto_remediation", cfg.Reconcile.AutoRemediationEnabled).
				Msg("New configuration applies from the next pass")
			a.tel.Metrics.SetKillSwitch(!cfg.Reconcile.AutoRemediationEnabled)

			if schedules := cfg.ScopeSchedules(); !slices.Equal(schedules, a.sched.Schedules()) {
				if err := a.sched.UpdateScopes(schedules); err != nil {
					a.logger.Error().Err(err).Msg("Failed to apply new scopes, keeping the previous ones")
				}
			}
		}
		if err := a.cfg.Watch(ctx, onChange); err != nil {
			return err
		}
	}

	cfg := a.cfg.Snapshot()
	if !cfg.Policies.Watch || len(cfg.Policies.Paths) == 0 {
		return nil
	}
	return a.loader.Watch(ctx, cfg.Policies.Paths, func(loaded []policy.Rule) error {
		current := a.cfg.Snapshot()
		var builtin []policy.Rule
		if current.Policies.Builtin {
			var err error
			if builtin, err = policy.BuiltinRules(current.BuiltinOptions()); err != nil {
				return err
			}
		}
		rules, err := policy.Compose(builtin, loaded, current.Policies.Disabled)
		if err != nil {
			return err
		}
		a.rules.Replace(rules)
		a.logger.Info().Int("rules", len(rules)).Msg("Rules reloaded")
		return nil
	})
}
