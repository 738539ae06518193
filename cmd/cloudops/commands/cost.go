package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudops-central/reconciler/pkg/cost"
	"github.com/cloudops-central/reconciler/pkg/engine"
)

func (c *cli) newCostCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Inspect spend and cost anomalies",
		Long: `Inspect spend read from the configured cost source (cost.source:
fixtures or aws).`,
	}

	cmd.AddCommand(c.newCostSummaryCommand())
	cmd.AddCommand(c.newCostAnomaliesCommand())

	return cmd
}

// costSeries reads the series of a scope over the configured lookback.
func (a *app) costSeries(ctx context.Context, scopeArg string) ([]cost.TimeSeries, error) {
	if a.costs == nil {
		return nil, fmt.Errorf("no cost source configured (set cost.source)")
	}
	scope, err := engine.ParseScope(scopeArg)
	if err != nil {
		return nil, err
	}
	settings := a.cfg.Settings()
	end := time.Now().UTC()
	return a.costs.Series(ctx, scope, end.Add(-settings.CostLookback), end)
}

func (c *cli) newCostSummaryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "summary <scope>",
		Short:   "Total spend per provider and service",
		Example: `  cloudops cost summary aws/123456789012/us-east-1 -c cloudops.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := c.openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			series, err := a.costSeries(ctx, args[0])
			if err != nil {
				return err
			}
			sum := cost.Summarize(series)

			p := c.printer()
			if ok, err := p.JSON(sum); ok {
				return err
			}
			tw := p.Table("PROVIDER", "SERVICE", "TOTAL")
			for _, s := range sum.Services {
				Row(tw, s.Provider, s.Service, fmt.Sprintf("%.2f", s.Total))
			}
			Row(tw, "", "total", fmt.Sprintf("%.2f", sum.Total))
			return tw.Flush()
		},
	}

	return cmd
}

func (c *cli) newCostAnomaliesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anomalies <scope>",
		Short: "Detect spend anomalies without running a pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := c.openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			series, err := a.costSeries(ctx, args[0])
			if err != nil {
				return err
			}
			settings := a.cfg.Settings()
			anomalies := cost.NewDetector(settings.Cost, a.logger).DetectAll(series, settings.CostWindow)

			p := c.printer()
			if ok, err := p.JSON(anomalies); ok {
				return err
			}
			tw := p.Table("SCOPE", "DAY", "OBSERVED", "EXPECTED", "Z", "VARIANCE", "SEVERITY")
			for _, an := range anomalies {
				Row(tw, an.Scope, an.Timestamp.Format(time.DateOnly), fmt.Sprintf("%.2f", an.Observed),
					fmt.Sprintf("%.2f-%.2f", an.ExpectedRange.Low, an.ExpectedRange.High),
					fmt.Sprintf("%.1f", an.DeviationScore), fmt.Sprintf("%+.0f%%", an.VariancePercent),
					severityColor(an.Severity))
			}
			return tw.Flush()
		},
	}

	return cmd
}
