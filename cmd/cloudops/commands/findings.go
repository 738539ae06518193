package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

type findingsView struct {
	Scope      string                   `json:"scope"`
	Drifts     []engine.DriftEvent      `json:"drifts"`
	Violations []engine.PolicyViolation `json:"violations"`
}

func (c *cli) newFindingsCommand() *cobra.Command {
	var observe bool

	cmd := &cobra.Command{
		Use:   "findings <scope>",
		Short: "List open drift and policy violations",
		Example: `  cloudops findings aws/123456789012/us-east-1 --store-path state.db

  # Observe first
  cloudops findings aws/123456789012/us-east-1 --fixtures resources.yaml --observe`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			scope, err := engine.ParseScope(args[0])
			if err != nil {
				return err
			}

			a, err := c.openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if observe {
				if _, err := a.sched.Trigger(ctx, scope); err != nil {
					return fmt.Errorf("observation pass failed: %w", err)
				}
			}

			drifts, err := a.store.OpenDrifts(ctx, scope)
			if err != nil {
				return err
			}
			violations, err := a.store.OpenViolations(ctx, scope)
			if err != nil {
				return err
			}
			return c.printFindings(findingsView{Scope: scope.String(), Drifts: drifts, Violations: violations})
		},
	}

	cmd.Flags().BoolVar(&observe, "observe", false, "run a pass before listing")

	return cmd
}

func (c *cli) printFindings(v findingsView) error {
	p := c.printer()
	if ok, err := p.JSON(v); ok {
		return err
	}

	p.Linef("Drift (%d)", len(v.Drifts))
	tw := p.Table("RESOURCE", "KIND", "SEVERITY", "FIELDS", "DETECTED")
	for _, d := range v.Drifts {
		Row(tw, d.Identity, d.Kind, severityColor(d.Severity), len(d.FieldDiffs), formatTime(d.DetectedAt))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	p.Linef("\nViolations (%d)", len(v.Violations))
	tw = p.Table("ID", "RULE", "RESOURCE", "SEVERITY", "AUTO", "SUPPRESSED", "MESSAGE")
	for _, pv := range v.Violations {
		Row(tw, shortID(pv.ID), pv.RuleID, pv.Identity, severityColor(pv.Severity), pv.AutoRemediable, pv.Suppressed, pv.Message)
	}
	return tw.Flush()
}

func (c *cli) newSuppressCommand() *cobra.Command {
	var undo bool

	cmd := &cobra.Command{
		Use:   "suppress <violation-id>",
		Short: "Acknowledge a violation so it is never remediated",
		Long: `Suppress an open violation. A suppressed violation stays recorded and
reported but no remediation is planned for it. Use --undo to lift the
suppression.`,
		Aliases: []string{"ack"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := c.openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if err := a.sched.SuppressViolation(ctx, args[0], !undo, a.actor); err != nil {
				return err
			}

			p := c.printer()
			if ok, err := p.JSON(map[string]any{"violation_id": args[0], "suppressed": !undo}); ok {
				return err
			}
			if undo {
				p.Linef("Violation %s is no longer suppressed", args[0])
			} else {
				p.Linef("Violation %s suppressed", args[0])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&undo, "undo", false, "lift the suppression")

	return cmd
}
