package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

func (c *cli) newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile [scope...]",
		Short: "Run one reconciliation pass",
		Long: `Run one on-demand reconciliation pass per scope and print the outcome.

Scopes are written provider/account/region. Without arguments every
configured scope is reconciled. Passes of different scopes run in
parallel; a failing scope does not stop the others.`,
		Example: `  # Reconcile every configured scope
  cloudops reconcile -c cloudops.yaml

  # Reconcile one scope against fixtures
  cloudops reconcile aws/123456789012/us-east-1 --fixtures resources.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := c.openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			scopes, err := parseScopes(args)
			if err != nil {
				return err
			}
			if len(scopes) == 0 {
				scopes = a.sched.Scopes()
			}
			if len(scopes) == 0 {
				return fmt.Errorf("no scopes given and none configured")
			}

			passes, runErr := a.sched.RunScopes(ctx, scopes)
			if err := c.printPasses(passes); err != nil {
				return err
			}
			return runErr
		},
	}

	return cmd
}

func parseScopes(args []string) ([]engine.Scope, error) {
	scopes := make([]engine.Scope, 0, len(args))
	for _, arg := range args {
		s, err := engine.ParseScope(arg)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}

func (c *cli) printPasses(passes []*engine.PassRecord) error {
	p := c.printer()
	if ok, err := p.JSON(passes); ok {
		return err
	}

	tw := p.Table("PASS", "SCOPE", "STATUS", "RESOURCES", "DRIFTS", "VIOLATIONS", "RESOLVED", "ANOMALIES", "ACTIONS", "DURATION")
	for _, pass := range passes {
		if pass == nil {
			continue
		}
		n := pass.Counts
		actions := fmt.Sprintf("%d/%d", n.ActionsSucceeded, n.ActionsPlanned)
		if n.ActionsFailed > 0 {
			actions += fmt.Sprintf(" (%d failed)", n.ActionsFailed)
		}
		Row(tw, shortID(pass.ID), pass.Scope, passStatusColor(pass.Status), n.Resources, n.Drifts,
			n.Violations, n.Resolved, n.Anomalies, actions, pass.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, pass := range passes {
		if pass == nil || len(pass.Errors) == 0 {
			continue
		}
		p.Linef("\n%s errors:\n  %s", pass.Scope, strings.Join(pass.Errors, "\n  "))
	}
	return nil
}
