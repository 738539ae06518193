package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

func (c *cli) newBaselineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Manage the desired state",
		Long: `Manage the desired state that drift is measured against.

The desired state of a resource is its last accepted configuration. It
is either accepted from an observation or imported from an external
source such as an infrastructure-as-code export.`,
	}

	cmd.AddCommand(c.newBaselineAcceptCommand())
	cmd.AddCommand(c.newBaselineImportCommand())

	return cmd
}

func (c *cli) newBaselineAcceptCommand() *cobra.Command {
	var (
		resources []string
		observe   bool
	)

	cmd := &cobra.Command{
		Use:   "accept <scope>",
		Short: "Accept observed resources as the desired state",
		Long: `Accept the last committed observation of a scope as its desired state.

Without --resource every observed resource of the scope is accepted.`,
		Example: `  # Accept everything observed in a scope
  cloudops baseline accept aws/123456789012/us-east-1

  # Observe first, then accept one resource
  cloudops baseline accept aws/123456789012/us-east-1 --observe \
    --resource aws/123456789012/us-east-1/ec2.instance/i-0abc`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			scope, err := engine.ParseScope(args[0])
			if err != nil {
				return err
			}
			ids := make([]engine.ResourceIdentity, 0, len(resources))
			for _, r := range resources {
				id, err := engine.ParseIdentity(r)
				if err != nil {
					return err
				}
				ids = append(ids, id)
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

			n, err := a.sched.AcceptBaseline(ctx, scope, ids, a.actor)
			if err != nil {
				return err
			}

			p := c.printer()
			if ok, err := p.JSON(map[string]any{"scope": scope.String(), "accepted": n}); ok {
				return err
			}
			p.Linef("Accepted %d resource(s) of %s as desired state", n, scope)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&resources, "resource", "r", nil, "resource identity to accept (repeatable)")
	cmd.Flags().BoolVar(&observe, "observe", false, "run a pass before accepting")

	return cmd
}

func (c *cli) newBaselineImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import desired state from a file",
		Long: `Import desired state from a YAML or JSON list of entries:

  - identity:
      provider: aws
      account: "123456789012"
      region: us-east-1
      resource_type: s3.bucket
      native_id: customer-exports
    attributes:
      public: false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read baseline: %w", err)
			}
			var states []engine.DesiredState
			if err := yaml.Unmarshal(data, &states); err != nil {
				return fmt.Errorf("failed to parse baseline %s: %w", args[0], err)
			}

			a, err := c.openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if err := a.sched.ImportBaseline(ctx, states, a.actor); err != nil {
				return err
			}

			p := c.printer()
			if ok, err := p.JSON(map[string]any{"imported": len(states)}); ok {
				return err
			}
			p.Linef("Imported desired state of %d resource(s)", len(states))
			return nil
		},
	}

	return cmd
}
