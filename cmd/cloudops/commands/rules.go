package commands

import (
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cloudops-central/reconciler/pkg/policy"
)

func (c *cli) newRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and check policy rules",
	}

	cmd.AddCommand(c.newRulesListCommand())
	cmd.AddCommand(c.newRulesValidateCommand())

	return cmd
}

// activeRules composes the rules the configuration selects without
// opening a store or adapters.
func (c *cli) activeRules(cmd *cobra.Command) ([]policy.Rule, error) {
	cfgStore, err := c.loadConfig(c.globals())
	if err != nil {
		return nil, err
	}
	cfg := cfgStore.Snapshot()

	var builtin []policy.Rule
	if cfg.Policies.Builtin {
		if builtin, err = policy.BuiltinRules(cfg.BuiltinOptions()); err != nil {
			return nil, err
		}
	}
	var loaded []policy.Rule
	if len(cfg.Policies.Paths) > 0 {
		if loaded, err = c.ruleLoader().LoadFromPaths(cmd.Context(), cfg.Policies.Paths); err != nil {
			return nil, err
		}
	}
	return policy.Compose(builtin, loaded, cfg.Policies.Disabled)
}

func (c *cli) ruleLoader() *policy.Loader {
	return policy.NewLoader(log.Logger)
}

func (c *cli) newRulesListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the active rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := c.activeRules(cmd)
			if err != nil {
				return err
			}
			sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
			return c.printRules(rules)
		},
	}

	return cmd
}

func (c *cli) newRulesValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Compile rule files without loading them",
		Long: `Parse and compile rule files (.yaml, .yml, .json and .rego) and their
Rego or Starlark predicates. Directories are searched recursively.`,
		Example: `  cloudops rules validate ./policies`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := c.ruleLoader().LoadFromPaths(cmd.Context(), args)
			if err != nil {
				return err
			}

			p := c.printer()
			if ok, err := p.JSON(map[string]any{"valid": true, "rules": len(rules)}); ok {
				return err
			}
			p.Linef("%d rule(s) OK", len(rules))
			return nil
		},
	}

	return cmd
}

func (c *cli) printRules(rules []policy.Rule) error {
	p := c.printer()
	if ok, err := p.JSON(rules); ok {
		return err
	}

	tw := p.Table("ID", "CATEGORY", "SEVERITY", "ENABLED", "REMEDIATION", "SOURCE")
	for _, r := range rules {
		remediation := "-"
		if r.AutoRemediable && r.Remediation != nil {
			remediation = string(r.Remediation.Kind)
		}
		source := r.Source
		if source == "" {
			source = "builtin"
		}
		Row(tw, r.ID, r.Category, severityColor(r.Severity), r.Enabled, remediation, source)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	p.Linef("\n%d rule(s)", len(rules))
	return nil
}
