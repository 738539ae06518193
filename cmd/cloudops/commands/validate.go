package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudops-central/reconciler/pkg/config"
)

func (c *cli) newValidateCommand() *cobra.Command {
	var showEffective bool

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file against the configuration schema.

This command checks:
  - YAML, JSON or CUE syntax
  - Unknown fields and value types
  - Durations, severities and enumerations
  - Cross-field constraints such as backoff ordering and duplicate scopes`,
		Example: `  # Validate the file given by --config
  cloudops validate -c cloudops.yaml

  # Validate a CUE configuration and print the result with defaults
  cloudops validate cloudops.cue --effective`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.globals().ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no configuration file given")
			}

			p := c.printer()
			cfg, err := config.Load(path)
			if err != nil {
				var verrs config.ValidationErrors
				if !errors.As(err, &verrs) {
					return err
				}
				if ok, jerr := p.JSON(map[string]any{"valid": false, "errors": verrs}); ok {
					if jerr != nil {
						return jerr
					}
					return fmt.Errorf("%s is invalid", path)
				}
				for _, ve := range verrs {
					p.Linef("%s", ve.Error())
				}
				return fmt.Errorf("%s is invalid: %d problem(s)", path, len(verrs))
			}

			if showEffective {
				out, err := yamlString(cfg)
				if err != nil {
					return err
				}
				p.Linef("%s", out)
				return nil
			}

			if ok, err := p.JSON(map[string]any{"valid": true, "scopes": len(cfg.Scopes)}); ok {
				return err
			}
			p.Linef("%s is valid (%d scope(s))", path, len(cfg.Scopes))
			return nil
		},
	}

	cmd.Flags().BoolVar(&showEffective, "effective", false, "print the configuration with defaults applied, as YAML")

	return cmd
}
