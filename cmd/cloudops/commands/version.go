package commands

import (
	"runtime"

	"github.com/spf13/cobra"
)

func (c *cli) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := c.printer()
			info := struct {
				BuildInfo
				GoVersion string `json:"go_version"`
			}{c.info, runtime.Version()}
			if ok, err := p.JSON(info); ok {
				return err
			}
			p.Linef("cloudops %s", c.info.Version)
			p.Linef("  commit: %s", c.info.Commit)
			p.Linef("  built:  %s", c.info.BuildDate)
			p.Linef("  go:     %s", info.GoVersion)
			return nil
		},
	}
}
