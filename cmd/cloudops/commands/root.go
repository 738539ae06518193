package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// envPrefix prefixes the environment variables that override global flags,
// e.g. CLOUDOPS_CONFIG or CLOUDOPS_STORE_PATH.
const envPrefix = "CLOUDOPS"

// cli holds the state shared by all commands of one invocation.
type cli struct {
	info BuildInfo
	v    *viper.Viper
	out  io.Writer
	err  io.Writer
}

// globals are the resolved global flags.
type globals struct {
	ConfigPath string
	Fixtures   string
	Plugins    []string
	StorePath  string
	LogLevel   string
	Actor      string
	JSON       bool
	NoColor    bool
}

func (c *cli) globals() globals {
	return globals{
		ConfigPath: c.v.GetString("config"),
		Fixtures:   c.v.GetString("fixtures"),
		Plugins:    c.v.GetStringSlice("plugin"),
		StorePath:  c.v.GetString("store-path"),
		LogLevel:   c.v.GetString("log-level"),
		Actor:      c.v.GetString("actor"),
		JSON:       c.v.GetBool("json"),
		NoColor:    c.v.GetBool("no-color"),
	}
}

// Execute runs the root command.
func Execute(ctx context.Context, info BuildInfo) error {
	return newRootCommand(info, os.Stdout, os.Stderr).ExecuteContext(ctx)
}

func newRootCommand(info BuildInfo, out, errOut io.Writer) *cobra.Command {
	c := &cli{info: info, v: viper.New(), out: out, err: errOut}

	rootCmd := &cobra.Command{
		Use:   "cloudops",
		Short: "CloudOps - reconciliation and policy enforcement for cloud estates",
		Long: `cloudops continuously compares what runs in your cloud accounts with what
should run there.

Each reconciliation pass:
  - Observes every resource of a provider/account/region scope
  - Detects drift against the accepted baseline
  - Evaluates security, cost and governance rules
  - Flags spend anomalies
  - Remediates violations whose rules allow it, idempotently`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			g := c.globals()
			if g.NoColor || g.JSON {
				color.NoColor = true
			}
			if g.LogLevel != "" {
				lvl, err := zerolog.ParseLevel(g.LogLevel)
				if err != nil {
					return fmt.Errorf("invalid log level %q", g.LogLevel)
				}
				zerolog.SetGlobalLevel(lvl)
			}
			return nil
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path (.yaml, .json or .cue)")
	flags.String("fixtures", "", "resource fixtures served by in-memory adapters")
	flags.StringSlice("plugin", nil, "WebAssembly adapter manifest (repeatable)")
	flags.String("store-path", "", "SQLite database path (overrides store settings)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("actor", defaultActor(), "actor recorded in the audit log")
	flags.Bool("json", false, "output in JSON format")
	flags.Bool("no-color", false, "disable colored output")

	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	_ = c.v.BindPFlags(flags)

	rootCmd.AddCommand(c.newRunCommand())
	rootCmd.AddCommand(c.newReconcileCommand())
	rootCmd.AddCommand(c.newBaselineCommand())
	rootCmd.AddCommand(c.newFindingsCommand())
	rootCmd.AddCommand(c.newSuppressCommand())
	rootCmd.AddCommand(c.newHistoryCommand())
	rootCmd.AddCommand(c.newRulesCommand())
	rootCmd.AddCommand(c.newCostCommand())
	rootCmd.AddCommand(c.newValidateCommand())
	rootCmd.AddCommand(c.newVersionCommand())

	return rootCmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
