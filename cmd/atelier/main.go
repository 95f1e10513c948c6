// Command atelier runs the interior-design brief analysis workflow.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"atelier/pkg/config"
	"atelier/pkg/logx"
)

// Version information - set via ldflags.
var (
	version = "dev"
	commit  = "none"
)

//nolint:gochecknoglobals // cobra command tree
var (
	configPath string
	jsonOutput bool
)

// flagKeys maps persistent flags onto config keys.
//
//nolint:gochecknoglobals // static table
var flagKeys = map[string]string{
	"store-driver": "store.driver",
	"store-dsn":    "store.dsn",
	"debug":        "logs.debug",
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "atelier",
		Short: "Design brief analysis workflow",
		Long: `atelier turns a free-form interior design brief into a staffed expert analysis.
The brief is analysed, clarified through a three-step questionnaire, confirmed,
assigned to expert roles with explicit deliverables and executed in parallel.
Sessions pause whenever client input is needed and can be resumed later.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd.Root())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file (default ./atelier.yaml)")
	pf.BoolVar(&jsonOutput, "json", false, "output JSON")
	pf.String("store-driver", "", "session store driver: memory, sqlite or postgres")
	pf.String("store-dsn", "", "session store DSN")
	pf.Bool("debug", false, "enable debug logging")

	root.AddCommand(runCmd())
	root.AddCommand(resumeCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(usageCmd())
	root.AddCommand(versionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

// loadConfig reads .env, then the layered config, and installs it globally.
func loadConfig(root *cobra.Command) error {
	_ = godotenv.Load()

	v := config.NewViper(configPath)
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, root.PersistentFlags().Lookup(name)); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}
	config.Set(cfg)

	if cfg.Logs.Debug {
		logx.SetDebugConfig(true)
	}
	if len(cfg.Logs.DebugDomains) > 0 {
		logx.SetDebugDomains(cfg.Logs.DebugDomains)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "atelier %s (%s)\n", version, commit)
			return nil
		},
	}
}
