package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deniskropp/t170/internal/config"
)

var (
	configPath string
	dbPath     string
	dbDriver   string
)

var rootCmd = &cobra.Command{
	Use:   "multipersona",
	Short: "Multi-agent task dispatcher",
	Long: `multipersona matches tasks to agents playing named roles.

Tasks wait until their dependencies complete, pass an ethical review and are
then claimed by an idle agent of their role. Urgent tasks with no available
agent get a synthesized role and an ephemeral agent.

Core capabilities:
- Dependency-aware task tracking in SQLite
- Atomic agent claiming, safe across processes
- Role synthesis through the Anthropic API or AWS Bedrock
- Keyword-based ethical gate with hot-reloadable policy
- Message bus announcements for every dispatch`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: XDG config plus .multipersona.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides store.path)")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "driver", "", "SQL driver: sqlite or sqlite3 (overrides store.driver)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration honoring the persistent flags.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if dbDriver != "" {
		cfg.Store.Driver = dbDriver
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
