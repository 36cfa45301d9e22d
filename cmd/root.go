// Package cmd defines and implements the CLI commands for the
// insightpioneer executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EthanZane/insightpioneer-backend/internal/logging"
	"github.com/EthanZane/insightpioneer-backend/pkg/config"
)

var cfgFile string

// newRootCmd builds the root command. Configuration and the logger are
// initialized in PersistentPreRunE so every subcommand sees the same
// environment.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insightpioneer",
		Short: "Page-change discovery engine for monitored sites",
		Long: `insightpioneer discovers new pages on monitored sites. Each site is
crawled with its configured strategy (sitemap, partial, or full crawl),
the results are reconciled against the pages already known, and new
pages are persisted and announced.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ., /etc/insightpioneer, $HOME/.insightpioneer)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newInitDBCmd())
	return cmd
}

// setup builds the logger and configuration snapshot shared by commands.
func setup() (*zap.Logger, config.Settings, error) {
	bootstrap, err := logging.New(false)
	if err != nil {
		return nil, config.Settings{}, fmt.Errorf("init logger: %w", err)
	}
	config.InitConfig(cfgFile, bootstrap)
	settings := config.Load()

	logger, err := logging.New(settings.Development)
	if err != nil {
		return nil, config.Settings{}, fmt.Errorf("init logger: %w", err)
	}
	return logger, settings, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
