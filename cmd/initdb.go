package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/EthanZane/insightpioneer-backend/internal/store"
)

// newInitDBCmd builds the 'initdb' subcommand, which creates the engine's
// tables when they do not exist yet.
func newInitDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, settings, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := store.NewPostgres(cmd.Context(), store.PostgresConfig{
				DSN:      settings.DatabaseDSN,
				MaxConns: settings.DatabaseMaxConns,
			})
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer st.Close()

			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("schema ready")
			return nil
		},
	}
}
