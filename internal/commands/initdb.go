package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/airflow-monitor/internal/app"
)

// NewInitDBCmd creates the init-db command.
func NewInitDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the schema and history tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app.NewLogger(cfg)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if _, err := app.Prepare(ctx, cfg); err != nil {
				return err
			}
			store, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.EnsureSchema(ctx, cfg.PSQLRole); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema %q ready\n", cfg.PSQLSchema)
			return nil
		},
	}
}
