package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/airflow-monitor/internal/app"
	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

type airflowProbe interface {
	CheckAccess(ctx context.Context) (bool, error)
	ListPipelines(ctx context.Context) ([]types.DAG, error)
}

// NewCheckCmd creates the check command.
func NewCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the Airflow API is reachable with the configured credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			if _, err := app.Prepare(ctx, cfg); err != nil {
				return err
			}
			return runCheck(ctx, cmd.OutOrStdout(), app.NewAirflowClient(cfg, logger), cfg.AirflowURL)
		},
	}
}

func runCheck(ctx context.Context, w io.Writer, api airflowProbe, source string) error {
	if _, err := api.CheckAccess(ctx); err != nil {
		return fmt.Errorf("airflow at %s is not reachable: %w", source, err)
	}
	dags, err := api.ListPipelines(ctx)
	if err != nil {
		return err
	}

	active := 0
	for _, d := range dags {
		if d.IsActive {
			active++
		}
	}
	fmt.Fprintf(w, "Airflow at %s is reachable: %d DAGs (%d active)\n", source, len(dags), active)
	return nil
}
