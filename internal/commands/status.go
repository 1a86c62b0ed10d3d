package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/airflow-monitor/internal/app"
	"github.com/dwsmith1983/airflow-monitor/internal/store/postgres"
)

type statusLister interface {
	PipelineStatuses(ctx context.Context) ([]postgres.PipelineStatus, error)
}

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored run history per DAG",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app.NewLogger(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if _, err := app.Prepare(ctx, cfg); err != nil {
				return err
			}
			store, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			return showStatus(ctx, cmd.OutOrStdout(), store)
		},
	}
}

func showStatus(ctx context.Context, w io.Writer, store statusLister) error {
	statuses, err := store.PipelineStatuses(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(w, "No runs stored yet.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DAG\tRUNS\tTASKS\tLAST END\tLAST SAVED")
	for _, st := range statuses {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n",
			st.PipelineID, st.Runs, st.Tasks, formatTime(st.LastEnd), formatTime(st.LastSaved))
	}
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
