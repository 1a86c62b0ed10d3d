package commands

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dwsmith1983/airflow-monitor/internal/app"
	"github.com/dwsmith1983/airflow-monitor/internal/config"
	"github.com/dwsmith1983/airflow-monitor/pkg/types"
)

// NewSyncCmd creates the sync command.
func NewSyncCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy new DAG runs and task instances from Airflow into Postgres",
		Long: `Runs one sync pass: every DAG is listed, runs that finished after the
stored watermark are fetched with their task instances, and each DAG's new
runs are committed in a single transaction.

Flags override the matching environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, version)
		},
	}
	addSyncFlags(cmd.Flags())
	return cmd
}

// runSync runs one pass with cmd's sync flags applied over the environment.
func runSync(cmd *cobra.Command, version string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applySyncFlags(cmd.Flags(), cfg); err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	d, err := app.Build(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close(ctx) }()

	sum, err := d.RunOnce(ctx)
	if errors.Is(err, types.ErrLockHeld) {
		fmt.Fprintln(cmd.OutOrStdout(), "Another sync pass is running, nothing to do.")
		return nil
	}
	printSummary(cmd.OutOrStdout(), sum)
	return err
}

func addSyncFlags(f *pflag.FlagSet) {
	f.Bool("dry-run", false, "fetch and transform without writing to Postgres (DRY_RUN)")
	f.String("dag", "", "sync only this DAG id (SAVE_ONLY_DAG)")
	f.String("since", "", "RFC 3339 lower bound on end_date, replaces the stored watermark (SAVE_SINCE)")
	f.Int("max-runs", 0, "maximum runs fetched per DAG (SAVE_MAX_DAG_RUNS)")
}

// applySyncFlags copies explicitly set flags onto cfg.
func applySyncFlags(f *pflag.FlagSet, cfg *config.Config) error {
	if f.Changed("dry-run") {
		v, err := f.GetBool("dry-run")
		if err != nil {
			return err
		}
		cfg.DryRun = v
	}
	if f.Changed("dag") {
		v, err := f.GetString("dag")
		if err != nil {
			return err
		}
		cfg.SaveOnlyDAG = v
	}
	if f.Changed("since") {
		v, err := f.GetString("since")
		if err != nil {
			return err
		}
		if err := cfg.SetSaveSince(v); err != nil {
			return fmt.Errorf("--since: %w", err)
		}
	}
	if f.Changed("max-runs") {
		v, err := f.GetInt("max-runs")
		if err != nil {
			return err
		}
		if v <= 0 {
			return fmt.Errorf("--max-runs must be positive, got %d", v)
		}
		cfg.MaxRuns = v
	}
	return nil
}

func printSummary(w io.Writer, sum types.SyncSummary) {
	mode := "committed"
	if !sum.Committed {
		mode = "dry run"
	}
	fmt.Fprintf(w, "Pass %s (%s): %d/%d DAGs synced, %d runs, %d tasks",
		sum.PassID, mode, sum.PipelinesSynced, sum.PipelinesSeen, sum.RunsSaved, sum.TasksSaved)
	if sum.RunsRejected > 0 || sum.RunsDeferred > 0 {
		fmt.Fprintf(w, " (%d rejected, %d still running)", sum.RunsRejected, sum.RunsDeferred)
	}
	if sum.RunsStale > 0 {
		fmt.Fprintf(w, " (%d stale skipped)", sum.RunsStale)
	}
	fmt.Fprintf(w, " in %s\n", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	if sum.Error != "" {
		fmt.Fprintf(w, "Failed: %s\n", sum.Error)
	}
}
