package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the airflow-monitor command. Invoked without a
// subcommand it runs a sync pass, so a bare container start behaves like the
// Lambda.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "airflow-monitor",
		Short: "Incrementally copy Airflow DAG run history into Postgres",
		Long: `airflow-monitor polls the Airflow REST API and persists finished DAG runs
and their task instances into Postgres, resuming from the newest stored run of
each DAG. Configuration comes from the environment, optionally layered over a
YAML file named by AIRFLOW_MONITOR_CONFIG.

Without a subcommand it runs "sync".`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, version)
		},
	}
	addSyncFlags(root.Flags())

	root.AddCommand(
		NewSyncCmd(version),
		NewInitDBCmd(),
		NewStatusCmd(),
		NewCheckCmd(),
	)
	return root
}
