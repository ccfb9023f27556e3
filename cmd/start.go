package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/supervisor"
)

// newStartCmd creates the 'start' subcommand, which writes a run's initial
// checkpoint and, unless detached, supervises it to completion.
func newStartCmd() *cobra.Command {
	var (
		requestID string
		creds     checkpoint.Credentials
		detach    bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create a run checkpoint and supervise it",
		Long: `Writes the initial checkpoint of a new run into the spool directory.
Without --detach the run is then supervised in the foreground: workers are
spawned until the checkpoint completes or fails for good. With --detach the
checkpoint is left for a 'supervise --watch' or 'serve' process to pick up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			path, err := appInstance.StartRun(cmd.Context(), requestID, creds)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			if detach {
				return nil
			}
			spawner, err := supervisor.SelfSpawner()
			if err != nil {
				return err
			}
			sup, err := appInstance.Supervisor(spawner)
			if err != nil {
				return err
			}
			return sup.Supervise(cmd.Context(), path)
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "run id (default: a new UUIDv7)")
	cmd.Flags().StringVar(&creds.Username, "username", "", "account to sign in as")
	cmd.Flags().StringVar(&creds.SecretEnv, "secret-env", "OUTREACH_PASSWORD", "environment variable holding the account password")
	cmd.Flags().BoolVar(&detach, "detach", false, "only write the checkpoint")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}
