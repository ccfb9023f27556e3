package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/workflow"
)

// newWorkflowCmd creates the 'workflow' subcommand, which runs a batch of
// connect, message and post workflows from a JSON file and prints the
// batch result.
func newWorkflowCmd() *cobra.Command {
	var (
		creds       checkpoint.Credentials
		stopOnError bool
	)
	cmd := &cobra.Command{
		Use:   "workflow <batch.json>",
		Short: "Execute a batch of workflows",
		Long: `Reads a JSON array of workflow specs, e.g.

  [{"kind": "connect", "profileUrl": "https://social.example/in/ada/", "note": "Hi Ada"},
   {"kind": "message", "profileUrl": "https://social.example/in/bob/", "text": "Thanks!"},
   {"kind": "post", "content": "Shipping today"}]

and executes them in order through one signed-in session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open batch: %w", err)
			}
			wfs, err := workflow.DecodeBatch(f)
			_ = f.Close()
			if err != nil {
				return err
			}

			engine, sessions, err := appInstance.Engine(creds)
			if err != nil {
				return err
			}
			defer func() {
				if rerr := sessions.Release(); rerr != nil {
					appInstance.Logger().Warn("release session", zap.Error(rerr))
				}
			}()

			out, runErr := engine.ExecuteBatch(cmd.Context(), wfs, workflow.BatchOptions{StopOnError: stopOnError})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			if runErr != nil {
				return runErr
			}
			if out.Summary.Failed > 0 {
				return fmt.Errorf("%d of %d workflows failed", out.Summary.Failed, out.Summary.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&creds.Username, "username", "", "account to sign in as")
	cmd.Flags().StringVar(&creds.SecretEnv, "secret-env", "OUTREACH_PASSWORD", "environment variable holding the account password")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "skip the remaining workflows after the first failure")
	return cmd
}
