package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/healing"
)

// newWorkerCmd creates the 'worker' subcommand. It is the unit the supervisor
// spawns: it exits 0 after deleting a completed checkpoint and 1 otherwise,
// leaving the checkpoint behind.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker <checkpoint>",
		Short: "Resume one run checkpoint in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := appInstance.Logger().Named("worker").With(zap.String("checkpoint", args[0]))
			err = appInstance.RunWorker(cmd.Context(), args[0])
			if req, ok := healing.AsRequest(err); ok {
				logger.Info("handing checkpoint to a fresh worker",
					zap.String("request_id", req.RequestID),
					zap.String("phase", string(req.Phase)),
					zap.Int("recursion", req.Recursion))
				return err
			}
			if err != nil {
				logger.Error("worker failed", zap.Error(err))
				return err
			}
			logger.Info("run complete")
			return nil
		},
	}
}
