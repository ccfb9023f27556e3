package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/outreach-crawler/internal/supervisor"
)

// newSuperviseCmd creates the 'supervise' subcommand.
func newSuperviseCmd() *cobra.Command {
	var watchDir string
	cmd := &cobra.Command{
		Use:   "supervise [checkpoint]",
		Short: "Re-invoke workers until a checkpoint completes",
		Long: `Supervises one checkpoint, or with --watch every checkpoint that appears
in a spool directory. Workers are this binary's 'worker' command.`,
		Args: func(_ *cobra.Command, args []string) error {
			switch {
			case watchDir == "" && len(args) != 1:
				return errors.New("expected a checkpoint path or --watch")
			case watchDir != "" && len(args) != 0:
				return errors.New("--watch takes no checkpoint argument")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			spawner, err := supervisor.SelfSpawner()
			if err != nil {
				return err
			}
			sup, err := appInstance.Supervisor(spawner)
			if err != nil {
				return err
			}
			if watchDir == "" {
				return sup.Supervise(cmd.Context(), args[0])
			}
			if err := sup.Watch(cmd.Context(), watchDir); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watch %s: %w", watchDir, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&watchDir, "watch", "", "spool directory to watch for new checkpoints")
	return cmd
}
