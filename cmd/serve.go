package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/outreach-crawler/internal/supervisor"
)

// newServeCmd creates the 'serve' subcommand: the ops API plus, by default,
// a spool watcher that supervises runs created through it.
func newServeCmd() *cobra.Command {
	var supervise bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ops API and supervise spooled runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return appInstance.Serve(ctx) })
			if supervise {
				spawner, err := supervisor.SelfSpawner()
				if err != nil {
					return err
				}
				sup, err := appInstance.Supervisor(spawner)
				if err != nil {
					return err
				}
				g.Go(func() error {
					err := sup.Watch(ctx, appInstance.Config().Checkpoint.SpoolDir)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&supervise, "supervise", true, "supervise checkpoints that appear in the spool directory")
	return cmd
}
