// Package cmd defines and implements the CLI commands for the outreach executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/app"
	"github.com/JakeFAU/outreach-crawler/internal/config"
	"github.com/JakeFAU/outreach-crawler/internal/healing"
)

// appKeyType is the key for storing the App holder in the context.
type appKeyType string

const appKey appKeyType = "app"

// appHolder carries the App built by the root command back to run, which
// closes it whether or not the subcommand failed.
type appHolder struct {
	app *app.App
}

// newApp is the application factory. It's a variable so tests can build
// the App with fakes.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "outreach",
		Short: "Resumable browser automation for one social-network account.",
		Long: `outreach drives a social-network UI on behalf of a single account.
Long runs are checkpointed to disk; when a worker hits a recoverable failure it
writes a healing checkpoint and exits, and a supervisor starts a fresh worker
that resumes where the last one stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			holder, ok := cmd.Context().Value(appKey).(*appHolder)
			if !ok {
				return errors.New("command context is missing the app holder")
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			holder.app, err = newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newStartCmd(),
		newWorkerCmd(),
		newSuperviseCmd(),
		newWorkflowCmd(),
		newServeCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	holder, ok := ctx.Value(appKey).(*appHolder)
	if !ok || holder.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return holder.app, nil
}

// run executes the command line args and shuts the App down afterwards.
func run(ctx context.Context, args []string, out io.Writer) error {
	holder := &appHolder{}
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(context.WithValue(ctx, appKey, holder))
	if holder.app != nil {
		if cerr := holder.app.Close(context.Background()); cerr != nil {
			holder.app.Logger().Warn("shutdown incomplete", zap.Error(cerr))
		}
	}
	return err
}

// Execute is the main entry point. Any error exits 1; a healing request is
// an ordinary failed worker exit so the supervisor restarts it.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err == nil {
		return
	}
	if _, heal := healing.AsRequest(err); heal {
		fmt.Fprintf(os.Stderr, "handing off for healing: %v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "command failed: %v\n", err)
	}
	os.Exit(1)
}
