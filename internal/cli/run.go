package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"nitewatch/internal/app"
)

type runOptions struct {
	*RootOptions
	DryRun bool
}

func newRunCommand(root *RootOptions) *cobra.Command {
	opts := &runOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitoring loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log messages instead of sending them")
	return cmd
}

func runDaemon(ctx context.Context, opts *runOptions) error {
	a, err := app.New(app.Options{ConfigPath: opts.ConfigPath, DryRun: opts.DryRun})
	if err != nil {
		return WrapExitError(ExitCommandError, "start", err)
	}
	defer a.Close()
	return a.Run(ctx)
}
