package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"nitewatch/internal/app"
	"nitewatch/internal/scheduler"
)

func newOnceCommand(root *RootOptions) *cobra.Command {
	opts := &runOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single fetch/diff/notify cycle and exit",
		Long: `Run a single cycle: fetch the schedule, commit the difference against the
stored state, and notify subscribers of new slots. Exits non-zero when the
fetch or commit failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log messages instead of sending them")
	return cmd
}

type cycleOutput struct {
	ID           string   `json:"id"`
	Outcome      string   `json:"outcome"`
	DurationMS   int64    `json:"duration_ms"`
	Fetched      int      `json:"fetched"`
	Appeared     []string `json:"appeared"`
	Vanished     []string `json:"vanished"`
	SendFailures int      `json:"send_failures"`
	Error        string   `json:"error,omitempty"`
}

func runOnce(ctx context.Context, w io.Writer, opts *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(app.Options{ConfigPath: opts.ConfigPath, DryRun: opts.DryRun})
	if err != nil {
		return WrapExitError(ExitCommandError, "start", err)
	}
	defer a.Close()

	rep, cycleErr := a.RunOnce(ctx)
	out := toCycleOutput(rep, cycleErr)
	if opts.Format == "json" {
		if err := writeJSON(w, out); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "cycle %s: %s in %s, %d fetched, %d appeared, %d vanished, %d send failures\n",
			out.ID, out.Outcome, time.Duration(out.DurationMS)*time.Millisecond,
			out.Fetched, len(out.Appeared), len(out.Vanished), out.SendFailures)
		for _, e := range out.Appeared {
			fmt.Fprintf(w, "  + %s\n", e)
		}
		for _, e := range out.Vanished {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	if cycleErr != nil {
		return WrapExitError(ExitFailure, "cycle failed", cycleErr)
	}
	return nil
}

func toCycleOutput(rep scheduler.CycleReport, err error) cycleOutput {
	out := cycleOutput{
		ID:           rep.ID,
		Outcome:      rep.Outcome,
		DurationMS:   rep.Duration.Milliseconds(),
		Fetched:      rep.Fetched,
		Appeared:     []string{},
		Vanished:     []string{},
		SendFailures: rep.SendFailures(),
	}
	for _, e := range rep.Appeared {
		out.Appeared = append(out.Appeared, e.String())
	}
	for _, e := range rep.Vanished {
		out.Vanished = append(out.Vanished, e.String())
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
