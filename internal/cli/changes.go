package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nitewatch/internal/exam"
	"nitewatch/internal/storage"
)

type changesOptions struct {
	*RootOptions
	Limit    int
	Location int
	Since    string
}

func newChangesCommand(root *RootOptions) *cobra.Command {
	opts := &changesOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Show the change log, newest first",
		Long: `Show recorded transitions (APPEARED / VANISHED), newest first.

Examples:
  nitewatch changes --limit 20
  nitewatch changes --location 3 --since 2025-11-01T00:00:00Z --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChanges(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "maximum entries (0 for all)")
	cmd.Flags().IntVar(&opts.Location, "location", 0, "only this location id")
	cmd.Flags().StringVar(&opts.Since, "since", "", "only entries at or after this RFC 3339 time")
	return cmd
}

type changeOutput struct {
	Seq        int64  `json:"seq"`
	Date       string `json:"date"`
	LocationID int    `json:"location_id"`
	Location   string `json:"location"`
	Transition string `json:"transition"`
	At         string `json:"at"`
	CycleID    string `json:"cycle_id"`
}

func runChanges(ctx context.Context, w io.Writer, opts *changesOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q := storage.ChangeQuery{Location: exam.LocationID(opts.Location), Limit: opts.Limit}
	if opts.Since != "" {
		t, err := time.Parse(time.RFC3339, opts.Since)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --since", err)
		}
		q.Since = t
	}

	st, rt, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	changes, err := st.ChangeLog(ctx, q)
	if err != nil {
		return WrapExitError(ExitCommandError, "read change log", err)
	}

	out := make([]changeOutput, 0, len(changes))
	for _, c := range changes {
		out = append(out, changeOutput{
			Seq:        c.Seq,
			Date:       c.Date.String(),
			LocationID: int(c.Location),
			Location:   rt.Catalog.Name(c.Location),
			Transition: string(c.Transition),
			At:         c.At.UTC().Format(time.RFC3339),
			CycleID:    c.CycleID,
		})
	}
	if opts.Format == "json" {
		return writeJSON(w, out)
	}
	if len(out) == 0 {
		fmt.Fprintln(w, "no changes recorded")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tTRANSITION\tDATE\tLOCATION")
	for _, c := range out {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s (%d)\n", c.Seq, c.At, c.Transition, c.Date, c.Location, c.LocationID)
	}
	return tw.Flush()
}
