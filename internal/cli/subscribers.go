package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nitewatch/internal/exam"
	"nitewatch/internal/storage"
)

func newSubscribersCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscribers",
		Aliases: []string{"subs"},
		Short:   "Manage who is notified for which locations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <channel> <id> <location-id>...",
		Short: "Subscribe a recipient, replacing its previous locations",
		Long: `Subscribe a recipient on a channel (telegram or whatsapp) to one or more
locations. Running add again for the same recipient replaces its locations.

Examples:
  nitewatch subscribers add telegram 123456789 2 3
  nitewatch subscribers add whatsapp 972501234567 5`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribersAdd(cmd.Context(), cmd.OutOrStdout(), root, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <channel> <id>",
		Short: "Remove a recipient",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribersRemove(cmd.Context(), cmd.OutOrStdout(), root, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recipients and their locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribersList(cmd.Context(), cmd.OutOrStdout(), root)
		},
	})
	return cmd
}

func parseSubscriber(channel, id string) (exam.Subscriber, error) {
	ch, err := exam.ParseChannel(channel)
	if err != nil {
		return exam.Subscriber{}, WrapExitError(ExitCommandError, "invalid channel", err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return exam.Subscriber{}, NewExitError(ExitCommandError, "recipient id is empty")
	}
	return exam.Subscriber{Channel: ch, ID: id}, nil
}

func runSubscribersAdd(ctx context.Context, w io.Writer, opts *RootOptions, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sub, err := parseSubscriber(args[0], args[1])
	if err != nil {
		return err
	}
	locs := make([]exam.LocationID, 0, len(args)-2)
	for _, a := range args[2:] {
		n, err := strconv.Atoi(a)
		if err != nil || n <= 0 {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid location id %q", a))
		}
		locs = append(locs, exam.LocationID(n))
	}

	st, rt, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, l := range locs {
		if !rt.Catalog.Known(l) {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown location id %d", l))
		}
	}
	if err := st.Subscribe(ctx, sub, locs); err != nil {
		return WrapExitError(ExitCommandError, "subscribe", err)
	}
	fmt.Fprintf(w, "subscribed %s to %s\n", sub, locationNames(rt.Catalog, locs))
	return nil
}

func runSubscribersRemove(ctx context.Context, w io.Writer, opts *RootOptions, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sub, err := parseSubscriber(args[0], args[1])
	if err != nil {
		return err
	}
	st, _, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Unsubscribe(ctx, sub); err != nil {
		if errors.Is(err, storage.ErrNotSubscribed) {
			return WrapExitError(ExitFailure, sub.String(), err)
		}
		return WrapExitError(ExitCommandError, "unsubscribe", err)
	}
	fmt.Fprintf(w, "removed %s\n", sub)
	return nil
}

type subscriptionOutput struct {
	Channel   string `json:"channel"`
	ID        string `json:"id"`
	Locations []int  `json:"locations"`
	CreatedAt string `json:"created_at"`
}

func runSubscribersList(ctx context.Context, w io.Writer, opts *RootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, rt, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	subs, err := st.Subscriptions(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "list subscriptions", err)
	}
	if opts.Format == "json" {
		out := make([]subscriptionOutput, 0, len(subs))
		for _, s := range subs {
			o := subscriptionOutput{
				Channel:   string(s.Subscriber.Channel),
				ID:        s.Subscriber.ID,
				Locations: make([]int, 0, len(s.Locations)),
				CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
			}
			for _, l := range s.Locations {
				o.Locations = append(o.Locations, int(l))
			}
			out = append(out, o)
		}
		return writeJSON(w, out)
	}
	if len(subs) == 0 {
		fmt.Fprintln(w, "no subscribers")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tID\tLOCATIONS")
	for _, s := range subs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Subscriber.Channel, s.Subscriber.ID, locationNames(rt.Catalog, s.Locations))
	}
	return tw.Flush()
}

func locationNames(cat exam.Catalog, locs []exam.LocationID) string {
	names := make([]string, len(locs))
	for i, l := range locs {
		names[i] = fmt.Sprintf("%s (%d)", cat.Name(l), l)
	}
	return strings.Join(names, ", ")
}
