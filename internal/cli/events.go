package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/events"
	"github.com/cenwadike/dan/internal/store"
)

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		filter store.EventFilter
		owner  string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List committed events",
		Long: `List events in emission order. Filters combine.

Examples:
  dan events --name ChannelClosed
  dan events --channel c1 --owner name:alice --format json
  dan events --after 120 --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner != "" {
				pk, err := parsePubkey("--owner", owner)
				if err != nil {
					return err
				}
				filter.Owner = pk.String()
			}
			return rootOpts.withNode(cmd, func(ctx context.Context, n *node) error {
				recs, err := n.store.Events(ctx, filter)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read events", err)
				}
				out := make([]events.Envelope, 0, len(recs))
				for _, r := range recs {
					out = append(out, events.Envelope{
						Seq:       r.Seq,
						ID:        r.ID,
						TxID:      r.TxID,
						Name:      r.Name,
						ChannelID: r.ChannelID,
						Owner:     r.Owner,
						Payload:   r.Payload,
						EmittedAt: r.EmittedAt,
					})
				}
				return rootOpts.formatter(cmd).Render(out, func(w io.Writer) {
					if len(out) == 0 {
						fmt.Fprintln(w, "No events.")
						return
					}
					for _, ev := range out {
						fmt.Fprintf(w, "[%d] %s %s\n", ev.Seq, ev.Name, ev.Payload)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&filter.Name, "name", "", "filter by event name")
	cmd.Flags().StringVar(&filter.ChannelID, "channel", "", "filter by channel id")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by channel owner key")
	cmd.Flags().StringVar(&filter.TxID, "tx", "", "filter by transaction id")
	cmd.Flags().Int64Var(&filter.After, "after", 0, "only events with seq greater than this")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum events (0 for all)")

	return cmd
}
