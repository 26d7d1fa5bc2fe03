package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/drblury/durabus/internal/runtime/durability"
)

// NewCountsCommand prints the number of rows per status.
func NewCountsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Show how many envelopes the store holds per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store durability.Persistence) error {
				counts, err := store.PersistedCounts(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to count envelopes", err)
				}
				p := printer{format: opts.Format, w: cmd.OutOrStdout()}
				return p.message(counts, "Incoming:    %d\nScheduled:   %d\nOutgoing:    %d\nDead letter: %d",
					counts.Incoming, counts.Scheduled, counts.Outgoing, counts.DeadLetter)
			})
		},
	}
}

// NewIncomingCommand lists incoming and scheduled envelopes.
func NewIncomingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "incoming",
		Short: "List incoming and scheduled envelopes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store durability.Persistence) error {
				envs, err := store.AllIncoming(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to load incoming envelopes", err)
				}
				return printer{format: opts.Format, w: cmd.OutOrStdout()}.envelopes(envs)
			})
		},
	}
}

// NewOutgoingCommand lists envelopes waiting to be sent.
func NewOutgoingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "outgoing",
		Short: "List outgoing envelopes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store durability.Persistence) error {
				envs, err := store.AllOutgoing(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to load outgoing envelopes", err)
				}
				return printer{format: opts.Format, w: cmd.OutOrStdout()}.envelopes(envs)
			})
		},
	}
}
