package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/drblury/durabus/internal/runtime/durability"
)

// NewReleaseOwnershipCommand hands the rows of a node that will not come back
// to the other nodes.
func NewReleaseOwnershipCommand(opts *RootOptions) *cobra.Command {
	var node int
	cmd := &cobra.Command{
		Use:   "release-ownership",
		Short: "Release every row owned by a node and forget the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if node <= 0 {
				return NewExitError(ExitCommandError, "--node must be a positive node id")
			}
			return opts.withStore(cmd, func(ctx context.Context, store durability.Persistence) error {
				if err := store.ReleaseAllOwnership(ctx, node); err != nil {
					return WrapExitError(ExitCommandError, "failed to release ownership", err)
				}
				if err := store.RemoveNode(ctx, node); err != nil {
					return WrapExitError(ExitCommandError, "failed to remove node", err)
				}
				return printer{format: opts.Format, w: cmd.OutOrStdout()}.message(
					map[string]int{"released_node": node}, "Released the rows of node %d.", node)
			})
		},
	}
	cmd.Flags().IntVar(&node, "node", 0, "id of the node whose rows are released (required)")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

// NewClearCommand wipes every table of the store.
func NewClearCommand(opts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every envelope and dead letter of the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "clear deletes everything: confirm with --yes")
			}
			return opts.withStore(cmd, func(ctx context.Context, store durability.Persistence) error {
				if err := store.Clear(ctx); err != nil {
					return WrapExitError(ExitCommandError, "failed to clear store", err)
				}
				return printer{format: opts.Format, w: cmd.OutOrStdout()}.message(map[string]bool{"cleared": true}, "Store cleared.")
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}
