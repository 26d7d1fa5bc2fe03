package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drblury/durabus/internal/runtime/durability"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
)

// DeadLetterOptions holds flags for the deadletter commands.
type DeadLetterOptions struct {
	*RootOptions
	Limit  int
	Offset int
	Yes    bool
}

// NewDeadLetterCommand groups the dead letter subcommands.
func NewDeadLetterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeadLetterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dl"},
		Short:   "Inspect, replay and purge dead letters",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store durability.Persistence) error {
				reports, err := store.ListDeadLetters(ctx, opts.Limit, opts.Offset)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list dead letters", err)
				}
				return printer{format: opts.Format, w: cmd.OutOrStdout()}.reports(reports)
			})
		},
	}
	list.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of dead letters")
	list.Flags().IntVar(&opts.Offset, "offset", 0, "number of dead letters to skip")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one dead letter with its exception and body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store durability.Persistence) error {
				report, err := store.LoadDeadLetter(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to load dead letter", err)
				}
				if report == nil {
					return WrapExitError(ExitFailure, args[0], errspkg.ErrDeadLetterNotFound)
				}
				return printer{format: opts.Format, w: cmd.OutOrStdout()}.report(report)
			})
		},
	}

	replay := &cobra.Command{
		Use:   "replay <id>...",
		Short: "Move dead letters back to incoming with their attempts reset",
		Long: `Move dead letters back to incoming with their attempts reset.

The replayed rows belong to no node; the recovery agent of a running node
claims them on its next pass.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store durability.Persistence) error {
				p := printer{format: opts.Format, w: cmd.OutOrStdout()}
				replayed := make([]string, 0, len(args))
				var missing []string
				for _, id := range args {
					_, err := store.ReplayDeadLetter(ctx, id)
					switch {
					case errors.Is(err, errspkg.ErrDeadLetterNotFound):
						missing = append(missing, id)
					case err != nil:
						return WrapExitError(ExitCommandError, "failed to replay "+id, err)
					default:
						replayed = append(replayed, id)
					}
				}
				result := map[string][]string{"replayed": replayed, "missing": missing}
				if err := p.message(result, "Replayed %d dead letter(s).", len(replayed)); err != nil {
					return err
				}
				if len(missing) > 0 {
					return WrapExitError(ExitFailure, fmt.Sprintf("%v", missing), errspkg.ErrDeadLetterNotFound)
				}
				return nil
			})
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead letter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !opts.Yes {
				return NewExitError(ExitCommandError, "purge deletes every dead letter: confirm with --yes")
			}
			return opts.withStore(cmd, func(ctx context.Context, store durability.Persistence) error {
				n, err := store.PurgeDeadLetters(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to purge dead letters", err)
				}
				return printer{format: opts.Format, w: cmd.OutOrStdout()}.message(map[string]int{"purged": n}, "Purged %d dead letter(s).", n)
			})
		},
	}
	purge.Flags().BoolVar(&opts.Yes, "yes", false, "confirm the purge")

	cmd.AddCommand(list, get, replay, purge)
	return cmd
}
