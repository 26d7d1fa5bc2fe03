// Package cli implements durabusctl, which inspects and repairs a durable
// store without a running node.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/durabus/internal/runtime"
	configpkg "github.com/drblury/durabus/internal/runtime/config"
	"github.com/drblury/durabus/internal/runtime/durability"
	loggingpkg "github.com/drblury/durabus/internal/runtime/logging"
)

// RootOptions holds the global flags.
type RootOptions struct {
	ConfigPath  string
	Store       string
	SQLiteFile  string
	PostgresURL string
	Format      string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the durabusctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "durabusctl",
		Short: "Inspect and repair a durabus store",
		Long: `durabusctl reads the durable store shared by durabus nodes.

The store is taken from --config, and --store, --sqlite and --postgres
override what the file says.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "node configuration file (YAML)")
	flags.StringVar(&opts.Store, "store", "", "store backend (sqlite|postgres)")
	flags.StringVar(&opts.SQLiteFile, "sqlite", "", "SQLite database path")
	flags.StringVar(&opts.PostgresURL, "postgres", "", "PostgreSQL connection URL")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewCountsCommand(opts))
	cmd.AddCommand(NewIncomingCommand(opts))
	cmd.AddCommand(NewOutgoingCommand(opts))
	cmd.AddCommand(NewDeadLetterCommand(opts))
	cmd.AddCommand(NewReleaseOwnershipCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))

	return cmd
}

// config merges the config file with the store flags.
func (o *RootOptions) config() (*configpkg.Config, error) {
	conf := &configpkg.Config{}
	if o.ConfigPath != "" {
		loaded, err := configpkg.Load(o.ConfigPath)
		if err != nil {
			return nil, err
		}
		conf = loaded
	}
	if o.SQLiteFile != "" && o.Store == "" {
		conf.StoreBackend = configpkg.StoreSQLite
	}
	if o.PostgresURL != "" && o.Store == "" {
		conf.StoreBackend = configpkg.StorePostgres
	}
	if o.Store != "" {
		conf.StoreBackend = o.Store
	}
	if o.SQLiteFile != "" {
		conf.SQLiteFile = o.SQLiteFile
	}
	if o.PostgresURL != "" {
		conf.PostgresURL = o.PostgresURL
	}
	return conf, nil
}

// openStore opens the shared store. In-process backends are refused since
// they hold nothing another process could inspect.
func (o *RootOptions) openStore(ctx context.Context) (durability.Persistence, error) {
	conf, err := o.config()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	switch conf.StoreBackend {
	case configpkg.StoreSQLite, configpkg.StorePostgres:
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("store %q cannot be inspected: use sqlite or postgres", conf.StoreBackend))
	}
	store, err := runtimepkg.OpenStore(ctx, conf, loggingpkg.NopLogger())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return store, nil
}

// withStore opens the store, runs fn and closes the store again.
func (o *RootOptions) withStore(cmd *cobra.Command, fn func(context.Context, durability.Persistence) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := o.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}
