package runtime

import (
	"context"
	"fmt"

	configpkg "github.com/drblury/durabus/internal/runtime/config"
	"github.com/drblury/durabus/internal/runtime/durability"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	loggingpkg "github.com/drblury/durabus/internal/runtime/logging"
)

// OpenStore opens the durable store selected by conf.StoreBackend.
func OpenStore(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger) (durability.Persistence, error) {
	switch conf.StoreBackend {
	case "", configpkg.StoreNone:
		return durability.NullStore{}, nil
	case configpkg.StoreMemory:
		return durability.NewMemoryStore(), nil
	case configpkg.StoreSQLite:
		return durability.OpenSQLite(ctx, conf.SQLiteFile, log)
	case configpkg.StorePostgres:
		return durability.OpenPostgres(ctx, conf.PostgresURL, log)
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnsupportedStore, conf.StoreBackend)
	}
}

// isNullStore reports whether store keeps nothing, in which case durable
// queues and recovery are unavailable.
func isNullStore(store durability.Persistence) bool {
	switch store.(type) {
	case durability.NullStore, *durability.NullStore:
		return true
	}
	return false
}
