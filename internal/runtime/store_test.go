package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/durabus/internal/runtime/config"
	"github.com/drblury/durabus/internal/runtime/durability"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	loggingpkg "github.com/drblury/durabus/internal/runtime/logging"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	log := loggingpkg.NopLogger()

	store, err := OpenStore(ctx, &configpkg.Config{}, log)
	require.NoError(t, err)
	assert.True(t, isNullStore(store))

	store, err = OpenStore(ctx, &configpkg.Config{StoreBackend: configpkg.StoreMemory}, log)
	require.NoError(t, err)
	assert.IsType(t, &durability.MemoryStore{}, store)
	assert.False(t, isNullStore(store))

	store, err = OpenStore(ctx, &configpkg.Config{StoreBackend: configpkg.StoreSQLite, SQLiteFile: ":memory:"}, log)
	require.NoError(t, err)
	assert.IsType(t, &durability.SQLStore{}, store)
	assert.NoError(t, store.Close())

	_, err = OpenStore(ctx, &configpkg.Config{StoreBackend: "cassandra"}, log)
	assert.ErrorIs(t, err, errspkg.ErrUnsupportedStore)
}
