package runtime

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/durabus/internal/runtime/jsoncodec"
)

func TestResourceSampler(t *testing.T) {
	sampler := newResourceSampler()
	now := time.Now()

	first := sampler.Sample(now)
	assert.Zero(t, first.CPUPercent, "no baseline yet")
	assert.NotZero(t, first.MemoryBytes)
	assert.NotZero(t, first.Goroutines)

	second := sampler.Sample(now.Add(10 * time.Millisecond))
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)

	var nilSampler *resourceSampler
	assert.Equal(t, ResourceUsage{}, nilSampler.Sample(now))

	empty := &resourceSampler{}
	assert.NotZero(t, empty.Sample(now).MemoryBytes)
}

func TestAdminNodeStatus(t *testing.T) {
	rt, store := adminRuntime(t, nil)
	deadLetter(t, store, "OrderPlaced")

	rec := serve(t, rt, http.MethodGet, "/api/node", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status NodeStatus
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.NodeID)
	assert.Equal(t, "orders-service", status.Service)
	assert.False(t, status.Started)
	assert.Equal(t, []string{ordersURI}, status.Listeners)
	assert.Equal(t, 1, status.Counts.DeadLetter)
	assert.NotZero(t, status.Resources.Goroutines)

	startRuntime(t, rt)
	status, err := rt.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Started)
}
