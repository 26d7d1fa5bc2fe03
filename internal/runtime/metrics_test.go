package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/durabus/internal/runtime/envelope"
)

func newRegisteredMetrics(t *testing.T) *BusMetrics {
	t.Helper()
	m := NewBusMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())
	require.NoError(t, m.Register(), "registering twice is a no-op")
	return m
}

func TestBusMetricsHandlerStats(t *testing.T) {
	m := newRegisteredMetrics(t)
	assert.Nil(t, m.HandlerStats("OrderPlaced"))

	m.JobStarted("OrderPlaced")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight.WithLabelValues("OrderPlaced")))
	m.JobSucceeded("OrderPlaced")
	m.JobStarted("OrderPlaced")
	m.JobFailed("OrderPlaced")
	m.ExecutionFinished("OrderPlaced", 20*time.Millisecond, nil)
	m.ExecutionFinished("OrderPlaced", 30*time.Millisecond, errors.New("store down"))
	m.DeadLettered("OrderPlaced")

	stats := m.HandlerStats("OrderPlaced")
	require.NotNil(t, stats)
	assert.Equal(t, uint64(1), stats.MessagesProcessed)
	assert.Equal(t, uint64(1), stats.MessagesFailed)
	assert.Equal(t, uint64(1), stats.MessagesDeadLetter)
	assert.Equal(t, int64(50*time.Millisecond), stats.TotalProcessingTime)
	assert.False(t, stats.LastProcessedAt.IsZero())

	stats.MessagesProcessed = 99
	assert.Equal(t, uint64(1), m.HandlerStats("OrderPlaced").MessagesProcessed, "callers get a copy")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight.WithLabelValues("OrderPlaced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executionsTotal.WithLabelValues("OrderPlaced", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executionsTotal.WithLabelValues("OrderPlaced", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executionsTotal.WithLabelValues("OrderPlaced", "callback_failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLettersTotal.WithLabelValues("OrderPlaced")))
}

func TestBusMetricsSenders(t *testing.T) {
	m := newRegisteredMetrics(t)

	m.SendFinished(ordersURI, nil)
	m.SendFinished(ordersURI, errors.New("broker down"))
	m.LatchChanged(ordersURI, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.latched.WithLabelValues(ordersURI)))
	m.LatchChanged(ordersURI, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendsTotal.WithLabelValues(ordersURI, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendsTotal.WithLabelValues(ordersURI, "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitBreaks.WithLabelValues(ordersURI)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.latched.WithLabelValues(ordersURI)))
}

func TestBusMetricsGauges(t *testing.T) {
	m := newRegisteredMetrics(t)

	m.SetPersistedCounts(envelope.PersistedCounts{Incoming: 3, Scheduled: 2, Outgoing: 1, DeadLetter: 4})
	m.SetQueueDepth(ordersURI, "queued", 5)
	m.DeadLetterReplayed()
	m.DeadLettersPurged(3)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.persistedCurrent.WithLabelValues("Incoming")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.persistedCurrent.WithLabelValues("DeadLetter")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.queueDepthCurrent.WithLabelValues(ordersURI, "queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replayedTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.purgedTotal))
}
