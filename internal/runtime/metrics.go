package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/durabus/internal/runtime/envelope"
	"github.com/drblury/durabus/internal/runtime/sending"
	"github.com/drblury/durabus/internal/runtime/workers"
)

const metricsNamespace = "durabus"

// BusMetrics records what the worker queues, sending agents and the recovery
// agent report. It satisfies both workers.Observer and sending.Observer.
type BusMetrics struct {
	mu sync.RWMutex

	// Per message type counts served by the admin API.
	handlerStats map[string]*HandlerStats

	executionsTotal   *prometheus.CounterVec
	executionSeconds  *prometheus.HistogramVec
	inFlight          *prometheus.GaugeVec
	deadLettersTotal  *prometheus.CounterVec
	replayedTotal     prometheus.Counter
	purgedTotal       prometheus.Counter
	sendsTotal        *prometheus.CounterVec
	circuitBreaks     *prometheus.CounterVec
	latched           *prometheus.GaugeVec
	persistedCurrent  *prometheus.GaugeVec
	queueDepthCurrent *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

var (
	_ workers.Observer = (*BusMetrics)(nil)
	_ sending.Observer = (*BusMetrics)(nil)
)

// HandlerStats holds execution counts for one message type.
type HandlerStats struct {
	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	MessagesDeadLetter  uint64    `json:"messages_dead_lettered"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at,omitempty"`
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newGaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// NewBusMetrics creates the collectors. A nil registerer means
// prometheus.DefaultRegisterer.
func NewBusMetrics(registerer prometheus.Registerer) *BusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &BusMetrics{
		handlerStats:     make(map[string]*HandlerStats),
		registerer:       registerer,
		executionsTotal:  newCounterVec("worker", "executions_total", "Handler executions by outcome", "message_type", "outcome"),
		inFlight:         newGaugeVec("worker", "in_flight", "Handler executions currently running", "message_type"),
		deadLettersTotal: newCounterVec("worker", "dead_letters_total", "Envelopes moved to the dead letter store", "message_type"),
		executionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      "execution_seconds",
			Help:      "Handler execution time",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"message_type"}),
		replayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "deadletter",
			Name:      "replayed_total",
			Help:      "Dead letters replayed through the admin API",
		}),
		purgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "deadletter",
			Name:      "purged_total",
			Help:      "Dead letters purged through the admin API",
		}),
		sendsTotal:        newCounterVec("sender", "sends_total", "Sends by outcome", "destination", "outcome"),
		circuitBreaks:     newCounterVec("sender", "circuit_breaks_total", "Times a sending agent latched", "destination"),
		latched:           newGaugeVec("sender", "latched", "1 while the sending agent is latched", "destination"),
		persistedCurrent:  newGaugeVec("store", "envelopes", "Envelopes in the durable store by status", "status"),
		queueDepthCurrent: newGaugeVec("queue", "depth", "Envelopes held in memory by endpoint", "endpoint", "kind"),
	}
}

// Register registers the collectors. Calling it again is a no-op.
func (m *BusMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.executionsTotal,
		m.executionSeconds,
		m.inFlight,
		m.deadLettersTotal,
		m.replayedTotal,
		m.purgedTotal,
		m.sendsTotal,
		m.circuitBreaks,
		m.latched,
		m.persistedCurrent,
		m.queueDepthCurrent,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// ExecutionFinished implements workers.Observer. err is the error of
// applying the outcome; handler failures are tracked by JobFailed.
func (m *BusMetrics) ExecutionFinished(messageType string, elapsed time.Duration, err error) {
	m.mu.Lock()
	stats := m.statsLocked(messageType)
	stats.TotalProcessingTime += int64(elapsed)
	stats.LastProcessedAt = time.Now().UTC()
	m.mu.Unlock()

	m.executionSeconds.WithLabelValues(messageType).Observe(elapsed.Seconds())
	if err != nil {
		m.executionsTotal.WithLabelValues(messageType, "callback_failure").Inc()
	}
}

// DeadLettered implements workers.Observer.
func (m *BusMetrics) DeadLettered(messageType string) {
	m.mu.Lock()
	m.statsLocked(messageType).MessagesDeadLetter++
	m.mu.Unlock()
	m.deadLettersTotal.WithLabelValues(messageType).Inc()
}

// JobStarted, JobSucceeded and JobFailed are wired to the pipeline through
// pipeline.MetricsHooks.
func (m *BusMetrics) JobStarted(messageType string) {
	m.inFlight.WithLabelValues(messageType).Inc()
}

func (m *BusMetrics) JobSucceeded(messageType string) {
	m.mu.Lock()
	m.statsLocked(messageType).MessagesProcessed++
	m.mu.Unlock()
	m.inFlight.WithLabelValues(messageType).Dec()
	m.executionsTotal.WithLabelValues(messageType, "success").Inc()
}

func (m *BusMetrics) JobFailed(messageType string) {
	m.mu.Lock()
	m.statsLocked(messageType).MessagesFailed++
	m.mu.Unlock()
	m.inFlight.WithLabelValues(messageType).Dec()
	m.executionsTotal.WithLabelValues(messageType, "failure").Inc()
}

// SendFinished implements sending.Observer.
func (m *BusMetrics) SendFinished(destination string, err error) {
	m.sendsTotal.WithLabelValues(destination, outcome(err)).Inc()
}

// LatchChanged implements sending.Observer.
func (m *BusMetrics) LatchChanged(destination string, latched bool) {
	if latched {
		m.circuitBreaks.WithLabelValues(destination).Inc()
		m.latched.WithLabelValues(destination).Set(1)
		return
	}
	m.latched.WithLabelValues(destination).Set(0)
}

// SetPersistedCounts publishes the store aggregate.
func (m *BusMetrics) SetPersistedCounts(c envelope.PersistedCounts) {
	m.persistedCurrent.WithLabelValues(string(envelope.StatusIncoming)).Set(float64(c.Incoming))
	m.persistedCurrent.WithLabelValues(string(envelope.StatusScheduled)).Set(float64(c.Scheduled))
	m.persistedCurrent.WithLabelValues(string(envelope.StatusOutgoing)).Set(float64(c.Outgoing))
	m.persistedCurrent.WithLabelValues(string(envelope.StatusDeadLetter)).Set(float64(c.DeadLetter))
}

// SetQueueDepth records how many envelopes endpoint holds in memory. kind is
// "queued", "scheduled" or "outgoing".
func (m *BusMetrics) SetQueueDepth(endpoint, kind string, n int) {
	m.queueDepthCurrent.WithLabelValues(endpoint, kind).Set(float64(n))
}

func (m *BusMetrics) DeadLetterReplayed() {
	m.replayedTotal.Inc()
}

func (m *BusMetrics) DeadLettersPurged(n int) {
	m.purgedTotal.Add(float64(n))
}

// HandlerStats returns a copy of the stats of messageType, or nil.
func (m *BusMetrics) HandlerStats(messageType string) *HandlerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if stats, ok := m.handlerStats[messageType]; ok {
		c := *stats
		return &c
	}
	return nil
}

func (m *BusMetrics) statsLocked(messageType string) *HandlerStats {
	if stats, ok := m.handlerStats[messageType]; ok {
		return stats
	}
	stats := &HandlerStats{}
	m.handlerStats[messageType] = stats
	return stats
}
