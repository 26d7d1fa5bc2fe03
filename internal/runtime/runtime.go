package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/durabus/internal/runtime/config"
	"github.com/drblury/durabus/internal/runtime/durability"
	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	loggingpkg "github.com/drblury/durabus/internal/runtime/logging"
	"github.com/drblury/durabus/internal/runtime/pipeline"
	"github.com/drblury/durabus/internal/runtime/sending"
	"github.com/drblury/durabus/internal/runtime/serialization"
	"github.com/drblury/durabus/internal/runtime/workers"
	"github.com/drblury/durabus/transport"
)

const shutdownTimeout = 30 * time.Second

// Dependencies holds the optional collaborators of a Runtime. Leave fields
// nil to get the configured defaults.
type Dependencies struct {
	// Store replaces the store selected by Config.StoreBackend. The runtime
	// does not close a store it did not open.
	Store durability.Persistence
	// Transports is the scheme registry used by the hub. Defaults to
	// transport.DefaultRegistry.
	Transports *transport.Registry
	// Hub replaces the transport hub, mostly to plug in in-memory pub/subs.
	Hub *transport.Hub
	// Middlewares run after the default middleware chain.
	Middlewares               []pipeline.MiddlewareRegistration
	DisableDefaultMiddlewares bool
	// Metrics receives the prometheus collectors. Defaults to a private
	// registry served on the admin API.
	Metrics prometheus.Registerer
	Clock   func() time.Time
}

type listenerEndpoint struct {
	queue    *workers.WorkerQueue
	listener transport.Listener
}

type senderEndpoint struct {
	destination    string
	maxConcurrency int
	agent          *sending.Agent
}

// Runtime wires the durable store, the transport hub, the handler pipeline,
// worker queues, sending agents and the recovery agent of one node.
type Runtime struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	store     durability.Persistence
	ownsStore bool
	hub       *transport.Hub
	graph     *serialization.Graph
	registry  *pipeline.Registry
	executor  *pipeline.Executor
	metrics   *BusMetrics
	gatherer  prometheus.Gatherer
	messages  loggingpkg.MessageLogger
	resources *resourceSampler
	now       func() time.Time

	mu        sync.RWMutex
	listeners map[string]*listenerEndpoint
	senders   map[string]*senderEndpoint
	recovery  *durability.RecoveryAgent
	admin     *http.Server
	started   bool
	stopped   bool
}

var (
	_ durability.IncomingRouter = (*Runtime)(nil)
	_ durability.OutgoingRouter = (*Runtime)(nil)
)

// New validates conf, opens the configured store and declares the endpoints
// listed in conf. Register handlers on Registry before calling Start.
func New(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Runtime, error) {
	if conf == nil {
		return nil, errors.New("durabus: config is required")
	}
	withDefaults := conf.WithDefaults()
	conf = &withDefaults

	check := *conf
	if deps.Store != nil && !isNullStore(deps.Store) && !check.HasStore() {
		check.StoreBackend = configpkg.StoreMemory
	}
	if err := check.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(conf)
	}
	log.Info("Creating durabus runtime", loggingpkg.LogFields{"config": conf.String()})

	r := &Runtime{
		Conf:      conf,
		Logger:    log,
		store:     deps.Store,
		hub:       deps.Hub,
		graph:     serialization.NewGraph(conf.DefaultContentType),
		messages:  loggingpkg.NewMessageLogger(log),
		resources: newResourceSampler(),
		now:       time.Now,
		listeners: make(map[string]*listenerEndpoint),
		senders:   make(map[string]*senderEndpoint),
	}
	if deps.Clock != nil {
		r.now = deps.Clock
	}
	if r.store == nil {
		store, err := OpenStore(ctx, conf, log)
		if err != nil {
			return nil, err
		}
		r.store, r.ownsStore = store, true
	}
	if r.hub == nil {
		r.hub = transport.NewHub(deps.Transports, conf, log)
	}

	registerer := deps.Metrics
	if registerer == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registerer, r.gatherer = reg, reg
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		r.gatherer = g
	}
	if conf.MetricsEnabled {
		r.metrics = NewBusMetrics(registerer)
		if err := r.metrics.Register(); err != nil {
			r.closeStore()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	r.registry = pipeline.NewRegistry(r.graph)
	r.executor = pipeline.NewExecutor(r.registry, log,
		pipeline.WithMiddlewares(r.middlewares(deps)...),
		pipeline.WithRetryPolicy(pipeline.RetryPolicy{
			MaxAttempts:      conf.RetryMaxAttempts,
			ImmediateRetries: conf.RetryImmediateRetries,
			InitialInterval:  conf.RetryInitialInterval,
			MaxInterval:      conf.RetryMaxInterval,
		}),
		pipeline.WithClock(r.now),
	)

	for _, l := range conf.Listeners {
		mode := workers.Durable
		if l.Mode == configpkg.ModeLightweight {
			mode = workers.Lightweight
		}
		if err := r.ListenTo(l.URI, mode, l.MaxConcurrency); err != nil {
			r.closeStore()
			return nil, err
		}
	}
	for _, s := range conf.Senders {
		if err := r.SendTo(s.Destination, s.MaxConcurrency); err != nil {
			r.closeStore()
			return nil, err
		}
	}
	return r, nil
}

func (r *Runtime) middlewares(deps Dependencies) []pipeline.MiddlewareRegistration {
	var regs []pipeline.MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		regs = append(regs, pipeline.DefaultMiddlewares(r.Logger)...)
	}
	if r.metrics != nil {
		regs = append(regs, pipeline.JobHooksMiddleware(pipeline.MetricsHooks(
			r.metrics.JobStarted, r.metrics.JobSucceeded, r.metrics.JobFailed)))
	}
	return append(regs, deps.Middlewares...)
}

// Registry is where handlers are registered.
func (r *Runtime) Registry() *pipeline.Registry { return r.registry }

// Graph is the serialization lookup shared by handlers and Send.
func (r *Runtime) Graph() *serialization.Graph { return r.graph }

// Store is the durable store in use.
func (r *Runtime) Store() durability.Persistence { return r.store }

// Hub is the transport hub in use.
func (r *Runtime) Hub() *transport.Hub { return r.hub }

// Metrics returns nil unless metrics are enabled.
func (r *Runtime) Metrics() *BusMetrics { return r.metrics }

// ListenTo declares a listener on uri served by a worker queue in mode. A
// maxConcurrency of zero uses the configured default.
func (r *Runtime) ListenTo(uri string, mode workers.Mode, maxConcurrency int) error {
	if _, err := transport.ParseEndpoint(uri); err != nil {
		return err
	}
	if mode == workers.Durable && isNullStore(r.store) {
		return fmt.Errorf("listener %s: %w", uri, errspkg.ErrStoreRequired)
	}
	if maxConcurrency <= 0 {
		maxConcurrency = r.Conf.MaxConcurrency
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("durabus: endpoints must be declared before Start")
	}
	if _, ok := r.listeners[uri]; ok {
		return fmt.Errorf("durabus: listener %s is already declared", uri)
	}

	opts := []workers.Option{workers.WithClock(r.now)}
	if r.metrics != nil {
		opts = append(opts, workers.WithObserver(r.metrics))
	}
	queue, err := workers.New(workers.Settings{
		Address:            uri,
		Mode:               mode,
		MaxConcurrency:     maxConcurrency,
		NodeID:             r.Conf.NodeID,
		DefaultContentType: r.Conf.DefaultContentType,
	}, r.executor, r.store, r.Logger, opts...)
	if err != nil {
		return err
	}
	r.listeners[uri] = &listenerEndpoint{queue: queue}
	return nil
}

// SendTo declares a destination served by a sending agent.
func (r *Runtime) SendTo(destination string, maxConcurrency int) error {
	if _, err := transport.ParseEndpoint(destination); err != nil {
		return err
	}
	if maxConcurrency <= 0 {
		maxConcurrency = r.Conf.MaxConcurrency
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("durabus: endpoints must be declared before Start")
	}
	if _, ok := r.senders[destination]; ok {
		return fmt.Errorf("durabus: sender %s is already declared", destination)
	}
	r.senders[destination] = &senderEndpoint{destination: destination, maxConcurrency: maxConcurrency}
	return nil
}

// Start opens the transports, starts the sending agents, the worker queues,
// the recovery agent, the listeners and the admin server. Everything
// runs until ctx is done or Stop is called.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return errors.New("durabus: runtime is stopped")
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	senders := r.senderList()
	listeners := r.listenerList()
	r.mu.Unlock()

	if err := r.startSenders(ctx, senders); err != nil {
		return err
	}
	for _, l := range listeners {
		l.queue.Start(ctx)
	}

	// Rows left by a previous run of this node are routed before the
	// listeners deliver anything new under the same owner id.
	if !isNullStore(r.store) {
		opts := []durability.RecoveryOption{
			durability.WithClock(r.now),
			durability.WithCountsObserver(r.observeCounts),
		}
		recovery := durability.NewRecoveryAgent(r.store, r, r, durability.RecoveryConfig{
			NodeID:           r.Conf.NodeID,
			Interval:         r.Conf.RecoveryInterval,
			HeartbeatTimeout: r.Conf.NodeHeartbeatTimeout,
			MaxAttempts:      r.Conf.MaxRecoveryAttempts,
			BatchSize:        r.Conf.RecoveryBatchSize,
		}, r.Logger, opts...)
		if err := recovery.Start(ctx); err != nil {
			return fmt.Errorf("start recovery: %w", err)
		}
		r.mu.Lock()
		r.recovery = recovery
		r.mu.Unlock()
	}

	if err := r.startListeners(ctx, listeners); err != nil {
		return err
	}

	r.startAdminServer()
	r.Logger.Info("Durabus runtime started", loggingpkg.LogFields{
		"listeners": len(listeners),
		"senders":   len(senders),
	})
	return nil
}

func (r *Runtime) startSenders(ctx context.Context, senders []*senderEndpoint) error {
	var g errgroup.Group
	for _, s := range senders {
		g.Go(func() error {
			sender, err := r.hub.Sender(ctx, s.destination)
			if err != nil {
				return fmt.Errorf("sender %s: %w", s.destination, err)
			}
			opts := []sending.Option{
				sending.WithClock(r.now),
				sending.WithCircuitWatcher(sending.CircuitWatcher{
					InitialInterval: r.Conf.CircuitPingInterval,
					MaxInterval:     r.Conf.CircuitPingMaxInterval,
				}),
			}
			if r.metrics != nil {
				opts = append(opts, sending.WithObserver(r.metrics))
			}
			agent, err := sending.NewAgent(sender, sending.Settings{
				MaxConcurrency:          s.maxConcurrency,
				CircuitFailureThreshold: r.Conf.CircuitFailureThreshold,
				EmulateDelayedSend:      r.Conf.EmulateDelayedSend,
			}, r.Logger, opts...)
			if err != nil {
				return err
			}
			cb := sending.NewStoreCallback(r.store, agent, r.Conf.SendMaxAttempts, r.Logger)
			if err := agent.Start(ctx, cb); err != nil {
				return err
			}
			r.mu.Lock()
			s.agent = agent
			r.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (r *Runtime) startListeners(ctx context.Context, listeners []*listenerEndpoint) error {
	var g errgroup.Group
	for _, l := range listeners {
		g.Go(func() error {
			address := l.queue.Address()
			listener, err := r.hub.Listener(ctx, address)
			if err != nil {
				return fmt.Errorf("listener %s: %w", address, err)
			}
			if err := l.queue.Listen(ctx, listener); err != nil {
				return fmt.Errorf("listener %s: %w", address, err)
			}
			r.mu.Lock()
			l.listener = listener
			r.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Run starts the runtime and blocks until ctx is done, then stops it.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, r.Stop(stopCtx))
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return r.Stop(stopCtx)
}

// Stop shuts the node down: listeners stop receiving, queues and agents
// finish their running work, ownership of this node's rows is released for
// the other nodes and the transports and store are closed.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	admin, recovery := r.admin, r.recovery
	var (
		listeners []transport.Listener
		queues    []*workers.WorkerQueue
		agents    []*sending.Agent
	)
	for _, l := range r.listenerList() {
		queues = append(queues, l.queue)
		if l.listener != nil {
			listeners = append(listeners, l.listener)
		}
	}
	for _, s := range r.senderList() {
		if s.agent != nil {
			agents = append(agents, s.agent)
		}
	}
	r.mu.Unlock()

	var errs []error
	if admin != nil {
		if err := admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server: %w", err))
		}
	}
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close listener %s: %w", l.Address(), err))
		}
	}
	for _, q := range queues {
		q.Stop()
	}
	for _, a := range agents {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sender %s: %w", a.Destination(), err))
		}
	}
	if recovery != nil {
		recovery.Stop()
	}
	if !isNullStore(r.store) {
		if err := r.store.ReleaseAllOwnership(ctx, r.Conf.NodeID); err != nil {
			errs = append(errs, fmt.Errorf("release ownership: %w", err))
		}
		if err := r.store.RemoveNode(ctx, r.Conf.NodeID); err != nil {
			errs = append(errs, fmt.Errorf("remove node: %w", err))
		}
	}
	if err := r.hub.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	r.Logger.Info("Durabus runtime stopped", nil)
	return errors.Join(errs...)
}

func (r *Runtime) closeStore() error {
	if !r.ownsStore {
		return nil
	}
	return r.store.Close()
}

// EnqueueIncoming routes recovered envelopes to the queue of the listener
// that received them. Envelopes of listeners this node does not serve are
// dead lettered.
func (r *Runtime) EnqueueIncoming(ctx context.Context, envs ...*envelope.Envelope) {
	for _, env := range envs {
		if queue, ok := r.queueFor(ctx, env); ok {
			queue.Enqueue(ctx, env)
		}
	}
}

// ScheduleIncoming puts persisted Scheduled envelopes back on the timer queue
// of their listener.
func (r *Runtime) ScheduleIncoming(ctx context.Context, envs ...*envelope.Envelope) {
	for _, env := range envs {
		if queue, ok := r.queueFor(ctx, env); ok {
			queue.RestoreScheduled(env)
		}
	}
}

func (r *Runtime) queueFor(ctx context.Context, env *envelope.Envelope) (*workers.WorkerQueue, bool) {
	r.mu.RLock()
	l, ok := r.listeners[env.ReceivedAt]
	r.mu.RUnlock()
	if ok {
		return l.queue, true
	}

	cause := fmt.Errorf("%w: %s", errspkg.ErrUnknownListener, env.ReceivedAt)
	report, err := envelope.NewErrorReport(env, cause, r.now())
	if err == nil {
		err = r.store.MoveToDeadLetter(ctx, report)
	}
	if err != nil {
		r.messages.LogException(err, env.CorrelationID, "Failed to dead letter unroutable envelope")
		return nil, false
	}
	r.messages.MovedToErrorQueue(env, cause)
	return nil, false
}

// HasSender reports whether destination has a started sending agent.
func (r *Runtime) HasSender(destination string) bool {
	_, ok := r.agent(destination)
	return ok
}

// EnqueueOutgoing hands recovered envelopes to their sending agents.
func (r *Runtime) EnqueueOutgoing(ctx context.Context, envs ...*envelope.Envelope) {
	for _, env := range envs {
		agent, ok := r.agent(env.Destination)
		if !ok {
			r.messages.DiscardedEnvelope(env, "unknown destination")
			continue
		}
		if err := agent.Enqueue(ctx, env); err != nil {
			r.messages.LogException(err, env.CorrelationID, "Failed to enqueue recovered envelope")
		}
	}
}

func (r *Runtime) agent(destination string) (*sending.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[destination]
	if !ok || s.agent == nil {
		return nil, false
	}
	return s.agent, true
}

// Queue returns the worker queue serving the listener uri.
func (r *Runtime) Queue(uri string) (*workers.WorkerQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listeners[uri]
	if !ok {
		return nil, false
	}
	return l.queue, true
}

// AgentStatus describes one sending agent for the admin API.
type AgentStatus struct {
	Destination string `json:"destination"`
	Latched     bool   `json:"latched"`
	Queued      int    `json:"queued"`
}

// Agents lists the started sending agents ordered by destination.
func (r *Runtime) Agents() []AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]AgentStatus, 0, len(r.senders))
	for _, s := range r.senderList() {
		if s.agent == nil {
			continue
		}
		statuses = append(statuses, AgentStatus{
			Destination: s.destination,
			Latched:     s.agent.Latched(),
			Queued:      s.agent.QueuedCount(),
		})
	}
	return statuses
}

// Unlatch resumes the agent of destination and replays its backlog.
func (r *Runtime) Unlatch(ctx context.Context, destination string) error {
	agent, ok := r.agent(destination)
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownDestination, destination)
	}
	return agent.Unlatch(ctx)
}

// Ping probes destination through its agent.
func (r *Runtime) Ping(ctx context.Context, destination string) error {
	agent, ok := r.agent(destination)
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownDestination, destination)
	}
	return agent.Ping(ctx)
}

func (r *Runtime) observeCounts(counts envelope.PersistedCounts) {
	if r.metrics == nil {
		return
	}
	r.metrics.SetPersistedCounts(counts)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for uri, l := range r.listeners {
		r.metrics.SetQueueDepth(uri, "queued", l.queue.QueuedCount())
		r.metrics.SetQueueDepth(uri, "scheduled", l.queue.ScheduledCount())
	}
	for dest, s := range r.senders {
		if s.agent != nil {
			r.metrics.SetQueueDepth(dest, "outgoing", s.agent.QueuedCount())
		}
	}
}

// Status reports the node identity, its listeners, the store counts and a
// resource sample.
func (r *Runtime) Status(ctx context.Context) (NodeStatus, error) {
	counts, err := r.store.PersistedCounts(ctx)
	if err != nil {
		return NodeStatus{}, err
	}

	r.mu.RLock()
	started := r.started && !r.stopped
	listeners := make([]string, 0, len(r.listeners))
	for _, l := range r.listenerList() {
		listeners = append(listeners, l.queue.Address())
	}
	r.mu.RUnlock()

	return NodeStatus{
		NodeID:    r.Conf.NodeID,
		Service:   r.Conf.ServiceName,
		Started:   started,
		Listeners: listeners,
		Counts:    counts,
		Resources: r.resources.Sample(r.now()),
	}, nil
}

// senderList and listenerList must be called with r.mu held.
func (r *Runtime) senderList() []*senderEndpoint {
	list := make([]*senderEndpoint, 0, len(r.senders))
	for _, s := range r.senders {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].destination < list[j].destination })
	return list
}

func (r *Runtime) listenerList() []*listenerEndpoint {
	list := make([]*listenerEndpoint, 0, len(r.listeners))
	for _, l := range r.listeners {
		list = append(list, l)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].queue.Address() < list[j].queue.Address() })
	return list
}
