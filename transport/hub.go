package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/drblury/durabus/internal/runtime/logging"
)

// Endpoint is a parsed scheme://topic address.
type Endpoint struct {
	Scheme string
	Topic  string
}

// ParseEndpoint splits uri into the transport scheme and the topic.
func ParseEndpoint(uri string) (Endpoint, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("durabus: invalid endpoint %q: %w", uri, err)
	}
	topic := strings.Trim(u.Host+u.Path, "/")
	if u.Scheme == "" || topic == "" {
		return Endpoint{}, fmt.Errorf("durabus: endpoint %q must look like scheme://topic", uri)
	}
	return Endpoint{Scheme: u.Scheme, Topic: topic}, nil
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Topic
}

// Hub opens each broker once and shares it between the senders and
// listeners bound to its topics.
type Hub struct {
	registry *Registry
	cfg      Config
	logger   logging.ServiceLogger

	mu     sync.Mutex
	open   map[string]Transport
	closed bool
}

// NewHub creates a hub building transports from registry. A nil registry
// means DefaultRegistry.
func NewHub(registry *Registry, cfg Config, logger logging.ServiceLogger) *Hub {
	if registry == nil {
		registry = DefaultRegistry
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Hub{registry: registry, cfg: cfg, logger: logger, open: make(map[string]Transport)}
}

// Use registers an already built transport for scheme. Tests use it to plug
// in an in-memory pub/sub.
func (h *Hub) Use(scheme string, t Transport) {
	if t.Capabilities.Name == "" {
		t.Capabilities = h.registry.Capabilities(scheme)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open[scheme] = t
}

func (h *Hub) transport(ctx context.Context, scheme string) (Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Transport{}, errors.New("durabus: transport hub is closed")
	}
	if t, ok := h.open[scheme]; ok {
		return t, nil
	}
	t, err := h.registry.Build(ctx, scheme, h.cfg, logging.NewWatermillAdapter(h.logger))
	if err != nil {
		return Transport{}, err
	}
	h.open[scheme] = t
	h.logger.Info("Opened transport", logging.LogFields{"scheme": scheme})
	return t, nil
}

// Sender returns a sender publishing to the topic of uri.
func (h *Hub) Sender(ctx context.Context, uri string) (Sender, error) {
	ep, err := ParseEndpoint(uri)
	if err != nil {
		return nil, err
	}
	t, err := h.transport(ctx, ep.Scheme)
	if err != nil {
		return nil, err
	}
	s := NewWatermillSender(t.Publisher, uri, ep.Topic, t.Capabilities)
	s.shared = true
	return s, nil
}

// Listener returns a listener consuming the topic of uri.
func (h *Hub) Listener(ctx context.Context, uri string) (Listener, error) {
	ep, err := ParseEndpoint(uri)
	if err != nil {
		return nil, err
	}
	t, err := h.transport(ctx, ep.Scheme)
	if err != nil {
		return nil, err
	}
	l := NewWatermillListener(t.Subscriber, uri, ep.Topic, h.logger)
	l.shared = true
	return l, nil
}

// Capabilities reports what the transport behind uri supports.
func (h *Hub) Capabilities(uri string) (Capabilities, error) {
	ep, err := ParseEndpoint(uri)
	if err != nil {
		return Capabilities{}, err
	}
	h.mu.Lock()
	t, ok := h.open[ep.Scheme]
	h.mu.Unlock()
	if ok {
		return t.Capabilities, nil
	}
	return h.registry.Capabilities(ep.Scheme), nil
}

// Close closes every opened transport.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	var errs []error
	for scheme, t := range h.open {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s transport: %w", scheme, err))
		}
	}
	h.open = nil
	return errors.Join(errs...)
}
