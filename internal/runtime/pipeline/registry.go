package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	"github.com/drblury/durabus/internal/runtime/metadata"
	"github.com/drblury/durabus/internal/runtime/serialization"
)

// Registry maps message type names to handlers. It is populated by explicit
// registration calls at startup.
type Registry struct {
	graph *serialization.Graph

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates a registry whose typed handlers register their message
// types in graph.
func NewRegistry(graph *serialization.Graph) *Registry {
	if graph == nil {
		graph = serialization.NewGraph("")
	}
	return &Registry{graph: graph, handlers: make(map[string]HandlerFunc)}
}

// Graph returns the serialization registry shared with the handlers.
func (r *Registry) Graph() *serialization.Graph {
	return r.graph
}

// Register adds an untyped handler. Each message type has one handler.
func (r *Registry) Register(messageType string, h HandlerFunc) error {
	if messageType == "" {
		return errspkg.ErrMessageTypeRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[messageType]; exists {
		return fmt.Errorf("durabus: handler for %q already registered", messageType)
	}
	r.handlers[messageType] = h
	return nil
}

// Lookup returns the handler for messageType.
func (r *Registry) Lookup(messageType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[messageType]
	return h, ok
}

// MessageTypes lists the handled message types in name order.
func (r *Registry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MessageContext gives typed handlers their payload and the envelope it
// arrived in.
type MessageContext[T any] struct {
	Envelope *envelope.Envelope
	Payload  T
}

// Metadata returns the envelope headers.
func (c MessageContext[T]) Metadata() metadata.Metadata {
	return c.Envelope.Headers
}

// CloneMetadata copies the headers so handlers can reuse them on outgoing
// envelopes without touching the original.
func (c MessageContext[T]) CloneMetadata() metadata.Metadata {
	return c.Envelope.Headers.Clone()
}

// Get returns one header value.
func (c MessageContext[T]) Get(key string) string {
	return c.Envelope.Headers[key]
}

// CorrelationID returns the envelope correlation id.
func (c MessageContext[T]) CorrelationID() string {
	return c.Envelope.CorrelationID
}

// TypedHandler processes one typed message.
type TypedHandler[T any] func(ctx context.Context, msg MessageContext[T]) error

// HandleJSON registers messageType as the JSON-serialized Go type T and
// routes it to fn. Payloads arrive as *T.
func HandleJSON[T any](r *Registry, messageType string, fn TypedHandler[*T], opts ...serialization.Option) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	if err := serialization.RegisterJSON[T](r.graph, messageType, opts...); err != nil {
		return err
	}
	return r.Register(messageType, typed(fn))
}

// HandleProto registers messageType as the protobuf message T and routes it
// to fn.
func HandleProto[T proto.Message](r *Registry, messageType string, fn TypedHandler[T], opts ...serialization.Option) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	if err := serialization.RegisterProto[T](r.graph, messageType, opts...); err != nil {
		return err
	}
	return r.Register(messageType, typed(fn))
}

func typed[T any](fn TypedHandler[T]) HandlerFunc {
	return func(ctx context.Context, env *envelope.Envelope) error {
		payload, ok := env.Message.(T)
		if !ok {
			return errspkg.NonRetryable(fmt.Errorf("durabus: %s carries %T, want %T", env.MessageType, env.Message, *new(T)))
		}
		return fn(ctx, MessageContext[T]{Envelope: env, Payload: payload})
	}
}
