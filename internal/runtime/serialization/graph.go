// Package serialization resolves readers and writers for a message type and
// content type pair. Every registered type always gets a JSON reader and
// writer, which applications may replace explicitly.
package serialization

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
)

// Reader turns an envelope payload into a message.
type Reader interface {
	ContentType() string
	Read(env *envelope.Envelope) (any, error)
}

// Writer turns env.Message into a payload.
type Writer interface {
	ContentType() string
	Write(env *envelope.Envelope) ([]byte, error)
}

// Option customises the registration of one message type.
type Option func(*registration)

// WithReader adds r to the message type. A reader for a content type that is
// already registered replaces it, including the JSON default.
func WithReader(r Reader) Option {
	return func(reg *registration) { reg.addReader(r) }
}

// WithWriter adds w to the message type, replacing any writer with the same
// content type.
func WithWriter(w Writer) Option {
	return func(reg *registration) { reg.addWriter(w) }
}

type registration struct {
	messageType string
	goType      reflect.Type
	readers     []Reader
	writers     []Writer
}

func (r *registration) addReader(reader Reader) {
	for i, existing := range r.readers {
		if existing.ContentType() == reader.ContentType() {
			r.readers[i] = reader
			return
		}
	}
	r.readers = append(r.readers, reader)
}

func (r *registration) addWriter(writer Writer) {
	for i, existing := range r.writers {
		if existing.ContentType() == writer.ContentType() {
			r.writers[i] = writer
			return
		}
	}
	r.writers = append(r.writers, writer)
}

// Graph is the explicit registry built at startup.
type Graph struct {
	mu                 sync.RWMutex
	defaultContentType string
	byName             map[string]*registration
	byType             map[reflect.Type]*registration
}

// NewGraph creates an empty registry. An empty defaultContentType falls back
// to application/json.
func NewGraph(defaultContentType string) *Graph {
	if defaultContentType == "" {
		defaultContentType = envelope.DefaultContentType
	}
	return &Graph{
		defaultContentType: defaultContentType,
		byName:             make(map[string]*registration),
		byType:             make(map[reflect.Type]*registration),
	}
}

// DefaultContentType returns the content type applied to envelopes that do
// not declare one.
func (g *Graph) DefaultContentType() string {
	return g.defaultContentType
}

func (g *Graph) register(messageType string, goType reflect.Type, reader Reader, writer Writer, opts []Option) error {
	if messageType == "" {
		return errspkg.ErrMessageTypeRequired
	}
	reg := &registration{messageType: messageType, goType: goType}
	reg.addReader(reader)
	reg.addWriter(writer)
	for _, opt := range opts {
		opt(reg)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.byName[messageType]; ok && existing.goType != goType {
		return fmt.Errorf("durabus: message type %q already registered for %s", messageType, existing.goType)
	}
	g.byName[messageType] = reg
	if goType != nil {
		g.byType[goType] = reg
	}
	return nil
}

// MessageTypeOf returns the registered message type name for v.
func (g *Graph) MessageTypeOf(v any) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	reg, ok := g.byType[reflect.TypeOf(v)]
	if !ok {
		return "", false
	}
	return reg.messageType, true
}

// ContentTypes lists the readable content types of messageType in
// registration order. The JSON default comes first.
func (g *Graph) ContentTypes(messageType string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	reg, ok := g.byName[messageType]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(reg.readers))
	for _, r := range reg.readers {
		out = append(out, r.ContentType())
	}
	return out
}

// ReaderFor resolves the reader of messageType for contentType.
func (g *Graph) ReaderFor(messageType, contentType string) (Reader, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	reg, ok := g.byName[messageType]
	if !ok {
		return nil, false
	}
	for _, r := range reg.readers {
		if r.ContentType() == contentType {
			return r, true
		}
	}
	return nil, false
}

// WriterFor resolves the writer of messageType for contentType.
func (g *Graph) WriterFor(messageType, contentType string) (Writer, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	reg, ok := g.byName[messageType]
	if !ok {
		return nil, false
	}
	for _, w := range reg.writers {
		if w.ContentType() == contentType {
			return w, true
		}
	}
	return nil, false
}

// Deserialize sets env.Message from its payload.
func (g *Graph) Deserialize(env *envelope.Envelope) (any, error) {
	if env.ContentType == "" {
		return nil, &errspkg.EnvelopeDeserializationError{EnvelopeID: env.ID, Reason: "content type is missing"}
	}
	if len(env.Data) == 0 {
		return nil, &errspkg.EnvelopeDeserializationError{EnvelopeID: env.ID, Reason: "payload is empty"}
	}
	reader, ok := g.ReaderFor(env.MessageType, env.ContentType)
	if !ok {
		return nil, &errspkg.EnvelopeDeserializationError{
			EnvelopeID: env.ID,
			Reason:     fmt.Sprintf("no reader for message type %q and content type %q", env.MessageType, env.ContentType),
			Err:        errspkg.ErrNoReader,
		}
	}
	msg, err := g.read(reader, env)
	if err != nil {
		return nil, &errspkg.EnvelopeDeserializationError{EnvelopeID: env.ID, Reason: "reader failed", Err: err}
	}
	env.Message = msg
	return msg, nil
}

// read converts reader panics into errors so a broken reader cannot take the
// worker down.
func (g *Graph) read(reader Reader, env *envelope.Envelope) (msg any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reader panic: %v", r)
		}
	}()
	return reader.Read(env)
}

// Serialize writes env.Message into env.Data. The envelope's message type is
// resolved from the registry when unset and its content type defaults to the
// graph default.
func (g *Graph) Serialize(env *envelope.Envelope) error {
	if env.MessageType == "" {
		name, ok := g.MessageTypeOf(env.Message)
		if !ok {
			return fmt.Errorf("%w: %T", errspkg.ErrMessageTypeRequired, env.Message)
		}
		env.MessageType = name
	}
	if env.ContentType == "" {
		env.ContentType = g.defaultContentType
	}
	writer, ok := g.WriterFor(env.MessageType, env.ContentType)
	if !ok {
		return fmt.Errorf("%w: %s for %s", errspkg.ErrNoWriter, env.ContentType, env.MessageType)
	}
	data, err := writer.Write(env)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", env.MessageType, err)
	}
	env.Data = data
	return nil
}
