package serialization

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/durabus/internal/runtime/envelope"
	"github.com/drblury/durabus/internal/runtime/jsoncodec"
)

const (
	ContentTypeJSON        = "application/json"
	ContentTypeProtobuf    = "application/x-protobuf"
	ContentTypeProtoJSON   = "application/protobuf+json"
	ContentTypeCloudEvents = "application/cloudevents+json"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

var protoJSONUnmarshalOptions = protojson.UnmarshalOptions{
	DiscardUnknown: true,
}

type jsonReader[T any] struct {
	contentType string
}

func (r jsonReader[T]) ContentType() string { return r.contentType }

func (r jsonReader[T]) Read(env *envelope.Envelope) (any, error) {
	msg := new(T)
	if err := jsoncodec.Unmarshal(env.Data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return msg, nil
}

type jsonWriter struct {
	contentType string
}

func (w jsonWriter) ContentType() string { return w.contentType }

func (w jsonWriter) Write(env *envelope.Envelope) ([]byte, error) {
	return jsoncodec.Marshal(env.Message)
}

// JSONReader decodes payloads into *T.
func JSONReader[T any]() Reader {
	return jsonReader[T]{contentType: ContentTypeJSON}
}

// JSONWriter encodes any value with the runtime JSON codec.
func JSONWriter() Writer {
	return jsonWriter{contentType: ContentTypeJSON}
}

// RegisterJSON registers messageType backed by the Go type T. Messages are
// read as *T.
func RegisterJSON[T any](g *Graph, messageType string, opts ...Option) error {
	return g.register(messageType, reflect.TypeOf(new(T)), JSONReader[T](), JSONWriter(), opts)
}

type protoReader[T proto.Message] struct {
	contentType string
	decode      func([]byte, proto.Message) error
}

func (r protoReader[T]) ContentType() string { return r.contentType }

func (r protoReader[T]) Read(env *envelope.Envelope) (any, error) {
	msg, err := newProto[T]()
	if err != nil {
		return nil, err
	}
	if err := r.decode(env.Data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return msg, nil
}

type protoWriter struct {
	contentType string
	encode      func(proto.Message) ([]byte, error)
}

func (w protoWriter) ContentType() string { return w.contentType }

func (w protoWriter) Write(env *envelope.Envelope) ([]byte, error) {
	msg, ok := env.Message.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%T is not a proto message", env.Message)
	}
	return w.encode(msg)
}

// RegisterProto registers messageType backed by the protobuf message T. The
// JSON default uses protojson, and binary protobuf plus protojson under its
// own content type are registered next to it.
func RegisterProto[T proto.Message](g *Graph, messageType string, opts ...Option) error {
	if _, err := newProto[T](); err != nil {
		return err
	}
	jsonDecode := func(b []byte, m proto.Message) error { return protoJSONUnmarshalOptions.Unmarshal(b, m) }
	jsonEncode := func(m proto.Message) ([]byte, error) { return protoJSONMarshalOptions.Marshal(m) }
	binDecode := func(b []byte, m proto.Message) error { return proto.Unmarshal(b, m) }
	binEncode := func(m proto.Message) ([]byte, error) { return proto.Marshal(m) }

	base := []Option{
		WithReader(protoReader[T]{contentType: ContentTypeProtobuf, decode: binDecode}),
		WithWriter(protoWriter{contentType: ContentTypeProtobuf, encode: binEncode}),
		WithReader(protoReader[T]{contentType: ContentTypeProtoJSON, decode: jsonDecode}),
		WithWriter(protoWriter{contentType: ContentTypeProtoJSON, encode: jsonEncode}),
	}
	var zero T
	return g.register(messageType, reflect.TypeOf(zero),
		protoReader[T]{contentType: ContentTypeJSON, decode: jsonDecode},
		protoWriter{contentType: ContentTypeJSON, encode: jsonEncode},
		append(base, opts...))
}

// newProto instantiates the message behind the pointer type T.
func newProto[T proto.Message]() (T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return zero, fmt.Errorf("durabus: proto message type must be a pointer, got %v", typ)
	}
	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected proto type %s", typ)
	}
	return typed, nil
}
