package durabus

import (
	"context"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/durabus/internal/runtime"
	configpkg "github.com/drblury/durabus/internal/runtime/config"
	"github.com/drblury/durabus/internal/runtime/durability"
	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	idspkg "github.com/drblury/durabus/internal/runtime/ids"
	jsoncodec "github.com/drblury/durabus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/durabus/internal/runtime/logging"
	metadatapkg "github.com/drblury/durabus/internal/runtime/metadata"
	"github.com/drblury/durabus/internal/runtime/pipeline"
	"github.com/drblury/durabus/internal/runtime/serialization"
	"github.com/drblury/durabus/internal/runtime/workers"
	"github.com/drblury/durabus/transport"
)

type (
	Config         = configpkg.Config
	ListenerConfig = configpkg.ListenerConfig
	SenderConfig   = configpkg.SenderConfig

	Runtime      = runtimepkg.Runtime
	Dependencies = runtimepkg.Dependencies
	SendOption   = runtimepkg.SendOption
	AgentStatus  = runtimepkg.AgentStatus
	NodeStatus   = runtimepkg.NodeStatus
	HandlerInfo  = runtimepkg.HandlerInfo
	HandlerStats = runtimepkg.HandlerStats
	BusMetrics   = runtimepkg.BusMetrics

	Persistence     = durability.Persistence
	SQLStore        = durability.SQLStore
	Envelope        = envelope.Envelope
	ErrorReport     = envelope.ErrorReport
	PersistedCounts = envelope.PersistedCounts

	Registry                 = pipeline.Registry
	HandlerFunc              = pipeline.HandlerFunc
	TypedHandler[T any]      = pipeline.TypedHandler[T]
	MessageContext[T any]    = pipeline.MessageContext[T]
	Middleware               = pipeline.Middleware
	MiddlewareRegistration   = pipeline.MiddlewareRegistration
	JobContext               = pipeline.JobContext
	JobHooks                 = pipeline.JobHooks
	RetryPolicy              = pipeline.RetryPolicy
	SerializationOption      = serialization.Option
	WorkerMode               = workers.Mode
	TransportRegistry        = transport.Registry
	TransportConfig          = transport.Config
	TransportCapabilities    = transport.Capabilities
	Metadata                 = metadatapkg.Metadata
	LogFields                = loggingpkg.LogFields
	ServiceLogger            = loggingpkg.ServiceLogger
	UnsupportedFeatureError  = errspkg.UnsupportedFeatureError
	DuplicateEnvelopeError   = errspkg.DuplicateEnvelopeError
	EnvelopeDeserializeError = errspkg.EnvelopeDeserializationError
	MessageFailureError      = errspkg.MessageFailureError
)

// Worker queue modes for ListenTo.
const (
	Durable     = workers.Durable
	Lightweight = workers.Lightweight
)

// Content types with built-in readers and writers.
const (
	ContentTypeJSON        = serialization.ContentTypeJSON
	ContentTypeProtobuf    = serialization.ContentTypeProtobuf
	ContentTypeProtoJSON   = serialization.ContentTypeProtoJSON
	ContentTypeCloudEvents = serialization.ContentTypeCloudEvents
)

var (
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	NewLogger = runtimepkg.NewLogger

	WithDelay         = runtimepkg.WithDelay
	WithExecutionTime = runtimepkg.WithExecutionTime
	WithDeliverWithin = runtimepkg.WithDeliverWithin
	WithCorrelationID = runtimepkg.WithCorrelationID
	WithReplyURI      = runtimepkg.WithReplyURI
	WithHeader        = runtimepkg.WithHeader
	WithGroupID       = runtimepkg.WithGroupID
	WithSessionID     = runtimepkg.WithSessionID
	WithContentType   = runtimepkg.WithContentType

	DefaultMiddlewares      = pipeline.DefaultMiddlewares
	CorrelationIDMiddleware = pipeline.CorrelationIDMiddleware
	RecovererMiddleware     = pipeline.RecovererMiddleware
	TracerMiddleware        = pipeline.TracerMiddleware
	LogEnvelopesMiddleware  = pipeline.LogEnvelopesMiddleware
	JobHooksMiddleware      = pipeline.JobHooksMiddleware
	LoggingHooks            = pipeline.LoggingHooks
	MetricsHooks            = pipeline.MetricsHooks

	RetryAfter           = pipeline.RetryAfter
	DeadLetterWithReason = pipeline.DeadLetterWithReason
	NonRetryable         = errspkg.NonRetryable
	IsNonRetryable       = errspkg.IsNonRetryable

	WithReader        = serialization.WithReader
	WithWriter        = serialization.WithWriter
	CloudEventsWriter = serialization.CloudEventsWriter

	DefaultTransportRegistry = transport.DefaultRegistry
	NewTransportRegistry     = transport.NewRegistry
	RegisterTransport        = transport.Register

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger = loggingpkg.NewZerologServiceLogger
	NopLogger               = loggingpkg.NopLogger

	NewMetadata  = metadatapkg.New
	CreateULID   = idspkg.CreateULID
	NewSessionID = idspkg.NewSessionID

	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrMessageTypeRequired = errspkg.ErrMessageTypeRequired
	ErrDestinationRequired = errspkg.ErrDestinationRequired
	ErrStoreRequired       = errspkg.ErrStoreRequired
	ErrUnknownDestination  = errspkg.ErrUnknownDestination
	ErrUnknownListener     = errspkg.ErrUnknownListener
	ErrDuplicateEnvelope   = errspkg.ErrDuplicateEnvelope
	ErrDeadLetterNotFound  = errspkg.ErrDeadLetterNotFound
	ErrUnsupportedStore    = errspkg.ErrUnsupportedStore
	ErrUnsupportedFeature  = errspkg.ErrUnsupportedFeature
)

// New creates a runtime for conf. A nil logger selects the one described by
// conf.LogFormat.
func New(ctx context.Context, conf *Config, logger ServiceLogger, deps Dependencies) (*Runtime, error) {
	return runtimepkg.New(ctx, conf, logger, deps)
}

// HandleJSON registers messageType as the JSON-serialized type T on the
// runtime's registry. Payloads arrive as *T.
func HandleJSON[T any](rt *Runtime, messageType string, fn TypedHandler[*T], opts ...SerializationOption) error {
	return pipeline.HandleJSON[T](rt.Registry(), messageType, fn, opts...)
}

// HandleProto registers messageType as the protobuf message T. Protobuf
// binary and protojson bodies are both accepted.
func HandleProto[T proto.Message](rt *Runtime, messageType string, fn TypedHandler[T], opts ...SerializationOption) error {
	return pipeline.HandleProto[T](rt.Registry(), messageType, fn, opts...)
}

// RegisterJSON makes T sendable as messageType without handling it locally.
func RegisterJSON[T any](rt *Runtime, messageType string, opts ...SerializationOption) error {
	return serialization.RegisterJSON[T](rt.Graph(), messageType, opts...)
}

// RegisterProto makes the protobuf message T sendable as messageType.
func RegisterProto[T proto.Message](rt *Runtime, messageType string, opts ...SerializationOption) error {
	return serialization.RegisterProto[T](rt.Graph(), messageType, opts...)
}
