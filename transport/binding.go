package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	"github.com/drblury/durabus/internal/runtime/logging"
	"github.com/drblury/durabus/internal/runtime/metadata"
)

// ReceivedStatus tells a listener whether to acknowledge a batch.
type ReceivedStatus int

const (
	ReceivedSuccessful ReceivedStatus = iota
	ReceivedProcessFailure
)

func (s ReceivedStatus) String() string {
	if s == ReceivedSuccessful {
		return "successful"
	}
	return "process_failure"
}

// ReceiverCallback is what listeners deliver received envelopes to.
type ReceiverCallback interface {
	Received(ctx context.Context, uri string, envs []*envelope.Envelope) ReceivedStatus
	Acknowledged(envs []*envelope.Envelope)
	NotAcknowledged(envs []*envelope.Envelope)
	Failed(err error, envs []*envelope.Envelope)
}

// DeadLetterer is implemented by receiver callbacks that can store a message
// which never became a valid envelope in the dead letter queue.
type DeadLetterer interface {
	MoveToErrors(ctx context.Context, env *envelope.Envelope, cause error) error
}

// Listener receives envelopes from one address.
type Listener interface {
	Address() string
	Start(ctx context.Context, cb ReceiverCallback) error
	Close() error
}

// Sender transmits envelopes to one destination.
type Sender interface {
	Destination() string
	// SupportsNativeScheduledSend reports whether envelopes with a future
	// execution time can be handed to the transport as they are.
	SupportsNativeScheduledSend() bool
	Send(ctx context.Context, env *envelope.Envelope) error
	Close() error
}

// ToMessage converts env into a Watermill message. Envelope fields travel as
// reserved headers next to the application headers.
func ToMessage(env *envelope.Envelope) *message.Message {
	msg := message.NewMessage(env.ID, env.Data)
	fields := metadata.New(
		metadata.KeyEnvelopeID, env.ID,
		metadata.KeyMessageType, env.MessageType,
		metadata.KeyContentType, env.ContentType,
		metadata.KeyCorrelationID, env.CorrelationID,
		metadata.KeyReplyURI, env.ReplyURI,
		metadata.KeySource, env.Source,
		metadata.KeyDestination, env.Destination,
		metadata.KeySessionID, env.SessionID,
		metadata.KeyGroupID, env.GroupID,
		metadata.KeyExecutionTime, formatTime(env.ExecutionTime),
		metadata.KeyDeliverBy, formatTime(env.DeliverBy),
		metadata.KeySentAt, formatTime(env.SentAt),
	)
	if env.Attempts > 0 {
		fields[metadata.KeyAttempts] = strconv.Itoa(env.Attempts)
	}
	msg.Metadata = metadata.EnvelopeMetadata(env.Headers, fields)
	return msg
}

// FromMessage rebuilds the envelope carried by msg. Messages published by
// other systems get the Watermill UUID as envelope id.
func FromMessage(msg *message.Message) (*envelope.Envelope, error) {
	reserved, headers := metadata.SplitWatermill(msg.Metadata)

	env := &envelope.Envelope{
		ID:            reserved.Get(metadata.KeyEnvelopeID, msg.UUID),
		MessageType:   reserved[metadata.KeyMessageType],
		ContentType:   reserved[metadata.KeyContentType],
		CorrelationID: reserved[metadata.KeyCorrelationID],
		ReplyURI:      reserved[metadata.KeyReplyURI],
		Source:        reserved[metadata.KeySource],
		Destination:   reserved[metadata.KeyDestination],
		SessionID:     reserved[metadata.KeySessionID],
		GroupID:       reserved[metadata.KeyGroupID],
		Data:          append([]byte(nil), msg.Payload...),
		Headers:       headers,
	}
	if env.ID == "" {
		return nil, errors.New("durabus: message has no id")
	}

	var errs []error
	if raw := reserved[metadata.KeyAttempts]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("attempts header: %w", err))
		}
		env.Attempts = n
	}
	var err error
	if env.ExecutionTime, err = parseTime(reserved, metadata.KeyExecutionTime); err != nil {
		errs = append(errs, err)
	}
	if env.DeliverBy, err = parseTime(reserved, metadata.KeyDeliverBy); err != nil {
		errs = append(errs, err)
	}
	if env.SentAt, err = parseTime(reserved, metadata.KeySentAt); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, &errspkg.MessageFailureError{EnvelopeID: env.ID, Err: errors.Join(errs...)}
	}
	return env, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(md metadata.Metadata, key string) (*time.Time, error) {
	raw := md[key]
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%s header: %w", key, err)
	}
	return &t, nil
}

// WatermillSender publishes envelopes to a topic through any Watermill
// publisher.
type WatermillSender struct {
	publisher    message.Publisher
	destination  string
	topic        string
	capabilities Capabilities
	shared       bool
}

var _ Sender = (*WatermillSender)(nil)

// NewWatermillSender creates a sender for destination publishing to topic.
func NewWatermillSender(publisher message.Publisher, destination, topic string, caps Capabilities) *WatermillSender {
	return &WatermillSender{publisher: publisher, destination: destination, topic: topic, capabilities: caps}
}

func (s *WatermillSender) Destination() string { return s.destination }

// SupportsNativeScheduledSend is true when the capabilities report native
// delay and the publisher can delay messages.
func (s *WatermillSender) SupportsNativeScheduledSend() bool {
	_, ok := s.publisher.(DelayedPublisher)
	return ok && s.capabilities.SupportsDelay
}

// Send publishes env. The message built from env is the one transmitted.
func (s *WatermillSender) Send(ctx context.Context, env *envelope.Envelope) error {
	now := time.Now().UTC()
	env.SentAt = &now
	if env.Destination == "" {
		env.Destination = s.destination
	}
	msg := ToMessage(env)
	msg.SetContext(ctx)

	if env.IsDelayed(now) {
		delayed, ok := s.publisher.(DelayedPublisher)
		if !ok || !s.capabilities.SupportsDelay {
			return &errspkg.UnsupportedFeatureError{Feature: "Delayed Message Delivery"}
		}
		return delayed.PublishWithDelay(s.topic, env.ExecutionTime.Sub(now).Milliseconds(), msg)
	}
	return s.publisher.Publish(s.topic, msg)
}

// Close closes the publisher unless a Hub owns it.
func (s *WatermillSender) Close() error {
	if s.shared {
		return nil
	}
	return s.publisher.Close()
}

// WatermillListener subscribes to a topic and hands every message to the
// receiver callback one envelope at a time.
type WatermillListener struct {
	subscriber message.Subscriber
	address    string
	topic      string
	logger     logging.ServiceLogger
	shared     bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Listener = (*WatermillListener)(nil)

// NewWatermillListener creates a listener for topic reporting address as
// its URI.
func NewWatermillListener(subscriber message.Subscriber, address, topic string, logger logging.ServiceLogger) *WatermillListener {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &WatermillListener{
		subscriber: subscriber,
		address:    address,
		topic:      topic,
		logger:     logger.With(logging.LogFields{"listener": address}),
	}
}

func (l *WatermillListener) Address() string { return l.address }

// Start subscribes and returns. Messages are consumed until ctx is done or
// the subscriber closes.
func (l *WatermillListener) Start(ctx context.Context, cb ReceiverCallback) error {
	ctx, cancel := context.WithCancel(ctx)
	messages, err := l.subscriber.Subscribe(ctx, l.topic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", l.topic, err)
	}
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for msg := range messages {
			l.handle(ctx, msg, cb)
		}
	}()
	return nil
}

func (l *WatermillListener) handle(ctx context.Context, msg *message.Message, cb ReceiverCallback) {
	env, err := FromMessage(msg)
	if err != nil {
		l.reject(ctx, msg, err, cb)
		return
	}
	batch := []*envelope.Envelope{env}
	if cb.Received(ctx, l.address, batch) == ReceivedSuccessful {
		msg.Ack()
		cb.Acknowledged(batch)
		return
	}
	msg.Nack()
	cb.NotAcknowledged(batch)
}

// reject dead-letters a message that cannot become an envelope. The message
// is only acknowledged once the dead letter is stored.
func (l *WatermillListener) reject(ctx context.Context, msg *message.Message, cause error, cb ReceiverCallback) {
	env := undecodableEnvelope(msg, l.address)
	batch := []*envelope.Envelope{env}
	cb.Failed(cause, batch)

	dl, ok := cb.(DeadLetterer)
	if !ok {
		l.logger.Error("Undecodable message has no dead letter queue", cause, logging.LogFields{"envelope_id": env.ID})
		msg.Nack()
		cb.NotAcknowledged(batch)
		return
	}
	if err := dl.MoveToErrors(ctx, env, cause); err != nil {
		l.logger.Error("Failed to dead-letter undecodable message", err, logging.LogFields{"envelope_id": env.ID})
		msg.Nack()
		cb.NotAcknowledged(batch)
		return
	}
	msg.Ack()
	cb.Acknowledged(batch)
}

// undecodableEnvelope keeps what can be read from a broken message: its id,
// payload and plain headers.
func undecodableEnvelope(msg *message.Message, address string) *envelope.Envelope {
	reserved, headers := metadata.SplitWatermill(msg.Metadata)
	env := envelope.New(reserved[metadata.KeyMessageType], append([]byte(nil), msg.Payload...))
	if id := reserved.Get(metadata.KeyEnvelopeID, msg.UUID); id != "" {
		env.ID = id
	}
	env.ContentType = reserved[metadata.KeyContentType]
	env.CorrelationID = reserved[metadata.KeyCorrelationID]
	env.Source = reserved[metadata.KeySource]
	env.ReceivedAt = address
	env.Headers = headers
	return env
}

// Close ends the subscription and waits for the consume loop. The subscriber
// itself is closed unless a Hub owns it.
func (l *WatermillListener) Close() error {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var err error
	if !l.shared {
		err = l.subscriber.Close()
	}
	l.wg.Wait()
	return err
}
