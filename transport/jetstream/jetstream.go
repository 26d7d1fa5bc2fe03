// Package jetstream provides the NATS JetStream transport. It is the only
// built-in transport with native delayed delivery: a delayed message carries
// its due time in a header and is nak'ed with the remaining delay until then.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/durabus/internal/runtime/metadata"
	"github.com/drblury/durabus/transport"
)

// Scheme addresses this transport, as in jetstream://orders.
const Scheme = "jetstream"

const (
	DefaultStream     = "DURABUS"
	DefaultMaxDeliver = 5
	DefaultAckWait    = 30 * time.Second

	// HeaderDeliverAt holds the unix milliseconds before which a message is
	// not handed to subscribers.
	HeaderDeliverAt = "durabus-deliver-at"
)

var errClosed = errors.New("durabus: jetstream transport is closed")

// Connect allows overriding the connection for testing.
var Connect = func(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the JetStream transport to r.
func Register(r *transport.Registry) {
	r.Register(Scheme, Build, transport.JetStreamCapabilities)
}

// Build connects to NATS and ensures the stream exists.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL(), Stream: cfg.GetJetStreamStream()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:    t,
		Subscriber:   t,
		Capabilities: transport.JetStreamCapabilities,
	}, nil
}

// Config holds the JetStream settings.
type Config struct {
	URL        string
	Stream     string
	MaxDeliver int
	AckWait    time.Duration
	Replicas   int
	// Retention is "limits" (default), "interest" or "workqueue".
	Retention string
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) retention() nats.RetentionPolicy {
	switch c.Retention {
	case "interest":
		return nats.InterestPolicy
	case "workqueue":
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

// Transport publishes to and pulls from one stream. Topics map to subjects
// below the stream name.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter
	now    func() time.Time

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
	done   chan struct{}
}

var _ transport.DelayedPublisher = (*Transport)(nil)

// New connects and creates or updates the stream.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	t := &Transport{nc: nc, js: js, config: cfg, logger: logger, now: time.Now, done: make(chan struct{})}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.Stream,
		Subjects:  []string{t.config.Stream + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  t.config.Replicas,
		Retention: t.config.retention(),
	}
	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("ensure stream %s: %w", t.config.Stream, err)
	}
	return nil
}

// Subject maps a topic to its subject in the stream.
func (t *Transport) Subject(topic string) string {
	return t.config.Stream + "." + topic
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Publish publishes messages for immediate delivery.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	return t.publish(topic, 0, messages)
}

// PublishWithDelay publishes messages that subscribers see after delay
// milliseconds.
func (t *Transport) PublishWithDelay(topic string, delay int64, messages ...*message.Message) error {
	return t.publish(topic, delay, messages)
}

func (t *Transport) publish(topic string, delay int64, messages []*message.Message) error {
	if t.isClosed() {
		return errClosed
	}
	subject := t.Subject(topic)
	for _, msg := range messages {
		natsMsg := toNATS(subject, msg)
		if delay > 0 {
			deliverAt := t.now().Add(time.Duration(delay) * time.Millisecond)
			natsMsg.Header.Set(HeaderDeliverAt, strconv.FormatInt(deliverAt.UnixMilli(), 10))
		}
		if _, err := t.js.PublishMsg(natsMsg, nats.MsgId(msg.UUID)); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	if header.Get(metadata.KeyEnvelopeID) == "" {
		header.Set(metadata.KeyEnvelopeID, msg.UUID)
	}
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func toWatermill(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(metadata.KeyEnvelopeID)
	if id == "" {
		id = watermill.NewULID()
	}
	msg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == HeaderDeliverAt || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

// Subscribe pulls messages of topic through a durable consumer named after
// it. Each message is acked or nak'ed when the receiver acks or nacks it.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errClosed
	}
	subject := t.Subject(topic)
	consumer := "durabus_" + topic
	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumer,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.Stream, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.Stream, consumerCfg); err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", consumer, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, consumer)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	out := make(chan *message.Message)
	go t.fetch(ctx, sub, out, topic)
	return out, nil
}

func (t *Transport) fetch(ctx context.Context, sub *nats.Subscription, out chan<- *message.Message, topic string) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		batch, err := sub.Fetch(10, nats.MaxWait(time.Second))
		if err != nil {
			if !errors.Is(err, nats.ErrTimeout) {
				t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			}
			continue
		}
		for _, natsMsg := range batch {
			if wait := t.remainingDelay(natsMsg); wait > 0 {
				if err := natsMsg.NakWithDelay(wait); err != nil {
					t.logger.Error("Failed to postpone delayed message", err, nil)
				}
				continue
			}
			if !t.forward(ctx, natsMsg, out) {
				return
			}
		}
	}
}

func (t *Transport) remainingDelay(natsMsg *nats.Msg) time.Duration {
	raw := natsMsg.Header.Get(HeaderDeliverAt)
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return time.UnixMilli(ms).Sub(t.now())
}

func (t *Transport) forward(ctx context.Context, natsMsg *nats.Msg, out chan<- *message.Message) bool {
	msg := toWatermill(natsMsg)
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	}
	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("Failed to ack", err, nil)
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("Failed to nak", err, nil)
		}
	case <-ctx.Done():
		return false
	}
	return true
}

// Close unsubscribes every consumer and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	t.nc.Close()
	return nil
}
