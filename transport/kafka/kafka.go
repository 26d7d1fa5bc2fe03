// Package kafka provides the Kafka transport. Envelopes of one group id land
// on the same partition, which keeps them in order.
package kafka

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/durabus/internal/runtime/metadata"
	"github.com/drblury/durabus/transport"
)

// Scheme addresses this transport, as in kafka://payments.
const Scheme = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the Kafka transport to r.
func Register(r *transport.Registry) {
	r.Register(Scheme, Build, transport.KafkaCapabilities)
}

// PartitionKey picks the partition key of msg: the envelope group id, then
// the session id, then the envelope id.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	for _, key := range []string{metadata.KeyGroupID, metadata.KeySessionID, metadata.KeyEnvelopeID} {
		if v := msg.Metadata.Get(key); v != "" {
			return v, nil
		}
	}
	return msg.UUID, nil
}

// Build creates a Kafka publisher and a consumer-group subscriber.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("durabus: kafka brokers are required")
	}
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   marshaler,
			ConsumerGroup: cfg.GetKafkaConsumerGroup(),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:    publisher,
		Subscriber:   subscriber,
		Capabilities: transport.KafkaCapabilities,
	}, nil
}
