package transport

// Capabilities describes what a broker offers to the sending agents and
// worker queues on top of plain publish and subscribe.
type Capabilities struct {
	Name string

	// SupportsDelay means the publisher implements DelayedPublisher, so an
	// envelope with a future execution time can be handed over as it is.
	SupportsDelay bool

	// SupportsOrdering means messages of one topic or partition arrive in
	// publish order.
	SupportsOrdering bool

	// SupportsAck and SupportsNack report explicit acknowledgement. Without
	// Nack a batch the worker queue failed to persist is not redelivered.
	SupportsAck  bool
	SupportsNack bool

	// SupportsPartitioning means the group id header selects a partition.
	SupportsPartitioning bool

	// MaxMessageSize in bytes, zero when unknown.
	MaxMessageSize int64

	// MaxDelay in milliseconds, zero when unlimited.
	MaxDelay int64
}

// RequiresDelayEmulation reports whether delayed envelopes must be held by
// the sending agent.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// SupportsReliableDelivery reports at-least-once receipt: a batch is either
// acknowledged or redelivered.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Capability sets of the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1 << 20,
	}

	JetStreamCapabilities = Capabilities{
		Name:             "jetstream",
		SupportsDelay:    true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
	}
)
