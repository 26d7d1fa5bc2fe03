// Package channel provides an in-memory transport on watermill's gochannel
// pub/sub. Senders and listeners of one process share it, which makes it the
// transport of choice for tests and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/durabus/transport"
)

// Scheme addresses this transport, as in channel://orders.
const Scheme = "channel"

// Factory allows overriding the pub/sub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the channel transport to r.
func Register(r *transport.Registry) {
	r.Register(Scheme, Build, transport.ChannelCapabilities)
}

// Build creates a gochannel pub/sub. Messages published before a listener
// subscribes are kept until it does.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{Persistent: true}, logger)
	return transport.Transport{
		Publisher:    pub,
		Subscriber:   sub,
		Capabilities: transport.ChannelCapabilities,
	}, nil
}
