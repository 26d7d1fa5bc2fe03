package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/durabus/transport"
	"github.com/drblury/durabus/transport/transporttest"
)

func TestRegister(t *testing.T) {
	r := transport.NewRegistry()
	Register(r)

	caps := r.Capabilities(Scheme)
	assert.Equal(t, "nats", caps.Name)
	assert.False(t, caps.SupportsReliableDelivery())
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	pub, sub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = pub, sub })

	t.Run("url is required", func(t *testing.T) {
		_, err := Build(ctx, &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "nats url is required")
	})

	t.Run("wires url into both sides", func(t *testing.T) {
		PublisherFactory = func(c nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, "nats://localhost:4222", c.URL)
			return &transporttest.Publisher{}, nil
		}
		SubscriberFactory = func(c nats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, "nats://localhost:4222", c.URL)
			return &transporttest.Subscriber{}, nil
		}
		tr, err := Build(ctx, &transporttest.Config{NATSURL: "nats://localhost:4222"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, transport.NATSCapabilities, tr.Capabilities)
	})

	t.Run("publisher failure", func(t *testing.T) {
		PublisherFactory = func(nats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}
		_, err := Build(ctx, &transporttest.Config{NATSURL: "nats://localhost:4222"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})
}
