package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/durabus/transport"
	"github.com/drblury/durabus/transport/transporttest"
)

func TestRegister(t *testing.T) {
	r := transport.NewRegistry()
	Register(r)

	assert.True(t, r.Has(Scheme))
	caps := r.Capabilities(Scheme)
	assert.Equal(t, "aws", caps.Name)
	assert.False(t, caps.SupportsDelay)
	assert.True(t, caps.SupportsReliableDelivery())
}

// stubFactories replaces the AWS factories for the duration of the test.
func stubFactories(t *testing.T) {
	t.Helper()
	loader, resolver, pub, sub := DefaultConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory = loader, resolver, pub, sub
	})

	DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "eu-central-1"}, nil
	}
	TopicResolverFactory = func(string, string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(sns.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return &transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return &transporttest.Subscriber{}, nil
	}
}

func TestBuild(t *testing.T) {
	ctx := context.Background()

	t.Run("wires publisher and subscriber", func(t *testing.T) {
		stubFactories(t)
		var gotAccount, gotRegion string
		TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
			gotAccount, gotRegion = accountID, region
			return &sns.GenerateArnTopicResolver{}, nil
		}
		var pubCfg sns.PublisherConfig
		PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
			pubCfg = cfg
			return &transporttest.Publisher{}, nil
		}

		tr, err := Build(ctx, &transporttest.Config{AWSAccountID: "123456789012", AWSRegion: "us-west-2"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
		assert.Equal(t, transport.AWSCapabilities, tr.Capabilities)
		assert.Equal(t, "123456789012", gotAccount)
		assert.Equal(t, "us-west-2", gotRegion)
		assert.Equal(t, "us-west-2", pubCfg.AWSConfig.Region)
		assert.Empty(t, pubCfg.OptFns, "no endpoint override without a custom endpoint")
	})

	t.Run("custom endpoint overrides both clients", func(t *testing.T) {
		stubFactories(t)
		var pubCfg sns.PublisherConfig
		var sqsCfg sqs.SubscriberConfig
		PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
			pubCfg = cfg
			return &transporttest.Publisher{}, nil
		}
		SubscriberFactory = func(_ sns.SubscriberConfig, cfg sqs.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
			sqsCfg = cfg
			return &transporttest.Subscriber{}, nil
		}

		_, err := Build(ctx, &transporttest.Config{AWSEndpoint: "http://localhost:4566"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Len(t, pubCfg.OptFns, 1)
		assert.Len(t, sqsCfg.OptFns, 1)
	})

	t.Run("config loader failure", func(t *testing.T) {
		stubFactories(t)
		DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}
		_, err := Build(ctx, &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("publisher failure", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(sns.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}
		_, err := Build(ctx, &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber failure closes the publisher", func(t *testing.T) {
		stubFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(sns.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}
		_, err := Build(ctx, &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})

	t.Run("invalid endpoint", func(t *testing.T) {
		stubFactories(t)
		_, err := Build(ctx, &transporttest.Config{AWSEndpoint: "http://[::1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "parse AWS endpoint")
	})
}

func TestResolveAccountAndRegion(t *testing.T) {
	tests := []struct {
		name        string
		cfg         transporttest.Config
		wantAccount string
		wantRegion  string
	}{
		{
			name:        "config values win",
			cfg:         transporttest.Config{AWSAccountID: "123456789012", AWSRegion: "us-west-2"},
			wantAccount: "123456789012",
			wantRegion:  "us-west-2",
		},
		{
			name:        "fallback region",
			cfg:         transporttest.Config{AWSAccountID: "123456789012"},
			wantAccount: "123456789012",
			wantRegion:  "us-east-1",
		},
		{
			name:        "quoted account id is trimmed",
			cfg:         transporttest.Config{AWSAccountID: `"123456789012"`},
			wantAccount: "123456789012",
			wantRegion:  "us-east-1",
		},
		{
			name:        "localstack account with endpoint",
			cfg:         transporttest.Config{AWSEndpoint: "http://localhost:4566", AWSAccountID: "dev"},
			wantAccount: localstackAccountID,
			wantRegion:  "us-east-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, region := resolveAccountAndRegion(&tt.cfg, "us-east-1")
			assert.Equal(t, tt.wantAccount, account)
			assert.Equal(t, tt.wantRegion, region)
		})
	}
}

func TestQueueNameFromTopic(t *testing.T) {
	name, err := queueNameFromTopic(context.Background(), "arn:aws:sns:us-east-1:123456789012:shipments")
	require.NoError(t, err)
	assert.Equal(t, "shipments", name)
}

func TestStaticCredentials(t *testing.T) {
	creds, err := staticCredentials("key", "secret").Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "key", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
}
