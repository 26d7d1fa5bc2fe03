package io

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/durabus/transport"
	"github.com/drblury/durabus/transport/transporttest"
)

func TestRegister(t *testing.T) {
	r := transport.NewRegistry()
	Register(r)
	assert.Equal(t, transport.IOCapabilities, r.Capabilities(Scheme))
}

func build(t *testing.T) (transport.Transport, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.log")
	tr, err := Build(context.Background(), &transporttest.Config{IOFile: path}, watermill.NopLogger{})
	require.NoError(t, err)
	return tr, path
}

func receive(t *testing.T, msgs <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-msgs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPublishAndTailByTopic(t *testing.T) {
	tr, path := build(t)

	msg := message.NewMessage("m-1", []byte(`{"id":1}`))
	msg.Metadata.Set("tenant", "acme")
	require.NoError(t, tr.Publisher.Publish("other", message.NewMessage("x", []byte("skip"))))
	require.NoError(t, tr.Publisher.Publish("audit", msg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"topic":"audit"`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := tr.Subscriber.Subscribe(ctx, "audit")
	require.NoError(t, err)

	got := receive(t, msgs)
	assert.Equal(t, "m-1", got.UUID)
	assert.Equal(t, "acme", got.Metadata.Get("tenant"))
	got.Ack()

	require.NoError(t, tr.Publisher.Publish("audit", message.NewMessage("m-2", []byte("{}"))))
	assert.Equal(t, "m-2", receive(t, msgs).UUID)
}

func TestNackRedelivers(t *testing.T) {
	tr, _ := build(t)
	require.NoError(t, tr.Publisher.Publish("audit", message.NewMessage("m-1", []byte("{}"))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := tr.Subscriber.Subscribe(ctx, "audit")
	require.NoError(t, err)

	first := receive(t, msgs)
	first.Nack()
	again := receive(t, msgs)
	assert.Equal(t, "m-1", again.UUID)
	again.Ack()
}

func TestDefaultFilePath(t *testing.T) {
	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, DefaultFilePath, tr.Publisher.(*Publisher).path)
}
