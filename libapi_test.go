package durabus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/durabus/transport/channel"
)

type invoiceIssued struct {
	InvoiceID string `json:"invoice_id"`
}

func newChannelRuntime(t *testing.T) *Runtime {
	t.Helper()
	transports := NewTransportRegistry()
	channel.Register(transports)

	rt, err := New(context.Background(), &Config{
		ServiceName:  "billing",
		StoreBackend: "memory",
		Listeners:    []ListenerConfig{{URI: "channel://invoices", Mode: "durable"}},
		Senders:      []SenderConfig{{Destination: "channel://invoices"}},
	}, NopLogger(), Dependencies{Transports: transports})
	require.NoError(t, err)
	return rt
}

func TestFacadeRoundTrip(t *testing.T) {
	rt := newChannelRuntime(t)
	got := make(chan string, 1)
	require.NoError(t, HandleJSON[invoiceIssued](rt, "InvoiceIssued", func(_ context.Context, msg MessageContext[*invoiceIssued]) error {
		got <- msg.Payload.InvoiceID
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = rt.Stop(context.Background())
	})
	require.NoError(t, rt.Start(ctx))

	_, err := rt.Send(ctx, "channel://invoices", &invoiceIssued{InvoiceID: "inv-1"}, WithCorrelationID("corr-1"))
	require.NoError(t, err)

	select {
	case id := <-got:
		assert.Equal(t, "inv-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestFacadeRegistersProtoTypes(t *testing.T) {
	rt := newChannelRuntime(t)
	require.NoError(t, RegisterProto[*structpb.Struct](rt, "Document"))
	assert.ElementsMatch(t,
		[]string{ContentTypeJSON, ContentTypeProtobuf, ContentTypeProtoJSON},
		rt.Graph().ContentTypes("Document"))

	require.NoError(t, RegisterJSON[invoiceIssued](rt, "InvoiceIssued"))
	assert.Equal(t, []string{ContentTypeJSON}, rt.Graph().ContentTypes("InvoiceIssued"))
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	raw, err := Marshal(payload)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, Unmarshal(raw, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	assert.Equal(t, "value", md["key"])
}
