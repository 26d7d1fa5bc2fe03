package serialization

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	"github.com/drblury/durabus/internal/runtime/jsoncodec"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Total   int    `json:"total"`
}

func newGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph("")
	require.NoError(t, RegisterJSON[orderPlaced](g, "OrderPlaced"))
	return g
}

func TestRegisterJSONAddsDefaultReaderAndWriter(t *testing.T) {
	g := newGraph(t)

	assert.Equal(t, ContentTypeJSON, g.DefaultContentType())
	assert.Equal(t, []string{ContentTypeJSON}, g.ContentTypes("OrderPlaced"))

	name, ok := g.MessageTypeOf(&orderPlaced{})
	assert.True(t, ok)
	assert.Equal(t, "OrderPlaced", name)

	_, ok = g.MessageTypeOf(orderPlaced{})
	assert.False(t, ok, "registered as pointer type only")
}

func TestRegisterRejectsEmptyNameAndConflicts(t *testing.T) {
	g := newGraph(t)

	assert.ErrorIs(t, RegisterJSON[orderPlaced](g, ""), errspkg.ErrMessageTypeRequired)
	assert.Error(t, RegisterJSON[struct{ X int }](g, "OrderPlaced"))
	assert.NoError(t, RegisterJSON[orderPlaced](g, "OrderPlaced"), "re-registering the same type is allowed")
}

func TestSerializeAndDeserializeJSON(t *testing.T) {
	g := newGraph(t)
	env := envelope.New("", nil)
	env.Message = &orderPlaced{OrderID: "o-1", Total: 42}

	require.NoError(t, g.Serialize(env))
	assert.Equal(t, "OrderPlaced", env.MessageType)
	assert.Equal(t, ContentTypeJSON, env.ContentType)

	received := envelope.New(env.MessageType, env.Data)
	received.ContentType = env.ContentType
	msg, err := g.Deserialize(received)
	require.NoError(t, err)
	assert.Equal(t, &orderPlaced{OrderID: "o-1", Total: 42}, msg)
	assert.Same(t, msg, received.Message)
}

func TestSerializeUnknownType(t *testing.T) {
	g := newGraph(t)
	env := envelope.New("", nil)
	env.Message = &struct{}{}

	assert.ErrorIs(t, g.Serialize(env), errspkg.ErrMessageTypeRequired)

	env.MessageType = "OrderPlaced"
	env.ContentType = "text/plain"
	assert.ErrorIs(t, g.Serialize(env), errspkg.ErrNoWriter)
}

func TestDeserializeFailures(t *testing.T) {
	g := newGraph(t)

	tests := []struct {
		name        string
		env         *envelope.Envelope
		wantReason  string
		wantWrapped error
	}{
		{
			name:       "missing content type",
			env:        &envelope.Envelope{ID: "1", MessageType: "OrderPlaced", Data: []byte(`{}`)},
			wantReason: "content type is missing",
		},
		{
			name:       "empty payload",
			env:        &envelope.Envelope{ID: "2", MessageType: "OrderPlaced", ContentType: ContentTypeJSON},
			wantReason: "payload is empty",
		},
		{
			name:        "unknown content type",
			env:         &envelope.Envelope{ID: "3", MessageType: "OrderPlaced", ContentType: "text/xml", Data: []byte("<a/>")},
			wantWrapped: errspkg.ErrNoReader,
		},
		{
			name:        "unknown message type",
			env:         &envelope.Envelope{ID: "4", MessageType: "Nope", ContentType: ContentTypeJSON, Data: []byte(`{}`)},
			wantWrapped: errspkg.ErrNoReader,
		},
		{
			name:       "reader failure is wrapped",
			env:        &envelope.Envelope{ID: "5", MessageType: "OrderPlaced", ContentType: ContentTypeJSON, Data: []byte(`{"order_id":`)},
			wantReason: "reader failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Deserialize(tt.env)
			var desErr *errspkg.EnvelopeDeserializationError
			require.True(t, errors.As(err, &desErr), "expected EnvelopeDeserializationError, got %v", err)
			assert.Equal(t, tt.env.ID, desErr.EnvelopeID)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, desErr.Reason)
			}
			if tt.wantWrapped != nil {
				assert.ErrorIs(t, err, tt.wantWrapped)
			}
		})
	}
}

type panickingReader struct{}

func (panickingReader) ContentType() string { return "application/x-panic" }
func (panickingReader) Read(*envelope.Envelope) (any, error) {
	panic("kaboom")
}

type upperJSONReader struct{}

func (upperJSONReader) ContentType() string { return ContentTypeJSON }
func (upperJSONReader) Read(*envelope.Envelope) (any, error) {
	return "overridden", nil
}

func TestReaderOptions(t *testing.T) {
	g := NewGraph("")
	require.NoError(t, RegisterJSON[orderPlaced](g, "OrderPlaced", WithReader(panickingReader{})))
	assert.Equal(t, []string{ContentTypeJSON, "application/x-panic"}, g.ContentTypes("OrderPlaced"))

	_, err := g.Deserialize(&envelope.Envelope{ID: "p", MessageType: "OrderPlaced", ContentType: "application/x-panic", Data: []byte("x")})
	assert.ErrorContains(t, err, "kaboom")

	t.Run("explicit override of the JSON default", func(t *testing.T) {
		g := NewGraph("")
		require.NoError(t, RegisterJSON[orderPlaced](g, "OrderPlaced", WithReader(upperJSONReader{})))
		assert.Equal(t, []string{ContentTypeJSON}, g.ContentTypes("OrderPlaced"))

		msg, err := g.Deserialize(&envelope.Envelope{ID: "o", MessageType: "OrderPlaced", ContentType: ContentTypeJSON, Data: []byte(`{}`)})
		require.NoError(t, err)
		assert.Equal(t, "overridden", msg)
	})
}

func TestRegisterProto(t *testing.T) {
	g := NewGraph("")
	require.NoError(t, RegisterProto[*wrapperspb.StringValue](g, "Greeting"))

	assert.Equal(t, []string{ContentTypeJSON, ContentTypeProtobuf, ContentTypeProtoJSON}, g.ContentTypes("Greeting"))

	for _, ct := range g.ContentTypes("Greeting") {
		t.Run(ct, func(t *testing.T) {
			env := envelope.New("", nil)
			env.ContentType = ct
			env.Message = wrapperspb.String("hello")
			require.NoError(t, g.Serialize(env))
			assert.Equal(t, "Greeting", env.MessageType)

			in := envelope.New("Greeting", env.Data)
			in.ContentType = ct
			msg, err := g.Deserialize(in)
			require.NoError(t, err)
			assert.True(t, proto.Equal(wrapperspb.String("hello"), msg.(proto.Message)))
		})
	}
}

func TestCloudEventsStructuredMode(t *testing.T) {
	g := NewGraph("")
	require.NoError(t, RegisterJSON[orderPlaced](g, "OrderPlaced", WithCloudEvents[orderPlaced]("billing")))

	env := envelope.New("OrderPlaced", nil)
	env.ContentType = ContentTypeCloudEvents
	env.CorrelationID = "corr-1"
	env.Message = &orderPlaced{OrderID: "o-7"}
	require.NoError(t, g.Serialize(env))

	var doc map[string]any
	require.NoError(t, jsoncodec.Unmarshal(env.Data, &doc))
	assert.Equal(t, "1.0", doc["specversion"])
	assert.Equal(t, "OrderPlaced", doc["type"])
	assert.Equal(t, "billing", doc["source"])
	assert.Equal(t, env.ID, doc["id"])
	assert.Equal(t, "corr-1", doc["durabuscorrelationid"])

	in := envelope.New("OrderPlaced", env.Data)
	in.ContentType = ContentTypeCloudEvents
	msg, err := g.Deserialize(in)
	require.NoError(t, err)
	assert.Equal(t, &orderPlaced{OrderID: "o-7"}, msg)
	assert.Equal(t, "corr-1", in.CorrelationID)

	bad := envelope.New("OrderPlaced", []byte(`{"specversion":"0.3","type":"x","source":"y","id":"z"}`))
	bad.ContentType = ContentTypeCloudEvents
	_, err = g.Deserialize(bad)
	assert.ErrorContains(t, err, "specversion")
}
