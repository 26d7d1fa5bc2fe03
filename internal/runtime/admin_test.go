package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/durabus/internal/runtime/config"
	"github.com/drblury/durabus/internal/runtime/durability"
	"github.com/drblury/durabus/internal/runtime/envelope"
	"github.com/drblury/durabus/internal/runtime/jsoncodec"
	"github.com/drblury/durabus/internal/runtime/pipeline"
)

func adminRuntime(t *testing.T, mutate func(*configpkg.Config)) (*Runtime, *durability.MemoryStore) {
	t.Helper()
	conf := testConfig()
	conf.MetricsEnabled = true
	if mutate != nil {
		mutate(conf)
	}
	store := durability.NewMemoryStore()
	return newTestRuntime(t, conf, Dependencies{Store: store}), store
}

func serve(t *testing.T, rt *Runtime, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	rt.AdminHandler().ServeHTTP(rec, req)
	return rec
}

func deadLetter(t *testing.T, store *durability.MemoryStore, messageType string) *envelope.Envelope {
	t.Helper()
	env := envelope.New(messageType, []byte(`{}`))
	env.ReceivedAt = ordersURI
	env.SetAttempts(3)
	report, err := envelope.NewErrorReport(env, errors.New("payment declined"), time.Now())
	require.NoError(t, err)
	require.NoError(t, store.MoveToDeadLetter(context.Background(), report))
	return env
}

func TestAdminDeadLetters(t *testing.T) {
	rt, store := adminRuntime(t, nil)
	first := deadLetter(t, store, "OrderPlaced")
	deadLetter(t, store, "OrderCancelled")

	rec := serve(t, rt, http.MethodGet, "/api/deadletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	var reports []envelope.ErrorReport
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &reports))
	assert.Len(t, reports, 2)

	rec = serve(t, rt, http.MethodGet, "/api/deadletters?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &reports))
	assert.Len(t, reports, 1)

	rec = serve(t, rt, http.MethodGet, "/api/deadletters?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, rt, http.MethodGet, "/api/deadletters/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report envelope.ErrorReport
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, first.ID, report.ID)
	assert.Equal(t, "payment declined", report.ExceptionMessage)

	rec = serve(t, rt, http.MethodGet, "/api/deadletters/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminReplayDeadLetter(t *testing.T) {
	rt, store := adminRuntime(t, nil)
	env := deadLetter(t, store, "OrderPlaced")
	ctx := context.Background()

	rec := serve(t, rt, http.MethodPost, "/api/deadletters/"+env.ID+"/replay", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	report, err := store.LoadDeadLetter(ctx, env.ID)
	require.NoError(t, err)
	assert.Nil(t, report)

	incoming, err := store.AllIncoming(ctx)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, env.ID, incoming[0].ID)
	assert.Equal(t, 0, incoming[0].Attempts)
	assert.Equal(t, envelope.AnyNode, incoming[0].OwnerID)

	rec = serve(t, rt, http.MethodPost, "/api/deadletters/"+env.ID+"/replay", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminPurgeAndCounts(t *testing.T) {
	rt, store := adminRuntime(t, nil)
	deadLetter(t, store, "OrderPlaced")
	deadLetter(t, store, "OrderPlaced")

	rec := serve(t, rt, http.MethodGet, "/api/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var counts envelope.PersistedCounts
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, envelope.PersistedCounts{DeadLetter: 2}, counts)

	rec = serve(t, rt, http.MethodDelete, "/api/deadletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purged":2}`, rec.Body.String())

	rec = serve(t, rt, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "durabus_deadletter_purged_total 2")
}

func TestAdminAgents(t *testing.T) {
	rt, _ := adminRuntime(t, nil)
	startRuntime(t, rt)

	rec := serve(t, rt, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"destination":"channel://orders","latched":false,"queued":0}]`, rec.Body.String())

	rec = serve(t, rt, http.MethodPost, "/api/agents/"+url.PathEscape(ordersURI)+"/unlatch", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(t, rt, http.MethodPost, "/api/agents/"+url.PathEscape("channel://nowhere")+"/unlatch", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminHandlers(t *testing.T) {
	rt, _ := adminRuntime(t, nil)
	require.NoError(t, pipeline.HandleJSON[orderPlaced](rt.Registry(), "OrderPlaced", func(context.Context, pipeline.MessageContext[*orderPlaced]) error {
		return nil
	}))
	rt.Metrics().JobStarted("OrderPlaced")
	rt.Metrics().JobSucceeded("OrderPlaced")

	rec := serve(t, rt, http.MethodGet, "/api/handlers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []HandlerInfo
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "OrderPlaced", infos[0].MessageType)
	assert.Equal(t, []string{"application/json"}, infos[0].ContentTypes)
	require.NotNil(t, infos[0].Stats)
	assert.Equal(t, uint64(1), infos[0].Stats.MessagesProcessed)
}

func TestAdminCORS(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{name: "wildcard", allowed: []string{"*"}, origin: "https://ops.example.com", want: "*"},
		{name: "listed origin", allowed: []string{"https://OPS.example.com"}, origin: "https://ops.example.com", want: "https://ops.example.com"},
		{name: "unlisted origin", allowed: []string{"https://ops.example.com"}, origin: "https://evil.example.com"},
		{name: "disabled", origin: "https://ops.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, _ := adminRuntime(t, func(c *configpkg.Config) { c.AdminCORSAllowedOrigins = tt.allowed })

			rec := serve(t, rt, http.MethodOptions, "/api/counts", map[string]string{"Origin": tt.origin})
			assert.Equal(t, http.StatusNoContent, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
			if tt.want != "" {
				assert.True(t, strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST"))
			}
		})
	}
}

func TestMetricsEndpointNeedsMetrics(t *testing.T) {
	rt, _ := adminRuntime(t, func(c *configpkg.Config) { c.MetricsEnabled = false })
	rec := serve(t, rt, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
