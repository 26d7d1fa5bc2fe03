package runtime

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	loggingpkg "github.com/drblury/durabus/internal/runtime/logging"
)

const defaultDeadLetterPageSize = 50

// HandlerInfo describes a registered message type.
type HandlerInfo struct {
	MessageType  string        `json:"message_type"`
	ContentTypes []string      `json:"content_types,omitempty"`
	Stats        *HandlerStats `json:"stats,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// AdminHandler returns the admin API.
func (r *Runtime) AdminHandler() http.Handler {
	router := chi.NewRouter()
	router.Use(r.cors)

	router.Route("/api", func(api chi.Router) {
		api.Get("/node", r.handleGetNode)
		api.Get("/handlers", r.handleGetHandlers)
		api.Get("/counts", r.handleGetCounts)
		api.Get("/deadletters", r.handleListDeadLetters)
		api.Get("/deadletters/{id}", r.handleGetDeadLetter)
		api.Post("/deadletters/{id}/replay", r.handleReplayDeadLetter)
		api.Delete("/deadletters", r.handlePurgeDeadLetters)
		api.Get("/agents", r.handleGetAgents)
		api.Post("/agents/{destination}/unlatch", r.handleUnlatch)
	})
	if r.metrics != nil && r.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}))
	}
	return router
}

func (r *Runtime) startAdminServer() {
	if r.Conf.AdminAddress == "" {
		return
	}
	server := &http.Server{
		Addr:              r.Conf.AdminAddress,
		Handler:           r.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.mu.Lock()
	r.admin = server
	r.mu.Unlock()

	r.Logger.Info("Starting admin server", loggingpkg.LogFields{"address": server.Addr})
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.Logger.Error("Admin server failed", err, loggingpkg.LogFields{"address": server.Addr})
		}
	}()
}

// cors sets CORS headers for configured origins and answers preflight
// requests.
func (r *Runtime) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if allowed := r.allowedCORSOrigin(req.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Runtime) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range r.Conf.AdminCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (r *Runtime) handleGetNode(w http.ResponseWriter, req *http.Request) {
	status, err := r.Status(req.Context())
	if err != nil {
		r.writeError(w, req, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, req, status)
}

func (r *Runtime) handleGetHandlers(w http.ResponseWriter, req *http.Request) {
	types := r.registry.MessageTypes()
	infos := make([]HandlerInfo, 0, len(types))
	for _, t := range types {
		info := HandlerInfo{MessageType: t, ContentTypes: r.graph.ContentTypes(t)}
		if r.metrics != nil {
			info.Stats = r.metrics.HandlerStats(t)
		}
		infos = append(infos, info)
	}
	render.JSON(w, req, infos)
}

func (r *Runtime) handleGetCounts(w http.ResponseWriter, req *http.Request) {
	counts, err := r.store.PersistedCounts(req.Context())
	if err != nil {
		r.writeError(w, req, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, req, counts)
}

func (r *Runtime) handleListDeadLetters(w http.ResponseWriter, req *http.Request) {
	limit, err := queryInt(req, "limit", defaultDeadLetterPageSize)
	if err != nil {
		r.writeError(w, req, http.StatusBadRequest, err)
		return
	}
	offset, err := queryInt(req, "offset", 0)
	if err != nil {
		r.writeError(w, req, http.StatusBadRequest, err)
		return
	}
	reports, err := r.store.ListDeadLetters(req.Context(), limit, offset)
	if err != nil {
		r.writeError(w, req, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, req, reports)
}

func (r *Runtime) handleGetDeadLetter(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	report, err := r.store.LoadDeadLetter(req.Context(), id)
	if err != nil {
		r.writeError(w, req, http.StatusInternalServerError, err)
		return
	}
	if report == nil {
		r.writeError(w, req, http.StatusNotFound, errspkg.ErrDeadLetterNotFound)
		return
	}
	render.JSON(w, req, report)
}

func (r *Runtime) handleReplayDeadLetter(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	env, err := r.store.ReplayDeadLetter(req.Context(), id)
	switch {
	case errors.Is(err, errspkg.ErrDeadLetterNotFound):
		r.writeError(w, req, http.StatusNotFound, err)
		return
	case err != nil:
		r.writeError(w, req, http.StatusInternalServerError, err)
		return
	}
	if r.metrics != nil {
		r.metrics.DeadLetterReplayed()
	}
	r.Logger.Info("Replayed dead letter", loggingpkg.LogFields{"envelope_id": env.ID, "message_type": env.MessageType})
	render.Status(req, http.StatusAccepted)
	render.JSON(w, req, env)
}

func (r *Runtime) handlePurgeDeadLetters(w http.ResponseWriter, req *http.Request) {
	n, err := r.store.PurgeDeadLetters(req.Context())
	if err != nil {
		r.writeError(w, req, http.StatusInternalServerError, err)
		return
	}
	if r.metrics != nil {
		r.metrics.DeadLettersPurged(n)
	}
	render.JSON(w, req, map[string]int{"purged": n})
}

func (r *Runtime) handleGetAgents(w http.ResponseWriter, req *http.Request) {
	render.JSON(w, req, r.Agents())
}

// handleUnlatch expects the destination URI path escaped, e.g.
// /api/agents/kafka%3A%2F%2Fpayments/unlatch.
func (r *Runtime) handleUnlatch(w http.ResponseWriter, req *http.Request) {
	destination, err := url.PathUnescape(chi.URLParam(req, "destination"))
	if err != nil {
		r.writeError(w, req, http.StatusBadRequest, err)
		return
	}
	err = r.Unlatch(req.Context(), destination)
	switch {
	case errors.Is(err, errspkg.ErrUnknownDestination):
		r.writeError(w, req, http.StatusNotFound, err)
	case err != nil:
		r.writeError(w, req, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (r *Runtime) writeError(w http.ResponseWriter, req *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		r.Logger.Error("Admin request failed", err, loggingpkg.LogFields{"path": req.URL.Path})
	}
	render.Status(req, status)
	render.JSON(w, req, errorResponse{Error: err.Error()})
}

func queryInt(req *http.Request, key string, fallback int) (int, error) {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key + " parameter")
	}
	return n, nil
}
