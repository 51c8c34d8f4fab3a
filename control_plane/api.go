package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/itskum47/deployplane/control_plane/agents"
	"github.com/itskum47/deployplane/control_plane/apperr"
	"github.com/itskum47/deployplane/control_plane/auth"
	"github.com/itskum47/deployplane/control_plane/idempotency"
	"github.com/itskum47/deployplane/control_plane/jobs"
	"github.com/itskum47/deployplane/control_plane/middleware"
	"github.com/itskum47/deployplane/control_plane/ratelimit"
	"github.com/itskum47/deployplane/control_plane/registry"
	"github.com/itskum47/deployplane/control_plane/streaming"
	"github.com/itskum47/deployplane/logging"
)

const (
	maxBodyBytes      = 1 << 20
	idempotencyHeader = "X-Idempotency-Key"
	replayedHeader    = "X-Idempotency-Replayed"
)

// errNotCached aborts an idempotent execution whose response is an error.
var errNotCached = errors.New("response not cached")

type API struct {
	agents      *agents.Manager
	jobs        *jobs.Service
	dispatcher  *Dispatcher
	registry    *registry.Registry
	hub         *streaming.Hub
	verifier    auth.Verifier
	idempotency *idempotency.Store
	logger      *zap.Logger

	// Storm protection for heartbeats.
	heartbeatLimiter *ratelimit.Guard
}

func NewAPI(am *agents.Manager, js *jobs.Service, d *Dispatcher, reg *registry.Registry, hub *streaming.Hub,
	verifier auth.Verifier, idem *idempotency.Store, heartbeatLimiter *ratelimit.Guard, logger *zap.Logger) *API {
	return &API{
		agents:           am,
		jobs:             js,
		dispatcher:       d,
		registry:         reg,
		hub:              hub,
		verifier:         verifier,
		idempotency:      idem,
		heartbeatLimiter: heartbeatLimiter,
		logger:           logger,
	}
}

// writeData writes {"data": v}.
func writeData(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, map[string]any{"data": v})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status and writes {"error": msg}. Server errors
// are logged with their cause and reported without it.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.WithRequestID(r.Context(), a.logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": apperr.Message(err)})
}

// decodeBody reads a JSON body of at most maxBodyBytes. It returns the raw
// bytes so handlers can decode the same body more than once.
func decodeBody(r *http.Request, v any) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.Validation("failed to read body")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, apperr.Validation("invalid JSON body")
	}
	return raw, nil
}

// requireUser verifies the operator credential of r. bodyUserID is used when
// the request carries no userId in query or header.
func (a *API) requireUser(r *http.Request, bodyUserID string) (string, error) {
	token, userID := middleware.Credentials(r, bodyUserID)
	if token == "" || userID == "" {
		return "", apperr.Auth("Authentication token missing")
	}
	if !a.verifier.Verify(token, userID) {
		return "", apperr.Auth("Invalid authentication token")
	}
	return userID, nil
}

// baseURL is the control-plane URL as seen by the caller.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

func readCloser(b []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(b))
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

// responseRecorder captures a response for the idempotency cache.
type responseRecorder struct {
	header     http.Header
	statusCode int
	body       bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), statusCode: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header         { return r.header }
func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }
func (r *responseRecorder) WriteHeader(code int)        { r.statusCode = code }

// withIdempotency replays the first successful response for a repeated
// X-Idempotency-Key. Failed responses are not cached.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" || a.idempotency == nil {
			next(w, r)
			return
		}

		var failed *responseRecorder
		resp, replayed, err := a.idempotency.Execute(r.Context(), key, func(ctx context.Context) (*idempotency.Response, error) {
			rec := newResponseRecorder()
			next(rec, r.WithContext(ctx))
			if rec.statusCode >= http.StatusBadRequest {
				failed = rec
				return nil, errNotCached
			}
			return &idempotency.Response{
				StatusCode: rec.statusCode,
				Body:       rec.body.Bytes(),
				Headers:    map[string]string{"Content-Type": rec.header.Get("Content-Type")},
			}, nil
		})
		if failed != nil {
			copyRecorded(w, failed.header, failed.statusCode, failed.body.Bytes())
			return
		}
		if err != nil {
			a.writeError(w, r, apperr.Server("idempotency check failed", err))
			return
		}
		h := make(http.Header)
		for k, v := range resp.Headers {
			h.Set(k, v)
		}
		if replayed {
			h.Set(replayedHeader, "true")
		}
		copyRecorded(w, h, resp.StatusCode, resp.Body)
	}
}

func copyRecorded(w http.ResponseWriter, h http.Header, status int, body []byte) {
	for k, v := range h {
		for _, val := range v {
			w.Header().Add(k, val)
		}
	}
	w.WriteHeader(status)
	w.Write(body)
}

// Router builds the HTTP surface. streamLimiter bounds push-channel
// reconnects per agent; nil disables it.
func (a *API) Router(streamLimiter ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/deploymentAgents", a.handleAgentsPost).Methods(http.MethodPost)
	r.HandleFunc("/deploymentAgents", a.handleAgentsGet).Methods(http.MethodGet)
	r.HandleFunc("/deploymentAgents", a.handleAgentsDelete).Methods(http.MethodDelete)

	r.HandleFunc("/jobs", a.handleJobsPost).Methods(http.MethodPost)
	r.HandleFunc("/jobs", a.handleJobsGet).Methods(http.MethodGet)

	r.HandleFunc("/deploymentProjects", a.handleProjectsGet).Methods(http.MethodGet)
	r.HandleFunc("/deploymentProjects", a.handleProjectsCreate).Methods(http.MethodPost)
	r.HandleFunc("/deploymentProjects", a.handleProjectsUpdate).Methods(http.MethodPut)
	r.HandleFunc("/deploymentProjects", a.handleProjectsDelete).Methods(http.MethodDelete)

	r.HandleFunc("/pipelineTemplates", a.handleTemplatesGet).Methods(http.MethodGet)
	r.HandleFunc("/pipelineTemplates", a.handleTemplatesCreate).Methods(http.MethodPost)
	r.HandleFunc("/pipelineTemplates", a.handleTemplatesUpdate).Methods(http.MethodPut)
	r.HandleFunc("/pipelineTemplates", a.handleTemplatesDelete).Methods(http.MethodDelete)

	var agentStream http.Handler = http.HandlerFunc(a.handleAgentStream)
	if streamLimiter != nil {
		agentStream = ratelimit.Middleware(streamLimiter, "agent_stream", func(r *http.Request) string {
			return r.URL.Query().Get("id")
		})(agentStream)
	}
	r.Handle("/agentStream", agentStream).Methods(http.MethodGet)
	r.HandleFunc("/jobs/stream", a.handleJobStream).Methods(http.MethodGet)
	r.Handle("/checkUpdates/stream", middleware.RequireUser(a.verifier)(http.HandlerFunc(a.handleUserStream))).Methods(http.MethodGet)

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"connectedAgents": a.registry.Count(),
	})
}
