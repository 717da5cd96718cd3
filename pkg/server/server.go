// Package server exposes the dispatch runtime over HTTP: a minimal chi
// router carrying /dispatch, /healthz, and /metrics, grounded on the
// teacher's pkg/transport HTTP metrics middleware (the same
// chi.RouteContext-based pattern, simplified down to this core's actual
// surface — no SSE streaming, no A2A protocol endpoints).
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaycode/agentrun/pkg/agent"
	"github.com/relaycode/agentrun/pkg/dispatcher"
	"github.com/relaycode/agentrun/pkg/errs"
	"github.com/relaycode/agentrun/pkg/observability"
	"github.com/relaycode/agentrun/pkg/token"
)

// Server wires the Dispatcher behind a chi router.
type Server struct {
	router     chi.Router
	dispatcher *dispatcher.Dispatcher
	startedAt  time.Time
}

// New builds a Server. tracer/metrics may be nil, in which case the
// corresponding middleware is a no-op (see observability.HTTPMiddleware).
func New(d *dispatcher.Dispatcher, tracer *observability.Tracer, metrics *observability.Metrics) *Server {
	s := &Server{dispatcher: d, startedAt: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(tracer, metrics))

	r.Post("/dispatch", s.handleDispatch)
	r.Get("/healthz", s.handleHealthz)
	if metrics != nil {
		r.Get("/metrics", metrics.Handler().ServeHTTP)
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler, so a Server can be passed straight to
// http.Server.Handler or httptest.NewServer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type dispatchRequest struct {
	Prompt     string   `json:"prompt"`
	Command    string   `json:"command,omitempty"`
	References []string `json:"references,omitempty"`
	Model      string   `json:"model,omitempty"`
}

type dispatchResponse struct {
	AgentID  string `json:"agentId"`
	Text     string `json:"text"`
	CacheHit bool   `json:"cacheHit"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Kind     string `json:"kind"`
	Recovery string `json:"recovery"`
}

// handleDispatch decodes a dispatchRequest, runs it through the Dispatcher,
// and renders the captured response text. The request carries no
// OutputStream: CaptureStream tolerates a nil inner stream (it only
// accumulates), so Result.CapturedText alone is sufficient here.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errs.Permanentf("server", "dispatch", "malformed request body"))
		return
	}
	if body.Prompt == "" && body.Command == "" {
		writeError(w, http.StatusBadRequest, errs.Permanentf("server", "dispatch", "prompt or command is required"))
		return
	}

	tok := token.New(r.Context())
	defer tok.Cancel()

	result, err := s.dispatcher.Dispatch(tok, agent.Request{
		Prompt:     body.Prompt,
		Command:    body.Command,
		References: body.References,
		Model:      body.Model,
	})
	if err != nil {
		writeError(w, statusForKind(errs.ClassifyOf(err)), err)
		return
	}

	writeJSON(w, http.StatusOK, dispatchResponse{
		AgentID:  result.AgentID,
		Text:     result.CapturedText,
		CacheHit: result.CacheHit,
	})
}

type healthzResponse struct {
	Status  string `json:"status"`
	UptimeS int64  `json:"uptimeSeconds"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthzResponse{
		Status:  "ok",
		UptimeS: int64(time.Since(s.startedAt).Seconds()),
	})
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.Permanent:
		return http.StatusBadRequest
	case errs.Cancellation:
		return http.StatusRequestTimeout
	case errs.Critical:
		return http.StatusInternalServerError
	case errs.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	kind := errs.ClassifyOf(err)
	writeJSON(w, status, errorResponse{
		Error:    errs.UserMessage(err),
		Kind:     string(kind),
		Recovery: errs.RecoveryHint(kind),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
