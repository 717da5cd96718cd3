package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycode/agentrun/pkg/agent"
	"github.com/relaycode/agentrun/pkg/cache"
	"github.com/relaycode/agentrun/pkg/checkpoint"
	"github.com/relaycode/agentrun/pkg/dispatcher"
	"github.com/relaycode/agentrun/pkg/kvstore"
	"github.com/relaycode/agentrun/pkg/memory"
	"github.com/relaycode/agentrun/pkg/middleware"
	"github.com/relaycode/agentrun/pkg/model"
	"github.com/relaycode/agentrun/pkg/observability"
)

type echoAgent struct{ id string }

func (a *echoAgent) ID() string          { return a.id }
func (a *echoAgent) DisplayName() string { return a.id }
func (a *echoAgent) Description() string { return "test agent" }
func (a *echoAgent) IsAutonomous() bool  { return false }
func (a *echoAgent) Handle(actx *agent.Context) (*agent.Result, error) {
	if actx.OutputStream != nil {
		_ = actx.OutputStream.EmitMarkdown("handled: " + actx.Request.Prompt)
	}
	return &agent.Result{}, nil
}

var idSeq int

func nextTestID() string {
	idSeq++
	return "mem-" + strconv.Itoa(idSeq)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	kv := kvstore.NewMemoryStore()
	registry := agent.NewRegistry()
	require.NoError(t, registry.Register(&echoAgent{id: "echo"}, "test"))

	respCache, err := cache.New(kv, 50, time.Hour)
	require.NoError(t, err)
	memStore, err := memory.New(kv, nextTestID)
	require.NoError(t, err)
	checkpoints := checkpoint.New(10)
	selector := model.NewSelector("default-model")
	provider := model.NewEchoProvider("default-model")
	metrics := observability.NewMetrics("agentrun_test")
	pipeline := middleware.New()
	pipeline.Register(middleware.NewMetrics(metrics).Middleware())

	d := dispatcher.New(registry, pipeline, respCache, memStore, checkpoints, kv, provider, selector)
	return New(d, nil, metrics)
}

func TestHandleDispatch_Success(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"prompt": "hello", "command": "echo"})
	req := httptest.NewRequest(http.MethodPost, "/dispatch", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp dispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "echo", resp.AgentID)
	assert.Contains(t, resp.Text, "handled: hello")
}

func TestHandleDispatch_BadRequest(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/dispatch", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDispatch_EmptyPromptAndCommand(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]string{})
	req := httptest.NewRequest(http.MethodPost, "/dispatch", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	s := newTestServer(t)

	// A labelled counter is exposed only once a dispatch has been recorded.
	body, _ := json.Marshal(map[string]string{"prompt": "hello", "command": "echo"})
	s.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/dispatch", bytes.NewReader(body)))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentrun_test_dispatch_requests_total")
}
