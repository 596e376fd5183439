package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspawn/ops-core/internal/config"
	"github.com/opspawn/ops-core/internal/dispatch"
	"github.com/opspawn/ops-core/internal/lifecycle"
	"github.com/opspawn/ops-core/internal/queue"
	"github.com/opspawn/ops-core/internal/storage"
	"github.com/opspawn/ops-core/internal/validator"
	"github.com/opspawn/ops-core/internal/workflow"
	"github.com/opspawn/ops-core/pkg/opserr"
	"github.com/opspawn/ops-core/pkg/types"
)

type testAPI struct {
	router    http.Handler
	lifecycle *lifecycle.Manager
	engine    *workflow.Engine
}

func newTestAPI(t *testing.T, cfg *config.Config) *testAPI {
	t.Helper()

	store := storage.NewMemoryStore()
	lc := lifecycle.New(store, nil)
	v, err := validator.New()
	require.NoError(t, err)

	client := dispatch.ClientFunc(func(ctx context.Context, agentID string, env *dispatch.Envelope) (*dispatch.Ack, error) {
		return &dispatch.Ack{Status: "accepted"}, nil
	})
	engine, err := workflow.New(workflow.Deps{
		Store:     store,
		Queue:     queue.NewMemoryQueue(),
		Lifecycle: lc,
		Client:    client,
		Validator: v,
	}, workflow.DefaultConfig())
	require.NoError(t, err)

	if cfg == nil {
		cfg = &config.Config{CORSOrigins: []string{"*"}}
	}
	h := NewHandlers(store, lc, engine, v, cfg, nil)
	return &testAPI{router: NewServer(h).Router(), lifecycle: lc, engine: engine}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndReady(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, "GET", "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ready", body["status"])

	rec = a.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgents(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(t, "POST", "/api/v1/agents", `{"agent_id":"agent-1","name":"One","capabilities":["search"],"contact_endpoint":"http://agent-1:8080/tasks"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decode[types.AgentRegistration](t, rec)
	assert.Equal(t, "agent-1", reg.AgentID)
	assert.False(t, reg.RegistrationTime.IsZero())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = a.do(t, "POST", "/api/v1/agents", `{"agent_id":"agent-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, ErrCodeConflict, errResp.Error)
	assert.Equal(t, string(opserr.KindAgentAlreadyExists), errResp.Details["kind"])

	rec = a.do(t, "GET", "/api/v1/agents/agent-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, "GET", "/api/v1/agents/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, "GET", "/api/v1/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, list["count"])

	a.do(t, "POST", "/api/v1/agents", `{"agent_id":"agent-2","capabilities":["translate"]}`)

	rec = a.do(t, "GET", "/api/v1/agents?capability=search", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])

	rec = a.do(t, "GET", "/api/v1/agents?offset=1&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["count"])

	rec = a.do(t, "GET", "/api/v1/agents?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterAgent_Invalid(t *testing.T) {
	a := newTestAPI(t, nil)

	tests := map[string]string{
		"malformed json":    `{"agent_id":`,
		"empty body":        ``,
		"missing agent id":  `{"name":"nameless"}`,
		"bad agent id":      `{"agent_id":"has spaces"}`,
		"endpoint not uri":  `{"agent_id":"a","contact_endpoint":"not a uri"}`,
		"capabilities type": `{"agent_id":"a","capabilities":"search"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := a.do(t, "POST", "/api/v1/agents", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestAgentState(t *testing.T) {
	a := newTestAPI(t, nil)
	a.do(t, "POST", "/api/v1/agents", `{"agent_id":"agent-1"}`)

	rec := a.do(t, "GET", "/api/v1/agents/agent-1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.AgentStateUnknown, decode[types.AgentState](t, rec).State)

	rec = a.do(t, "PUT", "/api/v1/agents/agent-1/state", `{"state":"idle","details":{"load":0.1},"timestamp":"2026-01-02T03:04:05Z"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state := decode[types.AgentState](t, rec)
	assert.Equal(t, types.AgentStateIdle, state.State)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), state.Timestamp)

	rec = a.do(t, "GET", "/api/v1/agents/agent-1/state/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode[map[string]any](t, rec)["count"])

	rec = a.do(t, "PUT", "/api/v1/agents/agent-1/state", `{"state":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, "PUT", "/api/v1/agents/ghost/state", `{"state":"idle"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflows(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(t, "POST", "/api/v1/workflows", `{"id":"wf-1","name":"one","tasks":[{"task_id":"a"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(t, "GET", "/api/v1/workflows/wf-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "one", decode[types.WorkflowDefinition](t, rec).Name)

	rec = a.do(t, "GET", "/api/v1/workflows/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, "POST", "/api/v1/workflows", `{"name":"no tasks"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	yamlBody := "name: templated\ntasks:\n  - task_id: first\n    parameters:\n      depth: 2\n"
	req := httptest.NewRequest("POST", "/api/v1/workflows/templates?format=yaml", strings.NewReader(yamlBody))
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	def := decode[types.WorkflowDefinition](t, rr)
	assert.NotEmpty(t, def.ID)
	assert.Equal(t, "first", def.Tasks[0].TaskID)

	req = httptest.NewRequest("POST", "/api/v1/workflows/templates?format=toml", strings.NewReader("x = 1"))
	rr = httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rec = a.do(t, "GET", "/api/v1/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode[map[string]any](t, rec)["count"])
}

func TestTriggerAndSessions(t *testing.T) {
	a := newTestAPI(t, nil)
	a.do(t, "POST", "/api/v1/agents", `{"agent_id":"agent-1"}`)

	rec := a.do(t, "POST", "/api/v1/workflows/trigger", `{"agent_id":"agent-1","definition":{"id":"wf-1","tasks":[{"task_id":"a"}]},"initial_payload":{"q":"x"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[workflow.TriggerResult](t, rec)
	require.NotNil(t, res.Task)
	assert.Equal(t, types.SessionStatusStarted, res.Session.Status)
	assert.Equal(t, "x", res.Task.Payload["q"])

	rec = a.do(t, "GET", "/api/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["length"])

	path := "/api/v1/sessions/" + res.Session.SessionID
	rec = a.do(t, "GET", path, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, "PATCH", path, `{"status":"completed","result":{"answer":42}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	session := decode[types.WorkflowSession](t, rec)
	assert.Equal(t, types.SessionStatusCompleted, session.Status)
	assert.NotNil(t, session.EndTime)

	rec = a.do(t, "PATCH", path, `{"status":"running"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, "GET", "/api/v1/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, "POST", "/api/v1/workflows/trigger", `{"workflow_id":"wf-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, "POST", "/api/v1/workflows/trigger", `{"agent_id":"ghost","workflow_id":"wf-1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamSession(t *testing.T) {
	sessionPollInterval = 10 * time.Millisecond
	t.Cleanup(func() { sessionPollInterval = time.Second })

	a := newTestAPI(t, nil)
	ctx := context.Background()
	_, err := a.lifecycle.RegisterAgent(ctx, lifecycle.RegisterRequest{AgentID: "agent-1"})
	require.NoError(t, err)
	res, err := a.engine.TriggerWorkflow(ctx, workflow.TriggerRequest{
		AgentID:    "agent-1",
		Definition: map[string]any{"id": "wf-1", "tasks": []any{map[string]any{"task_id": "a"}}},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(a.router)
	defer srv.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		msg := "agent crashed"
		_, _ = a.lifecycle.UpdateSession(ctx, res.Session.SessionID, &types.SessionUpdate{
			Status: types.StatusPtr(types.SessionStatusFailed),
			Error:  &msg,
		})
	}()

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "GET", srv.URL+"/api/v1/sessions/"+res.Session.SessionID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	stream := string(body)
	assert.Contains(t, stream, "event: hello")
	assert.Contains(t, stream, "event: session")
	assert.Contains(t, stream, "event: stream_end")
	assert.Contains(t, stream, "agent crashed")
	assert.Equal(t, 3, strings.Count(stream, "event: session")+strings.Count(stream, "event: stream_end"))
}

func TestStreamSession_NotFound(t *testing.T) {
	a := newTestAPI(t, nil)
	rec := a.do(t, "GET", "/api/v1/sessions/missing/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	a := newTestAPI(t, &config.Config{RateLimitRPS: 0.001, RateLimitBurst: 1})

	rec := a.do(t, "GET", "/api/v1/agents", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, "GET", "/api/v1/agents", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, ErrCodeRateLimited, decode[ErrorResponse](t, rec).Error)

	rec = a.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health checks are not limited")
}

func TestRateLimit_SharedAcrossChains(t *testing.T) {
	h := NewHandlers(storage.NewMemoryStore(), nil, nil, nil, &config.Config{RateLimitRPS: 0.001, RateLimitBurst: 2}, nil)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	var codes []int
	for range 4 {
		// mux wraps the route handler again on every match
		rec := httptest.NewRecorder()
		h.RateLimitMiddleware(ok).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/agents", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429, 429}, codes)
	assert.Equal(t, "1", func() string {
		rec := httptest.NewRecorder()
		h.RateLimitMiddleware(ok).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/queue", nil))
		return rec.Header().Get("Retry-After")
	}())
}

func TestRateLimit_Disabled(t *testing.T) {
	h := NewHandlers(storage.NewMemoryStore(), nil, nil, nil, &config.Config{}, nil)
	assert.Nil(t, h.limiter)

	a := newTestAPI(t, &config.Config{})
	for range 5 {
		assert.Equal(t, http.StatusOK, a.do(t, "GET", "/api/v1/agents", "").Code)
	}
}

func TestCORS(t *testing.T) {
	a := newTestAPI(t, &config.Config{CORSOrigins: []string{"https://ui.example"}})

	req := httptest.NewRequest("GET", "/api/v1/agents", nil)
	req.Header.Set("Origin", "https://ui.example")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, "https://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", opserr.Errorf(opserr.KindSessionNotFound, "op", "x"), http.StatusNotFound},
		{"conflict", opserr.Errorf(opserr.KindAgentAlreadyExists, "op", "x"), http.StatusConflict},
		{"invalid", opserr.Errorf(opserr.KindWorkflowDefinition, "op", "x"), http.StatusBadRequest},
		{"wrapped invalid", opserr.E(opserr.KindRegistration, "op", "x", opserr.Errorf(opserr.KindInvalidState, "op", "y")), http.StatusBadRequest},
		{"storage", opserr.Errorf(opserr.KindStorage, "op", "x"), http.StatusInternalServerError},
		{"plain", io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusForError(tt.err))
		})
	}
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/api/v1/sessions/{id}", normalizePath("/api/v1/sessions/6f1c2a7e-4b0d-5c39-9a8e-2d7f3b1e0c54"))
	assert.Equal(t, "/api/v1/agents/{id}", normalizePath("/api/v1/agents/42"))
	assert.Equal(t, "/api/v1/agents/a", normalizePath("/api/v1/agents/a"))
}
