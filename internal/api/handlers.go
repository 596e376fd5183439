package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/opspawn/ops-core/internal/config"
	"github.com/opspawn/ops-core/internal/lifecycle"
	"github.com/opspawn/ops-core/internal/storage"
	"github.com/opspawn/ops-core/internal/validator"
	"github.com/opspawn/ops-core/internal/workflow"
	"github.com/opspawn/ops-core/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     storage.Store
	lifecycle *lifecycle.Manager
	engine    *workflow.Engine
	validator *validator.Validator
	config    *config.Config
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store storage.Store, lc *lifecycle.Manager, engine *workflow.Engine, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		lifecycle: lc,
		engine:    engine,
		validator: v,
		config:    cfg,
		limiter:   newLimiter(cfg),
		logger:    logger,
	}
}

// newLimiter builds the request limiter shared by every route. A missing
// config or non-positive rate disables limiting.
func newLimiter(cfg *config.Config) *rate.Limiter {
	if cfg == nil || cfg.RateLimitRPS <= 0 {
		return nil
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = int(cfg.RateLimitRPS) + 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the storage backend.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "storage unhealthy", err)
		return
	}
	if connected, ok := info["connected"].(bool); ok && !connected {
		h.respondError(w, r, http.StatusServiceUnavailable, "storage unhealthy", errors.New("storage backend not connected"))
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"storage": info,
	})
}

// StoreInfo handles GET /api/v1/store/info
func (h *Handlers) StoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get storage info", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// --- Agents ---

// RegisterAgent handles POST /api/v1/agents
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if result := h.validator.ValidateRegistration(doc); !result.Valid {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid agent registration",
			map[string]any{"errors": result.Errors})
		return
	}

	var req lifecycle.RegisterRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	reg, err := h.lifecycle.RegisterAgent(r.Context(), req)
	if err != nil {
		h.respondCoreError(w, r, "failed to register agent", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, reg)
}

// ListAgents handles GET /api/v1/agents?capability=a,b&limit=n&offset=n
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := &lifecycle.ListOptions{}
	for _, c := range query["capability"] {
		for _, part := range strings.Split(c, ",") {
			if part = strings.TrimSpace(part); part != "" {
				opts.Capabilities = append(opts.Capabilities, part)
			}
		}
	}
	var err error
	if opts.Limit, err = queryInt(query.Get("limit")); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid limit", err)
		return
	}
	if opts.Offset, err = queryInt(query.Get("offset")); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid offset", err)
		return
	}

	agents, err := h.lifecycle.FindAgents(r.Context(), opts)
	if err != nil {
		h.respondCoreError(w, r, "failed to list agents", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

// GetAgent handles GET /api/v1/agents/{id}
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	reg, err := h.lifecycle.GetAgent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondCoreError(w, r, "failed to get agent", err)
		return
	}
	h.respondJSON(w, http.StatusOK, reg)
}

// GetAgentState handles GET /api/v1/agents/{id}/state
func (h *Handlers) GetAgentState(w http.ResponseWriter, r *http.Request) {
	state, err := h.lifecycle.GetState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, lifecycle.ErrNoState) {
			h.respondError(w, r, http.StatusNotFound, "agent has no recorded state", err)
			return
		}
		h.respondCoreError(w, r, "failed to get agent state", err)
		return
	}
	h.respondJSON(w, http.StatusOK, state)
}

// SetAgentStateRequest is the request body for reporting an agent state.
type SetAgentStateRequest struct {
	State     string         `json:"state"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// SetAgentState handles PUT /api/v1/agents/{id}/state
func (h *Handlers) SetAgentState(w http.ResponseWriter, r *http.Request) {
	var req SetAgentStateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	state, err := h.lifecycle.SetState(r.Context(), mux.Vars(r)["id"], req.State, req.Details, req.Timestamp)
	if err != nil {
		h.respondCoreError(w, r, "failed to set agent state", err)
		return
	}
	h.respondJSON(w, http.StatusOK, state)
}

// GetAgentStateHistory handles GET /api/v1/agents/{id}/state/history
func (h *Handlers) GetAgentStateHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.lifecycle.GetStateHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondCoreError(w, r, "failed to get agent state history", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"count":   len(history),
	})
}

// --- Workflows ---

// CreateWorkflow handles POST /api/v1/workflows
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := decodeJSON(w, r, &data); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	def, err := h.engine.CreateWorkflow(r.Context(), data)
	if err != nil {
		h.respondCoreError(w, r, "failed to create workflow", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, def)
}

// CreateWorkflowFromTemplate handles POST /api/v1/workflows/templates?format=yaml|json
func (h *Handlers) CreateWorkflowFromTemplate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	data, err := workflow.LoadTemplate(body, r.URL.Query().Get("format"))
	if err != nil {
		h.respondCoreError(w, r, "failed to parse workflow template", err)
		return
	}

	def, err := h.engine.CreateWorkflow(r.Context(), data)
	if err != nil {
		h.respondCoreError(w, r, "failed to create workflow", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, def)
}

// ListWorkflows handles GET /api/v1/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := h.engine.ListWorkflowDefinitions(r.Context())
	if err != nil {
		h.respondCoreError(w, r, "failed to list workflows", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"workflows": defs,
		"count":     len(defs),
	})
}

// GetWorkflow handles GET /api/v1/workflows/{id}
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := h.engine.GetWorkflowDefinition(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondCoreError(w, r, "failed to get workflow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, def)
}

// TriggerWorkflow handles POST /api/v1/workflows/trigger
func (h *Handlers) TriggerWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflow.TriggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.AgentID == "" {
		h.respondError(w, r, http.StatusBadRequest, "agent_id is required", errors.New("missing agent_id"))
		return
	}

	res, err := h.engine.TriggerWorkflow(r.Context(), req)
	if err != nil {
		h.respondCoreError(w, r, "failed to trigger workflow", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, res)
}

// --- Sessions ---

// GetSession handles GET /api/v1/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.lifecycle.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondCoreError(w, r, "failed to get session", err)
		return
	}
	h.respondJSON(w, http.StatusOK, session)
}

// UpdateSession handles PATCH /api/v1/sessions/{id}
func (h *Handlers) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var update types.SessionUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	session, err := h.lifecycle.UpdateSession(r.Context(), mux.Vars(r)["id"], &update)
	if err != nil {
		h.respondCoreError(w, r, "failed to update session", err)
		return
	}
	h.respondJSON(w, http.StatusOK, session)
}

// --- Queue ---

// GetQueue handles GET /api/v1/queue
func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.engine.QueueSnapshot(r.Context())
	if err != nil {
		h.respondCoreError(w, r, "failed to read queue", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"length": len(tasks),
		"tasks":  tasks,
	})
}

// --- Helper Methods ---

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("want a non-negative integer, got %q", raw)
	}
	return n, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty request body")
	}
	return body, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	attrs := []any{slog.Int("status", status), slog.String("path", r.URL.Path)}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, attrs...)
	} else {
		h.logger.Debug(message, attrs...)
	}

	var details map[string]any
	if err != nil {
		details = map[string]any{"reason": err.Error()}
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}

// respondCoreError writes err with the status of its error class.
func (h *Handlers) respondCoreError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := StatusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, slog.String("path", r.URL.Path), slog.Any("error", err))
	}

	details := errorDetails(err)
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = err.Error()
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}
