// Package lifecycle manages agent registration, agent state reporting and
// workflow session records.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opspawn/ops-core/internal/metrics"
	"github.com/opspawn/ops-core/internal/storage"
	"github.com/opspawn/ops-core/pkg/opserr"
	"github.com/opspawn/ops-core/pkg/types"
)

// ErrNoState is returned by GetState when a registered agent has not reported any state.
var ErrNoState = errors.New("agent has no recorded state")

// RegisterRequest carries the details supplied when an agent registers.
type RegisterRequest struct {
	AgentID         string         `json:"agent_id"`
	Name            string         `json:"name"`
	Version         string         `json:"version,omitempty"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	ContactEndpoint string         `json:"contact_endpoint,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Manager owns agent and session records. It is safe for concurrent use.
type Manager struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates a Manager over store.
func New(store storage.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// RegisterAgent persists a new agent registration and records an initial
// "unknown" state. Failure to record the initial state is logged only.
func (m *Manager) RegisterAgent(ctx context.Context, req RegisterRequest) (*types.AgentRegistration, error) {
	const op = "lifecycle.RegisterAgent"

	if req.AgentID == "" {
		return nil, opserr.E(opserr.KindRegistration, op, "agent id is required",
			opserr.Errorf(opserr.KindInvalidState, op, "empty agent id"))
	}

	now := m.now()
	reg := &types.AgentRegistration{
		AgentID:          req.AgentID,
		Name:             req.Name,
		Version:          req.Version,
		Capabilities:     req.Capabilities,
		ContactEndpoint:  req.ContactEndpoint,
		Metadata:         req.Metadata,
		RegistrationTime: now,
	}
	if err := types.Validate(reg); err != nil {
		return nil, opserr.E(opserr.KindRegistration, op, "invalid registration",
			opserr.E(opserr.KindInvalidState, op, "", err))
	}

	err := m.store.SaveAgentRegistration(ctx, reg)
	metrics.StoreOperations.WithLabelValues("save_registration", metrics.Result(err)).Inc()
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			e := opserr.Errorf(opserr.KindAgentAlreadyExists, op, "agent already registered")
			e.AgentID = req.AgentID
			return nil, e
		}
		e := opserr.E(opserr.KindRegistration, op, "persist registration", err)
		e.AgentID = req.AgentID
		return nil, e
	}
	metrics.AgentsRegistered.Inc()

	initial := &types.AgentState{AgentID: req.AgentID, State: types.AgentStateUnknown, Timestamp: now}
	if err := m.store.SaveAgentState(ctx, initial); err != nil {
		m.logger.Warn("failed to record initial agent state",
			slog.String("agent_id", req.AgentID),
			slog.Any("error", err),
		)
	}

	m.logger.Info("agent registered",
		slog.String("agent_id", reg.AgentID),
		slog.String("name", reg.Name),
		slog.Any("capabilities", reg.Capabilities),
	)
	return reg, nil
}

// GetAgent returns the registration for agentID.
func (m *Manager) GetAgent(ctx context.Context, agentID string) (*types.AgentRegistration, error) {
	const op = "lifecycle.GetAgent"

	reg, err := m.store.ReadAgentRegistration(ctx, agentID)
	if err != nil {
		return nil, agentErr(op, agentID, err)
	}
	return reg, nil
}

// ListAgents returns every registered agent.
func (m *Manager) ListAgents(ctx context.Context) ([]*types.AgentRegistration, error) {
	return m.FindAgents(ctx, nil)
}

// ListOptions filters and pages FindAgents results.
type ListOptions struct {
	// Capabilities filters to agents advertising all of these
	Capabilities []string

	// Limit is the maximum number of agents to return (0 = unlimited)
	Limit int

	// Offset is the number of agents to skip
	Offset int
}

// FindAgents returns registered agents matching opts, ordered by agent id.
func (m *Manager) FindAgents(ctx context.Context, opts *ListOptions) ([]*types.AgentRegistration, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	regs, err := m.store.ListAgentRegistrations(ctx)
	if err != nil {
		return nil, opserr.E(opserr.KindStorage, "lifecycle.ListAgents", "list agents", err)
	}

	agents := make([]*types.AgentRegistration, 0, len(regs))
	for _, reg := range regs {
		if hasAllCapabilities(reg, opts.Capabilities) {
			agents = append(agents, reg)
		}
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(agents) {
			return []*types.AgentRegistration{}, nil
		}
		agents = agents[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(agents) {
		agents = agents[:opts.Limit]
	}
	return agents, nil
}

func hasAllCapabilities(reg *types.AgentRegistration, required []string) bool {
	for _, c := range required {
		if !reg.HasCapability(c) {
			return false
		}
	}
	return true
}

// SetState records a new state for a registered agent. timestamp is optional
// RFC 3339 text; an unparsable value falls back to the current time.
func (m *Manager) SetState(ctx context.Context, agentID, state string, details map[string]any, timestamp string) (*types.AgentState, error) {
	const op = "lifecycle.SetState"

	if err := m.requireAgent(ctx, op, agentID); err != nil {
		return nil, err
	}

	ts := m.now()
	if timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			m.logger.Warn("invalid state timestamp, using current time",
				slog.String("agent_id", agentID),
				slog.String("timestamp", timestamp),
				slog.Any("error", err),
			)
		} else {
			ts = parsed.UTC()
		}
	}

	record := &types.AgentState{AgentID: agentID, State: state, Details: details, Timestamp: ts}
	if err := types.Validate(record); err != nil {
		e := opserr.E(opserr.KindInvalidState, op, "invalid agent state", err)
		e.AgentID = agentID
		return nil, e
	}

	err := m.store.SaveAgentState(ctx, record)
	metrics.StoreOperations.WithLabelValues("save_state", metrics.Result(err)).Inc()
	if err != nil {
		e := opserr.E(opserr.KindStorage, op, "persist agent state", err)
		e.AgentID = agentID
		return nil, e
	}
	metrics.AgentStateChanges.WithLabelValues(state).Inc()

	m.logger.Debug("agent state updated",
		slog.String("agent_id", agentID),
		slog.String("state", state),
	)
	return record, nil
}

// GetState returns the latest state of agentID, or ErrNoState if none was recorded.
func (m *Manager) GetState(ctx context.Context, agentID string) (*types.AgentState, error) {
	const op = "lifecycle.GetState"

	if err := m.requireAgent(ctx, op, agentID); err != nil {
		return nil, err
	}

	st, err := m.store.ReadLatestAgentState(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoState
		}
		e := opserr.E(opserr.KindStorage, op, "read agent state", err)
		e.AgentID = agentID
		return nil, e
	}
	return st, nil
}

// GetStateHistory returns every recorded state of agentID in report order.
func (m *Manager) GetStateHistory(ctx context.Context, agentID string) ([]*types.AgentState, error) {
	const op = "lifecycle.GetStateHistory"

	if err := m.requireAgent(ctx, op, agentID); err != nil {
		return nil, err
	}

	history, err := m.store.ReadAgentStateHistory(ctx, agentID)
	if err != nil {
		e := opserr.E(opserr.KindStorage, op, "read agent state history", err)
		e.AgentID = agentID
		return nil, e
	}
	return history, nil
}

// StartSession creates a session in status "started" for a registered agent.
func (m *Manager) StartSession(ctx context.Context, agentID, workflowID string) (*types.WorkflowSession, error) {
	const op = "lifecycle.StartSession"

	if err := m.requireAgent(ctx, op, agentID); err != nil {
		return nil, err
	}

	now := m.now()
	session := &types.WorkflowSession{
		SessionID:       m.newID(),
		WorkflowID:      workflowID,
		AgentID:         agentID,
		Status:          types.SessionStatusStarted,
		StartTime:       now,
		LastUpdatedTime: now,
	}
	if err := types.Validate(session); err != nil {
		e := opserr.E(opserr.KindInvalidState, op, "invalid session", err)
		e.AgentID = agentID
		return nil, e
	}

	err := m.store.CreateSession(ctx, session)
	metrics.StoreOperations.WithLabelValues("create_session", metrics.Result(err)).Inc()
	if err != nil {
		msg := "persist session"
		if errors.Is(err, storage.ErrDuplicateID) {
			msg = "session id collision"
		}
		e := opserr.E(opserr.KindStorage, op, msg, err)
		e.AgentID = agentID
		return nil, e
	}
	metrics.SessionsTotal.WithLabelValues(string(session.Status)).Inc()

	m.logger.Info("session started",
		slog.String("session_id", session.SessionID),
		slog.String("workflow_id", workflowID),
		slog.String("agent_id", agentID),
	)
	return session, nil
}

// UpdateSession applies a partial update to a session and returns the full record.
// An empty update reads the session without writing. A terminal status without an
// explicit EndTime ends the session now.
func (m *Manager) UpdateSession(ctx context.Context, sessionID string, update *types.SessionUpdate) (*types.WorkflowSession, error) {
	const op = "lifecycle.UpdateSession"

	if update.IsEmpty() {
		return m.GetSession(ctx, sessionID)
	}

	u := *update
	if u.Status != nil && u.Status.IsTerminal() && u.EndTime == nil {
		u.MarkEnded = true
	}

	session, err := m.store.UpdateSessionFields(ctx, sessionID, &u)
	metrics.StoreOperations.WithLabelValues("update_session", metrics.Result(err)).Inc()
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, opserr.E(opserr.KindSessionNotFound, op, "session "+sessionID, err)
		case errors.Is(err, storage.ErrInvalidData):
			return nil, opserr.E(opserr.KindInvalidState, op, "invalid session update", err)
		default:
			return nil, opserr.E(opserr.KindStorage, op, "persist session update", err)
		}
	}

	if u.Status != nil {
		metrics.SessionsTotal.WithLabelValues(string(*u.Status)).Inc()
		m.logger.Info("session updated",
			slog.String("session_id", sessionID),
			slog.String("status", string(session.Status)),
		)
	}
	return session, nil
}

// GetSession returns the session with sessionID.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.WorkflowSession, error) {
	const op = "lifecycle.GetSession"

	session, err := m.store.ReadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, opserr.E(opserr.KindSessionNotFound, op, "session "+sessionID, err)
		}
		return nil, opserr.E(opserr.KindStorage, op, "read session", err)
	}
	return session, nil
}

func (m *Manager) requireAgent(ctx context.Context, op, agentID string) error {
	exists, err := m.store.AgentExists(ctx, agentID)
	if err != nil {
		e := opserr.E(opserr.KindStorage, op, "check agent", err)
		e.AgentID = agentID
		return e
	}
	if !exists {
		e := opserr.Errorf(opserr.KindAgentNotFound, op, "agent not registered")
		e.AgentID = agentID
		return e
	}
	return nil
}

func agentErr(op, agentID string, err error) error {
	kind := opserr.KindStorage
	if errors.Is(err, storage.ErrNotFound) {
		kind = opserr.KindAgentNotFound
	}
	e := opserr.E(kind, op, "", err)
	e.AgentID = agentID
	return e
}
