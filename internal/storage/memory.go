package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opspawn/ops-core/pkg/types"
)

// agentHistory is the append-only state sequence of one agent.
type agentHistory struct {
	mu     sync.RWMutex
	states []*types.AgentState
}

// MemoryStore implements Store using in-process maps.
// Suitable for testing and single-instance deployments. Data is lost on restart.
//
// Each entity family has its own lock and each agent's history has its own lock,
// so unrelated records never contend.
type MemoryStore struct {
	agentsMu sync.RWMutex
	agents   map[string]*types.AgentRegistration

	statesMu sync.RWMutex
	states   map[string]*agentHistory

	sessionsMu sync.RWMutex
	sessions   map[string]*types.WorkflowSession

	defsMu sync.RWMutex
	defs   map[string]*types.WorkflowDefinition

	now func() time.Time
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*types.AgentRegistration),
		states:   make(map[string]*agentHistory),
		sessions: make(map[string]*types.WorkflowSession),
		defs:     make(map[string]*types.WorkflowDefinition),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SaveAgentRegistration stores a new registration.
func (s *MemoryStore) SaveAgentRegistration(ctx context.Context, reg *types.AgentRegistration) error {
	stored, err := canonical(reg)
	if err != nil {
		return err
	}

	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()

	if _, exists := s.agents[reg.AgentID]; exists {
		return ErrAlreadyExists
	}
	s.agents[reg.AgentID] = stored
	return nil
}

// ReadAgentRegistration retrieves a registration by agent ID.
func (s *MemoryStore) ReadAgentRegistration(ctx context.Context, agentID string) (*types.AgentRegistration, error) {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()

	reg, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return reg.Clone(), nil
}

// AgentExists checks if an agent with the given ID is registered.
func (s *MemoryStore) AgentExists(ctx context.Context, agentID string) (bool, error) {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()

	_, ok := s.agents[agentID]
	return ok, nil
}

// ListAgentRegistrations returns all registrations ordered by agent ID.
func (s *MemoryStore) ListAgentRegistrations(ctx context.Context) ([]*types.AgentRegistration, error) {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()

	regs := make([]*types.AgentRegistration, 0, len(s.agents))
	for _, reg := range s.agents {
		regs = append(regs, reg.Clone())
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].AgentID < regs[j].AgentID })
	return regs, nil
}

// history returns the history for agentID, creating it if needed.
func (s *MemoryStore) history(agentID string, create bool) *agentHistory {
	s.statesMu.RLock()
	h, ok := s.states[agentID]
	s.statesMu.RUnlock()
	if ok || !create {
		return h
	}

	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	if h, ok = s.states[agentID]; !ok {
		h = &agentHistory{}
		s.states[agentID] = h
	}
	return h
}

// SaveAgentState appends a state to the agent's history.
func (s *MemoryStore) SaveAgentState(ctx context.Context, state *types.AgentState) error {
	stored, err := canonical(state)
	if err != nil {
		return err
	}
	h := s.history(state.AgentID, true)

	h.mu.Lock()
	h.states = append(h.states, stored)
	h.mu.Unlock()
	return nil
}

// ReadLatestAgentState returns the most recently appended state.
func (s *MemoryStore) ReadLatestAgentState(ctx context.Context, agentID string) (*types.AgentState, error) {
	h := s.history(agentID, false)
	if h == nil {
		return nil, ErrNotFound
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.states) == 0 {
		return nil, ErrNotFound
	}
	return h.states[len(h.states)-1].Clone(), nil
}

// ReadAgentStateHistory returns the agent's states in insertion order.
func (s *MemoryStore) ReadAgentStateHistory(ctx context.Context, agentID string) ([]*types.AgentState, error) {
	h := s.history(agentID, false)
	if h == nil {
		return []*types.AgentState{}, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]*types.AgentState, len(h.states))
	for i, st := range h.states {
		result[i] = st.Clone()
	}
	return result, nil
}

// CreateSession stores a new session; the existence check and insert happen under one lock.
func (s *MemoryStore) CreateSession(ctx context.Context, session *types.WorkflowSession) error {
	stored, err := canonical(session)
	if err != nil {
		return err
	}

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	if _, exists := s.sessions[session.SessionID]; exists {
		return ErrDuplicateID
	}
	s.sessions[session.SessionID] = stored
	return nil
}

// ReadSession retrieves a session by ID.
func (s *MemoryStore) ReadSession(ctx context.Context, sessionID string) (*types.WorkflowSession, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

// UpdateSessionFields merges update into the stored session.
func (s *MemoryStore) UpdateSessionFields(ctx context.Context, sessionID string, update *types.SessionUpdate) (*types.WorkflowSession, error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	current, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	// Merge into a copy so a rejected update leaves the stored record untouched
	merged := current.Clone()
	if err := mergeSession(merged, update, s.now()); err != nil {
		return nil, err
	}
	stored, err := canonical(merged)
	if err != nil {
		return nil, err
	}

	s.sessions[sessionID] = stored
	return stored.Clone(), nil
}

// DeleteSession removes a session.
func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(s.sessions, sessionID)
	return true, nil
}

// SaveWorkflowDefinition stores a definition, overwriting by ID.
func (s *MemoryStore) SaveWorkflowDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	stored, err := canonical(def)
	if err != nil {
		return err
	}

	s.defsMu.Lock()
	defer s.defsMu.Unlock()

	s.defs[def.ID] = stored
	return nil
}

// ReadWorkflowDefinition retrieves a definition by ID.
func (s *MemoryStore) ReadWorkflowDefinition(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	s.defsMu.RLock()
	defer s.defsMu.RUnlock()

	def, ok := s.defs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return def.Clone(), nil
}

// ListWorkflowDefinitions returns all definitions ordered by ID.
func (s *MemoryStore) ListWorkflowDefinitions(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	s.defsMu.RLock()
	defer s.defsMu.RUnlock()

	defs := make([]*types.WorkflowDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		defs = append(defs, def.Clone())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// ClearAll wipes every store. All family locks are held together, in a fixed order,
// so no caller observes a partially cleared store.
func (s *MemoryStore) ClearAll(ctx context.Context) error {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.defsMu.Lock()
	defer s.defsMu.Unlock()

	s.agents = make(map[string]*types.AgentRegistration)
	s.states = make(map[string]*agentHistory)
	s.sessions = make(map[string]*types.WorkflowSession)
	s.defs = make(map[string]*types.WorkflowDefinition)
	return nil
}

// AdapterInfo reports backend diagnostics.
func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	s.agentsMu.RLock()
	agentCount := len(s.agents)
	s.agentsMu.RUnlock()

	s.sessionsMu.RLock()
	sessionCount := len(s.sessions)
	s.sessionsMu.RUnlock()

	s.defsMu.RLock()
	defCount := len(s.defs)
	s.defsMu.RUnlock()

	return map[string]any{
		"adapter":          "memory",
		"agent_count":      agentCount,
		"session_count":    sessionCount,
		"definition_count": defCount,
	}, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
