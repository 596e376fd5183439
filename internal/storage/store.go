// Package storage provides key-value persistence for agents, agent state history,
// workflow sessions and workflow definitions.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opspawn/ops-core/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrDuplicateID   = errors.New("duplicate id")
	ErrInvalidData   = errors.New("invalid data")
)

// AgentStore persists agent registrations.
type AgentStore interface {
	// SaveAgentRegistration stores a new registration. Returns ErrAlreadyExists if the ID is taken.
	SaveAgentRegistration(ctx context.Context, reg *types.AgentRegistration) error

	// ReadAgentRegistration returns ErrNotFound if the agent is unknown.
	ReadAgentRegistration(ctx context.Context, agentID string) (*types.AgentRegistration, error)

	AgentExists(ctx context.Context, agentID string) (bool, error)
	ListAgentRegistrations(ctx context.Context) ([]*types.AgentRegistration, error)
}

// StateStore persists the append-only state history of each agent.
type StateStore interface {
	// SaveAgentState appends to the agent's history.
	SaveAgentState(ctx context.Context, state *types.AgentState) error

	// ReadLatestAgentState returns ErrNotFound if the agent has no recorded state.
	ReadLatestAgentState(ctx context.Context, agentID string) (*types.AgentState, error)

	// ReadAgentStateHistory returns states in insertion order.
	ReadAgentStateHistory(ctx context.Context, agentID string) ([]*types.AgentState, error)
}

// SessionStore persists workflow sessions.
type SessionStore interface {
	// CreateSession stores a new session. Returns ErrDuplicateID if the ID is taken.
	CreateSession(ctx context.Context, session *types.WorkflowSession) error

	// ReadSession returns ErrNotFound if the session is unknown.
	ReadSession(ctx context.Context, sessionID string) (*types.WorkflowSession, error)

	// UpdateSessionFields merges update into the stored session, stamps LastUpdatedTime and
	// returns the full record. Returns ErrNotFound or ErrInvalidData.
	UpdateSessionFields(ctx context.Context, sessionID string, update *types.SessionUpdate) (*types.WorkflowSession, error)

	// DeleteSession reports whether a session was removed.
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
}

// DefinitionStore persists workflow definitions.
type DefinitionStore interface {
	// SaveWorkflowDefinition stores def, overwriting any definition with the same ID.
	SaveWorkflowDefinition(ctx context.Context, def *types.WorkflowDefinition) error

	// ReadWorkflowDefinition returns ErrNotFound if the definition is unknown.
	ReadWorkflowDefinition(ctx context.Context, id string) (*types.WorkflowDefinition, error)

	ListWorkflowDefinitions(ctx context.Context) ([]*types.WorkflowDefinition, error)
}

// Store is the full persistence contract. Implementations must be safe for concurrent use.
type Store interface {
	AgentStore
	StateStore
	SessionStore
	DefinitionStore

	// ClearAll wipes every entity family.
	ClearAll(ctx context.Context) error

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]any, error)

	// Cleanup
	Close() error
}

// mergeSession applies update to session and validates the merged record.
func mergeSession(session *types.WorkflowSession, update *types.SessionUpdate, now time.Time) error {
	if err := session.Apply(update, now); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if err := types.Validate(session); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}

// canonical returns v as the Redis backend would read it back, so both
// backends hold interchangeable records.
func canonical[T any](v *T) (*T, error) {
	out, err := types.Canonical(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return out, nil
}
