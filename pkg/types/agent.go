// Package types provides the shared domain types for ops-core.
package types

import (
	"maps"
	"slices"
	"time"
)

// Known agent states. State is free-form; these are the values the core reasons about.
const (
	AgentStateUnknown  = "unknown"
	AgentStateIdle     = "idle"
	AgentStateActive   = "active"
	AgentStateError    = "error"
	AgentStateFinished = "finished"
)

// AgentRegistration is the identity and capability record for one agent.
// It is immutable once stored.
type AgentRegistration struct {
	// AgentID is the externally assigned unique identifier
	AgentID string `json:"agent_id" validate:"required"`

	// Name is the human-readable name
	Name string `json:"name"`

	// Version is the agent version
	Version string `json:"version,omitempty"`

	// Capabilities are tags describing what the agent can do
	Capabilities []string `json:"capabilities,omitempty"`

	// ContactEndpoint is used only by the dispatch client
	ContactEndpoint string `json:"contact_endpoint,omitempty" validate:"omitempty,uri"`

	// Metadata holds opaque key-value pairs
	Metadata map[string]any `json:"metadata,omitempty"`

	// RegistrationTime is when the agent was registered
	RegistrationTime time.Time `json:"registration_time" validate:"required"`
}

// HasCapability reports whether the agent advertises capability c.
func (r *AgentRegistration) HasCapability(c string) bool {
	return slices.Contains(r.Capabilities, c)
}

// Clone returns a copy that shares no mutable state with r.
func (r *AgentRegistration) Clone() *AgentRegistration {
	c := *r
	c.Capabilities = slices.Clone(r.Capabilities)
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

// AgentState is a single observation of an agent's operational condition.
type AgentState struct {
	AgentID   string         `json:"agent_id" validate:"required"`
	State     string         `json:"state" validate:"required"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp" validate:"required"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *AgentState) Clone() *AgentState {
	c := *s
	c.Details = maps.Clone(s.Details)
	return &c
}
