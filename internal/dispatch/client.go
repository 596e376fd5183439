// Package dispatch delivers tasks to remote agent runtimes.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/opspawn/ops-core/pkg/types"
)

// MessageTypeTaskDispatch is the message type carried by every task envelope.
const MessageTypeTaskDispatch = "task_dispatch"

// ErrConnectivity marks failures to reach the agent at all, as opposed to the
// agent rejecting the task. Timeouts count as connectivity failures.
var ErrConnectivity = errors.New("agent unreachable")

// Envelope is the message sent to an agent runtime.
type Envelope struct {
	SenderID         string         `json:"sender_id"`
	MessageType      string         `json:"message_type"`
	Payload          map[string]any `json:"payload,omitempty"`
	SessionID        string         `json:"session_id"`
	WorkflowID       string         `json:"workflow_id"`
	TaskID           string         `json:"task_id"`
	TaskDefinitionID string         `json:"task_definition_id"`
	SentAt           time.Time      `json:"sent_at"`
}

// NewEnvelope builds the dispatch envelope for task.
func NewEnvelope(senderID string, task *types.Task, now time.Time) *Envelope {
	return &Envelope{
		SenderID:         senderID,
		MessageType:      MessageTypeTaskDispatch,
		Payload:          task.Payload,
		SessionID:        task.SessionID,
		WorkflowID:       task.WorkflowID,
		TaskID:           task.TaskID,
		TaskDefinitionID: task.TaskDefinitionID,
		SentAt:           now,
	}
}

// Ack is an agent's acknowledgement of a dispatched task.
type Ack struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Client sends an envelope to an agent.
type Client interface {
	Dispatch(ctx context.Context, agentID string, env *Envelope) (*Ack, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, agentID string, env *Envelope) (*Ack, error)

// Dispatch calls f.
func (f ClientFunc) Dispatch(ctx context.Context, agentID string, env *Envelope) (*Ack, error) {
	return f(ctx, agentID, env)
}

// AgentLookup resolves registered agents. lifecycle.Manager satisfies it.
type AgentLookup interface {
	GetAgent(ctx context.Context, agentID string) (*types.AgentRegistration, error)
}
