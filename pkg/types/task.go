package types

import (
	"maps"
	"time"
)

// TaskStatus represents the state of a queued task.
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusPendingRetry TaskStatus = "pending_retry"
	TaskStatusDispatched   TaskStatus = "dispatched"
	TaskStatusFailed       TaskStatus = "failed"
)

// Task is one unit of dispatchable work held in the task queue.
type Task struct {
	TaskID           string         `json:"task_id" validate:"required"`
	WorkflowID       string         `json:"workflow_id" validate:"required"`
	SessionID        string         `json:"session_id" validate:"required"`
	AgentID          string         `json:"agent_id" validate:"required"`
	TaskDefinitionID string         `json:"task_definition_id" validate:"required"`
	Payload          map[string]any `json:"payload,omitempty"`
	Status           TaskStatus     `json:"status" validate:"required,oneof=pending pending_retry dispatched failed"`
	RetryCount       int            `json:"retry_count" validate:"min=0,ltefield=MaxRetries"`
	MaxRetries       int            `json:"max_retries" validate:"min=0"`
	EnqueuedAt       time.Time      `json:"enqueued_at,omitempty"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	c := *t
	c.Payload = maps.Clone(t.Payload)
	return &c
}

// CanRetry reports whether another dispatch attempt is allowed.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}
