package types

import (
	"maps"
	"slices"
)

// WorkflowDefinition is a reusable template describing a chain of tasks.
type WorkflowDefinition struct {
	ID          string         `json:"id" yaml:"id" validate:"required"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Tasks       []TaskTemplate `json:"tasks" yaml:"tasks" validate:"dive"`
}

// TaskTemplate is one step of a WorkflowDefinition.
type TaskTemplate struct {
	TaskID     string         `json:"task_id" yaml:"task_id" validate:"required"`
	Capability string         `json:"capability,omitempty" yaml:"capability,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	NextTaskID string         `json:"next_task_id,omitempty" yaml:"next_task_id,omitempty"`
}

// FirstTask returns the first task template, or nil if the definition has none.
func (d *WorkflowDefinition) FirstTask() *TaskTemplate {
	if len(d.Tasks) == 0 {
		return nil
	}
	return &d.Tasks[0]
}

// Clone returns a copy that shares no mutable state with d.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	c := *d
	c.Tasks = slices.Clone(d.Tasks)
	for i := range c.Tasks {
		c.Tasks[i].Parameters = maps.Clone(c.Tasks[i].Parameters)
	}
	return &c
}
