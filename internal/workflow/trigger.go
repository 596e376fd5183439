package workflow

import (
	"context"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/opspawn/ops-core/internal/metrics"
	"github.com/opspawn/ops-core/pkg/opserr"
	"github.com/opspawn/ops-core/pkg/types"
)

// TriggerRequest starts a workflow for an agent. Either WorkflowID names a stored
// definition or Definition carries one inline, which is stored first.
type TriggerRequest struct {
	AgentID        string         `json:"agent_id"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	Definition     map[string]any `json:"definition,omitempty"`
	InitialPayload map[string]any `json:"initial_payload,omitempty"`

	// MaxRetries overrides the engine default for the first task
	MaxRetries *int `json:"max_retries,omitempty"`
}

// TriggerResult reports the session a trigger started and the task it enqueued.
// Task is nil when the definition had no tasks.
type TriggerResult struct {
	Session *types.WorkflowSession `json:"session"`
	Task    *types.Task            `json:"task,omitempty"`
}

// TriggerWorkflow resolves or stores the definition, starts a session and
// enqueues the definition's first task. A definition without tasks completes
// the session immediately. Only the first task is enqueued; later tasks are
// enqueued by callers with EnqueueTask.
func (e *Engine) TriggerWorkflow(ctx context.Context, req TriggerRequest) (res *TriggerResult, err error) {
	const op = "workflow.TriggerWorkflow"

	defer func() {
		switch {
		case err != nil:
			metrics.WorkflowsTriggered.WithLabelValues("error").Inc()
		case res.Task == nil:
			metrics.WorkflowsTriggered.WithLabelValues("no_tasks").Inc()
		default:
			metrics.WorkflowsTriggered.WithLabelValues("enqueued").Inc()
		}
	}()

	// An inline definition is stored only for a registered agent
	if req.Definition != nil {
		if _, err := e.lifecycle.GetAgent(ctx, req.AgentID); err != nil {
			return nil, err
		}
	}

	def, err := e.resolveDefinition(ctx, req)
	if err != nil {
		return nil, err
	}

	session, err := e.lifecycle.StartSession(ctx, req.AgentID, def.ID)
	if err != nil {
		return nil, err
	}

	first := def.FirstTask()
	if first == nil {
		completed, err := e.lifecycle.UpdateSession(ctx, session.SessionID, &types.SessionUpdate{
			Status: types.StatusPtr(types.SessionStatusCompleted),
			Result: map[string]any{"message": "no tasks"},
		})
		if err != nil {
			return nil, err
		}
		return &TriggerResult{Session: completed}, nil
	}

	payload := req.InitialPayload
	if payload == nil {
		payload = first.Parameters
	}
	maxRetries := e.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	task := &types.Task{
		TaskID:           e.newID(),
		WorkflowID:       def.ID,
		SessionID:        session.SessionID,
		AgentID:          req.AgentID,
		TaskDefinitionID: first.TaskID,
		Payload:          maps.Clone(payload),
		Status:           types.TaskStatusPending,
		MaxRetries:       maxRetries,
	}

	if err := e.enqueue(ctx, task, 0, "trigger"); err != nil {
		msg := "failed to enqueue first task: " + err.Error()
		if _, uerr := e.lifecycle.UpdateSession(ctx, session.SessionID, &types.SessionUpdate{
			Status: types.StatusPtr(types.SessionStatusFailed),
			Error:  &msg,
		}); uerr != nil {
			e.logger.Error("failed to mark session failed after enqueue error",
				slog.String("session_id", session.SessionID),
				slog.Any("error", uerr),
			)
		}
		return nil, err
	}

	e.logger.Info("workflow triggered",
		slog.String("workflow_id", def.ID),
		slog.String("session_id", session.SessionID),
		slog.String("agent_id", req.AgentID),
		slog.String("task_id", task.TaskID),
	)
	return &TriggerResult{Session: session, Task: task}, nil
}

func (e *Engine) resolveDefinition(ctx context.Context, req TriggerRequest) (*types.WorkflowDefinition, error) {
	if req.Definition != nil {
		data := maps.Clone(req.Definition)
		if _, ok := data["id"]; !ok && req.WorkflowID != "" {
			data["id"] = req.WorkflowID
		}
		return e.CreateWorkflow(ctx, data)
	}
	if req.WorkflowID == "" {
		return nil, opserr.Errorf(opserr.KindWorkflowDefinition, "workflow.TriggerWorkflow", "workflow id or definition is required")
	}
	return e.GetWorkflowDefinition(ctx, req.WorkflowID)
}

func newTaskID() string {
	return uuid.NewString()
}
