// Package workflow implements workflow definitions, the task queue operations
// and the dispatch loop that delivers tasks to agents with retry and fallback.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opspawn/ops-core/internal/dispatch"
	"github.com/opspawn/ops-core/internal/metrics"
	"github.com/opspawn/ops-core/internal/queue"
	"github.com/opspawn/ops-core/internal/storage"
	"github.com/opspawn/ops-core/internal/tracing"
	"github.com/opspawn/ops-core/internal/validator"
	"github.com/opspawn/ops-core/pkg/opserr"
	"github.com/opspawn/ops-core/pkg/types"
)

// Outcome describes what one ProcessNextTask call did.
type Outcome string

const (
	OutcomeIdle       Outcome = "idle"       // queue was empty
	OutcomeDispatched Outcome = "dispatched" // agent accepted the task
	OutcomeRequeued   Outcome = "requeued"   // agent busy, task rescheduled unchanged
	OutcomeRetried    Outcome = "retried"    // dispatch failed, retry scheduled
	OutcomeFailed     Outcome = "failed"     // task dropped and session failed
)

// String returns the outcome name.
func (o Outcome) String() string {
	return string(o)
}

// Lifecycle is the subset of lifecycle.Manager the engine depends on.
type Lifecycle interface {
	GetAgent(ctx context.Context, agentID string) (*types.AgentRegistration, error)
	GetState(ctx context.Context, agentID string) (*types.AgentState, error)
	StartSession(ctx context.Context, agentID, workflowID string) (*types.WorkflowSession, error)
	UpdateSession(ctx context.Context, sessionID string, update *types.SessionUpdate) (*types.WorkflowSession, error)
}

// Config holds engine configuration.
type Config struct {
	// SenderID identifies this process in dispatch envelopes
	SenderID string

	// DefaultMaxRetries applies to tasks created by TriggerWorkflow
	DefaultMaxRetries int

	// Retry computes the delay before a failed dispatch is retried
	Retry RetryPolicy

	// BusyRequeueDelay is how long a task waits when its agent is not idle
	BusyRequeueDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SenderID:          "ops-core",
		DefaultMaxRetries: 3,
		Retry:             DefaultRetryPolicy(),
		BusyRequeueDelay:  2 * time.Second,
	}
}

// Engine owns workflow definitions and drives queued tasks to agents.
type Engine struct {
	store     storage.DefinitionStore
	queue     queue.Queue
	lifecycle Lifecycle
	client    dispatch.Client
	validator *validator.Validator
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// Deps groups the collaborators an Engine is built from.
type Deps struct {
	Store     storage.DefinitionStore
	Queue     queue.Queue
	Lifecycle Lifecycle
	Client    dispatch.Client
	Validator *validator.Validator
	Logger    *slog.Logger
}

// New creates an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Lifecycle == nil || deps.Client == nil {
		return nil, errors.New("workflow: store, queue, lifecycle and client are required")
	}
	if deps.Validator == nil {
		v, err := validator.New()
		if err != nil {
			return nil, fmt.Errorf("workflow: build validator: %w", err)
		}
		deps.Validator = v
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.SenderID == "" {
		cfg.SenderID = "ops-core"
	}

	return &Engine{
		store:     deps.Store,
		queue:     deps.Queue,
		lifecycle: deps.Lifecycle,
		client:    deps.Client,
		validator: deps.Validator,
		cfg:       cfg,
		logger:    deps.Logger,
		tracer:    tracing.Tracer(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     newTaskID,
	}, nil
}

// EnqueueTask validates task and appends it to the queue.
func (e *Engine) EnqueueTask(ctx context.Context, task *types.Task) error {
	return e.enqueue(ctx, task, 0, "manual")
}

func (e *Engine) enqueue(ctx context.Context, task *types.Task, delay time.Duration, reason string) error {
	const op = "workflow.EnqueueTask"

	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = e.now()
	}
	if err := types.Validate(task); err != nil {
		return taskErr(opserr.KindInvalidState, op, "invalid task", task, err)
	}

	var err error
	if delay > 0 {
		err = e.queue.EnqueueAfter(ctx, task, delay)
	} else {
		err = e.queue.Enqueue(ctx, task)
	}
	if err != nil {
		return taskErr(opserr.KindStorage, op, "enqueue task", task, err)
	}
	metrics.TasksEnqueued.WithLabelValues(reason).Inc()
	return nil
}

// DequeueTask pops the oldest ready task, or returns queue.ErrEmpty.
func (e *Engine) DequeueTask(ctx context.Context) (*types.Task, error) {
	task, err := e.queue.Dequeue(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return nil, err
		}
		return nil, opserr.E(opserr.KindStorage, "workflow.DequeueTask", "dequeue task", err)
	}
	return task, nil
}

// QueueLength counts queued tasks, including those waiting on a delay.
func (e *Engine) QueueLength(ctx context.Context) (int, error) {
	n, err := e.queue.Len(ctx)
	if err != nil {
		return 0, opserr.E(opserr.KindStorage, "workflow.QueueLength", "queue length", err)
	}
	return n, nil
}

// QueueSnapshot lists queued tasks without consuming them.
func (e *Engine) QueueSnapshot(ctx context.Context) ([]*types.Task, error) {
	tasks, err := e.queue.Snapshot(ctx)
	if err != nil {
		return nil, opserr.E(opserr.KindStorage, "workflow.QueueSnapshot", "snapshot queue", err)
	}
	return tasks, nil
}

// ProcessNextTask takes one task off the queue and acts on its agent's state:
// an idle agent gets the task, a busy agent gets it later, and an agent whose
// state cannot be determined fails the task without retry.
//
// A non-nil error reports a failure that has already been handled; the task was
// retried or its session failed according to the returned Outcome.
func (e *Engine) ProcessNextTask(ctx context.Context) (Outcome, error) {
	task, err := e.DequeueTask(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			metrics.DispatchOutcomes.WithLabelValues(OutcomeIdle.String()).Inc()
			return OutcomeIdle, nil
		}
		return OutcomeIdle, err
	}

	ctx, span := e.tracer.Start(ctx, "workflow.ProcessNextTask", trace.WithAttributes(
		attribute.String("task.id", task.TaskID),
		attribute.String("agent.id", task.AgentID),
		attribute.String("session.id", task.SessionID),
	))
	defer span.End()

	outcome, err := e.processTask(ctx, task)
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.DispatchOutcomes.WithLabelValues(outcome.String()).Inc()
	return outcome, err
}

func (e *Engine) processTask(ctx context.Context, task *types.Task) (Outcome, error) {
	state, err := e.lifecycle.GetState(ctx, task.AgentID)
	if err != nil {
		e.logger.Warn("agent state lookup failed",
			slog.String("agent_id", task.AgentID),
			slog.String("task_id", task.TaskID),
			slog.Any("error", err),
		)
		e.FallbackTask(ctx, task, "agent state not found")
		return OutcomeFailed, nil
	}

	if state.State != types.AgentStateIdle {
		if err := e.enqueue(ctx, task, e.cfg.BusyRequeueDelay, "busy"); err != nil {
			e.FallbackTask(ctx, task, "requeue failed: "+err.Error())
			return OutcomeFailed, err
		}
		e.logger.Debug("agent busy, task requeued",
			slog.String("agent_id", task.AgentID),
			slog.String("task_id", task.TaskID),
			slog.String("agent_state", state.State),
			slog.Duration("delay", e.cfg.BusyRequeueDelay),
		)
		return OutcomeRequeued, nil
	}

	return e.dispatch(ctx, task.AgentID, task)
}

// Dispatch sends task to agentID. Failures are handed to HandleTaskFailure and
// returned as a TaskDispatchError.
func (e *Engine) Dispatch(ctx context.Context, agentID string, task *types.Task) error {
	_, err := e.dispatch(ctx, agentID, task)
	return err
}

func (e *Engine) dispatch(ctx context.Context, agentID string, task *types.Task) (Outcome, error) {
	const op = "workflow.Dispatch"

	ctx, span := e.tracer.Start(ctx, "workflow.Dispatch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	env := dispatch.NewEnvelope(e.cfg.SenderID, task, e.now())
	start := time.Now()
	ack, err := e.client.Dispatch(ctx, agentID, env)
	metrics.DispatchDuration.WithLabelValues(metrics.Result(err)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		reason := "dispatch failed: " + err.Error()
		if errors.Is(err, dispatch.ErrConnectivity) {
			reason = "agent unreachable: " + err.Error()
		}

		outcome := OutcomeFailed
		if e.HandleTaskFailure(ctx, task, reason) {
			outcome = OutcomeRetried
		}

		derr := opserr.E(opserr.KindTaskDispatch, op, reason, err)
		derr.AgentID = agentID
		derr.TaskID = task.TaskID
		return outcome, derr
	}

	task.Status = types.TaskStatusDispatched
	metrics.TaskRetries.WithLabelValues(string(types.TaskStatusDispatched)).Observe(float64(task.RetryCount))

	attrs := []any{
		slog.String("agent_id", agentID),
		slog.String("task_id", task.TaskID),
		slog.String("session_id", task.SessionID),
		slog.Int("retry_count", task.RetryCount),
	}
	if ack != nil {
		attrs = append(attrs, slog.String("ack_status", ack.Status), slog.String("message_id", ack.MessageID))
	}
	e.logger.Info("task dispatched", attrs...)
	return OutcomeDispatched, nil
}

// HandleTaskFailure retries task while it has retries left and otherwise falls
// back. It reports whether a retry was scheduled.
func (e *Engine) HandleTaskFailure(ctx context.Context, task *types.Task, reason string) bool {
	if !task.CanRetry() {
		e.FallbackTask(ctx, task, reason)
		return false
	}

	if err := e.RetryTask(ctx, task); err != nil {
		e.FallbackTask(ctx, task, fmt.Sprintf("%s (retry enqueue failed: %v)", reason, err))
		return false
	}

	e.logger.Warn("task dispatch failed, retry scheduled",
		slog.String("agent_id", task.AgentID),
		slog.String("task_id", task.TaskID),
		slog.Int("retry_count", task.RetryCount),
		slog.Int("max_retries", task.MaxRetries),
		slog.String("reason", reason),
	)
	return true
}

// RetryTask increments the retry count, marks the task pending_retry and
// re-enqueues it after the retry policy delay.
func (e *Engine) RetryTask(ctx context.Context, task *types.Task) error {
	attempt := task.RetryCount
	task.RetryCount++
	task.Status = types.TaskStatusPendingRetry
	return e.enqueue(ctx, task, e.cfg.Retry.Delay(attempt), "retry")
}

// FallbackTask gives up on task and marks its session failed. Failing to update
// the session is logged; FallbackTask never returns an error.
func (e *Engine) FallbackTask(ctx context.Context, task *types.Task, reason string) {
	task.Status = types.TaskStatusFailed
	metrics.TaskRetries.WithLabelValues(string(types.TaskStatusFailed)).Observe(float64(task.RetryCount))

	e.logger.Error("task failed permanently",
		slog.String("agent_id", task.AgentID),
		slog.String("task_id", task.TaskID),
		slog.String("session_id", task.SessionID),
		slog.Int("retry_count", task.RetryCount),
		slog.String("reason", reason),
	)

	msg := fmt.Sprintf("task %s failed: %s", task.TaskID, reason)
	_, err := e.lifecycle.UpdateSession(ctx, task.SessionID, &types.SessionUpdate{
		Status: types.StatusPtr(types.SessionStatusFailed),
		Error:  &msg,
	})
	if err != nil {
		e.logger.Error("failed to mark session failed",
			slog.String("session_id", task.SessionID),
			slog.String("task_id", task.TaskID),
			slog.Any("error", err),
		)
	}
}

func taskErr(kind opserr.Kind, op, msg string, task *types.Task, err error) error {
	e := opserr.E(kind, op, msg, err)
	e.AgentID = task.AgentID
	e.TaskID = task.TaskID
	return e
}
