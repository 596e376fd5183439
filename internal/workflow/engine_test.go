package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspawn/ops-core/internal/dispatch"
	"github.com/opspawn/ops-core/internal/lifecycle"
	"github.com/opspawn/ops-core/internal/queue"
	"github.com/opspawn/ops-core/internal/storage"
	"github.com/opspawn/ops-core/pkg/opserr"
	"github.com/opspawn/ops-core/pkg/types"
)

// recordingClient is a dispatch client that records calls and returns a
// scripted error sequence.
type recordingClient struct {
	mu    sync.Mutex
	calls []dispatchCall
	errs  []error
}

type dispatchCall struct {
	agentID string
	env     *dispatch.Envelope
}

func (c *recordingClient) Dispatch(ctx context.Context, agentID string, env *dispatch.Envelope) (*dispatch.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, dispatchCall{agentID: agentID, env: env})
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &dispatch.Ack{Status: "accepted", MessageID: "m-1"}, nil
}

func (c *recordingClient) Calls() []dispatchCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dispatchCall(nil), c.calls...)
}

type fixture struct {
	store     *storage.MemoryStore
	queue     *queue.MemoryQueue
	lifecycle *lifecycle.Manager
	client    *recordingClient
	engine    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemoryStore()
	q := queue.NewMemoryQueue()
	lc := lifecycle.New(store, nil)
	client := &recordingClient{}

	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{} // retry immediately
	cfg.BusyRequeueDelay = 0

	engine, err := New(Deps{Store: store, Queue: q, Lifecycle: lc, Client: client}, cfg)
	require.NoError(t, err)

	return &fixture{store: store, queue: q, lifecycle: lc, client: client, engine: engine}
}

func (f *fixture) register(t *testing.T, agentID string) {
	t.Helper()
	_, err := f.lifecycle.RegisterAgent(context.Background(), lifecycle.RegisterRequest{
		AgentID:      agentID,
		Capabilities: []string{"x"},
	})
	require.NoError(t, err)
}

func twoTaskDefinition() map[string]any {
	return map[string]any{
		"id":   "wf-two",
		"name": "two steps",
		"tasks": []any{
			map[string]any{"task_id": "first", "parameters": map[string]any{"mode": "fast"}, "next_task_id": "second"},
			map[string]any{"task_id": "second"},
		},
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	assert.Error(t, err)
}

func TestEnqueueDequeue_FIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, f.engine.EnqueueTask(ctx, &types.Task{
			TaskID: id, WorkflowID: "wf", SessionID: "s", AgentID: "a", TaskDefinitionID: "d",
			Status: types.TaskStatusPending, MaxRetries: 1,
		}))
	}

	n, err := f.engine.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, want := range []string{"t1", "t2", "t3"} {
		task, err := f.engine.DequeueTask(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, task.TaskID)
		assert.False(t, task.EnqueuedAt.IsZero())
	}

	_, err = f.engine.DequeueTask(ctx)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestEnqueueTask_Validates(t *testing.T) {
	f := newFixture(t)
	err := f.engine.EnqueueTask(context.Background(), &types.Task{TaskID: "t1"})
	assert.ErrorIs(t, err, opserr.ErrInvalidState)

	n, _ := f.engine.QueueLength(context.Background())
	assert.Equal(t, 0, n)
}

func TestProcessNextTask_EmptyQueue(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.engine.ProcessNextTask(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
	assert.Empty(t, f.client.Calls())
}

func TestTrigger_UnknownAgentStateRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "A")

	res, err := f.engine.TriggerWorkflow(ctx, TriggerRequest{AgentID: "A", Definition: twoTaskDefinition()})
	require.NoError(t, err)
	require.NotNil(t, res.Task)

	outcome, err := f.engine.ProcessNextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Empty(t, f.client.Calls())

	n, err := f.engine.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queued, err := f.engine.DequeueTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Task.TaskID, queued.TaskID)
	assert.Equal(t, 0, queued.RetryCount)
	assert.Equal(t, types.TaskStatusPending, queued.Status)
}

func TestTrigger_IdleAgentDispatchesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "A")

	_, err := f.lifecycle.SetState(ctx, "A", types.AgentStateIdle, nil, "")
	require.NoError(t, err)

	res, err := f.engine.TriggerWorkflow(ctx, TriggerRequest{AgentID: "A", Definition: twoTaskDefinition()})
	require.NoError(t, err)

	outcome, err := f.engine.ProcessNextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, outcome)

	calls := f.client.Calls()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, "A", call.agentID)
	assert.Equal(t, dispatch.MessageTypeTaskDispatch, call.env.MessageType)
	assert.Equal(t, res.Session.SessionID, call.env.SessionID)
	assert.Equal(t, "wf-two", call.env.WorkflowID)
	assert.Equal(t, res.Task.TaskID, call.env.TaskID)
	assert.Equal(t, "first", call.env.TaskDefinitionID)
	assert.Equal(t, "fast", call.env.Payload["mode"])

	n, err := f.engine.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "only the first task is enqueued")
}

func TestTrigger_InitialPayloadOverridesParameters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "A")

	res, err := f.engine.TriggerWorkflow(ctx, TriggerRequest{
		AgentID:        "A",
		Definition:     twoTaskDefinition(),
		InitialPayload: map[string]any{"mode": "thorough"},
	})
	require.NoError(t, err)
	assert.Equal(t, "thorough", res.Task.Payload["mode"])
}

func TestTrigger_NoTasksCompletesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "A")

	res, err := f.engine.TriggerWorkflow(ctx, TriggerRequest{
		AgentID:    "A",
		Definition: map[string]any{"name": "empty", "tasks": []any{}},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Task)
	assert.Equal(t, types.SessionStatusCompleted, res.Session.Status)
	assert.Equal(t, "no tasks", res.Session.Result["message"])
	assert.NotNil(t, res.Session.EndTime)

	n, _ := f.engine.QueueLength(ctx)
	assert.Equal(t, 0, n)
}

func TestTrigger_StoredDefinition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "A")

	def, err := f.engine.CreateWorkflow(ctx, twoTaskDefinition())
	require.NoError(t, err)

	res, err := f.engine.TriggerWorkflow(ctx, TriggerRequest{AgentID: "A", WorkflowID: def.ID})
	require.NoError(t, err)
	assert.Equal(t, def.ID, res.Session.WorkflowID)
}

func TestTrigger_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "A")

	_, err := f.engine.TriggerWorkflow(ctx, TriggerRequest{AgentID: "A", WorkflowID: "missing"})
	assert.ErrorIs(t, err, opserr.ErrWorkflowDefinitionNotFound)

	_, err = f.engine.TriggerWorkflow(ctx, TriggerRequest{AgentID: "A"})
	assert.ErrorIs(t, err, opserr.ErrWorkflowDefinition)

	_, err = f.engine.TriggerWorkflow(ctx, TriggerRequest{AgentID: "ghost", Definition: twoTaskDefinition()})
	assert.ErrorIs(t, err, opserr.ErrAgentNotFound)

	// The inline definition is not stored for an unknown agent
	_, err = f.engine.GetWorkflowDefinition(ctx, "wf-two")
	assert.ErrorIs(t, err, opserr.ErrWorkflowDefinitionNotFound)
	defs, err := f.store.ListWorkflowDefinitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)
}

// failingQueue rejects every enqueue.
type failingQueue struct {
	queue.Queue
}

func (failingQueue) Enqueue(ctx context.Context, task *types.Task) error {
	return errors.New("queue offline")
}

// sessionRecorder remembers the sessions it starts.
type sessionRecorder struct {
	Lifecycle
	started []string
}

func (r *sessionRecorder) StartSession(ctx context.Context, agentID, workflowID string) (*types.WorkflowSession, error) {
	s, err := r.Lifecycle.StartSession(ctx, agentID, workflowID)
	if err == nil {
		r.started = append(r.started, s.SessionID)
	}
	return s, err
}

func TestTrigger_EnqueueFailureFailsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "A")
	f.engine.queue = failingQueue{Queue: f.queue}
	rec := &sessionRecorder{Lifecycle: f.lifecycle}
	f.engine.lifecycle = rec

	_, err := f.engine.TriggerWorkflow(ctx, TriggerRequest{AgentID: "A", Definition: twoTaskDefinition()})
	require.ErrorIs(t, err, opserr.ErrStorage)
	require.Len(t, rec.started, 1)

	s, err := f.lifecycle.GetSession(ctx, rec.started[0])
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusFailed, s.Status)
	assert.Contains(t, s.Error, "queue offline")
	assert.NotNil(t, s.EndTime)
}

func TestProcessNextTask_StateLookupFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "A")

	res, err := f.engine.TriggerWorkflow(ctx, TriggerRequest{AgentID: "A", Definition: twoTaskDefinition()})
	require.NoError(t, err)

	f.engine.lifecycle = stateless{Lifecycle: f.lifecycle}

	outcome, err := f.engine.ProcessNextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Empty(t, f.client.Calls())

	s, err := f.lifecycle.GetSession(ctx, res.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusFailed, s.Status)
	assert.Contains(t, s.Error, "agent state not found")
	assert.Contains(t, s.Error, res.Task.TaskID)
	assert.NotNil(t, s.EndTime)

	n, _ := f.engine.QueueLength(ctx)
	assert.Equal(t, 0, n)
}

// stateless reports that no agent has a determinable state.
type stateless struct {
	Lifecycle
}

func (stateless) GetState(ctx context.Context, agentID string) (*types.AgentState, error) {
	return nil, lifecycle.ErrNoState
}

func TestDispatchFailure_RetriesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "A")
	_, err := f.lifecycle.SetState(ctx, "A", types.AgentStateIdle, nil, "")
	require.NoError(t, err)

	maxRetries := 2
	res, err := f.engine.TriggerWorkflow(ctx, TriggerRequest{
		AgentID:    "A",
		Definition: twoTaskDefinition(),
		MaxRetries: &maxRetries,
	})
	require.NoError(t, err)

	boom := errors.New("agent exploded")
	f.client.errs = []error{boom, boom, boom}

	// First two failures schedule retries
	for attempt := 1; attempt <= maxRetries; attempt++ {
		outcome, err := f.engine.ProcessNextTask(ctx)
		assert.ErrorIs(t, err, opserr.ErrTaskDispatch)
		assert.Equal(t, OutcomeRetried, outcome)

		snap, err := f.engine.QueueSnapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap, 1)
		assert.Equal(t, attempt, snap[0].RetryCount)
		assert.Equal(t, types.TaskStatusPendingRetry, snap[0].Status)

		s, err := f.lifecycle.GetSession(ctx, res.Session.SessionID)
		require.NoError(t, err)
		assert.Equal(t, types.SessionStatusStarted, s.Status)
	}

	// Third failure exhausts retries
	outcome, err := f.engine.ProcessNextTask(ctx)
	assert.ErrorIs(t, err, opserr.ErrTaskDispatch)
	assert.Equal(t, OutcomeFailed, outcome)

	var oe *opserr.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "A", oe.AgentID)
	assert.Equal(t, res.Task.TaskID, oe.TaskID)

	n, _ := f.engine.QueueLength(ctx)
	assert.Equal(t, 0, n)

	s, err := f.lifecycle.GetSession(ctx, res.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusFailed, s.Status)
	assert.Contains(t, s.Error, "agent exploded")
	assert.Len(t, f.client.Calls(), 3)
}

func TestDispatchFailure_ConnectivityReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "A")
	_, err := f.lifecycle.SetState(ctx, "A", types.AgentStateIdle, nil, "")
	require.NoError(t, err)

	zero := 0
	res, err := f.engine.TriggerWorkflow(ctx, TriggerRequest{AgentID: "A", Definition: twoTaskDefinition(), MaxRetries: &zero})
	require.NoError(t, err)

	f.client.errs = []error{dispatch.ErrConnectivity}
	outcome, err := f.engine.ProcessNextTask(ctx)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, dispatch.ErrConnectivity)

	s, err := f.lifecycle.GetSession(ctx, res.Session.SessionID)
	require.NoError(t, err)
	assert.Contains(t, s.Error, "agent unreachable")
}

func TestFallbackTask_NeverFails(t *testing.T) {
	f := newFixture(t)
	task := &types.Task{TaskID: "t1", SessionID: "no-such-session", AgentID: "A"}

	assert.NotPanics(t, func() {
		f.engine.FallbackTask(context.Background(), task, "boom")
	})
	assert.Equal(t, types.TaskStatusFailed, task.Status)
}

func TestRetryTask_UsesPolicyDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.cfg.Retry = RetryPolicy{InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 2}

	task := &types.Task{
		TaskID: "t1", WorkflowID: "wf", SessionID: "s", AgentID: "a", TaskDefinitionID: "d",
		Status: types.TaskStatusPending, MaxRetries: 3,
	}
	require.NoError(t, f.engine.RetryTask(ctx, task))
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, types.TaskStatusPendingRetry, task.Status)

	n, _ := f.engine.QueueLength(ctx)
	assert.Equal(t, 1, n)

	_, err := f.engine.DequeueTask(ctx)
	assert.ErrorIs(t, err, queue.ErrEmpty, "retry waits for its backoff delay")
}

func TestBusyAgent_DelayedRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.cfg.BusyRequeueDelay = time.Hour
	f.register(t, "A")
	_, err := f.lifecycle.SetState(ctx, "A", types.AgentStateActive, nil, "")
	require.NoError(t, err)

	_, err = f.engine.TriggerWorkflow(ctx, TriggerRequest{AgentID: "A", Definition: twoTaskDefinition()})
	require.NoError(t, err)

	outcome, err := f.engine.ProcessNextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)

	outcome, err = f.engine.ProcessNextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome, "busy requeue does not spin")
}
