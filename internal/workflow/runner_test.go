package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspawn/ops-core/pkg/types"
)

func TestRunner_DispatchesAndStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "A")
	_, err := f.lifecycle.SetState(ctx, "A", types.AgentStateIdle, nil, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.engine.TriggerWorkflow(ctx, TriggerRequest{AgentID: "A", Definition: twoTaskDefinition()})
		require.NoError(t, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r := NewRunner(f.engine, RunnerConfig{PollInterval: 5 * time.Millisecond, Workers: 2}, nil)
	go func() {
		r.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(f.client.Calls()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}

	n, err := f.engine.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNewRunner_Defaults(t *testing.T) {
	f := newFixture(t)
	r := NewRunner(f.engine, RunnerConfig{}, nil)
	assert.Equal(t, DefaultRunnerConfig().PollInterval, r.cfg.PollInterval)
	assert.Equal(t, 1, r.cfg.Workers)
	assert.Equal(t, 1, r.limiter.Burst())
}
