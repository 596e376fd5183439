// Package queue provides the FIFO task queue drained by the dispatch loop.
//
// A queue has a ready side, consumed strictly in enqueue order, and a delayed
// side holding tasks scheduled for later re-submission. Delayed tasks join the
// back of the ready side once their time arrives.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/opspawn/ops-core/pkg/types"
)

// ErrEmpty is returned by Dequeue when no task is ready.
var ErrEmpty = errors.New("queue is empty")

// Queue is a concurrency-safe task queue. Enqueue and Dequeue are the only mutation points.
type Queue interface {
	// Enqueue appends task to the back of the ready side.
	Enqueue(ctx context.Context, task *types.Task) error

	// EnqueueAfter schedules task to join the back of the ready side after delay.
	// A non-positive delay behaves like Enqueue.
	EnqueueAfter(ctx context.Context, task *types.Task, delay time.Duration) error

	// Dequeue removes and returns the oldest ready task, or ErrEmpty.
	Dequeue(ctx context.Context) (*types.Task, error)

	// Len counts ready and delayed tasks.
	Len(ctx context.Context) (int, error)

	// Snapshot returns ready tasks in order followed by delayed tasks by due time.
	Snapshot(ctx context.Context) ([]*types.Task, error)

	Close() error
}
