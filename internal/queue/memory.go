package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opspawn/ops-core/pkg/types"
)

// delayedTask is a task waiting for its due time.
type delayedTask struct {
	task *types.Task
	due  time.Time
	seq  uint64
}

// delayHeap orders delayed tasks by due time, then by insertion.
type delayHeap []delayedTask

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(delayedTask)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MemoryQueue implements Queue in process memory. Tasks are lost on restart.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   []*types.Task
	delayed delayHeap
	seq     uint64
	now     func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{now: time.Now}
}

// Enqueue appends task to the ready side.
func (q *MemoryQueue) Enqueue(ctx context.Context, task *types.Task) error {
	stored, err := types.Canonical(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.ready = append(q.ready, stored)
	return nil
}

// EnqueueAfter schedules task for the ready side after delay.
func (q *MemoryQueue) EnqueueAfter(ctx context.Context, task *types.Task, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, task)
	}

	stored, err := types.Canonical(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	heap.Push(&q.delayed, delayedTask{task: stored, due: q.now().Add(delay), seq: q.seq})
	return nil
}

// promote moves due delayed tasks to the back of the ready side. Caller holds mu.
func (q *MemoryQueue) promote() {
	now := q.now()
	for len(q.delayed) > 0 && !q.delayed[0].due.After(now) {
		item := heap.Pop(&q.delayed).(delayedTask)
		q.ready = append(q.ready, item.task)
	}
}

// Dequeue pops the oldest ready task.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promote()
	if len(q.ready) == 0 {
		return nil, ErrEmpty
	}

	task := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	return task, nil
}

// Len counts ready and delayed tasks.
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ready) + len(q.delayed), nil
}

// Snapshot returns copies of all queued tasks.
func (q *MemoryQueue) Snapshot(ctx context.Context) ([]*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promote()
	out := make([]*types.Task, 0, len(q.ready)+len(q.delayed))
	for _, t := range q.ready {
		out = append(out, t.Clone())
	}

	pending := make(delayHeap, len(q.delayed))
	copy(pending, q.delayed)
	for pending.Len() > 0 {
		item := heap.Pop(&pending).(delayedTask)
		out = append(out, item.task.Clone())
	}
	return out, nil
}

// Close is a no-op for the memory queue.
func (q *MemoryQueue) Close() error {
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
