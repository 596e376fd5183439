package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opspawn/ops-core/pkg/types"
)

// promoteBatch caps how many due tasks move to the ready list per call.
const promoteBatch = 100

// promoteScript atomically moves due members of the delayed set to the ready list.
// KEYS[1] delayed zset, KEYS[2] ready list, ARGV[1] now (unix ms), ARGV[2] limit.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	local sep = string.find(member, '|', 1, true)
	redis.call('RPUSH', KEYS[2], string.sub(member, sep + 1))
end
return #due
`)

// RedisQueue implements Queue with a Redis list for ready tasks and a sorted set
// of delayed tasks scored by due time.
type RedisQueue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisQueue creates a queue on client. Keys are namespaced by prefix when set.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{client: client, prefix: prefix, now: time.Now}
}

func (q *RedisQueue) keyReady() string {
	if q.prefix != "" {
		return q.prefix + ":queue:tasks:pending"
	}
	return "queue:tasks:pending"
}

func (q *RedisQueue) keyDelayed() string {
	if q.prefix != "" {
		return q.prefix + ":queue:tasks:delayed"
	}
	return "queue:tasks:delayed"
}

// Enqueue appends task to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.RPush(ctx, q.keyReady(), data).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// EnqueueAfter adds task to the delayed set. Members carry a unique token so
// identical payloads scheduled twice stay distinct.
func (q *RedisQueue) EnqueueAfter(ctx context.Context, task *types.Task, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, task)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	member := uuid.NewString() + "|" + string(data)
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.keyDelayed(), redis.Z{Score: float64(due), Member: member}).Err(); err != nil {
		return fmt.Errorf("schedule task: %w", err)
	}
	return nil
}

func (q *RedisQueue) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	keys := []string{q.keyDelayed(), q.keyReady()}
	if err := promoteScript.Run(ctx, q.client, keys, now, promoteBatch).Err(); err != nil {
		return fmt.Errorf("promote delayed tasks: %w", err)
	}
	return nil
}

// Dequeue pops the oldest ready task after promoting any due delayed tasks.
func (q *RedisQueue) Dequeue(ctx context.Context) (*types.Task, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	data, err := q.client.LPop(ctx, q.keyReady()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("dequeue task: %w", err)
	}

	var task types.Task
	if err := types.DecodeJSON(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

// Len counts ready and delayed tasks.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.keyReady())
	delayed := pipe.ZCard(ctx, q.keyDelayed())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(ready.Val() + delayed.Val()), nil
}

// Snapshot returns ready tasks in order followed by delayed tasks by due time.
func (q *RedisQueue) Snapshot(ctx context.Context) ([]*types.Task, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	pipe := q.client.Pipeline()
	readyCmd := pipe.LRange(ctx, q.keyReady(), 0, -1)
	delayedCmd := pipe.ZRange(ctx, q.keyDelayed(), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("snapshot queue: %w", err)
	}

	raw := readyCmd.Val()
	for _, member := range delayedCmd.Val() {
		// strip the uniqueness token
		if i := len(uuid.Nil.String()); len(member) > i && member[i] == '|' {
			raw = append(raw, member[i+1:])
		}
	}

	tasks := make([]*types.Task, 0, len(raw))
	for _, item := range raw {
		var task types.Task
		if err := types.DecodeJSON([]byte(item), &task); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// Close leaves the shared client open; the owning store closes it.
func (q *RedisQueue) Close() error {
	return nil
}

var _ Queue = (*RedisQueue)(nil)
