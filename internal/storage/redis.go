package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opspawn/ops-core/pkg/types"
)

// maxTxRetries bounds optimistic retries when a watched session key changes mid-update.
const maxTxRetries = 8

// RedisStore implements Store backed by Redis.
// Records are JSON strings, state history is a list per agent and
// index sets track registered agents and stored definitions.
type RedisStore struct {
	client *redis.Client
	prefix string
	addr   string
	now    func() time.Time
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix is prepended to every key when set
	Prefix string

	// Connection pool settings
	PoolSize int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient builds and pings a client from cfg.
func NewRedisClient(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisStore connects to Redis and returns a Store.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if cfg != nil {
		prefix = cfg.Prefix
	}
	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient creates a store from an existing Redis client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		addr:   client.Options().Addr,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Key helpers
func (s *RedisStore) key(parts ...string) string {
	k := ""
	if s.prefix != "" {
		k = s.prefix + ":"
	}
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *RedisStore) keyRegistration(agentID string) string {
	return s.key("agent", agentID, "registration")
}
func (s *RedisStore) keyState(agentID string) string   { return s.key("agent", agentID, "state") }
func (s *RedisStore) keyHistory(agentID string) string { return s.key("agent", agentID, "history") }
func (s *RedisStore) keySession(sessionID string) string {
	return s.key("session", sessionID, "record")
}
func (s *RedisStore) keyDefinition(id string) string { return s.key("workflow", id, "definition") }
func (s *RedisStore) keyAgentIndex() string          { return s.key("agents", "all") }
func (s *RedisStore) keyDefinitionIndex() string     { return s.key("workflows", "all") }

// getJSON reads key into v, mapping a missing key to ErrNotFound.
func getJSON(ctx context.Context, c redis.Cmdable, key string, v any) error {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	if err := types.DecodeJSON(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}

// registerScript creates the registration in KEYS[1] and indexes the agent
// in KEYS[2] together, or does nothing when the registration exists. The
// index type is checked first so a failing SADD never strands a record.
var registerScript = redis.NewScript(`
local kind = redis.call('TYPE', KEYS[2]).ok
if kind ~= 'set' and kind ~= 'none' then
	return redis.error_reply('WRONGTYPE agent index is not a set')
end
if not redis.call('SET', KEYS[1], ARGV[1], 'NX') then
	return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// SaveAgentRegistration stores a new registration.
func (s *RedisStore) SaveAgentRegistration(ctx context.Context, reg *types.AgentRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("%w: marshal registration: %v", ErrInvalidData, err)
	}

	keys := []string{s.keyRegistration(reg.AgentID), s.keyAgentIndex()}
	created, err := registerScript.Run(ctx, s.client, keys, data, reg.AgentID).Int()
	if err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	if created == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// ReadAgentRegistration retrieves a registration by agent ID.
func (s *RedisStore) ReadAgentRegistration(ctx context.Context, agentID string) (*types.AgentRegistration, error) {
	var reg types.AgentRegistration
	if err := getJSON(ctx, s.client, s.keyRegistration(agentID), &reg); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidData) {
			return nil, err
		}
		return nil, fmt.Errorf("read registration: %w", err)
	}
	return &reg, nil
}

// AgentExists checks if an agent with the given ID is registered.
func (s *RedisStore) AgentExists(ctx context.Context, agentID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyRegistration(agentID)).Result()
	if err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return n > 0, nil
}

// ListAgentRegistrations returns all registrations ordered by agent ID.
func (s *RedisStore) ListAgentRegistrations(ctx context.Context) ([]*types.AgentRegistration, error) {
	ids, err := s.client.SMembers(ctx, s.keyAgentIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}
	sort.Strings(ids)

	regs := make([]*types.AgentRegistration, 0, len(ids))
	for _, id := range ids {
		reg, err := s.ReadAgentRegistration(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// SaveAgentState appends a state to the agent's history and records it as latest.
func (s *RedisStore) SaveAgentState(ctx context.Context, state *types.AgentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: marshal state: %v", ErrInvalidData, err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.keyHistory(state.AgentID), data)
	pipe.Set(ctx, s.keyState(state.AgentID), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// ReadLatestAgentState returns the most recently appended state.
func (s *RedisStore) ReadLatestAgentState(ctx context.Context, agentID string) (*types.AgentState, error) {
	var state types.AgentState
	if err := getJSON(ctx, s.client, s.keyState(agentID), &state); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidData) {
			return nil, err
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	return &state, nil
}

// ReadAgentStateHistory returns the agent's states in insertion order.
func (s *RedisStore) ReadAgentStateHistory(ctx context.Context, agentID string) ([]*types.AgentState, error) {
	raw, err := s.client.LRange(ctx, s.keyHistory(agentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	states := make([]*types.AgentState, 0, len(raw))
	for _, item := range raw {
		var st types.AgentState
		if err := types.DecodeJSON([]byte(item), &st); err != nil {
			return nil, fmt.Errorf("%w: unmarshal state: %v", ErrInvalidData, err)
		}
		states = append(states, &st)
	}
	return states, nil
}

// CreateSession stores a new session.
func (s *RedisStore) CreateSession(ctx context.Context, session *types.WorkflowSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("%w: marshal session: %v", ErrInvalidData, err)
	}

	created, err := s.client.SetNX(ctx, s.keySession(session.SessionID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !created {
		return ErrDuplicateID
	}
	return nil
}

// ReadSession retrieves a session by ID.
func (s *RedisStore) ReadSession(ctx context.Context, sessionID string) (*types.WorkflowSession, error) {
	var session types.WorkflowSession
	if err := getJSON(ctx, s.client, s.keySession(sessionID), &session); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidData) {
			return nil, err
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	return &session, nil
}

// UpdateSessionFields merges update into the stored session.
// The read-merge-write runs under WATCH so concurrent writers never lose updates;
// a conflicting write restarts the merge.
func (s *RedisStore) UpdateSessionFields(ctx context.Context, sessionID string, update *types.SessionUpdate) (*types.WorkflowSession, error) {
	key := s.keySession(sessionID)
	var merged types.WorkflowSession

	txf := func(tx *redis.Tx) error {
		merged = types.WorkflowSession{}
		if err := getJSON(ctx, tx, key, &merged); err != nil {
			return err
		}
		if err := mergeSession(&merged, update, s.now()); err != nil {
			return err
		}

		data, err := json.Marshal(&merged)
		if err != nil {
			return fmt.Errorf("%w: marshal session: %v", ErrInvalidData, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return &merged, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidData):
			return nil, err
		default:
			return nil, fmt.Errorf("update session: %w", err)
		}
	}
	return nil, fmt.Errorf("update session %s: too many concurrent writers", sessionID)
}

// DeleteSession removes a session.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Del(ctx, s.keySession(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return n > 0, nil
}

// SaveWorkflowDefinition stores a definition, overwriting by ID.
func (s *RedisStore) SaveWorkflowDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("%w: marshal definition: %v", ErrInvalidData, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyDefinition(def.ID), data, 0)
	pipe.SAdd(ctx, s.keyDefinitionIndex(), def.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	return nil
}

// ReadWorkflowDefinition retrieves a definition by ID.
func (s *RedisStore) ReadWorkflowDefinition(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	if err := getJSON(ctx, s.client, s.keyDefinition(id), &def); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidData) {
			return nil, err
		}
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return &def, nil
}

// ListWorkflowDefinitions returns all definitions ordered by ID.
func (s *RedisStore) ListWorkflowDefinitions(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	ids, err := s.client.SMembers(ctx, s.keyDefinitionIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("list definition ids: %w", err)
	}
	sort.Strings(ids)

	defs := make([]*types.WorkflowDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.ReadWorkflowDefinition(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// clearScript deletes the index sets in KEYS and every key matching the
// patterns in ARGV. Scripts run atomically, so readers see all families
// present or all gone.
var clearScript = redis.NewScript(`
local n = redis.call('DEL', unpack(KEYS))
for _, pattern in ipairs(ARGV) do
	local keys = redis.call('KEYS', pattern)
	for i = 1, #keys, 500 do
		n = n + redis.call('DEL', unpack(keys, i, math.min(i + 499, #keys)))
	end
end
return n
`)

// ClearAll deletes every key owned by the store in one server-side step.
func (s *RedisStore) ClearAll(ctx context.Context) error {
	keys := []string{s.keyAgentIndex(), s.keyDefinitionIndex()}
	patterns := []any{
		s.key("agent", "*"),
		s.key("session", "*"),
		s.key("workflow", "*"),
	}
	if err := clearScript.Run(ctx, s.client, keys, patterns...).Err(); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	return nil
}

// AdapterInfo reports backend diagnostics.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	info := map[string]any{
		"adapter": "redis",
		"addr":    s.addr,
		"prefix":  s.prefix,
	}

	if err := s.client.Ping(ctx).Err(); err != nil {
		info["connected"] = false
		info["error"] = err.Error()
		return info, nil
	}
	info["connected"] = true

	agents, err := s.client.SCard(ctx, s.keyAgentIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	defs, err := s.client.SCard(ctx, s.keyDefinitionIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("count definitions: %w", err)
	}
	info["agent_count"] = agents
	info["definition_count"] = defs
	return info, nil
}

// Client exposes the underlying client so other Redis-backed components can share the pool.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Verify interface compliance
var _ Store = (*RedisStore)(nil)
