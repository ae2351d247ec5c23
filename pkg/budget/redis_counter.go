package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisInitScript creates the budget hash if it does not exist.
// KEYS[1] = budget key
// ARGV[1] = max calls
// ARGV[2] = ttl seconds (0 = no expiry)
var redisInitScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
    return 0
end
redis.call("HSET", key, "count", 0, "max", ARGV[1], "exceeded", 0)
local ttl = tonumber(ARGV[2])
if ttl > 0 then
    redis.call("EXPIRE", key, ttl)
end
return 1
`)

// redisIncrementScript is the atomic increment-and-compare.
// KEYS[1] = budget key
// Returns {count, max, exceeded, transitioned}; count = -1 when unbound.
var redisIncrementScript = redis.NewScript(`
local key = KEYS[1]
local state = redis.call("HMGET", key, "count", "max", "exceeded")
if not state[2] then
    return {-1, 0, 0, 0}
end
local count = tonumber(state[1]) or 0
local max = tonumber(state[2])
if state[3] == "1" then
    return {count, max, 1, 0}
end
count = count + 1
local exceeded = 0
if count > max then
    exceeded = 1
end
redis.call("HSET", key, "count", count, "exceeded", exceeded)
return {count, max, exceeded, exceeded}
`)

// RedisCounter is a Counter shared by every governor process pointing at
// the same Redis.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisCounter)

// WithKeyPrefix sets the key namespace. Default "loop_budget:".
func WithKeyPrefix(p string) RedisOption {
	return func(c *RedisCounter) { c.prefix = p }
}

// WithTTL expires budget hashes after d. Default 24h.
func WithTTL(d time.Duration) RedisOption {
	return func(c *RedisCounter) { c.ttl = d }
}

func NewRedisCounter(client redis.UniversalClient, opts ...RedisOption) *RedisCounter {
	c := &RedisCounter{client: client, prefix: "loop_budget:", ttl: 24 * time.Hour}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRedisCounterAddr dials a single Redis node.
func NewRedisCounterAddr(addr, password string, db int, opts ...RedisOption) *RedisCounter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisCounter(rdb, opts...)
}

// Ping checks connectivity.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCounter) key(executionID string) string {
	return c.prefix + executionID
}

func (c *RedisCounter) Init(ctx context.Context, executionID string, maxCalls int64) error {
	ttl := int64(c.ttl / time.Second)
	if err := redisInitScript.Run(ctx, c.client, []string{c.key(executionID)}, maxCalls, ttl).Err(); err != nil {
		return fmt.Errorf("redis budget init: %w", err)
	}
	return nil
}

func (c *RedisCounter) Increment(ctx context.Context, executionID string) (Step, error) {
	res, err := redisIncrementScript.Run(ctx, c.client, []string{c.key(executionID)}).Int64Slice()
	if err != nil {
		return Step{}, fmt.Errorf("redis budget increment: %w", err)
	}
	if len(res) != 4 {
		return Step{}, fmt.Errorf("invalid response from lua script")
	}
	if res[0] < 0 {
		return Step{}, ErrNotBound
	}
	return Step{
		CallCount:    res[0],
		MaxCalls:     res[1],
		Exceeded:     res[2] == 1,
		Transitioned: res[3] == 1,
	}, nil
}

func (c *RedisCounter) Get(ctx context.Context, executionID string) (State, error) {
	vals, err := c.client.HMGet(ctx, c.key(executionID), "count", "max", "exceeded").Result()
	if err != nil {
		return State{}, fmt.Errorf("redis budget get: %w", err)
	}
	if len(vals) != 3 || vals[1] == nil {
		return State{}, ErrNotBound
	}
	st := State{ExecutionID: executionID}
	if st.CallCount, err = parseRedisInt(vals[0]); err != nil {
		return State{}, err
	}
	if st.MaxCalls, err = parseRedisInt(vals[1]); err != nil {
		return State{}, err
	}
	st.Exceeded = vals[2] == "1"
	return st, nil
}

func parseRedisInt(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected redis value %T", v)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse redis value %q: %w", s, err)
	}
	return n, nil
}
