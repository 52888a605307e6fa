package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ThrottlePolicy caps an agent's request rate.
type ThrottlePolicy struct {
	RPM   int
	Burst int
}

// Throttle answers whether an agent may proceed right now.
type Throttle interface {
	Allow(ctx context.Context, tenantID, agentID string, policy ThrottlePolicy, cost int) (bool, error)
}

// throttleBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens/second), ARGV[2] = capacity,
// ARGV[3] = cost, ARGV[4] = now (seconds)
var throttleBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisThrottle is the shared-state throttle for multi-instance deployments.
type RedisThrottle struct {
	client *redis.Client
}

// NewRedisThrottle connects the throttle to Redis.
func NewRedisThrottle(addr, password string, db int) *RedisThrottle {
	return &RedisThrottle{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Allow implements Throttle.
func (t *RedisThrottle) Allow(ctx context.Context, tenantID, agentID string, policy ThrottlePolicy, cost int) (bool, error) {
	key := fmt.Sprintf("throttle:%s:%s", tenantID, agentID)
	perSecond := float64(policy.RPM) / 60.0
	if perSecond <= 0 {
		perSecond = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := throttleBucketScript.Run(ctx, t.client, []string{key}, perSecond, policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("identity: redis throttle: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("identity: redis throttle: unexpected script reply")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// LocalThrottle is the single-instance in-process throttle.
type LocalThrottle struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalThrottle creates an empty local throttle.
func NewLocalThrottle() *LocalThrottle {
	return &LocalThrottle{buckets: make(map[string]*rate.Limiter)}
}

// Allow implements Throttle.
func (t *LocalThrottle) Allow(_ context.Context, tenantID, agentID string, policy ThrottlePolicy, cost int) (bool, error) {
	key := tenantID + "/" + agentID
	perSecond := rate.Limit(float64(policy.RPM) / 60.0)
	if perSecond <= 0 {
		perSecond = 1
	}

	t.mu.Lock()
	lim, ok := t.buckets[key]
	if !ok {
		lim = rate.NewLimiter(perSecond, policy.Burst)
		t.buckets[key] = lim
	}
	t.mu.Unlock()
	return lim.AllowN(time.Now(), cost), nil
}
