package ratelimit

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/kv"
)

// tokenBucketScript reads the bucket hash, refills proportional to
// elapsed time, spends cost if available, writes back, and sets a TTL
// long enough to cover a full refill, all in one round trip.
const tokenBucketScript = `
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local data = redis.call('HGETALL', key)
local tokens = max_tokens
local last_refill = now

if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  tokens = tonumber(fields['tokens']) or max_tokens
  last_refill = tonumber(fields['last_refill']) or now
end

local elapsed = now - last_refill
if elapsed < 0 then elapsed = 0 end
tokens = math.min(max_tokens, tokens + elapsed * refill_rate)

local allowed = 0
local remaining = math.floor(tokens)
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  remaining = math.floor(tokens)
  allowed = 1
else
  local deficit = cost - tokens
  retry_after = math.ceil(deficit / refill_rate)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', key, math.ceil(max_tokens / refill_rate) + 1)

return { allowed, remaining, retry_after }
`

type tokenBucket struct {
	store     kv.Store
	keyPrefix string

	mu    sync.Mutex
	local map[string]*tokenBucketLocal
}

type tokenBucketLocal struct {
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a token-bucket Limiter. The bucket's capacity
// and refill rate are derived per call from the limit/windowSeconds
// Check receives: capacity = limit, refillRate = limit/windowSeconds.
func NewTokenBucket(store kv.Store, keyPrefix string) Limiter {
	return &tokenBucket{store: store, keyPrefix: keyPrefix, local: make(map[string]*tokenBucketLocal)}
}

func (t *tokenBucket) Name() string { return AlgoTokenBucket }

func (t *tokenBucket) Check(ctx context.Context, key string, limit, windowSeconds, cost int64) (Result, error) {
	refillRate := float64(limit) / float64(windowSeconds)
	if refillRate <= 0 {
		refillRate = 1
	}

	if t.store.SupportsScript() {
		return t.checkScripted(ctx, key, limit, refillRate, cost)
	}
	return t.checkLocal(key, limit, refillRate, cost), nil
}

func (t *tokenBucket) checkScripted(ctx context.Context, key string, limit int64, refillRate float64, cost int64) (Result, error) {
	fk := fullKey(t.keyPrefix, "tb", key)
	now := float64(time.Now().UnixNano()) / 1e9

	reply, err := t.store.Eval(ctx, tokenBucketScript, []string{fk}, limit, refillRate, now, cost)
	if err != nil {
		return failOpenResult(limit), err
	}

	vals, ok := reply.([]interface{})
	if !ok || len(vals) != 3 {
		return failOpenResult(limit), nil
	}
	allowed := toInt64(vals[0]) == 1
	remaining := toInt64(vals[1])
	retryAfterSec := toInt64(vals[2])

	return Result{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      limit,
		RetryAfter: time.Duration(retryAfterSec) * time.Second,
	}, nil
}

func (t *tokenBucket) checkLocal(key string, limit int64, refillRate float64, cost int64) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.local[key]
	if !ok {
		state = &tokenBucketLocal{tokens: float64(limit), lastRefill: time.Now()}
		t.local[key] = state
	}

	now := time.Now()
	elapsed := now.Sub(state.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	state.tokens = math.Min(float64(limit), state.tokens+elapsed*refillRate)
	state.lastRefill = now

	c := float64(cost)
	if state.tokens >= c {
		state.tokens -= c
		return Result{Allowed: true, Remaining: int64(math.Floor(state.tokens)), Limit: limit}
	}

	deficit := c - state.tokens
	retryAfter := time.Duration(math.Ceil(deficit/refillRate)) * time.Second
	return Result{Allowed: false, Remaining: 0, Limit: limit, RetryAfter: retryAfter}
}

func (t *tokenBucket) Peek(ctx context.Context, key string, limit, windowSeconds int64) (State, bool, error) {
	if t.store.SupportsScript() {
		fk := fullKey(t.keyPrefix, "tb", key)
		data, err := t.store.HGetAll(ctx, fk)
		if err != nil || len(data) == 0 {
			return State{}, false, err
		}
		tokens, _ := strconv.ParseFloat(data["tokens"], 64)
		return State{Count: limit - int64(tokens), Limit: limit}, true, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.local[key]
	if !ok {
		return State{}, false, nil
	}
	return State{Count: limit - int64(state.tokens), Limit: limit}, true, nil
}

func (t *tokenBucket) Reset(ctx context.Context, key string) error {
	if t.store.SupportsScript() {
		return t.store.Del(ctx, fullKey(t.keyPrefix, "tb", key))
	}
	t.mu.Lock()
	delete(t.local, key)
	t.mu.Unlock()
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
