package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/kv"
)

// fixedWindowScript increments an integer counter keyed by
// base:floor(now/window) and sets its TTL to the remaining seconds in
// the window on first write.
const fixedWindowScript = `
local key = KEYS[1]
local max_requests = tonumber(ARGV[1])
local window_seconds = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])

local count = redis.call('GET', key)
if not count then
  count = 0
else
  count = tonumber(count)
end

if count + cost <= max_requests then
  local new_count = redis.call('INCRBY', key, cost)
  if new_count == cost and count == 0 then
    redis.call('EXPIRE', key, window_seconds)
  end
  local remaining = max_requests - new_count
  local ttl = redis.call('TTL', key)
  return { 1, remaining, ttl }
end

local ttl = redis.call('TTL', key)
if ttl < 0 then
  ttl = window_seconds
end
return { 0, 0, ttl }
`

type fixedWindow struct {
	store     kv.Store
	keyPrefix string

	mu    sync.Mutex
	local map[string]*fixedWindowLocal
}

type fixedWindowLocal struct {
	count       int64
	windowStart time.Time
}

// NewFixedWindow creates a fixed-window Limiter that allows iff the new
// count is within the limit. With a scripting store the key includes
// floor(now/window) and is incremented atomically; without one, each
// key's window starts at its first request after the previous window
// ended and the count is kept in process.
func NewFixedWindow(store kv.Store, keyPrefix string) Limiter {
	return &fixedWindow{store: store, keyPrefix: keyPrefix, local: make(map[string]*fixedWindowLocal)}
}

func (f *fixedWindow) Name() string { return AlgoFixedWindow }

func (f *fixedWindow) Check(ctx context.Context, key string, limit, windowSeconds, cost int64) (Result, error) {
	windowKey := key + ":" + windowBucket(windowSeconds)

	if f.store.SupportsScript() {
		return f.checkScripted(ctx, windowKey, limit, windowSeconds, cost)
	}
	return f.checkLocal(key, limit, windowSeconds, cost), nil
}

func windowBucket(windowSeconds int64) string {
	bucket := time.Now().Unix() / windowSeconds
	return itoa(bucket)
}

func (f *fixedWindow) checkScripted(ctx context.Context, windowKey string, limit, windowSeconds, cost int64) (Result, error) {
	fk := fullKey(f.keyPrefix, "fw", windowKey)

	reply, err := f.store.Eval(ctx, fixedWindowScript, []string{fk}, limit, windowSeconds, cost)
	if err != nil {
		return failOpenResult(limit), err
	}
	vals, ok := reply.([]interface{})
	if !ok || len(vals) != 3 {
		return failOpenResult(limit), nil
	}

	allowed := toInt64(vals[0]) == 1
	remaining := toInt64(vals[1])
	ttlSec := toInt64(vals[2])
	resetAt := time.Now().Add(time.Duration(ttlSec) * time.Second)

	var retryAfter time.Duration
	if !allowed {
		retryAfter = time.Duration(ttlSec) * time.Second
	}

	return Result{Allowed: allowed, Remaining: remaining, Limit: limit, ResetAt: resetAt, RetryAfter: retryAfter}, nil
}

func (f *fixedWindow) checkLocal(key string, limit, windowSeconds, cost int64) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.local[key]
	if !ok {
		state = &fixedWindowLocal{windowStart: time.Now()}
		f.local[key] = state
	}

	windowDuration := time.Duration(windowSeconds) * time.Second
	now := time.Now()
	if now.Sub(state.windowStart) >= windowDuration {
		state.windowStart = now
		state.count = 0
	}

	resetAt := state.windowStart.Add(windowDuration)
	if state.count+cost <= limit {
		state.count += cost
		return Result{Allowed: true, Remaining: limit - state.count, Limit: limit, ResetAt: resetAt}
	}

	retryAfter := time.Until(resetAt)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Result{Allowed: false, Remaining: 0, Limit: limit, ResetAt: resetAt, RetryAfter: retryAfter}
}

func (f *fixedWindow) Peek(ctx context.Context, key string, limit, windowSeconds int64) (State, bool, error) {
	windowKey := key + ":" + windowBucket(windowSeconds)

	if f.store.SupportsScript() {
		fk := fullKey(f.keyPrefix, "fw", windowKey)
		val, err := f.store.Get(ctx, fk)
		if err != nil {
			if _, notFound := err.(*kv.ErrKeyNotFound); notFound {
				return State{}, false, nil
			}
			return State{}, false, err
		}
		return State{Count: parseIntOrZero(val), Limit: limit}, true, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.local[key]
	if !ok {
		return State{}, false, nil
	}
	return State{Count: state.count, Limit: limit, ResetAt: state.windowStart.Add(time.Duration(windowSeconds) * time.Second)}, true, nil
}

func (f *fixedWindow) Reset(ctx context.Context, key string) error {
	if f.store.SupportsScript() {
		// Best-effort: clear current and previous window buckets.
		now := time.Now().Unix()
		for _, w := range []int64{now, now - 1} {
			_ = f.store.Del(ctx, fullKey(f.keyPrefix, "fw", key+":"+itoa(w)))
		}
		return nil
	}
	f.mu.Lock()
	delete(f.local, key)
	f.mu.Unlock()
	return nil
}
