package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/kv"
)

// slidingWindowScript evicts expired members, and if admitting cost
// more members would not exceed the limit, adds cost distinct members
// (one per unit of cost, named "now:seed:i" so a weighted call leaves one
// entry per unit) and allows. Eviction, count, and insert happen in one
// atomic script rather than separate ZREMRANGEBYSCORE/ZCARD/ZADD round
// trips.
const slidingWindowScriptTpl = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local seed = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)

local count = redis.call('ZCARD', key)
local allowed = 0
local remaining = max_requests - count

if count + cost <= max_requests then
  for i = 1, cost do
    redis.call('ZADD', key, now, now .. ':' .. seed .. ':' .. i)
  end
  allowed = 1
  remaining = max_requests - count - cost
end

redis.call('EXPIRE', key, math.ceil(window_ms / 1000) + 1)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_score = now
if #oldest > 0 then
  oldest_score = tonumber(oldest[2])
end

return { allowed, remaining, oldest_score }
`

type slidingWindow struct {
	store     kv.Store
	keyPrefix string

	mu    sync.Mutex
	local map[string]*slidingWindowLocal
}

type slidingWindowLocal struct {
	timestamps []time.Time
}

// NewSlidingWindow creates a sliding-window-log Limiter: highest
// accuracy, O(n) memory per key (one entry per admitted unit of cost
// within the window).
func NewSlidingWindow(store kv.Store, keyPrefix string) Limiter {
	return &slidingWindow{store: store, keyPrefix: keyPrefix, local: make(map[string]*slidingWindowLocal)}
}

func (s *slidingWindow) Name() string { return AlgoSlidingWindow }

func (s *slidingWindow) Check(ctx context.Context, key string, limit, windowSeconds, cost int64) (Result, error) {
	if s.store.SupportsScript() {
		return s.checkScripted(ctx, key, limit, windowSeconds, cost)
	}
	return s.checkLocal(key, limit, windowSeconds, cost), nil
}

func (s *slidingWindow) checkScripted(ctx context.Context, key string, limit, windowSeconds, cost int64) (Result, error) {
	fk := fullKey(s.keyPrefix, "swl", key)
	now := time.Now().UnixMilli()
	windowMs := windowSeconds * 1000
	seed := rand.Int63()

	reply, err := s.store.Eval(ctx, slidingWindowScriptTpl, []string{fk}, now, windowMs, limit, cost, seed)
	if err != nil {
		return failOpenResult(limit), err
	}
	vals, ok := reply.([]interface{})
	if !ok || len(vals) != 3 {
		return failOpenResult(limit), nil
	}

	allowed := toInt64(vals[0]) == 1
	remaining := toInt64(vals[1])
	if remaining < 0 {
		remaining = 0
	}
	oldestMs := toInt64(vals[2])

	var retryAfter time.Duration
	if !allowed {
		expiresAt := oldestMs + windowMs
		retryMs := expiresAt - now
		if retryMs > 0 {
			retryAfter = time.Duration(retryMs) * time.Millisecond
		}
	}

	return Result{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    time.UnixMilli(oldestMs + windowMs),
		RetryAfter: retryAfter,
	}, nil
}

func (s *slidingWindow) checkLocal(key string, limit, windowSeconds, cost int64) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.local[key]
	if !ok {
		state = &slidingWindowLocal{}
		s.local[key] = state
	}

	now := time.Now()
	windowDuration := time.Duration(windowSeconds) * time.Second

	cutoff := 0
	for cutoff < len(state.timestamps) && now.Sub(state.timestamps[cutoff]) > windowDuration {
		cutoff++
	}
	state.timestamps = state.timestamps[cutoff:]

	if int64(len(state.timestamps))+cost <= limit {
		for i := int64(0); i < cost; i++ {
			state.timestamps = append(state.timestamps, now)
		}
		remaining := limit - int64(len(state.timestamps))
		return Result{Allowed: true, Remaining: remaining, Limit: limit}
	}

	var retryAfter time.Duration
	if len(state.timestamps) > 0 {
		expiresAt := state.timestamps[0].Add(windowDuration)
		retryAfter = time.Until(expiresAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	return Result{Allowed: false, Remaining: 0, Limit: limit, RetryAfter: retryAfter}
}

func (s *slidingWindow) Peek(ctx context.Context, key string, limit, windowSeconds int64) (State, bool, error) {
	if s.store.SupportsScript() {
		fk := fullKey(s.keyPrefix, "swl", key)
		count, err := s.store.ZCard(ctx, fk)
		if err != nil {
			return State{}, false, err
		}
		if count == 0 {
			return State{}, false, nil
		}
		return State{Count: count, Limit: limit}, true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.local[key]
	if !ok || len(state.timestamps) == 0 {
		return State{}, false, nil
	}
	return State{Count: int64(len(state.timestamps)), Limit: limit}, true, nil
}

func (s *slidingWindow) Reset(ctx context.Context, key string) error {
	if s.store.SupportsScript() {
		return s.store.Del(ctx, fullKey(s.keyPrefix, "swl", key))
	}
	s.mu.Lock()
	delete(s.local, key)
	s.mu.Unlock()
	return nil
}
