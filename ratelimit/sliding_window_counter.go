package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/kv"
)

// slidingWindowCounterScript maintains two adjacent integer counters
// aligned to floor(now/window) boundaries and computes the weighted
// count `prev*(1-progress) + curr` in one round trip. TTL on the
// current bucket is 2x the window so prev stays around long enough to
// contribute once it rolls over.
const slidingWindowCounterScript = `
local prev_key = KEYS[1]
local curr_key = KEYS[2]
local max_requests = tonumber(ARGV[1])
local window_seconds = tonumber(ARGV[2])
local progress = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local prev = tonumber(redis.call('GET', prev_key)) or 0
local curr = tonumber(redis.call('GET', curr_key)) or 0

local weighted = prev * (1 - progress) + curr

local allowed = 0
if weighted + cost <= max_requests then
  curr = redis.call('INCRBY', curr_key, cost)
  redis.call('EXPIRE', curr_key, window_seconds * 2)
  allowed = 1
  weighted = prev * (1 - progress) + curr
end

local remaining = max_requests - weighted
if remaining < 0 then remaining = 0 end

return { allowed, math.floor(remaining) }
`

type slidingWindowCounter struct {
	store     kv.Store
	keyPrefix string

	mu    sync.Mutex
	local map[string]*slidingWindowCounterLocal
}

type slidingWindowCounterLocal struct {
	windowStart time.Time
	prevCount   int64
	currCount   int64
}

// NewSlidingWindowCounter creates a sliding-window-counter Limiter:
// weighted-average approximation, O(1) memory per key.
func NewSlidingWindowCounter(store kv.Store, keyPrefix string) Limiter {
	return &slidingWindowCounter{store: store, keyPrefix: keyPrefix, local: make(map[string]*slidingWindowCounterLocal)}
}

func (s *slidingWindowCounter) Name() string { return AlgoSlidingWindowCounter }

func (s *slidingWindowCounter) Check(ctx context.Context, key string, limit, windowSeconds, cost int64) (Result, error) {
	now := time.Now().Unix()
	currentWindow := now / windowSeconds
	previousWindow := currentWindow - 1
	progress := float64(now%windowSeconds) / float64(windowSeconds)
	resetAt := time.Unix((currentWindow+1)*windowSeconds, 0)

	if s.store.SupportsScript() {
		return s.checkScripted(ctx, key, limit, windowSeconds, currentWindow, previousWindow, progress, cost, resetAt)
	}
	return s.checkLocal(key, limit, windowSeconds, cost), nil
}

func (s *slidingWindowCounter) checkScripted(ctx context.Context, key string, limit, windowSeconds, currentWindow, previousWindow int64, progress float64, cost int64, resetAt time.Time) (Result, error) {
	currKey := fullKey(s.keyPrefix, "swc", fmt.Sprintf("%s:%d", key, currentWindow))
	prevKey := fullKey(s.keyPrefix, "swc", fmt.Sprintf("%s:%d", key, previousWindow))

	reply, err := s.store.Eval(ctx, slidingWindowCounterScript, []string{prevKey, currKey}, limit, windowSeconds, progress, cost)
	if err != nil {
		return failOpenResult(limit), err
	}
	vals, ok := reply.([]interface{})
	if !ok || len(vals) != 2 {
		return failOpenResult(limit), nil
	}

	allowed := toInt64(vals[0]) == 1
	remaining := toInt64(vals[1])

	var retryAfter time.Duration
	if !allowed {
		retryAfter = time.Until(resetAt)
		if retryAfter < 0 {
			retryAfter = time.Second
		}
	}

	return Result{Allowed: allowed, Remaining: remaining, Limit: limit, ResetAt: resetAt, RetryAfter: retryAfter}, nil
}

func (s *slidingWindowCounter) checkLocal(key string, limit, windowSeconds, cost int64) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.local[key]
	if !ok {
		state = &slidingWindowCounterLocal{windowStart: time.Now()}
		s.local[key] = state
	}

	now := time.Now()
	windowDuration := time.Duration(windowSeconds) * time.Second
	for now.Sub(state.windowStart) >= windowDuration {
		state.prevCount = state.currCount
		state.currCount = 0
		state.windowStart = state.windowStart.Add(windowDuration)
	}

	elapsedFraction := now.Sub(state.windowStart).Seconds() / float64(windowSeconds)
	prevWeight := float64(state.prevCount) * (1 - elapsedFraction)
	estimated := prevWeight + float64(state.currCount)

	resetAt := state.windowStart.Add(windowDuration)
	if estimated+float64(cost) <= float64(limit) {
		state.currCount += cost
		newEstimate := prevWeight + float64(state.currCount)
		remaining := int64(math.Max(0, math.Floor(float64(limit)-newEstimate)))
		return Result{Allowed: true, Remaining: remaining, Limit: limit, ResetAt: resetAt}
	}

	retryAfter := time.Duration(math.Ceil(float64(windowSeconds)*(1-elapsedFraction))) * time.Second
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Result{Allowed: false, Remaining: 0, Limit: limit, ResetAt: resetAt, RetryAfter: retryAfter}
}

func (s *slidingWindowCounter) Peek(ctx context.Context, key string, limit, windowSeconds int64) (State, bool, error) {
	now := time.Now().Unix()
	currentWindow := now / windowSeconds

	if s.store.SupportsScript() {
		currKey := fullKey(s.keyPrefix, "swc", fmt.Sprintf("%s:%d", key, currentWindow))
		val, err := s.store.Get(ctx, currKey)
		if err != nil {
			if _, notFound := err.(*kv.ErrKeyNotFound); notFound {
				return State{}, false, nil
			}
			return State{}, false, err
		}
		return State{Count: parseIntOrZero(val), Limit: limit}, true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.local[key]
	if !ok {
		return State{}, false, nil
	}
	return State{Count: state.currCount, Limit: limit}, true, nil
}

// Reset clears local state immediately. For the scripted (distributed)
// path the window size isn't known at Reset time (Reset takes only a
// key), so the current/previous window buckets expire naturally via
// their own TTL instead of being deleted eagerly;
// this only affects the rare operator-triggered manual reset, not the
// algorithm's own correctness.
func (s *slidingWindowCounter) Reset(ctx context.Context, key string) error {
	if s.store.SupportsScript() {
		return nil
	}
	s.mu.Lock()
	delete(s.local, key)
	s.mu.Unlock()
	return nil
}
