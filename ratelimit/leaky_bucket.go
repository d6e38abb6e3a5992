package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/kv"
)

// leakyBucketScript implements policing-mode leaky bucket: the bucket
// level leaks at leakRate per second; a request is admitted iff adding
// cost keeps the level at or below capacity.
//
// Shaping mode (queue-with-delay) is deliberately absent: the proxy
// core either forwards a request now or denies it, so only policing is
// wired into the rule engine.
const leakyBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local leak_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local data = redis.call('HGETALL', key)
local level = 0
local last_leak = now

if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  level = tonumber(fields['level']) or 0
  last_leak = tonumber(fields['last_leak']) or now
end

local elapsed = now - last_leak
if elapsed < 0 then elapsed = 0 end
local leaked = elapsed * leak_rate
level = math.max(0, level - leaked)

local allowed = 0
local retry_after = 0

if level + cost <= capacity then
  level = level + cost
  allowed = 1
else
  retry_after = math.ceil(cost / leak_rate)
end

redis.call('HSET', key, 'level', tostring(level), 'last_leak', tostring(now))
redis.call('EXPIRE', key, math.ceil(capacity / leak_rate) + 1)

local remaining = math.floor(capacity - level)
if remaining < 0 then remaining = 0 end

return { allowed, remaining, retry_after }
`

type leakyBucket struct {
	store     kv.Store
	keyPrefix string

	mu    sync.Mutex
	local map[string]*leakyBucketLocal
}

type leakyBucketLocal struct {
	level    float64
	lastLeak time.Time
}

// NewLeakyBucket creates a policing-mode leaky-bucket Limiter.
// capacity/leakRate are derived from limit/windowSeconds the same way
// token bucket derives its refill rate.
func NewLeakyBucket(store kv.Store, keyPrefix string) Limiter {
	return &leakyBucket{store: store, keyPrefix: keyPrefix, local: make(map[string]*leakyBucketLocal)}
}

func (l *leakyBucket) Name() string { return AlgoLeakyBucket }

func (l *leakyBucket) Check(ctx context.Context, key string, limit, windowSeconds, cost int64) (Result, error) {
	leakRate := float64(limit) / float64(windowSeconds)
	if leakRate <= 0 {
		leakRate = 1
	}

	if l.store.SupportsScript() {
		return l.checkScripted(ctx, key, limit, leakRate, cost)
	}
	return l.checkLocal(key, limit, leakRate, cost), nil
}

func (l *leakyBucket) checkScripted(ctx context.Context, key string, limit int64, leakRate float64, cost int64) (Result, error) {
	fk := fullKey(l.keyPrefix, "lb", key)
	now := float64(time.Now().UnixNano()) / 1e9

	reply, err := l.store.Eval(ctx, leakyBucketScript, []string{fk}, limit, leakRate, now, cost)
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

func (l *leakyBucket) checkLocal(key string, limit int64, leakRate float64, cost int64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.local[key]
	if !ok {
		state = &leakyBucketLocal{lastLeak: time.Now()}
		l.local[key] = state
	}

	now := time.Now()
	elapsed := now.Sub(state.lastLeak).Seconds()
	leaked := elapsed * leakRate
	state.level = math.Max(0, state.level-leaked)
	state.lastLeak = now

	c := float64(cost)
	if state.level+c <= float64(limit) {
		state.level += c
		remaining := int64(math.Max(0, math.Floor(float64(limit)-state.level)))
		return Result{Allowed: true, Remaining: remaining, Limit: limit}
	}

	retryAfter := time.Duration(math.Ceil(c/leakRate) * float64(time.Second))
	return Result{Allowed: false, Remaining: 0, Limit: limit, RetryAfter: retryAfter}
}

func (l *leakyBucket) Peek(ctx context.Context, key string, limit, windowSeconds int64) (State, bool, error) {
	if l.store.SupportsScript() {
		fk := fullKey(l.keyPrefix, "lb", key)
		data, err := l.store.HGetAll(ctx, fk)
		if err != nil || len(data) == 0 {
			return State{}, false, err
		}
		return State{Limit: limit}, true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.local[key]
	return State{Limit: limit}, ok, nil
}

func (l *leakyBucket) Reset(ctx context.Context, key string) error {
	if l.store.SupportsScript() {
		return l.store.Del(ctx, fullKey(l.keyPrefix, "lb", key))
	}
	l.mu.Lock()
	delete(l.local, key)
	l.mu.Unlock()
	return nil
}
