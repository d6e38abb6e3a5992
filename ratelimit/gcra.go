package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/kv"
)

// gcraScript implements the Generic Cell Rate Algorithm as a single
// theoretical-arrival-time (TAT) value per key, evaluated in one script
// so it shares the same single-round-trip atomicity as the other
// algorithms.
const gcraScript = `
local key = KEYS[1]
local emission_interval = tonumber(ARGV[1])
local burst_allowance = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tat = tonumber(redis.call('GET', key)) or now
if tat < now then tat = now end

local increment = emission_interval * cost
local new_tat = tat + increment
local diff = new_tat - now

local allowed = 0
local retry_after = 0

if diff <= burst_allowance + emission_interval then
  redis.call('SET', key, tostring(new_tat))
  redis.call('EXPIRE', key, math.ceil(burst_allowance + emission_interval) + 1)
  allowed = 1
else
  retry_after = math.ceil(diff - burst_allowance)
end

local remaining = math.floor((burst_allowance - diff + emission_interval) / emission_interval)
if remaining < 0 then remaining = 0 end

return { allowed, remaining, retry_after }
`

type gcra struct {
	store     kv.Store
	keyPrefix string

	mu    sync.Mutex
	local map[string]*gcraLocal
}

type gcraLocal struct {
	tat float64
}

// NewGCRA creates a GCRA Limiter (virtual-scheduling form of the
// algorithm). limit/windowSeconds passed to Check are interpreted as
// the sustained rate (limit per windowSeconds); burst equals limit.
func NewGCRA(store kv.Store, keyPrefix string) Limiter {
	return &gcra{store: store, keyPrefix: keyPrefix, local: make(map[string]*gcraLocal)}
}

func (g *gcra) Name() string { return AlgoGCRA }

func (g *gcra) rates(limit, windowSeconds int64) (emissionInterval, burstAllowance float64) {
	rate := float64(limit) / float64(windowSeconds)
	if rate <= 0 {
		rate = 1
	}
	emissionInterval = 1.0 / rate
	burstAllowance = float64(limit-1) * emissionInterval
	if burstAllowance < 0 {
		burstAllowance = 0
	}
	return
}

func (g *gcra) Check(ctx context.Context, key string, limit, windowSeconds, cost int64) (Result, error) {
	emissionInterval, burstAllowance := g.rates(limit, windowSeconds)

	if g.store.SupportsScript() {
		return g.checkScripted(ctx, key, limit, emissionInterval, burstAllowance, cost)
	}
	return g.checkLocal(key, limit, emissionInterval, burstAllowance, cost), nil
}

func (g *gcra) checkScripted(ctx context.Context, key string, limit int64, emissionInterval, burstAllowance float64, cost int64) (Result, error) {
	fk := fullKey(g.keyPrefix, "gcra", key)
	now := float64(time.Now().UnixNano()) / 1e9

	reply, err := g.store.Eval(ctx, gcraScript, []string{fk}, emissionInterval, burstAllowance, now, cost)
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

func (g *gcra) checkLocal(key string, limit int64, emissionInterval, burstAllowance float64, cost int64) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.local[key]
	if !ok {
		state = &gcraLocal{}
		g.local[key] = state
	}

	now := float64(time.Now().UnixNano()) / 1e9
	tat := math.Max(state.tat, now)
	increment := emissionInterval * float64(cost)
	newTAT := tat + increment
	diff := newTAT - now

	if diff <= burstAllowance+emissionInterval {
		state.tat = newTAT
		remaining := int64(math.Floor((burstAllowance - diff + emissionInterval) / emissionInterval))
		if remaining < 0 {
			remaining = 0
		}
		return Result{Allowed: true, Remaining: remaining, Limit: limit}
	}

	retryAfter := time.Duration(math.Ceil(diff-burstAllowance) * float64(time.Second))
	return Result{Allowed: false, Remaining: 0, Limit: limit, RetryAfter: retryAfter}
}

func (g *gcra) Peek(ctx context.Context, key string, limit, windowSeconds int64) (State, bool, error) {
	if g.store.SupportsScript() {
		fk := fullKey(g.keyPrefix, "gcra", key)
		val, err := g.store.Get(ctx, fk)
		if err != nil {
			if _, notFound := err.(*kv.ErrKeyNotFound); notFound {
				return State{}, false, nil
			}
			return State{}, false, err
		}
		_ = val
		return State{Limit: limit}, true, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.local[key]
	return State{Limit: limit}, ok, nil
}

func (g *gcra) Reset(ctx context.Context, key string) error {
	if g.store.SupportsScript() {
		return g.store.Del(ctx, fullKey(g.keyPrefix, "gcra", key))
	}
	g.mu.Lock()
	delete(g.local, key)
	g.mu.Unlock()
	return nil
}
