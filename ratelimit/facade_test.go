package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-gateway/aegis/internal/kv"
	"github.com/aegis-gateway/aegis/internal/kv/memstore"
	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/rules"
)

// downStore fails every operation, standing in for an unreachable KV
// backend.
type downStore struct{}

var errDown = errors.New("kv backend unreachable")

func (downStore) SupportsScript() bool { return true }
func (downStore) Eval(context.Context, string, []string, ...interface{}) (interface{}, error) {
	return nil, errDown
}
func (downStore) Get(context.Context, string) (string, error)                 { return "", errDown }
func (downStore) Set(context.Context, string, string, time.Duration) error   { return errDown }
func (downStore) Del(context.Context, ...string) error                       { return errDown }
func (downStore) IncrBy(context.Context, string, int64) (int64, error)       { return 0, errDown }
func (downStore) Expire(context.Context, string, time.Duration) error        { return errDown }
func (downStore) TTL(context.Context, string) (time.Duration, error)         { return 0, errDown }
func (downStore) HGetAll(context.Context, string) (map[string]string, error) { return nil, errDown }
func (downStore) HSet(context.Context, string, ...interface{}) error         { return errDown }
func (downStore) ZAdd(context.Context, string, float64, string) error        { return errDown }
func (downStore) ZCard(context.Context, string) (int64, error)               { return 0, errDown }
func (downStore) ZRemRangeByScore(context.Context, string, string, string) error {
	return errDown
}
func (downStore) ZRangeWithScores(context.Context, string, int64, int64) ([]kv.ZEntry, error) {
	return nil, errDown
}
func (downStore) Ping(context.Context) error { return errDown }
func (downStore) Close() error               { return nil }

func anonCtx(ip string) reqctx.Context {
	return reqctx.Context{IP: ip, Path: "/api/data", Method: "GET"}
}

func TestFacadeFailsOpenWhenStoreDown(t *testing.T) {
	rl := NewRateLimiter(Config{
		Store:                downStore{},
		Tiers:                TierLimits{reqctx.TierAnonymous: 1},
		DefaultAlgorithm:     AlgoFixedWindow,
		DefaultWindowSeconds: 60,
	})

	for i := 0; i < 10; i++ {
		d := rl.Check(context.Background(), anonCtx("1.2.3.4"))
		require.True(t, d.Allowed, "check %d must fail open", i+1)
		assert.Equal(t, int64(1), d.Result.Remaining, "fail-open reports remaining=limit")
	}
}

func TestFacadeTierDefaults(t *testing.T) {
	rl := NewRateLimiter(Config{
		Store:                memstore.New(),
		Tiers:                TierLimits{reqctx.TierAnonymous: 2, reqctx.TierPro: 100},
		DefaultAlgorithm:     AlgoFixedWindow,
		DefaultWindowSeconds: 60,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := rl.Check(ctx, anonCtx("9.9.9.9"))
		require.True(t, d.Allowed, "anonymous check %d", i+1)
	}
	d := rl.Check(ctx, anonCtx("9.9.9.9"))
	assert.False(t, d.Allowed, "third anonymous request exceeds the tier limit")
	assert.Equal(t, "Too Many Requests", d.Message)
	assert.Equal(t, int64(60), d.WindowSeconds)

	pro := reqctx.Context{IP: "9.9.9.9", UserID: "u1", Tier: reqctx.TierPro, Path: "/api/data", Method: "GET"}
	d = rl.Check(ctx, pro)
	assert.True(t, d.Allowed, "pro tier has its own allowance")
}

func TestFacadeRuleOverridesAndIsolatesKeys(t *testing.T) {
	rl := NewRateLimiter(Config{
		Store: memstore.New(),
		Rules: []rules.Rule{{
			ID:       "exports",
			Enabled:  true,
			Priority: 10,
			Match:    rules.Match{Endpoint: "/api/export", EndpointMatchType: rules.MatchExact},
			RateLimit: rules.RateLimitSpec{
				Algorithm:     AlgoFixedWindow,
				Requests:      1,
				WindowSeconds: 60,
			},
		}},
		Tiers:                TierLimits{reqctx.TierAnonymous: 100},
		DefaultAlgorithm:     AlgoFixedWindow,
		DefaultWindowSeconds: 60,
	})
	ctx := context.Background()
	export := reqctx.Context{IP: "5.5.5.5", Path: "/api/export", Method: "GET"}

	d := rl.Check(ctx, export)
	require.True(t, d.Allowed)
	require.NotNil(t, d.Rule)
	assert.Equal(t, "exports", d.Rule.ID)
	assert.Equal(t, int64(1), d.Result.Limit)

	d = rl.Check(ctx, export)
	assert.False(t, d.Allowed, "rule limit of 1 exhausted")

	// The rule-scoped counter must not bleed into the global one.
	d = rl.Check(ctx, anonCtx("5.5.5.5"))
	assert.True(t, d.Allowed, "unmatched path uses its own counter")
}

func TestFacadeUnknownAlgorithmFallsBack(t *testing.T) {
	rl := NewRateLimiter(Config{
		Store: memstore.New(),
		Rules: []rules.Rule{{
			ID:       "odd",
			Enabled:  true,
			Priority: 1,
			Match:    rules.Match{Endpoint: "/api/odd", EndpointMatchType: rules.MatchExact},
			RateLimit: rules.RateLimitSpec{
				Algorithm:     "no-such-algorithm",
				Requests:      3,
				WindowSeconds: 60,
			},
		}},
		DefaultWindowSeconds: 60,
	})
	ctx := context.Background()
	odd := reqctx.Context{IP: "6.6.6.6", Path: "/api/odd", Method: "GET"}

	// The default (sliding-window counter) serves the rule; the limit
	// still applies.
	for i := 0; i < 3; i++ {
		d := rl.Check(ctx, odd)
		require.True(t, d.Allowed, "check %d within the rule limit", i+1)
	}
	d := rl.Check(ctx, odd)
	assert.False(t, d.Allowed)
}

func TestFacadeBypassPrecedesRules(t *testing.T) {
	rl := NewRateLimiter(Config{
		Store:                memstore.New(),
		Bypass:               rules.Bypass{IPWhitelist: []string{"10.0.0.0/8"}},
		Tiers:                TierLimits{reqctx.TierAnonymous: 1},
		DefaultAlgorithm:     AlgoFixedWindow,
		DefaultWindowSeconds: 60,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := rl.Check(ctx, anonCtx("10.1.2.3"))
		require.True(t, d.Allowed)
		require.True(t, d.Bypassed)
		assert.Empty(t, d.Headers, "bypassed requests carry no limit headers")
	}

	d := rl.Check(ctx, anonCtx("11.1.2.3"))
	assert.False(t, d.Bypassed, "addresses outside the CIDR are limited")
}

func TestFacadeLimitFuncOverride(t *testing.T) {
	rl := NewRateLimiter(Config{
		Store:                memstore.New(),
		Tiers:                TierLimits{reqctx.TierAnonymous: 100},
		DefaultAlgorithm:     AlgoFixedWindow,
		DefaultWindowSeconds: 60,
		LimitFunc: func(_ reqctx.Context, _ *rules.Rule, _ int64) int64 {
			return 2
		},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := rl.Check(ctx, anonCtx("7.7.7.7"))
		require.True(t, d.Allowed, "check %d within the overridden limit", i+1)
		assert.Equal(t, int64(2), d.Result.Limit)
	}
	d := rl.Check(ctx, anonCtx("7.7.7.7"))
	assert.False(t, d.Allowed, "override of 2 exhausted")
}
