package ratelimit

import (
	"fmt"

	"github.com/aegis-gateway/aegis/internal/kv"
	"github.com/aegis-gateway/aegis/rules"
)

// Builder provides a fluent API for constructing a Limiter over the
// kv.Store abstraction that backs every algorithm in this package.
//
//	limiter, err := ratelimit.NewBuilder().
//	    SlidingWindowCounter().
//	    Store(store).
//	    KeyPrefix("aegis").
//	    Build()
type Builder struct {
	algo        string
	store       kv.Store
	keyPrefix   string
	ruleset     []rules.Rule
	bypass      rules.Bypass
	tiers       TierLimits
	keyStrategy rules.KeyStrategy
}

// NewBuilder returns a new Builder with no algorithm selected.
func NewBuilder() *Builder {
	return &Builder{keyPrefix: "aegis"}
}

// ─── Algorithm selectors ─────────────────────────────────────────────────────

func (b *Builder) FixedWindow() *Builder          { b.algo = AlgoFixedWindow; return b }
func (b *Builder) SlidingWindow() *Builder        { b.algo = AlgoSlidingWindow; return b }
func (b *Builder) SlidingWindowCounter() *Builder { b.algo = AlgoSlidingWindowCounter; return b }
func (b *Builder) TokenBucket() *Builder          { b.algo = AlgoTokenBucket; return b }
func (b *Builder) LeakyBucket() *Builder          { b.algo = AlgoLeakyBucket; return b }
func (b *Builder) GCRA() *Builder                 { b.algo = AlgoGCRA; return b }

// Algorithm selects an algorithm by its configuration name.
func (b *Builder) Algorithm(name string) *Builder {
	b.algo = name
	return b
}

// ─── Option setters ──────────────────────────────────────────────────────────

// Store sets the kv.Store backend (required).
func (b *Builder) Store(s kv.Store) *Builder {
	b.store = s
	return b
}

// KeyPrefix sets the prefix prepended to all storage keys. Default "aegis".
func (b *Builder) KeyPrefix(prefix string) *Builder {
	b.keyPrefix = prefix
	return b
}

// Rules sets the rule set a BuildRateLimiter facade matches against.
func (b *Builder) Rules(ruleset []rules.Rule) *Builder {
	b.ruleset = ruleset
	return b
}

// Bypass sets the whitelists checked before any rule matching.
func (b *Builder) Bypass(bypass rules.Bypass) *Builder {
	b.bypass = bypass
	return b
}

// Tiers sets the per-tier default allowances.
func (b *Builder) Tiers(tiers TierLimits) *Builder {
	b.tiers = tiers
	return b
}

// KeyStrategy selects how limiter keys are derived from a request
// context. Default: composite.
func (b *Builder) KeyStrategy(strategy rules.KeyStrategy) *Builder {
	b.keyStrategy = strategy
	return b
}

// ─── Build ───────────────────────────────────────────────────────────────────

// Build validates the configuration and returns the configured Limiter.
func (b *Builder) Build() (Limiter, error) {
	if b.store == nil {
		return nil, fmt.Errorf("ratelimit: Store is required; call Store(s) before Build")
	}
	if b.algo == "" {
		return nil, fmt.Errorf("ratelimit: no algorithm selected; call FixedWindow, SlidingWindow, SlidingWindowCounter, TokenBucket, LeakyBucket, or GCRA before Build")
	}
	return NewByName(b.algo, b.store, b.keyPrefix), nil
}

// BuildRateLimiter assembles the full request-facing facade: the
// selected algorithm becomes the default, with rules, tiers, and
// bypass wired in.
func (b *Builder) BuildRateLimiter() (*RateLimiter, error) {
	if b.store == nil {
		return nil, fmt.Errorf("ratelimit: Store is required; call Store(s) before BuildRateLimiter")
	}
	return NewRateLimiter(Config{
		Store:            b.store,
		KeyPrefix:        b.keyPrefix,
		KeyStrategy:      b.keyStrategy,
		Rules:            b.ruleset,
		Bypass:           b.bypass,
		Tiers:            b.tiers,
		DefaultAlgorithm: b.algo,
	}), nil
}
