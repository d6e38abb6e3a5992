package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegis-gateway/aegis/internal/kv"
	"github.com/aegis-gateway/aegis/internal/obs/log"
	"github.com/aegis-gateway/aegis/internal/obs/otelspan"
	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/rules"
)

// TierLimits maps a tier to its default requests-per-minute
// allowance.
type TierLimits map[reqctx.Tier]int64

// RateLimiter is the request-facing orchestrator: resolve tier, check
// bypass, match a rule, compute the effective limit, dispatch to the
// algorithm, and produce response headers.
type RateLimiter struct {
	matcher              *rules.Matcher
	bypass               *rules.BypassCache
	limiters             map[string]Limiter // by algorithm name
	store                kv.Store
	keyPrefix            string
	keyStrategy          rules.KeyStrategy
	tiers                TierLimits
	defaultAlgo          string
	defaultWindowSeconds int64
	includeHeaders       bool
	errorMessage         string
	limitFunc            LimitFunc
	tracer               trace.Tracer
	log                  *log.Logger
}

// LimitFunc overrides the effective limit for a request after rule and
// tier resolution, e.g. to apply an ML-recommended limit per endpoint.
// Returning a non-positive value keeps the computed limit.
type LimitFunc func(reqCtx reqctx.Context, rule *rules.Rule, limit int64) int64

// Config configures a RateLimiter.
type Config struct {
	Store                kv.Store
	KeyPrefix            string
	KeyStrategy          rules.KeyStrategy
	Rules                []rules.Rule
	Bypass               rules.Bypass
	Tiers                TierLimits
	DefaultAlgorithm     string
	DefaultWindowSeconds int64
	// IncludeHeaders controls whether Check populates the
	// X-RateLimit-* response headers. Nil means true.
	IncludeHeaders *bool
	ErrorMessage   string
	LimitFunc      LimitFunc
	Logger         *log.Logger
}

// DefaultTierLimits returns the built-in per-tier allowances.
func DefaultTierLimits() TierLimits {
	return TierLimits{
		reqctx.TierAnonymous:  60,
		reqctx.TierFree:       100,
		reqctx.TierBasic:      500,
		reqctx.TierPro:        2000,
		reqctx.TierEnterprise: 10000,
		reqctx.TierUnlimited:  1_000_000,
	}
}

// NewRateLimiter builds a RateLimiter from cfg, constructing one Limiter
// instance per algorithm name referenced by cfg.Rules plus the default.
func NewRateLimiter(cfg Config) *RateLimiter {
	if cfg.KeyStrategy == "" {
		cfg.KeyStrategy = rules.DefaultKeyStrategy
	}
	if cfg.DefaultAlgorithm == "" {
		cfg.DefaultAlgorithm = DefaultAlgorithm
	}
	if cfg.DefaultWindowSeconds == 0 {
		cfg.DefaultWindowSeconds = 60
	}
	if cfg.ErrorMessage == "" {
		cfg.ErrorMessage = "Too Many Requests"
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTierLimits()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Noop()
	}

	rl := &RateLimiter{
		matcher:              rules.NewMatcher(cfg.Rules),
		bypass:               rules.NewBypassCache(rules.NewBypassChecker(cfg.Bypass)),
		limiters:             make(map[string]Limiter),
		store:                cfg.Store,
		keyPrefix:            cfg.KeyPrefix,
		keyStrategy:          cfg.KeyStrategy,
		tiers:                cfg.Tiers,
		defaultAlgo:          cfg.DefaultAlgorithm,
		defaultWindowSeconds: cfg.DefaultWindowSeconds,
		includeHeaders:       cfg.IncludeHeaders == nil || *cfg.IncludeHeaders,
		errorMessage:         cfg.ErrorMessage,
		limitFunc:            cfg.LimitFunc,
		tracer:               otel.Tracer("aegis/ratelimit"),
		log:                  cfg.Logger.Named("ratelimit"),
	}

	for _, algo := range []string{AlgoTokenBucket, AlgoSlidingWindow, AlgoSlidingWindowCounter, AlgoFixedWindow, AlgoGCRA, AlgoLeakyBucket} {
		rl.limiters[algo] = NewByName(algo, cfg.Store, cfg.KeyPrefix)
	}

	return rl
}

// SetRules atomically replaces the rule set, e.g. after an admin edit.
func (rl *RateLimiter) SetRules(ruleset []rules.Rule) {
	rl.matcher.SetRules(ruleset)
}

// Decision is the outcome of evaluating a request context, carrying
// everything the proxy pipeline needs to either forward or deny and the
// headers to attach either way.
type Decision struct {
	Allowed       bool
	Bypassed      bool
	BypassInfo    rules.Decision
	Rule          *rules.Rule
	Result        Result
	WindowSeconds int64
	Headers       map[string]string
	Message       string
}

// DenialBody renders the standard JSON payload every surface (proxy,
// embedded middlewares) returns with a 429.
func (d Decision) DenialBody() []byte {
	body := struct {
		Error         string `json:"error"`
		Code          string `json:"code"`
		Message       string `json:"message"`
		Limit         int64  `json:"limit"`
		Remaining     int64  `json:"remaining"`
		WindowSeconds int64  `json:"windowSeconds"`
		RetryAfter    int64  `json:"retryAfter"`
		ResetAt       string `json:"resetAt"`
	}{
		Error:         "rate limit exceeded",
		Code:          "RATE_LIMIT_EXCEEDED",
		Message:       d.Message,
		Limit:         d.Result.Limit,
		Remaining:     d.Result.Remaining,
		WindowSeconds: d.WindowSeconds,
		RetryAfter:    int64(d.Result.RetryAfter / time.Second),
		ResetAt:       d.Result.ResetAt.Format(time.RFC3339),
	}
	if body.Message == "" {
		body.Message = "Too Many Requests"
	}
	b, _ := json.Marshal(body)
	return b
}

// Check runs the full decision pipeline for ctx (bypass, rule match,
// effective limit, algorithm dispatch) and returns the decision to act
// on. It never returns an error: any internal failure fails open and
// is logged, matching the algorithms' own fail-open contract.
func (rl *RateLimiter) Check(ctx context.Context, reqCtx reqctx.Context) Decision {
	if d := rl.bypass.Check(reqCtx); d.Bypass {
		return Decision{Allowed: true, Bypassed: true, BypassInfo: d}
	}

	var matchedRule *rules.Rule
	algo := rl.defaultAlgo
	limit := rl.tierLimit(reqCtx.EffectiveTier())
	windowSeconds := rl.defaultWindowSeconds

	if rule, ok := rl.matcher.Match(reqCtx); ok {
		matchedRule = &rule
		if rule.RateLimit.Algorithm != "" {
			algo = rule.RateLimit.Algorithm
		}
		if rule.RateLimit.Requests > 0 {
			limit = rule.RateLimit.Requests
		}
		if rule.RateLimit.WindowSeconds > 0 {
			windowSeconds = rule.RateLimit.WindowSeconds
		}
	}

	limiter, ok := rl.limiters[algo]
	if !ok {
		limiter = rl.limiters[rl.defaultAlgo]
	}

	if rl.limitFunc != nil {
		if v := rl.limitFunc(reqCtx, matchedRule, limit); v > 0 {
			limit = v
		}
	}

	key := rules.BuildKey(rl.keyStrategy, reqCtx, matchedRule)

	checkCtx, endSpan := otelspan.StartIfRecording(ctx, rl.tracer, "ratelimit.check")
	result, err := limiter.Check(checkCtx, key, limit, windowSeconds, 1)
	endSpan(err)
	if err != nil {
		rl.log.Warn(ctx, "rate limit backend error, failing open", "error", err, "key", key)
	}

	var headers map[string]string
	if rl.includeHeaders {
		headers = map[string]string{
			"X-RateLimit-Limit":     itoa(result.Limit),
			"X-RateLimit-Remaining": itoa(result.Remaining),
		}
		if !result.ResetAt.IsZero() {
			headers["X-RateLimit-Reset"] = itoa(result.ResetAt.Unix())
		}
		if !result.Allowed && result.RetryAfter > 0 {
			headers["Retry-After"] = itoa(int64(result.RetryAfter / time.Second))
		}
	}

	d := Decision{
		Allowed:       result.Allowed,
		Rule:          matchedRule,
		Result:        result,
		WindowSeconds: windowSeconds,
		Headers:       headers,
	}
	if !result.Allowed {
		d.Message = rl.errorMessage
	}
	return d
}

func (rl *RateLimiter) tierLimit(tier reqctx.Tier) int64 {
	if limit, ok := rl.tiers[tier]; ok {
		return limit
	}
	return rl.tiers[reqctx.TierAnonymous]
}
