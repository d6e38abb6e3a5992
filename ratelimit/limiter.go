// Package ratelimit implements the gateway's rate-limit algorithms
// (token bucket, sliding window log, sliding window counter, fixed
// window, GCRA, leaky bucket), all sharing one contract: check, peek,
// reset, atomic per key on the backing kv.Store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/aegis-gateway/aegis/internal/kv"
)

// Limiter is the shared contract every algorithm implements.
type Limiter interface {
	// Check evaluates cost units against limit over windowSeconds for
	// key, atomically updating state. Fails open: on a KV error the
	// result still reports allowed=true with remaining=limit. The error
	// is returned alongside so callers can log and count it, but it
	// must never be treated as a denial.
	Check(ctx context.Context, key string, limit int64, windowSeconds int64, cost int64) (Result, error)

	// Peek reports the current state for key without mutating it, or
	// ok=false if no state exists yet. Never allocates a new window.
	Peek(ctx context.Context, key string, limit int64, windowSeconds int64) (state State, ok bool, err error)

	// Reset clears all state for key.
	Reset(ctx context.Context, key string) error

	// Name identifies the algorithm for metrics labels and for the
	// algorithm field of rule configuration.
	Name() string
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// State is a point-in-time snapshot returned by Peek.
type State struct {
	Count      int64
	Limit      int64
	ResetAt    time.Time
	FailedOpen bool
}

// Algorithm names, used in rule configuration and metrics labels.
const (
	AlgoTokenBucket          = "token-bucket"
	AlgoSlidingWindow        = "sliding-window-log"
	AlgoSlidingWindowCounter = "sliding-window-counter"
	AlgoFixedWindow          = "fixed-window"
	AlgoGCRA                 = "gcra"
	AlgoLeakyBucket          = "leaky-bucket"

	// DefaultAlgorithm is the fallback when a rule names an unknown
	// algorithm.
	DefaultAlgorithm = AlgoSlidingWindowCounter
)

// NewByName constructs the Limiter identified by name, falling back to
// DefaultAlgorithm for unrecognized names so a bad config value degrades
// gracefully instead of failing to load.
func NewByName(name string, store kv.Store, keyPrefix string) Limiter {
	switch name {
	case AlgoTokenBucket:
		return NewTokenBucket(store, keyPrefix)
	case AlgoSlidingWindow:
		return NewSlidingWindow(store, keyPrefix)
	case AlgoFixedWindow:
		return NewFixedWindow(store, keyPrefix)
	case AlgoGCRA:
		return NewGCRA(store, keyPrefix)
	case AlgoLeakyBucket:
		return NewLeakyBucket(store, keyPrefix)
	case AlgoSlidingWindowCounter:
		return NewSlidingWindowCounter(store, keyPrefix)
	default:
		return NewSlidingWindowCounter(store, keyPrefix)
	}
}

func fullKey(prefix, algoPrefix, key string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, algoPrefix, key)
}

// failOpenResult produces the Result a Check call returns when the
// backing store is unreachable: the gateway keeps forwarding rather
// than fail closed.
func failOpenResult(limit int64) Result {
	return Result{Allowed: true, Remaining: limit, Limit: limit}
}
