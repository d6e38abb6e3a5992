// Package kv abstracts the backend the rate-limit algorithms and the
// bypass-list cache persist state in. The primary implementation
// (kv/redisstore) talks to Redis and supports server-side Lua scripts
// so every algorithm's state transition is atomic in a single round
// trip. kv/memstore is a single-process fallback for tests and for
// deployments that don't need distributed state; it cannot run Lua and
// reports so via SupportsScript.
package kv

import (
	"context"
	"time"
)

// Store is the contract every rate-limit algorithm programs against.
// Implementations must be safe for concurrent use.
type Store interface {
	// SupportsScript reports whether Eval actually executes Lua
	// server-side. Algorithms that require single-round-trip atomicity
	// (token bucket, fixed window, sliding window log/counter) use this
	// to pick between the scripted path and an in-process fallback.
	SupportsScript() bool

	// Eval executes a Lua script atomically with the given keys and args.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	// Get returns the string value for key, or ("", ErrKeyNotFound) if absent.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with optional TTL (0 = no expiry).
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error

	// IncrBy atomically increments key by n, creating it with value n
	// if absent, and returns the new value.
	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining TTL for key, -1 if it has none, -2 if
	// the key doesn't exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// HGetAll returns all fields and values of the hash stored at key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet sets fields in the hash stored at key from alternating
	// field/value pairs.
	HSet(ctx context.Context, key string, values ...interface{}) error

	// ZAdd adds a member with score to the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZCard returns the number of members in the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRemRangeByScore removes members scored within [min, max].
	ZRemRangeByScore(ctx context.Context, key, min, max string) error

	// ZRangeWithScores returns the members at rank positions start
	// through stop (inclusive, lowest score first; negative positions
	// count from the end).
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZEntry, error)

	// Ping checks connectivity to the backend, used by health
	// reporting and by the fail-open detection path.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// ZEntry is a sorted-set member with its score.
type ZEntry struct {
	Score  float64
	Member string
}

// ErrKeyNotFound is returned by Get when the key doesn't exist.
type ErrKeyNotFound struct{ Key string }

func (e *ErrKeyNotFound) Error() string { return "kv: key not found: " + e.Key }

// ErrScriptNotSupported is returned by Eval when the backend can't run
// Lua server-side.
type ErrScriptNotSupported struct{}

func (e *ErrScriptNotSupported) Error() string { return "kv: scripting not supported by this backend" }
