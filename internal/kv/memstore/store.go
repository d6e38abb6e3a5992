// Package memstore is an in-memory kv.Store for tests and
// single-process deployments. It does not support Lua scripting; the
// rate-limit algorithms then do the same math on their own in-process
// state under their own mutex, which is safe because memstore is
// inherently single-process.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/kv"
)

// Store implements kv.Store with in-memory state. All operations are
// safe for concurrent use via a single mutex. State is per-process, so
// limits enforced through this store are per-instance, not global.
type Store struct {
	mu      sync.Mutex
	strs    map[string]strEntry
	hashes  map[string]map[string]string
	sorted  map[string][]sortedEntry
	expires map[string]time.Time
	closeCh chan struct{}
	once    sync.Once
}

type strEntry struct {
	value string
}

type sortedEntry struct {
	score  float64
	member string
}

// New creates an in-memory Store and starts its expiry-sweep loop.
func New() *Store {
	s := &Store{
		strs:    make(map[string]strEntry),
		hashes:  make(map[string]map[string]string),
		sorted:  make(map[string][]sortedEntry),
		expires: make(map[string]time.Time),
		closeCh: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *Store) sweepLoop() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweepExpired()
		case <-s.closeCh:
			return
		}
	}
}

func (s *Store) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, exp := range s.expires {
		if now.After(exp) {
			delete(s.strs, k)
			delete(s.hashes, k)
			delete(s.sorted, k)
			delete(s.expires, k)
		}
	}
}

func (s *Store) expiredLocked(key string) bool {
	exp, ok := s.expires[key]
	return ok && time.Now().After(exp)
}

func (s *Store) dropLocked(key string) {
	delete(s.strs, key)
	delete(s.hashes, key)
	delete(s.sorted, key)
	delete(s.expires, key)
}

func (s *Store) SupportsScript() bool { return false }

func (s *Store) Eval(_ context.Context, _ string, _ []string, _ ...interface{}) (interface{}, error) {
	return nil, &kv.ErrScriptNotSupported{}
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		s.dropLocked(key)
	}
	e, ok := s.strs[key]
	if !ok {
		return "", &kv.ErrKeyNotFound{Key: key}
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strs[key] = strEntry{value: value}
	s.setTTLLocked(key, ttl)
	return nil
}

func (s *Store) setTTLLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		s.expires[key] = time.Now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.dropLocked(k)
	}
	return nil
}

func (s *Store) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		s.dropLocked(key)
	}
	var cur int64
	if e, ok := s.strs[key]; ok {
		cur = parseInt(e.value)
	}
	cur += n
	s.strs[key] = strEntry{value: formatInt(cur)}
	return cur, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTTLLocked(key, ttl)
	return nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		s.dropLocked(key)
	}
	exp, ok := s.expires[key]
	if !ok {
		if _, present := s.strs[key]; !present {
			if _, present := s.hashes[key]; !present {
				if _, present := s.sorted[key]; !present {
					return -2 * time.Second, nil
				}
			}
		}
		return -1 * time.Second, nil
	}
	d := time.Until(exp)
	if d < 0 {
		d = 0
	}
	return d, nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		s.dropLocked(key)
	}
	h := s.hashes[key]
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (s *Store) HSet(_ context.Context, key string, values ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		field := toString(values[i])
		val := toString(values[i+1])
		h[field] = val
	}
	return nil
}

func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sorted[key]
	for i, e := range entries {
		if e.member == member {
			entries[i].score = score
			s.sorted[key] = entries
			return nil
		}
	}
	entries = append(entries, sortedEntry{score: score, member: member})
	sort.Slice(entries, func(i, j int) bool { return entries[i].score < entries[j].score })
	s.sorted[key] = entries
	return nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sorted[key])), nil
}

func (s *Store) ZRemRangeByScore(_ context.Context, key, min, max string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, hi := parseRangeBound(min), parseRangeBound(max)
	entries := s.sorted[key]
	kept := entries[:0]
	for _, e := range entries {
		if e.score >= lo && e.score <= hi {
			continue
		}
		kept = append(kept, e)
	}
	s.sorted[key] = kept
	return nil
}

func (s *Store) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]kv.ZEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sorted[key]
	n := int64(len(entries))
	if n == 0 {
		return nil, nil
	}
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		return nil, nil
	}
	out := make([]kv.ZEntry, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, kv.ZEntry{Score: entries[i].score, Member: entries[i].member})
	}
	return out, nil
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error {
	s.once.Do(func() { close(s.closeCh) })
	return nil
}

func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}
