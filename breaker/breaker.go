// Package breaker implements the per-backend CLOSED/OPEN/HALF_OPEN
// circuit breaker state machine.
//
// HALF_OPEN admits exactly one probe request; all others are rejected
// until the probe resolves. Generic breaker libraries model half-open
// with a concurrent-probe budget instead, which is why this state
// machine is a mutex-guarded flag of its own rather than a wrapper
// around one of them. All transitions for a backend are serialized
// under that backend's mutex.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/obs/log"
)

// State names the three positions of the breaker state machine.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config sets the thresholds for one backend's breaker.
type Config struct {
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open probe
	// successes required to close. The default of 1 closes on the
	// first successful probe. Raising it admits follow-up probes one
	// at a time, back to back, until the count is met; a single
	// failure anywhere in the run reopens.
	SuccessThreshold int

	OpenDuration time.Duration
}

// DefaultConfig trips after 5 consecutive failures, closes on the
// first successful half-open probe, and waits 30s before probing
// again.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 1, OpenDuration: 30 * time.Second}
}

// Stats is the read-only snapshot exposed by the health/admin
// surface.
type Stats struct {
	State             State
	ConsecutiveFails  int
	ConsecutiveSucc   int
	LastStateChange   time.Time
	OpenCount         int
	Rejections        int64
}

// Breaker is one backend's circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	log  *log.Logger

	mu              sync.Mutex
	state           State
	consecutiveFail int
	consecutiveSucc int
	lastStateChange time.Time
	openCount       int
	rejections      int64
	halfOpenBusy    bool // a probe is currently in flight in HALF_OPEN
}

// New builds a Breaker for backend name, starting CLOSED.
func New(name string, cfg Config, logger *log.Logger) *Breaker {
	if logger == nil {
		logger = log.Noop()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultConfig().OpenDuration
	}
	return &Breaker{
		name:            name,
		cfg:             cfg,
		log:             logger.Named("breaker"),
		state:           Closed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a request attempting backend name may proceed.
// In HALF_OPEN, exactly one caller is admitted per transition; every
// other concurrent caller is rejected until that probe resolves via
// RecordSuccess/RecordFailure.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastStateChange) >= b.cfg.OpenDuration {
			b.transition(ctx, HalfOpen)
			b.halfOpenBusy = true
			return true
		}
		b.rejections++
		return false
	case HalfOpen:
		if b.halfOpenBusy {
			b.rejections++
			return false
		}
		b.halfOpenBusy = true
		return true
	}
	return false
}

// RecordSuccess reports a successful call to the backend.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenBusy = false
		b.consecutiveSucc++
		if b.consecutiveSucc >= b.cfg.SuccessThreshold {
			b.transition(ctx, Closed)
		}
	case Closed:
		b.consecutiveFail = 0
	}
}

// RecordFailure reports a failed call to the backend.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.transition(ctx, Open)
		}
	case HalfOpen:
		b.halfOpenBusy = false
		b.transition(ctx, Open)
	}
}

// ForceOpen manually trips the breaker, logging the operator action.
func (b *Breaker) ForceOpen(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log.Warn(ctx, "circuit breaker forced open", "backend", b.name)
	b.transition(ctx, Open)
}

// ForceClose manually resets the breaker to CLOSED, logging the
// operator action.
func (b *Breaker) ForceClose(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log.Warn(ctx, "circuit breaker forced closed", "backend", b.name)
	b.transition(ctx, Closed)
}

// Stats returns a point-in-time snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:            b.state,
		ConsecutiveFails: b.consecutiveFail,
		ConsecutiveSucc:  b.consecutiveSucc,
		LastStateChange:  b.lastStateChange,
		OpenCount:        b.openCount,
		Rejections:       b.rejections,
	}
}

// IsOpen reports whether the breaker is currently rejecting traffic
// outright. The proxy's availability check consults this.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open
}

// transition must be called with mu held.
func (b *Breaker) transition(ctx context.Context, to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.lastStateChange = time.Now()
	b.consecutiveFail = 0
	b.consecutiveSucc = 0
	if to == Open {
		b.openCount++
	}
	b.log.Info(ctx, "circuit breaker state change", "backend", b.name, "from", from, "to", to)
}

// Registry owns one Breaker per backend name. Callers look up a
// backend's breaker without holding a global lock for longer than the
// map read; each breaker serializes its own transitions.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	log      *log.Logger
	breakers map[string]*Breaker
}

// NewRegistry builds an empty Registry; breakers are created lazily on
// first Get so a dynamically reloaded backend list doesn't require a
// separate registration step.
func NewRegistry(cfg Config, logger *log.Logger) *Registry {
	return &Registry{cfg: cfg, log: logger, breakers: make(map[string]*Breaker)}
}

// Get returns the Breaker for name, creating one with the registry's
// default Config if it doesn't exist yet.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.cfg, r.log)
	r.breakers[name] = b
	return b
}

// All returns a snapshot of every backend's breaker stats, keyed by name.
func (r *Registry) All() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
