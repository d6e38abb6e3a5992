package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b := New("svc", Config{FailureThreshold: 3, SuccessThreshold: 1, OpenDuration: 500 * time.Millisecond}, nil)

	for i := 0; i < 3; i++ {
		require.True(t, b.Allow(ctx))
		b.RecordFailure(ctx)
	}

	assert.Equal(t, Open, b.Stats().State)
	assert.False(t, b.Allow(ctx))
}

func TestBreakerHalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	ctx := context.Background()
	b := New("svc", Config{FailureThreshold: 1, SuccessThreshold: 1, OpenDuration: 10 * time.Millisecond}, nil)

	require.True(t, b.Allow(ctx))
	b.RecordFailure(ctx) // trips to OPEN

	time.Sleep(15 * time.Millisecond)

	require.True(t, b.Allow(ctx)) // transitions to HALF_OPEN, admits the probe
	assert.Equal(t, HalfOpen, b.Stats().State)
	assert.False(t, b.Allow(ctx), "a second concurrent caller must be rejected while the probe is in flight")

	b.RecordSuccess(ctx)
	assert.Equal(t, Closed, b.Stats().State)
}

func TestBreakerDefaultConfigClosesAfterSingleProbe(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.OpenDuration = 10 * time.Millisecond
	b := New("svc", cfg, nil)

	b.Allow(ctx)
	b.RecordFailure(ctx)
	time.Sleep(15 * time.Millisecond)

	require.True(t, b.Allow(ctx))
	b.RecordSuccess(ctx)
	assert.Equal(t, Closed, b.Stats().State, "one successful probe closes with the default threshold")
	assert.True(t, b.Allow(ctx))
}

func TestBreakerStricterSuccessThresholdAdmitsProbesBackToBack(t *testing.T) {
	ctx := context.Background()
	b := New("svc", Config{FailureThreshold: 1, SuccessThreshold: 2, OpenDuration: 10 * time.Millisecond}, nil)

	b.Allow(ctx)
	b.RecordFailure(ctx)
	time.Sleep(15 * time.Millisecond)

	require.True(t, b.Allow(ctx))
	b.RecordSuccess(ctx)
	assert.Equal(t, HalfOpen, b.Stats().State, "first success is below the threshold")

	// The next probe is admitted immediately, without another open wait.
	require.True(t, b.Allow(ctx))
	b.RecordSuccess(ctx)
	assert.Equal(t, Closed, b.Stats().State)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	b := New("svc", Config{FailureThreshold: 1, SuccessThreshold: 1, OpenDuration: 10 * time.Millisecond}, nil)

	b.Allow(ctx)
	b.RecordFailure(ctx)
	time.Sleep(15 * time.Millisecond)

	require.True(t, b.Allow(ctx))
	b.RecordFailure(ctx)
	assert.Equal(t, Open, b.Stats().State)
}

func TestBreakerForceOpenAndClose(t *testing.T) {
	ctx := context.Background()
	b := New("svc", DefaultConfig(), nil)

	b.ForceOpen(ctx)
	assert.Equal(t, Open, b.Stats().State)
	assert.False(t, b.Allow(ctx))

	b.ForceClose(ctx)
	assert.Equal(t, Closed, b.Stats().State)
	assert.True(t, b.Allow(ctx))
}

func TestRegistryLazyCreate(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	a := r.Get("svc-a")
	b := r.Get("svc-a")
	assert.Same(t, a, b)

	stats := r.All()
	assert.Contains(t, stats, "svc-a")
}
