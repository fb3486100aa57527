package gatewayclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerStaysClosedBelowMinVolume(t *testing.T) {
	b := newBreaker()
	for i := 0; i < 4; i++ {
		b.recordFailure()
	}
	require.True(t, b.allow())
	require.Equal(t, BreakerClosed, b.stats().State)
}

func TestBreakerTripsAtFailureThreshold(t *testing.T) {
	b := newBreaker()
	b.recordSuccess()
	b.recordSuccess()
	b.recordFailure()
	b.recordFailure()
	b.recordFailure()

	require.Equal(t, BreakerOpen, b.stats().State)
	require.False(t, b.allow())
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	b := newBreaker()
	clock := time.Now()
	b.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		b.recordFailure()
	}
	require.Equal(t, BreakerOpen, b.stats().State)
	require.False(t, b.allow())

	clock = clock.Add(31 * time.Second)
	require.True(t, b.allow())
	require.Equal(t, BreakerHalfOpen, b.stats().State)
}

func TestBreakerClosesOnFirstHalfOpenSuccess(t *testing.T) {
	b := newBreaker()
	clock := time.Now()
	b.now = func() time.Time { return clock }
	for i := 0; i < 5; i++ {
		b.recordFailure()
	}
	clock = clock.Add(31 * time.Second)
	require.True(t, b.allow())

	b.recordSuccess()
	require.Equal(t, BreakerClosed, b.stats().State)
}

func TestBreakerReopensOnFirstHalfOpenFailure(t *testing.T) {
	b := newBreaker()
	clock := time.Now()
	b.now = func() time.Time { return clock }
	for i := 0; i < 5; i++ {
		b.recordFailure()
	}
	clock = clock.Add(31 * time.Second)
	require.True(t, b.allow())

	b.recordFailure()
	require.Equal(t, BreakerOpen, b.stats().State)
	require.Equal(t, uint64(2), b.stats().OpenCount)
}
