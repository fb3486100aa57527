package gatewayclient

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState string

// All breaker states.
const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// ErrBreakerOpen is returned by the breaker when a call is rejected
// without being attempted.
var ErrBreakerOpen = errors.New("gatewayclient: circuit breaker open")

// BreakerStats is the snapshot returned by CircuitBreakerStats.
type BreakerStats struct {
	State       BreakerState
	Successes   uint64
	Failures    uint64
	OpenCount   uint64
	LastFailure time.Time
}

// breaker implements the submit-path circuit breaker described in the
// gateway client's operating contract: trips OPEN when the failure rate
// reaches 50% over a volume of at least 5 calls, moves to HALF_OPEN after
// a cooldown, closes again on the first HALF_OPEN success, and reopens on
// the first HALF_OPEN failure.
type breaker struct {
	mu sync.Mutex

	failureRateThreshold float64
	minVolume            int
	cooldown             time.Duration

	state       BreakerState
	successes   uint64
	failures    uint64
	openCount   uint64
	lastFailure time.Time
	openedAt    time.Time

	windowSuccesses int
	windowFailures  int

	now func() time.Time
}

func newBreaker() *breaker {
	return &breaker{
		failureRateThreshold: 0.5,
		minVolume:            5,
		cooldown:             30 * time.Second,
		state:                BreakerClosed,
		now:                  time.Now,
	}
}

// allow reports whether a call may proceed, transitioning OPEN -> HALF_OPEN
// once the cooldown has elapsed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerClosed
		b.windowSuccesses = 0
		b.windowFailures = 0
	case BreakerClosed:
		b.windowSuccesses++
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case BreakerHalfOpen:
		b.trip()
	case BreakerClosed:
		b.windowFailures++
		volume := b.windowSuccesses + b.windowFailures
		if volume >= b.minVolume {
			rate := float64(b.windowFailures) / float64(volume)
			if rate >= b.failureRateThreshold {
				b.trip()
			}
		}
	}
}

func (b *breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.openCount++
	b.windowSuccesses = 0
	b.windowFailures = 0
}

func (b *breaker) stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:       b.state,
		Successes:   b.successes,
		Failures:    b.failures,
		OpenCount:   b.openCount,
		LastFailure: b.lastFailure,
	}
}
