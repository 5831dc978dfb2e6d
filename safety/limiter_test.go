package safety_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tournament-escrow/safety"
)

func TestRateLimiterRejectsPastLimit(t *testing.T) {
	clock := newClock()
	l := safety.NewRateLimiter("settlement", 3, clock.Now)

	for i := 0; i < 3; i++ {
		assert.NoError(t, l.Allow())
	}
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, l.Allow(), safety.ErrRateLimitExceeded)
	}
	assert.Equal(t, 0, l.Remaining())
}

func TestRateLimiterWindowRollover(t *testing.T) {
	clock := newClock()
	l := safety.NewRateLimiter("settlement", 2, clock.Now)

	assert.NoError(t, l.Allow())
	assert.NoError(t, l.Allow())
	assert.ErrorIs(t, l.Allow(), safety.ErrRateLimitExceeded)

	clock.Advance(60 * time.Second)
	assert.ErrorIs(t, l.Allow(), safety.ErrRateLimitExceeded, "window resets only after it is older than 60s")

	clock.Advance(time.Second)
	assert.NoError(t, l.Allow())
	assert.NoError(t, l.Allow())
	assert.ErrorIs(t, l.Allow(), safety.ErrRateLimitExceeded)
}

func TestRateLimiterUnlimited(t *testing.T) {
	reg := safety.NewRegistry()
	l := reg.Limiter(safety.DepPersistence)
	for i := 0; i < 1000; i++ {
		assert.NoError(t, l.Allow())
	}

	reg = safety.NewRegistry(safety.WithRateLimit(safety.DepSettlement, 1))
	assert.NoError(t, reg.Limiter(safety.DepSettlement).Allow())
	assert.ErrorIs(t, reg.Limiter(safety.DepSettlement).Allow(), safety.ErrRateLimitExceeded)
}

func TestRateLimiterRelease(t *testing.T) {
	clock := newClock()
	l := safety.NewRateLimiter("settlement", 1, clock.Now)

	assert.NoError(t, l.Allow())
	l.Release()
	assert.Equal(t, 1, l.Remaining())
	assert.NoError(t, l.Allow())
	assert.ErrorIs(t, l.Allow(), safety.ErrRateLimitExceeded)

	// A slot taken in an expired window is not credited to the next one.
	clock.Advance(61 * time.Second)
	l.Release()
	assert.NoError(t, l.Allow())
	assert.ErrorIs(t, l.Allow(), safety.ErrRateLimitExceeded)
}
