package safety_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tournament-escrow/safety"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
}

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreakerTripsAfterThreshold(t *testing.T) {
	clock := newClock()
	b := safety.NewCircuitBreaker("settlement", safety.BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     10 * time.Second,
		Now:              clock.Now,
	})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(fail), errBoom)
	}
	assert.Equal(t, safety.ModeOpen, b.State().Mode)

	called := false
	err := b.Execute(func() error { called = true; return nil })
	require.Error(t, err)
	assert.True(t, safety.IsCircuitOpen(err))
	assert.False(t, called, "open breaker must not run the call")
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b := safety.NewCircuitBreaker("persistence", safety.BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Second})

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	require.NoError(t, b.Execute(succeed))
	_ = b.Execute(fail)
	_ = b.Execute(fail)

	st := b.State()
	assert.Equal(t, safety.ModeClosed, st.Mode)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.EqualValues(t, 1, st.TotalSuccesses)
}

func TestBreakerAllowsExactlyOneProbe(t *testing.T) {
	clock := newClock()
	b := safety.NewCircuitBreaker("settlement", safety.BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
		Now:              clock.Now,
	})
	_ = b.Execute(fail)

	clock.Advance(9 * time.Second)
	assert.True(t, safety.IsCircuitOpen(b.Execute(succeed)), "cooldown not yet elapsed")

	clock.Advance(2 * time.Second)

	// The probe is in flight while a second caller arrives.
	var second error
	err := b.Execute(func() error {
		assert.Equal(t, safety.ModeHalfOpen, b.State().Mode)
		second = b.Execute(succeed)
		return nil
	})
	require.NoError(t, err)
	require.Error(t, second)
	assert.True(t, safety.IsCircuitOpen(second))

	st := b.State()
	assert.Equal(t, safety.ModeClosed, st.Mode)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clock := newClock()
	b := safety.NewCircuitBreaker("orchestration", safety.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     5 * time.Second,
		Now:              clock.Now,
	})
	_ = b.Execute(fail)
	_ = b.Execute(fail)

	clock.Advance(6 * time.Second)
	assert.ErrorIs(t, b.Execute(fail), errBoom)
	assert.Equal(t, safety.ModeOpen, b.State().Mode)

	// Cooldown restarts from the probe failure.
	clock.Advance(4 * time.Second)
	assert.True(t, safety.IsCircuitOpen(b.Execute(succeed)))
	clock.Advance(2 * time.Second)
	assert.NoError(t, b.Execute(succeed))
	assert.Equal(t, safety.ModeClosed, b.State().Mode)
}

func TestBreakerIgnoresClassifiedErrors(t *testing.T) {
	notFound := errors.New("not found")
	b := safety.NewCircuitBreaker("settlement", safety.BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		IsFailure:        func(err error) bool { return !errors.Is(err, notFound) },
	})

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute(func() error { return notFound }), notFound)
	}
	assert.Equal(t, safety.ModeClosed, b.State().Mode)
}

func TestBreakerResetAndHook(t *testing.T) {
	var transitions []string
	b := safety.NewCircuitBreaker("settlement", safety.BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(name string, from, to safety.Mode) {
			transitions = append(transitions, string(from)+">"+string(to))
		},
	})
	_ = b.Execute(fail)
	b.Reset()

	assert.Equal(t, safety.ModeClosed, b.State().Mode)
	assert.Equal(t, []string{"closed>open", "open>closed"}, transitions)
}

func TestRegistryBreakersAreIndependent(t *testing.T) {
	reg := safety.NewRegistry(safety.WithBreakerDefaults(safety.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}))

	_ = reg.Breaker(safety.DepSettlement).Execute(fail)

	assert.Equal(t, safety.ModeOpen, reg.Breaker(safety.DepSettlement).State().Mode)
	assert.NoError(t, reg.Breaker(safety.DepPersistence).Execute(succeed))
	assert.Same(t, reg.Breaker(safety.DepSettlement), reg.Breaker(safety.DepSettlement))

	states := reg.States()
	require.Len(t, states, 2)
	assert.Equal(t, safety.DepPersistence, states[0].Name)

	assert.True(t, reg.Reset(safety.DepSettlement))
	assert.False(t, reg.Reset("unknown"))
}

func TestBreakerIgnoresLateResultsAfterTrip(t *testing.T) {
	clock := newClock()
	b := safety.NewCircuitBreaker("settlement", safety.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     30 * time.Second,
		Now:              clock.Now,
	})

	// A slow call admitted while closed finishes after the breaker trips.
	err := b.Execute(func() error {
		_ = b.Execute(fail)
		_ = b.Execute(fail)
		assert.Equal(t, safety.ModeOpen, b.State().Mode)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, safety.ModeOpen, b.State().Mode, "late success must not close the breaker")

	called := false
	err = b.Execute(func() error { called = true; return nil })
	assert.True(t, safety.IsCircuitOpen(err))
	assert.False(t, called)

	clock.Advance(31 * time.Second)
	err = b.Execute(func() error {
		assert.Equal(t, safety.ModeHalfOpen, b.State().Mode)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, safety.ModeClosed, b.State().Mode)
}

func TestBreakerIgnoresLateResultsAfterReset(t *testing.T) {
	b := safety.NewCircuitBreaker("settlement", safety.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	err := b.Execute(func() error {
		b.Reset()
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, safety.ModeClosed, b.State().Mode)
	assert.Equal(t, 0, b.State().ConsecutiveFailures)
}

func TestBreakerCountsPanicAsFailure(t *testing.T) {
	clock := newClock()
	b := safety.NewCircuitBreaker("orchestration", safety.BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     5 * time.Second,
		Now:              clock.Now,
		IsFailure:        func(error) bool { return false },
	})
	assert.Panics(t, func() {
		_ = b.Execute(func() error { panic("boom") })
	})
	assert.Equal(t, safety.ModeOpen, b.State().Mode)

	clock.Advance(6 * time.Second)
	assert.Panics(t, func() {
		_ = b.Execute(func() error { panic("boom") })
	})
	assert.Equal(t, safety.ModeOpen, b.State().Mode, "half-open slot released and breaker reopened")

	clock.Advance(6 * time.Second)
	assert.NoError(t, b.Execute(succeed))
	assert.Equal(t, safety.ModeClosed, b.State().Mode)
}
