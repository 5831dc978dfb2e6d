// safety/breaker.go
package safety

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Mode is the current position of a breaker in its state machine.
type Mode string

const (
	ModeClosed   Mode = "closed"
	ModeOpen     Mode = "open"
	ModeHalfOpen Mode = "half_open"
)

// CircuitOpenError is returned while a breaker rejects calls.
type CircuitOpenError struct {
	Name     string
	RetryAt  time.Time
	Probing  bool
	Failures int
}

func (e *CircuitOpenError) Error() string {
	if e.Probing {
		return fmt.Sprintf("circuit %q is half-open, probe in flight", e.Name)
	}
	return fmt.Sprintf("circuit %q is open until %s (%d consecutive failures)",
		e.Name, e.RetryAt.UTC().Format(time.RFC3339), e.Failures)
}

// IsCircuitOpen reports whether err (or anything it wraps) is a *CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	// IsFailure decides whether an error returned by a guarded call counts
	// towards tripping. nil means every non-nil error counts.
	IsFailure func(error) bool
	// OnStateChange is called outside the breaker lock.
	OnStateChange func(name string, from, to Mode)
	Now           func() time.Time
}

// DefaultBreakerConfig matches the production settings for external dependencies.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreakerState is a point-in-time view of a breaker.
type CircuitBreakerState struct {
	Name                string     `json:"name"`
	Mode                Mode       `json:"mode"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	TotalSuccesses      int64      `json:"total_successes"`
	FailureThreshold    int        `json:"failure_threshold"`
	ResetTimeout        string     `json:"reset_timeout"`
}

// CircuitBreaker isolates one external dependency.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	mode          Mode
	failures      int
	lastFailureAt time.Time
	openedAt      time.Time
	successes     int64
	probing       bool
	generation    uint64
}

func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{name: name, cfg: cfg, mode: ModeClosed}
}

func (b *CircuitBreaker) Name() string { return b.name }

// Execute runs fn if the breaker admits the call and records the outcome.
// Admission never blocks. A panic in fn counts as a failure and is re-raised.
func (b *CircuitBreaker) Execute(fn func() error) error {
	t, err := b.admit()
	if err != nil {
		return err
	}
	recorded := false
	defer func() {
		if !recorded {
			b.record(t, true)
		}
	}()
	err = fn()
	recorded = true
	b.record(t, b.isFailure(err))
	return err
}

// ticket identifies an admitted call. Results from an earlier generation
// never move the state machine.
type ticket struct {
	generation uint64
	probe      bool
}

func (b *CircuitBreaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if b.cfg.IsFailure != nil {
		return b.cfg.IsFailure(err)
	}
	return true
}

func (b *CircuitBreaker) admit() (ticket, error) {
	b.mu.Lock()
	var changed bool
	var from Mode

	switch b.mode {
	case ModeClosed:
		t := ticket{generation: b.generation}
		b.mu.Unlock()
		return t, nil
	case ModeOpen:
		retryAt := b.openedAt.Add(b.cfg.ResetTimeout)
		if b.cfg.Now().Before(retryAt) {
			err := &CircuitOpenError{Name: b.name, RetryAt: retryAt, Failures: b.failures}
			b.mu.Unlock()
			return ticket{}, err
		}
		from, changed = b.mode, true
		b.mode = ModeHalfOpen
		b.probing = true
	case ModeHalfOpen:
		if b.probing {
			err := &CircuitOpenError{Name: b.name, RetryAt: b.openedAt.Add(b.cfg.ResetTimeout), Probing: true, Failures: b.failures}
			b.mu.Unlock()
			return ticket{}, err
		}
		b.probing = true
	}
	t := ticket{generation: b.generation, probe: true}
	b.mu.Unlock()

	if changed {
		b.notify(from, ModeHalfOpen)
	}
	return t, nil
}

// trip opens the breaker and starts a new generation. Caller holds mu.
func (b *CircuitBreaker) trip(now time.Time) {
	b.mode = ModeOpen
	b.openedAt = now
	b.probing = false
	b.generation++
}

func (b *CircuitBreaker) record(t ticket, failed bool) {
	b.mu.Lock()
	from := b.mode
	now := b.cfg.Now()

	switch {
	case t.generation != b.generation:
		// Admitted before the last trip or reset.
		if !failed {
			b.successes++
		}
	case t.probe && b.mode == ModeHalfOpen:
		b.probing = false
		if failed {
			b.failures++
			b.lastFailureAt = now
			b.trip(now)
		} else {
			b.successes++
			b.failures = 0
			b.mode = ModeClosed
		}
	case b.mode == ModeClosed:
		if failed {
			b.failures++
			b.lastFailureAt = now
			if b.failures >= b.cfg.FailureThreshold {
				b.trip(now)
			}
		} else {
			b.successes++
			b.failures = 0
		}
	}
	to := b.mode
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// Reset forces the breaker closed. Operator action.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	from := b.mode
	b.mode = ModeClosed
	b.failures = 0
	b.probing = false
	b.openedAt = time.Time{}
	b.generation++
	b.mu.Unlock()

	log.Printf("🔧 [BREAKER] %s reset by operator", b.name)
	if from != ModeClosed {
		b.notify(from, ModeClosed)
	}
}

func (b *CircuitBreaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := CircuitBreakerState{
		Name:                b.name,
		Mode:                b.mode,
		ConsecutiveFailures: b.failures,
		TotalSuccesses:      b.successes,
		FailureThreshold:    b.cfg.FailureThreshold,
		ResetTimeout:        b.cfg.ResetTimeout.String(),
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		st.LastFailureAt = &t
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		st.OpenedAt = &t
	}
	return st
}

func (b *CircuitBreaker) notify(from, to Mode) {
	log.Printf("⚡ [BREAKER] %s: %s → %s", b.name, from, to)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
