// safety/limiter.go
package safety

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned once a window's budget is spent.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const defaultWindow = time.Minute

// RateLimiter is a fixed-window call counter. The window resets wholesale once
// it is older than its length, so bursts across a boundary are possible.
type RateLimiter struct {
	name         string
	maxPerWindow int
	window       time.Duration
	now          func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	count       int
}

func NewRateLimiter(name string, maxPerWindow int, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		name:         name,
		maxPerWindow: maxPerWindow,
		window:       defaultWindow,
		now:          now,
	}
}

// Allow consumes one call from the current window.
func (l *RateLimiter) Allow() error {
	if l == nil || l.maxPerWindow <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) > l.window {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.maxPerWindow {
		return ErrRateLimitExceeded
	}
	l.count++
	return nil
}

// Release returns a slot taken by Allow for a call that never went out.
func (l *RateLimiter) Release() {
	if l == nil || l.maxPerWindow <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count > 0 && l.now().Sub(l.windowStart) <= l.window {
		l.count--
	}
}

// Remaining reports calls left in the current window.
func (l *RateLimiter) Remaining() int {
	if l == nil || l.maxPerWindow <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.windowStart.IsZero() || l.now().Sub(l.windowStart) > l.window {
		return l.maxPerWindow
	}
	return l.maxPerWindow - l.count
}
