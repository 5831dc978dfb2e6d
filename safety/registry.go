// safety/registry.go
package safety

import (
	"sort"
	"sync"
	"time"
)

// Dependency names. Each owns an independent breaker.
const (
	DepSettlement    = "settlement"
	DepPersistence   = "persistence"
	DepOrchestration = "orchestration"
)

// Registry hands out breakers and limiters keyed by dependency name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	limiters map[string]*RateLimiter

	defaults      BreakerConfig
	overrides     map[string]BreakerConfig
	limits        map[string]int
	onStateChange func(name string, from, to Mode)
	now           func() time.Time
}

type RegistryOption func(*Registry)

func WithBreakerDefaults(cfg BreakerConfig) RegistryOption {
	return func(r *Registry) { r.defaults = cfg }
}

// WithBreakerConfig overrides the config for one dependency.
func WithBreakerConfig(name string, cfg BreakerConfig) RegistryOption {
	return func(r *Registry) { r.overrides[name] = cfg }
}

// WithRateLimit sets the per-minute budget for a dependency.
func WithRateLimit(name string, maxPerMinute int) RegistryOption {
	return func(r *Registry) { r.limits[name] = maxPerMinute }
}

func WithStateChangeHook(fn func(name string, from, to Mode)) RegistryOption {
	return func(r *Registry) { r.onStateChange = fn }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		limiters:  make(map[string]*RateLimiter),
		defaults:  DefaultBreakerConfig(),
		overrides: make(map[string]BreakerConfig),
		limits:    make(map[string]int),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breaker returns the breaker for name, creating it on first use.
func (r *Registry) Breaker(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.defaults
	}
	if cfg.Now == nil {
		cfg.Now = r.now
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.onStateChange
	}
	b := NewCircuitBreaker(name, cfg)
	r.breakers[name] = b
	return b
}

// Limiter returns the limiter for name. A dependency without a configured
// budget gets an unlimited limiter.
func (r *Registry) Limiter(name string) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[name]; ok {
		return l
	}
	l := NewRateLimiter(name, r.limits[name], r.now)
	r.limiters[name] = l
	return l
}

// States returns a snapshot of every breaker created so far, sorted by name.
func (r *Registry) States() []CircuitBreakerState {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]CircuitBreakerState, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes the named breaker. Returns false if it was never created.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}
