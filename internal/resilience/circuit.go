// Package resilience provides circuit breaker and retry patterns for external service calls.
package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state: requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures; requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a bounded number of probe requests to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// OpenError is the rejection returned by an open breaker. It matches
// ErrCircuitOpen under errors.Is.
type OpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (recovery in %s)", e.Name, e.Remaining.Round(time.Millisecond))
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// Name identifies the protected dependency in errors, logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before transitioning
	// to half-open. Default: 30s.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is both the number of probes let through while
	// half-open and the number of successes required to close. Default: 1.
	HalfOpenMaxCalls int

	// ShouldTrip optionally overrides the default check. If nil, every
	// non-nil error counts as a failure.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	// It runs with the breaker lock held and must not call back into it.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker implements the circuit breaker pattern for a single service.
// One instance is shared by every pipeline run that calls the service.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenSuccesses   int
	halfOpenInFlight    int

	// generation advances on every state change; a result admitted under an
	// older generation is ignored.
	generation uint64

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Name returns the name of the protected dependency.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Execute runs fn through the circuit breaker. Returns an *OpenError if the
// circuit is open. On success, resets the failure counter. On failure (if the
// error should trip the breaker), increments the failure counter. fn's error
// is returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is like Execute but preserves a return value. A panic inside fn
// is recorded as a failure and then re-raised.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	t, err := cb.allowRequest()
	if err != nil {
		return zero, err
	}

	recorded := false
	defer func() {
		if !recorded {
			cb.recordResult(t, eris.New("panic in protected call"))
		}
	}()

	val, err := fn(ctx)
	recorded = true
	cb.recordResult(t, err)
	return val, err
}

// State returns the current circuit state. An open circuit whose recovery
// timeout has elapsed reports half-open before any call transitions it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.cfg.RecoveryTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit back to closed state. Useful for testing or
// manual recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(CircuitClosed)
	cb.consecutiveFailures = 0
	cb.halfOpenSuccesses = 0
	cb.halfOpenInFlight = 0
}

// Counters returns the current failure count and state for observability.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures, cb.state
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
}

// Snapshot returns the breaker's current counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	state := cb.State()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:                cb.cfg.Name,
		State:               state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		HalfOpenSuccesses:   cb.halfOpenSuccesses,
		LastFailureAt:       cb.lastFailureTime,
	}
}

// admission records the breaker generation a call was let through under.
type admission struct {
	generation uint64
	halfOpen   bool
}

func (cb *CircuitBreaker) allowRequest() (admission, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := cb.nowFunc().Sub(cb.lastFailureTime)
		if elapsed < cb.cfg.RecoveryTimeout {
			return admission{}, &OpenError{Name: cb.cfg.Name, Remaining: cb.cfg.RecoveryTimeout - elapsed}
		}
		cb.transition(CircuitHalfOpen)
		cb.halfOpenSuccesses = 0
		cb.halfOpenInFlight = 0
		fallthrough
	case CircuitHalfOpen:
		if cb.halfOpenSuccesses+cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxCalls {
			return admission{}, &OpenError{Name: cb.cfg.Name}
		}
		cb.halfOpenInFlight++
		return admission{generation: cb.generation, halfOpen: true}, nil
	default:
		return admission{generation: cb.generation}, nil
	}
}

func (cb *CircuitBreaker) recordResult(a admission, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// The breaker changed state while the call was in flight.
	if a.generation != cb.generation {
		return
	}
	if a.halfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(e error) bool { return e != nil }
	}

	if err == nil || !shouldTrip(err) {
		// Success.
		switch cb.state {
		case CircuitHalfOpen:
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.cfg.HalfOpenMaxCalls {
				cb.transition(CircuitClosed)
				cb.consecutiveFailures = 0
				cb.halfOpenSuccesses = 0
				cb.halfOpenInFlight = 0
			}
		case CircuitClosed:
			cb.consecutiveFailures = 0
		}
		return
	}

	// Failure.
	cb.consecutiveFailures++
	cb.lastFailureTime = cb.nowFunc()

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open reopens the circuit.
		cb.transition(CircuitOpen)
		cb.halfOpenSuccesses = 0
		cb.halfOpenInFlight = 0
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.generation++
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// Registry holds the process-wide named circuit breakers. It is built once at
// startup and injected into every stage that calls an external dependency.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  CircuitBreakerConfig
	overrides map[string]CircuitBreakerConfig
}

// NewRegistry creates a registry. Breakers named in overrides use that
// config; every other name gets defaults.
func NewRegistry(defaults CircuitBreakerConfig, overrides map[string]CircuitBreakerConfig) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults,
		overrides: overrides,
	}
}

// Get returns the circuit breaker for the named service, creating one if needed.
func (r *Registry) Get(service string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = r.breakers[service]; ok {
		return cb
	}
	cfg, ok := r.overrides[service]
	if !ok {
		cfg = r.defaults
	}
	cfg.Name = service
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.defaults.OnStateChange
	}
	cb = NewCircuitBreaker(cfg)
	r.breakers[service] = cb
	return cb
}

// States returns a snapshot of all circuit breaker states.
func (r *Registry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]CircuitState, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State()
	}
	return states
}

// Snapshots returns every breaker's counters, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
