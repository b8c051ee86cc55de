package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates a single probe request is being allowed through.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// FailureRateThreshold is the percentage (0-100) of failed requests that
	// opens the circuit once MinRequests have been observed.
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	// MinRequests is the number of requests observed before the failure rate
	// is evaluated.
	MinRequests int `yaml:"min_requests"`
	// CoolDown is how long the circuit stays open before a probe is allowed.
	CoolDown time.Duration `yaml:"cool_down"`
	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time `yaml:"-"`
	// OnStateChange is invoked after every transition, outside the lock.
	OnStateChange func(key string, from, to CircuitBreakerState) `yaml:"-"`
}

// DefaultCircuitBreakerConfig returns the defaults: open at 50% failures
// after 10 requests, probe again after five minutes.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureRateThreshold: 50,
		MinRequests:          10,
		CoolDown:             5 * time.Minute,
	}
}

// CircuitBreaker guards calls to a single capability type.
//
// State lives in process memory. Several engine instances sharing a provider
// each keep their own view of its health.
type CircuitBreaker struct {
	mu     sync.Mutex
	key    string
	state  CircuitBreakerState
	config CircuitBreakerConfig

	failures      int
	successes     int
	totalRequests int
	lastFailure   time.Time
	openedAt      time.Time
	probeInFlight bool
	lastChange    time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(key string, config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureRateThreshold <= 0 {
		config.FailureRateThreshold = defaults.FailureRateThreshold
	}
	if config.MinRequests <= 0 {
		config.MinRequests = defaults.MinRequests
	}
	if config.CoolDown <= 0 {
		config.CoolDown = defaults.CoolDown
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		key:        key,
		state:      StateClosed,
		config:     config,
		lastChange: config.Now(),
	}
}

// Execute wraps a function call with circuit breaker protection. When the
// circuit rejects the call fn is never invoked.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	probe, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.afterRequest(probe, err)
	return err
}

// beforeRequest decides whether a call may proceed and whether it is the
// half-open probe.
func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	cb.mu.Lock()

	now := cb.config.Now()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil
	case StateOpen:
		if now.Sub(cb.openedAt) < cb.config.CoolDown {
			cb.mu.Unlock()
			return false, fmt.Errorf("%w: %s", ErrCircuitOpen, cb.key)
		}
		from := cb.transitionLocked(StateHalfOpen, now)
		cb.probeInFlight = true
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
		return true, nil
	case StateHalfOpen:
		defer cb.mu.Unlock()
		if cb.probeInFlight {
			return false, fmt.Errorf("%w: %s probe in flight", ErrCircuitOpen, cb.key)
		}
		cb.probeInFlight = true
		return true, nil
	default:
		cb.mu.Unlock()
		return false, fmt.Errorf("unknown circuit breaker state: %s", cb.state)
	}
}

// afterRequest records the result of a request.
func (cb *CircuitBreaker) afterRequest(probe bool, err error) {
	cb.mu.Lock()

	now := cb.config.Now()
	cb.totalRequests++
	if probe {
		cb.probeInFlight = false
	}

	var from, to CircuitBreakerState
	if err == nil {
		cb.successes++
		if probe && cb.state == StateHalfOpen {
			cb.failures = 0
			to = StateClosed
			from = cb.transitionLocked(StateClosed, now)
		}
	} else {
		cb.failures++
		cb.lastFailure = now
		switch {
		case probe && cb.state == StateHalfOpen:
			to = StateOpen
			from = cb.transitionLocked(StateOpen, now)
		case cb.state == StateClosed && cb.shouldOpenLocked():
			to = StateOpen
			from = cb.transitionLocked(StateOpen, now)
		}
	}
	cb.mu.Unlock()

	if to != "" && from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) shouldOpenLocked() bool {
	if cb.totalRequests < cb.config.MinRequests {
		return false
	}
	return cb.failureRateLocked() >= cb.config.FailureRateThreshold
}

func (cb *CircuitBreaker) failureRateLocked() float64 {
	if cb.totalRequests == 0 {
		return 0
	}
	return float64(cb.failures) / float64(cb.totalRequests) * 100
}

func (cb *CircuitBreaker) transitionLocked(next CircuitBreakerState, now time.Time) CircuitBreakerState {
	prev := cb.state
	if prev == next {
		return prev
	}
	cb.state = next
	cb.lastChange = now
	if next == StateOpen {
		cb.openedAt = now
		cb.probeInFlight = false
	}
	return prev
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.key, from, to)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := CircuitBreakerStats{
		State:           string(cb.state),
		Failures:        cb.failures,
		Successes:       cb.successes,
		TotalRequests:   cb.totalRequests,
		FailureRate:     cb.failureRateLocked(),
		LastStateChange: cb.lastChange.Format(time.RFC3339),
		CoolDown:        cb.config.CoolDown.String(),
	}
	if !cb.lastFailure.IsZero() {
		stats.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return stats
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State           string  `json:"state"`
	Failures        int     `json:"failures"`
	Successes       int     `json:"successes"`
	TotalRequests   int     `json:"totalRequests"`
	FailureRate     float64 `json:"failureRate"`
	LastFailure     string  `json:"lastFailure,omitempty"`
	LastStateChange string  `json:"lastStateChange"`
	CoolDown        string  `json:"coolDown"`
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	now := cb.config.Now()
	from := cb.transitionLocked(StateClosed, now)
	cb.failures = 0
	cb.successes = 0
	cb.totalRequests = 0
	cb.lastFailure = time.Time{}
	cb.probeInFlight = false
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// CircuitBreakerManager keeps one breaker per capability type.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	defaults CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates a manager whose breakers use defaults
// unless configured individually.
func NewCircuitBreakerManager(defaults CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		defaults: defaults,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Configure replaces the breaker for key with a freshly configured one.
func (m *CircuitBreakerManager) Configure(key string, config CircuitBreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if config.OnStateChange == nil {
		config.OnStateChange = m.defaults.OnStateChange
	}
	if config.Now == nil {
		config.Now = m.defaults.Now
	}
	m.breakers[key] = NewCircuitBreaker(key, config)
}

// Get retrieves the circuit breaker for key, creating one if needed.
func (m *CircuitBreakerManager) Get(key string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[key]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists := m.breakers[key]; exists {
		return cb
	}

	cb = NewCircuitBreaker(key, m.defaults)
	m.breakers[key] = cb
	return cb
}

// Stats returns statistics for all circuit breakers.
func (m *CircuitBreakerManager) Stats() map[string]CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats, len(m.breakers))
	for key, cb := range m.breakers {
		stats[key] = cb.Stats()
	}
	return stats
}

// ResetAll resets all circuit breakers to closed state.
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.breakers {
		cb.Reset()
	}
}
