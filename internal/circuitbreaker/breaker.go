// Package circuitbreaker implements the fault-isolation wrapper placed in
// front of every outbound call to JIRA, GitHub, and SAP Cloud Integration.
// Breaker state is process-local and cleared on restart; it is never
// persisted.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests rejected
	StateHalfOpen              // probing whether the downstream recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the breaker is
// open. It is not a call failure and is never counted against the breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker parameters.
type Config struct {
	// Name identifies this breaker ("jira", "github", "sap").
	Name string

	// FailureThreshold is the consecutive-failure count that trips the
	// breaker from closed to open.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before admitting a
	// trial request in half-open state.
	ResetTimeout time.Duration

	// HalfOpenSuccessThreshold is the consecutive successes required in
	// half-open state to close the breaker.
	HalfOpenSuccessThreshold int

	// CountFailureIf classifies errors; only errors for which it returns
	// true count toward tripping. Nil counts every error.
	CountFailureIf func(err error) bool

	// OnStateChange is invoked once per transition, after the breaker's
	// own structured log event.
	OnStateChange func(name string, from, to State)

	// Clock is the time source; tests inject a fake.
	Clock func() time.Time
}

// DefaultConfig returns the engine-wide breaker defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:                     name,
		FailureThreshold:         5,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 2,
	}
}

// Metrics is a consistent snapshot of one breaker's observable counters.
type Metrics struct {
	State               State
	TotalSuccesses      uint64
	TotalFailures       uint64
	Rejections          uint64
	ConsecutiveFailures int
	TransitionsToOpen   uint64
	TransitionsToHalf   uint64
	TransitionsToClosed uint64
}

// CircuitBreaker is the three-state fault isolator.
type CircuitBreaker struct {
	cfg Config

	mu                sync.Mutex
	state             State
	lastFailure       time.Time
	halfOpenSuccesses int
	halfOpenInFlight  int
	metrics           Metrics
}

// New creates a breaker, filling unset config fields with defaults.
func New(cfg Config) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state, applying the open-to-half-open timeout.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// GetMetrics returns a snapshot of this breaker's counters. The snapshot is
// consistent for this breaker only; breakers are not serialized against
// each other.
func (cb *CircuitBreaker) GetMetrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	m := cb.metrics
	m.State = cb.currentState()
	return m
}

// Execute runs fn under the breaker. Open-state rejections return
// ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		cb.metrics.Rejections++
		return ErrCircuitOpen
	case StateHalfOpen:
		// Admit only as many probes as needed to close the breaker.
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenSuccessThreshold {
			cb.metrics.Rejections++
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	if state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	failed := err != nil
	if failed && cb.cfg.CountFailureIf != nil {
		failed = cb.cfg.CountFailureIf(err)
	}

	if !failed {
		cb.onSuccess(state)
		return
	}
	cb.onFailure(state)
}

func (cb *CircuitBreaker) onSuccess(state State) {
	cb.metrics.TotalSuccesses++
	cb.metrics.ConsecutiveFailures = 0

	if state == StateHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.cfg.HalfOpenSuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State) {
	cb.metrics.TotalFailures++
	cb.metrics.ConsecutiveFailures++
	cb.lastFailure = cb.cfg.Clock()

	switch state {
	case StateClosed:
		if cb.metrics.ConsecutiveFailures >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// currentState applies the reset timeout. Callers hold cb.mu.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen &&
		cb.cfg.Clock().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

// setState transitions the breaker and emits one structured event.
// Callers hold cb.mu.
func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	from := cb.state
	cb.state = state

	switch state {
	case StateOpen:
		cb.metrics.TransitionsToOpen++
	case StateHalfOpen:
		cb.metrics.TransitionsToHalf++
		cb.halfOpenSuccesses = 0
		cb.halfOpenInFlight = 0
	case StateClosed:
		cb.metrics.TransitionsToClosed++
		cb.metrics.ConsecutiveFailures = 0
	}

	slog.Info("circuit breaker state change",
		"breaker", cb.cfg.Name, "from", from.String(), "to", state.String())

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, state)
	}
}

// Reset forces the breaker closed and clears the consecutive-failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.metrics.ConsecutiveFailures = 0
}

// ResetMetrics clears the counters while keeping the current state.
func (cb *CircuitBreaker) ResetMetrics() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.metrics = Metrics{}
}

// Manager hands out one breaker per downstream name.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      Config
}

// NewManager creates a manager whose breakers inherit the given defaults.
func NewManager(defaults Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaults,
	}
}

// Get returns the breaker for a downstream, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[name]; ok {
		return cb
	}

	cfg := m.cfg
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb
	return cb
}

// Stats returns a metrics snapshot for every breaker.
func (m *Manager) Stats() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Metrics, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = cb.GetMetrics()
	}
	return stats
}
