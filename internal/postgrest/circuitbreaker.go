package postgrest

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without contacting the backend while the breaker is open
var ErrCircuitOpen = errors.New("postgrest: circuit breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// CircuitBreaker stops sending queries to a failing backend. After
// FailureThreshold consecutive failures it rejects requests until
// RecoveryTimeout has passed, then lets HalfOpenMaxRequests trial requests through.
type CircuitBreaker struct {
	cfg      CircuitBreakerConfig
	state    breakerState
	failures int
	trials   int
	openedAt time.Time
	now      func() time.Time
	mu       sync.Mutex
}

// NewCircuitBreaker creates a new CircuitBreaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 2
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow returns ErrCircuitOpen if a request must not be sent
func (cb *CircuitBreaker) Allow() error {
	if !cb.cfg.Enabled {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.RecoveryTimeout {
			return ErrCircuitOpen
		}
		cb.state = breakerHalfOpen
		cb.trials = 0
		return nil
	case breakerHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenMaxRequests {
			return ErrCircuitOpen
		}
	}
	return nil
}

// Record feeds the outcome of a request into the breaker.
// ok is false for transport failures and 5xx responses.
func (cb *CircuitBreaker) Record(ok bool) {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if ok {
		switch cb.state {
		case breakerHalfOpen:
			cb.trials++
			if cb.trials >= cb.cfg.HalfOpenMaxRequests {
				cb.state = breakerClosed
				cb.failures = 0
			}
		case breakerClosed:
			cb.failures = 0
		}
		return
	}

	switch cb.state {
	case breakerClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	case breakerHalfOpen:
		cb.trip()
	}
}

// State returns the breaker state name
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = breakerOpen
	cb.openedAt = cb.now()
	cb.trials = 0
}
