package engine

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rendis/stepflow/pkg/schema"
)

// CircuitState is the state of one action's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreakerConfig configures per-action breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures that
	// opens the circuit. 0 disables breaking.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before letting a
	// probe through.
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig opens after 5 failures for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type breaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// CircuitBreakers tracks action types whose backends keep failing, so
// executions fail fast instead of waiting out every retry.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	clock    clock.Clock
}

// NewCircuitBreakers creates a breaker set.
func NewCircuitBreakers(cfg CircuitBreakerConfig, c clock.Clock) *CircuitBreakers {
	if c == nil {
		c = clock.New()
	}
	return &CircuitBreakers{breakers: map[string]*breaker{}, config: cfg, clock: c}
}

// Allow returns an ACTION_UNAVAILABLE error when the action's circuit is
// open. After the cooldown one probe call is let through.
func (cb *CircuitBreakers) Allow(action string) error {
	if cb == nil || cb.config.FailureThreshold <= 0 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b := cb.get(action)
	switch b.state {
	case CircuitOpen:
		remaining := cb.config.Cooldown - cb.clock.Since(b.openedAt)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeActionUnavailable,
				"action %q is unavailable after %d consecutive failures", action, b.failures).
				WithDetails(map[string]any{"action": action, "retryIn": remaining.String()})
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q is being probed after failures", action)
		}
		b.probing = true
	}
	return nil
}

// Record updates the breaker with a call's result. Only transient failures
// count; a rejected parameter says nothing about the backend.
func (cb *CircuitBreakers) Record(action string, err error) {
	if cb == nil || cb.config.FailureThreshold <= 0 {
		return
	}
	if err != nil && !IsRetryableError(err) {
		err = nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b := cb.get(action)
	b.probing = false
	if err == nil {
		b.state = CircuitClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= cb.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = cb.clock.Now()
	}
}

// State returns the current state of an action's circuit.
func (cb *CircuitBreakers) State(action string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	b := cb.get(action)
	if b.state == CircuitOpen && cb.clock.Since(b.openedAt) >= cb.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (cb *CircuitBreakers) get(action string) *breaker {
	b, ok := cb.breakers[action]
	if !ok {
		b = &breaker{}
		cb.breakers[action] = b
	}
	return b
}
