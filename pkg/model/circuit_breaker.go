package model

import (
	"log/slog"
	"sync"
	"time"

	"github.com/odvcencio/hypogate/pkg/errors"
	"github.com/odvcencio/hypogate/pkg/logging"
)

// CircuitState is the breaker position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = map[CircuitState]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if name, ok := circuitStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// CircuitBreakerConfig tunes when the breaker trips and how long it cools down.
type CircuitBreakerConfig struct {
	// MaxFailures consecutive connection failures trip the breaker.
	MaxFailures uint32
	// ResetTimeout is the cooldown before a single probe is let through.
	ResetTimeout time.Duration
}

// DefaultCircuitBreakerConfig trips after five failures with a 30s cooldown.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second}
}

// CircuitBreaker counts consecutive connection failures against the model
// endpoint. While tripped it rejects calls until the cooldown elapses, then
// admits one probe whose outcome decides between closing and re-tripping.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      CircuitBreakerConfig
	log      *slog.Logger
	now      func() time.Time
	state    CircuitState
	failures uint32
	openedAt time.Time
}

// NewCircuitBreaker returns a closed breaker. A zero MaxFailures uses the default.
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultCircuitBreakerConfig().MaxFailures
	}
	return &CircuitBreaker{
		cfg: cfg,
		log: logging.OrDiscard(logger, logging.CategoryModel),
		now: time.Now,
	}
}

// State names the current position.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// FailureCount is the current run of consecutive failures.
func (cb *CircuitBreaker) FailureCount() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker and clears the failure run.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moveTo(CircuitClosed, "manual reset")
	cb.failures = 0
}

// Call runs fn unless the breaker is tripped. A tripped breaker yields a
// retryable MODEL_API_ERROR without invoking fn.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.settle(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return nil
	}
	elapsed := cb.now().Sub(cb.openedAt)
	if elapsed < cb.cfg.ResetTimeout {
		return errors.Newf(errors.ErrCodeModelAPIError,
			"model endpoint circuit open, retry in %v", (cb.cfg.ResetTimeout - elapsed).Round(time.Millisecond)).
			WithRetryable(true)
	}
	cb.failures = 0
	cb.moveTo(CircuitHalfOpen, "cooldown elapsed")
	return nil
}

func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.failures = 0
		cb.moveTo(CircuitClosed, "request succeeded")
		return
	}
	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.openedAt = cb.now()
		cb.moveTo(CircuitOpen, err.Error())
	}
}

// moveTo must be called with mu held.
func (cb *CircuitBreaker) moveTo(next CircuitState, reason string) {
	if cb.state == next {
		return
	}
	cb.log.Info("model circuit transition",
		"from", cb.state.String(), "to", next.String(),
		"failures", cb.failures, "reason", reason)
	cb.state = next
}
