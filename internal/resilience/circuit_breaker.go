package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chiqo-ke/algoforge/internal/errs"
	"github.com/chiqo-ke/algoforge/internal/logging"
)

// CircuitState mirrors the {closed, open, half-open} machine used by the
// router's per-provider breakers.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures the breaker.
type CircuitBreakerConfig struct {
	Name             string
	ErrorThreshold   float64 // fraction of failures in WindowSize that trips the breaker
	VolumeThreshold  int     // minimum samples before evaluating ErrorThreshold
	SleepWindow      time.Duration
	HalfOpenRequests int
	WindowSize       time.Duration
	Logger           logging.Logger
}

// DefaultCircuitBreakerConfig is a production-reasonable default.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		WindowSize:       60 * time.Second,
		Logger:           logging.NoOpLogger{},
	}
}

type sample struct {
	at      time.Time
	success bool
}

// CircuitBreaker implements the rolling-window error-rate breaker described
// in spec.md §4.2's key state machine, generalized to any guarded call.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu             sync.Mutex
	state          CircuitState
	stateChangedAt time.Time
	samples        []sample

	halfOpenInFlight atomic.Int32
}

// NewCircuitBreaker constructs a breaker, filling in defaults for a nil config.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.Logger == nil {
		config.Logger = logging.NoOpLogger{}
	}
	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 5
	}
	return &CircuitBreaker{config: config, state: StateClosed, stateChangedAt: time.Now()}
}

// State returns the current circuit state, transitioning open->half-open if
// the sleep window has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeEnterHalfOpenLocked()
	return cb.state
}

func (cb *CircuitBreaker) maybeEnterHalfOpenLocked() {
	if cb.state == StateOpen && time.Since(cb.stateChangedAt) >= cb.config.SleepWindow {
		cb.transitionLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChangedAt = time.Now()
	cb.halfOpenInFlight.Store(0)
	cb.config.Logger.Info("circuit breaker state change", map[string]interface{}{
		"name": cb.config.Name, "from": from.String(), "to": to.String(),
	})
}

// CanExecute reports whether a new call may proceed under the breaker.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	cb.maybeEnterHalfOpenLocked()
	state := cb.state
	cb.mu.Unlock()

	switch state {
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.halfOpenInFlight.Add(1) <= int32(cb.config.HalfOpenRequests)
	default:
		return true
	}
}

// RecordSuccess registers a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.record(true)
}

// RecordFailure registers a failed call outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.record(false)
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.samples = append(cb.samples, sample{at: now, success: success})
	cutoff := now.Add(-cb.config.WindowSize)
	kept := cb.samples[:0]
	for _, s := range cb.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	cb.samples = kept

	if cb.state == StateHalfOpen {
		if !success {
			cb.transitionLocked(StateOpen)
			return
		}
		// enough consecutive half-open successes close the circuit
		successes := 0
		for _, s := range cb.samples {
			if s.success && !s.at.Before(cb.stateChangedAt) {
				successes++
			}
		}
		if successes >= cb.config.HalfOpenRequests {
			cb.transitionLocked(StateClosed)
		}
		return
	}

	if len(cb.samples) < cb.config.VolumeThreshold {
		return
	}
	failures := 0
	for _, s := range cb.samples {
		if !s.success {
			failures++
		}
	}
	if float64(failures)/float64(len(cb.samples)) >= cb.config.ErrorThreshold {
		cb.transitionLocked(StateOpen)
	}
}

// Execute runs fn under circuit-breaker protection, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.CanExecute() {
		return fmt.Errorf("circuit %q is open: %w", cb.config.Name, errs.ErrConnectionFailed)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}
