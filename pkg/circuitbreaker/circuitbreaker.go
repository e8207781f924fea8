package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the function while the breaker rejects
// requests.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests fail immediately
	StateHalfOpen              // a limited number of probes pass through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold    int           `yaml:"failure_threshold"`     // consecutive failures before opening
	SuccessThreshold    int           `yaml:"success_threshold"`     // half-open successes before closing
	Timeout             time.Duration `yaml:"timeout"`               // open duration before probing
	MaxRequestsHalfOpen int           `yaml:"max_requests_half_open"` // concurrent probes while half-open
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	lastFailureTime  time.Time
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = 1
	}
	cb := &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.stateChangeTime = cb.now()
	return cb
}

// OnStateChange registers fn to be called after every transition. fn runs
// synchronously on the goroutine that caused the transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open and records its outcome. A
// cancelled ctx is not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult is Execute for functions returning a value.
func ExecuteWithResult[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := cb.acquire(); err != nil {
		return zero, err
	}

	result, err := fn()
	switch {
	case err == nil:
		cb.record(true)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		cb.release()
	default:
		cb.record(false)
	}
	if err != nil {
		return zero, err
	}
	return result, nil
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.stateChangeTime) < cb.config.Timeout {
			return ErrOpen
		}
		transition = cb.transitionTo(StateHalfOpen)
		cb.halfOpenRequests++
		return nil
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			return ErrOpen
		}
		cb.halfOpenRequests++
	}
	return nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}

	if success {
		cb.successCount++
		cb.failureCount = 0
		if cb.state == StateHalfOpen && cb.successCount >= cb.config.SuccessThreshold {
			transition = cb.transitionTo(StateClosed)
		}
		return
	}

	cb.failureCount++
	cb.successCount = 0
	cb.lastFailureTime = cb.now()
	if cb.state == StateHalfOpen ||
		(cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold) {
		transition = cb.transitionTo(StateOpen)
	}
}

// transitionTo must be called with mu held. It returns the callback to run
// once mu is released.
func (cb *CircuitBreaker) transitionTo(newState State) func() {
	if cb.state == newState {
		return nil
	}

	oldState := cb.state
	cb.state = newState
	cb.stateChangeTime = cb.now()
	cb.successCount = 0
	cb.halfOpenRequests = 0
	if newState != StateOpen {
		cb.failureCount = 0
	}

	if fn := cb.onStateChange; fn != nil {
		return func() { fn(oldState, newState) }
	}
	return nil
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type Stats struct {
	State            State
	FailureCount     int
	SuccessCount     int
	HalfOpenRequests int
	LastFailureTime  time.Time
	StateChangeTime  time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		HalfOpenRequests: cb.halfOpenRequests,
		LastFailureTime:  cb.lastFailureTime,
		StateChangeTime:  cb.stateChangeTime,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	transition := cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}
