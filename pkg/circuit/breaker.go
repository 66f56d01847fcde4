// Package circuit provides a circuit breaker for calls to the node and brokers.
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/qminer/pkg/errors"
)

const operationName = "circuit_breaker"

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit allows limited requests to test recovery
	StateHalfOpen
)

// String returns string representation of the state
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
	MaxFailures     int           // Maximum failures before opening
	SuccessRequired int           // Successful calls required to close from half-open
	Timeout         time.Duration // How long to wait before going to half-open
	ResetTimeout    time.Duration // How long to reset failure count in closed state

	// OnStateChange is called after every transition, outside the breaker lock.
	OnStateChange func(from, to State)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// RPCConfig returns a configuration for the node RPC connection. It opens
// faster than the default since a miner has nothing useful to do while the
// node is down except keep hashing the job it already has.
func RPCConfig() *Config {
	return &Config{
		MaxFailures:     3,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mutex  sync.RWMutex

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// IsOpen reports whether err was produced by a breaker rejecting a call.
func IsOpen(err error) bool {
	var se *errors.ServiceError
	return stderrors.As(err, &se) && se.Operation == operationName
}

// openError is not retryable: backing off against an open breaker only
// burns attempts until the breaker timeout elapses.
func openError(state State) error {
	e := errors.New(errors.ErrorTypeNetwork, operationName, "circuit breaker is open").
		WithContext("state", state.String())
	e.Retryable = false
	return e
}

// Execute runs a function with circuit breaker protection
func (cb *Breaker) Execute(_ context.Context, fn func() error) error {
	if !cb.allowRequest() {
		return openError(cb.GetState())
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// ExecuteWithResult runs a function with circuit breaker protection and returns result
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !cb.allowRequest() {
		return zero, openError(cb.GetState())
	}

	result, err := fn()
	cb.recordResult(err)
	return result, err
}

// setState must be called with the lock held. It returns a closure that
// fires the change hook and must be run after unlocking.
func (cb *Breaker) setState(to State) func() {
	from := cb.state
	cb.state = to
	cb.successes = 0
	if from == to || cb.config.OnStateChange == nil {
		return func() {}
	}
	hook := cb.config.OnStateChange
	return func() { hook(from, to) }
}

// allowRequest determines if a request should be allowed based on current state
func (cb *Breaker) allowRequest() bool {
	cb.mutex.Lock()
	notify := func() {}
	defer func() {
		cb.mutex.Unlock()
		notify()
	}()

	now := time.Now()

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		return true

	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			notify = cb.setState(StateHalfOpen)
			return true
		}
		return false

	case StateHalfOpen:
		return true

	default:
		return false
	}
}

// recordResult records the result of a function execution
func (cb *Breaker) recordResult(err error) {
	cb.mutex.Lock()
	notify := func() {}
	defer func() {
		cb.mutex.Unlock()
		notify()
	}()

	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()

		if cb.state == StateClosed && cb.failures >= cb.config.MaxFailures {
			notify = cb.setState(StateOpen)
		} else if cb.state == StateHalfOpen {
			notify = cb.setState(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessRequired {
			notify = cb.setState(StateClosed)
			cb.failures = 0
			cb.lastResetTime = time.Now()
		}
	case StateClosed:
		cb.successes++
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return Stats{
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	notify := cb.setState(StateClosed)
	cb.failures = 0
	cb.lastResetTime = time.Now()
	cb.mutex.Unlock()
	notify()
}
