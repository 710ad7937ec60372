// Copyright 2025 Certen Protocol
//
// Backpressure / circuit breaker companion facility used by
// source collaborators: trips a named source's circuit after repeated
// failures and moves it to half-open after a cool-down. Calls are not
// limited to a single probe while half-open: every call is allowed
// until a success closes the circuit or a failure reopens it.
//
// The retry/backoff idiom is generalized into a standalone per-source
// state machine rather than inlined at each call site.

package quality

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// CircuitState is the state of one source's circuit.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// ErrCircuitOpen is returned when a call is rejected because the
// circuit is open and the cool-down has not yet elapsed.
var ErrCircuitOpen = errors.New("quality: circuit open")

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	CoolDown         time.Duration
	RetryBase        float64
	MaxRetries       int
}

// DefaultCircuitBreakerConfig returns the stock breaker tunables.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 10,
		CoolDown:         30 * time.Second,
		RetryBase:        2,
		MaxRetries:       3,
	}
}

type sourceCircuit struct {
	state    CircuitState
	failures int
	openedAt time.Time
}

// CircuitBreaker tracks per-source failure counters and circuit state.
// Guarded by its own mutex with short critical sections; no lock is
// held across I/O.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*sourceCircuit
}

// NewCircuitBreaker constructs a CircuitBreaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultCircuitBreakerConfig().CoolDown
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultCircuitBreakerConfig().RetryBase
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultCircuitBreakerConfig().MaxRetries
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, circuits: make(map[string]*sourceCircuit)}
}

func (b *CircuitBreaker) circuitFor(source string) *sourceCircuit {
	c, ok := b.circuits[source]
	if !ok {
		c = &sourceCircuit{state: CircuitClosed}
		b.circuits[source] = c
	}
	return c
}

// Allow reports whether a call against source may proceed, transitioning
// OPEN -> HALF_OPEN when the cool-down has elapsed. It returns true for
// every call made while the circuit is CLOSED or HALF_OPEN.
func (b *CircuitBreaker) Allow(source string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(source)
	switch c.state {
	case CircuitOpen:
		if b.now().Sub(c.openedAt) >= b.cfg.CoolDown {
			c.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure counter and closes the circuit if it
// was half-open (a successful probe).
func (b *CircuitBreaker) RecordSuccess(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(source)
	c.failures = 0
	if c.state == CircuitHalfOpen {
		c.state = CircuitClosed
	}
}

// RecordFailure increments the failure counter, opening the circuit
// once it crosses FailureThreshold.
func (b *CircuitBreaker) RecordFailure(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(source)
	c.failures++
	if c.state == CircuitHalfOpen || c.failures >= b.cfg.FailureThreshold {
		c.state = CircuitOpen
		c.openedAt = b.now()
	}
}

// State returns the current circuit state for source.
func (b *CircuitBreaker) State(source string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuitFor(source).state
}

// Call invokes fn with retries under exponential backoff (base^attempt
// seconds) while the circuit is allowing calls. Returns ErrCircuitOpen
// immediately without invoking fn if the circuit rejects the call.
func (b *CircuitBreaker) Call(ctx context.Context, source string, fn func(ctx context.Context) error) error {
	if !b.Allow(source) {
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; attempt < b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(math.Pow(b.cfg.RetryBase, float64(attempt))) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := fn(ctx); err != nil {
			lastErr = err
			continue
		}
		b.RecordSuccess(source)
		return nil
	}
	b.RecordFailure(source)
	return lastErr
}
