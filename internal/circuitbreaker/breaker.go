// Package circuitbreaker implements a keyed closed/open/half-open breaker.
// Each key (typically an upstream feed name) trips independently.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type keyState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeAt             time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*keyState
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(key string, from, to State)
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		states:    make(map[string]*keyState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnStateChange registers fn to be called on every transition. fn runs with
// the breaker lock held and must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(key string, from, to State)) *CircuitBreaker {
	cb.onChange = fn
	return cb
}

// WithClock overrides the time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow returns ErrCircuitOpen while key is open. After the cooldown a
// single probe is let through and the key moves to half-open until the
// probe's outcome is recorded. A probe that never reports back (cancelled,
// panicked) is replaced by a new one after another cooldown.
func (cb *CircuitBreaker) Allow(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if cb.now().Sub(s.openedAt) >= cb.cooldown {
			s.probeAt = cb.now()
			cb.transition(key, s, StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.now().Sub(s.probeAt) >= cb.cooldown {
			s.probeAt = cb.now()
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return
	}
	s.consecutiveFailures = 0
	if s.state != StateClosed {
		cb.transition(key, s, StateClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		s = &keyState{}
		cb.states[key] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || (s.state == StateClosed && s.consecutiveFailures >= cb.threshold) {
		s.openedAt = cb.now()
		cb.transition(key, s, StateOpen)
	}
}

// State reports the current state of key without advancing it.
func (cb *CircuitBreaker) State(key string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if s, ok := cb.states[key]; ok {
		return s.state
	}
	return StateClosed
}

func (cb *CircuitBreaker) transition(key string, s *keyState, to State) {
	from := s.state
	s.state = to
	if cb.onChange != nil && from != to {
		cb.onChange(key, from, to)
	}
}
