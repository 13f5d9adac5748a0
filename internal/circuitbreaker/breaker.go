// Package circuitbreaker guards job scheduling per provider: a provider
// whose job bodies keep blowing up stops receiving executions until a
// cooldown has passed.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/stratopipe/stratopipe/internal/domain"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type providerState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	clock     func() time.Time

	mu     sync.Mutex
	states map[domain.Provider]*providerState
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
		states:    make(map[domain.Provider]*providerState),
	}
}

// WithClock overrides the time source. Used by tests.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow reports whether a job for the provider may be scheduled. After the
// cooldown one trial execution is let through; further calls are rejected
// until that trial records an outcome.
func (cb *CircuitBreaker) Allow(provider domain.Provider) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[provider]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			log.Printf("circuitbreaker: provider=%s cooldown elapsed, letting one trial through", provider)
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess closes the provider's circuit and clears its failure streak.
func (cb *CircuitBreaker) RecordSuccess(provider domain.Provider) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[provider]
	if !ok {
		return
	}
	if s.state != stateClosed {
		log.Printf("circuitbreaker: provider=%s circuit closed", provider)
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

// RecordFailure extends the provider's failure streak and opens the circuit
// once the streak reaches the threshold. A failed half-open trial re-opens
// with a fresh cooldown.
func (cb *CircuitBreaker) RecordFailure(provider domain.Provider) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[provider]
	if !ok {
		s = &providerState{}
		cb.states[provider] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		from := s.state
		s.state = stateOpen
		s.openedAt = cb.clock()
		if from != stateOpen {
			log.Printf("circuitbreaker: provider=%s circuit opened after %d consecutive failures (was %s)",
				provider, s.consecutiveFailures, from)
		}
	}
}
