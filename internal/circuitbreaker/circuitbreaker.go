// Package circuitbreaker trips per-tenant after consecutive
// generation failures, so one misbehaving tenant's data cannot burn
// a whole cycle's budget.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type tenantState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker tracks failure streaks per tenant key. Half-open
// admits one probe; its outcome decides whether the circuit closes
// or re-opens.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*tenantState
	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*tenantState),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (cb *CircuitBreaker) Allow(tenant string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[tenant]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(tenant string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[tenant]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(tenant string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[tenant]
	if !ok {
		s = &tenantState{}
		cb.states[tenant] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = time.Now()
	}
}
