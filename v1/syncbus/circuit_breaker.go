package syncbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
)

// ErrCircuitOpen is returned without touching the inner bus while the
// breaker is open.
var ErrCircuitOpen = fmt.Errorf("%w: bus circuit breaker is open", derrors.ErrDistributed)

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
	}
	return "closed"
}

// CircuitBreakerBus guards the Publish and Subscribe calls of an inner bus.
// After threshold consecutive failures it opens and fails fast with
// ErrCircuitOpen; once timeout has passed a single probe call is let through
// and its outcome closes or reopens the breaker. Calls are never retried.
//
// Unsubscribe always reaches the inner bus so subscriptions are not leaked.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	timeout   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker wraps bus. threshold below one is treated as one.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreakerBus{bus: bus, threshold: threshold, timeout: timeout, now: time.Now}
}

// State returns "closed", "open" or "half-open".
func (cb *CircuitBreakerBus) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// IsHealthy reports whether the next call would reach the inner bus.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerOpen:
		return cb.now().Sub(cb.openedAt) >= cb.timeout
	case breakerHalfOpen:
		return false
	}
	return true
}

func (cb *CircuitBreakerBus) setState(s breakerState) {
	if cb.state == s {
		return
	}
	slog.Info("syncbus: circuit breaker state change", "from", cb.state.String(), "to", s.String(), "failures", cb.failures)
	cb.state = s
}

// allow admits a call, moving an expired open breaker to half-open.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.timeout {
			cb.setState(breakerHalfOpen)
			return true
		}
	}
	return false
}

func (cb *CircuitBreakerBus) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.failures = 0
		cb.setState(breakerClosed)
		return
	}
	cb.failures++
	if cb.state == breakerHalfOpen || cb.failures >= cb.threshold {
		cb.openedAt = cb.now()
		cb.setState(breakerOpen)
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, channel, payload)
	cb.record(err)
	return err
}

// Subscribe implements Bus.Subscribe. A cancelled ctx is not counted as a bus
// failure.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, channel string) (chan []byte, error) {
	if !cb.allow() {
		return nil, ErrCircuitOpen
	}
	ch, err := cb.bus.Subscribe(ctx, channel)
	if err != nil && ctx.Err() != nil {
		// Give the probe slot back without judging the bus.
		cb.mu.Lock()
		if cb.state == breakerHalfOpen {
			cb.state = breakerOpen
		}
		cb.mu.Unlock()
		return nil, err
	}
	cb.record(err)
	return ch, err
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, channel string, ch chan []byte) error {
	return cb.bus.Unsubscribe(ctx, channel, ch)
}
