package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState is the position of a breaker. The numeric values are exported as the
// breaker_state gauge.
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

// ErrBreakerOpen is returned without calling the downstream while the breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker open")

// CircuitBreaker stops a single worker from spending ProcessTimeout on every message while
// a downstream is down. After maxFailures consecutive failures it opens; once cooldown has
// passed the next call is let through as a probe, and successes consecutive probes close it.
type CircuitBreaker struct {
	name        string
	maxFailures uint32
	cooldown    time.Duration
	successes   uint32
	now         func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failed   uint32
	probes   uint32
	openedAt time.Time
	onChange func(name string, state CircuitState)
}

// NewCircuitBreaker returns a closed breaker. Zero values fall back to 5 failures, a 10s
// cooldown and 2 probe successes.
func NewCircuitBreaker(name string, maxFailures uint32, cooldown time.Duration, successes uint32) *CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	if successes == 0 {
		successes = 2
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		successes:   successes,
		now:         time.Now,
	}
}

// OnStateChange registers fn to be called after every transition. Set it before the breaker
// is used.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, state CircuitState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute calls fn unless the breaker is open. A failure after ctx was cancelled is not
// counted; one after ctx's deadline is, since a hung downstream must still trip the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return ErrBreakerOpen
	}
	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return true
	}
	if cb.now().Sub(cb.openedAt) < cb.cooldown {
		return false
	}
	cb.probes = 0
	cb.transition(StateHalfOpen)
	return true
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case ok && cb.state == StateHalfOpen:
		cb.probes++
		if cb.probes >= cb.successes {
			cb.failed = 0
			cb.transition(StateClosed)
		}
	case ok:
		cb.failed = 0
	case cb.state == StateHalfOpen:
		cb.trip()
	default:
		cb.failed++
		if cb.failed >= cb.maxFailures {
			cb.trip()
		}
	}
}

func (cb *CircuitBreaker) trip() {
	cb.failed = 0
	cb.openedAt = cb.now()
	cb.transition(StateOpen)
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	cb.state = to
	if cb.onChange != nil {
		cb.onChange(cb.name, to)
	}
}
