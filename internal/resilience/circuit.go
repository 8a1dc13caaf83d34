// Package resilience guards backend calls with a circuit breaker and
// classifies which failures mean the backend is unavailable.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// State is the state of a Breaker.
type State int

const (
	// StateClosed lets calls through.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen
	// StateHalfOpen lets probe calls through to test recovery.
	StateHalfOpen
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

// ErrCircuitOpen is returned when a call is rejected without reaching the
// backend.
var ErrCircuitOpen = eris.New("resilience: backend circuit is open")

// BreakerConfig controls breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive backend failures that
	// opens the circuit. Default: 3.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe is
	// allowed. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenProbes is the number of successful probes that close the
	// circuit again. It also caps how many calls may be in flight while
	// half-open. Default: 1.
	HalfOpenProbes int

	// ShouldTrip decides which errors count as failures. Default:
	// IsBackendFailure.
	ShouldTrip func(err error) bool

	// OnStateChange is called with the lock held on every transition.
	OnStateChange func(from, to State)
}

// DefaultBreakerConfig returns the defaults used for the backend.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Breaker is a circuit breaker for one backend.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	inflight    int

	nowFunc func() time.Time
}

// NewBreaker creates a breaker, filling zero config values with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsBackendFailure
	}
	return &Breaker{cfg: cfg, nowFunc: time.Now}
}

// Execute runs fn unless the circuit is open. While half-open, calls beyond
// HalfOpenProbes in flight are rejected with ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(err, trial)
	return err
}

// ExecuteVal is Execute for calls that return a value.
func ExecuteVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	trial, err := b.allow()
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err, trial)
	return v, err
}

// State returns the current state. An open circuit whose reset timeout has
// elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.nowFunc().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the circuit, e.g. after a successful health check.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probes = 0
	b.inflight = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// allow reports whether a call may run and whether it is a half-open trial.
func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.nowFunc().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		b.inflight = 0
		b.transition(StateHalfOpen)
	}
	if b.inflight >= b.cfg.HalfOpenProbes {
		return false, ErrCircuitOpen
	}
	b.inflight++
	return true, nil
}

func (b *Breaker) record(err error, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial && b.state == StateHalfOpen && b.inflight > 0 {
		b.inflight--
	}

	if err == nil || !b.cfg.ShouldTrip(err) {
		switch b.state {
		case StateHalfOpen:
			b.probes++
			if b.probes >= b.cfg.HalfOpenProbes {
				b.failures = 0
				b.probes = 0
				b.inflight = 0
				b.transition(StateClosed)
			}
		case StateClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	b.lastFailure = b.nowFunc()
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probes = 0
		b.inflight = 0
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
