// Package resilience keeps a flapping model backend from dragging every live
// call down with it. A [Breaker] guards one backend (an LLM, recogniser, or
// synthesis endpoint) and stops hammering it after repeated failures; a
// [Chain] lines up alternative backends of the same provider interface and
// fails over to the next healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/trunkline/internal/observe"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker refuses calls
// because its backend failed too recently.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call; the backend is considered healthy.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrBreakerOpen] until the cool-down
	// passes.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to test
	// whether the backend recovered.
	StateHalfOpen
)

// String returns the state name used in logs and metric attributes.
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

// BreakerConfig tunes one [Breaker]. Zero values take the defaults.
type BreakerConfig struct {
	// Backend names the guarded endpoint in logs and metric attributes.
	Backend string

	// MaxFailures is how many consecutive failures it takes to open a
	// closed breaker. Default 5.
	MaxFailures int

	// CoolDown is how long an open breaker waits before probing the backend
	// again. Default 30s.
	CoolDown time.Duration

	// Probes is the half-open budget: that many clean calls close the
	// breaker, any failure re-opens it. Default 3.
	Probes int

	// Log receives state transitions. Nil means slog.Default.
	Log *slog.Logger

	// Metrics counts state transitions. Nil disables recording.
	Metrics *observe.Metrics
}

func (c *BreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 3
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Breaker is a three-state circuit breaker around one backend.
type Breaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      State
	failures   int // consecutive failures while closed
	probesLeft int // remaining half-open budget
	retryAt    time.Time
}

// NewBreaker creates a closed [Breaker] for the named backend.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.applyDefaults()
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker refuses, and feeds the outcome back into the
// breaker's state. While open it returns [ErrBreakerOpen] without touching
// the backend.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probe, err)
	return err
}

// admit decides whether a call may go through. probe reports that the call
// spends half-open budget.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Now().Before(b.retryAt) {
			return false, ErrBreakerOpen
		}
		// Cool-down over: probe the backend.
		b.shift(StateHalfOpen)
		b.probesLeft = b.cfg.Probes
	case StateHalfOpen:
		if b.probesLeft == 0 {
			return false, ErrBreakerOpen
		}
	}

	if b.state == StateHalfOpen {
		b.probesLeft--
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		if probe {
			// The backend is still down; back to the cool-down.
			b.trip()
			return
		}
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
		return
	}

	if probe && b.state == StateHalfOpen && b.probesLeft == 0 {
		// The whole probe budget came back clean.
		b.shift(StateClosed)
	}
	b.failures = 0
}

// trip opens the breaker and starts the cool-down. Must hold b.mu.
func (b *Breaker) trip() {
	b.retryAt = time.Now().Add(b.cfg.CoolDown)
	b.failures = 0
	b.shift(StateOpen)
}

// shift moves to a new state, logging and counting the transition.
// Must hold b.mu.
func (b *Breaker) shift(to State) {
	if b.state == to {
		return
	}
	b.state = to
	b.cfg.Log.Info("breaker state changed",
		"backend", b.cfg.Backend, "state", to.String())
	b.cfg.Metrics.RecordBreakerTransition(context.Background(), b.cfg.Backend, to.String())
}

// State reports the current mode. An open breaker whose cool-down has passed
// reports half-open; the actual transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !time.Now().Before(b.retryAt) {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed, wiping all failure history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probesLeft = 0
	b.shift(StateClosed)
}
