package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [Chain] failed or sat
// behind an open breaker.
var ErrAllFailed = errors.New("resilience: every backend failed")

// ChainConfig configures a [Chain]. The Breaker config is the template for
// each backend's own breaker; its Backend field is set per entry.
type ChainConfig struct {
	Breaker BreakerConfig

	// Log receives failover events. Nil means slog.Default.
	Log *slog.Logger
}

// chainEntry pairs one backend with its dedicated breaker.
type chainEntry[T any] struct {
	name    string
	impl    T
	breaker *Breaker
}

// Chain tries a primary backend first and fails over, in registration order,
// to whichever alternative is next and healthy. Every backend carries its own
// [Breaker], so a dead primary is skipped outright instead of being retried
// by every live call.
//
// Chain is safe for concurrent use once assembled; Add is not safe to call
// concurrently with Do or [Attempt].
type Chain[T any] struct {
	cfg     ChainConfig
	log     *slog.Logger
	entries []chainEntry[T]
}

// NewChain creates a [Chain] with primary as its first backend.
func NewChain[T any](primary T, name string, cfg ChainConfig) *Chain[T] {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	c := &Chain[T]{cfg: cfg, log: cfg.Log}
	c.Add(name, primary)
	return c
}

// Add appends a fallback backend. Backends are tried in the order added.
func (c *Chain[T]) Add(name string, impl T) {
	bcfg := c.cfg.Breaker
	bcfg.Backend = name
	if bcfg.Log == nil {
		bcfg.Log = c.log
	}
	c.entries = append(c.entries, chainEntry[T]{
		name:    name,
		impl:    impl,
		breaker: NewBreaker(bcfg),
	})
}

// Primary returns the first backend. Useful for static metadata that must not
// flap with failover, like a synthesis sample rate.
func (c *Chain[T]) Primary() T {
	return c.entries[0].impl
}

// Do tries fn against each backend in order until one succeeds. Backends with
// an open breaker are skipped. Returns [ErrAllFailed] wrapping the last error
// when none succeeds.
func (c *Chain[T]) Do(fn func(T) error) error {
	_, err := Attempt(c, func(impl T) (struct{}, error) {
		return struct{}{}, fn(impl)
	})
	return err
}

// Attempt tries fn against each backend in the chain until one succeeds and
// returns its result. A package-level function because Go has no method-level
// type parameters.
func Attempt[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.entries {
		entry := &c.entries[i]
		var result R
		err := entry.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(entry.impl)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			c.log.Debug("skipping backend, breaker open", "backend", entry.name)
		} else {
			c.log.Warn("backend failed, trying next", "backend", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
