package resilience

import (
	"errors"
	"fmt"
	"testing"
)

// fakeSynth stands in for a synthesis backend in chain tests.
type fakeSynth struct {
	name string
	err  error
}

func newSynthChain(primaryErr, fallbackErr error, cfg ChainConfig) *Chain[*fakeSynth] {
	c := NewChain(&fakeSynth{name: "elevenlabs", err: primaryErr}, "elevenlabs", cfg)
	c.Add("polly", &fakeSynth{name: "polly", err: fallbackErr})
	return c
}

func TestChain_PrimarySucceeds(t *testing.T) {
	t.Parallel()
	c := newSynthChain(nil, nil, ChainConfig{})

	var used string
	err := c.Do(func(s *fakeSynth) error {
		used = s.name
		return s.err
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if used != "elevenlabs" {
		t.Errorf("served by %q, want primary", used)
	}
}

func TestChain_FailsOverToNextBackend(t *testing.T) {
	t.Parallel()
	c := newSynthChain(errModelDown, nil, ChainConfig{})

	var used string
	err := c.Do(func(s *fakeSynth) error {
		used = s.name
		return s.err
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if used != "polly" {
		t.Errorf("served by %q, want fallback", used)
	}
}

func TestChain_AllBackendsFail(t *testing.T) {
	t.Parallel()
	c := newSynthChain(errModelDown, errModelDown, ChainConfig{})

	err := c.Do(func(s *fakeSynth) error { return s.err })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestChain_OpenBreakerSkipsPrimary(t *testing.T) {
	t.Parallel()
	c := newSynthChain(errModelDown, nil, ChainConfig{
		Breaker: BreakerConfig{MaxFailures: 2},
	})

	var primaryCalls int
	run := func() error {
		return c.Do(func(s *fakeSynth) error {
			if s.name == "elevenlabs" {
				primaryCalls++
			}
			return s.err
		})
	}

	// Two failures open the primary's breaker.
	for i := 0; i < 2; i++ {
		if err := run(); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if primaryCalls != 2 {
		t.Fatalf("primary calls = %d, want 2", primaryCalls)
	}

	// Subsequent calls go straight to the fallback.
	if err := run(); err != nil {
		t.Fatalf("run after open: %v", err)
	}
	if primaryCalls != 2 {
		t.Errorf("primary calls = %d, want 2 (breaker should skip it)", primaryCalls)
	}
}

func TestChain_Primary(t *testing.T) {
	t.Parallel()
	c := newSynthChain(nil, nil, ChainConfig{})
	if got := c.Primary().name; got != "elevenlabs" {
		t.Errorf("Primary().name = %q, want elevenlabs", got)
	}
}

func TestAttempt_ReturnsResultFromFirstHealthyBackend(t *testing.T) {
	t.Parallel()
	c := newSynthChain(errModelDown, nil, ChainConfig{})

	audio, err := Attempt(c, func(s *fakeSynth) ([]byte, error) {
		if s.err != nil {
			return nil, s.err
		}
		return []byte(s.name), nil
	})
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if string(audio) != "polly" {
		t.Errorf("result = %q, want from fallback", audio)
	}
}

func TestAttempt_AllFailWrapsLastError(t *testing.T) {
	t.Parallel()
	c := NewChain(&fakeSynth{name: "elevenlabs"}, "elevenlabs", ChainConfig{})
	c.Add("polly", &fakeSynth{name: "polly"})

	_, err := Attempt(c, func(s *fakeSynth) (string, error) {
		return "", fmt.Errorf("%s: voice not found", s.name)
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
