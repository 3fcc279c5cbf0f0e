// Package energy provides a dependency-free VAD engine based on short-term
// signal energy with adaptive noise-floor tracking. It is the default engine
// for deployments that cannot run a neural VAD model; the probability it
// produces is calibrated so that the standard 0.5 threshold separates clear
// speech from line noise on telephony audio.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/trunkline/pkg/provider/vad"
)

// Default tuning. The noise floor adapts slowly upward (background hum) and
// quickly downward (end of a loud passage), a standard trick from WebRTC-style
// energy detectors.
const (
	defaultNoiseFloor = 0.002
	floorRiseRate     = 0.02
	floorFallRate     = 0.30
	// snrKnee is the RMS-over-floor ratio mapped to probability 0.5.
	snrKnee = 6.0
)

// Engine implements vad.Engine with an energy-based scorer.
type Engine struct{}

// New creates a new energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	window := cfg.WindowSamples
	if window == 0 {
		window = vad.WindowSamples
	}
	if window <= 0 {
		return nil, fmt.Errorf("energy: invalid window size %d", window)
	}
	return &session{
		window: window,
		floor:  defaultNoiseFloor,
	}, nil
}

// session is a single-stream energy scorer. Safe for concurrent use; the
// media loop and test helpers may probe it from different goroutines.
type session struct {
	mu     sync.Mutex
	window int
	floor  float64
	closed bool
}

// Score implements vad.SessionHandle.
func (s *session) Score(window []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("energy: session is closed")
	}
	if len(window) != s.window {
		return 0, fmt.Errorf("energy: window size %d, want %d", len(window), s.window)
	}

	var sum float64
	for _, f := range window {
		sum += float64(f) * float64(f)
	}
	rms := math.Sqrt(sum / float64(len(window)))

	// Track the noise floor: rise slowly, fall fast.
	if rms > s.floor {
		s.floor += floorRiseRate * (rms - s.floor)
	} else {
		s.floor += floorFallRate * (rms - s.floor)
	}
	if s.floor < defaultNoiseFloor {
		s.floor = defaultNoiseFloor
	}

	// Logistic map of the signal-to-floor ratio onto (0, 1), centred so that
	// a ratio of snrKnee scores exactly 0.5.
	ratio := rms / s.floor
	p := 1 / (1 + math.Exp(-(ratio-snrKnee)/2))
	return p, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.floor = defaultNoiseFloor
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ensure interfaces are satisfied at compile time.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)
