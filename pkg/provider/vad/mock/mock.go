// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify session creation and Session to feed scripted speech
// probabilities to the turn detector without a real scorer.
//
// Example:
//
//	sess := &mock.Session{Scores: []float64{0.9, 0.9, 0.1}}
//	e := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/trunkline/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every Config passed to NewSession.
	NewSessionCalls []vad.Config
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
// Scores are consumed one per Score call; when exhausted, DefaultScore is
// returned.
type Session struct {
	mu sync.Mutex

	// Scores is the scripted sequence of probabilities returned by Score.
	Scores []float64

	// DefaultScore is returned once Scores is exhausted.
	DefaultScore float64

	// ScoreErr, if non-nil, is returned by every Score call.
	ScoreErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// ScoreCallCount is the number of times Score was called.
	ScoreCallCount int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Score pops the next scripted probability.
func (s *Session) Score(window []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ScoreCallCount++
	if s.ScoreErr != nil {
		return 0, s.ScoreErr
	}
	if len(s.Scores) == 0 {
		return s.DefaultScore, nil
	}
	p := s.Scores[0]
	s.Scores = s.Scores[1:]
	return p, nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
