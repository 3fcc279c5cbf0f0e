// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := &mock.Session{
//	    TurnTranscripts: []stt.Transcript{{Text: "hello", IsFinal: true}},
//	}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/trunkline/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new default Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{PartialsCh: make(chan stt.Transcript, 16)}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// WriteAudioCall records a single invocation of Session.WriteAudio.
type WriteAudioCall struct {
	// Samples is a copy of the audio that was passed to WriteAudio.
	Samples []float32
}

// Session is a mock implementation of stt.SessionHandle.
// Pre-populate TurnTranscripts with the values FinalizeTurn should return in
// order; when exhausted, FinalizeTurn returns an empty final transcript.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials(). Callers own this
	// channel and are responsible for sending to and closing it in tests.
	PartialsCh chan stt.Transcript

	// TurnTranscripts is consumed one element per FinalizeTurn call.
	TurnTranscripts []stt.Transcript

	// WriteAudioErr, if non-nil, is returned by every WriteAudio call.
	WriteAudioErr error

	// FinalizeErr, if non-nil, is returned by every FinalizeTurn call.
	FinalizeErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// WriteAudioCalls records every call to WriteAudio in order.
	WriteAudioCalls []WriteAudioCall

	// FinalizeCallCount is the number of times FinalizeTurn was called.
	FinalizeCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// WriteAudio records the call and returns WriteAudioErr.
func (s *Session) WriteAudio(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	s.WriteAudioCalls = append(s.WriteAudioCalls, WriteAudioCall{Samples: cp})
	return s.WriteAudioErr
}

// Partials returns PartialsCh. The caller must have initialised PartialsCh
// before calling this method.
func (s *Session) Partials() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

// FinalizeTurn records the call and pops the next queued transcript.
func (s *Session) FinalizeTurn(ctx context.Context) (stt.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinalizeCallCount++
	if s.FinalizeErr != nil {
		return stt.Transcript{}, s.FinalizeErr
	}
	if len(s.TurnTranscripts) == 0 {
		return stt.Transcript{IsFinal: true}, nil
	}
	t := s.TurnTranscripts[0]
	s.TurnTranscripts = s.TurnTranscripts[1:]
	return t, nil
}

// WrittenSamples returns the total number of samples delivered so far.
// Thread-safe.
func (s *Session) WrittenSamples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.WriteAudioCalls {
		n += len(c.Samples)
	}
	return n
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteAudioCalls = nil
	s.FinalizeCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
