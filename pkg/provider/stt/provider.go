// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or a
// local Whisper server) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts normalised PCM
// audio and emits low-latency partial transcripts while the caller speaks.
// When the turn detector declares the utterance finished, FinalizeTurn flushes
// the recogniser and returns the authoritative transcript for the whole turn.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The gateway upsamples
	// telephony audio to 16000 before it reaches the session.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// WriteAudio delivers mono PCM samples normalised to [-1, 1] at the
	// configured sample rate. Calling WriteAudio after Close returns an error.
	WriteAudio(samples []float32) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These are
	// suitable for logging and UI but must not be committed to the
	// conversation. The channel is closed when the session ends.
	Partials() <-chan Transcript

	// FinalizeTurn flushes all buffered audio through the recogniser and
	// returns the authoritative transcript of everything spoken since the
	// previous turn boundary. An empty Text means the provider heard nothing
	// usable. Blocks until the provider commits or ctx is done.
	FinalizeTurn(ctx context.Context) (Transcript, error)

	// Close terminates the session and releases all associated resources.
	// After Close returns, the Partials channel is closed. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously, one per active call.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
