// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a window-level speech scorer (e.g., an energy detector or
// a neural model served out of process) and surfaces it as a stateful,
// per-call session. Each session maintains its own internal state (smoothing
// history, noise floor estimates) so that multiple concurrent audio streams
// can be processed independently.
//
// VAD is synchronous by design: Score returns immediately with a speech
// probability, making it suitable for the low-latency media loop that gates
// STT input and drives turn-taking.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// WindowSamples is the number of PCM samples in one scoring window. At the
// 16 kHz analysis rate this is 32 ms of audio.
const WindowSamples = 512

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// windows passed to Score. The gateway analyses at 16000.
	SampleRate int

	// WindowSamples is the fixed window size in samples. Zero means the
	// package default of 512. Score returns an error if the supplied window
	// does not match this size.
	WindowSamples int
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine. Each session maintains its own detection state;
// Reset clears this state without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// Score analyses one fixed-size window of mono PCM normalised to [-1, 1]
	// and returns the speech probability in [0, 1]. Returns an error if the
	// window size is wrong or if the engine encounters an internal failure.
	//
	// This method is called synchronously in the media loop; it must not
	// block.
	Score(window []float32) (float64, error)

	// Reset clears all accumulated detection state without closing the
	// session. Called when a turn completes or a barge-in interrupts
	// playback, so stale state from the previous segment cannot affect
	// subsequent windows.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// Score must return an error and Reset must be a no-op. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio windows.
	//
	// Returns an error if the configuration is invalid (e.g., unsupported
	// sample rate or window size) or if the engine cannot allocate resources
	// for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
