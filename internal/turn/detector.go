// Package turn implements VAD-driven turn-taking: deciding when the caller
// has started speaking, when their utterance has ended, and what buffered
// audio must be replayed into the recogniser so the first syllables of a turn
// are not lost.
package turn

import (
	"fmt"
	"time"

	"github.com/MrWong99/trunkline/pkg/provider/vad"
)

// Default detector tuning for telephony speech.
const (
	DefaultThreshold  = 0.5
	DefaultMinSpeech  = 250 * time.Millisecond
	DefaultMinSilence = 550 * time.Millisecond
	DefaultPrefix     = 300 * time.Millisecond
)

// Config holds the parameters of a Detector.
type Config struct {
	// SampleRate is the analysis rate in Hz. Zero means 16000.
	SampleRate int

	// WindowSamples is the scoring window size. Zero means vad.WindowSamples.
	WindowSamples int

	// Threshold is the speech probability above which (strictly greater) a
	// window counts as speech. Zero means DefaultThreshold.
	Threshold float64

	// MinSpeech is the minimum accumulated speech before a turn can complete,
	// filtering out coughs and line clicks. Zero means DefaultMinSpeech.
	MinSpeech time.Duration

	// MinSilence is the trailing silence that ends a turn. Zero means
	// DefaultMinSilence.
	MinSilence time.Duration

	// Prefix is how much pre-speech audio is buffered and replayed into the
	// recogniser when speech starts. Zero means DefaultPrefix.
	Prefix time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.WindowSamples == 0 {
		c.WindowSamples = vad.WindowSamples
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MinSpeech == 0 {
		c.MinSpeech = DefaultMinSpeech
	}
	if c.MinSilence == 0 {
		c.MinSilence = DefaultMinSilence
	}
	if c.Prefix == 0 {
		c.Prefix = DefaultPrefix
	}
}

// Result describes what one analysis window meant for the conversation.
type Result struct {
	// IsSpeech reports whether this window scored above the speech threshold.
	IsSpeech bool

	// SpeechStarted is set on the window that transitions the detector into
	// the speaking state. Prefix holds the buffered pre-speech audio that
	// must be fed to the recogniser before this window.
	SpeechStarted bool

	// Prefix is the rolling pre-speech buffer, only populated when
	// SpeechStarted is set. The slice is owned by the caller.
	Prefix []float32

	// TurnComplete is set when the utterance has accumulated enough speech
	// and been followed by enough silence. The caller should finalise the
	// recogniser and reset the detector state via the returned value of
	// Process (reset happens internally).
	TurnComplete bool
}

// Detector tracks the speaking state of a single caller. Not safe for
// concurrent use; it lives inside the per-call media loop.
type Detector struct {
	cfg     Config
	session vad.SessionHandle

	speaking       bool
	speechSamples  int
	silenceSamples int

	minSpeechSamples  int
	minSilenceSamples int
	prefixSamples     int
	prefix            []float32
}

// NewDetector creates a turn detector scoring windows with the given VAD
// session. Zero-value config fields take package defaults.
func NewDetector(cfg Config, session vad.SessionHandle) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:               cfg,
		session:           session,
		minSpeechSamples:  durationSamples(cfg.MinSpeech, cfg.SampleRate),
		minSilenceSamples: durationSamples(cfg.MinSilence, cfg.SampleRate),
		prefixSamples:     durationSamples(cfg.Prefix, cfg.SampleRate),
	}
}

func durationSamples(d time.Duration, rate int) int {
	return int(d.Seconds() * float64(rate))
}

// Process scores one window of normalised mono PCM and advances the
// turn-taking state machine. On TurnComplete the detector has already reset
// itself for the next turn.
func (d *Detector) Process(window []float32) (Result, error) {
	if len(window) != d.cfg.WindowSamples {
		return Result{}, fmt.Errorf("turn: window size %d, want %d", len(window), d.cfg.WindowSamples)
	}

	p, err := d.session.Score(window)
	if err != nil {
		return Result{}, fmt.Errorf("turn: score window: %w", err)
	}

	var res Result
	res.IsSpeech = p > d.cfg.Threshold

	if res.IsSpeech {
		if !d.speaking {
			d.speaking = true
			res.SpeechStarted = true
			res.Prefix = d.prefix
			d.prefix = nil
		}
		d.speechSamples += len(window)
		d.silenceSamples = 0
		return res, nil
	}

	if !d.speaking {
		// Idle: maintain the rolling pre-speech buffer.
		d.prefix = append(d.prefix, window...)
		if over := len(d.prefix) - d.prefixSamples; over > 0 {
			d.prefix = append(d.prefix[:0:0], d.prefix[over:]...)
		}
		return res, nil
	}

	d.silenceSamples += len(window)
	if d.silenceSamples >= d.minSilenceSamples {
		// Too little speech means a cough or line click: drop the segment
		// without declaring a turn.
		if d.speechSamples >= d.minSpeechSamples {
			res.TurnComplete = true
		}
		d.reset()
	}
	return res, nil
}

// Speaking reports whether the detector is currently inside an utterance.
func (d *Detector) Speaking() bool { return d.speaking }

// Reset clears the turn state and the underlying VAD session, used when a
// barge-in tears down the current exchange.
func (d *Detector) Reset() {
	d.reset()
	d.session.Reset()
}

func (d *Detector) reset() {
	d.speaking = false
	d.speechSamples = 0
	d.silenceSamples = 0
	d.prefix = nil
}
