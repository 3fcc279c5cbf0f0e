package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/trunkline/internal/convo"
	"github.com/MrWong99/trunkline/internal/observe"
	"github.com/MrWong99/trunkline/internal/transcribe"
	"github.com/MrWong99/trunkline/internal/turn"
	"github.com/MrWong99/trunkline/pkg/audio"
	"github.com/MrWong99/trunkline/pkg/provider/llm"
	"github.com/MrWong99/trunkline/pkg/provider/stt"
	"github.com/MrWong99/trunkline/pkg/provider/tts"
	"github.com/MrWong99/trunkline/pkg/provider/vad"
	"github.com/MrWong99/trunkline/pkg/telephony"
)

// ErrCallEnded signals a clean end of stream: the provider sent "stop".
// The transport loop should close the connection, not report a failure.
var ErrCallEnded = errors.New("call: call ended")

// finalizeTimeout bounds how long a turn waits for its final transcript.
const finalizeTimeout = 10 * time.Second

// analysisRate is the sample rate the VAD and recogniser run at. Telephony
// audio arrives at 8 kHz and is upsampled once on ingest.
const analysisRate = 16000

// Providers bundles the shared, process-wide model clients a session speaks
// to. All of them must be safe for concurrent use across calls.
type Providers struct {
	LLM llm.Provider
	TTS tts.Provider
	STT stt.Provider
	VAD vad.Engine
}

// Config carries the per-call tuning a session is created with.
type Config struct {
	// SystemPrompt seeds the conversation.
	SystemPrompt string

	// MaxHistory bounds the conversation window. Zero means the convo default.
	MaxHistory int

	// Language is handed to the recogniser. Empty means provider default.
	Language string

	// Voice selects the TTS voice for responses.
	Voice tts.VoiceProfile

	// Temperature and MaxTokens are passed through to the LLM.
	Temperature float64
	MaxTokens   int

	// Filler is spoken on total LLM failure. Empty means DefaultFiller.
	Filler string

	// Turn tunes the turn detector. Zero values take turn package defaults.
	Turn turn.Config

	// Sender tunes the outbound queue. Zero values take package defaults.
	Sender SenderConfig

	// Log is the session logger. Nil means slog.Default.
	Log *slog.Logger

	// Metrics receives call, frame, and stage instrumentation. Nil disables.
	Metrics *observe.Metrics
}

// Session supervises one call: it owns every per-call component and is the
// only goroutine that touches them, apart from the response task it spawns.
// HandleFrame must be called from a single transport read loop.
type Session struct {
	cfg       Config
	providers Providers
	transport Transport
	log       *slog.Logger
	metrics   *observe.Metrics

	// Created when the "start" frame arrives.
	started   bool
	startedAt time.Time
	callSid   string
	streamSid string
	conv      *convo.Conversation
	detector  *turn.Detector
	feeder    *transcribe.Feeder
	sttSess   stt.SessionHandle
	vadSess   vad.SessionHandle
	sender    *Sender

	// pending accumulates upsampled samples until a full VAD window exists.
	pending []float32

	responding  atomic.Bool
	interrupted atomic.Bool

	respMu     sync.Mutex
	respCancel context.CancelFunc
	respDone   chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	onClose   func()
}

// NewSession creates a supervisor bound to one transport. Per-call components
// are not built until the provider's "start" frame arrives. onClose runs
// exactly once after full cleanup; the registry uses it to release the
// admission slot.
func NewSession(transport Transport, providers Providers, cfg Config, onClose func()) *Session {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		providers: providers,
		transport: transport,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		closed:    make(chan struct{}),
		onClose:   onClose,
	}
}

// HandleFrame dispatches one inbound Media Streams message. Frame-level
// failures (unknown events, bad audio) are logged and swallowed; only a
// clean "stop" surfaces, as ErrCallEnded.
func (s *Session) HandleFrame(ctx context.Context, data []byte) error {
	frame, err := telephony.ParseFrame(data)
	if err != nil {
		s.log.Warn("dropping malformed frame", "err", err)
		s.metrics.RecordError(ctx, "transport")
		return nil
	}

	switch frame.Event {
	case telephony.EventConnected:
		s.log.Debug("media stream connected")
	case telephony.EventStart:
		if err := s.onStart(ctx, frame); err != nil {
			return fmt.Errorf("call: starting session: %w", err)
		}
	case telephony.EventMedia:
		s.onMedia(ctx, frame)
	case telephony.EventStop:
		s.log.Info("media stream stopped", "call_sid", s.callSid)
		return ErrCallEnded
	case telephony.EventMark:
		s.log.Debug("mark acknowledged", "name", markName(frame))
	case telephony.EventDTMF:
		s.log.Debug("dtmf digit", "digit", dtmfDigit(frame))
	default:
		s.log.Debug("ignoring unknown event", "event", frame.Event)
	}
	return nil
}

func markName(f telephony.Frame) string {
	if f.Mark == nil {
		return ""
	}
	return f.Mark.Name
}

func dtmfDigit(f telephony.Frame) string {
	if f.DTMF == nil {
		return ""
	}
	return f.DTMF.Digit
}

// onStart builds every per-call component. A failure here is fatal for the
// call: without a recogniser or VAD there is nothing to supervise.
func (s *Session) onStart(ctx context.Context, frame telephony.Frame) error {
	if s.started {
		s.log.Warn("duplicate start frame", "stream_sid", s.streamSid)
		return nil
	}
	if frame.Start == nil {
		return errors.New("start frame carries no start section")
	}
	s.callSid = frame.Start.CallSid
	s.streamSid = frame.Start.StreamSid

	vadSess, err := s.providers.VAD.NewSession(vad.Config{
		SampleRate:    analysisRate,
		WindowSamples: vad.WindowSamples,
	})
	if err != nil {
		return fmt.Errorf("creating VAD session: %w", err)
	}

	sttSess, err := s.providers.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: analysisRate,
		Channels:   1,
		Language:   s.cfg.Language,
	})
	if err != nil {
		_ = vadSess.Close()
		return fmt.Errorf("starting recogniser stream: %w", err)
	}

	s.vadSess = vadSess
	s.sttSess = sttSess
	s.detector = turn.NewDetector(s.cfg.Turn, vadSess)
	s.feeder = transcribe.NewFeeder(sttSess, 0)
	s.conv = convo.New(s.cfg.SystemPrompt, s.cfg.MaxHistory)
	s.sender = NewSender(s.transport, s.streamSid, s.senderConfig())
	s.sender.Start()
	s.started = true
	s.startedAt = time.Now()

	go s.logPartials(sttSess.Partials())

	s.metrics.RecordCallStart(ctx, "inbound")
	s.log.Info("call started", "call_sid", s.callSid, "stream_sid", s.streamSid)
	return nil
}

func (s *Session) senderConfig() SenderConfig {
	cfg := s.cfg.Sender
	if cfg.Log == nil {
		cfg.Log = s.log
	}
	if cfg.Metrics == nil {
		cfg.Metrics = s.metrics
	}
	return cfg
}

// logPartials drains interim hypotheses from the recogniser. Partials are
// informational only; the turn transcript comes from FinalizeTurn.
func (s *Session) logPartials(partials <-chan stt.Transcript) {
	if partials == nil {
		return
	}
	for {
		select {
		case <-s.closed:
			return
		case p, ok := <-partials:
			if !ok {
				return
			}
			if strings.TrimSpace(p.Text) != "" {
				s.log.Debug("partial transcript", "call_sid", s.callSid, "text", p.Text)
			}
		}
	}
}

// onMedia runs the inbound audio pipeline: decode, upsample, window, and
// drive the turn detector. Audio failures skip the frame and never surface.
func (s *Session) onMedia(ctx context.Context, frame telephony.Frame) {
	if !s.started {
		s.log.Warn("media frame before start, dropping")
		return
	}
	mulaw, err := frame.AudioPayload()
	if err != nil {
		s.log.Warn("dropping undecodable media frame", "err", err)
		s.metrics.RecordError(ctx, "audio")
		return
	}
	s.metrics.RecordFrameIn(ctx)

	pcm16k := audio.Upsample2x(audio.DecodeMuLaw(mulaw))
	s.pending = append(s.pending, audio.Normalize(pcm16k)...)

	window := s.detectorWindow()
	for len(s.pending) >= window {
		w := make([]float32, window)
		copy(w, s.pending[:window])
		s.pending = s.pending[window:]
		s.processWindow(ctx, w)
	}
}

func (s *Session) detectorWindow() int {
	if s.cfg.Turn.WindowSamples > 0 {
		return s.cfg.Turn.WindowSamples
	}
	return vad.WindowSamples
}

// processWindow advances turn-taking for one VAD window and fires the
// barge-in path when the caller talks over an in-flight response.
func (s *Session) processWindow(ctx context.Context, window []float32) {
	wasSpeaking := s.detector.Speaking()
	res, err := s.detector.Process(window)
	if err != nil {
		s.log.Warn("could not score audio window", "err", err)
		s.metrics.RecordError(ctx, "audio")
		return
	}

	// Exactly one interrupt per response: the CAS arms it, bargeIn resets it.
	if res.IsSpeech && s.responding.Load() && s.interrupted.CompareAndSwap(false, true) {
		s.bargeIn(ctx)
		return
	}

	if res.SpeechStarted {
		s.feedAudio(ctx, res.Prefix)
		s.feedAudio(ctx, window)
	} else if wasSpeaking || res.IsSpeech {
		s.feedAudio(ctx, window)
	}

	if res.TurnComplete {
		s.onTurnComplete(ctx)
	}
}

func (s *Session) feedAudio(ctx context.Context, samples []float32) {
	if len(samples) == 0 {
		return
	}
	if err := s.feeder.Feed(samples); err != nil {
		s.log.Warn("recogniser backlog full, dropping audio", "err", err)
		s.metrics.RecordError(ctx, "stt")
	}
}

// onTurnComplete finalises the transcript and spawns the response task.
// An empty transcript ends the turn silently; the caller gets another go.
func (s *Session) onTurnComplete(ctx context.Context) {
	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	transcript, err := s.feeder.FinalizeTurn(fctx)
	cancel()
	s.metrics.RecordStageLatency(ctx, "stt", time.Since(start).Seconds())
	if err != nil {
		s.log.Error("turn finalisation failed", "call_sid", s.callSid, "err", err)
		s.metrics.RecordError(ctx, "stt")
		return
	}

	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		s.log.Debug("turn produced no transcript", "call_sid", s.callSid)
		return
	}
	s.log.Info("final transcript", "call_sid", s.callSid, "text", text)

	if s.responding.Load() {
		// One response per call at a time is a supervisor guarantee; reaching
		// this means turn-taking state got ahead of the response lifecycle.
		s.log.Error("response already active, dropping turn", "call_sid", s.callSid)
		return
	}
	s.startResponse(text)
}

// startResponse launches the cancellable response task and flips the
// is-responding flag for its whole lifetime.
func (s *Session) startResponse(transcript string) {
	task := NewResponseTask(s.conv, s.providers.LLM, s.providers.TTS, s.sender, ResponseConfig{
		Voice:       s.cfg.Voice,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
		Filler:      s.cfg.Filler,
		Log:         s.log,
		Metrics:     s.metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.respMu.Lock()
	s.respCancel = cancel
	s.respDone = done
	s.respMu.Unlock()

	s.responding.Store(true)
	go func() {
		defer close(done)
		defer s.responding.Store(false)
		defer cancel()
		if err := task.Run(ctx, transcript); err != nil {
			s.log.Error("response task failed", "call_sid", s.callSid, "err", err)
		}
	}()
}

// cancelResponse cancels the in-flight response task, if any, and waits for
// it to observe cancellation. Synchronous by design: the next turn must not
// start while the previous task is still writing to the conversation.
func (s *Session) cancelResponse() {
	s.respMu.Lock()
	cancel, done := s.respCancel, s.respDone
	s.respCancel, s.respDone = nil, nil
	s.respMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// bargeIn executes the interrupt procedure: stop the response, purge queued
// audio on both sides of the wire, and reset turn-taking for the caller's new
// utterance. Best effort throughout; a half-closed transport must not panic a
// live call.
func (s *Session) bargeIn(ctx context.Context) {
	s.log.Info("barge-in", "call_sid", s.callSid)
	s.metrics.RecordBargeIn(ctx)

	s.cancelResponse()
	purged := s.sender.Clear()

	msg, err := telephony.ClearMessage(s.streamSid)
	if err == nil {
		if werr := s.transport.Write(ctx, msg); werr != nil {
			s.log.Warn("could not send clear frame", "err", werr)
			s.metrics.RecordError(ctx, "transport")
		}
	}

	s.responding.Store(false)
	s.interrupted.Store(false)
	s.detector.Reset()
	s.log.Debug("barge-in complete", "purged_frames", purged)
}

// Responding reports whether a response task is currently active.
func (s *Session) Responding() bool { return s.responding.Load() }

// CallSid returns the provider call id, empty before the start frame.
func (s *Session) CallSid() string { return s.callSid }

// StreamSid returns the provider stream id, empty before the start frame.
func (s *Session) StreamSid() string { return s.streamSid }

// Conversation exposes the call's conversation store. Nil before start.
func (s *Session) Conversation() *convo.Conversation { return s.conv }

// Sender exposes the call's outbound queue. Nil before start.
func (s *Session) Sender() *Sender { return s.sender }

// Close tears the session down: cancel the response task, stop the sender,
// release recogniser and VAD state, then run the onClose hook. Idempotent;
// the transport loop and the shutdown path may both call it.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancelResponse()
		if s.sender != nil {
			s.sender.Stop()
		}
		if s.feeder != nil {
			_ = s.feeder.Close()
		}
		if s.sttSess != nil {
			if err := s.sttSess.Close(); err != nil {
				s.log.Warn("closing recogniser stream", "err", err)
			}
		}
		if s.vadSess != nil {
			_ = s.vadSess.Close()
		}
		if s.started {
			duration := time.Since(s.startedAt)
			s.metrics.RecordCallEnd(context.Background(), duration.Seconds())
			s.log.Info("call ended", "call_sid", s.callSid, "duration", duration.Round(time.Millisecond))
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
