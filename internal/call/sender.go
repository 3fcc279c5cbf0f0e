// Package call runs one phone call end to end: the session supervisor that
// demultiplexes Media Streams frames, the inbound audio pipeline feeding the
// turn detector and the recogniser, the cancellable response task that turns a
// transcript into paced outbound audio, and the barge-in path that tears a
// response down the moment the caller speaks over it.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/trunkline/internal/observe"
	"github.com/MrWong99/trunkline/pkg/telephony"
)

// Outbound pacing defaults. A frame is 20 ms of audio, so a 50-frame queue
// holds one second of speech.
const (
	DefaultQueueCapacity  = 50
	DefaultFrameInterval  = 20 * time.Millisecond
	DefaultEnqueueTimeout = time.Second
)

// ErrQueueFull is returned by Enqueue when the outbound queue stayed at
// capacity past the enqueue timeout. The frame is dropped; the call goes on.
var ErrQueueFull = errors.New("call: outbound queue full")

// ErrSenderStopped is returned by Enqueue after Stop.
var ErrSenderStopped = errors.New("call: sender stopped")

// Transport writes one serialised message to the telephony provider. The
// call package never touches the WebSocket directly so tests can capture the
// wire traffic.
type Transport interface {
	Write(ctx context.Context, data []byte) error
}

// SenderConfig tunes the outbound queue. Zero values take package defaults.
type SenderConfig struct {
	// Capacity bounds the number of queued frames.
	Capacity int

	// FrameInterval is the pacing period between emitted frames.
	FrameInterval time.Duration

	// EnqueueTimeout is how long Enqueue blocks on a full queue before
	// dropping the frame.
	EnqueueTimeout time.Duration

	// Log receives drop and transport-failure events. Nil means slog.Default.
	Log *slog.Logger

	// Metrics receives frame and drop counts. Nil disables recording.
	Metrics *observe.Metrics
}

func (c *SenderConfig) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultQueueCapacity
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// outFrame is one queued outbound item: 20 ms of μ-law audio, or a named
// playback mark that the provider echoes back once the audio before it has
// been played out.
type outFrame struct {
	mulaw []byte
	mark  string
}

// Sender is the outbound half of a call: a bounded FIFO of 20 ms μ-law
// payloads drained by a wall-clock-paced emitter, so a fast TTS never outruns
// the provider's jitter buffer. Enqueue is safe for concurrent use.
type Sender struct {
	cfg       SenderConfig
	transport Transport
	streamSid string

	frames chan outFrame
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewSender creates a sender for the given stream. The emitter does not run
// until Start is called.
func NewSender(transport Transport, streamSid string, cfg SenderConfig) *Sender {
	cfg.applyDefaults()
	return &Sender{
		cfg:       cfg,
		transport: transport,
		streamSid: streamSid,
		frames:    make(chan outFrame, cfg.Capacity),
		done:      make(chan struct{}),
	}
}

// Start launches the background emitter. Calling it more than once is a noop.
func (s *Sender) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.emit()
	})
}

// emit paces frames by wall clock: the ticker targets t0 + k·interval, so
// time spent writing does not stretch the schedule the way sleep-after-send
// would.
func (s *Sender) emit() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		select {
		case f := <-s.frames:
			s.write(f)
		default:
			// Nothing queued this tick.
		}
	}
}

func (s *Sender) write(f outFrame) {
	var (
		msg []byte
		err error
	)
	if f.mark != "" {
		msg, err = telephony.MarkMessage(s.streamSid, f.mark)
	} else {
		msg, err = telephony.MediaMessage(s.streamSid, f.mulaw)
	}
	if err != nil {
		s.cfg.Log.Error("could not serialise outbound frame", "stream_sid", s.streamSid, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FrameInterval*4)
	defer cancel()
	if err := s.transport.Write(ctx, msg); err != nil {
		s.cfg.Log.Warn("outbound frame write failed", "stream_sid", s.streamSid, "err", err)
		s.cfg.Metrics.RecordError(ctx, "transport")
		return
	}
	if f.mark != "" {
		// Marks are wire bookkeeping, not audio.
		return
	}
	s.sent.Add(1)
	s.cfg.Metrics.RecordFrameOut(ctx)
}

// Enqueue queues one 20 ms μ-law payload. It blocks up to the enqueue timeout
// waiting for space, then drops the frame and returns ErrQueueFull. Context
// cancellation aborts the wait without counting a drop.
func (s *Sender) Enqueue(ctx context.Context, mulaw []byte) error {
	select {
	case <-s.done:
		return ErrSenderStopped
	default:
	}

	f := outFrame{mulaw: mulaw}
	select {
	case s.frames <- f:
		return nil
	default:
	}

	timer := time.NewTimer(s.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case s.frames <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSenderStopped
	case <-timer.C:
		s.dropped.Add(1)
		s.cfg.Metrics.RecordQueueDrop(ctx)
		s.cfg.Log.Warn("outbound frame dropped",
			"stream_sid", s.streamSid, "queue_depth", len(s.frames))
		return ErrQueueFull
	}
}

// Mark queues a named playback mark behind whatever audio is already queued.
// The provider echoes the mark back once that audio has played out. Best
// effort: a full queue returns ErrQueueFull immediately without counting a
// drop, since losing a mark never degrades the caller's audio.
func (s *Sender) Mark(name string) error {
	select {
	case <-s.done:
		return ErrSenderStopped
	default:
	}
	select {
	case s.frames <- outFrame{mark: name}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Clear synchronously drains the queue without emitting, discarding every
// not-yet-sent frame. Returns the number of frames discarded.
func (s *Sender) Clear() int {
	n := 0
	for {
		select {
		case <-s.frames:
			n++
		default:
			return n
		}
	}
}

// Stop cancels the emitter and waits for it to exit. Idempotent. Frames left
// in the queue are never sent.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// Sent returns the number of frames actually written to the transport.
func (s *Sender) Sent() int64 { return s.sent.Load() }

// Dropped returns the number of frames dropped after the enqueue timeout.
func (s *Sender) Dropped() int64 { return s.dropped.Load() }

// QueueDepth returns the number of frames currently queued.
func (s *Sender) QueueDepth() int { return len(s.frames) }
