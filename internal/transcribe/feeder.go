// Package transcribe pumps caller audio into a speech-to-text session from a
// dedicated worker goroutine, so provider backpressure can never stall the
// media loop that also drives turn-taking and barge-in.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/trunkline/pkg/provider/stt"
)

// DefaultQueueDepth bounds the audio backlog between the media loop and the
// STT writer. At 32 ms per window this is several seconds of audio.
const DefaultQueueDepth = 128

// ErrBacklogFull is returned by Feed when the STT writer has fallen too far
// behind and the queue is at capacity.
var ErrBacklogFull = errors.New("transcribe: audio backlog full")

// job carries one audio chunk, or a drain barrier when samples is nil.
type job struct {
	samples []float32
	barrier chan struct{}
}

// Feeder owns the write side of an stt.SessionHandle.
type Feeder struct {
	sess stt.SessionHandle
	jobs chan job

	done     chan struct{}
	wg       sync.WaitGroup
	closeOne sync.Once

	mu      sync.Mutex
	lastErr error
}

// NewFeeder starts the writer goroutine for the given session. queueDepth
// bounds the backlog; zero means DefaultQueueDepth. The feeder does not own
// the session: Close stops the worker but leaves the session open.
func NewFeeder(sess stt.SessionHandle, queueDepth int) *Feeder {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	f := &Feeder{
		sess: sess,
		jobs: make(chan job, queueDepth),
		done: make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	return f
}

func (f *Feeder) run() {
	defer f.wg.Done()
	for {
		select {
		case j := <-f.jobs:
			if j.barrier != nil {
				close(j.barrier)
				continue
			}
			if err := f.sess.WriteAudio(j.samples); err != nil {
				f.mu.Lock()
				f.lastErr = err
				f.mu.Unlock()
			}
		case <-f.done:
			return
		}
	}
}

// Feed queues samples for delivery. The slice is handed over; the caller must
// not reuse it. Returns ErrBacklogFull when the writer cannot keep up, and an
// error after Close.
func (f *Feeder) Feed(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	select {
	case <-f.done:
		return errors.New("transcribe: feeder is closed")
	default:
	}
	select {
	case f.jobs <- job{samples: samples}:
		return nil
	default:
		return ErrBacklogFull
	}
}

// FinalizeTurn waits for all queued audio to reach the session, then asks the
// recogniser for the turn's final transcript.
func (f *Feeder) FinalizeTurn(ctx context.Context) (stt.Transcript, error) {
	barrier := make(chan struct{})
	select {
	case f.jobs <- job{barrier: barrier}:
	case <-f.done:
		return stt.Transcript{}, errors.New("transcribe: feeder is closed")
	case <-ctx.Done():
		return stt.Transcript{}, ctx.Err()
	}

	select {
	case <-barrier:
	case <-f.done:
		return stt.Transcript{}, errors.New("transcribe: feeder closed during drain")
	case <-ctx.Done():
		return stt.Transcript{}, fmt.Errorf("transcribe: draining backlog: %w", ctx.Err())
	}

	if err := f.takeErr(); err != nil {
		return stt.Transcript{}, fmt.Errorf("transcribe: audio delivery failed: %w", err)
	}
	return f.sess.FinalizeTurn(ctx)
}

// Err returns the most recent audio delivery failure without clearing it.
func (f *Feeder) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *Feeder) takeErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.lastErr
	f.lastErr = nil
	return err
}

// Close stops the writer goroutine. Idempotent.
func (f *Feeder) Close() error {
	f.closeOne.Do(func() {
		close(f.done)
		f.wg.Wait()
	})
	return nil
}
