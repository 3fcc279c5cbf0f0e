package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/trunkline/internal/convo"
	"github.com/MrWong99/trunkline/internal/observe"
	"github.com/MrWong99/trunkline/pkg/audio"
	"github.com/MrWong99/trunkline/pkg/provider/llm"
	"github.com/MrWong99/trunkline/pkg/provider/tts"
)

// DefaultFiller is spoken when the LLM fails before delivering a single
// token, so the caller hears something instead of dead air.
const DefaultFiller = "I'm sorry, I'm having trouble answering right now. Could you say that again?"

// frameSamples is one 20 ms frame at the 8 kHz telephony rate.
const frameSamples = 160

// endOfReplyMark is the playback mark queued behind a finished reply. The
// provider echoes it back once the caller has heard the whole utterance.
const endOfReplyMark = "end-of-reply"

// ResponseConfig tunes one response pipeline.
type ResponseConfig struct {
	// Voice selects the TTS voice.
	Voice tts.VoiceProfile

	// Temperature and MaxTokens are passed through to the LLM.
	Temperature float64
	MaxTokens   int

	// Filler is spoken on total LLM failure. Empty means DefaultFiller.
	Filler string

	// Log receives pipeline events. Nil means slog.Default.
	Log *slog.Logger

	// Metrics receives stage latencies and errors. Nil disables recording.
	Metrics *observe.Metrics
}

// ResponseTask produces one agent utterance in reply to one user turn:
// user transcript → streamed LLM tokens → per-sentence TTS → downsampled,
// μ-law-encoded 20 ms frames on the outbound queue.
//
// The task is cancellable at every suspension point. On cancellation it
// commits the sentences the caller actually heard as a partial assistant
// message and returns nil — being interrupted is an ordinary outcome of a
// phone conversation, not an error.
type ResponseTask struct {
	conv   *convo.Conversation
	llm    llm.Provider
	tts    tts.Provider
	sender *Sender
	cfg    ResponseConfig

	mu     sync.Mutex
	reply  string
	spoken int // byte offset into reply covered by fully queued sentences
}

// NewResponseTask wires a response pipeline over shared providers and the
// call's sender. One task serves one turn; build a fresh one per turn.
func NewResponseTask(conv *convo.Conversation, llmP llm.Provider, ttsP tts.Provider, sender *Sender, cfg ResponseConfig) *ResponseTask {
	if cfg.Filler == "" {
		cfg.Filler = DefaultFiller
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &ResponseTask{
		conv:   conv,
		llm:    llmP,
		tts:    ttsP,
		sender: sender,
		cfg:    cfg,
	}
}

// Run executes the pipeline for the given user transcript. It commits the
// user message before the first token is requested, streams the reply, and on
// success records the full reply as an assistant message. Cancellation
// commits the spoken prefix instead and still returns nil.
func (t *ResponseTask) Run(ctx context.Context, transcript string) error {
	t.conv.AddUser(transcript)

	llmStart := time.Now()
	stream, err := t.llm.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:    t.conv.Messages(),
		Temperature: t.cfg.Temperature,
		MaxTokens:   t.cfg.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return t.finishCancelled()
		}
		t.cfg.Log.Error("completion request failed", "err", err)
		t.cfg.Metrics.RecordError(ctx, "llm")
		return t.speakFiller(ctx)
	}

	var (
		gotToken bool
		cursor   int // start of text not yet handed to TTS
	)

stream:
	for {
		select {
		case <-ctx.Done():
			return t.finishCancelled()
		case chunk, ok := <-stream:
			if !ok {
				break stream
			}
			if chunk.FinishReason == llm.FinishReasonError {
				t.cfg.Log.Error("completion stream failed mid-reply", "partial_len", len(t.replyText()))
				t.cfg.Metrics.RecordError(ctx, "llm")
				if !gotToken {
					return t.speakFiller(ctx)
				}
				break stream
			}
			if chunk.Text == "" {
				continue
			}
			if !gotToken {
				gotToken = true
				t.cfg.Metrics.RecordStageLatency(ctx, "llm", time.Since(llmStart).Seconds())
			}
			t.appendReply(chunk.Text)

			// Speak every sentence the new text completed.
			var done bool
			cursor, done = t.speakCompleteSentences(ctx, cursor)
			if done {
				return t.finishCancelled()
			}
		}
	}

	if !gotToken {
		t.cfg.Log.Warn("completion stream ended without tokens")
		t.cfg.Metrics.RecordError(ctx, "llm")
		return t.speakFiller(ctx)
	}

	// Whatever trails the last terminator is the final sentence.
	reply := t.replyText()
	if rest := strings.TrimSpace(reply[cursor:]); rest != "" {
		if err := t.speak(ctx, rest); err != nil {
			if ctx.Err() != nil {
				return t.finishCancelled()
			}
		} else {
			t.setSpoken(len(reply))
		}
	}

	if ctx.Err() != nil {
		return t.finishCancelled()
	}
	t.markEndOfReply()
	t.conv.AddAssistant(reply)
	return nil
}

// markEndOfReply queues the playback mark behind the reply's audio. Best
// effort: a reply that produced no audio gets no mark, and a full queue just
// loses the mark, never the audio.
func (t *ResponseTask) markEndOfReply() {
	t.mu.Lock()
	spoken := t.spoken
	t.mu.Unlock()
	if spoken == 0 {
		return
	}
	if err := t.sender.Mark(endOfReplyMark); err != nil {
		t.cfg.Log.Debug("end-of-reply mark not queued", "err", err)
	}
}

// speakCompleteSentences synthesises every fully terminated sentence in
// reply[cursor:] and returns the advanced cursor. done is true when the
// context was cancelled mid-sentence.
func (t *ResponseTask) speakCompleteSentences(ctx context.Context, cursor int) (int, bool) {
	reply := t.replyText()
	for {
		end := sentenceEnd(reply[cursor:])
		if end < 0 {
			return cursor, false
		}
		sentence := strings.TrimSpace(reply[cursor : cursor+end])
		cursor += end
		if sentence == "" {
			continue
		}
		if err := t.speak(ctx, sentence); err != nil {
			if ctx.Err() != nil {
				return cursor, true
			}
			// Sentence dropped; the reply continues with the next one.
			continue
		}
		t.setSpoken(cursor)
	}
}

// speak synthesises one sentence and queues its audio. The sentence counts as
// spoken only when every frame has been handed to the sender.
func (t *ResponseTask) speak(ctx context.Context, sentence string) error {
	start := time.Now()

	text := make(chan string, 1)
	text <- sentence
	close(text)

	audioCh, err := t.tts.SynthesizeStream(ctx, text, t.cfg.Voice)
	if err != nil {
		t.cfg.Log.Error("speech synthesis failed, dropping sentence", "err", err)
		t.cfg.Metrics.RecordError(ctx, "tts")
		return fmt.Errorf("call: synthesise sentence: %w", err)
	}

	srcRate := t.tts.SampleRate()
	var pending []int16 // 8 kHz samples not yet framed
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-audioCh:
			if !ok {
				// Pad the trailing partial frame with silence.
				if len(pending) > 0 {
					frame := make([]int16, frameSamples)
					copy(frame, pending)
					if err := t.enqueueFrame(ctx, frame); err != nil {
						return err
					}
				}
				t.cfg.Metrics.RecordStageLatency(ctx, "tts", time.Since(start).Seconds())
				return nil
			}
			pcm := audio.BytesToInt16(chunk)
			pending = append(pending, audio.Resample(pcm, srcRate, 8000)...)
			for len(pending) >= frameSamples {
				if err := t.enqueueFrame(ctx, pending[:frameSamples]); err != nil {
					return err
				}
				pending = pending[frameSamples:]
			}
		}
	}
}

// enqueueFrame μ-law-encodes one 160-sample frame and blocks on the outbound
// queue. A queue-full drop is logged by the sender and tolerated; only
// cancellation aborts the sentence.
func (t *ResponseTask) enqueueFrame(ctx context.Context, frame []int16) error {
	err := t.sender.Enqueue(ctx, audio.EncodeMuLaw(frame))
	switch {
	case err == nil, errors.Is(err, ErrQueueFull):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

// speakFiller voices the fixed filler utterance after a total LLM failure.
// Nothing is recorded in the conversation; the turn simply did not happen
// from the model's point of view.
func (t *ResponseTask) speakFiller(ctx context.Context) error {
	if err := t.speak(ctx, t.cfg.Filler); err != nil && ctx.Err() == nil {
		t.cfg.Log.Error("could not speak filler utterance", "err", err)
	}
	return nil
}

// finishCancelled commits the prefix of the reply that was fully queued
// before cancellation. Cancellation is an ordinary path: the return is nil.
func (t *ResponseTask) finishCancelled() error {
	t.mu.Lock()
	spoken := strings.TrimSpace(t.reply[:t.spoken])
	t.mu.Unlock()
	if spoken != "" {
		t.conv.AddAssistantPartial(spoken)
	}
	return nil
}

func (t *ResponseTask) appendReply(text string) {
	t.mu.Lock()
	t.reply += text
	t.mu.Unlock()
}

func (t *ResponseTask) replyText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reply
}

func (t *ResponseTask) setSpoken(offset int) {
	t.mu.Lock()
	if offset > t.spoken {
		t.spoken = offset
	}
	t.mu.Unlock()
}

// sentenceEnd returns the index just past the first sentence terminator in s,
// or -1 when s holds no complete sentence yet.
func sentenceEnd(s string) int {
	if i := strings.IndexAny(s, ".!?\n"); i >= 0 {
		return i + 1
	}
	return -1
}
