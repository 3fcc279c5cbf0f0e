// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// which text fragments were passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{pcmChunk},
//	    Rate:             24000,
//	}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/trunkline/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
	// Texts collects every fragment read from the text channel during this
	// call. Populated asynchronously; read it only after the audio channel of
	// this call has been fully drained.
	Texts []string

	mu *sync.Mutex
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the sequence of audio byte slices emitted on the
	// channel returned by each SynthesizeStream call, after the text channel
	// has been drained.
	SynthesizeChunks [][]byte

	// ChunksPerText, if set, overrides SynthesizeChunks: each text fragment
	// read produces the result of this function immediately.
	ChunksPerText func(text string) [][]byte

	// SynthesizeErr, if non-nil, is returned as the error from
	// SynthesizeStream instead of starting a channel.
	SynthesizeErr error

	// Rate is returned by SampleRate. Defaults to 24000 when zero.
	Rate int

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []*SynthesizeStreamCall

	// ListVoicesCallCount is the number of times ListVoices was called.
	ListVoicesCallCount int
}

// SynthesizeStream records the call, drains the text channel, and returns a
// channel that emits the configured audio chunks then closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	call := &SynthesizeStreamCall{Ctx: ctx, Voice: voice, mu: &p.mu}
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, call)
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	perText := p.ChunksPerText
	p.mu.Unlock()

	ch := make(chan []byte, 64)
	go func() {
		defer close(ch)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					// Text channel closed; emit the fixed chunks, if any.
					for _, audio := range chunks {
						select {
						case <-ctx.Done():
							return
						case ch <- audio:
						}
					}
					return
				}
				call.mu.Lock()
				call.Texts = append(call.Texts, fragment)
				call.mu.Unlock()
				if perText != nil {
					for _, audio := range perText(fragment) {
						select {
						case <-ctx.Done():
							return
						case ch <- audio:
						}
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// SampleRate returns Rate, defaulting to 24000.
func (p *Provider) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Rate == 0 {
		return 24000
	}
	return p.Rate
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCallCount++
	return p.ListVoicesResult, p.ListVoicesErr
}

// AllTexts returns every text fragment observed across all calls, in order.
// Thread-safe.
func (p *Provider) AllTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.SynthesizeStreamCalls {
		out = append(out, c.Texts...)
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.ListVoicesCallCount = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
