package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/trunkline/pkg/provider/stt"
	sttmock "github.com/MrWong99/trunkline/pkg/provider/stt/mock"
)

func TestSTTFallback_StartStream_PrimarySuccess(t *testing.T) {
	primarySess := &sttmock.Session{PartialsCh: make(chan stt.Transcript, 1)}
	primary := &sttmock.Provider{Session: primarySess}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", ChainConfig{
		Breaker: BreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != primarySess {
		t.Fatal("handle is not the primary's session")
	}
	if len(secondary.StartStreamCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.StartStreamCalls))
	}
}

func TestSTTFallback_StartStream_Failover(t *testing.T) {
	fallbackSess := &sttmock.Session{PartialsCh: make(chan stt.Transcript, 1)}
	primary := &sttmock.Provider{StartStreamErr: errors.New("dial failed")}
	secondary := &sttmock.Provider{Session: fallbackSess}

	fb := NewSTTFallback(primary, "primary", ChainConfig{
		Breaker: BreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != fallbackSess {
		t.Fatal("handle is not the fallback's session")
	}
	if len(primary.StartStreamCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.StartStreamCalls))
	}
}

func TestSTTFallback_StartStream_AllFail(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{StartStreamErr: errors.New("secondary down")}

	fb := NewSTTFallback(primary, "primary", ChainConfig{
		Breaker: BreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
