package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/trunkline/internal/observe"
)

var errModelDown = errors.New("model endpoint unavailable")

func failing() error { return errModelDown }
func healthy() error { return nil }

func TestBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Backend: "deepgram"})
	if b.cfg.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", b.cfg.MaxFailures)
	}
	if b.cfg.CoolDown != 30*time.Second {
		t.Errorf("CoolDown = %v, want 30s", b.cfg.CoolDown)
	}
	if b.cfg.Probes != 3 {
		t.Errorf("Probes = %d, want 3", b.cfg.Probes)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_ClosedPassesCallsThrough(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Backend: "elevenlabs"})

	calls := 0
	for i := 0; i < 10; i++ {
		if err := b.Do(func() error { calls++; return nil }); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	if calls != 10 {
		t.Errorf("backend calls = %d, want 10", calls)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Backend: "openai", MaxFailures: 3})

	for i := 0; i < 3; i++ {
		if err := b.Do(failing); !errors.Is(err, errModelDown) {
			t.Fatalf("Do %d: err = %v, want model error", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	// Open breaker refuses without touching the backend.
	touched := false
	err := b.Do(func() error { touched = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen", err)
	}
	if touched {
		t.Error("open breaker called the backend")
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Backend: "openai", MaxFailures: 3})

	_ = b.Do(failing)
	_ = b.Do(failing)
	_ = b.Do(healthy)
	_ = b.Do(failing)
	_ = b.Do(failing)

	// Never hit 3 consecutive failures.
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CoolDownThenRecovers(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{
		Backend:     "elevenlabs",
		MaxFailures: 1,
		CoolDown:    20 * time.Millisecond,
		Probes:      2,
	})

	_ = b.Do(failing)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(30 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after cool-down = %v, want half-open", b.State())
	}

	// Both half-open slots succeed: breaker closes.
	if err := b.Do(healthy); err != nil {
		t.Fatalf("first recovery call: %v", err)
	}
	if err := b.Do(healthy); err != nil {
		t.Fatalf("second recovery call: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{
		Backend:     "deepgram",
		MaxFailures: 1,
		CoolDown:    250 * time.Millisecond,
		Probes:      3,
	})

	_ = b.Do(failing)
	time.Sleep(300 * time.Millisecond)

	// One bad call during recovery puts the breaker straight back to open.
	if err := b.Do(failing); !errors.Is(err, errModelDown) {
		t.Fatalf("err = %v, want model error", err)
	}
	if err := b.Do(healthy); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Backend: "openai", MaxFailures: 1})

	_ = b.Do(failing)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state after Reset = %v, want closed", b.State())
	}
	if err := b.Do(healthy); err != nil {
		t.Errorf("Do after Reset: %v", err)
	}
}

func TestBreaker_RecordsTransitions(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := NewBreaker(BreakerConfig{Backend: "elevenlabs", MaxFailures: 1, Metrics: m})
	_ = b.Do(failing) // closed -> open

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "trunkline.breaker.transitions" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("metric is not a sum")
			}
			if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
				t.Fatalf("unexpected data points: %+v", sum.DataPoints)
			}
			foundBackend, foundState := false, false
			for _, kv := range sum.DataPoints[0].Attributes.ToSlice() {
				if string(kv.Key) == "backend" && kv.Value.AsString() == "elevenlabs" {
					foundBackend = true
				}
				if string(kv.Key) == "state" && kv.Value.AsString() == "open" {
					foundState = true
				}
			}
			if !foundBackend || !foundState {
				t.Error("transition missing backend or state attribute")
			}
			return
		}
	}
	t.Fatal("trunkline.breaker.transitions metric not found")
}

func TestState_String(t *testing.T) {
	t.Parallel()
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
