package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/trunkline/internal/call"
	"github.com/MrWong99/trunkline/internal/config"
	llmmock "github.com/MrWong99/trunkline/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/trunkline/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/trunkline/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/trunkline/pkg/provider/vad/mock"
	"github.com/MrWong99/trunkline/pkg/telephony"
)

func mockProviders() call.Providers {
	return call.Providers{
		LLM: &llmmock.Provider{},
		TTS: &ttsmock.Provider{Rate: 8000},
		STT: &sttmock.Provider{},
		VAD: &vadmock.Engine{},
	}
}

// newTestServer builds a Server over mock providers and starts an httptest
// listener on its handler.
func newTestServer(t *testing.T, mutate func(*config.Config), opts ...Option) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.PublicHost = "gateway.example.com"
	if mutate != nil {
		mutate(cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg, mockProviders(), log, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestTwiML_Document(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/twiml")
	if err != nil {
		t.Fatalf("GET /twiml: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	doc := string(body)
	for _, want := range []string{
		`wss://gateway.example.com/ws`,
		"<Connect>",
		"<Stream",
		config.Default().Agent.Greeting,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("twiml missing %q:\n%s", want, doc)
		}
	}
}

func TestTwiML_FallsBackToRequestHost(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.PublicHost = ""
	})

	resp, err := http.Get(ts.URL + "/twiml")
	if err != nil {
		t.Fatalf("GET /twiml: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	host := strings.TrimPrefix(ts.URL, "http://")
	if !strings.Contains(string(body), "wss://"+host+"/ws") {
		t.Errorf("twiml does not point at request host %q:\n%s", host, body)
	}
}

func TestOutbound_NotConfigured(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/call/outbound", "application/json", strings.NewReader(`{"to":"+15550001111"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestOutbound_BadBody(t *testing.T) {
	t.Parallel()

	rc, err := telephony.NewRestClient("AC1", "token")
	if err != nil {
		t.Fatalf("NewRestClient: %v", err)
	}
	_, ts := newTestServer(t, nil, WithRestClient(rc))

	resp, err := http.Post(ts.URL+"/call/outbound", "application/json", strings.NewReader(`{`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestOutbound_CreatesCall(t *testing.T) {
	t.Parallel()

	var gotTo, gotFrom string
	twilio := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotTo = r.PostFormValue("To")
		gotFrom = r.PostFormValue("From")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"sid":"CA123","status":"queued","to":"`+gotTo+`","from":"`+gotFrom+`","direction":"outbound-api"}`)
	}))
	defer twilio.Close()

	rc, err := telephony.NewRestClient("AC1", "token", telephony.WithRestBaseURL(twilio.URL))
	if err != nil {
		t.Fatalf("NewRestClient: %v", err)
	}

	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Twilio.PhoneNumber = "+15559990000"
	}, WithRestClient(rc))

	resp, err := http.Post(ts.URL+"/call/outbound", "application/json", strings.NewReader(`{"to":"+15550001111"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var out outboundResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.CallSid != "CA123" || out.Status != "queued" {
		t.Errorf("response = %+v", out)
	}
	if out.RequestID == "" {
		t.Error("request_id missing")
	}
	if gotTo != "+15550001111" || gotFrom != "+15559990000" {
		t.Errorf("twilio saw to=%q from=%q", gotTo, gotFrom)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	for _, path := range []string{"/health", "/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestReadyz_FailsWithoutLLM(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	providers := mockProviders()
	providers.LLM = nil

	s, err := New(cfg, providers, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestWS_StopClosesConnection(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	stop := `{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(stop)); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the server to close the connection")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v, want normal closure", status)
	}
}

func TestWS_AdmissionLimitCloses1013(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.MaxConcurrentCalls = 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close(websocket.StatusNormalClosure, "")

	// Wait for the first connection to claim its slot.
	deadline := time.Now().Add(2 * time.Second)
	for s.Registry().Active() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first connection never acquired a slot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close(websocket.StatusNormalClosure, "")

	_, _, err = second.Read(ctx)
	if err == nil {
		t.Fatal("expected the server to reject the second connection")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusTryAgainLater {
		t.Fatalf("close status = %v, want 1013 try again later", status)
	}
}

// startServing runs s.Serve on a fresh loopback listener and returns the ws
// endpoint, a cancel that triggers the drain, and the Serve result channel.
func startServing(t *testing.T, s *Server) (url string, cancel context.CancelFunc, done <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- s.Serve(ctx, ln) }()
	t.Cleanup(cancel)
	return "ws://" + ln.Addr().String() + "/ws", cancel, ch
}

func waitForActive(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Registry().Active() != want {
		if time.Now().After(deadline) {
			t.Fatalf("active = %d, want %d", s.Registry().Active(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServe_ShutdownWaitsForActiveCalls(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Server.DrainTimeoutSeconds = 10
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg, mockProviders(), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	url, cancel, done := startServing(t, s)

	ctx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDial()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForActive(t, s, 1)

	// Shutdown begins; the in-flight call must survive the drain window.
	cancel()
	time.Sleep(200 * time.Millisecond)
	if got := s.Registry().Active(); got != 1 {
		t.Fatalf("active after shutdown signal = %d, want 1", got)
	}

	// The call ends on its own; the drain completes and Serve returns.
	stop := `{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(stop)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected the server to close the connection after stop")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the drain completed")
	}
}

func TestServe_DrainTimeoutCutsRemainingCalls(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Server.DrainTimeoutSeconds = 1
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg, mockProviders(), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	url, cancel, done := startServing(t, s)

	ctx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDial()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForActive(t, s, 1)

	// The call never ends; after the drain timeout the stream is cut.
	cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected the server to cut the connection after the drain timeout")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the drain timeout")
	}
}

func TestWS_DuplicateStreamSidReplacesBinding(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := `{"event":"start","start":{"callSid":"CA1","streamSid":"MZ-dup","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`

	first, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close(websocket.StatusNormalClosure, "")
	if err := first.Write(ctx, websocket.MessageText, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Registry().Lookup("MZ-dup") == nil {
		if time.Now().After(deadline) {
			t.Fatal("first stream never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A reconnect reusing the stream id takes over the binding.
	second, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close(websocket.StatusNormalClosure, "")
	if err := second.Write(ctx, websocket.MessageText, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	stop := `{"event":"stop","streamSid":"MZ-dup","stop":{"callSid":"CA1"}}`
	if err := second.Write(ctx, websocket.MessageText, []byte(stop)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	if _, _, err := second.Read(ctx); err == nil {
		t.Fatal("expected the server to close the second connection after stop")
	}
}

func TestWS_SlotFreedAfterStop(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.MaxConcurrentCalls = 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stop := `{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(stop)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	conn.Read(ctx) // wait for server close
	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for s.Registry().Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slot not released, active = %d", s.Registry().Active())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
