// Package server is the HTTP front door of the gateway: the Media Streams
// WebSocket endpoint, the TwiML webhook, outbound call origination, and the
// operational endpoints (health, metrics).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/trunkline/internal/call"
	"github.com/MrWong99/trunkline/internal/config"
	"github.com/MrWong99/trunkline/internal/health"
	"github.com/MrWong99/trunkline/internal/observe"
	"github.com/MrWong99/trunkline/internal/turn"
	"github.com/MrWong99/trunkline/pkg/provider/tts"
	"github.com/MrWong99/trunkline/pkg/telephony"
)

// shutdownGrace bounds how long the HTTP listener waits for in-flight
// requests once a drain begins.
const shutdownGrace = 5 * time.Second

// Server owns the HTTP listener and the per-call session lifecycle.
type Server struct {
	cfg       *config.Config
	providers call.Providers
	registry  *call.Registry
	metrics   *observe.Metrics
	log       *slog.Logger
	rest      *telephony.RestClient
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*Server)

// WithRestClient injects a Twilio REST client instead of building one from the
// config credentials.
func WithRestClient(rc *telephony.RestClient) Option {
	return func(s *Server) { s.rest = rc }
}

// WithMetrics attaches an instrument set. Nil disables instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New wires a Server from config and shared providers. The REST client is
// only built when Twilio credentials are configured; without it the outbound
// endpoint reports 503.
func New(cfg *config.Config, providers call.Providers, log *slog.Logger, opts ...Option) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		providers: providers,
		registry:  call.NewRegistry(cfg.Server.MaxConcurrentCalls),
		log:       log,
	}
	for _, o := range opts {
		o(s)
	}

	if s.rest == nil && cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" {
		rc, err := telephony.NewRestClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
		if err != nil {
			return nil, fmt.Errorf("server: building rest client: %w", err)
		}
		s.rest = rc
	}
	return s, nil
}

// Registry exposes the admission registry, mainly for drain coordination in
// main and for tests.
func (s *Server) Registry() *call.Registry { return s.registry }

// Handler builds the full route table wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	h := health.New(s.registry.Active, s.readinessCheckers()...)
	h.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /twiml", s.handleTwiML)
	mux.HandleFunc("POST /twiml", s.handleTwiML)
	mux.HandleFunc("POST /call/outbound", s.handleOutbound)
	mux.HandleFunc("GET /ws", s.handleWS)

	return observe.Middleware(s.metrics)(mux)
}

// Run serves HTTP until ctx is cancelled, then drains: the listener stops
// accepting, active calls get up to the configured drain timeout to finish,
// and remaining sessions are cut off.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln until ctx is cancelled, then drains.
// Connections deliberately do not inherit ctx: a shutdown signal must leave
// in-flight calls running until the drain finishes or times out, and only
// then are the remaining streams cut.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	srv := &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return connCtx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve on %s: %w", ln.Addr(), err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		drainTimeout := time.Duration(s.cfg.Server.DrainTimeoutSeconds) * time.Second
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		s.log.Info("draining", "active_calls", s.registry.Active(), "timeout", drainTimeout)
		if err := s.registry.Drain(drainCtx); err != nil {
			s.log.Warn("drain timed out, cutting remaining calls", "active_calls", s.registry.Active())
		}
		cancelConns()

		shutCtx, cancelShut := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancelShut()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// readinessCheckers verifies each pipeline stage has a configured provider.
// Deep connectivity probes are the providers' own concern; readiness answers
// "can this process take a call at all".
func (s *Server) readinessCheckers() []health.Checker {
	present := func(name string, ok bool) health.Checker {
		return health.Checker{Name: name, Check: func(context.Context) error {
			if !ok {
				return fmt.Errorf("%s provider not configured", name)
			}
			return nil
		}}
	}
	return []health.Checker{
		present("llm", s.providers.LLM != nil),
		present("stt", s.providers.STT != nil),
		present("tts", s.providers.TTS != nil),
		present("vad", s.providers.VAD != nil),
	}
}

// streamURL builds the wss:// address Twilio should connect its media stream
// to, preferring the configured public host over the request host.
func (s *Server) streamURL(r *http.Request) string {
	host := s.cfg.Server.PublicHost
	if host == "" {
		host = r.Host
	}
	return "wss://" + host + "/ws"
}

// handleTwiML answers Twilio's voice webhook with a document that speaks the
// greeting and connects the call to the media WebSocket.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	doc, err := telephony.StreamTwiML(s.streamURL(r), s.cfg.Agent.Greeting, s.cfg.Agent.GreetingVoice)
	if err != nil {
		s.log.Error("building twiml", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	fmt.Fprint(w, doc)
}

// outboundRequest is the JSON body of POST /call/outbound.
type outboundRequest struct {
	To string `json:"to"`
}

// outboundResponse reports the originated call back to the API caller.
type outboundResponse struct {
	RequestID string `json:"request_id"`
	CallSid   string `json:"call_sid"`
	Status    string `json:"status"`
}

// handleOutbound originates a call via the Twilio REST API. The callee hears
// the greeting, then their audio streams into /ws like an inbound call.
func (s *Server) handleOutbound(w http.ResponseWriter, r *http.Request) {
	if s.rest == nil {
		http.Error(w, "outbound calling not configured", http.StatusServiceUnavailable)
		return
	}

	var req outboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
		http.Error(w, `body must be {"to": "+E164 number"}`, http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	log := s.log.With("request_id", requestID, "to", req.To)

	doc, err := telephony.StreamTwiML(s.streamURL(r), s.cfg.Agent.Greeting, s.cfg.Agent.GreetingVoice)
	if err != nil {
		log.Error("building twiml", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	c, err := s.rest.CreateCall(r.Context(), req.To, s.cfg.Twilio.PhoneNumber, doc)
	if err != nil {
		log.Error("creating outbound call", "err", err)
		s.metrics.RecordError(r.Context(), "telephony")
		http.Error(w, "call creation failed", http.StatusBadGateway)
		return
	}

	log.Info("outbound call created", "call_sid", c.Sid, "status", c.Status)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(outboundResponse{
		RequestID: requestID,
		CallSid:   c.Sid,
		Status:    c.Status,
	})
}

// wsTransport adapts a websocket connection to the call sender's Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// handleWS terminates one Media Streams connection. Admission is decided
// before any frame is processed: over the limit, the socket closes with 1013
// so the provider can retry elsewhere.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	ctx := r.Context()

	if err := s.registry.Acquire(); err != nil {
		s.log.Warn("rejecting call, at capacity", "active_calls", s.registry.Active())
		s.metrics.RecordCallRejected(ctx)
		conn.Close(websocket.StatusTryAgainLater, "call capacity reached")
		return
	}

	connID := uuid.NewString()
	log := s.log.With("conn_id", connID)
	log.Info("media stream connection accepted")

	sess := call.NewSession(&wsTransport{conn: conn}, s.providers, s.callConfig(log), s.registry.Release)
	registered := false
	defer func() {
		if registered {
			s.registry.Unregister(sess.StreamSid())
		}
		sess.Close()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				log.Info("media stream connection closed")
			} else {
				log.Warn("media stream read error", "err", err)
				s.metrics.RecordError(ctx, "transport")
			}
			return
		}

		if err := sess.HandleFrame(ctx, data); err != nil {
			if errors.Is(err, call.ErrCallEnded) {
				log.Info("call ended", "call_sid", sess.CallSid())
			} else {
				log.Error("session error", "err", err)
			}
			return
		}

		if !registered && sess.StreamSid() != "" {
			if prev := s.registry.Lookup(sess.StreamSid()); prev != nil {
				// A reconnect can race the old socket's teardown.
				log.Warn("stream id already bound, replacing", "stream_sid", sess.StreamSid())
			}
			s.registry.Register(sess.StreamSid(), sess)
			registered = true
		}
	}
}

// callConfig maps the process config onto per-call session tuning.
func (s *Server) callConfig(log *slog.Logger) call.Config {
	c := s.cfg
	return call.Config{
		SystemPrompt: c.Agent.SystemPrompt,
		MaxHistory:   c.Agent.MaxHistory,
		Language:     c.STT.Language,
		Voice: tts.VoiceProfile{
			ID:       c.TTS.Voice,
			Provider: c.TTS.Engine,
		},
		Temperature: c.LLM.Temperature,
		MaxTokens:   c.LLM.MaxTokens,
		Filler:      c.Agent.Filler,
		Turn: turn.Config{
			Threshold:  c.VAD.Threshold,
			MinSpeech:  time.Duration(c.VAD.MinSpeechMs) * time.Millisecond,
			MinSilence: time.Duration(c.VAD.MinSilenceMs) * time.Millisecond,
		},
		Log:     log,
		Metrics: s.metrics,
	}
}
