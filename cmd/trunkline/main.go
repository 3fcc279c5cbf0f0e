// Command trunkline is the Twilio-facing voice gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/trunkline/internal/call"
	"github.com/MrWong99/trunkline/internal/config"
	"github.com/MrWong99/trunkline/internal/observe"
	"github.com/MrWong99/trunkline/internal/resilience"
	"github.com/MrWong99/trunkline/internal/server"
	"github.com/MrWong99/trunkline/pkg/provider/llm"
	"github.com/MrWong99/trunkline/pkg/provider/llm/anyllm"
	openaillm "github.com/MrWong99/trunkline/pkg/provider/llm/openai"
	"github.com/MrWong99/trunkline/pkg/provider/stt"
	"github.com/MrWong99/trunkline/pkg/provider/stt/deepgram"
	"github.com/MrWong99/trunkline/pkg/provider/tts"
	"github.com/MrWong99/trunkline/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/trunkline/pkg/provider/vad"
	"github.com/MrWong99/trunkline/pkg/provider/vad/energy"
)

// prewarmTimeout bounds the startup LLM round-trip that verifies the model
// endpoint is reachable before the listener accepts calls.
const prewarmTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "trunkline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "trunkline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("trunkline starting",
		"config", *configPath,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "trunkline",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// Pre-warm: one cheap completion proves the model endpoint works before
	// we accept traffic. A failure is logged, not fatal — the endpoint may
	// recover before the first caller arrives.
	prewarm(ctx, providers.LLM, cfg.LLM.Model)

	// ── Server ────────────────────────────────────────────────────────────────
	srv, err := server.New(cfg, providers, logger, server.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// openai gets the native openai-go client; when a base_url points at an
	// OpenAI-compatible local server (vLLM, llama.cpp server) it still applies.
	reg.RegisterLLM("openai", func(c config.LLMConfig) (llm.Provider, error) {
		var opts []openaillm.Option
		if c.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(c.BaseURL))
		}
		return openaillm.New(c.APIKey, c.Model, opts...)
	})

	// The remaining cloud backends share the any-llm pattern:
	// optional APIKey + optional BaseURL.
	for _, name := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(name, func(c config.LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if c.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(c.APIKey))
			}
			if c.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
			}
			return anyllm.New(name, c.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(c config.LLMConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if c.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
		}
		return anyllm.NewOllama(c.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(c config.STTConfig) (stt.Provider, error) {
		var opts []deepgram.Option
		if c.Model != "" {
			opts = append(opts, deepgram.WithModel(c.Model))
		}
		if c.Language != "" {
			opts = append(opts, deepgram.WithLanguage(c.Language))
		}
		return deepgram.New(c.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(c config.TTSConfig) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if c.Model != "" {
			opts = append(opts, elevenlabs.WithModel(c.Model))
		}
		if c.Rate > 0 {
			opts = append(opts, elevenlabs.WithOutputFormat(fmt.Sprintf("pcm_%d", c.Rate)))
		}
		return elevenlabs.New(c.APIKey, opts...)
	})

	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})
}

// buildProviders instantiates every pipeline stage from the config registry
// and wraps the remote ones in circuit breakers so one flapping backend
// cannot hammer its API from every live call at once.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (call.Providers, error) {
	var ps call.Providers
	chainCfg := resilience.ChainConfig{Breaker: resilience.BreakerConfig{Metrics: metrics}}

	llmProv, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		return ps, fmt.Errorf("create llm provider %q: %w", cfg.LLM.Provider, err)
	}
	ps.LLM = resilience.NewLLMFallback(llmProv, cfg.LLM.Provider, chainCfg)
	slog.Info("provider created", "kind", "llm", "name", cfg.LLM.Provider, "model", cfg.LLM.Model)

	sttProv, err := reg.CreateSTT(cfg.STT)
	if err != nil {
		return ps, fmt.Errorf("create stt provider %q: %w", cfg.STT.Provider, err)
	}
	ps.STT = resilience.NewSTTFallback(sttProv, cfg.STT.Provider, chainCfg)
	slog.Info("provider created", "kind", "stt", "name", cfg.STT.Provider, "model", cfg.STT.Model)

	ttsProv, err := reg.CreateTTS(cfg.TTS)
	if err != nil {
		return ps, fmt.Errorf("create tts provider %q: %w", cfg.TTS.Engine, err)
	}
	ps.TTS = resilience.NewTTSFallback(ttsProv, cfg.TTS.Engine, chainCfg)
	slog.Info("provider created", "kind", "tts", "name", cfg.TTS.Engine, "rate", cfg.TTS.Rate)

	vadEngine, err := reg.CreateVAD("energy", cfg.VAD)
	if err != nil {
		return ps, fmt.Errorf("create vad engine: %w", err)
	}
	ps.VAD = vadEngine
	slog.Info("provider created", "kind", "vad", "name", "energy")

	return ps, nil
}

// prewarm issues one tiny completion so model cold-start latency lands at
// boot instead of on the first caller's opening sentence.
func prewarm(ctx context.Context, p llm.Provider, model string) {
	warmCtx, cancel := context.WithTimeout(ctx, prewarmTimeout)
	defer cancel()

	start := time.Now()
	_, err := p.Complete(warmCtx, llm.CompletionRequest{
		Messages:  []llm.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		slog.Warn("model pre-warm failed", "model", model, "err", err)
		return
	}
	slog.Info("model pre-warmed", "model", model, "took", time.Since(start).Round(time.Millisecond))
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Trunkline — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", cfg.LLM.Provider+" / "+cfg.LLM.Model)
	printRow("STT", cfg.STT.Provider+" / "+cfg.STT.Model)
	printRow("TTS", cfg.TTS.Engine+" / "+cfg.TTS.Model)
	printRow("VAD", "energy")
	if cfg.Twilio.AccountSID != "" {
		printRow("Twilio", "configured")
	} else {
		printRow("Twilio", "(not configured)")
	}
	printRow("Max calls", fmt.Sprintf("%d", cfg.Server.MaxConcurrentCalls))
	printRow("Listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s : %-21s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
