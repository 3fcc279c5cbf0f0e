package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. Defaults fill every field the
// file leaves unset.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults, applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from the process environment. Environment
// values win over the file so secrets never need to live on disk.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setString(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setString(&cfg.Twilio.PhoneNumber, "TWILIO_PHONE_NUMBER")

	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Server.PublicHost, "SERVER_PUBLIC_HOST")
	setInt(&cfg.Server.MaxConcurrentCalls, "MAX_CONCURRENT_CALLS")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}

	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.APIKey, "LLM_API_KEY")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setInt(&cfg.LLM.MaxTokens, "LLM_MAX_TOKENS")
	setFloat(&cfg.LLM.Temperature, "LLM_TEMPERATURE")

	setString(&cfg.STT.APIKey, "STT_API_KEY")

	setString(&cfg.TTS.Engine, "TTS_ENGINE")
	setString(&cfg.TTS.APIKey, "TTS_API_KEY")
	setString(&cfg.TTS.Voice, "TTS_VOICE")
	setInt(&cfg.TTS.Rate, "TTS_RATE")

	setFloat(&cfg.VAD.Threshold, "VAD_THRESHOLD")
	setInt(&cfg.VAD.MinSilenceMs, "VAD_MIN_SILENCE_MS")
	setInt(&cfg.VAD.MinSpeechMs, "VAD_MIN_SPEECH_MS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer environment override", "key", key, "value", v)
		return
	}
	*dst = n
}

func setFloat(dst *float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring non-numeric environment override", "key", key, "value", v)
		return
	}
	*dst = f
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range (1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent_calls %d must not be negative", cfg.Server.MaxConcurrentCalls))
	}
	if cfg.Server.DrainTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.drain_timeout_seconds %d must not be negative", cfg.Server.DrainTimeoutSeconds))
	}

	validateProviderName("llm", cfg.LLM.Provider)
	validateProviderName("stt", cfg.STT.Provider)
	validateProviderName("tts", cfg.TTS.Engine)

	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}

	if cfg.TTS.Rate <= 0 {
		errs = append(errs, fmt.Errorf("tts.rate %d must be positive", cfg.TTS.Rate))
	}

	if cfg.VAD.Threshold <= 0 || cfg.VAD.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range (0, 1)", cfg.VAD.Threshold))
	}
	if cfg.VAD.MinSilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("vad.min_silence_ms %d must be positive", cfg.VAD.MinSilenceMs))
	}
	if cfg.VAD.MinSpeechMs <= 0 {
		errs = append(errs, fmt.Errorf("vad.min_speech_ms %d must be positive", cfg.VAD.MinSpeechMs))
	}

	if cfg.Twilio.AccountSID == "" {
		slog.Warn("twilio.account_sid is empty; outbound calls and TwiML will be unavailable")
	}
	if cfg.Server.PublicHost == "" {
		slog.Warn("server.public_host is empty; TwiML stream URLs will use the request host")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
