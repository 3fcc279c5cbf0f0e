// Package config provides the configuration schema, loader, and provider
// registry for the Trunkline voice gateway.
package config

// LogLevel controls log verbosity for the Trunkline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Trunkline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// secrets and deploy knobs can be overridden from the environment via
// [ApplyEnv].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Twilio TwilioConfig `yaml:"twilio"`
	LLM    LLMConfig    `yaml:"llm"`
	STT    STTConfig    `yaml:"stt"`
	TTS    TTSConfig    `yaml:"tts"`
	VAD    VADConfig    `yaml:"vad"`
	Agent  AgentConfig  `yaml:"agent"`
}

// ServerConfig holds network, logging, and admission settings.
type ServerConfig struct {
	// Host is the interface the server binds to. Empty means all interfaces.
	Host string `yaml:"host"`

	// Port is the TCP port the server listens on.
	Port int `yaml:"port"`

	// PublicHost is the externally reachable hostname Twilio connects back
	// to, used to build the wss:// stream URL in TwiML. No scheme, no port
	// unless non-standard (e.g. "gateway.example.com").
	PublicHost string `yaml:"public_host"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxConcurrentCalls is the admission limit. Zero means unlimited.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`

	// DrainTimeoutSeconds bounds graceful shutdown: how long to wait for
	// active calls to finish after SIGTERM.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
}

// TwilioConfig holds the telephony provider credentials.
type TwilioConfig struct {
	// AccountSID identifies the Twilio account.
	AccountSID string `yaml:"account_sid"`

	// AuthToken authenticates REST API calls.
	AuthToken string `yaml:"auth_token"`

	// PhoneNumber is the caller id used for outbound calls, E.164 form.
	PhoneNumber string `yaml:"phone_number"`
}

// LLMConfig selects and tunes the language model backend.
type LLMConfig struct {
	// Provider selects the backend (e.g. "openai", "anthropic", "ollama").
	Provider string `yaml:"provider"`

	// BaseURL overrides the provider's default API endpoint. Also how an
	// OpenAI-compatible local server (vLLM, llama.cpp) is pointed at.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// Model is the model identifier (e.g. "gpt-4o-mini").
	Model string `yaml:"model"`

	// MaxTokens caps each reply.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature"`
}

// STTConfig selects and tunes the speech recogniser.
type STTConfig struct {
	// Provider selects the backend (e.g. "deepgram").
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// Model is the recogniser model (e.g. "nova-2").
	Model string `yaml:"model"`

	// Language is the BCP-47 language hint (e.g. "en-US").
	Language string `yaml:"language"`
}

// TTSConfig selects and tunes speech synthesis.
type TTSConfig struct {
	// Engine selects the backend (e.g. "elevenlabs").
	Engine string `yaml:"engine"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// Voice is the provider-specific voice identifier.
	Voice string `yaml:"voice"`

	// Model is the synthesis model (e.g. "eleven_flash_v2_5").
	Model string `yaml:"model"`

	// Rate is the PCM sample rate requested from the provider in Hz.
	Rate int `yaml:"rate"`
}

// VADConfig tunes voice-activity-driven turn taking.
type VADConfig struct {
	// Threshold is the speech probability above which (strictly) a window
	// counts as speech.
	Threshold float64 `yaml:"threshold"`

	// MinSilenceMs is the trailing silence that ends a turn.
	MinSilenceMs int `yaml:"min_silence_ms"`

	// MinSpeechMs is the minimum accumulated speech for a valid turn.
	MinSpeechMs int `yaml:"min_speech_ms"`
}

// AgentConfig shapes the conversational behaviour of the gateway.
type AgentConfig struct {
	// SystemPrompt seeds every call's conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// Greeting is spoken via TwiML before the media stream connects.
	Greeting string `yaml:"greeting"`

	// GreetingVoice is the TwiML <Say> voice (e.g. "Polly.Amy").
	GreetingVoice string `yaml:"greeting_voice"`

	// Filler is spoken when the language model fails outright.
	Filler string `yaml:"filler"`

	// MaxHistory bounds the conversation window per call.
	MaxHistory int `yaml:"max_history"`
}

// Default returns a Config with every tunable at its documented default.
// Credentials are intentionally empty.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                8080,
			LogLevel:            LogInfo,
			MaxConcurrentCalls:  10,
			DrainTimeoutSeconds: 30,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		STT: STTConfig{
			Provider: "deepgram",
			Model:    "nova-2",
			Language: "en-US",
		},
		TTS: TTSConfig{
			Engine: "elevenlabs",
			Model:  "eleven_flash_v2_5",
			Rate:   24000,
		},
		VAD: VADConfig{
			Threshold:    0.5,
			MinSilenceMs: 550,
			MinSpeechMs:  250,
		},
		Agent: AgentConfig{
			SystemPrompt:  "You are a helpful assistant on a phone call. Keep replies short and conversational.",
			Greeting:      "Hello! How can I help you today?",
			GreetingVoice: "Polly.Amy",
			MaxHistory:    20,
		},
	}
}
