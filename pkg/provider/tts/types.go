package tts

// VoiceProfile describes a TTS voice configuration for the assistant.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Stability controls voice consistency (0.0–1.0, provider-specific).
	Stability float64

	// SimilarityBoost controls adherence to the reference voice (0.0–1.0).
	SimilarityBoost float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}
