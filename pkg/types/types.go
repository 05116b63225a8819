// Package types defines the data shared between the dispatch core, its
// providers and the network bridge.
//
// Each package owns its own domain types; only values that cross package
// boundaries in both directions live here to avoid circular imports.
package types

import "time"

// Utterance is one transcript fragment produced by the external recognizer.
type Utterance struct {
	// ID uniquely identifies the utterance. Final utterances with the same ID
	// are dispatched at most once. Assigned on ingestion when empty.
	ID string `json:"id,omitempty"`

	// Text is the raw transcript as delivered by the recognizer.
	Text string `json:"text"`

	// Timestamp marks when the speech was captured. A zero value means the
	// recognizer did not report one and the utterance is never considered stale.
	Timestamp time.Time `json:"timestamp,omitzero"`

	// Confidence is the recognizer's confidence score (0.0 to 1.0). May be zero if
	// the recognizer does not report confidence.
	Confidence float64 `json:"confidence,omitempty"`

	// IsFinal distinguishes authoritative utterances from provisional ones.
	// Provisional utterances never trigger an action.
	IsFinal bool `json:"is_final"`
}

// Message is a single entry in a model conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Exchange is one completed user/assistant turn kept in an agent's history.
type Exchange struct {
	Prompt string
	Reply  string
}

// Messages flattens exchanges into alternating user and assistant messages.
func Messages(history []Exchange) []Message {
	out := make([]Message, 0, len(history)*2)
	for _, ex := range history {
		out = append(out,
			Message{Role: "user", Content: ex.Prompt},
			Message{Role: "assistant", Content: ex.Reply},
		)
	}
	return out
}

// VoiceProfile describes a TTS voice used to speak a persona's replies.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// Name is the human-readable voice name.
	Name string `yaml:"name"`

	// Provider identifies which TTS provider this voice belongs to.
	Provider string `yaml:"provider"`

	// SpeedFactor adjusts speaking rate (0.5 to 2.0, 1.0 = default).
	SpeedFactor float64 `yaml:"speed_factor"`
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
