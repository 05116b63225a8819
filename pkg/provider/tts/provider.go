// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and presents a streaming
// interface: SynthesizeStream accepts a channel of text fragments and returns a
// channel of raw PCM audio as it becomes available. The speech player feeds
// agent replies through it and cancels the stream when the user asks the
// assistant to stop speaking.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/decisions/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from text and returns a channel
	// emitting raw PCM audio. The audio channel is closed when all text has
	// been synthesised or ctx is cancelled; callers must drain it.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
