package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/decisions/pkg/provider/llm"
	"github.com/MrWong99/decisions/pkg/types"
)

// ConverseRequest is everything a backend needs to answer one prompt.
type ConverseRequest struct {
	PersonaID    string
	SystemPrompt string
	// History holds the most recent exchanges, oldest first.
	History []types.Exchange
	Prompt  string
}

// Backend is one model backend kind. Converse may be slow and may fail; it
// must honour ctx cancellation.
type Backend interface {
	Converse(ctx context.Context, req ConverseRequest) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req ConverseRequest) (string, error)

// Converse calls f.
func (f BackendFunc) Converse(ctx context.Context, req ConverseRequest) (string, error) {
	return f(ctx, req)
}

// ErrEmptyReply is returned when a backend produced no text.
var ErrEmptyReply = errors.New("agent: backend returned an empty reply")

// LLMBackend serves personas from an llm.Provider.
type LLMBackend struct {
	Provider    llm.Provider
	MaxTokens   int
	Temperature float64
}

// Converse implements Backend.
func (b *LLMBackend) Converse(ctx context.Context, req ConverseRequest) (string, error) {
	msgs := append(types.Messages(req.History), types.Message{Role: "user", Content: req.Prompt})
	resp, err := b.Provider.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    b.MaxTokens,
		Temperature:  b.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("agent: %s: %w", req.PersonaID, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", ErrEmptyReply
	}
	return strings.TrimSpace(resp.Content), nil
}
