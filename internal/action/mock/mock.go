// Package mock provides a test double for the action.Host interface.
package mock

import (
	"context"
	"maps"
	"sync"

	"github.com/MrWong99/decisions/internal/action"
)

// Call records a single Execute invocation.
type Call struct {
	CommandID string
	Args      action.Args
}

// Host is a mock implementation of action.Host. It records every call and
// returns Errors[commandID] when set.
type Host struct {
	mu sync.Mutex

	// Errors maps command identifiers to the error Execute should return.
	Errors map[string]error

	// Panics lists command identifiers whose execution panics.
	Panics map[string]bool

	calls []Call
}

// Execute records the call.
func (h *Host) Execute(_ context.Context, commandID string, args action.Args) (string, error) {
	h.mu.Lock()
	h.calls = append(h.calls, Call{CommandID: commandID, Args: maps.Clone(args)})
	err := h.Errors[commandID]
	panics := h.Panics[commandID]
	h.mu.Unlock()

	if panics {
		panic("mock host: " + commandID)
	}
	if err != nil {
		return "", err
	}
	return "did " + commandID, nil
}

// Calls returns a snapshot of all recorded calls.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallsFor returns the recorded calls for commandID.
func (h *Host) CallsFor(commandID string) []Call {
	var out []Call
	for _, c := range h.Calls() {
		if c.CommandID == commandID {
			out = append(out, c)
		}
	}
	return out
}

var _ action.Host = (*Host)(nil)
