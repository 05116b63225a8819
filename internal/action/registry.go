// Package action maps command identifiers to executable handlers.
//
// A [Registry] is assembled once with a [Builder] and is immutable afterwards,
// so tests can substitute a complete fake handler set. Handlers receive only
// the arguments extracted by the command matcher, never the raw utterance.
// [Registry.Execute] converts handler errors and panics into a
// [*HandlerError] so a single failing action never takes the dispatch loop
// down with it.
package action

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
)

// Args are the named arguments of one resolved command.
type Args map[string]string

// Get returns the value of name or def when it is absent.
func (a Args) Get(name, def string) string {
	if v, ok := a[name]; ok && v != "" {
		return v
	}
	return def
}

// Handler executes one command. The returned detail is a short human readable
// description of what was done.
type Handler func(ctx context.Context, args Args) (detail string, err error)

// ErrUnknownCommand is returned by Execute for an identifier without handler.
var ErrUnknownCommand = errors.New("action: no handler registered")

// HandlerError wraps a failed or panicking handler invocation.
type HandlerError struct {
	CommandID string
	Err       error
	// Panicked is true when the handler panicked instead of returning.
	Panicked bool
	// Stack is the goroutine stack captured at the panic.
	Stack []byte
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("action: %s panicked: %v", e.CommandID, e.Err)
	}
	return fmt.Sprintf("action: %s: %v", e.CommandID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Builder collects handlers before the registry is frozen.
type Builder struct {
	handlers map[string]Handler
	errs     []error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{handlers: make(map[string]Handler)}
}

// Register adds h under commandID. Registering an id twice is an error
// reported by Build.
func (b *Builder) Register(commandID string, h Handler) *Builder {
	switch {
	case strings.TrimSpace(commandID) == "":
		b.errs = append(b.errs, errors.New("action: empty command id"))
	case h == nil:
		b.errs = append(b.errs, fmt.Errorf("action: nil handler for %q", commandID))
	default:
		if _, dup := b.handlers[commandID]; dup {
			b.errs = append(b.errs, fmt.Errorf("action: duplicate handler for %q", commandID))
			return b
		}
		b.handlers[commandID] = h
	}
	return b
}

// Build freezes the collected handlers.
func (b *Builder) Build() (*Registry, error) {
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return &Registry{handlers: maps.Clone(b.handlers)}, nil
}

// Registry is an immutable commandID → Handler map. Safe for concurrent use.
type Registry struct {
	handlers map[string]Handler
}

// Has reports whether a handler is registered for commandID.
func (r *Registry) Has(commandID string) bool {
	_, ok := r.handlers[commandID]
	return ok
}

// IDs returns the registered command identifiers, sorted.
func (r *Registry) IDs() []string {
	return slices.Sorted(maps.Keys(r.handlers))
}

// Execute invokes the handler for commandID exactly once.
func (r *Registry) Execute(ctx context.Context, commandID string, args Args) (detail string, err error) {
	h, ok := r.handlers[commandID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, commandID)
	}
	if args == nil {
		args = Args{}
	}

	defer func() {
		if p := recover(); p != nil {
			detail = ""
			err = &HandlerError{
				CommandID: commandID,
				Err:       fmt.Errorf("%v", p),
				Panicked:  true,
				Stack:     debug.Stack(),
			}
		}
	}()

	detail, err = h(ctx, args)
	if err != nil {
		return detail, &HandlerError{CommandID: commandID, Err: err}
	}
	return detail, nil
}
