// Package mode implements the interaction-mode state machine of the dispatch
// core.
//
// A [Machine] has exactly one writer, the dispatch loop. Every other goroutine
// (status endpoints, the websocket bridge, tests) reads the atomic snapshot
// returned by [Machine.Current].
package mode

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Mode is the interaction context that governs how an utterance is interpreted.
type Mode int32

const (
	// Idle is the initial state. Only start_listening leaves it.
	Idle Mode = iota
	// Listening matches utterances against the command table.
	Listening
	// Dictation types every unmatched utterance verbatim.
	Dictation
	// Transcription buffers unmatched utterances for the clipboard.
	Transcription
	// AgentConversation routes unmatched utterances to the active persona.
	AgentConversation
)

var names = [...]string{"idle", "listening", "dictation", "transcription", "agent_conversation"}

// String returns the snake_case name of the mode.
func (m Mode) String() string {
	if m < 0 || int(m) >= len(names) {
		return fmt.Sprintf("mode(%d)", int32(m))
	}
	return names[m]
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Capturing reports whether the mode passes free text through instead of
// matching commands.
func (m Mode) Capturing() bool {
	return m == Dictation || m == Transcription
}

// Parse returns the Mode named s.
func Parse(s string) (Mode, error) {
	for i, n := range names {
		if n == s {
			return Mode(i), nil
		}
	}
	return Idle, fmt.Errorf("mode: unknown mode %q", s)
}

// Transition triggers. The first eight double as command identifiers.
const (
	StartListening = "start_listening"
	StopListening  = "stop_listening"
	Dictate        = "dictate"
	Transcribe     = "transcribe"
	EnterThis      = "enter_this"
	AgentActivate  = "agent_activate"
	StopSpeaking   = "stop_speaking"
	Exit           = "exit"

	// Cancel is the explicit cancellation signal raised outside of speech.
	Cancel = "cancel"
	// Timeout fires when a capture mode saw no final utterance within its idle window.
	Timeout = "capture_timeout"
)

var (
	// ErrInvalidTransition is returned when a trigger is illegal in the current mode.
	ErrInvalidTransition = errors.New("mode: invalid transition")
	// ErrReentrant is returned when a trigger would lead to the mode already active.
	ErrReentrant = errors.New("mode: already in target mode")
)

// table maps each trigger to its legal source→target pairs.
var table = map[string]map[Mode]Mode{
	StartListening: {Idle: Listening},
	StopListening:  {Dictation: Listening, Transcription: Listening, AgentConversation: Listening},
	Dictate:        {Listening: Dictation},
	Transcribe:     {Listening: Transcription},
	AgentActivate:  {Listening: AgentConversation},
	EnterThis:      {Dictation: Listening, Transcription: Listening},
	StopSpeaking:   {Listening: Listening, AgentConversation: Listening},
	Exit:           {Listening: Idle, Dictation: Idle, Transcription: Idle, AgentConversation: Idle},
	Cancel:         {Dictation: Listening, Transcription: Listening, AgentConversation: Listening},
	Timeout:        {Dictation: Listening, Transcription: Listening},
}

// IsTrigger reports whether id names a mode transition.
func IsTrigger(id string) bool {
	_, ok := table[id]
	return ok
}

// Change describes one applied transition. At is the capture time of the
// speech that caused it, or of the latest speech heard for timeouts and
// cancels; zero when unknown.
type Change struct {
	From    Mode
	To      Mode
	Trigger string
	At      time.Time
}

// Machine owns the current Mode.
type Machine struct {
	current   Mode
	enteredAt time.Time
	snapshot  atomic.Int32

	mu        sync.Mutex
	listeners []func(Change)
}

// Option configures a Machine.
type Option func(*Machine)

// WithInitial starts the machine in m instead of Idle.
func WithInitial(m Mode) Option {
	return func(mc *Machine) { mc.current = m }
}

// New creates a Machine in Idle.
func New(opts ...Option) *Machine {
	m := &Machine{}
	for _, o := range opts {
		o(m)
	}
	m.snapshot.Store(int32(m.current))
	return m
}

// OnChange registers fn to be invoked synchronously after every applied
// transition. fn must not call Apply.
func (m *Machine) OnChange(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Current returns a snapshot of the active mode. Safe for concurrent use.
func (m *Machine) Current() Mode {
	return Mode(m.snapshot.Load())
}

// EnteredAt returns when the active mode was entered. Owner only.
func (m *Machine) EnteredAt() time.Time {
	return m.enteredAt
}

// Stale reports whether speech captured at ts predates the active mode and
// must therefore not be interpreted under it. A zero ts is never stale.
func (m *Machine) Stale(ts time.Time) bool {
	return !ts.IsZero() && !m.enteredAt.IsZero() && ts.Before(m.enteredAt)
}

// Check returns the target of trigger in the current mode without applying it.
func (m *Machine) Check(trigger string) (Mode, error) {
	moves, ok := table[trigger]
	if !ok {
		return m.current, fmt.Errorf("%w: unknown trigger %q", ErrInvalidTransition, trigger)
	}
	if to, ok := moves[m.current]; ok {
		return to, nil
	}
	for _, to := range moves {
		if to == m.current {
			return m.current, fmt.Errorf("%w: %s in %s", ErrReentrant, trigger, m.current)
		}
	}
	return m.current, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, trigger, m.current)
}

// Apply performs trigger at time at. Owner only. On error the mode is unchanged.
// A legal trigger whose target equals the current mode (stop_speaking while
// listening) succeeds without resetting the entry time.
func (m *Machine) Apply(trigger string, at time.Time) (Change, error) {
	to, err := m.Check(trigger)
	if err != nil {
		return Change{}, err
	}
	ch := Change{From: m.current, To: to, Trigger: trigger, At: at}
	if to == m.current {
		return ch, nil
	}

	m.current = to
	m.enteredAt = at
	m.snapshot.Store(int32(to))

	m.mu.Lock()
	listeners := m.listeners
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(ch)
	}
	return ch, nil
}
