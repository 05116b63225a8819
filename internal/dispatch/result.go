package dispatch

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/decisions/internal/mode"
	"github.com/MrWong99/decisions/internal/observe"
)

// Outcome classifies a Result.
type Outcome int

const (
	// Executed means the utterance caused an action, transition or reply.
	Executed Outcome = iota
	// Ignored means the utterance was deliberately not acted upon.
	Ignored
	// Failed means acting on the utterance was attempted and did not succeed.
	Failed
)

// String returns the lower-case outcome name.
func (o Outcome) String() string {
	switch o {
	case Executed:
		return "executed"
	case Ignored:
		return "ignored"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	for _, v := range []Outcome{Executed, Ignored, Failed} {
		if v.String() == string(b) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("dispatch: unknown outcome %q", b)
}

// Reason explains an Ignored or Failed outcome. Executed results carry no
// reason.
type Reason string

const (
	NoMatch           Reason = "no_match"
	InvalidTransition Reason = "invalid_transition"
	Reentrant         Reason = "reentrant"
	HandlerFailure    Reason = "handler_failure"
	AgentUnavailable  Reason = "agent_unavailable"
	Busy              Reason = "busy"
	Cancelled         Reason = "cancelled"
	Stale             Reason = "stale"
	Empty             Reason = "empty"
)

// Result is the record of how one final utterance was handled. Exactly one
// Result is produced per final utterance.
type Result struct {
	UtteranceID string    `json:"utterance_id"`
	Excerpt     string    `json:"excerpt"`
	Mode        mode.Mode `json:"mode"`
	CommandID   string    `json:"command_id,omitempty"`
	Persona     string    `json:"persona,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Reason      Reason    `json:"reason,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

func (r Result) decision() observe.Decision {
	return observe.Decision{
		Outcome: r.Outcome.String(),
		Reason:  string(r.Reason),
		Command: r.CommandID,
		Persona: r.Persona,
		Detail:  r.Detail,
	}
}

// Sink receives every Result. Record is called on the dispatch goroutine and
// must not block.
type Sink interface {
	Record(Result)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Result)

// Record calls f.
func (f SinkFunc) Record(r Result) { f(r) }

const excerptLen = 60

// excerpt shortens s for logs and results.
func excerpt(s string) string {
	if utf8.RuneCountInString(s) <= excerptLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:excerptLen]) + "..."
}
