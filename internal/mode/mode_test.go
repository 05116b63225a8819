package mode

import (
	"errors"
	"testing"
	"time"
)

func TestApply_Table(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    Mode
		trigger string
		want    Mode
		wantErr error
	}{
		{"start from idle", Idle, StartListening, Listening, nil},
		{"start while listening", Listening, StartListening, Listening, ErrReentrant},
		{"dictate from listening", Listening, Dictate, Dictation, nil},
		{"dictate while dictating", Dictation, Dictate, Dictation, ErrReentrant},
		{"dictate from idle", Idle, Dictate, Idle, ErrInvalidTransition},
		{"dictate from transcription", Transcription, Dictate, Transcription, ErrInvalidTransition},
		{"transcribe from listening", Listening, Transcribe, Transcription, nil},
		{"agent from listening", Listening, AgentActivate, AgentConversation, nil},
		{"agent while conversing", AgentConversation, AgentActivate, AgentConversation, ErrReentrant},
		{"enter this from dictation", Dictation, EnterThis, Listening, nil},
		{"enter this from transcription", Transcription, EnterThis, Listening, nil},
		{"enter this from agent", AgentConversation, EnterThis, AgentConversation, ErrInvalidTransition},
		{"stop listening in dictation", Dictation, StopListening, Listening, nil},
		{"stop listening while listening", Listening, StopListening, Listening, ErrReentrant},
		{"stop listening in idle", Idle, StopListening, Idle, ErrInvalidTransition},
		{"stop speaking in agent", AgentConversation, StopSpeaking, Listening, nil},
		{"stop speaking while listening", Listening, StopSpeaking, Listening, nil},
		{"stop speaking in idle", Idle, StopSpeaking, Idle, ErrInvalidTransition},
		{"exit from agent", AgentConversation, Exit, Idle, nil},
		{"exit from idle", Idle, Exit, Idle, ErrReentrant},
		{"cancel in transcription", Transcription, Cancel, Listening, nil},
		{"cancel while listening", Listening, Cancel, Listening, ErrReentrant},
		{"timeout in dictation", Dictation, Timeout, Listening, nil},
		{"timeout in agent", AgentConversation, Timeout, AgentConversation, ErrInvalidTransition},
		{"unknown trigger", Listening, "click", Listening, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := New(WithInitial(tt.from))
			_, err := m.Apply(tt.trigger, time.Now())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Apply(%s) err = %v, want %v", tt.trigger, err, tt.wantErr)
			}
			if got := m.Current(); got != tt.want {
				t.Errorf("Current() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApply_NotifiesListeners(t *testing.T) {
	t.Parallel()
	m := New()
	var changes []Change
	m.OnChange(func(c Change) { changes = append(changes, c) })

	at := time.Unix(100, 0)
	if _, err := m.Apply(StartListening, at); err != nil {
		t.Fatal(err)
	}
	// Same-mode success must not notify.
	if _, err := m.Apply(StopSpeaking, at.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].From != Idle || changes[0].To != Listening || changes[0].Trigger != StartListening {
		t.Errorf("unexpected change %+v", changes[0])
	}
	if !m.EnteredAt().Equal(at) {
		t.Errorf("EnteredAt = %v, want %v", m.EnteredAt(), at)
	}
}

func TestStale(t *testing.T) {
	t.Parallel()
	m := New()
	base := time.Unix(1_000, 0)
	if m.Stale(base) {
		t.Error("nothing is stale before the first transition")
	}
	if _, err := m.Apply(StartListening, base); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Apply(Dictate, base.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}

	if !m.Stale(base.Add(time.Second)) {
		t.Error("speech captured before dictation started must be stale")
	}
	if m.Stale(base.Add(3 * time.Second)) {
		t.Error("speech captured after dictation started must not be stale")
	}
	if m.Stale(time.Time{}) {
		t.Error("zero timestamps are never stale")
	}
}

func TestModeString(t *testing.T) {
	t.Parallel()
	for _, m := range []Mode{Idle, Listening, Dictation, Transcription, AgentConversation} {
		got, err := Parse(m.String())
		if err != nil || got != m {
			t.Errorf("Parse(%q) = %v, %v", m.String(), got, err)
		}
	}
	if Mode(42).String() != "mode(42)" {
		t.Errorf("out of range String() = %q", Mode(42).String())
	}
	if _, err := Parse("sleeping"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestCapturing(t *testing.T) {
	t.Parallel()
	if !Dictation.Capturing() || !Transcription.Capturing() {
		t.Error("dictation and transcription capture text")
	}
	if Listening.Capturing() || AgentConversation.Capturing() || Idle.Capturing() {
		t.Error("only dictation and transcription capture text")
	}
}
