package agent

import (
	"errors"
	"testing"
)

func testPersonas(t *testing.T, ps ...Persona) *Personas {
	t.Helper()
	if len(ps) == 0 {
		ps = []Persona{
			{ID: "scarlett", Name: "Scarlett"},
			{ID: "jarvis", Name: "Jarvis", Busy: BusyReject},
		}
	}
	reg, err := NewPersonas(ps, nil)
	if err != nil {
		t.Fatalf("NewPersonas: %v", err)
	}
	return reg
}

func TestNewPersonas_Defaults(t *testing.T) {
	t.Parallel()
	reg := testPersonas(t)

	p, ok := reg.Get("SCARLETT")
	if !ok {
		t.Fatal("Get(SCARLETT) not found")
	}
	if p.SystemPrompt != "You are Scarlett, an AI assistant." {
		t.Errorf("SystemPrompt = %q", p.SystemPrompt)
	}
	if p.QueueDepth != DefaultQueueDepth {
		t.Errorf("QueueDepth = %d, want %d", p.QueueDepth, DefaultQueueDepth)
	}
	if reg.Len() != 2 || reg.All()[1].ID != "jarvis" {
		t.Errorf("All() order wrong: %v", reg.All())
	}
}

func TestNewPersonas_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ps   []Persona
	}{
		{name: "empty id", ps: []Persona{{Name: "x"}}},
		{name: "duplicate", ps: []Persona{{ID: "a"}, {ID: "A"}}},
		{name: "negative depth", ps: []Persona{{ID: "a", QueueDepth: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewPersonas(tt.ps, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPersonas_Resolve(t *testing.T) {
	t.Parallel()
	reg := testPersonas(t)

	tests := []struct {
		spoken string
		want   string
	}{
		{spoken: "jarvis", want: "jarvis"},
		{spoken: "Scarlett", want: "scarlett"},
		{spoken: "scarlet", want: "scarlett"},
		{spoken: "jarvas", want: "jarvis"},
	}
	for _, tt := range tests {
		t.Run(tt.spoken, func(t *testing.T) {
			t.Parallel()
			p, err := reg.Resolve(tt.spoken)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.spoken, err)
			}
			if p.ID != tt.want {
				t.Errorf("Resolve(%q) = %s, want %s", tt.spoken, p.ID, tt.want)
			}
		})
	}

	if _, err := reg.Resolve("hal"); !errors.Is(err, ErrUnknownPersona) {
		t.Errorf("Resolve(hal) err = %v, want ErrUnknownPersona", err)
	}
}

func TestParseBusyPolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]BusyPolicy{"": BusyQueue, "Queue": BusyQueue, "reject": BusyReject} {
		got, err := ParseBusyPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseBusyPolicy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseBusyPolicy("drop"); err == nil {
		t.Error("ParseBusyPolicy(drop) expected error")
	}
}
