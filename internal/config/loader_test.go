package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/decisions/internal/config"
)

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()
	yaml := `
dispatch:
  capture_timeout: soon
personas:
  - id: scarlett
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unparsable duration, got nil")
	}
	if !strings.Contains(err.Error(), "decode yaml") {
		t.Errorf("error should come from decoding, got: %v", err)
	}
}

func TestLoadFromReader_UnknownProviderIsNotAnError(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: acme-llm
  tts:
    name: acme-tts
personas:
  - id: scarlett
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unknown provider names should only warn, got: %v", err)
	}
	if cfg.Providers.LLM.Name != "acme-llm" {
		t.Errorf("llm name = %q", cfg.Providers.LLM.Name)
	}
}

func TestLoadFromReader_EmptyInput(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "at least one persona") {
		t.Errorf("empty config error = %v, want missing persona", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for kind, names := range config.ValidProviderNames {
		if len(names) == 0 {
			t.Errorf("kind %q lists no providers", kind)
		}
	}
	for _, kind := range []string{"llm", "tts"} {
		if _, ok := config.ValidProviderNames[kind]; !ok {
			t.Errorf("kind %q is missing", kind)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if len(cfg.Personas) != 2 || cfg.DefaultPersona != "scarlett" {
		t.Errorf("personas = %d, default = %q", len(cfg.Personas), cfg.DefaultPersona)
	}
	if cfg.Personas[1].BusyPolicy != config.BusyReject || cfg.Personas[0].BusyPolicy != config.BusyQueue {
		t.Errorf("busy policies = %q, %q", cfg.Personas[0].BusyPolicy, cfg.Personas[1].BusyPolicy)
	}
	if _, ok := cfg.Providers.Backends["local"]; !ok {
		t.Error("backend local missing")
	}
}
