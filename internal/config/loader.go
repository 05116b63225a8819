package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/decisions/internal/command"
)

// DefaultBackend is the backend name personas use when they set none. It is
// served by providers.llm and its fallbacks.
const DefaultBackend = "default"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "openai-native", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, fb := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", fb.Name)
	}
	for name, b := range cfg.Providers.Backends {
		if name == DefaultBackend {
			errs = append(errs, fmt.Errorf("providers.backends: %q is reserved for providers.llm", DefaultBackend))
		}
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("providers.backends.%s.name is required", name))
		}
		validateProviderName("llm", b.Name)
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)
	if cfg.Providers.LLM.Name == "" && len(cfg.Providers.LLMFallbacks) > 0 {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("config: providers.tts is not configured; agent replies will only be logged")
	}

	// Dispatch
	d := cfg.Dispatch
	if d.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("dispatch.queue_size %d must not be negative", d.QueueSize))
	}
	if d.CaptureTimeout < 0 {
		errs = append(errs, fmt.Errorf("dispatch.capture_timeout %s must not be negative", d.CaptureTimeout))
	}
	if d.AgentTimeout < 0 {
		errs = append(errs, fmt.Errorf("dispatch.agent_timeout %s must not be negative", d.AgentTimeout))
	}
	if d.HistoryExchanges < 0 {
		errs = append(errs, fmt.Errorf("dispatch.history_exchanges %d must not be negative", d.HistoryExchanges))
	}
	if d.BusyPolicy != "" && !d.BusyPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("dispatch.busy_policy %q is invalid; valid values: queue, reject", d.BusyPolicy))
	}
	if d.BusyQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("dispatch.busy_queue_depth %d must not be negative", d.BusyQueueDepth))
	}
	if d.FuzzyThreshold < 0 || d.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("dispatch.fuzzy_threshold %.2f is out of range [0, 1]", d.FuzzyThreshold))
	}
	if strings.Contains(strings.TrimSpace(d.CapturePrefix), " ") {
		slog.Warn("config: dispatch.capture_prefix spans several words; recognizers often split it", "prefix", d.CapturePrefix)
	}

	// Personas
	if len(cfg.Personas) == 0 {
		errs = append(errs, errors.New("personas: at least one persona is required"))
	}
	if cfg.Providers.LLM.Name == "" && len(cfg.Personas) > 0 {
		slog.Warn("config: no LLM provider configured; personas on the default backend will be unavailable")
	}
	idsSeen := make(map[string]int, len(cfg.Personas))
	namesSeen := make(map[string]int, len(cfg.Personas))
	for i, p := range cfg.Personas {
		prefix := fmt.Sprintf("personas[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[p.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of personas[%d]", prefix, p.ID, prev))
			}
			idsSeen[p.ID] = i
		}
		name := strings.ToLower(p.Name)
		if name == "" {
			name = strings.ToLower(p.ID)
		}
		if prev, ok := namesSeen[name]; ok && name != "" {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of personas[%d]", prefix, name, prev))
		}
		namesSeen[name] = i
		if p.BusyPolicy != "" && !p.BusyPolicy.IsValid() {
			errs = append(errs, fmt.Errorf("%s.busy_policy %q is invalid; valid values: queue, reject", prefix, p.BusyPolicy))
		}
		if p.QueueDepth < 0 {
			errs = append(errs, fmt.Errorf("%s.queue_depth %d must not be negative", prefix, p.QueueDepth))
		}
		if p.Voice.SpeedFactor != 0 && (p.Voice.SpeedFactor < 0.5 || p.Voice.SpeedFactor > 2.0) {
			errs = append(errs, fmt.Errorf("%s.voice.speed_factor %.2f is out of range [0.5, 2.0]", prefix, p.Voice.SpeedFactor))
		}
		if b := p.Backend; b != "" && b != DefaultBackend {
			if _, ok := cfg.Providers.Backends[b]; !ok {
				errs = append(errs, fmt.Errorf("%s.backend %q is not declared in providers.backends", prefix, b))
			}
		}
		if p.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && p.Voice.Provider != cfg.Providers.TTS.Name {
			slog.Warn("config: persona voice provider does not match configured TTS provider",
				"persona", p.ID,
				"voice_provider", p.Voice.Provider,
				"tts_provider", cfg.Providers.TTS.Name,
			)
		}
	}
	if cfg.DefaultPersona != "" {
		if _, ok := idsSeen[cfg.DefaultPersona]; !ok {
			errs = append(errs, fmt.Errorf("default_persona %q does not name a persona", cfg.DefaultPersona))
		}
	}

	// Shortcuts and corrections
	for alias, app := range cfg.Shortcuts {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(app) == "" {
			errs = append(errs, fmt.Errorf("shortcuts: alias %q and application %q must both be set", alias, app))
		}
	}
	for heard, word := range cfg.Corrections {
		if strings.TrimSpace(heard) == "" {
			errs = append(errs, fmt.Errorf("corrections: empty key for %q", word))
		}
	}

	// Actions
	if cfg.Actions.Timeout < 0 {
		errs = append(errs, fmt.Errorf("actions.timeout %s must not be negative", cfg.Actions.Timeout))
	}
	known := KnownCommands()
	for id, line := range cfg.Actions.Commands {
		if strings.TrimSpace(line) == "" {
			errs = append(errs, fmt.Errorf("actions.commands.%s is empty", id))
		}
		if !slices.Contains(known, id) {
			slog.Warn("config: action command is never dispatched", "command", id, "known", known)
		}
	}

	return errors.Join(errs...)
}

// KnownCommands returns every command identifier the host may be asked to
// execute, sorted.
func KnownCommands() []string {
	ids := []string{command.TypeText, command.CopyToClipboard}
	for _, r := range command.DefaultRules() {
		ids = append(ids, r.CommandID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
