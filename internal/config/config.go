// Package config provides the configuration schema, loader and provider
// registry for the decisions assistant.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BusyPolicy names what happens to a prompt while its persona is still
// answering the previous one.
type BusyPolicy string

const (
	BusyQueue  BusyPolicy = "queue"
	BusyReject BusyPolicy = "reject"
)

// IsValid reports whether p is a recognised busy policy.
func (p BusyPolicy) IsValid() bool {
	return p == BusyQueue || p == BusyReject
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = "127.0.0.1:8765"
	DefaultQueueSize        = 64
	DefaultCaptureTimeout   = 30 * time.Second
	DefaultHistoryExchanges = 10
	DefaultAgentTimeout     = 30 * time.Second
	DefaultFuzzyThreshold   = 0.92
	DefaultBusyQueueDepth   = 2
	DefaultSeenIDs          = 1024
	DefaultSpeechGap        = 150 * time.Millisecond
	DefaultActionTimeout    = 10 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Personas  []PersonaConfig `yaml:"personas"`

	// DefaultPersona is the id of the persona active at startup. Empty
	// selects the first persona.
	DefaultPersona string `yaml:"default_persona"`

	// Shortcuts maps spoken application aliases to application names.
	Shortcuts map[string]string `yaml:"shortcuts"`

	// Corrections maps commonly mis-heard words to the intended word.
	Corrections map[string]string `yaml:"corrections"`

	Actions ActionsConfig `yaml:"actions"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the bridge and health endpoints listen
	// on (e.g., "127.0.0.1:8765").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is applied again on hot reload.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the model and speech providers. Each entry names
// a provider registered in the [Registry].
type ProvidersConfig struct {
	// LLM serves the "default" agent backend.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when LLM fails or its circuit is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// Backends declares additional named agent backends personas can
	// select with their backend field.
	Backends map[string]ProviderEntry `yaml:"backends"`

	// TTS speaks agent replies. Without it replies are only logged.
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// DispatchConfig tunes the dispatch loop. Zero values select the defaults.
type DispatchConfig struct {
	// QueueSize bounds the event queue between recognizer and dispatcher.
	QueueSize int `yaml:"queue_size"`

	// CaptureTimeout returns dictation and transcription to listening after
	// this long without a final utterance.
	CaptureTimeout time.Duration `yaml:"capture_timeout"`

	// CapturePrefix is an optional wake word commands may start with, for
	// example "computer". It is required in capture modes when set.
	CapturePrefix string `yaml:"capture_prefix"`

	// HistoryExchanges bounds each persona's conversation history.
	HistoryExchanges int `yaml:"history_exchanges"`

	// BusyPolicy is the default policy for personas that set none.
	BusyPolicy BusyPolicy `yaml:"busy_policy"`

	// BusyQueueDepth is the default queue bound under the queue policy.
	BusyQueueDepth int `yaml:"busy_queue_depth"`

	// AgentTimeout bounds a single backend call.
	AgentTimeout time.Duration `yaml:"agent_timeout"`

	// FuzzyThreshold is the minimum Jaro-Winkler similarity for a fuzzy
	// command phrase match.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	// SeenIDs bounds how many utterance ids are remembered for deduplication.
	SeenIDs int `yaml:"seen_ids"`

	// SpeechGap is the pause between two queued spoken replies.
	SpeechGap time.Duration `yaml:"speech_gap"`
}

// PersonaConfig describes one conversational agent.
type PersonaConfig struct {
	// ID is the stable key used in logs and default_persona.
	ID string `yaml:"id"`

	// Name is how the user addresses the persona ("change agent to Scarlett").
	Name string `yaml:"name"`

	// SystemPrompt is sent ahead of every conversation. Empty selects
	// "You are <name>, an AI assistant."
	SystemPrompt string `yaml:"system_prompt"`

	// Voice configures the TTS voice replies are spoken with.
	Voice VoiceConfig `yaml:"voice"`

	// Backend names the agent backend serving this persona. Empty selects
	// the default backend built from providers.llm.
	Backend string `yaml:"backend"`

	// BusyPolicy overrides dispatch.busy_policy.
	BusyPolicy BusyPolicy `yaml:"busy_policy"`

	// QueueDepth overrides dispatch.busy_queue_depth.
	QueueDepth int `yaml:"queue_depth"`
}

// VoiceConfig specifies the TTS voice parameters for a persona.
type VoiceConfig struct {
	// Provider is the TTS provider name (e.g., "elevenlabs").
	Provider string `yaml:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// ActionsConfig configures how OS actions are carried out.
type ActionsConfig struct {
	// Commands maps command identifiers to command line templates, for
	// example `open_app: open -a {{.app}}`. Commands without an entry
	// are logged instead of executed.
	Commands map[string]string `yaml:"commands"`

	// Timeout bounds a single command line.
	Timeout time.Duration `yaml:"timeout"`

	// DryRun logs every action instead of executing it.
	DryRun bool `yaml:"dry_run"`
}

// ApplyDefaults fills zero-valued tunables with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	d := &cfg.Dispatch
	if d.QueueSize == 0 {
		d.QueueSize = DefaultQueueSize
	}
	if d.CaptureTimeout == 0 {
		d.CaptureTimeout = DefaultCaptureTimeout
	}
	if d.HistoryExchanges == 0 {
		d.HistoryExchanges = DefaultHistoryExchanges
	}
	if d.BusyPolicy == "" {
		d.BusyPolicy = BusyQueue
	}
	if d.BusyQueueDepth == 0 {
		d.BusyQueueDepth = DefaultBusyQueueDepth
	}
	if d.AgentTimeout == 0 {
		d.AgentTimeout = DefaultAgentTimeout
	}
	if d.FuzzyThreshold == 0 {
		d.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if d.SeenIDs == 0 {
		d.SeenIDs = DefaultSeenIDs
	}
	if d.SpeechGap == 0 {
		d.SpeechGap = DefaultSpeechGap
	}
	if cfg.Actions.Timeout == 0 {
		cfg.Actions.Timeout = DefaultActionTimeout
	}
	for i := range cfg.Personas {
		p := &cfg.Personas[i]
		if p.BusyPolicy == "" {
			p.BusyPolicy = d.BusyPolicy
		}
		if p.QueueDepth == 0 {
			p.QueueDepth = d.BusyQueueDepth
		}
	}
}
