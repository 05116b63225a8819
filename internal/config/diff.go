package config

import "maps"

// ConfigDiff describes what changed between two configs. Only the log level
// is applied without a restart; the other flags let callers warn about
// edits that need one.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PersonasChanged bool
	PersonaChanges  []PersonaDiff

	ShortcutsChanged   bool
	CorrectionsChanged bool
	ActionsChanged     bool
	ProvidersChanged   bool
	DispatchChanged    bool
}

// RestartRequired reports whether any change needs a restart to apply.
func (d ConfigDiff) RestartRequired() bool {
	return d.PersonasChanged || d.ShortcutsChanged || d.CorrectionsChanged ||
		d.ActionsChanged || d.ProvidersChanged || d.DispatchChanged
}

// PersonaDiff describes what changed for a single persona between two configs.
type PersonaDiff struct {
	ID            string
	PromptChanged bool
	VoiceChanged  bool
	PolicyChanged bool
	Added         bool
	Removed       bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldPersonas := make(map[string]*PersonaConfig, len(old.Personas))
	for i := range old.Personas {
		oldPersonas[old.Personas[i].ID] = &old.Personas[i]
	}
	newPersonas := make(map[string]*PersonaConfig, len(new.Personas))
	for i := range new.Personas {
		newPersonas[new.Personas[i].ID] = &new.Personas[i]
	}

	for id, op := range oldPersonas {
		np, exists := newPersonas[id]
		if !exists {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{ID: id, Removed: true})
			d.PersonasChanged = true
			continue
		}
		pd := diffPersona(id, op, np)
		if pd.PromptChanged || pd.VoiceChanged || pd.PolicyChanged {
			d.PersonaChanges = append(d.PersonaChanges, pd)
			d.PersonasChanged = true
		}
	}
	for id := range newPersonas {
		if _, exists := oldPersonas[id]; !exists {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{ID: id, Added: true})
			d.PersonasChanged = true
		}
	}
	if old.DefaultPersona != new.DefaultPersona {
		d.PersonasChanged = true
	}

	d.ShortcutsChanged = !maps.Equal(old.Shortcuts, new.Shortcuts)
	d.CorrectionsChanged = !maps.Equal(old.Corrections, new.Corrections)
	d.ActionsChanged = old.Actions.DryRun != new.Actions.DryRun ||
		old.Actions.Timeout != new.Actions.Timeout ||
		!maps.Equal(old.Actions.Commands, new.Actions.Commands)
	d.DispatchChanged = old.Dispatch != new.Dispatch
	d.ProvidersChanged = !providersEqual(old.Providers, new.Providers)

	return d
}

// diffPersona compares two persona configs with the same id.
func diffPersona(id string, old, new *PersonaConfig) PersonaDiff {
	return PersonaDiff{
		ID:            id,
		PromptChanged: old.SystemPrompt != new.SystemPrompt || old.Name != new.Name,
		VoiceChanged:  old.Voice != new.Voice,
		PolicyChanged: old.BusyPolicy != new.BusyPolicy || old.QueueDepth != new.QueueDepth || old.Backend != new.Backend,
	}
}

func providersEqual(a, b ProvidersConfig) bool {
	if !entryEqual(a.LLM, b.LLM) || !entryEqual(a.TTS, b.TTS) || len(a.LLMFallbacks) != len(b.LLMFallbacks) || len(a.Backends) != len(b.Backends) {
		return false
	}
	for i := range a.LLMFallbacks {
		if !entryEqual(a.LLMFallbacks[i], b.LLMFallbacks[i]) {
			return false
		}
	}
	for name, e := range a.Backends {
		if other, ok := b.Backends[name]; !ok || !entryEqual(e, other) {
			return false
		}
	}
	return true
}

// entryEqual compares the fields that select a provider. Options are not compared.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
