package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/decisions/internal/config"
)

const watchedYAML = `
server:
  log_level: info
providers:
  llm:
    name: openai
personas:
  - id: scarlett
    name: Scarlett
`

// watchedFile writes content to a temp file and returns its path.
func watchedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decisions.yaml")
	edit(t, path, content, 0)
	return path
}

// edit rewrites path and stamps it rev seconds into the future, so each
// revision is visible even on filesystems with coarse mtimes.
func edit(t *testing.T, path, content string, rev int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	at := time.Now().Add(time.Duration(rev) * time.Second)
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestWatcher_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		content     string
		wantDiff    config.ConfigDiff
		wantRestart bool
	}{
		{
			name:     "log level applies live",
			content:  strings.Replace(watchedYAML, "log_level: info", "log_level: debug", 1),
			wantDiff: config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug},
		},
		{
			name:    "persona prompt needs restart",
			content: watchedYAML + "    system_prompt: Answer in one sentence.\n",
			wantDiff: config.ConfigDiff{
				PersonasChanged: true,
				PersonaChanges:  []config.PersonaDiff{{ID: "scarlett", PromptChanged: true}},
			},
			wantRestart: true,
		},
		{
			name:        "persona added",
			content:     watchedYAML + "  - id: jarvis\n    name: Jarvis\n",
			wantDiff:    config.ConfigDiff{PersonasChanged: true, PersonaChanges: []config.PersonaDiff{{ID: "jarvis", Added: true}}},
			wantRestart: true,
		},
		{
			name:        "dispatch queue resized",
			content:     watchedYAML + "dispatch:\n  queue_size: 8\n",
			wantDiff:    config.ConfigDiff{DispatchChanged: true},
			wantRestart: true,
		},
		{
			name:        "shortcut added",
			content:     watchedYAML + "shortcuts:\n  browser: Firefox\n",
			wantDiff:    config.ConfigDiff{ShortcutsChanged: true},
			wantRestart: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := watchedFile(t, watchedYAML)

			var got []config.Reload
			w, err := config.NewWatcher(path, func(r config.Reload) { got = append(got, r) })
			if err != nil {
				t.Fatalf("NewWatcher: %v", err)
			}
			if changed, err := w.Check(); changed || err != nil {
				t.Fatalf("Check() before edit = %v, %v; want false, nil", changed, err)
			}

			edit(t, path, tt.content, 1)
			changed, err := w.Check()
			if !changed || err != nil {
				t.Fatalf("Check() after edit = %v, %v; want true, nil", changed, err)
			}
			if len(got) != 1 {
				t.Fatalf("reloads = %d, want 1", len(got))
			}
			r := got[0]
			if diff := cmp.Diff(tt.wantDiff, r.Diff); diff != "" {
				t.Errorf("Diff mismatch (-want +got):\n%s", diff)
			}
			if r.Diff.RestartRequired() != tt.wantRestart {
				t.Errorf("RestartRequired() = %v, want %v", r.Diff.RestartRequired(), tt.wantRestart)
			}
			if r.Old.Server.LogLevel != config.LogInfo || w.Current() != r.New {
				t.Errorf("Old/Current not rotated: old=%+v", r.Old.Server)
			}
		})
	}
}

func TestWatcher_RejectedEditKeepsConfig(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watchedYAML)

	var reloads int
	var rejected []error
	w, err := config.NewWatcher(path,
		func(config.Reload) { reloads++ },
		config.WithRejectHandler(func(err error) { rejected = append(rejected, err) }),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	before := w.Current()

	edit(t, path, strings.Replace(watchedYAML, "log_level: info", "log_level: chatty", 1), 1)
	if changed, err := w.Check(); changed || err == nil {
		t.Fatalf("Check() on invalid edit = %v, %v; want false and an error", changed, err)
	}
	// The same broken revision is reported once.
	if changed, err := w.Check(); changed || err != nil {
		t.Fatalf("second Check() = %v, %v; want false, nil", changed, err)
	}
	if len(rejected) != 1 || !strings.Contains(rejected[0].Error(), path) {
		t.Errorf("rejected = %v, want one error naming %s", rejected, path)
	}
	if reloads != 0 || w.Current() != before {
		t.Errorf("invalid edit replaced the config (reloads=%d)", reloads)
	}

	// Fixing the file is picked up.
	edit(t, path, strings.Replace(watchedYAML, "log_level: info", "log_level: warn", 1), 2)
	if changed, err := w.Check(); !changed || err != nil {
		t.Fatalf("Check() after fix = %v, %v; want true, nil", changed, err)
	}
	if w.Current().Server.LogLevel != config.LogWarn {
		t.Errorf("log level = %q, want warn", w.Current().Server.LogLevel)
	}
}

func TestWatcher_TouchAndRestore(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watchedYAML)

	var reloads int
	w, err := config.NewWatcher(path, func(config.Reload) { reloads++ })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	// A new mtime with identical content is not a reload.
	edit(t, path, watchedYAML, 1)
	if changed, err := w.Check(); changed || err != nil {
		t.Errorf("Check() after touch = %v, %v", changed, err)
	}

	// A deleted file is reported once and its return with the same content
	// is not a reload either.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Check(); err == nil {
		t.Error("Check() on a missing file returned nil error")
	}
	if _, err := w.Check(); err != nil {
		t.Errorf("second Check() on a missing file = %v, want nil", err)
	}
	edit(t, path, watchedYAML, 2)
	if changed, err := w.Check(); changed || err != nil {
		t.Errorf("Check() after restore = %v, %v", changed, err)
	}
	if reloads != 0 {
		t.Errorf("reloads = %d, want 0", reloads)
	}
}

func TestWatcher_Run(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watchedYAML)

	reloaded := make(chan config.Reload, 1)
	w, err := config.NewWatcher(path, func(r config.Reload) { reloaded <- r }, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	edit(t, path, strings.Replace(watchedYAML, "log_level: info", "log_level: error", 1), 1)
	select {
	case r := <-reloaded:
		if r.Diff.NewLogLevel != config.LogError {
			t.Errorf("reloaded level = %q, want error", r.Diff.NewLogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("NewWatcher on a missing file returned nil error")
	}
}
