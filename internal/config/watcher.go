package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a Watcher polls its file.
const DefaultWatchInterval = 5 * time.Second

// Reload is one accepted edit of the watched file.
type Reload struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// Watcher polls a config file and reports edits that parse and validate.
// A rejected edit is logged and the previous config stays current. Files
// are polled rather than watched with inotify so that editors replacing the
// file atomically are still followed.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)
	onReject func(error)

	mu       sync.Mutex
	current  *Config
	accepted [sha256.Size]byte
	polled   stamp
}

// stamp identifies a file revision cheaply. A rejected revision keeps its
// stamp so it is reported once; a missing file has the zero stamp.
type stamp struct {
	size  int64
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithRejectHandler registers fn to receive the error of every edit that
// was not applied.
func WithRejectHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onReject = fn }
}

// NewWatcher loads path and returns a Watcher reporting later edits to
// onReload. Call [Watcher.Run] to start polling.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onReload: onReload,
	}
	for _, opt := range opts {
		opt(w)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.accepted = sha256.Sum256(data)
	w.polled = stamp{size: info.Size(), mtime: info.ModTime()}
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = w.Check()
		}
	}
}

// Check polls the file once. It reports whether a new config was accepted;
// a non-nil error means the file changed but the edit was rejected.
func (w *Watcher) Check() (bool, error) {
	var st stamp
	info, statErr := os.Stat(w.path)
	if statErr == nil {
		st = stamp{size: info.Size(), mtime: info.ModTime()}
	}

	w.mu.Lock()
	unchanged := st == w.polled
	w.polled = st
	w.mu.Unlock()
	switch {
	case unchanged:
		return false, nil
	case statErr != nil:
		return false, w.reject(statErr)
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, w.reject(err)
	}
	hash := sha256.Sum256(data)
	w.mu.Lock()
	same := hash == w.accepted
	w.mu.Unlock()
	if same {
		return false, nil
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return false, w.reject(err)
	}

	w.mu.Lock()
	r := Reload{Old: w.current, New: cfg, Diff: Diff(w.current, cfg)}
	w.current, w.accepted = cfg, hash
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path, "restart_required", r.Diff.RestartRequired())
	if w.onReload != nil {
		w.onReload(r)
	}
	return true, nil
}

func (w *Watcher) reject(err error) error {
	err = fmt.Errorf("config: reload %s: %w", w.path, err)
	slog.Warn("config: keeping previous configuration", "err", err)
	if w.onReject != nil {
		w.onReject(err)
	}
	return err
}
