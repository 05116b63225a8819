// Package app wires the dispatch core, its providers and the websocket
// bridge into a running assistant.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until ctx is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithHost,
// WithMetrics, ...). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/decisions/internal/action"
	"github.com/MrWong99/decisions/internal/agent"
	"github.com/MrWong99/decisions/internal/bridge"
	"github.com/MrWong99/decisions/internal/command"
	"github.com/MrWong99/decisions/internal/config"
	"github.com/MrWong99/decisions/internal/dispatch"
	"github.com/MrWong99/decisions/internal/health"
	"github.com/MrWong99/decisions/internal/normalize"
	"github.com/MrWong99/decisions/internal/observe"
	"github.com/MrWong99/decisions/internal/phonetic"
	"github.com/MrWong99/decisions/internal/resilience"
	"github.com/MrWong99/decisions/internal/speech"
	"github.com/MrWong99/decisions/pkg/provider/llm"
	"github.com/MrWong99/decisions/pkg/provider/tts"
	"github.com/MrWong99/decisions/pkg/types"
)

// NamedLLM pairs a provider with the name it was configured under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the instantiated providers. Nil means the provider is
// not configured. Populated by main.go via the config registry.
type Providers struct {
	// LLM serves the "default" backend.
	LLM llm.Provider
	// LLMFallbacks are tried in order when LLM fails or its circuit is open.
	LLMFallbacks []NamedLLM
	// Backends are the additional named backends from providers.backends.
	Backends map[string]llm.Provider
	// TTS voices agent replies. Without it the assistant stays silent.
	TTS tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	providers  *Providers
	metrics    *observe.Metrics
	levels     *slog.LevelVar
	configPath string
	listener   net.Listener

	host     action.Host
	fallback *resilience.LLMFallback
	backends map[string]agent.Backend
	player   *speech.Player
	bridge   *bridge.Server
	orch     *dispatch.Orchestrator
	handler  http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHost injects the action host instead of building one from the
// actions section.
func WithHost(h action.Host) Option {
	return func(a *App) { a.host = h }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar hands the logger's level to the app so that a config reload
// can change it.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levels = v }
}

// WithConfigWatch enables hot reload of the configuration file at path.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.levels == nil {
		a.levels = new(slog.LevelVar)
		a.levels.Set(cfg.Server.LogLevel.Level())
	}

	// ── 1. Action host ───────────────────────────────────────────────────
	if err := a.initHost(); err != nil {
		return nil, fmt.Errorf("app: init action host: %w", err)
	}

	// ── 2. Model backends ────────────────────────────────────────────────
	a.initBackends()

	// ── 3. Bridge + speech ───────────────────────────────────────────────
	a.bridge = bridge.New(a, bridge.WithMetrics(a.metrics))
	a.initSpeech()

	// ── 4. Dispatcher ────────────────────────────────────────────────────
	if err := a.initDispatcher(); err != nil {
		return nil, fmt.Errorf("app: init dispatcher: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	slog.Info("app: initialised",
		"personas", len(cfg.Personas),
		"backends", len(a.backends),
		"speech", a.player != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHost builds the exec host from actions.commands, with the logging
// host covering every command that has no command line. Dry run logs
// everything.
func (a *App) initHost() error {
	if a.host != nil {
		return nil
	}
	logHost := action.LogHost{Logger: slog.Default()}
	if a.cfg.Actions.DryRun || len(a.cfg.Actions.Commands) == 0 {
		if !a.cfg.Actions.DryRun {
			slog.Warn("app: no action command lines configured, actions are only logged")
		}
		a.host = logHost
		return nil
	}
	exec, err := action.NewExecHost(a.cfg.Actions.Commands, action.WithExecTimeout(a.cfg.Actions.Timeout))
	if err != nil {
		return err
	}
	a.host = action.FallbackHost{Primary: exec, Secondary: logHost}
	return nil
}

// initBackends wraps the configured LLMs in circuit-breaking fallback groups
// and exposes each as an agent backend.
func (a *App) initBackends() {
	a.backends = make(map[string]agent.Backend)
	fbCfg := resilience.FallbackConfig{OnAttempt: a.recordAttempt}

	if a.providers.LLM != nil {
		a.fallback = resilience.NewLLMFallback(a.providers.LLM, a.cfg.Providers.LLM.Name, fbCfg)
		for _, fb := range a.providers.LLMFallbacks {
			a.fallback.AddFallback(fb.Name, fb.Provider)
		}
		a.backends[config.DefaultBackend] = &agent.LLMBackend{Provider: a.fallback}
		slog.Info("app: backend ready", "backend", config.DefaultBackend, "providers", a.fallback.Names())
	} else {
		slog.Warn("app: no llm provider, agent conversation will report unavailable")
	}

	for name, p := range a.providers.Backends {
		entry := a.cfg.Providers.Backends[name]
		group := resilience.NewLLMFallback(p, entry.Name, fbCfg)
		a.backends[name] = &agent.LLMBackend{Provider: group}
		slog.Info("app: backend ready", "backend", name, "provider", entry.Name)
	}
}

// recordAttempt reports each provider attempt to the metrics.
func (a *App) recordAttempt(ctx context.Context, name string, err error) {
	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
		a.metrics.RecordProviderError(ctx, name, "llm")
	}
	a.metrics.RecordProviderRequest(ctx, name, "llm", status)
}

// initSpeech creates the player when a TTS provider is configured. Audio
// and progress events go to the bridge.
func (a *App) initSpeech() {
	if a.providers.TTS == nil {
		slog.Warn("app: no tts provider, agent replies will not be spoken")
		return
	}
	provider := resilience.NewTTSFallback(a.providers.TTS, a.cfg.Providers.TTS.Name, resilience.FallbackConfig{})
	a.player = speech.New(provider, a.bridge,
		speech.WithGap(a.cfg.Dispatch.SpeechGap),
		speech.WithObserver(a.bridge.SpeechChanged),
	)
	a.closers = append(a.closers, a.player.Close)
}

func (a *App) initDispatcher() error {
	personas, err := agent.NewPersonas(buildPersonas(a.cfg), phonetic.New())
	if err != nil {
		return err
	}

	table, err := command.NewTable(command.DefaultRules(),
		command.WithCapturePrefix(a.cfg.Dispatch.CapturePrefix),
		command.WithFuzzyThreshold(a.cfg.Dispatch.FuzzyThreshold),
	)
	if err != nil {
		return err
	}

	dc := dispatch.Config{
		Personas:   personas,
		Backends:   a.backends,
		Host:       a.host,
		Table:      table,
		Normalizer: normalize.New(normalize.WithCorrections(a.cfg.Corrections)),
		Apps:       action.Apps{Shortcuts: a.cfg.Shortcuts, Matcher: phonetic.New()},
	}
	if a.player != nil {
		dc.Speaker = a.player
	}

	orch, err := dispatch.New(dc,
		dispatch.WithQueueSize(a.cfg.Dispatch.QueueSize),
		dispatch.WithCaptureTimeout(a.cfg.Dispatch.CaptureTimeout),
		dispatch.WithSeenIDs(a.cfg.Dispatch.SeenIDs),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithSink(a.bridge),
		dispatch.WithPreview(a.bridge.Preview),
		dispatch.WithModeObserver(a.bridge.ModeChanged),
		dispatch.WithRouterOptions(
			agent.WithHistorySize(a.cfg.Dispatch.HistoryExchanges),
			agent.WithTimeout(a.cfg.Dispatch.AgentTimeout),
			agent.WithDefaultPersona(a.cfg.DefaultPersona),
		),
	)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

func (a *App) initHTTP() {
	checkers := []health.Checker{health.Running("dispatch", a.orch.Running)}
	if a.fallback != nil {
		checkers = append(checkers, health.Breakers("llm", a.fallback.Healthy))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/ws", a.bridge)

	a.handler = observe.Middleware(a.metrics,
		observe.WithQuietPaths("/healthz", "/readyz", "/metrics"),
	)(mux)
}

// buildPersonas converts the persona section. Policies were validated by
// the config loader.
func buildPersonas(cfg *config.Config) []agent.Persona {
	out := make([]agent.Persona, 0, len(cfg.Personas))
	for _, pc := range cfg.Personas {
		busy, _ := agent.ParseBusyPolicy(string(pc.BusyPolicy))
		out = append(out, agent.Persona{
			ID:           pc.ID,
			Name:         pc.Name,
			SystemPrompt: pc.SystemPrompt,
			Voice: types.VoiceProfile{
				ID:          pc.Voice.VoiceID,
				Provider:    pc.Voice.Provider,
				SpeedFactor: pc.Voice.SpeedFactor,
			},
			Backend:    pc.Backend,
			Busy:       busy,
			QueueDepth: pc.QueueDepth,
		})
	}
	return out
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving /ws, /metrics and the health
// endpoints.
func (a *App) Handler() http.Handler { return a.handler }

// Dispatcher returns the orchestrator.
func (a *App) Dispatcher() *dispatch.Orchestrator { return a.orch }

// Submit forwards u to the dispatcher. It lets the bridge be built before
// the orchestrator it feeds.
func (a *App) Submit(ctx context.Context, u types.Utterance) error {
	return a.orch.Submit(ctx, u)
}

// Cancel forwards the cancel signal to the dispatcher.
func (a *App) Cancel(ctx context.Context) error {
	return a.orch.Cancel(ctx)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the dispatcher, the HTTP server and the optional config
// watcher, and blocks until ctx is cancelled or one of them fails. A
// cancelled ctx is not an error.
func (a *App) Run(ctx context.Context) error {
	var watcher *config.Watcher
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.reload)
		if err != nil {
			return fmt.Errorf("app: watch config: %w", err)
		}
		watcher = w
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.orch.Run(gctx)
	})
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		err := a.serve(srv)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Websocket sessions are hijacked and invisible to srv.Shutdown.
		a.bridge.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("app: running", "listen_addr", a.addr(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

func (a *App) serve(srv *http.Server) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", srv.Addr)
		if err != nil {
			return err
		}
	}
	if tls := a.cfg.Server.TLS; tls != nil {
		return srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
	}
	return srv.Serve(ln)
}

func (a *App) addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.cfg.Server.ListenAddr
}

// reload applies the parts of a changed config that take effect without a
// restart.
func (a *App) reload(r config.Reload) {
	d := r.Diff
	if d.LogLevelChanged {
		a.levels.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.RestartRequired() {
		slog.Warn("app: configuration change requires a restart to take effect",
			"personas", d.PersonasChanged,
			"providers", d.ProvidersChanged,
			"dispatch", d.DispatchChanged,
			"actions", d.ActionsChanged,
			"shortcuts", d.ShortcutsChanged,
			"corrections", d.CorrectionsChanged,
		)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		a.bridge.Close()
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
