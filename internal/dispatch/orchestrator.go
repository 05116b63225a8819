// Package dispatch implements the control loop of the assistant.
//
// An [Orchestrator] consumes one ordered, bounded queue of events: final
// and partial utterances from the recognizer, completions of agent calls
// and capture-mode timeouts. For every final utterance it normalises the
// text, reads the current mode, matches the command table and executes the
// resulting action, or hands free text to the dictation, transcription or
// agent path. Every final utterance yields exactly one [Result]. Agent
// calls run concurrently and report back through the same queue, so literal
// commands are never stuck behind a slow model.
//
// The mode and the agent router are owned by the goroutine running
// [Orchestrator.Run]; other goroutines only read snapshots.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/decisions/internal/action"
	"github.com/MrWong99/decisions/internal/agent"
	"github.com/MrWong99/decisions/internal/command"
	"github.com/MrWong99/decisions/internal/mode"
	"github.com/MrWong99/decisions/internal/normalize"
	"github.com/MrWong99/decisions/internal/observe"
	"github.com/MrWong99/decisions/internal/speech"
	"github.com/MrWong99/decisions/pkg/types"
)

// Defaults of the tunables.
const (
	DefaultQueueSize      = 64
	DefaultCaptureTimeout = 30 * time.Second
	DefaultSeenIDs        = 1024
)

// ErrStopped is returned by Submit and Cancel once Run has returned.
var ErrStopped = errors.New("dispatch: orchestrator stopped")

type eventKind int

const (
	evUtterance eventKind = iota
	evCompletion
	evTimeout
	evCancel
)

func (k eventKind) String() string {
	switch k {
	case evUtterance:
		return "utterance"
	case evCompletion:
		return "completion"
	case evTimeout:
		return "timeout"
	case evCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

type event struct {
	kind       eventKind
	utt        types.Utterance
	completion agent.Completion
	gen        uint64
}

// Config holds the collaborators of an Orchestrator.
type Config struct {
	// Personas and Backends configure the agent router. Required.
	Personas *agent.Personas
	Backends map[string]agent.Backend

	// Host executes OS actions, typed text and clipboard writes. Required.
	Host action.Host

	// Speaker voices agent replies. Nil keeps the assistant silent.
	Speaker speech.Speaker

	// Table defaults to command.Default().
	Table *command.Table

	// Normalizer defaults to normalize.New().
	Normalizer *normalize.Normalizer

	// Actions replaces the OS action registry. Nil builds
	// action.Defaults(Host, Apps).
	Actions *action.Registry

	// Apps resolves spoken application names for open_app.
	Apps action.Apps
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithQueueSize bounds the event queue. Default: 64.
func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithCaptureTimeout sets how long dictation and transcription wait for a
// final utterance before falling back to listening. Zero disables the
// timeout. Default: 30s.
func WithCaptureTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.captureTimeout = d }
}

// WithSeenIDs sets how many utterance ids are remembered for duplicate
// detection. Default: 1024.
func WithSeenIDs(n int) Option {
	return func(o *Orchestrator) { o.seenIDs = n }
}

// WithMetrics records metrics on m instead of observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSink adds a result sink.
func WithSink(s Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s) }
}

// WithPreview sets the live preview side channel for partial utterances.
// fn is called on the dispatch goroutine and must not block.
func WithPreview(fn func(types.Utterance)) Option {
	return func(o *Orchestrator) { o.preview = fn }
}

// WithModeObserver registers fn for every mode change. fn is called on the
// dispatch goroutine and must not block.
func WithModeObserver(fn func(mode.Change)) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// WithInitialMode starts in m instead of Idle.
func WithInitialMode(m mode.Mode) Option {
	return func(o *Orchestrator) { o.initial = m }
}

// WithRouterOptions passes opts to the agent router.
func WithRouterOptions(opts ...agent.RouterOption) Option {
	return func(o *Orchestrator) { o.routerOpts = append(o.routerOpts, opts...) }
}

// Orchestrator is the dispatch loop.
type Orchestrator struct {
	normalizer *normalize.Normalizer
	table      *command.Table
	core       *action.Registry
	actions    *action.Registry
	host       action.Host
	speaker    speech.Speaker
	machine    *mode.Machine
	router     *agent.Router
	metrics    *observe.Metrics
	sinks      []Sink
	preview    func(types.Utterance)
	observers  []func(mode.Change)

	queueSize      int
	captureTimeout time.Duration
	seenIDs        int
	initial        mode.Mode
	routerOpts     []agent.RouterOption

	queue   chan event
	done    chan struct{}
	running atomic.Bool
	active  atomic.Pointer[agent.Persona]

	// Owned by the Run goroutine.
	runCtx      context.Context
	eventAt     time.Time
	heard       time.Time
	seen        *seenSet
	pending     map[uint64]Result
	transcript  []string
	timer       *time.Timer
	timerGen    uint64
	lastPending int
}

// New creates an Orchestrator. Call Run to start dispatching.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if cfg.Host == nil {
		return nil, errors.New("dispatch: host is required")
	}
	o := &Orchestrator{
		normalizer:     cfg.Normalizer,
		table:          cfg.Table,
		actions:        cfg.Actions,
		host:           cfg.Host,
		speaker:        cfg.Speaker,
		queueSize:      DefaultQueueSize,
		captureTimeout: DefaultCaptureTimeout,
		seenIDs:        DefaultSeenIDs,
		done:           make(chan struct{}),
		pending:        make(map[uint64]Result),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.normalizer == nil {
		o.normalizer = normalize.New()
	}
	if o.table == nil {
		o.table = command.Default()
	}
	if o.speaker == nil {
		o.speaker = silent{}
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.actions == nil {
		reg, err := action.Defaults(cfg.Host, cfg.Apps)
		if err != nil {
			return nil, fmt.Errorf("dispatch: build actions: %w", err)
		}
		o.actions = reg
	}

	router, err := agent.NewRouter(cfg.Personas, cfg.Backends, o.deliver, o.routerOpts...)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	o.router = router
	o.active.Store(router.Active())

	core, err := o.coreHandlers()
	if err != nil {
		return nil, fmt.Errorf("dispatch: build core handlers: %w", err)
	}
	o.core = core

	o.machine = mode.New(mode.WithInitial(o.initial))
	for _, fn := range o.observers {
		o.machine.OnChange(fn)
	}
	o.queue = make(chan event, o.queueSize)
	o.seen = newSeenSet(o.seenIDs)
	return o, nil
}

// Mode returns a snapshot of the active mode. Safe for concurrent use.
func (o *Orchestrator) Mode() mode.Mode { return o.machine.Current() }

// ActivePersona returns the active persona. Safe for concurrent use.
func (o *Orchestrator) ActivePersona() *agent.Persona { return o.active.Load() }

// Running reports whether Run is dispatching events.
func (o *Orchestrator) Running() bool {
	if !o.running.Load() {
		return false
	}
	select {
	case <-o.done:
		return false
	default:
		return true
	}
}

// Submit enqueues u for dispatch, blocking while the queue is full. An
// empty ID is replaced by a random one.
func (o *Orchestrator) Submit(ctx context.Context, u types.Utterance) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return o.enqueue(ctx, event{kind: evUtterance, utt: u})
}

// Cancel raises the explicit cancellation signal: speech stops, agent calls
// are abandoned and capture or agent modes fall back to listening.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	return o.enqueue(ctx, event{kind: evCancel})
}

func (o *Orchestrator) enqueue(ctx context.Context, ev event) error {
	select {
	case <-o.done:
		return ErrStopped
	default:
	}
	select {
	case o.queue <- ev:
		o.metrics.QueueDepth.Add(context.Background(), 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
}

// deliver is the router's completion callback; it runs on worker goroutines.
func (o *Orchestrator) deliver(c agent.Completion) {
	_ = o.enqueue(context.Background(), event{kind: evCompletion, completion: c})
}

// Run dispatches events until ctx is cancelled. Outstanding agent requests
// are then abandoned and reported as cancelled. Run may be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("dispatch: already running")
	}
	o.runCtx = ctx
	slog.Info("dispatch: started", "mode", o.machine.Current(), "persona", o.router.Active().ID, "queue_size", o.queueSize)

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case ev := <-o.queue:
			o.metrics.QueueDepth.Add(ctx, -1)
			o.handle(ctx, ev)
		}
	}
}

func (o *Orchestrator) shutdown() {
	ctx := context.WithoutCancel(o.runCtx)
	o.disarmCapture()
	close(o.done)

	o.cancelAgents(ctx, "shutdown")
	o.router.Wait()

	var unprocessed int
	for len(o.queue) > 0 {
		ev := <-o.queue
		o.metrics.QueueDepth.Add(ctx, -1)
		if ev.kind == evUtterance && ev.utt.IsFinal {
			unprocessed++
		}
	}
	for _, seq := range slices.Sorted(maps.Keys(o.pending)) {
		base := o.pending[seq]
		delete(o.pending, seq)
		o.emit(ctx, base.with(Ignored, Cancelled, "dropped by shutdown"))
	}
	o.syncInflight(ctx)
	if unprocessed > 0 {
		slog.Warn("dispatch: utterances left unprocessed at shutdown", "count", unprocessed)
	}
	slog.Info("dispatch: stopped")
}

func (o *Orchestrator) handle(ctx context.Context, ev event) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("dispatch: recovered from panic", "event", ev.kind, "panic", p, "stack", string(debug.Stack()))
		}
	}()

	switch ev.kind {
	case evUtterance:
		o.dispatchUtterance(ctx, ev.utt)
	case evCompletion:
		o.handleCompletion(ctx, ev.completion)
	case evTimeout:
		o.handleTimeout(ctx, ev.gen)
	case evCancel:
		o.handleCancel(ctx)
	}
}

func (o *Orchestrator) dispatchUtterance(ctx context.Context, u types.Utterance) {
	if !u.IsFinal {
		if o.preview != nil {
			o.preview(u)
		}
		return
	}
	if !o.seen.add(u.ID) {
		slog.Debug("dispatch: duplicate utterance dropped", "utterance", u.ID)
		return
	}

	base := Result{UtteranceID: u.ID, Excerpt: excerpt(u.Text), Mode: o.machine.Current()}
	ctx, span := observe.StartUtterance(ctx, u.ID, base.Mode.String())
	defer span.End()

	res, deferred := o.resolveSafely(ctx, u, base)
	if deferred {
		observe.Decide(span, observe.Decision{Outcome: "deferred", Persona: o.router.Active().ID})
		return
	}
	observe.Decide(span, res.decision())
	o.emit(ctx, res)
}

// resolveSafely runs resolve and turns a panic into a HandlerFailure result
// so the utterance still gets its Result.
func (o *Orchestrator) resolveSafely(ctx context.Context, u types.Utterance, base Result) (res Result, deferred bool) {
	defer func() {
		if p := recover(); p != nil {
			observe.Logger(ctx).Error("dispatch: recovered from panic", "utterance", u.ID, "panic", p, "stack", string(debug.Stack()))
			res, deferred = base.with(Failed, HandlerFailure, fmt.Sprintf("internal error: %v", p)), false
		}
	}()
	return o.resolve(ctx, u, base)
}

// resolve decides what u means. deferred is true when the Result will be
// emitted later by an agent completion.
func (o *Orchestrator) resolve(ctx context.Context, u types.Utterance, base Result) (Result, bool) {
	// Staleness is judged on the recognizer clock only. heard is the latest
	// capture time seen and stands in for events that carry none.
	if u.Timestamp.After(o.heard) {
		o.heard = u.Timestamp
	}
	o.eventAt = u.Timestamp
	if o.eventAt.IsZero() {
		o.eventAt = o.heard
	}
	if o.machine.Stale(u.Timestamp) {
		return base.with(Ignored, Stale, fmt.Sprintf("captured before %s was entered", base.Mode)), false
	}

	n := o.normalizer.Normalize(u.Text)
	if n.Empty() {
		detail := "no speech"
		if n.Artifact {
			detail = "audio artifact"
		}
		return base.with(Ignored, Empty, detail), false
	}

	m := base.Mode
	if m.Capturing() {
		o.armCapture()
	}
	if match, ok := o.table.Match(n.Text, m); ok {
		return o.execute(ctx, base, match), false
	}

	switch m {
	case mode.Dictation:
		return o.typeText(ctx, base, n.Clean), false
	case mode.Transcription:
		return o.bufferText(base, n.Clean), false
	case mode.AgentConversation:
		return o.route(ctx, base, n.Clean)
	default:
		return base.with(Ignored, NoMatch, u.Text), false
	}
}

func (o *Orchestrator) execute(ctx context.Context, base Result, match command.Match) Result {
	base.CommandID = match.CommandID
	reg := o.actions
	if o.core.Has(match.CommandID) {
		reg = o.core
	}

	start := time.Now()
	detail, err := reg.Execute(ctx, match.CommandID, action.Args(match.Args))
	o.metrics.ActionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("command", match.CommandID)))

	if match.CommandID == command.ChangeAgent {
		base.Persona = o.router.Active().ID
	}
	switch {
	case err == nil:
		return base.with(Executed, "", detail)
	case errors.Is(err, mode.ErrReentrant), errors.Is(err, agent.ErrAlreadyActive):
		return base.with(Ignored, Reentrant, err.Error())
	case errors.Is(err, mode.ErrInvalidTransition):
		return base.with(Ignored, InvalidTransition, err.Error())
	default:
		var he *action.HandlerError
		if errors.As(err, &he) && he.Panicked {
			observe.Logger(ctx).Error("dispatch: handler panicked", "command", he.CommandID, "err", he.Err, "stack", string(he.Stack))
		}
		return base.with(Failed, HandlerFailure, err.Error())
	}
}

func (o *Orchestrator) emit(ctx context.Context, res Result) {
	res.At = time.Now()
	o.metrics.RecordResult(ctx, res.Outcome.String(), string(res.Reason), res.Mode.String())

	level := slog.LevelInfo
	if res.Outcome == Failed {
		level = slog.LevelWarn
	}
	observe.Logger(ctx).Log(ctx, level, "dispatch: result",
		"utterance", res.UtteranceID,
		"excerpt", res.Excerpt,
		"mode", res.Mode,
		"command", res.CommandID,
		"persona", res.Persona,
		"outcome", res.Outcome,
		"reason", res.Reason,
		"detail", excerpt(res.Detail),
	)
	for _, s := range o.sinks {
		s.Record(res)
	}
}

func (r Result) with(outcome Outcome, reason Reason, detail string) Result {
	r.Outcome = outcome
	r.Reason = reason
	r.Detail = detail
	return r
}

// silent is the Speaker used when none is configured.
type silent struct{}

func (silent) Speak(context.Context, string, types.VoiceProfile) speech.Handle { return "" }
func (silent) Cancel(speech.Handle)                                            {}
func (silent) CancelAll()                                                      {}
