package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/decisions/internal/action"
	"github.com/MrWong99/decisions/internal/agent"
	"github.com/MrWong99/decisions/internal/command"
	"github.com/MrWong99/decisions/internal/mode"
	"github.com/MrWong99/decisions/internal/observe"
)

// coreHandlers registers the commands the orchestrator implements itself:
// mode transitions and agent management.
func (o *Orchestrator) coreHandlers() (*action.Registry, error) {
	b := action.NewBuilder()
	for _, trigger := range []string{
		mode.StartListening, mode.StopListening, mode.Dictate, mode.Transcribe,
		mode.EnterThis, mode.AgentActivate, mode.StopSpeaking, mode.Exit,
	} {
		b.Register(trigger, o.transition(trigger))
	}
	b.Register(command.ChangeAgent, o.changeAgent)
	b.Register(command.CopyLastReply, o.copyLastReply)
	return b.Build()
}

// transition returns the handler applying trigger. stop_speaking and exit
// silence the assistant even when the transition itself is not legal.
func (o *Orchestrator) transition(trigger string) action.Handler {
	return func(ctx context.Context, _ action.Args) (string, error) {
		if trigger == mode.StopSpeaking || trigger == mode.Exit {
			o.silence(ctx, trigger)
		}
		ch, err := o.machine.Apply(trigger, o.eventAt)
		if err != nil {
			return "", err
		}
		return o.afterTransition(ctx, ch)
	}
}

// afterTransition runs the side effects of leaving and entering modes.
// The mode has already changed when it is called; an error reports a side
// effect that failed.
func (o *Orchestrator) afterTransition(ctx context.Context, ch mode.Change) (string, error) {
	o.metrics.RecordTransition(ctx, ch.From.String(), ch.To.String(), ch.Trigger)
	observe.Logger(ctx).Info("dispatch: mode changed", "from", ch.From, "to", ch.To, "trigger", ch.Trigger)

	detail := fmt.Sprintf("%s -> %s", ch.From, ch.To)
	var err error

	if ch.From.Capturing() && ch.To != ch.From {
		o.disarmCapture()
		switch {
		case ch.Trigger == mode.EnterThis && ch.From == mode.Dictation:
			if _, herr := o.host.Execute(ctx, command.PressKey, action.Args{"key": "enter"}); herr != nil {
				err = fmt.Errorf("press enter: %w", herr)
			} else {
				detail += ", pressed enter"
			}
		case ch.Trigger == mode.EnterThis && ch.From == mode.Transcription:
			text := strings.Join(o.transcript, " ")
			if text == "" {
				detail += ", nothing to copy"
				break
			}
			if _, herr := o.host.Execute(ctx, command.CopyToClipboard, action.Args{"text": text}); herr != nil {
				err = fmt.Errorf("copy transcript: %w", herr)
			} else {
				detail += fmt.Sprintf(", copied %d characters", utf8.RuneCountInString(text))
			}
		case ch.From == mode.Transcription && len(o.transcript) > 0:
			observe.Logger(ctx).Info("dispatch: transcript discarded", "segments", len(o.transcript), "trigger", ch.Trigger)
			detail += ", transcript discarded"
		}
		o.transcript = nil
	}
	if ch.To.Capturing() && ch.To != ch.From {
		o.transcript = nil
		o.armCapture()
	}
	if ch.From == mode.AgentConversation && ch.To != mode.AgentConversation {
		o.cancelAgents(ctx, ch.Trigger)
	}
	return detail, err
}

func (o *Orchestrator) changeAgent(ctx context.Context, args action.Args) (string, error) {
	name := args.Get("persona", "")
	if name == "" {
		return "", errors.New("no persona named")
	}
	from, to, dropped, err := o.router.Switch(name)
	if err != nil {
		return "", err
	}
	for _, t := range dropped {
		o.dropTicket(ctx, t, "persona switch")
	}
	o.syncInflight(ctx)
	o.active.Store(to)
	return fmt.Sprintf("switched from %s to %s", from.DisplayName(), to.DisplayName()), nil
}

func (o *Orchestrator) copyLastReply(ctx context.Context, _ action.Args) (string, error) {
	reply := o.router.LastReply()
	if reply == "" {
		return "", errors.New("no agent reply to copy")
	}
	if _, err := o.host.Execute(ctx, command.CopyToClipboard, action.Args{"text": reply}); err != nil {
		return "", err
	}
	return fmt.Sprintf("copied %d characters", utf8.RuneCountInString(reply)), nil
}

// typeText emits dictated text verbatim.
func (o *Orchestrator) typeText(ctx context.Context, base Result, text string) Result {
	base.CommandID = command.TypeText
	if _, err := o.host.Execute(ctx, command.TypeText, action.Args{"text": text}); err != nil {
		return base.with(Failed, HandlerFailure, err.Error())
	}
	return base.with(Executed, "", text)
}

// bufferText appends transcribed text for the next enter_this.
func (o *Orchestrator) bufferText(base Result, text string) Result {
	o.transcript = append(o.transcript, text)
	return base.with(Executed, "", text)
}

// route submits free text to the active persona. The Result is deferred
// until the completion arrives unless the request is refused outright.
func (o *Orchestrator) route(ctx context.Context, base Result, prompt string) (Result, bool) {
	p := o.router.Active()
	base.Persona = p.ID

	t, err := o.router.Submit(ctx, base.UtteranceID, prompt)
	o.syncInflight(ctx)
	switch {
	case errors.Is(err, agent.ErrBusy):
		return base.with(Failed, Busy, err.Error()), false
	case err != nil:
		o.speakUnavailable(p)
		return base.with(Failed, AgentUnavailable, err.Error()), false
	}
	if t.Queued {
		observe.Logger(ctx).Debug("dispatch: agent request queued", "persona", p.ID, "utterance", base.UtteranceID)
	}
	o.pending[t.Seq] = base
	return Result{}, true
}

func (o *Orchestrator) handleCompletion(ctx context.Context, c agent.Completion) {
	s := o.router.Settle(c)
	o.syncInflight(ctx)

	base, ok := o.pending[s.Ticket.Seq]
	if !ok {
		slog.Debug("dispatch: completion without pending utterance", "persona", s.Ticket.Persona.ID, "seq", s.Ticket.Seq)
		return
	}
	delete(o.pending, s.Ticket.Seq)

	p := s.Ticket.Persona
	ctx, span := observe.StartAgentReply(ctx, base.UtteranceID, p.ID)
	defer span.End()

	var (
		res    Result
		status string
	)
	switch {
	case s.Err == nil:
		status = "ok"
		o.speaker.Speak(o.runCtx, s.Reply, p.Voice)
		res = base.with(Executed, "", s.Reply)
	case errors.Is(s.Err, agent.ErrCancelled):
		status = "cancelled"
		res = base.with(Ignored, Cancelled, "reply arrived after cancellation")
	default:
		status = "unavailable"
		o.speakUnavailable(p)
		res = base.with(Failed, AgentUnavailable, s.Err.Error())
	}
	o.metrics.AgentDuration.Record(ctx, s.Duration.Seconds(), metric.WithAttributes(
		attribute.String("persona", p.ID),
		attribute.String("status", status),
	))
	observe.Decide(span, res.decision())
	o.emit(ctx, res)
}

func (o *Orchestrator) handleTimeout(ctx context.Context, gen uint64) {
	if gen != o.timerGen {
		return
	}
	o.eventAt = o.heard
	ch, err := o.machine.Apply(mode.Timeout, o.eventAt)
	if err != nil {
		slog.Debug("dispatch: capture timeout ignored", "err", err)
		return
	}
	observe.Logger(ctx).Info("dispatch: capture timed out", "mode", ch.From, "after", o.captureTimeout)
	if _, err := o.afterTransition(ctx, ch); err != nil {
		slog.Warn("dispatch: capture timeout side effect failed", "err", err)
	}
}

func (o *Orchestrator) handleCancel(ctx context.Context) {
	o.eventAt = o.heard
	o.silence(ctx, mode.Cancel)
	ch, err := o.machine.Apply(mode.Cancel, o.eventAt)
	if err != nil {
		observe.Logger(ctx).Info("dispatch: cancelled", "mode", o.machine.Current())
		return
	}
	if _, err := o.afterTransition(ctx, ch); err != nil {
		slog.Warn("dispatch: cancel side effect failed", "err", err)
	}
}

// silence stops speech and abandons agent requests.
func (o *Orchestrator) silence(ctx context.Context, why string) {
	o.speaker.CancelAll()
	o.cancelAgents(ctx, why)
}

func (o *Orchestrator) cancelAgents(ctx context.Context, why string) {
	for _, t := range o.router.Cancel() {
		o.dropTicket(ctx, t, why)
	}
	o.syncInflight(ctx)
}

// dropTicket settles a queued request that never reached its backend.
func (o *Orchestrator) dropTicket(ctx context.Context, t agent.Ticket, why string) {
	base, ok := o.pending[t.Seq]
	if !ok {
		return
	}
	delete(o.pending, t.Seq)
	o.emit(ctx, base.with(Ignored, Cancelled, "dropped by "+why))
}

func (o *Orchestrator) speakUnavailable(p *agent.Persona) {
	o.speaker.Speak(o.runCtx, fmt.Sprintf("%s is unavailable right now.", p.DisplayName()), p.Voice)
}

// syncInflight moves the inflight gauge to the router's pending count.
func (o *Orchestrator) syncInflight(ctx context.Context) {
	n := o.router.Pending()
	if d := n - o.lastPending; d != 0 {
		o.metrics.AgentInflight.Add(ctx, int64(d))
	}
	o.lastPending = n
}

// armCapture (re)starts the capture idle window. Timer events of earlier
// windows carry an old generation and are ignored.
func (o *Orchestrator) armCapture() {
	o.disarmCapture()
	if o.captureTimeout <= 0 {
		return
	}
	gen := o.timerGen
	o.timer = time.AfterFunc(o.captureTimeout, func() {
		_ = o.enqueue(context.Background(), event{kind: evTimeout, gen: gen})
	})
}

func (o *Orchestrator) disarmCapture() {
	o.timerGen++
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}
