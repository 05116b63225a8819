// Package agent routes free-form utterances to conversational personas.
//
// The [Router] owns the active persona, its bounded conversation history and
// the per-persona busy state. Backend calls run on their own goroutines and
// report back through a delivery callback; the dispatcher feeds each
// [Completion] into [Router.Settle] on its own goroutine. All Router methods
// must be called from that single dispatcher goroutine, which is what keeps
// history updates strictly ordered without locks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/decisions/pkg/types"
)

// DefaultBackend is the backend kind used by personas that name none.
const DefaultBackend = "default"

var (
	// ErrBusy is returned when a persona cannot accept another request.
	ErrBusy = errors.New("agent: persona is busy")
	// ErrUnavailable wraps backend failures and timeouts.
	ErrUnavailable = errors.New("agent: backend unavailable")
	// ErrCancelled marks requests abandoned by a cancel or persona switch.
	ErrCancelled = errors.New("agent: request cancelled")
	// ErrNoPersona is returned by Submit when no persona is active.
	ErrNoPersona = errors.New("agent: no active persona")
	// ErrAlreadyActive is returned by Switch for the persona already active.
	ErrAlreadyActive = errors.New("agent: persona already active")
)

// Ticket identifies one routed request.
type Ticket struct {
	Seq         uint64
	UtteranceID string
	Persona     *Persona
	Prompt      string
	// Queued is true when the request had to wait behind another call.
	Queued bool

	gen uint64
}

// Completion is produced on a worker goroutine when a backend call returns.
type Completion struct {
	Ticket   Ticket
	Reply    string
	Err      error
	Duration time.Duration
}

// Settled is the router's verdict on a completion.
type Settled struct {
	Ticket   Ticket
	Reply    string
	Duration time.Duration
	// Err is nil, wraps ErrUnavailable, or is ErrCancelled.
	Err error
	// Started is the queued request started because this one finished.
	Started *Ticket
}

// DeliverFunc hands a completion back to the dispatcher. It is called from
// worker goroutines and must not call Router methods.
type DeliverFunc func(Completion)

type pending struct {
	ctx    context.Context
	ticket Ticket
}

type call struct {
	ticket Ticket
	cancel context.CancelFunc
}

// Router selects personas and runs their backend calls.
type Router struct {
	personas *Personas
	backends map[string]Backend
	deliver  DeliverFunc
	timeout  time.Duration

	active    *Persona
	history   *History
	lastReply string

	gen      uint64
	seq      uint64
	inflight map[string]*call
	queues   map[string][]pending

	wg sync.WaitGroup
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithHistorySize bounds the retained exchanges. Default: 10.
func WithHistorySize(n int) RouterOption {
	return func(r *Router) { r.history = NewHistory(n) }
}

// WithTimeout bounds every backend call. Zero disables the bound. Default: 30s.
func WithTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.timeout = d }
}

// WithDefaultPersona activates the persona with the given id at start.
func WithDefaultPersona(id string) RouterOption {
	return func(r *Router) {
		if p, ok := r.personas.Get(id); ok {
			r.active = p
		}
	}
}

// NewRouter creates a Router. backends maps backend kinds to implementations;
// deliver receives every completion.
func NewRouter(personas *Personas, backends map[string]Backend, deliver DeliverFunc, opts ...RouterOption) (*Router, error) {
	if personas == nil || personas.Len() == 0 {
		return nil, errors.New("agent: at least one persona is required")
	}
	if deliver == nil {
		return nil, errors.New("agent: deliver func is required")
	}
	r := &Router{
		personas: personas,
		backends: backends,
		deliver:  deliver,
		timeout:  30 * time.Second,
		history:  NewHistory(DefaultHistorySize),
		inflight: make(map[string]*call),
		queues:   make(map[string][]pending),
	}
	for _, o := range opts {
		o(r)
	}
	if r.active == nil {
		r.active = personas.list[0]
	}
	for _, p := range personas.list {
		if _, ok := r.backend(p); !ok {
			slog.Warn("agent: persona has no backend, requests will fail", "persona", p.ID, "backend", p.Backend)
		}
	}
	return r, nil
}

// Active returns the active persona.
func (r *Router) Active() *Persona { return r.active }

// History returns the active conversation, oldest first.
func (r *Router) History() []types.Exchange { return r.history.Entries() }

// LastReply returns the most recent successful reply.
func (r *Router) LastReply() string { return r.lastReply }

// Busy reports whether the persona with id has a call in flight.
func (r *Router) Busy(id string) bool {
	_, ok := r.inflight[id]
	return ok
}

// Pending returns the number of in-flight and queued requests.
func (r *Router) Pending() int {
	n := len(r.inflight)
	for _, q := range r.queues {
		n += len(q)
	}
	return n
}

func (r *Router) backend(p *Persona) (Backend, bool) {
	kind := p.Backend
	if kind == "" {
		kind = DefaultBackend
	}
	b, ok := r.backends[kind]
	return b, ok && b != nil
}

// Submit routes prompt to the active persona. The call starts immediately
// when the persona is idle; otherwise the busy policy queues or rejects it.
func (r *Router) Submit(ctx context.Context, utteranceID, prompt string) (Ticket, error) {
	p := r.active
	if p == nil {
		return Ticket{}, ErrNoPersona
	}
	if _, ok := r.backend(p); !ok {
		return Ticket{}, fmt.Errorf("%w: no backend %q for persona %s", ErrUnavailable, p.Backend, p.ID)
	}

	r.seq++
	t := Ticket{Seq: r.seq, UtteranceID: utteranceID, Persona: p, Prompt: prompt, gen: r.gen}

	if _, busy := r.inflight[p.ID]; busy {
		if p.Busy == BusyReject {
			return Ticket{}, fmt.Errorf("%w: %s is answering a previous request", ErrBusy, p.DisplayName())
		}
		if len(r.queues[p.ID]) >= p.QueueDepth {
			return Ticket{}, fmt.Errorf("%w: %s has %d requests waiting", ErrBusy, p.DisplayName(), len(r.queues[p.ID]))
		}
		t.Queued = true
		r.queues[p.ID] = append(r.queues[p.ID], pending{ctx: ctx, ticket: t})
		return t, nil
	}

	r.start(ctx, t)
	return t, nil
}

func (r *Router) start(ctx context.Context, t Ticket) {
	b, _ := r.backend(t.Persona)

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if r.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	r.inflight[t.Persona.ID] = &call{ticket: t, cancel: cancel}

	req := ConverseRequest{
		PersonaID:    t.Persona.ID,
		SystemPrompt: t.Persona.SystemPrompt,
		History:      r.history.Entries(),
		Prompt:       t.Prompt,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		start := time.Now()
		reply, err := b.Converse(callCtx, req)
		r.deliver(Completion{Ticket: t, Reply: reply, Err: err, Duration: time.Since(start)})
	}()
}

// Settle applies a completion: successful replies extend the history,
// failures leave it untouched, and the next queued request for the persona
// is started. Completions of cancelled requests settle as ErrCancelled.
func (r *Router) Settle(c Completion) Settled {
	s := Settled{Ticket: c.Ticket, Duration: c.Duration}
	id := c.Ticket.Persona.ID

	cur, ok := r.inflight[id]
	if !ok || c.Ticket.gen != r.gen || cur.ticket.Seq != c.Ticket.Seq {
		s.Err = ErrCancelled
		return s
	}
	delete(r.inflight, id)

	switch {
	case c.Err == nil:
		s.Reply = c.Reply
		r.history.Add(types.Exchange{Prompt: c.Ticket.Prompt, Reply: c.Reply})
		r.lastReply = c.Reply
	case errors.Is(c.Err, context.Canceled):
		s.Err = ErrCancelled
	case errors.Is(c.Err, context.DeadlineExceeded):
		s.Err = fmt.Errorf("%w: %s timed out after %s: %w", ErrUnavailable, id, c.Duration.Round(time.Millisecond), c.Err)
	default:
		s.Err = fmt.Errorf("%w: %w", ErrUnavailable, c.Err)
	}

	if q := r.queues[id]; len(q) > 0 {
		next := q[0]
		r.queues[id] = q[1:]
		r.start(next.ctx, next.ticket)
		s.Started = &next.ticket
	}
	return s
}

// Cancel abandons every in-flight call (best effort) and drops all queued
// requests, which are returned in submission order. Completions of the
// abandoned calls still arrive and settle as ErrCancelled.
func (r *Router) Cancel() []Ticket {
	r.gen++
	for id, c := range r.inflight {
		c.cancel()
		delete(r.inflight, id)
	}
	var dropped []Ticket
	for _, p := range r.personas.list {
		for _, q := range r.queues[p.ID] {
			dropped = append(dropped, q.ticket)
		}
		delete(r.queues, p.ID)
	}
	return dropped
}

// Switch activates the persona spoken refers to. Unknown names leave the
// active persona untouched. A successful switch cancels outstanding
// requests and clears the history.
func (r *Router) Switch(spoken string) (from, to *Persona, dropped []Ticket, err error) {
	p, err := r.personas.Resolve(spoken)
	if err != nil {
		return r.active, nil, nil, err
	}
	if p == r.active {
		return p, p, nil, fmt.Errorf("%w: %s", ErrAlreadyActive, p.DisplayName())
	}
	from = r.active
	dropped = r.Cancel()
	r.history.Reset()
	r.active = p
	return from, p, dropped, nil
}

// Wait blocks until every backend goroutine has returned.
func (r *Router) Wait() { r.wg.Wait() }
