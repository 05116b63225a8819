package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/decisions/internal/phonetic"
	"github.com/MrWong99/decisions/pkg/types"
)

// BusyPolicy decides what happens to a request for a persona that already
// has a call in flight.
type BusyPolicy int

const (
	// BusyQueue holds the request in a bounded FIFO until the persona is free.
	BusyQueue BusyPolicy = iota
	// BusyReject fails the request immediately.
	BusyReject
)

// String returns "queue" or "reject".
func (p BusyPolicy) String() string {
	if p == BusyReject {
		return "reject"
	}
	return "queue"
}

// ParseBusyPolicy parses "queue" or "reject". The empty string means queue.
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "queue":
		return BusyQueue, nil
	case "reject":
		return BusyReject, nil
	default:
		return BusyQueue, fmt.Errorf("agent: unknown busy policy %q", s)
	}
}

// Persona is a read-only conversational identity.
type Persona struct {
	// ID is the stable key used in configuration and logs.
	ID string
	// Name is how the user addresses the persona ("change agent to Scarlett").
	Name string
	// SystemPrompt is sent ahead of every conversation.
	SystemPrompt string
	// Voice selects the TTS voice replies are spoken with.
	Voice types.VoiceProfile
	// Backend names the model backend kind serving this persona.
	Backend string
	// Busy is the policy applied while a call is in flight.
	Busy BusyPolicy
	// QueueDepth bounds the FIFO under BusyQueue.
	QueueDepth int
}

// DisplayName returns Name, or ID when no name is set.
func (p *Persona) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// DefaultQueueDepth is the queue bound used when a persona sets none.
const DefaultQueueDepth = 2

// ErrUnknownPersona is returned when a persona identifier cannot be resolved.
var ErrUnknownPersona = errors.New("agent: unknown persona")

// Personas is the immutable persona registry. Lookups return pointers into
// the registry; callers never receive copies they could mutate.
type Personas struct {
	list    []*Persona
	byID    map[string]*Persona
	matcher *phonetic.Matcher
}

// NewPersonas validates ps and builds the registry. Personas without a
// system prompt get "You are <name>, an AI assistant."; a zero queue depth
// becomes DefaultQueueDepth.
func NewPersonas(ps []Persona, matcher *phonetic.Matcher) (*Personas, error) {
	if matcher == nil {
		matcher = phonetic.New()
	}
	reg := &Personas{byID: make(map[string]*Persona, len(ps)), matcher: matcher}

	var errs []error
	for i := range ps {
		p := ps[i]
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("persona %d: id is required", i))
			continue
		}
		key := strings.ToLower(p.ID)
		if _, dup := reg.byID[key]; dup {
			errs = append(errs, fmt.Errorf("persona %q: duplicate id", p.ID))
			continue
		}
		if p.QueueDepth < 0 {
			errs = append(errs, fmt.Errorf("persona %q: queue depth must be >= 0", p.ID))
		}
		if p.QueueDepth == 0 {
			p.QueueDepth = DefaultQueueDepth
		}
		if p.SystemPrompt == "" {
			p.SystemPrompt = fmt.Sprintf("You are %s, an AI assistant.", p.DisplayName())
		}
		reg.byID[key] = &p
		reg.list = append(reg.list, &p)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("agent: invalid personas: %w", err)
	}
	return reg, nil
}

// Len returns the number of personas.
func (r *Personas) Len() int { return len(r.list) }

// All returns the personas in declaration order.
func (r *Personas) All() []*Persona {
	out := make([]*Persona, len(r.list))
	copy(out, r.list)
	return out
}

// Get returns the persona with the given id, ignoring case.
func (r *Personas) Get(id string) (*Persona, bool) {
	p, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	return p, ok
}

// Resolve finds the persona a spoken reference points to: by id, then by
// name, then phonetically by name and id.
func (r *Personas) Resolve(spoken string) (*Persona, error) {
	if p, ok := r.Get(spoken); ok {
		return p, nil
	}
	names := make([]string, 0, len(r.list)*2)
	owners := make(map[string]*Persona, len(r.list)*2)
	for _, p := range r.list {
		for _, n := range []string{p.Name, p.ID} {
			if n == "" {
				continue
			}
			if _, seen := owners[n]; !seen {
				names = append(names, n)
				owners[n] = p
			}
		}
	}
	if n, _, ok := r.matcher.Resolve(spoken, names); ok {
		return owners[n], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPersona, spoken)
}
