// Package speech plays text back to the user through a streaming TTS
// provider.
//
// A [Player] owns a FIFO of pending utterances and one background goroutine
// that synthesises them in order, feeding the provider sentence by sentence,
// and streams the PCM to a [Sink]. Every call
// to [Player.Speak] returns a [Handle] that can be cancelled individually;
// [Player.CancelAll] silences the assistant entirely.
package speech

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/decisions/pkg/provider/tts"
	"github.com/MrWong99/decisions/pkg/types"
)

// DefaultGap is the silence inserted between consecutive utterances.
const DefaultGap = 150 * time.Millisecond

// Handle identifies one Speak request. The zero Handle refers to nothing.
type Handle string

// Speaker is the speech surface used by the dispatcher.
type Speaker interface {
	Speak(ctx context.Context, text string, voice types.VoiceProfile) Handle
	Cancel(h Handle)
	CancelAll()
}

// Sink receives synthesised PCM in playback order. Play is called from the
// player goroutine and must not block for long.
type Sink interface {
	Play(pcm []byte)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(pcm []byte)

// Play calls f.
func (f SinkFunc) Play(pcm []byte) { f(pcm) }

// Discard is a Sink that drops all audio.
var Discard Sink = SinkFunc(func([]byte) {})

// State is the lifecycle stage reported in an Event.
type State int

const (
	Started State = iota
	Finished
	Cancelled
	Failed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Started:
		return "started"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event reports progress of one Handle.
type Event struct {
	Handle Handle
	State  State
	Text   string
	Err    error
}

// Option configures a Player.
type Option func(*Player)

// WithGap sets the silence between consecutive utterances. Jitter of ±1/6 is
// applied. Zero disables the gap.
func WithGap(d time.Duration) Option {
	return func(p *Player) { p.gap = d }
}

// WithObserver registers fn to receive every Event. fn is called
// synchronously and must not block or call back into the Player.
func WithObserver(fn func(Event)) Option {
	return func(p *Player) { p.observe = fn }
}

type job struct {
	ctx    context.Context
	handle Handle
	text   string
	voice  types.VoiceProfile
}

// Player implements Speaker. All exported methods are safe for concurrent use.
type Player struct {
	tts     tts.Provider
	sink    Sink
	gap     time.Duration
	observe func(Event)

	mu            sync.Mutex
	queue         []job
	playing       Handle
	cancelPlaying context.CancelFunc
	closed        bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ Speaker = (*Player)(nil)

// New creates a Player and starts its background goroutine. Call
// [Player.Close] to stop it.
func New(provider tts.Provider, sink Sink, opts ...Option) *Player {
	if sink == nil {
		sink = Discard
	}
	p := &Player{
		tts:     provider,
		sink:    sink,
		gap:     DefaultGap,
		observe: func(Event) {},
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.wg.Add(1)
	go p.dispatch()
	return p
}

// Speak queues text for playback with voice and returns its handle. Blank
// text and a closed player yield the zero Handle. Cancelling ctx cancels the
// utterance.
func (p *Player) Speak(ctx context.Context, text string, voice types.VoiceProfile) Handle {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ""
	}
	h := Handle(uuid.NewString())
	p.queue = append(p.queue, job{ctx: ctx, handle: h, text: text, voice: voice})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return h
}

// Cancel stops h if it is playing or removes it from the queue. Unknown or
// finished handles are ignored.
func (p *Player) Cancel(h Handle) {
	if h == "" {
		return
	}
	p.mu.Lock()
	if p.playing == h {
		p.cancelPlaying()
		p.mu.Unlock()
		return
	}
	i := slices.IndexFunc(p.queue, func(j job) bool { return j.handle == h })
	if i < 0 {
		p.mu.Unlock()
		return
	}
	j := p.queue[i]
	p.queue = slices.Delete(p.queue, i, i+1)
	p.mu.Unlock()

	p.observe(Event{Handle: j.handle, State: Cancelled, Text: j.text})
}

// CancelAll stops the current utterance and drops every queued one.
func (p *Player) CancelAll() {
	p.mu.Lock()
	dropped := p.queue
	p.queue = nil
	if p.cancelPlaying != nil {
		p.cancelPlaying()
	}
	p.mu.Unlock()

	for _, j := range dropped {
		p.observe(Event{Handle: j.handle, State: Cancelled, Text: j.text})
	}
}

// Speaking reports whether anything is playing or queued.
func (p *Player) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing != "" || len(p.queue) > 0
}

// Close cancels all speech and stops the background goroutine. Close is
// idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.CancelAll()
	close(p.done)
	p.wg.Wait()
	return nil
}

func (p *Player) dispatch() {
	defer p.wg.Done()
	var lastPlayed bool

	for {
		select {
		case <-p.done:
			return
		case <-p.notify:
		}

		for {
			j, ctx, ok := p.dequeue()
			if !ok {
				break
			}
			if lastPlayed && !p.pause(ctx) {
				p.finish(ctx, j, nil)
				continue
			}
			p.play(ctx, j)
			lastPlayed = true
		}
	}
}

// dequeue pops the next job and marks it as playing.
func (p *Player) dequeue() (job, context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 || p.closed {
		return job{}, nil, false
	}
	j := p.queue[0]
	p.queue = p.queue[1:]
	ctx, cancel := context.WithCancel(j.ctx)
	p.playing = j.handle
	p.cancelPlaying = cancel
	return j, ctx, true
}

// pause waits out the inter-utterance gap. It returns false when the job
// was cancelled meanwhile.
func (p *Player) pause(ctx context.Context) bool {
	d := gapWithJitter(p.gap)
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	case <-t.C:
		return true
	}
}

// play streams j to the provider one sentence at a time, so synthesis can
// start before the whole reply is sent and a cancel stops the remainder.
func (p *Player) play(ctx context.Context, j job) {
	text := make(chan string)
	go func() {
		defer close(text)
		for _, s := range Sentences(j.text) {
			select {
			case text <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	audio, err := p.tts.SynthesizeStream(ctx, text, j.voice)
	if err != nil {
		slog.Warn("speech: synthesis failed", "handle", j.handle, "err", err)
		p.finish(ctx, j, err)
		return
	}
	p.observe(Event{Handle: j.handle, State: Started, Text: j.text})

	for chunk := range audio {
		if ctx.Err() != nil {
			continue // drain until the provider closes the stream
		}
		p.sink.Play(chunk)
	}
	p.finish(ctx, j, nil)
}

func (p *Player) finish(ctx context.Context, j job, err error) {
	state := Finished
	switch {
	case err != nil:
		state = Failed
	case ctx.Err() != nil:
		state = Cancelled
	}

	p.mu.Lock()
	if p.playing == j.handle {
		p.cancelPlaying()
		p.playing = ""
		p.cancelPlaying = nil
	}
	p.mu.Unlock()

	p.observe(Event{Handle: j.handle, State: state, Text: j.text, Err: err})
}

func gapWithJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	jitter := base / 6
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(2*jitter+1))) - jitter
}
