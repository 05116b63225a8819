package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/MrWong99/decisions/pkg/provider/tts/mock"
	"github.com/MrWong99/decisions/pkg/types"
)

type recorder struct {
	mu     sync.Mutex
	pcm    [][]byte
	events chan Event
}

func newRecorder() *recorder { return &recorder{events: make(chan Event, 32)} }

func (r *recorder) Play(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pcm = append(r.pcm, pcm)
}

func (r *recorder) chunks() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.pcm...)
}

func (r *recorder) await(t *testing.T, h Handle, want State) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.Handle == h && ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", want, h)
			return Event{}
		}
	}
}

func newPlayer(t *testing.T, p *mock.Provider) (*Player, *recorder) {
	t.Helper()
	rec := newRecorder()
	pl := New(p, rec, WithGap(0), WithObserver(func(ev Event) { rec.events <- ev }))
	t.Cleanup(func() { pl.Close() })
	return pl, rec
}

func TestPlayer_SpeakStreamsToSink(t *testing.T) {
	defer goleak.VerifyNone(t)
	tp := &mock.Provider{SynthesizeChunks: [][]byte{[]byte("a"), []byte("b")}}
	pl, rec := newPlayer(t, tp)

	voice := types.VoiceProfile{ID: "v1"}
	h := pl.Speak(context.Background(), "  hello there ", voice)
	if h == "" {
		t.Fatal("Speak returned zero handle")
	}
	rec.await(t, h, Finished)

	if diff := cmp.Diff([][]byte{[]byte("a"), []byte("b")}, rec.chunks()); diff != "" {
		t.Errorf("sink mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"hello there"}, tp.Texts()); diff != "" {
		t.Errorf("synthesised text mismatch (-want +got):\n%s", diff)
	}
	if tp.SynthesizeStreamCalls[0].Voice.ID != "v1" {
		t.Errorf("voice = %q, want v1", tp.SynthesizeStreamCalls[0].Voice.ID)
	}
	pl.Close()
}

func TestPlayer_BlankText(t *testing.T) {
	defer goleak.VerifyNone(t)
	tp := &mock.Provider{}
	pl, _ := newPlayer(t, tp)
	if h := pl.Speak(context.Background(), "   ", types.VoiceProfile{}); h != "" {
		t.Errorf("Speak(blank) = %q, want zero handle", h)
	}
	pl.Close()
	if tp.Calls() != 0 {
		t.Errorf("provider called %d times", tp.Calls())
	}
}

func TestPlayer_CancelPlaying(t *testing.T) {
	defer goleak.VerifyNone(t)
	tp := &mock.Provider{SynthesizeChunks: [][]byte{[]byte("a")}, Hold: true}
	pl, rec := newPlayer(t, tp)

	h := pl.Speak(context.Background(), "a long answer", types.VoiceProfile{})
	rec.await(t, h, Started)
	if !pl.Speaking() {
		t.Error("Speaking() = false while playing")
	}
	pl.Cancel(h)
	rec.await(t, h, Cancelled)
	pl.Close()
}

func TestPlayer_CancelAllDropsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)
	tp := &mock.Provider{Hold: true}
	pl, rec := newPlayer(t, tp)

	first := pl.Speak(context.Background(), "one", types.VoiceProfile{})
	rec.await(t, first, Started)
	second := pl.Speak(context.Background(), "two", types.VoiceProfile{})
	third := pl.Speak(context.Background(), "three", types.VoiceProfile{})

	pl.Cancel(third)
	rec.await(t, third, Cancelled)

	pl.CancelAll()
	rec.await(t, second, Cancelled)
	rec.await(t, first, Cancelled)

	pl.Close()
	if tp.Calls() != 1 {
		t.Errorf("provider called %d times, want 1", tp.Calls())
	}
}

func TestPlayer_SynthesisFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	tp := &mock.Provider{SynthesizeErr: errors.New("quota")}
	pl, rec := newPlayer(t, tp)

	h := pl.Speak(context.Background(), "hi", types.VoiceProfile{})
	ev := rec.await(t, h, Failed)
	if ev.Err == nil {
		t.Error("Failed event without error")
	}
	pl.Close()
}

func TestPlayer_CloseIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	pl := New(&mock.Provider{}, nil)
	if err := pl.Close(); err != nil {
		t.Fatal(err)
	}
	if err := pl.Close(); err != nil {
		t.Fatal(err)
	}
	if h := pl.Speak(context.Background(), "late", types.VoiceProfile{}); h != "" {
		t.Errorf("Speak after Close = %q", h)
	}
}

// sentenceGate synthesises one fragment at a time and waits for a release
// before reading the next.
type sentenceGate struct {
	mu      sync.Mutex
	got     []string
	release chan struct{}
}

func (g *sentenceGate) SynthesizeStream(ctx context.Context, text <-chan string, _ types.VoiceProfile) (<-chan []byte, error) {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case s, ok := <-text:
				if !ok {
					return
				}
				g.mu.Lock()
				g.got = append(g.got, s)
				g.mu.Unlock()
				select {
				case out <- []byte(s):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
			select {
			case <-g.release:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (g *sentenceGate) ListVoices(context.Context) ([]types.VoiceProfile, error) { return nil, nil }

func (g *sentenceGate) fragments() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.got...)
}

func TestPlayer_FeedsSentences(t *testing.T) {
	defer goleak.VerifyNone(t)
	tp := &mock.Provider{SynthesizeChunks: [][]byte{[]byte("a")}}
	pl, rec := newPlayer(t, tp)

	h := pl.Speak(context.Background(), "Paris is the capital of France. It lies on the Seine.", types.VoiceProfile{})
	rec.await(t, h, Finished)

	want := [][]string{{"Paris is the capital of France.", "It lies on the Seine."}}
	if diff := cmp.Diff(want, tp.Fragments()); diff != "" {
		t.Errorf("fragments mismatch (-want +got):\n%s", diff)
	}
	pl.Close()
}

func TestPlayer_CancelBetweenSentences(t *testing.T) {
	defer goleak.VerifyNone(t)
	gate := &sentenceGate{release: make(chan struct{})}
	rec := newRecorder()
	pl := New(gate, rec, WithGap(0), WithObserver(func(ev Event) { rec.events <- ev }))
	defer pl.Close()

	h := pl.Speak(context.Background(), "The first sentence is spoken. The second one never is. Nor is the third.", types.VoiceProfile{})
	rec.await(t, h, Started)

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.chunks()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	pl.Cancel(h)
	rec.await(t, h, Cancelled)

	if diff := cmp.Diff([]string{"The first sentence is spoken."}, gate.fragments()); diff != "" {
		t.Errorf("synthesised fragments mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]byte{[]byte("The first sentence is spoken.")}, rec.chunks()); diff != "" {
		t.Errorf("sink mismatch (-want +got):\n%s", diff)
	}
	pl.Close()
}
