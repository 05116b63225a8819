package normalize

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	n := New(WithCorrections(map[string]string{"scarlet": "Scarlett", "spot": "spotlight"}))

	tests := []struct {
		name     string
		raw      string
		text     string
		clean    string
		artifact bool
	}{
		{"plain command", "Open Spotlight search.", "open spotlight search", "Open Spotlight search.", false},
		{"function key", "Press F5!", "press f5", "Press F5!", false},
		{"fillers dropped", "um, uh, start listening", "start listening", "start listening", false},
		{"leading filler passes capital", "Um, hello world. Uh, goodbye.", "hello world goodbye", "Hello world. Goodbye.", false},
		{"trailing filler keeps punctuation", "see you um.", "see you", "see you.", false},
		{"filler only", "um", "", "", false},
		{"typography folded", "Don’t stop — ever…", "don't stop ever", "Don't stop - ever...", false},
		{"whisper artifact", "[BLANK_AUDIO]", "", "", true},
		{"bracketed artifact", " [Blank Audio] ", "", "", true},
		{"parenthesised artifact", "(clears throat)", "", "", true},
		{"artifact inside speech", "(cough) hello world", "hello world", "hello world", false},
		{"unknown annotation kept", "note (see above)", "note see above", "note (see above)", false},
		{"correction applied", "change agent to scarlet", "change agent to scarlett", "change agent to scarlet", false},
		{"empty", "   ", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := n.Normalize(tt.raw)
			if got.Text != tt.text {
				t.Errorf("Text = %q, want %q", got.Text, tt.text)
			}
			if got.Clean != tt.clean {
				t.Errorf("Clean = %q, want %q", got.Clean, tt.clean)
			}
			if got.Artifact != tt.artifact {
				t.Errorf("Artifact = %v, want %v", got.Artifact, tt.artifact)
			}
		})
	}
}

func TestNormalize_Tokens(t *testing.T) {
	t.Parallel()
	got := New().Normalize("Move the mouse  up, please").Tokens
	want := []string{"move", "the", "mouse", "up", "please"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalize_CustomFillersAndArtifacts(t *testing.T) {
	t.Parallel()
	n := New(WithFillers([]string{"like"}), WithArtifacts([]string{"Keyboard Clicking"}))

	if got := n.Normalize("um like hello").Text; got != "um hello" {
		t.Errorf("Text = %q, want %q", got, "um hello")
	}
	if r := n.Normalize("[keyboard clicking]"); !r.Artifact || !r.Empty() {
		t.Errorf("expected artifact-only result, got %+v", r)
	}
}
