// Package normalize cleans raw recognizer output before it is matched
// against the command table or handed to an agent.
//
// Normalisation folds case and Unicode compatibility forms, strips audio
// artifacts such as "[blank audio]" or "(clears throat)", drops filler words
// and applies a configurable table of word corrections for common
// mis-hearings.
package normalize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultArtifacts are non-speech annotations emitted by Whisper-style
// recognizers. An utterance consisting only of artifacts is empty.
var DefaultArtifacts = []string{
	"blank audio", "no audio", "clapping", "laughter", "laugh", "music",
	"bleep", "beep", "bell", "bell ringing", "static", "popping", "silence",
	"sigh", "sighs", "sighing", "applause", "clicking", "cough", "coughing",
	"knocking", "tapping", "beatboxing", "dog barks", "clears throat",
	"breathing heavily", "inaudible",
}

// DefaultFillers are hesitation words removed from the matching text.
var DefaultFillers = []string{"um", "umm", "uh", "uhm", "erm", "er", "ah", "hmm", "mm", "mhm"}

// bracketed matches one "[...]" or "(...)" annotation.
var bracketed = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)

var typographic = strings.NewReplacer(
	"‘", "'", "’", "'", "“", `"`, "”", `"`,
	"–", "-", "—", "-",
)

// Result is the outcome of normalising one utterance.
type Result struct {
	// Text is the lower-cased, punctuation-free, filler-free text used for
	// matching. Empty when the utterance carried no speech.
	Text string

	// Tokens are the whitespace separated words of Text.
	Tokens []string

	// Clean is the utterance with artifacts and fillers removed and
	// typography folded but original casing and punctuation kept. Dictation
	// emits this form.
	Clean string

	// Artifact is true when the utterance consisted only of audio artifacts.
	Artifact bool
}

// Empty reports whether no matchable words remain.
func (r Result) Empty() bool { return len(r.Tokens) == 0 }

// Normalizer is immutable after construction and safe for concurrent use.
type Normalizer struct {
	artifacts   map[string]struct{}
	fillers     map[string]struct{}
	corrections map[string]string
	fold        cases.Caser
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithCorrections adds word replacements applied after folding, e.g.
// {"scarlet": "scarlett"}. Keys and values are case-folded.
func WithCorrections(c map[string]string) Option {
	return func(n *Normalizer) {
		for k, v := range c {
			n.corrections[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
		}
	}
}

// WithArtifacts adds annotations, without brackets, to the artifact list.
func WithArtifacts(words []string) Option {
	return func(n *Normalizer) {
		for _, w := range words {
			n.artifacts[strings.ToLower(w)] = struct{}{}
		}
	}
}

// WithFillers replaces the filler word list.
func WithFillers(words []string) Option {
	return func(n *Normalizer) {
		n.fillers = toSet(words)
	}
}

// New creates a Normalizer with the default artifact and filler lists.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		artifacts:   toSet(DefaultArtifacts),
		fillers:     toSet(DefaultFillers),
		corrections: make(map[string]string),
		fold:        cases.Fold(),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func toSet(words []string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

// Normalize cleans raw.
func (n *Normalizer) Normalize(raw string) Result {
	s := typographic.Replace(norm.NFKC.String(raw))

	sawArtifact := false
	s = bracketed.ReplaceAllStringFunc(s, func(m string) string {
		inner := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(m[1:len(m)-1], "_", " ")))
		if _, ok := n.artifacts[inner]; !ok {
			return m
		}
		sawArtifact = true
		return " "
	})
	clean := strings.Join(strings.Fields(s), " ")

	folded := n.fold.String(clean)
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if f == "" {
			continue
		}
		if _, ok := n.fillers[f]; ok {
			continue
		}
		if c, ok := n.corrections[f]; ok {
			if c == "" {
				continue
			}
			tokens = append(tokens, strings.Fields(c)...)
			continue
		}
		tokens = append(tokens, f)
	}

	return Result{
		Text:     strings.Join(tokens, " "),
		Tokens:   tokens,
		Clean:    n.dropFillers(clean),
		Artifact: sawArtifact && clean == "",
	}
}

// dropFillers removes filler words from s. Sentence punctuation carried by a
// dropped filler moves to the preceding word, and a capitalised leading
// filler passes its capital on.
func (n *Normalizer) dropFillers(s string) string {
	words := strings.Fields(s)
	kept := words[:0]
	capNext := false
	for _, w := range words {
		core := strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if _, ok := n.fillers[n.fold.String(core)]; !ok || core == "" {
			if capNext {
				w = capitalise(w)
				capNext = false
			}
			kept = append(kept, w)
			continue
		}
		if end := strings.TrimLeft(w[strings.LastIndex(w, core)+len(core):], ","); end != "" && len(kept) > 0 {
			last := kept[len(kept)-1]
			if r, _ := utf8.DecodeLastRuneInString(last); unicode.IsLetter(r) || unicode.IsDigit(r) {
				kept[len(kept)-1] = last + end
			}
		}
		if first := []rune(core)[0]; unicode.IsUpper(first) && (len(kept) == 0 || endsSentence(kept[len(kept)-1])) {
			capNext = true
		}
	}
	return strings.Join(kept, " ")
}

func endsSentence(w string) bool {
	return strings.ContainsAny(w[len(w)-1:], ".!?")
}

func capitalise(w string) string {
	r := []rune(w)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
