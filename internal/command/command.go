// Package command maps normalised utterance text to a command identifier and
// its extracted arguments.
//
// Rules live in a [Table], an immutable arena addressed by declaration index.
// Matching walks the rules by descending priority; rules of equal priority
// keep declaration order, so the earlier rule wins. Each rule names the modes
// it is valid in. In the capture modes (dictation and transcription) only the
// rules listing that mode are consulted, they must cover the whole utterance
// and, when a capture prefix is configured, must be introduced by it. This
// keeps dictated prose that merely resembles a command from being executed.
package command

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/MrWong99/decisions/internal/mode"
	"github.com/MrWong99/decisions/internal/phonetic"
)

// DefaultFuzzyThreshold is the Jaro-Winkler score a canonical phrase needs
// to be accepted when no pattern matched.
const DefaultFuzzyThreshold = 0.92

// Modes is a set of [mode.Mode] values.
type Modes uint8

// In returns the set containing ms.
func In(ms ...mode.Mode) Modes {
	var s Modes
	for _, m := range ms {
		s |= 1 << uint(m)
	}
	return s
}

// AllModes contains every mode.
var AllModes = In(mode.Idle, mode.Listening, mode.Dictation, mode.Transcription, mode.AgentConversation)

// Has reports whether m is in the set.
func (s Modes) Has(m mode.Mode) bool { return s&(1<<uint(m)) != 0 }

// Extractor turns the named submatches of a rule's pattern into arguments.
// Returning false rejects the match and matching continues with the next rule.
type Extractor func(groups map[string]string) (map[string]string, bool)

// Rule is one pattern→command mapping.
type Rule struct {
	// CommandID is the identifier the action registry dispatches on.
	CommandID string

	// Pattern must match the whole normalised utterance.
	Pattern *regexp.Regexp

	// Priority orders rules; higher wins.
	Priority int

	// Modes lists where the rule is valid.
	Modes Modes

	// Phrases are canonical spellings used by the fuzzy pass. Only rules that
	// take no arguments should declare phrases.
	Phrases []string

	// Extract builds the arguments. When nil the non-empty named groups are
	// used verbatim.
	Extract Extractor
}

// NewRule compiles pattern anchored at both ends.
func NewRule(commandID, pattern string, priority int, modes Modes) Rule {
	return Rule{
		CommandID: commandID,
		Pattern:   regexp.MustCompile(`^(?:` + pattern + `)$`),
		Priority:  priority,
		Modes:     modes,
	}
}

// WithPhrases returns a copy of r with the given fuzzy phrases.
func (r Rule) WithPhrases(phrases ...string) Rule {
	r.Phrases = phrases
	return r
}

// WithExtract returns a copy of r using fn to build arguments.
func (r Rule) WithExtract(fn Extractor) Rule {
	r.Extract = fn
	return r
}

// Match is the outcome of resolving one utterance.
type Match struct {
	CommandID string
	Args      map[string]string
	// Rule is the declaration index of the rule that matched.
	Rule int
	// Score is 1 for pattern matches and the similarity for fuzzy ones.
	Score float64
}

// Table is an immutable, ordered rule set. Safe for concurrent use.
type Table struct {
	rules          []Rule
	order          []int
	capturePrefix  string
	fuzzyThreshold float64
}

// Option configures a Table.
type Option func(*Table)

// WithCapturePrefix requires utterances in capture modes to start with
// prefix before a command is recognised. The prefix is optional elsewhere.
func WithCapturePrefix(prefix string) Option {
	return func(t *Table) { t.capturePrefix = strings.ToLower(strings.TrimSpace(prefix)) }
}

// WithFuzzyThreshold sets the fuzzy acceptance score. Zero disables fuzzy matching.
func WithFuzzyThreshold(threshold float64) Option {
	return func(t *Table) { t.fuzzyThreshold = threshold }
}

// NewTable validates rules and builds a Table.
func NewTable(rules []Rule, opts ...Option) (*Table, error) {
	var errs []error
	for i, r := range rules {
		if r.CommandID == "" {
			errs = append(errs, fmt.Errorf("rule %d: command id is required", i))
		}
		if r.Pattern == nil {
			errs = append(errs, fmt.Errorf("rule %d (%s): pattern is required", i, r.CommandID))
		}
		if r.Modes == 0 {
			errs = append(errs, fmt.Errorf("rule %d (%s): at least one mode is required", i, r.CommandID))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("command: invalid rule table: %w", err)
	}

	t := &Table{
		rules:          slices.Clone(rules),
		order:          make([]int, len(rules)),
		fuzzyThreshold: DefaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(t)
	}
	for i := range t.order {
		t.order[i] = i
	}
	slices.SortStableFunc(t.order, func(a, b int) int {
		return t.rules[b].Priority - t.rules[a].Priority
	})
	return t, nil
}

// Len returns the number of rules.
func (t *Table) Len() int { return len(t.rules) }

// Rule returns the rule declared at index i.
func (t *Table) Rule(i int) Rule { return t.rules[i] }

// Match resolves text, which must already be normalised, under mode m.
func (t *Table) Match(text string, m mode.Mode) (Match, bool) {
	text = strings.TrimSpace(text)
	if t.capturePrefix != "" {
		rest, ok := strings.CutPrefix(text, t.capturePrefix+" ")
		switch {
		case ok:
			text = rest
		case m.Capturing():
			return Match{}, false
		}
	}
	if text == "" {
		return Match{}, false
	}

	for _, i := range t.order {
		r := &t.rules[i]
		if !r.Modes.Has(m) {
			continue
		}
		sub := r.Pattern.FindStringSubmatch(text)
		if sub == nil {
			continue
		}
		args, ok := extract(r, sub)
		if !ok {
			continue
		}
		return Match{CommandID: r.CommandID, Args: args, Rule: i, Score: 1}, true
	}

	if m.Capturing() || t.fuzzyThreshold <= 0 {
		return Match{}, false
	}
	return t.fuzzy(text, m)
}

func (t *Table) fuzzy(text string, m mode.Mode) (Match, bool) {
	best, bestScore := -1, 0.0
	for _, i := range t.order {
		r := &t.rules[i]
		if !r.Modes.Has(m) {
			continue
		}
		for _, p := range r.Phrases {
			if s := phonetic.Similarity(text, p); s >= t.fuzzyThreshold && s > bestScore {
				best, bestScore = i, s
			}
		}
	}
	if best < 0 {
		return Match{}, false
	}
	return Match{CommandID: t.rules[best].CommandID, Args: map[string]string{}, Rule: best, Score: bestScore}, true
}

func extract(r *Rule, sub []string) (map[string]string, bool) {
	groups := make(map[string]string)
	for j, name := range r.Pattern.SubexpNames() {
		if name != "" && sub[j] != "" {
			groups[name] = strings.TrimSpace(sub[j])
		}
	}
	if r.Extract == nil {
		return groups, true
	}
	return r.Extract(groups)
}
