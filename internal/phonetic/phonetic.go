// Package phonetic resolves spoken names (personas, applications) against a
// known list using Double Metaphone encoding and Jaro-Winkler similarity.
//
// Recognizers routinely misspell proper nouns ("scarlet" for "Scarlett",
// "fire fox" for "Firefox"). Resolution runs in three stages:
//
//  1. Exact, case-insensitive equality wins immediately with score 1.
//  2. Candidates whose Double Metaphone codes overlap the spoken words are
//     ranked by Jaro-Winkler and accepted above the phonetic threshold.
//  3. Without a phonetic candidate, plain Jaro-Winkler is accepted above the
//     stricter fuzzy threshold.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a phonetic
// candidate. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// candidate exists. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Resolve returns the entry of names that spoken most likely refers to.
// When ok is false, name is empty and score is 0. Ties keep the earlier entry.
func (m *Matcher) Resolve(spoken string, names []string) (name string, score float64, ok bool) {
	in := strings.ToLower(strings.TrimSpace(spoken))
	if in == "" || len(names) == 0 {
		return "", 0, false
	}
	for _, n := range names {
		if strings.EqualFold(strings.TrimSpace(n), in) {
			return n, 1, true
		}
	}

	inTokens := strings.Fields(in)
	inCodes := codes(inTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, n := range names {
		cand := strings.ToLower(strings.TrimSpace(n))
		if cand == "" {
			continue
		}
		candTokens := strings.Fields(cand)
		s := similarity(inTokens, candTokens, in, cand)

		if overlap(inCodes, codes(candTokens)) {
			if s >= m.phoneticThreshold && (!bestPhonetic || s > bestScore) {
				best, bestScore, bestPhonetic = n, s, true
			}
			continue
		}
		if !bestPhonetic && s >= m.fuzzyThreshold && s > bestScore {
			best, bestScore = n, s
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestScore, true
}

// Similarity is the Jaro-Winkler similarity of two lower-cased phrases.
func Similarity(a, b string) float64 {
	return matchr.JaroWinkler(strings.ToLower(a), strings.ToLower(b), false)
}

func codes(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			out[p] = struct{}{}
		}
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity scores the full phrases, their space-stripped forms ("fire fox"
// against "firefox") and, for multi-word names, the best word pair.
func similarity(inTokens, candTokens []string, in, cand string) float64 {
	score := matchr.JaroWinkler(in, cand, false)
	if len(inTokens) > 1 || len(candTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inTokens, ""), strings.Join(candTokens, ""), false); s > score {
			score = s
		}
	}
	if len(candTokens) > 1 {
		for _, it := range inTokens {
			for _, ct := range candTokens {
				if s := matchr.JaroWinkler(it, ct, false); s > score {
					score = s
				}
			}
		}
	}
	return score
}
