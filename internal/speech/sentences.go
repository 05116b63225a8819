package speech

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MinSentence is the length below which a sentence is merged with its
// neighbour, so "OK! I will do that." is spoken as one piece.
const MinSentence = 15

// abbreviations end in a period without ending a sentence.
var abbreviations = map[string]struct{}{
	"mr.": {}, "mrs.": {}, "ms.": {}, "dr.": {}, "prof.": {}, "st.": {},
	"inc.": {}, "ltd.": {}, "corp.": {}, "co.": {},
	"i.e.": {}, "e.g.": {}, "etc.": {}, "vs.": {}, "v.": {},
	"jan.": {}, "feb.": {}, "mar.": {}, "apr.": {}, "aug.": {}, "sept.": {},
	"oct.": {}, "nov.": {}, "dec.": {},
}

// Sentences splits text at '.', '!' and '?' followed by whitespace. Known
// abbreviations and single initials do not end a sentence, and pieces shorter
// than [MinSentence] are merged with the next one.
func Sentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if r, _ := utf8.DecodeRuneInString(text[i+1:]); !unicode.IsSpace(r) {
			continue
		}
		if text[i] == '.' && abbreviated(text[start:i+1]) {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return merge(out)
}

// abbreviated reports whether the last word of s is an abbreviation or an
// initial such as "J.".
func abbreviated(s string) bool {
	word := s[strings.LastIndexFunc(s, unicode.IsSpace)+1:]
	if _, ok := abbreviations[strings.ToLower(word)]; ok {
		return true
	}
	r, n := utf8.DecodeRuneInString(word)
	return n+1 == len(word) && unicode.IsUpper(r)
}

func merge(sentences []string) []string {
	var out []string
	for _, s := range sentences {
		if n := len(out); n > 0 && (len(out[n-1]) < MinSentence || len(s) < MinSentence) {
			out[n-1] += " " + s
			continue
		}
		out = append(out, s)
	}
	return out
}
