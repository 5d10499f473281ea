// Package gloss matches chunks of a tokenized transcript rendering against
// the dictionary terms attached to the same transcription event, so that a
// consumer can attach an inline gloss to each chunk.
//
// Matching is forgiving: transcript chunks carry punctuation, casing, and
// light inflection that the dictionary's citation forms lack. An exact match
// on the normalized forms wins; otherwise the highest Jaro-Winkler similarity
// above a configurable threshold is accepted.
package gloss

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const defaultThreshold = 0.88

// Option is a functional option for configuring an [Index].
type Option func(*Index)

// WithThreshold sets the minimum Jaro-Winkler score required for a fuzzy
// match to be accepted. Default: 0.88.
func WithThreshold(threshold float64) Option {
	return func(ix *Index) {
		ix.threshold = threshold
	}
}

// Index holds the normalized dictionary terms of one transcription event.
// It is read-only after construction and safe for concurrent use.
type Index struct {
	threshold float64
	terms     []indexedTerm
}

type indexedTerm struct {
	term       string // original dictionary key
	normalized string
}

// New builds an Index over the given dictionary terms.
func New(terms []string, opts ...Option) *Index {
	ix := &Index{threshold: defaultThreshold}
	for _, o := range opts {
		o(ix)
	}
	for _, t := range terms {
		n := normalize(t)
		if n == "" {
			continue
		}
		ix.terms = append(ix.terms, indexedTerm{term: t, normalized: n})
	}
	return ix
}

// Lookup returns the dictionary term matching chunk, or "" and false when no
// term matches. Exact normalized equality is preferred; otherwise the term
// with the highest Jaro-Winkler similarity at or above the threshold wins.
func (ix *Index) Lookup(chunk string) (term string, ok bool) {
	n := normalize(chunk)
	if n == "" {
		return "", false
	}

	best := ""
	bestScore := 0.0
	for _, it := range ix.terms {
		if it.normalized == n {
			return it.term, true
		}
		if score := matchr.JaroWinkler(n, it.normalized, false); score > bestScore {
			best, bestScore = it.term, score
		}
	}

	if bestScore >= ix.threshold {
		return best, true
	}
	return "", false
}

// normalize lowercases s and strips everything that is not a letter, digit,
// or internal space, collapsing the result to single-spaced words.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
