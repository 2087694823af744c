// Package phonetic matches spoken phrases against a fixed vocabulary using
// Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity.
//
// The vocabulary is supplied once at construction and its phonetic codes are
// precomputed, so [Matcher.Match] performs no per-call setup. Matching
// proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each token of the input phrase (and for the tokens joined together, to
//     catch terms a recognizer split into several words). A vocabulary term
//     whose code set overlaps the input's becomes a phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the term with the
//     highest Jaro-Winkler similarity (case-insensitive) is selected,
//     provided its score exceeds the phonetic threshold. When no phonetic
//     candidate exists, a secondary pass tests pure Jaro-Winkler similarity
//     against all terms using a stricter fuzzy threshold.
//
// Multi-token phrases must additionally show per-token affinity with the
// candidate term. Without that rule a greedy n-gram window such as
// "my kraliki" would match the term "Kraliki" on the strength of one token
// and swallow the unrelated word next to it.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// tokenAffinityFloor is the minimum Jaro-Winkler score every token of a
	// multi-token phrase must reach against some token of the candidate
	// term, unless the term's letters contain the token verbatim.
	tokenAffinityFloor = 0.6

	// containmentMinLen is the shortest token the verbatim-containment rule
	// applies to. Two-letter fragments occur inside almost any term.
	containmentMinLen = 3
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// term is one vocabulary entry with its precomputed phonetic codes.
type term struct {
	// canonical is the term as configured, whitespace-normalised. Matches
	// are rewritten to this spelling.
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// Matcher resolves misheard phrases to vocabulary terms. It is read-only
// after construction and therefore safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	terms             []term
	maxWords          int
}

// New builds a matcher over the given vocabulary. Blank entries are
// skipped. Phonetic codes are computed here, once.
func New(vocabulary []string, opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}

	for _, v := range vocabulary {
		tokens := strings.Fields(strings.ToLower(v))
		if len(tokens) == 0 {
			continue
		}
		m.terms = append(m.terms, term{
			canonical: strings.Join(strings.Fields(v), " "),
			lower:     strings.Join(tokens, " "),
			tokens:    tokens,
			codes:     codesForTokens(tokens),
		})
		if len(tokens) > m.maxWords {
			m.maxWords = len(tokens)
		}
	}
	return m
}

// MaxWords returns the token count of the longest vocabulary term. Zero
// means the vocabulary is empty.
func (m *Matcher) MaxWords() int { return m.maxWords }

// Match attempts to resolve phrase to a vocabulary term.
//
// phrase may be a single word or a space-separated n-gram. Return values:
//
//	corrected  — the canonical spelling of the best-matching term.
//	confidence — similarity score in [0.0, 1.0].
//	matched    — whether a sufficiently similar term was found.
//
// When matched is false, corrected equals phrase unchanged and confidence
// is 0.
func (m *Matcher) Match(phrase string) (corrected string, confidence float64, matched bool) {
	if len(m.terms) == 0 || strings.TrimSpace(phrase) == "" {
		return phrase, 0, false
	}

	phraseLower := strings.ToLower(strings.TrimSpace(phrase))
	phraseTokens := strings.Fields(phraseLower)
	inputCodes := codesForTokens(phraseTokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, t := range m.terms {
		if len(phraseTokens) > 1 && !tokensCoverTerm(phraseTokens, t) {
			continue
		}

		phoneticMatch := codesOverlap(inputCodes, t.codes)
		jwScore := bestJWScore(phraseTokens, t.tokens, phraseLower, t.lower)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{term: t.canonical, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{term: t.canonical, score: jwScore, phonetic: false}
			}
		}
	}

	if best.term != "" {
		return best.term, best.score, true
	}
	return phrase, 0, false
}

// tokensCoverTerm reports whether every input token shows affinity to some
// part of the term. One strong token must not carry a window containing
// words the term has nothing to do with. A token is covered when it scores
// at least tokenAffinityFloor against a term token, or when the term's
// letters contain it verbatim, which is what a split mishearing such as
// "kra liki" looks like.
func tokensCoverTerm(inputTokens []string, t term) bool {
	concat := strings.Join(t.tokens, "")
	for _, it := range inputTokens {
		var affinity float64
		for _, tt := range t.tokens {
			if s := matchr.JaroWinkler(it, tt, false); s > affinity {
				affinity = s
			}
		}
		if affinity >= tokenAffinityFloor {
			continue
		}
		if len(it) >= containmentMinLen && strings.Contains(concat, it) {
			continue
		}
		return false
	}
	return true
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens plus their concatenation. Empty codes (produced when a word
// is too short or contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2+2)
	add := func(word string) {
		p, s := matchr.DoubleMetaphone(word)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	for _, t := range tokens {
		add(t)
	}
	if len(tokens) > 1 {
		add(strings.Join(tokens, ""))
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set for efficiency.
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// input and the term using three strategies:
//
//  1. Full-string comparison (e.g., "kroliki" vs "kraliki").
//  2. Space-stripped comparison (e.g., "kra liki" vs "kraliki"), which
//     handles terms the recognizer split or merged.
//  3. Best pairwise token comparison, the maximum score between any input
//     token and any term token. This handles one spoken word aligning with
//     one word of a multi-word term. It is skipped when a multi-token
//     phrase is scored against a single-word term; there the whole phrase
//     must resemble the term, or a window like "premium care" would score
//     1.0 against the lone term "care".
//
// longTolerance is passed as false to use standard Jaro-Winkler scoring.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	// Strategy 1: full strings.
	score := matchr.JaroWinkler(inputFull, termFull, false)

	// Strategy 2: concatenated (no spaces).
	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	// Strategy 3: best pairwise token score.
	if len(termTokens) > 1 || len(inputTokens) == 1 {
		for _, it := range inputTokens {
			for _, tt := range termTokens {
				if s := matchr.JaroWinkler(it, tt, false); s > score {
					score = s
				}
			}
		}
	}

	return score
}
