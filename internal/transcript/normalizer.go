// Package transcript normalizes domain vocabulary in caller transcripts.
//
// Realtime speech models routinely mishear product names, plan names, and
// other brand terms: "Kraliki" comes back as "kroliki", "Premium Care" as
// "premium air". The [Normalizer] walks a transcript with n-gram windows
// and replaces spans that phonetically match a configured vocabulary term
// with the term's canonical spelling, longest window first so multi-word
// terms take precedence over partial single-word matches.
//
// Only caller utterances are rewritten; what the assistant said is stored
// as spoken. Each [Correction] records the original span, the replacement,
// and the match confidence so corrections can be audited from logs.
//
// A Normalizer is read-only after construction and safe for concurrent use.
package transcript

import (
	"strings"

	"github.com/kraliki/voicebridge/internal/transcript/phonetic"
	"github.com/kraliki/voicebridge/pkg/store"
)

// Correction captures a single span-level substitution made by the
// normalizer.
type Correction struct {
	// Original is the span as produced by the speech provider.
	Original string

	// Corrected is the canonical vocabulary term that replaced it.
	Corrected string

	// Confidence is the phonetic match score (0.0–1.0).
	Confidence float64
}

// Normalizer rewrites misheard vocabulary terms in transcript text.
type Normalizer struct {
	matcher *phonetic.Matcher
}

// NewNormalizer builds a normalizer over the given vocabulary. An empty
// vocabulary yields a pass-through normalizer that never rewrites anything.
func NewNormalizer(vocabulary []string, opts ...phonetic.Option) *Normalizer {
	if len(vocabulary) == 0 {
		return &Normalizer{}
	}
	return &Normalizer{matcher: phonetic.New(vocabulary, opts...)}
}

// Normalize rewrites vocabulary terms in text and returns the result along
// with the corrections that were applied.
//
// The text is tokenised on whitespace. At each position, n-gram windows
// from the longest vocabulary term's word count down to one are tested
// against the matcher; the first (longest) match wins, its canonical tokens
// are emitted, and the cursor advances past the consumed tokens. Unmatched
// tokens pass through byte for byte. A window that already equals the
// canonical spelling is consumed without recording a correction.
func (n *Normalizer) Normalize(text string) (string, []Correction) {
	if n.matcher == nil || n.matcher.MaxWords() == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var output []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		// Clamp window size to remaining tokens.
		maxN := n.matcher.MaxWords()
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for size := maxN; size >= 1; size-- {
			window := strings.Join(tokens[i:i+size], " ")
			term, conf, ok := n.matcher.Match(window)
			if !ok {
				continue
			}

			output = append(output, strings.Fields(term)...)
			if window != term {
				corrections = append(corrections, Correction{
					Original:   window,
					Corrected:  term,
					Confidence: conf,
				})
			}
			i += size
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// NormalizeEntry applies [Normalizer.Normalize] to a transcript entry's
// content when the speaker is the caller. Assistant entries are returned
// untouched: the model's own output is not misheard, and rewriting it would
// falsify the record of what was said on the call.
func (n *Normalizer) NormalizeEntry(entry store.TranscriptEntry) (store.TranscriptEntry, []Correction) {
	if entry.Speaker != store.SpeakerUser {
		return entry, nil
	}
	text, corrections := n.Normalize(entry.Content)
	entry.Content = text
	return entry, corrections
}
