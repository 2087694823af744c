package transcript_test

import (
	"testing"

	"github.com/kraliki/voicebridge/internal/transcript"
	"github.com/kraliki/voicebridge/pkg/store"
)

var vocabulary = []string{"Kraliki", "Premium Care"}

func TestNormalize_RewritesMisheardTerms(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer(vocabulary)

	got, corrections := n.Normalize("I want to upgrade my kroliki account to premium air")

	want := "I want to upgrade my Kraliki account to Premium Care"
	if got != want {
		t.Errorf("Normalize = %q, want %q", got, want)
	}
	if len(corrections) != 2 {
		t.Fatalf("corrections = %d, want 2: %+v", len(corrections), corrections)
	}
	if corrections[0].Original != "kroliki" || corrections[0].Corrected != "Kraliki" {
		t.Errorf("first correction = %+v", corrections[0])
	}
	if corrections[1].Original != "premium air" || corrections[1].Corrected != "Premium Care" {
		t.Errorf("second correction = %+v", corrections[1])
	}
	for _, c := range corrections {
		if c.Confidence < 0.7 {
			t.Errorf("correction %q confidence = %f, want >= 0.7", c.Original, c.Confidence)
		}
	}
}

func TestNormalize_ExactSpellingPassesWithoutCorrection(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer(vocabulary)

	got, corrections := n.Normalize("my Kraliki invoice")
	if got != "my Kraliki invoice" {
		t.Errorf("Normalize = %q, want input unchanged", got)
	}
	if len(corrections) != 0 {
		t.Errorf("corrections = %+v, want none for already-canonical text", corrections)
	}
}

func TestNormalize_LongestMatchWins(t *testing.T) {
	t.Parallel()

	// "premium care" must resolve to the two-word term, not to "Care".
	n := transcript.NewNormalizer([]string{"Care", "Premium Care"})

	got, corrections := n.Normalize("our premium care plan")
	if got != "our Premium Care plan" {
		t.Errorf("Normalize = %q, want %q", got, "our Premium Care plan")
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1: %+v", len(corrections), corrections)
	}
	if corrections[0].Original != "premium care" || corrections[0].Corrected != "Premium Care" {
		t.Errorf("correction = %+v", corrections[0])
	}
}

func TestNormalize_EmptyVocabularyPassesThrough(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer(nil)

	got, corrections := n.Normalize("anything kroliki says goes")
	if got != "anything kroliki says goes" {
		t.Errorf("Normalize = %q, want input unchanged", got)
	}
	if corrections != nil {
		t.Errorf("corrections = %+v, want nil", corrections)
	}
}

func TestNormalize_BlankText(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer(vocabulary)

	if got, _ := n.Normalize(""); got != "" {
		t.Errorf("Normalize(\"\") = %q, want empty", got)
	}
	if got, _ := n.Normalize("   "); got != "   " {
		t.Errorf("Normalize(whitespace) = %q, want input unchanged", got)
	}
}

func TestNormalizeEntry_RewritesCallerUtterances(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer(vocabulary)

	entry := store.TranscriptEntry{
		SessionID: "01JSESS",
		Sequence:  4,
		Speaker:   store.SpeakerUser,
		Content:   "is kroliki down right now",
	}

	got, corrections := n.NormalizeEntry(entry)
	if got.Content != "is Kraliki down right now" {
		t.Errorf("Content = %q, want %q", got.Content, "is Kraliki down right now")
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	// Everything except the content is preserved.
	if got.SessionID != entry.SessionID || got.Sequence != entry.Sequence || got.Speaker != entry.Speaker {
		t.Errorf("entry metadata changed: %+v", got)
	}
}

func TestNormalizeEntry_AssistantStoredVerbatim(t *testing.T) {
	t.Parallel()

	n := transcript.NewNormalizer(vocabulary)

	entry := store.TranscriptEntry{
		Speaker: store.SpeakerAssistant,
		Content: "did you mean kroliki or Kraliki",
	}

	got, corrections := n.NormalizeEntry(entry)
	if got.Content != entry.Content {
		t.Errorf("assistant Content = %q, want verbatim %q", got.Content, entry.Content)
	}
	if corrections != nil {
		t.Errorf("corrections = %+v, want nil for assistant entries", corrections)
	}
}
