package config_test

import (
	"testing"

	"github.com/kraliki/voicebridge/internal/config"
)

func TestCompare_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		LogLevel:   config.LogInfo,
		Transcript: config.TranscriptConfig{Vocabulary: []string{"Kraliki"}},
	}
	d := config.Compare(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestCompare_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{LogLevel: config.LogInfo}
	new := &config.Config{LogLevel: config.LogDebug}

	d := config.Compare(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.VocabularyChanged {
		t.Error("expected VocabularyChanged=false")
	}
	if d.Empty() {
		t.Error("expected Empty()=false")
	}
}

func TestCompare_VocabularyChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		LogLevel:   config.LogInfo,
		Transcript: config.TranscriptConfig{Vocabulary: []string{"Kraliki"}},
	}
	new := &config.Config{
		LogLevel:   config.LogInfo,
		Transcript: config.TranscriptConfig{Vocabulary: []string{"Kraliki", "Premium Care"}},
	}

	d := config.Compare(old, new)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false")
	}
	if !d.VocabularyChanged {
		t.Error("expected VocabularyChanged=true")
	}
	if len(d.NewVocabulary) != 2 || d.NewVocabulary[1] != "Premium Care" {
		t.Errorf("NewVocabulary: got %v", d.NewVocabulary)
	}
}

func TestCompare_VocabularyCloneIsolated(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	new := &config.Config{
		Transcript: config.TranscriptConfig{Vocabulary: []string{"Kraliki"}},
	}

	d := config.Compare(old, new)
	new.Transcript.Vocabulary[0] = "mutated"

	if d.NewVocabulary[0] != "Kraliki" {
		t.Errorf("diff should hold its own copy of the vocabulary, got %v", d.NewVocabulary)
	}
}

func TestCompare_IgnoresRestartOnlyFields(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		LogLevel: config.LogInfo,
		Server:   config.ServerConfig{ListenAddr: ":8080"},
		Telephony: config.TelephonyConfig{
			Provider: "twilio",
			Twilio:   config.TwilioConfig{AuthToken: "old-token"},
		},
	}
	new := &config.Config{
		LogLevel: config.LogInfo,
		Server:   config.ServerConfig{ListenAddr: ":9090"},
		Telephony: config.TelephonyConfig{
			Provider: "telnyx",
			Twilio:   config.TwilioConfig{AuthToken: "new-token"},
		},
	}

	// Listen address and credentials only apply on restart; the diff is
	// deliberately blind to them.
	d := config.Compare(old, new)
	if !d.Empty() {
		t.Errorf("expected empty diff for restart-only changes, got %+v", d)
	}
}
