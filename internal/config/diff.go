package config

import "slices"

// Diff describes what changed between two configs, restricted to the
// fields a running server can apply without a restart. Everything else
// (credentials, providers, listen address) requires a redeploy; the
// watcher's onChange callback receives the diff and ignores the rest.
type Diff struct {
	// LogLevelChanged is true when log_level changed; NewLogLevel carries
	// the value to apply.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VocabularyChanged is true when transcript.vocabulary changed;
	// NewVocabulary carries the full new term list. Order matters only for
	// reporting; the normalizer treats the list as a set.
	VocabularyChanged bool
	NewVocabulary     []string
}

// Empty reports whether the diff carries no applicable change.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.VocabularyChanged
}

// Compare returns the hot-applicable differences between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if !slices.Equal(old.Transcript.Vocabulary, new.Transcript.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = slices.Clone(new.Transcript.Vocabulary)
	}

	return d
}
