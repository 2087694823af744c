package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kraliki/voicebridge/internal/tools"
)

// Known provider names per kind. [Validate] warns about names outside these
// lists rather than rejecting them, so custom adapters registered on a
// [Registry] still pass validation.
var (
	ValidTelephonyProviders = []string{"twilio", "telnyx"}
	ValidAIProviders        = []string{"openai", "gemini"}
)

// envRefPattern matches $$ escapes and ${NAME} references. Bare $ without
// braces is left alone so DSN passwords and YAML anchors survive expansion.
var envRefPattern = regexp.MustCompile(`\$\$|\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [Parse].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Parse expands ${VAR} environment references in data, decodes the YAML
// strictly (unknown fields are errors), applies defaults and validates the
// result. Secrets belong in the environment, referenced as "${TWILIO_AUTH_TOKEN}"
// and the like, never as literals in the file.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnv(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv substitutes ${NAME} references with environment values and
// turns $$ into a literal $. Unset variables are collected into a single
// error so a file with several missing secrets reports them all at once;
// set-but-empty variables expand to the empty string and are left to field
// validation.
func expandEnv(data []byte) ([]byte, error) {
	var missing []string
	out := envRefPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		if string(m) == "$$" {
			return []byte("$")
		}
		name := string(m[2 : len(m)-1])
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return nil
		}
		return []byte(val)
	})
	if len(missing) > 0 {
		slices.Sort(missing)
		missing = slices.Compact(missing)
		return nil, fmt.Errorf("config: unset environment variables referenced: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// applyDefaults fills zero-valued fields that have documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if cfg.Store.SessionTTL == 0 {
		cfg.Store.SessionTTL = Duration(24 * time.Hour)
	}
	if cfg.Store.CallMapTTL == 0 {
		cfg.Store.CallMapTTL = Duration(4 * time.Hour)
	}
	if cfg.Store.TranscriptTTL == 0 {
		cfg.Store.TranscriptTTL = Duration(24 * time.Hour)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Server
	if cfg.Server.PublicHost == "" {
		errs = append(errs, errors.New("server.public_host is required; telephony providers cannot reach the media stream without it"))
	} else if strings.Contains(cfg.Server.PublicHost, "://") {
		errs = append(errs, fmt.Errorf("server.public_host %q must be a bare host, not a URL", cfg.Server.PublicHost))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; running on the in-memory store, sessions will not survive a restart")
	}
	for _, ttl := range []struct {
		name string
		val  Duration
	}{
		{"store.session_ttl", cfg.Store.SessionTTL},
		{"store.callmap_ttl", cfg.Store.CallMapTTL},
		{"store.transcript_ttl", cfg.Store.TranscriptTTL},
	} {
		if ttl.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", ttl.name))
		}
	}

	errs = append(errs, validateTelephony(&cfg.Telephony)...)
	errs = append(errs, validateAI(&cfg.AI)...)
	errs = append(errs, validateTools(&cfg.Tools)...)

	return errors.Join(errs...)
}

// validateTelephony checks the telephony block. Credential requirements
// apply only to the selected provider: a config may carry both blocks and
// switch between them.
func validateTelephony(tc *TelephonyConfig) []error {
	var errs []error

	if tc.Provider == "" {
		errs = append(errs, errors.New("telephony.provider is required"))
		return errs
	}
	warnUnknownProvider("telephony", tc.Provider, ValidTelephonyProviders)

	switch tc.Provider {
	case "twilio":
		if tc.Twilio.AccountSID == "" {
			errs = append(errs, errors.New("telephony.twilio.account_sid is required"))
		}
		if tc.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("telephony.twilio.auth_token is required"))
		}
		if tc.Twilio.FromNumber == "" {
			errs = append(errs, errors.New("telephony.twilio.from_number is required"))
		} else {
			warnNonE164("telephony.twilio.from_number", tc.Twilio.FromNumber)
		}
	case "telnyx":
		if tc.Telnyx.APIKey == "" {
			errs = append(errs, errors.New("telephony.telnyx.api_key is required"))
		}
		if tc.Telnyx.PublicKey == "" {
			errs = append(errs, errors.New("telephony.telnyx.public_key is required"))
		}
		if tc.Telnyx.ConnectionID == "" {
			errs = append(errs, errors.New("telephony.telnyx.connection_id is required"))
		}
		if tc.Telnyx.FromNumber == "" {
			errs = append(errs, errors.New("telephony.telnyx.from_number is required"))
		} else {
			warnNonE164("telephony.telnyx.from_number", tc.Telnyx.FromNumber)
		}
	}

	return errs
}

// validateAI checks the ai block.
func validateAI(ac *AIConfig) []error {
	var errs []error

	if ac.Provider == "" {
		errs = append(errs, errors.New("ai.provider is required"))
		return errs
	}
	warnUnknownProvider("ai", ac.Provider, ValidAIProviders)

	switch ac.Provider {
	case "openai":
		if ac.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("ai.openai.api_key is required"))
		}
	case "gemini":
		if ac.Gemini.APIKey == "" {
			errs = append(errs, errors.New("ai.gemini.api_key is required"))
		}
	}

	if t := ac.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("ai.temperature %.2f is out of range [0, 2]", *t))
	}

	return errs
}

// validateTools checks the tools block.
func validateTools(tc *ToolsConfig) []error {
	var errs []error

	if tc.CallTimeout < 0 {
		errs = append(errs, errors.New("tools.call_timeout must not be negative"))
	}

	namesSeen := make(map[string]int, len(tc.Servers))
	for i, srv := range tc.Servers {
		prefix := fmt.Sprintf("tools.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errs
}

// warnUnknownProvider logs a warning if name is not in the known list for
// the given kind.
func warnUnknownProvider(kind, name string, known []string) {
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// warnNonE164 logs a warning for caller ids that do not look like E.164
// numbers. The telephony APIs reject malformed numbers at call time; this
// just surfaces the problem at startup instead.
func warnNonE164(field, number string) {
	if strings.HasPrefix(number, "+") {
		return
	}
	slog.Warn("caller id does not look like an E.164 number",
		"field", field,
		"number", number,
	)
}
