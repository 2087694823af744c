// Command voicebridge runs the phone-call-to-speech-AI bridge server.
//
// It loads a YAML config, wires the configured telephony adapter and
// realtime speech provider into the application, and serves the HTTP API
// until SIGINT or SIGTERM.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kraliki/voicebridge/internal/app"
	"github.com/kraliki/voicebridge/internal/config"
	"github.com/kraliki/voicebridge/internal/observe"
	"github.com/kraliki/voicebridge/pkg/provider/realtime"
	"github.com/kraliki/voicebridge/pkg/provider/realtime/gemini"
	"github.com/kraliki/voicebridge/pkg/provider/realtime/openai"
	"github.com/kraliki/voicebridge/pkg/telephony"
	"github.com/kraliki/voicebridge/pkg/telephony/telnyx"
	"github.com/kraliki/voicebridge/pkg/telephony/twilio"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voicebridge.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A .env file is a development convenience; the config loader reads
	// secrets from the environment via ${VAR} references.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicebridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Server.PublicHost)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "error", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "error", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
		d := config.Compare(old, next)
		if d.Empty() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		application.ApplyConfig(d)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "error", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the telephony adapters and speech backends
// that ship with voicebridge into reg. publicHost is passed to the Twilio
// adapter because webhook signatures are computed over the public URL.
func registerBuiltinProviders(reg *config.Registry, publicHost string) {
	reg.RegisterTelephony("twilio", func(tc config.TelephonyConfig) (telephony.Adapter, error) {
		opts := []twilio.Option{
			twilio.WithPublicBaseURL("https://" + publicHost),
		}
		if tc.Twilio.BaseURL != "" {
			opts = append(opts, twilio.WithBaseURL(tc.Twilio.BaseURL))
		}
		return twilio.New(tc.Twilio.AccountSID, tc.Twilio.AuthToken, opts...), nil
	})

	reg.RegisterTelephony("telnyx", func(tc config.TelephonyConfig) (telephony.Adapter, error) {
		var opts []telnyx.Option
		if tc.Telnyx.BaseURL != "" {
			opts = append(opts, telnyx.WithBaseURL(tc.Telnyx.BaseURL))
		}
		if tc.Telnyx.PublicKey != "" {
			key, err := base64.StdEncoding.DecodeString(tc.Telnyx.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("decode telnyx public key: %w", err)
			}
			if len(key) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("telnyx public key is %d bytes, want %d", len(key), ed25519.PublicKeySize)
			}
			opts = append(opts, telnyx.WithWebhookPublicKey(ed25519.PublicKey(key)))
		}
		return telnyx.New(tc.Telnyx.APIKey, tc.Telnyx.ConnectionID, opts...), nil
	})

	reg.RegisterRealtime("openai", func(ac config.AIConfig) (realtime.Provider, error) {
		var opts []openai.Option
		if ac.Model != "" {
			opts = append(opts, openai.WithModel(ac.Model))
		}
		if ac.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(ac.OpenAI.BaseURL))
		}
		return openai.New(ac.OpenAI.APIKey, opts...), nil
	})

	reg.RegisterRealtime("gemini", func(ac config.AIConfig) (realtime.Provider, error) {
		var opts []gemini.Option
		if ac.Model != "" {
			opts = append(opts, gemini.WithModel(ac.Model))
		}
		if ac.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(ac.Gemini.BaseURL))
		}
		return gemini.New(ac.Gemini.APIKey, opts...), nil
	})
}

// buildProviders instantiates the configured telephony adapter and realtime
// speech provider through the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	adapter, err := reg.CreateTelephony(cfg.Telephony)
	if err != nil {
		return nil, fmt.Errorf("create telephony adapter %q: %w", cfg.Telephony.Provider, err)
	}
	slog.Info("provider created", "kind", "telephony", "name", cfg.Telephony.Provider)

	speech, err := reg.CreateRealtime(cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("create realtime provider %q: %w", cfg.AI.Provider, err)
	}
	slog.Info("provider created", "kind", "realtime", "name", cfg.AI.Provider, "model", cfg.AI.Model)

	return &app.Providers{Telephony: adapter, Realtime: speech}, nil
}

// ── Logging ───────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the config
// watcher change verbosity at runtime.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	storeMode := "in-memory"
	if cfg.Store.PostgresDSN != "" {
		storeMode = "postgres + fallback"
	}

	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║      voicebridge — startup summary   ║")
	fmt.Println("╠══════════════════════════════════════╣")
	printEntry("Telephony", cfg.Telephony.Provider)
	printEntry("AI provider", cfg.AI.Provider+" / "+cfg.AI.Model)
	printEntry("Voice", cfg.AI.Voice)
	printEntry("Session store", storeMode)
	printEntry("Tool servers", strconv.Itoa(len(cfg.Tools.Servers)))
	printEntry("Vocabulary", strconv.Itoa(len(cfg.Transcript.Vocabulary))+" terms")
	printEntry("Listen addr", cfg.Server.ListenAddr)
	printEntry("Public host", cfg.Server.PublicHost)
	fmt.Println("╚══════════════════════════════════════╝")
}

func printEntry(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s : %-19s ║\n", label, value)
}
