// Package app wires all voicebridge subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithToolHost, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraliki/voicebridge/internal/bridge"
	"github.com/kraliki/voicebridge/internal/config"
	"github.com/kraliki/voicebridge/internal/health"
	"github.com/kraliki/voicebridge/internal/httpapi"
	"github.com/kraliki/voicebridge/internal/observe"
	"github.com/kraliki/voicebridge/internal/resilience"
	"github.com/kraliki/voicebridge/internal/session"
	"github.com/kraliki/voicebridge/internal/tools"
	"github.com/kraliki/voicebridge/internal/transcript"
	"github.com/kraliki/voicebridge/pkg/provider/realtime"
	"github.com/kraliki/voicebridge/pkg/store"
	"github.com/kraliki/voicebridge/pkg/store/memstore"
	"github.com/kraliki/voicebridge/pkg/store/postgres"
	"github.com/kraliki/voicebridge/pkg/telephony"
)

// callbackTimeout bounds the store and telephony work done from bridge event
// callbacks, which run on the bridge's event goroutine.
const callbackTimeout = 10 * time.Second

// endCallToolName is the built-in hangup function offered to the model
// alongside any configured MCP tools.
const endCallToolName = "end_call"

// Providers holds the externally constructed provider clients. main builds
// them through the [config.Registry] so the set of known providers stays in
// one place.
type Providers struct {
	// Telephony places and answers phone calls and translates wire audio.
	Telephony telephony.Adapter

	// Realtime dials the speech-to-speech AI backend for each call.
	Realtime realtime.Provider
}

// App owns every subsystem of a running voicebridge instance.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	store    *store.FallbackStore
	sessions *session.Manager
	bridges  *bridge.Manager
	toolHost *tools.Host
	health   *health.Handler
	httpSrv  *http.Server

	// normalizer is swapped atomically on vocabulary reload while bridge
	// callbacks keep reading it.
	normalizer atomic.Pointer[transcript.Normalizer]

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of building one from the config.
func WithStore(s *store.FallbackStore) Option {
	return func(a *App) { a.store = s }
}

// WithToolHost injects a tool host instead of building one from the config.
// Servers listed in the config are still registered on it.
func WithToolHost(h *tools.Host) Option {
	return func(a *App) { a.toolHost = h }
}

// WithMetrics overrides the default metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New constructs and wires all subsystems from the validated config. It does
// not start serving; call [App.Run] for that.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Telephony == nil {
		return nil, errors.New("app: telephony adapter is required")
	}
	if providers.Realtime == nil {
		return nil, errors.New("app: realtime provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Session and bridge managers ───────────────────────────────────
	a.sessions = session.NewManager(session.Config{
		Store:          a.store,
		SessionTTL:     time.Duration(cfg.Store.SessionTTL),
		CallMappingTTL: time.Duration(cfg.Store.CallMapTTL),
		TranscriptTTL:  time.Duration(cfg.Store.TranscriptTTL),
		Metrics:        a.metrics,
	})
	a.bridges = bridge.NewManager()

	// ── 3. Tool host ─────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 4. Transcript normalizer ─────────────────────────────────────────
	a.normalizer.Store(transcript.NewNormalizer(cfg.Transcript.Vocabulary))

	// ── 5. HTTP API ──────────────────────────────────────────────────────
	a.health = health.New(health.Checker{Name: "store", Check: a.checkStore})
	api := httpapi.New(httpapi.Config{
		Sessions:     a.sessions,
		Bridges:      a.bridges,
		Adapter:      providers.Telephony,
		Provider:     providers.Realtime,
		ProviderType: store.ProviderType(cfg.AI.Provider),
		Model:        cfg.AI.Model,
		Voice:        cfg.AI.Voice,
		SystemPrompt: cfg.AI.SystemPrompt,
		Temperature:  cfg.AI.Temperature,
		FromNumber:   defaultFromNumber(cfg),
		PublicHost:   cfg.Server.PublicHost,
		Tools:        a.toolDefinitions,
		Callbacks:    a.sessionCallbacks,
		Health:       a.health,
		Metrics:      a.metrics,
	})
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore builds the degradable session store: Postgres behind a circuit
// breaker with an in-memory fallback, or memory alone when no DSN is
// configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		slog.Info("using in-memory session store")
		a.store = store.NewFallbackStore(memstore.New(), nil)
	} else {
		primary, err := postgres.New(ctx, dsn)
		if err != nil {
			return err
		}
		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "session-store",
		})
		a.store = store.NewFallbackStore(primary, memstore.New(),
			store.WithBreaker(breaker),
			store.WithDegradationHook(func() {
				a.metrics.StoreDegradations.Add(context.Background(), 1)
			}))
		slog.Info("using postgres session store with in-memory fallback")
	}

	a.closers = append(a.closers, func() error {
		a.store.Close()
		return nil
	})
	return nil
}

// initTools builds the MCP tool host and registers every configured server.
// A server that fails to register is fatal: the operator listed it because
// the assistant needs it.
func (a *App) initTools(ctx context.Context) error {
	if a.toolHost == nil {
		hostOpts := []tools.Option{tools.WithMetrics(a.metrics)}
		if d := time.Duration(a.cfg.Tools.CallTimeout); d > 0 {
			hostOpts = append(hostOpts, tools.WithCallTimeout(d))
		}
		a.toolHost = tools.New(hostOpts...)
		a.closers = append(a.closers, a.toolHost.Close)
	}

	for _, srv := range a.cfg.Tools.Servers {
		if err := a.toolHost.Register(ctx, srv); err != nil {
			return fmt.Errorf("register tool server %q: %w", srv.Name, err)
		}
		slog.Info("registered tool server", "name", srv.Name, "transport", srv.Transport)
	}
	return nil
}

// checkStore reports store health for readiness probes. A dead primary is
// degraded rather than failed: calls keep flowing on the in-memory fallback.
func (a *App) checkStore(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return health.Degraded(err)
	}
	return nil
}

// ─── Session callbacks ───────────────────────────────────────────────────────

// sessionCallbacks builds the bridge event hooks for one session. All hooks
// run on the bridge's event goroutine and must not stop the bridge.
func (a *App) sessionCallbacks(sessionID string) bridge.Callbacks {
	return bridge.Callbacks{
		OnTranscript: func(entry store.TranscriptEntry) {
			a.recordTranscript(sessionID, entry)
		},
		OnFunctionCall: func(_, name, args string) (string, error) {
			return a.dispatchTool(sessionID, name, args)
		},
		OnConnectionFailed: func(reason string) {
			a.abandonSession(sessionID, reason)
		},
	}
}

// recordTranscript normalizes one finalised utterance and persists it.
func (a *App) recordTranscript(sessionID string, entry store.TranscriptEntry) {
	normalized, corrections := a.normalizer.Load().NormalizeEntry(entry)
	for _, c := range corrections {
		slog.Debug("vocabulary correction",
			"session_id", sessionID,
			"original", c.Original,
			"corrected", c.Corrected,
			"confidence", c.Confidence)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	if !a.sessions.AppendTranscript(ctx, normalized) {
		slog.Warn("transcript entry not persisted",
			"session_id", sessionID, "sequence", normalized.Sequence)
	}
}

// dispatchTool routes a model function call to the built-in hangup or to the
// MCP tool host.
func (a *App) dispatchTool(sessionID, name, args string) (string, error) {
	if name == endCallToolName {
		slog.Debug("model requested hangup", "session_id", sessionID, "args", args)
		return a.hangUp(sessionID)
	}
	return a.toolHost.Call(context.Background(), name, args)
}

// hangUp ends the phone leg of a session at the model's request. Only the
// carrier is told to hang up here: the hangup then flows back through the
// status webhook and the media stream close, which stop the bridge and mark
// the session ENDED on their own goroutines.
func (a *App) hangUp(sessionID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	callID, ok := a.sessions.CallForSession(ctx, sessionID)
	if !ok {
		return "", fmt.Errorf("no active call mapped to session %s", sessionID)
	}
	if err := a.providers.Telephony.EndCall(ctx, callID); err != nil {
		return "", fmt.Errorf("hang up call: %w", err)
	}
	slog.Info("call ended by model", "session_id", sessionID, "call_id", callID)
	return `{"status":"hanging_up"}`, nil
}

// abandonSession handles a bridge whose provider connection died for good:
// the session is failed and the phone leg hung up so the caller is not left
// in silence.
func (a *App) abandonSession(sessionID, reason string) {
	slog.Error("session abandoned", "session_id", sessionID, "reason", reason)

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	// Look up the call before failing the session; failing clears the
	// mapping.
	callID, mapped := a.sessions.CallForSession(ctx, sessionID)

	if err := a.sessions.FailSession(ctx, sessionID, reason); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		slog.Warn("could not mark session failed",
			"session_id", sessionID, "error", err)
	}
	if mapped {
		if err := a.providers.Telephony.EndCall(ctx, callID); err != nil {
			slog.Warn("could not hang up call after provider failure",
				"session_id", sessionID, "call_id", callID, "error", err)
		}
	}
}

// toolDefinitions lists everything the model may call: the MCP tools plus
// the built-in hangup.
func (a *App) toolDefinitions() []realtime.ToolDefinition {
	return append(a.toolHost.Definitions(), endCallDefinition())
}

func endCallDefinition() realtime.ToolDefinition {
	return realtime.ToolDefinition{
		Name:        endCallToolName,
		Description: "End the phone call. Use once the conversation is complete and you have said goodbye.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason for ending the call.",
				},
			},
		},
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. The log
// level is handled by main, which owns the slog handler.
func (a *App) ApplyConfig(d config.Diff) {
	if d.VocabularyChanged {
		a.normalizer.Store(transcript.NewNormalizer(d.NewVocabulary))
		slog.Info("transcript vocabulary reloaded", "terms", len(d.NewVocabulary))
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler exposes the HTTP API, primarily for tests that drive the service
// through [net/http/httptest].
func (a *App) Handler() http.Handler {
	return a.httpSrv.Handler
}

// Run serves the HTTP API and blocks until ctx is cancelled or the listener
// fails. Cancellation returns ctx.Err(); call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("voicebridge ready",
		"listen_addr", a.httpSrv.Addr,
		"public_host", a.cfg.Server.PublicHost,
		"telephony", a.providers.Telephony.Name(),
		"ai", a.cfg.AI.Provider,
		"model", a.cfg.AI.Model)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, tears down every live bridge, and closes
// the remaining subsystems in order, respecting the context deadline. Safe to
// call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_bridges", a.bridges.Len())

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown", "error", err)
		}

		// Media streams are hijacked websocket connections, which
		// [http.Server.Shutdown] does not wait for. Stopping the bridges
		// closes the provider legs; the carrier sockets die with the
		// process.
		a.bridges.StopAll()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded",
					"closers_remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer failed", "error", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// defaultFromNumber picks the configured caller id for the selected telephony
// provider. Outbound requests may still override it per call.
func defaultFromNumber(cfg *config.Config) string {
	switch cfg.Telephony.Provider {
	case "twilio":
		return cfg.Telephony.Twilio.FromNumber
	case "telnyx":
		return cfg.Telephony.Telnyx.FromNumber
	default:
		return ""
	}
}
