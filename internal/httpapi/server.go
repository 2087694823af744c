// Package httpapi is the HTTP boundary of the voice bridge: the outbound
// call API, the telephony provider webhooks, the per-call media-stream
// websocket, a small session read API, and the operational endpoints.
//
// Every route is served from one [http.ServeMux] wrapped in
// [observe.Middleware]. Webhook routes validate the provider signature
// before any payload processing; a failed validation is a 401 with zero
// side effects.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraliki/voicebridge/internal/bridge"
	"github.com/kraliki/voicebridge/internal/health"
	"github.com/kraliki/voicebridge/internal/observe"
	"github.com/kraliki/voicebridge/internal/session"
	"github.com/kraliki/voicebridge/pkg/provider/realtime"
	"github.com/kraliki/voicebridge/pkg/store"
	"github.com/kraliki/voicebridge/pkg/telephony"
)

const (
	// maxJSONBody bounds request bodies on the JSON API routes.
	maxJSONBody = 64 << 10

	// maxWebhookBody bounds telephony webhook payloads.
	maxWebhookBody = 1 << 20
)

// Config wires a [Server]'s collaborators and the defaults applied to every
// new call session.
type Config struct {
	// Sessions owns the session lifecycle. Required.
	Sessions *session.Manager

	// Bridges tracks the live bridge per session. Required.
	Bridges *bridge.Manager

	// Adapter is the configured telephony provider. Required.
	Adapter telephony.Adapter

	// Provider dials realtime speech sessions. Required.
	Provider realtime.Provider

	// ProviderType is recorded on new sessions, e.g. [store.ProviderOpenAI].
	ProviderType store.ProviderType

	// Model is the provider model for new sessions.
	Model string

	// Voice is the synthesis voice requested from the provider. Optional.
	Voice string

	// SystemPrompt is the instruction text for new sessions. Optional.
	SystemPrompt string

	// Temperature overrides the provider sampling temperature. Optional.
	Temperature *float64

	// FromNumber is the default caller id for outbound calls. Without it
	// every outbound request must carry fromNumber.
	FromNumber string

	// PublicHost is the externally reachable host of this service, used to
	// build media-stream and status-callback URLs.
	PublicHost string

	// Tools supplies the function definitions declared on new provider
	// sessions. Optional.
	Tools func() []realtime.ToolDefinition

	// Callbacks builds the per-session bridge hooks: transcript persistence,
	// function dispatch, failure handling. Optional.
	Callbacks func(sessionID string) bridge.Callbacks

	// Health serves the liveness and readiness endpoints. Optional.
	Health *health.Handler

	// Metrics records webhook and HTTP instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server holds the HTTP handlers for the voice bridge.
type Server struct {
	cfg      Config
	metrics  *observe.Metrics
	upgrader websocket.Upgrader
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:     cfg,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Telephony providers are not browsers; they send no Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes returns the full handler tree wrapped in the observability
// middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /telephony/outbound", s.handleOutbound)
	mux.HandleFunc("POST /telephony/webhook/{provider}/answer", s.handleAnswerWebhook)
	mux.HandleFunc("POST /telephony/webhook/{provider}/status", s.handleStatusWebhook)
	mux.HandleFunc("GET /ws/sessions/{sessionID}", s.handleMediaStream)

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{sessionID}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{sessionID}/transcript", s.handleGetTranscript)
	mux.HandleFunc("DELETE /sessions/{sessionID}", s.handleEndSession)

	if s.cfg.Health != nil {
		s.cfg.Health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// streamURL is the media-stream endpoint the telephony provider connects to
// for the given session.
func (s *Server) streamURL(sessionID string) string {
	return fmt.Sprintf("wss://%s/ws/sessions/%s", s.cfg.PublicHost, sessionID)
}

// statusCallbackURL is where the provider posts call status events.
func (s *Server) statusCallbackURL() string {
	return fmt.Sprintf("https://%s/telephony/webhook/%s/status", s.cfg.PublicHost, s.cfg.Adapter.Name())
}

// newCallSession creates a PENDING session for one call using the configured
// provider defaults.
func (s *Server) newCallSession(ctx context.Context, from, to, direction string) (*store.Session, error) {
	meta := map[string]string{"direction": direction}
	if from != "" {
		meta["from_number"] = from
	}
	if to != "" {
		meta["to_number"] = to
	}
	return s.cfg.Sessions.CreateSession(ctx, session.CreateRequest{
		ProviderType:  s.cfg.ProviderType,
		ProviderModel: s.cfg.Model,
		SystemPrompt:  s.cfg.SystemPrompt,
		Temperature:   s.cfg.Temperature,
		Metadata:      meta,
	})
}

// readBody drains a request body under the given size limit.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
