package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/kraliki/voicebridge/internal/observe"
	"github.com/kraliki/voicebridge/internal/session"
	"github.com/kraliki/voicebridge/pkg/store"
)

type sessionView struct {
	SessionID string            `json:"sessionId"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Strategy  string            `json:"strategy"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func viewOf(sess *store.Session) sessionView {
	return sessionView{
		SessionID: sess.ID,
		Provider:  string(sess.ProviderType),
		Model:     sess.ProviderModel,
		Strategy:  string(sess.Strategy),
		Status:    string(sess.Status),
		Metadata:  sess.Metadata,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
}

type transcriptEntryView struct {
	Sequence   int       `json:"sequence"`
	Speaker    string    `json:"speaker"`
	Content    string    `json:"content"`
	Confidence *float64  `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// handleListSessions lists sessions, optionally filtered by ?status= and
// capped by ?limit=.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var f store.Filter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := store.SessionStatus(raw)
		if !status.IsValid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
		f.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}

	sessions := s.cfg.Sessions.ListSessions(r.Context(), f)
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewOf(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Sessions.GetSession(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("sessionID")

	if _, err := s.cfg.Sessions.GetSession(ctx, sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	entries := s.cfg.Sessions.Transcripts(ctx, sessionID)
	views := make([]transcriptEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, transcriptEntryView{
			Sequence:   e.Sequence,
			Speaker:    string(e.Speaker),
			Content:    e.Content,
			Confidence: e.Confidence,
			Timestamp:  e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"entries":   views,
	})
}

// handleEndSession ends a session from the API side: the bridge stops, the
// phone leg is hung up, and the session is marked ENDED.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)
	sessionID := r.PathValue("sessionID")

	if _, err := s.cfg.Sessions.GetSession(ctx, sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	callID, mapped := s.cfg.Sessions.CallForSession(ctx, sessionID)
	s.cfg.Bridges.Stop(sessionID)
	if mapped {
		if err := s.cfg.Adapter.EndCall(ctx, callID); err != nil {
			// The provider's own status webhook still fires when the caller
			// hangs up, so a failed hangup is not fatal here.
			log.Warn("failed to end call",
				"session_id", sessionID, "call_id", callID, "error", err)
		}
	}

	if err := s.cfg.Sessions.EndSession(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "session store unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	log.Info("session ended via API", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}
