package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kraliki/voicebridge/internal/observe"
	"github.com/kraliki/voicebridge/internal/session"
	"github.com/kraliki/voicebridge/pkg/telephony"
)

type outboundRequest struct {
	FromNumber string `json:"fromNumber"`
	ToNumber   string `json:"toNumber"`
}

type outboundResponse struct {
	SessionID  string `json:"sessionId"`
	CallID     string `json:"callId"`
	StreamURL  string `json:"streamUrl"`
	FromNumber string `json:"fromNumber"`
	ToNumber   string `json:"toNumber"`
	Status     string `json:"status"`
}

// handleOutbound places an outbound call: it creates a PENDING session,
// asks the telephony provider to dial, and maps the provider call id back
// to the session for webhook routing.
func (s *Server) handleOutbound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	body, err := readBody(w, r, maxJSONBody)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req outboundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ToNumber == "" {
		writeError(w, http.StatusBadRequest, "toNumber is required")
		return
	}
	from := req.FromNumber
	if from == "" {
		from = s.cfg.FromNumber
	}
	if from == "" {
		writeError(w, http.StatusBadRequest, "fromNumber is required when no default caller id is configured")
		return
	}

	sess, err := s.newCallSession(ctx, from, req.ToNumber, "outbound")
	if err != nil {
		log.Error("failed to create session for outbound call", "error", err)
		if errors.Is(err, session.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "session store unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	setupStart := time.Now()
	call, err := s.cfg.Adapter.SetupCall(ctx, telephony.CallParams{
		From:              from,
		To:                req.ToNumber,
		StreamURL:         s.streamURL(sess.ID),
		StatusCallbackURL: s.statusCallbackURL(),
	})
	if err != nil {
		log.Error("outbound call setup failed",
			"session_id", sess.ID, "provider", s.cfg.Adapter.Name(), "error", err)
		s.cfg.Sessions.FailSession(ctx, sess.ID, "call setup failed: "+err.Error())
		writeError(w, http.StatusBadGateway, "telephony provider rejected the call")
		return
	}
	s.metrics.CallSetupDuration.Record(ctx, time.Since(setupStart).Seconds(),
		metric.WithAttributes(observe.Attr("provider", s.cfg.Adapter.Name())))

	if err := s.cfg.Sessions.MapCall(ctx, call.CallID, sess.ID); err != nil {
		// The stream URL already carries the session id, so the call still
		// connects; only status webhook routing is lost.
		log.Warn("failed to map call to session",
			"session_id", sess.ID, "call_id", call.CallID, "error", err)
	}

	log.Info("outbound call placed",
		"session_id", sess.ID, "call_id", call.CallID, "to", req.ToNumber)

	writeJSON(w, http.StatusOK, outboundResponse{
		SessionID:  sess.ID,
		CallID:     call.CallID,
		StreamURL:  s.streamURL(sess.ID),
		FromNumber: from,
		ToNumber:   req.ToNumber,
		Status:     "accepted",
	})
}

// validatedWebhookBody reads and signature-checks a webhook payload. A false
// return means the response has already been written and the payload must
// not be acted on.
func (s *Server) validatedWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	ctx := r.Context()
	name := s.cfg.Adapter.Name()

	if provider := r.PathValue("provider"); provider != name {
		writeError(w, http.StatusNotFound, "unknown telephony provider")
		return nil, false
	}
	body, err := readBody(w, r, maxWebhookBody)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}

	valid := s.cfg.Adapter.ValidateWebhook(r, body)
	s.metrics.RecordWebhookValidation(ctx, name, valid)
	if !valid {
		observe.Logger(ctx).Warn("webhook validation failed", "provider", name)
		writeError(w, http.StatusUnauthorized, "webhook validation failed")
		return nil, false
	}
	return body, true
}

// handleAnswerWebhook handles the provider's first webhook for a call. For
// inbound calls it creates the session; for every call it returns the
// answer document that starts the media stream.
func (s *Server) handleAnswerWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	body, ok := s.validatedWebhookBody(w, r)
	if !ok {
		return
	}
	ev, err := s.cfg.Adapter.ParseWebhook(r, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed webhook payload")
		return
	}

	// Providers with a single webhook URL deliver hangup events here too.
	if ev.State.Terminal() {
		s.finishCall(ctx, ev)
		w.WriteHeader(http.StatusOK)
		return
	}

	sessionID, mapped := s.cfg.Sessions.SessionForCall(ctx, ev.CallID)
	if !mapped {
		direction := ev.Direction
		if direction == "" {
			direction = "inbound"
		}
		sess, err := s.newCallSession(ctx, ev.From, ev.To, direction)
		if err != nil {
			log.Error("failed to create session for call",
				"call_id", ev.CallID, "error", err)
			if errors.Is(err, session.ErrStoreUnavailable) {
				writeError(w, http.StatusServiceUnavailable, "session store unavailable")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		sessionID = sess.ID
		if err := s.cfg.Sessions.MapCall(ctx, ev.CallID, sessionID); err != nil {
			log.Warn("failed to map call to session",
				"session_id", sessionID, "call_id", ev.CallID, "error", err)
		}
		log.Info("inbound call accepted",
			"session_id", sessionID, "call_id", ev.CallID, "from", ev.From)
	} else if ev.State == telephony.CallStateInProgress {
		// Repeat notification for a call that is already being bridged.
		w.WriteHeader(http.StatusOK)
		return
	}

	doc, err := s.cfg.Adapter.AnswerCall(ctx, ev.CallID, s.streamURL(sessionID))
	if err != nil {
		log.Error("failed to answer call",
			"session_id", sessionID, "call_id", ev.CallID, "error", err)
		s.cfg.Sessions.FailSession(ctx, sessionID, "answer failed: "+err.Error())
		writeError(w, http.StatusBadGateway, "failed to answer call")
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(doc.Body)
}

// handleStatusWebhook processes call lifecycle events. Terminal states tear
// the bridge down and close the session; everything else is acknowledged.
func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, ok := s.validatedWebhookBody(w, r)
	if !ok {
		return
	}
	ev, err := s.cfg.Adapter.ParseWebhook(r, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed webhook payload")
		return
	}
	if ev.State.Terminal() {
		s.finishCall(ctx, ev)
	} else {
		observe.Logger(ctx).Debug("call status update",
			"call_id", ev.CallID, "state", string(ev.State))
	}
	w.WriteHeader(http.StatusOK)
}

// finishCall tears down a finished call: the bridge stops first so no more
// audio or transcripts arrive, then the session is marked ENDED or FAILED.
func (s *Server) finishCall(ctx context.Context, ev telephony.WebhookEvent) {
	log := observe.Logger(ctx)

	sessionID, mapped := s.cfg.Sessions.SessionForCall(ctx, ev.CallID)
	if !mapped {
		log.Debug("status event for unmapped call", "call_id", ev.CallID)
		return
	}
	s.cfg.Bridges.Stop(sessionID)

	var err error
	if ev.State == telephony.CallStateFailed {
		reason := ev.Reason
		if reason == "" {
			reason = "call failed"
		}
		err = s.cfg.Sessions.FailSession(ctx, sessionID, reason)
	} else {
		err = s.cfg.Sessions.EndSession(ctx, sessionID)
	}
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		log.Warn("failed to close session for finished call",
			"session_id", sessionID, "call_id", ev.CallID, "error", err)
		return
	}
	log.Info("call finished",
		"session_id", sessionID, "call_id", ev.CallID, "state", string(ev.State))
}
