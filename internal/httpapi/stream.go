package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kraliki/voicebridge/internal/bridge"
	"github.com/kraliki/voicebridge/internal/observe"
	"github.com/kraliki/voicebridge/internal/session"
	"github.com/kraliki/voicebridge/pkg/provider/realtime"
	"github.com/kraliki/voicebridge/pkg/store"
	"github.com/kraliki/voicebridge/pkg/telephony"
)

// maxStreamFrame bounds a single websocket message on the media stream.
// Frames carry 20ms of base64 wire audio plus envelope, far below this.
const maxStreamFrame = 64 << 10

// endSessionTimeout bounds the final session write after the stream closes;
// the request context is already canceled by then.
const endSessionTimeout = 5 * time.Second

// handleMediaStream accepts the telephony provider's media websocket for one
// session and runs the audio bridge for the duration of the call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)
	sessionID := r.PathValue("sessionID")

	sess, err := s.cfg.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.Status.Terminal() {
		writeError(w, http.StatusConflict, "session already finished")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn("media stream upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	log.Info("media stream connected", "session_id", sessionID)

	ms := &mediaStream{srv: s, conn: conn, sess: sess}
	ms.run(ctx)
}

// mediaStream is the server side of one call's media websocket. It decodes
// the provider's stream envelope, feeds caller audio into the bridge, and
// writes synthesized audio back. The bridge is created lazily on the start
// event because only that event carries the stream id needed for writes.
type mediaStream struct {
	srv  *Server
	conn *websocket.Conn
	sess *store.Session

	// writeMu serialises writes; the websocket allows only one writer.
	writeMu sync.Mutex

	mu        sync.Mutex
	streamSID string

	bridge  *bridge.Bridge
	counted bool
}

func (c *mediaStream) run(ctx context.Context) {
	log := observe.Logger(ctx)
	c.conn.SetReadLimit(maxStreamFrame)
	defer c.teardown(ctx)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("media stream read ended",
					"session_id", c.sess.ID, "error", err)
			}
			return
		}
		var msg telephony.StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("unparseable stream message", "session_id", c.sess.ID, "error", err)
			continue
		}

		switch msg.Event {
		case telephony.StreamEventConnected:
			log.Debug("media stream handshake", "session_id", c.sess.ID)
		case telephony.StreamEventStart:
			if err := c.handleStart(ctx, msg); err != nil {
				log.Error("failed to start bridge",
					"session_id", c.sess.ID, "error", err)
				return
			}
		case telephony.StreamEventMedia:
			c.handleMedia(ctx, msg)
		case telephony.StreamEventDTMF:
			if msg.DTMF != nil {
				log.Info("dtmf received",
					"session_id", c.sess.ID, "digit", msg.DTMF.Digit)
			}
		case telephony.StreamEventMark:
			// Playback checkpoints are not tracked.
		case telephony.StreamEventStop:
			log.Info("media stream stopped", "session_id", c.sess.ID)
			return
		default:
			log.Debug("unknown stream event",
				"session_id", c.sess.ID, "event", msg.Event)
		}
	}
}

// handleStart connects the speech provider and starts the bridge once the
// provider announces the stream.
func (c *mediaStream) handleStart(ctx context.Context, msg telephony.StreamMessage) error {
	log := observe.Logger(ctx)
	srv := c.srv
	sessionID := c.sess.ID

	if c.bridge != nil {
		log.Debug("duplicate stream start event", "session_id", sessionID)
		return nil
	}

	streamSID := msg.StreamSID
	var callSID string
	if msg.Start != nil {
		if msg.Start.StreamSID != "" {
			streamSID = msg.Start.StreamSID
		}
		callSID = msg.Start.CallSID
	}
	c.mu.Lock()
	c.streamSID = streamSID
	c.mu.Unlock()

	// Inbound calls may reach the stream before the answer webhook stored
	// the mapping; the start event is the authoritative correlation.
	if callSID != "" {
		if _, ok := srv.cfg.Sessions.SessionForCall(ctx, callSID); !ok {
			if err := srv.cfg.Sessions.MapCall(ctx, callSID, sessionID); err != nil {
				log.Warn("failed to map call to session",
					"session_id", sessionID, "call_id", callSID, "error", err)
			}
		}
	}

	sc := realtime.SessionConfig{
		Model:        c.sess.ProviderModel,
		Voice:        srv.cfg.Voice,
		SystemPrompt: c.sess.SystemPrompt,
		Temperature:  c.sess.Temperature,
	}
	if srv.cfg.Tools != nil {
		sc.Tools = srv.cfg.Tools()
	}
	var cb bridge.Callbacks
	if srv.cfg.Callbacks != nil {
		cb = srv.cfg.Callbacks(sessionID)
	}

	b := bridge.New(bridge.Config{
		SessionID:     sessionID,
		ProviderName:  string(c.sess.ProviderType),
		Adapter:       srv.cfg.Adapter,
		Provider:      srv.cfg.Provider,
		SessionConfig: sc,
		SendAudio:     c.sendAudio,
		Callbacks:     cb,
		Metrics:       srv.metrics,
	})
	if err := b.Start(ctx); err != nil {
		srv.cfg.Sessions.FailSession(ctx, sessionID, "provider connect failed: "+err.Error())
		return err
	}
	c.bridge = b
	srv.cfg.Bridges.Register(sessionID, b)

	if err := srv.cfg.Sessions.StartSession(ctx, sessionID); err != nil {
		// The bridge is already up; keep serving audio even if the state
		// write lost a race with a concurrent webhook.
		log.Warn("failed to mark session active",
			"session_id", sessionID, "error", err)
	}
	srv.metrics.ActiveSessions.Add(ctx, 1)
	c.counted = true

	log.Info("bridge started",
		"session_id", sessionID, "stream_sid", streamSID, "call_id", callSID)
	return nil
}

// handleMedia forwards one frame of caller audio into the bridge.
func (c *mediaStream) handleMedia(ctx context.Context, msg telephony.StreamMessage) {
	if msg.Media == nil || msg.Media.Payload == "" {
		return
	}
	// The provider may mirror our own synthesized audio on the outbound
	// track; only caller audio goes to the speech provider.
	if msg.Media.Track == "outbound" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		observe.Logger(ctx).Debug("undecodable media payload",
			"session_id", c.sess.ID, "error", err)
		return
	}
	if c.bridge == nil {
		return
	}
	c.bridge.HandleTelephonyAudio(data)
}

// sendAudio writes one frame of synthesized audio to the caller. It is the
// bridge's outbound path and runs on the bridge's goroutine.
func (c *mediaStream) sendAudio(data []byte) error {
	c.mu.Lock()
	streamSID := c.streamSID
	c.mu.Unlock()
	if streamSID == "" {
		return errors.New("httpapi: media stream not started")
	}

	msg := telephony.StreamMessage{
		Event:     telephony.StreamEventMedia,
		StreamSID: streamSID,
		Media: &telephony.StreamMedia{
			Payload: base64.StdEncoding.EncodeToString(data),
		},
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// teardown stops the bridge before the final session write so no transcript
// or audio lands after the session is closed.
func (c *mediaStream) teardown(ctx context.Context) {
	log := observe.Logger(ctx)
	sessionID := c.sess.ID

	if c.bridge != nil {
		c.srv.cfg.Bridges.Stop(sessionID)
	}
	c.conn.Close()

	endCtx, cancel := context.WithTimeout(context.Background(), endSessionTimeout)
	defer cancel()
	if err := c.srv.cfg.Sessions.EndSession(endCtx, sessionID); err != nil &&
		!errors.Is(err, session.ErrSessionNotFound) {
		log.Warn("failed to end session after stream close",
			"session_id", sessionID, "error", err)
	}

	if c.counted {
		c.srv.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	log.Info("media stream closed", "session_id", sessionID)
}
