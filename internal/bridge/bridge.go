// Package bridge wires one live telephony call to one realtime speech
// provider session.
//
// A [Bridge] owns the call's full audio path. Caller audio arrives through
// [Bridge.HandleTelephonyAudio], is converted by the telephony adapter to
// PCM16 at the provider's input rate and forwarded to the provider session.
// Provider audio is converted back to the wire format and handed to the
// telephony layer through the configured send function. Transcript and
// function-call events are dispatched to [Callbacks]. When the provider
// session dies mid-call the bridge reconnects with bounded exponential
// backoff; once the attempt budget is exhausted it reports permanent failure
// through [Callbacks.OnConnectionFailed] and goes quiet.
//
// A Bridge is single use: once stopped it cannot be restarted. All exported
// methods are safe for concurrent use.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kraliki/voicebridge/internal/observe"
	"github.com/kraliki/voicebridge/pkg/audio"
	"github.com/kraliki/voicebridge/pkg/provider/realtime"
	"github.com/kraliki/voicebridge/pkg/store"
	"github.com/kraliki/voicebridge/pkg/telephony"
	"go.opentelemetry.io/otel/metric"
)

// ErrAlreadyRunning is returned by [Bridge.Start] when the bridge was
// already started, or was already stopped.
var ErrAlreadyRunning = errors.New("bridge: already running")

const (
	// defaultMaxReconnects is the number of provider reconnection attempts
	// before the bridge gives up on a call.
	defaultMaxReconnects = 10

	// defaultReconnectBackoff is the initial delay between reconnection
	// attempts.
	defaultReconnectBackoff = 1 * time.Second

	// defaultMaxReconnectBackoff caps the exponential backoff growth.
	defaultMaxReconnectBackoff = 30 * time.Second

	// defaultInboundBuffer is the capacity of the caller-to-provider audio
	// queue. At 20ms telephony framing this is about 1.3s of audio.
	defaultInboundBuffer = 64
)

// SendAudioFunc delivers provider-native media bytes back to the telephony
// leg, typically by writing a media frame to the provider's websocket. The
// bridge calls it from a single goroutine, in provider emission order.
type SendAudioFunc func(data []byte) error

// Callbacks are the hooks a bridge invokes as the conversation progresses.
// Any field may be nil. Callbacks run on the bridge's event goroutine and
// must not block for long; a slow callback stalls transcript delivery for
// that call.
type Callbacks struct {
	// OnTranscript receives each finalised utterance. The bridge stamps
	// SessionID, Sequence and Timestamp before invoking it; Sequence is
	// strictly increasing across the whole call, including reconnects.
	OnTranscript func(entry store.TranscriptEntry)

	// OnFunctionCall executes a tool invocation requested by the model and
	// returns the JSON result. Errors are reported back to the model by the
	// provider session; they never terminate the call.
	OnFunctionCall realtime.FunctionCallHandler

	// OnConnectionFailed fires once when the provider connection is lost for
	// good, after the reconnection budget is spent.
	OnConnectionFailed func(reason string)
}

// Config configures a [Bridge]. Adapter, Provider and SendAudio are
// required; everything else has a usable zero value.
type Config struct {
	// SessionID is the owning voice session, used in logs and stamped on
	// transcript entries.
	SessionID string

	// ProviderName identifies the speech provider in logs and metrics,
	// e.g. "openai".
	ProviderName string

	// Adapter converts between the telephony provider's wire format and
	// unified PCM16.
	Adapter telephony.Adapter

	// Provider dials realtime speech sessions.
	Provider realtime.Provider

	// SessionConfig is passed to the provider on every connect, including
	// reconnects.
	SessionConfig realtime.SessionConfig

	// SendAudio delivers outbound media to the telephony leg.
	SendAudio SendAudioFunc

	// Callbacks receive transcripts, function calls and failure notice.
	Callbacks Callbacks

	// Metrics records bridge instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MaxReconnects bounds reconnection attempts per outage. Defaults to 10.
	MaxReconnects int

	// ReconnectBackoff is the initial reconnection delay. Defaults to 1s.
	ReconnectBackoff time.Duration

	// MaxReconnectBackoff caps the backoff growth. Defaults to 30s.
	MaxReconnectBackoff time.Duration

	// InboundBuffer is the caller-to-provider audio queue capacity.
	// Defaults to 64 frames.
	InboundBuffer int
}

// Bridge relays audio and events between a telephony call and a realtime
// speech session.
type Bridge struct {
	cfg     Config
	metrics *observe.Metrics

	// inputRate and outputRate are the provider's PCM sample rates, read
	// once at construction.
	inputRate  int
	outputRate int

	// ctx governs the bridge lifetime; cancel is called by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	// inbound queues converted caller audio for the forwarding goroutine.
	inbound chan []byte

	mu      sync.Mutex
	session realtime.SessionHandle
	started bool
	closed  bool

	// counted pairs the ActiveBridges increment with its decrement in Stop.
	// started alone cannot: Start flips it before the provider connect, and
	// a Stop racing that connect must not decrement a gauge never raised.
	counted bool

	wg       sync.WaitGroup
	stopOnce sync.Once

	// nextSeq is the transcript sequence counter. Only the event goroutine
	// touches it, which is what makes the stamped values strictly increasing.
	nextSeq int
}

// New creates a bridge for one call. The bridge does not touch the network
// until [Bridge.Start].
func New(cfg Config) *Bridge {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if cfg.MaxReconnectBackoff <= 0 {
		cfg.MaxReconnectBackoff = defaultMaxReconnectBackoff
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = defaultInboundBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:     cfg,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		inbound: make(chan []byte, cfg.InboundBuffer),
	}
	if cfg.Provider != nil {
		caps := cfg.Provider.Capabilities()
		b.inputRate = caps.InputSampleRate
		b.outputRate = caps.OutputSampleRate
	}
	return b
}

// Start connects the provider session and launches the forwarding
// goroutines. It returns [ErrAlreadyRunning] on a second call. A failed
// connect leaves the bridge startable again.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.Provider == nil || b.cfg.Adapter == nil || b.cfg.SendAudio == nil {
		return errors.New("bridge: provider, adapter and send function are required")
	}

	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.started = true
	b.mu.Unlock()

	sess, err := b.cfg.Provider.Connect(ctx, b.cfg.SessionConfig)
	if err != nil {
		b.mu.Lock()
		b.started = false
		b.mu.Unlock()
		return fmt.Errorf("bridge: connect %s: %w", b.cfg.ProviderName, err)
	}
	sess.OnFunctionCall(b.dispatchFunctionCall)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sess.Close()
		return ErrAlreadyRunning
	}
	b.session = sess
	b.counted = true
	b.metrics.ActiveBridges.Add(b.ctx, 1)
	b.mu.Unlock()

	slog.Info("bridge started",
		"session_id", b.cfg.SessionID,
		"provider", b.cfg.ProviderName,
		"input_rate", b.inputRate,
		"output_rate", b.outputRate)

	b.wg.Go(b.forwardInbound)
	b.wg.Go(b.run)
	return nil
}

// Stop tears the bridge down: it cancels the internal context, closes the
// provider session and waits for all forwarding goroutines to exit. It is
// idempotent and safe to call from any goroutine.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		counted := b.counted
		b.counted = false
		b.closed = true
		sess := b.session
		b.session = nil
		b.mu.Unlock()

		b.cancel()
		if sess != nil {
			if err := sess.Close(); err != nil {
				slog.Debug("session close failed",
					"session_id", b.cfg.SessionID, "error", err)
			}
		}
		b.wg.Wait()

		if counted {
			b.metrics.ActiveBridges.Add(context.Background(), -1)
			slog.Info("bridge stopped", "session_id", b.cfg.SessionID)
		}
	})
}

// HandleTelephonyAudio accepts one caller media frame in the telephony
// provider's wire format. It never blocks: when the inbound queue is full
// the frame is dropped with a debug log. Conversion failures drop the frame
// too; a single bad frame must never terminate a call.
func (b *Bridge) HandleTelephonyAudio(data []byte) {
	chunk, err := b.cfg.Adapter.AudioFromWire(data, b.inputRate)
	if err != nil {
		slog.Warn("inbound audio conversion failed",
			"session_id", b.cfg.SessionID, "error", err)
		return
	}
	select {
	case b.inbound <- chunk.Data:
	default:
		slog.Debug("inbound audio dropped",
			"session_id", b.cfg.SessionID, "reason", "buffer full")
	}
}

// forwardInbound drains the inbound queue into the current provider
// session. Frames arriving while no session is up (mid reconnect) are
// dropped; realtime audio is useless once stale.
func (b *Bridge) forwardInbound() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case pcm := <-b.inbound:
			sess := b.currentSession()
			if sess == nil {
				slog.Debug("inbound audio dropped",
					"session_id", b.cfg.SessionID, "reason", "provider disconnected")
				continue
			}
			if err := sess.SendAudio(pcm); err != nil {
				slog.Debug("provider rejected audio frame",
					"session_id", b.cfg.SessionID, "error", err)
				continue
			}
			b.metrics.RecordAudioFrame(b.ctx, "inbound")
		}
	}
}

// run owns the provider-to-telephony direction for the bridge's lifetime.
// It pumps one session until its channels close, then decides between a
// clean exit and a reconnection cycle.
func (b *Bridge) run() {
	for {
		sess := b.currentSession()
		if sess == nil {
			return
		}
		b.pumpSession(sess)

		if b.ctx.Err() != nil {
			return
		}
		err := sess.Err()
		if err == nil {
			// The provider ended the stream without reporting a fault. The
			// caller is still on the line, so treat it as an outage.
			err = errors.New("provider closed the session")
		}
		slog.Warn("realtime session lost",
			"session_id", b.cfg.SessionID,
			"provider", b.cfg.ProviderName,
			"error", err)
		b.metrics.RecordProviderError(b.ctx, b.cfg.ProviderName, "session_lost")
		_ = sess.Close()
		b.setSession(nil)

		next, ok := b.reconnect(err)
		if !ok {
			return
		}
		next.OnFunctionCall(b.dispatchFunctionCall)
		if !b.setSession(next) {
			// Stopped while the reconnect was in flight.
			_ = next.Close()
			return
		}
	}
}

// pumpSession forwards one session's audio and events until the session
// closes its channels or the bridge is stopped.
func (b *Bridge) pumpSession(sess realtime.SessionHandle) {
	audioCh := sess.Audio()
	events := sess.Events()

	var pumps sync.WaitGroup
	pumps.Go(func() { b.forwardOutbound(audioCh) })
	defer pumps.Wait()

	for {
		select {
		case <-b.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			b.handleEvent(evt)
		}
	}
}

// forwardOutbound converts provider audio to the wire format and hands it to
// the telephony leg. A single goroutine per session keeps emission order.
func (b *Bridge) forwardOutbound(src <-chan []byte) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case chunk, ok := <-src:
			if !ok {
				return
			}
			wire, err := b.cfg.Adapter.AudioToWire(audio.AudioChunk{
				Data:       chunk,
				Format:     audio.FormatPCM16,
				SampleRate: b.outputRate,
			})
			if err != nil {
				slog.Warn("outbound audio conversion failed",
					"session_id", b.cfg.SessionID, "error", err)
				continue
			}
			if err := b.cfg.SendAudio(wire); err != nil {
				slog.Debug("telephony audio delivery failed",
					"session_id", b.cfg.SessionID, "error", err)
				continue
			}
			b.metrics.RecordAudioFrame(b.ctx, "outbound")
		}
	}
}

// handleEvent dispatches one provider event. Runs on the event goroutine.
func (b *Bridge) handleEvent(evt realtime.Event) {
	switch evt.Type {
	case realtime.EventTranscript:
		if !evt.Final {
			return
		}
		entry := store.TranscriptEntry{
			SessionID:  b.cfg.SessionID,
			Sequence:   b.nextSeq,
			Speaker:    evt.Role,
			Content:    evt.Text,
			Confidence: evt.Confidence,
			Timestamp:  time.Now().UTC(),
		}
		b.nextSeq++
		if b.cfg.Callbacks.OnTranscript != nil {
			b.cfg.Callbacks.OnTranscript(entry)
		}
	case realtime.EventFailed:
		// The session closes its channels right after emitting this; the
		// cause is picked up from Err once the pump drains.
	}
}

// dispatchFunctionCall runs the configured function-call callback on behalf
// of the provider session. A missing handler is reported to the model as an
// error result rather than crashing the call.
func (b *Bridge) dispatchFunctionCall(callID, name, args string) (string, error) {
	if b.cfg.Callbacks.OnFunctionCall == nil {
		slog.Warn("function call with no handler configured",
			"session_id", b.cfg.SessionID, "function", name)
		return "", errors.New("bridge: no function handler configured")
	}
	slog.Info("dispatching function call",
		"session_id", b.cfg.SessionID, "function", name, "call_id", callID)
	result, err := b.cfg.Callbacks.OnFunctionCall(callID, name, args)
	if err != nil {
		slog.Warn("function call failed",
			"session_id", b.cfg.SessionID, "function", name, "error", err)
		return "", err
	}
	return result, nil
}

// reconnect re-dials the provider with exponential backoff. It returns the
// new session, or false when the bridge stopped or the attempt budget ran
// out. Exhaustion is reported through OnConnectionFailed exactly once.
func (b *Bridge) reconnect(cause error) (realtime.SessionHandle, bool) {
	backoff := b.cfg.ReconnectBackoff
	lastErr := cause

	for attempt := 1; attempt <= b.cfg.MaxReconnects; attempt++ {
		if b.ctx.Err() != nil {
			return nil, false
		}
		slog.Info("attempting provider reconnection",
			"session_id", b.cfg.SessionID,
			"provider", b.cfg.ProviderName,
			"state", string(realtime.EventReconnecting),
			"attempt", attempt,
			"max_attempts", b.cfg.MaxReconnects,
			"backoff", backoff)
		b.metrics.ProviderReconnects.Add(b.ctx, 1,
			metric.WithAttributes(observe.Attr("provider", b.cfg.ProviderName)))

		sess, err := b.cfg.Provider.Connect(b.ctx, b.cfg.SessionConfig)
		if err == nil {
			slog.Info("provider reconnection successful",
				"session_id", b.cfg.SessionID,
				"provider", b.cfg.ProviderName,
				"state", string(realtime.EventReconnected),
				"attempt", attempt)
			return sess, true
		}
		lastErr = err
		slog.Warn("reconnection attempt failed",
			"session_id", b.cfg.SessionID,
			"attempt", attempt,
			"error", err)

		select {
		case <-b.ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.cfg.MaxReconnectBackoff {
			backoff = b.cfg.MaxReconnectBackoff
		}
	}

	slog.Error("reconnection failed after max retries",
		"session_id", b.cfg.SessionID,
		"provider", b.cfg.ProviderName,
		"max_attempts", b.cfg.MaxReconnects)
	b.fail(fmt.Sprintf("provider reconnection exhausted after %d attempts: %v",
		b.cfg.MaxReconnects, lastErr))
	return nil, false
}

// fail reports permanent connection loss.
func (b *Bridge) fail(reason string) {
	slog.Error("bridge connection failed",
		"session_id", b.cfg.SessionID,
		"provider", b.cfg.ProviderName,
		"state", string(realtime.EventFailed),
		"reason", reason)
	if b.cfg.Callbacks.OnConnectionFailed != nil {
		b.cfg.Callbacks.OnConnectionFailed(reason)
	}
}

func (b *Bridge) currentSession() realtime.SessionHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// setSession swaps the active session. It reports false once the bridge is
// closed so callers can release sessions Stop will never see.
func (b *Bridge) setSession(sess realtime.SessionHandle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.session = sess
	return true
}
