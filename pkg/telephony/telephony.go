// Package telephony defines the provider-agnostic capability set for the
// phone leg of a call: placing outbound calls, producing answer documents
// that open a media stream, tearing calls down, validating webhook
// signatures, and transcoding between the provider's wire audio format and
// the bridge's unified PCM16 representation.
//
// Concrete adapters live in subpackages (twilio, telnyx) and are selected
// through the config registry at startup. All implementations must be safe
// for concurrent use — one adapter instance serves every call of its
// provider.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kraliki/voicebridge/pkg/audio"
)

// ErrWebhookValidation indicates a webhook request whose signature or
// timestamp check failed. The HTTP boundary responds 401 and must not
// process the payload.
var ErrWebhookValidation = errors.New("telephony: webhook validation failed")

// CallParams describes an outbound call request.
type CallParams struct {
	// From is the caller number in E.164 form.
	From string

	// To is the destination number in E.164 form.
	To string

	// StreamURL is the websocket endpoint the provider connects its media
	// stream to once the call is answered.
	StreamURL string

	// StatusCallbackURL receives call status events (ringing, answered,
	// completed). Optional.
	StatusCallbackURL string
}

// CallState is the normalized call lifecycle state across providers.
type CallState string

const (
	CallStateQueued     CallState = "queued"
	CallStateRinging    CallState = "ringing"
	CallStateInProgress CallState = "in_progress"
	CallStateCompleted  CallState = "completed"
	CallStateFailed     CallState = "failed"
)

// Terminal reports whether no further state changes can occur for the call.
func (s CallState) Terminal() bool {
	return s == CallStateCompleted || s == CallStateFailed
}

// CallInfo reports the provider-assigned identity and state of a placed call.
type CallInfo struct {
	CallID string
	State  CallState
}

// AnswerDocument is the provider-specific call-control instruction returned
// to an answer webhook: TwiML for Twilio, a JSON command set for Telnyx.
type AnswerDocument struct {
	ContentType string
	Body        []byte
}

// WebhookEvent is one provider call event normalized for routing. The HTTP
// boundary uses CallID to find the session and State to decide lifecycle
// actions; the remaining fields annotate new inbound sessions.
type WebhookEvent struct {
	// CallID is the provider call identifier the event refers to.
	CallID string

	// State is the normalized call state carried by the event.
	State CallState

	// From and To are the call's numbers, when the payload carries them.
	From string
	To   string

	// Direction is "inbound" or "outbound", when the payload carries it.
	Direction string

	// Reason describes why a call reached CallStateFailed, e.g. "busy" or a
	// hangup cause. Empty otherwise.
	Reason string
}

// Adapter is the capability set implemented per telephony provider.
type Adapter interface {
	// Name returns the provider identifier, e.g. "twilio".
	Name() string

	// SetupCall places an outbound call via the provider's REST API. It does
	// not retry on failure — the caller decides retry policy. A non-2xx
	// response surfaces as a *ProviderError.
	SetupCall(ctx context.Context, params CallParams) (CallInfo, error)

	// AnswerCall returns the instruction document that tells the provider to
	// open a bidirectional media stream to streamURL for the given call.
	AnswerCall(ctx context.Context, callID, streamURL string) (AnswerDocument, error)

	// EndCall requests call termination. Idempotent: ending a call that has
	// already ended is not an error.
	EndCall(ctx context.Context, callID string) error

	// ValidateWebhook verifies the provider's signature over the request.
	// It never returns an error; any verification failure (missing header,
	// malformed signature, stale timestamp) yields false.
	ValidateWebhook(r *http.Request, body []byte) bool

	// ParseWebhook extracts the normalized call event from a webhook request.
	// It assumes the payload already passed ValidateWebhook and performs no
	// network I/O.
	ParseWebhook(r *http.Request, body []byte) (WebhookEvent, error)

	// AudioFromWire converts provider-native media bytes to a unified PCM16
	// chunk resampled to unifiedRate. The rate varies per session with the
	// speech provider on the other leg.
	AudioFromWire(data []byte, unifiedRate int) (audio.AudioChunk, error)

	// AudioToWire converts a unified PCM16 chunk to provider-native media
	// bytes at the provider's telephony rate.
	AudioToWire(chunk audio.AudioChunk) ([]byte, error)
}

// ProviderError reports a failed REST exchange with a telephony provider.
// It is surfaced to the caller of SetupCall/EndCall and never retried
// internally.
type ProviderError struct {
	// Provider is the adapter name.
	Provider string

	// Op is the failed operation, e.g. "setup call".
	Op string

	// StatusCode is the HTTP status of the provider response, or 0 for
	// transport-level failures.
	StatusCode int

	// Body is a truncated copy of the provider response body.
	Body string

	// Err is the underlying transport error, if any.
	Err error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("telephony: %s: %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("telephony: %s: %s: status %d: %s", e.Provider, e.Op, e.StatusCode, e.Body)
}

func (e *ProviderError) Unwrap() error { return e.Err }
