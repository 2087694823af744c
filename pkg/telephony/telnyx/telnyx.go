// Package telnyx implements the telephony adapter for Telnyx Call Control.
// Calls are driven through the v2 REST API with bearer authentication, media
// flows over a bidirectional PCMU stream, and webhooks are authenticated
// with Telnyx's Ed25519 signature scheme.
package telnyx

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kraliki/voicebridge/pkg/audio"
	"github.com/kraliki/voicebridge/pkg/telephony"
)

const (
	defaultBaseURL = "https://api.telnyx.com/v2"

	// wireRate is the sample rate of Telnyx PCMU media streams.
	wireRate = 8000

	maxErrorBody = 512

	// signatureTolerance is the maximum accepted webhook timestamp skew.
	signatureTolerance = 5 * time.Minute
)

// Adapter talks to the Telnyx Call Control API and validates Telnyx webhooks.
type Adapter struct {
	apiKey       string
	connectionID string
	baseURL      string
	publicKey    ed25519.PublicKey
	httpClient   *http.Client
}

var _ telephony.Adapter = (*Adapter)(nil)

// Option configures the adapter.
type Option func(*Adapter)

// WithBaseURL overrides the Telnyx API endpoint. Used in tests.
func WithBaseURL(u string) Option {
	return func(a *Adapter) {
		a.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithWebhookPublicKey sets the account public key used to verify webhook
// signatures. Without it every webhook fails validation.
func WithWebhookPublicKey(key ed25519.PublicKey) Option {
	return func(a *Adapter) {
		a.publicKey = key
	}
}

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = c
	}
}

// New creates a Telnyx adapter. connectionID names the Call Control
// application outbound calls are placed through.
func New(apiKey, connectionID string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:       apiKey,
		connectionID: connectionID,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements telephony.Adapter.
func (a *Adapter) Name() string { return "telnyx" }

type createCallRequest struct {
	ConnectionID             string `json:"connection_id"`
	To                       string `json:"to"`
	From                     string `json:"from"`
	StreamURL                string `json:"stream_url,omitempty"`
	StreamTrack              string `json:"stream_track,omitempty"`
	StreamBidirectionalMode  string `json:"stream_bidirectional_mode,omitempty"`
	StreamBidirectionalCodec string `json:"stream_bidirectional_codec,omitempty"`
	WebhookURL               string `json:"webhook_url,omitempty"`
}

type answerCallRequest struct {
	StreamURL                string `json:"stream_url,omitempty"`
	StreamTrack              string `json:"stream_track,omitempty"`
	StreamBidirectionalMode  string `json:"stream_bidirectional_mode,omitempty"`
	StreamBidirectionalCodec string `json:"stream_bidirectional_codec,omitempty"`
}

type callEnvelope struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
		CallLegID     string `json:"call_leg_id"`
		IsAlive       bool   `json:"is_alive"`
	} `json:"data"`
}

type apiError struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// SetupCall places an outbound call with bidirectional PCMU streaming to
// params.StreamURL.
func (a *Adapter) SetupCall(ctx context.Context, params telephony.CallParams) (telephony.CallInfo, error) {
	// inbound_track only: the bridge must not hear its own synthesized audio
	// echoed back through the stream.
	req := createCallRequest{
		ConnectionID:             a.connectionID,
		To:                       params.To,
		From:                     params.From,
		StreamURL:                params.StreamURL,
		StreamTrack:              "inbound_track",
		StreamBidirectionalMode:  "rtp",
		StreamBidirectionalCodec: "PCMU",
		WebhookURL:               params.StatusCallbackURL,
	}

	var env callEnvelope
	if err := a.do(ctx, "setup call", "/calls", req, &env); err != nil {
		return telephony.CallInfo{}, err
	}
	return telephony.CallInfo{CallID: env.Data.CallControlID, State: telephony.CallStateQueued}, nil
}

// AnswerCall answers an inbound call and starts bidirectional streaming to
// streamURL. Telnyx takes call-control commands over REST rather than from
// the webhook response, so the returned document is only the 200 ack body.
// Answering a call that is already answered is not an error; webhook
// deliveries are retried and must stay idempotent.
func (a *Adapter) AnswerCall(ctx context.Context, callID, streamURL string) (telephony.AnswerDocument, error) {
	req := answerCallRequest{
		StreamURL:                streamURL,
		StreamTrack:              "inbound_track",
		StreamBidirectionalMode:  "rtp",
		StreamBidirectionalCodec: "PCMU",
	}
	err := a.do(ctx, "answer call", fmt.Sprintf("/calls/%s/actions/answer", callID), req, nil)
	var perr *telephony.ProviderError
	if errors.As(err, &perr) && perr.StatusCode == http.StatusUnprocessableEntity {
		err = nil
	}
	if err != nil {
		return telephony.AnswerDocument{}, err
	}
	return telephony.AnswerDocument{
		ContentType: "application/json",
		Body:        []byte(`{}`),
	}, nil
}

// EndCall hangs up a call. Calls that have already ended or that Telnyx no
// longer knows about are not an error.
func (a *Adapter) EndCall(ctx context.Context, callID string) error {
	err := a.do(ctx, "end call", fmt.Sprintf("/calls/%s/actions/hangup", callID), struct{}{}, nil)
	var perr *telephony.ProviderError
	if errors.As(err, &perr) {
		switch perr.StatusCode {
		case http.StatusNotFound, http.StatusUnprocessableEntity:
			return nil
		}
	}
	return err
}

// ValidateWebhook verifies the telnyx-signature-ed25519 header: an Ed25519
// signature over "timestamp|body". Timestamps older or newer than the
// tolerance are rejected.
func (a *Adapter) ValidateWebhook(r *http.Request, body []byte) bool {
	if len(a.publicKey) != ed25519.PublicKeySize {
		return false
	}
	sigB64 := r.Header.Get("Telnyx-Signature-Ed25519")
	ts := r.Header.Get("Telnyx-Timestamp")
	if sigB64 == "" || ts == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if skew := time.Since(time.Unix(sec, 0)); skew > signatureTolerance || skew < -signatureTolerance {
		return false
	}

	payload := make([]byte, 0, len(ts)+1+len(body))
	payload = append(payload, ts...)
	payload = append(payload, '|')
	payload = append(payload, body...)
	return ed25519.Verify(a.publicKey, payload, sig)
}

// AudioFromWire decodes 8 kHz PCMU media into PCM16 at unifiedRate.
func (a *Adapter) AudioFromWire(data []byte, unifiedRate int) (audio.AudioChunk, error) {
	return audio.TelephonyToUnified(data, audio.FormatULaw, wireRate, unifiedRate)
}

// AudioToWire encodes a PCM16 chunk as 8 kHz PCMU media.
func (a *Adapter) AudioToWire(chunk audio.AudioChunk) ([]byte, error) {
	return audio.UnifiedToTelephony(chunk, audio.FormatULaw, wireRate)
}

// webhookEnvelope is the subset of a Telnyx call webhook the bridge reacts to.
type webhookEnvelope struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			HangupCause   string `json:"hangup_cause"`
			From          string `json:"from"`
			To            string `json:"to"`
			Direction     string `json:"direction"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseWebhook extracts the call event from a Telnyx Call Control webhook.
// Every event type for a connection arrives at the same URL; unrecognized
// event types map to the queued state so the boundary can ack them without
// lifecycle effects.
func (a *Adapter) ParseWebhook(_ *http.Request, body []byte) (telephony.WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return telephony.WebhookEvent{}, fmt.Errorf("telnyx: parse webhook: %w", err)
	}
	p := env.Data.Payload
	if p.CallControlID == "" {
		return telephony.WebhookEvent{}, errors.New("telnyx: parse webhook: missing call_control_id")
	}

	ev := telephony.WebhookEvent{
		CallID: p.CallControlID,
		State:  mapEventType(env.Data.EventType, p.HangupCause),
		From:   p.From,
		To:     p.To,
	}
	if ev.State == telephony.CallStateFailed {
		ev.Reason = p.HangupCause
	}
	switch p.Direction {
	case "incoming":
		ev.Direction = "inbound"
	case "outgoing":
		ev.Direction = "outbound"
	}
	return ev, nil
}

// mapEventType normalizes a Telnyx event type to a call state.
func mapEventType(eventType, hangupCause string) telephony.CallState {
	switch eventType {
	case "call.initiated":
		return telephony.CallStateQueued
	case "call.answered", "call.bridged":
		return telephony.CallStateInProgress
	case "call.hangup":
		switch hangupCause {
		case "", "normal_clearing", "originator_cancel":
			return telephony.CallStateCompleted
		default:
			return telephony.CallStateFailed
		}
	default:
		return telephony.CallStateQueued
	}
}

// do posts a JSON payload to the Telnyx API and decodes the response into
// out.
func (a *Adapter) do(ctx context.Context, op, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &telephony.ProviderError{Provider: "telnyx", Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &telephony.ProviderError{Provider: "telnyx", Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &telephony.ProviderError{Provider: "telnyx", Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := string(raw)
		var aerr apiError
		if json.Unmarshal(raw, &aerr) == nil && len(aerr.Errors) > 0 {
			msg = fmt.Sprintf("%s: %s", aerr.Errors[0].Code, aerr.Errors[0].Title)
		}
		return &telephony.ProviderError{Provider: "telnyx", Op: op, StatusCode: resp.StatusCode, Body: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &telephony.ProviderError{Provider: "telnyx", Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
