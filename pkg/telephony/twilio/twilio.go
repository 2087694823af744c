// Package twilio implements the telephony adapter for Twilio Programmable
// Voice. Outbound calls are placed through the 2010-04-01 REST API with
// inline TwiML that connects a bidirectional media stream, and webhooks are
// authenticated with the X-Twilio-Signature HMAC-SHA1 scheme.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/kraliki/voicebridge/pkg/audio"
	"github.com/kraliki/voicebridge/pkg/telephony"
)

const (
	defaultBaseURL = "https://api.twilio.com/2010-04-01"

	// wireRate is the sample rate of Twilio media streams. Streams always
	// carry 8 kHz mono mu-law.
	wireRate = 8000

	// maxErrorBody caps how much of a provider error response is kept.
	maxErrorBody = 512
)

// streamTwiML connects the answered call to a bidirectional media stream.
const streamTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s">
            <Parameter name="direction" value="both"/>
        </Stream>
    </Connect>
</Response>`

// Adapter talks to the Twilio REST API and validates Twilio webhooks.
type Adapter struct {
	accountSID    string
	authToken     string
	baseURL       string
	publicBaseURL string
	httpClient    *http.Client
}

var _ telephony.Adapter = (*Adapter)(nil)

// Option configures the adapter.
type Option func(*Adapter)

// WithBaseURL overrides the Twilio API endpoint. Used in tests.
func WithBaseURL(u string) Option {
	return func(a *Adapter) {
		a.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithPublicBaseURL sets the externally visible base URL of this service.
// Webhook signatures are computed over the public URL, so validation fails
// without it.
func WithPublicBaseURL(u string) Option {
	return func(a *Adapter) {
		a.publicBaseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = c
	}
}

// New creates a Twilio adapter with the given account credentials.
func New(accountSID, authToken string, opts ...Option) *Adapter {
	a := &Adapter{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements telephony.Adapter.
func (a *Adapter) Name() string { return "twilio" }

// callResource is the subset of the Twilio call resource the adapter reads.
type callResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// apiError is the JSON body Twilio returns for failed requests.
type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// SetupCall places an outbound call. The call carries inline TwiML so that
// Twilio opens the media stream to params.StreamURL as soon as the callee
// answers, without a round trip to an answer webhook.
func (a *Adapter) SetupCall(ctx context.Context, params telephony.CallParams) (telephony.CallInfo, error) {
	form := url.Values{}
	form.Set("To", params.To)
	form.Set("From", params.From)
	form.Set("Twiml", fmt.Sprintf(streamTwiML, params.StreamURL))
	if params.StatusCallbackURL != "" {
		form.Set("StatusCallback", params.StatusCallbackURL)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	var call callResource
	if err := a.do(ctx, "setup call", fmt.Sprintf("/Accounts/%s/Calls.json", a.accountSID), form, &call); err != nil {
		return telephony.CallInfo{}, err
	}
	return telephony.CallInfo{CallID: call.SID, State: MapCallStatus(call.Status)}, nil
}

// AnswerCall returns the TwiML that connects an inbound call to the media
// stream at streamURL.
func (a *Adapter) AnswerCall(_ context.Context, _ string, streamURL string) (telephony.AnswerDocument, error) {
	return telephony.AnswerDocument{
		ContentType: "text/xml",
		Body:        []byte(fmt.Sprintf(streamTwiML, streamURL)),
	}, nil
}

// EndCall hangs up a call by updating its status to completed. Calls that
// Twilio no longer knows about are treated as already ended.
func (a *Adapter) EndCall(ctx context.Context, callID string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	err := a.do(ctx, "end call", fmt.Sprintf("/Accounts/%s/Calls/%s.json", a.accountSID, callID), form, nil)
	var perr *telephony.ProviderError
	if errors.As(err, &perr) && perr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// ValidateWebhook checks the X-Twilio-Signature header: base64 HMAC-SHA1
// over the full public request URL followed by the POST parameters sorted
// by name, keyed with the account auth token.
func (a *Adapter) ValidateWebhook(r *http.Request, body []byte) bool {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" || a.publicBaseURL == "" {
		return false
	}

	var b strings.Builder
	b.WriteString(a.publicBaseURL)
	b.WriteString(r.URL.RequestURI())
	if len(body) > 0 && isFormEncoded(r) {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return false
		}
		keys := make([]string, 0, len(form))
		for k := range form {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range form[k] {
				b.WriteString(k)
				b.WriteString(v)
			}
		}
	}

	mac := hmac.New(sha1.New, []byte(a.authToken))
	mac.Write([]byte(b.String()))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}

// ParseWebhook extracts the call event from a Twilio webhook. Voice and
// status-callback webhooks share one form vocabulary: CallSid, CallStatus,
// From, To and Direction.
func (a *Adapter) ParseWebhook(_ *http.Request, body []byte) (telephony.WebhookEvent, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return telephony.WebhookEvent{}, fmt.Errorf("twilio: parse webhook: %w", err)
	}
	callID := form.Get("CallSid")
	if callID == "" {
		return telephony.WebhookEvent{}, errors.New("twilio: parse webhook: missing CallSid")
	}

	status := form.Get("CallStatus")
	ev := telephony.WebhookEvent{
		CallID: callID,
		State:  MapCallStatus(status),
		From:   form.Get("From"),
		To:     form.Get("To"),
	}
	if ev.State == telephony.CallStateFailed {
		ev.Reason = status
	}
	// Twilio reports "outbound-api" and "outbound-dial" variants.
	if strings.HasPrefix(form.Get("Direction"), "outbound") {
		ev.Direction = "outbound"
	} else if form.Get("Direction") != "" {
		ev.Direction = "inbound"
	}
	return ev, nil
}

// AudioFromWire decodes 8 kHz mu-law media into PCM16 at unifiedRate.
func (a *Adapter) AudioFromWire(data []byte, unifiedRate int) (audio.AudioChunk, error) {
	return audio.TelephonyToUnified(data, audio.FormatULaw, wireRate, unifiedRate)
}

// AudioToWire encodes a PCM16 chunk as 8 kHz mu-law media.
func (a *Adapter) AudioToWire(chunk audio.AudioChunk) ([]byte, error) {
	return audio.UnifiedToTelephony(chunk, audio.FormatULaw, wireRate)
}

// MapCallStatus normalizes a Twilio call status string. Status callbacks and
// call resources use the same vocabulary.
func MapCallStatus(status string) telephony.CallState {
	switch status {
	case "queued", "initiated":
		return telephony.CallStateQueued
	case "ringing":
		return telephony.CallStateRinging
	case "in-progress", "answered":
		return telephony.CallStateInProgress
	case "completed":
		return telephony.CallStateCompleted
	case "busy", "failed", "no-answer", "canceled":
		return telephony.CallStateFailed
	default:
		return telephony.CallStateQueued
	}
}

// do posts a form to the Twilio API and decodes the JSON response into out.
func (a *Adapter) do(ctx context.Context, op, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return &telephony.ProviderError{Provider: "twilio", Op: op, Err: err}
	}
	req.SetBasicAuth(a.accountSID, a.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &telephony.ProviderError{Provider: "twilio", Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := string(raw)
		var aerr apiError
		if json.Unmarshal(raw, &aerr) == nil && aerr.Message != "" {
			msg = fmt.Sprintf("%d: %s", aerr.Code, aerr.Message)
		}
		return &telephony.ProviderError{Provider: "twilio", Op: op, StatusCode: resp.StatusCode, Body: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &telephony.ProviderError{Provider: "twilio", Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func isFormEncoded(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "application/x-www-form-urlencoded"
}
