package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kraliki/voicebridge/internal/bridge"
	"github.com/kraliki/voicebridge/internal/httpapi"
	"github.com/kraliki/voicebridge/internal/session"
	"github.com/kraliki/voicebridge/pkg/audio"
	"github.com/kraliki/voicebridge/pkg/provider/realtime"
	"github.com/kraliki/voicebridge/pkg/provider/realtime/mock"
	"github.com/kraliki/voicebridge/pkg/store"
	"github.com/kraliki/voicebridge/pkg/store/memstore"
	"github.com/kraliki/voicebridge/pkg/telephony"
)

// ── Test doubles ───────────────────────────────────────────────────────────

// stubEvent is the JSON webhook payload understood by the stub adapter.
type stubEvent struct {
	CallID    string `json:"callId"`
	State     string `json:"state"`
	From      string `json:"from"`
	To        string `json:"to"`
	Direction string `json:"direction"`
	Reason    string `json:"reason"`
}

// stubAdapter is an in-memory telephony provider. Calls are recorded,
// webhook payloads are plain JSON, and audio passes through unchanged.
type stubAdapter struct {
	mu          sync.Mutex
	setupErr    error
	setupCalls  []telephony.CallParams
	answerErr   error
	answerURLs  []string
	endErr      error
	endedCalls  []string
	rejectHooks bool
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) SetupCall(_ context.Context, params telephony.CallParams) (telephony.CallInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setupCalls = append(a.setupCalls, params)
	if a.setupErr != nil {
		return telephony.CallInfo{}, a.setupErr
	}
	return telephony.CallInfo{CallID: "CAstub", State: telephony.CallStateQueued}, nil
}

func (a *stubAdapter) AnswerCall(_ context.Context, _, streamURL string) (telephony.AnswerDocument, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answerURLs = append(a.answerURLs, streamURL)
	if a.answerErr != nil {
		return telephony.AnswerDocument{}, a.answerErr
	}
	return telephony.AnswerDocument{ContentType: "text/xml", Body: []byte("<Response/>")}, nil
}

func (a *stubAdapter) EndCall(_ context.Context, callID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.endedCalls = append(a.endedCalls, callID)
	return a.endErr
}

func (a *stubAdapter) ValidateWebhook(_ *http.Request, _ []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.rejectHooks
}

func (a *stubAdapter) ParseWebhook(_ *http.Request, body []byte) (telephony.WebhookEvent, error) {
	var ev stubEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return telephony.WebhookEvent{}, err
	}
	if ev.CallID == "" {
		return telephony.WebhookEvent{}, errors.New("stub: missing callId")
	}
	return telephony.WebhookEvent{
		CallID:    ev.CallID,
		State:     telephony.CallState(ev.State),
		From:      ev.From,
		To:        ev.To,
		Direction: ev.Direction,
		Reason:    ev.Reason,
	}, nil
}

func (a *stubAdapter) AudioFromWire(data []byte, unifiedRate int) (audio.AudioChunk, error) {
	return audio.AudioChunk{Data: data, Format: audio.FormatPCM16, SampleRate: unifiedRate}, nil
}

func (a *stubAdapter) AudioToWire(chunk audio.AudioChunk) ([]byte, error) {
	return chunk.Data, nil
}

func (a *stubAdapter) lastSetup(t *testing.T) telephony.CallParams {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.setupCalls) == 0 {
		t.Fatal("no SetupCall was made")
	}
	return a.setupCalls[len(a.setupCalls)-1]
}

func (a *stubAdapter) ended() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.endedCalls))
	copy(out, a.endedCalls)
	return out
}

var _ telephony.Adapter = (*stubAdapter)(nil)

// ── Fixture ────────────────────────────────────────────────────────────────

type fixture struct {
	ts       *httptest.Server
	adapter  *stubAdapter
	sessions *session.Manager
	bridges  *bridge.Manager
	provider *mock.Provider
}

func newFixture(t *testing.T, mutate func(*httpapi.Config)) *fixture {
	t.Helper()
	f := &fixture{
		adapter:  &stubAdapter{},
		sessions: session.NewManager(session.Config{Store: store.NewFallbackStore(memstore.New(), nil)}),
		bridges:  bridge.NewManager(),
		provider: &mock.Provider{
			ProviderCapabilities: realtime.Capabilities{
				InputSampleRate:  24000,
				OutputSampleRate: 24000,
			},
		},
	}
	cfg := httpapi.Config{
		Sessions:     f.sessions,
		Bridges:      f.bridges,
		Adapter:      f.adapter,
		Provider:     f.provider,
		ProviderType: store.ProviderOpenAI,
		Model:        "gpt-4o-realtime-preview",
		Voice:        "alloy",
		SystemPrompt: "You are a helpful receptionist.",
		FromNumber:   "+15550000000",
		PublicHost:   "bridge.example.com",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.ts = httptest.NewServer(httpapi.New(cfg).Routes())
	t.Cleanup(f.ts.Close)
	t.Cleanup(f.bridges.StopAll)
	return f
}

func (f *fixture) postJSON(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) postWebhook(t *testing.T, route string, ev stubEvent) *http.Response {
	t.Helper()
	return f.postJSON(t, "/telephony/webhook/stub/"+route, ev)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// newMappedSession creates a PENDING session correlated to the given call id.
func (f *fixture) newMappedSession(t *testing.T, callID string) string {
	t.Helper()
	sess, err := f.sessions.CreateSession(context.Background(), session.CreateRequest{
		ProviderType:  store.ProviderOpenAI,
		ProviderModel: "gpt-4o-realtime-preview",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := f.sessions.MapCall(context.Background(), callID, sess.ID); err != nil {
		t.Fatalf("MapCall: %v", err)
	}
	return sess.ID
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── Outbound call API ──────────────────────────────────────────────────────

type outboundResult struct {
	SessionID  string `json:"sessionId"`
	CallID     string `json:"callId"`
	StreamURL  string `json:"streamUrl"`
	FromNumber string `json:"fromNumber"`
	ToNumber   string `json:"toNumber"`
	Status     string `json:"status"`
}

func TestOutboundCall_PlacesCallAndMapsSession(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.postJSON(t, "/telephony/outbound", map[string]string{
		"toNumber": "+15551239999",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeJSON[outboundResult](t, resp)

	if out.SessionID == "" {
		t.Fatal("response carries no sessionId")
	}
	if out.CallID != "CAstub" {
		t.Errorf("callId = %q, want CAstub", out.CallID)
	}
	if !strings.Contains(out.StreamURL, out.SessionID) {
		t.Errorf("streamUrl %q does not embed the session id", out.StreamURL)
	}
	if out.FromNumber != "+15550000000" {
		t.Errorf("fromNumber = %q, want the configured default", out.FromNumber)
	}
	if out.ToNumber != "+15551239999" {
		t.Errorf("toNumber = %q", out.ToNumber)
	}
	if out.Status != "accepted" {
		t.Errorf("status = %q, want accepted", out.Status)
	}

	params := f.adapter.lastSetup(t)
	if params.From != "+15550000000" || params.To != "+15551239999" {
		t.Errorf("SetupCall numbers = %q -> %q", params.From, params.To)
	}
	if params.StreamURL != out.StreamURL {
		t.Errorf("SetupCall stream URL = %q, want %q", params.StreamURL, out.StreamURL)
	}
	if !strings.Contains(params.StatusCallbackURL, "/telephony/webhook/stub/status") {
		t.Errorf("status callback URL = %q", params.StatusCallbackURL)
	}

	ctx := context.Background()
	mapped, ok := f.sessions.SessionForCall(ctx, "CAstub")
	if !ok || mapped != out.SessionID {
		t.Errorf("SessionForCall(CAstub) = %q, %v; want %q", mapped, ok, out.SessionID)
	}
	sess, err := f.sessions.GetSession(ctx, out.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != store.StatusPending {
		t.Errorf("session status = %s, want PENDING", sess.Status)
	}
	if sess.Metadata["direction"] != "outbound" {
		t.Errorf("direction metadata = %q", sess.Metadata["direction"])
	}
}

func TestOutboundCall_ExplicitFromNumber(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.postJSON(t, "/telephony/outbound", map[string]string{
		"fromNumber": "+15559998888",
		"toNumber":   "+15551239999",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if params := f.adapter.lastSetup(t); params.From != "+15559998888" {
		t.Errorf("SetupCall from = %q, want the request number", params.From)
	}
}

func TestOutboundCall_RequestValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", "{not json"},
		{"missing toNumber", `{"fromNumber": "+15550000000"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(f.ts.URL+"/telephony/outbound", "application/json",
				strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestOutboundCall_NoCallerIDConfigured(t *testing.T) {
	f := newFixture(t, func(cfg *httpapi.Config) { cfg.FromNumber = "" })

	resp := f.postJSON(t, "/telephony/outbound", map[string]string{
		"toNumber": "+15551239999",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestOutboundCall_SetupFailureFailsSession(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.setupErr = &telephony.ProviderError{
		Provider: "stub", Op: "setup call", StatusCode: 403, Body: "forbidden",
	}

	resp := f.postJSON(t, "/telephony/outbound", map[string]string{
		"toNumber": "+15551239999",
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	sessions := f.sessions.ListSessions(context.Background(), store.Filter{})
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].Status != store.StatusFailed {
		t.Errorf("session status = %s, want FAILED", sessions[0].Status)
	}
	if reason := sessions[0].Metadata["failure_reason"]; !strings.Contains(reason, "call setup failed") {
		t.Errorf("failure_reason = %q", reason)
	}
}

// ── Webhooks ───────────────────────────────────────────────────────────────

func TestWebhook_InvalidSignatureRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.rejectHooks = true

	resp := f.postWebhook(t, "answer", stubEvent{CallID: "CAbad", State: "ringing"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if got := f.sessions.ListSessions(context.Background(), store.Filter{}); len(got) != 0 {
		t.Errorf("rejected webhook created %d sessions", len(got))
	}
}

func TestWebhook_UnknownProviderPath(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.postJSON(t, "/telephony/webhook/twilio/answer", stubEvent{CallID: "CA1", State: "ringing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhook_MalformedPayload(t *testing.T) {
	f := newFixture(t, nil)

	for _, route := range []string{"answer", "status"} {
		resp, err := http.Post(f.ts.URL+"/telephony/webhook/stub/"+route, "application/json",
			strings.NewReader(`{"state": "ringing"}`))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", route, resp.StatusCode)
		}
	}
}

func TestAnswerWebhook_CreatesInboundSession(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.postWebhook(t, "answer", stubEvent{
		CallID: "CAinbound",
		State:  "ringing",
		From:   "+15557654321",
		To:     "+15550000000",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "<Response/>" {
		t.Errorf("body = %q, want the answer document", body)
	}

	ctx := context.Background()
	sessions := f.sessions.ListSessions(ctx, store.Filter{})
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	sess := sessions[0]
	if sess.Status != store.StatusPending {
		t.Errorf("status = %s, want PENDING", sess.Status)
	}
	if sess.Metadata["direction"] != "inbound" {
		t.Errorf("direction = %q, want inbound", sess.Metadata["direction"])
	}
	if sess.Metadata["from_number"] != "+15557654321" {
		t.Errorf("from_number = %q", sess.Metadata["from_number"])
	}

	mapped, ok := f.sessions.SessionForCall(ctx, "CAinbound")
	if !ok || mapped != sess.ID {
		t.Errorf("SessionForCall = %q, %v; want %q", mapped, ok, sess.ID)
	}

	f.adapter.mu.Lock()
	answerURLs := f.adapter.answerURLs
	f.adapter.mu.Unlock()
	if len(answerURLs) != 1 || !strings.Contains(answerURLs[0], sess.ID) {
		t.Errorf("AnswerCall stream URLs = %v, want one embedding the session id", answerURLs)
	}
}

func TestAnswerWebhook_RepeatForActiveCallAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	f.newMappedSession(t, "CArepeat")

	resp := f.postWebhook(t, "answer", stubEvent{CallID: "CArepeat", State: "in_progress"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	f.adapter.mu.Lock()
	answered := len(f.adapter.answerURLs)
	f.adapter.mu.Unlock()
	if answered != 0 {
		t.Errorf("repeat notification triggered %d AnswerCalls", answered)
	}
}

func TestAnswerWebhook_AnswerFailureFailsSession(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.answerErr = &telephony.ProviderError{Provider: "stub", Op: "answer call", StatusCode: 500}

	resp := f.postWebhook(t, "answer", stubEvent{CallID: "CAfail", State: "ringing"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	sessions := f.sessions.ListSessions(context.Background(), store.Filter{})
	if len(sessions) != 1 || sessions[0].Status != store.StatusFailed {
		t.Fatalf("expected one FAILED session, got %+v", sessions)
	}
}

func TestAnswerWebhook_TerminalEventTearsDown(t *testing.T) {
	// Providers with a single webhook URL deliver hangups to the answer
	// route; they must be treated exactly like status events.
	f := newFixture(t, nil)
	id := f.newMappedSession(t, "CAoneurl")

	resp := f.postWebhook(t, "answer", stubEvent{CallID: "CAoneurl", State: "completed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	sess, err := f.sessions.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != store.StatusEnded {
		t.Errorf("session status = %s, want ENDED", sess.Status)
	}
}

func TestStatusWebhook_CompletedStopsBridgeAndEndsSession(t *testing.T) {
	f := newFixture(t, nil)
	id := f.newMappedSession(t, "CAdone")

	b := bridge.New(bridge.Config{
		SessionID: id,
		Adapter:   f.adapter,
		Provider:  f.provider,
		SendAudio: func([]byte) error { return nil },
	})
	f.bridges.Register(id, b)

	resp := f.postWebhook(t, "status", stubEvent{CallID: "CAdone", State: "completed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if f.bridges.Len() != 0 {
		t.Error("bridge still registered after terminal status")
	}
	sess, err := f.sessions.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != store.StatusEnded {
		t.Errorf("session status = %s, want ENDED", sess.Status)
	}
	if _, ok := f.sessions.SessionForCall(context.Background(), "CAdone"); ok {
		t.Error("call mapping survived session end")
	}
}

func TestStatusWebhook_FailureRecordsReason(t *testing.T) {
	f := newFixture(t, nil)
	id := f.newMappedSession(t, "CAbusy")

	resp := f.postWebhook(t, "status", stubEvent{CallID: "CAbusy", State: "failed", Reason: "busy"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	sess, err := f.sessions.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != store.StatusFailed {
		t.Errorf("session status = %s, want FAILED", sess.Status)
	}
	if sess.Metadata["failure_reason"] != "busy" {
		t.Errorf("failure_reason = %q, want busy", sess.Metadata["failure_reason"])
	}
}

func TestStatusWebhook_UnmappedCallAcknowledged(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.postWebhook(t, "status", stubEvent{CallID: "CAnobody", State: "completed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStatusWebhook_NonTerminalKeepsSession(t *testing.T) {
	f := newFixture(t, nil)
	id := f.newMappedSession(t, "CAring")

	resp := f.postWebhook(t, "status", stubEvent{CallID: "CAring", State: "ringing"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	sess, err := f.sessions.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != store.StatusPending {
		t.Errorf("session status = %s, want PENDING", sess.Status)
	}
}
