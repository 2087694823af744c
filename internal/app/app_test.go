package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kraliki/voicebridge/internal/config"
	"github.com/kraliki/voicebridge/internal/session"
	"github.com/kraliki/voicebridge/internal/tools"
	"github.com/kraliki/voicebridge/pkg/audio"
	"github.com/kraliki/voicebridge/pkg/provider/realtime"
	"github.com/kraliki/voicebridge/pkg/provider/realtime/mock"
	"github.com/kraliki/voicebridge/pkg/store"
	"github.com/kraliki/voicebridge/pkg/store/memstore"
	"github.com/kraliki/voicebridge/pkg/telephony"
)

// fakeAdapter is a minimal telephony adapter that records the calls it was
// asked to place and end.
type fakeAdapter struct {
	mu     sync.Mutex
	setups []telephony.CallParams
	ended  []string
	endErr error
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) SetupCall(_ context.Context, p telephony.CallParams) (telephony.CallInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups = append(f.setups, p)
	return telephony.CallInfo{CallID: "CAfake", State: telephony.CallStateQueued}, nil
}

func (f *fakeAdapter) AnswerCall(context.Context, string, string) (telephony.AnswerDocument, error) {
	return telephony.AnswerDocument{ContentType: "text/xml", Body: []byte("<Response/>")}, nil
}

func (f *fakeAdapter) EndCall(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.endErr != nil {
		return f.endErr
	}
	f.ended = append(f.ended, callID)
	return nil
}

func (f *fakeAdapter) ValidateWebhook(*http.Request, []byte) bool { return true }

func (f *fakeAdapter) ParseWebhook(*http.Request, []byte) (telephony.WebhookEvent, error) {
	return telephony.WebhookEvent{}, errors.New("not implemented")
}

func (f *fakeAdapter) AudioFromWire(data []byte, unifiedRate int) (audio.AudioChunk, error) {
	return audio.AudioChunk{Data: data, Format: audio.FormatPCM16, SampleRate: unifiedRate}, nil
}

func (f *fakeAdapter) AudioToWire(chunk audio.AudioChunk) ([]byte, error) {
	return chunk.Data, nil
}

func (f *fakeAdapter) endedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

func (f *fakeAdapter) setupCalls() []telephony.CallParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]telephony.CallParams(nil), f.setups...)
}

func testConfig() *config.Config {
	return &config.Config{
		LogLevel: config.LogInfo,
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			PublicHost: "bridge.example.com",
		},
		Telephony: config.TelephonyConfig{
			Provider: "twilio",
			Twilio: config.TwilioConfig{
				AccountSID: "ACtest",
				AuthToken:  "secret",
				FromNumber: "+15550001111",
			},
		},
		AI: config.AIConfig{
			Provider:     "openai",
			Model:        "gpt-4o-realtime-preview",
			Voice:        "alloy",
			SystemPrompt: "You are a helpful receptionist.",
		},
		Transcript: config.TranscriptConfig{
			Vocabulary: []string{"Kraliki", "Premium Care"},
		},
	}
}

// newTestApp builds an App on an in-memory store with a fake adapter and a
// mock realtime provider. Shutdown is registered as cleanup.
func newTestApp(t *testing.T, opts ...Option) (*App, *fakeAdapter) {
	t.Helper()

	adapter := &fakeAdapter{}
	providers := &Providers{
		Telephony: adapter,
		Realtime:  &mock.Provider{},
	}
	opts = append([]Option{
		WithStore(store.NewFallbackStore(memstore.New(), nil)),
	}, opts...)

	a, err := New(context.Background(), testConfig(), providers, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error: %v", err)
		}
	})
	return a, adapter
}

func testCreateRequest() session.CreateRequest {
	return session.CreateRequest{
		ProviderType:  store.ProviderOpenAI,
		ProviderModel: "gpt-4o-realtime-preview",
		SystemPrompt:  "You are a helpful receptionist.",
	}
}

// newMappedSession creates a PENDING session mapped to callID.
func newMappedSession(t *testing.T, a *App, callID string) string {
	t.Helper()
	ctx := context.Background()
	sess, err := a.sessions.CreateSession(ctx, testCreateRequest())
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if err := a.sessions.MapCall(ctx, callID, sess.ID); err != nil {
		t.Fatalf("MapCall() error: %v", err)
	}
	return sess.ID
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), testConfig(), nil); err == nil {
		t.Error("New(nil providers) succeeded, want error")
	}
	if _, err := New(context.Background(), testConfig(), &Providers{Realtime: &mock.Provider{}}); err == nil {
		t.Error("New() without telephony succeeded, want error")
	}
	if _, err := New(context.Background(), testConfig(), &Providers{Telephony: &fakeAdapter{}}); err == nil {
		t.Error("New() without realtime succeeded, want error")
	}
}

func TestNew_BuildsSubsystems(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)

	if a.Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
	if err := a.checkStore(context.Background()); err != nil {
		t.Errorf("checkStore() on a healthy memory store = %v, want nil", err)
	}

	defs := a.toolDefinitions()
	found := false
	for _, d := range defs {
		if d.Name == endCallToolName {
			found = true
		}
	}
	if !found {
		t.Errorf("toolDefinitions() = %+v, want %q included", defs, endCallToolName)
	}
}

func TestHandler_ServesProbesAndMetrics(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestHandler_OutboundCallWiredThrough(t *testing.T) {
	t.Parallel()

	a, adapter := newTestApp(t)
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	body := bytes.NewBufferString(`{"toNumber": "+15551239999"}`)
	resp, err := http.Post(ts.URL+"/telephony/outbound", "application/json", body)
	if err != nil {
		t.Fatalf("POST /telephony/outbound: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		SessionID string `json:"sessionId"`
		CallID    string `json:"callId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.CallID != "CAfake" {
		t.Errorf("callId = %q, want CAfake", out.CallID)
	}

	setups := adapter.setupCalls()
	if len(setups) != 1 {
		t.Fatalf("SetupCall invocations = %d, want 1", len(setups))
	}
	if setups[0].From != "+15550001111" {
		t.Errorf("From = %q, want the configured twilio from_number", setups[0].From)
	}

	sess, err := a.sessions.GetSession(context.Background(), out.SessionID)
	if err != nil {
		t.Fatalf("GetSession(%q) error: %v", out.SessionID, err)
	}
	if sess.Status != store.StatusPending {
		t.Errorf("session status = %q, want PENDING", sess.Status)
	}
}

func TestDispatchTool_EndCallHangsUpCarrier(t *testing.T) {
	t.Parallel()

	a, adapter := newTestApp(t)
	sessionID := newMappedSession(t, a, "CAhangme")

	result, err := a.dispatchTool(sessionID, endCallToolName, `{"reason":"done"}`)
	if err != nil {
		t.Fatalf("dispatchTool(end_call) error: %v", err)
	}
	if !strings.Contains(result, "hanging_up") {
		t.Errorf("result = %q, want hanging_up status", result)
	}
	if got := adapter.endedCalls(); len(got) != 1 || got[0] != "CAhangme" {
		t.Errorf("ended calls = %v, want [CAhangme]", got)
	}

	// The session stays live until the carrier's own teardown path runs.
	sess, err := a.sessions.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if sess.Status.Terminal() {
		t.Errorf("session status = %q, want non-terminal", sess.Status)
	}
}

func TestDispatchTool_EndCallWithoutMappedCall(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	sess, err := a.sessions.CreateSession(context.Background(), testCreateRequest())
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	if _, err := a.dispatchTool(sess.ID, endCallToolName, "{}"); err == nil {
		t.Error("dispatchTool(end_call) on an unmapped session succeeded, want error")
	}
}

func TestDispatchTool_ForwardsToToolHost(t *testing.T) {
	t.Parallel()

	host := tools.New()
	err := host.RegisterBuiltin(tools.BuiltinTool{
		Definition: realtime.ToolDefinition{
			Name:        "lookup_order",
			Description: "Look up an order by id.",
			Parameters:  map[string]any{"type": "object"},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			return `{"status":"shipped"}`, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterBuiltin() error: %v", err)
	}

	a, _ := newTestApp(t, WithToolHost(host))

	result, err := a.dispatchTool("sess-1", "lookup_order", `{"order_id":"A1"}`)
	if err != nil {
		t.Fatalf("dispatchTool(lookup_order) error: %v", err)
	}
	if result != `{"status":"shipped"}` {
		t.Errorf("result = %q, want the builtin handler's payload", result)
	}
}

func TestRecordTranscript_NormalizesUserSpeech(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	ctx := context.Background()
	sess, err := a.sessions.CreateSession(ctx, testCreateRequest())
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	a.recordTranscript(sess.ID, store.TranscriptEntry{
		SessionID: sess.ID,
		Sequence:  0,
		Speaker:   store.SpeakerUser,
		Content:   "upgrade my kroliki plan",
		Timestamp: time.Now(),
	})
	a.recordTranscript(sess.ID, store.TranscriptEntry{
		SessionID: sess.ID,
		Sequence:  1,
		Speaker:   store.SpeakerAssistant,
		Content:   "kroliki is not a word I correct",
		Timestamp: time.Now(),
	})

	entries := a.sessions.Transcripts(ctx, sess.ID)
	if len(entries) != 2 {
		t.Fatalf("transcript entries = %d, want 2", len(entries))
	}
	if entries[0].Content != "upgrade my Kraliki plan" {
		t.Errorf("user entry = %q, want vocabulary-corrected text", entries[0].Content)
	}
	if entries[1].Content != "kroliki is not a word I correct" {
		t.Errorf("assistant entry = %q, want text left untouched", entries[1].Content)
	}
}

func TestAbandonSession_FailsSessionAndHangsUp(t *testing.T) {
	t.Parallel()

	a, adapter := newTestApp(t)
	sessionID := newMappedSession(t, a, "CAdead")

	a.abandonSession(sessionID, "provider connection lost")

	sess, err := a.sessions.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if sess.Status != store.StatusFailed {
		t.Errorf("session status = %q, want FAILED", sess.Status)
	}
	if got := sess.Metadata["failure_reason"]; got != "provider connection lost" {
		t.Errorf("failure_reason = %q, want the abandon reason", got)
	}
	if got := adapter.endedCalls(); len(got) != 1 || got[0] != "CAdead" {
		t.Errorf("ended calls = %v, want [CAdead]", got)
	}
}

func TestApplyConfig_ReloadsVocabulary(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)
	ctx := context.Background()
	sess, err := a.sessions.CreateSession(ctx, testCreateRequest())
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	a.recordTranscript(sess.ID, store.TranscriptEntry{
		SessionID: sess.ID,
		Sequence:  0,
		Speaker:   store.SpeakerUser,
		Content:   "my kroliki line",
		Timestamp: time.Now(),
	})

	a.ApplyConfig(config.Diff{VocabularyChanged: true, NewVocabulary: nil})

	a.recordTranscript(sess.ID, store.TranscriptEntry{
		SessionID: sess.ID,
		Sequence:  1,
		Speaker:   store.SpeakerUser,
		Content:   "my kroliki line",
		Timestamp: time.Now(),
	})

	entries := a.sessions.Transcripts(ctx, sess.ID)
	if len(entries) != 2 {
		t.Fatalf("transcript entries = %d, want 2", len(entries))
	}
	if entries[0].Content != "my Kraliki line" {
		t.Errorf("entry before reload = %q, want corrected text", entries[0].Content)
	}
	if entries[1].Content != "my kroliki line" {
		t.Errorf("entry after reload = %q, want uncorrected text", entries[1].Content)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	// Give the listener a moment to come up before cancelling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s of cancellation")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{}
	a, err := New(context.Background(), testConfig(), &Providers{
		Telephony: adapter,
		Realtime:  &mock.Provider{},
	}, WithStore(store.NewFallbackStore(memstore.New(), nil)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown() error: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
