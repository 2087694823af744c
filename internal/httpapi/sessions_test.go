package httpapi_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/kraliki/voicebridge/internal/session"
	"github.com/kraliki/voicebridge/pkg/store"
	"github.com/kraliki/voicebridge/pkg/telephony"
)

type sessionListResult struct {
	Sessions []sessionResult `json:"sessions"`
}

type sessionResult struct {
	SessionID string            `json:"sessionId"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Strategy  string            `json:"strategy"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata"`
}

type transcriptResult struct {
	SessionID string `json:"sessionId"`
	Entries   []struct {
		Sequence int    `json:"sequence"`
		Speaker  string `json:"speaker"`
		Content  string `json:"content"`
	} `json:"entries"`
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) del(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestListSessions_FilterAndLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var ids []string
	for range 3 {
		sess, err := f.sessions.CreateSession(ctx, session.CreateRequest{
			ProviderType:  store.ProviderOpenAI,
			ProviderModel: "gpt-4o-realtime-preview",
		})
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		ids = append(ids, sess.ID)
	}
	if err := f.sessions.EndSession(ctx, ids[0]); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	resp := f.get(t, "/sessions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := decodeJSON[sessionListResult](t, resp); len(got.Sessions) != 3 {
		t.Errorf("unfiltered list has %d sessions, want 3", len(got.Sessions))
	}

	resp = f.get(t, "/sessions?status=PENDING")
	if got := decodeJSON[sessionListResult](t, resp); len(got.Sessions) != 2 {
		t.Errorf("PENDING list has %d sessions, want 2", len(got.Sessions))
	}

	resp = f.get(t, "/sessions?limit=1")
	if got := decodeJSON[sessionListResult](t, resp); len(got.Sessions) != 1 {
		t.Errorf("limited list has %d sessions, want 1", len(got.Sessions))
	}

	if resp := f.get(t, "/sessions?status=bogus"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus status filter: status = %d, want 400", resp.StatusCode)
	}
	if resp := f.get(t, "/sessions?limit=-1"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative limit: status = %d, want 400", resp.StatusCode)
	}
	if resp := f.get(t, "/sessions?limit=abc"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-numeric limit: status = %d, want 400", resp.StatusCode)
	}
}

func TestGetSession(t *testing.T) {
	f := newFixture(t, nil)

	sess, err := f.sessions.CreateSession(context.Background(), session.CreateRequest{
		ProviderType:  store.ProviderOpenAI,
		ProviderModel: "gpt-4o-realtime-preview",
		Metadata:      map[string]string{"tenant": "acme"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	resp := f.get(t, "/sessions/"+sess.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decodeJSON[sessionResult](t, resp)
	if got.SessionID != sess.ID {
		t.Errorf("sessionId = %q, want %q", got.SessionID, sess.ID)
	}
	if got.Provider != "openai" || got.Model != "gpt-4o-realtime-preview" {
		t.Errorf("provider/model = %q/%q", got.Provider, got.Model)
	}
	if got.Strategy != string(store.StrategyRealtime) {
		t.Errorf("strategy = %q, want realtime", got.Strategy)
	}
	if got.Status != string(store.StatusPending) {
		t.Errorf("status = %q, want PENDING", got.Status)
	}
	if got.Metadata["tenant"] != "acme" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	if resp := f.get(t, "/sessions/01JNOSUCH"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetTranscript(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sess, err := f.sessions.CreateSession(ctx, session.CreateRequest{
		ProviderType:  store.ProviderOpenAI,
		ProviderModel: "gpt-4o-realtime-preview",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	now := time.Now().UTC()
	entries := []store.TranscriptEntry{
		{SessionID: sess.ID, Sequence: 1, Speaker: store.SpeakerUser, Content: "Hello?", Timestamp: now},
		{SessionID: sess.ID, Sequence: 2, Speaker: store.SpeakerAssistant, Content: "Good morning.", Timestamp: now},
	}
	for _, e := range entries {
		if !f.sessions.AppendTranscript(ctx, e) {
			t.Fatalf("AppendTranscript(%d) failed", e.Sequence)
		}
	}

	resp := f.get(t, "/sessions/"+sess.ID+"/transcript")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decodeJSON[transcriptResult](t, resp)
	if got.SessionID != sess.ID {
		t.Errorf("sessionId = %q", got.SessionID)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(got.Entries))
	}
	if got.Entries[0].Speaker != "user" || got.Entries[0].Content != "Hello?" {
		t.Errorf("first entry = %+v", got.Entries[0])
	}
	if got.Entries[1].Sequence != 2 || got.Entries[1].Speaker != "assistant" {
		t.Errorf("second entry = %+v", got.Entries[1])
	}
}

func TestGetTranscript_UnknownSession(t *testing.T) {
	f := newFixture(t, nil)

	if resp := f.get(t, "/sessions/01JNOSUCH/transcript"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEndSession_HangsUpCall(t *testing.T) {
	f := newFixture(t, nil)
	id := f.newMappedSession(t, "CAhangup")

	resp := f.del(t, "/sessions/"+id)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	sess, err := f.sessions.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != store.StatusEnded {
		t.Errorf("session status = %s, want ENDED", sess.Status)
	}
	if ended := f.adapter.ended(); len(ended) != 1 || ended[0] != "CAhangup" {
		t.Errorf("EndCall calls = %v, want [CAhangup]", ended)
	}
}

func TestEndSession_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	id := f.newMappedSession(t, "CAagain")

	if resp := f.del(t, "/sessions/"+id); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("first DELETE: status = %d, want 204", resp.StatusCode)
	}
	if resp := f.del(t, "/sessions/"+id); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second DELETE: status = %d, want 204", resp.StatusCode)
	}
}

func TestEndSession_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	if resp := f.del(t, "/sessions/01JNOSUCH"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEndSession_HangupFailureStillEnds(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.endErr = &telephony.ProviderError{Provider: "stub", Op: "end call", StatusCode: 500}
	id := f.newMappedSession(t, "CAstuck")

	resp := f.del(t, "/sessions/"+id)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	sess, err := f.sessions.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != store.StatusEnded {
		t.Errorf("session status = %s, want ENDED", sess.Status)
	}
}
