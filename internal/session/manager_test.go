package session

import (
	"context"
	"errors"
	"testing"

	"github.com/kraliki/voicebridge/pkg/store"
	"github.com/kraliki/voicebridge/pkg/store/memstore"
)

// newTestManager returns a Manager backed by a fresh in-memory store.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st := store.NewFallbackStore(memstore.New(), nil)
	t.Cleanup(st.Close)
	return NewManager(Config{Store: st})
}

func mustCreate(t *testing.T, m *Manager) *store.Session {
	t.Helper()
	sess, err := m.CreateSession(context.Background(), CreateRequest{
		ProviderType:  store.ProviderOpenAI,
		ProviderModel: "gpt-4o-realtime-preview",
		Metadata:      map[string]string{"to_number": "+15550100"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestCreateSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess := mustCreate(t, m)

	if sess.ID == "" {
		t.Fatal("CreateSession returned empty ID")
	}
	if len(sess.ID) != 26 {
		t.Errorf("session ID length = %d, want 26 (ULID)", len(sess.ID))
	}
	if sess.Status != store.StatusPending {
		t.Errorf("status = %v, want %v", sess.Status, store.StatusPending)
	}
	if sess.Strategy != store.StrategyRealtime {
		t.Errorf("strategy = %v, want default %v", sess.Strategy, store.StrategyRealtime)
	}
	if sess.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	got, err := m.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != sess.ID || got.Status != store.StatusPending {
		t.Errorf("persisted session = %+v, want id %s status PENDING", got, sess.ID)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"unknown provider", CreateRequest{ProviderType: "watson", ProviderModel: "m"}},
		{"missing model", CreateRequest{ProviderType: store.ProviderOpenAI}},
		{"unknown strategy", CreateRequest{
			ProviderType:  store.ProviderGemini,
			ProviderModel: "gemini-2.0-flash-live-001",
			Strategy:      "batch",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.CreateSession(ctx, tc.req); err == nil {
				t.Error("CreateSession accepted invalid request")
			}
		})
	}
}

func TestStartSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess := mustCreate(t, m)

	if err := m.StartSession(ctx, sess.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	got, err := m.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != store.StatusActive {
		t.Errorf("status = %v, want %v", got.Status, store.StatusActive)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Error("UpdatedAt precedes CreatedAt after transition")
	}
}

func TestStartSession_NotFound(t *testing.T) {
	m := newTestManager(t)

	err := m.StartSession(context.Background(), "01JUNKJUNKJUNKJUNKJUNKJUNK")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("StartSession error = %v, want ErrSessionNotFound", err)
	}
}

func TestStartSession_AlreadyActive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess := mustCreate(t, m)

	if err := m.StartSession(ctx, sess.ID); err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	err := m.StartSession(ctx, sess.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second StartSession error = %v, want ErrInvalidTransition", err)
	}
}

func TestStartSession_Terminal(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess := mustCreate(t, m)

	if err := m.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	err := m.StartSession(ctx, sess.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("StartSession on ended session error = %v, want ErrInvalidTransition", err)
	}
}

func TestEndSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess := mustCreate(t, m)

	if err := m.MapCall(ctx, "CA100", sess.ID); err != nil {
		t.Fatalf("MapCall: %v", err)
	}
	if err := m.StartSession(ctx, sess.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if err := m.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	got, err := m.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != store.StatusEnded {
		t.Errorf("status = %v, want %v", got.Status, store.StatusEnded)
	}

	// The call correlation must be gone.
	if id, ok := m.SessionForCall(ctx, "CA100"); ok {
		t.Errorf("SessionForCall after end = %q, want miss", id)
	}

	// Ending again is a no-op.
	if err := m.EndSession(ctx, sess.ID); err != nil {
		t.Errorf("second EndSession: %v", err)
	}
}

func TestEndSession_PendingCancels(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess := mustCreate(t, m)

	if err := m.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession on pending session: %v", err)
	}
	got, err := m.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != store.StatusEnded {
		t.Errorf("status = %v, want %v", got.Status, store.StatusEnded)
	}
}

func TestEndSession_NotFound(t *testing.T) {
	m := newTestManager(t)

	err := m.EndSession(context.Background(), "01JUNKJUNKJUNKJUNKJUNKJUNK")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("EndSession error = %v, want ErrSessionNotFound", err)
	}
}

func TestFailSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess := mustCreate(t, m)

	if err := m.StartSession(ctx, sess.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := m.FailSession(ctx, sess.ID, "provider connection lost"); err != nil {
		t.Fatalf("FailSession: %v", err)
	}

	got, err := m.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Errorf("status = %v, want %v", got.Status, store.StatusFailed)
	}
	if got.Metadata["failure_reason"] != "provider connection lost" {
		t.Errorf("failure_reason = %q, want %q", got.Metadata["failure_reason"], "provider connection lost")
	}
}

func TestFailSession_TerminalIsNoOp(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess := mustCreate(t, m)

	if err := m.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := m.FailSession(ctx, sess.ID, "too late"); err != nil {
		t.Fatalf("FailSession on ended session: %v", err)
	}

	got, err := m.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != store.StatusEnded {
		t.Errorf("status = %v, want ENDED to stick", got.Status)
	}
	if _, present := got.Metadata["failure_reason"]; present {
		t.Error("failure_reason recorded on an already-ended session")
	}
}

func TestMapCall(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess := mustCreate(t, m)

	if err := m.MapCall(ctx, "v3:telnyx-leg-1", sess.ID); err != nil {
		t.Fatalf("MapCall: %v", err)
	}

	id, ok := m.SessionForCall(ctx, "v3:telnyx-leg-1")
	if !ok {
		t.Fatal("SessionForCall missed a stored mapping")
	}
	if id != sess.ID {
		t.Errorf("SessionForCall = %q, want %q", id, sess.ID)
	}

	if _, ok := m.SessionForCall(ctx, "v3:unknown"); ok {
		t.Error("SessionForCall returned ok for an unknown call id")
	}
}

func TestListSessions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a := mustCreate(t, m)
	b := mustCreate(t, m)
	mustCreate(t, m)
	if err := m.StartSession(ctx, a.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := m.StartSession(ctx, b.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	active := m.ListSessions(ctx, store.Filter{Status: store.StatusActive})
	if len(active) != 2 {
		t.Errorf("active sessions = %d, want 2", len(active))
	}

	all := m.ListSessions(ctx, store.Filter{})
	if len(all) != 3 {
		t.Errorf("all sessions = %d, want 3", len(all))
	}
}

func TestAppendTranscript(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess := mustCreate(t, m)

	for i, utterance := range []string{"hello", "hi, how can I help", "my order is late"} {
		speaker := store.SpeakerUser
		if i == 1 {
			speaker = store.SpeakerAssistant
		}
		if ok := m.AppendTranscript(ctx, store.TranscriptEntry{
			SessionID: sess.ID,
			Sequence:  i,
			Speaker:   speaker,
			Content:   utterance,
		}); !ok {
			t.Fatalf("AppendTranscript(%d) = false", i)
		}
	}

	entries := m.Transcripts(ctx, sess.ID)
	if len(entries) != 3 {
		t.Fatalf("transcript length = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != i {
			t.Errorf("entries[%d].Sequence = %d, want %d", i, e.Sequence, i)
		}
	}
	if entries[1].Speaker != store.SpeakerAssistant {
		t.Errorf("entries[1].Speaker = %v, want assistant", entries[1].Speaker)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to store.SessionStatus
		want     bool
	}{
		{store.StatusPending, store.StatusActive, true},
		{store.StatusPending, store.StatusEnded, true},
		{store.StatusPending, store.StatusFailed, true},
		{store.StatusActive, store.StatusEnded, true},
		{store.StatusActive, store.StatusFailed, true},
		{store.StatusActive, store.StatusActive, false},
		{store.StatusPending, store.StatusPending, false},
		{store.StatusEnded, store.StatusActive, false},
		{store.StatusEnded, store.StatusFailed, false},
		{store.StatusFailed, store.StatusActive, false},
		{store.StatusFailed, store.StatusEnded, false},
		{store.StatusEnded, store.StatusEnded, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("canTransition(%v, %v) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
