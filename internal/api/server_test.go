package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/tandemvox/tandem/internal/archive"
	"github.com/tandemvox/tandem/internal/practice"
	"github.com/tandemvox/tandem/internal/translate"
	"github.com/tandemvox/tandem/internal/transport"
	"github.com/tandemvox/tandem/pkg/audio"
	"github.com/tandemvox/tandem/pkg/audio/capture"
	"github.com/tandemvox/tandem/pkg/session"
)

// ── Controller fakes ──────────────────────────────────────────────────────────

type stubTranslator struct{ err error }

func (s stubTranslator) Translate(_ context.Context, text, _, _ string) (translate.Result, error) {
	if s.err != nil {
		return translate.Result{}, s.err
	}
	return translate.Result{TranslatedText: "localized: " + text}, nil
}

type stubLive struct{ closed bool }

func (s *stubLive) Send(session.Event) error     { return nil }
func (s *stubLive) OnEvent(func(session.Event))  {}
func (s *stubLive) OnClose(func(error))          {}
func (s *stubLive) Closed() bool                 { return s.closed }
func (s *stubLive) Close() error                 { s.closed = true; return nil }

type stubPlayer struct{}

func (stubPlayer) Enqueue(audio.Payload) error { return nil }
func (stubPlayer) Stop()                       {}

type stubRecorder struct {
	startErr  error
	recording bool
}

func (s *stubRecorder) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.recording = true
	return nil
}
func (s *stubRecorder) Stop()           { s.recording = false }
func (s *stubRecorder) Recording() bool { return s.recording }

type testEnv struct {
	srv        *httptest.Server
	translator *stubTranslator
	recorder   *stubRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		translator: &stubTranslator{},
		recorder:   &stubRecorder{},
	}
	ctrl, err := practice.New(practice.Config{
		Translator: env.translator,
		Dial: func(context.Context, transport.Config) (practice.Live, error) {
			return &stubLive{}, nil
		},
		AgentURL:     "wss://agent.test/live",
		PracticeLang: "fr-FR",
		NativeLang:   "en-US",
		Modality:     "audio",
		Player:       stubPlayer{},
		NewRecorder:  func(capture.EventSender) practice.Recorder { return env.recorder },
	})
	if err != nil {
		t.Fatalf("practice.New: %v", err)
	}
	env.srv = httptest.NewServer(New(ctrl, nil).Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// ── Session lifecycle ─────────────────────────────────────────────────────────

func TestConnect_ReturnsActiveState(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/session/connect", `{"instructions":"You are a waiter."}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body := decode[stateResponse](t, resp)
	if body.State != practice.StateActive {
		t.Errorf("state = %q, want active", body.State)
	}
	if body.SessionID == "" {
		t.Error("session_id missing from connect response")
	}
}

func TestConnect_MissingInstructions(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/session/connect", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConnect_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/session/connect", `{"instructions":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConnect_TranslationFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.translator.err = &translate.TranslationError{Err: errors.New("service down")}

	resp := env.post(t, "/session/connect", `{"instructions":"hello"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	body := decode[errorResponse](t, resp)
	if body.Error == "" {
		t.Error("error body missing")
	}
}

func TestReset_ReturnsWaiting(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/session/connect", `{"instructions":"hello"}`)

	resp := env.post(t, "/session/reset", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[stateResponse](t, resp)
	if body.State != practice.StateWaiting {
		t.Errorf("state = %q, want waiting", body.State)
	}
}

// ── Recording ─────────────────────────────────────────────────────────────────

func TestRecordingStart_WithoutSessionIsConflict(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/recording/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRecordingStart_DeviceFailureIsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/session/connect", `{"instructions":"hello"}`)
	env.recorder.startErr = &capture.DeviceAccessError{Device: "default", Err: errors.New("permission denied")}

	resp := env.post(t, "/recording/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRecording_StartStopRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/session/connect", `{"instructions":"hello"}`)

	resp := env.post(t, "/recording/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want 200", resp.StatusCode)
	}

	state := decode[stateResponse](t, env.get(t, "/state"))
	if !state.Recording {
		t.Error("state does not report recording after start")
	}

	resp = env.post(t, "/recording/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", resp.StatusCode)
	}
}

// ── Messages and history ──────────────────────────────────────────────────────

func TestMessage_AppendsToHistory(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/session/connect", `{"instructions":"hello"}`)

	resp := env.post(t, "/message", `{"text":"Bonjour !"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	hist := decode[historyResponse](t, env.get(t, "/history"))
	if len(hist.Messages) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist.Messages))
	}
	if hist.Messages[0].Text != "Bonjour !" || hist.Messages[0].Role != session.RoleUser {
		t.Errorf("history[0] = %+v", hist.Messages[0])
	}
}

func TestMessage_MissingText(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/message", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHistory_UptoReturnsPrefix(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/session/connect", `{"instructions":"hello"}`)
	env.post(t, "/message", `{"text":"one"}`)
	env.post(t, "/message", `{"text":"two"}`)
	env.post(t, "/message", `{"text":"three"}`)

	hist := decode[historyResponse](t, env.get(t, "/history?upto=2"))
	if len(hist.Messages) != 2 {
		t.Fatalf("prefix length = %d, want 2", len(hist.Messages))
	}
	if hist.Messages[1].Text != "two" {
		t.Errorf("prefix[1].Text = %q, want %q", hist.Messages[1].Text, "two")
	}
}

func TestHistory_BadUpto(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/history?upto=minus-one")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHistory_EmptyIsJSONArray(t *testing.T) {
	env := newTestEnv(t)

	hist := decode[historyResponse](t, env.get(t, "/history"))
	if hist.Messages == nil {
		t.Error("messages is null; want an empty array")
	}
}

// ── Probes and middleware ─────────────────────────────────────────────────────

func TestState_ReflectsFlow(t *testing.T) {
	env := newTestEnv(t)

	state := decode[stateResponse](t, env.get(t, "/state"))
	if state.State != practice.StateWaiting {
		t.Errorf("initial state = %q, want waiting", state.State)
	}

	env.post(t, "/session/connect", `{"instructions":"hello"}`)

	state = decode[stateResponse](t, env.get(t, "/state"))
	if state.State != practice.StateActive {
		t.Errorf("state after connect = %q, want active", state.State)
	}
	if state.SessionID == "" {
		t.Error("session_id missing after connect")
	}
}

func TestHealthz_Registered(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestResponses_PropagateCorrelationID(t *testing.T) {
	env := newTestEnv(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req, err := http.NewRequest("GET", env.srv.URL+"/state", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /state: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q; middleware not wired", got, traceID)
	}
}

// ── Archived sessions ─────────────────────────────────────────────────────────

type stubArchive struct {
	sessions map[string][]archive.Entry
	err      error
}

func (s *stubArchive) GetSession(_ context.Context, id string) ([]archive.Entry, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.sessions[id], nil
}

func (s *stubArchive) RecentSessions(context.Context, time.Duration) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func newArchiveEnv(t *testing.T, a Archive) *testEnv {
	t.Helper()
	env := &testEnv{translator: &stubTranslator{}, recorder: &stubRecorder{}}
	ctrl, err := practice.New(practice.Config{
		Translator: env.translator,
		Dial: func(context.Context, transport.Config) (practice.Live, error) {
			return &stubLive{}, nil
		},
		AgentURL:     "wss://agent.test/live",
		PracticeLang: "fr-FR",
		NativeLang:   "en-US",
		Player:       stubPlayer{},
		NewRecorder:  func(capture.EventSender) practice.Recorder { return env.recorder },
	})
	if err != nil {
		t.Fatalf("practice.New: %v", err)
	}
	env.srv = httptest.NewServer(New(ctrl, nil, WithArchive(a)).Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func TestSessions_ListsArchivedIDs(t *testing.T) {
	env := newArchiveEnv(t, &stubArchive{sessions: map[string][]archive.Entry{
		"aaa": {{SessionID: "aaa", Seq: 0, Kind: "text", Role: "user", Text: "Bonjour"}},
		"bbb": {{SessionID: "bbb", Seq: 0, Kind: "text", Role: "user", Text: "Salut"}},
	}})

	resp := env.get(t, "/sessions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[map[string][]string](t, resp)
	if got := body["sessions"]; len(got) != 2 || got[0] != "aaa" || got[1] != "bbb" {
		t.Errorf("sessions = %v", got)
	}
}

func TestSession_ReturnsTranscript(t *testing.T) {
	env := newArchiveEnv(t, &stubArchive{sessions: map[string][]archive.Entry{
		"aaa": {{SessionID: "aaa", Seq: 0, Kind: "text", Role: "user", Text: "Bonjour"}},
	}})

	resp := env.get(t, "/sessions/aaa")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		SessionID string          `json:"session_id"`
		Entries   []archive.Entry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].Text != "Bonjour" {
		t.Errorf("entries = %+v", body.Entries)
	}
}

func TestSession_UnknownIDIs404(t *testing.T) {
	env := newArchiveEnv(t, &stubArchive{sessions: map[string][]archive.Entry{}})

	resp := env.get(t, "/sessions/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSessions_WithoutArchiveIs503(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/sessions")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
