package practice_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tandemvox/tandem/internal/practice"
	"github.com/tandemvox/tandem/internal/translate"
	"github.com/tandemvox/tandem/internal/transport"
	"github.com/tandemvox/tandem/pkg/audio"
	"github.com/tandemvox/tandem/pkg/audio/capture"
	"github.com/tandemvox/tandem/pkg/session"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeTranslator struct {
	mu    sync.Mutex
	res   translate.Result
	err   error
	calls int
}

func (f *fakeTranslator) Translate(_ context.Context, text, sourceLang, targetLang string) (translate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return translate.Result{}, f.err
	}
	if f.res.TranslatedText == "" {
		return translate.Result{TranslatedText: "localized: " + text}, nil
	}
	return f.res, nil
}

type fakeLive struct {
	mu      sync.Mutex
	sent    []session.Event
	onEvent func(session.Event)
	onClose func(error)
	closed  bool
}

func (f *fakeLive) Send(ev session.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeLive) OnEvent(h func(session.Event)) { f.mu.Lock(); f.onEvent = h; f.mu.Unlock() }
func (f *fakeLive) OnClose(h func(error))         { f.mu.Lock(); f.onClose = h; f.mu.Unlock() }

func (f *fakeLive) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeLive) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	hook := f.onClose
	f.mu.Unlock()
	if hook != nil {
		hook(nil)
	}
	return nil
}

// emit delivers an inbound event the way the transport's receive loop would.
func (f *fakeLive) emit(ev session.Event) {
	f.mu.Lock()
	h := f.onEvent
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// drop simulates an unexpected remote disconnect.
func (f *fakeLive) drop(err error) {
	f.mu.Lock()
	f.closed = true
	hook := f.onClose
	f.mu.Unlock()
	if hook != nil {
		hook(err)
	}
}

func (f *fakeLive) sentEvents() []session.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Event(nil), f.sent...)
}

type fakePlayer struct {
	mu       sync.Mutex
	enqueued []audio.Payload
	enqErr   error
	stops    int
}

func (f *fakePlayer) Enqueue(p audio.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqErr != nil {
		return f.enqErr
	}
	f.enqueued = append(f.enqueued, p)
	return nil
}

func (f *fakePlayer) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakePlayer) enqueuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

type fakeRecorder struct {
	mu        sync.Mutex
	startErr  error
	recording bool
	starts    int
	stops     int
}

func (f *fakeRecorder) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.recording = true
	return nil
}

func (f *fakeRecorder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.recording = false
}

func (f *fakeRecorder) Recording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

type fakeArchiver struct {
	mu     sync.Mutex
	saved  map[string]session.History
	calls  int
	retErr error
}

func (f *fakeArchiver) SaveHistory(_ context.Context, id string, h session.History) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.saved == nil {
		f.saved = map[string]session.History{}
	}
	f.saved[id] = h
	return f.retErr
}

// harness bundles a controller with its fakes.
type harness struct {
	ctrl       *practice.Controller
	translator *fakeTranslator
	live       *fakeLive
	player     *fakePlayer
	recorder   *fakeRecorder
	archiver   *fakeArchiver
	dialErr    error
	dials      int
	dialCfg    transport.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		translator: &fakeTranslator{},
		live:       &fakeLive{},
		player:     &fakePlayer{},
		recorder:   &fakeRecorder{},
		archiver:   &fakeArchiver{},
	}
	ctrl, err := practice.New(practice.Config{
		Translator: h.translator,
		Dial: func(_ context.Context, cfg transport.Config) (practice.Live, error) {
			h.dials++
			h.dialCfg = cfg
			if h.dialErr != nil {
				return nil, h.dialErr
			}
			return h.live, nil
		},
		AgentURL:     "wss://agent.test/live",
		PracticeLang: "fr-FR",
		NativeLang:   "en-US",
		Modality:     "audio",
		Player:       h.player,
		NewRecorder:  func(capture.EventSender) practice.Recorder { return h.recorder },
		Archive:      h.archiver,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Connect(context.Background(), "You are a waiter."); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_ReachesActiveAndSendsInitialize(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.connect(t)

	if got := h.ctrl.State(); got != practice.StateActive {
		t.Errorf("state = %q, want active", got)
	}
	if h.ctrl.SessionID() == "" {
		t.Error("session ID is empty after connect")
	}

	sent := h.live.sentEvents()
	if len(sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(sent))
	}
	init := sent[0]
	if init.Type != session.EventInitialize || init.Role != session.RoleSystem {
		t.Errorf("initialize event = %+v", init)
	}
	if init.Text != "localized: You are a waiter." {
		t.Errorf("initialize text = %q; localization missing", init.Text)
	}
	if !init.EndOfTurn {
		t.Error("initialize event not marked end_of_turn")
	}
}

func TestConnect_OptionsOverrideDefaults(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	err := h.ctrl.Connect(context.Background(), "instructions",
		practice.WithLanguages("es-ES", ""),
		practice.WithModality("text"),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if h.dialCfg.PracticeLang != "es-ES" {
		t.Errorf("practice lang = %q, want override es-ES", h.dialCfg.PracticeLang)
	}
	if h.dialCfg.NativeLang != "en-US" {
		t.Errorf("native lang = %q, want default en-US", h.dialCfg.NativeLang)
	}
	if h.dialCfg.Modality != "text" {
		t.Errorf("modality = %q, want override text", h.dialCfg.Modality)
	}
}

func TestConnect_TranslationFailureRevertsToWaiting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.translator.err = &translate.TranslationError{Err: errors.New("service down")}

	err := h.ctrl.Connect(context.Background(), "instructions")
	if err == nil {
		t.Fatal("Connect succeeded despite translation failure")
	}
	var trErr *translate.TranslationError
	if !errors.As(err, &trErr) {
		t.Errorf("error type = %T; want *translate.TranslationError", err)
	}
	if got := h.ctrl.State(); got != practice.StateWaiting {
		t.Errorf("state = %q, want waiting", got)
	}
	if h.dials != 0 {
		t.Errorf("dialled %d times despite translation failure", h.dials)
	}
}

func TestConnect_DialFailureRevertsToWaiting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dialErr = &transport.ConnectionError{URL: "wss://agent.test/live", Err: errors.New("refused")}

	err := h.ctrl.Connect(context.Background(), "instructions")
	if err == nil {
		t.Fatal("Connect succeeded despite dial failure")
	}
	var connErr *transport.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("error type = %T; want *transport.ConnectionError", err)
	}
	if got := h.ctrl.State(); got != practice.StateWaiting {
		t.Errorf("state = %q, want waiting", got)
	}
}

// ── SendMessage ───────────────────────────────────────────────────────────────

func TestSendMessage_OptimisticLocalAppend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	if err := h.ctrl.SendMessage("Bonjour !"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	hist := h.ctrl.History()
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	if hist[0].Role != session.RoleUser || hist[0].Text != "Bonjour !" {
		t.Errorf("history[0] = %+v", hist[0])
	}

	sent := h.live.sentEvents()
	if len(sent) != 2 || sent[1].Text != "Bonjour !" {
		t.Errorf("remote events = %+v; want initialize then the message", sent)
	}
}

func TestSendMessage_DroppedWithoutOpenSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.ctrl.SendMessage("into the void"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(h.ctrl.History()) != 0 {
		t.Error("message appended to history without an open session")
	}

	h.connect(t)
	h.live.Close()

	if err := h.ctrl.SendMessage("still dropped"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(h.ctrl.History()) != 0 {
		t.Error("message appended to history on a closed session")
	}
}

// ── Recording ─────────────────────────────────────────────────────────────────

func TestStartRecording_AppendsOptimisticPlaceholder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	if err := h.ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if h.recorder.starts != 1 {
		t.Errorf("recorder starts = %d, want 1", h.recorder.starts)
	}

	hist := h.ctrl.History()
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	ph := hist[0]
	if ph.Type != session.EventAudio || ph.Role != session.RoleUser || ph.EndOfTurn {
		t.Errorf("placeholder = %+v; want in-progress user audio", ph)
	}
}

func TestStopRecording_CoalescesPlaceholder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	if err := h.ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := h.ctrl.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	hist := h.ctrl.History()
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1 (placeholders must coalesce)", len(hist))
	}
	if !hist[0].EndOfTurn {
		t.Error("placeholder not marked end_of_turn after stop")
	}
	if h.recorder.stops == 0 {
		t.Error("recorder was not stopped")
	}
}

func TestStartRecording_DeviceAccessErrorPropagates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)
	h.recorder.startErr = &capture.DeviceAccessError{Device: "default", Err: errors.New("permission denied")}

	err := h.ctrl.StartRecording(context.Background())
	if err == nil {
		t.Fatal("StartRecording succeeded despite device failure")
	}
	var devErr *capture.DeviceAccessError
	if !errors.As(err, &devErr) {
		t.Errorf("error type = %T; want *capture.DeviceAccessError", err)
	}
	if got := h.ctrl.State(); got != practice.StateActive {
		t.Errorf("state = %q; device failure must not tear down the session", got)
	}
	if len(h.ctrl.History()) != 0 {
		t.Error("placeholder appended despite device failure")
	}
}

func TestStartRecording_RequiresActiveSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.ctrl.StartRecording(context.Background()); err == nil {
		t.Fatal("StartRecording succeeded without a session")
	}
}

// ── Inbound fan-out ───────────────────────────────────────────────────────────

func TestInbound_AssistantAudioReachesPlayerAndHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	payload := audio.Encode([]float32{0.25, -0.25, 0.5}, audio.PlaybackRate)
	h.live.emit(session.Event{
		Type:     session.EventAudio,
		Role:     session.RoleAssistant,
		Audio:    payload.Data,
		MIMEType: payload.MIMEType,
	})

	if got := h.player.enqueuedCount(); got != 1 {
		t.Errorf("player enqueued %d payloads, want 1", got)
	}
	hist := h.ctrl.History()
	if len(hist) != 1 || hist[0].Type != session.EventAudio || hist[0].Role != session.RoleAssistant {
		t.Errorf("history = %+v; want one assistant audio entry", hist)
	}
}

func TestInbound_TextFoldsInArrivalOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	h.live.emit(session.Event{Type: session.EventText, Role: session.RoleAssistant, Text: "Bien"})
	h.live.emit(session.Event{Type: session.EventText, Role: session.RoleAssistant, Text: "venue !", EndOfTurn: true})

	hist := h.ctrl.History()
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1 (streamed deltas must coalesce)", len(hist))
	}
	if hist[0].Text != "Bienvenue !" {
		t.Errorf("coalesced text = %q, want %q", hist[0].Text, "Bienvenue !")
	}
}

// ── Unexpected disconnect ─────────────────────────────────────────────────────

func TestUnexpectedDrop_SynthesizesErrorAndRevertsToWaiting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)
	if err := h.ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	h.player.mu.Lock()
	stopsBefore := h.player.stops
	h.player.mu.Unlock()

	h.live.drop(errors.New("connection reset by peer"))

	if got := h.ctrl.State(); got != practice.StateWaiting {
		t.Errorf("state = %q, want waiting after drop", got)
	}

	hist := h.ctrl.History()
	last, ok := hist.Last()
	if !ok {
		t.Fatal("history empty after drop; want synthesized error entry")
	}
	if last.Type != session.EventError || last.Role != session.RoleSystem {
		t.Errorf("last entry = %+v; want system error", last)
	}
	if last.Text == "" {
		t.Error("synthesized error entry has no text")
	}
	if h.recorder.stops == 0 {
		t.Error("recorder left running after drop")
	}
	h.player.mu.Lock()
	stopsAfter := h.player.stops
	h.player.mu.Unlock()
	if stopsAfter <= stopsBefore {
		t.Error("playback left running after drop")
	}
}

// ── Reset ─────────────────────────────────────────────────────────────────────

func TestReset_ClearsAndArchives(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)
	if err := h.ctrl.SendMessage("Bonjour !"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	id := h.ctrl.SessionID()

	h.ctrl.Reset(context.Background())

	if got := h.ctrl.State(); got != practice.StateWaiting {
		t.Errorf("state = %q, want waiting", got)
	}
	if len(h.ctrl.History()) != 0 {
		t.Error("history not cleared by reset")
	}
	if !h.live.Closed() {
		t.Error("transport left open by reset")
	}
	if h.player.stops == 0 {
		t.Error("playback not stopped by reset")
	}

	saved, ok := h.archiver.saved[id]
	if !ok {
		t.Fatalf("history not archived under session %q", id)
	}
	if len(saved) != 1 || saved[0].Text != "Bonjour !" {
		t.Errorf("archived history = %+v", saved)
	}
}

func TestReset_SafeRepeatedlyAndFromPartialState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Never connected.
	h.ctrl.Reset(context.Background())
	h.ctrl.Reset(context.Background())

	// Half-built: translation fails, then reset again.
	h.translator.err = &translate.TranslationError{Err: errors.New("down")}
	_ = h.ctrl.Connect(context.Background(), "instructions")
	h.ctrl.Reset(context.Background())

	if got := h.ctrl.State(); got != practice.StateWaiting {
		t.Errorf("state = %q, want waiting", got)
	}
	if h.archiver.calls != 0 {
		t.Errorf("archiver called %d times for empty histories", h.archiver.calls)
	}
}

func TestReset_StaleEventsDoNotFold(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)
	stale := h.live

	h.ctrl.Reset(context.Background())

	// A decode or dispatch that was in flight during reset must not land in
	// the fresh history.
	stale.emit(session.Event{Type: session.EventText, Role: session.RoleAssistant, Text: "ghost"})

	if len(h.ctrl.History()) != 0 {
		t.Error("event from a previous session folded into the new history")
	}
}
