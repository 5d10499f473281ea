// Package practice orchestrates one language-practice session: it localizes
// the scenario instructions, opens the live transport, wires inbound events
// to playback and the chat history, and owns the microphone lifecycle.
//
// The practice flow moves Waiting → Translating → Connecting → Active, with
// a reset path back to Waiting from every state. The controller is the only
// writer of the chat history; consumers read immutable snapshots.
package practice

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tandemvox/tandem/internal/observe"
	"github.com/tandemvox/tandem/internal/translate"
	"github.com/tandemvox/tandem/internal/transport"
	"github.com/tandemvox/tandem/pkg/audio"
	"github.com/tandemvox/tandem/pkg/audio/capture"
	"github.com/tandemvox/tandem/pkg/session"
)

// State is a practice-flow state.
type State string

const (
	StateWaiting     State = "waiting"
	StateTranslating State = "translating"
	StateConnecting  State = "connecting"
	StateActive      State = "active"
)

// connectionLostText is appended to the history when the transport drops
// unexpectedly, so the transcript self-documents the failure.
const connectionLostText = "Connection lost — check your network and reconnect."

// ErrNoSession reports an operation that needs an active session when none
// is open.
var ErrNoSession = errors.New("no active session")

// Translator localizes scenario instructions into the practice language.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (translate.Result, error)
}

// Live is an open duplex session with the conversation agent.
type Live interface {
	Send(ev session.Event) error
	OnEvent(handler func(session.Event))
	OnClose(handler func(error))
	Closed() bool
	Close() error
}

// Dialer opens a live session. In production this wraps [transport.Dial].
type Dialer func(ctx context.Context, cfg transport.Config) (Live, error)

// Player schedules inbound agent audio for gapless playback.
type Player interface {
	Enqueue(p audio.Payload) error
	Stop()
}

// Recorder is the microphone side of a session.
type Recorder interface {
	Start(ctx context.Context) error
	Stop()
	Recording() bool
}

// Archiver persists a finished session's history.
type Archiver interface {
	SaveHistory(ctx context.Context, sessionID string, h session.History) error
}

// Config wires a Controller's collaborators.
type Config struct {
	// Translator localizes instructions during Connect. Required.
	Translator Translator

	// Dial opens the live session. Required.
	Dial Dialer

	// AgentURL is the conversation agent's WebSocket endpoint.
	AgentURL string

	// PracticeLang and NativeLang are the learner's language pair.
	PracticeLang string
	NativeLang   string

	// Modality selects the agent's response channel, "audio" or "text".
	Modality string

	// Player receives inbound assistant audio. Required.
	Player Player

	// NewRecorder builds the capture side bound to an open live session.
	// Required; in production this constructs a [capture.Pipeline] whose
	// sender is the live session.
	NewRecorder func(sender capture.EventSender) Recorder

	// Archive, when non-nil, receives the history of every reset session.
	Archive Archiver

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Controller runs the practice flow. All methods are safe for concurrent
// use; inbound transport events and local operations serialise on one lock,
// so history folding preserves arrival order.
type Controller struct {
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	history   session.History
	live      Live
	recorder  Recorder
}

// New creates a Controller in the Waiting state.
func New(cfg Config) (*Controller, error) {
	if cfg.Translator == nil {
		return nil, errors.New("practice: Config.Translator is required")
	}
	if cfg.Dial == nil {
		return nil, errors.New("practice: Config.Dial is required")
	}
	if cfg.Player == nil {
		return nil, errors.New("practice: Config.Player is required")
	}
	if cfg.NewRecorder == nil {
		return nil, errors.New("practice: Config.NewRecorder is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		state:   StateWaiting,
	}, nil
}

// State returns the current practice-flow state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the identifier of the current (or most recent) session.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// History returns the current chat history. The returned value is an
// immutable snapshot: later events never mutate it.
func (c *Controller) History() session.History {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history
}

// connectParams holds the per-session settings Connect resolves from the
// controller defaults and any [ConnectOption] overrides.
type connectParams struct {
	practiceLang string
	nativeLang   string
	modality     string
}

// ConnectOption overrides a controller default for one session.
type ConnectOption func(*connectParams)

// WithLanguages overrides the language pair for one session. Empty values
// keep the controller defaults.
func WithLanguages(practice, native string) ConnectOption {
	return func(p *connectParams) {
		if practice != "" {
			p.practiceLang = practice
		}
		if native != "" {
			p.nativeLang = native
		}
	}
}

// WithModality overrides the agent response channel for one session. An
// empty value keeps the controller default.
func WithModality(modality string) ConnectOption {
	return func(p *connectParams) {
		if modality != "" {
			p.modality = modality
		}
	}
}

// Recording reports whether the microphone is currently open.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	rec := c.recorder
	c.mu.Unlock()
	return rec != nil && rec.Recording()
}

// Connect runs the full session setup: localize instructions, dial the
// agent, wire playback and history, build the recorder, and send the
// initialize event. Any prior session is reset first. On failure the state
// reverts to Waiting and the error keeps its stage-specific type, so a
// [translate.TranslationError] and a [transport.ConnectionError] stay
// distinguishable.
func (c *Controller) Connect(ctx context.Context, instructions string, opts ...ConnectOption) error {
	params := connectParams{
		practiceLang: c.cfg.PracticeLang,
		nativeLang:   c.cfg.NativeLang,
		modality:     c.cfg.Modality,
	}
	for _, opt := range opts {
		opt(&params)
	}

	c.Reset(ctx)

	start := time.Now()

	c.mu.Lock()
	c.state = StateTranslating
	c.mu.Unlock()

	res, err := c.cfg.Translator.Translate(ctx, instructions, params.nativeLang, params.practiceLang)
	if err != nil {
		c.revertToWaiting()
		return fmt.Errorf("practice: connect: %w", err)
	}

	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	live, err := c.cfg.Dial(ctx, transport.Config{
		URL:          c.cfg.AgentURL,
		PracticeLang: params.practiceLang,
		NativeLang:   params.nativeLang,
		Modality:     params.modality,
	})
	if err != nil {
		c.revertToWaiting()
		return fmt.Errorf("practice: connect: %w", err)
	}

	// The handlers capture this live instance so events from a previous
	// session can never fold into the new history after a reset.
	live.OnEvent(func(ev session.Event) { c.handleEvent(live, ev) })
	live.OnClose(func(err error) { c.handleClose(live, err) })

	c.mu.Lock()
	c.live = live
	c.recorder = c.cfg.NewRecorder(live)
	c.sessionID = newSessionID()
	c.state = StateActive
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, 1)
	c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	c.log.Info("practice session active", "session_id", c.SessionID())

	return live.Send(session.Event{
		Type:      session.EventInitialize,
		Role:      session.RoleSystem,
		Text:      res.TranslatedText,
		EndOfTurn: true,
	})
}

// StartRecording opens the microphone. A [capture.DeviceAccessError]
// propagates to the caller with the session untouched, so the user can fix
// permissions and retry. On success an optimistic audio placeholder joins
// the history immediately, before any frame round-trips.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	rec := c.recorder
	active := c.state == StateActive
	c.mu.Unlock()

	if !active || rec == nil {
		return fmt.Errorf("practice: start recording: %w", ErrNoSession)
	}
	if err := rec.Start(ctx); err != nil {
		return fmt.Errorf("practice: start recording: %w", err)
	}

	c.fold(session.Event{
		Type: session.EventAudio,
		Role: session.RoleUser,
	})
	return nil
}

// StopRecording closes the microphone and marks the optimistic placeholder
// complete.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	rec := c.recorder
	c.mu.Unlock()

	if rec == nil {
		return nil
	}
	rec.Stop()

	c.fold(session.Event{
		Type:      session.EventAudio,
		Role:      session.RoleUser,
		EndOfTurn: true,
	})
	return nil
}

// SendMessage appends a user text message locally and transmits it to the
// agent. The local append is optimistic: the UI updates regardless of
// network latency. When no session is open the message is logged and
// dropped without effect.
func (c *Controller) SendMessage(text string) error {
	c.mu.Lock()
	live := c.live
	c.mu.Unlock()

	if live == nil || live.Closed() {
		c.log.Warn("dropping message: no open session", "text_len", len(text))
		return nil
	}

	ev := session.Event{
		Type:      session.EventText,
		Role:      session.RoleUser,
		Text:      text,
		EndOfTurn: true,
	}
	c.fold(ev)
	return live.Send(ev)
}

// Reset tears the session down to the Waiting state: stop recording, stop
// playback, close the transport, archive and clear the history. Safe to
// call repeatedly and from half-built sessions.
func (c *Controller) Reset(ctx context.Context) {
	c.mu.Lock()
	live := c.live
	rec := c.recorder
	history := c.history
	sessionID := c.sessionID
	wasActive := c.state == StateActive
	c.live = nil
	c.recorder = nil
	c.history = nil
	c.state = StateWaiting
	c.mu.Unlock()

	if rec != nil {
		rec.Stop()
	}
	c.cfg.Player.Stop()
	if live != nil {
		if err := live.Close(); err != nil {
			c.log.Warn("reset: closing transport", "error", err)
		}
	}
	if wasActive {
		c.metrics.ActiveSessions.Add(ctx, -1)
	}

	if c.cfg.Archive != nil && len(history) > 0 {
		if err := c.cfg.Archive.SaveHistory(ctx, sessionID, history); err != nil {
			c.log.Warn("reset: archiving history", "session_id", sessionID, "error", err)
		}
	}
}

// handleEvent fans one inbound event out: assistant audio goes to the
// player, everything folds into the history in arrival order.
func (c *Controller) handleEvent(from Live, ev session.Event) {
	if ev.Type == session.EventAudio && ev.Role == session.RoleAssistant {
		if err := c.cfg.Player.Enqueue(ev.AudioPayload()); err != nil {
			var malformed *audio.MalformedAudioError
			if errors.As(err, &malformed) {
				// Drop the unit, keep the session going.
				c.log.Warn("dropping malformed audio payload", "mime_type", malformed.MIMEType, "reason", malformed.Reason)
				c.metrics.RecordDroppedFrame(context.Background(), "malformed")
			} else {
				c.log.Error("enqueueing agent audio", "error", err)
			}
		}
	}

	c.mu.Lock()
	if c.live != from {
		c.mu.Unlock()
		return
	}
	c.history = session.Reduce(c.history, ev)
	c.mu.Unlock()

	c.metrics.RecordEventReduced(context.Background(), string(ev.Type))
}

// handleClose reacts to the transport terminating. A nil error means a
// local close (Reset already ran); a non-nil error is an unexpected drop,
// which surfaces as a synthesized error entry and a revert to Waiting.
func (c *Controller) handleClose(from Live, err error) {
	if err == nil {
		return
	}

	c.mu.Lock()
	if c.live != from {
		c.mu.Unlock()
		return
	}
	c.history = session.Reduce(c.history, session.Event{
		Type: session.EventError,
		Role: session.RoleSystem,
		Text: connectionLostText,
	})
	rec := c.recorder
	c.live = nil
	c.recorder = nil
	c.state = StateWaiting
	c.mu.Unlock()

	c.log.Warn("session transport dropped", "error", err)
	if rec != nil {
		rec.Stop()
	}
	c.cfg.Player.Stop()
	c.metrics.ActiveSessions.Add(context.Background(), -1)
}

// fold appends one locally generated event to the history.
func (c *Controller) fold(ev session.Event) {
	c.mu.Lock()
	c.history = session.Reduce(c.history, ev)
	c.mu.Unlock()
}

func (c *Controller) revertToWaiting() {
	c.mu.Lock()
	c.state = StateWaiting
	c.mu.Unlock()
}

// newSessionID returns a random 16-hex-digit session identifier.
func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
