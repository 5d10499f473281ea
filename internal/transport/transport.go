// Package transport maintains the WebSocket connection to the live
// conversation agent.
//
// Messages in both directions are JSON-framed [session.Event] values. The
// transport is deliberately thin: it dials, frames, validates, and keeps the
// connection alive. Interpreting events is the session controller's job.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tandemvox/tandem/internal/observe"
	"github.com/tandemvox/tandem/pkg/session"
)

const (
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ConnectionError indicates that the live session endpoint could not be
// reached or the connection failed mid-session.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connecting to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Config carries the dial parameters for a live session.
type Config struct {
	// URL is the WebSocket endpoint of the conversation agent.
	URL string

	// PracticeLang is the language the learner is practising (BCP 47 tag).
	PracticeLang string

	// NativeLang is the learner's native language (BCP 47 tag).
	NativeLang string

	// Modality selects the agent's response channel, "audio" or "text".
	Modality string
}

// Option is a functional option for configuring a LiveSession.
type Option func(*LiveSession)

// WithMetrics sets the metrics instance used for dropped-frame accounting.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *LiveSession) { s.metrics = m }
}

// WithLogger sets the logger for frame-level diagnostics. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *LiveSession) { s.log = l }
}

// LiveSession is an open WebSocket connection to the conversation agent.
//
// All methods are safe for concurrent use. After Close (or a remote
// disconnect) the session stays in a terminal closed state; Send becomes a
// logged no-op rather than an error, so late audio frames from the capture
// pipeline are dropped silently instead of failing the pipeline.
type LiveSession struct {
	conn    *websocket.Conn
	metrics *observe.Metrics
	log     *slog.Logger

	mu           sync.Mutex
	handler      func(session.Event)
	closeHandler func(error)
	closed       bool
	errVal       error

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the conversation agent described by cfg. The practice
// language, native language, and modality travel as URL query parameters.
// The returned session is live: its receive and keepalive loops are already
// running.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*LiveSession, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &ConnectionError{URL: cfg.URL, Err: err}
	}
	q := u.Query()
	q.Set("practice_lang", cfg.PracticeLang)
	q.Set("native_lang", cfg.NativeLang)
	q.Set("modality", cfg.Modality)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, &ConnectionError{URL: cfg.URL, Err: err}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:   conn,
		ctx:    sessCtx,
		cancel: sessCancel,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

// OnEvent registers the handler invoked for every valid inbound event. There
// is a single handler slot; registering replaces any previous handler.
// Register before the agent starts talking to avoid dropped events.
func (s *LiveSession) OnEvent(handler func(session.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// OnClose registers a hook invoked exactly once when the connection
// terminates. The hook receives nil after a local Close and the terminal
// read error after a remote disconnect.
func (s *LiveSession) OnClose(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandler = handler
}

// Send transmits ev as a JSON text frame. When the session is closed the
// event is dropped with a debug log and Send returns nil; callers that need
// to distinguish should check Closed first.
func (s *LiveSession) Send(ev session.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Debug("dropping event on closed transport", "type", ev.Type)
		return nil
	}
	s.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("transport: marshal event: %w", err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		if s.ctx.Err() != nil {
			return nil
		}
		return &ConnectionError{Err: err}
	}
	return nil
}

// Closed reports whether the session has terminated, locally or remotely.
func (s *LiveSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Err returns the error that terminated the session, or nil after a clean
// local Close.
func (s *LiveSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// receiveLoop reads frames from the WebSocket and dispatches valid events to
// the registered handler. It owns the close hook: the hook fires exactly once
// when the loop exits.
func (s *LiveSession) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				s.finish(nil)
				return
			}
			s.finish(err)
			return
		}

		var ev session.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn("dropping malformed frame", "error", err)
			s.metrics.RecordDroppedFrame(s.ctx, "malformed")
			continue
		}
		if !ev.Valid() {
			s.log.Warn("dropping invalid event", "type", ev.Type, "role", ev.Role)
			s.metrics.RecordDroppedFrame(s.ctx, "invalid")
			continue
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}
}

// finish marks the session closed and fires the close hook once.
func (s *LiveSession) finish(err error) {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	if s.errVal == nil {
		s.errVal = err
	}
	hook := s.closeHandler
	s.mu.Unlock()

	if !alreadyClosed {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session over")
	}
	if hook != nil {
		s.closeOnce.Do(func() { hook(err) })
	}
}

// keepaliveLoop sends WebSocket pings so idle sessions survive intermediary
// timeouts.
func (s *LiveSession) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// Close terminates the session and releases all resources. Idempotent. The
// OnClose hook, if registered, receives nil.
func (s *LiveSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hook := s.closeHandler
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	s.conn.Close(websocket.StatusNormalClosure, "session over")
	if hook != nil {
		s.closeOnce.Do(func() { hook(nil) })
	}
	return nil
}
