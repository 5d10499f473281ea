package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tandemvox/tandem/internal/observe"
	"github.com/tandemvox/tandem/pkg/audio"
)

// defaultQueueCap is the initial capacity hint for the pending-buffer queue.
const defaultQueueCap = 16

// ErrClosed is returned by operations on an engine whose Close method has
// been called.
var ErrClosed = errors.New("playback: engine is closed")

// ScheduledBuffer is a decoded audio buffer bound to a start time on the
// engine clock. Buffers are owned exclusively by the engine: created on
// decode, discarded when playback finishes or the engine is stopped.
type ScheduledBuffer struct {
	// Buffer is the decoded linear audio.
	Buffer audio.Buffer

	// Start is the position on the engine clock at which playback begins.
	Start time.Duration

	epoch uint64
	done  chan struct{}
}

// Done returns a channel closed when the buffer has finished playing or has
// been discarded by [Engine.Stop].
func (b *ScheduledBuffer) Done() <-chan struct{} { return b.done }

// Option configures an [Engine].
type Option func(*Engine)

// WithClock replaces the engine's output clock. Used by tests to pin the
// timeline.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithDecoder replaces the wire decoder. The default decodes at
// [audio.PlaybackRate].
func WithDecoder(d *audio.Decoder) Option {
	return func(e *Engine) { e.dec = d }
}

// WithMetrics sets the metrics instance used for buffer and lag accounting.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine schedules decoded audio buffers for gapless output.
//
// Enqueued buffers play in enqueue order, never reordered, regardless of
// per-buffer decode latency: a buffer's slot on the timeline is claimed the
// moment its decode completes, and decodes triggered by Enqueue are
// serialised. If enqueues fall behind playback a gap is an acceptable
// degraded-mode outcome, not an error.
//
// All exported methods are safe for concurrent use, though in the intended
// wiring Enqueue is only ever called from the transport's inbound handler.
type Engine struct {
	clock   Clock
	sink    Sink
	dec     *audio.Decoder
	metrics *observe.Metrics

	// decodeMu serialises decodes: the stateful Opus decoder is not
	// concurrent-safe, and serialising here is what pins FIFO timeline order.
	decodeMu sync.Mutex

	mu        sync.Mutex
	nextStart time.Duration
	epoch     uint64
	queue     []*ScheduledBuffer
	closed    bool

	// halt is closed on Stop (and replaced) to interrupt any timeline wait
	// the dispatch goroutine is in for the current epoch.
	halt chan struct{}

	notify chan struct{}
	done   chan struct{}
}

// New creates an Engine playing through sink. The engine starts its dispatch
// goroutine immediately; call [Engine.Close] to release it.
func New(sink Sink, opts ...Option) *Engine {
	e := &Engine{
		clock:  NewClock(),
		sink:   sink,
		dec:    audio.NewDecoder(audio.PlaybackRate),
		queue:  make([]*ScheduledBuffer, 0, defaultQueueCap),
		halt:   make(chan struct{}),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	go e.dispatch()
	return e
}

// Enqueue decodes payload and schedules it at max(nextStart, now), then
// advances nextStart by the buffer's duration. A malformed payload is
// reported via [audio.MalformedAudioError]; the schedule is unaffected and
// playback continues with subsequent buffers.
//
// A decode that completes after an intervening [Engine.Stop] is discarded
// rather than scheduled: the buffer belongs to the stopped session.
func (e *Engine) Enqueue(p audio.Payload) error {
	_, err := e.enqueue(p)
	return err
}

func (e *Engine) enqueue(p audio.Payload) (*ScheduledBuffer, error) {
	e.decodeMu.Lock()
	defer e.decodeMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	epoch := e.epoch
	e.mu.Unlock()

	buf, err := e.dec.Decode(p)
	if err != nil {
		return nil, fmt.Errorf("playback: decode: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if e.epoch != epoch {
		// Stop raced the decode; the session this buffer belongs to is gone.
		slog.Debug("playback: discarding buffer decoded after stop")
		return nil, nil
	}

	start := e.nextStart
	now := e.clock.Now()
	if now > start {
		start = now
	}
	e.nextStart = start + buf.Duration()

	sb := &ScheduledBuffer{
		Buffer: buf,
		Start:  start,
		epoch:  epoch,
		done:   make(chan struct{}),
	}
	e.queue = append(e.queue, sb)

	ctx := context.Background()
	e.metrics.BuffersScheduled.Add(ctx, 1)
	e.metrics.RecordAudioBytes(ctx, "in", int64(2*len(buf.Samples)))
	e.metrics.PlaybackStartLag.Record(ctx, (start - now).Seconds())

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return sb, nil
}

// Stop immediately halts the currently playing buffer, discards all pending
// schedule state, and resets the timeline origin. In-flight decodes that
// complete after Stop are discarded. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.epoch++
	e.nextStart = 0
	pending := e.queue
	e.queue = e.queue[len(e.queue):]
	close(e.halt)
	e.halt = make(chan struct{})
	e.mu.Unlock()

	for _, sb := range pending {
		close(sb.done)
	}
	if err := e.sink.Halt(); err != nil {
		slog.Warn("playback: sink halt", "err", err)
	}
}

// Resume restarts the output device if it is suspended; a no-op otherwise.
// Output devices commonly suspend after a period of inactivity.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()
	return e.sink.Resume(ctx)
}

// PlayBlocking stops any current playback, enqueues payloads in order, and
// returns when the last buffer finishes playing (or ctx is cancelled). An
// empty payload list returns immediately. This serves on-demand "play this
// past message" requests, distinct from the live streaming path.
func (e *Engine) PlayBlocking(ctx context.Context, payloads []audio.Payload) error {
	e.Stop()

	var last *ScheduledBuffer
	for i, p := range payloads {
		sb, err := e.enqueue(p)
		if err != nil {
			return fmt.Errorf("playback: enqueue %d: %w", i, err)
		}
		if sb != nil {
			last = sb
		}
	}
	if last == nil {
		return nil
	}

	select {
	case <-last.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops playback, terminates the dispatch goroutine, and closes the
// sink. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.epoch++
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, sb := range pending {
		close(sb.done)
	}
	close(e.done)
	return e.sink.Close()
}

// dispatch is the background goroutine that paces scheduled buffers: it
// waits on the timeline until each buffer's start, hands it to the sink, and
// resolves its done channel at start+duration. Buffers stranded from a
// stopped epoch are dropped without touching the sink.
func (e *Engine) dispatch() {
	for {
		select {
		case <-e.done:
			return
		case <-e.notify:
		}

		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			sb := e.queue[0]
			e.queue = e.queue[1:]
			current := e.epoch
			halt := e.halt
			e.mu.Unlock()

			if sb.epoch != current {
				close(sb.done)
				continue
			}

			if !e.waitUntil(sb.Start, halt) {
				close(sb.done)
				continue
			}

			// Stop may have landed while we waited; the buffer belongs to the
			// old epoch then and must never reach the sink.
			e.mu.Lock()
			stale := e.epoch != sb.epoch
			e.mu.Unlock()
			if stale {
				close(sb.done)
				continue
			}

			if err := e.sink.Play(sb.Buffer, sb.Start); err != nil {
				slog.Warn("playback: sink play", "err", err, "start", sb.Start)
			}
			e.waitUntil(sb.Start+sb.Buffer.Duration(), halt)
			close(sb.done)
		}
	}
}

// waitUntil blocks until the clock reaches pos. It returns false when the
// wait is cut short by Stop or Close.
func (e *Engine) waitUntil(pos time.Duration, halt <-chan struct{}) bool {
	delay := pos - e.clock.Now()
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-halt:
		return false
	case <-e.done:
		return false
	}
}
