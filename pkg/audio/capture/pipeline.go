package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/tandemvox/tandem/internal/observe"
	"github.com/tandemvox/tandem/pkg/audio"
	"github.com/tandemvox/tandem/pkg/session"
)

// EventSender is the outbound half of the session transport as the pipeline
// sees it. Implementations silently drop events when the channel is not
// open — stale microphone audio has no value once the connection drops, so
// the pipeline never queues.
type EventSender interface {
	Send(ev session.Event) error
}

// Pipeline converts microphone frames into outbound audio events tagged
// role=user, end_of_turn=false. Frames are emitted synchronously per capture
// tick with no send-path buffering.
//
// Safe for concurrent use.
type Pipeline struct {
	source  Source
	sender  EventSender
	metrics *observe.Metrics

	mu        sync.Mutex
	recording bool
	stopped   chan struct{} // closed when the forward goroutine exits
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics sets the metrics instance used for frame and byte accounting.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline creates a pipeline reading from source and emitting through
// sender.
func NewPipeline(source Source, sender EventSender, opts ...Option) *Pipeline {
	p := &Pipeline{source: source, sender: sender}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Start acquires the input device and begins emitting frames. Starting while
// already recording is a no-op. A [DeviceAccessError] from the source
// propagates to the caller; the pipeline stays idle in that case.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.recording {
		return nil
	}

	frames, err := p.source.Start(ctx)
	if err != nil {
		return fmt.Errorf("capture: start source: %w", err)
	}

	p.recording = true
	p.stopped = make(chan struct{})
	go p.forward(frames, p.stopped)
	return nil
}

// Stop releases the device and halts frame emission. No frames are emitted
// after Stop returns. Calling Stop when not recording is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return
	}
	p.recording = false
	stopped := p.stopped
	p.mu.Unlock()

	_ = p.source.Stop()
	<-stopped // deterministic: the forward goroutine has exited
}

// Recording reports whether the pipeline currently holds the input device.
func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

// forward emits one outbound event per captured frame until the source's
// channel closes.
func (p *Pipeline) forward(frames <-chan audio.Frame, stopped chan<- struct{}) {
	defer close(stopped)

	for frame := range frames {
		payload := audio.Encode(frame.Samples, frame.Rate)
		// Send failures surface through the transport's close handler; by
		// then the frame is stale anyway.
		_ = p.sender.Send(session.Event{
			Type:     session.EventAudio,
			Role:     session.RoleUser,
			Audio:    payload.Data,
			MIMEType: payload.MIMEType,
		})
		p.metrics.CaptureFrames.Add(context.Background(), 1)
		p.metrics.RecordAudioBytes(context.Background(), "out", int64(2*len(frame.Samples)))
	}
}
