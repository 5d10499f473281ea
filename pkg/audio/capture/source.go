// Package capture turns a live microphone stream into a steady sequence of
// outbound audio session events.
//
// A [Source] owns the input device and produces fixed-width normalized
// frames; the [Pipeline] converts each frame to wire PCM and emits it
// through the session transport. The split keeps the conversion/emission
// logic testable without audio hardware.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/tandemvox/tandem/pkg/audio"
)

// DeviceAccessError reports that the microphone could not be acquired:
// permission denied, no device present, or the recorder tool missing.
// It propagates to the caller of Start so the UI can show actionable
// feedback; it never affects an established session.
type DeviceAccessError struct {
	Device string
	Err    error
}

func (e *DeviceAccessError) Error() string {
	return fmt.Sprintf("capture: cannot access device %q: %v", e.Device, e.Err)
}

func (e *DeviceAccessError) Unwrap() error { return e.Err }

// Source is an exclusive handle on an audio input device.
//
// Start acquires the device and returns a channel of normalized mono frames.
// The channel is closed when the source is stopped or the device fails.
// Stop releases the device and is idempotent.
type Source interface {
	Start(ctx context.Context) (<-chan audio.Frame, error)
	Stop() error
}

// DefaultSourceCommand records raw little-endian mono PCM to stdout via ALSA.
const DefaultSourceCommand = "arecord -q -t raw -f S16_LE -c 1"

// ExecSource acquires the microphone by running a recorder subprocess
// (arecord, ffmpeg, sox, …) and chunking its stdout into frames of
// [audio.FrameSamples] samples at the configured rate.
type ExecSource struct {
	argv []string
	rate int

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// NewExecSource parses command (shell-style) and returns a source producing
// frames at the given sample rate. The rate is appended to the command as
// "-r <rate>".
func NewExecSource(command string, rate int) (*ExecSource, error) {
	if command == "" {
		command = DefaultSourceCommand
	}
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("capture: parse source command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("capture: source command is empty")
	}
	argv = append(argv, "-r", fmt.Sprint(rate))
	return &ExecSource{argv: argv, rate: rate}, nil
}

// Start launches the recorder subprocess and begins framing its output.
// A failure to launch is a [DeviceAccessError].
func (s *ExecSource) Start(ctx context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return nil, errors.New("capture: source already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &DeviceAccessError{Device: s.argv[0], Err: err}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &DeviceAccessError{Device: s.argv[0], Err: err}
	}
	slog.Debug("capture: recorder started", "command", s.argv[0], "pid", cmd.Process.Pid)

	s.cmd = cmd
	s.cancel = cancel

	frames := make(chan audio.Frame, 4)
	go s.readFrames(stdout, frames)
	return frames, nil
}

// Stop terminates the recorder and releases the device. Idempotent.
func (s *ExecSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	s.cancel()
	go func(cmd *exec.Cmd) { _ = cmd.Wait() }(s.cmd)
	s.cmd = nil
	s.cancel = nil
	return nil
}

// readFrames chunks the recorder's PCM output into fixed-width frames.
// It owns the frames channel and closes it on exit.
func (s *ExecSource) readFrames(r io.Reader, frames chan<- audio.Frame) {
	defer close(frames)

	frameBytes := audio.FrameSamples * 2
	buf := make([]byte, frameBytes)
	var elapsed time.Duration
	frameDur := time.Duration(audio.FrameSamples) * time.Second / time.Duration(s.rate)

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("capture: recorder read", "err", err)
			}
			return
		}
		frames <- audio.Frame{
			Samples:   audio.PCMToFloat32(buf),
			Rate:      s.rate,
			Timestamp: elapsed,
		}
		elapsed += frameDur
	}
}
