package playback

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

// Sink is the output device a playback [Engine] plays through.
//
// Play is invoked serially in FIFO schedule order, and only once the engine
// clock has reached the buffer's start time: deliver buf to the device and
// return. The engine owns all timeline pacing, including resolving buffer
// completion at start+duration.
type Sink interface {
	// Play delivers buf to the device. `at` is the buffer's position on the
	// engine clock, already reached by the time Play is called.
	Play(buf audio.Buffer, at time.Duration) error

	// Halt immediately stops any in-progress playback and drops buffered
	// device state. Idempotent.
	Halt() error

	// Resume restarts a suspended output device; a no-op when active.
	Resume(ctx context.Context) error

	// Close releases the device. Idempotent; the sink is unusable afterwards.
	Close() error
}

// DefaultSinkCommand plays raw little-endian mono PCM from stdin via ALSA.
const DefaultSinkCommand = "aplay -q -t raw -f S16_LE -c 1"

// ExecSink plays audio by piping s16le PCM into a player subprocess
// (aplay, ffplay, pacat, …). The subprocess is started lazily on the first
// Play and restarted after Halt.
//
// Safe for concurrent use, though the engine calls Play serially.
type ExecSink struct {
	argv []string
	rate int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// NewExecSink parses command (shell-style) and returns a sink playing PCM at
// the given sample rate. The sample rate is appended to the command as
// "-r <rate>" so callers can keep commands rate-agnostic.
func NewExecSink(command string, rate int) (*ExecSink, error) {
	if command == "" {
		command = DefaultSinkCommand
	}
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("playback: parse sink command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("playback: sink command is empty")
	}
	argv = append(argv, "-r", fmt.Sprint(rate))
	return &ExecSink{argv: argv, rate: rate}, nil
}

// Play writes buf to the player's stdin. The player's own buffering absorbs
// the write; by the time Play returns, the buffer is committed to the device
// queue.
func (s *ExecSink) Play(buf audio.Buffer, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("playback: sink is closed")
	}
	if s.cmd == nil {
		if err := s.startLocked(); err != nil {
			return err
		}
	}

	if _, err := s.stdin.Write(audio.Float32ToPCM(buf.Samples)); err != nil {
		// The player died mid-write; drop it so the next Play restarts it.
		s.stopLocked()
		return fmt.Errorf("playback: write to player: %w", err)
	}
	return nil
}

// Halt kills the player subprocess, discarding whatever it had buffered.
// The next Play starts a fresh one.
func (s *ExecSink) Halt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

// Resume restarts the player subprocess if none is running.
func (s *ExecSink) Resume(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("playback: sink is closed")
	}
	if s.cmd != nil {
		return nil
	}
	return s.startLocked()
}

// Close halts playback and marks the sink unusable. Idempotent.
func (s *ExecSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.stopLocked()
	return nil
}

func (s *ExecSink) startLocked() error {
	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("playback: player stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("playback: start player %q: %w", s.argv[0], err)
	}
	slog.Debug("playback: player started", "command", s.argv[0], "pid", cmd.Process.Pid)

	s.cmd = cmd
	s.stdin = stdin
	return nil
}

func (s *ExecSink) stopLocked() {
	if s.cmd == nil {
		return
	}
	_ = s.stdin.Close()
	_ = s.cmd.Process.Kill()
	// Reap the process; ignore the expected kill error.
	go func(cmd *exec.Cmd) { _ = cmd.Wait() }(s.cmd)
	s.cmd = nil
	s.stdin = nil
}
