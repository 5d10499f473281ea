// Package audio defines the audio data model shared by the capture and
// playback pipelines and implements the wire codec that converts between
// raw PCM sample buffers and the base64 payloads carried by the session
// transport.
//
// All PCM in this package is 16-bit signed little-endian. The capture side
// runs mono at [CaptureRate]; agent audio arrives mono at [PlaybackRate].
package audio

import (
	"math"
	"time"
)

const (
	// CaptureRate is the sample rate in Hz of microphone audio sent to the agent.
	CaptureRate = 16000

	// PlaybackRate is the sample rate in Hz of synthesized audio received
	// from the agent.
	PlaybackRate = 24000

	// FrameSamples is the number of samples per capture frame. At 16 kHz this
	// is 64 ms per frame — small enough for conversational latency, large
	// enough to keep per-frame overhead negligible.
	FrameSamples = 1024

	// bytesPerSample is the width of one int16 PCM sample on the wire.
	bytesPerSample = 2
)

// Frame is a fixed-width chunk of mono float samples in [-1, 1], the atomic
// unit flowing through the capture pipeline. Frames are ephemeral: produced
// per capture tick, encoded, sent, and discarded.
type Frame struct {
	// Samples holds normalized mono samples.
	Samples []float32

	// Rate is the sample rate in Hz.
	Rate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame.
func (f Frame) Duration() time.Duration {
	if f.Rate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.Rate)
}

// Buffer is a decoded linear audio buffer ready for scheduling on the
// playback clock.
type Buffer struct {
	// Samples holds normalized mono samples.
	Samples []float32

	// Rate is the sample rate in Hz.
	Rate int
}

// Duration returns the playing time of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.Rate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.Rate)
}

// Float32ToPCM converts normalized samples to little-endian int16 PCM.
// Samples are clamped to [-1, 1] before scaling by 32767 and rounding to
// the nearest integer.
func Float32ToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * 32767))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCMToFloat32 converts little-endian int16 PCM to normalized samples by
// dividing by 32767. The input length must be even; use [DecodePCM] when
// the data comes from an untrusted payload.
func PCMToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/bytesPerSample)
	for i := range out {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / 32767
	}
	return out
}
