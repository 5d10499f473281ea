package audio

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"layeh.com/gopus"
)

// MIME type prefixes recognised by the codec. PCM payloads may carry a rate
// parameter ("audio/pcm;rate=24000"); Opus payloads are self-describing.
const (
	MIMEPCM  = "audio/pcm"
	MIMEOpus = "audio/opus"
)

// maxOpusFrameSamples bounds a single Opus frame: 120 ms at 48 kHz, the
// longest frame the codec permits.
const maxOpusFrameSamples = 5760

// Payload is the wire representation of an audio unit: base64-encoded bytes
// plus the MIME type that selects the decode strategy.
type Payload struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

// MalformedAudioError reports a payload that cannot be decoded: a PCM byte
// sequence whose length is not a multiple of the sample width, an invalid
// base64 encoding, an unrecognised MIME type, or a failed Opus decode.
// The offending unit is dropped by callers; it is never fatal to a session.
type MalformedAudioError struct {
	MIMEType string
	Reason   string
	Err      error
}

func (e *MalformedAudioError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed audio (%s): %s: %v", e.MIMEType, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed audio (%s): %s", e.MIMEType, e.Reason)
}

func (e *MalformedAudioError) Unwrap() error { return e.Err }

// Encode packs normalized samples into little-endian int16 PCM and
// base64-encodes the bytes. The returned MIME type carries the sample rate.
func Encode(samples []float32, rate int) Payload {
	pcm := Float32ToPCM(samples)
	return Payload{
		Data:     base64.StdEncoding.EncodeToString(pcm),
		MIMEType: fmt.Sprintf("%s;rate=%d", MIMEPCM, rate),
	}
}

// DecodePCM base64-decodes a raw PCM payload and converts it to normalized
// samples. A byte length that is not a multiple of the sample width is a
// [MalformedAudioError] — truncating would silently corrupt sample pairing.
// defaultRate is used when the MIME type does not carry a rate parameter.
func DecodePCM(p Payload, defaultRate int) (Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return Buffer{}, &MalformedAudioError{MIMEType: p.MIMEType, Reason: "invalid base64", Err: err}
	}
	if len(raw)%bytesPerSample != 0 {
		return Buffer{}, &MalformedAudioError{
			MIMEType: p.MIMEType,
			Reason:   fmt.Sprintf("pcm byte length %d is not a multiple of %d", len(raw), bytesPerSample),
		}
	}
	return Buffer{Samples: PCMToFloat32(raw), Rate: pcmRate(p.MIMEType, defaultRate)}, nil
}

// pcmRate extracts the rate parameter from a PCM MIME type, falling back to
// def when absent or unparsable.
func pcmRate(mime string, def int) int {
	for part := range strings.SplitSeq(mime, ";") {
		part = strings.TrimSpace(part)
		if after, ok := strings.CutPrefix(part, "rate="); ok {
			if r, err := strconv.Atoi(after); err == nil && r > 0 {
				return r
			}
		}
	}
	return def
}

// Decoder decodes wire payloads into linear buffers. Raw PCM payloads are
// handled by pure sample math; Opus payloads go through a persistent
// stateful decoder, since Opus frames reference prior decoder state.
//
// A Decoder is bound to one inbound stream. Not safe for concurrent use.
type Decoder struct {
	rate int
	opus *gopus.Decoder
}

// NewDecoder creates a Decoder producing buffers at the given output rate.
func NewDecoder(rate int) *Decoder {
	return &Decoder{rate: rate}
}

// Decode converts a wire payload into a linear buffer, selecting the decode
// strategy from the payload's MIME type.
func (d *Decoder) Decode(p Payload) (Buffer, error) {
	switch {
	case strings.HasPrefix(p.MIMEType, MIMEPCM):
		return DecodePCM(p, d.rate)
	case strings.HasPrefix(p.MIMEType, MIMEOpus):
		return d.decodeOpus(p)
	default:
		return Buffer{}, &MalformedAudioError{MIMEType: p.MIMEType, Reason: "unsupported mime type"}
	}
}

func (d *Decoder) decodeOpus(p Payload) (Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return Buffer{}, &MalformedAudioError{MIMEType: p.MIMEType, Reason: "invalid base64", Err: err}
	}

	if d.opus == nil {
		dec, err := gopus.NewDecoder(d.rate, 1)
		if err != nil {
			return Buffer{}, fmt.Errorf("audio: create opus decoder: %w", err)
		}
		d.opus = dec
	}

	pcm, err := d.opus.Decode(raw, maxOpusFrameSamples, false)
	if err != nil {
		return Buffer{}, &MalformedAudioError{MIMEType: p.MIMEType, Reason: "opus decode failed", Err: err}
	}

	samples := make([]float32, len(pcm))
	for i, v := range pcm {
		samples[i] = float32(v) / 32767
	}
	return Buffer{Samples: samples, Rate: d.rate}, nil
}
