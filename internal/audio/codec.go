package audio

import (
	"fmt"
	"strings"
)

// Codec is the wire encoding a client negotiates for its audio frames.
type Codec string

const (
	CodecPCM8      Codec = "pcm8"
	CodecPCM16     Codec = "pcm16"
	CodecOpus      Codec = "opus"
	CodecOpusFS320 Codec = "opus_fs320"
	CodecMulaw     Codec = "mulaw"
)

// ParseCodec validates a negotiated codec name. Empty means pcm8.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CodecPCM8, nil
	case CodecPCM8, CodecPCM16, CodecOpus, CodecOpusFS320, CodecMulaw:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported codec %q", s)
	}
}

// IsOpus reports whether frames must be decoded before forwarding.
func (c Codec) IsOpus() bool {
	return c == CodecOpus || c == CodecOpusFS320
}

// SupportsPriming reports whether enrollment audio can be injected ahead of
// live audio. Mu-law streams are telephony sources without enrollment.
func (c Codec) SupportsPriming() bool {
	return c != CodecMulaw
}

// ProviderSampleRate is the rate of the PCM forwarded to STT providers.
func (c Codec) ProviderSampleRate(negotiated int) int {
	if c.IsOpus() {
		return 16000
	}
	if c == CodecMulaw {
		return 8000
	}
	return negotiated
}

// FrameDecoder turns one client frame into 16-bit little-endian PCM.
type FrameDecoder interface {
	Decode(frame []byte) ([]byte, error)
}

type passthroughDecoder struct{}

func (passthroughDecoder) Decode(frame []byte) ([]byte, error) { return frame, nil }

type mulawDecoder struct{}

func (mulawDecoder) Decode(frame []byte) ([]byte, error) { return DecodeMulaw(frame) }

// NewFrameDecoder returns the decoder for a negotiated codec.
func NewFrameDecoder(c Codec, channels int) (FrameDecoder, error) {
	switch {
	case c.IsOpus():
		return NewOpusDecoder(c.ProviderSampleRate(0), channels)
	case c == CodecMulaw:
		return mulawDecoder{}, nil
	case c == CodecPCM8 || c == CodecPCM16:
		return passthroughDecoder{}, nil
	default:
		return nil, fmt.Errorf("no decoder for codec %q", c)
	}
}
