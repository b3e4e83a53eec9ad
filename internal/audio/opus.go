package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// maxOpusFrameSamples is 120ms at 48kHz, the largest frame Opus allows.
const maxOpusFrameSamples = 5760

// OpusDecoder decodes client Opus packets into PCM16. Not safe for concurrent use.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

// NewOpusDecoder creates a decoder producing PCM at sampleRate.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("opus supports 1 or 2 channels, got %d", channels)
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:      dec,
		channels: channels,
		pcm:      make([]int16, maxOpusFrameSamples*channels),
	}, nil
}

// Decode decodes one packet. Stereo input is downmixed to mono.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	samples := d.pcm[:n*d.channels]
	return SamplesToBytes(Downmix(samples, d.channels)), nil
}
