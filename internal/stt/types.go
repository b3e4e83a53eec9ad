package stt

import (
	"context"

	"github.com/lexiqai/listen-gateway/internal/transcript"
)

// Provider identifies an STT backend.
type Provider string

const (
	ProviderDeepgram     Provider = "deepgram"
	ProviderSoniox       Provider = "soniox"
	ProviderSpeechmatics Provider = "speechmatics"
)

// Route is the backend, model and language a session is opened against.
type Route struct {
	Provider Provider `yaml:"provider" json:"provider"`
	Model    string   `yaml:"model" json:"model"`
	Language string   `yaml:"language" json:"language"`
}

func (r Route) String() string {
	return string(r.Provider) + "/" + r.Model + "/" + r.Language
}

// StreamParams describes the PCM a stream will receive.
type StreamParams struct {
	Route      Route
	SampleRate int
	Channels   int
}

// Stream is one live connection to a backend. Audio is 16-bit little-endian
// PCM. Finalized fragments arrive on Segments with timestamps on the stream's
// own clock; the channel is closed when the connection ends, after which Err
// reports why (nil on a clean close).
type Stream interface {
	Send(pcm []byte) error
	Segments() <-chan []transcript.Segment
	Err() error
	Close() error
}

// Adapter opens streams against one backend.
type Adapter interface {
	Provider() Provider
	Open(ctx context.Context, params StreamParams) (Stream, error)
}

// segmentBuffer is the capacity of every adapter's segment channel.
const segmentBuffer = 64
