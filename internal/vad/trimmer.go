// Package vad prepares enrollment audio: it finds speech spans in a 16 kHz
// mono WAV and rewrites the file with the silence between them removed.
package vad

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/audio"
)

// ErrEmptyAudio is returned when no speech is found. It is not retryable.
var ErrEmptyAudio = errors.New("vad: no speech detected")

const (
	// SampleRate is the rate all span detection runs at.
	SampleRate = 16000
	// MergeGapSeconds joins spans closer together than this.
	MergeGapSeconds = 1.0
	// SilenceBufferSeconds is reinserted between merged spans.
	SilenceBufferSeconds = 1.0
)

// Span is a speech interval in seconds.
type Span = audio.Span

// Detector finds speech spans in 16 kHz mono samples.
type Detector interface {
	Name() string
	DetectSpans(ctx context.Context, samples []int16, sampleRate int) ([]Span, error)
}

// Trimmer runs the primary detector and falls back to the secondary one when
// the primary fails. Both return spans in the same seconds format.
type Trimmer struct {
	primary  Detector
	fallback Detector
	cache    *Cache
	logger   zerolog.Logger
}

// NewTrimmer builds a trimmer. primary may be nil when no hosted detector is
// configured; cache may be nil to disable caching.
func NewTrimmer(primary, fallback Detector, cache *Cache, logger zerolog.Logger) *Trimmer {
	if fallback == nil {
		fallback = NewLocalDetector(nil)
	}
	return &Trimmer{
		primary:  primary,
		fallback: fallback,
		cache:    cache,
		logger:   logger.With().Str("component", "vad").Logger(),
	}
}

// DetectSpeechSpans returns the speech spans of the WAV at path.
func (t *Trimmer) DetectSpeechSpans(ctx context.Context, path string) ([]Span, error) {
	samples, err := load16k(path)
	if err != nil {
		return nil, err
	}
	return t.spans(ctx, path, samples)
}

// TrimSilence rewrites the WAV at path keeping only speech, with spans closer
// than MergeGapSeconds joined and SilenceBufferSeconds of silence between the
// remaining spans. The output is 16 kHz mono.
func (t *Trimmer) TrimSilence(ctx context.Context, path string) error {
	samples, err := load16k(path)
	if err != nil {
		return err
	}

	spans, err := t.spans(ctx, path, samples)
	if err != nil {
		return err
	}
	if len(spans) == 0 {
		return ErrEmptyAudio
	}

	merged := MergeSpans(spans, MergeGapSeconds)
	out := Assemble(samples, SampleRate, merged, SilenceBufferSeconds)
	if err := audio.WriteWAVFile(path, out, SampleRate); err != nil {
		return fmt.Errorf("write trimmed audio: %w", err)
	}

	t.logger.Info().
		Str("path", path).
		Int("spans", len(merged)).
		Float64("seconds_in", float64(len(samples))/SampleRate).
		Float64("seconds_out", float64(len(out))/SampleRate).
		Msg("Trimmed enrollment audio")
	return nil
}

// spans detects speech in samples, reusing a cached result for the same path
// and content.
func (t *Trimmer) spans(ctx context.Context, path string, samples []int16) ([]Span, error) {
	if t.cache == nil {
		return t.detect(ctx, samples)
	}
	key := cacheKey(path, samples)
	if spans, ok := t.cache.Get(key); ok {
		t.logger.Debug().Str("path", path).Msg("Using cached speech spans")
		return spans, nil
	}
	spans, err := t.detect(ctx, samples)
	if err != nil {
		return nil, err
	}
	t.cache.Set(key, spans)
	return spans, nil
}

// cacheKey is the path plus a digest of the audio, so a file rewritten in
// place with new content misses.
func cacheKey(path string, samples []int16) string {
	sum := sha256.Sum256(audio.SamplesToBytes(samples))
	return path + "#" + hex.EncodeToString(sum[:8])
}

func (t *Trimmer) detect(ctx context.Context, samples []int16) ([]Span, error) {
	if t.primary != nil {
		spans, err := t.primary.DetectSpans(ctx, samples, SampleRate)
		if err == nil {
			return normalize(spans), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.logger.Warn().Err(err).Str("detector", t.primary.Name()).Msg("Primary VAD failed, using fallback")
	}

	spans, err := t.fallback.DetectSpans(ctx, samples, SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%s vad: %w", t.fallback.Name(), err)
	}
	return normalize(spans), nil
}

func load16k(path string) ([]int16, error) {
	samples, rate, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	return audio.Resample(samples, rate, SampleRate), nil
}

// normalize sorts spans and drops empty ones.
func normalize(spans []Span) []Span {
	out := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.End > s.Start {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// MergeSpans joins sorted spans whose gap is smaller than maxGap seconds.
func MergeSpans(spans []Span, maxGap float64) []Span {
	if len(spans) == 0 {
		return nil
	}
	merged := []Span{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.Start-last.End < maxGap {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// Assemble concatenates the span audio with bufferSeconds of silence between spans.
func Assemble(samples []int16, sampleRate int, spans []Span, bufferSeconds float64) []int16 {
	gap := make([]int16, int(bufferSeconds*float64(sampleRate)))
	var out []int16
	for i, s := range spans {
		start := clampIndex(int(s.Start*float64(sampleRate)), len(samples))
		end := clampIndex(int(s.End*float64(sampleRate)), len(samples))
		if end <= start {
			continue
		}
		if i > 0 && len(out) > 0 {
			out = append(out, gap...)
		}
		out = append(out, samples[start:end]...)
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
