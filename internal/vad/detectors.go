package vad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lexiqai/listen-gateway/internal/audio"
	"github.com/lexiqai/listen-gateway/internal/resilience"
)

// LocalDetector is the in-process energy detector.
type LocalDetector struct {
	config *audio.VADConfig
}

// NewLocalDetector creates a local detector. A nil config uses defaults.
func NewLocalDetector(config *audio.VADConfig) *LocalDetector {
	if config == nil {
		config = audio.DefaultVADConfig()
	}
	return &LocalDetector{config: config}
}

func (d *LocalDetector) Name() string { return "local" }

func (d *LocalDetector) DetectSpans(ctx context.Context, samples []int16, sampleRate int) ([]Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := *d.config
	cfg.FrameSize = sampleRate / 50 // 20ms
	return audio.DetectSpeechSpans(samples, sampleRate, &cfg), nil
}

// HostedDetector posts the audio as WAV to a batch VAD endpoint that answers
// {"segments":[{"start":0.5,"end":1.2}]}.
type HostedDetector struct {
	url     string
	apiKey  string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
}

// NewHostedDetector creates a hosted detector guarded by breaker.
func NewHostedDetector(url, apiKey string, breaker *resilience.CircuitBreaker) *HostedDetector {
	return &HostedDetector{
		url:     url,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
		breaker: breaker,
		retry: &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

func (d *HostedDetector) Name() string { return "hosted" }

type hostedResponse struct {
	Segments []Span `json:"segments"`
}

func (d *HostedDetector) DetectSpans(ctx context.Context, samples []int16, sampleRate int) ([]Span, error) {
	wav, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		return nil, err
	}

	var spans []Span
	call := func(ctx context.Context) error {
		return resilience.Retry(ctx, d.retry, resilience.RetryPolicy{IsRetryable: resilience.IsRetryableNetworkError},
			func(ctx context.Context, _ int) error {
				out, err := d.post(ctx, wav)
				if err != nil {
					return err
				}
				spans = out
				return nil
			})
	}

	if d.breaker != nil {
		err = d.breaker.Call(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	return spans, nil
}

func (d *HostedDetector) post(ctx context.Context, wav []byte) ([]Span, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(wav))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "audio/wav")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("hosted vad status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, err
	}

	var out hostedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode hosted vad response: %w", err)
	}
	return out.Segments, nil
}
