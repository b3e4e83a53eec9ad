package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/observability"
	"github.com/lexiqai/listen-gateway/internal/resilience"
)

// OpenRequest is what a listen session asks the opener for.
type OpenRequest struct {
	Route Route
	// Fallback is tried with a fresh retry budget when Route stays rate
	// limited after its budget is spent.
	Fallback *Route
	// Release frees Route's exclusive slot. It is called exactly once: on
	// failure, on fallback, or when the returned session closes.
	Release func()

	SampleRate int
	Channels   int
	Priming    *Priming
}

// Opener dials provider streams with retry, model fallback and priming.
type Opener struct {
	adapters map[Provider]Adapter
	retry    *resilience.RetryConfig
	logger   zerolog.Logger
}

// NewOpener registers adapters by provider.
func NewOpener(retry *resilience.RetryConfig, logger zerolog.Logger, adapters ...Adapter) *Opener {
	m := make(map[Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Provider()] = a
	}
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &Opener{adapters: m, retry: retry, logger: logger}
}

// Has reports whether a provider is configured.
func (o *Opener) Has(p Provider) bool {
	_, ok := o.adapters[p]
	return ok
}

// Open connects req.Route (or its fallback) and, when priming is requested,
// the cover stream. A cancelled ctx aborts any backoff immediately.
func (o *Opener) Open(ctx context.Context, req OpenRequest) (*ProviderSession, error) {
	release := onceFunc(req.Release)

	route := req.Route
	primary, err := o.dial(ctx, route, req)
	if err != nil && IsRateLimited(err) && req.Fallback != nil && ctx.Err() == nil {
		o.logger.Warn().Err(err).Str("route", route.String()).Str("fallback", req.Fallback.String()).
			Msg("Route rate limited, falling back")
		release()
		route = *req.Fallback
		primary, err = o.dial(ctx, route, req)
	}
	if err != nil {
		release()
		return nil, err
	}

	var (
		secondary Stream
		priming   float64
	)
	if req.Priming != nil && req.Priming.Seconds > 0 {
		secondary, err = o.dial(ctx, route, req)
		if err != nil {
			_ = primary.Close()
			release()
			return nil, fmt.Errorf("open priming cover stream: %w", err)
		}
		if err := sendPriming(primary, req.Priming.PCM, req.SampleRate); err != nil {
			_ = primary.Close()
			_ = secondary.Close()
			release()
			return nil, fmt.Errorf("send priming audio: %w", err)
		}
		priming = req.Priming.Seconds
	}

	logger := o.logger.With().Str("provider", string(route.Provider)).Str("model", route.Model).Logger()
	logger.Info().Str("language", route.Language).Float64("priming_seconds", priming).Msg("STT session opened")
	return newProviderSession(route, primary, secondary, priming, req.SampleRate, req.Channels, release, logger), nil
}

func (o *Opener) dial(ctx context.Context, route Route, req OpenRequest) (Stream, error) {
	adapter, ok := o.adapters[route.Provider]
	if !ok {
		return nil, &ProviderConnectError{Provider: route.Provider, Model: route.Model, Err: errors.New("provider not configured"), StatusCode: 400}
	}

	params := StreamParams{Route: route, SampleRate: req.SampleRate, Channels: req.Channels}
	policy := resilience.RetryPolicy{
		IsRetryable:   IsRetryableConnect,
		IsRateLimited: IsRateLimited,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			o.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).
				Str("route", route.String()).Msg("STT connect failed, retrying")
		},
	}

	var stream Stream
	err := resilience.Retry(ctx, o.retry, policy, func(ctx context.Context, attempt int) error {
		s, err := adapter.Open(ctx, params)
		switch {
		case err == nil:
			observability.RecordSTTConnectAttempt(string(route.Provider), route.Model, "ok")
			stream = s
		case IsRateLimited(err):
			observability.RecordSTTConnectAttempt(string(route.Provider), route.Model, "rate_limited")
		default:
			observability.RecordSTTConnectAttempt(string(route.Provider), route.Model, "error")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func onceFunc(f func()) func() {
	if f == nil {
		return func() {}
	}
	var once sync.Once
	return func() { once.Do(f) }
}
