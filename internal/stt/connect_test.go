package stt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/resilience"
)

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		RateLimitBackoff:  5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func rateLimited(model string) error {
	return &ProviderConnectError{Provider: ProviderSoniox, Model: model, StatusCode: 429, Err: errors.New("too many requests")}
}

var (
	premiumRoute  = Route{Provider: ProviderSoniox, Model: "stt-rt-preview", Language: "multi"}
	standardRoute = Route{Provider: ProviderDeepgram, Model: "nova-3", Language: "multi"}
)

func TestOpener_RetriesTransientFailure(t *testing.T) {
	dg := newFakeAdapter(ProviderDeepgram)
	dg.errs["nova-3"] = []error{
		&ProviderConnectError{Provider: ProviderDeepgram, Model: "nova-3", StatusCode: 503, Err: errors.New("unavailable")},
	}
	o := NewOpener(fastRetry(), zerolog.Nop(), dg)

	ps, err := o.Open(context.Background(), OpenRequest{Route: standardRoute, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer ps.Close()

	if got := dg.attempts("nova-3"); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
	if ps.Route != standardRoute {
		t.Errorf("Expected route %v, got %v", standardRoute, ps.Route)
	}
}

func TestOpener_PermanentFailureNotRetried(t *testing.T) {
	dg := newFakeAdapter(ProviderDeepgram)
	dg.always["nova-3"] = &ProviderConnectError{Provider: ProviderDeepgram, Model: "nova-3", StatusCode: 401, Err: errors.New("bad key")}
	o := NewOpener(fastRetry(), zerolog.Nop(), dg)

	released := 0
	_, err := o.Open(context.Background(), OpenRequest{Route: standardRoute, Release: func() { released++ }, SampleRate: 16000, Channels: 1})
	if err == nil {
		t.Fatal("Expected error for unauthorized connect")
	}
	if got := dg.attempts("nova-3"); got != 1 {
		t.Errorf("Expected 1 attempt, got %d", got)
	}
	if released != 1 {
		t.Errorf("Expected release called once, got %d", released)
	}
}

func TestOpener_RateLimitFallsBackAfterBudget(t *testing.T) {
	sx := newFakeAdapter(ProviderSoniox)
	sx.always[premiumRoute.Model] = rateLimited(premiumRoute.Model)
	dg := newFakeAdapter(ProviderDeepgram)
	o := NewOpener(fastRetry(), zerolog.Nop(), sx, dg)

	released := 0
	fallback := standardRoute
	ps, err := o.Open(context.Background(), OpenRequest{
		Route:      premiumRoute,
		Fallback:   &fallback,
		Release:    func() { released++ },
		SampleRate: 16000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if got := sx.attempts(premiumRoute.Model); got != 3 {
		t.Errorf("Expected 3 premium attempts, got %d", got)
	}
	if ps.Route != standardRoute {
		t.Errorf("Expected fallback route %v, got %v", standardRoute, ps.Route)
	}
	if released != 1 {
		t.Errorf("Expected premium slot released on fallback, got %d releases", released)
	}

	ps.Close()
	if released != 1 {
		t.Errorf("Expected release to stay at 1 after Close, got %d", released)
	}
}

func TestOpener_BothRoutesExhausted(t *testing.T) {
	sx := newFakeAdapter(ProviderSoniox)
	sx.always[premiumRoute.Model] = rateLimited(premiumRoute.Model)
	dg := newFakeAdapter(ProviderDeepgram)
	dg.always["nova-3"] = &ProviderConnectError{Provider: ProviderDeepgram, Model: "nova-3", StatusCode: 429, Err: errors.New("slow down")}
	o := NewOpener(fastRetry(), zerolog.Nop(), sx, dg)

	released := 0
	fallback := standardRoute
	_, err := o.Open(context.Background(), OpenRequest{Route: premiumRoute, Fallback: &fallback, Release: func() { released++ }, SampleRate: 16000, Channels: 1})
	if err == nil {
		t.Fatal("Expected error when every route is rate limited")
	}
	if !IsRateLimited(err) {
		t.Errorf("Expected rate-limited error, got %v", err)
	}
	if got := dg.attempts("nova-3"); got != 3 {
		t.Errorf("Expected fresh budget of 3 on fallback, got %d", got)
	}
	if released != 1 {
		t.Errorf("Expected release called once, got %d", released)
	}
}

func TestOpener_ReleaseOnClose(t *testing.T) {
	sx := newFakeAdapter(ProviderSoniox)
	o := NewOpener(fastRetry(), zerolog.Nop(), sx)

	released := 0
	ps, err := o.Open(context.Background(), OpenRequest{Route: premiumRoute, Release: func() { released++ }, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if released != 0 {
		t.Fatalf("Expected slot held while session open, got %d releases", released)
	}

	ps.Close()
	ps.Close()
	if released != 1 {
		t.Errorf("Expected exactly one release, got %d", released)
	}
	if !sx.streams()[0].isClosed() {
		t.Error("Expected provider stream closed")
	}
}

func TestOpener_CancelDuringBackoff(t *testing.T) {
	dg := newFakeAdapter(ProviderDeepgram)
	dg.always["nova-3"] = &ProviderConnectError{Provider: ProviderDeepgram, Model: "nova-3", StatusCode: 503, Err: errors.New("unavailable")}
	cfg := fastRetry()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	o := NewOpener(cfg, zerolog.Nop(), dg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	released := 0
	start := time.Now()
	_, err := o.Open(ctx, OpenRequest{Route: standardRoute, Release: func() { released++ }, SampleRate: 16000, Channels: 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Expected backoff to abort on cancellation")
	}
	if released != 1 {
		t.Errorf("Expected release on cancellation, got %d", released)
	}
}

func TestOpener_UnknownProvider(t *testing.T) {
	o := NewOpener(fastRetry(), zerolog.Nop())
	if o.Has(ProviderDeepgram) {
		t.Error("Expected no providers registered")
	}
	_, err := o.Open(context.Background(), OpenRequest{Route: standardRoute, SampleRate: 16000, Channels: 1})
	if err == nil {
		t.Fatal("Expected error for unconfigured provider")
	}
}

func TestOpener_PrimingOpensCoverStream(t *testing.T) {
	sx := newFakeAdapter(ProviderSoniox)
	o := NewOpener(fastRetry(), zerolog.Nop(), sx)

	pcm := make([]byte, 2*16000*2) // 2s at 16kHz
	ps, err := o.Open(context.Background(), OpenRequest{
		Route:      premiumRoute,
		SampleRate: 16000,
		Channels:   1,
		Priming:    &Priming{PCM: pcm, Seconds: 2},
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer ps.Close()

	streams := sx.streams()
	if len(streams) != 2 {
		t.Fatalf("Expected primary and cover streams, got %d", len(streams))
	}
	if got := streams[0].bytesSent(); got != len(pcm) {
		t.Errorf("Expected primary to receive %d priming bytes, got %d", len(pcm), got)
	}
	if got := streams[1].bytesSent(); got != 0 {
		t.Errorf("Expected cover stream to receive no priming audio, got %d bytes", got)
	}
	if !ps.Priming() {
		t.Error("Expected Priming() true")
	}
}
