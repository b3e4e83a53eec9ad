package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/arbitration"
	"github.com/lexiqai/listen-gateway/internal/audio"
	"github.com/lexiqai/listen-gateway/internal/auth"
	"github.com/lexiqai/listen-gateway/internal/config"
	"github.com/lexiqai/listen-gateway/internal/observability"
	"github.com/lexiqai/listen-gateway/internal/resilience"
	"github.com/lexiqai/listen-gateway/internal/session"
	"github.com/lexiqai/listen-gateway/internal/store"
	"github.com/lexiqai/listen-gateway/internal/stt"
	"github.com/lexiqai/listen-gateway/internal/summarizer"
	"github.com/lexiqai/listen-gateway/internal/translation"
	"github.com/lexiqai/listen-gateway/internal/vad"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.Warn().Err(err).Msg("Error reporting disabled")
	}
	defer observability.FlushSentry(2 * time.Second)

	logger.Info().
		Str("port", cfg.Port).
		Str("store_driver", cfg.StoreDriver).
		Str("summarizer_url", cfg.SummarizerURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("auth_dev_mode", cfg.AuthJWTSecret == "").
		Msg("Listen Gateway Service starting")

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	drafts, err := store.Open(startCtx, cfg.StoreDriver, cfg.DatabaseURL)
	cancelStart()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open draft store")
	}
	defer drafts.Close()

	opener := newOpener(cfg, logger)
	table, err := arbitration.LoadTable(cfg.ProviderTablePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load provider table")
	}
	selector := arbitration.NewSelector(table, cfg.PremiumMultiEnabled, opener.Has, logger)

	resetAfter := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	summary, err := summarizer.Dial(cfg.SummarizerURL, cfg.SummarizerTLSEnabled, summarizer.Options{
		Timeout:     time.Duration(cfg.SummarizerTimeoutSeconds) * time.Second,
		MaxFailures: cfg.CircuitBreakerMaxFailures,
		ResetAfter:  resetAfter,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create summarizer client")
	}
	defer summary.Close()

	deps := session.Deps{
		Auth:      auth.NewAuthenticator(cfg.AuthJWTSecret),
		Selector:  selector,
		Opener:    opener,
		Store:     drafts,
		Finalizer: summary,
		Trimmer:   newTrimmer(cfg, logger),
	}
	if cfg.TranslationURL != "" {
		breaker := resilience.NewCircuitBreaker("translation", cfg.CircuitBreakerMaxFailures, resetAfter)
		deps.Translation = translation.NewClient(cfg.TranslationURL, cfg.TranslationAPIKey, breaker)
	}

	handler := session.NewHandler(session.OptionsFromConfig(cfg), deps, logger)

	// Create HTTP server
	mux := http.NewServeMux()
	mux.Handle("/v4/listen", handler)
	mux.HandleFunc("/v1/speech-profile", deps.Auth.Middleware(handler.HandleSpeechProfile))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"store": func(ctx context.Context) (bool, error) {
			if err := drafts.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
		"summarizer": func(ctx context.Context) (bool, error) {
			if err := summary.HealthCheck(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
		"stt": func(ctx context.Context) (bool, error) {
			// Provider sockets are opened per session; check credentials only.
			for _, p := range []stt.Provider{stt.ProviderDeepgram, stt.ProviderSoniox, stt.ProviderSpeechmatics} {
				if opener.Has(p) {
					return true, nil
				}
			}
			return false, fmt.Errorf("no STT provider configured")
		},
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Listen sockets outlive any request timeout, so only headers are bounded.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           observability.RecoverMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/v4/listen", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked listen sockets are not tracked by the server; close them first.
	if err := handler.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Listen sessions did not drain")
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// newOpener registers an adapter for every provider with credentials.
func newOpener(cfg *config.Config, logger zerolog.Logger) *stt.Opener {
	var adapters []stt.Adapter
	if cfg.DeepgramAPIKey != "" {
		adapters = append(adapters, stt.NewDeepgramAdapter(cfg.DeepgramAPIKey, logger))
	}
	if cfg.SonioxAPIKey != "" {
		adapters = append(adapters, stt.NewSonioxAdapter(cfg.SonioxAPIKey, logger))
	}
	if cfg.SpeechmaticsAPIKey != "" {
		adapters = append(adapters, stt.NewSpeechmaticsAdapter(cfg.SpeechmaticsAPIKey, logger))
	}

	retry := &resilience.RetryConfig{
		MaxAttempts:       cfg.STTRetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.STTRetryInitialBackoffMs) * time.Millisecond,
		MaxBackoff:        time.Duration(cfg.STTRetryMaxDelaySeconds) * time.Second,
		RateLimitBackoff:  time.Duration(cfg.STTRateLimitMaxDelaySecond) * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
	return stt.NewOpener(retry, logger, adapters...)
}

// newTrimmer prefers the hosted detector and falls back to the local one.
func newTrimmer(cfg *config.Config, logger zerolog.Logger) *vad.Trimmer {
	local := vad.NewLocalDetector(&audio.VADConfig{
		EnergyThreshold: cfg.VADEnergyThreshold,
		SilenceFrames:   cfg.VADSilenceFrames,
		FrameSize:       vad.SampleRate / 50,
	})
	var hosted vad.Detector
	if cfg.HostedVADURL != "" {
		breaker := resilience.NewCircuitBreaker("hosted_vad", cfg.CircuitBreakerMaxFailures, time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
		hosted = vad.NewHostedDetector(cfg.HostedVADURL, cfg.HostedVADAPIKey, breaker)
	}
	cache := vad.NewCache(time.Duration(cfg.VADCacheTTLSeconds) * time.Second)
	return vad.NewTrimmer(hosted, local, cache, logger)
}
