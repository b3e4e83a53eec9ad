package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/arbitration"
	"github.com/lexiqai/listen-gateway/internal/auth"
	"github.com/lexiqai/listen-gateway/internal/config"
	"github.com/lexiqai/listen-gateway/internal/conversation"
	"github.com/lexiqai/listen-gateway/internal/resilience"
	"github.com/lexiqai/listen-gateway/internal/stt"
	"github.com/lexiqai/listen-gateway/internal/translation"
	"github.com/lexiqai/listen-gateway/internal/vad"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Listen clients are native apps and devices, not browsers.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Options are the timing and wiring knobs of every session.
type Options struct {
	Heartbeat           time.Duration
	Inactivity          time.Duration
	SoftTimeout         time.Duration
	ConversationTimeout time.Duration
	DraftStaleness      time.Duration
	FinalizeTimeout     time.Duration
	GapTolerance        float64

	ProfileDir string

	RelayURL         string
	RelayBufferBytes int
	RelayReconnect   *resilience.ReconnectConfig
}

// OptionsFromConfig maps service configuration onto session options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Heartbeat:           time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		Inactivity:          time.Duration(cfg.SessionInactivityTimeoutSeconds) * time.Second,
		SoftTimeout:         time.Duration(cfg.SessionSoftTimeoutSeconds) * time.Second,
		ConversationTimeout: cfg.ConversationTimeout(),
		DraftStaleness:      cfg.DraftStaleness(),
		FinalizeTimeout:     time.Duration(cfg.SummarizerTimeoutSeconds) * time.Second,
		GapTolerance:        cfg.MergeGapToleranceSeconds,
		ProfileDir:          cfg.ProfileDir,
		RelayURL:            cfg.RelayURL,
		RelayBufferBytes:    cfg.RelayAudioBufferKiB * 1024,
		RelayReconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
	}
}

// Deps are the collaborators sessions share.
type Deps struct {
	Auth      *auth.Authenticator
	Selector  *arbitration.Selector
	Opener    *stt.Opener
	Store     conversation.Store
	Finalizer conversation.Finalizer
	// Translation is optional; nil disables live translation.
	Translation translation.Service
	// Trimmer serves the enrollment endpoint.
	Trimmer *vad.Trimmer
}

// Handler accepts listen sockets and enrollment uploads.
type Handler struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining bool
	sessions sync.WaitGroup
}

// NewHandler builds a handler. Sessions run until their socket ends or
// Shutdown is called.
func NewHandler(opts Options, deps Deps, logger zerolog.Logger) *Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = 30 * time.Second
	}
	if opts.SoftTimeout <= 0 {
		opts.SoftTimeout = 420 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Handler{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "session").Logger(),
		base:   base,
		cancel: cancel,
	}
}

// ServeHTTP upgrades a listen request and runs the session to completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.sessions.Add(1)
	h.mu.Unlock()
	defer h.sessions.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	s := newSession(conn, h.opts, h.deps, h.logger)
	s.run(h.base, r)
}

// Shutdown closes every live session with going-away and waits for their
// cleanup, or until ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("session: shutdown timed out with sessions still open")
	}
}
