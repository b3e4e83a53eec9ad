package summarizer

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/listen-gateway/internal/conversation"
	"github.com/lexiqai/listen-gateway/internal/observability"
	"github.com/lexiqai/listen-gateway/internal/resilience"
)

// ServiceName is the summarization pipeline's gRPC service.
const ServiceName = "summarizer.v1.Summarizer"

const finalizeMethod = "/" + ServiceName + "/Finalize"

// Options configures the client.
type Options struct {
	Timeout     time.Duration
	MaxFailures int
	ResetAfter  time.Duration
	Retry       *resilience.RetryConfig
}

// Client hands finished drafts to the summarization pipeline over gRPC.
// Payloads are google.protobuf.Struct so the gateway carries no generated
// stubs for the pipeline's schema.
type Client struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	breaker *resilience.CircuitBreaker
	opts    Options
	logger  zerolog.Logger
}

// Dial connects to target. The connection is lazy; the first call or health
// check establishes it.
func Dial(target string, tlsEnabled bool, opts Options, logger zerolog.Logger) (*Client, error) {
	creds := insecure.NewCredentials()
	if tlsEnabled {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		// Keepalive settings for long-lived connections
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create summarizer client for %s: %w", target, err)
	}

	logger.Info().Str("target", target).Bool("tls", tlsEnabled).Msg("Summarizer client configured")
	return New(conn, opts, logger), nil
}

// New wraps an existing connection.
func New(conn *grpc.ClientConn, opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.ResetAfter <= 0 {
		opts.ResetAfter = 30 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}
	}
	return &Client{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		breaker: resilience.NewCircuitBreaker("summarizer", opts.MaxFailures, opts.ResetAfter),
		opts:    opts,
		logger:  logger,
	}
}

// Finalize implements conversation.Finalizer. Only failures that guarantee
// the server never saw the request are retried; the draft id doubles as an
// idempotency key for the pipeline.
func (c *Client) Finalize(ctx context.Context, uid, language string, d *conversation.Draft) (*conversation.Conversation, error) {
	req, err := finalizeRequest(uid, language, d)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp := &structpb.Struct{}
	policy := resilience.RetryPolicy{
		IsRetryable: isRetryableStatus,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.Warn().Err(err).Str("draft_id", d.ID).Int("attempt", attempt+1).Dur("backoff", delay).
				Msg("Summarizer call failed, retrying")
		},
	}
	err = c.breaker.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.opts.Retry, policy, func(ctx context.Context, _ int) error {
			return c.conn.Invoke(ctx, finalizeMethod, req, resp)
		})
	})
	if err != nil {
		observability.RecordError("finalize_failed", "summarizer")
		return nil, fmt.Errorf("summarizer finalize: %w", err)
	}

	return decodeConversation(resp)
}

// HealthCheck asks the standard gRPC health service about ServiceName. An
// open breaker reports unhealthy without a round trip, since finalizations
// are failing fast.
func (c *Client) HealthCheck(ctx context.Context) error {
	if state, requests, failures, rate := c.breaker.GetStats(); state == resilience.StateOpen {
		return fmt.Errorf("summarizer circuit open: %d of %d calls failed (%.0f%%)", failures, requests, rate)
	}
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("summarizer not serving: %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func finalizeRequest(uid, language string, d *conversation.Draft) (*structpb.Struct, error) {
	// JSON first so nested segments become plain maps and slices.
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}
	var draft map[string]any
	if err := json.Unmarshal(raw, &draft); err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{
		"uid":             uid,
		"language":        language,
		"idempotency_key": d.ID,
		"conversation":    draft,
	})
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}
	return req, nil
}

func decodeConversation(resp *structpb.Struct) (*conversation.Conversation, error) {
	raw, err := json.Marshal(resp.AsMap())
	if err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	var conv conversation.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if conv.Discarded && conv.Status == "" {
		conv.Status = conversation.StatusDiscarded
	}
	return &conv, nil
}

// isRetryableStatus retries only when the request cannot have been processed.
func isRetryableStatus(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return status.Code(err) == codes.Unavailable
}
