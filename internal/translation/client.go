package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lexiqai/listen-gateway/internal/resilience"
)

// Client calls the hosted translation service.
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      *resilience.RetryConfig
}

type translateRequest struct {
	Text       string `json:"text"`
	TargetLang string `json:"target_lang"`
}

type translateResponse struct {
	Text string `json:"text"`
}

type detectRequest struct {
	Text string `json:"text"`
}

type detectResponse struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// NewClient creates a client for the service at apiURL.
func NewClient(apiURL, apiKey string, breaker *resilience.CircuitBreaker) *Client {
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    breaker,
		// Translation sits on the live delta path, so one quick retry only.
		retry: &resilience.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    200 * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

// Translate renders text in targetLang.
func (c *Client) Translate(ctx context.Context, targetLang, text string) (string, error) {
	var resp translateResponse
	if err := c.post(ctx, "/v1/translate", translateRequest{Text: text, TargetLang: targetLang}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// DetectLanguage returns the language of text, or "" when the service is not
// confident.
func (c *Client) DetectLanguage(ctx context.Context, text string) (string, error) {
	var resp detectResponse
	if err := c.post(ctx, "/v1/detect", detectRequest{Text: text}, &resp); err != nil {
		return "", err
	}
	if resp.Confidence < minDetectConfidence {
		return "", nil
	}
	return strings.ToLower(resp.Language), nil
}

const minDetectConfidence = 0.5

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	policy := resilience.RetryPolicy{IsRetryable: resilience.IsRetryableNetworkError}
	return c.breaker.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retry, policy, func(ctx context.Context, _ int) error {
			return c.do(ctx, path, jsonData, out)
		})
	})
}

func (c *Client) do(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("translation API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return resilience.NewRetryableError(err)
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
