// Package llm provides the HTTP client for the external model API: the
// slow, unreliable per-item call the execution loop drives. The client
// classifies failures as timeout-class or content-class, retries transient
// errors with jittered exponential backoff, applies per-model deadlines
// (longer for known-slow model families), and rate limits outbound calls
// across all runs in the process.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client is the per-item processing collaborator. Implementations must be
// safely retryable: the engine guarantees at-least-once invocation with an
// idempotent skip, not exactly-once.
type Client interface {
	// Complete sends the prompt to the model and returns its text answer.
	// Failures are *CallError values classifying timeout vs content.
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// Config controls the HTTP client.
type Config struct {
	Endpoint string
	APIKey   string

	Timeout          time.Duration
	SlowModelTimeout time.Duration
	SlowModels       []string

	RequestsPerSecond float64
	Burst             int
	MaxRetries        int

	// HTTPClient overrides the default transport, used by tests.
	HTTPClient *http.Client
}

const (
	defaultTimeout     = 60 * time.Second
	defaultSlowTimeout = 180 * time.Second
	initialBackoff     = 500 * time.Millisecond
	maxBackoff         = 8 * time.Second
)

type client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds the production client from config.
func NewClient(cfg Config, logger *slog.Logger) Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SlowModelTimeout <= 0 {
		cfg.SlowModelTimeout = defaultSlowTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Per-call deadlines come from the request context; the transport
		// itself stays unbounded.
		httpClient = &http.Client{}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &client{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		logger:  logger.With("component", "llm_client"),
	}
}

// chatRequest is the OpenAI-compatible completion request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the subset of the completion response the engine needs.
type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete implements Client with retry, rate limiting, and per-model
// timeouts. Only transient failures are retried; a content-class error from
// the provider is returned immediately.
func (c *client) Complete(ctx context.Context, model, prompt string) (string, error) {
	timeout := c.timeoutFor(model)

	var lastErr error
	attempts := c.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := backoffFor(attempt)
			c.logger.Debug("retrying model call",
				"model", model, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return "", &CallError{Model: model, Timeout: true, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", &CallError{Model: model, Timeout: true, Err: err}
			}
		}

		text, err := c.call(ctx, model, prompt, timeout)
		if err == nil {
			return text, nil
		}
		lastErr = err

		// Content-class provider errors are final; only timeouts and
		// retryable statuses earn another attempt.
		var ce *CallError
		if errors.As(err, &ce) {
			if !ce.Timeout && !retryableStatus(ce.StatusCode) {
				return "", err
			}
		} else if !IsTimeout(err) {
			return "", err
		}
	}

	return "", fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// call performs a single HTTP round trip with the given deadline.
func (c *client) call(ctx context.Context, model, prompt string, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", &CallError{Model: model, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &CallError{Model: model, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		timedOut := IsTimeout(err) || callCtx.Err() != nil
		return "", &CallError{Model: model, Timeout: timedOut, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", &CallError{Model: model, Timeout: callCtx.Err() != nil, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &CallError{
			Model:      model,
			StatusCode: resp.StatusCode,
			Timeout:    timeoutStatus(resp.StatusCode),
			Err:        fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200)),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &CallError{Model: model, Err: fmt.Errorf("%w: %w", ErrInvalidResponse, err)}
	}
	if parsed.Error != nil {
		return "", &CallError{Model: model, Err: fmt.Errorf("provider error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", &CallError{Model: model, Err: fmt.Errorf("%w: empty choices", ErrInvalidResponse)}
	}

	c.logger.Debug("model call completed",
		"model", model, "latency", time.Since(start), "bytes", len(data))
	return parsed.Choices[0].Message.Content, nil
}

// timeoutFor returns the per-call deadline, using the longer timeout for
// known-slow model families.
func (c *client) timeoutFor(model string) time.Duration {
	lower := strings.ToLower(model)
	for _, slow := range c.cfg.SlowModels {
		if strings.Contains(lower, strings.ToLower(slow)) {
			return c.cfg.SlowModelTimeout
		}
	}
	return c.cfg.Timeout
}

// backoffFor computes an exponential backoff with full jitter.
func backoffFor(attempt int) time.Duration {
	backoff := initialBackoff << (attempt - 1)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(backoff)) + int64(backoff)/2) //nolint:gosec // jitter, not crypto
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
