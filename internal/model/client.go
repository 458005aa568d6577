// ABOUTME: OpenAI-compatible chat completions client with streaming and tool calls
// ABOUTME: Retries rate limits and server errors with exponential backoff before streaming starts

package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	BaseDelay   time.Duration
	HTTPClient  *http.Client
}

// Client implements Model over an OpenAI-compatible endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client. BaseURL must include the API version path,
// e.g. https://api.openai.com/v1.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, http: hc, logger: logger.With("component", "model")}
}

// Generate streams one completion. Transient failures are retried up to
// MaxRetries times; once the stream has started errors are returned as is.
func (c *Client) Generate(ctx context.Context, req Request, onEvent func(Event)) (Response, error) {
	body := chatRequest{
		Model:         c.cfg.Model,
		Messages:      toWireMessages(req.Messages),
		Tools:         toWireTools(req.Tools),
		Stream:        true,
		MaxTokens:     c.cfg.MaxTokens,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	if c.cfg.Temperature > 0 {
		t := c.cfg.Temperature
		body.Temperature = &t
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: encoding request: %w", ErrModel, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(c.cfg.BaseDelay, attempt-1, lastErr)
			c.logger.Warn("retrying model request",
				"attempt", attempt+1,
				"max_attempts", c.cfg.MaxRetries+1,
				"delay", delay,
				"error", lastErr,
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Response{}, fmt.Errorf("%w: %w", ErrModel, ctx.Err())
			case <-timer.C:
			}
		}

		resp, err := c.open(ctx, payload)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || !retryable(err) {
				break
			}
			continue
		}

		out, err := readStream(ctx, resp.Body, onEvent)
		resp.Body.Close()
		if err != nil {
			return Response{}, fmt.Errorf("%w: reading stream: %w", ErrModel, err)
		}
		c.logger.Debug("model response",
			"finish_reason", out.FinishReason,
			"tool_calls", len(out.ToolCalls),
			"input_tokens", out.Usage.InputTokens,
			"output_tokens", out.Usage.OutputTokens,
		)
		return out, nil
	}
	return Response{}, fmt.Errorf("%w: %w", ErrModel, lastErr)
}

// open sends the request and returns a 200 streaming response.
func (c *Client) open(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp, nil
}

func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	// Transport errors such as connection resets.
	return true
}

// backoff doubles base per attempt, honoring a longer Retry-After.
func backoff(base time.Duration, attempt int, err error) time.Duration {
	d := base << attempt
	var he *HTTPError
	if errors.As(err, &he) && he.RetryAfter > d {
		return he.RetryAfter
	}
	return d
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
