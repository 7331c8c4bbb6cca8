// Package real implements the analysis backend over an OpenAI-compatible
// chat completions API.
package real

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/compintel-pipeline/internal/config"
	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// Client implements domain.AnalysisClient against an OpenAI-compatible API.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// New constructs a client with the analysis timeout from config. Outbound
// requests are traced.
func New(cfg config.Config) *Client {
	timeout := cfg.AnalysisTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{cfg: cfg, hc: &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateCompletion sends the ordered message sequence and returns the first
// choice's content. Rate limits and transient upstream failures are retried
// with exponential backoff up to the configured attempt budget.
func (c *Client) GenerateCompletion(ctx domain.Context, messages []domain.AnalysisMessage) (string, error) {
	if c.cfg.OpenAIAPIKey == "" {
		return "", fmt.Errorf("%w: OPENAI_API_KEY missing", domain.ErrInvalidArgument)
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: empty message sequence", domain.ErrInvalidArgument)
	}

	req := chatRequest{Model: c.cfg.OpenAIModel, Temperature: 0.2, Messages: make([]chatMessage, 0, len(messages))}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", domain.ErrInternal, err)
	}

	var content string
	op := func() error {
		start := time.Now()
		// Recreate the request each attempt to avoid reusing a consumed body.
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenAIBaseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)
		r.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(r)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		slog.DebugContext(ctx, "analysis backend responded",
			slog.String("provider", "openai"),
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", time.Since(start)))

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			slog.WarnContext(ctx, "analysis backend transient failure",
				slog.String("provider", "openai"), slog.Int("status", resp.StatusCode))
			return fmt.Errorf("transient status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", domain.ErrBackendUnavailable, resp.StatusCode, snippet(body)))
		}

		var out chatResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode response: %v", domain.ErrBackendUnavailable, err))
		}
		if out.Error != nil {
			return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrBackendUnavailable, out.Error.Message))
		}
		if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
			return backoff.Permanent(fmt.Errorf("%w: empty completion", domain.ErrBackendUnavailable))
		}
		content = out.Choices[0].Message.Content
		return nil
	}

	if err := backoff.Retry(op, c.retryPolicy(ctx)); err != nil {
		if errors.Is(err, domain.ErrBackendUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return content, nil
}

func (c *Client) retryPolicy(ctx domain.Context) backoff.BackOffContext {
	expo := backoff.NewExponentialBackOff()
	initial, maxInterval, mult := c.cfg.AnalysisBackoff()
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	expo.Multiplier = mult

	retries := c.cfg.AnalysisMaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(retries)), ctx)
}

func snippet(b []byte) string {
	const n = 256
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
