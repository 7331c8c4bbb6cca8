// Package anthropic implements the analysis backend on the Anthropic
// Messages API.
package anthropic

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/compintel-pipeline/internal/config"
	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

const defaultMaxTokens = 4096

// Client implements domain.AnalysisClient using the official SDK. The SDK
// retries transient failures itself, so no extra backoff wraps it.
type Client struct {
	sdk   sdk.Client
	model string
}

// New constructs a Client from config. Extra request options (base URL
// overrides for tests) can be appended.
func New(cfg config.Config, opts ...option.RequestOption) *Client {
	timeout := cfg.AnalysisTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	all := append([]option.RequestOption{
		option.WithAPIKey(cfg.AnthropicAPIKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(cfg.AnalysisMaxRetries),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}, opts...)
	return &Client{sdk: sdk.NewClient(all...), model: cfg.AnthropicModel}
}

// GenerateCompletion maps the ordered message sequence onto the Messages API:
// system entries become the system prompt, the rest alternate as turns.
func (c *Client) GenerateCompletion(ctx domain.Context, messages []domain.AnalysisMessage) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: empty message sequence", domain.ErrInvalidArgument)
	}

	var system []sdk.TextBlockParam
	var turns []sdk.MessageParam
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			turns = append(turns, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			turns = append(turns, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(turns) == 0 {
		return "", fmt.Errorf("%w: no user turns in message sequence", domain.ErrInvalidArgument)
	}

	msg, err := c.sdk.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: defaultMaxTokens,
		System:    system,
		Messages:  turns,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	out := sb.String()
	if out == "" {
		return "", fmt.Errorf("%w: empty completion", domain.ErrBackendUnavailable)
	}
	slog.DebugContext(ctx, "anthropic completion received",
		slog.String("model", c.model),
		slog.Int("output_chars", len(out)))
	return out, nil
}
