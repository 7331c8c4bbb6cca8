// Package tokencost estimates token counts and dollar cost for analysis
// prompts.
//
// It uses tiktoken-go, a Go port of OpenAI's official tiktoken library. The
// estimates feed the admission controller's cost gates before a backend call
// is admitted.
package tokencost

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// Estimator provides thread-safe token counting and cost estimation.
type Estimator struct {
	CostPer1KTokensUSD float64

	mu            sync.RWMutex
	encodingCache map[string]*tiktoken.Tiktoken
}

// NewEstimator creates an estimator with the given per-1K-token rate.
func NewEstimator(costPer1K float64) *Estimator {
	return &Estimator{
		CostPer1KTokensUSD: costPer1K,
		encodingCache:      make(map[string]*tiktoken.Tiktoken),
	}
}

// encodingFor returns a cached tiktoken encoding for the model, falling back
// to cl100k_base for model families tiktoken does not know.
func (e *Estimator) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	e.mu.RLock()
	if enc, ok := e.encodingCache[normalized]; ok {
		e.mu.RUnlock()
		return enc, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encodingCache[normalized]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model), slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	e.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName maps provider model IDs onto tiktoken-compatible names.
// Non-OpenAI families approximate with the gpt-4 encoding.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}

// CountTokens counts tokens in a text string for the given model.
func (e *Estimator) CountTokens(text, model string) (int, error) {
	enc, err := e.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountMessages counts tokens for an ordered message sequence, accounting for
// the per-message structure overhead of chat completion APIs.
func (e *Estimator) CountMessages(messages []domain.AnalysisMessage, model string) (int, error) {
	enc, err := e.encodingFor(model)
	if err != nil {
		return 0, err
	}
	// 3 tokens per message plus 1 for the role, and 3 to prime the reply.
	// See the OpenAI token-counting cookbook.
	const tokensPerMessage, tokensPerRole, replyPrimer = 3, 1, 3
	n := replyPrimer
	for _, m := range messages {
		n += tokensPerMessage + tokensPerRole
		n += len(enc.Encode(m.Role, nil, nil))
		n += len(enc.Encode(m.Content, nil, nil))
	}
	return n, nil
}

// EstimateCost converts the prompt's token count into dollars using the
// configured rate. On counting failure it falls back to a chars/4 estimate so
// the cost gate always sees a figure.
func (e *Estimator) EstimateCost(messages []domain.AnalysisMessage, model string) float64 {
	tokens, err := e.CountMessages(messages, model)
	if err != nil {
		slog.Warn("token count failed, using character estimate",
			slog.String("model", model), slog.Any("error", err))
		chars := 0
		for _, m := range messages {
			chars += len(m.Content)
		}
		tokens = chars / 4
	}
	return float64(tokens) / 1000 * e.CostPer1KTokensUSD
}
