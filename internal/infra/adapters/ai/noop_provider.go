package ai

import (
	"context"
	"fmt"
	"time"

	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/adapter"
)

var _ adapter.ModelProvider = (*NoopProvider)(nil)

// NoopProvider answers with a canned echo for local/dev runs. No real
// model is dialed.
type NoopProvider struct{}

func NewNoopProvider() *NoopProvider { return &NoopProvider{} }

func (n *NoopProvider) Name() string           { return "noop" }
func (n *NoopProvider) CostPer1KTokens() int64 { return 0 }

func (n *NoopProvider) CountTokens(_ context.Context, req model.ProviderRequest) (int, error) {
	return len(req.Prompt) / 4, nil
}

func (n *NoopProvider) Generate(ctx context.Context, req model.ProviderRequest) (model.ProviderResponse, error) {
	// Simulate slight processing time and respect ctx.
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return model.ProviderResponse{}, ctx.Err()
	}
	text := fmt.Sprintf("[noop] model=%s prompt=%dB", req.Model, len(req.Prompt))
	tokens := len(req.Prompt) / 4
	return model.ProviderResponse{
		Text: text,
		Usage: model.Usage{
			PromptTokens:     tokens,
			CompletionTokens: len(text) / 4,
			TotalTokens:      tokens + len(text)/4,
		},
		Provider: "noop",
		Model:    req.Model,
	}, nil
}
