package adapter

import (
	"context"

	"intent-code-pipeline/internal/domain/model"
)

// ModelProvider is the port for one upstream language-model provider.
// Provider identity is carried as data; the gateway layers circuit breaking,
// selection and fallback on top of this fixed capability set.
type ModelProvider interface {
	// Name identifies the provider in circuit state, metrics and cost
	// accounting ("openai", "gemini", ...).
	Name() string
	// CostPer1KTokens is the configured blended price used by the
	// selection policy, in micro-units.
	CostPer1KTokens() int64
	// CountTokens returns a prompt token estimate (best-effort when the
	// provider has no exact counter).
	CountTokens(ctx context.Context, req model.ProviderRequest) (int, error)
	Generate(ctx context.Context, req model.ProviderRequest) (model.ProviderResponse, error)
}
