package ai

import (
	"context"

	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.ModelProvider = (*limitedProvider)(nil)

type limitedProvider struct {
	inner adapter.ModelProvider
	sem   chan struct{}
}

// NewLimitedProvider caps concurrent upstream calls to one provider.
func NewLimitedProvider(inner adapter.ModelProvider, maxConcurrent int) adapter.ModelProvider {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedProvider{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedProvider) Name() string           { return l.inner.Name() }
func (l *limitedProvider) CostPer1KTokens() int64 { return l.inner.CostPer1KTokens() }

func (l *limitedProvider) CountTokens(ctx context.Context, req model.ProviderRequest) (int, error) {
	return l.inner.CountTokens(ctx, req)
}

func (l *limitedProvider) Generate(ctx context.Context, req model.ProviderRequest) (model.ProviderResponse, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return model.ProviderResponse{}, ctx.Err()
	}
	defer func() { <-l.sem }()
	return l.inner.Generate(ctx, req)
}
