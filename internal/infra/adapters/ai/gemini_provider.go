package ai

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"intent-code-pipeline/internal/config"
	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/adapter"
)

var _ adapter.ModelProvider = (*GeminiProvider)(nil)

type GeminiProvider struct {
	client       *genai.Client
	name         string
	defaultModel string
	costPer1K    int64
	maxOut       int
}

// NewGeminiProvider creates a Gemini provider using the official SDK.
func NewGeminiProvider(ctx context.Context, cfg config.ProviderConfig, maxOut int) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	m := cfg.Model
	if m == "" {
		m = "gemini-2.0-flash"
	}
	return &GeminiProvider{
		client:       c,
		name:         cfg.Name,
		defaultModel: m,
		costPer1K:    cfg.CostPer1KMicros,
		maxOut:       maxOut,
	}, nil
}

func (g *GeminiProvider) Name() string           { return g.name }
func (g *GeminiProvider) CostPer1KTokens() int64 { return g.costPer1K }

func (g *GeminiProvider) CountTokens(ctx context.Context, req model.ProviderRequest) (int, error) {
	// Per docs, CountTokens takes []*genai.Content.
	// https://ai.google.dev/gemini-api/docs/tokens?hl=en#go
	resp, err := g.client.Models.CountTokens(ctx, g.modelFor(req), g.contents(req), nil)
	if err != nil {
		return 0, err
	}
	return int(resp.TotalTokens), nil
}

func (g *GeminiProvider) Generate(ctx context.Context, req model.ProviderRequest) (model.ProviderResponse, error) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(g.maxOutputFor(req)),
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.modelFor(req), g.contents(req), cfg)
	if err != nil {
		return model.ProviderResponse{}, err
	}

	text := ""
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil && len(resp.Candidates[0].Content.Parts) > 0 {
		if t := resp.Candidates[0].Content.Parts[0].Text; t != "" {
			text = t
		}
	}
	if text == "" {
		return model.ProviderResponse{}, errors.New("gemini: empty candidate")
	}

	u := model.Usage{}
	if resp.UsageMetadata != nil {
		u.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		u.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		u.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return model.ProviderResponse{
		Text:     text,
		Usage:    u,
		Provider: g.name,
		Model:    g.modelFor(req),
	}, nil
}

func (g *GeminiProvider) contents(req model.ProviderRequest) []*genai.Content {
	return []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: req.Prompt}},
	}}
}

func (g *GeminiProvider) modelFor(req model.ProviderRequest) string {
	if strings.TrimSpace(req.Model) != "" {
		return req.Model
	}
	return g.defaultModel
}

func (g *GeminiProvider) maxOutputFor(req model.ProviderRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return g.maxOut
}
