package ai

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/pkoukk/tiktoken-go"

	"intent-code-pipeline/internal/config"
	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/adapter"
)

var _ adapter.ModelProvider = (*OpenAIProvider)(nil)

// OpenAIProvider serves chat completions through the official SDK.
type OpenAIProvider struct {
	client       openai.Client
	name         string
	defaultModel string
	costPer1K    int64
	maxOut       int
}

func NewOpenAIProvider(cfg config.ProviderConfig, maxOut int) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: empty api key")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	m := cfg.Model
	if m == "" {
		m = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		client:       openai.NewClient(opts...),
		name:         cfg.Name,
		defaultModel: m,
		costPer1K:    cfg.CostPer1KMicros,
		maxOut:       maxOut,
	}, nil
}

func (o *OpenAIProvider) Name() string           { return o.name }
func (o *OpenAIProvider) CostPer1KTokens() int64 { return o.costPer1K }

// CountTokens uses tiktoken locally; no network round-trip.
func (o *OpenAIProvider) CountTokens(_ context.Context, req model.ProviderRequest) (int, error) {
	enc, err := tiktoken.EncodingForModel(o.modelFor(req))
	if err != nil {
		// Unknown model names fall back to the modern base encoding.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return 0, err
		}
	}
	n := len(enc.Encode(req.System, nil, nil)) + len(enc.Encode(req.Prompt, nil, nil))
	return n, nil
}

func (o *OpenAIProvider) Generate(ctx context.Context, req model.ProviderRequest) (model.ProviderResponse, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    o.modelFor(req),
		Messages: msgs,
	}
	if maxOut := o.maxOutputFor(req); maxOut > 0 {
		params.MaxTokens = openai.Int(int64(maxOut))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.ProviderResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return model.ProviderResponse{}, errors.New("openai: no choice content")
	}

	return model.ProviderResponse{
		Text: resp.Choices[0].Message.Content,
		Usage: model.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		Provider: o.name,
		Model:    resp.Model,
	}, nil
}

func (o *OpenAIProvider) modelFor(req model.ProviderRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return o.defaultModel
}

func (o *OpenAIProvider) maxOutputFor(req model.ProviderRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return o.maxOut
}
