package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"intent-code-pipeline/internal/config"
	"intent-code-pipeline/internal/domain"
	"intent-code-pipeline/internal/domain/ports/adapter"
)

var _ adapter.IntentParser = (*HTTPParser)(nil)

// HTTPParser calls the external intent extraction service. The response
// body is treated as an opaque structured-intent document.
type HTTPParser struct {
	url    string
	client *http.Client
}

func NewHTTPParser(cfg config.IntentConfig) (*HTTPParser, error) {
	if cfg.ParserURL == "" {
		return nil, errors.New("intent: empty parser url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPParser{
		url:    cfg.ParserURL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (p *HTTPParser) Parse(ctx context.Context, rawText string) ([]byte, error) {
	body, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: rawText})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: intent parser: %v", domain.ErrProviderCall, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: intent parser http %d", domain.ErrInvalidArgument, resp.StatusCode)
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("%w: intent parser returned non-JSON body", domain.ErrInvalidArgument)
	}
	return out, nil
}

var _ adapter.IntentParser = (*PassthroughParser)(nil)

// PassthroughParser wraps the raw text unparsed, for dev runs without the
// external service.
type PassthroughParser struct{}

func NewPassthroughParser() *PassthroughParser { return &PassthroughParser{} }

func (p *PassthroughParser) Parse(_ context.Context, rawText string) ([]byte, error) {
	if rawText == "" {
		return nil, fmt.Errorf("%w: empty intent text", domain.ErrInvalidArgument)
	}
	out, err := json.Marshal(struct {
		Raw string `json:"raw"`
	}{Raw: rawText})
	if err != nil {
		return nil, err
	}
	return out, nil
}
