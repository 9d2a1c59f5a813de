package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProviderRequest is one model call as the gateway sees it: a normalized
// prompt plus generation parameters. Provider identity is carried as data by
// the gateway, not here.
type ProviderRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Params      map[string]string // provider-agnostic extras, part of the fingerprint
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ProviderResponse is the payload side of a completed call.
type ProviderResponse struct {
	Text     string
	Usage    Usage
	Provider string
	Model    string
}

// CallRecord is the cache-keyed record of one provider call.
type CallRecord struct {
	Fingerprint string           `json:"fingerprint"`
	Response    ProviderResponse `json:"response"`
	CostMicros  int64            `json:"cost_micros"`
	LatencyMs   int64            `json:"latency_ms"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Fingerprint returns the deterministic hash identifying a cacheable request:
// SHA-256 over the normalized prompt, model and parameters. Params are folded
// in sorted order so map iteration cannot perturb the key.
func (r ProviderRequest) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(r.Model))
	h.Write([]byte{0})
	h.Write([]byte(normalizeText(r.System)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeText(r.Prompt)))
	fmt.Fprintf(h, "\x00max=%d\x00temp=%.4f", r.MaxTokens, r.Temperature)
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "\x00%s=%s", k, r.Params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeText collapses runs of whitespace so cosmetic prompt differences
// hash identically.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// CircuitStatus is the per-provider breaker state.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half-open"
)
