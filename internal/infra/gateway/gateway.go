package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/config"
	"intent-code-pipeline/internal/domain"
	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/adapter"
	"intent-code-pipeline/internal/infra/metrics"
)

// SelectionPolicy orders the callable candidates for one request. It never
// sees providers whose circuit is open; those are filtered out before it
// runs.
type SelectionPolicy func(candidates []adapter.ModelProvider, status func(name string) model.CircuitStatus) []adapter.ModelProvider

// CheapestFirst prefers providers with a closed circuit over half-open
// ones, and within each group the lowest configured cost wins.
func CheapestFirst(candidates []adapter.ModelProvider, status func(name string) model.CircuitStatus) []adapter.ModelProvider {
	ordered := make([]adapter.ModelProvider, len(candidates))
	copy(ordered, candidates)
	rank := func(p adapter.ModelProvider) int {
		if status(p.Name()) == model.CircuitClosed {
			return 0
		}
		return 1
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := rank(ordered[i]), rank(ordered[j])
		if ri != rj {
			return ri < rj
		}
		return ordered[i].CostPer1KTokens() < ordered[j].CostPer1KTokens()
	})
	return ordered
}

// ProviderStatus is a point-in-time view of one provider's circuit, for
// the operator surface.
type ProviderStatus struct {
	Provider        string              `json:"provider"`
	Circuit         model.CircuitStatus `json:"circuit"`
	CostPer1KTokens int64               `json:"cost_per_1k_tokens"`
}

// Gateway routes calls across candidate providers with independent circuit
// breakers and cost-aware fallback ordering.
type Gateway struct {
	providers   []adapter.ModelProvider
	breakers    map[string]*breaker
	policy      SelectionPolicy
	callTimeout time.Duration
	log         *zerolog.Logger
}

func New(cfg *config.GatewayConfig, providers []adapter.ModelProvider, policy SelectionPolicy, logger *zerolog.Logger) *Gateway {
	if policy == nil {
		policy = CheapestFirst
	}
	breakers := make(map[string]*breaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = newBreaker(p.Name(), cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
	return &Gateway{
		providers:   providers,
		breakers:    breakers,
		policy:      policy,
		callTimeout: cfg.CallTimeout,
		log:         logger,
	}
}

// Call tries candidate providers in policy order until one succeeds. Every
// outcome feeds the provider's breaker and cost accounting, cached or not.
func (g *Gateway) Call(ctx context.Context, req model.ProviderRequest) (*model.CallRecord, error) {
	callable := make([]adapter.ModelProvider, 0, len(g.providers))
	for _, p := range g.providers {
		if g.breakers[p.Name()].Status() != model.CircuitOpen {
			callable = append(callable, p)
		}
	}
	if len(callable) == 0 {
		return nil, fmt.Errorf("%w: all circuits open", domain.ErrAllProvidersUnavailable)
	}

	var lastErr error
	for _, p := range g.policy(callable, g.circuitStatus) {
		br := g.breakers[p.Name()]
		if !br.Allow() {
			continue
		}

		rec, err := g.callOne(ctx, p, req)
		if err != nil {
			br.OnFailure()
			lastErr = err
			g.log.Warn().Err(err).Str("provider", p.Name()).Str("model", req.Model).Msg("provider call failed")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		br.OnSuccess()
		return rec, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: last: %v", domain.ErrAllProvidersUnavailable, lastErr)
	}
	return nil, fmt.Errorf("%w: no candidate admitted a call", domain.ErrAllProvidersUnavailable)
}

func (g *Gateway) callOne(ctx context.Context, p adapter.ModelProvider, req model.ProviderRequest) (*model.CallRecord, error) {
	callCtx := ctx
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	// Pre-call estimate so the spend is attributable even when the call
	// never returns usage (timeout, transport failure).
	if est, err := p.CountTokens(callCtx, req); err == nil {
		metrics.ObservePromptEstimate(p.Name(), req.Model, est)
		g.log.Debug().Str("provider", p.Name()).Str("model", req.Model).
			Int("prompt_tokens_est", est).
			Int64("cost_est_micro", int64(est)*p.CostPer1KTokens()/1000).
			Msg("provider call admitted")
	}

	start := time.Now()
	resp, err := p.Generate(callCtx, req)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		metrics.ObserveProviderCall(p.Name(), req.Model, 0, 0, 0, latency, false)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrProviderCall, p.Name(), err)
	}

	cost := int64(resp.Usage.TotalTokens) * p.CostPer1KTokens() / 1000
	metrics.ObserveProviderCall(p.Name(), req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost, latency, true)

	return &model.CallRecord{
		Fingerprint: req.Fingerprint(),
		Response:    resp,
		CostMicros:  cost,
		LatencyMs:   latency,
		CreatedAt:   time.Now(),
	}, nil
}

func (g *Gateway) circuitStatus(name string) model.CircuitStatus {
	if br, ok := g.breakers[name]; ok {
		return br.Status()
	}
	return model.CircuitClosed
}

// Snapshot reports every provider's circuit state.
func (g *Gateway) Snapshot() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(g.providers))
	for _, p := range g.providers {
		out = append(out, ProviderStatus{
			Provider:        p.Name(),
			Circuit:         g.circuitStatus(p.Name()),
			CostPer1KTokens: p.CostPer1KTokens(),
		})
	}
	return out
}
