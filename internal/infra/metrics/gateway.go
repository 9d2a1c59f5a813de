package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(providerCallsTotal, providerLatencyMs, providerTokensIn, providerTokensOut, providerTokensEstimate, providerCostMicro, circuitState, circuitTransitionsTotal)
}

var providerCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_provider_calls_total",
		Help: "Provider call outcomes per provider/model.",
	},
	[]string{"provider", "model", "success"},
)

var providerLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gateway_provider_latency_ms",
		Help:    "Provider call latency distribution in milliseconds.",
		Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3000, 5000, 10000, 30000},
	},
	[]string{"provider", "model", "success"},
)

var providerTokensIn = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_tokens_in",
		Help: "Sum of prompt (input) tokens per provider/model.",
	},
	[]string{"provider", "model"},
)

var providerTokensOut = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_tokens_out",
		Help: "Sum of completion (output) tokens per provider/model.",
	},
	[]string{"provider", "model"},
)

var providerTokensEstimate = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gateway_prompt_tokens_estimate",
		Help:    "Pre-call prompt token estimate per provider/model.",
		Buckets: prometheus.ExponentialBuckets(64, 2, 12),
	},
	[]string{"provider", "model"},
)

var providerCostMicro = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_cost_micro",
		Help: "Total micro-units spent per provider/model.",
	},
	[]string{"provider", "model"},
)

var circuitState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "gateway_circuit_state",
		Help: "Circuit breaker state per provider: 0=closed, 1=half-open, 2=open.",
	},
	[]string{"provider"},
)

var circuitTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_circuit_transitions_total",
		Help: "Circuit state transitions per provider.",
	},
	[]string{"provider", "to"},
)

func ObserveProviderCall(provider, model string, promptTokens, completionTokens int, costMicros, latencyMs int64, success bool) {
	s := strconv.FormatBool(success)
	providerCallsTotal.WithLabelValues(norm(provider), norm(model), s).Inc()
	providerLatencyMs.WithLabelValues(norm(provider), norm(model), s).Observe(float64(latencyMs))
	if success {
		providerTokensIn.WithLabelValues(norm(provider), norm(model)).Add(float64(promptTokens))
		providerTokensOut.WithLabelValues(norm(provider), norm(model)).Add(float64(completionTokens))
		providerCostMicro.WithLabelValues(norm(provider), norm(model)).Add(float64(costMicros))
	}
}

func ObservePromptEstimate(provider, model string, tokens int) {
	providerTokensEstimate.WithLabelValues(norm(provider), norm(model)).Observe(float64(tokens))
}

func SetCircuitState(provider string, state float64) {
	circuitState.WithLabelValues(norm(provider)).Set(state)
}

func IncCircuitTransition(provider, to string) {
	circuitTransitionsTotal.WithLabelValues(norm(provider), norm(to)).Inc()
}
