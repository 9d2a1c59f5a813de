package gateway

import (
	"sync"
	"time"

	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/infra/metrics"
)

// breaker is one provider's circuit. closed counts consecutive failures up
// to the threshold; open rejects everything until the cooldown elapses;
// half-open admits exactly one probe call whose outcome decides the next
// state.
type breaker struct {
	mu        sync.Mutex
	provider  string
	threshold int
	cooldown  time.Duration

	status   model.CircuitStatus
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func newBreaker(provider string, threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &breaker{
		provider:  provider,
		threshold: threshold,
		cooldown:  cooldown,
		status:    model.CircuitClosed,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. In half-open only a single
// in-flight probe is admitted; the caller must report the outcome via
// OnSuccess/OnFailure.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case model.CircuitClosed:
		return true
	case model.CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(model.CircuitHalfOpen)
		b.probing = true
		return true
	case model.CircuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

func (b *breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.status != model.CircuitClosed {
		b.transition(model.CircuitClosed)
	}
}

func (b *breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	switch b.status {
	case model.CircuitHalfOpen:
		// A failed probe reopens immediately.
		b.openedAt = b.now()
		b.transition(model.CircuitOpen)
	case model.CircuitClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(model.CircuitOpen)
		}
	}
}

func (b *breaker) Status() model.CircuitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == model.CircuitOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return model.CircuitHalfOpen
	}
	return b.status
}

// transition updates state and metrics. Caller holds the lock.
func (b *breaker) transition(to model.CircuitStatus) {
	b.status = to
	metrics.IncCircuitTransition(b.provider, string(to))
	metrics.SetCircuitState(b.provider, stateValue(to))
	if to == model.CircuitClosed {
		b.failures = 0
	}
}

func stateValue(s model.CircuitStatus) float64 {
	switch s {
	case model.CircuitOpen:
		return 2
	case model.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}
