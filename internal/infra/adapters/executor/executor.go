package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/adapter"
	"intent-code-pipeline/internal/infra/logging"
)

// Caller is the gateway capability the executors need.
type Caller interface {
	Call(ctx context.Context, req model.ProviderRequest) (*model.CallRecord, error)
}

// System prompts define each phase's contract with the model. The plan
// prompt asks for task decomposition metadata alongside the plan so the
// orchestrator can store it without computing it.
var systemPrompts = map[model.Phase]string{
	model.PhaseDesign: "You are a software architect. Produce a high-level design document " +
		"for the structured intent below: components, data flow, interfaces, trade-offs.",
	model.PhaseSpec: "You are a specification writer. Expand the design document below into " +
		"a precise implementation specification: data model, operations, invariants, error cases.",
	model.PhasePlan: "You are a delivery planner. Decompose the specification below into an " +
		"ordered implementation plan. Output JSON with fields: tasks (array of {id, title, " +
		"depends_on, estimated_seconds}), parallel_batches, task_count.",
	model.PhaseCode: "You are a senior engineer. Implement the plan below. Output complete " +
		"source files, each preceded by a `// file:` path marker.",
}

var _ adapter.PhaseExecutor = (*llmExecutor)(nil)

// llmExecutor runs one phase as a single model call, memoized through the
// result cache by request fingerprint.
type llmExecutor struct {
	phase model.Phase
	gw    Caller
	cache adapter.ResultCache
	model string
	log   *zerolog.Logger
}

func (e *llmExecutor) Phase() model.Phase { return e.phase }

func (e *llmExecutor) Execute(ctx context.Context, sessionID string, phaseInput []byte) (*adapter.PhaseResult, error) {
	req := model.ProviderRequest{
		Model:  e.model,
		System: systemPrompts[e.phase],
		Prompt: string(phaseInput),
		Params: map[string]string{"phase": string(e.phase)},
	}
	fp := req.Fingerprint()
	log := logging.With(logging.WithSessionID(ctx, sessionID), e.log)

	if rec, found, err := e.cache.Get(ctx, fp); err == nil && found {
		log.Debug().Str("phase", string(e.phase)).Str("fingerprint", fp[:12]).Msg("phase served from cache")
		return resultFrom(rec, fp), nil
	}

	rec, err := e.gw.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Put(ctx, fp, rec); err != nil {
		log.Warn().Err(err).Msg("cache put failed")
	}
	return resultFrom(rec, fp), nil
}

func resultFrom(rec *model.CallRecord, fp string) *adapter.PhaseResult {
	return &adapter.PhaseResult{
		Ref:      fp,
		Artifact: []byte(rec.Response.Text),
		Usage:    rec.Response.Usage,
	}
}

var _ adapter.ExecutorSet = (Set)(nil)

// Set maps each work phase to its executor.
type Set map[model.Phase]adapter.PhaseExecutor

func (s Set) For(phase model.Phase) (adapter.PhaseExecutor, bool) {
	e, ok := s[phase]
	return e, ok
}

// NewSet builds one llmExecutor per work phase, all sharing the gateway
// and cache.
func NewSet(gw Caller, cache adapter.ResultCache, modelName string, logger *zerolog.Logger) (Set, error) {
	if gw == nil || cache == nil {
		return nil, fmt.Errorf("executor set: gateway and cache are required")
	}
	set := make(Set, len(model.WorkPhases()))
	for _, p := range model.WorkPhases() {
		set[p] = &llmExecutor{phase: p, gw: gw, cache: cache, model: modelName, log: logger}
	}
	return set, nil
}
