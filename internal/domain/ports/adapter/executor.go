package adapter

import (
	"context"

	"intent-code-pipeline/internal/domain/model"
)

// PhaseResult is the artifact a phase executor produces.
type PhaseResult struct {
	// Ref is the artifact reference stored on the session.
	Ref string
	// Artifact is the rendered content behind the reference.
	Artifact []byte
	Usage    model.Usage
}

// PhaseExecutor runs the actual work of one pipeline phase. The orchestrator
// treats it as a single unit of work: it invokes Execute as the job payload
// and interprets the result or error, nothing more.
type PhaseExecutor interface {
	Phase() model.Phase
	Execute(ctx context.Context, sessionID string, phaseInput []byte) (*PhaseResult, error)
}

// ExecutorSet resolves the executor for a phase.
type ExecutorSet interface {
	For(phase model.Phase) (PhaseExecutor, bool)
}
