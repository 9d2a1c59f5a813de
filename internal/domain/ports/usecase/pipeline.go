package usecase

import (
	"context"

	"intent-code-pipeline/internal/domain/model"
)

// PhaseFailure is the terminal error a scheduler reports for a job after its
// retry budget is exhausted.
type PhaseFailure struct {
	Kind    string
	Message string
}

// PipelineManager is the session state machine as seen by the scheduler and
// the operator API.
type PipelineManager interface {
	Create(ctx context.Context, rawText string) (*model.Session, error)
	// Advance validates phase and revision, enqueues the next phase's job,
	// and returns the refreshed session. It performs no phase work itself.
	Advance(ctx context.Context, sessionID string, expectedRevision int64) (*model.Session, error)
	// CompletePhase is called only by the scheduler when a job reaches a
	// terminal state.
	CompletePhase(ctx context.Context, sessionID, jobID string, result string, failure *PhaseFailure) error
	Cancel(ctx context.Context, sessionID string) error
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	List(ctx context.Context, limit int) ([]*model.Session, error)
}
