package repository

import (
	"context"
	"time"

	"intent-code-pipeline/internal/domain/model"
)

// JobOutcome is the terminal result a worker reports for a claimed job.
type JobOutcome struct {
	Status    model.JobStatus // succeeded | failed | cancelled
	Result    string
	ErrorKind string
	ErrorMsg  string
}

// JobRepository is the durable job store.
//
// Invariants it enforces:
//   - Enqueue rejects a non-terminal duplicate idempotency key with
//     domain.ErrDuplicateInFlight (at-most-one-in-flight).
//   - Claim is exclusive under concurrent callers: no two workers receive
//     the same job.
//   - Complete is idempotent; a conflicting outcome after a terminal state
//     returns domain.ErrAlreadyTerminal.
type JobRepository interface {
	Enqueue(ctx context.Context, tx Tx, job *model.Job) error
	// Claim atomically marks up to limit eligible pending jobs as running,
	// owned by workerID with the given lease duration, and returns them.
	Claim(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*model.Job, error)
	// Heartbeat extends the lease of a running job owned by workerID.
	Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error
	Complete(ctx context.Context, jobID string, outcome JobOutcome) error
	// Retry returns a running job to pending with an incremented attempt count
	// and a new earliest-eligible time.
	Retry(ctx context.Context, jobID string, scheduledAt time.Time, errKind, errMsg string) error
	// ReclaimExpired returns running jobs whose lease has lapsed to pending,
	// incrementing their attempt count. Crash recovery for dead workers.
	ReclaimExpired(ctx context.Context) (int, error)
	// CancelBySession marks all non-terminal jobs of a session cancelled.
	CancelBySession(ctx context.Context, tx Tx, sessionID string) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Job, error)
	ListBySession(ctx context.Context, tx Tx, sessionID string) ([]*model.Job, error)
}
