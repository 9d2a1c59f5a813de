// File: internal/usecase/pipeline_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/config"
	"intent-code-pipeline/internal/domain"
	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/adapter"
	"intent-code-pipeline/internal/domain/ports/repository"
	portuc "intent-code-pipeline/internal/domain/ports/usecase"
	"intent-code-pipeline/internal/infra/logging"
	"intent-code-pipeline/internal/infra/metrics"
)

var _ portuc.PipelineManager = (*PipelineUseCase)(nil)

// PipelineUseCase is the session state machine. Every mutation goes through
// a validated transition guarded by the session's revision counter; workers
// never touch sessions directly.
type PipelineUseCase struct {
	parser    adapter.IntentParser
	sessions  repository.SessionRepository
	jobs      repository.JobRepository
	tx        repository.TransactionManager
	publisher adapter.EventPublisher

	maxAttempts int
	wake        func()
	log         *zerolog.Logger
}

func NewPipelineUseCase(
	parser adapter.IntentParser,
	sessions repository.SessionRepository,
	jobs repository.JobRepository,
	tx repository.TransactionManager,
	publisher adapter.EventPublisher,
	cfg *config.SchedulerConfig,
	logger *zerolog.Logger,
) *PipelineUseCase {
	return &PipelineUseCase{
		parser:      parser,
		sessions:    sessions,
		jobs:        jobs,
		tx:          tx,
		publisher:   publisher,
		maxAttempts: cfg.MaxAttempts,
		log:         logger,
	}
}

// SetWake registers the scheduler's wake signal, called after a job is
// enqueued so workers do not wait out the poll interval.
func (uc *PipelineUseCase) SetWake(fn func()) { uc.wake = fn }

// Create parses the raw intent text and opens a session at the design
// phase with its first job enqueued.
func (uc *PipelineUseCase) Create(ctx context.Context, rawText string) (*model.Session, error) {
	if rawText == "" {
		return nil, fmt.Errorf("%w: empty intent text", domain.ErrInvalidArgument)
	}
	intent, err := uc.parser.Parse(ctx, rawText)
	if err != nil {
		return nil, err
	}

	s := model.NewSession(intent)
	job := model.NewJob(s.ID, model.PhaseDesign, s.PhaseInput(model.PhaseDesign), uc.maxAttempts)

	err = uc.tx.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := uc.sessions.Save(ctx, tx, s); err != nil {
			return err
		}
		return uc.jobs.Enqueue(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}

	uc.publish(ctx, s.ID, model.EventSessionCreated, transitionPayload{
		Phase:    s.Phase,
		Revision: s.Revision,
	})
	uc.publish(ctx, s.ID, model.EventPhaseStarted, phasePayload{
		Phase: model.PhaseDesign,
		JobID: job.ID,
	})
	uc.wakeScheduler()

	logging.With(logging.WithSessionID(ctx, s.ID), uc.log).
		Info().Str("phase", string(s.Phase)).Msg("session created")
	return s, nil
}

// Advance records the client's transition request: it bumps the revision
// (rejecting stale readers) and enqueues the current phase's job. The
// phase's actual work happens in the scheduler.
func (uc *PipelineUseCase) Advance(ctx context.Context, sessionID string, expectedRevision int64) (*model.Session, error) {
	var (
		s        *model.Session
		job      *model.Job
		inFlight bool
	)
	err := uc.tx.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var err error
		s, err = uc.sessions.FindByID(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.Phase.Terminal() {
			return fmt.Errorf("%w: session %s is %s", domain.ErrSessionTerminal, sessionID, s.Phase)
		}
		if s.Revision != expectedRevision {
			return fmt.Errorf("%w: have %d, expected %d", domain.ErrStaleRevision, s.Revision, expectedRevision)
		}

		s.Revision++
		if err := uc.sessions.UpdateRevision(ctx, tx, s, expectedRevision); err != nil {
			return err
		}

		job = model.NewJob(s.ID, s.Phase, s.PhaseInput(s.Phase), uc.maxAttempts)
		if err := uc.jobs.Enqueue(ctx, tx, job); err != nil {
			if errors.Is(err, domain.ErrDuplicateInFlight) {
				// Same work already queued or running: not an error to
				// the caller, just nothing new to schedule.
				inFlight = true
				job = nil
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job != nil {
		uc.publish(ctx, s.ID, model.EventPhaseStarted, phasePayload{
			Phase: s.Phase,
			JobID: job.ID,
		})
		uc.wakeScheduler()
	}
	logging.With(logging.WithSessionID(ctx, s.ID), uc.log).
		Info().Str("phase", string(s.Phase)).Int64("revision", s.Revision).
		Bool("already_in_flight", inFlight).Msg("session advanced")
	return s, nil
}

// CompletePhase applies a job's terminal outcome to the session. Called
// only by the scheduler. A terminal session discards the outcome (results
// of cancelled work are dropped on return).
func (uc *PipelineUseCase) CompletePhase(ctx context.Context, sessionID, jobID string, result string, failure *portuc.PhaseFailure) error {
	var (
		from, to model.Phase
		applied  bool
	)
	err := uc.tx.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		s, err := uc.sessions.FindByID(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.Phase.Terminal() {
			return nil
		}
		job, err := uc.jobs.FindByID(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.SessionID != sessionID || job.Phase != s.Phase {
			// Stale completion from a superseded job.
			return nil
		}

		expected := s.Revision
		from = s.Phase
		if failure != nil {
			s.Phase = model.PhaseFailed
			s.Failure = &model.FailureCause{Kind: failure.Kind, Message: failure.Message}
		} else {
			s.PhaseResults[s.Phase] = result
			s.Phase = s.Phase.Next()
		}
		to = s.Phase
		s.Revision++
		if err := uc.sessions.UpdateRevision(ctx, tx, s, expected); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil || !applied {
		return err
	}

	metrics.IncSessionTransition(string(from), string(to))
	switch {
	case failure != nil:
		metrics.IncSessionFailed(failure.Kind)
		uc.publish(ctx, sessionID, model.EventSessionFailed, failurePayload{
			Phase:   from,
			Kind:    failure.Kind,
			Message: failure.Message,
		})
	case to == model.PhaseCompleted:
		uc.publish(ctx, sessionID, model.EventPhaseCompleted, completionPayload{
			Phase: from, Next: to, ResultRef: result,
		})
		uc.publish(ctx, sessionID, model.EventSessionComplete, transitionPayload{Phase: to})
	default:
		uc.publish(ctx, sessionID, model.EventPhaseCompleted, completionPayload{
			Phase: from, Next: to, ResultRef: result,
		})
	}

	logging.With(logging.WithSessionID(ctx, sessionID), uc.log).
		Info().Str("from", string(from)).Str("to", string(to)).Msg("phase completed")
	return nil
}

// Cancel force-fails a session and marks its in-flight jobs cancelled.
// Dispatched provider calls are not aborted; their results are discarded
// when the worker checks back in.
func (uc *PipelineUseCase) Cancel(ctx context.Context, sessionID string) error {
	var from model.Phase
	err := uc.tx.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		s, err := uc.sessions.FindByID(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.Phase.Terminal() {
			return fmt.Errorf("%w: session %s is %s", domain.ErrSessionTerminal, sessionID, s.Phase)
		}
		expected := s.Revision
		from = s.Phase
		s.Phase = model.PhaseFailed
		s.Failure = &model.FailureCause{Kind: string(domain.KindCancelled), Message: "cancelled by user"}
		s.Revision++
		if err := uc.sessions.UpdateRevision(ctx, tx, s, expected); err != nil {
			return err
		}
		return uc.jobs.CancelBySession(ctx, tx, sessionID)
	})
	if err != nil {
		return err
	}

	metrics.IncSessionTransition(string(from), string(model.PhaseFailed))
	metrics.IncSessionFailed(string(domain.KindCancelled))
	uc.publish(ctx, sessionID, model.EventSessionFailed, failurePayload{
		Phase:   from,
		Kind:    string(domain.KindCancelled),
		Message: "cancelled by user",
	})
	logging.With(logging.WithSessionID(ctx, sessionID), uc.log).
		Info().Str("from", string(from)).Msg("session cancelled")
	return nil
}

func (uc *PipelineUseCase) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	return uc.sessions.FindByID(ctx, nil, sessionID)
}

func (uc *PipelineUseCase) List(ctx context.Context, limit int) ([]*model.Session, error) {
	return uc.sessions.List(ctx, nil, limit)
}

func (uc *PipelineUseCase) publish(ctx context.Context, sessionID string, t model.EventType, payload any) {
	if uc.publisher == nil {
		return
	}
	if err := uc.publisher.Publish(ctx, sessionID, t, payload); err != nil {
		logging.With(logging.WithSessionID(ctx, sessionID), uc.log).
			Error().Err(err).Str("event_type", string(t)).Msg("event publish failed")
	}
}

func (uc *PipelineUseCase) wakeScheduler() {
	if uc.wake != nil {
		uc.wake()
	}
}

// Event payload shapes. Kept small and redacted: references and taxonomy
// kinds, never raw artifacts or upstream payloads.
type transitionPayload struct {
	Phase    model.Phase `json:"phase"`
	Revision int64       `json:"revision,omitempty"`
}

type phasePayload struct {
	Phase model.Phase `json:"phase"`
	JobID string      `json:"job_id"`
}

type completionPayload struct {
	Phase     model.Phase `json:"phase"`
	Next      model.Phase `json:"next"`
	ResultRef string      `json:"result_ref"`
}

type failurePayload struct {
	Phase   model.Phase `json:"phase"`
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
}
