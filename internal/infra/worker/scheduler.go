// File: internal/infra/worker/scheduler.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/config"
	"intent-code-pipeline/internal/domain"
	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/adapter"
	"intent-code-pipeline/internal/domain/ports/repository"
	portuc "intent-code-pipeline/internal/domain/ports/usecase"
	"intent-code-pipeline/internal/infra/logging"
	"intent-code-pipeline/internal/infra/metrics"
	"intent-code-pipeline/internal/infra/redis"
)

const reclaimLockKey = "scheduler:reclaim_sweep"

// Scheduler pulls ready jobs from the store and runs them on the pool.
// It owns the retry policy: exponential backoff with jitter up to the
// attempt cap, and a wall-clock budget per job across all attempts.
type Scheduler struct {
	jobs      repository.JobRepository
	pipeline  portuc.PipelineManager
	executors adapter.ExecutorSet
	publisher adapter.EventPublisher
	locker    redis.Locker
	pool      *Pool
	cfg       *config.SchedulerConfig

	workerID string
	wakeCh   chan struct{}
	log      *zerolog.Logger
}

func NewScheduler(
	jobs repository.JobRepository,
	pipeline portuc.PipelineManager,
	executors adapter.ExecutorSet,
	publisher adapter.EventPublisher,
	locker redis.Locker,
	pool *Pool,
	cfg *config.SchedulerConfig,
	logger *zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		jobs:      jobs,
		pipeline:  pipeline,
		executors: executors,
		publisher: publisher,
		locker:    locker,
		pool:      pool,
		cfg:       cfg,
		workerID:  "sched-" + uuid.NewString()[:8],
		wakeCh:    make(chan struct{}, 1),
		log:       logger,
	}
}

// Wake nudges the claim loop so a freshly enqueued job does not wait out
// the poll interval.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Start runs the claim loop and the lease-reclaim sweep until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info().Str("worker_id", s.workerID).Int("claim_limit", s.cfg.ClaimLimit).Msg("scheduler started")
	go s.reclaimLoop(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopping")
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}
		s.claimAndDispatch(ctx)
	}
}

func (s *Scheduler) claimAndDispatch(ctx context.Context) {
	claimed, err := s.jobs.Claim(ctx, s.workerID, s.cfg.ClaimLimit, s.cfg.Lease)
	if err != nil {
		s.log.Error().Err(err).Msg("claim failed")
		return
	}
	for _, job := range claimed {
		job := job
		if err := s.pool.Submit(func(ctx context.Context) error {
			s.runJob(ctx, job)
			return nil
		}); err != nil {
			// Pool saturated: the claimed job sits out its lease and is
			// reclaimed as pending.
			s.log.Warn().Str("job_id", job.ID).Err(err).Msg("job submit failed")
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *model.Job) {
	ctx = logging.WithWorkerID(logging.WithJobID(logging.WithSessionID(ctx, job.SessionID), job.ID), s.workerID)
	log := logging.With(ctx, s.log)

	metrics.JobStarted()
	defer metrics.JobFinished()
	start := time.Now()

	// Wall-clock budget across all the job's attempts, anchored at
	// creation time.
	budgetLeft := s.cfg.JobBudget - time.Since(job.CreatedAt)
	if budgetLeft <= 0 {
		s.failJob(ctx, job, domain.KindTimeout, "job exceeded its wall-clock budget")
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, budgetLeft)
	defer cancel()

	stopHeartbeat, leaseLost := s.keepLease(runCtx, job, cancel)
	defer stopHeartbeat()

	executor, ok := s.executors.For(job.Phase)
	if !ok {
		s.failJob(ctx, job, domain.KindInternal, fmt.Sprintf("no executor for phase %s", job.Phase))
		return
	}

	log.Info().Str("phase", string(job.Phase)).Int("attempt", job.Attempts+1).Msg("job started")
	res, execErr := executor.Execute(runCtx, job.SessionID, job.Input)
	metrics.ObserveJobDuration(string(job.Phase), time.Since(start).Milliseconds())

	if leaseLost.Load() {
		// The reclaim sweep owns the job now; it is back in pending and
		// may already be claimed by another worker. Failing or completing
		// it here would race that worker, so the attempt is abandoned.
		metrics.IncJobAttempt(string(job.Phase), "lease_lost")
		log.Warn().Str("phase", string(job.Phase)).Msg("lease lost, attempt abandoned")
		return
	}
	if execErr != nil {
		s.handleFailure(ctx, job, execErr, budgetLeft)
		return
	}

	metrics.IncJobAttempt(string(job.Phase), "success")
	err := s.jobs.Complete(ctx, job.ID, repository.JobOutcome{
		Status: model.JobStatusSucceeded,
		Result: res.Ref,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			// Session was cancelled while the call was in flight; the
			// result is discarded.
			log.Info().Msg("job finished after terminal state, result discarded")
			return
		}
		log.Error().Err(err).Msg("job complete failed")
		return
	}
	metrics.IncJobProcessed(string(job.Phase), string(model.JobStatusSucceeded))

	if err := s.pipeline.CompletePhase(ctx, job.SessionID, job.ID, res.Ref, nil); err != nil {
		log.Error().Err(err).Msg("phase completion failed")
		return
	}
	log.Info().Str("phase", string(job.Phase)).Dur("duration", time.Since(start)).Msg("job succeeded")
}

// handleFailure applies the retry policy: transient kinds are re-enqueued
// with backoff while attempts and budget remain; everything else is fatal
// for the session's phase.
func (s *Scheduler) handleFailure(ctx context.Context, job *model.Job, execErr error, budgetLeft time.Duration) {
	log := logging.With(ctx, s.log)
	kind := domain.KindOf(execErr)
	if errors.Is(execErr, context.DeadlineExceeded) {
		kind = domain.KindTimeout
	}
	metrics.IncJobAttempt(string(job.Phase), "failure")

	retryable := kind == domain.KindProvider || kind == domain.KindUnavailable
	if retryable && job.Attempts+1 < job.MaxAttempts {
		delay := s.backoff(job.Attempts)
		if delay < budgetLeft {
			if err := s.jobs.Retry(ctx, job.ID, time.Now().Add(delay), string(kind), redact(execErr)); err != nil {
				log.Error().Err(err).Msg("job retry failed")
				return
			}
			s.publishRetry(ctx, job, kind, delay)
			log.Warn().Err(execErr).Str("kind", string(kind)).Dur("delay", delay).Msg("job retried")
			return
		}
		// No budget left for another attempt.
		kind = domain.KindTimeout
	}

	s.failJob(ctx, job, kind, redact(execErr))
}

// failJob marks the job terminally failed and propagates the fatal phase
// failure to the session.
func (s *Scheduler) failJob(ctx context.Context, job *model.Job, kind domain.ErrorKind, msg string) {
	log := logging.With(ctx, s.log)
	err := s.jobs.Complete(ctx, job.ID, repository.JobOutcome{
		Status:    model.JobStatusFailed,
		ErrorKind: string(kind),
		ErrorMsg:  msg,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			return
		}
		log.Error().Err(err).Msg("job fail-complete failed")
		return
	}
	metrics.IncJobProcessed(string(job.Phase), string(model.JobStatusFailed))

	failure := &portuc.PhaseFailure{Kind: string(kind), Message: msg}
	if err := s.pipeline.CompletePhase(ctx, job.SessionID, job.ID, "", failure); err != nil {
		log.Error().Err(err).Msg("phase failure propagation failed")
	}
	log.Error().Str("phase", string(job.Phase)).Str("kind", string(kind)).Msg("job failed terminally")
}

// keepLease heartbeats the job's lease until the returned stop function is
// called. A failed heartbeat means the lease is gone (reclaimed job or an
// unreachable store): the returned flag is set and execution is cancelled,
// and the caller must abandon the attempt rather than report an outcome it
// no longer owns.
func (s *Scheduler) keepLease(ctx context.Context, job *model.Job, cancel context.CancelFunc) (func(), *atomic.Bool) {
	lost := &atomic.Bool{}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.jobs.Heartbeat(ctx, job.ID, s.workerID, s.cfg.Lease); err != nil {
					logging.With(ctx, s.log).Warn().Err(err).Msg("lease lost, cancelling job")
					lost.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }, lost
}

// reclaimLoop returns leaked running jobs to pending. The sweep is guarded
// by a shared lock so only one instance runs it per interval.
func (s *Scheduler) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		token, err := s.locker.TryLock(ctx, reclaimLockKey, s.cfg.ReclaimInterval)
		if errors.Is(err, domain.ErrLockNotAcquired) {
			continue // another instance is sweeping
		}
		if err != nil {
			s.log.Error().Err(err).Msg("reclaim lock unavailable, sweep skipped")
			continue
		}
		n, err := s.jobs.ReclaimExpired(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("reclaim sweep failed")
		} else if n > 0 {
			metrics.AddJobsReclaimed(n)
			s.log.Warn().Int("jobs", n).Msg("reclaimed expired leases")
		}
		_ = s.locker.Unlock(ctx, reclaimLockKey, token)
	}
}

// backoff is exponential with jitter: base*2^attempt, capped, then jittered
// into [d/2, d).
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			d = s.cfg.BackoffCap
			break
		}
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (s *Scheduler) publishRetry(ctx context.Context, job *model.Job, kind domain.ErrorKind, delay time.Duration) {
	if s.publisher == nil {
		return
	}
	payload := struct {
		JobID   string      `json:"job_id"`
		Phase   model.Phase `json:"phase"`
		Attempt int         `json:"attempt"`
		Kind    string      `json:"kind"`
		DelayMs int64       `json:"delay_ms"`
	}{job.ID, job.Phase, job.Attempts + 1, string(kind), delay.Milliseconds()}
	if err := s.publisher.Publish(ctx, job.SessionID, model.EventJobRetried, payload); err != nil {
		logging.With(ctx, s.log).Error().Err(err).Msg("retry event publish failed")
	}
}

// redact trims an error to a short summary safe for session records: no
// raw upstream payloads.
func redact(err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
