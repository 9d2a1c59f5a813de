package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"intent-code-pipeline/internal/domain"
	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*jobRepo)(nil)

type jobRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewJobRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *jobRepo {
	return &jobRepo{pool: pool, tm: tm}
}

const jobColumns = `
id, session_id, phase, status, idempotency_key, input, result,
attempts, max_attempts, last_error_kind, last_error, worker_id,
lease_expires_at, scheduled_at, started_at, finished_at, created_at, updated_at`

// Enqueue inserts a pending job. A partial unique index on idempotency_key
// (WHERE status IN ('pending','running')) enforces at-most-one-in-flight; a
// unique violation maps to ErrDuplicateInFlight.
func (r *jobRepo) Enqueue(ctx context.Context, tx repository.Tx, job *model.Job) error {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	job.UpdatedAt = time.Now()

	const q = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18);`

	_, err = ex.Exec(ctx, q,
		job.ID, job.SessionID, job.Phase, job.Status, job.IdempotencyKey, job.Input, job.Result,
		job.Attempts, job.MaxAttempts, job.LastErrorKind, job.LastError, job.WorkerID,
		nilTime(job.LeaseExpiresAt), job.ScheduledAt, nilTime(job.StartedAt), nilTime(job.FinishedAt),
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateInFlight
		}
		return err
	}
	return nil
}

// Claim atomically selects up to limit eligible pending jobs and marks them
// running under workerID. FOR UPDATE SKIP LOCKED keeps concurrent claimers
// from ever receiving the same row.
func (r *jobRepo) Claim(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	var claimed []*model.Job

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		ex, err := getExecutor(r.pool, tx)
		if err != nil {
			return err
		}
		const fetch = `
SELECT ` + jobColumns + `
FROM jobs
WHERE status = 'pending' AND scheduled_at <= now()
ORDER BY scheduled_at
LIMIT $1
FOR UPDATE SKIP LOCKED;`

		rows, err := ex.Query(ctx, fetch, limit)
		if err != nil {
			return err
		}
		jobs, err := collectJobs(rows)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		now := time.Now()
		expiry := now.Add(lease)
		const mark = `
UPDATE jobs SET status = 'running', worker_id = $2, lease_expires_at = $3,
  started_at = COALESCE(started_at, $4), updated_at = $4
WHERE id = $1;`
		for _, j := range jobs {
			if _, err := ex.Exec(ctx, mark, j.ID, workerID, expiry, now); err != nil {
				return err
			}
			j.Status = model.JobStatusRunning
			j.WorkerID = workerID
			j.LeaseExpiresAt = expiry
			if j.StartedAt.IsZero() {
				j.StartedAt = now
			}
			j.UpdatedAt = now
		}
		claimed = jobs
		return nil
	})
	return claimed, err
}

func (r *jobRepo) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	const q = `
UPDATE jobs SET lease_expires_at = $3, updated_at = now()
WHERE id = $1 AND worker_id = $2 AND status = 'running';`
	tag, err := r.pool.Exec(ctx, q, jobID, workerID, time.Now().Add(lease))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotJobOwner
	}
	return nil
}

// Complete finalizes a job. Idempotent: repeating the same terminal outcome
// is a no-op; a conflicting outcome after a terminal state is rejected.
func (r *jobRepo) Complete(ctx context.Context, jobID string, outcome repository.JobOutcome) error {
	if !outcome.Status.Terminal() {
		return domain.ErrInvalidArgument
	}
	return r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		job, err := r.findForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			if job.Status == outcome.Status {
				return nil // repeat of the same outcome
			}
			return domain.ErrAlreadyTerminal
		}
		ex, err := getExecutor(r.pool, tx)
		if err != nil {
			return err
		}
		const q = `
UPDATE jobs SET status = $2, result = $3, last_error_kind = $4, last_error = $5,
  finished_at = now(), updated_at = now()
WHERE id = $1;`
		_, err = ex.Exec(ctx, q, jobID, outcome.Status, outcome.Result, outcome.ErrorKind, outcome.ErrorMsg)
		return err
	})
}

// Retry returns a running job to pending for another attempt after a backoff
// delay.
func (r *jobRepo) Retry(ctx context.Context, jobID string, scheduledAt time.Time, errKind, errMsg string) error {
	return r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		job, err := r.findForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return domain.ErrAlreadyTerminal
		}
		ex, err := getExecutor(r.pool, tx)
		if err != nil {
			return err
		}
		const q = `
UPDATE jobs SET status = 'pending', attempts = attempts + 1, scheduled_at = $2,
  last_error_kind = $3, last_error = $4, worker_id = '', lease_expires_at = NULL,
  updated_at = now()
WHERE id = $1;`
		_, err = ex.Exec(ctx, q, jobID, scheduledAt, errKind, errMsg)
		return err
	})
}

// ReclaimExpired returns leaked running jobs to pending. A worker that died
// mid-job does not orphan it; the attempt counter records the lost attempt.
func (r *jobRepo) ReclaimExpired(ctx context.Context) (int, error) {
	const q = `
UPDATE jobs SET status = 'pending', attempts = attempts + 1, worker_id = '',
  lease_expires_at = NULL, updated_at = now()
WHERE status = 'running' AND lease_expires_at < now();`
	tag, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *jobRepo) CancelBySession(ctx context.Context, tx repository.Tx, sessionID string) error {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	const q = `
UPDATE jobs SET status = 'cancelled', finished_at = now(), updated_at = now()
WHERE session_id = $1 AND status IN ('pending', 'running');`
	_, err = ex.Exec(ctx, q, sessionID)
	return err
}

func (r *jobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	return scanJob(ex.QueryRow(ctx, q, id))
}

func (r *jobRepo) ListBySession(ctx context.Context, tx repository.Tx, sessionID string) ([]*model.Job, error) {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE session_id = $1 ORDER BY created_at;`
	rows, err := ex.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *jobRepo) findForUpdate(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE;`
	return scanJob(ex.QueryRow(ctx, q, id))
}

func collectJobs(rows pgx.Rows) ([]*model.Job, error) {
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var phase, status string
	var leaseExpires, startedAt, finishedAt *time.Time
	err := row.Scan(
		&j.ID, &j.SessionID, &phase, &status, &j.IdempotencyKey, &j.Input, &j.Result,
		&j.Attempts, &j.MaxAttempts, &j.LastErrorKind, &j.LastError, &j.WorkerID,
		&leaseExpires, &j.ScheduledAt, &startedAt, &finishedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	j.Phase = model.Phase(phase)
	j.Status = model.JobStatus(status)
	if leaseExpires != nil {
		j.LeaseExpiresAt = *leaseExpires
	}
	if startedAt != nil {
		j.StartedAt = *startedAt
	}
	if finishedAt != nil {
		j.FinishedAt = *finishedAt
	}
	return &j, nil
}

// nilTime maps the zero time to NULL so timestamp columns stay clean.
func nilTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
