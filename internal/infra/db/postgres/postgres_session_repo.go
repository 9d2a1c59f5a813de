package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"intent-code-pipeline/internal/domain"
	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/repository"
)

var _ repository.SessionRepository = (*sessionRepo)(nil)

type sessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *sessionRepo {
	return &sessionRepo{pool: pool}
}

func (r *sessionRepo) Save(ctx context.Context, tx repository.Tx, s *model.Session) error {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	s.UpdatedAt = time.Now()
	results, err := json.Marshal(s.PhaseResults)
	if err != nil {
		return err
	}
	var failKind, failMsg *string
	if s.Failure != nil {
		failKind, failMsg = &s.Failure.Kind, &s.Failure.Message
	}

	const q = `
INSERT INTO sessions (id, phase, revision, intent, phase_results, failure_kind, failure_msg, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
  phase = EXCLUDED.phase,
  revision = EXCLUDED.revision,
  phase_results = EXCLUDED.phase_results,
  failure_kind = EXCLUDED.failure_kind,
  failure_msg = EXCLUDED.failure_msg,
  updated_at = EXCLUDED.updated_at;`

	_, err = ex.Exec(ctx, q, s.ID, s.Phase, s.Revision, s.Intent, results, failKind, failMsg, s.CreatedAt, s.UpdatedAt)
	return err
}

// UpdateRevision persists s only when the stored revision still equals
// expectedRevision. A zero-row update means a concurrent transition won.
func (r *sessionRepo) UpdateRevision(ctx context.Context, tx repository.Tx, s *model.Session, expectedRevision int64) error {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	s.UpdatedAt = time.Now()
	results, err := json.Marshal(s.PhaseResults)
	if err != nil {
		return err
	}
	var failKind, failMsg *string
	if s.Failure != nil {
		failKind, failMsg = &s.Failure.Kind, &s.Failure.Message
	}

	const q = `
UPDATE sessions SET
  phase = $2,
  revision = $3,
  phase_results = $4,
  failure_kind = $5,
  failure_msg = $6,
  updated_at = $7
WHERE id = $1 AND revision = $8;`

	tag, err := ex.Exec(ctx, q, s.ID, s.Phase, s.Revision, results, failKind, failMsg, s.UpdatedAt, expectedRevision)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleRevision
	}
	return nil
}

func (r *sessionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Session, error) {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	const q = `
SELECT id, phase, revision, intent, phase_results, failure_kind, failure_msg, created_at, updated_at
FROM sessions WHERE id = $1;`
	return scanSession(ex.QueryRow(ctx, q, id))
}

func (r *sessionRepo) List(ctx context.Context, tx repository.Tx, limit int) ([]*model.Session, error) {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id, phase, revision, intent, phase_results, failure_kind, failure_msg, created_at, updated_at
FROM sessions ORDER BY created_at DESC LIMIT $1;`
	rows, err := ex.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	var phase string
	var results []byte
	var failKind, failMsg *string
	err := row.Scan(&s.ID, &phase, &s.Revision, &s.Intent, &results, &failKind, &failMsg, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	s.Phase = model.Phase(phase)
	s.PhaseResults = map[model.Phase]string{}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &s.PhaseResults); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
	}
	if failKind != nil {
		s.Failure = &model.FailureCause{Kind: *failKind}
		if failMsg != nil {
			s.Failure.Message = *failMsg
		}
	}
	return &s, nil
}
