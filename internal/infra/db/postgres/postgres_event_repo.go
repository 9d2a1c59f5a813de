package postgres

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/oklog/ulid/v2"

	"intent-code-pipeline/internal/domain"
	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/repository"
)

var _ repository.EventRepository = (*eventRepo)(nil)

type eventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *eventRepo {
	return &eventRepo{pool: pool}
}

// Append assigns the next per-session sequence and inserts the event. The
// sequence subquery and the insert run in one statement so two appenders
// cannot pick the same number; a unique (session_id, sequence) index backs
// that up, and we retry on the rare conflict.
func (r *eventRepo) Append(ctx context.Context, tx repository.Tx, e *model.Event) error {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = ulid.MustNew(ulid.Now(), rand.Reader).String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	const q = `
INSERT INTO session_events (id, session_id, sequence, event_type, payload, created_at)
SELECT $1, $2, COALESCE(MAX(sequence), 0) + 1, $3, $4, $5
FROM session_events WHERE session_id = $2
RETURNING sequence;`

	for attempt := 0; attempt < 3; attempt++ {
		err = ex.QueryRow(ctx, q, e.ID, e.SessionID, e.Type, e.Payload, e.Timestamp).Scan(&e.Sequence)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue // lost the sequence race, take the next number
		}
		return err
	}
	return err
}

func (r *eventRepo) ListAfter(ctx context.Context, tx repository.Tx, sessionID string, afterSeq int64, limit int) ([]*model.Event, error) {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	const q = `
SELECT id, session_id, sequence, event_type, payload, created_at
FROM session_events
WHERE session_id = $1 AND sequence > $2
ORDER BY sequence
LIMIT $3;`
	rows, err := ex.Query(ctx, q, sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		var e model.Event
		var typ string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Sequence, &typ, &e.Payload, &e.Timestamp); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		e.Type = model.EventType(typ)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Prune drops all but the keep most recent events of a session.
func (r *eventRepo) Prune(ctx context.Context, sessionID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, domain.ErrInvalidArgument
	}
	const q = `
DELETE FROM session_events
WHERE session_id = $1 AND sequence <= (
  SELECT COALESCE(MAX(sequence), 0) - $2 FROM session_events WHERE session_id = $1
);`
	tag, err := r.pool.Exec(ctx, q, sessionID, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var _ repository.WebhookRepository = (*webhookRepo)(nil)

type webhookRepo struct {
	pool *pgxpool.Pool
}

func NewWebhookRepo(pool *pgxpool.Pool) *webhookRepo {
	return &webhookRepo{pool: pool}
}

func (r *webhookRepo) Save(ctx context.Context, tx repository.Tx, sub *repository.WebhookSubscription) error {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	types, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return err
	}
	cursors, err := json.Marshal(sub.Cursors)
	if err != nil {
		return err
	}
	var undelivered []byte
	if sub.LastUndelivered != nil {
		if undelivered, err = json.Marshal(sub.LastUndelivered); err != nil {
			return err
		}
	}
	const q = `
INSERT INTO webhook_subscriptions (id, url, event_types, cursors, last_error, last_undelivered, active, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (id) DO UPDATE SET
  url = EXCLUDED.url,
  event_types = EXCLUDED.event_types,
  cursors = EXCLUDED.cursors,
  last_error = EXCLUDED.last_error,
  last_undelivered = EXCLUDED.last_undelivered,
  active = EXCLUDED.active,
  updated_at = now();`
	_, err = ex.Exec(ctx, q, sub.ID, sub.URL, types, cursors, sub.LastError, undelivered, sub.Active)
	return err
}

func (r *webhookRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	tag, err := ex.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *webhookRepo) ListActive(ctx context.Context, tx repository.Tx) ([]*repository.WebhookSubscription, error) {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	const q = `SELECT id, url, event_types, cursors, last_error, last_undelivered, active FROM webhook_subscriptions WHERE active;`
	rows, err := ex.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*repository.WebhookSubscription
	for rows.Next() {
		var sub repository.WebhookSubscription
		var types, cursors, undelivered []byte
		if err := rows.Scan(&sub.ID, &sub.URL, &types, &cursors, &sub.LastError, &undelivered, &sub.Active); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		if len(undelivered) > 0 {
			sub.LastUndelivered = &repository.UndeliveredEvent{}
			if err := json.Unmarshal(undelivered, sub.LastUndelivered); err != nil {
				return nil, domain.ErrReadDatabaseRow
			}
		}
		if len(types) > 0 {
			if err := json.Unmarshal(types, &sub.EventTypes); err != nil {
				return nil, domain.ErrReadDatabaseRow
			}
		}
		sub.Cursors = map[string]int64{}
		if len(cursors) > 0 {
			if err := json.Unmarshal(cursors, &sub.Cursors); err != nil {
				return nil, domain.ErrReadDatabaseRow
			}
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (r *webhookRepo) UpdateCursor(ctx context.Context, id, sessionID string, seq int64) error {
	const q = `
UPDATE webhook_subscriptions
SET cursors = jsonb_set(COALESCE(cursors, '{}'::jsonb), ARRAY[$2], to_jsonb($3::bigint)), updated_at = now()
WHERE id = $1;`
	tag, err := r.pool.Exec(ctx, q, id, sessionID, seq)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
