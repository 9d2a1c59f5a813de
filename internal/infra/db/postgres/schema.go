package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
)

// EnsureSchema creates the orchestrator tables when they do not exist yet.
// The partial unique index on jobs.idempotency_key is what enforces
// at-most-one-in-flight per key.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	phase         TEXT NOT NULL,
	revision      BIGINT NOT NULL DEFAULT 0,
	intent        BYTEA,
	phase_results JSONB NOT NULL DEFAULT '{}'::jsonb,
	failure_kind  TEXT,
	failure_msg   TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL REFERENCES sessions(id),
	phase            TEXT NOT NULL,
	status           TEXT NOT NULL,
	idempotency_key  TEXT NOT NULL,
	input            BYTEA,
	result           TEXT NOT NULL DEFAULT '',
	attempts         INT NOT NULL DEFAULT 0,
	max_attempts     INT NOT NULL DEFAULT 3,
	last_error_kind  TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	worker_id        TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	scheduled_at     TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS jobs_inflight_key
	ON jobs (idempotency_key) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS jobs_claimable
	ON jobs (scheduled_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS jobs_by_session ON jobs (session_id);

CREATE TABLE IF NOT EXISTS session_events (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	sequence   BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload    BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (session_id, sequence)
);

CREATE TABLE IF NOT EXISTS webhook_subscriptions (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	event_types JSONB NOT NULL DEFAULT '[]'::jsonb,
	cursors     JSONB NOT NULL DEFAULT '{}'::jsonb,
	last_error  TEXT NOT NULL DEFAULT '',
	last_undelivered JSONB,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	_, err := pool.Exec(ctx, schema)
	return err
}
