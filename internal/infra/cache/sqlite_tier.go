package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"intent-code-pipeline/internal/domain/model"
)

// SQLiteTier is the durable tier: survives process restart, holds
// expensive results the longest.
type SQLiteTier struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewSQLiteTier(dbPath string, ttl time.Duration) (*SQLiteTier, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	// WAL mode so worker goroutines can read while one writes.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping cache database: %w", err)
	}

	t := &SQLiteTier{db: db, ttl: ttl, now: time.Now}
	if err := t.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize cache schema: %w", err)
	}
	return t, nil
}

func (t *SQLiteTier) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS provider_calls (
		fingerprint TEXT PRIMARY KEY,
		record_json TEXT NOT NULL,
		cost_micros INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_provider_calls_expires ON provider_calls(expires_at);
	`
	if _, err := t.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (t *SQLiteTier) Name() string { return "sqlite" }

func (t *SQLiteTier) Get(ctx context.Context, fingerprint string) (*model.CallRecord, bool, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT record_json FROM provider_calls WHERE fingerprint = ? AND expires_at > ?`,
		fingerprint, t.now().Unix(),
	)

	var data string
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan cache row: %w", err)
	}

	var rec model.CallRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (t *SQLiteTier) Put(ctx context.Context, fingerprint string, rec *model.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO provider_calls (fingerprint, record_json, cost_micros, expires_at, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(fingerprint) DO UPDATE SET
		record_json = excluded.record_json,
		cost_micros = excluded.cost_micros,
		expires_at = excluded.expires_at`

	now := t.now()
	_, err = t.db.ExecContext(ctx, query,
		fingerprint, string(data), rec.CostMicros,
		now.Add(t.ttl).Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// PruneExpired removes entries past their expiry. Meant to be run
// periodically by the retention worker.
func (t *SQLiteTier) PruneExpired(ctx context.Context) (int64, error) {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM provider_calls WHERE expires_at <= ?`, t.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune cache entries: %w", err)
	}
	return res.RowsAffected()
}

func (t *SQLiteTier) Close() error {
	if err := t.db.Close(); err != nil {
		return fmt.Errorf("close cache database: %w", err)
	}
	return nil
}
