// Package persistence is the sqlite-backed journal: a durable record of
// dead-lettered envelopes and circuit-breaker snapshots that survives a
// process restart. Schema changes are tracked in a migrations ledger table
// so a future version can detect and apply them idempotently.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "orchestrake-v1-dead-letter-and-breakers"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Journal is the durable companion to the in-memory bus dead-letter queues
// and recovery circuit breakers.
type Journal struct {
	db *sql.DB
}

// DefaultDBPath returns the default on-disk location of the journal.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestrake", "orchestrake.db")
}

// Open opens (creating if needed) the sqlite journal at path, or
// DefaultDBPath if path is empty.
func Open(path string) (*Journal, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// DB exposes the underlying connection for callers that need raw access
// (mainly tests).
func (j *Journal) DB() *sql.DB { return j.db }

// Close closes the underlying database connection.
func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version  INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}

	if maxVersion >= schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("journal: schema v%d checksum mismatch: on-disk %q, expected %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dead_letters (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			queue        TEXT NOT NULL,
			envelope_id  TEXT NOT NULL,
			payload      TEXT NOT NULL,
			reason       TEXT NOT NULL,
			recorded_at  TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`); err != nil {
		return fmt.Errorf("create dead_letters: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_dead_letters_queue ON dead_letters(queue);
	`); err != nil {
		return fmt.Errorf("create dead_letters index: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS breaker_snapshots (
			operation_id          TEXT PRIMARY KEY,
			state                 TEXT NOT NULL,
			consecutive_failures  INTEGER NOT NULL,
			last_failure_time     TEXT,
			updated_at            TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`); err != nil {
		return fmt.Errorf("create breaker_snapshots: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	return tx.Commit()
}

// DeadLetterRecord is one persisted dead-lettered envelope.
type DeadLetterRecord struct {
	ID         int64
	Queue      string
	EnvelopeID string
	Payload    string
	Reason     string
	RecordedAt time.Time
}

// RecordDeadLetter persists one dead-lettered envelope.
func (j *Journal) RecordDeadLetter(ctx context.Context, queue, envelopeID string, payload json.RawMessage, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := j.db.ExecContext(ctx, `
			INSERT INTO dead_letters (queue, envelope_id, payload, reason) VALUES (?, ?, ?, ?);
		`, queue, envelopeID, string(payload), reason)
		return err
	})
}

// ListDeadLetters returns up to limit dead letters for a queue, newest first.
func (j *Journal) ListDeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetterRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, queue, envelope_id, payload, reason, recorded_at
		FROM dead_letters
		WHERE queue = ?
		ORDER BY id DESC
		LIMIT ?;
	`, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterRecord
	for rows.Next() {
		var rec DeadLetterRecord
		var recordedAt string
		if err := rows.Scan(&rec.ID, &rec.Queue, &rec.EnvelopeID, &rec.Payload, &rec.Reason, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		rec.RecordedAt, _ = time.Parse("2006-01-02 15:04:05", recordedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// BreakerSnapshotRecord is the persisted state of one operation's breaker.
type BreakerSnapshotRecord struct {
	OperationID         string
	State               string
	ConsecutiveFailures int
	LastFailureTime     time.Time
}

// SaveBreakerSnapshot upserts one operation's breaker state, mirroring the
// in-memory breaker table so a restart can restore it.
func (j *Journal) SaveBreakerSnapshot(ctx context.Context, rec BreakerSnapshotRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := j.db.ExecContext(ctx, `
			INSERT INTO breaker_snapshots (operation_id, state, consecutive_failures, last_failure_time, updated_at)
			VALUES (?, ?, ?, ?, datetime('now'))
			ON CONFLICT(operation_id) DO UPDATE SET
				state = excluded.state,
				consecutive_failures = excluded.consecutive_failures,
				last_failure_time = excluded.last_failure_time,
				updated_at = excluded.updated_at;
		`, rec.OperationID, rec.State, rec.ConsecutiveFailures, rec.LastFailureTime.Format(time.RFC3339))
		return err
	})
}

// LoadBreakerSnapshots returns every persisted breaker snapshot, for restoring
// the in-memory breaker table on startup.
func (j *Journal) LoadBreakerSnapshots(ctx context.Context) ([]BreakerSnapshotRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT operation_id, state, consecutive_failures, last_failure_time FROM breaker_snapshots;
	`)
	if err != nil {
		return nil, fmt.Errorf("load breaker snapshots: %w", err)
	}
	defer rows.Close()

	var out []BreakerSnapshotRecord
	for rows.Next() {
		var rec BreakerSnapshotRecord
		var lastFailure sql.NullString
		if err := rows.Scan(&rec.OperationID, &rec.State, &rec.ConsecutiveFailures, &lastFailure); err != nil {
			return nil, fmt.Errorf("scan breaker snapshot: %w", err)
		}
		if lastFailure.Valid {
			rec.LastFailureTime, _ = time.Parse(time.RFC3339, lastFailure.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// retryOnBusy retries f when sqlite reports the database as busy or locked,
// with bounded exponential backoff and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Int63n(int64(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
