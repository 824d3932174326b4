// Package history persists check results and recovery attempts in a
// local SQLite database. It is an audit log for the status API and the
// dashboard; the watchdog loop writes to it and never reads it back,
// so losing it costs nothing but hindsight.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/neboloop/keeper/internal/history/migrations"
	"github.com/neboloop/keeper/internal/logging"
	"github.com/neboloop/keeper/internal/probe"
	"github.com/neboloop/keeper/internal/watchdog"
)

// Default trim targets. Each table is trimmed back to its target once
// it grows past twice the target, so pruning runs rarely rather than
// on every insert.
const (
	DefaultKeepChecks   = 500
	DefaultKeepAttempts = 200
)

// Store is the history database. Satisfies watchdog.Recorder; record
// methods swallow storage errors after logging them because an audit
// write must never stall or kill the loop.
type Store struct {
	db           *sql.DB
	keepChecks   int
	keepAttempts int
}

// Open opens (creating if needed) the history database at path, runs
// migrations, and returns a Store. keepChecks and keepAttempts are the
// per-table trim targets; zero or negative selects the defaults.
func Open(path string, keepChecks, keepAttempts int) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't handle concurrent writers well; serialize all
	// access through a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if keepChecks <= 0 {
		keepChecks = DefaultKeepChecks
	}
	if keepAttempts <= 0 {
		keepAttempts = DefaultKeepAttempts
	}

	logging.Infof("History database initialized at %s", path)
	return &Store{db: db, keepChecks: keepChecks, keepAttempts: keepAttempts}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordCheck appends one check result.
func (s *Store) RecordCheck(res probe.Result) {
	_, err := s.db.Exec(
		`INSERT INTO checks (checked_at, status, ok, latency_ms, detail) VALUES (?, ?, ?, ?, ?)`,
		res.CheckedAt.Unix(), string(res.Status), boolToInt(res.OK), res.LatencyMS, res.Detail,
	)
	if err != nil {
		logging.Warnf("History: recording check failed: %v", err)
		return
	}
	s.prune("checks", s.keepChecks)
}

// RecordAttempt appends one recovery attempt.
func (s *Store) RecordAttempt(att watchdog.Attempt) {
	_, err := s.db.Exec(
		`INSERT INTO recovery_attempts (invocation_id, attempt_number, started_at, outcome, detail) VALUES (?, ?, ?, ?, ?)`,
		att.InvocationID, att.Number, att.StartedAt.Unix(), string(att.Outcome), att.Detail,
	)
	if err != nil {
		logging.Warnf("History: recording recovery attempt failed: %v", err)
		return
	}
	s.prune("recovery_attempts", s.keepAttempts)
}

// prune trims a table back to its target once it has grown past twice
// the target, oldest rows first.
func (s *Store) prune(table string, keep int) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
		logging.Warnf("History: counting %s failed: %v", table, err)
		return
	}
	if count <= 2*keep {
		return
	}

	query := fmt.Sprintf(
		`DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s ORDER BY id DESC LIMIT ?)`,
		table, table,
	)
	if _, err := s.db.Exec(query, keep); err != nil {
		logging.Warnf("History: pruning %s failed: %v", table, err)
	}
}

// CheckRecord is one stored check result.
type CheckRecord struct {
	ID        int64     `json:"id"`
	CheckedAt time.Time `json:"checked_at"`
	Status    string    `json:"status"`
	OK        bool      `json:"ok"`
	LatencyMS int64     `json:"latency_ms"`
	Detail    string    `json:"detail,omitempty"`
}

// AttemptRecord is one stored recovery attempt.
type AttemptRecord struct {
	ID           int64     `json:"id"`
	InvocationID string    `json:"invocation_id"`
	Number       int       `json:"attempt_number"`
	StartedAt    time.Time `json:"started_at"`
	Outcome      string    `json:"outcome"`
	Detail       string    `json:"detail,omitempty"`
}

// RecentChecks returns up to limit check records, newest first.
func (s *Store) RecentChecks(ctx context.Context, limit int) ([]CheckRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, checked_at, status, ok, latency_ms, detail FROM checks ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CheckRecord
	for rows.Next() {
		var rec CheckRecord
		var at int64
		var ok int
		if err := rows.Scan(&rec.ID, &at, &rec.Status, &ok, &rec.LatencyMS, &rec.Detail); err != nil {
			return nil, err
		}
		rec.CheckedAt = time.Unix(at, 0).UTC()
		rec.OK = ok != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentAttempts returns up to limit recovery attempts, newest first.
func (s *Store) RecentAttempts(ctx context.Context, limit int) ([]AttemptRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, invocation_id, attempt_number, started_at, outcome, detail FROM recovery_attempts ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var at int64
		if err := rows.Scan(&rec.ID, &rec.InvocationID, &rec.Number, &at, &rec.Outcome, &rec.Detail); err != nil {
			return nil, err
		}
		rec.StartedAt = time.Unix(at, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats summarizes activity since the given time.
type Stats struct {
	Since            time.Time `json:"since"`
	Checks           int64     `json:"checks"`
	Failures         int64     `json:"failures"`
	RecoveryAttempts int64     `json:"recovery_attempts"`
	Reconnects       int64     `json:"reconnects"`
}

// StatsSince aggregates check and recovery counts in [since, now].
func (s *Store) StatsSince(ctx context.Context, since time.Time) (Stats, error) {
	st := Stats{Since: since.UTC()}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0) FROM checks WHERE checked_at >= ?`,
		since.Unix(),
	).Scan(&st.Checks, &st.Failures)
	if err != nil {
		return Stats{}, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0) FROM recovery_attempts WHERE started_at >= ?`,
		since.Unix(),
	).Scan(&st.RecoveryAttempts, &st.Reconnects)
	if err != nil {
		return Stats{}, err
	}

	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
