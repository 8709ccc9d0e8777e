package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/switchboard/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// v1: registry, routing log, inbox, fanout log, dead letters, operator audit.
	schemaVersionV1  = 1
	schemaChecksumV1 = "sb-v1-2026-03-02-switchboard-core"

	// v2: immutability triggers for append-only tables and replayed_at write-once guard.
	schemaVersionV2  = 2
	schemaChecksumV2 = "sb-v2-2026-03-09-append-only-guards"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	busyRetries = 5
)

// ErrNotFound is returned by lookups that require the row to exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".switchboard", "switchboard.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// _txlock=immediate makes every BeginTx take the write lock up front, so a
	// guarded read-then-write inside a transaction cannot interleave with
	// another writer.
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, now: time.Now}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Bus returns the event bus the store was opened with (may be nil).
func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the store clock in UTC. Every timestamp written by the store
// and every liveness projection made against it goes through this clock.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// SetClock replaces the store clock. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
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
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
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

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion > 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	// Phase 1: tables. All statements are idempotent so an upgrade from v1
	// re-runs them harmlessly.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS butler_registry (
			name TEXT PRIMARY KEY,
			endpoint_url TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			modules TEXT NOT NULL DEFAULT '[]',
			capabilities TEXT NOT NULL DEFAULT '[]',
			last_seen_at DATETIME,
			eligibility_state TEXT NOT NULL DEFAULT 'active' CHECK(eligibility_state IN ('active', 'stale', 'quarantined')),
			liveness_ttl_seconds INTEGER NOT NULL DEFAULT 300 CHECK(liveness_ttl_seconds > 0),
			quarantined_at DATETIME,
			quarantine_reason TEXT,
			route_contract_min INTEGER NOT NULL DEFAULT 1,
			route_contract_max INTEGER NOT NULL DEFAULT 1,
			eligibility_updated_at DATETIME,
			registered_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS butler_registry_eligibility_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			butler_name TEXT NOT NULL REFERENCES butler_registry(name),
			previous_state TEXT NOT NULL,
			new_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			previous_last_seen_at DATETIME,
			new_last_seen_at DATETIME,
			observed_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS routing_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_butler TEXT NOT NULL,
			target_butler TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			success INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS message_inbox (
			id TEXT PRIMARY KEY,
			received_at DATETIME NOT NULL,
			request_context TEXT NOT NULL DEFAULT '{}',
			raw_payload TEXT NOT NULL DEFAULT '{}',
			normalized_text TEXT NOT NULL DEFAULT '',
			decomposition_output TEXT,
			dispatch_outcomes TEXT,
			response_summary TEXT,
			lifecycle_state TEXT NOT NULL DEFAULT 'accepted' CHECK(lifecycle_state IN ('accepted', 'decomposed', 'dispatched', 'completed', 'failed', 'rerouted', 'cancelled', 'aborted')),
			processing_metadata TEXT NOT NULL DEFAULT '{}',
			final_state_at DATETIME,
			trace_id TEXT,
			session_id TEXT,
			updated_at DATETIME NOT NULL,
			CHECK((final_state_at IS NOT NULL) = (lifecycle_state IN ('completed', 'failed', 'cancelled', 'aborted')))
		);`,
		`CREATE TABLE IF NOT EXISTS fanout_execution_log (
			id TEXT PRIMARY KEY,
			request_id TEXT,
			source_channel TEXT NOT NULL DEFAULT '',
			source_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			fanout_mode TEXT NOT NULL CHECK(fanout_mode IN ('parallel', 'ordered')),
			join_policy TEXT NOT NULL CHECK(join_policy IN ('all', 'best_effort')),
			abort_policy TEXT NOT NULL CHECK(abort_policy IN ('any_failure', 'continue')),
			attempt INTEGER NOT NULL DEFAULT 1,
			success INTEGER NOT NULL DEFAULT 0,
			plan_payload TEXT NOT NULL,
			execution_payload TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dead_letter_queue (
			id TEXT PRIMARY KEY,
			original_request_id TEXT NOT NULL,
			source_table TEXT NOT NULL,
			failure_reason TEXT NOT NULL,
			failure_category TEXT NOT NULL CHECK(failure_category IN ('timeout', 'retry_exhausted', 'circuit_open', 'policy_violation', 'validation_error', 'downstream_failure', 'unknown')),
			retry_count INTEGER NOT NULL DEFAULT 0 CHECK(retry_count >= 0),
			last_retry_at DATETIME,
			original_payload TEXT NOT NULL DEFAULT '{}',
			request_context TEXT NOT NULL DEFAULT '{}',
			error_details TEXT NOT NULL DEFAULT '{}',
			replay_eligible INTEGER NOT NULL DEFAULT 1,
			replayed_at DATETIME,
			replayed_request_id TEXT,
			replay_outcome TEXT CHECK(replay_outcome IS NULL OR replay_outcome IN ('success', 'failed', 'rejected')),
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS operator_audit_log (
			id TEXT PRIMARY KEY,
			action_type TEXT NOT NULL CHECK(action_type IN ('manual_reroute', 'cancel_request', 'abort_request', 'controlled_replay', 'controlled_retry', 'force_complete')),
			target_request_id TEXT NOT NULL,
			target_table TEXT NOT NULL,
			operator_identity TEXT NOT NULL CHECK(length(trim(operator_identity)) > 0),
			reason TEXT NOT NULL CHECK(length(trim(reason)) > 0),
			action_payload TEXT NOT NULL DEFAULT '{}',
			outcome TEXT NOT NULL CHECK(outcome IN ('success', 'failed', 'rejected', 'partial')),
			outcome_details TEXT NOT NULL DEFAULT '{}',
			performed_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration table: %w", err)
		}
	}

	// Phase 2: v2 guards. SQLite has no GRANT, so append-only is enforced by
	// triggers that abort UPDATE/DELETE on the audit tables.
	guardStatements := []string{
		appendOnlyTrigger("butler_registry_eligibility_log"),
		appendOnlyTrigger("routing_log"),
		appendOnlyTrigger("fanout_execution_log"),
		appendOnlyTrigger("operator_audit_log"),
		`CREATE TRIGGER IF NOT EXISTS dead_letter_replayed_once
			BEFORE UPDATE OF replayed_at ON dead_letter_queue
			WHEN OLD.replayed_at IS NOT NULL AND NEW.replayed_at IS NOT OLD.replayed_at
			BEGIN SELECT RAISE(ABORT, 'dead_letter_queue.replayed_at is write-once'); END;`,
		`CREATE TRIGGER IF NOT EXISTS butler_registry_no_delete
			BEFORE DELETE ON butler_registry
			BEGIN SELECT RAISE(ABORT, 'butler_registry rows are never deleted'); END;`,
	}
	for _, stmt := range guardStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration trigger: %w", err)
		}
	}

	// Phase 3: indexes.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_eligibility_log_butler ON butler_registry_eligibility_log(butler_name, observed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_routing_log_target ON routing_log(target_butler, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_message_inbox_received ON message_inbox(received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_message_inbox_state ON message_inbox(lifecycle_state, received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_fanout_request ON fanout_execution_log(request_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letter_replay ON dead_letter_queue(replay_eligible, replayed_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letter_category ON dead_letter_queue(failure_category, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_operator_audit_target ON operator_audit_log(target_request_id, performed_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	for version := maxVersion + 1; version <= schemaVersionLatest; version++ {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_migrations (version, checksum)
			VALUES (?, ?);
		`, version, versionChecksums[version]); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func appendOnlyTrigger(table string) string {
	return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_append_only_update
			BEFORE UPDATE ON %[1]s
			BEGIN SELECT RAISE(ABORT, '%[1]s is append-only'); END;
		CREATE TRIGGER IF NOT EXISTS %[1]s_append_only_delete
			BEFORE DELETE ON %[1]s
			BEGIN SELECT RAISE(ABORT, '%[1]s is append-only'); END;`, table)
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath)
	if err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&one); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}
