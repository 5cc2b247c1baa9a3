// Package sqlite provides the embedded SQLite backend (pure Go driver).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sheikh-saqib/karma-ledger/internal/storage/sqlstore"
)

const driverName = "sqlite"

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// Open creates or opens a SQLite database at path, applies pragmas and the
// schema. SQLite allows one writer at a time, so the pool is limited to a
// single connection.
func Open(ctx context.Context, path string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := sqlstore.New(db, Dialect{}, opts...)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Dialect is the SQLite sqlstore.Dialect.
type Dialect struct{}

func (Dialect) DriverName() string { return driverName }

func (Dialect) Schema() []string { return schema }

func (Dialect) IsUniqueViolation(err error) bool {
	var e *sqlite.Error
	if errors.As(err, &e) {
		switch e.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (Dialect) IsAppendOnlyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "append-only")
}

// IsValueTooLong only fires past SQLITE_MAX_LENGTH; declared VARCHAR sizes
// are not enforced by SQLite.
func (Dialect) IsValueTooLong(err error) bool {
	var e *sqlite.Error
	return errors.As(err, &e) && e.Code()&0xff == sqlite3.SQLITE_TOOBIG
}

func (Dialect) IsRetryable(err error) bool {
	var e *sqlite.Error
	if errors.As(err, &e) {
		switch e.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		action TEXT NOT NULL,
		points INTEGER NOT NULL,
		evidence_ref TEXT,
		evidence_status TEXT NOT NULL DEFAULT 'green' CHECK (evidence_status IN ('green', 'yellow', 'red')),
		related_entry_id INTEGER REFERENCES ledger_entries(id),
		meta TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_ledger_user_domain_action_created ON ledger_entries(user_id, domain, action, created_at)`,
	`CREATE INDEX IF NOT EXISTS ix_ledger_created_at ON ledger_entries(created_at)`,
	`CREATE INDEX IF NOT EXISTS ix_ledger_related ON ledger_entries(related_entry_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_decay_once ON ledger_entries(related_entry_id) WHERE action = 'decay'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_reverse_once ON ledger_entries(related_entry_id) WHERE action LIKE 'reverse:%'`,
	`CREATE TRIGGER IF NOT EXISTS trg_ledger_no_update BEFORE UPDATE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_entries is append-only');
	END`,
	`CREATE TRIGGER IF NOT EXISTS trg_ledger_no_delete BEFORE DELETE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_entries is append-only');
	END`,

	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		idem_key TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		action TEXT NOT NULL,
		ledger_entry_id INTEGER REFERENCES ledger_entries(id),
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_idem_user ON idempotency_keys(user_id)`,
	`CREATE TRIGGER IF NOT EXISTS trg_idem_link_once BEFORE UPDATE ON idempotency_keys
	WHEN OLD.ledger_entry_id IS NOT NULL
	BEGIN
		SELECT RAISE(ABORT, 'idempotency_keys is append-only once linked');
	END`,
	`CREATE TRIGGER IF NOT EXISTS trg_idem_no_delete BEFORE DELETE ON idempotency_keys
	BEGIN
		SELECT RAISE(ABORT, 'idempotency_keys is append-only');
	END`,

	`CREATE TABLE IF NOT EXISTS evidence_flags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ledger_entry_id INTEGER NOT NULL REFERENCES ledger_entries(id),
		status TEXT NOT NULL CHECK (status IN ('green', 'yellow', 'red')),
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_evidence_flags_entry ON evidence_flags(ledger_entry_id)`,
	`CREATE TRIGGER IF NOT EXISTS trg_flags_no_update BEFORE UPDATE ON evidence_flags
	BEGIN
		SELECT RAISE(ABORT, 'evidence_flags is append-only');
	END`,
	`CREATE TRIGGER IF NOT EXISTS trg_flags_no_delete BEFORE DELETE ON evidence_flags
	BEGIN
		SELECT RAISE(ABORT, 'evidence_flags is append-only');
	END`,

	`CREATE TABLE IF NOT EXISTS verifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		source TEXT NOT NULL CHECK (source IN ('external', 'internal')),
		level INTEGER NOT NULL DEFAULT 0 CHECK (level >= 0),
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_verifications_user ON verifications(user_id, source)`,

	`CREATE TABLE IF NOT EXISTS trust_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		domain TEXT,
		trust REAL NOT NULL,
		karma_balance INTEGER NOT NULL,
		verification_level INTEGER NOT NULL,
		computed_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_trust_scores_user ON trust_scores(user_id, domain)`,

	`CREATE TABLE IF NOT EXISTS disputes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ledger_entry_id INTEGER NOT NULL REFERENCES ledger_entries(id),
		opened_by TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'resolved', 'rejected')),
		resolution_note TEXT,
		resolved_by TEXT,
		resolved_at INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_disputes_status ON disputes(status)`,
}
