// Package sqlstore implements the ledger store interfaces over database/sql.
//
// Ledger rows are write-once at the storage boundary: the dialect installs
// triggers that reject UPDATE and DELETE on ledger_entries and evidence_flags,
// and reject re-linking or deleting idempotency keys. Application code never
// issues such statements, but a buggy caller with raw access still cannot
// rewrite history.
//
// Timestamps are stored as BIGINT unix microseconds so range predicates behave
// identically on every dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
)

// Store is a SQL-backed interfaces.Store.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	clock   interfaces.Clock

	stampMu   sync.Mutex
	lastStamp time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp rows.
func WithClock(c interfaces.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New wraps an open database handle. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      sqlx.NewDb(db, dialect.DriverName()),
		dialect: dialect,
		clock:   interfaces.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the dialect schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying handle. Ledger rows stay protected by triggers
// even for statements issued through it.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// InTx runs fn inside a database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.classify(err, "begin tx")
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&sqlTx{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.classify(err, "commit")
	}
	return nil
}

// stamp returns a created_at that never goes backwards for this process.
func (s *Store) stamp() time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()

	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	if now.Before(s.lastStamp) {
		now = s.lastStamp
	}
	s.lastStamp = now
	return now
}

// classify maps driver errors onto the error taxonomy.
func (s *Store) classify(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return errs.Wrap(errs.NotFound, err, op)
	case s.dialect.IsAppendOnlyViolation(err):
		return errs.Wrap(errs.AppendOnly, err, op)
	case s.dialect.IsRetryable(err):
		return errs.Wrap(errs.Conflict, err, op)
	case s.dialect.IsValueTooLong(err):
		return errs.Wrap(errs.InvalidInput, err, op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ interfaces.Store = (*Store)(nil)
