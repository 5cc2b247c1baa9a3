// Package postgres provides the production PostgreSQL backend.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/sheikh-saqib/karma-ledger/internal/storage/sqlstore"
)

const driverName = "postgres"

// Postgres error codes (SQLSTATE).
const (
	codeUniqueViolation      = "23505"
	codeRaiseException       = "P0001"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeStringTooLong        = "22001"
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string, pool PoolConfig, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	store := sqlstore.New(db, Dialect{}, opts...)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Dialect is the PostgreSQL sqlstore.Dialect.
type Dialect struct{}

func (Dialect) DriverName() string { return driverName }

func (Dialect) Schema() []string { return schema }

func (Dialect) IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

func (Dialect) IsAppendOnlyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == codeRaiseException && strings.Contains(pqErr.Message, "append-only")
	}
	return false
}

func (Dialect) IsRetryable(err error) bool {
	return hasCode(err, codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable)
}

func (Dialect) IsValueTooLong(err error) bool {
	return hasCode(err, codeStringTooLong)
}

func hasCode(err error, codes ...string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	for _, c := range codes {
		if string(pqErr.Code) == c {
			return true
		}
	}
	return false
}
