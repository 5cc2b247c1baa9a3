package sqlstore

// Dialect captures what differs between SQL engines: the DDL (including the
// triggers that make ledger rows write-once) and how driver errors are
// classified.
type Dialect interface {
	// DriverName is the database/sql driver name, also used by sqlx to pick
	// the bind variable style.
	DriverName() string

	// Schema returns idempotent DDL statements, executed in order.
	Schema() []string

	IsUniqueViolation(err error) bool

	// IsAppendOnlyViolation reports a write rejected by the immutability
	// triggers.
	IsAppendOnlyViolation(err error) bool

	// IsRetryable reports lock contention or serialization failures.
	IsRetryable(err error) bool

	// IsValueTooLong reports a value rejected for exceeding its column size.
	IsValueTooLong(err error) bool
}
