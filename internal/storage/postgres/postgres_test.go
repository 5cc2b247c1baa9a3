package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestDialectClassifiesDriverErrors(t *testing.T) {
	wrap := func(code string) error {
		return fmt.Errorf("append entry: %w", &pq.Error{Code: pq.ErrorCode(code), Message: "boom"})
	}
	d := Dialect{}

	assert.True(t, d.IsUniqueViolation(wrap("23505")))
	assert.True(t, d.IsValueTooLong(wrap("22001")))
	assert.False(t, d.IsValueTooLong(wrap("23505")))
	assert.True(t, d.IsRetryable(wrap("40001")))
	assert.True(t, d.IsRetryable(wrap("40P01")))
	assert.False(t, d.IsRetryable(errors.New("plain")))

	appendOnly := &pq.Error{Code: "P0001", Message: "ledger_entries is append-only"}
	assert.True(t, d.IsAppendOnlyViolation(appendOnly))
	assert.False(t, d.IsAppendOnlyViolation(&pq.Error{Code: "P0001", Message: "other"}))
}
