package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

func (s *Store) GetEntry(ctx context.Context, id int64) (models.LedgerEntry, error) {
	return s.getEntry(ctx, s.db, id)
}

func (s *Store) getEntry(ctx context.Context, q sqlx.QueryerContext, id int64) (models.LedgerEntry, error) {
	var row entryRow
	err := sqlx.GetContext(ctx, q, &row, s.db.Rebind(`SELECT `+effectiveEntryColumns+` FROM ledger_entries WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerEntry{}, errs.E(errs.NotFound, "ledger entry %d not found", id)
	}
	if err != nil {
		return models.LedgerEntry{}, s.classify(err, "get entry")
	}
	return row.model()
}

func (s *Store) QueryEntries(ctx context.Context, filter models.EntryFilter, order models.Order, page models.Page) ([]models.LedgerEntry, int, error) {
	page = page.Clamp()
	clause, args := where(filter)

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM ledger_entries`+clause), args...); err != nil {
		return nil, 0, s.classify(err, "count entries")
	}

	orderBy := ` ORDER BY created_at DESC, id DESC`
	if order == models.OldestFirst {
		orderBy = ` ORDER BY created_at ASC, id ASC`
	}
	query := `SELECT ` + effectiveEntryColumns + ` FROM ledger_entries` + clause + orderBy + ` LIMIT ? OFFSET ?`

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), append(args, page.Limit, page.Offset)...); err != nil {
		return nil, 0, s.classify(err, "query entries")
	}
	entries, err := entriesFromRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Store) CountEntries(ctx context.Context, filter models.EntryFilter) (int, error) {
	clause, args := where(filter)
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM ledger_entries`+clause), args...); err != nil {
		return 0, s.classify(err, "count entries")
	}
	return n, nil
}

func (s *Store) SumPoints(ctx context.Context, filter models.EntryFilter) (int64, error) {
	clause, args := where(filter)
	var sum int64
	if err := s.db.GetContext(ctx, &sum, s.db.Rebind(`SELECT COALESCE(SUM(points), 0) FROM ledger_entries`+clause), args...); err != nil {
		return 0, s.classify(err, "sum points")
	}
	return sum, nil
}

func (s *Store) PointsByUser(ctx context.Context, filter models.EntryFilter) ([]models.UserPoints, error) {
	clause, args := where(filter)
	query := `SELECT user_id, COALESCE(SUM(points), 0) AS points FROM ledger_entries` + clause +
		` GROUP BY user_id ORDER BY MIN(id) ASC`

	var out []models.UserPoints
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, s.classify(err, "points by user")
	}
	return out, nil
}

func (s *Store) DecayCandidates(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries e
		WHERE e.id > ? AND e.created_at < ? AND e.action <> ?
		AND NOT EXISTS (
			SELECT 1 FROM ledger_entries c WHERE c.related_entry_id = e.id AND c.action = ?
		)
		ORDER BY e.id ASC LIMIT ?`

	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query),
		afterID, toMicros(cutoff), models.ActionDecay, models.ActionDecay, limit)
	if err != nil {
		return nil, s.classify(err, "decay candidates")
	}
	return entriesFromRows(rows)
}

func (s *Store) LookupKey(ctx context.Context, key string) (models.IdempotencyRecord, error) {
	var row struct {
		Key           string        `db:"idem_key"`
		UserID        string        `db:"user_id"`
		Domain        string        `db:"domain"`
		Action        string        `db:"action"`
		LedgerEntryID sql.NullInt64 `db:"ledger_entry_id"`
		CreatedAt     int64         `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT idem_key, user_id, domain, action, ledger_entry_id, created_at FROM idempotency_keys WHERE idem_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IdempotencyRecord{}, errs.E(errs.NotFound, "idempotency key %q not found", key)
	}
	if err != nil {
		return models.IdempotencyRecord{}, s.classify(err, "lookup key")
	}
	rec := models.IdempotencyRecord{
		Key:       row.Key,
		UserID:    row.UserID,
		Domain:    row.Domain,
		Action:    row.Action,
		CreatedAt: fromMicros(row.CreatedAt),
	}
	if row.LedgerEntryID.Valid {
		id := row.LedgerEntryID.Int64
		rec.LedgerEntryID = &id
	}
	return rec, nil
}

func (s *Store) LatestFlag(ctx context.Context, entryID int64) (*models.FlagEvent, error) {
	var row struct {
		ID            int64  `db:"id"`
		LedgerEntryID int64  `db:"ledger_entry_id"`
		Status        string `db:"status"`
		CreatedAt     int64  `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT id, ledger_entry_id, status, created_at FROM evidence_flags WHERE ledger_entry_id = ? ORDER BY id DESC LIMIT 1`), entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify(err, "latest flag")
	}
	return &models.FlagEvent{
		ID:            row.ID,
		LedgerEntryID: row.LedgerEntryID,
		Status:        models.EvidenceStatus(row.Status),
		CreatedAt:     fromMicros(row.CreatedAt),
	}, nil
}
