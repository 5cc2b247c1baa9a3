package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

func (s *Store) AppendVerification(ctx context.Context, v models.Verification) (models.Verification, error) {
	v.CreatedAt = s.stamp()
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO verifications (user_id, source, level, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`), v.UserID, string(v.Source), v.Level, toMicros(v.CreatedAt)).Scan(&v.ID)
	if err != nil {
		return models.Verification{}, s.classify(err, "append verification")
	}
	return v, nil
}

func (s *Store) MaxVerificationLevel(ctx context.Context, userID string, source models.VerificationSource) (int, error) {
	var level int
	err := s.db.GetContext(ctx, &level, s.db.Rebind(
		`SELECT COALESCE(MAX(level), 0) FROM verifications WHERE user_id = ? AND source = ?`), userID, string(source))
	if err != nil {
		return 0, s.classify(err, "max verification level")
	}
	return level, nil
}

func (s *Store) AppendTrustSnapshot(ctx context.Context, snap models.TrustSnapshot) (models.TrustSnapshot, error) {
	snap.ComputedAt = s.stamp()
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO trust_scores (user_id, domain, trust, karma_balance, verification_level, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`), snap.UserID, nullString(snap.Domain), snap.Trust, snap.KarmaBalance, snap.VerificationLevel,
		toMicros(snap.ComputedAt)).Scan(&snap.ID)
	if err != nil {
		return models.TrustSnapshot{}, s.classify(err, "append trust snapshot")
	}
	return snap, nil
}

func (s *Store) LatestTrustSnapshot(ctx context.Context, userID string, domain *string) (models.TrustSnapshot, error) {
	query := `SELECT id, user_id, domain, trust, karma_balance, verification_level, computed_at
		FROM trust_scores WHERE user_id = ? AND domain IS NULL ORDER BY id DESC LIMIT 1`
	args := []any{userID}
	if domain != nil {
		query = `SELECT id, user_id, domain, trust, karma_balance, verification_level, computed_at
		FROM trust_scores WHERE user_id = ? AND domain = ? ORDER BY id DESC LIMIT 1`
		args = append(args, *domain)
	}

	var row snapshotRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TrustSnapshot{}, errs.E(errs.NotFound, "no trust snapshot for %s", userID)
	}
	if err != nil {
		return models.TrustSnapshot{}, s.classify(err, "latest trust snapshot")
	}
	return row.model(), nil
}

func (s *Store) CreateDispute(ctx context.Context, d models.Dispute) (models.Dispute, error) {
	d.Status = models.DisputeOpen
	d.CreatedAt = s.stamp()
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO disputes (ledger_entry_id, opened_by, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`), d.LedgerEntryID, d.OpenedBy, d.Reason, string(d.Status), toMicros(d.CreatedAt)).Scan(&d.ID)
	if err != nil {
		return models.Dispute{}, s.classify(err, "create dispute")
	}
	return d, nil
}

func (s *Store) GetDispute(ctx context.Context, id int64) (models.Dispute, error) {
	var row disputeRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+disputeColumns+` FROM disputes WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Dispute{}, errs.E(errs.NotFound, "dispute %d not found", id)
	}
	if err != nil {
		return models.Dispute{}, s.classify(err, "get dispute")
	}
	return row.model(), nil
}

func (s *Store) ListDisputes(ctx context.Context, status *models.DisputeStatus, page models.Page) ([]models.Dispute, error) {
	page = page.Clamp()
	query := `SELECT ` + disputeColumns + ` FROM disputes`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)

	var rows []disputeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, s.classify(err, "list disputes")
	}
	out := make([]models.Dispute, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// ResolveDispute is a conditional update: only a row still open transitions,
// so two racing resolvers cannot both succeed.
func (s *Store) ResolveDispute(ctx context.Context, id int64, status models.DisputeStatus, resolvedBy string, note *string, at time.Time) (models.Dispute, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE disputes SET status = ?, resolved_by = ?, resolution_note = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`), string(status), resolvedBy, nullString(note), toMicros(at), id, string(models.DisputeOpen))
	if err != nil {
		return models.Dispute{}, s.classify(err, "resolve dispute")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return models.Dispute{}, s.classify(err, "resolve dispute: rows affected")
	}

	d, err := s.GetDispute(ctx, id)
	if err != nil {
		return models.Dispute{}, err
	}
	if n == 0 {
		return models.Dispute{}, errs.E(errs.InvalidTransition, "dispute %d is already %s", id, d.Status)
	}
	return d, nil
}

func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	queries := []struct {
		dest  any
		query string
	}{
		{&st.TotalUsers, `SELECT COUNT(DISTINCT user_id) FROM ledger_entries`},
		{&st.VerifiedUsers, `SELECT COUNT(DISTINCT user_id) FROM verifications WHERE level > 0`},
		{&st.DisputesOpen, `SELECT COUNT(*) FROM disputes WHERE status = 'open'`},
		{&st.LedgerEntries, `SELECT COUNT(*) FROM ledger_entries`},
		{&st.KarmaPositiveSum, `SELECT COALESCE(SUM(points), 0) FROM ledger_entries WHERE points > 0`},
		{&st.KarmaNegativeSum, `SELECT COALESCE(SUM(points), 0) FROM ledger_entries WHERE points < 0`},
	}
	for _, q := range queries {
		if err := s.db.GetContext(ctx, q.dest, q.query); err != nil {
			return models.Stats{}, s.classify(err, "stats")
		}
	}
	return st, nil
}
