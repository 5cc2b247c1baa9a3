package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

const entryColumns = `id, user_id, domain, action, points, evidence_ref, evidence_status, related_entry_id, meta, created_at`

// effectiveEntryColumns is entryColumns with evidence_status resolved to the
// latest manual flag of the row, if any. The outer query must select FROM
// ledger_entries without an alias.
const effectiveEntryColumns = `id, user_id, domain, action, points, evidence_ref,
	COALESCE((SELECT f.status FROM evidence_flags f WHERE f.ledger_entry_id = ledger_entries.id ORDER BY f.id DESC LIMIT 1), evidence_status) AS evidence_status,
	related_entry_id, meta, created_at`

type entryRow struct {
	ID             int64          `db:"id"`
	UserID         string         `db:"user_id"`
	Domain         string         `db:"domain"`
	Action         string         `db:"action"`
	Points         int64          `db:"points"`
	EvidenceRef    sql.NullString `db:"evidence_ref"`
	EvidenceStatus string         `db:"evidence_status"`
	RelatedEntryID sql.NullInt64  `db:"related_entry_id"`
	Meta           sql.NullString `db:"meta"`
	CreatedAt      int64          `db:"created_at"`
}

func (r entryRow) model() (models.LedgerEntry, error) {
	e := models.LedgerEntry{
		ID:             r.ID,
		UserID:         r.UserID,
		Domain:         r.Domain,
		Action:         r.Action,
		Points:         r.Points,
		EvidenceStatus: models.EvidenceStatus(r.EvidenceStatus),
		CreatedAt:      fromMicros(r.CreatedAt),
	}
	if r.EvidenceRef.Valid {
		ref := r.EvidenceRef.String
		e.EvidenceRef = &ref
	}
	if r.RelatedEntryID.Valid {
		id := r.RelatedEntryID.Int64
		e.RelatedEntryID = &id
	}
	if r.Meta.Valid && r.Meta.String != "" {
		if err := json.Unmarshal([]byte(r.Meta.String), &e.Meta); err != nil {
			return models.LedgerEntry{}, fmt.Errorf("unmarshal meta of entry %d: %w", r.ID, err)
		}
	}
	return e, nil
}

func entriesFromRows(rows []entryRow) ([]models.LedgerEntry, error) {
	out := make([]models.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func marshalMeta(meta map[string]any) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal meta: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

type disputeRow struct {
	ID             int64          `db:"id"`
	LedgerEntryID  int64          `db:"ledger_entry_id"`
	OpenedBy       string         `db:"opened_by"`
	Reason         string         `db:"reason"`
	Status         string         `db:"status"`
	ResolutionNote sql.NullString `db:"resolution_note"`
	ResolvedBy     sql.NullString `db:"resolved_by"`
	ResolvedAt     sql.NullInt64  `db:"resolved_at"`
	CreatedAt      int64          `db:"created_at"`
}

const disputeColumns = `id, ledger_entry_id, opened_by, reason, status, resolution_note, resolved_by, resolved_at, created_at`

func (r disputeRow) model() models.Dispute {
	d := models.Dispute{
		ID:            r.ID,
		LedgerEntryID: r.LedgerEntryID,
		OpenedBy:      r.OpenedBy,
		Reason:        r.Reason,
		Status:        models.DisputeStatus(r.Status),
		CreatedAt:     fromMicros(r.CreatedAt),
	}
	if r.ResolutionNote.Valid {
		note := r.ResolutionNote.String
		d.ResolutionNote = &note
	}
	if r.ResolvedBy.Valid {
		by := r.ResolvedBy.String
		d.ResolvedBy = &by
	}
	if r.ResolvedAt.Valid {
		at := fromMicros(r.ResolvedAt.Int64)
		d.ResolvedAt = &at
	}
	return d
}

type snapshotRow struct {
	ID                int64          `db:"id"`
	UserID            string         `db:"user_id"`
	Domain            sql.NullString `db:"domain"`
	Trust             float64        `db:"trust"`
	KarmaBalance      int64          `db:"karma_balance"`
	VerificationLevel int            `db:"verification_level"`
	ComputedAt        int64          `db:"computed_at"`
}

func (r snapshotRow) model() models.TrustSnapshot {
	s := models.TrustSnapshot{
		ID:                r.ID,
		UserID:            r.UserID,
		Trust:             r.Trust,
		KarmaBalance:      r.KarmaBalance,
		VerificationLevel: r.VerificationLevel,
		ComputedAt:        fromMicros(r.ComputedAt),
	}
	if r.Domain.Valid {
		d := r.Domain.String
		s.Domain = &d
	}
	return s
}

// where renders an EntryFilter as a WHERE clause with `?` placeholders.
func where(f models.EntryFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != nil {
		conds = append(conds, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.Domain != nil {
		conds = append(conds, "domain = ?")
		args = append(args, *f.Domain)
	}
	if f.Action != nil {
		conds = append(conds, "action = ?")
		args = append(args, *f.Action)
	}
	if f.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, toMicros(*f.Since))
	}
	if f.Before != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, toMicros(*f.Before))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }
