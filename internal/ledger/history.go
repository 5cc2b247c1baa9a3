package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

// HistoryPage is one page of a user's ledger, newest first.
type HistoryPage struct {
	UserID string               `json:"user_id"`
	Domain *string              `json:"domain,omitempty"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
	Total  int                  `json:"total"`
	Items  []models.LedgerEntry `json:"items"`
}

// History lists a user's entries, optionally within one domain.
func (l *Ledger) History(ctx context.Context, userID string, domain *string, page models.Page) (HistoryPage, error) {
	page = page.Clamp()
	items, total, err := l.store.QueryEntries(ctx, models.EntryFilter{UserID: &userID, Domain: domain}, models.NewestFirst, page)
	if err != nil {
		return HistoryPage{}, err
	}
	if items == nil {
		items = []models.LedgerEntry{}
	}
	return HistoryPage{
		UserID: userID,
		Domain: domain,
		Limit:  page.Limit,
		Offset: page.Offset,
		Total:  total,
		Items:  items,
	}, nil
}

// ExportFormat selects the Export encoding.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

var csvHeader = []string{"id", "user_id", "domain", "action", "points", "evidence_ref", "evidence_status", "related_entry_id", "created_at"}

// Export streams every entry matching filter to w, newest first.
func (l *Ledger) Export(ctx context.Context, filter models.EntryFilter, format ExportFormat, w io.Writer) error {
	var enc exportEncoder
	switch format {
	case FormatJSON, "":
		enc = &jsonExport{w: w}
	case FormatCSV:
		enc = &csvExport{w: csv.NewWriter(w)}
	default:
		return errs.E(errs.InvalidInput, "unsupported export format %q", format)
	}

	if err := enc.begin(); err != nil {
		return err
	}
	page := models.Page{Limit: models.MaxPageSize}
	for {
		items, total, err := l.store.QueryEntries(ctx, filter, models.NewestFirst, page)
		if err != nil {
			return err
		}
		for _, e := range items {
			if err := enc.write(e); err != nil {
				return err
			}
		}
		page.Offset += len(items)
		if len(items) == 0 || page.Offset >= total {
			break
		}
	}
	return enc.end()
}

type exportEncoder interface {
	begin() error
	write(models.LedgerEntry) error
	end() error
}

type jsonExport struct {
	w     io.Writer
	count int
}

func (j *jsonExport) begin() error {
	_, err := io.WriteString(j.w, "[")
	return err
}

func (j *jsonExport) write(e models.LedgerEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("export entry %d: %w", e.ID, err)
	}
	if j.count > 0 {
		if _, err := io.WriteString(j.w, ","); err != nil {
			return err
		}
	}
	j.count++
	_, err = j.w.Write(data)
	return err
}

func (j *jsonExport) end() error {
	_, err := io.WriteString(j.w, "]\n")
	return err
}

type csvExport struct {
	w *csv.Writer
}

func (c *csvExport) begin() error {
	return c.w.Write(csvHeader)
}

func (c *csvExport) write(e models.LedgerEntry) error {
	ref, related := "", ""
	if e.EvidenceRef != nil {
		ref = *e.EvidenceRef
	}
	if e.RelatedEntryID != nil {
		related = strconv.FormatInt(*e.RelatedEntryID, 10)
	}
	return c.w.Write([]string{
		strconv.FormatInt(e.ID, 10),
		e.UserID,
		e.Domain,
		e.Action,
		strconv.FormatInt(e.Points, 10),
		ref,
		string(e.EvidenceStatus),
		related,
		e.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (c *csvExport) end() error {
	c.w.Flush()
	return c.w.Error()
}
