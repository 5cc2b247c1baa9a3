package memory

import (
	"context" // standard Go package for request-scoped context (timeouts, cancellation)
	"sort"
	"sync" // standard Go package for concurrency primitives like Mutex
	"time"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

// MemoryStore is an in-memory implementation of interfaces.Store.
// Ledger rows can only be appended: there is no code path that rewrites or
// removes one, and every read returns a copy.
type MemoryStore struct {
	mu    sync.Mutex // guards everything below; held for the whole of InTx
	clock interfaces.Clock

	entries     []models.LedgerEntry                // append-only, ascending id
	byID        map[int64]int                       // entry id -> index in entries
	keys        map[string]models.IdempotencyRecord // idempotency key -> record
	compensated map[int64]bool                      // original id -> has decay compensation
	reversed    map[int64]bool                      // original id -> has reversal
	flagged     map[int64]models.EvidenceStatus     // entry id -> latest flag status
	flags       []models.FlagEvent
	verifs      []models.Verification
	snapshots   []models.TrustSnapshot
	disputes    []models.Dispute

	nextEntryID  int64
	nextFlagID   int64
	nextVerifID  int64
	nextSnapID   int64
	lastAppended time.Time
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the wall clock used to stamp rows.
func WithClock(c interfaces.Clock) Option {
	return func(m *MemoryStore) { m.clock = c }
}

// NewMemoryStore creates and returns an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	m := &MemoryStore{
		clock:       interfaces.SystemClock{},
		byID:        make(map[int64]int),
		keys:        make(map[string]models.IdempotencyRecord),
		compensated: make(map[int64]bool),
		reversed:    make(map[int64]bool),
		flagged:     make(map[int64]models.EvidenceStatus),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Close() error { return nil }

// GetEntry returns a copy of the entry with the given id.
func (m *MemoryStore) GetEntry(ctx context.Context, id int64) (models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getEntry(id)
}

func (m *MemoryStore) getEntry(id int64) (models.LedgerEntry, error) {
	idx, ok := m.byID[id]
	if !ok {
		return models.LedgerEntry{}, errs.E(errs.NotFound, "ledger entry %d not found", id)
	}
	return m.effective(m.entries[idx]), nil
}

// effective copies e with its evidence status replaced by the latest flag.
func (m *MemoryStore) effective(e models.LedgerEntry) models.LedgerEntry {
	out := e.Clone()
	if status, ok := m.flagged[e.ID]; ok {
		out.EvidenceStatus = status
	}
	return out
}

func (m *MemoryStore) QueryEntries(ctx context.Context, filter models.EntryFilter, order models.Order, page models.Page) ([]models.LedgerEntry, int, error) {
	page = page.Clamp()

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.LedgerEntry
	for _, e := range m.entries {
		if matches(e, filter) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if order == models.OldestFirst {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if order == models.OldestFirst {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	total := len(matched)
	out := make([]models.LedgerEntry, 0, page.Limit)
	for i := page.Offset; i < total && len(out) < page.Limit; i++ {
		out = append(out, m.effective(matched[i]))
	}
	return out, total, nil
}

func (m *MemoryStore) CountEntries(ctx context.Context, filter models.EntryFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if matches(e, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SumPoints(ctx context.Context, filter models.EntryFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, e := range m.entries {
		if matches(e, filter) {
			sum += e.Points
		}
	}
	return sum, nil
}

func (m *MemoryStore) PointsByUser(ctx context.Context, filter models.EntryFilter) ([]models.UserPoints, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := make(map[string]int)
	var out []models.UserPoints
	for _, e := range m.entries { // entries are ascending by id, so first sight is min id
		if !matches(e, filter) {
			continue
		}
		i, seen := index[e.UserID]
		if !seen {
			i = len(out)
			index[e.UserID] = i
			out = append(out, models.UserPoints{UserID: e.UserID})
		}
		out[i].Points += e.Points
	}
	return out, nil
}

func (m *MemoryStore) DecayCandidates(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.LedgerEntry
	for _, e := range m.entries {
		if len(out) >= limit {
			break
		}
		if e.ID <= afterID || !e.CreatedAt.Before(cutoff) {
			continue
		}
		if e.Action == models.ActionDecay || m.compensated[e.ID] {
			continue
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

func (m *MemoryStore) LookupKey(ctx context.Context, key string) (models.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.keys[key]
	if !ok {
		return models.IdempotencyRecord{}, errs.E(errs.NotFound, "idempotency key %q not found", key)
	}
	return rec, nil
}

func (m *MemoryStore) LatestFlag(ctx context.Context, entryID int64) (*models.FlagEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.flags) - 1; i >= 0; i-- {
		if m.flags[i].LedgerEntryID == entryID {
			f := m.flags[i]
			return &f, nil
		}
	}
	return nil, nil
}

// InTx runs fn while holding the store lock. Writes are staged against an
// undo log and rolled back if fn fails.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	m.mu.Lock()         // lock the mutex to prevent concurrent writes
	defer m.mu.Unlock() // unlock automatically when function exits (even if error occurs)

	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// stamp returns a created_at that never goes backwards within this store.
func (m *MemoryStore) stamp() time.Time {
	now := m.clock.Now().UTC()
	if now.Before(m.lastAppended) {
		now = m.lastAppended
	}
	m.lastAppended = now
	return now
}

func matches(e models.LedgerEntry, f models.EntryFilter) bool {
	if f.UserID != nil && e.UserID != *f.UserID {
		return false
	}
	if f.Domain != nil && e.Domain != *f.Domain {
		return false
	}
	if f.Action != nil && e.Action != *f.Action {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Before != nil && !e.CreatedAt.Before(*f.Before) {
		return false
	}
	return true
}

// Compile-time check: ensure MemoryStore implements the Store interface
var _ interfaces.Store = (*MemoryStore)(nil)
