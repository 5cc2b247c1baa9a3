package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
	"github.com/sheikh-saqib/karma-ledger/internal/storage/sqlite"
	"github.com/sheikh-saqib/karma-ledger/internal/storage/sqlstore"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openStore(t *testing.T, opts ...sqlstore.Option) *sqlstore.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "karma.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func appendEntry(t *testing.T, s *sqlstore.Store, e models.LedgerEntry) models.LedgerEntry {
	t.Helper()
	var out models.LedgerEntry
	err := s.InTx(context.Background(), func(tx interfaces.LedgerTx) error {
		var err error
		out, err = tx.AppendEntry(context.Background(), e)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestAppendAndGetRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ref := "https://example.com/proof"

	in := appendEntry(t, s, models.LedgerEntry{
		UserID:         "u1",
		Domain:         "forum",
		Action:         "post",
		Points:         5,
		EvidenceRef:    &ref,
		EvidenceStatus: models.EvidenceYellow,
		Meta:           map[string]any{"thread": "42"},
	})
	require.Equal(t, int64(1), in.ID)

	got, err := s.GetEntry(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, int64(5), got.Points)
	require.NotNil(t, got.EvidenceRef)
	assert.Equal(t, ref, *got.EvidenceRef)
	assert.Equal(t, models.EvidenceYellow, got.EvidenceStatus)
	assert.Equal(t, "42", got.Meta["thread"])
	assert.True(t, in.CreatedAt.Equal(got.CreatedAt))

	_, err = s.GetEntry(ctx, 999)
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestTriggersRejectUpdateAndDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	e := appendEntry(t, s, models.LedgerEntry{UserID: "u1", Domain: "forum", Action: "post", Points: 5})

	_, err := s.DB().ExecContext(ctx, `UPDATE ledger_entries SET points = 500 WHERE id = ?`, e.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = s.DB().ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = ?`, e.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	got, err := s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Points)
}

func TestIdempotencyKeyLinkIsWriteOnce(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var entryID int64
	require.NoError(t, s.InTx(ctx, func(tx interfaces.LedgerTx) error {
		res, err := tx.ReserveKey(ctx, models.IdempotencyRecord{Key: "k1", UserID: "u1", Domain: "forum", Action: "post"})
		require.NoError(t, err)
		require.True(t, res.Reserved)
		e, err := tx.AppendEntry(ctx, models.LedgerEntry{UserID: "u1", Domain: "forum", Action: "post", Points: 5})
		require.NoError(t, err)
		entryID = e.ID
		return tx.LinkKey(ctx, "k1", e.ID)
	}))

	require.NoError(t, s.InTx(ctx, func(tx interfaces.LedgerTx) error {
		res, err := tx.ReserveKey(ctx, models.IdempotencyRecord{Key: "k1", UserID: "u1", Domain: "forum", Action: "post"})
		require.NoError(t, err)
		require.True(t, res.Existing())
		assert.Equal(t, entryID, *res.EntryID)
		return nil
	}))

	rec, err := s.LookupKey(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, rec.LedgerEntryID)
	assert.Equal(t, entryID, *rec.LedgerEntryID)

	_, err = s.DB().ExecContext(ctx, `UPDATE idempotency_keys SET ledger_entry_id = NULL WHERE idem_key = 'k1'`)
	assert.Error(t, err)
	_, err = s.DB().ExecContext(ctx, `DELETE FROM idempotency_keys WHERE idem_key = 'k1'`)
	assert.Error(t, err)
}

func TestFailedTxLeavesNoTrace(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx interfaces.LedgerTx) error {
		if _, err := tx.ReserveKey(ctx, models.IdempotencyRecord{Key: "k1", UserID: "u1"}); err != nil {
			return err
		}
		if _, err := tx.AppendEntry(ctx, models.LedgerEntry{UserID: "u1", Domain: "d", Action: "a", Points: 1}); err != nil {
			return err
		}
		return errs.E(errs.Conflict, "forced")
	})
	require.ErrorIs(t, err, errs.Conflict)

	n, err := s.CountEntries(ctx, models.EntryFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = s.LookupKey(ctx, "k1")
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestDecayUniqueIndex(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s := openStore(t, sqlstore.WithClock(clock))
	ctx := context.Background()

	orig := appendEntry(t, s, models.LedgerEntry{UserID: "u1", Domain: "d", Action: "a", Points: 10})
	clock.Advance(72 * time.Hour)

	cands, err := s.DecayCandidates(ctx, clock.Now(), 0, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, orig.ID, cands[0].ID)

	appendEntry(t, s, models.LedgerEntry{UserID: "u1", Domain: "d", Action: models.ActionDecay, Points: -5, RelatedEntryID: &orig.ID})

	err = s.InTx(ctx, func(tx interfaces.LedgerTx) error {
		has, err := tx.HasCompensation(ctx, orig.ID, models.ActionDecay)
		require.NoError(t, err)
		assert.True(t, has)
		_, err = tx.AppendEntry(ctx, models.LedgerEntry{UserID: "u1", Domain: "d", Action: models.ActionDecay, Points: -5, RelatedEntryID: &orig.ID})
		return err
	})
	assert.ErrorIs(t, err, interfaces.ErrAlreadyCompensated)

	cands, err = s.DecayCandidates(ctx, clock.Now().Add(time.Hour), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestReverseUniqueIndex(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	orig := appendEntry(t, s, models.LedgerEntry{UserID: "u1", Domain: "d", Action: "a", Points: 10})
	reversal := models.LedgerEntry{UserID: "u1", Domain: "d", Action: models.ReversePrefix + "a", Points: -10, RelatedEntryID: &orig.ID}
	appendEntry(t, s, reversal)

	// skips the HasCompensation check, as a racing writer would
	err := s.InTx(ctx, func(tx interfaces.LedgerTx) error {
		_, err := tx.AppendEntry(ctx, reversal)
		return err
	})
	assert.ErrorIs(t, err, errs.InvalidTransition)

	sum, err := s.SumPoints(ctx, models.EntryFilter{})
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestFilteringAndAggregates(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s := openStore(t, sqlstore.WithClock(clock))
	ctx := context.Background()

	appendEntry(t, s, models.LedgerEntry{UserID: "bob", Domain: "forum", Action: "post", Points: 5})
	clock.Advance(time.Hour)
	appendEntry(t, s, models.LedgerEntry{UserID: "alice", Domain: "forum", Action: "post", Points: 7})
	clock.Advance(time.Hour)
	appendEntry(t, s, models.LedgerEntry{UserID: "bob", Domain: "wiki", Action: "edit", Points: -2})

	bob, forum := "bob", "forum"
	sum, err := s.SumPoints(ctx, models.EntryFilter{UserID: &bob})
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum)

	sum, err = s.SumPoints(ctx, models.EntryFilter{UserID: &bob, Domain: &forum})
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum)

	since := clock.Now().Add(-90 * time.Minute)
	n, err := s.CountEntries(ctx, models.EntryFilter{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	byUser, err := s.PointsByUser(ctx, models.EntryFilter{})
	require.NoError(t, err)
	assert.Equal(t, []models.UserPoints{{UserID: "bob", Points: 3}, {UserID: "alice", Points: 7}}, byUser)

	entries, total, err := s.QueryEntries(ctx, models.EntryFilter{}, models.NewestFirst, models.Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, entries, 2)
	assert.Equal(t, "wiki", entries[0].Domain)
}

func TestFlagsVerificationsSnapshotsAndDisputes(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	e := appendEntry(t, s, models.LedgerEntry{UserID: "u1", Domain: "forum", Action: "post", Points: 5})

	flag, err := s.LatestFlag(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, flag)

	require.NoError(t, s.InTx(ctx, func(tx interfaces.LedgerTx) error {
		_, err := tx.AppendFlag(ctx, models.FlagEvent{LedgerEntryID: e.ID, Status: models.EvidenceRed})
		return err
	}))
	flag, err = s.LatestFlag(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.Equal(t, models.EvidenceRed, flag.Status)

	_, err = s.AppendVerification(ctx, models.Verification{UserID: "u1", Source: models.SourceExternal, Level: 1})
	require.NoError(t, err)
	_, err = s.AppendVerification(ctx, models.Verification{UserID: "u1", Source: models.SourceExternal, Level: 3})
	require.NoError(t, err)
	level, err := s.MaxVerificationLevel(ctx, "u1", models.SourceExternal)
	require.NoError(t, err)
	assert.Equal(t, 3, level)
	level, err = s.MaxVerificationLevel(ctx, "u1", models.SourceInternal)
	require.NoError(t, err)
	assert.Zero(t, level)

	forum := "forum"
	_, err = s.LatestTrustSnapshot(ctx, "u1", &forum)
	assert.ErrorIs(t, err, errs.NotFound)
	_, err = s.AppendTrustSnapshot(ctx, models.TrustSnapshot{UserID: "u1", Domain: &forum, Trust: 2.5, KarmaBalance: 5, VerificationLevel: 3})
	require.NoError(t, err)
	snap, err := s.LatestTrustSnapshot(ctx, "u1", &forum)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, snap.Trust, 1e-9)
	_, err = s.LatestTrustSnapshot(ctx, "u1", nil)
	assert.ErrorIs(t, err, errs.NotFound)

	d, err := s.CreateDispute(ctx, models.Dispute{LedgerEntryID: e.ID, OpenedBy: "u2", Reason: "spam"})
	require.NoError(t, err)
	note := "confirmed"
	resolved, err := s.ResolveDispute(ctx, d.ID, models.DisputeResolved, "mod", &note, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.DisputeResolved, resolved.Status)
	require.NotNil(t, resolved.ResolutionNote)
	assert.Equal(t, note, *resolved.ResolutionNote)

	_, err = s.ResolveDispute(ctx, d.ID, models.DisputeRejected, "mod", nil, time.Now())
	assert.ErrorIs(t, err, errs.InvalidTransition)
	_, err = s.ResolveDispute(ctx, 404, models.DisputeRejected, "mod", nil, time.Now())
	assert.ErrorIs(t, err, errs.NotFound)

	open := models.DisputeOpen
	list, err := s.ListDisputes(ctx, &open, models.Page{})
	require.NoError(t, err)
	assert.Empty(t, list)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{TotalUsers: 1, VerifiedUsers: 1, LedgerEntries: 1, KarmaPositiveSum: 5}, st)
}
