package disputes

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/logging"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
	"github.com/sheikh-saqib/karma-ledger/internal/models/events"
	"github.com/sheikh-saqib/karma-ledger/internal/storage/memory"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []events.Envelope
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, env events.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, env)
	return n.err
}

func setup(t *testing.T) (*Workflow, *memory.MemoryStore, *fakeNotifier, models.LedgerEntry) {
	t.Helper()
	store := memory.NewMemoryStore()
	var entry models.LedgerEntry
	require.NoError(t, store.InTx(context.Background(), func(tx interfaces.LedgerTx) error {
		var err error
		entry, err = tx.AppendEntry(context.Background(), models.LedgerEntry{UserID: "u1", Domain: "forum", Action: "post", Points: 5})
		return err
	}))
	n := &fakeNotifier{}
	return New(store, store, WithNotifier(n), WithLogger(logging.Discard())), store, n, entry
}

func TestOpenRequiresExistingEntry(t *testing.T) {
	w, _, _, _ := setup(t)
	_, err := w.Open(context.Background(), 404, "u2", "spam")
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestDisputeLifecycle(t *testing.T) {
	w, store, n, entry := setup(t)
	ctx := context.Background()

	d, err := w.Open(ctx, entry.ID, "u2", "looks like spam")
	require.NoError(t, err)
	assert.Equal(t, models.DisputeOpen, d.Status)

	_, err = w.Resolve(ctx, d.ID, "mod", models.DisputeOpen, nil)
	assert.ErrorIs(t, err, errs.InvalidTransition)
	_, err = w.Resolve(ctx, d.ID, "mod", "escalated", nil)
	assert.ErrorIs(t, err, errs.InvalidTransition)

	note := "confirmed"
	d, err = w.Resolve(ctx, d.ID, "mod", models.DisputeResolved, &note)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeResolved, d.Status)
	require.NotNil(t, d.ResolvedBy)
	assert.Equal(t, "mod", *d.ResolvedBy)
	assert.NotNil(t, d.ResolvedAt)

	_, err = w.Resolve(ctx, d.ID, "mod", models.DisputeRejected, nil)
	assert.ErrorIs(t, err, errs.InvalidTransition)

	_, err = w.Resolve(ctx, 404, "mod", models.DisputeRejected, nil)
	assert.ErrorIs(t, err, errs.NotFound)

	got, err := store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry, got, "resolution leaves the ledger alone")

	require.Len(t, n.sent, 2)
	assert.Equal(t, events.TypeDisputeOpened, n.sent[0].Type)
	assert.Equal(t, events.TypeDisputeResolved, n.sent[1].Type)
}

func TestConcurrentResolversOnlyOneWins(t *testing.T) {
	w, _, _, entry := setup(t)
	ctx := context.Background()
	d, err := w.Open(ctx, entry.ID, "u2", "spam")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.Resolve(ctx, d.ID, "mod", models.DisputeRejected, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestNotifierFailureIsSwallowed(t *testing.T) {
	w, _, n, entry := setup(t)
	n.err = errors.New("webhook down")

	d, err := w.Open(context.Background(), entry.ID, "u2", "spam")
	require.NoError(t, err)
	assert.NotZero(t, d.ID)
}

func TestListFiltersByStatus(t *testing.T) {
	w, _, _, entry := setup(t)
	ctx := context.Background()
	a, err := w.Open(ctx, entry.ID, "u2", "one")
	require.NoError(t, err)
	_, err = w.Open(ctx, entry.ID, "u3", "two")
	require.NoError(t, err)
	_, err = w.Resolve(ctx, a.ID, "mod", models.DisputeResolved, nil)
	require.NoError(t, err)

	open := models.DisputeOpen
	list, err := w.List(ctx, &open, models.Page{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "two", list[0].Reason)

	bogus := models.DisputeStatus("pending")
	_, err = w.List(ctx, &bogus, models.Page{})
	assert.ErrorIs(t, err, errs.InvalidInput)
}
