package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/karma-ledger/internal/aggregate"
	"github.com/sheikh-saqib/karma-ledger/internal/disputes"
	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/ledger"
	"github.com/sheikh-saqib/karma-ledger/internal/logging"
	"github.com/sheikh-saqib/karma-ledger/internal/metrics"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
	"github.com/sheikh-saqib/karma-ledger/internal/policy"
	"github.com/sheikh-saqib/karma-ledger/internal/storage/memory"
	"github.com/sheikh-saqib/karma-ledger/internal/verification"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func intPtr(n int) *int { return &n }

type testServer struct {
	handler http.Handler
	store   *memory.MemoryStore
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	store := memory.NewMemoryStore()
	policies := policy.Default()
	actions := ledger.ActionCatalog{
		"code": {
			"commit": {Points: 5, MaxPerDay: intPtr(2)},
			"review": {Points: 3, RequiresEvidence: true},
		},
	}
	logger := logging.Discard()
	agg := aggregate.New(store, policies)

	svc := Services{
		Ledger:        ledger.NewLedger(store, policies, actions, ledger.WithLogger(logger)),
		Scores:        agg,
		Rankings:      agg,
		Verifications: verification.NewService(store, nil, logger),
		Disputes:      disputes.New(store, store, disputes.WithLogger(logger)),
	}
	srv := New(svc, append([]Option{WithLogger(logger)}, opts...)...)
	return &testServer{handler: srv.Handler(), store: store}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAwardAndReadBack(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/karma/award", "alice", gin.H{"domain": "code", "action": "commit"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	entry := decode[models.LedgerEntry](t, w)
	assert.Equal(t, "alice", entry.UserID)
	assert.Equal(t, int64(5), entry.Points)

	w = ts.do(t, http.MethodGet, "/balances/alice?domain=code", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	bal := decode[balanceResponse](t, w)
	assert.Equal(t, int64(5), bal.Balance)
	require.NotNil(t, bal.Domain)
	assert.Equal(t, "code", *bal.Domain)

	w = ts.do(t, http.MethodGet, "/trust/alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tr := decode[aggregate.TrustResult](t, w)
	assert.Equal(t, int64(5), tr.Balance)
	assert.InDelta(t, 0.5, tr.Trust, 1e-9)

	w = ts.do(t, http.MethodGet, "/ledger/alice?limit=10", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hp := decode[ledger.HistoryPage](t, w)
	assert.Equal(t, 1, hp.Total)
	assert.Len(t, hp.Items, 1)
}

func TestAwardRequiresIdentity(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/karma/award", "", gin.H{"domain": "code", "action": "commit"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode[errorResponse](t, w).Error)
}

func TestAwardIdempotencyKeyReplays(t *testing.T) {
	ts := newTestServer(t)
	body := gin.H{"domain": "code", "action": "commit"}

	first := ts.do(t, http.MethodPost, "/karma/award", "alice", body, HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := ts.do(t, http.MethodPost, "/karma/award", "alice", body, HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, decode[models.LedgerEntry](t, first).ID, decode[models.LedgerEntry](t, second).ID)
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	award := func(body gin.H) int {
		return ts.do(t, http.MethodPost, "/karma/award", "bob", body).Code
	}

	assert.Equal(t, http.StatusBadRequest, award(gin.H{"domain": "code"}))
	assert.Equal(t, http.StatusUnprocessableEntity, award(gin.H{"domain": "code", "action": "deploy"}))
	assert.Equal(t, http.StatusUnprocessableEntity, award(gin.H{"domain": "code", "action": "review"}))

	assert.Equal(t, http.StatusCreated, award(gin.H{"domain": "code", "action": "commit"}))
	assert.Equal(t, http.StatusCreated, award(gin.H{"domain": "code", "action": "commit"}))
	assert.Equal(t, http.StatusTooManyRequests, award(gin.H{"domain": "code", "action": "commit"}))
}

func TestReverseOwnership(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/karma/award", "alice", gin.H{"domain": "code", "action": "commit"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[models.LedgerEntry](t, w).ID

	w = ts.do(t, http.MethodPost, "/karma/reverse", "mallory", gin.H{"entry_id": id})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/karma/reverse", "alice", gin.H{"entry_id": id})
	require.Equal(t, http.StatusCreated, w.Code)
	rev := decode[models.LedgerEntry](t, w)
	assert.Equal(t, int64(-5), rev.Points)

	w = ts.do(t, http.MethodPost, "/karma/reverse", "alice", gin.H{"entry_id": id})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/karma/reverse", "alice", gin.H{"entry_id": 999})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFlagEvidence(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/karma/award", "alice", gin.H{"domain": "code", "action": "review", "evidence_ref": "https://example.com/pr/1"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[models.LedgerEntry](t, w).ID

	w = ts.do(t, http.MethodPost, "/karma/flag", "moderator", gin.H{"entry_id": id, "status": "red"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, models.EvidenceRed, decode[models.FlagEvent](t, w).Status)

	w = ts.do(t, http.MethodPost, "/karma/flag", "moderator", gin.H{"entry_id": id, "status": "purple"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/ledger/alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hp := decode[ledger.HistoryPage](t, w)
	require.Len(t, hp.Items, 1)
	assert.Equal(t, models.EvidenceRed, hp.Items[0].EvidenceStatus)

	w = ts.do(t, http.MethodGet, fmt.Sprintf("/entries/%d", id), "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[ledger.EntryView](t, w)
	assert.Equal(t, id, view.ID)
	assert.Equal(t, models.EvidenceRed, view.EvidenceStatus)
	require.NotNil(t, view.Flag)
	assert.Equal(t, models.EvidenceRed, view.Flag.Status)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/entries/999", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/entries/abc", "", nil).Code)
}

func TestLeaderboard(t *testing.T) {
	ts := newTestServer(t)
	for _, user := range []string{"alice", "bob", "bob"} {
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/karma/award", user, gin.H{"domain": "code", "action": "commit"}).Code)
	}

	w := ts.do(t, http.MethodGet, "/leaderboard?domain=code&limit=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[leaderboardResponse](t, w)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "bob", resp.Items[0].UserID)
	assert.Equal(t, int64(10), resp.Items[0].Points)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/leaderboard?mode=chaos", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/leaderboard?since_days=-1", "", nil).Code)
}

func TestExportCSV(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/karma/award", "alice", gin.H{"domain": "code", "action": "commit"})
	ts.do(t, http.MethodPost, "/karma/award", "bob", gin.H{"domain": "code", "action": "commit"})

	w := ts.do(t, http.MethodGet, "/ledger/export?format=csv&user_id=alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	rows, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/ledger/export?format=xml", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/ledger/export?since=yesterday", "", nil).Code)
}

func TestVerificationRaisesTrust(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/verification", "admin", gin.H{"user_id": "carol", "source": "external", "level": 2})
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodGet, "/trust/carol", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tr := decode[aggregate.TrustResult](t, w)
	assert.Equal(t, 2, tr.VerificationLevel)
	assert.InDelta(t, 1.0, tr.Trust, 1e-9)

	w = ts.do(t, http.MethodPost, "/verification", "admin", gin.H{"user_id": "carol", "source": "psychic", "level": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDisputeLifecycle(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/karma/award", "alice", gin.H{"domain": "code", "action": "commit"})
	entryID := decode[models.LedgerEntry](t, w).ID

	w = ts.do(t, http.MethodPost, "/disputes", "bob", gin.H{"entry_id": entryID, "reason": "not a real commit"})
	require.Equal(t, http.StatusCreated, w.Code)
	d := decode[models.Dispute](t, w)
	assert.Equal(t, models.DisputeOpen, d.Status)
	assert.Equal(t, "bob", d.OpenedBy)

	path := fmt.Sprintf("/disputes/%d", d.ID)
	w = ts.do(t, http.MethodPost, path+"/resolve", "mod", gin.H{"resolution": "rejected", "note": "commit is fine"})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, path+"/resolve", "mod", gin.H{"resolution": "resolved"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.Dispute](t, w)
	assert.Equal(t, models.DisputeRejected, got.Status)
	require.NotNil(t, got.ResolvedBy)
	assert.Equal(t, "mod", *got.ResolvedBy)

	w = ts.do(t, http.MethodGet, "/disputes?status=rejected", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[struct{ Items []models.Dispute }](t, w).Items, 1)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/disputes/404", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/disputes/abc", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/disputes", "bob", gin.H{"entry_id": 999, "reason": "x"}).Code)
}

func TestStatsAndHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/karma/award", "alice", gin.H{"domain": "code", "action": "commit"})

	w := ts.do(t, http.MethodGet, "/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[models.Stats](t, w)
	assert.Equal(t, 1, st.TotalUsers)
	assert.Equal(t, int64(5), st.KarmaPositiveSum)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestRateLimitPerClient(t *testing.T) {
	ts := newTestServer(t, WithRateLimit(0.001, 2))

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/stats", "alice", nil).Code)
	}
	w := ts.do(t, http.MethodGet, "/stats", "alice", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode[errorResponse](t, w).Error)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/stats", "bob", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "alice", nil).Code)
}

func TestClientLimiterForgetsIdleClients(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newClientLimiter(1, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))

	now = now.Add(2 * limiterIdle)
	assert.True(t, l.allow("b"))
	l.mu.Lock()
	_, kept := l.clients["a"]
	l.mu.Unlock()
	assert.False(t, kept)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	ts := newTestServer(t, WithGatherer(reg), WithMetrics(metrics.New(reg)))
	ts.do(t, http.MethodGet, "/stats", "", nil)

	w := ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "route=\"/stats\"")
}

func TestHeaderIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := HeaderIdentity{}.Resolve(req)
	assert.Error(t, err)

	req.Header.Set("X-Forwarded-User", " dana ")
	id, err := HeaderIdentity{Header: "X-Forwarded-User"}.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "dana", id)

	req.Header.Set("X-Forwarded-User", strings.Repeat("d", 129))
	_, err = HeaderIdentity{Header: "X-Forwarded-User"}.Resolve(req)
	assert.ErrorIs(t, err, errs.InvalidInput)
}

func TestOversizedFieldsAreRejected(t *testing.T) {
	ts := newTestServer(t)
	long := func(n int) string { return strings.Repeat("x", n) }

	cases := []struct {
		name    string
		user    string
		path    string
		body    gin.H
		headers []string
	}{
		{"caller id", long(129), "/karma/award", gin.H{"domain": "code", "action": "commit"}, nil},
		{"domain", "alice", "/karma/award", gin.H{"domain": long(65), "action": "commit"}, nil},
		{"action", "alice", "/karma/award", gin.H{"domain": "code", "action": long(129)}, nil},
		{"evidence ref", "alice", "/karma/award", gin.H{"domain": "code", "action": "review", "evidence_ref": long(513)}, nil},
		{"idempotency key", "alice", "/karma/award", gin.H{"domain": "code", "action": "commit"}, []string{HeaderIdempotencyKey, long(129)}},
		{"verified user", "alice", "/verification", gin.H{"user_id": long(129), "source": "external", "level": 1}, nil},
		{"dispute reason", "alice", "/disputes", gin.H{"entry_id": 1, "reason": long(513)}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, tc.path, tc.user, tc.body, tc.headers...)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	n, err := ts.store.CountEntries(context.Background(), models.EntryFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)

	// limits are inclusive
	w := ts.do(t, http.MethodPost, "/karma/award", long(128), gin.H{"domain": "code", "action": "commit"}, HeaderIdempotencyKey, long(128))
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}
