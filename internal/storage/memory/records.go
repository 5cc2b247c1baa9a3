package memory

import (
	"context"
	"time"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

func (m *MemoryStore) AppendVerification(ctx context.Context, v models.Verification) (models.Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextVerifID++
	v.ID = m.nextVerifID
	v.CreatedAt = m.clock.Now().UTC()
	m.verifs = append(m.verifs, v)
	return v, nil
}

func (m *MemoryStore) MaxVerificationLevel(ctx context.Context, userID string, source models.VerificationSource) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	level := 0
	for _, v := range m.verifs {
		if v.UserID == userID && v.Source == source && v.Level > level {
			level = v.Level
		}
	}
	return level, nil
}

func (m *MemoryStore) AppendTrustSnapshot(ctx context.Context, s models.TrustSnapshot) (models.TrustSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSnapID++
	s.ID = m.nextSnapID
	s.ComputedAt = m.clock.Now().UTC()
	m.snapshots = append(m.snapshots, s)
	return s, nil
}

func (m *MemoryStore) LatestTrustSnapshot(ctx context.Context, userID string, domain *string) (models.TrustSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.snapshots) - 1; i >= 0; i-- {
		s := m.snapshots[i]
		if s.UserID == userID && sameDomain(s.Domain, domain) {
			return s, nil
		}
	}
	return models.TrustSnapshot{}, errs.E(errs.NotFound, "no trust snapshot for %s", userID)
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d models.Dispute) (models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[d.LedgerEntryID]; !ok {
		return models.Dispute{}, errs.E(errs.NotFound, "ledger entry %d not found", d.LedgerEntryID)
	}
	d.ID = int64(len(m.disputes) + 1)
	d.Status = models.DisputeOpen
	d.CreatedAt = m.clock.Now().UTC()
	m.disputes = append(m.disputes, d)
	return d, nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id int64) (models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 1 || id > int64(len(m.disputes)) {
		return models.Dispute{}, errs.E(errs.NotFound, "dispute %d not found", id)
	}
	return m.disputes[id-1], nil
}

func (m *MemoryStore) ListDisputes(ctx context.Context, status *models.DisputeStatus, page models.Page) ([]models.Dispute, error) {
	page = page.Clamp()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Dispute
	skipped := 0
	for i := len(m.disputes) - 1; i >= 0 && len(out) < page.Limit; i-- {
		d := m.disputes[i]
		if status != nil && d.Status != *status {
			continue
		}
		if skipped < page.Offset {
			skipped++
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MemoryStore) ResolveDispute(ctx context.Context, id int64, status models.DisputeStatus, resolvedBy string, note *string, at time.Time) (models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 1 || id > int64(len(m.disputes)) {
		return models.Dispute{}, errs.E(errs.NotFound, "dispute %d not found", id)
	}
	d := &m.disputes[id-1]
	if d.Status != models.DisputeOpen {
		return models.Dispute{}, errs.E(errs.InvalidTransition, "dispute %d is already %s", id, d.Status)
	}
	by := resolvedBy
	when := at.UTC()
	d.Status = status
	d.ResolvedBy = &by
	d.ResolutionNote = note
	d.ResolvedAt = &when
	return *d, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (models.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st models.Stats
	users := make(map[string]bool)
	for _, e := range m.entries {
		users[e.UserID] = true
		if e.Points > 0 {
			st.KarmaPositiveSum += e.Points
		} else {
			st.KarmaNegativeSum += e.Points
		}
	}
	verified := make(map[string]bool)
	for _, v := range m.verifs {
		if v.Level > 0 {
			verified[v.UserID] = true
		}
	}
	for _, d := range m.disputes {
		if d.Status == models.DisputeOpen {
			st.DisputesOpen++
		}
	}
	st.TotalUsers = len(users)
	st.VerifiedUsers = len(verified)
	st.LedgerEntries = len(m.entries)
	return st, nil
}

func sameDomain(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
