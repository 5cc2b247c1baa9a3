// Package verification records verification signals for users.
package verification

import (
	"context"
	"log/slog"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

// Service appends verification signals. The effective level is never stored;
// the aggregator derives it from the per-source maxima.
type Service struct {
	store       interfaces.VerificationStore
	invalidator interfaces.CacheInvalidator
	logger      *slog.Logger
}

func NewService(store interfaces.VerificationStore, invalidator interfaces.CacheInvalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, invalidator: invalidator, logger: logger}
}

// Record appends one signal and drops the user's cross-domain trust entry.
// Domain-scoped trust entries expire with their TTL.
func (s *Service) Record(ctx context.Context, userID string, source models.VerificationSource, level int) (models.Verification, error) {
	if userID == "" {
		return models.Verification{}, errs.E(errs.InvalidInput, "user_id is required")
	}
	if !source.Valid() {
		return models.Verification{}, errs.E(errs.InvalidInput, "invalid verification source %q", source)
	}
	if level < 0 {
		return models.Verification{}, errs.E(errs.InvalidInput, "level must be >= 0, got %d", level)
	}

	v, err := s.store.AppendVerification(ctx, models.Verification{UserID: userID, Source: source, Level: level})
	if err != nil {
		return models.Verification{}, err
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, userID, nil)
	}
	s.logger.Info("verification recorded", "user_id", userID, "source", source, "level", level)
	return v, nil
}
