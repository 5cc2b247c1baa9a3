package policy

import (
	"strings"

	"github.com/sheikh-saqib/karma-ledger/internal/models"
)

// HeuristicEvidence marks missing or blank evidence yellow and references
// carrying the flag prefix red. Everything else is green.
type HeuristicEvidence struct {
	FlagPrefix string `yaml:"flag_prefix" validate:"required"`
}

func (h HeuristicEvidence) Validate(ref *string) models.EvidenceStatus {
	if ref == nil || strings.TrimSpace(*ref) == "" {
		return models.EvidenceYellow
	}
	prefix := h.FlagPrefix
	if prefix == "" {
		prefix = "flag:"
	}
	if strings.HasPrefix(*ref, prefix) {
		return models.EvidenceRed
	}
	return models.EvidenceGreen
}

// AcceptAllEvidence treats every reference as green.
type AcceptAllEvidence struct{}

func (AcceptAllEvidence) Validate(*string) models.EvidenceStatus { return models.EvidenceGreen }
