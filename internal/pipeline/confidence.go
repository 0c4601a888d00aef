package pipeline

import (
	"math"

	"github.com/qualys/dspm/internal/models"
)

// fallbackConfidence estimates a Finding's AI confidence when the AI
// collaborator is disabled or unreachable, so every finding still carries a
// deterministic confidence value.
// The weighting mirrors a pattern/context/frequency blend: severity stands
// in for pattern specificity, having regulation refs stands in for context
// relevance, and same-rule repetition in the same file stands in for
// frequency.
type fallbackConfidence struct {
	severityWeight   float64
	regulationWeight float64
	frequencyWeight  float64
}

func newFallbackConfidence() fallbackConfidence {
	return fallbackConfidence{
		severityWeight:   0.5,
		regulationWeight: 0.3,
		frequencyWeight:  0.2,
	}
}

func (c fallbackConfidence) estimate(f models.Finding, sameRuleSameFileCount int) float64 {
	severityScore := 0.4
	switch f.Severity {
	case models.SeverityCritical:
		severityScore = 1.0
	case models.SeverityHigh:
		severityScore = 0.8
	case models.SeverityMedium:
		severityScore = 0.55
	case models.SeverityLow:
		severityScore = 0.35
	}

	regulationScore := 0.4
	if len(f.RegulationRefs) > 0 {
		regulationScore = math.Min(0.5+float64(len(f.RegulationRefs))*0.15, 1.0)
	}

	frequencyScore := 0.5
	if sameRuleSameFileCount > 1 {
		frequencyScore = math.Min(0.5+float64(sameRuleSameFileCount)*0.1, 1.0)
	}

	combined := severityScore*c.severityWeight +
		regulationScore*c.regulationWeight +
		frequencyScore*c.frequencyWeight

	return math.Min(combined, 1.0)
}
