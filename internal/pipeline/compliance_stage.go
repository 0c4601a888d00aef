package pipeline

import (
	"context"
	"log/slog"

	"github.com/qualys/dspm/internal/compliance"
	"github.com/qualys/dspm/internal/models"
)

// ComplianceOutput is S3's output: the finding set unchanged plus the
// severity-weighted score and status derived from it.
type ComplianceOutput struct {
	Findings []models.Finding  `json:"findings"`
	Score    compliance.Result `json:"score"`
}

// NewComplianceStage builds the Compliance Agent (S3).
func NewComplianceStage(logger *slog.Logger, store ResultStore, metrics MetricsSink) Stage {
	scorer := compliance.NewScorer()
	return &baseStage{
		id:       "S3_COMPLIANCE",
		logger:   logger,
		store:    store,
		metrics:  metrics,
		validate: validatePrevious[EnhanceOutput]("S3_COMPLIANCE"),
		compute: func(ctx context.Context, in StageInput) (interface{}, models.AIUsage, []models.StageError) {
			prior, _ := in.Previous.(EnhanceOutput)
			result := scorer.Score(prior.Findings)
			return ComplianceOutput{Findings: prior.Findings, Score: result}, models.AIUsage{}, nil
		},
	}
}
