package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/qualys/dspm/internal/compliance"
	"github.com/qualys/dspm/internal/models"
	"github.com/qualys/dspm/internal/reports"
)

// ReportStore is the persistence surface the Report Agent needs beyond the
// generic stage result store: one durable PutReport call, returning an
// opaque locator for the stored blob.
type ReportStore interface {
	ResultStore
	PutReport(ctx context.Context, correlationID string, report interface{}) (string, error)
}

var allAgents = []string{"S1_SCAN", "S2_AI_ENHANCE", "S3_COMPLIANCE", "S4_FIX_SUGGEST", "S5_REPORT"}

// NewReportStage builds the Report Agent (S5): assembles the final Report
// from the Fix-Suggest output and the Compliance score, then persists it.
// Cross-stage fields the stage itself cannot see (bedrock_enhanced,
// degraded_reasons) are patched in by the Orchestrator after this stage runs.
func NewReportStage(logger *slog.Logger, store ReportStore, metrics MetricsSink, filesScanned func() int) Stage {
	return &baseStage{
		id:       "S5_REPORT",
		logger:   logger,
		store:    store,
		metrics:  metrics,
		validate: validatePrevious[FixSuggestOutput]("S5_REPORT"),
		compute: func(ctx context.Context, in StageInput) (interface{}, models.AIUsage, []models.StageError) {
			fix, _ := in.Previous.(FixSuggestOutput)

			report := buildReport(in.CorrelationID, fix, filesScanned())

			var stageErrs []models.StageError
			locator, err := store.PutReport(ctx, in.CorrelationID, report)
			if err != nil {
				stageErrs = append(stageErrs, models.StageError{
					Category: models.ErrCatIOTransient,
					Message:  "failed to persist final report",
					Detail:   err.Error(),
				})
			}
			report.Locator = locator

			return report, models.AIUsage{}, stageErrs
		},
	}
}

func buildReport(correlationID string, fix FixSuggestOutput, filesScanned int) reports.Report {
	totalViolations := 0
	highSeverity := 0
	aiEnhanced := false
	for _, f := range fix.Findings {
		if f.AIEnhanced {
			aiEnhanced = true
		}
		if f.Suppressed || f.IsPositive {
			continue
		}
		totalViolations++
		if f.Severity == models.SeverityCritical || f.Severity == models.SeverityHigh {
			highSeverity++
		}
	}

	return reports.Report{
		Metadata: reports.Metadata{
			GeneratedAt:     time.Now(),
			CorrelationID:   correlationID,
			TotalViolations: totalViolations,
			AgentsUsed:      allAgents,
			AIEnhanced:      aiEnhanced,
		},
		ExecutiveSummary: reports.ExecutiveSummary{
			Status:            fix.Score.Status,
			Message:           summaryMessage(fix.Score.Status, totalViolations),
			ComplianceScore:   fix.Score.Score,
			RiskLevel:         fix.Score.RiskAssessment.BusinessRisk,
			TotalViolations:   totalViolations,
			HighSeverityCount: highSeverity,
		},
		DetailedFindings:   fix.Findings,
		ComplianceAnalysis: fix.Score,
		FixRecommendations: fix.Suggestions,
		RiskAssessment:     fix.Score.RiskAssessment,
		ActionItems:        actionItems(fix.Score, totalViolations),
		BedrockEnhanced:    aiEnhanced,
		FilesScanned:       filesScanned,
	}
}

func summaryMessage(status models.Status, totalViolations int) string {
	switch status {
	case models.StatusCompliant:
		return "No significant privacy or compliance issues found."
	case models.StatusNeedsImprovement:
		return "Some privacy or compliance issues require attention."
	default:
		if totalViolations == 0 {
			return "Scan completed."
		}
		return "Significant privacy or compliance issues require remediation."
	}
}

// actionItems derives a fixed set of next steps from the compliance result
// using a small rule table rather than free-form AI text.
func actionItems(score compliance.Result, totalViolations int) []string {
	var items []string
	if totalViolations > 0 {
		items = append(items, "Implement suggested fixes for all violations")
	}
	if score.SeverityCounts[models.SeverityCritical] > 0 {
		items = append(items, "Escalate critical findings for immediate remediation")
	}
	if score.Status == models.StatusNonCompliant {
		items = append(items, "Schedule a follow-up scan after remediation to confirm compliance")
	}
	if len(score.Recommendations) > 0 {
		items = append(items, score.Recommendations[0])
	}
	return items
}
