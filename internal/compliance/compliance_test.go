package compliance

import (
	"testing"

	"github.com/qualys/dspm/internal/models"
)

func finding(category models.Category, severity models.Severity, ruleID string) models.Finding {
	return models.Finding{
		FindingID: models.FindingID("f.go", 1, ruleID, "x"),
		FilePath:  "f.go",
		Line:      1,
		RuleID:    ruleID,
		Category:  category,
		Severity:  severity,
	}
}

// Property 6: score is always in [0, 100] and equals 100 iff there are no
// deducting (non-suppressed, non-positive) findings.
func TestScore_ZeroFindingsScoresOneHundred(t *testing.T) {
	res := NewScorer().Score(nil)
	if res.Score != 100 {
		t.Fatalf("expected score 100 for an empty finding set, got %d", res.Score)
	}
	if res.Status != models.StatusCompliant {
		t.Fatalf("expected COMPLIANT status, got %s", res.Status)
	}
}

func TestScore_OnlySuppressedOrPositiveFindingsScoresOneHundred(t *testing.T) {
	f1 := finding(models.CategoryPII, models.SeverityCritical, "R1")
	f1.Suppressed = true
	f2 := finding(models.CategoryDataflow, models.SeverityHigh, "R6")
	f2.IsPositive = true

	res := NewScorer().Score([]models.Finding{f1, f2})
	if res.Score != 100 {
		t.Fatalf("expected score 100 when every finding is suppressed or positive, got %d", res.Score)
	}
	if res.PositiveFindings != 1 {
		t.Fatalf("expected 1 positive finding counted, got %d", res.PositiveFindings)
	}
}

// A positive finding must not inflate the score's denominator: one CRITICAL
// violation alone scores 0 (10/10 deducted), and adding a positive finding
// alongside it must not change that.
func TestScore_PositiveFindingDoesNotDiluteDenominator(t *testing.T) {
	critical := finding(models.CategoryPII, models.SeverityCritical, "R2")

	baseline := NewScorer().Score([]models.Finding{critical})

	positive := finding(models.CategoryConsent, models.SeverityLow, "R4")
	positive.FindingID = models.FindingID("f.go", 2, "R4", "y")
	positive.Line = 2
	positive.IsPositive = true

	mixed := NewScorer().Score([]models.Finding{critical, positive})
	if mixed.Score != baseline.Score {
		t.Fatalf("expected the positive finding to leave the score at %d, got %d", baseline.Score, mixed.Score)
	}
	if mixed.Score != 0 {
		t.Fatalf("expected one critical finding alone to score 0, got %d", mixed.Score)
	}
	if mixed.PositiveFindings != 1 {
		t.Fatalf("expected 1 positive finding counted, got %d", mixed.PositiveFindings)
	}
}

func TestScore_IsBoundedBetweenZeroAndOneHundred(t *testing.T) {
	var findings []models.Finding
	for i := 0; i < 50; i++ {
		f := finding(models.CategoryPII, models.SeverityCritical, "R1")
		f.FindingID = models.FindingID("f.go", i, "R1", "x")
		f.Line = i
		findings = append(findings, f)
	}
	res := NewScorer().Score(findings)
	if res.Score < 0 || res.Score > 100 {
		t.Fatalf("expected score within [0, 100], got %d", res.Score)
	}
	if res.Status != models.StatusNonCompliant {
		t.Fatalf("expected NON_COMPLIANT under heavy critical weight, got %s", res.Status)
	}
}

// Status threshold boundaries: 90/89 and 60/59.
func TestStatusForScore_Boundaries(t *testing.T) {
	cases := map[int]models.Status{
		100: models.StatusCompliant,
		90:  models.StatusCompliant,
		89:  models.StatusNeedsImprovement,
		60:  models.StatusNeedsImprovement,
		59:  models.StatusNonCompliant,
		0:   models.StatusNonCompliant,
	}
	for score, want := range cases {
		if got := models.StatusForScore(score); got != want {
			t.Errorf("StatusForScore(%d) = %s, want %s", score, got, want)
		}
	}
}

func TestScore_RiskAssessmentFollowsHighestSeverityPresent(t *testing.T) {
	findings := []models.Finding{
		finding(models.CategoryPII, models.SeverityLow, "R1"),
		finding(models.CategorySecurity, models.SeverityCritical, "R5"),
		finding(models.CategoryConsent, models.SeverityMedium, "R4"),
	}
	res := NewScorer().Score(findings)
	if res.RiskAssessment != riskTable[models.SeverityCritical] {
		t.Fatalf("expected risk assessment keyed on the highest severity present (CRITICAL), got %+v", res.RiskAssessment)
	}
}

func TestScore_NoRiskWhenNothingDeducts(t *testing.T) {
	res := NewScorer().Score(nil)
	if res.RiskAssessment != noRisk {
		t.Fatalf("expected the NONE risk tier for an empty finding set, got %+v", res.RiskAssessment)
	}
}

func TestScore_RegulationGroupingDedupsAcrossRuleAndExplicitRefs(t *testing.T) {
	f := finding(models.CategoryPII, models.SeverityHigh, "R1")
	f.RegulationRefs = []models.RegulationRef{{Regulation: "GDPR_ART4"}}
	res := NewScorer().Score([]models.Finding{f})

	if res.ViolationsByRegulation["GDPR_ART4"] != 1 {
		t.Fatalf("expected exactly 1 count for GDPR_ART4 despite it appearing via both the rule map and an explicit ref, got %d", res.ViolationsByRegulation["GDPR_ART4"])
	}
}

func TestScore_RegulationGroupingFallsBackToCategoryWhenNoMapping(t *testing.T) {
	f := finding(models.CategoryPII, models.SeverityHigh, "R_UNKNOWN")
	res := NewScorer().Score([]models.Finding{f})
	if res.ViolationsByRegulation[string(models.CategoryPII)] != 1 {
		t.Fatalf("expected fallback grouping by category for an unmapped rule id, got %+v", res.ViolationsByRegulation)
	}
}

// Recommendations sort by priority (CRITICAL first) and dedupe identical text.
func TestScore_RecommendationsSortedByPriorityAndDeduped(t *testing.T) {
	findings := []models.Finding{
		finding(models.CategoryPII, models.SeverityLow, "R1"),
		finding(models.CategoryPII, models.SeverityCritical, "R1"),
		finding(models.CategoryPII, models.SeverityCritical, "R1"),
	}
	res := NewScorer().Score(findings)
	if len(res.Recommendations) != 1 {
		t.Fatalf("expected identical recommendation text to be deduped to 1 entry, got %d: %v", len(res.Recommendations), res.Recommendations)
	}

	mixed := []models.Finding{
		finding(models.CategoryDataflow, models.SeverityLow, "R6"),
		finding(models.CategorySecurity, models.SeverityCritical, "R5"),
	}
	res2 := NewScorer().Score(mixed)
	if len(res2.Recommendations) != 2 {
		t.Fatalf("expected 2 distinct recommendations, got %d", len(res2.Recommendations))
	}
	if res2.Recommendations[0] != recommendationFor(mixed[1]).text {
		t.Fatalf("expected the CRITICAL-severity recommendation first, got %q", res2.Recommendations[0])
	}
}

func TestScore_SeverityAndCategoryCounts(t *testing.T) {
	findings := []models.Finding{
		finding(models.CategoryPII, models.SeverityHigh, "R1"),
		finding(models.CategoryPII, models.SeverityHigh, "R2"),
		finding(models.CategorySecurity, models.SeverityCritical, "R5"),
	}
	res := NewScorer().Score(findings)
	if res.SeverityCounts[models.SeverityHigh] != 2 {
		t.Fatalf("expected 2 HIGH findings counted, got %d", res.SeverityCounts[models.SeverityHigh])
	}
	if res.CategoryCounts[models.CategoryPII] != 2 {
		t.Fatalf("expected 2 PII findings counted, got %d", res.CategoryCounts[models.CategoryPII])
	}
	if res.TotalDeductions != models.SeverityWeight(models.SeverityHigh)*2+models.SeverityWeight(models.SeverityCritical) {
		t.Fatalf("unexpected total deductions: %d", res.TotalDeductions)
	}
}
