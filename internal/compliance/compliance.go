// Package compliance implements the severity-weighted scoring, regulation
// grouping, and risk assessment the Compliance Agent (S3) turns a finding set
// into (spec §4.7 S3, §9).
package compliance

import (
	"sort"

	"github.com/qualys/dspm/internal/models"
)

// Scorer computes the compliance score for a set of findings.
type Scorer struct{}

func NewScorer() *Scorer {
	return &Scorer{}
}

// RiskAssessment is the fixed-table risk rollup keyed on the highest
// severity present among non-suppressed, non-positive findings.
type RiskAssessment struct {
	BusinessRisk    string `json:"business_risk"`
	LegalRisk       string `json:"legal_risk"`
	ReputationRisk  string `json:"reputation_risk"`
	FinancialImpact string `json:"financial_impact"`
}

// riskTable is the fixed look-up keyed on highest severity present,
// grounded on the teacher's encryption-compliance risk-tier table.
var riskTable = map[models.Severity]RiskAssessment{
	models.SeverityCritical: {BusinessRisk: "CRITICAL", LegalRisk: "CRITICAL", ReputationRisk: "HIGH", FinancialImpact: "SEVERE"},
	models.SeverityHigh:     {BusinessRisk: "HIGH", LegalRisk: "HIGH", ReputationRisk: "MEDIUM", FinancialImpact: "SIGNIFICANT"},
	models.SeverityMedium:   {BusinessRisk: "MEDIUM", LegalRisk: "MEDIUM", ReputationRisk: "LOW", FinancialImpact: "MODERATE"},
	models.SeverityLow:      {BusinessRisk: "LOW", LegalRisk: "LOW", ReputationRisk: "LOW", FinancialImpact: "MINIMAL"},
}

var noRisk = RiskAssessment{BusinessRisk: "NONE", LegalRisk: "NONE", ReputationRisk: "NONE", FinancialImpact: "NONE"}

// ruleRegulationMap is the hardcoded rule_id+category grouping key, merged
// with whatever regulation_refs a Finding already carries.
var ruleRegulationMap = map[string]string{
	"R1":            "GDPR_ART4",
	"R2":            "PCI_DSS_CCPA",
	"R3":            "GDPR_ART12",
	"R4":            "GDPR_ART7",
	"R5":            "GDPR_ART32",
	"R6":            "GDPR_ART30",
	"R7":            "GDPR_ART25",
	"R8":            "SECTOR_SPECIFIC",
	"R9":            "INTERNAL_GUIDANCE",
	"R10":           "AI_DISCOVERED",
	"AI_DISCOVERED": "AI_DISCOVERED",
}

// Result is S3's output: the severity-weighted score and derived status, the
// regulation-grouped violation counts, the risk rollup, and priority-sorted
// recommendations.
type Result struct {
	Score                  int                     `json:"score"`
	Status                 models.Status           `json:"status"`
	CategoryCounts         map[models.Category]int `json:"category_counts"`
	SeverityCounts         map[models.Severity]int `json:"severity_counts"`
	TotalDeductions        int                     `json:"total_deductions"`
	PositiveFindings       int                     `json:"positive_findings"`
	ViolationsByRegulation map[string]int          `json:"violations_by_regulation"`
	RiskAssessment         RiskAssessment          `json:"risk_assessment"`
	Recommendations        []string                `json:"recommendations"`
}

// recommendation is a candidate recommendation with the priority rank used
// to sort the final list (lower runs first).
type recommendation struct {
	text     string
	priority int
}

// Score applies the fixed weight table (CRITICAL 10, HIGH 5, MEDIUM 2, LOW 1)
// to every non-suppressed, non-positive finding. The score is
// round(100 - sum(weight)/max_possible*100) where max_possible is
// total_findings*10; a finding set of zero findings scores 100.
func (s *Scorer) Score(findings []models.Finding) Result {
	res := Result{
		CategoryCounts:         map[models.Category]int{},
		SeverityCounts:         map[models.Severity]int{},
		ViolationsByRegulation: map[string]int{},
	}

	totalFindings := 0
	deductions := 0
	var highestSeverity models.Severity
	var recs []recommendation

	for _, f := range findings {
		if f.Suppressed {
			continue
		}
		res.CategoryCounts[f.Category]++

		for _, reg := range regulationsFor(f) {
			res.ViolationsByRegulation[reg]++
		}

		// Positive findings are carried for bookkeeping but never counted:
		// they contribute neither deductions nor to the score's denominator.
		if f.IsPositive {
			res.PositiveFindings++
			continue
		}

		totalFindings++
		res.SeverityCounts[f.Severity]++
		deductions += models.SeverityWeight(f.Severity)
		if highestSeverity == "" || models.SeverityAtLeast(f.Severity, highestSeverity) {
			highestSeverity = f.Severity
		}
		recs = append(recs, recommendationFor(f))
	}

	res.TotalDeductions = deductions

	if totalFindings == 0 {
		res.Score = 100
	} else {
		maxPossible := totalFindings * 10
		res.Score = int(100 - float64(deductions)/float64(maxPossible)*100 + 0.5)
		if res.Score < 0 {
			res.Score = 0
		}
	}
	res.Status = models.StatusForScore(res.Score)

	if highestSeverity != "" {
		res.RiskAssessment = riskTable[highestSeverity]
	} else {
		res.RiskAssessment = noRisk
	}

	res.Recommendations = sortedRecommendations(recs)
	return res
}

// regulationsFor merges a Finding's own regulation_refs with the hardcoded
// rule_id grouping key, deduplicating.
func regulationsFor(f models.Finding) []string {
	seen := map[string]bool{}
	var out []string
	if key, ok := ruleRegulationMap[f.RuleID]; ok {
		seen[key] = true
		out = append(out, key)
	}
	for _, ref := range f.RegulationRefs {
		key := ref.Regulation
		if ref.Article != "" {
			key = key + "_" + ref.Article
		}
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	if len(out) == 0 {
		out = append(out, string(f.Category))
	}
	return out
}

// recommendationFor maps one deducting finding to a priority-ranked
// recommendation text; priority 0 runs first.
func recommendationFor(f models.Finding) recommendation {
	priority := map[models.Severity]int{
		models.SeverityCritical: 0,
		models.SeverityHigh:     1,
		models.SeverityMedium:   2,
		models.SeverityLow:      3,
	}[f.Severity]

	text := "Review and remediate " + string(f.Category) + " findings of severity " + string(f.Severity) + "."
	switch f.Category {
	case models.CategoryPII:
		text = "Remove hardcoded PII from source and replace with configuration or test fixtures."
	case models.CategorySecurity:
		text = "Encrypt sensitive fields at rest and in transit; relocate credentials out of source."
	case models.CategoryConsent:
		text = "Gate the affected operation on an explicit consent check before it runs."
	case models.CategoryDataflow:
		text = "Classify and minimize the personal data fields flowing through the affected path."
	case models.CategoryAdvanced:
		text = "Apply the missing minimization or pseudonymization control to the affected fields."
	case models.CategoryAIGuidance:
		text = "Address the regulation cited in this finding directly."
	case models.CategoryDevGuide:
		text = "Review whether this construct needs to carry the flagged identifier at all."
	}
	return recommendation{text: text, priority: priority}
}

// sortedRecommendations sorts by priority then dedupes identical text,
// preserving the highest-priority occurrence's position.
func sortedRecommendations(recs []recommendation) []string {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].priority < recs[j].priority })
	seen := map[string]bool{}
	var out []string
	for _, r := range recs {
		if seen[r.text] {
			continue
		}
		seen[r.text] = true
		out = append(out, r.text)
	}
	return out
}
