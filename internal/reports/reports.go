// Package reports implements the Report Agent's (S5) assembly of a finished
// scan into the final Report shape and its rendering into CSV, JSON, or PDF,
// on top of the shared PDF primitives in pdf.go.
package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qualys/dspm/internal/compliance"
	"github.com/qualys/dspm/internal/models"
)

// Format is the output encoding requested for a report.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatPDF  Format = "pdf"
)

// Metadata is the Report's header block (spec §4.7 S5).
type Metadata struct {
	GeneratedAt     time.Time `json:"generated_at"`
	CorrelationID   string    `json:"correlation_id"`
	TotalViolations int       `json:"total_violations"`
	AgentsUsed      []string  `json:"agents_used"`
	AIEnhanced      bool      `json:"ai_enhanced"`
	DegradedReasons []string  `json:"degraded_reasons,omitempty"`
}

// ExecutiveSummary is the Report's human-facing rollup (spec §4.7 S5).
type ExecutiveSummary struct {
	Status            models.Status `json:"status"`
	Message           string        `json:"message"`
	ComplianceScore   int           `json:"compliance_score"`
	RiskLevel         string        `json:"risk_level"`
	TotalViolations   int           `json:"total_violations"`
	HighSeverityCount int           `json:"high_severity_count"`
}

// Report is the Report Agent's final artifact (spec §3, §4.7 S5).
type Report struct {
	Metadata           Metadata                  `json:"metadata"`
	ExecutiveSummary   ExecutiveSummary          `json:"executive_summary"`
	DetailedFindings   []models.Finding          `json:"detailed_findings"`
	ComplianceAnalysis compliance.Result         `json:"compliance_analysis"`
	FixRecommendations interface{}               `json:"fix_recommendations"`
	RiskAssessment     compliance.RiskAssessment `json:"risk_assessment"`
	ActionItems        []string                  `json:"action_items"`
	BedrockEnhanced    bool                      `json:"bedrock_enhanced"`
	FilesScanned       int                       `json:"files_scanned"`
	Locator            string                    `json:"report_locator,omitempty"`
}

// CorrelationID is a convenience accessor for callers (internal/store,
// internal/api) that key a scan by correlation id without walking the
// nested metadata block.
func (r Report) CorrelationID() string { return r.Metadata.CorrelationID }

// Status is a convenience accessor mirroring the executive summary's status.
func (r Report) Status() models.Status { return r.ExecutiveSummary.Status }

// Generator renders a Report into one of the supported wire formats.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Render produces the requested format's bytes and MIME type.
func (g *Generator) Render(report Report, format Format) ([]byte, string, error) {
	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("marshal report json: %w", err)
		}
		return data, "application/json", nil
	case FormatCSV:
		data, err := g.toCSV(report)
		return data, "text/csv", err
	case FormatPDF:
		data, err := g.toPDF(report)
		return data, "application/pdf", err
	default:
		return nil, "", fmt.Errorf("unsupported report format: %s", format)
	}
}

func (g *Generator) toCSV(report Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"file_path", "line", "rule_id", "category", "severity", "description", "fix_hint", "ai_confidence"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, f := range report.DetailedFindings {
		row := []string{
			f.FilePath,
			fmt.Sprintf("%d", f.Line),
			f.RuleID,
			string(f.Category),
			string(f.Severity),
			f.Description,
			f.FixHint,
			fmt.Sprintf("%.2f", f.AIConfidence),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *Generator) toPDF(report Report) ([]byte, error) {
	pdf := NewPDFReport(fmt.Sprintf("Privacy Scan Report — %s", report.Metadata.CorrelationID))

	pdf.AddSection("Executive Summary")
	pdf.AddSummaryTable(map[string]int{
		"Compliance Score":    report.ExecutiveSummary.ComplianceScore,
		"Total Violations":    report.ExecutiveSummary.TotalViolations,
		"High Severity Count": report.ExecutiveSummary.HighSeverityCount,
	})
	pdf.AddParagraph(fmt.Sprintf("Status: %s", report.ExecutiveSummary.Status))
	pdf.AddParagraph(report.ExecutiveSummary.Message)

	pdf.AddSection("Findings by Severity")
	severityCounts := map[string]int{}
	for sev, count := range report.ComplianceAnalysis.SeverityCounts {
		severityCounts[string(sev)] = count
	}
	pdf.AddChart("", severityCounts)

	pdf.AddSection("Action Items")
	for _, item := range report.ActionItems {
		pdf.AddParagraph("- " + item)
	}

	pdf.AddSection("Findings Detail")
	headers := []string{"File", "Line", "Rule", "Severity", "Description"}
	rows := make([][]string, 0, len(report.DetailedFindings))
	for _, f := range report.DetailedFindings {
		rows = append(rows, []string{
			truncate(f.FilePath, 30),
			fmt.Sprintf("%d", f.Line),
			f.RuleID,
			string(f.Severity),
			truncate(f.Description, 40),
		})
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
