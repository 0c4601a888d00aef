package pipeline

import (
	"context"
	"log/slog"
	"sort"

	"github.com/qualys/dspm/internal/models"
	"github.com/qualys/dspm/internal/remotearchive"
	"github.com/qualys/dspm/internal/rulecatalog"
	"github.com/qualys/dspm/internal/scanner"
)

// ScanOutput is S1's output: the full finding set before AI enhancement,
// plus the rule-catalog stats and severity/language breakdowns the spec's
// S1 output shape names (spec §4.7 S1).
type ScanOutput struct {
	Findings         []models.Finding        `json:"findings"`
	Qualified        []string                `json:"qualified_violations"`
	RuleStats        RuleStats               `json:"rule_stats"`
	CountsBySeverity map[models.Severity]int `json:"counts_by_severity"`
	CountsByLanguage map[models.Language]int `json:"counts_by_language"`
	FilesSeen        int                     `json:"files_seen"`
	FilesFailed      int                     `json:"files_failed"`
}

// RuleStats mirrors the Rule Engine's get_rule_stats() → {count,
// rule_descriptions} contract (spec §4.3).
type RuleStats struct {
	Count            int               `json:"count"`
	RuleDescriptions map[string]string `json:"rule_descriptions"`
}

// NewScanStage builds the Scan Agent (S1): runs the Scanner Set over the
// request's project_path or inline_source, then the rule catalog's
// non-AI rules (R1-R9) over every discovered file.
func NewScanStage(logger *slog.Logger, store ResultStore, metrics MetricsSink, sc *scanner.Scanner) Stage {
	return &baseStage{
		id:      "S1_SCAN",
		logger:  logger,
		store:   store,
		metrics: metrics,
		validate: func(in StageInput) *models.StageError {
			if err := in.Request.Validate(); err != nil {
				return &models.StageError{Category: models.ErrCatInputInvalid, Message: err.Error()}
			}
			return nil
		},
		compute: func(ctx context.Context, in StageInput) (interface{}, models.AIUsage, []models.StageError) {
			return runScan(ctx, sc, in, logger)
		},
	}
}

// runScan builds the finding set from in.Files when the Orchestrator has
// already discovered them (the common path, shared with S2 so the tree is
// only walked and any remote archive only fetched once); when called
// directly with no pre-collected files it discovers them itself.
func runScan(ctx context.Context, sc *scanner.Scanner, in StageInput, logger *slog.Logger) (ScanOutput, models.AIUsage, []models.StageError) {
	req := in.Request
	var files []scanner.File
	var discoverErrs []scanner.DiscoverError

	if len(in.Files) > 0 {
		files = make([]scanner.File, 0, len(in.Files))
		for _, f := range in.Files {
			files = append(files, scanner.File{Path: f.Path, Language: f.Language, Content: f.Content})
		}
	} else {
		switch {
		case req.InlineSource != nil:
			files, discoverErrs = sc.ScanInline(ctx, *req.InlineSource, req.Options)
		case req.ProjectPath != "":
			root, cleanup, err := remotearchive.Resolve(ctx, req.ProjectPath)
			if err != nil {
				return ScanOutput{}, models.AIUsage{}, []models.StageError{{
					Category: models.ErrCatIOTransient,
					Message:  "could not resolve project_path",
					Detail:   err.Error(),
				}}
			}
			defer cleanup()
			files, discoverErrs = sc.ScanPath(ctx, root, req.Options)
		}
	}

	for _, de := range discoverErrs {
		logger.Warn("skipped file during scan", "path", de.Path, "error", de.Err)
	}

	var stageErrs []models.StageError
	if len(discoverErrs) > 0 {
		stageErrs = append(stageErrs, models.StageError{
			Category: models.ErrCatIOTransient,
			Message:  "some files could not be read",
			Detail:   firstNErrors(discoverErrs, 5),
		})
	}

	catalog := rulecatalog.Catalog()
	catalogStats := rulecatalog.GetRuleStats()
	ruleStats := RuleStats{Count: catalogStats.Count, RuleDescriptions: catalogStats.RuleDescriptions}

	var findings []models.Finding

	for _, f := range files {
		ec := rulecatalog.NewEvalContext(f.Content, f.Path, f.Language)
		for _, rule := range catalog {
			if !req.Options.RuleAllowed(rule.ID()) {
				continue
			}
			if _, isAI := rule.(rulecatalog.AIRule); isAI {
				continue // R10 runs in S2, not S1
			}
			for _, v := range rule.Evaluate(ec) {
				if !models.SeverityAtLeast(v.Severity, req.Options.SeverityFloor) {
					continue
				}
				findings = append(findings, violationToFinding(rule.ID(), rule.Description(), v, f.Path, f.Language, f.Truncated))
			}
		}
	}

	// Stable so same-(file, line, rule) findings keep pattern declaration order.
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].FilePath != findings[j].FilePath {
			return findings[i].FilePath < findings[j].FilePath
		}
		if findings[i].Line != findings[j].Line {
			return findings[i].Line < findings[j].Line
		}
		return findings[i].RuleID < findings[j].RuleID
	})

	findings = dedupeByFindingID(findings)

	countsBySeverity := map[models.Severity]int{}
	countsByLanguage := map[models.Language]int{}
	qualified := make([]string, 0, len(findings))
	for _, f := range findings {
		qualified = append(qualified, rulecatalog.FormatEnvelope(f.Language, f.FilePath, f.Line, f.RuleDescription, f.MatchExcerpt))
		if f.IsPositive {
			continue
		}
		countsBySeverity[f.Severity]++
		countsByLanguage[f.Language]++
	}

	return ScanOutput{
		Findings:         findings,
		Qualified:        qualified,
		RuleStats:        ruleStats,
		CountsBySeverity: countsBySeverity,
		CountsByLanguage: countsByLanguage,
		FilesSeen:        len(files),
		FilesFailed:      len(discoverErrs),
	}, models.AIUsage{}, stageErrs
}

// dedupeByFindingID drops any finding whose finding_id has already been
// seen, preserving first-occurrence order (spec §4.7 S1 "deduplicates by
// finding_id"; property 4 "finding stability").
func dedupeByFindingID(findings []models.Finding) []models.Finding {
	seen := make(map[string]bool, len(findings))
	out := make([]models.Finding, 0, len(findings))
	for _, f := range findings {
		if seen[f.FindingID] {
			continue
		}
		seen[f.FindingID] = true
		out = append(out, f)
	}
	return out
}

func violationToFinding(ruleID, ruleDescription string, v rulecatalog.Violation, path string, lang models.Language, truncated bool) models.Finding {
	return models.Finding{
		FindingID:       models.FindingID(path, v.Line, ruleID, v.Match),
		FilePath:        path,
		Line:            v.Line,
		Language:        lang,
		RuleID:          ruleID,
		RuleDescription: ruleDescription,
		Category:        v.Category,
		Severity:        v.Severity,
		MatchExcerpt:    v.Match,
		Description:     v.Description,
		FixHint:         v.FixHint,
		RegulationRefs:  v.RegulationRefs,
		IsPositive:      v.IsPositive,
		Truncated:       truncated,
	}
}

func firstNErrors(errs []scanner.DiscoverError, n int) string {
	if len(errs) < n {
		n = len(errs)
	}
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += "; "
		}
		out += errs[i].Error()
	}
	return out
}
