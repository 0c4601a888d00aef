package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/qualys/dspm/internal/compliance"
	"github.com/qualys/dspm/internal/models"
)

// Effort is the deterministic size estimate for applying a FixSuggestion.
type Effort string

const (
	EffortTrivial Effort = "TRIVIAL"
	EffortSmall   Effort = "SMALL"
	EffortMedium  Effort = "MEDIUM"
	EffortLarge   Effort = "LARGE"
)

// FixSuggestion is one finding's remediation, produced by S4.
type FixSuggestion struct {
	FindingID    string   `json:"finding_id"`
	Before       string   `json:"before"`
	After        string   `json:"after"`
	Steps        []string `json:"steps"`
	Alternatives []string `json:"alternatives"`
	Effort       Effort   `json:"effort"`
	AIEnhanced   bool     `json:"ai_enhanced"`
	AIConfidence float64  `json:"ai_confidence"`
}

// FixSuggestOutput is S4's output: the finding set with FixHint populated
// from the winning FixSuggestion's After text, the suggestions themselves
// grouped by file and by priority, and the compliance score carried forward
// from S3 unchanged.
type FixSuggestOutput struct {
	Findings    []models.Finding           `json:"findings"`
	Score       compliance.Result          `json:"score"`
	Suggestions []FixSuggestion            `json:"fix_suggestions"`
	ByFile      map[string][]FixSuggestion `json:"by_file"`
	ByPriority  map[string][]FixSuggestion `json:"by_priority"`
}

// fixTemplate is one entry of the deterministic fallback catalog, grounded
// on the teacher's per-finding-type remediation text (internal/remediation).
type fixTemplate struct {
	after        string
	steps        []string
	alternatives []string
	effort       Effort
}

// ruleFixTable is keyed on rule_id; a language-specific override, when
// present under "<rule_id>:<language>", takes precedence.
var ruleFixTable = map[string]fixTemplate{
	"R1": {
		after:        `String e = System.getenv("CONTACT_EMAIL");`,
		steps:        []string{"Remove the literal email from source", "Load the value from configuration or a secrets manager", "Add a test fixture for the literal instead"},
		alternatives: []string{"Replace with a placeholder constant and document the real value out-of-repo"},
		effort:       EffortSmall,
	},
	"R2": {
		after:        `const ssn = process.env.TEST_SSN;`,
		steps:        []string{"Remove the literal PII/credential from source", "Rotate the credential if it was ever committed", "Load the value from a secrets manager at runtime"},
		alternatives: []string{"Mask the value in logs and tests with a synthetic fixture"},
		effort:       EffortMedium,
	},
	"R3": {
		after:  "// privacy_policy_url: https://example.com/privacy",
		steps:  []string{"Link the data collection point to a published privacy policy", "Reference the policy version in effect at collection time"},
		effort: EffortTrivial,
	},
	"R4": {
		after:  "if !consent.Granted(userID, purpose) { return ErrConsentRequired }",
		steps:  []string{"Add an explicit consent check before the operation runs", "Record the consent decision alongside the processing event"},
		effort: EffortMedium,
	},
	"R5": {
		after:  "field = encrypt(field, kmsKey)",
		steps:  []string{"Encrypt the field at rest with a managed key", "Require TLS for the field in transit"},
		effort: EffortMedium,
	},
	"R6": {
		after:  "// data_flow: documented in data-flow-register.md",
		steps:  []string{"Register the data flow in the data flow inventory", "Add a retention/TTL annotation to the flow"},
		effort: EffortSmall,
	},
	"R7": {
		after:  "field = pseudonymize(field)",
		steps:  []string{"Apply the missing minimization or pseudonymization control", "Re-scope the collected fields to what the stated purpose needs"},
		effort: EffortMedium,
	},
	"R8": {
		after:  "// see cited regulation for the exact control required",
		steps:  []string{"Read the cited regulation's requirement for this construct", "Implement the specific control named by the AI-discovered violation"},
		effort: EffortMedium,
	},
	"R9": {
		after:  "// review whether this identifier needs to be carried at all",
		steps:  []string{"Confirm whether the flagged identifier is load-bearing", "Drop or replace it with a non-identifying token if not"},
		effort: EffortSmall,
	},
	"AI_DISCOVERED": {
		after:  "// see AI-proposed remediation in description",
		steps:  []string{"Review the AI-discovered violation's description", "Apply the most specific applicable fix template above"},
		effort: EffortMedium,
	},
}

var defaultFix = fixTemplate{
	after:  "// review this finding and remediate per your team's privacy handling standard",
	steps:  []string{"Review the flagged line", "Apply the minimal change that removes the violation"},
	effort: EffortMedium,
}

// aiFixSuggestion is the wire shape expected from the AI collaborator when
// enrichment succeeds; any other shape falls back to the deterministic table.
type aiFixSuggestion struct {
	After        string   `json:"after"`
	Steps        []string `json:"steps"`
	Alternatives []string `json:"alternatives"`
	Confidence   float64  `json:"confidence"`
}

// NewFixSuggestStage builds the Fix-Suggest Agent (S4).
func NewFixSuggestStage(logger *slog.Logger, store ResultStore, metrics MetricsSink, collab AICollaborator) Stage {
	return &baseStage{
		id:       "S4_FIX_SUGGEST",
		logger:   logger,
		store:    store,
		metrics:  metrics,
		validate: validatePrevious[ComplianceOutput]("S4_FIX_SUGGEST"),
		compute: func(ctx context.Context, in StageInput) (interface{}, models.AIUsage, []models.StageError) {
			return runFixSuggest(ctx, in, collab)
		},
	}
}

func runFixSuggest(ctx context.Context, in StageInput, collab AICollaborator) (FixSuggestOutput, models.AIUsage, []models.StageError) {
	prior, _ := in.Previous.(ComplianceOutput)
	findings := append([]models.Finding{}, prior.Findings...)

	ai := models.AIUsage{}
	aiEnabled := in.Request.Options.AIEnabled && collab != nil

	suggestions := make([]FixSuggestion, 0, len(findings))

	for i := range findings {
		if findings[i].Suppressed {
			continue
		}

		tmpl := lookupFixTemplate(findings[i].RuleID, findings[i].Language)
		sug := FixSuggestion{
			FindingID:    findings[i].FindingID,
			Before:       findings[i].MatchExcerpt,
			After:        tmpl.after,
			Steps:        tmpl.steps,
			Alternatives: tmpl.alternatives,
			Effort:       tmpl.effort,
			AIConfidence: findings[i].AIConfidence,
		}

		if aiEnabled {
			prompt := fmt.Sprintf(
				"Given this privacy finding (rule %s, severity %s, language %s): %s\nRespond with a JSON object {\"after\":string,\"steps\":[string],\"alternatives\":[string],\"confidence\":number} giving a concrete, language-aware code fix.",
				findings[i].RuleID, findings[i].Severity, findings[i].Language, findings[i].Description,
			)
			if text, ok := collab.Analyze(ctx, prompt, findings[i].MatchExcerpt); ok && text != "" {
				if enriched, ok := parseAIFixSuggestion(text); ok {
					sug.After = enriched.After
					if len(enriched.Steps) > 0 {
						sug.Steps = enriched.Steps
					}
					if len(enriched.Alternatives) > 0 {
						sug.Alternatives = enriched.Alternatives
					}
					sug.AIEnhanced = true
					sug.AIConfidence = enriched.Confidence
					ai.Used = true
				}
			}
		}

		if findings[i].FixHint == "" {
			findings[i].FixHint = sug.After
		}

		suggestions = append(suggestions, sug)
	}

	if ai.Used {
		ai.Model = collabModelID(collab)
	}

	byFile := map[string][]FixSuggestion{}
	byPriority := map[string][]FixSuggestion{}
	findingByID := map[string]models.Finding{}
	for _, f := range findings {
		findingByID[f.FindingID] = f
	}
	for _, sug := range suggestions {
		f := findingByID[sug.FindingID]
		byFile[f.FilePath] = append(byFile[f.FilePath], sug)
		byPriority[priorityLabel(f.Severity)] = append(byPriority[priorityLabel(f.Severity)], sug)
	}

	sort.Slice(suggestions, func(i, j int) bool { return suggestions[i].FindingID < suggestions[j].FindingID })

	return FixSuggestOutput{
		Findings:    findings,
		Score:       prior.Score,
		Suggestions: suggestions,
		ByFile:      byFile,
		ByPriority:  byPriority,
	}, ai, nil
}

func lookupFixTemplate(ruleID string, lang models.Language) fixTemplate {
	if t, ok := ruleFixTable[ruleID+":"+string(lang)]; ok {
		return t
	}
	if t, ok := ruleFixTable[ruleID]; ok {
		return t
	}
	return defaultFix
}

func priorityLabel(sev models.Severity) string {
	switch sev {
	case models.SeverityCritical, models.SeverityHigh:
		return "P1"
	case models.SeverityMedium:
		return "P2"
	default:
		return "P3"
	}
}

// parseAIFixSuggestion extracts the leading JSON object from markdown-wrapped
// AI text, per the adapter's contract that parsing is the caller's job.
func parseAIFixSuggestion(text string) (aiFixSuggestion, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return aiFixSuggestion{}, false
	}
	var out aiFixSuggestion
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return aiFixSuggestion{}, false
	}
	if out.After == "" {
		return aiFixSuggestion{}, false
	}
	return out, true
}
