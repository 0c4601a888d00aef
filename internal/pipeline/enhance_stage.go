package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/qualys/dspm/internal/models"
	"github.com/qualys/dspm/internal/rulecatalog"
)

// enrichBatchSize caps how many findings go into one AI-Enhance prompt.
const enrichBatchSize = 20

// aiDiscoveredRuleID labels findings this stage appends from the Remote-AI
// Rule's hits, distinguishing them from catalog-rule findings.
const aiDiscoveredRuleID = "AI_DISCOVERED"

// EnhanceOutput is S2's output: the S1 finding set plus any R10 AI-discovered
// findings, every finding carrying an AI confidence estimate and, where the
// AI collaborator enriched it, an expanded description and regulation refs.
type EnhanceOutput struct {
	Findings []models.Finding `json:"findings"`
}

// AICollaborator is the narrow surface S2 needs from the AI Collaborator
// Adapter; *aiadapter.Adapter satisfies it, and a nil value is valid (it
// always reports "unavailable").
type AICollaborator interface {
	Analyze(ctx context.Context, promptText, context string) (string, bool)
}

// NewEnhanceStage builds the AI-Enhance Agent (S2): runs the Remote-AI Rule
// (R10) when enabled, batches the resulting finding set through the AI
// collaborator for enrichment, then assigns every finding a confidence
// score, via the AI collaborator's response when available and a
// deterministic fallback otherwise.
func NewEnhanceStage(logger *slog.Logger, store ResultStore, metrics MetricsSink, collab AICollaborator) Stage {
	return &baseStage{
		id:       "S2_AI_ENHANCE",
		logger:   logger,
		store:    store,
		metrics:  metrics,
		validate: validatePrevious[ScanOutput]("S2_AI_ENHANCE"),
		compute: func(ctx context.Context, in StageInput) (interface{}, models.AIUsage, []models.StageError) {
			return runEnhance(ctx, in, collab)
		},
	}
}

func runEnhance(ctx context.Context, in StageInput, collab AICollaborator) (EnhanceOutput, models.AIUsage, []models.StageError) {
	prior, _ := in.Previous.(ScanOutput)
	findings := append([]models.Finding{}, prior.Findings...)

	ai := models.AIUsage{}
	var stageErrs []models.StageError

	aiEnabled := in.Request.Options.AIEnabled && collab != nil

	if aiEnabled && in.Request.Options.RuleAllowed("R10") {
		r10 := rulecatalog.NewRemoteAIRule()
		port := collabPort{collab}
		for _, file := range in.Files {
			ec := rulecatalog.NewEvalContext(file.Content, file.Path, file.Language)
			hits := r10.EvaluateAI(ctx, ec, port)
			if len(hits) > 0 {
				ai.Used = true
			}
			for _, v := range hits {
				if !models.SeverityAtLeast(v.Severity, in.Request.Options.SeverityFloor) {
					continue
				}
				f := violationToFinding(aiDiscoveredRuleID, r10.Description(), v, file.Path, file.Language, false)
				f.AIEnhanced = true
				findings = append(findings, f)
			}
		}
	}

	if aiEnabled && enrichFindings(ctx, collab, findings) {
		ai.Used = true
	}

	if aiEnabled && !ai.Used {
		stageErrs = append(stageErrs, models.StageError{
			Category: models.ErrCatAIUnavailable,
			Message:  "AI collaborator returned no usable response; continuing with deterministic output",
		})
	}

	ruleFileCounts := map[string]int{}
	for _, f := range findings {
		ruleFileCounts[f.RuleID+"|"+f.FilePath]++
	}

	fallback := newFallbackConfidence()
	for i := range findings {
		if findings[i].AIConfidence > 0 {
			continue
		}
		key := findings[i].RuleID + "|" + findings[i].FilePath
		findings[i].AIConfidence = fallback.estimate(findings[i], ruleFileCounts[key])
	}
	if ai.Used {
		ai.Model = collabModelID(collab)
		for i := range findings {
			if findings[i].AIEnhanced {
				findings[i].AIModel = ai.Model
			}
		}
	}

	// R10 appended its AI-discovered findings to the end above; re-sort so
	// the (file_path, line_asc, rule_id) ordering contract still holds
	// once those hits are merged in (spec: ordering is part of the
	// contract, tests depend on it).
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].FilePath != findings[j].FilePath {
			return findings[i].FilePath < findings[j].FilePath
		}
		if findings[i].Line != findings[j].Line {
			return findings[i].Line < findings[j].Line
		}
		return findings[i].RuleID < findings[j].RuleID
	})

	return EnhanceOutput{Findings: findings}, ai, stageErrs
}

// enrichmentItem is the wire shape of one finding sent to the AI collaborator
// for batch enrichment: its id, rule, severity, description and match
// excerpt. The collaborator's answer per finding is an enrichmentResult.
type enrichmentItem struct {
	FindingID    string `json:"finding_id"`
	RuleID       string `json:"rule_id"`
	Severity     string `json:"severity"`
	Description  string `json:"description"`
	MatchExcerpt string `json:"match_excerpt"`
}

type enrichmentResult struct {
	FindingID      string                 `json:"finding_id"`
	Description    string                 `json:"description"`
	BusinessImpact string                 `json:"business_impact"`
	RegulationRefs []enrichmentRegulation `json:"regulation_refs"`
	Confidence     float64                `json:"confidence"`
}

type enrichmentRegulation struct {
	Regulation string `json:"regulation"`
	Article    string `json:"article_or_section"`
}

// enrichFindings sends findings through the AI collaborator in batches of at
// most enrichBatchSize, merging only the enrichment fields (description,
// regulation_refs, confidence) back into the matching Finding. It never
// removes or reorders findings and reports whether any batch succeeded.
func enrichFindings(ctx context.Context, collab AICollaborator, findings []models.Finding) bool {
	any := false
	for start := 0; start < len(findings); start += enrichBatchSize {
		end := start + enrichBatchSize
		if end > len(findings) {
			end = len(findings)
		}
		batch := findings[start:end]

		items := make([]enrichmentItem, 0, len(batch))
		for _, f := range batch {
			items = append(items, enrichmentItem{
				FindingID:    f.FindingID,
				RuleID:       f.RuleID,
				Severity:     string(f.Severity),
				Description:  f.Description,
				MatchExcerpt: f.MatchExcerpt,
			})
		}
		payload, err := json.Marshal(items)
		if err != nil {
			continue
		}

		prompt := fmt.Sprintf(
			"For each finding below, respond with a JSON array of objects "+
				"{\"finding_id\":string,\"description\":string,\"business_impact\":string,"+
				"\"regulation_refs\":[{\"regulation\":string,\"article_or_section\":string}],"+
				"\"confidence\":number in [0,1]}. Findings: %s", string(payload))

		text, ok := collab.Analyze(ctx, prompt, "")
		if !ok || text == "" {
			continue
		}

		results, ok := parseEnrichmentResults(text)
		if !ok {
			continue
		}

		byID := make(map[string]enrichmentResult, len(results))
		for _, r := range results {
			byID[r.FindingID] = r
		}

		for i := range batch {
			r, found := byID[batch[i].FindingID]
			if !found {
				continue
			}
			any = true
			batch[i].AIEnhanced = true
			if r.Description != "" {
				desc := r.Description
				if r.BusinessImpact != "" {
					desc = desc + " Business impact: " + r.BusinessImpact
				}
				batch[i].Description = desc
			}
			for _, ref := range r.RegulationRefs {
				if ref.Regulation == "" {
					continue
				}
				batch[i].RegulationRefs = models.AppendRegulationRefs(batch[i].RegulationRefs, models.RegulationRef{
					Regulation: ref.Regulation,
					Article:    ref.Article,
				})
			}
			if r.Confidence > 0 {
				batch[i].AIConfidence = r.Confidence
			}
		}
	}
	return any
}

// parseEnrichmentResults extracts the leading JSON array from
// markdown-wrapped AI text, per the adapter's contract that parsing is the
// caller's job.
func parseEnrichmentResults(text string) ([]enrichmentResult, bool) {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < start {
		return nil, false
	}
	var out []enrichmentResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, false
	}
	return out, true
}

// collabModelID reports the collaborator's model identifier when it exposes
// one; the value is opaque to the pipeline.
func collabModelID(collab AICollaborator) string {
	if m, ok := collab.(interface{ ModelID() string }); ok {
		return m.ModelID()
	}
	return "unknown"
}

// collabPort adapts AICollaborator to rulecatalog.AICollaboratorPort; the two
// interfaces are structurally identical but kept distinct so the rule
// catalog package never imports the adapter package.
type collabPort struct {
	collab AICollaborator
}

func (p collabPort) Analyze(ctx context.Context, promptText, context string) (string, bool) {
	return p.collab.Analyze(ctx, promptText, context)
}
