package rulecatalog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qualys/dspm/internal/models"
)

// Catalog returns the ten rules in their fixed R1..R10 order. Order matters:
// the rule engine iterates the catalog and any findings tie-broken by rule
// order must stay stable across runs.
func Catalog() []Rule {
	return []Rule{
		EmailPIIRule{},
		ComprehensivePIIRule{},
		PrivacyPolicyRule{},
		ConsentRule{},
		EncryptionRule{},
		DataFlowRule{},
		AdvancedPrivacyRule{},
		AIGuidanceRule{},
		DeveloperGuidanceRule{},
		NewRemoteAIRule(),
	}
}

// RuleStats is the engine's get_rule_stats() → {count, rule_descriptions}
// configuration surface (spec §4.3).
type RuleStats struct {
	Count            int
	RuleDescriptions map[string]string
}

// GetRuleStats reports the size and descriptions of the fixed rule catalog.
func GetRuleStats() RuleStats {
	stats := RuleStats{RuleDescriptions: map[string]string{}}
	for _, rule := range Catalog() {
		stats.Count++
		stats.RuleDescriptions[rule.ID()] = rule.Description()
	}
	return stats
}

// aiViolation is the wire shape the Remote-AI Rule asks the model to emit.
type aiViolation struct {
	Line        int    `json:"line"`
	Subtype     string `json:"subtype"`
	Description string `json:"description"`
	Fix         string `json:"fix"`
	Law         string `json:"law"`
	Severity    string `json:"severity"`
}

// parseAIViolations decodes the model's JSON array response into Violations,
// offsetting line numbers by the chunk's starting line (0-based lineOffset).
// A malformed response yields an error; the caller treats that as "no hits
// from this chunk" rather than failing the whole rule (fail-open).
func parseAIViolations(text string, lineOffset int) ([]Violation, error) {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("no JSON array found in AI response")
	}
	var raw []aiViolation
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode AI response: %w", err)
	}
	out := make([]Violation, 0, len(raw))
	for _, v := range raw {
		sev := models.Severity(v.Severity)
		switch sev {
		case models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow:
		default:
			sev = models.SeverityMedium
		}
		var refs []models.RegulationRef
		if v.Law != "" {
			refs = []models.RegulationRef{parseLawRef(v.Law)}
		}
		out = append(out, Violation{
			Line:           v.Line + lineOffset,
			Subtype:        v.Subtype,
			Description:    v.Description,
			FixHint:        v.Fix,
			Severity:       sev,
			Category:       models.CategoryAdvanced,
			RegulationRefs: refs,
		})
	}
	return out, nil
}
