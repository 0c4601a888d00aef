// Package rulecatalog implements the ten pattern-based privacy rules (R1-R10)
// described in the scan-and-pipeline core. Every rule is a pure function from
// file content to a list of Violations; patterns are compiled once at package
// init and shared read-only across concurrent runs, per the "regex catalog
// compilation" design note.
package rulecatalog

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/qualys/dspm/internal/models"
)

// Violation is one rule hit against one line, before it is assembled into a
// full Finding by the rule engine.
type Violation struct {
	Line           int
	Match          string
	Subtype        string
	Severity       models.Severity
	Category       models.Category
	Description    string
	FixHint        string
	RegulationRefs []models.RegulationRef
	IsPositive     bool
}

// EvalContext is the input every Rule evaluates against.
type EvalContext struct {
	Content  string
	Lines    []string
	Path     string
	Language models.Language
}

// NewEvalContext splits content into lines once, normalizing CRLF (spec §4.2
// "Line numbering"): \r\n is normalized here, once per file, so no
// individual rule has to.
func NewEvalContext(content, path string, lang models.Language) EvalContext {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	return EvalContext{
		Content:  normalized,
		Lines:    strings.Split(normalized, "\n"),
		Path:     path,
		Language: lang,
	}
}

// Rule is a pure function from file content to a list of violations.
type Rule interface {
	ID() string
	Description() string
	Evaluate(ec EvalContext) []Violation
}

// AICollaboratorPort is the narrow slice of the AI Collaborator Adapter (C4)
// that the Remote-AI Rule needs. Defined here (not imported from the adapter
// package) to keep the rule catalog free of a dependency on the adapter's
// transport details.
type AICollaboratorPort interface {
	Analyze(ctx context.Context, promptText, context string) (string, bool)
}

// AIRule is implemented by rules that may consult the AI collaborator. Only
// R10 implements this; all other rules are pure and never suspend.
type AIRule interface {
	Rule
	EvaluateAI(ctx context.Context, ec EvalContext, collab AICollaboratorPort) []Violation
}

// suppressedByMarker reports whether marker matches line-1 (1-based: the
// previous line) or line itself, in ec.Lines. This is the common one-line
// suppression window shared by every rule that declares a marker (spec §4.2
// "Common suppression semantics", §9 "Suppression window").
func suppressedByMarker(ec EvalContext, marker *regexp.Regexp, line int) bool {
	if marker.MatchString(ec.Lines[line-1]) {
		return true
	}
	if line-2 >= 0 && marker.MatchString(ec.Lines[line-2]) {
		return true
	}
	return false
}

func truncateExcerpt(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// ===== R1 Email PII Rule =====

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[a-z]{2,}`)

type EmailPIIRule struct{}

func (EmailPIIRule) ID() string          { return "R1" }
func (EmailPIIRule) Description() string { return "Hardcoded email address literal" }

func (r EmailPIIRule) Evaluate(ec EvalContext) []Violation {
	var out []Violation
	for i, line := range ec.Lines {
		if m := emailPattern.FindString(line); m != "" {
			out = append(out, Violation{
				Line:        i + 1,
				Match:       truncateExcerpt(line),
				Severity:    models.SeverityMedium,
				Category:    models.CategoryPII,
				Description: r.Description(),
				FixHint:     "Move the address out of source into configuration or a secrets store, or replace with a placeholder in tests.",
				RegulationRefs: []models.RegulationRef{
					{Regulation: "GDPR", Article: "Art. 4(1)"},
				},
			})
		}
	}
	return out
}

// ===== R2 Comprehensive PII Rule =====

type subPattern struct {
	subtype  string
	pattern  *regexp.Regexp
	category models.Category
	severity models.Severity
	desc     string
	regs     []models.RegulationRef
}

var r2Patterns = []subPattern{
	{"ssn_dashed", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), models.CategoryPII, models.SeverityCritical,
		"US Social Security Number (dashed)", []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 9"}, {Regulation: "CCPA", Article: "1798.140(v)"}}},
	{"ssn_plain", regexp.MustCompile(`\bssn\s*[:=]\s*"?\d{9}"?\b`), models.CategoryPII, models.SeverityCritical,
		"US Social Security Number (undashed)", []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 9"}}},
	{"credit_card", regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`), models.CategoryPII, models.SeverityCritical,
		"Payment card number", []models.RegulationRef{{Regulation: "PCI-DSS", Article: "3.4"}}},
	{"passport", regexp.MustCompile(`\bpassport\w*\s*[:=]\s*"?[A-Z][0-9]{8}"?\b`), models.CategoryPII, models.SeverityHigh,
		"Passport number", []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 9"}}},
	{"drivers_license", regexp.MustCompile(`\b(?:driver.?s?.?licen[sc]e|dl_?number)\s*[:=]\s*"?[A-Z0-9]{6,12}"?\b`), models.CategoryPII, models.SeverityHigh,
		"Driver's license number", nil},
	{"phone_intl", regexp.MustCompile(`\+\d{1,3}[-.\s]?\(?\d{1,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}\b`), models.CategoryPII, models.SeverityMedium,
		"International phone number", nil},
	{"phone_local", regexp.MustCompile(`\b\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`), models.CategoryPII, models.SeverityMedium,
		"Local phone number", nil},
	{"zip_us", regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b\s*(?:#.*zip|//.*zip)?`), models.CategoryPII, models.SeverityLow,
		"US ZIP code", nil},
	{"zip_ca", regexp.MustCompile(`\b[A-Za-z]\d[A-Za-z][ -]?\d[A-Za-z]\d\b`), models.CategoryPII, models.SeverityLow,
		"Canadian postal code", nil},
	{"street_address", regexp.MustCompile(`(?i)\b\d+\s+[A-Za-z0-9.\s]+\s+(?:st|street|ave|avenue|blvd|boulevard|rd|road|dr|drive|ln|lane|way)\b`), models.CategoryPII, models.SeverityMedium,
		"Street address", nil},
	{"icd_code", regexp.MustCompile(`\b[A-TV-Z][0-9]{2}(?:\.[0-9]{1,4})?\b`), models.CategoryPII, models.SeverityHigh,
		"ICD medical diagnosis code", []models.RegulationRef{{Regulation: "HIPAA", Article: "164.514"}}},
	{"cpt_code", regexp.MustCompile(`\bcpt\s*[:=]\s*"?\d{5}"?\b`), models.CategoryPII, models.SeverityHigh,
		"CPT procedure code", []models.RegulationRef{{Regulation: "HIPAA", Article: "164.514"}}},
	{"biometric_hint", regexp.MustCompile(`(?i)\b(?:fingerprint|retina_scan|face_id|iris_scan|voice_print)\b`), models.CategoryPII, models.SeverityHigh,
		"Biometric identifier token", []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 9"}}},
	{"biometric_hash", regexp.MustCompile(`\b[a-f0-9]{64}\b`), models.CategoryPII, models.SeverityMedium,
		"Possible biometric/identity hash (64-hex)", nil},
	{"api_token", regexp.MustCompile(`(?i)(?:api[_-]?key|secret|token)\s*[:=]\s*['"][A-Za-z0-9_\-]{20,}['"]`), models.CategorySecurity, models.SeverityCritical,
		"Hardcoded API token", nil},
	{"sensitive_db_column", regexp.MustCompile(`(?i)\bcolumn\s+(?:ssn|social_security|credit_card|password|date_of_birth|dob)\b`), models.CategoryPII, models.SeverityHigh,
		"Sensitive database column name", nil},
	{"ssn_assigned_spaced", regexp.MustCompile(`(?i)\bssn\s*[:=]\s*"?\d{3}\s\d{2}\s\d{4}"?`), models.CategoryPII, models.SeverityCritical,
		"US Social Security Number (space-separated)", []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 9"}}},
	{"itin", regexp.MustCompile(`\b9\d{2}-7\d-\d{4}\b`), models.CategoryPII, models.SeverityCritical,
		"US Individual Taxpayer Identification Number", nil},
	{"ein", regexp.MustCompile(`(?i)\bein\s*[:=]\s*"?\d{2}-\d{7}"?`), models.CategoryPII, models.SeverityHigh,
		"US Employer Identification Number", nil},
	{"medicare_mbi", regexp.MustCompile(`\b[1-9][AC-HJKMNP-RT-Y][AC-HJKMNP-RT-Y0-9]\d-?[AC-HJKMNP-RT-Y][AC-HJKMNP-RT-Y0-9]\d-?[AC-HJKMNP-RT-Y]{2}\d{2}\b`), models.CategoryPII, models.SeverityCritical,
		"US Medicare Beneficiary Identifier", []models.RegulationRef{{Regulation: "HIPAA", Article: "164.514"}}},
	{"nino_uk", regexp.MustCompile(`\b[A-CEGHJ-PR-TW-Z]{2}\s?\d{2}\s?\d{2}\s?\d{2}\s?[A-D]\b`), models.CategoryPII, models.SeverityCritical,
		"UK National Insurance number", nil},
	{"sin_ca", regexp.MustCompile(`(?i)\bsin\s*[:=]\s*"?\d{3}[- ]?\d{3}[- ]?\d{3}"?`), models.CategoryPII, models.SeverityCritical,
		"Canadian Social Insurance Number", nil},
	{"aadhaar", regexp.MustCompile(`(?i)\baadha{1,2}r\w*\s*[:=]\s*"?\d{4}\s?\d{4}\s?\d{4}"?`), models.CategoryPII, models.SeverityCritical,
		"Indian Aadhaar number", nil},
	{"tax_id_assign", regexp.MustCompile(`(?i)\btax_id\s*[:=]\s*"?[\d-]{9,11}"?`), models.CategoryPII, models.SeverityHigh,
		"Tax identification number assignment", nil},
	{"national_id_assign", regexp.MustCompile(`(?i)\bnational_id\s*[:=]\s*"?[A-Z0-9-]{6,}"?`), models.CategoryPII, models.SeverityHigh,
		"National identifier assignment", nil},
	{"card_grouped", regexp.MustCompile(`\b\d{4}[- ]\d{4}[- ]\d{4}[- ]\d{4}\b`), models.CategoryPII, models.SeverityCritical,
		"Payment card number (grouped digits)", []models.RegulationRef{{Regulation: "PCI-DSS", Article: "3.4"}}},
	{"card_diners", regexp.MustCompile(`\b3(?:0[0-5]|[68][0-9])[0-9]{11}\b`), models.CategoryPII, models.SeverityCritical,
		"Payment card number (Diners Club)", []models.RegulationRef{{Regulation: "PCI-DSS", Article: "3.4"}}},
	{"card_jcb", regexp.MustCompile(`\b(?:2131|1800|35\d{3})\d{11}\b`), models.CategoryPII, models.SeverityCritical,
		"Payment card number (JCB)", []models.RegulationRef{{Regulation: "PCI-DSS", Article: "3.4"}}},
	{"card_cvv", regexp.MustCompile(`(?i)\bcvv2?\s*[:=]\s*"?\d{3,4}"?`), models.CategoryPII, models.SeverityCritical,
		"Payment card verification value", []models.RegulationRef{{Regulation: "PCI-DSS", Article: "3.2"}}},
	{"iban", regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`), models.CategoryPII, models.SeverityHigh,
		"International Bank Account Number", nil},
	{"swift_bic", regexp.MustCompile(`(?i)\bswift(?:_code)?\s*[:=]\s*"?[A-Z]{6}[A-Z0-9]{2}(?:[A-Z0-9]{3})?"?`), models.CategoryPII, models.SeverityMedium,
		"SWIFT/BIC bank code", nil},
	{"routing_number", regexp.MustCompile(`(?i)\brouting(?:_number)?\s*[:=]\s*"?\d{9}"?`), models.CategoryPII, models.SeverityHigh,
		"US bank routing number", nil},
	{"bank_account", regexp.MustCompile(`(?i)\b(?:bank_)?account_(?:no|num|number)\s*[:=]\s*"?\d{8,17}"?`), models.CategoryPII, models.SeverityHigh,
		"Bank account number", nil},
	{"passport_mrz", regexp.MustCompile(`\bP<[A-Z]{3}[A-Z<]{5,}\b`), models.CategoryPII, models.SeverityHigh,
		"Passport machine-readable zone", []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 9"}}},
	{"vehicle_vin", regexp.MustCompile(`(?i)\bvin\s*[:=]\s*"?[A-HJ-NPR-Z0-9]{17}"?`), models.CategoryPII, models.SeverityMedium,
		"Vehicle identification number", nil},
	{"phone_assign", regexp.MustCompile(`(?i)\b(?:phone|mobile|cell)(?:_number)?\s*[:=]\s*"?\+?\d{10,15}"?`), models.CategoryPII, models.SeverityMedium,
		"Phone number assignment", nil},
	{"fax_number", regexp.MustCompile(`(?i)\bfax\s*[:=]\s*"?\+?[\d().\s-]{7,}"?`), models.CategoryPII, models.SeverityLow,
		"Fax number", nil},
	{"postcode_uk", regexp.MustCompile(`\b[A-Z]{1,2}\d[A-Z0-9]?\s\d[A-Z]{2}\b`), models.CategoryPII, models.SeverityLow,
		"UK postcode", nil},
	{"po_box", regexp.MustCompile(`(?i)\bP\.?O\.?\s*Box\s+\d+\b`), models.CategoryPII, models.SeverityLow,
		"Post office box address", nil},
	{"geo_coordinates", regexp.MustCompile(`(?i)\b(?:lat|latitude)\s*[:=]\s*-?\d{1,2}\.\d{4,}`), models.CategoryPII, models.SeverityMedium,
		"Precise geolocation coordinates", nil},
	{"npi", regexp.MustCompile(`(?i)\bnpi\s*[:=]\s*"?\d{10}"?`), models.CategoryPII, models.SeverityHigh,
		"US National Provider Identifier", []models.RegulationRef{{Regulation: "HIPAA", Article: "164.514"}}},
	{"medical_record_number", regexp.MustCompile(`(?i)\b(?:mrn|medical_record(?:_number)?)\s*[:=]\s*"?[A-Z0-9]{6,12}"?`), models.CategoryPII, models.SeverityCritical,
		"Medical record number", []models.RegulationRef{{Regulation: "HIPAA", Article: "164.514"}}},
	{"dea_number", regexp.MustCompile(`\b[ABFGMPRX][A-Z]\d{7}\b`), models.CategoryPII, models.SeverityHigh,
		"US DEA registration number", []models.RegulationRef{{Regulation: "HIPAA", Article: "164.514"}}},
	{"health_plan_id", regexp.MustCompile(`(?i)\b(?:member|policy|health_plan)_id\s*[:=]\s*"?[A-Z0-9]{6,14}"?`), models.CategoryPII, models.SeverityHigh,
		"Health plan member identifier", []models.RegulationRef{{Regulation: "HIPAA", Article: "164.514"}}},
	{"dna_sequence", regexp.MustCompile(`\b[ACGT]{20,}\b`), models.CategoryPII, models.SeverityHigh,
		"Raw DNA sequence literal", []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 9"}}},
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), models.CategorySecurity, models.SeverityCritical,
		"AWS access key id", nil},
	{"private_key_block", regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`), models.CategorySecurity, models.SeverityCritical,
		"Embedded private key material", nil},
	{"jwt_literal", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{5,}\b`), models.CategorySecurity, models.SeverityCritical,
		"Hardcoded JSON Web Token", nil},
	{"basic_auth_url", regexp.MustCompile(`[a-z][a-z0-9+.-]*://[^/\s:@]+:[^@\s]+@`), models.CategorySecurity, models.SeverityCritical,
		"Credentials embedded in URL", nil},
	{"bearer_literal", regexp.MustCompile(`(?i)authorization\s*[:=]\s*["']?bearer\s+[A-Za-z0-9._~+/-]{20,}`), models.CategorySecurity, models.SeverityCritical,
		"Hardcoded bearer token", nil},
	{"password_assign", regexp.MustCompile(`(?i)\bpass(?:word|wd)?\s*[:=]\s*["'][^"']{6,}["']`), models.CategorySecurity, models.SeverityCritical,
		"Hardcoded password", nil},
	{"dob_literal", regexp.MustCompile(`(?i)\b(?:dob|date_of_birth|birth_date)\s*[:=]\s*["']?\d{4}[-/]\d{2}[-/]\d{2}`), models.CategoryPII, models.SeverityHigh,
		"Date of birth literal", nil},
	{"mothers_maiden_name", regexp.MustCompile(`(?i)mothers?_maiden_name`), models.CategoryPII, models.SeverityMedium,
		"Mother's maiden name field", nil},
	{"ip_address", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), models.CategoryPII, models.SeverityLow,
		"IP address literal", []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 4(1)"}}},
	{"mac_address", regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}\b`), models.CategoryPII, models.SeverityLow,
		"MAC address literal", nil},
	{"imei", regexp.MustCompile(`(?i)\bimei\s*[:=]\s*"?\d{15}"?`), models.CategoryPII, models.SeverityMedium,
		"Device IMEI assignment", nil},
	{"device_id_assign", regexp.MustCompile(`(?i)\bdevice_id\s*[:=]\s*["'][A-Za-z0-9-]{8,}["']`), models.CategoryPII, models.SeverityMedium,
		"Persistent device identifier assignment", nil},
	{"username_email_pair", regexp.MustCompile(`(?i)\busername\s*[:=]\s*["'][^"'@\s]+@[^"'\s]+["']`), models.CategoryPII, models.SeverityMedium,
		"Email address used as username literal", nil},
	{"full_name_assign", regexp.MustCompile(`(?i)\b(?:full|legal)_name\s*[:=]\s*["'][A-Z][a-z]+\s+[A-Z][a-z]+["']`), models.CategoryPII, models.SeverityMedium,
		"Hardcoded legal name", nil},
	{"salary_literal", regexp.MustCompile(`(?i)\bsalary\s*[:=]\s*"?\d{4,}"?`), models.CategoryPII, models.SeverityMedium,
		"Compensation amount literal", nil},
	{"insurance_number", regexp.MustCompile(`(?i)\binsurance_(?:no|num|number|id)\s*[:=]\s*"?[A-Z0-9-]{6,}"?`), models.CategoryPII, models.SeverityHigh,
		"Insurance policy number", nil},
}

type ComprehensivePIIRule struct{}

func (ComprehensivePIIRule) ID() string          { return "R2" }
func (ComprehensivePIIRule) Description() string { return "Comprehensive PII pattern match" }

func (r ComprehensivePIIRule) Evaluate(ec EvalContext) []Violation {
	var out []Violation
	for _, sp := range r2Patterns {
		for i, line := range ec.Lines {
			if m := sp.pattern.FindString(line); m != "" {
				out = append(out, Violation{
					Line:           i + 1,
					Match:          truncateExcerpt(fmt.Sprintf("%s: %s", sp.subtype, line)),
					Subtype:        sp.subtype,
					Severity:       sp.severity,
					Category:       sp.category,
					Description:    sp.desc,
					RegulationRefs: sp.regs,
				})
			}
		}
	}
	return out
}

// ===== R3 Privacy Policy Rule =====

var (
	r3DeleteUsers = regexp.MustCompile(`(?i)DELETE\s+FROM\s+users\s+WHERE\s+id\s*=\s*['"]?\w+['"]?`)
	r3SellData    = regexp.MustCompile(`(?i)sell_user_data\s*=\s*true`)
	r3CollectAll  = regexp.MustCompile(`(?i)(?:collect[_\s]all[_\s]data|store[_\s]everything)`)
)

type PrivacyPolicyRule struct{}

func (PrivacyPolicyRule) ID() string          { return "R3" }
func (PrivacyPolicyRule) Description() string { return "Hardcoded GDPR erasure / CCPA opt-out hazard" }

func (r PrivacyPolicyRule) Evaluate(ec EvalContext) []Violation {
	var out []Violation
	for i, line := range ec.Lines {
		switch {
		case r3DeleteUsers.MatchString(line):
			out = append(out, Violation{
				Line: i + 1, Match: truncateExcerpt(line), Severity: models.SeverityHigh, Category: models.CategoryConsent,
				Description:    "Hardcoded literal DELETE bypasses the right-to-erasure workflow",
				FixHint:        "Route deletions through a parameterized erasure request handler, not a literal DELETE.",
				RegulationRefs: []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 17"}},
			})
		case r3SellData.MatchString(line):
			out = append(out, Violation{
				Line: i + 1, Match: truncateExcerpt(line), Severity: models.SeverityCritical, Category: models.CategoryConsent,
				Description:    "Explicit sale-of-data flag without a do-not-sell honor path",
				RegulationRefs: []models.RegulationRef{{Regulation: "CCPA", Article: "1798.120"}},
			})
		case r3CollectAll.MatchString(line):
			out = append(out, Violation{
				Line: i + 1, Match: truncateExcerpt(line), Severity: models.SeverityHigh, Category: models.CategoryConsent,
				Description:    "Unbounded data collection literal conflicts with data minimization",
				RegulationRefs: []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 5(1)(c)"}},
			})
		}
	}
	return out
}

// ===== R4 Consent Rule =====

var (
	r4ConsentMarker  = regexp.MustCompile(`(?i)@consent_required|@privacy_consent|@gdpr_consent|data_purpose\s*=|profiling_disabled\s*=\s*true`)
	r4DataCapture    = regexp.MustCompile(`(?i)\b(data_capture|capture_pii|user_data|personal_info)\s*=`)
	r4ForcedConsent  = regexp.MustCompile(`(?i)forced_consent\s*=\s*true`)
	r4DisabledOptOut = regexp.MustCompile(`(?i)opt_out\s*=\s*false`)
)

type ConsentRule struct{}

func (ConsentRule) ID() string          { return "R4" }
func (ConsentRule) Description() string { return "Data capture without a consent marker" }

func (r ConsentRule) Evaluate(ec EvalContext) []Violation {
	var out []Violation
	for i, line := range ec.Lines {
		lineNo := i + 1
		if r4DataCapture.MatchString(line) {
			if !suppressedByMarker(ec, r4ConsentMarker, lineNo) {
				out = append(out, Violation{
					Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityHigh, Category: models.CategoryConsent,
					Description:    "Data-capture assignment lacks a consent marker on this or the preceding line",
					FixHint:        "Annotate with @consent_required, @gdpr_consent, or data_purpose=... on the same or prior line.",
					RegulationRefs: []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 7"}},
				})
			}
		}
		if r4ForcedConsent.MatchString(line) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityCritical, Category: models.CategoryConsent,
				Description:    "Consent is being forced rather than freely given",
				RegulationRefs: []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 7(4)"}},
			})
		}
		if r4DisabledOptOut.MatchString(line) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityHigh, Category: models.CategoryConsent,
				Description:    "Opt-out capability is explicitly disabled",
				RegulationRefs: []models.RegulationRef{{Regulation: "CCPA", Article: "1798.120"}},
			})
		}
	}
	return out
}

// ===== R5 Encryption Rule =====

var (
	r5EncMarker      = regexp.MustCompile(`(?i)@encrypt\b|@encrypted\b|@secure\b`)
	r5SensitiveTable = regexp.MustCompile(`(?i)(CREATE|ALTER)\s+TABLE|INSERT\s+INTO|UPDATE\s+\w+\s+SET`)
	r5SensitiveCol   = regexp.MustCompile(`(?i)\b(ssn|password|credit_card|date_of_birth|social_security)\b`)
	r5HTTPURL        = regexp.MustCompile(`http://[^\s'"]+`)
	r5TLSDisabled    = regexp.MustCompile(`(?i)\b(?:tls|ssl)\s*=\s*false\b`)
	r5PIIPrimaryKey  = regexp.MustCompile(`(?i)(email|phone|ssn)\s.*PRIMARY\s+KEY`)
	r5PIIEndpoint    = regexp.MustCompile(`(?i)(?:@app\.route|@GetMapping|router\.(?:get|post))\(.*(?:pii|personal|profile)`)
	r5RateLimitCall  = regexp.MustCompile(`apply_rate_limit\(`)
)

type EncryptionRule struct{}

func (EncryptionRule) ID() string          { return "R5" }
func (EncryptionRule) Description() string { return "Missing encryption or transport security" }

func (r EncryptionRule) Evaluate(ec EvalContext) []Violation {
	var out []Violation
	rateLimited := r5RateLimitCall.MatchString(ec.Content)

	for i, line := range ec.Lines {
		lineNo := i + 1

		if r5SensitiveTable.MatchString(line) && r5SensitiveCol.MatchString(line) {
			if !suppressedByMarker(ec, r5EncMarker, lineNo) {
				out = append(out, Violation{
					Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityCritical, Category: models.CategorySecurity,
					Description:    "Sensitive column touched without an encryption marker",
					FixHint:        "Annotate with @encrypt or @secure on this or the preceding line, or encrypt the column at rest.",
					RegulationRefs: []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 32"}, {Regulation: "PCI-DSS", Article: "3.4"}},
				})
			}
		}

		if m := r5HTTPURL.FindString(line); m != "" {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Subtype: "Insecure HTTP Protocol", Severity: models.SeverityHigh, Category: models.CategorySecurity,
				Description:    "Plaintext HTTP endpoint",
				RegulationRefs: []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 32"}},
			})
		}

		if r5TLSDisabled.MatchString(line) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityHigh, Category: models.CategorySecurity,
				Description:    "TLS/SSL explicitly disabled",
				RegulationRefs: []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 32"}},
			})
		}

		if r5PIIPrimaryKey.MatchString(line) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityHigh, Category: models.CategorySecurity,
				Description: "PII literal used as a primary key",
			})
		}

		if r5PIIEndpoint.MatchString(line) && !rateLimited {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityMedium, Category: models.CategorySecurity,
				Description: "PII-returning endpoint has no apply_rate_limit( call anywhere in the file",
				FixHint:     "Call apply_rate_limit( on the endpoint handler.",
			})
		}
	}
	return out
}

// ===== R6 Data Flow Rule =====

var (
	r6SourceAssign   = regexp.MustCompile(`(?i)\b(ssn|email|phone|credit_card|password)\s*=\s*(?:request|input|params)\.`)
	r6LogCall        = regexp.MustCompile(`(?i)\b(?:log|logger|console\.log|print|println)\s*\(`)
	r6PIIIdentifier  = regexp.MustCompile(`(?i)\b(ssn|email|password|credit_card|phone|date_of_birth)\b`)
	r6StackTrace     = regexp.MustCompile(`(?i)print(?:StackTrace|_exc|_exception)|traceback\.print`)
	r6Retain         = regexp.MustCompile(`(?i)retain\s+.*\s+for\s+\d+`)
	r6RetentionToken = regexp.MustCompile(`(?i)\b(?:ttl|delete_after|expires)\b`)
	r6InsertPII      = regexp.MustCompile(`(?i)(?:INSERT\s+INTO|UPDATE)\s+\w+.*\((?:[^)]*,)?\s*(?:ssn|email|phone|address)\b`)
	r6DSARCall       = regexp.MustCompile(`register_dsar\(`)
)

type DataFlowRule struct{}

func (DataFlowRule) ID() string          { return "R6" }
func (DataFlowRule) Description() string { return "Unsafe data flow of personal data" }

func (r DataFlowRule) Evaluate(ec EvalContext) []Violation {
	var out []Violation
	hasRetentionToken := r6RetentionToken.MatchString(ec.Content)
	hasDSAR := r6DSARCall.MatchString(ec.Content)

	for i, line := range ec.Lines {
		lineNo := i + 1

		if r6SourceAssign.MatchString(line) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityMedium, Category: models.CategoryDataflow,
				Description: "Sensitive data sourced directly from request input",
			})
		}

		if r6LogCall.MatchString(line) && r6PIIIdentifier.MatchString(line) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityHigh, Category: models.CategoryDataflow,
				Description:    "Logging call argument appears to contain PII",
				RegulationRefs: []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 5(1)(f)"}},
			})
		}

		if r6StackTrace.MatchString(line) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityMedium, Category: models.CategoryDataflow,
				Description: "Unsanitized stack trace emitter may leak request data",
			})
		}

		if r6Retain.MatchString(line) && !hasRetentionToken {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityMedium, Category: models.CategoryDataflow,
				Description: "Retention statement with no companion TTL/delete_after/expires token in the file",
			})
		}

		if r6InsertPII.MatchString(line) && !hasDSAR {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityMedium, Category: models.CategoryDataflow,
				Description: "Insert/update of personal data columns with no register_dsar( call in the file",
			})
		}
	}
	return out
}

// ===== R7 Advanced Privacy Rule =====

var (
	r7ScopeMarker     = regexp.MustCompile(`@scope\b`)
	r7GraphQLPIIField = regexp.MustCompile(`(?i)\b(ssn|email|phone|address)\s*:\s*(?:String|Int)!?`)
	r7AdMarker        = regexp.MustCompile(`consent\s*=\s*"opt_out"`)
	r7AdLoad          = regexp.MustCompile(`(?i)(?:loadAd|trackingPixel|analytics\.track)\(`)
	r7NonEEARegion    = regexp.MustCompile(`(?i)region\s*=\s*"(?:us-east|us-west|ap-south|sa-east)"`)
	r7PseudoMarker    = regexp.MustCompile(`(?i)pseudonymize|hash|tokenize`)
	r7JoinPII         = regexp.MustCompile(`(?i)JOIN\s+\w*(?:users|customers|patients)\w*`)
	r7MinimizeToken   = regexp.MustCompile(`(?i)minimization`)
	r7MLTraining      = regexp.MustCompile(`(?i)train(?:ing)?_data\s*=`)
	r7ContractMarker  = regexp.MustCompile(`(?i)privacy[-_]contract[-_]version`)
	r7APIVersionBump  = regexp.MustCompile(`(?i)api[-_]version\s*[:=]\s*["']?v?\d+`)
	r7ColumnAnnMarker = regexp.MustCompile(`@required\b|@referenced\b|@used\b`)
	r7NewColumnDDL    = regexp.MustCompile(`(?i)ADD\s+COLUMN\s+\w+`)
)

type AdvancedPrivacyRule struct{}

func (AdvancedPrivacyRule) ID() string          { return "R7" }
func (AdvancedPrivacyRule) Description() string { return "Context-aware advanced privacy pattern" }

func (r AdvancedPrivacyRule) Evaluate(ec EvalContext) []Violation {
	var out []Violation
	for i, line := range ec.Lines {
		lineNo := i + 1

		if r7GraphQLPIIField.MatchString(line) && !suppressedByMarker(ec, r7ScopeMarker, lineNo) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityMedium, Category: models.CategoryAdvanced,
				Description: "PII field declared without an @scope annotation",
			})
		}
		if r7AdLoad.MatchString(line) && !suppressedByMarker(ec, r7AdMarker, lineNo) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityMedium, Category: models.CategoryAdvanced,
				Description:    "Ad/tracking load without an opt-out consent annotation",
				RegulationRefs: []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 21"}},
			})
		}
		if r7NonEEARegion.MatchString(line) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityHigh, Category: models.CategoryAdvanced,
				Description:    "Cloud region suggests storage of EU data outside the EEA",
				RegulationRefs: []models.RegulationRef{{Regulation: "GDPR", Article: "Art. 44"}},
			})
		}
		if r7JoinPII.MatchString(line) && !suppressedByMarker(ec, r7PseudoMarker, lineNo) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityMedium, Category: models.CategoryAdvanced,
				Description: "Large PII-table JOIN without pseudonymize/hash/tokenize nearby",
			})
		}
		if r7MLTraining.MatchString(line) && !suppressedByMarker(ec, r7MinimizeToken, lineNo) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityMedium, Category: models.CategoryAdvanced,
				Description: "ML training data literal without an explicit minimization token",
			})
		}
		if r7APIVersionBump.MatchString(line) && !suppressedByMarker(ec, r7ContractMarker, lineNo) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityLow, Category: models.CategoryAdvanced,
				Description: "API version bump without an accompanying privacy-contract version token",
			})
		}
		if r7NewColumnDDL.MatchString(line) && !suppressedByMarker(ec, r7ColumnAnnMarker, lineNo) {
			out = append(out, Violation{
				Line: lineNo, Match: truncateExcerpt(line), Severity: models.SeverityLow, Category: models.CategoryAdvanced,
				Description: "New column added without an @required/@referenced/@used annotation",
			})
		}
	}
	return out
}

// ===== R8 AI-Guidance Rule =====

type r8Pattern struct {
	pattern  *regexp.Regexp
	desc     string
	law      string
	severity models.Severity
}

var r8Patterns = []r8Pattern{
	{regexp.MustCompile(`(?i)(?:password|api_key|secret)\s*=\s*["'][^"']+["']`), "Hardcoded credential", "GDPR Art. 32", models.SeverityCritical},
	{regexp.MustCompile(`(?i)collect_all_user_data|harvest_everything`), "Excessive data-collection aggregate", "GDPR Art. 5(1)(c)", models.SeverityHigh},
	{regexp.MustCompile(`(?i)log(?:ger)?\.(?:info|debug|warn)\(.*(?:ssn|email|password)`), "PII written to logs", "CCPA 1798.150", models.SeverityHigh},
	{regexp.MustCompile(`(?i)third_party_share\s*=\s*true`), "Third-party integration literal", "GDPR Art. 28", models.SeverityMedium},
	{regexp.MustCompile(`(?i)permanent(?:ly)?_delete\s*=\s*true`), "Permanent deletion literal bypasses retention policy", "GDPR Art. 17", models.SeverityMedium},
	{regexp.MustCompile(`(?i)opt_out_disabled\s*=\s*true`), "Disabled opt-out", "CCPA 1798.120", models.SeverityHigh},
	{regexp.MustCompile(`(?i)backup_all\s*=\s*true`), "Unbounded backup literal", "GDPR Art. 5(1)(e)", models.SeverityMedium},
}

type AIGuidanceRule struct{}

func (AIGuidanceRule) ID() string { return "R8" }
func (AIGuidanceRule) Description() string {
	return "AI-authored guidance hazard with a named regulation"
}

func (r AIGuidanceRule) Evaluate(ec EvalContext) []Violation {
	var out []Violation
	for _, p := range r8Patterns {
		for i, line := range ec.Lines {
			if p.pattern.MatchString(line) {
				out = append(out, Violation{
					Line: i + 1, Match: truncateExcerpt(line), Severity: p.severity, Category: models.CategoryAIGuidance,
					Description:    p.desc + " (" + p.law + ")",
					RegulationRefs: []models.RegulationRef{parseLawRef(p.law)},
				})
			}
		}
	}
	return out
}

func parseLawRef(law string) models.RegulationRef {
	parts := strings.SplitN(law, " ", 2)
	if len(parts) == 2 {
		return models.RegulationRef{Regulation: parts[0], Article: parts[1]}
	}
	return models.RegulationRef{Regulation: law}
}

// ===== R9 Developer-Guidance Rule =====

var (
	r9ObjectCreate = regexp.MustCompile(`(?i)new\s+\w*(?:User|Customer|Patient|Account)\w*\(|struct\s*{\s*$`)
	r9Storage      = regexp.MustCompile(`(?i)\.save\(|\.persist\(|INSERT\s+INTO`)
	r9PIIIdent     = regexp.MustCompile(`(?i)\b(ssn|email|password|credit_card|phone|address)\b`)
)

type DeveloperGuidanceRule struct{}

func (DeveloperGuidanceRule) ID() string { return "R9" }
func (DeveloperGuidanceRule) Description() string {
	return "Object/storage pattern carrying PII identifiers"
}

func (r DeveloperGuidanceRule) Evaluate(ec EvalContext) []Violation {
	var out []Violation
	for i, line := range ec.Lines {
		if !r9PIIIdent.MatchString(line) {
			continue
		}
		var impact, suggestion string
		switch {
		case r9Storage.MatchString(line):
			impact = "HIGH"
			suggestion = "Encrypt the field before persistence and restrict the storage layer's access scope."
		case r9ObjectCreate.MatchString(line):
			impact = "MEDIUM"
			suggestion = "Consider a dedicated value type that redacts in String()/logging."
		default:
			impact = "LOW"
			suggestion = "Review whether this identifier needs to be carried at all."
		}
		out = append(out, Violation{
			Line: i + 1, Match: truncateExcerpt(fmt.Sprintf("%s: %s", impact, line)), Subtype: impact,
			Severity: impactToSeverity(impact), Category: models.CategoryDevGuide,
			Description: "Object/storage construct carries a PII-denoting identifier",
			FixHint:     suggestion,
		})
	}
	return out
}

func impactToSeverity(impact string) models.Severity {
	switch impact {
	case "HIGH":
		return models.SeverityHigh
	case "MEDIUM":
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// ===== R10 Remote-AI Rule =====

// RemoteAIRule delegates to the AI Collaborator Adapter; its deterministic
// Evaluate always returns nil (R10 has no non-AI path by design), and the
// engine only invokes EvaluateAI when AI is enabled and available, per
// spec §4.2 R10 and §4.4's fail-open contract.
type RemoteAIRule struct {
	ChunkLines int // recommended default 50, spec §4.4 "Chunking"
}

func NewRemoteAIRule() RemoteAIRule {
	return RemoteAIRule{ChunkLines: 50}
}

func (RemoteAIRule) ID() string          { return "R10" }
func (RemoteAIRule) Description() string { return "AI-discovered privacy hazard" }

func (r RemoteAIRule) Evaluate(EvalContext) []Violation { return nil }

func (r RemoteAIRule) EvaluateAI(ctx context.Context, ec EvalContext, collab AICollaboratorPort) []Violation {
	if collab == nil {
		return nil
	}
	chunkSize := r.ChunkLines
	if chunkSize <= 0 {
		chunkSize = 50
	}
	var out []Violation
	for start := 0; start < len(ec.Lines); start += chunkSize {
		end := start + chunkSize
		if end > len(ec.Lines) {
			end = len(ec.Lines)
		}
		chunk := strings.Join(ec.Lines[start:end], "\n")
		prompt := fmt.Sprintf("Identify privacy/security violations in this %s source chunk. Respond as a JSON array of objects with fields line, subtype, description, fix, law, severity.", ec.Language)
		text, ok := collab.Analyze(ctx, prompt, chunk)
		if !ok || text == "" {
			continue
		}
		hits, err := parseAIViolations(text, start)
		if err != nil {
			continue
		}
		out = append(out, hits...)
	}
	return out
}
