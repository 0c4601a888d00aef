package models

import (
	"encoding/json"
	"reflect"
	"testing"
)

// Round-trip (property 8): serializing and deserializing a Finding yields an
// equal Finding.
func TestFinding_JSONRoundTrip(t *testing.T) {
	in := Finding{
		FindingID:       FindingID("/src/a.js", 12, "R2", "ssn_dashed: ssn = \"123-45-6789\""),
		FilePath:        "/src/a.js",
		Line:            12,
		Language:        LangJavaScript,
		RuleID:          "R2",
		RuleDescription: "Comprehensive PII pattern match",
		Category:        CategoryPII,
		Severity:        SeverityCritical,
		MatchExcerpt:    "ssn_dashed: ssn = \"123-45-6789\"",
		Description:     "US Social Security Number (dashed)",
		FixHint:         "Remove the literal from source.",
		RegulationRefs:  []RegulationRef{{Regulation: "GDPR", Article: "Art. 9"}},
		AIEnhanced:      true,
		AIConfidence:    0.85,
		AIModel:         "test-model",
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Finding
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

// Regulation append-only (property 7): appending never drops or reorders
// existing refs, and duplicates are not added twice.
func TestAppendRegulationRefs_AppendOnly(t *testing.T) {
	base := []RegulationRef{
		{Regulation: "GDPR", Article: "Art. 7"},
		{Regulation: "CCPA", Article: "1798.120"},
	}
	out := AppendRegulationRefs(base,
		RegulationRef{Regulation: "GDPR", Article: "Art. 7"},
		RegulationRef{Regulation: "HIPAA", Article: "164.514"},
	)

	if len(out) != 3 {
		t.Fatalf("expected 3 refs (duplicate skipped), got %d: %v", len(out), out)
	}
	for i, ref := range base {
		if out[i] != ref {
			t.Fatalf("expected existing ref %d preserved in place, got %v", i, out[i])
		}
	}
	if out[2].Regulation != "HIPAA" {
		t.Fatalf("expected the new ref appended last, got %v", out[2])
	}
}

func TestAppendRegulationRefs_DoesNotMutateInput(t *testing.T) {
	base := []RegulationRef{{Regulation: "GDPR", Article: "Art. 7"}}
	_ = AppendRegulationRefs(base, RegulationRef{Regulation: "CCPA", Article: "1798.120"})
	if len(base) != 1 {
		t.Fatalf("expected the input slice untouched, got %v", base)
	}
}

func TestSeverityAtLeast(t *testing.T) {
	cases := []struct {
		s, floor Severity
		want     bool
	}{
		{SeverityCritical, SeverityLow, true},
		{SeverityLow, SeverityLow, true},
		{SeverityLow, SeverityMedium, false},
		{SeverityMedium, SeverityHigh, false},
		{SeverityHigh, SeverityHigh, true},
	}
	for _, c := range cases {
		if got := SeverityAtLeast(c.s, c.floor); got != c.want {
			t.Errorf("SeverityAtLeast(%s, %s) = %v, want %v", c.s, c.floor, got, c.want)
		}
	}
}

func TestSeverityWeight_ContractValues(t *testing.T) {
	want := map[Severity]int{
		SeverityCritical: 10,
		SeverityHigh:     5,
		SeverityMedium:   2,
		SeverityLow:      1,
	}
	for sev, weight := range want {
		if got := SeverityWeight(sev); got != weight {
			t.Errorf("SeverityWeight(%s) = %d, want %d", sev, got, weight)
		}
	}
}

func TestStatusForScore_Thresholds(t *testing.T) {
	cases := []struct {
		score int
		want  Status
	}{
		{100, StatusCompliant},
		{90, StatusCompliant},
		{89, StatusNeedsImprovement},
		{60, StatusNeedsImprovement},
		{59, StatusNonCompliant},
		{0, StatusNonCompliant},
	}
	for _, c := range cases {
		if got := StatusForScore(c.score); got != c.want {
			t.Errorf("StatusForScore(%d) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestWorseStatus_Precedence(t *testing.T) {
	if got := WorseStatus(StatusCompliant, StatusNonCompliant); got != StatusNonCompliant {
		t.Fatalf("expected NON_COMPLIANT to outrank COMPLIANT, got %s", got)
	}
	if got := WorseStatus(StatusNonCompliant, StatusPartial); got != StatusPartial {
		t.Fatalf("expected PARTIAL to outrank everything, got %s", got)
	}
	if got := WorseStatus(StatusNeedsImprovement, StatusCompliant); got != StatusNeedsImprovement {
		t.Fatalf("expected the first argument kept when it already ranks worse, got %s", got)
	}
}

func TestScanRequest_Validate_ExactlyOneInput(t *testing.T) {
	if err := (ScanRequest{}).Validate(); err == nil {
		t.Fatal("expected an error when neither input is set")
	}
	both := ScanRequest{
		ProjectPath:  "/tmp/p",
		InlineSource: &InlineSource{Content: "x = 1", FileType: "py"},
	}
	if err := both.Validate(); err == nil {
		t.Fatal("expected an error when both inputs are set")
	}
	if err := (ScanRequest{ProjectPath: "/tmp/p"}).Validate(); err != nil {
		t.Fatalf("expected project_path alone to validate, got %v", err)
	}
	inline := ScanRequest{InlineSource: &InlineSource{Content: "x = 1", FileType: "py"}}
	if err := inline.Validate(); err != nil {
		t.Fatalf("expected inline_source alone to validate, got %v", err)
	}
}

func TestOptions_Filters(t *testing.T) {
	opts := DefaultOptions()
	if !opts.RuleAllowed("R1") || !opts.LanguageAllowed(LangGo) {
		t.Fatal("expected empty filters to mean \"*\"")
	}

	opts.RuleFilter = map[string]bool{"R5": true}
	if opts.RuleAllowed("R1") {
		t.Fatal("expected R1 filtered out")
	}
	if !opts.RuleAllowed("R5") {
		t.Fatal("expected R5 allowed")
	}

	opts.LanguageFilter = map[Language]bool{LangJava: true}
	if opts.LanguageAllowed(LangGo) {
		t.Fatal("expected Go filtered out")
	}
	if !opts.LanguageAllowed(LangJava) {
		t.Fatal("expected Java allowed")
	}
}

func TestFindingID_Length(t *testing.T) {
	id := FindingID("a.go", 1, "R1", "x")
	if len(id) != 32 {
		t.Fatalf("expected a 32-char finding id, got %d chars", len(id))
	}
}
