package rulecatalog

import (
	"strings"
	"testing"

	"github.com/qualys/dspm/internal/models"
)

func TestFormatEnvelope_StableForm(t *testing.T) {
	got := FormatEnvelope(models.LangJava, "/src/T.java", 1, "Hardcoded email address literal", `String e = "test@example.com";`)
	want := `[Java] /src/T.java:1 - Hardcoded email address literal (found: "String e = \"test@example.com\";")`
	if got != want {
		t.Fatalf("unexpected envelope:\n got: %s\nwant: %s", got, want)
	}
}

func TestFormatEnvelope_EscapesNewlines(t *testing.T) {
	got := FormatEnvelope(models.LangPython, "a.py", 3, "desc", "line one\nline two")
	if strings.Contains(got, "\n") {
		t.Fatalf("expected newlines escaped, got %q", got)
	}
	if !strings.Contains(got, `line one\nline two`) {
		t.Fatalf("expected literal \\n in excerpt, got %q", got)
	}
}

func TestFormatEnvelope_TruncatesLongExcerpt(t *testing.T) {
	long := strings.Repeat("x", 600)
	got := FormatEnvelope(models.LangGo, "f.go", 1, "desc", long)
	if !strings.Contains(got, "…") {
		t.Fatal("expected a trailing ellipsis on a truncated excerpt")
	}
	if strings.Count(got, "x") != 512 {
		t.Fatalf("expected the excerpt cut at 512 bytes, got %d", strings.Count(got, "x"))
	}
}

func TestParseEnvelope_RoundTrip(t *testing.T) {
	in := Envelope{
		Language:    models.LangTypeScript,
		Path:        "/repo/src/user.ts",
		Line:        42,
		Description: "Data capture without a consent marker",
		Match:       `const data_capture = "email";`,
	}
	s := FormatEnvelope(in.Language, in.Path, in.Line, in.Description, in.Match)
	out, err := ParseEnvelope(s)
	if err != nil {
		t.Fatalf("ParseEnvelope returned error: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestParseEnvelope_RejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "not an envelope", `[Go] f.go:notanumber - d (found: "x")`} {
		if _, err := ParseEnvelope(s); err == nil {
			t.Fatalf("expected an error for %q", s)
		}
	}
}
