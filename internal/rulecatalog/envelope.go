package rulecatalog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/qualys/dspm/internal/models"
)

// envelopeMaxExcerpt is the byte cap on the match excerpt inside the
// qualified-string form; longer excerpts are cut and suffixed with "…".
const envelopeMaxExcerpt = 512

// FormatEnvelope renders one violation in the stable qualified-string form
// consumed by external tooling:
//
//	[<language>] <path>:<line> - <description> (found: "<match>")
//
// Double quotes in the excerpt are escaped as \", newlines as \n, and the
// excerpt is truncated to 512 bytes with a trailing "…" when longer.
func FormatEnvelope(lang models.Language, path string, line int, description, match string) string {
	return fmt.Sprintf(`[%s] %s:%d - %s (found: "%s")`, lang, path, line, description, escapeExcerpt(match))
}

func escapeExcerpt(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	if len(s) > envelopeMaxExcerpt {
		s = s[:envelopeMaxExcerpt] + "…"
	}
	return s
}

func unescapeExcerpt(s string) string {
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// Envelope is the parsed form of one qualified violation string.
type Envelope struct {
	Language    models.Language
	Path        string
	Line        int
	Description string
	Match       string
}

var envelopePattern = regexp.MustCompile(`^\[([^\]]+)\] (.+):(\d+) - (.*) \(found: "(.*)"\)$`)

// ParseEnvelope parses a qualified violation string back into its parts; it
// is the inverse of FormatEnvelope.
func ParseEnvelope(s string) (Envelope, error) {
	m := envelopePattern.FindStringSubmatch(s)
	if m == nil {
		return Envelope{}, fmt.Errorf("not a qualified violation string: %q", s)
	}
	line, err := strconv.Atoi(m[3])
	if err != nil {
		return Envelope{}, fmt.Errorf("bad line number in violation string: %w", err)
	}
	return Envelope{
		Language:    models.Language(m[1]),
		Path:        m[2],
		Line:        line,
		Description: m[4],
		Match:       unescapeExcerpt(m[5]),
	}, nil
}
