package editor

import (
	"regexp"
	"strings"
)

// Serialize flattens segments into the expression string: trimmed text runs
// and token references joined by single spaces. Labels never appear.
func Serialize(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s.Token != nil {
			parts = append(parts, s.Token.reference)
			continue
		}
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func (e *Editor) Serialize() string { return Serialize(e.segments) }

var (
	commaSpacing = regexp.MustCompile(`\s*,\s*`)
	openParen    = regexp.MustCompile(`\(\s+`)
	closeParen   = regexp.MustCompile(`\s+\)`)
)

// NormalizeExpression prepares a serialized expression for submission to the
// BI platform: line breaks and tabs become spaces, commas are followed by one
// space and parentheses hug their contents.
func NormalizeExpression(expr string) string {
	expr = strings.Join(strings.Fields(expr), " ")
	expr = commaSpacing.ReplaceAllString(expr, ", ")
	expr = openParen.ReplaceAllString(expr, "(")
	expr = closeParen.ReplaceAllString(expr, ")")
	return strings.TrimSpace(expr)
}

func (e *Editor) SubmissionExpression() string {
	return NormalizeExpression(e.Serialize())
}
