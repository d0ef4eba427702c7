package repair

import (
	"regexp"
	"strings"
)

// Tier is a single repair step. Apply must be a pure function of its input.
type Tier struct {
	Name  string
	Apply func(string) string
}

// NormalizationTiers run in this order after the extracted span fails to
// decode. Lexical normalization precedes numeric coercion because it can turn
// glyphs into digits.
var NormalizationTiers = []Tier{
	{Name: "lexical", Apply: NormalizeLexical},
	{Name: "numeric", Apply: CoerceNumericFields},
	{Name: "comments", Apply: StripComments},
	{Name: "entities", Apply: EscapeAmpersands},
	{Name: "trailing", Apply: TrimTrailingContent},
	{Name: "blank_lines", Apply: DropBlankLines},
}

// Normalize applies every NormalizationTier in order.
func Normalize(text string) string {
	for _, t := range NormalizationTiers {
		text = t.Apply(text)
	}
	return text
}

var glyphReplacer = strings.NewReplacer(
	"\u2160", "1",
	"\u2161", "2",
	"\u2162", "3",
	"\u2163", "4",
	"\u2164", "5",
	"\u2013", "-",
	"\u2014", "-",
)

var oddWhitespaceRe = regexp.MustCompile(`[\x{00A0}\x{2000}-\x{200B}\x{202F}\x{3000}\x{FEFF}]`)

// NormalizeLexical maps roman-numeral glyphs to ASCII digits, en/em dashes to
// '-', and non-standard whitespace code points to ' '.
func NormalizeLexical(text string) string {
	text = glyphReplacer.Replace(text)
	return oddWhitespaceRe.ReplaceAllString(text, " ")
}

var (
	leadingZeroRe   = regexp.MustCompile(`:\s+0+(\d+)`)
	scaleMinWordRe  = regexp.MustCompile(`"scale_min":\s*[a-zA-Z_]+`)
	scaleMaxWordRe  = regexp.MustCompile(`"scale_max":\s*[a-zA-Z_]+`)
	spacedNumberRe  = regexp.MustCompile(`:\s+(\d)`)
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
	stringLiteralRe = regexp.MustCompile(`"(?:[^"\\\n]|\\.)*"`)
	bareAmpersandRe = regexp.MustCompile(`&(#[0-9]+;|#x[0-9a-fA-F]+;|[a-zA-Z][a-zA-Z0-9]*;)?`)
)

const (
	defaultScaleMin = `"scale_min": 1`
	defaultScaleMax = `"scale_max": 5`
)

// CoerceNumericFields strips leading zeros from numeric values (": 07" → ": 7")
// and forces bare-word scale bounds to integer defaults.
func CoerceNumericFields(text string) string {
	text = leadingZeroRe.ReplaceAllString(text, ": $1")
	text = scaleMinWordRe.ReplaceAllString(text, defaultScaleMin)
	text = scaleMaxWordRe.ReplaceAllString(text, defaultScaleMax)
	return spacedNumberRe.ReplaceAllString(text, ": $1")
}

// StripComments removes // line comments and /* */ block comments that occur
// outside string literals.
func StripComments(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '/' && i+1 < len(text) {
			switch text[i+1] {
			case '/':
				for i < len(text) && text[i] != '\n' {
					i++
				}
				if i < len(text) {
					b.WriteByte('\n')
				}
				continue
			case '*':
				end := strings.Index(text[i+2:], "*/")
				if end == -1 {
					return b.String()
				}
				i += 2 + end + 1
				continue
			}
		}
		if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}

// EscapeAmpersands rewrites bare '&' inside string literals as "&amp;".
// Existing entities are left alone. This is regex based and does not handle
// string literals that span lines.
func EscapeAmpersands(text string) string {
	if !strings.Contains(text, "&") {
		return text
	}
	return stringLiteralRe.ReplaceAllStringFunc(text, func(lit string) string {
		if !strings.Contains(lit, "&") {
			return lit
		}
		return bareAmpersandRe.ReplaceAllStringFunc(lit, func(m string) string {
			if m != "&" {
				return m
			}
			return "&amp;"
		})
	})
}

// TrimTrailingContent drops prose after the last '}' unless it starts with ','.
func TrimTrailingContent(text string) string {
	last := strings.LastIndexByte(text, '}')
	if last <= 0 {
		return text
	}
	after := strings.TrimSpace(text[last+1:])
	if after != "" && !strings.HasPrefix(after, ",") {
		return text[:last+1]
	}
	return text
}

// DropBlankLines removes whitespace-only lines.
func DropBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// StripTrailingCommas removes commas that directly precede '}' or ']'.
func StripTrailingCommas(text string) string {
	return trailingCommaRe.ReplaceAllString(text, "$1")
}
