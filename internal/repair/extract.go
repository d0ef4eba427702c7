package repair

import (
	"regexp"
	"strings"
)

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json|JSON)\\s*(.*?)\\s*```")

// ExtractSpan isolates the candidate JSON object inside model output. A fenced
// ```json block wins; otherwise the first '{' is matched to its closing brace,
// skipping braces inside string literals. An unterminated object yields the
// tail from the first '{'. Text with no '{' is returned trimmed.
func ExtractSpan(text string) string {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return strings.TrimSpace(text)
	}
	if end := matchingBrace(text, start); end != -1 {
		return strings.TrimSpace(text[start : end+1])
	}
	return strings.TrimSpace(text[start:])
}

// matchingBrace returns the index of the '}' closing the '{' at start, or -1.
func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
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
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
