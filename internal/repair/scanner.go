package repair

import "strings"

type scanState int

const (
	stateNormal scanState = iota
	stateInString
	stateEscaped
)

func (s scanState) String() string {
	switch s {
	case stateInString:
		return "in_string"
	case stateEscaped:
		return "escaped"
	default:
		return "normal"
	}
}

// Scanner walks candidate text one byte at a time tracking string state and
// brace/bracket depth. It never backtracks.
type Scanner struct {
	state    scanState
	braces   int
	brackets int
}

// Step advances the scanner over c.
func (s *Scanner) Step(c byte) {
	switch s.state {
	case stateEscaped:
		s.state = stateInString
	case stateInString:
		switch c {
		case '\\':
			s.state = stateEscaped
		case '"':
			s.state = stateNormal
		}
	case stateNormal:
		switch c {
		case '"':
			s.state = stateInString
		case '{':
			s.braces++
		case '}':
			s.braces--
		case '[':
			s.brackets++
		case ']':
			s.brackets--
		}
	}
}

// Balanced reports whether the scanner is outside any string with every
// brace and bracket closed.
func (s *Scanner) Balanced() bool {
	return s.state == stateNormal && s.braces == 0 && s.brackets == 0
}

// ScanResult describes where aggressive repair should cut and what it must
// append.
type ScanResult struct {
	// Cut is the length of the prefix to keep.
	Cut int
	// Truncated is true when trailing content after a balanced prefix was found.
	Truncated bool
	// OpenBraces and OpenBrackets are the depths outstanding at Cut.
	OpenBraces   int
	OpenBrackets int
}

// continuationOpeners are the characters that, following a balanced prefix,
// mean the structure continues rather than trailing prose starting.
const continuationOpeners = "{[(<"

func isBoundary(c byte) bool {
	return c == ',' || c == '\n' || c == ' ' || c == '\t'
}

func isScanSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Scan finds the earliest point at which all structures are balanced and the
// next non-whitespace character is not a continuation opener.
func Scan(text string) ScanResult {
	var s Scanner
	for i := 0; i < len(text); i++ {
		c := text[i]
		s.Step(c)
		if !s.Balanced() || !isBoundary(c) {
			continue
		}
		j := i + 1
		for j < len(text) && isScanSpace(text[j]) {
			j++
		}
		if j < len(text) && !strings.ContainsRune(continuationOpeners, rune(text[j])) {
			return ScanResult{Cut: i + 1, Truncated: true}
		}
	}
	return ScanResult{Cut: len(text), OpenBraces: max(s.braces, 0), OpenBrackets: max(s.brackets, 0)}
}

// countUnescapedQuotes counts '"' characters not preceded by an escaping
// backslash.
func countUnescapedQuotes(text string) int {
	n := 0
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			n++
		}
	}
	return n
}

// AggressiveRepair strips trailing commas, truncates at the first balanced
// boundary followed by non-structural text, closes an odd dangling quote, then
// appends the outstanding closing braces followed by closing brackets.
func AggressiveRepair(text string) string {
	text = StripTrailingCommas(text)
	res := Scan(text)
	text = strings.TrimRight(text[:res.Cut], " \t\r\n")
	if countUnescapedQuotes(text)%2 != 0 {
		text += `"`
	}
	text += strings.Repeat("}", res.OpenBraces)
	text += strings.Repeat("]", res.OpenBrackets)
	return text
}
