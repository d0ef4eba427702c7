package analysis

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/joelkehle/surveyforge/internal/survey"
)

// Stored answers arrive as a scalar, a string, a list of strings or a
// {"type": ..., "value": ...} wrapper. The helpers below reduce all of them to
// what a given question type needs.

// unwrap returns the value of a {type, value} wrapper, or v itself.
func unwrap(v any) any {
	if m, ok := v.(map[string]any); ok {
		if inner, ok := m["value"]; ok {
			return inner
		}
		return nil
	}
	return v
}

// numericAnswer coerces an answer to a number.
func numericAnswer(v any) (float64, bool) {
	switch x := unwrap(v).(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// labelAnswer coerces an answer to a single option label.
func labelAnswer(v any) string {
	switch x := unwrap(v).(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			parts = append(parts, labelAnswer(e))
		}
		return strings.Join(parts, ", ")
	default:
		return scalarString(x)
	}
}

// choiceAnswers flattens an answer into the labels it selects.
func choiceAnswers(v any) []string {
	switch x := unwrap(v).(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s := labelAnswer(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return x
	default:
		if s := labelAnswer(x); s != "" {
			return []string{s}
		}
		return nil
	}
}

// textAnswer coerces an answer to trimmed free text.
func textAnswer(v any) string {
	return labelAnswer(v)
}

func scalarString(v any) string {
	switch x := v.(type) {
	case float64:
		return survey.FormatNumber(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// answered reports whether v counts as a given answer.
func answered(v any) bool {
	switch x := unwrap(v).(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case []any:
		return len(x) > 0
	}
	return true
}

// collectAnswers gathers the non-nil answers for q across responses, in
// response order.
func collectAnswers(q survey.Question, responses []survey.Response) []any {
	key := q.Key()
	var out []any
	for _, r := range responses {
		if v, ok := r.Answers[key]; ok && v != nil {
			out = append(out, v)
		}
	}
	return out
}

// counter is a frequency table that remembers first-seen order for ties.
type counter struct {
	order  []string
	counts map[string]int
}

func newCounter() *counter { return &counter{counts: make(map[string]int)} }

func (c *counter) add(k string) {
	if _, ok := c.counts[k]; !ok {
		c.order = append(c.order, k)
	}
	c.counts[k]++
}

func (c *counter) total() int {
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}

// mostCommon returns up to n entries by descending count. Equal counts keep
// first-seen order.
func (c *counter) mostCommon(n int) []OptionCount {
	out := make([]OptionCount, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, OptionCount{Option: k, Count: c.counts[k]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
