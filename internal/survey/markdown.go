package survey

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Markdown renders the questionnaire for people to read.
func (d Document) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", orNA(d.Title))
	if d.Description != "" {
		b.WriteString(d.Description + "\n\n")
	}
	fmt.Fprintf(&b, "- **Target audience:** %s\n", orNA(d.TargetAudience))
	fmt.Fprintf(&b, "- **Estimated time:** %s\n", orNA(d.EstimatedTime))
	fmt.Fprintf(&b, "- **Questions:** %d\n\n", len(d.Questions))
	b.WriteString("## Questions\n")
	for _, q := range d.Questions {
		req := "optional"
		if q.Required {
			req = "required"
		}
		fmt.Fprintf(&b, "\n### %d. %s\n\n_%s, %s_\n\n", q.ID, q.Text, q.Type.Label(), req)
		switch {
		case q.Type.IsChoice():
			for i, opt := range q.Options {
				fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
			}
		case q.Type == Scale:
			lo, hi := q.Bounds()
			fmt.Fprintf(&b, "Scale: %s to %s\n", FormatNumber(lo), FormatNumber(hi))
			for _, k := range sortedLabelKeys(q.ScaleLabels) {
				fmt.Fprintf(&b, "- %s: %s\n", k, q.ScaleLabels[k])
			}
		case q.Type == OpenEnded:
			b.WriteString("Free text answer.\n")
		}
	}
	if d.DesignNotes != "" {
		b.WriteString("\n## Design notes\n\n" + d.DesignNotes + "\n")
	}
	return b.String()
}

// FormatNumber prints whole numbers without a fractional part.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func sortedLabelKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		fi, erri := strconv.ParseFloat(keys[i], 64)
		fj, errj := strconv.ParseFloat(keys[j], 64)
		if erri == nil && errj == nil {
			return fi < fj
		}
		return keys[i] < keys[j]
	})
	return keys
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
