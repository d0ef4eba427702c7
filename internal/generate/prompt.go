package generate

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/joelkehle/surveyforge/internal/retrieval"
)

const systemRole = `You are an experienced questionnaire designer who builds rigorous, high quality surveys.

Your job:
1. Understand the survey requirement in depth.
2. Draw on the reference surveys retrieved from the knowledge base.
3. Apply questionnaire design best practice.
4. Keep every question clear, precise and logically ordered.

Design principles: avoid ambiguity, avoid leading or loaded questions, respect the respondent's time, order questions logically, and tailor the content to the stated scenario.`

const humanTemplate = `Create a professional questionnaire from the information below.

**Requirement:**
%s

**Reference surveys (retrieved from the knowledge base):**
%s

**Rules:**
1. Analyse the scenario and purpose of the requirement.
2. Borrow design ideas from the reference surveys when they are relevant.
3. Ask 8 to 12 questions so respondents can finish in reasonable time.
4. Pick suitable question types: single_choice, multi_choice, scale, open_ended.
5. Choice questions need a complete, sensible option list (an "Other" option is fine) with at least two options.
6. Scale questions need numeric scale_min and scale_max.
7. Every question must be answerable; do not produce empty or decorative questions.

**Output format (JSON only, no commentary):**
{
  "title": "survey title",
  "description": "purpose of the survey",
  "target_audience": "who should answer",
  "estimated_time": "e.g. 5-10 minutes",
  "questions": [
    {
      "id": 1,
      "type": "single_choice|multi_choice|scale|open_ended",
      "text": "question text",
      "required": true,
      "options": ["option 1", "option 2"],
      "scale_min": 1,
      "scale_max": 5,
      "scale_labels": {"1": "Very dissatisfied", "5": "Very satisfied"}
    }
  ],
  "design_notes": "design rationale and caveats"
}`

const enhanceSystem = `You are a senior questionnaire design consultant.
Rewrite the user's survey requirement so that it is professional and rigorous, states the core goal of the survey, defines the target audience and scope, and stays concise (one to three sentences).
Reply with the rewritten requirement only.`

// Placeholder contexts substituted when retrieval cannot supply references.
const (
	PlaceholderUninitialized = "Reference database not initialized; no reference surveys available."
	PlaceholderFailed        = "Reference retrieval failed; the survey will be designed from general best practice."
	PlaceholderNoResults     = "No similar reference surveys were found; the survey will be designed from general best practice."
)

// DefaultMaxContextChars bounds the rendered reference block.
const DefaultMaxContextChars = 6000

// FormatContext renders retrieved references into a prompt block no longer
// than maxChars runes. References that do not fit are dropped whole, except
// the first, which is truncated.
func FormatContext(hits []retrieval.Hit, maxChars int) string {
	if len(hits) == 0 {
		return PlaceholderNoResults
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxContextChars
	}
	var b strings.Builder
	b.WriteString("Here are well designed surveys on similar topics; refer to their design approach:\n\n")
	used := utf8.RuneCountInString(b.String())
	for i, h := range hits {
		var e strings.Builder
		fmt.Fprintf(&e, "Example %d:\n%s\n", i+1, strings.TrimSpace(h.Text))
		if meta := formatMetadata(h.Metadata); meta != "" {
			e.WriteString("Metadata: " + meta + "\n")
		}
		e.WriteString("\n---\n\n")
		entry := e.String()
		n := utf8.RuneCountInString(entry)
		if used+n > maxChars {
			if i == 0 {
				b.WriteString(truncateRunes(entry, maxChars-used))
			}
			break
		}
		b.WriteString(entry)
		used += n
	}
	return b.String()
}

func formatMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ", ")
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// BuildUserInput appends extra requirements to the topic in key order.
func BuildUserInput(topic string, extra map[string]string) string {
	topic = strings.TrimSpace(topic)
	if len(extra) == 0 {
		return topic
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(topic)
	b.WriteString("\n\n**Additional requirements:**\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, extra[k])
	}
	return b.String()
}

func buildPrompt(userInput, context string) string {
	return fmt.Sprintf(humanTemplate, userInput, context)
}
