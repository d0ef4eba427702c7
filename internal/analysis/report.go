package analysis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/joelkehle/surveyforge/internal/llm"
	"github.com/joelkehle/surveyforge/internal/survey"
)

// ErrNoResponses is returned when a report is requested for a survey with no
// responses.
var ErrNoResponses = errors.New("survey has no responses")

// ErrNoOpenEnded is returned by Qualitative when the survey has no open-ended
// answers.
var ErrNoOpenEnded = errors.New("survey has no open-ended answers")

const reportSystem = `You are a senior data analyst and strategy consultant with more than ten years of survey research experience.
You find deep insights in data, connect information across dimensions and make actionable strategic recommendations.
Your report must be strict Markdown with a clear structure and well supported arguments.
Always produce the complete report; never stop before the conclusion.`

const reportTask = `

Task: using the data above, write a structured strategic diagnosis report.

Requirements:
1. The report must be complete and include every section of the template.
2. Keep each section concise.
3. Use strict Markdown.
4. Always reach the conclusion section.

Template:

# Full Analysis Report

## 1. Executive summary
[two or three sentences on the most important findings]

## 2. Key findings
### Finding 1: [title] (importance: high/medium/low)
- **Data**: [figures]
- **Interpretation**: [one or two sentences]

## 3. Cross-cutting insights
### 3.1 Correlations
### 3.2 Likely causes
### 3.3 Group comparison

## 4. Critical minorities
### 4.1 Strongly dissatisfied respondents
### 4.2 High value respondents

## 5. Risks and opportunities
### Main risks
### Main opportunities

## 6. Strategic recommendations
### Recommendation 1 (priority: high)
**Action**: [what]
**Rationale**: [why]
**Expected effect**: [result]

## 7. Conclusion
[one or two sentences]

Constraints: structure first, detail second; the conclusion section must appear.`

// IncompleteNotice is appended to reports that fail the completeness check.
const IncompleteNotice = "\n\n---\n\n**Note**: the report may be incomplete because the generated content was long. Download the PDF report for the full analysis."

var requiredSections = []string{
	"## 1. Executive summary",
	"## 2. Key findings",
	"## 5. Risks and opportunities",
	"## 6. Strategic recommendations",
}

var conclusionHeadings = []string{"## 7. Conclusion", "## Conclusion"}

// BuildSynthesisPrompt renders a DataReport as the user prompt for report
// synthesis.
func BuildSynthesisPrompt(d DataReport) string {
	var b strings.Builder
	b.WriteString("Survey overview\n")
	fmt.Fprintf(&b, "Topic: %s\n", d.SurveyTitle)
	if d.SurveyDescription != "" {
		fmt.Fprintf(&b, "Description: %s\n", d.SurveyDescription)
	}
	fmt.Fprintf(&b, "Valid responses: %d\n", d.TotalRespondents)
	fmt.Fprintf(&b, "Questions analysed: %d\n", len(d.QuestionResults))
	b.WriteString("\nDetailed results\n")
	for i, qr := range d.QuestionResults {
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, qr.QuestionTitle)
		fmt.Fprintf(&b, "   Type: %s  |  Responses: %d\n", qr.QuestionType.Label(), qr.ResponseCount)
		if qr.Summary == nil {
			continue
		}
		if in := qr.Summary.Insight(); in != "" {
			fmt.Fprintf(&b, "   Finding: %s\n", in)
		}
		qr.Summary.writePrompt(&b)
	}
	b.WriteString(reportTask)
	return b.String()
}

// FullReport is a synthesized Markdown report plus the data it was built from.
type FullReport struct {
	Markdown string     `json:"report_markdown"`
	Complete bool       `json:"is_complete"`
	Data     DataReport `json:"data"`
}

type ReportOptions struct {
	Temperature float64
	MaxTokens   int
}

// Reporter produces survey-level analyses.
type Reporter struct {
	backend    llm.Backend
	summarizer *Summarizer
	themes     ThemeSource
	opts       ReportOptions
	logger     *zap.Logger
}

func NewReporter(backend llm.Backend, summarizer *Summarizer, themes ThemeSource, opts ReportOptions, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if summarizer == nil {
		summarizer = NewSummarizer(themes, logger)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8000
	}
	return &Reporter{backend: backend, summarizer: summarizer, themes: themes, opts: opts, logger: logger}
}

// FullReport summarizes every question and asks the backend for a strategic
// report. Reports failing the completeness check are returned with
// IncompleteNotice appended and Complete set to false.
func (r *Reporter) FullReport(ctx context.Context, doc survey.Document, responses []survey.Response) (FullReport, error) {
	ctx, span := tracer.Start(ctx, "analysis.Report")
	defer span.End()
	if len(responses) == 0 {
		return FullReport{}, ErrNoResponses
	}

	data := r.summarizer.Summarize(ctx, doc, responses)
	out, err := r.backend.Complete(ctx, llm.Request{
		System:      reportSystem,
		Prompt:      BuildSynthesisPrompt(data),
		Temperature: r.opts.Temperature,
		MaxTokens:   r.opts.MaxTokens,
	})
	if err != nil {
		be := llm.Classify(err)
		span.RecordError(be)
		span.SetStatus(codes.Error, string(be.Category))
		return FullReport{}, be
	}

	md := StripMarkdownFence(out)
	complete := CheckCompleteness(md)
	if !complete {
		r.logger.Warn("report may be incomplete", zap.Int("chars", utf8.RuneCountInString(md)))
		md += IncompleteNotice
	}
	span.SetAttributes(attribute.Bool("analysis.report_complete", complete), attribute.Int("analysis.report_chars", len(md)))
	r.logger.Info("report generated", zap.Int("responses", len(responses)), zap.Bool("complete", complete))
	return FullReport{Markdown: md, Complete: complete, Data: data}, nil
}

// Qualitative runs theme extraction over every open-ended answer in the
// survey.
func (r *Reporter) Qualitative(ctx context.Context, doc survey.Document, responses []survey.Response) (QualitativeReport, error) {
	if len(responses) == 0 {
		return QualitativeReport{}, ErrNoResponses
	}
	var texts []string
	for _, q := range doc.Questions {
		if q.Type != survey.OpenEnded {
			continue
		}
		for _, a := range collectAnswers(q, responses) {
			if t := textAnswer(a); t != "" {
				texts = append(texts, t)
			}
		}
	}
	if len(texts) == 0 {
		return QualitativeReport{}, ErrNoOpenEnded
	}
	if r.themes == nil {
		return QualitativeReport{}, errors.New("theme extraction not configured")
	}
	return r.themes.Extract(ctx, texts)
}

var markdownFenceRe = regexp.MustCompile("(?s)```(?:markdown|md)\\s*(.*?)(?:```|$)")

// StripMarkdownFence unwraps a report the model returned inside a code fence.
func StripMarkdownFence(s string) string {
	s = strings.TrimSpace(s)
	if m := markdownFenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if strings.Contains(s, "```") {
		for _, part := range strings.Split(s, "```") {
			if strings.Contains(part, "#") && utf8.RuneCountInString(part) > 100 {
				return strings.TrimSpace(part)
			}
		}
	}
	return s
}

const terminalRunes = ".!?\"')]*。！？、）】》」"

// CheckCompleteness reports whether a synthesized report looks whole: it has
// a conclusion heading, at least 1000 characters, does not stop mid-sentence
// and misses at most one required section.
func CheckCompleteness(md string) bool {
	if !containsAny(md, conclusionHeadings) {
		return false
	}
	if utf8.RuneCountInString(md) < 1000 {
		return false
	}
	trimmed := strings.TrimSpace(md)
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	if !strings.ContainsRune(terminalRunes, last) {
		runes := []rune(trimmed)
		tail := string(runes[max(0, len(runes)-100):])
		if !containsAny(tail, conclusionHeadings) {
			return false
		}
	}
	missing := 0
	for _, s := range requiredSections {
		if !strings.Contains(md, s) {
			missing++
		}
	}
	return missing <= 1
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
