package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/joelkehle/surveyforge/internal/survey"
)

var tracer = otel.Tracer("github.com/joelkehle/surveyforge/internal/analysis")

// ThemeSource extracts themes from free-text answers.
type ThemeSource interface {
	Extract(ctx context.Context, answers []string) (QualitativeReport, error)
}

var errNoUsableAnswers = errors.New("no usable answers")

// Summarizer turns stored responses into per-question summaries.
type Summarizer struct {
	themes ThemeSource
	logger *zap.Logger
}

// NewSummarizer returns a Summarizer. themes may be nil, in which case
// open-ended questions get the count-and-sample fallback.
func NewSummarizer(themes ThemeSource, logger *zap.Logger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{themes: themes, logger: logger}
}

// Summarize builds a DataReport for doc. Questions nobody answered are
// skipped. A question whose summary cannot be computed gets a MinimalSummary;
// Summarize itself never fails.
func (s *Summarizer) Summarize(ctx context.Context, doc survey.Document, responses []survey.Response) DataReport {
	ctx, span := tracer.Start(ctx, "analysis.Summarize")
	defer span.End()

	report := DataReport{
		SurveyTitle:       doc.Title,
		SurveyDescription: doc.Description,
		TotalRespondents:  len(responses),
	}
	degraded := 0
	for _, q := range doc.Questions {
		answers := collectAnswers(q, responses)
		if len(answers) == 0 {
			continue
		}
		res := QuestionResult{
			QuestionID:    q.ID,
			QuestionTitle: q.Text,
			QuestionType:  q.Type,
			ResponseCount: len(answers),
		}
		sum, err := s.SummarizeQuestion(ctx, q, answers)
		if err != nil {
			degraded++
			s.logger.Warn("summary degraded", zap.Int("question_id", q.ID), zap.String("type", string(q.Type)), zap.Error(err))
			sum = minimalFor(len(answers))
			res.Degraded = true
		}
		res.Summary = sum
		report.QuestionResults = append(report.QuestionResults, res)
	}
	span.SetAttributes(
		attribute.Int("analysis.respondents", len(responses)),
		attribute.Int("analysis.questions", len(report.QuestionResults)),
		attribute.Int("analysis.degraded", degraded),
	)
	return report
}

// SummarizeQuestion summarizes answers for a single question. Panics raised
// while summarizing are returned as errors.
func (s *Summarizer) SummarizeQuestion(ctx context.Context, q survey.Question, answers []any) (sum Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			sum, err = nil, fmt.Errorf("summarize question %d: %v", q.ID, r)
		}
	}()
	switch q.Type {
	case survey.Scale:
		return summarizeScale(q, answers)
	case survey.SingleChoice:
		return summarizeSingle(answers)
	case survey.MultiChoice:
		return summarizeMulti(answers)
	case survey.OpenEnded:
		return s.summarizeOpen(ctx, answers), nil
	}
	return nil, fmt.Errorf("unsupported question type %q", q.Type)
}

func summarizeScale(q survey.Question, answers []any) (Summary, error) {
	var (
		values []float64
		sum    float64
	)
	dist := make(map[string]int)
	for _, a := range answers {
		v, ok := numericAnswer(a)
		if !ok {
			continue
		}
		values = append(values, v)
		sum += v
		dist[survey.FormatNumber(v)]++
	}
	if len(values) == 0 {
		return nil, errNoUsableAnswers
	}
	mean := sum / float64(len(values))
	lo, hi := q.Bounds()
	tendency := ClassifyTendency(mean, lo, hi)
	scaleRange := survey.FormatNumber(lo) + "-" + survey.FormatNumber(hi)
	return ScaleSummary{
		AverageScore:      round2(mean),
		ScoreDistribution: dist,
		ScaleRange:        scaleRange,
		Tendency:          tendency,
		Text:              fmt.Sprintf("The average score is %.2f (%s), a %s tendency.", mean, scaleRange, tendency),
	}, nil
}

// ClassifyTendency compares mean against the scale midpoint with a one-unit
// band on either side. A mean on the band edge falls outside the neutral band.
func ClassifyTendency(mean, lo, hi float64) Tendency {
	mid := (lo + hi) / 2
	switch {
	case mean >= mid+1:
		return TendencyPositive
	case mean <= mid-1:
		return TendencyNegative
	default:
		return TendencyNeutral
	}
}

func summarizeSingle(answers []any) (Summary, error) {
	c := newCounter()
	for _, a := range answers {
		c.add(labelAnswer(a))
	}
	top := c.mostCommon(1)
	if len(top) == 0 {
		return nil, errNoUsableAnswers
	}
	pct := float64(top[0].Count) / float64(c.total()) * 100
	return SingleChoiceSummary{
		OptionDistribution: c.counts,
		TopChoice:          top[0].Option,
		TopPercentage:      round1(pct),
		Text:               fmt.Sprintf("Most respondents (%.1f%%) chose %q.", pct, top[0].Option),
	}, nil
}

func summarizeMulti(answers []any) (Summary, error) {
	c := newCounter()
	for _, a := range answers {
		for _, choice := range choiceAnswers(a) {
			c.add(choice)
		}
	}
	top := c.mostCommon(3)
	if len(top) == 0 {
		return nil, errNoUsableAnswers
	}
	return MultiChoiceSummary{
		SelectionFrequency: c.counts,
		MostSelected:       top,
		Text:               fmt.Sprintf("The most selected option is %q (%d times).", top[0].Option, top[0].Count),
	}, nil
}

// summarizeOpen never fails: without themes it reports the answer count and
// the first answer as a sample.
func (s *Summarizer) summarizeOpen(ctx context.Context, answers []any) Summary {
	texts := make([]string, 0, len(answers))
	for _, a := range answers {
		if t := textAnswer(a); t != "" {
			texts = append(texts, t)
		}
	}
	fallback := OpenEndedSummary{Text: fmt.Sprintf("Collected %d text responses.", len(texts))}
	if len(texts) > 0 {
		fallback.SampleQuote = texts[0]
	}
	if s.themes == nil || len(texts) == 0 {
		return fallback
	}
	rep, err := s.themes.Extract(ctx, texts)
	if err != nil {
		s.logger.Warn("theme extraction failed, using sample quote", zap.Error(err))
		return fallback
	}
	out := OpenEndedSummary{
		SentimentSummary: RollupSentiment(rep.Themes),
		Text:             truncateInsight(rep.Summary, 200),
	}
	for i, t := range rep.Themes {
		if i < 5 {
			out.MainThemes = append(out.MainThemes, t.Theme)
		}
		if i < 3 {
			out.RepresentativeQuotes = append(out.RepresentativeQuotes, t.Quote)
		}
	}
	return out
}

func truncateInsight(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// sortedNumericKeys orders distribution keys numerically when they parse as
// numbers, lexically otherwise.
func sortedNumericKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.ParseFloat(keys[i], 64)
		b, errB := strconv.ParseFloat(keys[j], 64)
		if errA == nil && errB == nil && a != b {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}
