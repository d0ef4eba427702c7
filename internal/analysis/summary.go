package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/joelkehle/surveyforge/internal/survey"
)

// Summary is the per-question statistical digest. The concrete type always
// matches the question type of the enclosing QuestionResult, except for
// MinimalSummary, which any question may degrade to.
type Summary interface {
	Insight() string
	writePrompt(b *strings.Builder)
}

type Tendency string

const (
	TendencyPositive Tendency = "positive"
	TendencyNegative Tendency = "negative"
	TendencyNeutral  Tendency = "neutral"
)

// OptionCount is one option and how often it was chosen.
type OptionCount struct {
	Option string `json:"option"`
	Count  int    `json:"count"`
}

type ScaleSummary struct {
	AverageScore      float64        `json:"average_score"`
	ScoreDistribution map[string]int `json:"score_distribution"`
	ScaleRange        string         `json:"scale_range"`
	Tendency          Tendency       `json:"tendency"`
	Text              string         `json:"insight"`
}

func (s ScaleSummary) Insight() string { return s.Text }

func (s ScaleSummary) writePrompt(b *strings.Builder) {
	fmt.Fprintf(b, "   Average score: %s / %s\n", survey.FormatNumber(s.AverageScore), s.ScaleRange)
	fmt.Fprintf(b, "   Score distribution: %s\n", formatDistribution(s.ScoreDistribution))
}

type SingleChoiceSummary struct {
	OptionDistribution map[string]int `json:"option_distribution"`
	TopChoice          string         `json:"top_choice"`
	TopPercentage      float64        `json:"top_percentage"`
	Text               string         `json:"insight"`
}

func (s SingleChoiceSummary) Insight() string { return s.Text }

func (s SingleChoiceSummary) writePrompt(b *strings.Builder) {
	fmt.Fprintf(b, "   Top choice: %s (%s%%)\n", s.TopChoice, survey.FormatNumber(s.TopPercentage))
}

type MultiChoiceSummary struct {
	SelectionFrequency map[string]int `json:"selection_frequency"`
	MostSelected       []OptionCount  `json:"most_selected"`
	Text               string         `json:"insight"`
}

func (s MultiChoiceSummary) Insight() string { return s.Text }

func (s MultiChoiceSummary) writePrompt(b *strings.Builder) {
	parts := make([]string, 0, len(s.MostSelected))
	for _, oc := range s.MostSelected {
		parts = append(parts, fmt.Sprintf("%s (%d times)", oc.Option, oc.Count))
	}
	fmt.Fprintf(b, "   Most selected: %s\n", strings.Join(parts, ", "))
}

// OpenEndedSummary carries theme analysis of free-text answers. When theme
// extraction fails only Text and SampleQuote are set.
type OpenEndedSummary struct {
	MainThemes           []string `json:"main_themes,omitempty"`
	RepresentativeQuotes []string `json:"representative_quotes,omitempty"`
	SentimentSummary     string   `json:"sentiment_summary,omitempty"`
	SampleQuote          string   `json:"sample_quote,omitempty"`
	Text                 string   `json:"insight"`
}

func (s OpenEndedSummary) Insight() string { return s.Text }

func (s OpenEndedSummary) writePrompt(b *strings.Builder) {
	if len(s.MainThemes) > 0 {
		fmt.Fprintf(b, "   Core themes: %s\n", strings.Join(s.MainThemes[:min(3, len(s.MainThemes))], ", "))
	}
	if len(s.RepresentativeQuotes) > 0 {
		fmt.Fprintf(b, "   Typical quote: %q\n", s.RepresentativeQuotes[0])
	} else if s.SampleQuote != "" {
		fmt.Fprintf(b, "   Sample quote: %q\n", s.SampleQuote)
	}
	if s.SentimentSummary != "" {
		fmt.Fprintf(b, "   Sentiment: %s\n", s.SentimentSummary)
	}
}

// MinimalSummary replaces any summary that could not be computed.
type MinimalSummary struct {
	Text string `json:"insight"`
}

func (s MinimalSummary) Insight() string { return s.Text }

func (MinimalSummary) writePrompt(*strings.Builder) {}

func minimalFor(n int) MinimalSummary {
	return MinimalSummary{Text: fmt.Sprintf("received %d responses", n)}
}

// QuestionResult is the summary of one question's answers.
type QuestionResult struct {
	QuestionID    int                 `json:"question_id"`
	QuestionTitle string              `json:"question_title"`
	QuestionType  survey.QuestionType `json:"question_type"`
	ResponseCount int                 `json:"response_count"`
	Degraded      bool                `json:"degraded,omitempty"`
	Summary       Summary             `json:"result_summary"`
}

// UnmarshalJSON picks the Summary variant from question_type.
func (r *QuestionResult) UnmarshalJSON(b []byte) error {
	type plain QuestionResult
	var raw struct {
		plain
		Summary json.RawMessage `json:"result_summary"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = QuestionResult(raw.plain)
	var (
		s   Summary
		err error
	)
	switch {
	case raw.Degraded:
		s, err = decodeSummary[MinimalSummary](raw.Summary)
	case raw.QuestionType == survey.Scale:
		s, err = decodeSummary[ScaleSummary](raw.Summary)
	case raw.QuestionType == survey.SingleChoice:
		s, err = decodeSummary[SingleChoiceSummary](raw.Summary)
	case raw.QuestionType == survey.MultiChoice:
		s, err = decodeSummary[MultiChoiceSummary](raw.Summary)
	case raw.QuestionType == survey.OpenEnded:
		s, err = decodeSummary[OpenEndedSummary](raw.Summary)
	default:
		s, err = decodeSummary[MinimalSummary](raw.Summary)
	}
	if err != nil {
		return fmt.Errorf("result_summary for question %d: %w", raw.QuestionID, err)
	}
	r.Summary = s
	return nil
}

func decodeSummary[T Summary](b json.RawMessage) (Summary, error) {
	var v T
	if len(b) == 0 || string(b) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DataReport is the survey-wide input to report synthesis.
type DataReport struct {
	SurveyTitle       string           `json:"survey_title"`
	SurveyDescription string           `json:"survey_description,omitempty"`
	TotalRespondents  int              `json:"total_respondents"`
	QuestionResults   []QuestionResult `json:"question_results"`
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
func round1(f float64) float64 { return math.Round(f*10) / 10 }

func formatDistribution(m map[string]int) string {
	keys := sortedNumericKeys(m)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %d", k, m[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
