package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/joelkehle/surveyforge/internal/llm"
	"github.com/joelkehle/surveyforge/internal/repair"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// ParseSentiment maps free-form model output onto a Sentiment. Anything
// unrecognised is neutral.
func ParseSentiment(s string) Sentiment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "积极", "正面":
		return SentimentPositive
	case "negative", "消极", "负面":
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// Theme is one cluster of open-ended feedback.
type Theme struct {
	Theme       string    `json:"theme"`
	Sentiment   Sentiment `json:"sentiment"`
	Quote       string    `json:"quote"`
	Count       int       `json:"count"`
	Description string    `json:"description,omitempty"`
}

type QualitativeReport struct {
	Summary        string    `json:"summary"`
	Themes         []Theme   `json:"themes"`
	Recommendation string    `json:"recommendation"`
	AnswerCount    int       `json:"answer_count"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// RollupSentiment describes the balance of positive and negative themes.
func RollupSentiment(themes []Theme) string {
	pos, neg := 0, 0
	for _, t := range themes {
		switch t.Sentiment {
		case SentimentPositive:
			pos++
		case SentimentNegative:
			neg++
		}
	}
	switch {
	case pos > neg:
		return "mostly positive"
	case neg > pos:
		return "mostly negative"
	default:
		return "mixed"
	}
}

// Markdown renders the report with themes grouped by sentiment.
func (r QualitativeReport) Markdown() string {
	var b strings.Builder
	b.WriteString("# Qualitative Analysis Report\n\n## Summary\n\n")
	b.WriteString(r.Summary)
	b.WriteString("\n\n---\n\n## Themes\n\n")

	groups := []struct {
		sentiment Sentiment
		heading   string
		label     string
	}{
		{SentimentPositive, "### Positive themes", "Positive"},
		{SentimentNegative, "### Themes needing attention", "Negative"},
		{SentimentNeutral, "### Neutral themes", "Neutral"},
	}
	for _, g := range groups {
		var themes []Theme
		for _, t := range r.Themes {
			if t.Sentiment == g.sentiment {
				themes = append(themes, t)
			}
		}
		if len(themes) == 0 {
			continue
		}
		b.WriteString(g.heading + "\n\n")
		for _, t := range themes {
			desc := t.Description
			if desc == "" {
				desc = "None"
			}
			fmt.Fprintf(&b, "#### %s\n\n- **Sentiment**: %s\n- **Representative quote**:\n  > %q\n- **Mentions**: %d\n- **Notes**: %s\n\n",
				t.Theme, g.label, t.Quote, t.Count, desc)
		}
	}

	b.WriteString("---\n\n## Recommendations\n\n")
	b.WriteString(r.Recommendation)
	b.WriteString("\n")
	if !r.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "\n---\n\n**Analysed at**: %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// ErrNoAnswers is returned when no answer survives preprocessing.
var ErrNoAnswers = errors.New("no open-ended answers to analyse")

const themeSystem = "You are a qualitative research analyst. You extract themes from text, judge their sentiment and recommend actions. Reply with strict JSON only."

const themeTemplate = `Perform a thematic and content analysis of the user feedback below.

Tasks:
1. Theme coding: identify 3 to 8 core themes, each named by a short phrase.
2. Sentiment: label each theme "positive", "negative" or "neutral".
3. Quotes: pick one representative verbatim quote per theme.
4. Frequency: estimate how often each theme is mentioned as an integer from 1 to 10.
5. Description: one short sentence per theme.

User feedback (%d answers):

%s

Reply with this JSON and nothing else:
{
  "summary": "overall summary of the feedback",
  "themes": [
    {"theme": "theme name", "sentiment": "positive|negative|neutral", "quote": "verbatim quote", "count": 5, "description": "short description"}
  ],
  "recommendation": "concrete, actionable recommendations"
}`

type ThemeOptions struct {
	Temperature float64
	MaxTokens   int
}

// ThemeExtractor asks the generation backend to code free-text answers into
// themes.
type ThemeExtractor struct {
	backend llm.Backend
	engine  *repair.Engine
	opts    ThemeOptions
	logger  *zap.Logger
	now     func() time.Time
}

func NewThemeExtractor(backend llm.Backend, engine *repair.Engine, opts ThemeOptions, logger *zap.Logger) *ThemeExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = repair.NewEngine(nil, logger)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &ThemeExtractor{backend: backend, engine: engine, opts: opts, logger: logger, now: time.Now}
}

// PreprocessAnswers trims answers, drops those shorter than three characters
// and removes duplicates, keeping first occurrences in order.
func PreprocessAnswers(answers []string) []string {
	seen := make(map[string]struct{}, len(answers))
	out := make([]string, 0, len(answers))
	for _, a := range answers {
		a = strings.TrimSpace(a)
		if utf8.RuneCountInString(a) < 3 {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

type themePayload struct {
	Summary string `json:"summary"`
	Themes  []struct {
		Theme       string      `json:"theme"`
		Sentiment   string      `json:"sentiment"`
		Quote       string      `json:"quote"`
		Count       json.Number `json:"count"`
		Description string      `json:"description"`
	} `json:"themes"`
	Recommendation string `json:"recommendation"`
}

func (x *ThemeExtractor) Extract(ctx context.Context, answers []string) (QualitativeReport, error) {
	cleaned := PreprocessAnswers(answers)
	if len(cleaned) == 0 {
		return QualitativeReport{}, ErrNoAnswers
	}
	lines := make([]string, len(cleaned))
	for i, a := range cleaned {
		lines[i] = "- " + a
	}
	raw, err := x.backend.Complete(ctx, llm.Request{
		System:      themeSystem,
		Prompt:      fmt.Sprintf(themeTemplate, len(cleaned), strings.Join(lines, "\n")),
		Temperature: x.opts.Temperature,
		MaxTokens:   x.opts.MaxTokens,
	})
	if err != nil {
		return QualitativeReport{}, llm.Classify(err)
	}

	var p themePayload
	if _, err := x.engine.Parse(ctx, "themes", raw, &p); err != nil {
		return QualitativeReport{}, err
	}
	rep := QualitativeReport{
		Summary:        strings.TrimSpace(p.Summary),
		Recommendation: strings.TrimSpace(p.Recommendation),
		AnswerCount:    len(cleaned),
		GeneratedAt:    x.now(),
	}
	for _, t := range p.Themes {
		if strings.TrimSpace(t.Theme) == "" {
			continue
		}
		count := 0
		if f, err := t.Count.Float64(); err == nil && f > 0 {
			count = int(f)
		}
		rep.Themes = append(rep.Themes, Theme{
			Theme:       strings.TrimSpace(t.Theme),
			Sentiment:   ParseSentiment(t.Sentiment),
			Quote:       strings.TrimSpace(t.Quote),
			Count:       count,
			Description: strings.TrimSpace(t.Description),
		})
	}
	x.logger.Info("themes extracted", zap.Int("answers", len(cleaned)), zap.Int("themes", len(rep.Themes)))
	return rep, nil
}
