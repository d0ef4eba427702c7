package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/joelkehle/surveyforge/internal/llm"
	"github.com/joelkehle/surveyforge/internal/survey"
)

func f64(v float64) *float64 { return &v }

func scaleQ(id int) survey.Question {
	return survey.Question{ID: id, Type: survey.Scale, Text: "Rate it", ScaleMin: f64(1), ScaleMax: f64(5)}
}

func responsesFor(key string, answers ...any) []survey.Response {
	out := make([]survey.Response, len(answers))
	for i, a := range answers {
		out[i] = survey.Response{ID: string(rune('a' + i)), Answers: map[string]any{key: a}}
	}
	return out
}

type fakeThemes struct {
	rep   QualitativeReport
	err   error
	panic bool
	got   []string
}

func (f *fakeThemes) Extract(_ context.Context, answers []string) (QualitativeReport, error) {
	if f.panic {
		panic("theme backend exploded")
	}
	f.got = answers
	return f.rep, f.err
}

func TestScaleSummaryMeanAndTendency(t *testing.T) {
	s := NewSummarizer(nil, nil)
	sum, err := s.SummarizeQuestion(context.Background(), scaleQ(1), []any{1.0, 1.0, 2.0, 3.0, 4.0, 5.0, 5.0, 5.0})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := sum.(ScaleSummary)
	if !ok {
		t.Fatalf("expected ScaleSummary, got %T", sum)
	}
	if got.AverageScore != 3.25 || got.Tendency != TendencyNeutral || got.ScaleRange != "1-5" {
		t.Fatalf("unexpected summary: %+v", got)
	}
	want := map[string]int{"1": 2, "2": 1, "3": 1, "4": 1, "5": 3}
	if diff := cmp.Diff(want, got.ScoreDistribution); diff != "" {
		t.Fatalf("distribution (-want +got):\n%s", diff)
	}
}

func TestClassifyTendencyBoundaries(t *testing.T) {
	tests := []struct {
		mean float64
		want Tendency
	}{
		{4, TendencyPositive},
		{3.99, TendencyNeutral},
		{2, TendencyNegative},
		{2.01, TendencyNeutral},
		{3, TendencyNeutral},
	}
	for _, tc := range tests {
		if got := ClassifyTendency(tc.mean, 1, 5); got != tc.want {
			t.Errorf("ClassifyTendency(%v) = %s, want %s", tc.mean, got, tc.want)
		}
	}
	if got := ClassifyTendency(8, 0, 10); got != TendencyPositive {
		t.Errorf("0-10 scale mean 8 = %s", got)
	}
}

func TestScaleAcceptsAnswerShapes(t *testing.T) {
	s := NewSummarizer(nil, nil)
	answers := []any{
		4.0,
		"4",
		map[string]any{"type": "scale", "value": 4.0},
		map[string]any{"type": "scale", "value": "4"},
		"not a number",
	}
	sum, err := s.SummarizeQuestion(context.Background(), scaleQ(1), answers)
	if err != nil {
		t.Fatal(err)
	}
	got := sum.(ScaleSummary)
	if got.AverageScore != 4 || got.Tendency != TendencyPositive {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestSingleChoiceTopChoice(t *testing.T) {
	s := NewSummarizer(nil, nil)
	q := survey.Question{ID: 1, Type: survey.SingleChoice, Text: "Pick", Options: []string{"A", "B"}}
	sum, err := s.SummarizeQuestion(context.Background(), q, []any{"A", map[string]any{"type": "single_choice", "value": "A"}, "B"})
	if err != nil {
		t.Fatal(err)
	}
	got := sum.(SingleChoiceSummary)
	if got.TopChoice != "A" || got.TopPercentage != 66.7 {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestMultiChoiceTopThreeKeepsFirstSeenOnTies(t *testing.T) {
	s := NewSummarizer(nil, nil)
	q := survey.Question{ID: 1, Type: survey.MultiChoice, Text: "Pick many", Options: []string{"a", "b", "c", "d"}}
	answers := []any{
		[]any{"d", "b"},
		map[string]any{"type": "multi_choice", "value": []any{"c", "b"}},
		"a",
		[]any{"c"},
	}
	sum, err := s.SummarizeQuestion(context.Background(), q, answers)
	if err != nil {
		t.Fatal(err)
	}
	got := sum.(MultiChoiceSummary)
	want := []OptionCount{{"b", 2}, {"c", 2}, {"d", 1}}
	if diff := cmp.Diff(want, got.MostSelected); diff != "" {
		t.Fatalf("most selected (-want +got):\n%s", diff)
	}
	if got.SelectionFrequency["a"] != 1 {
		t.Fatalf("frequency = %v", got.SelectionFrequency)
	}
}

func TestOpenEndedUsesThemes(t *testing.T) {
	themes := &fakeThemes{rep: QualitativeReport{
		Summary: strings.Repeat("s", 250),
		Themes: []Theme{
			{Theme: "Price", Sentiment: SentimentNegative, Quote: "too expensive"},
			{Theme: "Staff", Sentiment: SentimentPositive, Quote: "friendly"},
			{Theme: "Music", Sentiment: SentimentNegative, Quote: "too loud"},
			{Theme: "Wifi", Sentiment: SentimentNeutral, Quote: "ok"},
		},
	}}
	s := NewSummarizer(themes, nil)
	q := survey.Question{ID: 3, Type: survey.OpenEnded, Text: "Anything else?"}
	sum, err := s.SummarizeQuestion(context.Background(), q, []any{" too expensive ", map[string]any{"type": "open_ended", "value": "friendly"}, ""})
	if err != nil {
		t.Fatal(err)
	}
	got := sum.(OpenEndedSummary)
	if diff := cmp.Diff([]string{"too expensive", "friendly"}, themes.got); diff != "" {
		t.Fatalf("texts passed to extractor (-want +got):\n%s", diff)
	}
	if len(got.MainThemes) != 4 || len(got.RepresentativeQuotes) != 3 {
		t.Fatalf("unexpected summary: %+v", got)
	}
	if got.SentimentSummary != "mostly negative" {
		t.Fatalf("sentiment = %q", got.SentimentSummary)
	}
	if len([]rune(got.Text)) != 203 || !strings.HasSuffix(got.Text, "...") {
		t.Fatalf("insight not truncated: %d runes", len([]rune(got.Text)))
	}
}

func TestOpenEndedFallsBackOnExtractorError(t *testing.T) {
	s := NewSummarizer(&fakeThemes{err: errors.New("quota exceeded")}, nil)
	q := survey.Question{ID: 3, Type: survey.OpenEnded, Text: "Anything else?"}
	sum, err := s.SummarizeQuestion(context.Background(), q, []any{"first answer", "second answer"})
	if err != nil {
		t.Fatalf("open-ended fallback must not fail: %v", err)
	}
	got := sum.(OpenEndedSummary)
	if got.SampleQuote != "first answer" || got.Text != "Collected 2 text responses." {
		t.Fatalf("unexpected fallback: %+v", got)
	}
}

func TestSummarizeDegradesPerQuestion(t *testing.T) {
	doc := survey.Document{
		Title: "Cafe",
		Questions: []survey.Question{
			scaleQ(1),
			{ID: 2, Type: survey.OpenEnded, Text: "Why?"},
			{ID: 3, Type: survey.SingleChoice, Text: "Pick", Options: []string{"A", "B"}},
			{ID: 4, Type: survey.OpenEnded, Text: "Unanswered"},
		},
	}
	responses := []survey.Response{
		{Answers: map[string]any{"1": "great", "2": "because", "3": "A"}},
		{Answers: map[string]any{"1": "awful", "2": "why not", "3": "B"}},
	}
	s := NewSummarizer(&fakeThemes{panic: true}, nil)
	rep := s.Summarize(context.Background(), doc, responses)

	if rep.TotalRespondents != 2 || len(rep.QuestionResults) != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	for _, qr := range rep.QuestionResults[:2] {
		m, ok := qr.Summary.(MinimalSummary)
		if !ok || !qr.Degraded || m.Text != "received 2 responses" {
			t.Fatalf("question %d should be degraded, got %T %+v", qr.QuestionID, qr.Summary, qr.Summary)
		}
	}
	if _, ok := rep.QuestionResults[2].Summary.(SingleChoiceSummary); !ok {
		t.Fatalf("question 3 should be summarized normally, got %T", rep.QuestionResults[2].Summary)
	}
}

func TestQuestionResultJSONKeepsVariant(t *testing.T) {
	in := DataReport{
		SurveyTitle:      "Cafe",
		TotalRespondents: 3,
		QuestionResults: []QuestionResult{
			{QuestionID: 1, QuestionTitle: "Rate", QuestionType: survey.Scale, ResponseCount: 3,
				Summary: ScaleSummary{AverageScore: 4.5, ScoreDistribution: map[string]int{"4": 1, "5": 1}, ScaleRange: "1-5", Tendency: TendencyPositive, Text: "x"}},
			{QuestionID: 2, QuestionTitle: "Pick", QuestionType: survey.SingleChoice, ResponseCount: 3, Degraded: true,
				Summary: MinimalSummary{Text: "received 3 responses"}},
		},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"result_summary":{"average_score":4.5`) {
		t.Fatalf("unexpected encoding: %s", b)
	}
	var out DataReport
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildSynthesisPromptRendersVariants(t *testing.T) {
	d := DataReport{
		SurveyTitle:      "Cafe",
		TotalRespondents: 8,
		QuestionResults: []QuestionResult{
			{QuestionTitle: "Rate", QuestionType: survey.Scale, ResponseCount: 8,
				Summary: ScaleSummary{AverageScore: 3.25, ScoreDistribution: map[string]int{"10": 1, "2": 1}, ScaleRange: "1-10", Text: "avg"}},
			{QuestionTitle: "Pick", QuestionType: survey.SingleChoice, ResponseCount: 3,
				Summary: SingleChoiceSummary{TopChoice: "A", TopPercentage: 66.7, Text: "most chose A"}},
			{QuestionTitle: "Many", QuestionType: survey.MultiChoice, ResponseCount: 3,
				Summary: MultiChoiceSummary{MostSelected: []OptionCount{{"x", 3}, {"y", 1}}}},
			{QuestionTitle: "Why", QuestionType: survey.OpenEnded, ResponseCount: 2,
				Summary: OpenEndedSummary{MainThemes: []string{"t1", "t2", "t3", "t4"}, RepresentativeQuotes: []string{"q1"}, SentimentSummary: "mixed"}},
		},
	}
	p := BuildSynthesisPrompt(d)
	for _, want := range []string{
		"Valid responses: 8",
		"Average score: 3.25 / 1-10",
		"Score distribution: {2: 1, 10: 1}",
		"Top choice: A (66.7%)",
		"Most selected: x (3 times), y (1 times)",
		"Core themes: t1, t2, t3\n",
		`Typical quote: "q1"`,
		"Sentiment: mixed",
		"## 7. Conclusion",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

type scriptedBackend struct {
	out  string
	err  error
	reqs []llm.Request
}

func (b *scriptedBackend) Complete(_ context.Context, req llm.Request) (string, error) {
	b.reqs = append(b.reqs, req)
	return b.out, b.err
}

func TestThemeExtractorParsesAndCoerces(t *testing.T) {
	b := &scriptedBackend{out: "```json\n" + `{
		"summary": "Mixed feelings.",
		"themes": [
			{"theme": "Price", "sentiment": "Negative", "quote": "too pricey", "count": "4"},
			{"theme": "Staff", "sentiment": "delighted", "quote": "nice", "count": -3},
			{"theme": "", "sentiment": "positive", "quote": "dropped"}
		],
		"recommendation": "Lower prices."
	}` + "\n```"}
	x := NewThemeExtractor(b, nil, ThemeOptions{}, nil)
	x.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	rep, err := x.Extract(context.Background(), []string{"too pricey", "nice staff", "ok", "too pricey"})
	if err != nil {
		t.Fatal(err)
	}
	want := []Theme{
		{Theme: "Price", Sentiment: SentimentNegative, Quote: "too pricey", Count: 4},
		{Theme: "Staff", Sentiment: SentimentNeutral, Quote: "nice", Count: 0},
	}
	if diff := cmp.Diff(want, rep.Themes); diff != "" {
		t.Fatalf("themes (-want +got):\n%s", diff)
	}
	if rep.AnswerCount != 2 {
		t.Fatalf("answer count = %d", rep.AnswerCount)
	}
	if !strings.Contains(b.reqs[0].Prompt, "(2 answers)") || !strings.Contains(b.reqs[0].Prompt, "- nice staff") {
		t.Fatalf("prompt:\n%s", b.reqs[0].Prompt)
	}
}

func TestThemeExtractorErrors(t *testing.T) {
	x := NewThemeExtractor(&scriptedBackend{}, nil, ThemeOptions{}, nil)
	if _, err := x.Extract(context.Background(), []string{"", "no"}); !errors.Is(err, ErrNoAnswers) {
		t.Fatalf("expected ErrNoAnswers, got %v", err)
	}
	x = NewThemeExtractor(&scriptedBackend{err: errors.New("429 rate limit")}, nil, ThemeOptions{}, nil)
	_, err := x.Extract(context.Background(), []string{"some answer"})
	var be *llm.BackendError
	if !errors.As(err, &be) || be.Category != llm.CategoryRateLimit {
		t.Fatalf("expected rate limit BackendError, got %v", err)
	}
}

func TestPreprocessAnswers(t *testing.T) {
	got := PreprocessAnswers([]string{"  hello ", "hi", "hello", "", "很好用", "world"})
	if diff := cmp.Diff([]string{"hello", "很好用", "world"}, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestQualitativeMarkdownGroupsBySentiment(t *testing.T) {
	r := QualitativeReport{
		Summary: "Sum.",
		Themes: []Theme{
			{Theme: "Noise", Sentiment: SentimentNegative, Quote: "loud", Count: 2},
			{Theme: "Coffee", Sentiment: SentimentPositive, Quote: "great", Count: 5, Description: "beans"},
		},
		Recommendation: "Fix noise.",
	}
	md := r.Markdown()
	pos := strings.Index(md, "### Positive themes")
	neg := strings.Index(md, "### Themes needing attention")
	if pos == -1 || neg == -1 || pos > neg {
		t.Fatalf("sections missing or out of order:\n%s", md)
	}
	if strings.Contains(md, "### Neutral themes") {
		t.Fatal("empty neutral group rendered")
	}
	if !strings.Contains(md, "- **Notes**: None") || !strings.Contains(md, "Fix noise.") {
		t.Fatalf("unexpected markdown:\n%s", md)
	}
	if strings.Contains(md, "Analysed at") {
		t.Fatal("zero timestamp rendered")
	}
}

func TestRollupSentiment(t *testing.T) {
	if got := RollupSentiment([]Theme{{Sentiment: SentimentPositive}, {Sentiment: SentimentNegative}}); got != "mixed" {
		t.Fatalf("got %q", got)
	}
	if got := RollupSentiment([]Theme{{Sentiment: SentimentPositive}, {Sentiment: SentimentNeutral}}); got != "mostly positive" {
		t.Fatalf("got %q", got)
	}
}

func completeReport() string {
	var b strings.Builder
	b.WriteString("# Full Analysis Report\n\n")
	for _, h := range []string{
		"## 1. Executive summary", "## 2. Key findings", "## 3. Cross-cutting insights",
		"## 4. Critical minorities", "## 5. Risks and opportunities", "## 6. Strategic recommendations",
	} {
		b.WriteString(h + "\n\n" + strings.Repeat("Respondents value quiet seating. ", 6) + "\n\n")
	}
	b.WriteString("## 7. Conclusion\n\nInvest in seating.")
	return b.String()
}

func TestCheckCompleteness(t *testing.T) {
	full := completeReport()
	if !CheckCompleteness(full) {
		t.Fatal("complete report rejected")
	}
	if CheckCompleteness(strings.Replace(full, "## 7. Conclusion", "## 7. Wrap", 1)) {
		t.Fatal("report without conclusion accepted")
	}
	if CheckCompleteness(full + "\n\n" + strings.Repeat("More detail follows here ", 6) + "and then we") {
		t.Fatal("report ending mid-sentence accepted")
	}
	twoMissing := strings.Replace(strings.Replace(full, "## 1. Executive summary", "## Intro", 1), "## 2. Key findings", "## Findings", 1)
	if CheckCompleteness(twoMissing) {
		t.Fatal("report missing two required sections accepted")
	}
	if CheckCompleteness("## Conclusion\n\nShort.") {
		t.Fatal("short report accepted")
	}
}

func TestFullReport(t *testing.T) {
	doc := survey.Document{Title: "Cafe", Questions: []survey.Question{scaleQ(1)}}
	responses := responsesFor("1", 5.0, 4.0)

	b := &scriptedBackend{out: "```markdown\n" + completeReport() + "\n```"}
	r := NewReporter(b, nil, nil, ReportOptions{Temperature: 0.3}, nil)
	rep, err := r.FullReport(context.Background(), doc, responses)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Complete || strings.Contains(rep.Markdown, "```") || strings.HasSuffix(rep.Markdown, IncompleteNotice) {
		t.Fatalf("unexpected report: complete=%v", rep.Complete)
	}
	if !strings.Contains(b.reqs[0].Prompt, "Average score: 4.5 / 1-5") {
		t.Fatalf("prompt:\n%s", b.reqs[0].Prompt)
	}
	if b.reqs[0].MaxTokens != 8000 {
		t.Fatalf("max tokens = %d", b.reqs[0].MaxTokens)
	}

	b.out = "# Report\n\ncut off"
	rep, err = r.FullReport(context.Background(), doc, responses)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Complete || !strings.HasSuffix(rep.Markdown, IncompleteNotice) {
		t.Fatal("incomplete report not flagged")
	}

	if _, err := r.FullReport(context.Background(), doc, nil); !errors.Is(err, ErrNoResponses) {
		t.Fatalf("expected ErrNoResponses, got %v", err)
	}
}

func TestQualitativeCollectsOpenEndedAnswers(t *testing.T) {
	doc := survey.Document{Questions: []survey.Question{
		{ID: 1, Type: survey.OpenEnded, Text: "Why?"},
		{ID: 2, Type: survey.SingleChoice, Text: "Pick", Options: []string{"A", "B"}},
		{ID: 3, Type: survey.OpenEnded, Text: "Else?"},
	}}
	responses := []survey.Response{
		{Answers: map[string]any{"1": "good beans", "2": "A", "3": map[string]any{"type": "open_ended", "value": "more seats"}}},
		{Answers: map[string]any{"1": "  ", "2": "B"}},
	}
	themes := &fakeThemes{rep: QualitativeReport{Summary: "ok"}}
	r := NewReporter(&scriptedBackend{}, nil, themes, ReportOptions{}, nil)
	if _, err := r.Qualitative(context.Background(), doc, responses); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"good beans", "more seats"}, themes.got); diff != "" {
		t.Fatal(diff)
	}

	choiceOnly := survey.Document{Questions: doc.Questions[1:2]}
	if _, err := r.Qualitative(context.Background(), choiceOnly, responses); !errors.Is(err, ErrNoOpenEnded) {
		t.Fatalf("expected ErrNoOpenEnded, got %v", err)
	}
}

func TestStatistics(t *testing.T) {
	doc := survey.Document{Questions: []survey.Question{
		scaleQ(1),
		{ID: 2, Type: survey.MultiChoice, Text: "Many", Options: []string{"x", "y"}},
		{ID: 3, Type: survey.OpenEnded, Text: "Why?"},
	}}
	responses := []survey.Response{
		{Answers: map[string]any{"1": 2.0, "2": []any{"x", "y"}, "3": "fine"}},
		{Answers: map[string]any{"1": map[string]any{"type": "scale", "value": 5.0}, "2": []any{}, "3": ""}},
		{Answers: map[string]any{"1": "3"}},
	}
	st := Statistics(doc, responses)
	if st.TotalResponses != 3 || st.QuestionTypes[survey.Scale] != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	// 5 answered pairs of 9
	if st.AnswerRate != 55.6 {
		t.Fatalf("answer rate = %v", st.AnswerRate)
	}
	sc := st.Questions["1"]
	if *sc.Average != 3.33 || *sc.Min != 2 || *sc.Max != 5 {
		t.Fatalf("scale stats = avg %v min %v max %v", *sc.Average, *sc.Min, *sc.Max)
	}
	if diff := cmp.Diff(map[string]int{"x": 1, "y": 1}, st.Questions["2"].Counts); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff([]string{"fine"}, st.Questions["3"].Answers); diff != "" {
		t.Fatal(diff)
	}

	empty := Statistics(doc, nil)
	if empty.AnswerRate != 0 || empty.TotalResponses != 0 {
		t.Fatalf("unexpected empty stats: %+v", empty)
	}
}
