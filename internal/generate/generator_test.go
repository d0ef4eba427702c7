package generate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/joelkehle/surveyforge/internal/llm"
	"github.com/joelkehle/surveyforge/internal/repair"
	"github.com/joelkehle/surveyforge/internal/retrieval"
	"github.com/joelkehle/surveyforge/internal/survey"
)

type step struct {
	out string
	err error
}

// scriptedBackend replays steps in order and records every request.
type scriptedBackend struct {
	mu       sync.Mutex
	steps    []step
	requests []llm.Request
}

func (s *scriptedBackend) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		return "", errors.New("script exhausted")
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.out, st.err
}

type fakeRetriever struct {
	hits []retrieval.Hit
	err  error
}

func (f fakeRetriever) Search(context.Context, string, int) ([]retrieval.Hit, error) {
	return f.hits, f.err
}

const goodSurvey = `{
  "title": "Campus dining",
  "description": "How students feel about campus food",
  "questions": [
    {"id": 1, "type": "single_choice", "text": "Do you eat on campus?", "options": ["Yes", "No"]},
    {"id": 2, "type": "scale", "text": "Rate the food", "scale_min": 1, "scale_max": 5},
    {"id": 3, "type": "open_ended", "text": "What would you change?"}
  ]
}`

func newGenerator(b llm.Backend, r Retriever) (*Generator, *repair.MemorySink) {
	sink := repair.NewMemorySink()
	return New(b, r, repair.NewEngine(sink, nil), Options{}, nil), sink
}

func TestGenerateFirstAttempt(t *testing.T) {
	b := &scriptedBackend{steps: []step{{out: "```json\n" + goodSurvey + "\n```"}}}
	r := fakeRetriever{hits: []retrieval.Hit{{Text: "Dining survey example", Metadata: map[string]string{"source": "dining.txt"}, Score: 0.9}}}
	g, _ := newGenerator(b, r)

	res, err := g.Generate(context.Background(), "campus dining", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 1 || res.RepairStage != repair.StageDirect {
		t.Fatalf("attempts=%d stage=%s", res.Attempts, res.RepairStage)
	}
	if res.PlaceholderContext {
		t.Fatal("real retrieval should not be flagged as placeholder")
	}
	if len(res.Document.Questions) != 3 || res.Document.Title != "Campus dining" {
		t.Fatalf("unexpected document: %+v", res.Document)
	}
	prompt := b.requests[0].Prompt
	if !strings.Contains(prompt, "campus dining") || !strings.Contains(prompt, "Dining survey example") {
		t.Fatalf("prompt missing topic or context:\n%s", prompt)
	}
	if b.requests[0].System != systemRole {
		t.Fatal("system role not sent")
	}
}

func TestGenerateRetriesAfterBackendFailure(t *testing.T) {
	b := &scriptedBackend{steps: []step{
		{err: errors.New("connection reset by peer")},
		{out: goodSurvey},
	}}
	g, _ := newGenerator(b, nil)

	res, err := g.Generate(context.Background(), "campus dining", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
	if len(res.Document.Questions) != 3 {
		t.Fatalf("expected 3 questions, got %d", len(res.Document.Questions))
	}
}

func TestGenerateClassifiesSecondBackendFailure(t *testing.T) {
	b := &scriptedBackend{steps: []step{
		{err: errors.New("request timeout")},
		{err: errors.New("request timeout")},
	}}
	g, _ := newGenerator(b, nil)

	_, err := g.Generate(context.Background(), "campus dining", nil)
	var be *llm.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected BackendError, got %T %v", err, err)
	}
	if be.Category != llm.CategoryTimeout {
		t.Fatalf("expected timeout category, got %s", be.Category)
	}
	if len(b.requests) != 2 {
		t.Fatalf("expected exactly 2 backend calls, got %d", len(b.requests))
	}
}

func TestGenerateRepairsSecondAttempt(t *testing.T) {
	truncated := `Sure! {"title": "Gym", "questions": [{"id": 1, "type": "open_ended", "text": "What do you train?"},], "design_notes": "keep it short`
	b := &scriptedBackend{steps: []step{
		{out: "I cannot produce JSON today."},
		{out: truncated},
	}}
	g, _ := newGenerator(b, nil)

	res, err := g.Generate(context.Background(), "gym habits", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 2 || res.RepairStage == repair.StageDirect {
		t.Fatalf("attempts=%d stage=%s", res.Attempts, res.RepairStage)
	}
	if res.Document.Title != "Gym" || len(res.Document.Questions) == 0 {
		t.Fatalf("unexpected document: %+v", res.Document)
	}
}

func TestGenerateUnrecoverableOutput(t *testing.T) {
	b := &scriptedBackend{steps: []step{
		{out: "no json"},
		{out: "still no json at all"},
	}}
	g, sink := newGenerator(b, nil)

	_, err := g.Generate(context.Background(), "anything", nil)
	var uerr *repair.UnrecoverableFormatError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnrecoverableFormatError, got %v", err)
	}
	if got, ok := sink.Last("survey"); !ok || got != "still no json at all" {
		t.Fatalf("failure dump = %q, %v", got, ok)
	}
}

func TestGenerateMissingQuestionsRetries(t *testing.T) {
	b := &scriptedBackend{steps: []step{
		{out: `{"title": "No questions here"}`},
		{out: goodSurvey},
	}}
	g, _ := newGenerator(b, nil)
	res, err := g.Generate(context.Background(), "campus dining", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected retry, got %d attempts", res.Attempts)
	}
}

func TestGeneratePlaceholderContext(t *testing.T) {
	cases := []struct {
		name string
		r    Retriever
		want string
	}{
		{"nil retriever", nil, PlaceholderUninitialized},
		{"uninitialized index", fakeRetriever{err: retrieval.ErrIndexUninitialized}, PlaceholderUninitialized},
		{"retrieval failure", fakeRetriever{err: errors.New("disk gone")}, PlaceholderFailed},
		{"no hits", fakeRetriever{}, PlaceholderNoResults},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &scriptedBackend{steps: []step{{out: goodSurvey}}}
			g, _ := newGenerator(b, tc.r)
			res, err := g.Generate(context.Background(), "campus dining", nil)
			if err != nil {
				t.Fatal(err)
			}
			if !res.PlaceholderContext || res.Context != tc.want {
				t.Fatalf("placeholder=%v context=%q", res.PlaceholderContext, res.Context)
			}
			if !strings.Contains(b.requests[0].Prompt, tc.want) {
				t.Fatal("placeholder text not in prompt")
			}
		})
	}
}

func TestGenerateRenumbersAfterValidation(t *testing.T) {
	out := `{"title": "T", "questions": [
		{"id": 1, "type": "single_choice", "text": "Only one option", "options": ["A"]},
		{"id": 2, "type": "单选题", "text": "Pick", "options": ["A", "B"]},
		{"id": 3, "type": "matrix", "text": "Unknown"},
		{"id": 4, "type": "open_ended", "text": "Why?"}
	]}`
	b := &scriptedBackend{steps: []step{{out: out}}}
	g, _ := newGenerator(b, nil)
	res, err := g.Generate(context.Background(), "topic", nil)
	if err != nil {
		t.Fatal(err)
	}
	qs := res.Document.Questions
	if len(qs) != 2 || qs[0].ID != 1 || qs[1].ID != 2 {
		t.Fatalf("unexpected questions: %+v", qs)
	}
	if qs[0].Type != survey.SingleChoice || qs[1].Text != "Why?" {
		t.Fatalf("unexpected questions: %+v", qs)
	}
	if len(res.Dropped) != 2 {
		t.Fatalf("expected 2 dropped, got %+v", res.Dropped)
	}
}

func TestGenerateNoValidQuestions(t *testing.T) {
	b := &scriptedBackend{steps: []step{{out: `{"title": "T", "questions": [{"id": 1, "type": "scale", "text": "Rate"}]}`}}}
	g, _ := newGenerator(b, nil)
	if _, err := g.Generate(context.Background(), "topic", nil); !errors.Is(err, survey.ErrNoValidQuestions) {
		t.Fatalf("expected ErrNoValidQuestions, got %v", err)
	}
}

func TestGenerateRejectsEmptyTopic(t *testing.T) {
	g, _ := newGenerator(&scriptedBackend{}, nil)
	if _, err := g.Generate(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank topic")
	}
}

func TestEnhanceFallsBackToInput(t *testing.T) {
	b := &scriptedBackend{steps: []step{{err: errors.New("rate limit")}, {out: "  A sharper brief.  "}}}
	g, _ := newGenerator(b, nil)
	if got := g.Enhance(context.Background(), "survey about cats"); got != "survey about cats" {
		t.Fatalf("expected original input, got %q", got)
	}
	if got := g.Enhance(context.Background(), "survey about cats"); got != "A sharper brief." {
		t.Fatalf("unexpected enhancement %q", got)
	}
}

func TestFormatContextBudget(t *testing.T) {
	hits := []retrieval.Hit{
		{Text: strings.Repeat("x", 50)},
		{Text: strings.Repeat("y", 50)},
	}
	got := FormatContext(hits, 200)
	if !strings.Contains(got, "Example 1") || strings.Contains(got, "Example 2") {
		t.Fatalf("expected only the first example to fit:\n%s", got)
	}
	long := FormatContext([]retrieval.Hit{{Text: strings.Repeat("z", 500)}}, 150)
	if n := len([]rune(long)); n > 150 {
		t.Fatalf("context exceeds budget: %d", n)
	}
	if FormatContext(nil, 100) != PlaceholderNoResults {
		t.Fatal("empty hits should give the no-results placeholder")
	}
}

func TestBuildUserInputSortsExtras(t *testing.T) {
	got := BuildUserInput(" pets ", map[string]string{"tone": "casual", "audience": "owners"})
	want := "pets\n\n**Additional requirements:**\n- audience: owners\n- tone: casual\n"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
