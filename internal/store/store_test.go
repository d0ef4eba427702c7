package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/joelkehle/surveyforge/internal/survey"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	db, err := OpenDB(filepath.Join(t.TempDir(), "nested", "survey.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s.now = func() time.Time { return now }
	t.Cleanup(func() { s.Close() })
	return s, &now
}

func sampleDoc() survey.Document {
	lo, hi := 1.0, 5.0
	return survey.Document{
		Title: "Library hours",
		Questions: []survey.Question{
			{ID: 1, Type: survey.SingleChoice, Text: "Do you visit?", Options: []string{"Yes", "No"}},
			{ID: 2, Type: survey.Scale, Text: "Rate hours", ScaleMin: &lo, ScaleMax: &hi},
		},
	}
}

func TestSurveyRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec, err := s.SaveSurvey(ctx, "library opening hours", sampleDoc())
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSurvey(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("round trip mismatch (-saved +loaded):\n%s", diff)
	}

	if _, err := s.GetSurvey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResponsesKeepAnswerShapes(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()
	rec, err := s.SaveSurvey(ctx, "", sampleDoc())
	if err != nil {
		t.Fatal(err)
	}

	answers := []map[string]any{
		{"1": "Yes", "2": 4.0},
		{"1": map[string]any{"type": "single_choice", "value": "No"}, "2": "2"},
		{"1": []any{"Yes"}},
	}
	for i, a := range answers {
		*now = now.Add(time.Second)
		if _, err := s.AddResponse(ctx, survey.Response{SurveyID: rec.ID, Respondent: "r", Answers: a}); err != nil {
			t.Fatalf("add response %d: %v", i, err)
		}
	}
	got, err := s.ListResponses(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(got))
	}
	for i := range answers {
		if diff := cmp.Diff(answers[i], got[i].Answers); diff != "" {
			t.Errorf("response %d answers (-want +got):\n%s", i, diff)
		}
	}

	list, err := s.ListSurveys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ResponseCount != 3 || list[0].Title != "Library hours" {
		t.Fatalf("unexpected listing: %+v", list)
	}
}

func TestAddResponseUnknownSurvey(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AddResponse(context.Background(), survey.Response{SurveyID: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReportUpsert(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetReport(ctx, "sv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SaveReport(ctx, Report{SurveyID: "sv", Markdown: "# draft"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveReport(ctx, Report{SurveyID: "sv", Markdown: "# final", Complete: true}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetReport(ctx, "sv")
	if err != nil {
		t.Fatal(err)
	}
	if got.Markdown != "# final" || !got.Complete {
		t.Fatalf("unexpected report: %+v", got)
	}
}
