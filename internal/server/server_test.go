package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/joelkehle/surveyforge/internal/analysis"
	"github.com/joelkehle/surveyforge/internal/generate"
	"github.com/joelkehle/surveyforge/internal/llm"
	"github.com/joelkehle/surveyforge/internal/repair"
	"github.com/joelkehle/surveyforge/internal/report"
	"github.com/joelkehle/surveyforge/internal/respondent"
	"github.com/joelkehle/surveyforge/internal/retrieval"
	"github.com/joelkehle/surveyforge/internal/store"
)

const surveyJSON = `{
  "title": "Campus dining",
  "questions": [
    {"id": 1, "type": "single_choice", "text": "Do you eat on campus?", "options": ["Yes", "No"]},
    {"id": 2, "type": "scale", "text": "Rate the food", "scale_min": 1, "scale_max": 5},
    {"id": 3, "type": "open_ended", "text": "What would you change?"}
  ]
}`

const themesJSON = `{"summary": "Students want more choice.", "themes": [{"theme": "Variety", "sentiment": "negative", "quote": "Same menu every day", "count": 4}], "recommendation": "Rotate the menu."}`

// routedBackend answers by the kind of request it receives.
type routedBackend struct {
	mu       sync.Mutex
	fail     error
	prompts  []string
	reportMD string
}

func (b *routedBackend) Complete(_ context.Context, req llm.Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, req.Prompt)
	if b.fail != nil {
		return "", b.fail
	}
	switch {
	case strings.Contains(req.System, "questionnaire designer"):
		return surveyJSON, nil
	case strings.Contains(req.System, "qualitative research"):
		return themesJSON, nil
	case strings.Contains(req.System, "senior data analyst"):
		return b.reportMD, nil
	case strings.Contains(req.Prompt, "personas"):
		return "", errors.New("connection refused")
	default:
		return `{"1": "Yes", "2": 4, "3": "More vegetarian options"}`, nil
	}
}

type fakePDF struct {
	meta report.Meta
	md   string
}

func (f *fakePDF) Render(_ context.Context, md string, meta report.Meta) ([]byte, error) {
	f.md, f.meta = md, meta
	return []byte("%PDF-1.4 fake"), nil
}

type harness struct {
	h       http.Handler
	backend *routedBackend
	pdf     *fakePDF
	store   *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	idx, err := retrieval.NewIndex(db, retrieval.HashEmbedder{Dims: 128}, retrieval.IndexOptions{ChunkSize: 200, ChunkOverlap: 20}, nil)
	if err != nil {
		t.Fatal(err)
	}

	b := &routedBackend{reportMD: "# Full Analysis Report\n\n## 1. Executive summary\nShort.\n\n## 7. Conclusion\nDone."}
	engine := repair.NewEngine(repair.NewMemorySink(), nil)
	themes := analysis.NewThemeExtractor(b, engine, analysis.ThemeOptions{}, nil)
	summarizer := analysis.NewSummarizer(themes, nil)
	pdf := &fakePDF{}
	h := New(Deps{
		Store:       st,
		Generator:   generate.New(b, idx, engine, generate.Options{}, nil),
		Index:       idx,
		Respondents: respondent.New(b, engine, respondent.Options{Workers: 2, Seed: 7}, nil),
		Summarizer:  summarizer,
		Reporter:    analysis.NewReporter(b, summarizer, themes, analysis.ReportOptions{}, nil),
		PDF:         pdf,
	})
	return &harness{h: h, backend: b, pdf: pdf, store: st}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (h *harness) generate(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/generate", map[string]any{"topic": "campus dining"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate status %d: %s", rec.Code, rec.Body.String())
	}
	out := decode[generateResponse](t, rec)
	if out.SurveyID == "" {
		t.Fatal("expected survey id")
	}
	return out.SurveyID
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestGenerateSavesSurvey(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/generate", map[string]any{"topic": "campus dining"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	out := decode[generateResponse](t, rec)
	if !out.Result.PlaceholderContext {
		t.Fatal("empty index should yield placeholder context")
	}
	if len(out.Result.Document.Questions) != 3 || !strings.Contains(out.Markdown, "Campus dining") {
		t.Fatalf("unexpected result: %+v", out)
	}

	list := decode[struct {
		Surveys []store.SurveySummary `json:"surveys"`
	}](t, h.do(t, http.MethodGet, "/api/surveys", nil))
	if len(list.Surveys) != 1 || list.Surveys[0].ID != out.SurveyID {
		t.Fatalf("list = %+v", list.Surveys)
	}

	md := h.do(t, http.MethodGet, "/api/surveys/"+out.SurveyID+"?format=markdown", nil)
	if !strings.HasPrefix(md.Header().Get("Content-Type"), "text/markdown") {
		t.Fatalf("content type %q", md.Header().Get("Content-Type"))
	}
}

func TestGenerateReportsCategory(t *testing.T) {
	h := newHarness(t)
	h.backend.fail = &llm.BackendError{Category: llm.CategoryRateLimit, Err: errors.New("slow down")}
	rec := h.do(t, http.MethodPost, "/api/generate", map[string]any{"topic": "campus dining"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]string](t, rec)
	if body["category"] != "rate_limit" || body["message"] != llm.CategoryRateLimit.Message() {
		t.Fatalf("body = %v", body)
	}
}

func TestGenerateRequiresTopic(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodPost, "/api/generate", map[string]any{"topic": "  "}); rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestResponsesStatisticsAndReport(t *testing.T) {
	h := newHarness(t)
	id := h.generate(t)

	if rec := h.do(t, http.MethodGet, "/api/surveys/"+id+"/report.pdf", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pdf before analysis: status %d", rec.Code)
	}

	for _, answers := range []map[string]any{
		{"1": "Yes", "2": 5, "3": "Same menu every day"},
		{"1": "No", "2": 2},
	} {
		rec := h.do(t, http.MethodPost, "/api/surveys/"+id+"/responses", map[string]any{"answers": answers})
		if rec.Code != http.StatusCreated {
			t.Fatalf("add response status %d: %s", rec.Code, rec.Body.String())
		}
	}

	stats := decode[analysis.Stats](t, h.do(t, http.MethodGet, "/api/surveys/"+id+"/statistics", nil))
	if stats.TotalResponses != 2 {
		t.Fatalf("total = %d", stats.TotalResponses)
	}
	if avg := stats.Questions["2"].Average; avg == nil || *avg != 3.5 {
		t.Fatalf("average = %v", avg)
	}

	rec := h.do(t, http.MethodPost, "/api/surveys/"+id+"/analysis", map[string]any{"kind": "full"})
	if rec.Code != http.StatusOK {
		t.Fatalf("analysis status %d: %s", rec.Code, rec.Body.String())
	}
	full := decode[analysis.FullReport](t, rec)
	if full.Complete || !strings.HasSuffix(full.Markdown, analysis.IncompleteNotice) {
		t.Fatal("short report should be flagged incomplete")
	}

	pdf := h.do(t, http.MethodGet, "/api/surveys/"+id+"/report.pdf", nil)
	if pdf.Code != http.StatusOK || pdf.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("pdf status %d type %q", pdf.Code, pdf.Header().Get("Content-Type"))
	}
	if h.pdf.meta.Responses != 2 || h.pdf.meta.SurveyTitle != "Campus dining" {
		t.Fatalf("meta = %+v", h.pdf.meta)
	}

	q := h.do(t, http.MethodPost, "/api/surveys/"+id+"/analysis", map[string]any{"kind": "qualitative"})
	if q.Code != http.StatusOK || !strings.Contains(q.Body.String(), "Variety") {
		t.Fatalf("qualitative status %d: %s", q.Code, q.Body.String())
	}
}

func TestAnalysisWithoutResponses(t *testing.T) {
	h := newHarness(t)
	id := h.generate(t)
	rec := h.do(t, http.MethodPost, "/api/surveys/"+id+"/analysis", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSimulatedResponses(t *testing.T) {
	h := newHarness(t)
	id := h.generate(t)
	rec := h.do(t, http.MethodPost, "/api/surveys/"+id+"/responses", map[string]any{
		"simulate": map[string]any{"count": 3, "mode": "positive"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	batch := decode[respondent.Batch](t, rec)
	if len(batch.Responses) != 3 || batch.Failed != 0 {
		t.Fatalf("batch = %+v", batch)
	}
	stored, err := h.store.ListResponses(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored %d responses", len(stored))
	}

	bad := h.do(t, http.MethodPost, "/api/surveys/"+id+"/responses", map[string]any{
		"simulate": map[string]any{"count": 3, "mode": "furious"},
	})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad mode status %d", bad.Code)
	}
}

func TestUnknownSurvey(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/api/surveys/nope", "/api/surveys/nope/statistics"} {
		if rec := h.do(t, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
	}
}

func TestIngestAndIndexStats(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/index/documents", map[string]any{
		"source": "dining.txt",
		"text":   "A good dining survey asks about price, taste and waiting time.",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest status %d: %s", rec.Code, rec.Body.String())
	}
	st := decode[retrieval.Stats](t, h.do(t, http.MethodGet, "/api/index/stats", nil))
	if st.Chunks != 1 || len(st.Sources) != 1 || st.Sources[0] != "dining.txt" {
		t.Fatalf("stats = %+v", st)
	}

	out := decode[generateResponse](t, h.do(t, http.MethodPost, "/api/generate", map[string]any{"topic": "dining"}))
	if out.Result.PlaceholderContext || len(out.Result.References) == 0 {
		t.Fatalf("expected retrieved references, got %+v", out.Result)
	}
}
