package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/joelkehle/surveyforge/internal/analysis"
	"github.com/joelkehle/surveyforge/internal/generate"
	"github.com/joelkehle/surveyforge/internal/llm"
	"github.com/joelkehle/surveyforge/internal/repair"
	"github.com/joelkehle/surveyforge/internal/report"
	"github.com/joelkehle/surveyforge/internal/respondent"
	"github.com/joelkehle/surveyforge/internal/retrieval"
	"github.com/joelkehle/surveyforge/internal/store"
	"github.com/joelkehle/surveyforge/internal/survey"
)

const maxBody = 5 << 20

// Deps are the services behind the HTTP API. Index, Respondents and PDF may be
// nil; the routes that need them answer 503.
type Deps struct {
	Store       *store.Store
	Generator   *generate.Generator
	Index       *retrieval.Index
	Respondents *respondent.Generator
	Summarizer  *analysis.Summarizer
	Reporter    *analysis.Reporter
	PDF         report.PDFRenderer
	Logger      *zap.Logger
}

type Server struct {
	Deps
	now func() time.Time
}

func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	s := &Server{Deps: d, now: time.Now}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)
	api.HandleFunc("/surveys", s.handleListSurveys).Methods(http.MethodGet)
	api.HandleFunc("/surveys/{id}", s.handleGetSurvey).Methods(http.MethodGet)
	api.HandleFunc("/surveys/{id}/responses", s.handleListResponses).Methods(http.MethodGet)
	api.HandleFunc("/surveys/{id}/responses", s.handleAddResponses).Methods(http.MethodPost)
	api.HandleFunc("/surveys/{id}/statistics", s.handleStatistics).Methods(http.MethodGet)
	api.HandleFunc("/surveys/{id}/analysis", s.handleAnalysis).Methods(http.MethodPost)
	api.HandleFunc("/surveys/{id}/report.pdf", s.handleReportPDF).Methods(http.MethodGet)
	api.HandleFunc("/index/stats", s.handleIndexStats).Methods(http.MethodGet)
	api.HandleFunc("/index/documents", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Use(s.logRequests)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Logger.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("elapsed", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeGenerationError maps backend and format failures onto a category the
// client can show to a user.
func writeGenerationError(w http.ResponseWriter, err error) {
	var be *llm.BackendError
	var fe *repair.UnrecoverableFormatError
	switch {
	case errors.As(err, &be):
		status := http.StatusBadGateway
		switch be.Category {
		case llm.CategoryRateLimit, llm.CategoryQuota:
			status = http.StatusTooManyRequests
		case llm.CategoryTimeout:
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, map[string]any{
			"error":    be.Error(),
			"category": be.Category,
			"message":  be.Category.Message(),
		})
	case errors.As(err, &fe):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":    fe.Error(),
			"category": "format",
			"message":  "The model returned output that could not be parsed. The raw text was saved for inspection.",
			"dump":     fe.Handle,
		})
	case errors.Is(err, survey.ErrNoValidQuestions):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    err.Error(),
			"category": "validation",
			"message":  "The generated survey contained no usable questions. Try again or rephrase the topic.",
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, dst any) error {
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(blob))) == 0 {
		blob = []byte("{}")
	}
	return json.Unmarshal(blob, dst)
}

// loadSurvey writes a 404 and returns false when the survey does not exist.
func (s *Server) loadSurvey(w http.ResponseWriter, r *http.Request) (store.SurveyRecord, bool) {
	id := mux.Vars(r)["id"]
	rec, err := s.Store.GetSurvey(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "survey not found")
		return store.SurveyRecord{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return store.SurveyRecord{}, false
	}
	return rec, true
}

type generateRequest struct {
	Topic   string            `json:"topic"`
	Extra   map[string]string `json:"extra"`
	Enhance bool              `json:"enhance"`
}

type generateResponse struct {
	SurveyID string          `json:"survey_id"`
	Topic    string          `json:"topic"`
	Markdown string          `json:"markdown"`
	Result   generate.Result `json:"result"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if req.Enhance {
		topic = s.Generator.Enhance(r.Context(), topic)
	}
	res, err := s.Generator.Generate(r.Context(), topic, req.Extra)
	if err != nil {
		s.Logger.Warn("generation failed", zap.String("topic", topic), zap.Error(err))
		writeGenerationError(w, err)
		return
	}
	rec, err := s.Store.SaveSurvey(r.Context(), topic, res.Document)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, generateResponse{
		SurveyID: rec.ID,
		Topic:    topic,
		Markdown: res.Document.Markdown(),
		Result:   res,
	})
}

func (s *Server) handleListSurveys(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListSurveys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []store.SurveySummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"surveys": list})
}

func (s *Server) handleGetSurvey(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadSurvey(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(rec.Document.Markdown()))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListResponses(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadSurvey(w, r)
	if !ok {
		return
	}
	rs, err := s.Store.ListResponses(r.Context(), rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rs == nil {
		rs = []survey.Response{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"responses": rs})
}

// addResponsesRequest carries either one real submission or a request for
// synthetic respondents.
type addResponsesRequest struct {
	Respondent string         `json:"respondent"`
	Answers    map[string]any `json:"answers"`
	Simulate   *struct {
		Count int    `json:"count"`
		Mode  string `json:"mode"`
	} `json:"simulate"`
}

func (s *Server) handleAddResponses(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadSurvey(w, r)
	if !ok {
		return
	}
	var req addResponsesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if req.Simulate == nil {
		if len(req.Answers) == 0 {
			writeError(w, http.StatusBadRequest, "answers are required")
			return
		}
		saved, err := s.Store.AddResponse(r.Context(), survey.Response{
			SurveyID:   rec.ID,
			Respondent: req.Respondent,
			Answers:    req.Answers,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, saved)
		return
	}

	if s.Respondents == nil {
		writeError(w, http.StatusServiceUnavailable, "synthetic respondents unavailable")
		return
	}
	mode, err := respondent.ParseMode(req.Simulate.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Simulate.Count <= 0 || req.Simulate.Count > 200 {
		writeError(w, http.StatusBadRequest, "simulate.count must be between 1 and 200")
		return
	}
	batch, err := s.Respondents.Generate(r.Context(), rec.ID, rec.Document, req.Simulate.Count, mode)
	if err != nil {
		writeGenerationError(w, err)
		return
	}
	saved := make([]survey.Response, 0, len(batch.Responses))
	for _, resp := range batch.Responses {
		out, err := s.Store.AddResponse(r.Context(), resp)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		saved = append(saved, out)
	}
	batch.Responses = saved
	writeJSON(w, http.StatusCreated, batch)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadSurvey(w, r)
	if !ok {
		return
	}
	rs, err := s.Store.ListResponses(r.Context(), rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, analysis.Statistics(rec.Document, rs))
}

type analysisRequest struct {
	// Kind is "full" (default), "data" or "qualitative".
	Kind string `json:"kind"`
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadSurvey(w, r)
	if !ok {
		return
	}
	var req analysisRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rs, err := s.Store.ListResponses(r.Context(), rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch req.Kind {
	case "data":
		if len(rs) == 0 {
			writeError(w, http.StatusConflict, analysis.ErrNoResponses.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.Summarizer.Summarize(r.Context(), rec.Document, rs))
	case "qualitative":
		q, err := s.Reporter.Qualitative(r.Context(), rec.Document, rs)
		if err != nil {
			s.writeAnalysisError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"report": q, "markdown": q.Markdown()})
	case "", "full":
		full, err := s.Reporter.FullReport(r.Context(), rec.Document, rs)
		if err != nil {
			s.writeAnalysisError(w, err)
			return
		}
		if err := s.Store.SaveReport(r.Context(), store.Report{
			SurveyID: rec.ID,
			Markdown: full.Markdown,
			Complete: full.Complete,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, full)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown analysis kind %q", req.Kind))
	}
}

func (s *Server) writeAnalysisError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, analysis.ErrNoResponses), errors.Is(err, analysis.ErrNoOpenEnded), errors.Is(err, analysis.ErrNoAnswers):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.Logger.Warn("analysis failed", zap.Error(err))
		writeGenerationError(w, err)
	}
}

func (s *Server) handleReportPDF(w http.ResponseWriter, r *http.Request) {
	if s.PDF == nil {
		writeError(w, http.StatusServiceUnavailable, "pdf renderer unavailable")
		return
	}
	rec, ok := s.loadSurvey(w, r)
	if !ok {
		return
	}
	rep, err := s.Store.GetReport(r.Context(), rec.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not ready")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rs, err := s.Store.ListResponses(r.Context(), rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pdf, err := s.PDF.Render(r.Context(), rep.Markdown, report.Meta{
		SurveyTitle: rec.Document.Title,
		SurveyID:    rec.ID,
		Responses:   len(rs),
		GeneratedAt: rep.CreatedAt,
		Complete:    rep.Complete,
	})
	if err != nil {
		s.Logger.Error("render report pdf failed", zap.String("survey_id", rec.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to render pdf")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "survey-"+sanitizeFilename(rec.ID)+".pdf"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	if s.Index == nil {
		writeError(w, http.StatusServiceUnavailable, retrieval.ErrIndexUninitialized.Error())
		return
	}
	st, err := s.Index.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type ingestRequest struct {
	Source   string            `json:"source"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.Index == nil {
		writeError(w, http.StatusServiceUnavailable, retrieval.ErrIndexUninitialized.Error())
		return
	}
	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Source) == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "source and text are required")
		return
	}
	n, err := s.Index.Ingest(r.Context(), req.Source, req.Text, req.Metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"source": req.Source, "chunks": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "time": s.now().UTC()})
}

func sanitizeFilename(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "report"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, v)
}
