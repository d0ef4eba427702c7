// Package app assembles the surveyforge services from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/joelkehle/surveyforge/internal/analysis"
	"github.com/joelkehle/surveyforge/internal/config"
	"github.com/joelkehle/surveyforge/internal/generate"
	"github.com/joelkehle/surveyforge/internal/llm"
	"github.com/joelkehle/surveyforge/internal/materials"
	"github.com/joelkehle/surveyforge/internal/repair"
	"github.com/joelkehle/surveyforge/internal/report"
	"github.com/joelkehle/surveyforge/internal/respondent"
	"github.com/joelkehle/surveyforge/internal/retrieval"
	"github.com/joelkehle/surveyforge/internal/server"
	"github.com/joelkehle/surveyforge/internal/store"
)

type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Store       *store.Store
	Index       *retrieval.Index
	Materials   *materials.Syncer
	Engine      *repair.Engine
	Generator   *generate.Generator
	Respondents *respondent.Generator
	Summarizer  *analysis.Summarizer
	Themes      *analysis.ThemeExtractor
	Reporter    *analysis.Reporter
	PDF         report.PDFRenderer
}

// Overrides replace parts of the assembly, mainly for tests. Zero fields are
// built from the configuration.
type Overrides struct {
	Backend  llm.Backend
	Embedder retrieval.Embedder
	PDF      report.PDFRenderer
}

// New opens the database and builds every service.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, ov Overrides) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := ov.Backend
	if backend == nil {
		ab, err := llm.NewAnthropicBackend(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.MaxTokens)
		if err != nil {
			return nil, err
		}
		backend = ab
	}
	backend = llm.WithTimeout(backend, cfg.LLMTimeout())
	analysisBackend := llm.WithModel(backend, cfg.LLM.AnalysisModel)

	emb := ov.Embedder
	if emb == nil {
		var err error
		if emb, err = newEmbedder(ctx, cfg.Embedding); err != nil {
			return nil, err
		}
	}

	db, err := store.OpenDB(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}
	st, err := store.New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	idx, err := retrieval.NewIndex(db, emb, retrieval.IndexOptions{
		ChunkSize:    cfg.Retrieval.ChunkSize,
		ChunkOverlap: cfg.Retrieval.ChunkOverlap,
	}, logger.Named("retrieval"))
	if err != nil {
		st.Close()
		return nil, err
	}

	syncer, err := materials.NewSyncer(db, idx, logger.Named("materials"))
	if err != nil {
		st.Close()
		return nil, err
	}

	engine := repair.NewEngine(repair.FileSink{Dir: cfg.Debug.DumpDir}, logger.Named("repair"))
	gen := generate.New(backend, idx, engine, generate.Options{
		Temperature:        cfg.LLM.Temperature,
		EnhanceTemperature: 0.5,
		MaxTokens:          cfg.LLM.MaxTokens,
		K:                  cfg.Retrieval.K,
		MaxContextChars:    cfg.Retrieval.MaxContextChars,
	}, logger.Named("generate"))
	themes := analysis.NewThemeExtractor(analysisBackend, engine, analysis.ThemeOptions{
		Temperature: cfg.LLM.AnalysisTemperature,
	}, logger.Named("themes"))
	summarizer := analysis.NewSummarizer(themes, logger.Named("analysis"))
	reporter := analysis.NewReporter(analysisBackend, summarizer, themes, analysis.ReportOptions{
		Temperature: cfg.LLM.AnalysisTemperature,
	}, logger.Named("report"))
	respondents := respondent.New(backend, engine, respondent.Options{
		Temperature: cfg.Responses.Temperature,
		Workers:     cfg.Responses.Workers,
	}, logger.Named("respondent"))

	pdf := ov.PDF
	if pdf == nil {
		pdf = report.NewChromiumPDFRenderer(cfg.Server.StyleDir)
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		Store:       st,
		Index:       idx,
		Materials:   syncer,
		Engine:      engine,
		Generator:   gen,
		Respondents: respondents,
		Summarizer:  summarizer,
		Themes:      themes,
		Reporter:    reporter,
		PDF:         pdf,
	}, nil
}

func newEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (retrieval.Embedder, error) {
	switch cfg.Provider {
	case "hash":
		return retrieval.HashEmbedder{Dims: cfg.Dims}, nil
	case "gemini", "":
		e, err := retrieval.NewGenAIEmbedder(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("create embedder: %w", err)
		}
		return e, nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}

// Handler returns the HTTP API backed by the app's services.
func (a *App) Handler() http.Handler {
	return server.New(server.Deps{
		Store:       a.Store,
		Generator:   a.Generator,
		Index:       a.Index,
		Respondents: a.Respondents,
		Summarizer:  a.Summarizer,
		Reporter:    a.Reporter,
		PDF:         a.PDF,
		Logger:      a.Logger.Named("http"),
	})
}

func (a *App) Close() error {
	return a.Store.Close()
}
