package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joelkehle/surveyforge/internal/llm"
	"github.com/joelkehle/surveyforge/internal/repair"
	"github.com/joelkehle/surveyforge/internal/retrieval"
	"github.com/joelkehle/surveyforge/internal/survey"
)

var tracer = otel.Tracer("github.com/joelkehle/surveyforge/internal/generate")

// Retriever supplies reference material for a topic.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]retrieval.Hit, error)
}

type Options struct {
	Temperature        float64
	EnhanceTemperature float64
	MaxTokens          int
	K                  int
	MaxContextChars    int
}

func DefaultOptions() Options {
	return Options{
		Temperature:        0.7,
		EnhanceTemperature: 0.5,
		MaxTokens:          4096,
		K:                  3,
		MaxContextChars:    DefaultMaxContextChars,
	}
}

// Generator produces validated survey documents from a topic.
type Generator struct {
	backend   llm.Backend
	retriever Retriever
	engine    *repair.Engine
	opts      Options
	logger    *zap.Logger
}

// New builds a Generator. retriever may be nil, in which case every request
// uses placeholder context.
func New(backend llm.Backend, retriever Retriever, engine *repair.Engine, opts Options, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = repair.NewEngine(nil, logger)
	}
	def := DefaultOptions()
	if opts.K <= 0 {
		opts.K = def.K
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = def.MaxTokens
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = def.MaxContextChars
	}
	return &Generator{backend: backend, retriever: retriever, engine: engine, opts: opts, logger: logger}
}

// Result is a generated survey plus how it was produced.
type Result struct {
	Document           survey.Document  `json:"document"`
	Dropped            []survey.Dropped `json:"dropped,omitempty"`
	PlaceholderContext bool             `json:"placeholder_context"`
	Context            string           `json:"-"`
	References         []retrieval.Hit  `json:"references,omitempty"`
	Attempts           int              `json:"attempts"`
	RepairStage        repair.Stage     `json:"repair_stage,omitempty"`
}

// ErrMissingQuestions is returned by the strict parser when the decoded
// object has no questions field.
var ErrMissingQuestions = errors.New("generated object has no questions field")

// Generate runs retrieval, prompting and parsing for topic. The full
// generation is retried once when the backend call or the strict parse fails;
// the retry's output goes through the repair engine. A failure of the retry is
// returned as *llm.BackendError or *repair.UnrecoverableFormatError.
func (g *Generator) Generate(ctx context.Context, topic string, extra map[string]string) (Result, error) {
	ctx, span := tracer.Start(ctx, "generate.Generate")
	defer span.End()
	start := time.Now()

	input := BuildUserInput(topic, extra)
	if input == "" {
		return Result{}, errors.New("topic is required")
	}

	res := Result{Attempts: 1}
	doc, err := g.primaryAttempt(ctx, input, &res)
	if err != nil {
		g.logger.Warn("generation attempt failed, retrying", zap.Int("attempt", 1), zap.Error(err))
		res.Attempts = 2
		doc, err = g.fallbackAttempt(ctx, input, &res)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation failed")
			var be *llm.BackendError
			if errors.As(err, &be) {
				g.logger.Error("generation failed", zap.String("category", string(be.Category)), zap.Error(err))
			} else {
				g.logger.Error("generation failed", zap.Error(err))
			}
			return res, err
		}
	}

	valid, dropped, err := survey.Validate(doc)
	res.Dropped = dropped
	for _, d := range dropped {
		g.logger.Warn("dropped invalid question", zap.Int("original_id", d.OriginalID), zap.String("reason", d.Reason))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no valid questions")
		return res, err
	}
	res.Document = valid
	span.SetAttributes(
		attribute.Int("generate.attempts", res.Attempts),
		attribute.Bool("generate.used_placeholder", res.PlaceholderContext),
		attribute.String("generate.repair_stage", string(res.RepairStage)),
		attribute.Int("generate.questions", len(valid.Questions)),
		attribute.Int("generate.dropped", len(dropped)),
	)
	g.logger.Info("survey generated",
		zap.Int("attempts", res.Attempts),
		zap.Int("questions", len(valid.Questions)),
		zap.Int("dropped", len(dropped)),
		zap.Bool("placeholder_context", res.PlaceholderContext),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return res, nil
}

func (g *Generator) primaryAttempt(ctx context.Context, input string, res *Result) (survey.Document, error) {
	ctx, span := tracer.Start(ctx, "generate.attempt", trace.WithAttributes(attribute.Int("generate.attempt", 1)))
	defer span.End()

	raw, err := g.call(ctx, input, res)
	if err != nil {
		return survey.Document{}, err
	}
	doc, err := parseStrict(raw)
	if err != nil {
		return survey.Document{}, fmt.Errorf("strict parse: %w", err)
	}
	res.RepairStage = repair.StageDirect
	return doc, nil
}

func (g *Generator) fallbackAttempt(ctx context.Context, input string, res *Result) (survey.Document, error) {
	ctx, span := tracer.Start(ctx, "generate.attempt", trace.WithAttributes(attribute.Int("generate.attempt", 2)))
	defer span.End()

	raw, err := g.call(ctx, input, res)
	if err != nil {
		return survey.Document{}, llm.Classify(err)
	}
	var doc survey.Document
	stage, err := g.engine.Parse(ctx, "survey", raw, &doc)
	res.RepairStage = stage
	if err != nil {
		return survey.Document{}, err
	}
	return doc, nil
}

// call retrieves context, fills the prompt and invokes the backend.
func (g *Generator) call(ctx context.Context, input string, res *Result) (string, error) {
	contextBlock, hits, placeholder := g.retrieveContext(ctx, input)
	res.Context = contextBlock
	res.References = hits
	res.PlaceholderContext = placeholder
	return g.backend.Complete(ctx, llm.Request{
		System:      systemRole,
		Prompt:      buildPrompt(input, contextBlock),
		Temperature: g.opts.Temperature,
		MaxTokens:   g.opts.MaxTokens,
	})
}

// retrieveContext never fails: any retrieval problem yields a placeholder.
func (g *Generator) retrieveContext(ctx context.Context, query string) (string, []retrieval.Hit, bool) {
	if g.retriever == nil {
		return PlaceholderUninitialized, nil, true
	}
	hits, err := g.retriever.Search(ctx, query, g.opts.K)
	switch {
	case errors.Is(err, retrieval.ErrIndexUninitialized):
		g.logger.Warn("retrieval unavailable", zap.Error(err))
		return PlaceholderUninitialized, nil, true
	case err != nil:
		g.logger.Warn("retrieval failed", zap.Error(err))
		return PlaceholderFailed, nil, true
	case len(hits) == 0:
		return PlaceholderNoResults, nil, true
	}
	return FormatContext(hits, g.opts.MaxContextChars), hits, false
}

// parseStrict decodes model output that is expected to be a bare (or fenced)
// JSON object with a questions field.
func parseStrict(raw string) (survey.Document, error) {
	clean := llm.StripCodeFences(raw)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(clean), &fields); err != nil {
		return survey.Document{}, err
	}
	if _, ok := fields["questions"]; !ok {
		return survey.Document{}, ErrMissingQuestions
	}
	var doc survey.Document
	if err := json.Unmarshal([]byte(clean), &doc); err != nil {
		return survey.Document{}, err
	}
	return doc, nil
}

// Enhance rewrites a raw requirement into a concise brief. On any backend
// failure the input is returned unchanged.
func (g *Generator) Enhance(ctx context.Context, userInput string) string {
	out, err := g.backend.Complete(ctx, llm.Request{
		System:      enhanceSystem,
		Prompt:      "Requirement: " + userInput,
		Temperature: g.opts.EnhanceTemperature,
		MaxTokens:   1024,
	})
	if err != nil || strings.TrimSpace(out) == "" {
		g.logger.Warn("requirement enhancement failed, using original input", zap.Error(err))
		return userInput
	}
	return strings.TrimSpace(out)
}
