// Package respondent fabricates survey responses with the generation backend,
// for demos and for exercising the analysis pipeline before real data exists.
package respondent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joelkehle/surveyforge/internal/llm"
	"github.com/joelkehle/surveyforge/internal/repair"
	"github.com/joelkehle/surveyforge/internal/survey"
)

type Tendency string

const (
	Positive Tendency = "positive"
	Neutral  Tendency = "neutral"
	Mixed    Tendency = "mixed"
	Negative Tendency = "negative"
)

// ModeRandom spreads respondents over all tendencies.
const ModeRandom = "random"

var tendencyGuides = map[Tendency]string{
	Positive: `Answering tendency: broadly positive.
- Scale questions: lean towards the top of the range.
- Choice questions: pick satisfied, approving options.
- Open questions: express satisfaction; small suggestions are fine but keep the tone positive.`,
	Negative: `Answering tendency: broadly negative.
- Scale questions: lean towards the bottom of the range.
- Choice questions: pick dissatisfied, critical options.
- Open questions: express disappointment and name concrete problems.`,
	Neutral: `Answering tendency: neutral and objective.
- Scale questions: stay around the middle of the range.
- Choice questions: pick neutral options.
- Open questions: weigh strengths and weaknesses evenly.`,
	Mixed: `Answering tendency: mixed feelings.
- Scale questions: spread scores across the lower middle and upper middle.
- Choice questions: combine positive and negative options.
- Open questions: describe both what works and what does not.`,
}

var genericIdentities = []string{
	"a 25-year-old office worker who is curious about new things",
	"a 35-year-old mid-career professional with broad life experience",
	"a 20-year-old university student who follows trends closely",
	"a 45-year-old senior practitioner with deep domain knowledge",
	"a 30-year-old freelancer with a flexible lifestyle",
	"a 40-year-old company manager who values efficiency and quality",
	"a 28-year-old founder full of energy and ideas",
	"a 50-year-old industry expert with independent views",
	"a 22-year-old new graduate just starting work",
	"a 38-year-old parent balancing family and career",
	"a 32-year-old engineer who likes to analyse things",
	"a 26-year-old designer who cares about aesthetics",
	"a 42-year-old teacher who is patient and responsible",
	"a 29-year-old salesperson who enjoys talking to people",
	"a 36-year-old civil servant who values stability and rules",
}

// ParseMode validates a tendency mode: one of the four tendencies or "random".
func ParseMode(s string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(s))
	switch m {
	case "":
		return ModeRandom, nil
	case ModeRandom, string(Positive), string(Neutral), string(Mixed), string(Negative):
		return m, nil
	}
	return "", fmt.Errorf("unknown tendency mode %q", s)
}

// TendencySequence returns n tendencies for mode. In random mode the split is
// 40% positive, 30% neutral, 20% mixed and 10% negative, each rounded down,
// padded with neutral and shuffled with rng.
func TendencySequence(n int, mode string, rng *rand.Rand) []Tendency {
	if n <= 0 {
		return nil
	}
	seq := make([]Tendency, 0, n)
	if mode != ModeRandom {
		for range n {
			seq = append(seq, Tendency(mode))
		}
		return seq
	}
	add := func(t Tendency, k int) {
		for range k {
			seq = append(seq, t)
		}
	}
	add(Positive, n*4/10)
	add(Neutral, n*3/10)
	add(Mixed, n*2/10)
	add(Negative, n*1/10)
	for len(seq) < n {
		seq = append(seq, Neutral)
	}
	rng.Shuffle(len(seq), func(i, j int) { seq[i], seq[j] = seq[j], seq[i] })
	return seq
}

type Options struct {
	Temperature float64
	MaxTokens   int
	// Workers bounds concurrent backend calls.
	Workers int
	// Seed makes the random tendency shuffle reproducible; zero picks a
	// random seed.
	Seed uint64
}

// Generator produces synthetic responses.
type Generator struct {
	backend llm.Backend
	engine  *repair.Engine
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func New(backend llm.Backend, engine *repair.Engine, opts Options, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = repair.NewEngine(nil, logger)
	}
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Generator{
		backend: backend,
		engine:  engine,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Batch is the outcome of one Generate call. Responses are in request order;
// failed respondents are counted, not returned.
type Batch struct {
	Responses  []survey.Response `json:"responses"`
	Failed     int               `json:"failed"`
	Tendencies map[Tendency]int  `json:"tendencies"`
}

// Generate asks the backend to answer doc as n respondents. A single
// respondent failing is not an error; Generate fails only on invalid input or
// a cancelled context.
func (g *Generator) Generate(ctx context.Context, surveyID string, doc survey.Document, n int, mode string) (Batch, error) {
	if n <= 0 {
		return Batch{}, errors.New("respondent count must be positive")
	}
	if len(doc.Questions) == 0 {
		return Batch{}, survey.ErrNoValidQuestions
	}
	mode, err := ParseMode(mode)
	if err != nil {
		return Batch{}, err
	}

	g.mu.Lock()
	tendencies := TendencySequence(n, mode, g.rng)
	g.mu.Unlock()
	identities := g.Identities(ctx, doc.Title, min(len(genericIdentities), n))
	questionsJSON, err := simplifiedQuestions(doc)
	if err != nil {
		return Batch{}, err
	}

	slots := make([]*survey.Response, n)
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Workers)
	for i := range n {
		eg.Go(func() error {
			if egctx.Err() != nil {
				return egctx.Err()
			}
			identity := identities[i%len(identities)]
			answers, err := g.answer(egctx, doc, questionsJSON, identity, tendencies[i])
			if err != nil {
				g.logger.Warn("respondent failed", zap.Int("index", i), zap.String("tendency", string(tendencies[i])), zap.Error(err))
				return nil
			}
			slots[i] = &survey.Response{
				ID:          uuid.NewString(),
				SurveyID:    surveyID,
				Respondent:  identity,
				Tendency:    string(tendencies[i]),
				Answers:     answers,
				SubmittedAt: g.now().UTC(),
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Batch{}, err
	}
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	batch := Batch{Tendencies: make(map[Tendency]int)}
	for _, r := range slots {
		if r == nil {
			batch.Failed++
			continue
		}
		batch.Responses = append(batch.Responses, *r)
		batch.Tendencies[Tendency(r.Tendency)]++
	}
	g.logger.Info("synthetic responses generated", zap.Int("requested", n), zap.Int("succeeded", len(batch.Responses)), zap.Int("failed", batch.Failed))
	return batch, nil
}

func (g *Generator) answer(ctx context.Context, doc survey.Document, questionsJSON, identity string, t Tendency) (map[string]any, error) {
	guide, ok := tendencyGuides[t]
	if !ok {
		guide = tendencyGuides[Neutral]
	}
	prompt := fmt.Sprintf(answerTemplate, identity, doc.Title, guide, questionsJSON)
	raw, err := g.backend.Complete(ctx, llm.Request{
		Prompt:      prompt,
		Temperature: g.opts.Temperature,
		MaxTokens:   g.opts.MaxTokens,
	})
	if err != nil {
		return nil, llm.Classify(err)
	}
	var parsed map[string]any
	if _, err := g.engine.Parse(ctx, "answers", raw, &parsed); err != nil {
		return nil, err
	}
	answers := make(map[string]any, len(doc.Questions))
	for _, q := range doc.Questions {
		if v, ok := parsed[q.Key()]; ok && v != nil {
			answers[q.Key()] = v
		}
	}
	if len(answers) == 0 {
		return nil, errors.New("no answers for any question")
	}
	return answers, nil
}

const answerTemplate = `You are %s, filling in a survey titled %q.

%s

Survey questions:
%s

Answer every question in character and in line with the tendency above. Reply with a JSON object keyed by question id.

Rules:
- single_choice: one option string taken from options.
- multi_choice: an array of option strings taken from options.
- scale: a number within scale_range.
- open_ended: 50 to 200 words of concrete, realistic feedback.

Reply with JSON only, for example:
{"1": "Option A", "2": ["Option 1", "Option 2"], "3": 4, "4": "A detailed written answer..."}`

func simplifiedQuestions(doc survey.Document) (string, error) {
	type simple struct {
		ID         int                 `json:"id"`
		Type       survey.QuestionType `json:"type"`
		Text       string              `json:"text"`
		Options    []string            `json:"options,omitempty"`
		ScaleRange string              `json:"scale_range,omitempty"`
	}
	out := make([]simple, 0, len(doc.Questions))
	for _, q := range doc.Questions {
		s := simple{ID: q.ID, Type: q.Type, Text: q.Text, Options: q.Options}
		if q.Type == survey.Scale {
			lo, hi := q.Bounds()
			s.ScaleRange = survey.FormatNumber(lo) + "-" + survey.FormatNumber(hi)
		}
		out = append(out, s)
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode questions: %w", err)
	}
	return string(b), nil
}

const identityTemplate = `Write %d diverse respondent personas for a survey titled %q.
Each persona fits the survey's target audience, states age, occupation and relevant background in one sentence, and differs from the others.
Reply with a JSON array of strings only.`

// Identities asks the backend for count respondent personas matching title.
// It falls back to a generic list when the call or the parse fails.
func (g *Generator) Identities(ctx context.Context, title string, count int) []string {
	if count <= 0 {
		count = 1
	}
	fallback := genericIdentities[:min(count, len(genericIdentities))]
	raw, err := g.backend.Complete(ctx, llm.Request{
		Prompt:      fmt.Sprintf(identityTemplate, count, title),
		Temperature: 0.8,
		MaxTokens:   1024,
	})
	if err != nil {
		g.logger.Warn("persona generation failed, using generic personas", zap.Error(err))
		return fallback
	}
	var ids []string
	if err := json.Unmarshal([]byte(llm.StripCodeFences(raw)), &ids); err != nil {
		g.logger.Warn("persona output not a JSON array, using generic personas", zap.Error(err))
		return fallback
	}
	out := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
