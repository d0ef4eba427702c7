package llm

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 4096
)

// Request is a single-turn completion request.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	// MaxTokens and Model fall back to the backend defaults when zero.
	MaxTokens int
	Model     string
}

// Backend produces free text for a prompt. Callers parse the text themselves.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

// ErrEmptyCompletion is returned when the model answers with no text blocks.
var ErrEmptyCompletion = errors.New("empty completion")

type AnthropicBackend struct {
	messages  AnthropicMessager
	model     string
	maxTokens int
}

func NewAnthropicBackend(apiKey, model string, maxTokens int) (*AnthropicBackend, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &AnthropicBackend{messages: newAnthropicClient(apiKey), model: model, maxTokens: maxTokens}, nil
}

func (a *AnthropicBackend) ModelName() string { return a.model }

func (a *AnthropicBackend) Complete(ctx context.Context, req Request) (string, error) {
	model := a.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	resp, err := a.messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyCompletion
	}
	return sb.String(), nil
}

type timeoutBackend struct {
	Backend
	d time.Duration
}

// WithTimeout bounds every call to b by d. A non-positive d returns b.
func WithTimeout(b Backend, d time.Duration) Backend {
	if d <= 0 {
		return b
	}
	return timeoutBackend{Backend: b, d: d}
}

func (t timeoutBackend) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.Backend.Complete(ctx, req)
}

type modelBackend struct {
	Backend
	model string
}

// WithModel routes requests that name no model to model.
func WithModel(b Backend, model string) Backend {
	if strings.TrimSpace(model) == "" {
		return b
	}
	return modelBackend{Backend: b, model: model}
}

func (m modelBackend) Complete(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		req.Model = m.model
	}
	return m.Backend.Complete(ctx, req)
}

// StripCodeFences removes a surrounding ``` fence with an optional language tag.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	return s
}
