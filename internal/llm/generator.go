// Package llm adapts langchaingo chat models to the plain text-generation
// contract used by the planner and the llm tool.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/pkg/config"
)

// Options tune a single generation request.
type Options struct {
	Temperature float64
	MaxTokens   int
	System      string
}

// Generator produces free-form text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// LangChain is a Generator backed by any langchaingo model.
type LangChain struct {
	Model  llms.Model
	Logger *observability.Logger
}

func NewLangChain(model llms.Model, logger *observability.Logger) *LangChain {
	return &LangChain{Model: model, Logger: logger}
}

func (g *LangChain) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	var messages []llms.MessageContent
	if opts.System != "" {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(opts.System)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(prompt)},
	})

	var callOpts []llms.CallOption
	if opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}

	resp, err := g.Model.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	text := resp.Choices[0].Content

	if g.Logger != nil {
		g.Logger.LogLLM(observability.TaskIDFrom(ctx), messages, text)
	}
	return text, nil
}

// NewModel builds the chat model for a configured provider.
func NewModel(name string, p config.ProviderConfig) (llms.Model, error) {
	switch strings.ToLower(name) {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(p.APIKey),
			openai.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		return openai.New(opts...)
	default:
		return nil, fmt.Errorf("provider %s not yet implemented", name)
	}
}
