package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rahul/stepwise/internal/llm"
)

// LLMTool exposes text generation to actions.
type LLMTool struct {
	Generator llm.Generator
}

func NewLLMTool(gen llm.Generator) *LLMTool {
	return &LLMTool{Generator: gen}
}

func (t *LLMTool) ID() ToolID {
	return ToolLLM
}

func (t *LLMTool) Description() string {
	return "Generate text or source code with the language model. Operations: 'generate', 'generate_code'."
}

func (t *LLMTool) Initialize(ctx context.Context) error {
	if t.Generator == nil {
		return fmt.Errorf("no text generator configured")
	}
	return nil
}

func (t *LLMTool) Cleanup(ctx context.Context) error {
	return nil
}

const codeSystemPrompt = "You write complete, runnable programs. Reply with a single fenced code block and nothing else."

func (t *LLMTool) Invoke(ctx context.Context, op string, params map[string]any) (Output, error) {
	switch op {
	case "generate":
		instruction := stringParam(params, "instruction")
		input := stringParam(params, "input")
		if instruction == "" && input == "" {
			return nil, missingParam(t.ID(), op, "instruction")
		}
		prompt := instruction
		if input != "" {
			prompt = strings.TrimSpace(instruction + "\n\n" + input)
		}
		text, err := t.Generator.Generate(ctx, prompt, llm.Options{Temperature: 0.7, MaxTokens: 2048})
		if err != nil {
			return nil, fmt.Errorf("generation failed: %w", err)
		}
		return Output{"result": text, "text": text}, nil

	case "generate_code":
		prompt := stringParam(params, "prompt")
		if prompt == "" {
			return nil, missingParam(t.ID(), op, "prompt")
		}
		language := stringParam(params, "language")
		if language == "" {
			language = "python"
		}
		text, err := t.Generator.Generate(ctx,
			fmt.Sprintf("Language: %s\nTask: %s", language, prompt),
			llm.Options{Temperature: 0.2, MaxTokens: 2048, System: codeSystemPrompt})
		if err != nil {
			return nil, fmt.Errorf("code generation failed: %w", err)
		}
		code := ExtractCode(text)
		return Output{"result": code, "code": code, "language": language, "text": text}, nil

	default:
		return nil, unsupported(t.ID(), op)
	}
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\s*\\n(.*?)```")

// ExtractCode returns the body of the first fenced code block in text, or
// the whole text when there is none.
func ExtractCode(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimRight(m[1], "\n")
	}
	return strings.TrimSpace(text)
}
