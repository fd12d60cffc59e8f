package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

type interpreter struct {
	ext  string
	name string
	args []string
}

var interpreters = map[string]interpreter{
	"python":     {ext: ".py", name: "python3"},
	"bash":       {ext: ".sh", name: "bash"},
	"shell":      {ext: ".sh", name: "bash"},
	"javascript": {ext: ".js", name: "node"},
	"go":         {ext: ".go", name: "go", args: []string{"run"}},
}

// CodeTool runs generated source code in a scratch directory that exists
// only for the duration of a session.
type CodeTool struct {
	Timeout time.Duration

	dir string
}

func NewCodeTool(timeout time.Duration) *CodeTool {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &CodeTool{Timeout: timeout}
}

func (c *CodeTool) ID() ToolID {
	return ToolCode
}

func (c *CodeTool) Description() string {
	return "Run a snippet of python, bash, javascript or go code and return its output. Operations: 'execute_code'."
}

func (c *CodeTool) Initialize(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "stepwise-code-")
	if err != nil {
		return err
	}
	c.dir = dir
	return nil
}

func (c *CodeTool) Cleanup(ctx context.Context) error {
	if c.dir == "" {
		return nil
	}
	err := os.RemoveAll(c.dir)
	c.dir = ""
	return err
}

func (c *CodeTool) Invoke(ctx context.Context, op string, params map[string]any) (Output, error) {
	if op != "execute_code" {
		return nil, unsupported(c.ID(), op)
	}
	if c.dir == "" {
		return nil, &CapabilityError{Tool: c.ID().String(), Operation: op, Reason: "code runner not initialized"}
	}
	code := stringParam(params, "code")
	if strings.TrimSpace(code) == "" {
		return nil, missingParam(c.ID(), op, "code")
	}
	language := strings.ToLower(stringParam(params, "language"))
	if language == "" {
		language = "python"
	}
	interp, ok := interpreters[language]
	if !ok {
		return nil, &CapabilityError{Tool: c.ID().String(), Operation: op, Reason: fmt.Sprintf("unsupported language %q", language)}
	}
	if _, err := exec.LookPath(interp.name); err != nil {
		return nil, &CapabilityError{Tool: c.ID().String(), Operation: op, Reason: fmt.Sprintf("%s is not installed", interp.name)}
	}

	file, err := os.CreateTemp(c.dir, "snippet-*"+interp.ext)
	if err != nil {
		return nil, err
	}
	if _, err := file.WriteString(code); err != nil {
		file.Close()
		return nil, err
	}
	file.Close()

	args := append(append([]string{}, interp.args...), filepath.Base(file.Name()))
	output, exitCode, err := runCommand(ctx, c.Timeout, c.dir, interp.name, args...)
	if err != nil {
		return nil, fmt.Errorf("%s exited with code %d: %w\nOutput: %s", language, exitCode, err, output)
	}
	return Output{"result": output, "stdout": output, "exit_code": exitCode, "language": language}, nil
}
