package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

type ShellTool struct {
	Dir     string
	Timeout time.Duration
}

func NewShellTool(dir string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ShellTool{Dir: dir, Timeout: timeout}
}

func (s *ShellTool) ID() ToolID {
	return ToolShell
}

func (s *ShellTool) Description() string {
	return "Execute system shell commands in the workspace. Operations: 'run'."
}

func (s *ShellTool) Initialize(ctx context.Context) error {
	if _, err := exec.LookPath("bash"); err != nil {
		return fmt.Errorf("bash not available: %w", err)
	}
	return nil
}

func (s *ShellTool) Cleanup(ctx context.Context) error {
	return nil
}

func (s *ShellTool) Invoke(ctx context.Context, op string, params map[string]any) (Output, error) {
	if op != "run" {
		return nil, unsupported(s.ID(), op)
	}
	command := strings.TrimSpace(stringParam(params, "command"))
	if command == "" {
		return nil, missingParam(s.ID(), op, "command")
	}

	output, code, err := runCommand(ctx, s.Timeout, s.Dir, "bash", "-c", command)
	if err != nil {
		return nil, fmt.Errorf("command failed with error: %w\nOutput: %s", err, output)
	}
	return Output{"result": output, "output": output, "exit_code": code}, nil
}

// runCommand runs name with args and returns trimmed combined output and the
// exit code. A non-zero exit is reported as an error.
func runCommand(ctx context.Context, timeout time.Duration, dir string, name string, args ...string) (string, int, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()

	result := strings.TrimSpace(string(out))
	if result == "" {
		result = "(no output)"
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return truncate(result, maxOutput), exitErr.ExitCode(), err
		}
		return truncate(result, maxOutput), -1, err
	}
	return truncate(result, maxOutput), 0, nil
}
