package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemTool is a virtual filesystem rooted at a workspace directory.
// Paths may not escape the root.
type FilesystemTool struct {
	Root string
}

func NewFilesystemTool(root string) *FilesystemTool {
	absRoot, _ := filepath.Abs(root)
	return &FilesystemTool{Root: absRoot}
}

func (f *FilesystemTool) ID() ToolID {
	return ToolFilesystem
}

func (f *FilesystemTool) Description() string {
	return "Manage files in the local workspace. Operations: 'read', 'write', 'list', 'delete', 'mkdir'."
}

func (f *FilesystemTool) Initialize(ctx context.Context) error {
	return os.MkdirAll(f.Root, 0755)
}

func (f *FilesystemTool) Cleanup(ctx context.Context) error {
	return nil
}

func (f *FilesystemTool) resolve(op, name string) (string, error) {
	targetPath := filepath.Join(f.Root, name)
	rel, err := filepath.Rel(f.Root, targetPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &CapabilityError{Tool: f.ID().String(), Operation: op, Reason: fmt.Sprintf("unsafe path attempt: %s", name)}
	}
	return targetPath, nil
}

func (f *FilesystemTool) Invoke(ctx context.Context, op string, params map[string]any) (Output, error) {
	name := stringParam(params, "path")
	if name == "" {
		if op != "list" {
			return nil, missingParam(f.ID(), op, "path")
		}
		name = "."
	}
	targetPath, err := f.resolve(op, name)
	if err != nil {
		return nil, err
	}

	switch op {
	case "read":
		data, err := os.ReadFile(targetPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		content := truncate(string(data), maxOutput)
		return Output{"result": content, "path": name, "content": content}, nil

	case "write":
		content := stringParam(params, "content")
		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create parent directory: %w", err)
		}
		if err := os.WriteFile(targetPath, []byte(content), 0644); err != nil {
			return nil, fmt.Errorf("failed to write file: %w", err)
		}
		return Output{"result": name, "path": name, "bytes": len(content)}, nil

	case "list":
		entries, err := os.ReadDir(targetPath)
		if err != nil {
			return nil, fmt.Errorf("failed to list directory: %w", err)
		}
		var lines []string
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			typeStr := "file"
			if entry.IsDir() {
				typeStr = "dir"
			}
			lines = append(lines, fmt.Sprintf("[%s] %s", typeStr, entry.Name()))
			names = append(names, entry.Name())
		}
		listing := strings.Join(lines, "\n")
		if listing == "" {
			listing = "Directory is empty"
		}
		return Output{"result": listing, "path": name, "entries": names}, nil

	case "delete":
		if targetPath == f.Root {
			return nil, &CapabilityError{Tool: f.ID().String(), Operation: op, Reason: "refusing to delete the workspace root"}
		}
		if err := os.Remove(targetPath); err != nil {
			return nil, fmt.Errorf("failed to delete: %w", err)
		}
		return Output{"result": name, "path": name}, nil

	case "mkdir":
		if err := os.MkdirAll(targetPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		return Output{"result": name, "path": name}, nil

	default:
		return nil, unsupported(f.ID(), op)
	}
}
