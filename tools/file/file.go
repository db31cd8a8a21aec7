// Package file provides file_read and file_write tools restricted to a
// workspace directory.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	meander "github.com/nevindra/meander"
)

const maxRead = 8000

// ReadTool reads files from the workspace.
type ReadTool struct {
	workspacePath string
}

// WriteTool writes files into the workspace.
type WriteTool struct {
	workspacePath string
}

var (
	_ meander.Tool = (*ReadTool)(nil)
	_ meander.Tool = (*WriteTool)(nil)
)

// NewRead creates a read tool restricted to workspacePath.
func NewRead(workspacePath string) *ReadTool {
	return &ReadTool{workspacePath: workspacePath}
}

// NewWrite creates a write tool restricted to workspacePath.
func NewWrite(workspacePath string) *WriteTool {
	return &WriteTool{workspacePath: workspacePath}
}

func (t *ReadTool) Name() string { return "file_read" }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace. Returns the file content (truncated to 8000 chars if large). Args: path (string, relative to workspace)."
}

func (t *ReadTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	resolved, err := resolvePath(t.workspacePath, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}
	content := string(data)
	if len(content) > maxRead {
		content = content[:maxRead] + "\n... (truncated)"
	}
	return content, nil
}

func (t *WriteTool) Name() string { return "file_write" }

func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace. Creates parent directories if needed. Args: path (string, relative to workspace), content (string)."
}

func (t *WriteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	resolved, err := resolvePath(t.workspacePath, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return "", fmt.Errorf("mkdir error: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write error: %w", err)
	}
	return fmt.Sprintf("Written %d bytes to %s", len(content), filepath.Base(resolved)), nil
}

// resolvePath joins path into the workspace and rejects escapes.
func resolvePath(workspace, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(workspace, path)
	if !strings.HasPrefix(resolved, workspace) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}
