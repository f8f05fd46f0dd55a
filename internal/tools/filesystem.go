package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace confines file tools to one directory tree.
type Workspace struct {
	root string
}

// NewWorkspace returns a workspace rooted at root (~ is expanded).
func NewWorkspace(root string) Workspace {
	return Workspace{root: expandPath(root)}
}

// Root returns the absolute workspace root.
func (w Workspace) Root() string { return w.root }

// resolve maps a tool path argument to an absolute path inside the
// workspace. Relative paths are taken from the root.
func (w Workspace) resolve(path string) (string, error) {
	if w.root == "" {
		return "", fmt.Errorf("workspace not configured")
	}
	if strings.HasPrefix(path, "~") {
		path = expandPath(path)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, path)
	}
	path = filepath.Clean(path)
	if !isWithin(w.root, path) {
		return "", fmt.Errorf("path outside workspace: %s", path)
	}
	return path, nil
}

// RegisterWorkspaceTools adds read_file, write_file and list_dir bound to ws.
func RegisterWorkspaceTools(r *Registry, ws Workspace) {
	r.Register(&ReadFileTool{ws: ws})
	r.Register(&WriteFileTool{ws: ws})
	r.Register(&ListDirTool{ws: ws})
}

// ReadFileTool reads the contents of a file.
type ReadFileTool struct {
	ws Workspace
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file in the workspace."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path of the file, relative to the workspace root",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	raw := GetString(params, "path", "")
	if raw == "" {
		return "", fmt.Errorf("path is required")
	}
	path, err := t.ws.resolve(raw)
	if err != nil {
		return "", err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", raw)
		}
		if os.IsPermission(err) {
			return "", fmt.Errorf("permission denied: %s", raw)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(content), nil
}

// WriteFileTool writes content to a file.
type WriteFileTool struct {
	ws Workspace
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace. Creates parent directories if needed."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path of the file, relative to the workspace root",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	raw := GetString(params, "path", "")
	content := GetString(params, "content", "")
	if raw == "" {
		return "", fmt.Errorf("path is required")
	}
	path, err := t.ws.resolve(raw)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		if os.IsPermission(err) {
			return "", fmt.Errorf("permission denied: %s", raw)
		}
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), raw), nil
}

// ListDirTool lists directory contents.
type ListDirTool struct {
	ws Workspace
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the contents of a workspace directory."
}

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory path relative to the workspace root (default: root)",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	raw := GetString(params, "path", ".")
	path, err := t.ws.resolve(raw)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("directory not found: %s", raw)
		}
		return "", fmt.Errorf("read directory: %w", err)
	}

	var result strings.Builder
	fmt.Fprintf(&result, "Contents of %s:\n", raw)
	for _, entry := range entries {
		info, _ := entry.Info()
		switch {
		case entry.IsDir():
			fmt.Fprintf(&result, "  [DIR]  %s/\n", entry.Name())
		case info != nil:
			fmt.Fprintf(&result, "  [FILE] %s (%d bytes)\n", entry.Name(), info.Size())
		default:
			fmt.Fprintf(&result, "  [FILE] %s\n", entry.Name())
		}
	}
	return result.String(), nil
}

func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}
