package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FilesystemConfig bounds the filesystem built-ins to a workspace root, the
// same resolver-scoped-to-root pattern the teacher's files package uses.
type FilesystemConfig struct {
	Root         string
	MaxReadBytes int
}

func (c FilesystemConfig) resolve(path string) (string, error) {
	if c.Root == "" {
		return "", fmt.Errorf("filesystem tools: no workspace root configured")
	}
	clean := filepath.Clean("/" + path)
	full := filepath.Join(c.Root, clean)
	if !strings.HasPrefix(full, filepath.Clean(c.Root)+string(filepath.Separator)) && full != filepath.Clean(c.Root) {
		return "", fmt.Errorf("filesystem tools: path escapes workspace root")
	}
	return full, nil
}

// RegisterFilesystemTools wires filesystem_list_directory, filesystem_read_file,
// and filesystem_write_file into exec. These are the built-ins §8 scenario 2
// exercises (filesystem_list_directory).
func RegisterFilesystemTools(exec *Executor, cfg FilesystemConfig) {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = 200_000
	}
	exec.Register(&listDirectoryTool{cfg: cfg})
	exec.Register(&readFileTool{cfg: cfg})
	exec.Register(&writeFileTool{cfg: cfg})
}

type listDirectoryTool struct{ cfg FilesystemConfig }

func (t *listDirectoryTool) Name() string        { return "filesystem_list_directory" }
func (t *listDirectoryTool) Description() string  { return "List the files and subdirectories of a directory in the workspace." }
func (t *listDirectoryTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string", "description": "Directory path relative to the workspace root."}},
		"required":   []string{"path"},
	}
}

func (t *listDirectoryTool) Execute(_ context.Context, _ CallContext, params json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	full, err := t.cfg.resolve(args.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name()+"/")
		} else {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

type readFileTool struct{ cfg FilesystemConfig }

func (t *readFileTool) Name() string       { return "filesystem_read_file" }
func (t *readFileTool) Description() string { return "Read the contents of a file in the workspace." }
func (t *readFileTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string", "description": "File path relative to the workspace root."}},
		"required":   []string{"path"},
	}
}

func (t *readFileTool) Execute(_ context.Context, _ CallContext, params json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	full, err := t.cfg.resolve(args.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	if len(data) > t.cfg.MaxReadBytes {
		data = data[:t.cfg.MaxReadBytes]
	}
	return string(data), nil
}

type writeFileTool struct{ cfg FilesystemConfig }

func (t *writeFileTool) Name() string        { return "filesystem_write_file" }
func (t *writeFileTool) Description() string  { return "Write (overwriting) a file in the workspace." }
func (t *writeFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "File path relative to the workspace root."},
			"content": map[string]any{"type": "string", "description": "Content to write."},
		},
		"required": []string{"path", "content"},
	}
}

func (t *writeFileTool) Execute(_ context.Context, _ CallContext, params json.RawMessage) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	full, err := t.cfg.resolve(args.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, []byte(args.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
}
