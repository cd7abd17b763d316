package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nexuscore/nexus/pkg/models"
)

// MemoryStore is the subset of the Durable Store the memory built-ins need.
type MemoryStore interface {
	CreateMemory(ctx context.Context, m *models.Memory) error
	ListMemories(ctx context.Context, sessionID string) ([]*models.Memory, error)
	DeleteMemory(ctx context.Context, id string) error
}

// RegisterMemoryTools wires memory_search and memory_add into exec,
// scoped to st. Results are capped by maxReturnChars (an approximation of
// MEMORY_MAX_RETURN_TOKENS at roughly 4 chars/token).
func RegisterMemoryTools(exec *Executor, st MemoryStore, maxReturnChars int) {
	if maxReturnChars <= 0 {
		maxReturnChars = 800_000
	}
	exec.Register(&memorySearchTool{store: st, maxChars: maxReturnChars})
	exec.Register(&memoryAddTool{store: st})
}

type memorySearchTool struct {
	store    MemoryStore
	maxChars int
}

func (t *memorySearchTool) Name() string        { return "memory_search" }
func (t *memorySearchTool) Description() string  { return "Search this session's stored memories for a substring match." }
func (t *memorySearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Substring to match against stored memory content."},
		},
		"required": []string{"query"},
	}
}

func (t *memorySearchTool) Execute(ctx context.Context, cc CallContext, params json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	all, err := t.store.ListMemories(ctx, cc.SessionID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	matched := 0
	query := strings.ToLower(args.Query)
	for _, m := range all {
		if query != "" && !strings.Contains(strings.ToLower(m.Content), query) {
			continue
		}
		line := fmt.Sprintf("- %s\n", m.Content)
		if b.Len()+len(line) > t.maxChars {
			break
		}
		b.WriteString(line)
		matched++
	}
	if matched == 0 {
		return "no matching memories", nil
	}
	return b.String(), nil
}

type memoryAddTool struct{ store MemoryStore }

func (t *memoryAddTool) Name() string        { return "memory_add" }
func (t *memoryAddTool) Description() string  { return "Store a durable note scoped to this session." }
func (t *memoryAddTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{"type": "string", "description": "Note content to remember."},
			"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"content"},
	}
}

func (t *memoryAddTool) Execute(ctx context.Context, cc CallContext, params json.RawMessage) (string, error) {
	var args struct {
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Content) == "" {
		return "", fmt.Errorf("content is required")
	}
	m := &models.Memory{ID: uuid.NewString(), SessionID: cc.SessionID, Content: args.Content, Tags: args.Tags}
	if err := t.store.CreateMemory(ctx, m); err != nil {
		return "", err
	}
	return "memory stored: " + m.ID, nil
}
