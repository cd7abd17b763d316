// Package memory is the memories.* gateway handler surface of §6: durable,
// session-scoped notes, bounded to MEMORY_MAX_STORAGE_TOKENS on write and
// MEMORY_MAX_RETURN_TOKENS on search, with changes broadcast to subscribers
// of the owning session.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/nexus/pkg/models"
)

// Store is the subset of the Durable Store memory needs.
type Store interface {
	CreateMemory(ctx context.Context, m *models.Memory) error
	GetMemory(ctx context.Context, id string) (*models.Memory, error)
	ListMemories(ctx context.Context, sessionID string) ([]*models.Memory, error)
	DeleteMemory(ctx context.Context, id string) error
}

// Broadcaster is the Push method (as on the gateway Server) memory needs to emit
// memory_changed events to a session's subscribers.
type Broadcaster interface {
	Push(sessionID string, ev models.Event)
}

// Service implements the memories.* handler catalog entry over a Store,
// narrowed (per this module's scope) to exact/substring recall rather than
// vector similarity: every memory is plain text, small enough that a linear
// scan per session is the right tool for the job.
type Service struct {
	store            Store
	bcast            Broadcaster
	maxStorageTokens int
	maxReturnTokens  int
}

// estimateTokens applies the chars/4 heuristic used throughout this codebase
// (§9) for any place that needs an approximate token count without a
// provider-specific tokenizer.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// NewService constructs a Service. maxStorageTokens bounds a single memory's
// content on Add; maxReturnTokens bounds the total content size Search may
// return across all matches.
func NewService(store Store, bcast Broadcaster, maxStorageTokens, maxReturnTokens int) *Service {
	return &Service{store: store, bcast: bcast, maxStorageTokens: maxStorageTokens, maxReturnTokens: maxReturnTokens}
}

// Add creates a memory scoped to sessionID. Content exceeding
// maxStorageTokens is rejected rather than silently truncated, since a
// truncated memory is a worse failure mode than a visible error.
func (s *Service) Add(ctx context.Context, sessionID, content string, tags []string) (*models.Memory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("memory: content must not be empty")
	}
	if s.maxStorageTokens > 0 && estimateTokens(content) > s.maxStorageTokens {
		return nil, fmt.Errorf("memory: content exceeds %d token storage limit", s.maxStorageTokens)
	}
	now := time.Now()
	m := &models.Memory{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Content:   content,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateMemory(ctx, m); err != nil {
		return nil, fmt.Errorf("memory: create: %w", err)
	}
	s.notify(sessionID, m.ID, false)
	return m, nil
}

// List returns every memory for sessionID, most recently created first.
func (s *Service) List(ctx context.Context, sessionID string) ([]*models.Memory, error) {
	mems, err := s.store.ListMemories(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	sort.Slice(mems, func(i, j int) bool { return mems[i].CreatedAt.After(mems[j].CreatedAt) })
	return mems, nil
}

// Delete removes a memory and notifies the owning session's subscribers.
func (s *Service) Delete(ctx context.Context, sessionID, id string) error {
	if err := s.store.DeleteMemory(ctx, id); err != nil {
		return fmt.Errorf("memory: delete: %w", err)
	}
	s.notify(sessionID, id, true)
	return nil
}

// Search returns the memories in sessionID whose content or tags contain
// query (case-insensitive), most recent first, truncated to the configured
// return-token budget: once adding a result would exceed the budget,
// collection stops rather than returning a partial final entry.
func (s *Service) Search(ctx context.Context, sessionID, query string) ([]*models.Memory, error) {
	all, err := s.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return s.withinReturnBudget(all), nil
	}
	q := strings.ToLower(query)
	var matched []*models.Memory
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.Content), q) || matchesTag(m.Tags, q) {
			matched = append(matched, m)
		}
	}
	return s.withinReturnBudget(matched), nil
}

func matchesTag(tags []string, q string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

func (s *Service) withinReturnBudget(mems []*models.Memory) []*models.Memory {
	if s.maxReturnTokens <= 0 {
		return mems
	}
	var out []*models.Memory
	used := 0
	for _, m := range mems {
		t := estimateTokens(m.Content)
		if used+t > s.maxReturnTokens {
			break
		}
		used += t
		out = append(out, m)
	}
	return out
}

func (s *Service) notify(sessionID, memoryID string, deleted bool) {
	if s.bcast == nil {
		return
	}
	s.bcast.Push(sessionID, models.Event{
		Type:      models.EventMemoryChanged,
		SessionID: sessionID,
		Time:      time.Now(),
		Memory:    &models.MemoryPayload{MemoryID: memoryID, Deleted: deleted},
	})
}
