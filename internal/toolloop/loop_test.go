package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexus/internal/store"
	"github.com/nexuscore/nexus/internal/stream"
	"github.com/nexuscore/nexus/pkg/models"
)

// fakeStore is a minimal in-memory Store sufficient for loop tests.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	messages map[string]*models.Message
	order    []string
}

func newFakeStore(sess *models.Session) *fakeStore {
	return &fakeStore{
		sessions: map[string]*models.Session{sess.ID: sess},
		messages: map[string]*models.Message{},
	}
}

func (s *fakeStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	return nil
}

func (s *fakeStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("not found: %s", id)
	}
	return m, nil
}

func (s *fakeStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; !ok {
		return fmt.Errorf("not found: %s", msg.ID)
	}
	s.messages[msg.ID] = msg
	return nil
}

func (s *fakeStore) ListMessages(ctx context.Context, sessionID string, opts store.MessageListOptions) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, id := range s.order {
		if m := s.messages[id]; m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("not found: %s", id)
	}
	return sess, nil
}

func (s *fakeStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *fakeStore) SetApproval(ctx context.Context, messageID string, expected, next models.ApprovalStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, fmt.Errorf("not found: %s", messageID)
	}
	if m.Approval != expected {
		return false, nil
	}
	m.Approval = next
	return true, nil
}

func (s *fakeStore) lastMessage() *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil
	}
	return s.messages[s.order[len(s.order)-1]]
}

type fakeAssembler struct{}

func (fakeAssembler) Assemble(ctx context.Context, sessionID string) ([]Turn, error) {
	return []Turn{{Role: models.RoleUser, Content: "hi"}}, nil
}

type fakeExecutor struct {
	calls []models.ToolCall
}

func (e *fakeExecutor) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	e.calls = append(e.calls, call)
	return models.ToolResult{ToolCallID: call.ID, Output: "ok"}
}

func (e *fakeExecutor) Tools() []ToolSchema { return nil }

// scriptedProvider replies with the responses queued for it, one per Stream
// call, in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []func(emit func(models.Event)) error
	calls     int
}

func (p *scriptedProvider) Stream(ctx context.Context, req Request, emit func(models.Event)) error {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()
	if idx >= len(p.responses) {
		return fmt.Errorf("scriptedProvider: no response queued for call %d", idx)
	}
	return p.responses[idx](emit)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func newTestLoop(st Store, provider Provider, executor ToolExecutor) (*Loop, *stream.Registry) {
	registry := stream.NewRegistry(nil)
	resolver := func(model string) (Provider, error) { return provider, nil }
	l := NewLoop(registry, st, fakeAssembler{}, resolver, executor, nil, nil, nil, nil, nil)
	return l, registry
}

func TestLoopTerminatesWithoutToolCalls(t *testing.T) {
	sess := &models.Session{ID: "s1", Model: "m1"}
	st := newFakeStore(sess)
	provider := &scriptedProvider{responses: []func(func(models.Event)) error{
		func(emit func(models.Event)) error {
			emit(models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "hello"}})
			emit(models.Event{Type: models.EventUsage, Usage: &models.UsagePayload{InputTokens: 1, OutputTokens: 1}})
			return nil
		},
	}}
	l, registry := newTestLoop(st, provider, &fakeExecutor{})

	require.NoError(t, l.Start(context.Background(), "s1"))

	waitFor(t, time.Second, func() bool {
		msg := st.lastMessage()
		return msg != nil && msg.Content == "hello"
	})

	_, ok := registry.Get("s1")
	assert.True(t, ok, "entry should survive scheduleRemoval's default grace period after the no-tool-call terminal case")
}

func TestLoopAutoApprovedRunsToolsAndContinues(t *testing.T) {
	sess := &models.Session{ID: "s1", Model: "m1", AutoApprove: true}
	st := newFakeStore(sess)
	args, _ := json.Marshal(map[string]any{})
	provider := &scriptedProvider{responses: []func(func(models.Event)) error{
		func(emit func(models.Event)) error {
			emit(models.Event{Type: models.EventToolCall, ToolCall: &models.ToolCallPayload{
				ToolCall: models.ToolCall{ID: "call1", Name: "lookup", Arguments: args},
			}})
			return nil
		},
		func(emit func(models.Event)) error {
			emit(models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "done"}})
			return nil
		},
	}}
	executor := &fakeExecutor{}
	l, _ := newTestLoop(st, provider, executor)

	require.NoError(t, l.Start(context.Background(), "s1"))

	waitFor(t, time.Second, func() bool {
		msg := st.lastMessage()
		return msg != nil && msg.Content == "done"
	})

	assert.Len(t, executor.calls, 1)
	assert.Equal(t, "call1", executor.calls[0].ID)
}

func TestLoopNeedsApprovalWaitsThenDenyCancelsPendingCalls(t *testing.T) {
	sess := &models.Session{ID: "s1", Model: "m1"}
	st := newFakeStore(sess)
	args, _ := json.Marshal(map[string]any{})
	provider := &scriptedProvider{responses: []func(func(models.Event)) error{
		func(emit func(models.Event)) error {
			emit(models.Event{Type: models.EventToolCall, ToolCall: &models.ToolCallPayload{
				ToolCall: models.ToolCall{ID: "call1", Name: "lookup", Arguments: args},
			}})
			return nil
		},
	}}
	executor := &fakeExecutor{}
	l, registry := newTestLoop(st, provider, executor)

	require.NoError(t, l.Start(context.Background(), "s1"))

	var assistantMsg *models.Message
	waitFor(t, time.Second, func() bool {
		assistantMsg = st.lastMessage()
		return assistantMsg != nil && assistantMsg.Approval == models.ApprovalPending
	})

	entry, ok := registry.Get("s1")
	require.True(t, ok, "entry must stay live while awaiting approval")
	assert.True(t, entry.Done())
	assert.True(t, entry.HasToolCalls())

	require.NoError(t, l.Deny(context.Background(), "s1", assistantMsg.ID))

	waitFor(t, time.Second, func() bool {
		msg := st.lastMessage()
		return msg != nil && msg.Role == models.RoleToolResult
	})

	resultMsg := st.lastMessage()
	require.Len(t, resultMsg.ToolResults, 1)
	assert.True(t, resultMsg.ToolResults[0].IsError)
	assert.Empty(t, executor.calls, "denied tool calls must never execute")
}

func TestLoopAbortPersistsSentinelAndTerminates(t *testing.T) {
	sess := &models.Session{ID: "s1", Model: "m1"}
	st := newFakeStore(sess)
	started := make(chan struct{})
	release := make(chan struct{})
	provider := &scriptedProvider{responses: []func(func(models.Event)) error{
		func(emit func(models.Event)) error {
			emit(models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "partial"}})
			close(started)
			<-release
			return nil
		},
	}}
	l, registry := newTestLoop(st, provider, &fakeExecutor{})

	require.NoError(t, l.Start(context.Background(), "s1"))
	<-started

	l.Abort(context.Background(), "s1")
	close(release)

	waitFor(t, time.Second, func() bool {
		msg := st.lastMessage()
		return msg != nil && msg.Content == "partial"+InterruptSentinel
	})
	_, ok := registry.Get("s1")
	assert.True(t, ok, "aborted entry should survive scheduleRemoval's default grace period")
}
