package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexus/pkg/models"
)

type fakeStore struct {
	mems map[string]*models.Memory
}

func newFakeStore() *fakeStore { return &fakeStore{mems: make(map[string]*models.Memory)} }

func (f *fakeStore) CreateMemory(_ context.Context, m *models.Memory) error {
	f.mems[m.ID] = m
	return nil
}
func (f *fakeStore) GetMemory(_ context.Context, id string) (*models.Memory, error) {
	return f.mems[id], nil
}
func (f *fakeStore) ListMemories(_ context.Context, sessionID string) ([]*models.Memory, error) {
	var out []*models.Memory
	for _, m := range f.mems {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeStore) DeleteMemory(_ context.Context, id string) error {
	delete(f.mems, id)
	return nil
}

type fakeBroadcaster struct {
	events []models.Event
}

func (f *fakeBroadcaster) Push(sessionID string, ev models.Event) {
	ev.SessionID = sessionID
	f.events = append(f.events, ev)
}

func TestServiceAddRejectsOversizedContent(t *testing.T) {
	svc := NewService(newFakeStore(), nil, 4, 0)
	_, err := svc.Add(context.Background(), "s1", strings.Repeat("x", 100), nil)
	assert.Error(t, err)
}

func TestServiceAddThenSearch(t *testing.T) {
	store := newFakeStore()
	bcast := &fakeBroadcaster{}
	svc := NewService(store, bcast, 0, 0)

	_, err := svc.Add(context.Background(), "s1", "the sky is blue", []string{"weather"})
	require.NoError(t, err)

	results, err := svc.Search(context.Background(), "s1", "sky")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "the sky is blue", results[0].Content)

	require.Len(t, bcast.events, 1)
	assert.Equal(t, models.EventMemoryChanged, bcast.events[0].Type)
}

func TestServiceSearchByTag(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, 0, 0)
	_, err := svc.Add(context.Background(), "s1", "unrelated text", []string{"weather"})
	require.NoError(t, err)

	results, err := svc.Search(context.Background(), "s1", "weather")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestServiceSearchRespectsReturnBudget(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, 0, 1)
	_, err := svc.Add(context.Background(), "s1", strings.Repeat("a", 40), nil)
	require.NoError(t, err)

	results, err := svc.Search(context.Background(), "s1", "")
	require.NoError(t, err)
	assert.Len(t, results, 0)
}

func TestServiceDeleteNotifies(t *testing.T) {
	store := newFakeStore()
	bcast := &fakeBroadcaster{}
	svc := NewService(store, bcast, 0, 0)
	m, err := svc.Add(context.Background(), "s1", "temp note", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), "s1", m.ID))
	require.Len(t, bcast.events, 2)
	assert.True(t, bcast.events[1].Memory.Deleted)
}
