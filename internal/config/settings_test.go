package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexus/pkg/models"
)

type fakeSettingsStore struct {
	m map[string]string
}

func newFakeSettingsStore() *fakeSettingsStore { return &fakeSettingsStore{m: make(map[string]string)} }

func (f *fakeSettingsStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	v, ok := f.m[key]
	return v, ok, nil
}
func (f *fakeSettingsStore) SetSetting(_ context.Context, key, value string) error {
	f.m[key] = value
	return nil
}
func (f *fakeSettingsStore) ListSettings(_ context.Context) (map[string]string, error) {
	out := make(map[string]string, len(f.m))
	for k, v := range f.m {
		out[k] = v
	}
	return out, nil
}

type fakeBroadcaster struct {
	events []models.Event
}

func (f *fakeBroadcaster) Push(sessionID string, ev models.Event) {
	ev.SessionID = sessionID
	f.events = append(f.events, ev)
}

func TestSettingsVerbatimBudgetClamp(t *testing.T) {
	store := newFakeSettingsStore()
	s := NewSettings(store, Default(), nil)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, KeyCompactionVerbatimBudget, "80"))
	v, err := s.Get(ctx, KeyCompactionVerbatimBudget)
	require.NoError(t, err)
	assert.Equal(t, "50", v)

	require.NoError(t, s.Update(ctx, KeyCompactionVerbatimBudget, "-5"))
	v, err = s.Get(ctx, KeyCompactionVerbatimBudget)
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

func TestSettingsMessagesPageSizeClamp(t *testing.T) {
	store := newFakeSettingsStore()
	s := NewSettings(store, Default(), nil)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, KeyMessagesPageSize, "1"))
	v, _ := s.Get(ctx, KeyMessagesPageSize)
	assert.Equal(t, "5", v)

	require.NoError(t, s.Update(ctx, KeyMessagesPageSize, "1000"))
	v, _ = s.Get(ctx, KeyMessagesPageSize)
	assert.Equal(t, "200", v)
}

func TestSettingsUIManagedKeyRejectedByUpdate(t *testing.T) {
	store := newFakeSettingsStore()
	s := NewSettings(store, Default(), nil)
	err := s.Update(context.Background(), KeyAutoApprove, "true")
	assert.Error(t, err)
}

func TestSettingsUpdateBroadcastsGlobally(t *testing.T) {
	store := newFakeSettingsStore()
	bcast := &fakeBroadcaster{}
	s := NewSettings(store, Default(), bcast)
	require.NoError(t, s.Update(context.Background(), KeySystemPrompt, "be helpful"))
	require.Len(t, bcast.events, 1)
	assert.Equal(t, models.EventSettingsChanged, bcast.events[0].Type)
	assert.Equal(t, "", bcast.events[0].SessionID)
}

func TestSettingsDefaultModelFallsBackToEnv(t *testing.T) {
	store := newFakeSettingsStore()
	env := Default()
	env.LLM.DefaultModel = "claude-opus-4"
	s := NewSettings(store, env, nil)
	v, err := s.Get(context.Background(), KeyDefaultModel)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4", v)
}

func TestSettingsVNCBackendRejectsUnknownValue(t *testing.T) {
	store := newFakeSettingsStore()
	s := NewSettings(store, Default(), nil)
	err := s.Update(context.Background(), KeyVNCCoordinateBackend, "bogus")
	assert.Error(t, err)
}
