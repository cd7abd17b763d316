package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexus/pkg/models"
)

func TestMemStoreSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	sess := &models.Session{Model: "claude-opus-4", Channel: "web"}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NotEmpty(t, sess.ID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4", got.Model)

	got.Title = "renamed"
	require.NoError(t, s.UpdateSession(ctx, got))

	reread, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", reread.Title)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreSetApprovalIsCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	msg := &models.Message{SessionID: "sess-1", Role: models.RoleAssistant, Approval: models.ApprovalPending}
	require.NoError(t, s.AppendMessage(ctx, msg))

	ok, err := s.SetApproval(ctx, msg.ID, models.ApprovalApproved, models.ApprovalDenied)
	require.NoError(t, err)
	assert.False(t, ok, "expected swap to fail because current status is pending, not approved")

	ok, err = s.SetApproval(ctx, msg.ID, models.ApprovalPending, models.ApprovalApproved)
	require.NoError(t, err)
	assert.True(t, ok)

	// Concurrent callers racing to transition the same pending message:
	// exactly one SetApproval call should win even with both seeing
	// ApprovalPending as the expected value simultaneously.
	msg2 := &models.Message{SessionID: "sess-1", Role: models.RoleAssistant, Approval: models.ApprovalPending}
	require.NoError(t, s.AppendMessage(ctx, msg2))

	results := make(chan bool, 2)
	go func() {
		ok, _ := s.SetApproval(ctx, msg2.ID, models.ApprovalPending, models.ApprovalApproved)
		results <- ok
	}()
	go func() {
		ok, _ := s.SetApproval(ctx, msg2.ID, models.ApprovalPending, models.ApprovalDenied)
		results <- ok
	}()
	first, second := <-results, <-results
	assert.True(t, first != second, "exactly one of the two racing transitions should have won")
}

func TestMemStoreListMessagesRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessage(ctx, &models.Message{SessionID: "sess-1", Content: "msg"}))
	}
	out, err := s.ListMessages(ctx, "sess-1", MessageListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestMemStoreSettings(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, ok, err := s.GetSetting(ctx, "default_model")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSetting(ctx, "default_model", "claude-opus-4"))
	v, ok, err := s.GetSetting(ctx, "default_model")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "claude-opus-4", v)
}
