package ctxassembler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexus/internal/store"
	"github.com/nexuscore/nexus/pkg/models"
)

func TestAssembleNoCompactionSkipsEmptyToolResults(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	sess := &models.Session{Model: "gpt-4o"}
	require.NoError(t, st.CreateSession(ctx, sess))

	require.NoError(t, st.AppendMessage(ctx, &models.Message{SessionID: sess.ID, Role: models.RoleUser, Content: "hi"}))
	require.NoError(t, st.AppendMessage(ctx, &models.Message{SessionID: sess.ID, Role: models.RoleToolResult}))
	require.NoError(t, st.AppendMessage(ctx, &models.Message{SessionID: sess.ID, Role: models.RoleAssistant, Content: "hello"}))

	a := New(st, nil)
	turns, err := a.Assemble(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
}

func TestAssembleFromSnapshotPrependsSummaryTurns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	sess := &models.Session{Model: "gpt-4o"}
	require.NoError(t, st.CreateSession(ctx, sess))

	tail := &models.Message{SessionID: sess.ID, Role: models.RoleUser, Content: "tail message"}
	require.NoError(t, st.AppendMessage(ctx, tail))

	snap := &models.CompactionSnapshot{SessionID: sess.ID, Summary: "earlier stuff happened", VerbatimMessageIDs: []string{tail.ID}}
	require.NoError(t, st.CreateSnapshot(ctx, snap))
	sess.ActiveSnapshotID = snap.ID
	require.NoError(t, st.UpdateSession(ctx, sess))

	a := New(st, nil)
	turns, err := a.Assemble(ctx, sess.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(turns), 3)
	assert.Contains(t, turns[0].Content, "earlier stuff happened")
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
	assert.Equal(t, "tail message", turns[2].Content)
}

func TestToTurnsAddsVisionHintForNonMultiModal(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleToolResult, Content: "", ToolResults: []models.ToolResult{{ToolCallID: "t1", Output: "ok"}}, Images: []models.ImageRef{{FileID: "f1"}}},
	}
	turns := toTurns(history, false)
	require.Len(t, turns, 1)
	assert.Contains(t, turns[0].Content, VisionHint)
	assert.Empty(t, turns[0].Images)
}
