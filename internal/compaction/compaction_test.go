package compaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexus/internal/store"
	pmodels "github.com/nexuscore/nexus/pkg/models"
)

type fakeSummarizer struct {
	summary string
	err     error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, model, instruction, transcript string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

type recordingBroadcaster struct {
	events []pmodels.Event
}

func (r *recordingBroadcaster) Push(sessionID string, ev pmodels.Event) {
	r.events = append(r.events, ev)
}

func seedSession(t *testing.T, st *store.MemStore, n int) string {
	t.Helper()
	ctx := context.Background()
	sess := &pmodels.Session{Model: "claude-opus-4"}
	require.NoError(t, st.CreateSession(ctx, sess))
	for i := 0; i < n; i++ {
		require.NoError(t, st.AppendMessage(ctx, &pmodels.Message{
			SessionID: sess.ID,
			Role:      pmodels.RoleUser,
			Content:   "hello there, this is message content",
		}))
	}
	return sess.ID
}

func TestEngineRunTooFewMessages(t *testing.T) {
	st := store.NewMemStore()
	sessionID := seedSession(t, st, 2)
	bc := &recordingBroadcaster{}
	eng := NewEngine(st, &fakeSummarizer{summary: "ok"}, bc)

	_, err := eng.Run(context.Background(), sessionID)
	assert.ErrorIs(t, err, ErrTooFewMessages)

	require.Len(t, bc.events, 2)
	assert.Equal(t, pmodels.EventCompactionError, bc.events[1].Type)
}

func TestEngineRunCreatesSnapshotAndUpdatesSession(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	sessionID := seedSession(t, st, 10)
	require.NoError(t, st.SetSetting(ctx, "compaction_verbatim_budget", "20"))

	bc := &recordingBroadcaster{}
	eng := NewEngine(st, &fakeSummarizer{summary: "a tidy summary"}, bc)

	snap, err := eng.Run(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "a tidy summary", snap.Summary)
	assert.NotEmpty(t, snap.VerbatimMessageIDs)

	sess, err := st.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, sess.ActiveSnapshotID)

	msgs, err := st.ListMessages(ctx, sessionID, store.MessageListOptions{})
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, pmodels.RoleCompaction, last.Role)
	assert.Equal(t, snap.ID, last.SnapshotID)

	var sawStarted, sawDone bool
	for _, ev := range bc.events {
		if ev.Type == pmodels.EventCompactionStarted {
			sawStarted = true
		}
		if ev.Type == pmodels.EventCompaction {
			sawDone = true
		}
	}
	assert.True(t, sawStarted)
	assert.True(t, sawDone)
}

func TestSelectVerbatimTailZeroBudget(t *testing.T) {
	tail, tokens := selectVerbatimTail([]*pmodels.Message{{Content: "x"}}, 0)
	assert.Nil(t, tail)
	assert.Zero(t, tokens)
}

func TestEstimateTokensRoundsUp(t *testing.T) {
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 0, EstimateTokens(""))
}
