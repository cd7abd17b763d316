package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/nexuscore/nexus/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateReplacesPriorEntryWithNewGeneration(t *testing.T) {
	r := NewRegistry(nil)
	first := r.Create("s1", "a1", "m1")
	second := r.Create("s1", "a2", "m1")

	assert.NotEqual(t, first.Generation, second.Generation)
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestPushOnAbsentSessionIsNoOp(t *testing.T) {
	r := NewRegistry(nil)
	assert.NotPanics(t, func() {
		r.Push("missing", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "x"}})
	})
}

func TestPushAppendsTokensInOrder(t *testing.T) {
	r := NewRegistry(nil)
	entry := r.Create("s1", "a1", "m1")
	r.Push("s1", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "hi "}})
	r.Push("s1", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "there"}})
	assert.Equal(t, "hi there", entry.Content())
}

func TestSubscribersObserveEventsInPushOrder(t *testing.T) {
	r := NewRegistry(nil)
	r.Create("s1", "a1", "m1")

	var mu sync.Mutex
	var observed []string
	unsub, ok := r.Subscribe("s1", func(ev models.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Token != nil {
			observed = append(observed, ev.Token.Delta)
		}
	})
	require.True(t, ok)
	defer unsub()

	r.Push("s1", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "a"}})
	r.Push("s1", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "b"}})
	r.Push("s1", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "c"}})

	assert.Equal(t, []string{"a", "b", "c"}, observed)
}

func TestSubscriberPanicDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry(nil)
	r.Create("s1", "a1", "m1")

	var secondCalled bool
	_, _ = r.Subscribe("s1", func(models.Event) { panic("boom") })
	_, _ = r.Subscribe("s1", func(models.Event) { secondCalled = true })

	assert.NotPanics(t, func() {
		r.Push("s1", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "x"}})
	})
	assert.True(t, secondCalled)
}

func TestTokenIgnoredAfterAbortButSubscribersStillNotified(t *testing.T) {
	r := NewRegistry(nil)
	entry := r.Create("s1", "a1", "m1")
	r.Push("s1", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "hel"}})

	var notified bool
	_, _ = r.Subscribe("s1", func(models.Event) { notified = true })

	r.Abort("s1", "\n\n[Interrupted by user]")
	assert.True(t, entry.Aborted())
	assert.Equal(t, "hel\n\n[Interrupted by user]", entry.Content())

	r.Push("s1", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "lo"}})
	assert.Equal(t, "hel\n\n[Interrupted by user]", entry.Content(), "tokens after abort must not mutate content")
	assert.True(t, notified, "subscribers must still be notified of tokens after abort")
}

func TestContinuePreservesAbortedAndSubscribersResetsRest(t *testing.T) {
	r := NewRegistry(nil)
	entry := r.Create("s1", "a1", "m1")
	r.Push("s1", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "x"}})
	r.Push("s1", models.Event{Type: models.EventUsage, Usage: &models.UsagePayload{InputTokens: 5}})
	r.Push("s1", models.Event{Type: models.EventDone, Done: &models.DonePayload{HasToolCalls: true}})

	called := 0
	_, _ = r.Subscribe("s1", func(models.Event) { called++ })
	entry.abort()

	next, ok := r.Continue("s1", "a2")
	require.True(t, ok)
	assert.Same(t, entry, next)
	assert.Equal(t, "", next.Content())
	assert.Nil(t, next.Usage())
	assert.False(t, next.Done())
	assert.False(t, next.HasToolCalls())
	assert.True(t, next.Aborted(), "continue must preserve aborted")

	r.Push("s1", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "y"}})
	assert.Equal(t, 1, called, "subscribers must survive continue")
}

func TestContinueOnAbsentSessionReturnsFalse(t *testing.T) {
	r := NewRegistry(nil)
	_, ok := r.Continue("missing", "a1")
	assert.False(t, ok)
}

func TestFirstTerminalEventWins(t *testing.T) {
	r := NewRegistry(nil)
	entry := r.Create("s1", "a1", "m1")
	r.Push("s1", models.Event{Type: models.EventError, Error: &models.ErrorPayload{Kind: "RATE_LIMIT", Message: "429"}})
	r.Push("s1", models.Event{Type: models.EventDone, Done: &models.DonePayload{HasToolCalls: true}})

	require.True(t, entry.Done())
	require.NotNil(t, entry.Error())
	assert.Equal(t, "RATE_LIMIT", entry.Error().Kind)
	assert.False(t, entry.HasToolCalls(), "the done event that lost the race must not overwrite hasToolCalls")
}

func TestScheduleRemovalNoOpIfGenerationSuperseded(t *testing.T) {
	r := NewRegistry(nil)
	r.Create("s1", "a1", "m1")
	r.ScheduleRemoval("s1", 10*time.Millisecond)

	// A newer Create before the timer fires must survive.
	newer := r.Create("s1", "a2", "m1")
	time.Sleep(40 * time.Millisecond)

	got, ok := r.Get("s1")
	require.True(t, ok, "newer entry must survive a stale scheduled removal")
	assert.Same(t, newer, got)
}

func TestScheduleRemovalRemovesWhenGenerationUnchanged(t *testing.T) {
	r := NewRegistry(nil)
	r.Create("s1", "a1", "m1")
	r.ScheduleRemoval("s1", 10*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	_, ok := r.Get("s1")
	assert.False(t, ok)
}

func TestRemoveOnAbsentSessionIsNoOp(t *testing.T) {
	r := NewRegistry(nil)
	assert.NotPanics(t, func() { r.Remove("missing") })
}

func TestSnapshotReflectsAccumulatedState(t *testing.T) {
	r := NewRegistry(nil)
	entry := r.Create("s1", "a1", "m1")
	r.Push("s1", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "hello wo"}})

	snap := entry.Snapshot()
	assert.Equal(t, "hello wo", snap.Content)
	assert.False(t, snap.Done)

	r.Push("s1", models.Event{Type: models.EventToken, Token: &models.TokenPayload{Delta: "rld"}})
	r.Push("s1", models.Event{Type: models.EventDone, Done: &models.DonePayload{}})

	snap = entry.Snapshot()
	assert.Equal(t, "hello world", snap.Content)
	assert.True(t, snap.Done)
}
