// Package compaction implements the engine that collapses a session's
// older messages into a single summary, described in §4.5. It reuses the
// same chars/4 token estimation and adaptive chunk-ratio math this
// codebase uses elsewhere for context budgeting.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/nexus/internal/models"
	"github.com/nexuscore/nexus/internal/store"
	pmodels "github.com/nexuscore/nexus/pkg/models"
)

const (
	// CharsPerToken is the rough character-per-token ratio used for every
	// token estimate in this package; it never calls an actual tokenizer.
	CharsPerToken = 4

	// BaseChunkRatio/MinChunkRatio/SafetyMargin drive ComputeAdaptiveChunkRatio.
	BaseChunkRatio = 0.4
	MinChunkRatio  = 0.15
	SafetyMargin   = 1.2

	// MinMessagesForCompaction is the floor below which compaction refuses
	// to run (step 1).
	MinMessagesForCompaction = 4

	// MinVerbatimTail is the floor enforced on the verbatim tail whenever
	// the verbatim budget is positive (step 2).
	MinVerbatimTail = 2

	// ToolResultTruncateChars bounds how much of a tool result's output is
	// included in the summarization transcript (step 3).
	ToolResultTruncateChars = 300

	// DefaultVerbatimBudgetPercent is used when the compaction_verbatim_budget
	// setting is absent.
	DefaultVerbatimBudgetPercent = 20
)

// EstimateTokens approximates a message's token cost from its rune count,
// rounding up so a one-character message still costs one token.
func EstimateTokens(content string) int {
	n := len([]rune(content))
	if n == 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessageTokens folds in tool call arguments and tool result output
// so a message carrying either still contributes its full weight.
func EstimateMessageTokens(m *pmodels.Message) int {
	total := EstimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		total += EstimateTokens(string(tc.Arguments))
	}
	for _, tr := range m.ToolResults {
		total += EstimateTokens(tr.Output)
	}
	return total
}

// ComputeAdaptiveChunkRatio scales the base chunk ratio down as the average
// message size approaches the context window, so very large messages don't
// force an oversized single chunk. The result is clamped to
// [MinChunkRatio, BaseChunkRatio].
func ComputeAdaptiveChunkRatio(avgMessageTokens, contextWindow int) float64 {
	if contextWindow <= 0 {
		return BaseChunkRatio
	}
	fill := float64(avgMessageTokens) * SafetyMargin / float64(contextWindow)
	ratio := BaseChunkRatio * (1 - fill)
	if ratio < MinChunkRatio {
		return MinChunkRatio
	}
	if ratio > BaseChunkRatio {
		return BaseChunkRatio
	}
	return ratio
}

// Summarizer performs the single non-streaming provider call step 4 needs.
// It is satisfied by a thin adapter over a providers.Provider in
// non-streaming mode; compaction itself never retries the call.
type Summarizer interface {
	Summarize(ctx context.Context, model, instruction, transcript string) (string, error)
}

// Engine runs the compaction procedure against a Store.
type Engine struct {
	store      store.Store
	summarizer Summarizer
	registry   Broadcaster
}

// Broadcaster is the Push method (as on the gateway Server) the engine needs
// to emit compaction/compaction_started/compaction_error events.
type Broadcaster interface {
	Push(sessionID string, ev pmodels.Event)
}

// NewEngine constructs a compaction Engine.
func NewEngine(st store.Store, summarizer Summarizer, broadcaster Broadcaster) *Engine {
	return &Engine{store: st, summarizer: summarizer, registry: broadcaster}
}

// ErrTooFewMessages is returned when a session has fewer than
// MinMessagesForCompaction non-compaction messages.
var ErrTooFewMessages = fmt.Errorf("compaction: fewer than %d messages to compact", MinMessagesForCompaction)

// Run executes the full 8-step procedure in §4.5 for sessionID. On any
// failure the session's active snapshot pointer is left untouched and a
// compaction_error event is broadcast; the returned error is also non-nil.
func (e *Engine) Run(ctx context.Context, sessionID string) (*pmodels.CompactionSnapshot, error) {
	e.registry.Push(sessionID, pmodels.Event{Type: pmodels.EventCompactionStarted, SessionID: sessionID})

	snap, err := e.run(ctx, sessionID)
	if err != nil {
		e.registry.Push(sessionID, pmodels.Event{
			Type:       pmodels.EventCompactionError,
			SessionID:  sessionID,
			Compaction: &pmodels.CompactionPayload{Error: err.Error()},
		})
		return nil, err
	}
	return snap, nil
}

func (e *Engine) run(ctx context.Context, sessionID string) (*pmodels.CompactionSnapshot, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("compaction: load session: %w", err)
	}

	all, err := e.store.ListMessages(ctx, sessionID, store.MessageListOptions{})
	if err != nil {
		return nil, fmt.Errorf("compaction: list messages: %w", err)
	}
	eligible := make([]*pmodels.Message, 0, len(all))
	for _, m := range all {
		if m.Role != pmodels.RoleCompaction {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) < MinMessagesForCompaction {
		return nil, ErrTooFewMessages
	}

	pct, err := e.verbatimBudgetPercent(ctx)
	if err != nil {
		return nil, err
	}
	contextWindow := models.ContextWindowFor(sess.Model)
	verbatimBudget := (contextWindow * pct) / 100

	tail, tailTokens := selectVerbatimTail(eligible, verbatimBudget)
	prefix := eligible[:len(eligible)-len(tail)]

	transcript := formatTranscript(prefix)
	const instruction = "Summarize the conversation so far concisely, preserving any decisions, " +
		"facts, and open tasks a continuation would need. Do not mention that this is a summary."

	summary, err := e.summarizer.Summarize(ctx, sess.Model, instruction, transcript)
	if err != nil {
		return nil, fmt.Errorf("compaction: summarize: %w", err)
	}

	triggerTokens := 0
	for _, m := range eligible {
		triggerTokens += EstimateMessageTokens(m)
	}

	tailIDs := make([]string, len(tail))
	for i, m := range tail {
		tailIDs[i] = m.ID
	}

	snap := &pmodels.CompactionSnapshot{
		ID:                 uuid.NewString(),
		SessionID:          sessionID,
		Summary:            summary,
		SummaryTokens:      EstimateTokens(summary),
		VerbatimMessageIDs: tailIDs,
		VerbatimTokens:     tailTokens,
		TriggerTokens:      triggerTokens,
		Model:              sess.Model,
		CreatedAt:          time.Now().UTC(),
	}
	if err := e.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("compaction: write snapshot: %w", err)
	}

	prevSnapshotID, prevCachedInput := sess.ActiveSnapshotID, sess.CachedInputTokens
	sess.ActiveSnapshotID = snap.ID
	sess.CachedInputTokens = snap.SummaryTokens + snap.VerbatimTokens
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("compaction: update session pointer: %w", err)
	}

	footer := fmt.Sprintf("\n\n(%d messages kept verbatim)", len(tail))
	compactionMsg := &pmodels.Message{
		SessionID:  sessionID,
		Role:       pmodels.RoleCompaction,
		Content:    summary + footer,
		SnapshotID: snap.ID,
	}
	if err := e.store.AppendMessage(ctx, compactionMsg); err != nil {
		sess.ActiveSnapshotID, sess.CachedInputTokens = prevSnapshotID, prevCachedInput
		_ = e.store.UpdateSession(ctx, sess)
		return nil, fmt.Errorf("compaction: insert compaction message: %w", err)
	}

	e.registry.Push(sessionID, pmodels.Event{
		Type:       pmodels.EventCompaction,
		SessionID:  sessionID,
		Compaction: &pmodels.CompactionPayload{SnapshotID: snap.ID},
	})

	return snap, nil
}

func (e *Engine) verbatimBudgetPercent(ctx context.Context) (int, error) {
	v, ok, err := e.store.GetSetting(ctx, "compaction_verbatim_budget")
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultVerbatimBudgetPercent, nil
	}
	var pct int
	if _, err := fmt.Sscanf(v, "%d", &pct); err != nil {
		return DefaultVerbatimBudgetPercent, nil
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 50 {
		pct = 50
	}
	return pct, nil
}

// selectVerbatimTail walks messages from the newest backward, accumulating
// estimated tokens until adding the next message would exceed budget. It
// enforces a floor of MinVerbatimTail messages whenever budget > 0, and
// returns no tail at all when budget is 0.
func selectVerbatimTail(messages []*pmodels.Message, budget int) ([]*pmodels.Message, int) {
	if budget <= 0 {
		return nil, 0
	}
	var tail []*pmodels.Message
	tokens := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := EstimateMessageTokens(messages[i])
		if tokens+cost > budget && len(tail) >= MinVerbatimTail {
			break
		}
		tail = append([]*pmodels.Message{messages[i]}, tail...)
		tokens += cost
	}
	return tail, tokens
}

// formatTranscript renders messages the way the summarization prompt
// expects: labelled turns, tool calls/results collapsed and truncated, and
// prior compaction messages folded in as "[Previous summary]" blocks.
func formatTranscript(messages []*pmodels.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case pmodels.RoleUser:
			fmt.Fprintf(&b, "User: %s\n", m.Content)
		case pmodels.RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n", m.Content)
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "[Tool call: %s(%s)]\n", tc.Name, truncate(string(tc.Arguments), ToolResultTruncateChars))
			}
		case pmodels.RoleToolResult:
			for _, tr := range m.ToolResults {
				fmt.Fprintf(&b, "[Tool result: %s]\n", truncate(tr.Output, ToolResultTruncateChars))
			}
		case pmodels.RoleCompaction:
			fmt.Fprintf(&b, "[Previous summary]\n%s\n", m.Content)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
