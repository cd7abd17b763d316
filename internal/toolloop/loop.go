package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/nexuscore/nexus/internal/compaction"
	"github.com/nexuscore/nexus/internal/config"
	imodels "github.com/nexuscore/nexus/internal/models"
	"github.com/nexuscore/nexus/internal/store"
	"github.com/nexuscore/nexus/internal/stream"
	"github.com/nexuscore/nexus/pkg/models"
)

// MaxRounds bounds the number of tool-call/LLM round trips a single turn may
// take before the loop gives up and terminates with an error (§4.2 contract
// 6). A "round" is one Streaming phase plus, if it produced tool calls, the
// Executing phase that follows it.
const MaxRounds = 10

// InterruptSentinel is appended to an entry's accumulated content the moment
// a turn is aborted, so the persisted assistant message records that the
// reply was cut short.
const InterruptSentinel = "\n\n[interrupted]"

// cancelledToolOutput is the sentinel result recorded for a tool call that
// never ran because an earlier call in the same batch errored, or because
// the turn was aborted. Denied batches get deniedToolOutput instead.
const cancelledToolOutput = "cancelled"

const deniedToolOutput = "denied: tool calls were not approved"

// Loop drives the Streaming/NeedsApproval/Executing/Terminate state machine
// described in §4.2. One Loop instance is shared across every session; all
// per-session state lives in the Stream Registry and the Durable Store.
type Loop struct {
	registry  *stream.Registry
	store     Store
	assembler ContextAssembler
	provider  ProviderResolver
	executor  ToolExecutor
	policy    ApprovalPolicy
	system    SystemPromptFunc
	settings  ThresholdSettings
	compactor Compactor
	logger    *slog.Logger
}

// ProviderResolver picks the Provider that should serve a given model name.
// Most deployments route by prefix (an "anthropic:" vs "gpt-" vs "gemini-"
// model string); tests can supply a resolver that always returns the same
// stub.
type ProviderResolver func(model string) (Provider, error)

// SystemPromptFunc returns the system prompt to use for a session. A nil
// SystemPromptFunc means no system prompt is sent.
type SystemPromptFunc func(ctx context.Context, sessionID string) (string, error)

// NewLoop constructs a Loop. logger may be nil. settings and compactor may
// be nil, which disables auto-compaction (§4.5) entirely; the manual
// sessions.compact path is unaffected.
func NewLoop(registry *stream.Registry, st Store, assembler ContextAssembler, resolver ProviderResolver, executor ToolExecutor, policy ApprovalPolicy, system SystemPromptFunc, settings ThresholdSettings, compactor Compactor, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		registry:  registry,
		store:     st,
		assembler: assembler,
		provider:  resolver,
		executor:  executor,
		policy:    policy,
		system:    system,
		settings:  settings,
		compactor: compactor,
		logger:    logger,
	}
}

// Start begins a new turn for sessionID. The caller is responsible for
// persisting the inbound user message before calling Start; the loop only
// ever appends assistant and tool-result messages. Start returns once the
// Stream Entry for this turn exists (so a subscriber racing the caller can
// never miss it); the turn itself runs to completion in the background.
func (l *Loop) Start(ctx context.Context, sessionID string) error {
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("toolloop: get session: %w", err)
	}
	assistantID := uuid.NewString()
	entry := l.registry.Create(sessionID, assistantID, sess.Model)
	go l.runRound(entry.Context(), sessionID, assistantID, 0)
	return nil
}

// Approve resolves a pending approval and, if it succeeds, runs the tool
// batch and continues the loop. It returns immediately once the CAS
// transition lands; execution continues in the background.
func (l *Loop) Approve(ctx context.Context, sessionID, messageID string) error {
	ok, err := l.store.SetApproval(ctx, messageID, models.ApprovalPending, models.ApprovalApproved)
	if err != nil {
		return fmt.Errorf("toolloop: set approval: %w", err)
	}
	if !ok {
		return fmt.Errorf("toolloop: message %s is not pending approval", messageID)
	}
	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("toolloop: get message: %w", err)
	}
	l.registry.Push(sessionID, models.Event{Type: models.EventApprovalChanged, Approval: &models.ApprovalPayload{MessageID: messageID, Status: models.ApprovalApproved}})

	entry, ok := l.registry.Get(sessionID)
	if !ok {
		// The entry was already reclaimed (e.g. the grace period elapsed
		// before the human responded); start a fresh one so the continued
		// round still has a live Stream Entry to accumulate into.
		sess, sessErr := l.store.GetSession(ctx, sessionID)
		model := ""
		if sessErr == nil {
			model = sess.Model
		}
		entry = l.registry.Create(sessionID, uuid.NewString(), model)
	}
	go l.executeAndContinue(entry.Context(), sessionID, msg, 0)
	return nil
}

// Deny resolves a pending approval as denied: every pending tool call gets a
// cancellation result row and the turn terminates without ever executing.
func (l *Loop) Deny(ctx context.Context, sessionID, messageID string) error {
	ok, err := l.store.SetApproval(ctx, messageID, models.ApprovalPending, models.ApprovalDenied)
	if err != nil {
		return fmt.Errorf("toolloop: set approval: %w", err)
	}
	if !ok {
		return fmt.Errorf("toolloop: message %s is not pending approval", messageID)
	}
	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("toolloop: get message: %w", err)
	}

	results := make([]models.ToolResult, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		results = append(results, models.ToolResult{ToolCallID: tc.ID, Output: deniedToolOutput, IsError: true})
	}
	resultMsg := &models.Message{ID: uuid.NewString(), SessionID: sessionID, Role: models.RoleToolResult, ToolResults: results}
	if err := l.store.AppendMessage(ctx, resultMsg); err != nil {
		return fmt.Errorf("toolloop: persist denial: %w", err)
	}

	l.registry.Push(sessionID, models.Event{Type: models.EventApprovalChanged, Approval: &models.ApprovalPayload{MessageID: messageID, Status: models.ApprovalDenied}})
	l.registry.Push(sessionID, models.Event{Type: models.EventDone, Done: &models.DonePayload{AssistantID: msg.ID, HasToolCalls: false}})
	l.registry.ScheduleRemoval(sessionID, 0)
	return nil
}

// Abort interrupts the in-flight turn for sessionID, if any. The accumulated
// partial content is persisted with the interruption sentinel appended and
// the turn terminates.
func (l *Loop) Abort(ctx context.Context, sessionID string) {
	entry, ok := l.registry.Abort(sessionID, InterruptSentinel)
	if !ok {
		return
	}
	msg := l.buildAssistantMessage(sessionID, entry.AssistantID, entry, models.ApprovalNone)
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		l.logger.Error("toolloop: persist aborted message", "session_id", sessionID, "error", err)
	}
	l.registry.Push(sessionID, models.Event{Type: models.EventDone, Done: &models.DonePayload{AssistantID: entry.AssistantID, HasToolCalls: false}})
	l.registry.ScheduleRemoval(sessionID, 0)
}

// runRound drives one Streaming phase and whatever follows it. round counts
// completed Streaming+Executing cycles for this turn so far.
func (l *Loop) runRound(ctx context.Context, sessionID, assistantID string, round int) {
	if round >= MaxRounds {
		l.terminateRoundLimit(ctx, sessionID, assistantID)
		return
	}

	entry, ok := l.registry.Get(sessionID)
	if !ok {
		return
	}
	if entry.Aborted() {
		// Abort already persisted and broadcast the terminal state.
		return
	}

	turns, err := l.assembler.Assemble(ctx, sessionID)
	if err != nil {
		l.terminateWithError(ctx, sessionID, assistantID, entry, models.KindUnknown, err)
		return
	}
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		l.terminateWithError(ctx, sessionID, assistantID, entry, models.KindUnknown, err)
		return
	}
	provider, err := l.provider(sess.Model)
	if err != nil {
		l.terminateWithError(ctx, sessionID, assistantID, entry, models.KindUnknown, err)
		return
	}
	system := ""
	if l.system != nil {
		if system, err = l.system(ctx, sessionID); err != nil {
			l.terminateWithError(ctx, sessionID, assistantID, entry, models.KindUnknown, err)
			return
		}
	}

	req := Request{Model: sess.Model, System: system, History: turns, Tools: l.executor.Tools()}
	emit := func(ev models.Event) { l.registry.Push(sessionID, ev) }

	streamErr := provider.Stream(ctx, req, emit)

	entry, ok = l.registry.Get(sessionID)
	if !ok {
		// Superseded by a newer Create (e.g. a concurrent Abort+Start); this
		// round's output has no home to land in.
		return
	}
	if entry.Aborted() {
		// Abort is the sole authority for persisting/broadcasting an
		// aborted turn's terminal state; avoid racing it here.
		return
	}

	if streamErr != nil {
		l.terminateWithError(ctx, sessionID, assistantID, entry, models.Classify(streamErr), streamErr)
		return
	}

	if !entry.HasToolCalls() {
		msg := l.buildAssistantMessage(sessionID, assistantID, entry, models.ApprovalNone)
		if err := l.store.AppendMessage(ctx, msg); err != nil {
			l.terminateWithError(ctx, sessionID, assistantID, entry, models.KindUnknown, err)
			return
		}
		l.finalizeUsage(ctx, sessionID, sess, entry)
		l.registry.Push(sessionID, models.Event{Type: models.EventDone, Done: &models.DonePayload{AssistantID: assistantID, HasToolCalls: false}})
		l.registry.ScheduleRemoval(sessionID, 0)
		return
	}

	l.enterNeedsApproval(ctx, sessionID, assistantID, entry, sess, round)
}

// enterNeedsApproval persists the assistant message carrying the proposed
// tool calls, broadcasts done(hasToolCalls=true), and either proceeds
// straight to Executing (auto-approval) or waits for an external Approve or
// Deny call.
func (l *Loop) enterNeedsApproval(ctx context.Context, sessionID, assistantID string, entry *stream.Entry, sess *models.Session, round int) {
	calls := entry.ToolCalls()
	autoApprove := sess.AutoApprove
	if autoApprove && l.policy != nil {
		autoApprove = !l.policy.RequiresApproval(sess, calls)
	}

	approval := models.ApprovalPending
	if autoApprove {
		approval = models.ApprovalApproved
	}

	msg := l.buildAssistantMessage(sessionID, assistantID, entry, approval)
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		l.terminateWithError(ctx, sessionID, assistantID, entry, models.KindUnknown, err)
		return
	}
	l.finalizeUsage(ctx, sessionID, sess, entry)

	l.registry.Push(sessionID, models.Event{Type: models.EventDone, Done: &models.DonePayload{AssistantID: assistantID, HasToolCalls: true}})

	if !autoApprove {
		// NeedsApproval is not a terminal state: the entry stays live,
		// uncollected, until an external Approve/Deny call resolves it.
		return
	}

	l.registry.Push(sessionID, models.Event{Type: models.EventAutoApproved, Approval: &models.ApprovalPayload{MessageID: msg.ID, Status: models.ApprovalApproved}})
	l.executeAndContinue(ctx, sessionID, msg, round)
}

// executeAndContinue runs msg's tool calls sequentially, persists the
// results, and recurses into the next Streaming round.
func (l *Loop) executeAndContinue(ctx context.Context, sessionID string, msg *models.Message, round int) {
	entry, ok := l.registry.Get(sessionID)
	if !ok {
		return
	}

	results := make([]models.ToolResult, 0, len(msg.ToolCalls))
	cancelled := false
	for _, tc := range msg.ToolCalls {
		if entry.Aborted() {
			cancelled = true
		}
		if cancelled {
			results = append(results, models.ToolResult{ToolCallID: tc.ID, Output: cancelledToolOutput, IsError: true})
			continue
		}

		res := l.executor.Execute(ctx, tc)
		results = append(results, res)
		l.registry.Push(sessionID, models.Event{Type: models.EventToolResult, ToolResult: &models.ToolResultPayload{Result: res}})
		if res.IsError {
			cancelled = true
		}
	}

	resultMsg := &models.Message{ID: uuid.NewString(), SessionID: sessionID, Role: models.RoleToolResult, ToolResults: results}
	if err := l.store.AppendMessage(ctx, resultMsg); err != nil {
		l.terminateWithError(ctx, sessionID, msg.ID, entry, models.KindUnknown, err)
		return
	}

	if entry.Aborted() {
		return
	}

	newAssistantID := uuid.NewString()
	if _, ok := l.registry.Continue(sessionID, newAssistantID); !ok {
		l.registry.Create(sessionID, newAssistantID, entry.Model)
	}
	l.runRound(ctx, sessionID, newAssistantID, round+1)
}

func (l *Loop) terminateRoundLimit(ctx context.Context, sessionID, assistantID string) {
	entry, ok := l.registry.Get(sessionID)
	if !ok {
		return
	}
	msg := l.buildAssistantMessage(sessionID, assistantID, entry, models.ApprovalNone)
	if msg.Content == "" {
		msg.Content = "[stopped: reached the maximum number of tool rounds for this turn]"
	}
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		l.logger.Error("toolloop: persist round-limit message", "session_id", sessionID, "error", err)
	}
	l.registry.Push(sessionID, models.Event{Type: models.EventError, Error: &models.ErrorPayload{
		Kind:    string(models.KindUnknown),
		Message: "reached the maximum number of tool rounds for this turn",
	}})
	l.registry.ScheduleRemoval(sessionID, 0)
}

func (l *Loop) terminateWithError(ctx context.Context, sessionID, assistantID string, entry *stream.Entry, kind models.ErrorKind, cause error) {
	msg := l.buildAssistantMessage(sessionID, assistantID, entry, models.ApprovalNone)
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		l.logger.Error("toolloop: persist errored message", "session_id", sessionID, "error", err)
	}
	l.registry.Push(sessionID, models.Event{Type: models.EventError, Error: &models.ErrorPayload{
		Kind:    string(kind),
		Message: cause.Error(),
	}})
	l.registry.ScheduleRemoval(sessionID, 0)
}

func (l *Loop) buildAssistantMessage(sessionID, assistantID string, entry *stream.Entry, approval models.ApprovalStatus) *models.Message {
	content := entry.Content()
	msg := &models.Message{
		ID:              assistantID,
		SessionID:       sessionID,
		Role:            models.RoleAssistant,
		Content:         content,
		ToolCalls:       entry.ToolCalls(),
		Approval:        approval,
		EstimatedTokens: compaction.EstimateTokens(content),
	}
	if usage := entry.Usage(); usage != nil {
		msg.RawTokenCount = usage.OutputTokens
	}
	if req := entry.Request(); req != nil {
		msg.DebugRequest = json.RawMessage(req)
	}
	return msg
}

// finalizeUsage drains entry's usage payload into durable state once a
// turn's terminal assistant message has been persisted: it backfills the
// session's last user message with the turn's input token count, refreshes
// the session's cached token totals, and triggers auto-compaction if the
// turn's reported usage crosses the configured threshold of the model's
// context window (§4.5, §8 scenarios 1 and 5).
func (l *Loop) finalizeUsage(ctx context.Context, sessionID string, sess *models.Session, entry *stream.Entry) {
	usage := entry.Usage()
	if usage == nil {
		return
	}

	if last, err := l.lastUserMessage(ctx, sessionID); err != nil {
		l.logger.Error("toolloop: find last user message", "session_id", sessionID, "error", err)
	} else if last != nil {
		last.RawTokenCount = usage.InputTokens
		if err := l.store.UpdateMessage(ctx, last); err != nil {
			l.logger.Error("toolloop: backfill user message tokens", "session_id", sessionID, "error", err)
		}
	}

	sess.CachedInputTokens = usage.InputTokens
	sess.CachedOutputTokens = usage.OutputTokens
	if err := l.store.UpdateSession(ctx, sess); err != nil {
		l.logger.Error("toolloop: refresh cached token usage", "session_id", sessionID, "error", err)
	}

	l.maybeAutoCompact(ctx, sessionID, sess, usage)
}

// lastUserMessage returns the most recent user-role message in sessionID's
// history, or nil if none exists.
func (l *Loop) lastUserMessage(ctx context.Context, sessionID string) (*models.Message, error) {
	msgs, err := l.store.ListMessages(ctx, sessionID, store.MessageListOptions{})
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i], nil
		}
	}
	return nil, nil
}

// maybeAutoCompact invokes the Compaction Engine when a turn's reported
// total usage exceeds the configured percentage of the selected model's
// context window (§4.5).
func (l *Loop) maybeAutoCompact(ctx context.Context, sessionID string, sess *models.Session, usage *models.UsagePayload) {
	if l.settings == nil || l.compactor == nil {
		return
	}
	thresholdStr, err := l.settings.Get(ctx, config.KeyContextCompactionThreshold)
	if err != nil {
		l.logger.Error("toolloop: read compaction threshold", "session_id", sessionID, "error", err)
		return
	}
	threshold, err := strconv.Atoi(thresholdStr)
	if err != nil || threshold <= 0 {
		return
	}

	window := imodels.ContextWindowFor(sess.Model)
	if window <= 0 {
		return
	}
	total := usage.InputTokens + usage.OutputTokens
	if total*100 < threshold*window {
		return
	}
	if _, err := l.compactor.Run(ctx, sessionID); err != nil {
		l.logger.Error("toolloop: auto-compaction", "session_id", sessionID, "error", err)
	}
}
