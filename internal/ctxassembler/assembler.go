// Package ctxassembler builds the ordered prompt history a Provider sees
// for a session, folding in whichever compaction state (active snapshot,
// legacy compaction message, or none) currently applies (§4.3).
package ctxassembler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nexuscore/nexus/internal/store"
	"github.com/nexuscore/nexus/internal/toolloop"
	"github.com/nexuscore/nexus/pkg/models"
)

// DefaultLegacyVerbatimCount is used for a legacy compaction message that
// carries no explicit VerbatimCount.
const DefaultLegacyVerbatimCount = 6

// sentinelResultType is the JSON type tag that marks a tool result as a
// large, collapsible payload (e.g. a captured browser page).
const sentinelResultType = "browser_content"

// VisionHint is appended to the final turn's text for a non-multimodal
// provider when the assembled history contains images it could not pass
// through.
const VisionHint = "Earlier attachments in this conversation contain images. " +
	"This model cannot see them directly; use a vision-capable tool if you need their contents."

// Assembler implements toolloop.ContextAssembler.
type Assembler struct {
	store      store.Store
	multiModal func(model string) bool
}

// New constructs an Assembler. multiModal reports whether a given model
// identifier accepts inline images; if nil, every model is treated as
// multi-modal.
func New(st store.Store, multiModal func(model string) bool) *Assembler {
	if multiModal == nil {
		multiModal = func(string) bool { return true }
	}
	return &Assembler{store: st, multiModal: multiModal}
}

// Assemble implements toolloop.ContextAssembler.
func (a *Assembler) Assemble(ctx context.Context, sessionID string) ([]toolloop.Turn, error) {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ctxassembler: load session: %w", err)
	}
	all, err := a.store.ListMessages(ctx, sessionID, store.MessageListOptions{})
	if err != nil {
		return nil, fmt.Errorf("ctxassembler: list messages: %w", err)
	}

	var history []*models.Message
	switch {
	case sess.ActiveSnapshotID != "":
		history, err = a.assembleFromSnapshot(ctx, sess, all)
	default:
		if legacy := findLastCompactionMessage(all); legacy != nil {
			history = assembleFromLegacy(all, legacy)
		} else {
			history = assembleNoCompaction(all)
		}
	}
	if err != nil {
		return nil, err
	}

	collapseOldLargeResults(history)
	turns := toTurns(history, a.multiModal(sess.Model))
	return turns, nil
}

func (a *Assembler) assembleFromSnapshot(ctx context.Context, sess *models.Session, all []*models.Message) ([]*models.Message, error) {
	snap, err := a.store.GetSnapshot(ctx, sess.ActiveSnapshotID)
	if err != nil {
		return nil, fmt.Errorf("ctxassembler: load snapshot: %w", err)
	}

	byID := make(map[string]*models.Message, len(all))
	for _, m := range all {
		byID[m.ID] = m
	}

	summaryUser := &models.Message{
		Role:    models.RoleUser,
		Content: "[Summary of conversation prior to the messages below]\n" + snap.Summary,
	}
	summaryAck := &models.Message{
		Role:    models.RoleAssistant,
		Content: "Understood. I have the context from before this point.",
	}

	out := []*models.Message{summaryUser, summaryAck}
	var lastVerbatimTime = snap.CreatedAt
	for _, id := range snap.VerbatimMessageIDs {
		if m, ok := byID[id]; ok {
			out = append(out, m)
			if m.CreatedAt.After(lastVerbatimTime) {
				lastVerbatimTime = m.CreatedAt
			}
		}
	}

	for _, m := range all {
		if !m.CreatedAt.After(lastVerbatimTime) {
			continue
		}
		if isInVerbatimSet(m.ID, snap.VerbatimMessageIDs) {
			continue
		}
		if skipMessage(m) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func assembleFromLegacy(all []*models.Message, legacy *models.Message) []*models.Message {
	tailSize := legacy.VerbatimCount
	if tailSize <= 0 {
		tailSize = DefaultLegacyVerbatimCount
	}

	// The tail is the tailSize messages before the legacy compaction
	// message, walking backward past any earlier compaction messages, plus
	// everything after it.
	idx := len(all)
	for i, m := range all {
		if m.ID == legacy.ID {
			idx = i
			break
		}
	}
	start := idx
	for n := 0; start > 0 && n < tailSize; start-- {
		if all[start-1].Role != models.RoleCompaction {
			n++
		}
	}
	// Don't split a tool-call/tool-result pair: if the chosen start lands
	// on a tool-result message, step back one so its originating call
	// stays with it.
	if start > 0 && all[start].Role == models.RoleToolResult {
		start--
	}
	tail := all[start:]

	out := []*models.Message{
		{Role: models.RoleUser, Content: "[Summary of conversation prior to the messages below]\n" + legacy.Content},
		{Role: models.RoleAssistant, Content: "Understood. I have the context from before this point."},
	}
	for _, m := range tail {
		if skipMessage(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func assembleNoCompaction(all []*models.Message) []*models.Message {
	var out []*models.Message
	var lastToolResultKey string
	for _, m := range all {
		if skipMessage(m) {
			continue
		}
		if m.Role == models.RoleToolResult {
			key := toolCallIDSetKey(m)
			if key != "" && key == lastToolResultKey {
				continue
			}
			lastToolResultKey = key
		} else {
			lastToolResultKey = ""
		}
		out = append(out, m)
	}
	return out
}

func skipMessage(m *models.Message) bool {
	if m.Role == models.RoleCompaction {
		return true
	}
	if m.Role == models.RoleToolResult && len(m.ToolResults) == 0 {
		return true
	}
	return false
}

func toolCallIDSetKey(m *models.Message) string {
	ids := make([]string, 0, len(m.ToolResults))
	for _, tr := range m.ToolResults {
		ids = append(ids, tr.ToolCallID)
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func findLastCompactionMessage(all []*models.Message) *models.Message {
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Role == models.RoleCompaction {
			return all[i]
		}
	}
	return nil
}

func isInVerbatimSet(id string, ids []string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// largeResultTag inspects a tool result's output for a top-level JSON
// object carrying the sentinel type tag.
func largeResultTag(output string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(output), &obj); err != nil {
		return nil, false
	}
	t, _ := obj["type"].(string)
	if t != sentinelResultType {
		return nil, false
	}
	return obj, true
}

// collapseOldLargeResults keeps the single latest sentinel-tagged tool
// result verbatim and replaces every earlier one with a short descriptor,
// mutating history in place.
func collapseOldLargeResults(history []*models.Message) {
	latestIdx := -1
	latestResultIdx := -1
	for i, m := range history {
		if m.Role != models.RoleToolResult {
			continue
		}
		for j, tr := range m.ToolResults {
			if _, ok := largeResultTag(tr.Output); ok {
				latestIdx, latestResultIdx = i, j
			}
		}
	}
	if latestIdx < 0 {
		return
	}
	for i, m := range history {
		if m.Role != models.RoleToolResult {
			continue
		}
		for j := range m.ToolResults {
			if i == latestIdx && j == latestResultIdx {
				continue
			}
			tr := &m.ToolResults[j]
			if obj, ok := largeResultTag(tr.Output); ok {
				tr.Output = descriptorFor(obj)
			}
		}
	}
}

func descriptorFor(obj map[string]any) string {
	fields := make(map[string]any, 4)
	for _, k := range []string{"type", "url", "title", "id"} {
		if v, ok := obj[k]; ok {
			fields[k] = v
		}
	}
	b, _ := json.Marshal(fields)
	return string(b) + " (content omitted: superseded by a later result)"
}

// toTurns converts the assembled message history to provider-agnostic
// Turns, inlining images only on the last tool-result message and only when
// the target provider supports them; for a provider without image support,
// a vision hint is appended to the final turn's text when any images were
// dropped.
func toTurns(history []*models.Message, multiModal bool) []toolloop.Turn {
	lastToolResultIdx := -1
	for i, m := range history {
		if m.Role == models.RoleToolResult {
			lastToolResultIdx = i
		}
	}

	turns := make([]toolloop.Turn, 0, len(history))
	sawImages := false
	for i, m := range history {
		turn := toolloop.Turn{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   append([]models.ToolCall(nil), m.ToolCalls...),
			ToolResults: append([]models.ToolResult(nil), m.ToolResults...),
		}
		if len(m.Images) > 0 {
			if i == lastToolResultIdx && multiModal {
				turn.Images = append([]models.ImageRef(nil), m.Images...)
			} else {
				sawImages = true
			}
		}
		turns = append(turns, turn)
	}
	if sawImages && !multiModal && len(turns) > 0 {
		turns[len(turns)-1].Content += "\n\n" + VisionHint
	}
	return turns
}
