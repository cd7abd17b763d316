// Package models defines the wire and storage types shared across the
// session core: sessions, messages, compaction snapshots, and the
// streaming event envelope.
package models

import "time"

// Session is a single conversation thread between one or more clients and
// an assistant. Sessions are created on demand and keyed by a stable
// identifier; deleting a session cascades to its messages, snapshots, and
// attachment files.
type Session struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Model   string `json:"model"`
	Channel string `json:"channel,omitempty"`

	// AutoApprove, when true, skips the NeedsApproval tool-loop state:
	// tool calls execute immediately and the assistant message is written
	// with ApprovalStatus "approved" instead of "pending".
	AutoApprove bool `json:"auto_approve"`

	// CachedInputTokens/CachedOutputTokens mirror the most recent Usage
	// event observed for this session, so clients can render a running
	// total without re-summing the message history.
	CachedInputTokens  int `json:"cached_input_tokens"`
	CachedOutputTokens int `json:"cached_output_tokens"`

	// ActiveSnapshotID points at the CompactionSnapshot the Context
	// Assembler should use, if any. Empty means no compaction has run
	// (or the session predates snapshots and only has a legacy
	// compaction-role message).
	ActiveSnapshotID string `json:"active_snapshot_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to a caller without sharing
// mutable state with the store's internal record.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}
