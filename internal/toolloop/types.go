// Package toolloop drives the bounded chain of LLM turns interleaved with
// tool executions described in §4.2: Streaming, NeedsApproval, Executing,
// and Terminate, with a Stream Entry backing every in-flight turn.
package toolloop

import (
	"context"

	"github.com/nexuscore/nexus/internal/store"
	"github.com/nexuscore/nexus/pkg/models"
)

// Turn is one entry of the message history handed to a Provider. It is the
// provider-agnostic shape the Context Assembler produces and every Provider
// Adapter variant consumes.
type Turn struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
	Images      []models.ImageRef
}

// Request is everything a Provider needs to drive one streaming turn.
type Request struct {
	Model    string
	System   string
	History  []Turn
	Tools    []ToolSchema
}

// ToolSchema is the subset of a registered tool a Provider needs to offer it
// to the model: name, description, and a JSON Schema for arguments.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Provider streams one assistant turn. It must push every event it produces
// through emit, in order, and return once the turn reaches a terminal state
// (done or error) or ctx is cancelled. Providers never retry internally;
// retry/failover is a caller concern (§4.4).
type Provider interface {
	Stream(ctx context.Context, req Request, emit func(models.Event)) error
}

// ContextAssembler builds the Turn history a Provider should see for a
// session, folding in any active compaction snapshot (§4.3).
type ContextAssembler interface {
	Assemble(ctx context.Context, sessionID string) ([]Turn, error)
}

// ToolExecutor executes one tool call and always returns a ToolResult, even
// on failure (the error is carried in the result's IsError/Output fields).
type ToolExecutor interface {
	Execute(ctx context.Context, call models.ToolCall) models.ToolResult
	Tools() []ToolSchema
}

// ApprovalPolicy decides whether a batch of tool calls may run without
// interactive approval.
type ApprovalPolicy interface {
	// RequiresApproval returns true if any call in calls needs a human
	// decision before Executing may begin.
	RequiresApproval(session *models.Session, calls []models.ToolCall) bool
}

// Store is the subset of the Durable Store the Tool Loop needs: appending
// messages and resolving the session's active model/auto-approve flag.
type Store interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	// UpdateMessage backfills mutable fields (currently RawTokenCount) on an
	// already-persisted message once a turn's usage payload lands.
	UpdateMessage(ctx context.Context, msg *models.Message) error
	// ListMessages is used to locate the session's last user message so its
	// RawTokenCount can be backfilled from the following turn's usage.
	ListMessages(ctx context.Context, sessionID string, opts store.MessageListOptions) ([]*models.Message, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	// UpdateSession persists the session's refreshed cached token usage
	// after every turn (§3, §4.5).
	UpdateSession(ctx context.Context, sess *models.Session) error
	// SetApproval performs the CAS transition described in §5: it only
	// succeeds if the message's current approval status equals expected.
	SetApproval(ctx context.Context, messageID string, expected, next models.ApprovalStatus) (bool, error)
}

// ThresholdSettings reads the configured auto-compaction threshold
// percentage (§4.5, §6 context_compaction_threshold).
type ThresholdSettings interface {
	Get(ctx context.Context, key string) (string, error)
}

// Compactor triggers the Compaction Engine for a session once a turn's
// reported usage crosses the configured threshold of the model's context
// window (§4.5).
type Compactor interface {
	Run(ctx context.Context, sessionID string) (*models.CompactionSnapshot, error)
}
