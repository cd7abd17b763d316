// Package tools is the Tool Executor: a named-operation registry, per-call
// validation and sequential execution, and the per-session lazy resources
// (browser, vnc, vision buffer) built-in tools may need.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nexuscore/nexus/internal/stream"
	"github.com/nexuscore/nexus/internal/toolloop"
	"github.com/nexuscore/nexus/pkg/models"
)

// MaxToolNameLength and MaxParamsSize bound a tool call's name/argument
// size before it ever reaches a handler, mirroring the resource-exhaustion
// guard this codebase's tool registry already applies.
const (
	MaxToolNameLength = 256
	MaxParamsSize      = 10 << 20
)

// CallContext is the ambient, per-call context a Handler receives: session
// identifier, the originating tool-call identifier, and a progress
// callback. No global mutable state backs any of these; a Tool receives
// exactly what it needs and nothing more.
type CallContext struct {
	SessionID  string
	ToolCallID string
	Progress   func(note string)
}

// Handler is a registered operation. Parameters arrive as raw JSON
// matching Schema; the handler returns the result text or an error, which
// the Executor turns into an IsError:true ToolResult rather than
// propagating.
type Handler interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, call CallContext, params json.RawMessage) (string, error)
}

// Executor implements toolloop.ToolExecutor: it registers Handlers by
// name, validates each call before dispatch, and executes sequentially
// (the Tool Loop is the one enforcing cancel-on-first-error across a
// batch; the Executor only ever runs the one call it's handed).
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	resources *ResourceManager
}

// NewExecutor constructs an empty Executor. resources may be nil if no
// registered Handler needs per-session lazy infrastructure.
func NewExecutor(resources *ResourceManager) *Executor {
	return &Executor{handlers: make(map[string]Handler), resources: resources}
}

// Register adds h to the registry, replacing any handler already
// registered under the same name.
func (e *Executor) Register(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[h.Name()] = h
}

// Resources exposes the per-session resource manager so built-in handlers
// (browser, vnc) can reach it without a package-level global.
func (e *Executor) Resources() *ResourceManager {
	return e.resources
}

// Tools returns every registered handler's schema, for wiring into a
// Provider request as the model's available tools.
func (e *Executor) Tools() []toolloop.ToolSchema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]toolloop.ToolSchema, 0, len(e.handlers))
	for _, h := range e.handlers {
		out = append(out, toolloop.ToolSchema{Name: h.Name(), Description: h.Description(), Parameters: h.Schema()})
	}
	return out
}

// Execute implements toolloop.ToolExecutor directly: the Tool Loop shares
// one Executor across every session and only ever hands it a ctx derived
// from a Stream Entry, so the session identifier is recovered from ctx
// (stamped there by the Stream Registry when the entry was created) rather
// than threaded through the toolloop.ToolExecutor interface itself.
// Always returns a ToolResult, never an error: validation failures and
// handler errors alike become IsError:true rows so the Tool Loop can
// persist and broadcast them uniformly instead of aborting the turn.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	sessionID, _ := stream.ContextSessionID(ctx)
	return e.ExecuteInSession(ctx, sessionID, call)
}

// ExecuteInSession is Execute plus the session identifier a Handler needs
// for its CallContext. The Tool Loop's ToolExecutor interface only passes
// the ToolCall; callers that have a session in hand (the loop itself)
// should prefer a thin per-session wrapper built with Bind.
func (e *Executor) ExecuteInSession(ctx context.Context, sessionID string, call models.ToolCall) models.ToolResult {
	if len(call.Name) > MaxToolNameLength {
		return errResult(call.ID, fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(call.Arguments) > MaxParamsSize {
		return errResult(call.ID, fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxParamsSize))
	}

	e.mu.RLock()
	h, ok := e.handlers[call.Name]
	e.mu.RUnlock()
	if !ok {
		return errResult(call.ID, "tool not found: "+call.Name)
	}

	cc := CallContext{SessionID: sessionID, ToolCallID: call.ID}
	out, err := h.Execute(ctx, cc, call.Arguments)
	if err != nil {
		return errResult(call.ID, err.Error())
	}
	return models.ToolResult{ToolCallID: call.ID, Output: out}
}

// Bind returns a toolloop.ToolExecutor whose Execute always runs in the
// given session, so the Tool Loop (which only knows a sessionID, not a
// single shared Executor-per-session) can hand built-ins the session
// context they need for lazy per-session resources.
func (e *Executor) Bind(sessionID string) toolloop.ToolExecutor {
	return &boundExecutor{exec: e, sessionID: sessionID}
}

type boundExecutor struct {
	exec      *Executor
	sessionID string
}

func (b *boundExecutor) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	return b.exec.ExecuteInSession(ctx, b.sessionID, call)
}

func (b *boundExecutor) Tools() []toolloop.ToolSchema { return b.exec.Tools() }

func errResult(callID, msg string) models.ToolResult {
	return models.ToolResult{ToolCallID: callID, Output: msg, IsError: true}
}
