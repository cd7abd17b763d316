// Package stream implements the Stream Registry: the in-memory, per-session
// store of live streaming state that decouples provider-side producers from
// client-side consumers.
package stream

import (
	"context"
	"strings"
	"sync"

	"github.com/nexuscore/nexus/pkg/models"
)

// Subscriber receives every Event pushed to the Entry it is registered
// against, in the exact order Push was called. A Subscriber must not block
// for long; Push invokes subscribers synchronously and in order.
type Subscriber func(models.Event)

type subscription struct {
	id uint64
	fn Subscriber
}

// Entry is the ephemeral per-session streaming state for one in-flight or
// most-recently-completed turn. It is owned by the Registry for its
// lifetime and replaced wholesale (via Create) whenever a new turn begins
// for the same session.
type Entry struct {
	SessionID   string
	AssistantID string
	Model       string

	// Generation disambiguates deferred removals: a scheduleRemoval timer
	// only acts if the entry's Generation still matches the value
	// captured when the timer was armed.
	Generation uint64

	ctx    context.Context
	cancel context.CancelFunc

	content      strings.Builder
	toolCalls    []models.ToolCall
	hasToolCalls bool
	done         bool
	aborted      bool
	errPayload   *models.ErrorPayload
	usage        *models.UsagePayload
	request      []byte

	subMu     sync.Mutex
	nextSubID uint64
	subs      []subscription
}

type sessionIDKey struct{}

// ContextSessionID recovers the session ID an Entry's Context was created
// for. Used by a process-wide ToolExecutor to resolve per-session resources
// without every call site threading a sessionID parameter through Provider
// and Tool Loop plumbing that is otherwise session-agnostic.
func ContextSessionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok
}

// WithSessionContext stamps sessionID onto ctx the same way an Entry's own
// context is stamped, for callers that invoke a shared ToolExecutor outside
// of any live Entry (a direct tool-execution request with no active turn).
func WithSessionContext(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

func newEntry(sessionID, assistantID, model string, generation uint64) *Entry {
	base := context.WithValue(context.Background(), sessionIDKey{}, sessionID)
	ctx, cancel := context.WithCancel(base)
	return &Entry{
		SessionID:   sessionID,
		AssistantID: assistantID,
		Model:       model,
		Generation:  generation,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Context is cancelled when the entry is aborted (see Abort). Providers and
// tool executors should select on it at every suspension point.
func (e *Entry) Context() context.Context {
	return e.ctx
}

// Content returns the accumulated assistant text for the current round.
func (e *Entry) Content() string {
	return e.content.String()
}

// ToolCalls returns the tool calls accumulated for the current round.
func (e *Entry) ToolCalls() []models.ToolCall {
	return append([]models.ToolCall(nil), e.toolCalls...)
}

// Done reports whether a terminal event (done or error) has landed for the
// current round.
func (e *Entry) Done() bool {
	return e.done
}

// Aborted reports whether this entry has been interrupted. Once true it
// stays true until the entry is replaced via Create.
func (e *Entry) Aborted() bool {
	return e.aborted
}

// HasToolCalls reports whether the current round produced at least one
// tool call.
func (e *Entry) HasToolCalls() bool {
	return e.hasToolCalls
}

// Usage returns the usage payload recorded for the current round, if any.
func (e *Entry) Usage() *models.UsagePayload {
	return e.usage
}

// Request returns the raw request/debug payload captured for the current
// round, if any (§4.2 contract 1: the stored request/response payload must
// be written onto the persisted assistant message before the done event).
func (e *Entry) Request() []byte {
	return e.request
}

// Error returns the classified error recorded for the current round, if
// any.
func (e *Entry) Error() *models.ErrorPayload {
	return e.errPayload
}

// Snapshot produces the payload a newly-attaching subscriber should receive
// to catch up on everything missed so far.
func (e *Entry) Snapshot() models.SnapshotPayload {
	return models.SnapshotPayload{
		AssistantID: e.AssistantID,
		Content:     e.content.String(),
		ToolCalls:   e.ToolCalls(),
		Done:        e.done,
	}
}

// abort marks the entry aborted and cancels its context. It does not by
// itself append the interruption sentinel to content; callers (the Tool
// Loop) do that before calling abort so the sentinel is observed
// atomically with the flag.
func (e *Entry) abort() {
	e.aborted = true
	e.cancel()
}

// appendContent appends text directly to the accumulated content. Callers
// must hold no lock; Entry mutation is only ever reached through the
// Registry, which serializes access per session.
func (e *Entry) appendContent(s string) {
	e.content.WriteString(s)
}

// subscribe registers fn and returns its subscription id for later removal.
// Guarded by subMu: Subscribe/Unsubscribe can race Push's concurrent
// snapshotSubscribers on the same entry, since Push releases the Registry
// lock before delivering (§4.1 requires registration/removal to stay safe
// during delivery).
func (e *Entry) subscribe(fn Subscriber) uint64 {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.nextSubID++
	id := e.nextSubID
	e.subs = append(e.subs, subscription{id: id, fn: fn})
	return id
}

// unsubscribe removes the subscription with the given id, if present.
func (e *Entry) unsubscribe(id uint64) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// clearSubscribers drops every subscriber, used when an entry is removed
// from the Registry outright.
func (e *Entry) clearSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subs = nil
}

// snapshotSubscribers returns a copy of the current subscriber list so
// delivery can proceed without holding the entry lock (copy-on-iterate),
// letting a subscriber re-enter Subscribe/Unsubscribe during delivery.
func (e *Entry) snapshotSubscribers() []subscription {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return append([]subscription(nil), e.subs...)
}

func (e *Entry) resetForContinue(newAssistantID string) {
	e.AssistantID = newAssistantID
	e.content.Reset()
	e.toolCalls = nil
	e.hasToolCalls = false
	e.done = false
	e.errPayload = nil
	e.usage = nil
	e.request = nil
	// aborted, subs, and ctx/cancel are intentionally preserved.
}
