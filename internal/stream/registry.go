package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nexuscore/nexus/pkg/models"
)

// DefaultRemovalDelay is the grace period a terminated entry survives
// before ScheduleRemoval actually deletes it, giving a reconnecting client
// a window to observe the final state (§5, §8 scenario 6).
const DefaultRemovalDelay = 5 * time.Second

// Registry is the Stream Registry of §4.1: an in-memory, session-keyed
// store of at-most-one streaming Entry per session, with ordered
// subscriber fan-out and generation-guarded deferred removal.
//
// The Registry never performs I/O; every method here is a pure in-memory
// state transition plus synchronous subscriber invocation.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	generation uint64

	removalDelay time.Duration
	logger       *slog.Logger

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// NewRegistry constructs a Registry. logger may be nil.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:      make(map[string]*Entry),
		removalDelay: DefaultRemovalDelay,
		logger:       logger,
		now:          time.Now,
	}
}

// Create atomically replaces any prior entry for sessionID with a fresh
// one, stamped with a new process-wide monotonic generation.
func (r *Registry) Create(sessionID, assistantID, model string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.entries[sessionID]; ok {
		// The prior entry's subscribers are dropped from the registry's
		// bookkeeping; the connections that own them are expected to
		// re-subscribe against the new entry (the gateway does this by
		// re-resolving Get(sessionID) on its next read).
		_ = prior
	}

	r.generation++
	entry := newEntry(sessionID, assistantID, model, r.generation)
	r.entries[sessionID] = entry
	return entry
}

// Get returns the current entry for sessionID, if any.
func (r *Registry) Get(sessionID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	return e, ok
}

// Continue begins a new round within the existing stream for sessionID: it
// resets per-round accumulated state but preserves aborted, subscribers,
// and the cancellation signal. It returns false if no entry exists for
// sessionID (the caller should Create instead).
func (r *Registry) Continue(sessionID, newAssistantID string) (*Entry, bool) {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	entry.resetForContinue(newAssistantID)
	return entry, true
}

// Remove clears subscribers and deletes the entry for sessionID immediately.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.clearSubscribers()
		delete(r.entries, sessionID)
	}
}

// ScheduleRemoval arms a timer that removes the entry for sessionID after
// delay, but only if the entry's generation still matches the generation
// captured right now. If a newer Create has superseded it by the time the
// timer fires, the call is a no-op for that session (§4.1, §8).
func (r *Registry) ScheduleRemoval(sessionID string, delay time.Duration) {
	if delay <= 0 {
		delay = r.removalDelay
	}
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	generation := entry.Generation

	time.AfterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		current, ok := r.entries[sessionID]
		if !ok || current.Generation != generation {
			return
		}
		current.clearSubscribers()
		delete(r.entries, sessionID)
	})
}

// Subscribe registers fn against sessionID's current entry and returns an
// unsubscribe function. It returns ok=false if no entry currently exists.
func (r *Registry) Subscribe(sessionID string, fn Subscriber) (unsubscribe func(), ok bool) {
	r.mu.Lock()
	entry, exists := r.entries[sessionID]
	r.mu.Unlock()
	if !exists {
		return nil, false
	}
	id := entry.subscribe(fn)
	return func() {
		entry.unsubscribe(id)
	}, true
}

// Push applies ev to sessionID's entry per the event-to-state mapping in
// §4.1, then invokes every subscriber with ev in insertion order. Pushing
// to an absent session is a no-op. A panicking subscriber is recovered and
// logged so it cannot prevent delivery to the remaining subscribers.
func (r *Registry) Push(sessionID string, ev models.Event) {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	ev.SessionID = sessionID
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}

	applyEventToEntry(entry, ev)

	for _, sub := range entry.snapshotSubscribers() {
		r.deliver(sub, ev)
	}
}

func (r *Registry) deliver(sub subscription, ev models.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("stream subscriber panicked", "recover", rec, "event_type", ev.Type)
		}
	}()
	sub.fn(ev)
}

// applyEventToEntry mutates entry's accumulated state per the event kind,
// honoring the aborted-state rules in §4.1's table: tokens are dropped
// once aborted, but tool_call/usage/debug/done/error/tool_result/snapshot
// still take effect (or are simply broadcast-only, for tool_result and
// snapshot, which never touch accumulated state).
func applyEventToEntry(e *Entry, ev models.Event) {
	switch ev.Type {
	case models.EventToken:
		if e.aborted {
			return
		}
		if ev.Token != nil {
			e.appendContent(ev.Token.Delta)
		}
	case models.EventToolCall:
		if ev.ToolCall != nil {
			e.toolCalls = append(e.toolCalls, ev.ToolCall.ToolCall)
			e.hasToolCalls = true
		}
	case models.EventUsage:
		if ev.Usage != nil {
			e.usage = ev.Usage
		}
	case models.EventDebug:
		if ev.Debug != nil {
			e.request = ev.Debug.Request
		}
	case models.EventDone:
		// First done or error wins: a done arriving after an error must
		// not re-open the entry or clobber the recorded terminal state.
		if !e.done {
			e.done = true
			if ev.Done != nil {
				e.hasToolCalls = ev.Done.HasToolCalls
			}
		}
	case models.EventError:
		// First done or error wins: once terminal, later terminal
		// events must not overwrite the recorded error.
		if !e.done {
			e.done = true
			e.errPayload = ev.Error
		}
	case models.EventToolResult, models.EventSnapshot:
		// Broadcast only; no entry state change.
	}
}

// Abort marks sessionID's entry aborted, appending sentinel to its content
// first so the appended text is observed atomically with the flag, then
// cancels the entry's cancellation signal. Returns false if no entry
// exists.
func (r *Registry) Abort(sessionID string, sentinel string) (*Entry, bool) {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	if sentinel != "" {
		entry.appendContent(sentinel)
	}
	entry.abort()
	return entry, true
}
