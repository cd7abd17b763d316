package tools

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a per-session lazy resource survives
// without a new tool invocation touching it before ResourceManager's idle
// sweep reclaims it (§9 "Per-session lazy resources").
const DefaultIdleTimeout = 10 * time.Minute

// Resource is anything a built-in tool lazily attaches to a session
// (a browser instance, a vnc connection, a vision image buffer). Close
// must be idempotent: the reaper and an in-flight tool call may both
// observe teardown racing them.
type Resource interface {
	Close() error
}

// Factory constructs a Resource for a session on first use.
type Factory func(sessionID string) (Resource, error)

// entry pairs a lazily-created resource with the last time a tool call
// touched it, so the idle sweep can tell live resources from stale ones.
type entry struct {
	resource   Resource
	lastTouch  time.Time
}

// ResourceManager keys per-session lazy infrastructure (browser, vnc,
// vision buffer) on session identifier, creating it on first tool
// invocation and reclaiming it after DefaultIdleTimeout of inactivity.
// Destroy is idempotent and safe against a tool call that is mid-flight
// when the reaper fires: the call simply observes a torn-down resource and
// the next Get recreates one.
type ResourceManager struct {
	mu      sync.Mutex
	entries map[string]map[string]*entry // sessionID -> kind -> entry
	idle    time.Duration
	logger  *slog.Logger
	stop    chan struct{}
	once    sync.Once
}

// NewResourceManager constructs a ResourceManager and starts its idle
// sweep goroutine. Call Stop to end the sweep (e.g. on process shutdown).
func NewResourceManager(idle time.Duration, logger *slog.Logger) *ResourceManager {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	rm := &ResourceManager{
		entries: make(map[string]map[string]*entry),
		idle:    idle,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go rm.sweepLoop()
	return rm
}

// Get returns the resource of kind for sessionID, constructing it with
// factory on first use. Every call refreshes the resource's last-touch
// time, postponing idle reclaim.
func (rm *ResourceManager) Get(sessionID, kind string, factory Factory) (Resource, error) {
	rm.mu.Lock()
	sessionEntries, ok := rm.entries[sessionID]
	if !ok {
		sessionEntries = make(map[string]*entry)
		rm.entries[sessionID] = sessionEntries
	}
	e, ok := sessionEntries[kind]
	rm.mu.Unlock()
	if ok {
		rm.touch(sessionID, kind)
		return e.resource, nil
	}

	res, err := factory(sessionID)
	if err != nil {
		return nil, err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if sessionEntries, ok = rm.entries[sessionID]; !ok {
		sessionEntries = make(map[string]*entry)
		rm.entries[sessionID] = sessionEntries
	}
	if existing, raced := sessionEntries[kind]; raced {
		// Lost the creation race to a concurrent tool call; keep the
		// winner and tear down the resource we just built.
		_ = res.Close()
		return existing.resource, nil
	}
	sessionEntries[kind] = &entry{resource: res, lastTouch: time.Now()}
	return res, nil
}

func (rm *ResourceManager) touch(sessionID, kind string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if sessionEntries, ok := rm.entries[sessionID]; ok {
		if e, ok := sessionEntries[kind]; ok {
			e.lastTouch = time.Now()
		}
	}
}

// Destroy tears down sessionID's resource of kind, if any. It is
// idempotent: destroying an already-gone resource is a no-op.
func (rm *ResourceManager) Destroy(sessionID, kind string) {
	rm.mu.Lock()
	sessionEntries, ok := rm.entries[sessionID]
	if !ok {
		rm.mu.Unlock()
		return
	}
	e, ok := sessionEntries[kind]
	if ok {
		delete(sessionEntries, kind)
	}
	if len(sessionEntries) == 0 {
		delete(rm.entries, sessionID)
	}
	rm.mu.Unlock()
	if ok {
		if err := e.resource.Close(); err != nil {
			rm.logger.Warn("tools: resource teardown failed", "session_id", sessionID, "kind", kind, "error", err)
		}
	}
}

// DestroyAll tears down every resource associated with sessionID, called
// when a session is deleted.
func (rm *ResourceManager) DestroyAll(sessionID string) {
	rm.mu.Lock()
	sessionEntries, ok := rm.entries[sessionID]
	delete(rm.entries, sessionID)
	rm.mu.Unlock()
	if !ok {
		return
	}
	for kind, e := range sessionEntries {
		if err := e.resource.Close(); err != nil {
			rm.logger.Warn("tools: resource teardown failed", "session_id", sessionID, "kind", kind, "error", err)
		}
	}
}

func (rm *ResourceManager) sweepLoop() {
	ticker := time.NewTicker(rm.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-rm.stop:
			return
		case <-ticker.C:
			rm.sweep()
		}
	}
}

func (rm *ResourceManager) sweep() {
	cutoff := time.Now().Add(-rm.idle)
	type stale struct {
		sessionID, kind string
		res             Resource
	}
	var reap []stale

	rm.mu.Lock()
	for sessionID, sessionEntries := range rm.entries {
		for kind, e := range sessionEntries {
			if e.lastTouch.Before(cutoff) {
				reap = append(reap, stale{sessionID, kind, e.resource})
				delete(sessionEntries, kind)
			}
		}
		if len(sessionEntries) == 0 {
			delete(rm.entries, sessionID)
		}
	}
	rm.mu.Unlock()

	for _, s := range reap {
		if err := s.res.Close(); err != nil {
			rm.logger.Warn("tools: idle resource teardown failed", "session_id", s.sessionID, "kind", s.kind, "error", err)
		}
	}
}

// Stop ends the idle sweep goroutine. Safe to call more than once.
func (rm *ResourceManager) Stop() {
	rm.once.Do(func() { close(rm.stop) })
}
