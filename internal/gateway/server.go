package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/nexuscore/nexus/internal/compaction"
	"github.com/nexuscore/nexus/internal/config"
	"github.com/nexuscore/nexus/internal/memory"
	imodels "github.com/nexuscore/nexus/internal/models"
	"github.com/nexuscore/nexus/internal/sessionfiles"
	"github.com/nexuscore/nexus/internal/store"
	"github.com/nexuscore/nexus/internal/stream"
	"github.com/nexuscore/nexus/internal/tools"
	"github.com/nexuscore/nexus/internal/toolloop"
	"github.com/nexuscore/nexus/pkg/models"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 45 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20

	// requestTimeout bounds an individual handler invocation.
	requestTimeout = 30 * time.Second
)

// Server is the WebSocket Gateway. One Server backs every connection; it
// holds no per-connection state itself (that lives on conn), only the
// shared session-core dependencies and the Hub used for global and
// session-scoped broadcast.
type Server struct {
	Store     store.Store
	Registry  *stream.Registry
	Loop      *toolloop.Loop
	Compactor *compaction.Engine
	Settings  *config.Settings
	Memory    *memory.Service
	Files     *sessionfiles.Store
	Executor  *tools.Executor
	Policy    *tools.ApprovalPolicy
	Catalog   *imodels.Catalog
	JWTSecret string

	Logger *slog.Logger

	upgrader websocket.Upgrader
	hub      *hub
	start    time.Time
}

// NewServer wires a Server from its dependencies. logger may be nil.
func NewServer(s store.Store, registry *stream.Registry, loop *toolloop.Loop, compactor *compaction.Engine, settings *config.Settings, mem *memory.Service, files *sessionfiles.Store, executor *tools.Executor, policy *tools.ApprovalPolicy, catalog *imodels.Catalog, jwtSecret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Store:     s,
		Registry:  registry,
		Loop:      loop,
		Compactor: compactor,
		Settings:  settings,
		Memory:    mem,
		Files:     files,
		Executor:  executor,
		Policy:    policy,
		Catalog:   catalog,
		JWTSecret: jwtSecret,
		Logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		hub:   newHub(),
		start: time.Now(),
	}
}

// Push implements compaction.Broadcaster, config.Broadcaster, and
// memory.Broadcaster: every non-streaming broadcast (settings, memory,
// compaction, session lifecycle, approval) flows through the Hub rather
// than the Stream Registry, since the Registry only fans out to
// connections actively subscribed to a live turn.
func (s *Server) Push(sessionID string, ev models.Event) {
	s.hub.broadcast(sessionID, ev)
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection
// until it closes. Authentication itself is out of scope (§1 treats it as
// an external collaborator); when JWTSecret is configured this only
// verifies the bearer token's signature is valid for this server, as a
// minimal fence in front of an otherwise-open upgrade endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.JWTSecret != "" {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(s, conn)
	s.hub.register(c)
	defer s.hub.unregister(c)
	c.run()
}

// authorized reports whether r carries a bearer token whose HMAC signature
// validates against JWTSecret. It does not interpret claims beyond
// validity/expiry, since session/client identity is handled above this
// layer.
func (s *Server) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || tokenStr == "" {
		return false
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("gateway: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.JWTSecret), nil
	})
	return err == nil && token.Valid
}

// hub tracks every live connection for global broadcast and, per session,
// the subset watching that session (via sessions.watch) for session-scoped
// broadcast.
type hub struct {
	mu      sync.RWMutex
	conns   map[*conn]struct{}
	watches map[string]map[*conn]struct{}
}

func newHub() *hub {
	return &hub{conns: make(map[*conn]struct{}), watches: make(map[string]map[*conn]struct{})}
}

func (h *hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	for sessionID, watchers := range h.watches {
		delete(watchers, c)
		if len(watchers) == 0 {
			delete(h.watches, sessionID)
		}
	}
}

func (h *hub) watch(sessionID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watches[sessionID]
	if !ok {
		set = make(map[*conn]struct{})
		h.watches[sessionID] = set
	}
	set[c] = struct{}{}
}

func (h *hub) unwatch(sessionID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.watches[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.watches, sessionID)
		}
	}
}

// broadcast delivers ev to every connection watching sessionID, or to every
// connection if sessionID is empty (a global broadcast, e.g.
// settings_changed or a session-list-affecting change).
func (h *hub) broadcast(sessionID string, ev models.Event) {
	frame := newPushFrame(sessionID, ev)
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sessionID == "" {
		for c := range h.conns {
			c.sendPush(frame)
		}
		return
	}
	for c := range h.watches[sessionID] {
		c.sendPush(frame)
	}
}
