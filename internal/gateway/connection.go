package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// conn is one WebSocket connection's state: negotiated protocol version,
// retry budget, the set of sessions this connection watches, and the
// stream-subscription unsubscribe functions registered against live
// entries (torn down on disconnect).
type conn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	logger *slog.Logger

	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	handshakeOnce sync.Once
	handshakeDone chan struct{}

	version    int
	retryCount int

	mu             sync.Mutex
	watchedSess    map[string]struct{}
	unsubscribe    map[string]func() // sessionID -> stream.Registry unsubscribe
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		id:            uuid.NewString(),
		server:        s,
		ws:            ws,
		logger:        s.Logger.With("conn_id", "pending"),
		send:          make(chan []byte, 256),
		ctx:           ctx,
		cancel:        cancel,
		handshakeDone: make(chan struct{}),
		watchedSess:   make(map[string]struct{}),
		unsubscribe:   make(map[string]func()),
	}
}

func (c *conn) run() {
	defer c.close()
	go c.writeLoop()
	go c.pingLoop()
	c.readLoop()
}

func (c *conn) close() {
	c.cancel()
	close(c.send)
	_ = c.ws.Close()

	c.mu.Lock()
	unsubs := make([]func(), 0, len(c.unsubscribe))
	for _, fn := range c.unsubscribe {
		unsubs = append(unsubs, fn)
	}
	c.unsubscribe = map[string]func(){}
	watched := c.watchedSess
	c.watchedSess = map[string]struct{}{}
	c.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	for sessionID := range watched {
		c.server.hub.unwatch(sessionID, c)
	}
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendResponse(0, false, nil, "invalid frame", 400)
			continue
		}
		if err := validateRequest(data, &req); err != nil {
			c.sendResponse(req.Seq, false, nil, err.Error(), 400)
			continue
		}

		if req.Type == "config.init" || req.Type == "config.retries" {
			c.handleHandshake(&req)
			continue
		}

		select {
		case <-c.handshakeDone:
		default:
			c.sendResponse(req.Seq, false, nil, "handshake required", 400)
			continue
		}

		c.dispatch(req)
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// pingLoop sends a ping every 30s; a missing pong leaves the read deadline
// unrenewed, so readLoop's next ReadMessage call times out and the
// connection closes.
func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

type handshakePayload struct {
	Version    int `json:"version"`
	RetryCount int `json:"retryCount"`
}

func (c *conn) handleHandshake(req *Request) {
	var p handshakePayload
	_ = json.Unmarshal(req.Payload, &p)

	c.handshakeOnce.Do(func() {
		c.version = p.Version
		if c.version <= 0 {
			c.version = ProtocolVersion
		}
		c.retryCount = p.RetryCount
		if c.retryCount < 0 {
			c.retryCount = 0
		}
		if c.retryCount > 10 {
			c.retryCount = 10
		}
		c.logger = c.server.Logger.With("conn_id", c.id)
		close(c.handshakeDone)
	})
	c.sendResponse(req.Seq, true, map[string]any{
		"version":  ProtocolVersion,
		"serverId": c.id,
	}, "", 0)
}

// dispatch routes req to its handler, applying the retry policy for
// retryable types and the per-request timeout.
func (c *conn) dispatch(req Request) {
	handler, ok := handlers[req.Type]
	if !ok {
		c.sendResponse(req.Seq, false, nil, fmt.Sprintf("unknown method %q", req.Type), 400)
		return
	}

	attempts := 1
	if retryableTypes[req.Type] {
		attempts = c.retryCount + 1
	}

	var lastErr error
	var data any
	for attempt := 0; attempt < attempts; attempt++ {
		ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
		data, lastErr = handler(ctx, c, req.Payload)
		cancel()
		if lastErr == nil {
			c.sendResponse(req.Seq, true, data, "", 0)
			return
		}
	}
	c.sendResponse(req.Seq, false, nil, lastErr.Error(), statusFor(lastErr))
}

func (c *conn) sendResponse(seq int64, ok bool, data any, errMsg string, status int) {
	if !ok && status == 0 {
		status = 500
	}
	c.enqueue(Response{Seq: seq, OK: ok, Data: data, Error: errMsg, Status: status})
}

func (c *conn) sendPush(frame PushFrame) {
	c.enqueue(frame)
}

func (c *conn) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("gateway: send buffer full, dropping frame")
	}
}

func (c *conn) watch(sessionID string) {
	c.mu.Lock()
	c.watchedSess[sessionID] = struct{}{}
	c.mu.Unlock()
	c.server.hub.watch(sessionID, c)
}

func (c *conn) unwatch(sessionID string) {
	c.mu.Lock()
	delete(c.watchedSess, sessionID)
	c.mu.Unlock()
	c.server.hub.unwatch(sessionID, c)
}

func (c *conn) setSubscription(sessionID string, unsub func()) {
	c.mu.Lock()
	if prior, ok := c.unsubscribe[sessionID]; ok {
		prior()
	}
	c.unsubscribe[sessionID] = unsub
	c.mu.Unlock()
}
