package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	imodels "github.com/nexuscore/nexus/internal/models"
	"github.com/nexuscore/nexus/internal/store"
	"github.com/nexuscore/nexus/internal/stream"
	"github.com/nexuscore/nexus/pkg/models"
)

// handlerFunc implements one gateway request type. It returns the response
// data on success, or an error (optionally a *statusError to control the
// response status code) on failure.
type handlerFunc func(ctx context.Context, c *conn, payload json.RawMessage) (any, error)

var handlers = map[string]handlerFunc{
	"sessions.list":        handleSessionsList,
	"sessions.get":         handleSessionsGet,
	"sessions.create":      handleSessionsCreate,
	"sessions.update":      handleSessionsUpdate,
	"sessions.delete":      handleSessionsDelete,
	"sessions.watch":       handleSessionsWatch,
	"sessions.unwatch":     handleSessionsUnwatch,
	"sessions.compact":     handleSessionsCompact,
	"sessions.switchModel": handleSessionsSwitchModel,

	"messages.list":      handleMessagesList,
	"messages.create":    handleMessagesCreate,
	"messages.update":    handleMessagesUpdate,
	"messages.approve":   handleMessagesApprove,
	"messages.deny":      handleMessagesDeny,
	"messages.interrupt": handleMessagesInterrupt,

	"chat.stream":    handleChatStream,
	"chat.subscribe": handleChatSubscribe,

	"memories.list":   handleMemoriesList,
	"memories.add":    handleMemoriesAdd,
	"memories.search": handleMemoriesSearch,
	"memories.delete": handleMemoriesDelete,

	"settings.get":    handleSettingsGet,
	"settings.update": handleSettingsUpdate,

	"models.list": handleModelsList,
	"tools.list":  handleToolsList,

	"chat.tools.validate": handleToolsValidate,
	"chat.tools.execute":  handleToolsExecute,
}

// statusError lets a handler pick the response status code a plain error
// would otherwise default to 500 for (e.g. 404 for not-found, 409 for a
// failed CAS).
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func withStatus(status int, err error) error {
	return &statusError{status: status, err: err}
}

func statusFor(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.status
	}
	if errors.Is(err, store.ErrNotFound) {
		return 404
	}
	return 500
}

// --- sessions.* ---

type sessionsListParams struct {
	Channel string `json:"channel"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
}

func handleSessionsList(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionsListParams
	_ = json.Unmarshal(payload, &p)
	opts := store.SessionListOptions{Channel: p.Channel, Limit: p.Limit, Offset: p.Offset}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	sessions, err := c.server.Store.ListSessions(ctx, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions}, nil
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

func handleSessionsGet(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionIDParams
	_ = json.Unmarshal(payload, &p)
	sess, err := c.server.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

type sessionsCreateParams struct {
	Title       string `json:"title"`
	Model       string `json:"model"`
	Channel     string `json:"channel"`
	AutoApprove bool   `json:"autoApprove"`
}

func handleSessionsCreate(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionsCreateParams
	_ = json.Unmarshal(payload, &p)

	model := p.Model
	if model == "" {
		if v, err := c.server.Settings.Get(ctx, "default_model"); err == nil {
			model = v
		}
	}
	now := time.Now()
	sess := &models.Session{
		ID:          uuid.NewString(),
		Title:       p.Title,
		Model:       model,
		Channel:     p.Channel,
		AutoApprove: p.AutoApprove,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.server.Store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	c.server.Push("", models.Event{Type: models.EventSessionCreated, Session: &models.SessionPayload{Session: sess}})
	return sess, nil
}

type sessionsUpdateParams struct {
	SessionID   string  `json:"sessionId"`
	Title       *string `json:"title"`
	AutoApprove *bool   `json:"autoApprove"`
}

func handleSessionsUpdate(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionsUpdateParams
	_ = json.Unmarshal(payload, &p)
	sess, err := c.server.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if p.Title != nil {
		sess.Title = *p.Title
	}
	if p.AutoApprove != nil {
		sess.AutoApprove = *p.AutoApprove
	}
	sess.UpdatedAt = time.Now()
	if err := c.server.Store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	c.server.Push(sess.ID, models.Event{Type: models.EventSessionUpdated, Session: &models.SessionPayload{Session: sess}})
	c.server.Push("", models.Event{Type: models.EventSessionUpdated, Session: &models.SessionPayload{Session: sess}})
	return sess, nil
}

func handleSessionsDelete(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionIDParams
	_ = json.Unmarshal(payload, &p)
	if err := c.server.Store.DeleteSession(ctx, p.SessionID); err != nil {
		return nil, err
	}
	if c.server.Files != nil {
		_ = c.server.Files.DeleteSession(ctx, p.SessionID)
	}
	c.server.Registry.Remove(p.SessionID)
	c.server.Push("", models.Event{Type: models.EventSessionDeleted, SessionID: p.SessionID})
	return map[string]any{"deleted": true}, nil
}

func handleSessionsWatch(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionIDParams
	_ = json.Unmarshal(payload, &p)
	if p.SessionID == "" {
		return nil, fmt.Errorf("gateway: sessionId is required")
	}
	c.watch(p.SessionID)
	return map[string]any{"watching": p.SessionID}, nil
}

func handleSessionsUnwatch(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionIDParams
	_ = json.Unmarshal(payload, &p)
	c.unwatch(p.SessionID)
	return map[string]any{"watching": false}, nil
}

func handleSessionsCompact(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionIDParams
	_ = json.Unmarshal(payload, &p)
	snap, err := c.server.Compactor.Run(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

type sessionsSwitchModelParams struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

func handleSessionsSwitchModel(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionsSwitchModelParams
	_ = json.Unmarshal(payload, &p)
	sess, err := c.server.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	sess.Model = p.Model
	sess.UpdatedAt = time.Now()
	if err := c.server.Store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	c.server.Push(sess.ID, models.Event{Type: models.EventSessionUpdated, Session: &models.SessionPayload{Session: sess}})
	return sess, nil
}

// --- messages.* ---

type messagesListParams struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
}

func handleMessagesList(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p messagesListParams
	_ = json.Unmarshal(payload, &p)
	limit := p.Limit
	if limit <= 0 {
		if v, err := c.server.Settings.Get(ctx, "messages_page_size"); err == nil {
			fmt.Sscanf(v, "%d", &limit)
		}
	}
	if limit <= 0 {
		limit = 50
	}
	msgs, err := c.server.Store.ListMessages(ctx, p.SessionID, store.MessageListOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}

type attachmentParam struct {
	Filename      string `json:"filename"`
	MediaType     string `json:"mediaType"`
	ContentBase64 string `json:"contentBase64"`
}

type messagesCreateParams struct {
	SessionID   string            `json:"sessionId"`
	Content     string            `json:"content"`
	Attachments []attachmentParam `json:"attachments"`
}

func handleMessagesCreate(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p messagesCreateParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	var images []models.ImageRef
	if c.server.Files != nil {
		for _, a := range p.Attachments {
			raw, err := base64.StdEncoding.DecodeString(a.ContentBase64)
			if err != nil {
				return nil, fmt.Errorf("gateway: invalid attachment content: %w", err)
			}
			att, err := c.server.Files.Put(ctx, p.SessionID, a.Filename, a.MediaType, raw)
			if err != nil {
				return nil, err
			}
			images = append(images, models.ImageRef{FileID: att.Hash, MimeType: att.MediaType})
		}
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: p.SessionID,
		Role:      models.RoleUser,
		Content:   p.Content,
		Images:    images,
		CreatedAt: time.Now(),
	}
	if err := c.server.Store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	c.server.Push(p.SessionID, models.Event{Type: models.EventNewMessage, Message: &models.MessagePayload{Message: msg}})
	return msg, nil
}

type messagesUpdateParams struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

func handleMessagesUpdate(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p messagesUpdateParams
	_ = json.Unmarshal(payload, &p)
	msg, err := c.server.Store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return nil, err
	}
	msg.Content = p.Content
	if err := c.server.Store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	c.server.Push(msg.SessionID, models.Event{Type: models.EventNewMessage, Message: &models.MessagePayload{Message: msg}})
	return msg, nil
}

type messageActionParams struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

func handleMessagesApprove(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p messageActionParams
	_ = json.Unmarshal(payload, &p)
	if err := c.server.Loop.Approve(ctx, p.SessionID, p.MessageID); err != nil {
		return nil, withStatus(409, err)
	}
	c.server.Push(p.SessionID, models.Event{Type: models.EventApprovalChanged, Approval: &models.ApprovalPayload{MessageID: p.MessageID, Status: models.ApprovalApproved}})
	return map[string]any{"approved": true}, nil
}

func handleMessagesDeny(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p messageActionParams
	_ = json.Unmarshal(payload, &p)
	if err := c.server.Loop.Deny(ctx, p.SessionID, p.MessageID); err != nil {
		return nil, withStatus(409, err)
	}
	c.server.Push(p.SessionID, models.Event{Type: models.EventApprovalChanged, Approval: &models.ApprovalPayload{MessageID: p.MessageID, Status: models.ApprovalDenied}})
	return map[string]any{"denied": true}, nil
}

func handleMessagesInterrupt(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionIDParams
	_ = json.Unmarshal(payload, &p)
	c.server.Loop.Abort(ctx, p.SessionID)
	return map[string]any{"interrupted": true}, nil
}

// --- chat.* ---

func handleChatStream(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionIDParams
	_ = json.Unmarshal(payload, &p)
	if err := c.server.Loop.Start(ctx, p.SessionID); err != nil {
		return nil, err
	}
	subscribeConnToEntry(c, p.SessionID)
	return map[string]any{"streaming": true}, nil
}

func handleChatSubscribe(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionIDParams
	_ = json.Unmarshal(payload, &p)
	entry, ok := c.server.Registry.Get(p.SessionID)
	if !ok {
		return map[string]any{"subscribed": false}, nil
	}
	snap := entry.Snapshot()
	c.sendPush(newPushFrame(p.SessionID, models.Event{Type: models.EventSnapshot, Snapshot: &snap}))
	subscribeConnToEntry(c, p.SessionID)
	return map[string]any{"subscribed": true}, nil
}

// subscribeConnToEntry bridges a Stream Entry's ordered event fan-out (only
// reachable while the entry exists) to the connection's push channel,
// delivering token/tool_call/usage/debug/done/error/tool_result events for
// the live turn. Reconnect scenario 6 is handled by handleChatSubscribe's
// leading snapshot push above.
func subscribeConnToEntry(c *conn, sessionID string) {
	unsub, ok := c.server.Registry.Subscribe(sessionID, func(ev models.Event) {
		c.sendPush(newPushFrame(sessionID, ev))
	})
	if ok {
		c.setSubscription(sessionID, unsub)
	}
}

// --- memories.* ---

func handleMemoriesList(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p sessionIDParams
	_ = json.Unmarshal(payload, &p)
	mems, err := c.server.Memory.List(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"memories": mems}, nil
}

type memoriesAddParams struct {
	SessionID string   `json:"sessionId"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags"`
}

func handleMemoriesAdd(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p memoriesAddParams
	_ = json.Unmarshal(payload, &p)
	mem, err := c.server.Memory.Add(ctx, p.SessionID, p.Content, p.Tags)
	if err != nil {
		return nil, err
	}
	return mem, nil
}

type memoriesSearchParams struct {
	SessionID string `json:"sessionId"`
	Query     string `json:"query"`
}

func handleMemoriesSearch(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p memoriesSearchParams
	_ = json.Unmarshal(payload, &p)
	mems, err := c.server.Memory.Search(ctx, p.SessionID, p.Query)
	if err != nil {
		return nil, err
	}
	return map[string]any{"memories": mems}, nil
}

type memoriesDeleteParams struct {
	SessionID string `json:"sessionId"`
	MemoryID  string `json:"memoryId"`
}

func handleMemoriesDelete(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p memoriesDeleteParams
	_ = json.Unmarshal(payload, &p)
	if err := c.server.Memory.Delete(ctx, p.SessionID, p.MemoryID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

// --- settings.* ---

func handleSettingsGet(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	all, err := c.server.Settings.All(ctx)
	if err != nil {
		return nil, err
	}
	return all, nil
}

type settingsUpdateParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func handleSettingsUpdate(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p settingsUpdateParams
	_ = json.Unmarshal(payload, &p)
	if err := c.server.Settings.Update(ctx, p.Key, p.Value); err != nil {
		return nil, withStatus(400, err)
	}
	return map[string]any{"updated": true}, nil
}

// --- models.list / tools.list ---

type modelsListParams struct {
	Provider string `json:"provider"`
}

func handleModelsList(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p modelsListParams
	_ = json.Unmarshal(payload, &p)
	var filter *imodels.Filter
	if p.Provider != "" {
		filter = &imodels.Filter{Provider: imodels.Provider(p.Provider)}
	}
	var list []*imodels.Model
	if c.server.Catalog != nil {
		list = c.server.Catalog.List(filter)
	} else {
		list = imodels.List(filter)
	}
	return map[string]any{"models": list}, nil
}

func handleToolsList(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	return map[string]any{"tools": c.server.Executor.Tools()}, nil
}

type toolsValidateParams struct {
	Name string `json:"name"`
}

func handleToolsValidate(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p toolsValidateParams
	_ = json.Unmarshal(payload, &p)
	for _, t := range c.server.Executor.Tools() {
		if t.Name == p.Name {
			return map[string]any{"valid": true}, nil
		}
	}
	return map[string]any{"valid": false}, nil
}

type toolsExecuteParams struct {
	SessionID string          `json:"sessionId"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func handleToolsExecute(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	var p toolsExecuteParams
	_ = json.Unmarshal(payload, &p)
	res := c.server.Executor.ExecuteInSession(stream.WithSessionContext(ctx, p.SessionID), p.SessionID, models.ToolCall{
		ID:        uuid.NewString(),
		Name:      p.Name,
		Arguments: p.Arguments,
	})
	return res, nil
}
