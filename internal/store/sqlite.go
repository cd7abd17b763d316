package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nexuscore/nexus/pkg/models"
)

// SQLiteStore is the embedded-mode Durable Store, used for single-user and
// development deployments that would rather not stand up Postgres. It
// implements the same Store interface as PostgresStore but trades the
// trigram/FTS search for SQLite's FTS5 virtual table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) the database file at path and
// applies the embedded schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time.
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		now := time.Now().UTC()
		sess.CreatedAt, sess.UpdatedAt = now, now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
		(id, title, model, channel, auto_approve, active_snapshot_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		sess.ID, sess.Title, sess.Model, sess.Channel, sess.AutoApprove, sess.ActiveSnapshotID, sess.CreatedAt, sess.UpdatedAt)
	return err
}

func (s *SQLiteStore) scanSessionRow(row *sql.Row) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.Title, &sess.Model, &sess.Channel, &sess.AutoApprove,
		&sess.CachedInputTokens, &sess.CachedOutputTokens, &sess.ActiveSnapshotID, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, model, channel, auto_approve,
		cached_input_tokens, cached_output_tokens, active_snapshot_id, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return s.scanSessionRow(row)
}

func (s *SQLiteStore) GetSessionByKey(ctx context.Context, channel, channelID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, model, channel, auto_approve,
		cached_input_tokens, cached_output_tokens, active_snapshot_id, created_at, updated_at
		FROM sessions WHERE channel = ? AND id = ?`, channel, channelID)
	return s.scanSessionRow(row)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title=?, model=?, channel=?, auto_approve=?,
		cached_input_tokens=?, cached_output_tokens=?, active_snapshot_id=?, updated_at=? WHERE id=?`,
		sess.Title, sess.Model, sess.Channel, sess.AutoApprove, sess.CachedInputTokens, sess.CachedOutputTokens,
		sess.ActiveSnapshotID, sess.UpdatedAt, sess.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM compaction_snapshots WHERE session_id = ?`, id)
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts SessionListOptions) ([]*models.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, model, channel, auto_approve,
		cached_input_tokens, cached_output_tokens, active_snapshot_id, created_at, updated_at
		FROM sessions WHERE (? = '' OR channel = ?) ORDER BY created_at ASC LIMIT ? OFFSET ?`,
		opts.Channel, opts.Channel, limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.Model, &sess.Channel, &sess.AutoApprove,
			&sess.CachedInputTokens, &sess.CachedOutputTokens, &sess.ActiveSnapshotID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	images, _ := json.Marshal(msg.Images)
	toolCalls, _ := json.Marshal(msg.ToolCalls)
	toolResults, _ := json.Marshal(msg.ToolResults)
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (id, session_id, role, content, images, tool_calls,
		tool_results, approval, debug_request, debug_response, estimated_tokens, raw_token_count, snapshot_id,
		verbatim_count, created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, string(images), string(toolCalls), string(toolResults),
		string(msg.Approval), string(msg.DebugRequest), string(msg.DebugResponse), msg.EstimatedTokens,
		msg.RawTokenCount, msg.SnapshotID, msg.VerbatimCount, msg.CreatedAt)
	if err == nil {
		_, _ = s.db.ExecContext(ctx, `INSERT INTO messages_fts (rowid, content) SELECT rowid, content FROM messages WHERE id = ?`, msg.ID)
	}
	return err
}

// UpdateMessage does not touch messages_fts: every call site updates token
// bookkeeping, never content, so the FTS shadow table populated at
// AppendMessage time stays valid.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	images, _ := json.Marshal(msg.Images)
	toolCalls, _ := json.Marshal(msg.ToolCalls)
	toolResults, _ := json.Marshal(msg.ToolResults)
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content=?, images=?, tool_calls=?, tool_results=?,
		approval=?, debug_request=?, debug_response=?, estimated_tokens=?, raw_token_count=? WHERE id=?`,
		msg.Content, string(images), string(toolCalls), string(toolResults), string(msg.Approval),
		string(msg.DebugRequest), string(msg.DebugResponse), msg.EstimatedTokens, msg.RawTokenCount, msg.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func sqliteScanMessage(scan func(dest ...any) error) (*models.Message, error) {
	var msg models.Message
	var images, toolCalls, toolResults, debugReq, debugResp string
	var approval string
	err := scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &images, &toolCalls, &toolResults,
		&approval, &debugReq, &debugResp, &msg.EstimatedTokens, &msg.RawTokenCount, &msg.SnapshotID,
		&msg.VerbatimCount, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg.Approval = models.ApprovalStatus(approval)
	if debugReq != "" {
		msg.DebugRequest = json.RawMessage(debugReq)
	}
	if debugResp != "" {
		msg.DebugResponse = json.RawMessage(debugResp)
	}
	if images != "" {
		_ = json.Unmarshal([]byte(images), &msg.Images)
	}
	if toolCalls != "" {
		_ = json.Unmarshal([]byte(toolCalls), &msg.ToolCalls)
	}
	if toolResults != "" {
		_ = json.Unmarshal([]byte(toolResults), &msg.ToolResults)
	}
	return &msg, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, role, content, images, tool_calls, tool_results,
		approval, debug_request, debug_response, estimated_tokens, raw_token_count, snapshot_id, verbatim_count, created_at
		FROM messages WHERE id = ?`, id)
	return sqliteScanMessage(row.Scan)
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, opts MessageListOptions) ([]*models.Message, error) {
	noFilter := opts.Before.IsZero()
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, role, content, images, tool_calls, tool_results,
		approval, debug_request, debug_response, estimated_tokens, raw_token_count, snapshot_id, verbatim_count, created_at
		FROM messages WHERE session_id = ? AND (? OR created_at < ?) ORDER BY created_at ASC`,
		sessionID, noFilter, opts.Before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		msg, err := sqliteScanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

func (s *SQLiteStore) SetApproval(ctx context.Context, messageID string, expected, next models.ApprovalStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET approval = ? WHERE id = ? AND approval = ?`,
		string(next), messageID, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SearchMessages uses SQLite's FTS5 shadow table populated alongside
// AppendMessage, ranked by bm25.
func (s *SQLiteStore) SearchMessages(ctx context.Context, sessionID, query string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT m.id, m.session_id, m.role, m.content, m.images, m.tool_calls,
		m.tool_results, m.approval, m.debug_request, m.debug_response, m.estimated_tokens, m.raw_token_count,
		m.snapshot_id, m.verbatim_count, m.created_at
		FROM messages_fts f JOIN messages m ON m.rowid = f.rowid
		WHERE f.content MATCH ? AND m.session_id = ? ORDER BY bm25(f) LIMIT ?`, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		msg, err := sqliteScanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *models.CompactionSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	ids, _ := json.Marshal(snap.VerbatimMessageIDs)
	_, err := s.db.ExecContext(ctx, `INSERT INTO compaction_snapshots (id, session_id, summary, summary_tokens,
		verbatim_message_ids, verbatim_tokens, trigger_tokens, model, created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		snap.ID, snap.SessionID, snap.Summary, snap.SummaryTokens, string(ids), snap.VerbatimTokens,
		snap.TriggerTokens, snap.Model, snap.CreatedAt)
	return err
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*models.CompactionSnapshot, error) {
	var snap models.CompactionSnapshot
	var ids string
	err := s.db.QueryRowContext(ctx, `SELECT id, session_id, summary, summary_tokens, verbatim_message_ids,
		verbatim_tokens, trigger_tokens, model, created_at FROM compaction_snapshots WHERE id = ?`, id).
		Scan(&snap.ID, &snap.SessionID, &snap.Summary, &snap.SummaryTokens, &ids, &snap.VerbatimTokens,
			&snap.TriggerTokens, &snap.Model, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ids != "" {
		_ = json.Unmarshal([]byte(ids), &snap.VerbatimMessageIDs)
	}
	return &snap, nil
}

func (s *SQLiteStore) CreateMemory(ctx context.Context, m *models.Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	tags, _ := json.Marshal(m.Tags)
	_, err := s.db.ExecContext(ctx, `INSERT INTO memories (id, session_id, content, tags, created_at, updated_at)
		VALUES (?,?,?,?,?,?)`, m.ID, m.SessionID, m.Content, string(tags), m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	var m models.Memory
	var tags string
	err := s.db.QueryRowContext(ctx, `SELECT id, session_id, content, tags, created_at, updated_at
		FROM memories WHERE id = ?`, id).Scan(&m.ID, &m.SessionID, &m.Content, &tags, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if tags != "" {
		_ = json.Unmarshal([]byte(tags), &m.Tags)
	}
	return &m, nil
}

func (s *SQLiteStore) ListMemories(ctx context.Context, sessionID string) ([]*models.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, content, tags, created_at, updated_at
		FROM memories WHERE (? = '' OR session_id = ?) ORDER BY created_at ASC`, sessionID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Memory
	for rows.Next() {
		var m models.Memory
		var tags string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Content, &tags, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if tags != "" {
			_ = json.Unmarshal([]byte(tags), &m.Tags)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return value, err == nil, err
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *SQLiteStore) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	auto_approve INTEGER NOT NULL DEFAULT 0,
	cached_input_tokens INTEGER NOT NULL DEFAULT 0,
	cached_output_tokens INTEGER NOT NULL DEFAULT 0,
	active_snapshot_id TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	images TEXT,
	tool_calls TEXT,
	tool_results TEXT,
	approval TEXT NOT NULL DEFAULT '',
	debug_request TEXT,
	debug_response TEXT,
	estimated_tokens INTEGER NOT NULL DEFAULT 0,
	raw_token_count INTEGER NOT NULL DEFAULT 0,
	snapshot_id TEXT,
	verbatim_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sqlite_messages_session ON messages (session_id, created_at);
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(content, content='messages', content_rowid='rowid');

CREATE TABLE IF NOT EXISTS compaction_snapshots (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	summary TEXT NOT NULL,
	summary_tokens INTEGER NOT NULL DEFAULT 0,
	verbatim_message_ids TEXT,
	verbatim_tokens INTEGER NOT NULL DEFAULT 0,
	trigger_tokens INTEGER NOT NULL DEFAULT 0,
	model TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	content TEXT NOT NULL,
	tags TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
