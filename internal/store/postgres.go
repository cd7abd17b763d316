package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/nexuscore/nexus/pkg/models"
)

// PostgresConfig mirrors the teacher's CockroachConfig shape, trimmed to
// what this store needs: a DSN-capable connection plus pool sizing.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns sane pool defaults for a single-node
// gateway process.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// PostgresStore is the Durable Store backed by Postgres/CockroachDB. It
// favors prepared statements for every hot path, the way the teacher's
// session store does.
type PostgresStore struct {
	db *sql.DB

	stmtCreateSession   *sql.Stmt
	stmtGetSession      *sql.Stmt
	stmtGetSessionByKey *sql.Stmt
	stmtUpdateSession   *sql.Stmt
	stmtDeleteSession   *sql.Stmt
	stmtListSessions    *sql.Stmt

	stmtAppendMessage *sql.Stmt
	stmtGetMessage    *sql.Stmt
	stmtUpdateMessage *sql.Stmt
	stmtListMessages  *sql.Stmt
	stmtSetApproval   *sql.Stmt

	stmtCreateSnapshot *sql.Stmt
	stmtGetSnapshot    *sql.Stmt

	stmtCreateMemory  *sql.Stmt
	stmtGetMemory     *sql.Stmt
	stmtListMemories  *sql.Stmt
	stmtDeleteMemory  *sql.Stmt

	stmtGetSetting   *sql.Stmt
	stmtSetSetting   *sql.Stmt
	stmtListSettings *sql.Stmt
}

// NewPostgresStore opens db, configures the pool, pings, runs the embedded
// schema, and prepares every statement up front.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error
	prep := func(dst **sql.Stmt, query string) {
		if err != nil {
			return
		}
		*dst, err = s.db.Prepare(query)
	}

	prep(&s.stmtCreateSession, `INSERT INTO sessions (id, title, model, channel, auto_approve, active_snapshot_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`)
	prep(&s.stmtGetSession, `SELECT id, title, model, channel, auto_approve, cached_input_tokens, cached_output_tokens, active_snapshot_id, created_at, updated_at
		FROM sessions WHERE id = $1`)
	prep(&s.stmtGetSessionByKey, `SELECT id, title, model, channel, auto_approve, cached_input_tokens, cached_output_tokens, active_snapshot_id, created_at, updated_at
		FROM sessions WHERE channel = $1 AND id = $2`)
	prep(&s.stmtUpdateSession, `UPDATE sessions SET title=$2, model=$3, channel=$4, auto_approve=$5,
		cached_input_tokens=$6, cached_output_tokens=$7, active_snapshot_id=$8, updated_at=$9 WHERE id=$1`)
	prep(&s.stmtDeleteSession, `DELETE FROM sessions WHERE id = $1`)
	prep(&s.stmtListSessions, `SELECT id, title, model, channel, auto_approve, cached_input_tokens, cached_output_tokens, active_snapshot_id, created_at, updated_at
		FROM sessions WHERE ($1 = '' OR channel = $1) ORDER BY created_at ASC LIMIT $2 OFFSET $3`)

	prep(&s.stmtAppendMessage, `INSERT INTO messages (id, session_id, role, content, images, tool_calls, tool_results,
		approval, debug_request, debug_response, estimated_tokens, raw_token_count, snapshot_id, verbatim_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`)
	prep(&s.stmtGetMessage, `SELECT id, session_id, role, content, images, tool_calls, tool_results, approval,
		debug_request, debug_response, estimated_tokens, raw_token_count, snapshot_id, verbatim_count, created_at
		FROM messages WHERE id = $1`)
	prep(&s.stmtUpdateMessage, `UPDATE messages SET content=$2, images=$3, tool_calls=$4, tool_results=$5,
		approval=$6, debug_request=$7, debug_response=$8, estimated_tokens=$9, raw_token_count=$10 WHERE id=$1`)
	prep(&s.stmtListMessages, `SELECT id, session_id, role, content, images, tool_calls, tool_results, approval,
		debug_request, debug_response, estimated_tokens, raw_token_count, snapshot_id, verbatim_count, created_at
		FROM messages WHERE session_id = $1 AND ($2 = TRUE OR created_at < $3) ORDER BY created_at ASC`)
	prep(&s.stmtSetApproval, `UPDATE messages SET approval = $3 WHERE id = $1 AND approval = $2`)

	prep(&s.stmtCreateSnapshot, `INSERT INTO compaction_snapshots (id, session_id, summary, summary_tokens,
		verbatim_message_ids, verbatim_tokens, trigger_tokens, model, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`)
	prep(&s.stmtGetSnapshot, `SELECT id, session_id, summary, summary_tokens, verbatim_message_ids, verbatim_tokens,
		trigger_tokens, model, created_at FROM compaction_snapshots WHERE id = $1`)

	prep(&s.stmtCreateMemory, `INSERT INTO memories (id, session_id, content, tags, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`)
	prep(&s.stmtGetMemory, `SELECT id, session_id, content, tags, created_at, updated_at FROM memories WHERE id = $1`)
	prep(&s.stmtListMemories, `SELECT id, session_id, content, tags, created_at, updated_at FROM memories
		WHERE ($1 = '' OR session_id = $1) ORDER BY created_at ASC`)
	prep(&s.stmtDeleteMemory, `DELETE FROM memories WHERE id = $1`)

	prep(&s.stmtGetSetting, `SELECT value FROM settings WHERE key = $1`)
	prep(&s.stmtSetSetting, `INSERT INTO settings (key, value) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`)
	prep(&s.stmtListSettings, `SELECT key, value FROM settings`)

	return err
}

// DB exposes the underlying pool for components (search.go) that need
// queries outside the prepared-statement set.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := sess.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
		sess.CreatedAt = now
		sess.UpdatedAt = now
	}
	_, err := s.stmtCreateSession.ExecContext(ctx, sess.ID, sess.Title, sess.Model, sess.Channel,
		sess.AutoApprove, nullString(sess.ActiveSnapshotID), sess.CreatedAt, sess.UpdatedAt)
	return err
}

func (s *PostgresStore) scanSession(row *sql.Row) (*models.Session, error) {
	var sess models.Session
	var activeSnapshot sql.NullString
	err := row.Scan(&sess.ID, &sess.Title, &sess.Model, &sess.Channel, &sess.AutoApprove,
		&sess.CachedInputTokens, &sess.CachedOutputTokens, &activeSnapshot, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.ActiveSnapshotID = activeSnapshot.String
	return &sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.scanSession(s.stmtGetSession.QueryRowContext(ctx, id))
}

func (s *PostgresStore) GetSessionByKey(ctx context.Context, channel, channelID string) (*models.Session, error) {
	return s.scanSession(s.stmtGetSessionByKey.QueryRowContext(ctx, channel, channelID))
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.stmtUpdateSession.ExecContext(ctx, sess.ID, sess.Title, sess.Model, sess.Channel,
		sess.AutoApprove, sess.CachedInputTokens, sess.CachedOutputTokens, nullString(sess.ActiveSnapshotID), sess.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.stmtDeleteSession.ExecContext(ctx, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, opts SessionListOptions) ([]*models.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.stmtListSessions.QueryContext(ctx, opts.Channel, limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var sess models.Session
		var activeSnapshot sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.Model, &sess.Channel, &sess.AutoApprove,
			&sess.CachedInputTokens, &sess.CachedOutputTokens, &activeSnapshot, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.ActiveSnapshotID = activeSnapshot.String
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	images, err := json.Marshal(msg.Images)
	if err != nil {
		return err
	}
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return err
	}
	toolResults, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return err
	}
	_, err = s.stmtAppendMessage.ExecContext(ctx, msg.ID, msg.SessionID, msg.Role, msg.Content,
		images, toolCalls, toolResults, string(msg.Approval), nullBytes(msg.DebugRequest), nullBytes(msg.DebugResponse),
		msg.EstimatedTokens, msg.RawTokenCount, nullString(msg.SnapshotID), msg.VerbatimCount, msg.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	images, err := json.Marshal(msg.Images)
	if err != nil {
		return err
	}
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return err
	}
	toolResults, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return err
	}
	res, err := s.stmtUpdateMessage.ExecContext(ctx, msg.ID, msg.Content, images, toolCalls, toolResults,
		string(msg.Approval), nullBytes(msg.DebugRequest), nullBytes(msg.DebugResponse), msg.EstimatedTokens, msg.RawTokenCount)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(scan func(dest ...any) error) (*models.Message, error) {
	var msg models.Message
	var images, toolCalls, toolResults []byte
	var approval string
	var debugReq, debugResp sql.NullString
	var snapshotID sql.NullString
	err := scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &images, &toolCalls, &toolResults,
		&approval, &debugReq, &debugResp, &msg.EstimatedTokens, &msg.RawTokenCount, &snapshotID, &msg.VerbatimCount, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg.Approval = models.ApprovalStatus(approval)
	msg.SnapshotID = snapshotID.String
	if debugReq.Valid {
		msg.DebugRequest = json.RawMessage(debugReq.String)
	}
	if debugResp.Valid {
		msg.DebugResponse = json.RawMessage(debugResp.String)
	}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &msg.Images); err != nil {
			return nil, err
		}
	}
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
			return nil, err
		}
	}
	if len(toolResults) > 0 {
		if err := json.Unmarshal(toolResults, &msg.ToolResults); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.stmtGetMessage.QueryRowContext(ctx, id)
	return scanMessage(row.Scan)
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, opts MessageListOptions) ([]*models.Message, error) {
	noFilter := opts.Before.IsZero()
	rows, err := s.stmtListMessages.QueryContext(ctx, sessionID, noFilter, opts.Before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
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

// SetApproval is the CAS transition: RowsAffected()>0 after an UPDATE
// guarded by the expected approval value tells the caller whether its
// transition actually won the race.
func (s *PostgresStore) SetApproval(ctx context.Context, messageID string, expected, next models.ApprovalStatus) (bool, error) {
	res, err := s.stmtSetApproval.ExecContext(ctx, messageID, string(expected), string(next))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *models.CompactionSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	ids, err := json.Marshal(snap.VerbatimMessageIDs)
	if err != nil {
		return err
	}
	_, err = s.stmtCreateSnapshot.ExecContext(ctx, snap.ID, snap.SessionID, snap.Summary, snap.SummaryTokens,
		ids, snap.VerbatimTokens, snap.TriggerTokens, snap.Model, snap.CreatedAt)
	return err
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (*models.CompactionSnapshot, error) {
	var snap models.CompactionSnapshot
	var ids []byte
	err := s.stmtGetSnapshot.QueryRowContext(ctx, id).Scan(&snap.ID, &snap.SessionID, &snap.Summary,
		&snap.SummaryTokens, &ids, &snap.VerbatimTokens, &snap.TriggerTokens, &snap.Model, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if err := json.Unmarshal(ids, &snap.VerbatimMessageIDs); err != nil {
			return nil, err
		}
	}
	return &snap, nil
}

func (s *PostgresStore) CreateMemory(ctx context.Context, m *models.Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return err
	}
	_, err = s.stmtCreateMemory.ExecContext(ctx, m.ID, nullString(m.SessionID), m.Content, tags, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *PostgresStore) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	var m models.Memory
	var sessionID sql.NullString
	var tags []byte
	err := s.stmtGetMemory.QueryRowContext(ctx, id).Scan(&m.ID, &sessionID, &m.Content, &tags, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.SessionID = sessionID.String
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &m.Tags); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (s *PostgresStore) ListMemories(ctx context.Context, sessionID string) ([]*models.Memory, error) {
	rows, err := s.stmtListMemories.QueryContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Memory
	for rows.Next() {
		var m models.Memory
		var sid sql.NullString
		var tags []byte
		if err := rows.Scan(&m.ID, &sid, &m.Content, &tags, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.SessionID = sid.String
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &m.Tags); err != nil {
				return nil, err
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.stmtDeleteMemory.ExecContext(ctx, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.stmtGetSetting.QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.stmtSetSetting.ExecContext(ctx, key, value)
	return err
}

func (s *PostgresStore) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.stmtListSettings.QueryContext(ctx)
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

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// schemaSQL is applied idempotently on every NewPostgresStore call so a
// fresh database is usable without a separate migration step.
const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	auto_approve BOOLEAN NOT NULL DEFAULT FALSE,
	cached_input_tokens INTEGER NOT NULL DEFAULT 0,
	cached_output_tokens INTEGER NOT NULL DEFAULT 0,
	active_snapshot_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions (channel);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	images JSONB,
	tool_calls JSONB,
	tool_results JSONB,
	approval TEXT NOT NULL DEFAULT '',
	debug_request TEXT,
	debug_response TEXT,
	estimated_tokens INTEGER NOT NULL DEFAULT 0,
	raw_token_count INTEGER NOT NULL DEFAULT 0,
	snapshot_id TEXT,
	verbatim_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages (session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_content_trgm ON messages USING gin (content gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_messages_content_fts ON messages USING gin (to_tsvector('english', content));

CREATE TABLE IF NOT EXISTS compaction_snapshots (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	summary TEXT NOT NULL,
	summary_tokens INTEGER NOT NULL DEFAULT 0,
	verbatim_message_ids JSONB,
	verbatim_tokens INTEGER NOT NULL DEFAULT 0,
	trigger_tokens INTEGER NOT NULL DEFAULT 0,
	model TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	content TEXT NOT NULL,
	tags JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
