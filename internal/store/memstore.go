package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nexuscore/nexus/pkg/models"
)

// MemStore is an in-memory Store, used by tests and by single-node
// deployments that accept losing history on restart. Every read and write
// clones through models' Clone helpers so callers never share mutable state
// with the store's internal records.
type MemStore struct {
	mu sync.Mutex

	sessions   map[string]*models.Session
	byKey      map[string]string // SessionKey -> session ID
	messages   map[string][]*models.Message
	snapshots  map[string]*models.CompactionSnapshot
	memories   map[string]*models.Memory
	settings   map[string]string
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:  make(map[string]*models.Session),
		byKey:     make(map[string]string),
		messages:  make(map[string][]*models.Message),
		snapshots: make(map[string]*models.CompactionSnapshot),
		memories:  make(map[string]*models.Memory),
		settings:  make(map[string]string),
	}
}

func (s *MemStore) CreateSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	s.sessions[sess.ID] = sess.Clone()
	if key := SessionKey(sess.Channel, sess.ID); key != "" {
		s.byKey[key] = sess.ID
	}
	return nil
}

func (s *MemStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemStore) GetSessionByKey(ctx context.Context, channel, channelID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[SessionKey(channel, channelID)]
	if !ok {
		return nil, ErrNotFound
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrNotFound
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *MemStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	for k, v := range s.byKey {
		if v == id {
			delete(s.byKey, k)
		}
	}
	for mid, m := range s.memories {
		if m.SessionID == id {
			delete(s.memories, mid)
		}
	}
	for sid, snap := range s.snapshots {
		if snap.SessionID == id {
			delete(s.snapshots, sid)
		}
	}
	return nil
}

func (s *MemStore) ListSessions(ctx context.Context, opts SessionListOptions) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if opts.Channel != "" && sess.Channel != opts.Channel {
			continue
		}
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if opts.Offset > 0 && opts.Offset < len(out) {
		out = out[opts.Offset:]
	} else if opts.Offset >= len(out) {
		out = nil
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg.Clone())
	return nil
}

func (s *MemStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.messages {
		for _, m := range list {
			if m.ID == id {
				return m.Clone(), nil
			}
		}
	}
	return nil, ErrNotFound
}

// UpdateMessage replaces the stored message sharing msg.ID with a clone of
// msg, preserving its position in the session's message list.
func (s *MemStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[msg.SessionID]
	for i, m := range list {
		if m.ID == msg.ID {
			list[i] = msg.Clone()
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemStore) ListMessages(ctx context.Context, sessionID string, opts MessageListOptions) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[sessionID]
	out := make([]*models.Message, 0, len(list))
	for _, m := range list {
		if !opts.Before.IsZero() && !m.CreatedAt.Before(opts.Before) {
			continue
		}
		out = append(out, m.Clone())
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

// SetApproval performs the CAS transition: it mutates the stored message's
// Approval field only if it currently equals expected, returning whether the
// swap took effect. This is the in-memory analogue of the SQL backends'
// UPDATE ... WHERE approval = $expected / RowsAffected()>0 check.
func (s *MemStore) SetApproval(ctx context.Context, messageID string, expected, next models.ApprovalStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.messages {
		for _, m := range list {
			if m.ID != messageID {
				continue
			}
			if m.Approval != expected {
				return false, nil
			}
			m.Approval = next
			return true, nil
		}
	}
	return false, ErrNotFound
}

// SearchMessages performs a naive substring search; the SQL backends use
// FTS/trigram indexes instead (search.go).
func (s *MemStore) SearchMessages(ctx context.Context, sessionID, query string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query = strings.ToLower(query)
	var out []*models.Message
	for _, m := range s.messages[sessionID] {
		if strings.Contains(strings.ToLower(m.Content), query) {
			out = append(out, m.Clone())
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *MemStore) CreateSnapshot(ctx context.Context, snap *models.CompactionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	cp := *snap
	cp.VerbatimMessageIDs = append([]string(nil), snap.VerbatimMessageIDs...)
	s.snapshots[snap.ID] = &cp
	return nil
}

func (s *MemStore) GetSnapshot(ctx context.Context, id string) (*models.CompactionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	cp.VerbatimMessageIDs = append([]string(nil), snap.VerbatimMessageIDs...)
	return &cp, nil
}

func (s *MemStore) CreateMemory(ctx context.Context, m *models.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.memories[m.ID] = m.Clone()
	return nil
}

func (s *MemStore) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemStore) ListMemories(ctx context.Context, sessionID string) ([]*models.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Memory
	for _, m := range s.memories {
		if sessionID == "" || m.SessionID == sessionID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) DeleteMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[id]; !ok {
		return ErrNotFound
	}
	delete(s.memories, id)
	return nil
}

func (s *MemStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *MemStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *MemStore) ListSettings(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) Close() error { return nil }
