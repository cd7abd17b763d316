// Package store is the Durable Store of §3/§5/§6: the system of record for
// sessions, messages, compaction snapshots, memories, and runtime settings.
// Every mutation the Tool Loop or gateway performs that must survive a
// restart goes through a Store implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nexuscore/nexus/pkg/models"
)

// ErrNotFound is returned by Get-style lookups when the identifier does not
// exist.
var ErrNotFound = errors.New("store: not found")

// SessionListOptions filters and paginates ListSessions.
type SessionListOptions struct {
	Channel string
	Limit   int
	Offset  int
}

// MessageListOptions filters and paginates ListMessages (§6 messages.list).
type MessageListOptions struct {
	Limit  int
	Before time.Time
}

// Store is the full persistence surface. Implementations must make
// SetApproval an atomic compare-and-swap: it reports ok=false (with a nil
// error) whenever the message's current approval status does not equal
// expected, rather than erroring, so concurrent approval attempts resolve
// deterministically to exactly one success (§5, §8).
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionByKey(ctx context.Context, channel, channelID string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, opts SessionListOptions) ([]*models.Session, error)

	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// UpdateMessage rewrites msg's mutable fields in place (currently used
	// to backfill RawTokenCount once a turn's usage payload lands, §8
	// scenario 1). It must fail with ErrNotFound if msg.ID doesn't exist.
	UpdateMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, sessionID string, opts MessageListOptions) ([]*models.Message, error)
	SetApproval(ctx context.Context, messageID string, expected, next models.ApprovalStatus) (bool, error)
	SearchMessages(ctx context.Context, sessionID, query string, limit int) ([]*models.Message, error)

	CreateSnapshot(ctx context.Context, snap *models.CompactionSnapshot) error
	GetSnapshot(ctx context.Context, id string) (*models.CompactionSnapshot, error)

	CreateMemory(ctx context.Context, m *models.Memory) error
	GetMemory(ctx context.Context, id string) (*models.Memory, error)
	ListMemories(ctx context.Context, sessionID string) ([]*models.Memory, error)
	DeleteMemory(ctx context.Context, id string) error

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)

	Close() error
}

// SessionKey derives the stable lookup key used by GetSessionByKey, mirroring
// the channel/channel-id addressing scheme inbound adapters use to find an
// existing session for a recurring conversation.
func SessionKey(channel, channelID string) string {
	if channel == "" && channelID == "" {
		return ""
	}
	return channel + ":" + channelID
}
