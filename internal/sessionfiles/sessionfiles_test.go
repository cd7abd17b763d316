package sessionfiles

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutIsContentAddressedAndDeduplicates(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	a1, err := s.Put(ctx, "sess1", "notes.txt", "text/plain", []byte("hello world"))
	require.NoError(t, err)
	a2, err := s.Put(ctx, "sess1", "renamed.txt", "text/plain", []byte("hello world"))
	require.NoError(t, err)

	assert.Equal(t, a1.Hash, a2.Hash)

	entries, err := os.ReadDir(filepath.Join(dir, "sess1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	att, err := s.Put(ctx, "sess1", "a.bin", "application/octet-stream", []byte{1, 2, 3})
	require.NoError(t, err)

	data, err := s.Get(ctx, "sess1", att.Hash)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestGetRejectsMalformedHash(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "sess1", "../../etc/passwd")
	assert.Error(t, err)
}

func TestDeleteSessionRemovesAllAttachments(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Put(ctx, "sess1", "a.txt", "text/plain", []byte("one"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "sess1"))
	_, err = os.Stat(filepath.Join(dir, "sess1"))
	assert.True(t, os.IsNotExist(err))

	// idempotent
	require.NoError(t, s.DeleteSession(ctx, "sess1"))
}
