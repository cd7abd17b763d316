package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexus/pkg/models"
)

func TestExecutorUnknownToolReturnsErrorResult(t *testing.T) {
	exec := NewExecutor(nil)
	res := exec.Execute(context.Background(), models.ToolCall{ID: "t1", Name: "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "tool not found")
}

func TestExecutorNameTooLong(t *testing.T) {
	exec := NewExecutor(nil)
	longName := make([]byte, MaxToolNameLength+1)
	for i := range longName {
		longName[i] = 'a'
	}
	res := exec.Execute(context.Background(), models.ToolCall{ID: "t1", Name: string(longName)})
	assert.True(t, res.IsError)
}

func TestFilesystemListDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	exec := NewExecutor(nil)
	RegisterFilesystemTools(exec, FilesystemConfig{Root: dir})

	args, _ := json.Marshal(map[string]string{"path": "/"})
	res := exec.Execute(context.Background(), models.ToolCall{ID: "t1", Name: "filesystem_list_directory", Arguments: args})
	require.False(t, res.IsError)
	assert.Contains(t, res.Output, "a.txt")
	assert.Contains(t, res.Output, "sub/")
}

func TestFilesystemResolveRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	exec := NewExecutor(nil)
	RegisterFilesystemTools(exec, FilesystemConfig{Root: dir})

	args, _ := json.Marshal(map[string]string{"path": "../../etc/passwd"})
	res := exec.Execute(context.Background(), models.ToolCall{ID: "t1", Name: "filesystem_read_file", Arguments: args})
	assert.True(t, res.IsError)
}

func TestFilesystemWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	exec := NewExecutor(nil)
	RegisterFilesystemTools(exec, FilesystemConfig{Root: dir})

	writeArgs, _ := json.Marshal(map[string]string{"path": "note.txt", "content": "hello"})
	res := exec.Execute(context.Background(), models.ToolCall{ID: "t1", Name: "filesystem_write_file", Arguments: writeArgs})
	require.False(t, res.IsError)

	readArgs, _ := json.Marshal(map[string]string{"path": "note.txt"})
	res = exec.Execute(context.Background(), models.ToolCall{ID: "t2", Name: "filesystem_read_file", Arguments: readArgs})
	require.False(t, res.IsError)
	assert.Equal(t, "hello", res.Output)
}

type fakeMemoryStore struct {
	memories []*models.Memory
}

func (f *fakeMemoryStore) CreateMemory(_ context.Context, m *models.Memory) error {
	f.memories = append(f.memories, m)
	return nil
}
func (f *fakeMemoryStore) ListMemories(_ context.Context, sessionID string) ([]*models.Memory, error) {
	var out []*models.Memory
	for _, m := range f.memories {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeMemoryStore) DeleteMemory(_ context.Context, id string) error { return nil }

func TestMemoryAddAndSearch(t *testing.T) {
	fs := &fakeMemoryStore{}
	exec := NewExecutor(nil)
	RegisterMemoryTools(exec, fs, 0)

	addArgs, _ := json.Marshal(map[string]string{"content": "the sky is blue"})
	res := exec.ExecuteInSession(context.Background(), "s1", models.ToolCall{ID: "t1", Name: "memory_add", Arguments: addArgs})
	require.False(t, res.IsError)

	searchArgs, _ := json.Marshal(map[string]string{"query": "sky"})
	res = exec.ExecuteInSession(context.Background(), "s1", models.ToolCall{ID: "t2", Name: "memory_search", Arguments: searchArgs})
	require.False(t, res.IsError)
	assert.Contains(t, res.Output, "the sky is blue")
}

type fakeResource struct{ closed bool }

func (f *fakeResource) Close() error { f.closed = true; return nil }

func TestResourceManagerGetIsLazyAndCached(t *testing.T) {
	rm := NewResourceManager(time.Hour, nil)
	defer rm.Stop()

	calls := 0
	factory := func(sessionID string) (Resource, error) {
		calls++
		return &fakeResource{}, nil
	}

	r1, err := rm.Get("s1", "thing", factory)
	require.NoError(t, err)
	r2, err := rm.Get("s1", "thing", factory)
	require.NoError(t, err)
	assert.Same(t, r1, r2)
	assert.Equal(t, 1, calls)
}

func TestResourceManagerDestroyIsIdempotent(t *testing.T) {
	rm := NewResourceManager(time.Hour, nil)
	defer rm.Stop()
	res := &fakeResource{}
	_, err := rm.Get("s1", "thing", func(string) (Resource, error) { return res, nil })
	require.NoError(t, err)

	rm.Destroy("s1", "thing")
	assert.True(t, res.closed)
	rm.Destroy("s1", "thing") // no panic, no double-close side effects observable
}

func TestApprovalPolicyDenyOverridesAllow(t *testing.T) {
	ap := NewApprovalPolicy(&Policy{Profile: ProfileFull, Deny: []string{"filesystem_write_file"}})
	sess := &models.Session{ID: "s1"}
	calls := []models.ToolCall{{Name: "filesystem_write_file"}}
	assert.True(t, ap.RequiresApproval(sess, calls))
}

func TestApprovalPolicyMinimalRequiresApprovalForEverything(t *testing.T) {
	ap := NewApprovalPolicy(&Policy{Profile: ProfileMinimal})
	sess := &models.Session{ID: "s1"}
	assert.True(t, ap.RequiresApproval(sess, []models.ToolCall{{Name: "filesystem_list_directory"}}))
}

func TestApprovalPolicyPerSessionOverride(t *testing.T) {
	ap := NewApprovalPolicy(&Policy{Profile: ProfileMinimal})
	ap.SetPolicy("s1", &Policy{Profile: ProfileFull})
	sess := &models.Session{ID: "s1"}
	assert.False(t, ap.RequiresApproval(sess, []models.ToolCall{{Name: "filesystem_list_directory"}}))
}
