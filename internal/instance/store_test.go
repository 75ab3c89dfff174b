package instance

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s9nkit/devops-agent/internal/registry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "coordinator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := &Instance{
		AgentType:  registry.AgentClaude,
		Task:       "add pagination to the users endpoint",
		RepoPath:   "/repos/api",
		BaseBranch: "main",
		BranchName: "agent/pagination",
		Config:     json.RawMessage(`{"model":"large"}`),
	}
	require.NoError(t, store.Create(ctx, inst))
	require.NotEmpty(t, inst.ID, "missing IDs are generated")
	assert.Equal(t, StatusWaiting, inst.Status, "new instances start waiting")

	got, err := store.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.Task, got.Task)
	assert.JSONEq(t, `{"model":"large"}`, string(got.Config))
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttachSessionAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := &Instance{AgentType: registry.AgentAider, Task: "t", RepoPath: "/r"}
	require.NoError(t, store.Create(ctx, inst))

	require.NoError(t, store.AttachSession(ctx, inst.ID, "sess_12345678", StatusRunning))

	got, err := store.GetBySessionID(ctx, "sess_12345678")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, StatusRunning, got.Status)

	assert.ErrorIs(t, store.AttachSession(ctx, "missing", "sess_x", StatusRunning), ErrNotFound)
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, inst := range []*Instance{
		{AgentType: registry.AgentClaude, Task: "a", RepoPath: "/repos/api"},
		{AgentType: registry.AgentClaude, Task: "b", RepoPath: "/repos/api", Status: StatusRunning},
		{AgentType: registry.AgentCursor, Task: "c", RepoPath: "/repos/web"},
	} {
		require.NoError(t, store.Create(ctx, inst))
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	api, err := store.ListByRepo(ctx, "/repos/api")
	require.NoError(t, err)
	assert.Len(t, api, 2)

	waiting, err := store.ListByStatus(ctx, StatusWaiting)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)
}

func TestUpdateStatusAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := &Instance{AgentType: registry.AgentClaude, Task: "t", RepoPath: "/r"}
	require.NoError(t, store.Create(ctx, inst))

	require.NoError(t, store.UpdateStatus(ctx, inst.ID, StatusStopped))
	got, err := store.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)

	require.NoError(t, store.Delete(ctx, inst.ID))
	_, err = store.Get(ctx, inst.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, inst.ID), ErrNotFound)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.db")
	ctx := context.Background()

	first, err := NewStore(path)
	require.NoError(t, err)
	inst := &Instance{AgentType: registry.AgentClaude, Task: "survive restart", RepoPath: "/r"}
	require.NoError(t, first.Create(ctx, inst))
	require.NoError(t, first.Close())

	second, err := NewStore(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "survive restart", got.Task)
}
