package locks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	m, _ := newTestManagerWithBus(t, ttl)
	return m
}

func newTestManagerWithBus(t *testing.T, ttl time.Duration) (*Manager, bus.EventBus) {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	return NewManager(eventBus, ttl, log), eventBus
}

func claimA() Claim {
	return Claim{SessionID: "sess_a", AgentID: "claude-a1", AgentType: "claude", BranchName: "agent/a"}
}

func claimB() Claim {
	return Claim{SessionID: "sess_b", AgentID: "aider-b2", AgentType: "aider", BranchName: "agent/b"}
}

func TestAutoLockExclusive(t *testing.T) {
	m := newTestManager(t, 0)
	repo := t.TempDir()
	ctx := context.Background()

	require.Equal(t, OutcomeHeld, m.AutoLockFile(ctx, repo, "src/main.go", claimA()))
	assert.Equal(t, OutcomeConflict, m.AutoLockFile(ctx, repo, "src/main.go", claimB()))

	// Re-locking by the holder refreshes, not conflicts.
	assert.Equal(t, OutcomeHeld, m.AutoLockFile(ctx, repo, "src/main.go", claimA()))

	locks := m.RepoLocks(repo)
	require.Len(t, locks, 1)
	assert.Equal(t, "sess_a", locks[0].SessionID)
}

func TestAutoLockNormalizesPaths(t *testing.T) {
	m := newTestManager(t, 0)
	repo := t.TempDir()
	ctx := context.Background()

	abs := filepath.Join(repo, "pkg", "util.go")
	require.Equal(t, OutcomeHeld, m.AutoLockFile(ctx, repo, abs, claimA()))

	// The same file by relative path is the same lock key.
	assert.Equal(t, OutcomeConflict, m.AutoLockFile(ctx, repo, "pkg/util.go", claimB()))

	locks := m.RepoLocks(repo)
	require.Len(t, locks, 1)
	assert.Equal(t, "pkg/util.go", locks[0].Path)
}

func TestAutoLockSkipsGeneratedPaths(t *testing.T) {
	m := newTestManager(t, 0)
	repo := t.TempDir()
	ctx := context.Background()

	for _, path := range []string{
		"node_modules/left-pad/index.js",
		".git/HEAD",
		"dist/bundle.js",
		"web/build/app.js",
		".next/cache/x",
		"package-lock.json",
		"sub/yarn.lock",
		".DS_Store",
		statedir.DirName + "/locks.json",
	} {
		assert.Equal(t, OutcomeSkipped, m.AutoLockFile(ctx, repo, path, claimA()), path)
	}
	assert.Empty(t, m.RepoLocks(repo))
}

func TestLocksFileIsPathKeyed(t *testing.T) {
	m := newTestManager(t, 0)
	repo := t.TempDir()
	ctx := context.Background()

	require.Equal(t, OutcomeHeld, m.AutoLockFile(ctx, repo, "src/a.go", claimA()))

	// External agents parse locks.json as { "<relativePath>": lock }.
	onDisk := make(map[string]Lock)
	require.NoError(t, statedir.ReadJSON(statedir.LocksFile(repo), &onDisk))
	require.Contains(t, onDisk, "src/a.go")

	lock := onDisk["src/a.go"]
	assert.Equal(t, repo, lock.RepoPath)
	assert.Equal(t, "sess_a", lock.SessionID)
	assert.Equal(t, "claude", lock.AgentType)
	assert.Equal(t, "agent/a", lock.BranchName)
	assert.True(t, lock.AutoLocked)
	assert.False(t, lock.LockedAt.IsZero())
	assert.False(t, lock.LastModified.IsZero())

	// A release rewrites the file without the key, not an empty array.
	m.ReleaseSessionLocks(ctx, repo, "sess_a")
	onDisk = make(map[string]Lock)
	require.NoError(t, statedir.ReadJSON(statedir.LocksFile(repo), &onDisk))
	assert.Empty(t, onDisk)
}

func TestConflictEventPayload(t *testing.T) {
	m, eventBus := newTestManagerWithBus(t, 0)
	repo := t.TempDir()
	ctx := context.Background()

	got := make(chan ConflictEvent, 1)
	sub, err := eventBus.Subscribe(events.ConflictDetected, func(_ context.Context, e *bus.Event) error {
		if ev, ok := e.Data.(ConflictEvent); ok {
			got <- ev
		}
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	require.Equal(t, OutcomeHeld, m.AutoLockFile(ctx, repo, "src/a.go", claimA()))
	require.Equal(t, OutcomeConflict, m.AutoLockFile(ctx, repo, "src/a.go", claimB()))

	select {
	case ev := <-got:
		assert.Equal(t, "src/a.go", ev.File)
		assert.Equal(t, "sess_b", ev.SessionID)
		assert.Equal(t, "claude", ev.ConflictsWith, "conflictsWith names the holder's agent type")
		assert.NotEmpty(t, ev.Reason)
		assert.False(t, ev.DeclaredAt.IsZero())
		assert.Equal(t, "sess_a", ev.Holder.SessionID)
	case <-time.After(time.Second):
		t.Fatal("no conflict event received")
	}
}

func TestExpiredLockIsReplaced(t *testing.T) {
	m := newTestManager(t, 30*time.Millisecond)
	repo := t.TempDir()
	ctx := context.Background()

	require.Equal(t, OutcomeHeld, m.AutoLockFile(ctx, repo, "a.go", claimA()))
	time.Sleep(50 * time.Millisecond)

	// The stale claim no longer blocks a new session.
	assert.Equal(t, OutcomeHeld, m.AutoLockFile(ctx, repo, "a.go", claimB()))

	locks := m.RepoLocks(repo)
	require.Len(t, locks, 1)
	assert.Equal(t, "sess_b", locks[0].SessionID)
}

func TestCleanupExpired(t *testing.T) {
	m := newTestManager(t, 30*time.Millisecond)
	repo := t.TempDir()
	ctx := context.Background()

	m.AutoLockFile(ctx, repo, "a.go", claimA())
	m.AutoLockFile(ctx, repo, "b.go", claimA())
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 2, m.CleanupExpired(ctx, repo))
	assert.Empty(t, m.RepoLocks(repo))
	assert.Zero(t, m.CleanupExpired(ctx, repo))
}

func TestReleaseSessionLocks(t *testing.T) {
	m := newTestManager(t, 0)
	repo := t.TempDir()
	ctx := context.Background()

	m.AutoLockFile(ctx, repo, "a.go", claimA())
	m.AutoLockFile(ctx, repo, "b.go", claimA())
	m.AutoLockFile(ctx, repo, "c.go", claimB())

	assert.Equal(t, 2, m.ReleaseSessionLocks(ctx, repo, "sess_a"))
	locks := m.RepoLocks(repo)
	require.Len(t, locks, 1)
	assert.Equal(t, "sess_b", locks[0].SessionID)

	// The on-disk table reflects the truncation.
	onDisk := make(map[string]Lock)
	require.NoError(t, statedir.ReadJSON(statedir.LocksFile(repo), &onDisk))
	require.Len(t, onDisk, 1)
	require.Contains(t, onDisk, "c.go")
}

func TestForceReleaseLock(t *testing.T) {
	m := newTestManager(t, 0)
	repo := t.TempDir()
	ctx := context.Background()

	m.AutoLockFile(ctx, repo, "a.go", claimA())
	assert.True(t, m.ForceReleaseLock(ctx, repo, "a.go"))
	assert.False(t, m.ForceReleaseLock(ctx, repo, "a.go"))
	assert.Empty(t, m.RepoLocks(repo))
}

func TestTablePersistsAcrossManagers(t *testing.T) {
	repo := t.TempDir()
	ctx := context.Background()

	first := newTestManager(t, 0)
	first.AutoLockFile(ctx, repo, "a.go", claimA())

	second := newTestManager(t, 0)
	assert.Equal(t, OutcomeConflict, second.AutoLockFile(ctx, repo, "a.go", claimB()))
}

func TestCheckConflicts(t *testing.T) {
	m := newTestManager(t, 0)
	repo := t.TempDir()
	ctx := context.Background()

	m.AutoLockFile(ctx, repo, "a.go", claimA())

	conflicts := m.CheckConflicts(repo, []string{"a.go", "b.go"}, "sess_b")
	require.Len(t, conflicts, 1)
	assert.Equal(t, "a.go", conflicts[0].Path)

	// A session never conflicts with itself.
	assert.Empty(t, m.CheckConflicts(repo, []string{"a.go"}, "sess_a"))
}

func TestDeclareAndReleaseFiles(t *testing.T) {
	m := newTestManager(t, 0)
	repo := t.TempDir()
	ctx := context.Background()

	conflicts, err := m.DeclareFiles(ctx, repo, "sess_a", "claude-a1", []string{"a.go", "node_modules/x.js"})
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	decls := m.ListDeclarations(repo)
	require.Len(t, decls, 1)
	assert.Equal(t, []string{"a.go"}, decls[0].Files, "unlockable paths are filtered out")

	// Another session declaring the same path sees the conflict.
	conflicts, err = m.DeclareFiles(ctx, repo, "sess_b", "aider-b2", []string{"a.go"})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "sess_a", conflicts[0].SessionID)

	require.NoError(t, m.ReleaseFiles(repo, "sess_a"))
	assert.Empty(t, m.ListDeclarations(repo))
}

func TestLocksTableWinsOverDeclarations(t *testing.T) {
	m := newTestManager(t, 0)
	repo := t.TempDir()
	ctx := context.Background()

	m.AutoLockFile(ctx, repo, "a.go", claimA())

	conflicts, err := m.DeclareFiles(ctx, repo, "sess_b", "", []string{"a.go"})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "sess_a", conflicts[0].SessionID)
}
