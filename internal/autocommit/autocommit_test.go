package autocommit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	"github.com/s9nkit/devops-agent/internal/gitexec"
	"github.com/s9nkit/devops-agent/internal/locks"
	"github.com/s9nkit/devops-agent/internal/registry"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

type fakeCommit struct {
	message string
	staged  []string
}

type fakeGit struct {
	mu        sync.Mutex
	dirty     bool
	branch    string
	commits   []fakeCommit
	lastAdd   []string
	commitErr error
	pushed    int
}

func (f *fakeGit) Status(_ context.Context, _ string) (*gitexec.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := &gitexec.Status{Branch: f.branch, Clean: !f.dirty}
	if f.dirty {
		st.Changes = []gitexec.Change{{Path: "whatever", Status: "M."}}
	}
	return st, nil
}

func (f *fakeGit) Add(_ context.Context, _ string, paths ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAdd = append([]string(nil), paths...)
	return nil
}

func (f *fakeGit) Commit(_ context.Context, _ string, message string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return "", false, f.commitErr
	}
	f.commits = append(f.commits, fakeCommit{message: message, staged: f.lastAdd})
	f.dirty = false
	return fmt.Sprintf("hash%04d", len(f.commits)), false, nil
}

func (f *fakeGit) Push(_ context.Context, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed++
	return nil
}

func (f *fakeGit) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits)
}

func (f *fakeGit) commit(i int) fakeCommit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits[i]
}

func (f *fakeGit) markDirty() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty = true
}

type harness struct {
	manager *Manager
	git     *fakeGit
	locks   *locks.Manager
	session registry.SessionReport
	repo    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	git := &fakeGit{branch: "agent/work"}
	lockMgr := locks.NewManager(eventBus, 0, log)

	repo := t.TempDir()
	session := registry.SessionReport{
		SessionID:    "sess_autotest",
		AgentID:      "agent-1",
		AgentType:    registry.AgentClaude,
		BranchName:   "agent/work",
		WorktreePath: repo,
		RepoPath:     repo,
		Status:       registry.StatusWatching,
	}

	m := NewManager(git, lockMgr, nil, nil, eventBus, Config{
		CommitInterval: 150 * time.Millisecond,
		MinInterval:    50 * time.Millisecond,
		MaxInterval:    time.Hour,
	}, log)
	t.Cleanup(func() { m.StopAll(context.Background()) })

	return &harness{manager: m, git: git, locks: lockMgr, session: session, repo: repo}
}

func (h *harness) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(h.repo, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestBurstBecomesOneCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.StartWatching(ctx, h.session, 0))

	h.git.markDirty()
	h.write(t, "a.go", "package a")
	h.write(t, "b.go", "package b")
	h.write(t, "a.go", "package a // more")

	require.Eventually(t, func() bool { return h.git.commitCount() == 1 },
		3*time.Second, 10*time.Millisecond, "a burst of changes lands in one commit")

	commit := h.git.commit(0)
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, commit.staged)
	assert.Contains(t, commit.message, "chore(agent/work): auto-commit 2 file(s)")

	// No further commits without further changes.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, h.git.commitCount())
}

func TestConflictedFileNeverStaged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Another session already holds shared.go.
	require.Equal(t, locks.OutcomeHeld,
		h.locks.AutoLockFile(ctx, h.repo, "shared.go", locks.Claim{
			SessionID: "sess_other",
			AgentID:   "agent-2",
			AgentType: "aider",
		}))

	require.NoError(t, h.manager.StartWatching(ctx, h.session, 0))

	h.git.markDirty()
	h.write(t, "mine.go", "package mine")
	h.write(t, "shared.go", "package shared")

	require.Eventually(t, func() bool { return h.git.commitCount() == 1 },
		3*time.Second, 10*time.Millisecond)

	commit := h.git.commit(0)
	assert.Equal(t, []string{"mine.go"}, commit.staged,
		"a file locked by another session must not be staged")
}

func TestCleanTreeCommitsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.StartWatching(ctx, h.session, 0))

	// The watcher sees the write but git reports nothing to commit.
	h.write(t, "a.go", "package a")

	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, h.git.commitCount())
	assert.False(t, h.manager.PendingChanges(h.session.SessionID),
		"pending set is dropped once the tree is known clean")
}

func TestAgentMessageFileConsumed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.StartWatching(ctx, h.session, 0))

	msgFile := statedir.CommitMessageFile(h.repo, h.session.SessionID)
	require.NoError(t, os.WriteFile(msgFile, []byte("feat: add the thing\n"), 0644))

	h.git.markDirty()
	h.write(t, "a.go", "package a")

	require.Eventually(t, func() bool { return h.git.commitCount() == 1 },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "feat: add the thing", h.git.commit(0).message)

	_, err := os.Stat(msgFile)
	assert.True(t, os.IsNotExist(err), "the message file is consumed at fire time")
}

func TestPauseHoldsCommits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.StartWatching(ctx, h.session, 0))
	require.True(t, h.manager.Pause(h.session.SessionID))

	h.git.markDirty()
	h.write(t, "a.go", "package a")

	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, h.git.commitCount(), "paused sessions accumulate but never commit")
	assert.True(t, h.manager.PendingChanges(h.session.SessionID))

	require.True(t, h.manager.Resume(h.session.SessionID))
	require.Eventually(t, func() bool { return h.git.commitCount() == 1 },
		3*time.Second, 10*time.Millisecond, "resume re-arms the debounce")
}

func TestAuthFailurePausesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.StartWatching(ctx, h.session, 0))

	h.git.mu.Lock()
	h.git.commitErr = &gitexec.Error{Category: gitexec.CategoryAuthRequired, Args: []string{"commit"}}
	h.git.mu.Unlock()

	h.git.markDirty()
	h.write(t, "a.go", "package a")

	require.Eventually(t, func() bool {
		w := h.manager.watcher(h.session.SessionID)
		if w == nil {
			return false
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.paused
	}, 3*time.Second, 10*time.Millisecond, "auth failures pause the session for a human")
	assert.Zero(t, h.git.commitCount())
}

func TestStopFlushesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.StartWatching(ctx, h.session, 0))

	h.git.markDirty()
	h.write(t, "a.go", "package a")

	require.Eventually(t, func() bool { return h.manager.PendingChanges(h.session.SessionID) },
		3*time.Second, 10*time.Millisecond)

	h.manager.StopWatching(ctx, h.session.SessionID)
	assert.Equal(t, 1, h.git.commitCount(), "stop commits observed work before tearing down")
	assert.False(t, h.manager.Watching(h.session.SessionID))
}

func TestTriggerCommitImmediate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.StartWatching(ctx, h.session, 0))

	h.git.markDirty()
	require.NoError(t, h.manager.TriggerCommit(ctx, h.session.SessionID, "manual checkpoint"))
	require.Equal(t, 1, h.git.commitCount())
	assert.Equal(t, "manual checkpoint", h.git.commit(0).message)

	err := h.manager.TriggerCommit(ctx, "sess_unknown", "")
	assert.Error(t, err)
}

func TestIntervalOverrideClamped(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, 150*time.Millisecond, h.manager.intervalFor(h.repo, 0),
		"no override falls back to the configured window")
	assert.Equal(t, 50*time.Millisecond, h.manager.intervalFor(h.repo, 10*time.Millisecond),
		"overrides below the floor are clamped up")
	assert.Equal(t, 200*time.Millisecond, h.manager.intervalFor(h.repo, 200*time.Millisecond))
}

func TestStartWatchingIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.StartWatching(ctx, h.session, 0))
	require.NoError(t, h.manager.StartWatching(ctx, h.session, 0))
	assert.True(t, h.manager.Watching(h.session.SessionID))
}
