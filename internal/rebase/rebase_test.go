package rebase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	"github.com/s9nkit/devops-agent/internal/gitexec"
	"github.com/s9nkit/devops-agent/internal/registry"
)

type fakeGit struct {
	mu        sync.Mutex
	behind    int
	ahead     int
	rebaseErr error
	block     chan struct{}
	fetches   int
	rebases   int
	aborts    int
}

func (f *fakeGit) Fetch(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return nil
}

func (f *fakeGit) CheckRemoteChanges(_ context.Context, _, _ string) (*gitexec.RemoteChanges, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &gitexec.RemoteChanges{Behind: f.behind, Ahead: f.ahead}, nil
}

func (f *fakeGit) Rebase(_ context.Context, _, _ string) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rebaseErr != nil {
		return f.rebaseErr
	}
	f.rebases++
	f.behind = 0
	return nil
}

func (f *fakeGit) AbortRebase(_ context.Context, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
}

func (f *fakeGit) counts() (fetches, rebases, aborts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.rebases, f.aborts
}

func (f *fakeGit) setBehind(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behind = n
}

type fakeGate struct {
	mu      sync.Mutex
	pending bool
}

func (g *fakeGate) PendingChanges(string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

func (g *fakeGate) set(pending bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = pending
}

func testSession() registry.SessionReport {
	return registry.SessionReport{
		SessionID:    "sess_rebase01",
		AgentType:    registry.AgentClaude,
		BranchName:   "agent/work",
		BaseBranch:   "main",
		WorktreePath: "/wt",
		RepoPath:     "/repo",
	}
}

func newTestManager(t *testing.T, git *fakeGit, gate CommitGate, poll time.Duration) *Manager {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	m := NewManager(git, gate, eventBus, Config{
		PollInterval:  poll,
		DeferInterval: 30 * time.Millisecond,
	}, log)
	t.Cleanup(func() { m.UnwatchAll(context.Background()) })
	return m
}

func TestFirstTickObservesWithoutRebasing(t *testing.T) {
	git := &fakeGit{behind: 3}
	m := newTestManager(t, git, nil, 150*time.Millisecond)
	m.Watch(context.Background(), testSession())

	// The first tick fetches and records the counts without rebasing.
	require.Eventually(t, func() bool {
		status, ok := m.Status("sess_rebase01")
		return ok && status.BehindCount == 3 && !status.LastChecked.IsZero()
	}, 2*time.Second, 10*time.Millisecond, "the first tick records the behind count")
	_, rebases, _ := git.counts()
	assert.Zero(t, rebases, "the first tick only establishes a baseline")

	require.Eventually(t, func() bool {
		_, rebases, _ := git.counts()
		return rebases == 1
	}, 2*time.Second, 10*time.Millisecond, "the second tick rebases")
}

func TestBehindTriggersRebase(t *testing.T) {
	git := &fakeGit{}
	m := newTestManager(t, git, nil, time.Hour)
	m.Watch(context.Background(), testSession())

	// Nothing behind: force-check is a quiet no-op.
	require.NoError(t, m.ForceCheck(context.Background(), "sess_rebase01"))
	_, rebases, _ := git.counts()
	assert.Zero(t, rebases)

	git.setBehind(2)
	require.NoError(t, m.ForceCheck(context.Background(), "sess_rebase01"))
	fetches, rebases, _ := git.counts()
	assert.Equal(t, 2, fetches)
	assert.Equal(t, 1, rebases)

	status, ok := m.Status("sess_rebase01")
	require.True(t, ok)
	assert.Equal(t, StateWatching, status.State, "a completed rebase returns to watching")
	assert.Zero(t, status.BehindCount)
	assert.False(t, status.LastChecked.IsZero())
	require.NotNil(t, status.LastRebaseResult)
	assert.True(t, status.LastRebaseResult.Success)
	assert.True(t, status.LastRebaseResult.HadChanges)
}

func TestConflictPausesWatcher(t *testing.T) {
	git := &fakeGit{behind: 1, rebaseErr: &gitexec.Error{
		Category: gitexec.CategoryConflict,
		Args:     []string{"rebase", "origin/main"},
		Stderr:   "CONFLICT (content): Merge conflict in a.go",
	}}
	m := newTestManager(t, git, nil, time.Hour)
	m.Watch(context.Background(), testSession())

	err := m.ForceCheck(context.Background(), "sess_rebase01")
	require.Error(t, err)

	_, _, aborts := git.counts()
	assert.Equal(t, 1, aborts, "a conflicted rebase is aborted to leave the tree clean")

	status, _ := m.Status("sess_rebase01")
	assert.Equal(t, StatePaused, status.State)
	require.NotNil(t, status.LastRebaseResult)
	assert.False(t, status.LastRebaseResult.Success)
	assert.NotEmpty(t, status.LastRebaseResult.Message)

	// Paused sessions stay paused until resumed.
	git.mu.Lock()
	git.rebaseErr = nil
	git.mu.Unlock()
	require.True(t, m.Resume(context.Background(), "sess_rebase01"))
	state, _ := m.SessionState("sess_rebase01")
	assert.Equal(t, StateWatching, state)
}

func TestRebaseFailurePausesWatcher(t *testing.T) {
	git := &fakeGit{behind: 1, rebaseErr: &gitexec.Error{
		Category: gitexec.CategoryUnknown,
		Args:     []string{"rebase", "origin/main"},
		Stderr:   "fatal: unable to write new index file",
	}}
	m := newTestManager(t, git, nil, time.Hour)
	m.Watch(context.Background(), testSession())

	err := m.ForceCheck(context.Background(), "sess_rebase01")
	require.Error(t, err)

	// Any failure parks the watcher, not just conflicts.
	status, _ := m.Status("sess_rebase01")
	assert.Equal(t, StatePaused, status.State)
	require.NotNil(t, status.LastRebaseResult)
	assert.False(t, status.LastRebaseResult.Success)
}

func TestForceCheckWhilePausedOnlyObserves(t *testing.T) {
	git := &fakeGit{behind: 1, rebaseErr: &gitexec.Error{
		Category: gitexec.CategoryConflict,
		Args:     []string{"rebase", "origin/main"},
		Stderr:   "CONFLICT (content): Merge conflict in a.go",
	}}
	m := newTestManager(t, git, nil, time.Hour)
	ctx := context.Background()
	m.Watch(ctx, testSession())

	require.Error(t, m.ForceCheck(ctx, "sess_rebase01"))
	state, _ := m.SessionState("sess_rebase01")
	require.Equal(t, StatePaused, state)

	git.mu.Lock()
	git.rebaseErr = nil
	git.behind = 2
	git.mu.Unlock()

	// Paused watchers still refresh the counts, but never rebase.
	require.NoError(t, m.ForceCheck(ctx, "sess_rebase01"))
	_, rebases, aborts := git.counts()
	assert.Zero(t, rebases)
	assert.Equal(t, 1, aborts)

	status, _ := m.Status("sess_rebase01")
	assert.Equal(t, StatePaused, status.State)
	assert.Equal(t, 2, status.BehindCount)

	require.True(t, m.Resume(ctx, "sess_rebase01"))
	require.NoError(t, m.ForceCheck(ctx, "sess_rebase01"))
	_, rebases, _ = git.counts()
	assert.Equal(t, 1, rebases, "resume re-arms the rebase")
}

func TestPendingCommitDefersRebase(t *testing.T) {
	git := &fakeGit{behind: 1}
	gate := &fakeGate{pending: true}
	m := newTestManager(t, git, gate, time.Hour)
	m.Watch(context.Background(), testSession())

	require.NoError(t, m.ForceCheck(context.Background(), "sess_rebase01"))
	_, rebases, _ := git.counts()
	assert.Zero(t, rebases, "a pending commit debounce blocks the rebase")

	gate.set(false)
	require.Eventually(t, func() bool {
		_, rebases, _ := git.counts()
		return rebases == 1
	}, 2*time.Second, 10*time.Millisecond, "the deferred retry rebases once commits have drained")
}

func TestPauseAndResume(t *testing.T) {
	git := &fakeGit{behind: 1}
	m := newTestManager(t, git, nil, 50*time.Millisecond)
	ctx := context.Background()
	m.Watch(ctx, testSession())
	require.True(t, m.Pause(ctx, "sess_rebase01"))

	time.Sleep(200 * time.Millisecond)
	_, rebases, _ := git.counts()
	assert.Zero(t, rebases, "paused watchers never poll")

	require.True(t, m.Resume(ctx, "sess_rebase01"))
	require.Eventually(t, func() bool {
		_, rebases, _ := git.counts()
		return rebases == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTriggerRebaseImmediate(t *testing.T) {
	git := &fakeGit{}
	m := newTestManager(t, git, nil, time.Hour)
	ctx := context.Background()
	m.Watch(ctx, testSession())

	require.NoError(t, m.TriggerRebase(ctx, "sess_rebase01"))
	_, rebases, _ := git.counts()
	assert.Equal(t, 1, rebases)

	assert.Error(t, m.TriggerRebase(ctx, "sess_unknown"))
}

func TestTriggerRebaseWhileRebasing(t *testing.T) {
	block := make(chan struct{})
	git := &fakeGit{block: block}
	m := newTestManager(t, git, nil, time.Hour)
	ctx := context.Background()
	m.Watch(ctx, testSession())

	done := make(chan error, 1)
	go func() { done <- m.TriggerRebase(ctx, "sess_rebase01") }()

	require.Eventually(t, func() bool {
		status, ok := m.Status("sess_rebase01")
		return ok && status.IsRebasing
	}, 2*time.Second, 5*time.Millisecond)

	// A second trigger while the first is in flight fails fast.
	require.ErrorIs(t, m.TriggerRebase(ctx, "sess_rebase01"), ErrRebaseInProgress)

	close(block)
	require.NoError(t, <-done)
	_, rebases, _ := git.counts()
	assert.Equal(t, 1, rebases)
}

func TestUnwatch(t *testing.T) {
	git := &fakeGit{}
	m := newTestManager(t, git, nil, time.Hour)
	ctx := context.Background()
	m.Watch(ctx, testSession())
	m.Unwatch(ctx, "sess_rebase01")

	_, ok := m.SessionState("sess_rebase01")
	assert.False(t, ok)
	assert.Error(t, m.ForceCheck(ctx, "sess_rebase01"))
}
