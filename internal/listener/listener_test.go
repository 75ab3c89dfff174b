package listener

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	"github.com/s9nkit/devops-agent/internal/registry"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

func newTestListener(t *testing.T) (*Listener, *registry.Registry, string) {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	reg := registry.New(eventBus, 0, log)
	l, err := New(reg, Config{}, log)
	require.NoError(t, err)
	t.Cleanup(l.Stop)

	repo := t.TempDir()
	require.NoError(t, l.AddRepo(context.Background(), repo))
	l.Start(context.Background())
	return l, reg, repo
}

func TestAgentFileLifecycle(t *testing.T) {
	_, reg, repo := newTestListener(t)

	path := statedir.AgentFile(repo, "agent-1")
	require.NoError(t, os.WriteFile(path, []byte(`{"agentId":"agent-1","agentType":"claude","agentName":"claude"}`), 0644))

	require.Eventually(t, func() bool {
		_, ok := reg.GetAgent("agent-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "agent file must be ingested")

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, ok := reg.GetAgent("agent-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "agent file deletion must unregister")
}

func TestSessionFileIngested(t *testing.T) {
	_, reg, repo := newTestListener(t)

	path := statedir.SessionFile(repo, "sess_12345678")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"sessionId":"sess_12345678","agentId":"agent-1","agentType":"aider","task":"fix tests"}`), 0644))

	require.Eventually(t, func() bool {
		s, ok := reg.GetSession("sess_12345678")
		return ok && s.Task == "fix tests" && s.RepoPath == repo
	}, 2*time.Second, 10*time.Millisecond)
}

func TestColdLoadExistingFiles(t *testing.T) {
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	reg := registry.New(eventBus, 0, log)

	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(statedir.AgentsDir(repo), 0755))
	require.NoError(t, os.WriteFile(statedir.AgentFile(repo, "early-bird"),
		[]byte(`{"agentId":"early-bird","agentType":"cursor"}`), 0644))

	l, err := New(reg, Config{}, log)
	require.NoError(t, err)
	t.Cleanup(l.Stop)
	require.NoError(t, l.AddRepo(context.Background(), repo))

	_, ok := reg.GetAgent("early-bird")
	assert.True(t, ok, "files present before the watch started must be loaded")
}

func TestHeartbeatFileDrivesLiveness(t *testing.T) {
	_, reg, repo := newTestListener(t)
	ctx := context.Background()

	reg.IngestAgentFile(ctx, repo, []byte(`{"agentId":"agent-1","agentType":"claude"}`))
	before, _ := reg.GetAgent("agent-1")

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(statedir.HeartbeatFile(repo, "agent-1"),
		[]byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644))

	require.Eventually(t, func() bool {
		after, ok := reg.GetAgent("agent-1")
		return ok && after.LastHeartbeat.After(before.LastHeartbeat)
	}, 2*time.Second, 10*time.Millisecond, "heartbeat mtime must refresh lastHeartbeat")
}

func TestLocksAndConfigCallbacks(t *testing.T) {
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	reg := registry.New(eventBus, 0, log)

	l, err := New(reg, Config{}, log)
	require.NoError(t, err)
	t.Cleanup(l.Stop)

	var locks, config atomic.Int32
	l.OnLocksChanged = func(string) { locks.Add(1) }
	l.OnConfigChanged = func(string) { config.Add(1) }

	repo := t.TempDir()
	require.NoError(t, l.AddRepo(context.Background(), repo))
	l.Start(context.Background())

	require.NoError(t, os.WriteFile(statedir.LocksFile(repo), []byte(`{"version":1,"locks":[]}`), 0644))
	require.NoError(t, os.WriteFile(statedir.ConfigFile(repo), []byte(`{"commitInterval":45}`), 0644))

	require.Eventually(t, func() bool {
		return locks.Load() >= 1 && config.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTempFilesIgnored(t *testing.T) {
	_, reg, repo := newTestListener(t)

	require.NoError(t, os.WriteFile(statedir.AgentFile(repo, "agent-1")+".tmp",
		[]byte(`{"agentId":"agent-1","agentType":"claude"}`), 0644))

	time.Sleep(300 * time.Millisecond)
	_, ok := reg.GetAgent("agent-1")
	assert.False(t, ok, "atomic-write temp files must not be ingested")
}
