package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (r *eventRecorder) record(_ context.Context, event *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *eventRecorder) {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	rec := &eventRecorder{}
	_, err := eventBus.Subscribe(">", rec.record)
	require.NoError(t, err)

	return New(eventBus, ttl, log), rec
}

func agentJSON(t *testing.T, agent Agent) []byte {
	t.Helper()
	data, err := json.Marshal(agent)
	require.NoError(t, err)
	return data
}

func sessionJSON(t *testing.T, session SessionReport) []byte {
	t.Helper()
	data, err := json.Marshal(session)
	require.NoError(t, err)
	return data
}

func TestIngestAgentFile(t *testing.T) {
	reg, rec := newTestRegistry(t, 0)
	ctx := context.Background()

	reg.IngestAgentFile(ctx, "/repo", agentJSON(t, Agent{
		AgentID:   "agent-1",
		AgentType: AgentClaude,
		AgentName: "claude",
		PID:       4242,
	}))

	agent, ok := reg.GetAgent("agent-1")
	require.True(t, ok)
	assert.Equal(t, AgentClaude, agent.AgentType)
	assert.Equal(t, "/repo", agent.RepoPath)
	assert.True(t, agent.IsAlive, "fresh registration counts as just seen")

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.types(), events.AgentRegistered)
}

func TestIngestAgentFileFiltersCapabilities(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	ctx := context.Background()

	reg.IngestAgentFile(ctx, "/repo", agentJSON(t, Agent{
		AgentID:      "agent-1",
		AgentType:    AgentClaude,
		AgentName:    "claude",
		Capabilities: []string{CapAutoCommit, "time-travel", CapFileWatching},
	}))

	agent, ok := reg.GetAgent("agent-1")
	require.True(t, ok)
	assert.Equal(t, []string{CapAutoCommit, CapFileWatching}, agent.Capabilities,
		"unknown capabilities are dropped, known ones kept")
}

func TestIngestAgentFileMalformed(t *testing.T) {
	reg, rec := newTestRegistry(t, 0)
	ctx := context.Background()

	reg.IngestAgentFile(ctx, "/repo", []byte("{not json"))
	reg.IngestAgentFile(ctx, "/repo", agentJSON(t, Agent{AgentID: "", AgentType: AgentClaude}))
	reg.IngestAgentFile(ctx, "/repo", agentJSON(t, Agent{AgentID: "a", AgentType: "mystery"}))

	assert.Empty(t, reg.ListAgents(), "malformed files must not poison the index")
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestIngestSessionFileSynthesisesProvisionalAgent(t *testing.T) {
	reg, rec := newTestRegistry(t, 0)
	ctx := context.Background()

	reg.IngestSessionFile(ctx, "/repo", sessionJSON(t, SessionReport{
		SessionID: "sess_abc12345",
		AgentID:   "ghost-agent",
		AgentType: AgentAider,
		Task:      "refactor parser",
	}))

	session, ok := reg.GetSession("sess_abc12345")
	require.True(t, ok)
	assert.Equal(t, "/repo", session.RepoPath)
	assert.Equal(t, "/repo", session.WorktreePath, "worktreePath defaults to repoPath")
	assert.Equal(t, StatusIdle, session.Status)

	agent, ok := reg.GetAgent("ghost-agent")
	require.True(t, ok, "owning agent must be synthesised")
	assert.True(t, agent.Provisional)

	require.Eventually(t, func() bool { return rec.count() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.types(), events.AgentRegistered)
	assert.Contains(t, rec.types(), events.SessionReported)

	// A later registration file replaces the provisional record.
	reg.IngestAgentFile(ctx, "/repo", agentJSON(t, Agent{
		AgentID:   "ghost-agent",
		AgentType: AgentAider,
		AgentName: "aider",
	}))
	agent, ok = reg.GetAgent("ghost-agent")
	require.True(t, ok)
	assert.False(t, agent.Provisional)
}

func TestIngestSessionFileRejectsBadPrefix(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)

	reg.IngestSessionFile(context.Background(), "/repo", sessionJSON(t, SessionReport{
		SessionID: "session-1",
		AgentType: AgentClaude,
	}))
	assert.Empty(t, reg.ListSessions())
}

func TestSessionUpdateVsReport(t *testing.T) {
	reg, rec := newTestRegistry(t, 0)
	ctx := context.Background()

	first := SessionReport{SessionID: "sess_11111111", AgentID: "a1", AgentType: AgentClaude, Status: StatusActive}
	reg.IngestSessionFile(ctx, "/repo", sessionJSON(t, first))
	first.Task = "now with a task"
	reg.IngestSessionFile(ctx, "/repo", sessionJSON(t, first))

	require.Eventually(t, func() bool { return rec.count() >= 3 }, time.Second, 5*time.Millisecond)
	types := rec.types()
	assert.Contains(t, types, events.SessionReported)
	assert.Contains(t, types, events.SessionUpdated)
}

func TestUpdateSessionPersists(t *testing.T) {
	reg, rec := newTestRegistry(t, 0)
	ctx := context.Background()
	repo := t.TempDir()

	reg.IngestSessionFile(ctx, repo, sessionJSON(t, SessionReport{
		SessionID: "sess_22222222",
		AgentID:   "a1",
		AgentType: AgentClaude,
	}))

	err := reg.UpdateSession(ctx, "sess_22222222", func(s *SessionReport) {
		s.CommitCount++
		s.LastCommit = "deadbeef"
	})
	require.NoError(t, err)

	var onDisk SessionReport
	require.NoError(t, statedir.ReadJSON(statedir.SessionFile(repo, "sess_22222222"), &onDisk))
	assert.Equal(t, 1, onDisk.CommitCount)
	assert.Equal(t, "deadbeef", onDisk.LastCommit)
	assert.False(t, onDisk.Updated.IsZero())

	require.Eventually(t, func() bool { return rec.count() >= 3 }, time.Second, 5*time.Millisecond)

	err = reg.UpdateSession(ctx, "sess_missing", func(s *SessionReport) {})
	assert.Error(t, err)
}

func TestHeartbeatAndLivenessSweep(t *testing.T) {
	reg, rec := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	reg.IngestAgentFile(ctx, "/repo", agentJSON(t, Agent{AgentID: "a1", AgentType: AgentCursor}))
	agent, _ := reg.GetAgent("a1")
	require.True(t, agent.IsAlive)

	time.Sleep(80 * time.Millisecond)
	reg.SweepLiveness(ctx)

	agent, _ = reg.GetAgent("a1")
	assert.False(t, agent.IsAlive, "stale heartbeat must flip the derived view")

	// A fresh heartbeat restores liveness immediately.
	reg.IngestHeartbeat(ctx, "a1", time.Now())
	agent, _ = reg.GetAgent("a1")
	assert.True(t, agent.IsAlive)

	require.Eventually(t, func() bool {
		for _, typ := range rec.types() {
			if typ == events.AgentStatusChanged {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatUnknownAgentIgnored(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	reg.IngestHeartbeat(context.Background(), "nobody", time.Now())
	assert.Empty(t, reg.ListAgents())
}

func TestRemoveEmitsEvents(t *testing.T) {
	reg, rec := newTestRegistry(t, 0)
	ctx := context.Background()

	reg.IngestAgentFile(ctx, "/repo", agentJSON(t, Agent{AgentID: "a1", AgentType: AgentClaude}))
	reg.IngestSessionFile(ctx, "/repo", sessionJSON(t, SessionReport{
		SessionID: "sess_33333333", AgentID: "a1", AgentType: AgentClaude,
	}))

	reg.RemoveSession(ctx, "sess_33333333")
	reg.RemoveAgent(ctx, "a1")

	_, ok := reg.GetSession("sess_33333333")
	assert.False(t, ok)
	_, ok = reg.GetAgent("a1")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		types := rec.types()
		var closed, unregistered bool
		for _, typ := range types {
			switch typ {
			case events.SessionClosed:
				closed = true
			case events.AgentUnregistered:
				unregistered = true
			}
		}
		return closed && unregistered
	}, time.Second, 5*time.Millisecond)

	// Removing twice is harmless and silent.
	before := rec.count()
	reg.RemoveSession(ctx, "sess_33333333")
	reg.RemoveAgent(ctx, "a1")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, rec.count())
}

func TestSessionQueries(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	ctx := context.Background()

	reg.IngestSessionFile(ctx, "/repo", sessionJSON(t, SessionReport{
		SessionID: "sess_bbbbbbbb", AgentID: "a1", AgentType: AgentClaude,
	}))
	reg.IngestSessionFile(ctx, "/repo", sessionJSON(t, SessionReport{
		SessionID: "sess_aaaaaaaa", AgentID: "a1", AgentType: AgentClaude,
	}))
	reg.IngestSessionFile(ctx, "/repo", sessionJSON(t, SessionReport{
		SessionID: "sess_cccccccc", AgentID: "a2", AgentType: AgentAider,
	}))

	all := reg.ListSessions()
	require.Len(t, all, 3)
	assert.Equal(t, "sess_aaaaaaaa", all[0].SessionID, "listings are sorted")

	byAgent := reg.SessionsByAgent("a1")
	require.Len(t, byAgent, 2)

	byType := reg.SessionsByAgentType(AgentAider)
	require.Len(t, byType, 1)
	assert.Equal(t, "sess_cccccccc", byType[0].SessionID)
}

func TestRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t, 0)
	ctx := context.Background()
	repo := t.TempDir()

	original := SessionReport{
		SessionID:    "sess_dddddddd",
		AgentID:      "a1",
		AgentType:    AgentClaude,
		Task:         "implement feature",
		BranchName:   "agent/feature",
		BaseBranch:   "main",
		WorktreePath: repo + "/wt",
		RepoPath:     repo,
		Status:       StatusWatching,
		Created:      time.Now().UTC().Truncate(time.Second),
		Updated:      time.Now().UTC().Truncate(time.Second),
		CommitCount:  3,
		LastCommit:   "cafebabe",
	}
	require.NoError(t, statedir.WriteJSONAtomic(statedir.SessionFile(repo, original.SessionID), &original))

	raw, err := json.Marshal(original)
	require.NoError(t, err)
	reg.IngestSessionFile(ctx, repo, raw)

	got, ok := reg.GetSession(original.SessionID)
	require.True(t, ok)
	assert.Equal(t, original, got)
}
