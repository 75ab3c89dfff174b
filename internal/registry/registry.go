// Package registry maintains the in-memory index of agents and sessions
// sourced from each repository's state directory. All mutations are
// serialised behind one mutex; other components read through the public
// contract and never share memory with the registry.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

// DefaultHeartbeatTTL is the maximum heartbeat age before an agent is
// considered not alive.
const DefaultHeartbeatTTL = 90 * time.Second

const eventSource = "registry"

// Registry is the agent/session index.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]*Agent
	sessions     map[string]*SessionReport
	heartbeatTTL time.Duration
	eventBus     bus.EventBus
	logger       *logger.Logger
}

// New creates a registry publishing to the given event bus.
func New(eventBus bus.EventBus, heartbeatTTL time.Duration, log *logger.Logger) *Registry {
	if heartbeatTTL <= 0 {
		heartbeatTTL = DefaultHeartbeatTTL
	}
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		agents:       make(map[string]*Agent),
		sessions:     make(map[string]*SessionReport),
		heartbeatTTL: heartbeatTTL,
		eventBus:     eventBus,
		logger:       log.WithFields(zap.String("component", "registry")),
	}
}

// ListAgents returns a snapshot of all known agents, sorted by agent ID.
func (r *Registry) ListAgents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// GetAgent returns a copy of one agent record.
func (r *Registry) GetAgent(agentID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// ListSessions returns a snapshot of all known sessions, sorted by session ID.
func (r *Registry) ListSessions() []SessionReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionReport, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// GetSession returns a copy of one session record.
func (r *Registry) GetSession(sessionID string) (SessionReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return SessionReport{}, false
	}
	return *s, true
}

// SessionsByAgent returns the sessions owned by one agent.
func (r *Registry) SessionsByAgent(agentID string) []SessionReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SessionReport
	for _, s := range r.sessions {
		if s.AgentID == agentID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// SessionsByAgentType returns the sessions owned by agents of one type.
func (r *Registry) SessionsByAgentType(agentType AgentType) []SessionReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SessionReport
	for _, s := range r.sessions {
		if s.AgentType == agentType {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// IngestAgentFile upserts an agent record from the raw contents of
// agents/<agentId>.json. Invalid JSON is logged and dropped; it never
// poisons the map.
func (r *Registry) IngestAgentFile(ctx context.Context, repoPath string, contents []byte) {
	var agent Agent
	if err := json.Unmarshal(contents, &agent); err != nil {
		r.logger.Warn("Dropping malformed agent file",
			zap.String("repo_path", repoPath), zap.Error(err))
		return
	}
	if err := agent.Validate(); err != nil {
		r.logger.Warn("Dropping invalid agent record",
			zap.String("repo_path", repoPath), zap.Error(err))
		return
	}
	agent.RepoPath = repoPath
	agent.Provisional = false

	// Unknown capabilities are dropped, not fatal: a newer agent build may
	// advertise things this coordinator does not know yet.
	kept := agent.Capabilities[:0]
	for _, c := range agent.Capabilities {
		if ValidCapability(c) {
			kept = append(kept, c)
		} else {
			r.logger.Warn("Dropping unknown agent capability",
				zap.String("agent_id", agent.AgentID),
				zap.String("capability", c))
		}
	}
	agent.Capabilities = kept

	r.mu.Lock()
	existing, known := r.agents[agent.AgentID]
	if known {
		// Preserve the observed heartbeat; the file does not carry it.
		agent.LastHeartbeat = existing.LastHeartbeat
	} else if agent.LastHeartbeat.IsZero() {
		// A freshly registered agent counts as just seen.
		agent.LastHeartbeat = time.Now().UTC()
	}
	agent.IsAlive = r.alive(agent.LastHeartbeat, time.Now())
	r.agents[agent.AgentID] = &agent
	r.mu.Unlock()

	if known && !existing.Provisional {
		r.publish(ctx, events.AgentStatusChanged, agent)
	} else {
		r.publish(ctx, events.AgentRegistered, agent)
	}
}

// IngestSessionFile upserts a session record from the raw contents of
// sessions/<sessionId>.json. Unknown owning agents are synthesised as
// provisional records so the view stays coherent until the agent registers.
func (r *Registry) IngestSessionFile(ctx context.Context, repoPath string, contents []byte) {
	var session SessionReport
	if err := json.Unmarshal(contents, &session); err != nil {
		r.logger.Warn("Dropping malformed session file",
			zap.String("repo_path", repoPath), zap.Error(err))
		return
	}
	if err := session.Validate(); err != nil {
		r.logger.Warn("Dropping invalid session record",
			zap.String("repo_path", repoPath), zap.Error(err))
		return
	}
	if session.RepoPath == "" {
		session.RepoPath = repoPath
	}
	if session.WorktreePath == "" {
		session.WorktreePath = session.RepoPath
	}
	if session.Status == "" {
		session.Status = StatusIdle
	}

	var provisional *Agent

	r.mu.Lock()
	_, known := r.sessions[session.SessionID]
	r.sessions[session.SessionID] = &session

	if session.AgentID != "" {
		if _, ok := r.agents[session.AgentID]; !ok {
			provisional = &Agent{
				AgentID:       session.AgentID,
				AgentType:     session.AgentType,
				AgentName:     string(session.AgentType),
				RepoPath:      session.RepoPath,
				StartedAt:     session.Created,
				LastHeartbeat: time.Now().UTC(),
				IsAlive:       true,
				Provisional:   true,
			}
			r.agents[session.AgentID] = provisional
		}
	}
	r.mu.Unlock()

	if provisional != nil {
		r.publish(ctx, events.AgentRegistered, *provisional)
	}
	if known {
		r.publish(ctx, events.SessionUpdated, session)
	} else {
		r.publish(ctx, events.SessionReported, session)
	}
}

// UpdateSession applies a mutation to a session through the registry's
// single-writer path and persists the updated report back to disk.
func (r *Registry) UpdateSession(ctx context.Context, sessionID string, mutate func(*SessionReport)) error {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s not found", sessionID)
	}
	mutate(session)
	session.Updated = time.Now().UTC()
	snapshot := *session
	r.mu.Unlock()

	if err := statedir.WriteJSONAtomic(statedir.SessionFile(snapshot.RepoPath, sessionID), &snapshot); err != nil {
		r.logger.Warn("Failed to persist session update",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	r.publish(ctx, events.SessionUpdated, snapshot)
	return nil
}

// IngestHeartbeat records the last heartbeat instant for an agent.
func (r *Registry) IngestHeartbeat(ctx context.Context, agentID string, ts time.Time) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	agent.LastHeartbeat = ts
	wasAlive := agent.IsAlive
	agent.IsAlive = r.alive(ts, time.Now())
	snapshot := *agent
	r.mu.Unlock()

	r.publish(ctx, events.AgentHeartbeat, snapshot)
	if snapshot.IsAlive != wasAlive {
		r.publish(ctx, events.AgentStatusChanged, snapshot)
	}
}

// RemoveAgent drops an agent record. Driven by file deletion only.
func (r *Registry) RemoveAgent(ctx context.Context, agentID string) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if ok {
		r.publish(ctx, events.AgentUnregistered, *agent)
	}
}

// RemoveSession drops a session record. Driven by file deletion only.
func (r *Registry) RemoveSession(ctx context.Context, sessionID string) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if ok {
		r.publish(ctx, events.SessionClosed, *session)
	}
}

// ReportActivity publishes an activity entry to observers.
func (r *Registry) ReportActivity(ctx context.Context, entry ActivityEntry) {
	r.publish(ctx, events.ActivityReported, entry)
}

// SweepLiveness recomputes the derived isAlive view for every agent and
// emits a status change for each flip. Run on a timer so liveness decays
// without any file activity.
func (r *Registry) SweepLiveness(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	var changed []Agent
	for _, agent := range r.agents {
		alive := r.alive(agent.LastHeartbeat, now)
		if alive != agent.IsAlive {
			agent.IsAlive = alive
			changed = append(changed, *agent)
		}
	}
	r.mu.Unlock()

	for _, agent := range changed {
		r.logger.Info("Agent liveness changed",
			zap.String("agent_id", agent.AgentID),
			zap.Bool("is_alive", agent.IsAlive))
		r.publish(ctx, events.AgentStatusChanged, agent)
	}
}

func (r *Registry) alive(lastHeartbeat time.Time, now time.Time) bool {
	if lastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(lastHeartbeat) <= r.heartbeatTTL
}

func (r *Registry) publish(ctx context.Context, eventType string, data interface{}) {
	if r.eventBus == nil {
		return
	}
	if err := r.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		r.logger.Warn("Failed to publish event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
