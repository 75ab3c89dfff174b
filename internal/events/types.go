// Package events provides event subjects and helpers for the coordinator event system.
package events

// Event types for agents
const (
	AgentRegistered    = "agent.registered"
	AgentUnregistered  = "agent.unregistered"
	AgentHeartbeat     = "agent.heartbeat"
	AgentStatusChanged = "agent.status_changed"
)

// Event types for sessions
const (
	SessionReported  = "session.reported"
	SessionUpdated   = "session.updated"
	SessionClosed    = "session.closed"
	ActivityReported = "activity.reported"
)

// Event types for the auto-commit pipeline
const (
	FileChanged     = "file.changed"
	CommitTriggered = "commit.triggered"
	CommitCompleted = "commit.completed"
)

// Event types for locks
const (
	ConflictDetected = "conflict.detected"
	LockChanged      = "lock.changed"
)

// Event types for the rebase watcher
const (
	RebaseWatcherStatus         = "rebase.watcher_status"
	RebaseRemoteChangesDetected = "rebase.remote_changes_detected"
	RebaseAutoCompleted         = "rebase.auto_completed"
)

// Event types for session recovery
const (
	OrphanedSessionsFound = "orphaned_sessions.found"
	InstanceRecovered     = "instance.recovered"
)

// AllSubjects lists every named outbound event, in the order they were introduced.
// Used by the gateway to forward the full channel to subscribers.
func AllSubjects() []string {
	return []string{
		AgentRegistered,
		AgentUnregistered,
		AgentHeartbeat,
		AgentStatusChanged,
		SessionReported,
		SessionUpdated,
		SessionClosed,
		ActivityReported,
		FileChanged,
		CommitTriggered,
		CommitCompleted,
		ConflictDetected,
		LockChanged,
		RebaseWatcherStatus,
		RebaseRemoteChangesDetected,
		RebaseAutoCompleted,
		OrphanedSessionsFound,
		InstanceRecovered,
	}
}
