// Package locks implements advisory per-file locking between sessions.
// The authoritative table is locks.json at the state directory root; the
// manager keeps a per-repository in-memory mirror and persists every
// mutation atomically so external agents can read a consistent table.
package locks

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

// DefaultTTL is how long a lock lives without activity on its path.
const DefaultTTL = 24 * time.Hour

const eventSource = "locks"

// Lock is one exclusive claim on one repository-relative path. The on-disk
// locks.json is an object keyed by filePath, so the struct is also its own
// map value; Path is re-derived from the key on load.
type Lock struct {
	RepoPath     string    `json:"repoPath"`
	Path         string    `json:"filePath"`
	SessionID    string    `json:"sessionId"`
	AgentID      string    `json:"agentId,omitempty"`
	AgentType    string    `json:"agentType,omitempty"`
	BranchName   string    `json:"branchName,omitempty"`
	AutoLocked   bool      `json:"autoLocked"`
	LockedAt     time.Time `json:"lockedAt"`
	LastModified time.Time `json:"lastModified"`
}

// Expired reports whether the lock has been inactive longer than ttl.
func (l Lock) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.LastModified) > ttl
}

// Claim identifies who wants a lock.
type Claim struct {
	SessionID  string
	AgentID    string
	AgentType  string
	BranchName string
}

// Outcome classifies an auto-lock attempt.
type Outcome string

const (
	OutcomeHeld     Outcome = "held"     // lock acquired or already ours
	OutcomeConflict Outcome = "conflict" // another session holds the path
	OutcomeSkipped  Outcome = "skipped"  // path is not lockable
)

// LockEvent is the payload of lock.changed events.
type LockEvent struct {
	RepoPath string `json:"repoPath"`
	Action   string `json:"action"` // acquired | released | expired | force_released
	Lock     Lock   `json:"lock"`
}

// ConflictEvent is the payload of conflict.detected events.
type ConflictEvent struct {
	RepoPath      string    `json:"repoPath"`
	File          string    `json:"file"`
	SessionID     string    `json:"session"`       // the session that wanted the lock
	ConflictsWith string    `json:"conflictsWith"` // the holder's agent type
	Reason        string    `json:"reason"`
	DeclaredAt    time.Time `json:"declaredAt"`
	Holder        Lock      `json:"holder"`
}

// skipPrefixes and skipNames exclude generated and tooling paths from
// locking. Locks on them would only generate noise.
var skipPrefixes = []string{
	"node_modules/",
	".git/",
	"dist/",
	"build/",
	".next/",
	statedir.DirName + "/",
}

var skipNames = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	".DS_Store":         true,
}

// Manager owns the lock tables for all coordinated repositories.
type Manager struct {
	mu       sync.Mutex
	tables   map[string][]Lock // keyed by repo path
	ttl      time.Duration
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewManager creates a lock manager.
func NewManager(eventBus bus.EventBus, ttl time.Duration, log *logger.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		tables:   make(map[string][]Lock),
		ttl:      ttl,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "locks")),
	}
}

// NormalizePath converts a path to its canonical lock key: repository
// relative with forward slashes. Absolute paths outside the repository are
// returned unchanged so the caller can decide to skip them.
func NormalizePath(repoPath, path string) string {
	if filepath.IsAbs(path) {
		if rel, err := filepath.Rel(repoPath, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
	}
	return filepath.ToSlash(path)
}

// Lockable reports whether a normalized path participates in locking.
func Lockable(path string) bool {
	if skipNames[filepath.Base(path)] {
		return false
	}
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(path, prefix) || strings.Contains(path, "/"+prefix) {
			return false
		}
	}
	return true
}

// AutoLockFile claims a path for a session on first touch. Already holding
// the lock refreshes its lastModified. A live claim by another session is a
// conflict; expired foreign claims are replaced.
func (m *Manager) AutoLockFile(ctx context.Context, repoPath, path string, claim Claim) Outcome {
	key := NormalizePath(repoPath, path)
	if !Lockable(key) {
		return OutcomeSkipped
	}
	now := time.Now().UTC()

	m.mu.Lock()
	table := m.load(repoPath)

	var evicted *Lock
	for i := range table {
		if table[i].Path != key {
			continue
		}
		if table[i].SessionID == claim.SessionID {
			table[i].LastModified = now
			m.persist(repoPath, table)
			m.mu.Unlock()
			return OutcomeHeld
		}
		if !table[i].Expired(now, m.ttl) {
			holder := table[i]
			m.mu.Unlock()
			m.publish(ctx, events.ConflictDetected, ConflictEvent{
				RepoPath:      repoPath,
				File:          key,
				SessionID:     claim.SessionID,
				ConflictsWith: holder.AgentType,
				Reason:        "file is locked by session " + holder.SessionID,
				DeclaredAt:    holder.LockedAt,
				Holder:        holder,
			})
			return OutcomeConflict
		}
		lock := table[i]
		evicted = &lock
		table = append(table[:i], table[i+1:]...)
		break
	}

	lock := Lock{
		RepoPath:     repoPath,
		Path:         key,
		SessionID:    claim.SessionID,
		AgentID:      claim.AgentID,
		AgentType:    claim.AgentType,
		BranchName:   claim.BranchName,
		AutoLocked:   true,
		LockedAt:     now,
		LastModified: now,
	}
	table = append(table, lock)
	m.persist(repoPath, table)
	m.mu.Unlock()

	if evicted != nil {
		m.publish(ctx, events.LockChanged, LockEvent{RepoPath: repoPath, Action: "expired", Lock: *evicted})
	}
	m.publish(ctx, events.LockChanged, LockEvent{RepoPath: repoPath, Action: "acquired", Lock: lock})
	return OutcomeHeld
}

// CheckConflicts returns the live locks held by other sessions on any of
// the given paths.
func (m *Manager) CheckConflicts(repoPath string, paths []string, sessionID string) []Lock {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.load(repoPath)

	var conflicts []Lock
	for _, p := range paths {
		key := NormalizePath(repoPath, p)
		for _, lock := range table {
			if lock.Path == key && lock.SessionID != sessionID && !lock.Expired(now, m.ttl) {
				conflicts = append(conflicts, lock)
			}
		}
	}
	return conflicts
}

// RepoLocks returns a copy of a repository's full lock table.
func (m *Manager) RepoLocks(repoPath string) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.load(repoPath)
	out := make([]Lock, len(table))
	copy(out, table)
	return out
}

// HeldBy returns the paths a session currently holds in a repository.
func (m *Manager) HeldBy(repoPath, sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var paths []string
	for _, lock := range m.load(repoPath) {
		if lock.SessionID == sessionID {
			paths = append(paths, lock.Path)
		}
	}
	return paths
}

// ReleaseSessionLocks drops every lock a session holds, e.g. on close.
func (m *Manager) ReleaseSessionLocks(ctx context.Context, repoPath, sessionID string) int {
	m.mu.Lock()
	table := m.load(repoPath)

	var kept []Lock
	var released []Lock
	for _, lock := range table {
		if lock.SessionID == sessionID {
			released = append(released, lock)
		} else {
			kept = append(kept, lock)
		}
	}
	if len(released) > 0 {
		m.persist(repoPath, kept)
	}
	m.mu.Unlock()

	for _, lock := range released {
		m.publish(ctx, events.LockChanged, LockEvent{RepoPath: repoPath, Action: "released", Lock: lock})
	}
	return len(released)
}

// ForceReleaseLock removes one lock regardless of owner. Operator action.
func (m *Manager) ForceReleaseLock(ctx context.Context, repoPath, path string) bool {
	key := NormalizePath(repoPath, path)

	m.mu.Lock()
	table := m.load(repoPath)
	var removed *Lock
	for i := range table {
		if table[i].Path == key {
			lock := table[i]
			removed = &lock
			table = append(table[:i], table[i+1:]...)
			m.persist(repoPath, table)
			break
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return false
	}
	m.logger.Info("Force-released lock",
		zap.String("repo_path", repoPath),
		zap.String("path", key),
		zap.String("session_id", removed.SessionID))
	m.publish(ctx, events.LockChanged, LockEvent{RepoPath: repoPath, Action: "force_released", Lock: *removed})
	return true
}

// CleanupExpired sweeps a repository's table, dropping expired locks. One
// event is emitted per dropped lock so observers can attribute them.
func (m *Manager) CleanupExpired(ctx context.Context, repoPath string) int {
	now := time.Now().UTC()

	m.mu.Lock()
	table := m.load(repoPath)
	var kept []Lock
	var expired []Lock
	for _, lock := range table {
		if lock.Expired(now, m.ttl) {
			expired = append(expired, lock)
		} else {
			kept = append(kept, lock)
		}
	}
	if len(expired) > 0 {
		m.persist(repoPath, kept)
	}
	m.mu.Unlock()

	for _, lock := range expired {
		m.publish(ctx, events.LockChanged, LockEvent{RepoPath: repoPath, Action: "released", Lock: lock})
	}
	return len(expired)
}

// Reload discards the in-memory mirror so the next access re-reads
// locks.json. Called when the file changes on disk under an external editor.
func (m *Manager) Reload(repoPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, repoPath)
}

// load returns the repo's table, reading locks.json on first access.
// Callers hold m.mu.
func (m *Manager) load(repoPath string) []Lock {
	if table, ok := m.tables[repoPath]; ok {
		return table
	}
	onDisk := make(map[string]Lock)
	err := statedir.ReadJSON(statedir.LocksFile(repoPath), &onDisk)
	if err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Malformed locks file, starting from an empty table",
			zap.String("repo_path", repoPath), zap.Error(err))
	}
	table := make([]Lock, 0, len(onDisk))
	for path, lock := range onDisk {
		lock.Path = path
		lock.RepoPath = repoPath
		table = append(table, lock)
	}
	sort.Slice(table, func(i, j int) bool { return table[i].Path < table[j].Path })
	m.tables[repoPath] = table
	return table
}

// persist writes the table atomically as a path-keyed object. An emptied
// table is still written so readers see the truncation. Callers hold m.mu.
func (m *Manager) persist(repoPath string, table []Lock) {
	m.tables[repoPath] = table
	onDisk := make(map[string]Lock, len(table))
	for _, lock := range table {
		onDisk[lock.Path] = lock
	}
	if err := statedir.WriteJSONAtomic(statedir.LocksFile(repoPath), onDisk); err != nil {
		m.logger.Error("Failed to persist lock table",
			zap.String("repo_path", repoPath), zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, data interface{}) {
	if m.eventBus == nil {
		return
	}
	if err := m.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		m.logger.Warn("Failed to publish event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
