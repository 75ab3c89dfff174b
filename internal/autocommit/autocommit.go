// Package autocommit watches each session's working tree and turns bursts
// of file changes into debounced commits. One watcher per session; the
// commit pipeline for a session is serialised so commits never interleave.
package autocommit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/s9nkit/devops-agent/internal/activity"
	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	"github.com/s9nkit/devops-agent/internal/gitexec"
	"github.com/s9nkit/devops-agent/internal/locks"
	"github.com/s9nkit/devops-agent/internal/registry"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

// Git is the subset of git operations the commit pipeline needs.
type Git interface {
	Status(ctx context.Context, repoPath string) (*gitexec.Status, error)
	Add(ctx context.Context, repoPath string, paths ...string) error
	Commit(ctx context.Context, repoPath, message string) (hash string, noop bool, err error)
	Push(ctx context.Context, repoPath, remote, branch string) error
}

// Config tunes the debouncer.
type Config struct {
	CommitInterval time.Duration // debounce window
	MinInterval    time.Duration
	MaxInterval    time.Duration
	AutoPush       bool
}

// DefaultConfig returns the standard debounce policy.
func DefaultConfig() Config {
	return Config{
		CommitInterval: 30 * time.Second,
		MinInterval:    10 * time.Second,
		MaxInterval:    300 * time.Second,
	}
}

const eventSource = "autocommit"

// FileChangedEvent is the payload of file.changed events.
type FileChangedEvent struct {
	SessionID string `json:"sessionId"`
	RepoPath  string `json:"repoPath"`
	Path      string `json:"path"`
	Op        string `json:"op"`
}

// CommitEvent is the payload of commit.triggered and commit.completed.
type CommitEvent struct {
	SessionID string `json:"sessionId"`
	RepoPath  string `json:"repoPath"`
	Hash      string `json:"hash,omitempty"`
	Message   string `json:"message,omitempty"`
	FileCount int    `json:"fileCount"`
	Manual    bool   `json:"manual,omitempty"`
}

// Manager owns the per-session watchers.
type Manager struct {
	git      Git
	locks    *locks.Manager
	activity *activity.Recorder
	registry *registry.Registry
	eventBus bus.EventBus
	config   Config
	logger   *logger.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
}

// NewManager creates the auto-commit manager.
func NewManager(git Git, lockMgr *locks.Manager, rec *activity.Recorder, reg *registry.Registry, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Manager {
	def := DefaultConfig()
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = def.CommitInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		git:      git,
		locks:    lockMgr,
		activity: rec,
		registry: reg,
		eventBus: eventBus,
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "autocommit")),
		watchers: make(map[string]*watcher),
	}
}

// StartWatching begins observing a session's working tree. A positive
// interval overrides the repo-level debounce window for this session.
// Starting an already-watched session is a no-op.
func (m *Manager) StartWatching(ctx context.Context, session registry.SessionReport, interval time.Duration) error {
	m.mu.Lock()
	if _, ok := m.watchers[session.SessionID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	interval = m.intervalFor(session.RepoPath, interval)
	repoCfg, err := statedir.LoadRepoConfig(session.RepoPath)
	if err != nil {
		m.logger.Warn("Ignoring malformed repo config",
			zap.String("repo_path", session.RepoPath), zap.Error(err))
		repoCfg = statedir.RepoConfig{}
	}

	w, err := newWatcher(m, session, interval, repoCfg)
	if err != nil {
		return fmt.Errorf("watch %s: %w", session.SessionID, err)
	}

	m.mu.Lock()
	if _, ok := m.watchers[session.SessionID]; ok {
		m.mu.Unlock()
		w.stopWatcher()
		return nil
	}
	m.watchers[session.SessionID] = w
	m.mu.Unlock()

	w.start(ctx)
	m.logger.Info("Started watching session",
		zap.String("session_id", session.SessionID),
		zap.String("worktree", session.WorktreePath),
		zap.Duration("interval", interval))
	return nil
}

// StopWatching stops a session's watcher, flushing pending changes into a
// final commit first. Stopping an unknown session is a no-op.
func (m *Manager) StopWatching(ctx context.Context, sessionID string) {
	m.mu.Lock()
	w, ok := m.watchers[sessionID]
	if ok {
		delete(m.watchers, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	w.flush(ctx)
	w.stopWatcher()
	m.logger.Info("Stopped watching session", zap.String("session_id", sessionID))
}

// StopAll stops every watcher, flushing each.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]string, 0, len(m.watchers))
	for id := range m.watchers {
		all = append(all, id)
	}
	m.mu.Unlock()
	for _, id := range all {
		m.StopWatching(ctx, id)
	}
}

// Pause suspends a session's pipeline; changes keep accumulating.
func (m *Manager) Pause(sessionID string) bool {
	if w := m.watcher(sessionID); w != nil {
		w.setPaused(true)
		return true
	}
	return false
}

// Resume re-enables a paused session's pipeline.
func (m *Manager) Resume(sessionID string) bool {
	if w := m.watcher(sessionID); w != nil {
		w.setPaused(false)
		w.rearm()
		return true
	}
	return false
}

// TriggerCommit runs the commit pipeline immediately, outside the debounce
// window. An empty message falls back to the usual message sources.
func (m *Manager) TriggerCommit(ctx context.Context, sessionID, message string) error {
	w := m.watcher(sessionID)
	if w == nil {
		return fmt.Errorf("session %s is not being watched", sessionID)
	}
	return w.commit(ctx, message, true)
}

// Watching reports whether a session has an active watcher.
func (m *Manager) Watching(sessionID string) bool {
	return m.watcher(sessionID) != nil
}

// PendingChanges reports whether a session has uncommitted observed
// changes. The rebase watcher defers while this is true.
func (m *Manager) PendingChanges(sessionID string) bool {
	w := m.watcher(sessionID)
	if w == nil {
		return false
	}
	return w.pendingCount() > 0
}

func (m *Manager) watcher(sessionID string) *watcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watchers[sessionID]
}

// intervalFor resolves the effective debounce window. A session-level
// override wins over the repo config; both are clamped into the allowed
// band.
func (m *Manager) intervalFor(repoPath string, override time.Duration) time.Duration {
	interval := override
	if interval <= 0 {
		repoCfg, err := statedir.LoadRepoConfig(repoPath)
		if err != nil || repoCfg.CommitIntervalSeconds == 0 {
			return m.config.CommitInterval
		}
		interval = time.Duration(repoCfg.CommitIntervalSeconds) * time.Second
	}
	if interval < m.config.MinInterval {
		return m.config.MinInterval
	}
	if interval > m.config.MaxInterval {
		return m.config.MaxInterval
	}
	return interval
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

// defaultIgnores are path fragments never worth committing on.
var defaultIgnores = []string{
	".git/",
	"node_modules/",
	"dist/",
	"build/",
	".next/",
	statedir.DirName + "/",
}

// watcher is the per-session state machine.
type watcher struct {
	manager  *Manager
	session  registry.SessionReport
	interval time.Duration
	repoCfg  statedir.RepoConfig
	fsw      *fsnotify.Watcher
	logger   *logger.Logger

	mu         sync.Mutex
	pending    map[string]struct{}
	conflicted map[string]struct{}
	timer      *time.Timer
	paused     bool

	// commitMu serialises the commit pipeline for this session.
	commitMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func newWatcher(m *Manager, session registry.SessionReport, interval time.Duration, repoCfg statedir.RepoConfig) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		manager:    m,
		session:    session,
		interval:   interval,
		repoCfg:    repoCfg,
		fsw:        fsw,
		logger:     m.logger.WithSessionID(session.SessionID),
		pending:    make(map[string]struct{}),
		conflicted: make(map[string]struct{}),
		stop:       make(chan struct{}),
	}
	if err := w.watchTree(session.WorktreePath); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// watchTree installs watches on a directory and its descendants. fsnotify
// watches are not recursive.
func (w *watcher) watchTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(w.session.WorktreePath, path); relErr == nil && rel != "." {
			if w.ignored(filepath.ToSlash(rel) + "/") {
				return filepath.SkipDir
			}
		}
		return w.fsw.Add(path)
	})
}

func (w *watcher) start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *watcher) stopWatcher() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.fsw.Close()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
	w.wg.Wait()
}

func (w *watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New directories need their own watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watchTree(event.Name)
			return
		}
	}

	rel, err := filepath.Rel(w.session.WorktreePath, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)
	if w.ignored(rel) {
		return
	}

	m := w.manager
	outcome := locks.OutcomeHeld
	if m.locks != nil {
		outcome = m.locks.AutoLockFile(ctx, w.session.RepoPath, rel, locks.Claim{
			SessionID:  w.session.SessionID,
			AgentID:    w.session.AgentID,
			AgentType:  string(w.session.AgentType),
			BranchName: w.session.BranchName,
		})
	}

	w.mu.Lock()
	switch outcome {
	case locks.OutcomeConflict:
		// Locked by someone else: observe it, but never stage it.
		w.conflicted[rel] = struct{}{}
	default:
		w.pending[rel] = struct{}{}
		delete(w.conflicted, rel)
	}
	paused := w.paused
	w.mu.Unlock()

	m.publish(ctx, events.FileChanged, FileChangedEvent{
		SessionID: w.session.SessionID,
		RepoPath:  w.session.RepoPath,
		Path:      rel,
		Op:        event.Op.String(),
	})
	if m.activity != nil {
		if outcome == locks.OutcomeConflict {
			m.activity.Record(ctx, w.session.RepoPath, registry.ActivityEntry{
				SessionID: w.session.SessionID,
				Type:      activity.TypeWarning,
				Message:   "file locked by another session: " + rel,
			})
		} else {
			m.activity.File(ctx, w.session.RepoPath, w.session.SessionID, "changed "+rel)
		}
	}

	if !paused && outcome != locks.OutcomeConflict {
		w.rearm()
	}
}

// ignored applies the ignore filters: built-in generated paths, the
// debouncer's own message file, temp artifacts, then per-repo patterns.
func (w *watcher) ignored(rel string) bool {
	base := filepath.Base(rel)
	if base == ".DS_Store" || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".swp") {
		return true
	}
	if base == filepath.Base(statedir.CommitMessageFile(w.session.WorktreePath, w.session.SessionID)) {
		return true
	}
	for _, frag := range defaultIgnores {
		if strings.HasPrefix(rel, frag) || strings.Contains(rel, "/"+frag) {
			return true
		}
	}
	for _, pattern := range w.repoCfg.IgnorePatterns {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	if len(w.repoCfg.WatchPatterns) > 0 && !strings.HasSuffix(rel, "/") {
		for _, pattern := range w.repoCfg.WatchPatterns {
			if ok, _ := filepath.Match(pattern, rel); ok {
				return false
			}
			if ok, _ := filepath.Match(pattern, base); ok {
				return false
			}
		}
		return true
	}
	return false
}

// rearm restarts the debounce timer. Each change pushes the commit out by
// a full window, so a burst lands in one commit.
func (w *watcher) rearm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused {
		return
	}
	if w.timer != nil {
		w.timer.Reset(w.interval)
		return
	}
	w.timer = time.AfterFunc(w.interval, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		if err := w.commit(context.Background(), "", false); err != nil {
			w.logger.Warn("Debounced commit failed", zap.Error(err))
		}
	})
}

func (w *watcher) setPaused(paused bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = paused
	if paused && w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *watcher) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// flush commits whatever is pending, ignoring the paused flag. Used on stop
// so observed work is never silently abandoned.
func (w *watcher) flush(ctx context.Context) {
	if w.pendingCount() == 0 {
		return
	}
	if err := w.commit(ctx, "", false); err != nil {
		w.logger.Warn("Flush commit failed", zap.Error(err))
	}
}

// commit is the serialised pipeline: verify, stage, message, commit,
// report. Returns nil on clean no-ops.
func (w *watcher) commit(ctx context.Context, message string, manual bool) error {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()
	m := w.manager
	worktree := w.session.WorktreePath

	status, err := m.git.Status(ctx, worktree)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if status.Clean {
		// Editors often rewrite files without changing content.
		w.mu.Lock()
		w.pending = make(map[string]struct{})
		w.mu.Unlock()
		return nil
	}

	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		if _, conflicted := w.conflicted[p]; !conflicted {
			paths = append(paths, p)
		}
	}
	w.mu.Unlock()
	if len(paths) == 0 && !manual {
		return nil
	}

	m.publish(ctx, events.CommitTriggered, CommitEvent{
		SessionID: w.session.SessionID,
		RepoPath:  w.session.RepoPath,
		FileCount: len(paths),
		Manual:    manual,
	})

	if err := m.git.Add(ctx, worktree, paths...); err != nil {
		return w.commitFailed(ctx, "stage", err)
	}

	if message == "" {
		message = w.commitMessage(len(paths), status.Branch)
	}

	hash, noop, err := m.git.Commit(ctx, worktree, message)
	if err != nil {
		return w.commitFailed(ctx, "commit", err)
	}
	if noop {
		w.clearPending(paths)
		return nil
	}
	w.clearPending(paths)

	if m.activity != nil {
		m.activity.Commit(ctx, w.session.RepoPath, w.session.SessionID, message, map[string]string{
			"hash":  hash,
			"files": fmt.Sprintf("%d", len(paths)),
		})
	}
	if m.registry != nil {
		_ = m.registry.UpdateSession(ctx, w.session.SessionID, func(s *registry.SessionReport) {
			s.CommitCount++
			s.LastCommit = hash
		})
	}
	m.publish(ctx, events.CommitCompleted, CommitEvent{
		SessionID: w.session.SessionID,
		RepoPath:  w.session.RepoPath,
		Hash:      hash,
		Message:   message,
		FileCount: len(paths),
		Manual:    manual,
	})

	if m.config.AutoPush {
		if err := m.git.Push(ctx, worktree, "origin", w.session.BranchName); err != nil {
			// Push failures never fail the commit.
			w.logger.Warn("Auto-push failed", zap.Error(err))
		}
	}
	return nil
}

// commitFailed routes a pipeline failure by its git category: auth and
// conflict pause the session for a human, network defers to the next
// window, everything else is surfaced as-is.
func (w *watcher) commitFailed(ctx context.Context, stage string, err error) error {
	m := w.manager
	category := gitexec.CategoryOf(err)

	switch category {
	case gitexec.CategoryNetwork, gitexec.CategoryTimeout:
		w.logger.Warn("Deferring commit after transient failure",
			zap.String("stage", stage), zap.Error(err))
		w.rearm()
		return nil
	case gitexec.CategoryAuthRequired, gitexec.CategoryConflict:
		if m.activity != nil {
			m.activity.Error(ctx, w.session.RepoPath, w.session.SessionID,
				"auto-commit paused: "+stage+" failed", map[string]string{
					"category": string(category),
					"error":    err.Error(),
				})
		}
		w.setPaused(true)
		return fmt.Errorf("%s failed (%s), session paused: %w", stage, category, err)
	default:
		if m.activity != nil {
			m.activity.Error(ctx, w.session.RepoPath, w.session.SessionID,
				stage+" failed", map[string]string{"error": err.Error()})
		}
		return fmt.Errorf("%s failed: %w", stage, err)
	}
}

// commitMessage resolves the message: an agent-authored message file wins
// and is consumed, otherwise a deterministic fallback.
func (w *watcher) commitMessage(fileCount int, branch string) string {
	msgFile := statedir.CommitMessageFile(w.session.WorktreePath, w.session.SessionID)
	if data, err := os.ReadFile(msgFile); err == nil {
		if msg := strings.TrimSpace(string(data)); msg != "" {
			_ = os.Remove(msgFile)
			return msg
		}
		_ = os.Remove(msgFile)
	}
	if branch == "" {
		branch = w.session.BranchName
	}
	return fmt.Sprintf("chore(%s): auto-commit %d file(s) [%s]",
		branch, fileCount, time.Now().UTC().Format(time.RFC3339))
}

func (w *watcher) clearPending(committed []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range committed {
		delete(w.pending, p)
	}
}
