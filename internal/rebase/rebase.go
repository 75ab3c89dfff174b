// Package rebase keeps session branches current with their base. Each
// watched session polls the remote; when the base branch moves, the
// session's worktree is rebased automatically. Conflicts stop the machine
// and wait for a human.
package rebase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	"github.com/s9nkit/devops-agent/internal/gitexec"
	"github.com/s9nkit/devops-agent/internal/registry"
)

// Git is the subset of git operations the watcher needs.
type Git interface {
	Fetch(ctx context.Context, repoPath, remote string) error
	CheckRemoteChanges(ctx context.Context, repoPath, branch string) (*gitexec.RemoteChanges, error)
	Rebase(ctx context.Context, repoPath, onto string) error
	AbortRebase(ctx context.Context, repoPath string)
}

// CommitGate reports whether a session has uncommitted observed changes.
// Rebasing under a pending debounce would race the commit pipeline.
type CommitGate interface {
	PendingChanges(sessionID string) bool
}

// ErrRebaseInProgress is returned when a manual trigger races an active
// rebase for the same session.
var ErrRebaseInProgress = errors.New("rebase already in progress")

// State is the watcher lifecycle state for one session.
type State string

const (
	StateWatching State = "watching"
	StatePaused   State = "paused"
	StateRebasing State = "rebasing"
)

// Result records the outcome of a session's most recent rebase attempt.
type Result struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	HadChanges bool   `json:"hadChanges"`
}

// WatchStatus is the observable state of one session's watcher.
type WatchStatus struct {
	SessionID        string    `json:"sessionId"`
	RepoPath         string    `json:"repoPath"`
	BaseBranch       string    `json:"baseBranch"`
	CurrentBranch    string    `json:"currentBranch"`
	State            State     `json:"state"`
	IsRebasing       bool      `json:"isRebasing"`
	BehindCount      int       `json:"behindCount"`
	AheadCount       int       `json:"aheadCount"`
	LastChecked      time.Time `json:"lastChecked,omitempty"`
	LastRebaseResult *Result   `json:"lastRebaseResult,omitempty"`
}

// Config tunes the poller.
type Config struct {
	PollInterval  time.Duration
	DeferInterval time.Duration // retry delay while commits are pending
}

// DefaultConfig returns the standard polling policy.
func DefaultConfig() Config {
	return Config{
		PollInterval:  60 * time.Second,
		DeferInterval: 5 * time.Second,
	}
}

const eventSource = "rebase"

// StatusEvent is the payload of rebase.watcher_status events.
type StatusEvent struct {
	SessionID string `json:"sessionId"`
	RepoPath  string `json:"repoPath"`
	State     State  `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// RemoteChangesEvent is the payload of rebase.remote_changes_detected.
type RemoteChangesEvent struct {
	SessionID string `json:"sessionId"`
	RepoPath  string `json:"repoPath"`
	Branch    string `json:"branch"`
	Behind    int    `json:"behind"`
	Ahead     int    `json:"ahead"`
}

// CompletedEvent is the payload of rebase.auto_completed.
type CompletedEvent struct {
	SessionID string `json:"sessionId"`
	RepoPath  string `json:"repoPath"`
	Onto      string `json:"onto"`
}

// Manager owns the per-session rebase watchers.
type Manager struct {
	git      Git
	gate     CommitGate
	eventBus bus.EventBus
	config   Config
	logger   *logger.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
}

// NewManager creates the rebase manager.
func NewManager(git Git, gate CommitGate, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Manager {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DeferInterval <= 0 {
		cfg.DeferInterval = def.DeferInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		git:      git,
		gate:     gate,
		eventBus: eventBus,
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "rebase")),
		watchers: make(map[string]*watcher),
	}
}

// Watch starts polling for a session. Watching twice is a no-op.
func (m *Manager) Watch(ctx context.Context, session registry.SessionReport) {
	m.mu.Lock()
	if _, ok := m.watchers[session.SessionID]; ok {
		m.mu.Unlock()
		return
	}
	w := &watcher{
		manager: m,
		session: session,
		state:   StateWatching,
		logger:  m.logger.WithSessionID(session.SessionID),
		stop:    make(chan struct{}),
		kick:    make(chan string, 1),
	}
	m.watchers[session.SessionID] = w
	m.mu.Unlock()

	w.wg.Add(1)
	go w.poll(ctx)
	m.logger.Info("Watching session for remote changes",
		zap.String("session_id", session.SessionID),
		zap.String("base_branch", session.BaseBranch))
}

// Unwatch stops and removes a session's poller. Any in-flight rebase is
// aborted so the worktree is left clean.
func (m *Manager) Unwatch(ctx context.Context, sessionID string) {
	m.mu.Lock()
	w, ok := m.watchers[sessionID]
	if ok {
		delete(m.watchers, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	w.dispose(ctx)
}

// UnwatchAll disposes every poller.
func (m *Manager) UnwatchAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]string, 0, len(m.watchers))
	for id := range m.watchers {
		all = append(all, id)
	}
	m.mu.Unlock()
	for _, id := range all {
		m.Unwatch(ctx, id)
	}
}

// Pause suspends polling for a session without tearing it down.
func (m *Manager) Pause(ctx context.Context, sessionID string) bool {
	w := m.watcher(sessionID)
	if w == nil {
		return false
	}
	w.setState(ctx, StatePaused, "paused by request")
	return true
}

// Resume restarts a paused session's polling.
func (m *Manager) Resume(ctx context.Context, sessionID string) bool {
	w := m.watcher(sessionID)
	if w == nil {
		return false
	}
	w.setState(ctx, StateWatching, "resumed")
	return true
}

// ForceCheck runs one poll cycle immediately, bypassing the poll cadence.
// A paused watcher still fetches and refreshes the behind/ahead counts,
// but the rebase itself waits for Resume.
func (m *Manager) ForceCheck(ctx context.Context, sessionID string) error {
	w := m.watcher(sessionID)
	if w == nil {
		return fmt.Errorf("session %s is not watched", sessionID)
	}
	return w.check(ctx, true)
}

// TriggerRebase rebases a session's worktree now, without waiting for the
// remote check. Returns ErrRebaseInProgress when a rebase is already
// running for the session.
func (m *Manager) TriggerRebase(ctx context.Context, sessionID string) error {
	w := m.watcher(sessionID)
	if w == nil {
		return fmt.Errorf("session %s is not watched", sessionID)
	}
	return w.rebase(ctx)
}

// SessionState returns a session's watcher state.
func (m *Manager) SessionState(sessionID string) (State, bool) {
	w := m.watcher(sessionID)
	if w == nil {
		return "", false
	}
	return w.currentState(), true
}

// Status returns the full observable state of a session's watcher.
func (m *Manager) Status(sessionID string) (WatchStatus, bool) {
	w := m.watcher(sessionID)
	if w == nil {
		return WatchStatus{}, false
	}
	return w.status(), true
}

func (m *Manager) watcher(sessionID string) *watcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watchers[sessionID]
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

// watcher polls one session.
type watcher struct {
	manager *Manager
	session registry.SessionReport
	logger  *logger.Logger

	mu          sync.Mutex
	state       State
	inProgress  bool
	behind      int
	ahead       int
	lastChecked time.Time
	lastResult  *Result

	stop     chan struct{}
	kick     chan string
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (w *watcher) poll(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.manager.config.PollInterval)
	defer ticker.Stop()

	// The first tick establishes the baseline counts but never rebases: a
	// coordinator restart must not immediately rebase every session.
	first := true
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if first {
				first = false
				if w.currentState() == StateWatching {
					if _, err := w.observe(ctx); err != nil {
						w.logger.Warn("Baseline check failed", zap.Error(err))
					}
				}
				continue
			}
			if w.currentState() != StateWatching {
				continue
			}
			if err := w.check(ctx, false); err != nil {
				w.logger.Warn("Remote check failed", zap.Error(err))
			}
		case <-w.kick:
			if w.currentState() != StateWatching {
				continue
			}
			if err := w.check(ctx, false); err != nil {
				w.logger.Warn("Deferred check failed", zap.Error(err))
			}
		}
	}
}

// observe fetches and compares the base branch against its remote, recording
// the behind/ahead counts on the watcher.
func (w *watcher) observe(ctx context.Context) (*gitexec.RemoteChanges, error) {
	m := w.manager

	if err := m.git.Fetch(ctx, w.session.WorktreePath, "origin"); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	changes, err := m.git.CheckRemoteChanges(ctx, w.session.WorktreePath, w.session.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("check remote: %w", err)
	}

	w.mu.Lock()
	w.behind = changes.Behind
	w.ahead = changes.Ahead
	w.lastChecked = time.Now().UTC()
	w.mu.Unlock()

	if changes.Behind > 0 {
		m.publish(ctx, events.RebaseRemoteChangesDetected, RemoteChangesEvent{
			SessionID: w.session.SessionID,
			RepoPath:  w.session.RepoPath,
			Branch:    w.session.BaseBranch,
			Behind:    changes.Behind,
			Ahead:     changes.Ahead,
		})
	}
	return changes, nil
}

// check runs one poll cycle; behind means a rebase is due. force runs the
// cycle even from a paused watcher, but a paused watcher only observes: the
// rebase itself waits for resume.
func (w *watcher) check(ctx context.Context, force bool) error {
	state := w.currentState()
	if state != StateWatching && !force {
		return nil
	}

	changes, err := w.observe(ctx)
	if err != nil {
		return err
	}
	if changes.Behind == 0 {
		return nil
	}
	if state != StateWatching {
		return nil
	}

	// Never rebase under a pending commit debounce; retry shortly after
	// the pipeline has had a chance to fire.
	m := w.manager
	if m.gate != nil && m.gate.PendingChanges(w.session.SessionID) {
		w.logger.Info("Deferring rebase, commit pending")
		w.reschedule()
		return nil
	}

	if err := w.rebase(ctx); err != nil {
		if errors.Is(err, ErrRebaseInProgress) {
			return nil
		}
		return err
	}
	return nil
}

// rebase replays the session branch onto the freshly fetched base. Only one
// rebase per session runs at a time. Any failure parks the watcher:
// unattended retries would just repeat it.
func (w *watcher) rebase(ctx context.Context) error {
	w.mu.Lock()
	if w.inProgress {
		w.mu.Unlock()
		return ErrRebaseInProgress
	}
	w.inProgress = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inProgress = false
		w.mu.Unlock()
	}()

	m := w.manager
	onto := "origin/" + w.session.BaseBranch
	w.setState(ctx, StateRebasing, "remote changes on "+w.session.BaseBranch)

	err := m.git.Rebase(ctx, w.session.WorktreePath, onto)
	if err == nil {
		w.mu.Lock()
		w.behind = 0
		w.lastResult = &Result{Success: true, Message: "rebased onto " + onto, HadChanges: true}
		w.mu.Unlock()
		w.setState(ctx, StateWatching, "rebase completed")
		m.publish(ctx, events.RebaseAutoCompleted, CompletedEvent{
			SessionID: w.session.SessionID,
			RepoPath:  w.session.RepoPath,
			Onto:      onto,
		})
		w.logger.Info("Auto-rebase completed", zap.String("onto", onto))
		return nil
	}

	w.mu.Lock()
	w.lastResult = &Result{Success: false, Message: err.Error()}
	w.mu.Unlock()

	if gitexec.CategoryOf(err) == gitexec.CategoryConflict {
		// Leave the tree clean and hand the conflict to a human.
		m.git.AbortRebase(ctx, w.session.WorktreePath)
		w.setState(ctx, StatePaused, "rebase conflict")
		w.logger.Warn("Rebase conflict, watcher paused", zap.Error(err))
		return fmt.Errorf("rebase onto %s conflicted: %w", onto, err)
	}

	w.setState(ctx, StatePaused, "rebase failed")
	w.logger.Warn("Rebase failed, watcher paused", zap.Error(err))
	return fmt.Errorf("rebase onto %s: %w", onto, err)
}

// reschedule arms a short-delay retry outside the regular poll cadence.
func (w *watcher) reschedule() {
	time.AfterFunc(w.manager.config.DeferInterval, func() {
		select {
		case w.kick <- "deferred":
		default:
		}
	})
}

func (w *watcher) currentState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *watcher) status() WatchStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WatchStatus{
		SessionID:        w.session.SessionID,
		RepoPath:         w.session.RepoPath,
		BaseBranch:       w.session.BaseBranch,
		CurrentBranch:    w.session.BranchName,
		State:            w.state,
		IsRebasing:       w.inProgress,
		BehindCount:      w.behind,
		AheadCount:       w.ahead,
		LastChecked:      w.lastChecked,
		LastRebaseResult: w.lastResult,
	}
}

func (w *watcher) setState(ctx context.Context, state State, reason string) {
	w.mu.Lock()
	if w.state == state {
		w.mu.Unlock()
		return
	}
	w.state = state
	w.mu.Unlock()

	w.manager.publish(ctx, events.RebaseWatcherStatus, StatusEvent{
		SessionID: w.session.SessionID,
		RepoPath:  w.session.RepoPath,
		State:     state,
		Reason:    reason,
	})
}

func (w *watcher) dispose(ctx context.Context) {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	w.wg.Wait()

	w.mu.Lock()
	rebasing := w.state == StateRebasing
	w.mu.Unlock()
	if rebasing {
		w.manager.git.AbortRebase(ctx, w.session.WorktreePath)
	}
}
