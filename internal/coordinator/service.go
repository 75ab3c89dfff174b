// Package coordinator wires the coordination engine together and exposes
// its request verbs. Every verb returns the uniform result envelope;
// failures carry stable codes and are returned, never raised, across the
// request boundary.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/s9nkit/devops-agent/internal/activity"
	"github.com/s9nkit/devops-agent/internal/autocommit"
	"github.com/s9nkit/devops-agent/internal/commands"
	"github.com/s9nkit/devops-agent/internal/common/apperr"
	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/gitexec"
	"github.com/s9nkit/devops-agent/internal/instance"
	"github.com/s9nkit/devops-agent/internal/locks"
	"github.com/s9nkit/devops-agent/internal/rebase"
	"github.com/s9nkit/devops-agent/internal/recovery"
	"github.com/s9nkit/devops-agent/internal/registry"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

// Service is the coordination engine facade.
type Service struct {
	Registry   *registry.Registry
	Locks      *locks.Manager
	Activity   *activity.Recorder
	Commands   *commands.Writer
	AutoCommit *autocommit.Manager
	Rebase     *rebase.Manager
	Instances  *instance.Store
	Recovery   *recovery.Scanner
	Git        *gitexec.Executor

	logger *logger.Logger
}

// NewService assembles the facade from already-constructed components.
func NewService(reg *registry.Registry, lockMgr *locks.Manager, rec *activity.Recorder,
	cmd *commands.Writer, auto *autocommit.Manager, reb *rebase.Manager,
	store *instance.Store, scan *recovery.Scanner, git *gitexec.Executor, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		Registry:   reg,
		Locks:      lockMgr,
		Activity:   rec,
		Commands:   cmd,
		AutoCommit: auto,
		Rebase:     reb,
		Instances:  store,
		Recovery:   scan,
		Git:        git,
		logger:     log.WithFields(zap.String("component", "coordinator")),
	}
}

// CreateSessionRequest is the input of CreateSession.
type CreateSessionRequest struct {
	AgentType  registry.AgentType    `json:"agentType"`
	Task       string                `json:"task"`
	RepoPath   string                `json:"repoPath"`
	BaseBranch string                `json:"baseBranch"`
	BranchName string                `json:"branchName"`
	Config     *instance.AgentConfig `json:"config,omitempty"`
}

// CreateSessionResponse is the output of CreateSession.
type CreateSessionResponse struct {
	Session  registry.SessionReport `json:"session"`
	Instance *instance.Instance     `json:"instance"`
}

// CreateSession provisions a new session: a branch, a worktree, an
// instance record, and the initial session report on disk.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) apperr.Result {
	if req.RepoPath == "" || req.Task == "" {
		return apperr.Fail(apperr.New(apperr.CodeValidationFailed, "repoPath and task are required"))
	}
	if !req.AgentType.Valid() {
		return apperr.Fail(apperr.New(apperr.CodeValidationFailed,
			fmt.Sprintf("unknown agentType %q", req.AgentType)))
	}
	if req.BaseBranch == "" {
		req.BaseBranch = "main"
	}

	cfg := instance.DefaultAgentConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if cfg.CommitInterval != 0 {
		cfg.CommitInterval = clampIntervalSeconds(cfg.CommitInterval)
	}

	sessionID := registry.SessionIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	short := statedir.ShortSessionID(sessionID)
	if req.BranchName == "" {
		req.BranchName = "agent/" + short
	}

	// Without a worktree the agent works directly on the repository.
	worktree := req.RepoPath
	if cfg.UseWorktree {
		worktree = filepath.Join(req.RepoPath, ".worktrees", short)
		if err := s.Git.CreateWorktree(ctx, req.RepoPath, worktree, req.BranchName, req.BaseBranch); err != nil {
			return apperr.Fail(apperr.Wrap(apperr.CodeSessionCreateFailed, "create worktree", err))
		}
	}

	now := time.Now().UTC()
	session := registry.SessionReport{
		SessionID:    sessionID,
		AgentType:    req.AgentType,
		Task:         req.Task,
		BranchName:   req.BranchName,
		BaseBranch:   req.BaseBranch,
		WorktreePath: worktree,
		RepoPath:     req.RepoPath,
		Status:       registry.StatusIdle,
		Created:      now,
		Updated:      now,
	}
	if err := statedir.WriteJSONAtomic(statedir.SessionFile(req.RepoPath, sessionID), &session); err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeSessionCreateFailed, "write session report", err))
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeSessionCreateFailed, "encode config", err))
	}
	inst := &instance.Instance{
		AgentType:    req.AgentType,
		Task:         req.Task,
		RepoPath:     req.RepoPath,
		BaseBranch:   req.BaseBranch,
		BranchName:   req.BranchName,
		WorktreePath: worktree,
		SessionID:    sessionID,
		Status:       instance.StatusWaiting,
		Config:       cfgJSON,
	}
	if err := s.Instances.Create(ctx, inst); err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeInstanceStoreFailed, "record instance", err))
	}

	s.logger.Info("Created session",
		zap.String("session_id", sessionID),
		zap.String("branch", req.BranchName),
		zap.Bool("use_worktree", cfg.UseWorktree))
	return apperr.OK(CreateSessionResponse{Session: session, Instance: inst})
}

// clampIntervalSeconds bounds a requested commit interval to the debounce
// policy's allowed band.
func clampIntervalSeconds(seconds int) int {
	def := autocommit.DefaultConfig()
	interval := time.Duration(seconds) * time.Second
	if interval < def.MinInterval {
		interval = def.MinInterval
	}
	if interval > def.MaxInterval {
		interval = def.MaxInterval
	}
	return int(interval / time.Second)
}

// CloseSession winds a session down: flush pending commits, stop watchers,
// release locks, tell the agent to stop, and mark everything closed.
func (s *Service) CloseSession(ctx context.Context, sessionID string) apperr.Result {
	session, ok := s.Registry.GetSession(sessionID)
	if !ok {
		return apperr.Fail(apperr.New(apperr.CodeSessionNotFound, sessionID))
	}

	s.AutoCommit.StopWatching(ctx, sessionID)
	s.Rebase.Unwatch(ctx, sessionID)

	if held := s.Locks.HeldBy(session.RepoPath, sessionID); len(held) > 0 {
		s.logger.Info("Releasing session locks",
			zap.String("session_id", sessionID),
			zap.Strings("paths", held))
	}
	s.Locks.ReleaseSessionLocks(ctx, session.RepoPath, sessionID)
	_ = s.Locks.ReleaseFiles(session.RepoPath, sessionID)

	if err := s.Commands.Send(session.RepoPath, sessionID, commands.Stop, nil); err != nil {
		s.logger.Warn("Failed to queue stop command",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	if err := s.Registry.UpdateSession(ctx, sessionID, func(r *registry.SessionReport) {
		r.Status = registry.StatusClosed
	}); err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeSessionCloseFailed, "mark closed", err))
	}

	if inst, err := s.Instances.GetBySessionID(ctx, sessionID); err == nil {
		if err := s.Instances.UpdateStatus(ctx, inst.ID, instance.StatusStopped); err != nil {
			s.logger.Warn("Failed to update instance status", zap.Error(err))
		}
	}

	// Worktree hygiene: the branch stays for review, the checkout goes.
	if session.WorktreePath != "" && session.WorktreePath != session.RepoPath {
		if err := s.Git.RemoveWorktree(ctx, session.RepoPath, session.WorktreePath); err != nil {
			s.logger.Warn("Failed to remove worktree",
				zap.String("worktree", session.WorktreePath), zap.Error(err))
		}
		if err := s.Git.PruneWorktrees(ctx, session.RepoPath); err != nil {
			s.logger.Warn("Failed to prune worktrees", zap.Error(err))
		}
	}

	s.logger.Info("Closed session", zap.String("session_id", sessionID))
	return apperr.OK(map[string]string{"sessionId": sessionID})
}

// RestartSession stops a session's machinery and re-arms its instance so
// the agent can pick the work back up.
func (s *Service) RestartSession(ctx context.Context, sessionID string) apperr.Result {
	session, ok := s.Registry.GetSession(sessionID)
	if !ok {
		return apperr.Fail(apperr.New(apperr.CodeSessionNotFound, sessionID))
	}

	s.AutoCommit.StopWatching(ctx, sessionID)
	s.Rebase.Unwatch(ctx, sessionID)

	if err := s.Commands.Send(session.RepoPath, sessionID, commands.Stop, nil); err != nil {
		s.logger.Warn("Failed to queue stop command", zap.Error(err))
	}

	inst, err := s.Instances.GetBySessionID(ctx, sessionID)
	if err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeSessionRestartFailed, "no instance for session", err))
	}
	if err := s.Instances.UpdateStatus(ctx, inst.ID, instance.StatusWaiting); err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeSessionRestartFailed, "re-arm instance", err))
	}

	if err := s.Registry.UpdateSession(ctx, sessionID, func(r *registry.SessionReport) {
		r.Status = registry.StatusIdle
	}); err != nil {
		s.logger.Warn("Failed to reset session status", zap.Error(err))
	}

	s.logger.Info("Restarted session", zap.String("session_id", sessionID))
	return apperr.OK(map[string]string{"sessionId": sessionID, "instanceId": inst.ID})
}

// ListSessions returns every known session.
func (s *Service) ListSessions(_ context.Context) apperr.Result {
	return apperr.OK(s.Registry.ListSessions())
}

// GetSession returns one session.
func (s *Service) GetSession(_ context.Context, sessionID string) apperr.Result {
	session, ok := s.Registry.GetSession(sessionID)
	if !ok {
		return apperr.Fail(apperr.New(apperr.CodeSessionNotFound, sessionID))
	}
	return apperr.OK(session)
}

// ListAgents returns every known agent.
func (s *Service) ListAgents(_ context.Context) apperr.Result {
	return apperr.OK(s.Registry.ListAgents())
}

// StartWatching turns on auto-commit and rebase watching for a session.
// The instance's launch configuration, when present, overrides the
// commit debounce window.
func (s *Service) StartWatching(ctx context.Context, sessionID string) apperr.Result {
	session, ok := s.Registry.GetSession(sessionID)
	if !ok {
		return apperr.Fail(apperr.New(apperr.CodeSessionNotFound, sessionID))
	}

	var interval time.Duration
	if inst, err := s.Instances.GetBySessionID(ctx, sessionID); err == nil {
		if cfg, err := inst.AgentConfig(); err == nil && cfg.CommitInterval > 0 {
			interval = time.Duration(cfg.CommitInterval) * time.Second
		}
	}
	if err := s.AutoCommit.StartWatching(ctx, session, interval); err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeWatcherStartFailed, "start watcher", err))
	}
	s.Rebase.Watch(ctx, session)

	if err := s.Registry.UpdateSession(ctx, sessionID, func(r *registry.SessionReport) {
		r.Status = registry.StatusWatching
	}); err != nil {
		s.logger.Warn("Failed to update session status", zap.Error(err))
	}
	if err := s.Commands.Send(session.RepoPath, sessionID, commands.StartWatching, nil); err != nil {
		s.logger.Warn("Failed to queue start-watching command", zap.Error(err))
	}
	return apperr.OK(map[string]string{"sessionId": sessionID})
}

// StopWatching turns session watching off, flushing pending changes.
func (s *Service) StopWatching(ctx context.Context, sessionID string) apperr.Result {
	session, ok := s.Registry.GetSession(sessionID)
	if !ok {
		return apperr.Fail(apperr.New(apperr.CodeSessionNotFound, sessionID))
	}
	s.AutoCommit.StopWatching(ctx, sessionID)
	s.Rebase.Unwatch(ctx, sessionID)

	if err := s.Registry.UpdateSession(ctx, sessionID, func(r *registry.SessionReport) {
		r.Status = registry.StatusIdle
	}); err != nil {
		s.logger.Warn("Failed to update session status", zap.Error(err))
	}
	if err := s.Commands.Send(session.RepoPath, sessionID, commands.StopWatching, nil); err != nil {
		s.logger.Warn("Failed to queue stop-watching command", zap.Error(err))
	}
	return apperr.OK(map[string]string{"sessionId": sessionID})
}

// PauseSession suspends both pipelines for a session.
func (s *Service) PauseSession(ctx context.Context, sessionID string) apperr.Result {
	session, ok := s.Registry.GetSession(sessionID)
	if !ok {
		return apperr.Fail(apperr.New(apperr.CodeSessionNotFound, sessionID))
	}
	s.AutoCommit.Pause(sessionID)
	s.Rebase.Pause(ctx, sessionID)
	if err := s.Registry.UpdateSession(ctx, sessionID, func(r *registry.SessionReport) {
		r.Status = registry.StatusPaused
	}); err != nil {
		s.logger.Warn("Failed to update session status", zap.Error(err))
	}
	if err := s.Commands.Send(session.RepoPath, sessionID, commands.Pause, nil); err != nil {
		s.logger.Warn("Failed to queue pause command", zap.Error(err))
	}
	return apperr.OK(map[string]string{"sessionId": sessionID})
}

// ResumeSession re-enables a paused session.
func (s *Service) ResumeSession(ctx context.Context, sessionID string) apperr.Result {
	session, ok := s.Registry.GetSession(sessionID)
	if !ok {
		return apperr.Fail(apperr.New(apperr.CodeSessionNotFound, sessionID))
	}
	s.AutoCommit.Resume(sessionID)
	s.Rebase.Resume(ctx, sessionID)
	if err := s.Registry.UpdateSession(ctx, sessionID, func(r *registry.SessionReport) {
		r.Status = registry.StatusWatching
	}); err != nil {
		s.logger.Warn("Failed to update session status", zap.Error(err))
	}
	if err := s.Commands.Send(session.RepoPath, sessionID, commands.Resume, nil); err != nil {
		s.logger.Warn("Failed to queue resume command", zap.Error(err))
	}
	return apperr.OK(map[string]string{"sessionId": sessionID})
}

// CommitSession forces an immediate commit for a session.
func (s *Service) CommitSession(ctx context.Context, sessionID, message string) apperr.Result {
	if s.AutoCommit.Watching(sessionID) {
		if err := s.AutoCommit.TriggerCommit(ctx, sessionID, message); err != nil {
			return apperr.Fail(apperr.Wrap(apperr.CodeInternalError, "trigger commit", err))
		}
		return apperr.OK(map[string]string{"sessionId": sessionID})
	}
	// Unwatched sessions get the commit queued for their agent instead.
	session, ok := s.Registry.GetSession(sessionID)
	if !ok {
		return apperr.Fail(apperr.New(apperr.CodeSessionNotFound, sessionID))
	}
	if err := s.Commands.RequestCommit(session.RepoPath, sessionID, message); err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeInternalError, "queue commit", err))
	}
	return apperr.OK(map[string]string{"sessionId": sessionID, "queued": "true"})
}

// DeclareFiles records a session's intent to edit a set of paths.
func (s *Service) DeclareFiles(ctx context.Context, repoPath, sessionID, agentID string, files []string) apperr.Result {
	conflicts, err := s.Locks.DeclareFiles(ctx, repoPath, sessionID, agentID, files)
	if err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeLockDeclareFailed, "declare files", err))
	}
	if len(conflicts) > 0 {
		result := apperr.Fail(apperr.New(apperr.CodeLockConflict,
			fmt.Sprintf("%d file(s) locked by other sessions", len(conflicts))))
		result.Data = conflicts
		return result
	}
	return apperr.OK(map[string]any{"declared": len(files)})
}

// ReleaseFiles retires a session's declaration and drops its locks.
func (s *Service) ReleaseFiles(ctx context.Context, repoPath, sessionID string) apperr.Result {
	released := s.Locks.ReleaseSessionLocks(ctx, repoPath, sessionID)
	if err := s.Locks.ReleaseFiles(repoPath, sessionID); err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeLockReleaseFailed, "release declaration", err))
	}
	return apperr.OK(map[string]int{"released": released})
}

// ListLocks returns a repository's lock table and live declarations.
func (s *Service) ListLocks(_ context.Context, repoPath string) apperr.Result {
	held := s.Locks.RepoLocks(repoPath)
	bySession := make(map[string][]string)
	for _, lock := range held {
		bySession[lock.SessionID] = append(bySession[lock.SessionID], lock.Path)
	}
	return apperr.OK(map[string]any{
		"totalLocks":     len(held),
		"locks":          held,
		"locksBySession": bySession,
		"declarations":   s.Locks.ListDeclarations(repoPath),
	})
}

// ForceReleaseLock removes one lock regardless of owner.
func (s *Service) ForceReleaseLock(ctx context.Context, repoPath, path string) apperr.Result {
	if !s.Locks.ForceReleaseLock(ctx, repoPath, path) {
		return apperr.Fail(apperr.New(apperr.CodeLockReleaseFailed, "no lock on "+path))
	}
	return apperr.OK(map[string]string{"path": path})
}

// CheckConflicts reports which of the given paths other sessions hold.
func (s *Service) CheckConflicts(_ context.Context, repoPath, sessionID string, paths []string) apperr.Result {
	return apperr.OK(s.Locks.CheckConflicts(repoPath, paths, sessionID))
}

// ForceRebaseCheck polls the remote for one session immediately.
func (s *Service) ForceRebaseCheck(ctx context.Context, sessionID string) apperr.Result {
	if err := s.Rebase.ForceCheck(ctx, sessionID); err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeRebaseForceCheckFail, "force check", err))
	}
	return apperr.OK(map[string]string{"sessionId": sessionID})
}

// TriggerRebase rebases one session now.
func (s *Service) TriggerRebase(ctx context.Context, sessionID string) apperr.Result {
	if err := s.Rebase.TriggerRebase(ctx, sessionID); err != nil {
		if errors.Is(err, rebase.ErrRebaseInProgress) {
			return apperr.Fail(apperr.New(apperr.CodeRebaseInProgress, "already in progress"))
		}
		return apperr.Fail(apperr.Wrap(apperr.CodeRebaseTriggerFailed, "trigger rebase", err))
	}
	return apperr.OK(map[string]string{"sessionId": sessionID})
}

// RebaseStatus returns a session's rebase watcher state.
func (s *Service) RebaseStatus(_ context.Context, sessionID string) apperr.Result {
	status, ok := s.Rebase.Status(sessionID)
	if !ok {
		return apperr.Fail(apperr.New(apperr.CodeSessionNotFound, sessionID))
	}
	return apperr.OK(status)
}

// ScanSessions finds orphaned sessions across the given repositories.
func (s *Service) ScanSessions(ctx context.Context, repoPaths []string) apperr.Result {
	orphans, err := s.Recovery.ScanAll(ctx, repoPaths)
	if err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeScanFailed, "scan repositories", err))
	}
	return apperr.OK(orphans)
}

// RecoverSessions rebinds a batch of orphans to fresh instances.
func (s *Service) RecoverSessions(ctx context.Context, orphans []recovery.Orphan) apperr.Result {
	recovered, err := s.Recovery.RecoverAll(ctx, orphans)
	if err != nil && len(recovered) == 0 {
		return apperr.Fail(apperr.Wrap(apperr.CodeRecoverSessionFailed, "recover sessions", err))
	}
	return apperr.OK(recovered)
}

// DeleteOrphanedSession removes an orphan's state files.
func (s *Service) DeleteOrphanedSession(ctx context.Context, repoPath, sessionID string) apperr.Result {
	if err := s.Recovery.DeleteOrphan(ctx, repoPath, sessionID); err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeDeleteOrphanFailed, "delete orphan", err))
	}
	return apperr.OK(map[string]string{"sessionId": sessionID})
}

// SessionActivity tails a session's activity log.
func (s *Service) SessionActivity(_ context.Context, repoPath, sessionID string, limit int) apperr.Result {
	entries, err := s.Activity.Tail(repoPath, sessionID, limit)
	if err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeInternalError, "read activity", err))
	}
	return apperr.OK(entries)
}

// ListInstances returns the coordinator-owned instance records, optionally
// filtered to one repository.
func (s *Service) ListInstances(ctx context.Context, repoPath string) apperr.Result {
	var (
		instances []*instance.Instance
		err       error
	)
	if repoPath != "" {
		instances, err = s.Instances.ListByRepo(ctx, repoPath)
	} else {
		instances, err = s.Instances.List(ctx)
	}
	if err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeInstanceStoreFailed, "list instances", err))
	}
	return apperr.OK(instances)
}

// AdoptSession binds a freshly reported session to its waiting instance.
// A session created through the API already carries its instance; agents
// launched out-of-band are matched by repository and branch.
func (s *Service) AdoptSession(ctx context.Context, sessionID string) {
	session, ok := s.Registry.GetSession(sessionID)
	if !ok {
		return
	}

	if inst, err := s.Instances.GetBySessionID(ctx, sessionID); err == nil {
		if inst.Status == instance.StatusWaiting {
			if err := s.Instances.AttachSession(ctx, inst.ID, sessionID, instance.StatusRunning); err != nil {
				s.logger.Warn("Failed to mark instance running", zap.Error(err))
			}
		}
		return
	}

	waiting, err := s.Instances.ListByStatus(ctx, instance.StatusWaiting)
	if err != nil {
		s.logger.Warn("Failed to list waiting instances", zap.Error(err))
		return
	}
	for _, inst := range waiting {
		if inst.RepoPath == session.RepoPath && inst.BranchName == session.BranchName {
			if err := s.Instances.AttachSession(ctx, inst.ID, sessionID, instance.StatusRunning); err != nil {
				s.logger.Warn("Failed to adopt session", zap.Error(err))
				return
			}
			s.logger.Info("Adopted session into waiting instance",
				zap.String("session_id", sessionID),
				zap.String("instance_id", inst.ID))
			return
		}
	}
}

// RepoBranches lists a repository's local branches, the ones already merged
// into the base branch, and its registered worktrees.
func (s *Service) RepoBranches(ctx context.Context, repoPath, baseBranch string) apperr.Result {
	if repoPath == "" {
		return apperr.Fail(apperr.New(apperr.CodeValidationFailed, "repoPath is required"))
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	branches, err := s.Git.ListBranches(ctx, repoPath)
	if err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeInternalError, "list branches", err))
	}
	merged, err := s.Git.MergedBranches(ctx, repoPath, baseBranch)
	if err != nil {
		s.logger.Warn("Failed to list merged branches", zap.Error(err))
	}
	worktrees, err := s.Git.ListWorktrees(ctx, repoPath)
	if err != nil {
		s.logger.Warn("Failed to list worktrees", zap.Error(err))
	}
	return apperr.OK(map[string]any{
		"branches":  branches,
		"merged":    merged,
		"worktrees": worktrees,
	})
}

// DeleteBranch removes a merged session branch.
func (s *Service) DeleteBranch(ctx context.Context, repoPath, branch string) apperr.Result {
	if repoPath == "" || branch == "" {
		return apperr.Fail(apperr.New(apperr.CodeValidationFailed, "repoPath and branch are required"))
	}
	if err := s.Git.DeleteBranch(ctx, repoPath, branch); err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeInternalError, "delete branch", err))
	}
	return apperr.OK(map[string]string{"branch": branch})
}

// SessionCommitDiff returns the patch of one commit in a session's worktree.
func (s *Service) SessionCommitDiff(ctx context.Context, sessionID, hash string) apperr.Result {
	session, ok := s.Registry.GetSession(sessionID)
	if !ok {
		return apperr.Fail(apperr.New(apperr.CodeSessionNotFound, sessionID))
	}
	diff, err := s.Git.CommitDiff(ctx, session.WorktreePath, hash)
	if err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeInternalError, "commit diff", err))
	}
	return apperr.OK(map[string]string{"hash": hash, "diff": diff})
}

// SessionHistory returns recent commits in a session's worktree.
func (s *Service) SessionHistory(ctx context.Context, sessionID string, limit int) apperr.Result {
	session, ok := s.Registry.GetSession(sessionID)
	if !ok {
		return apperr.Fail(apperr.New(apperr.CodeSessionNotFound, sessionID))
	}
	commits, err := s.Git.CommitHistory(ctx, session.WorktreePath, limit)
	if err != nil {
		return apperr.Fail(apperr.Wrap(apperr.CodeInternalError, "commit history", err))
	}
	return apperr.OK(commits)
}

// Shutdown stops all per-session machinery.
func (s *Service) Shutdown(ctx context.Context) {
	s.AutoCommit.StopAll(ctx)
	s.Rebase.UnwatchAll(ctx)
	s.Activity.Close()
}
