// Package recovery re-adopts sessions that survived a coordinator restart.
// Agents keep writing session files while the coordinator is down; on
// startup the scanner walks every repository's state directory, reports the
// orphans, and can rebind them to fresh instance records.
package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	"github.com/s9nkit/devops-agent/internal/instance"
	"github.com/s9nkit/devops-agent/internal/registry"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

const eventSource = "recovery"

// InstanceStore is the slice of the instance store the scanner needs.
type InstanceStore interface {
	GetBySessionID(ctx context.Context, sessionID string) (*instance.Instance, error)
	Create(ctx context.Context, inst *instance.Instance) error
}

// Orphan is a session report on disk with no owning instance.
type Orphan struct {
	SessionID    string                 `json:"sessionId"`
	RepoPath     string                 `json:"repoPath"`
	Report       registry.SessionReport `json:"report"`
	LastModified time.Time              `json:"lastModified"`
}

// OrphansFoundEvent is the payload of orphaned_sessions.found.
type OrphansFoundEvent struct {
	Count   int      `json:"count"`
	Orphans []Orphan `json:"orphans"`
}

// RecoveredEvent is the payload of instance.recovered.
type RecoveredEvent struct {
	InstanceID string `json:"instanceId"`
	SessionID  string `json:"sessionId"`
	RepoPath   string `json:"repoPath"`
}

// Scanner finds and recovers orphaned sessions.
type Scanner struct {
	store    InstanceStore
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewScanner creates a recovery scanner.
func NewScanner(store InstanceStore, eventBus bus.EventBus, log *logger.Logger) *Scanner {
	if log == nil {
		log = logger.Default()
	}
	return &Scanner{
		store:    store,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "recovery")),
	}
}

// ScanRepo returns one repository's orphans, newest activity first.
// Sessions already bound to an instance are not orphans; neither are
// sessions that reported themselves closed.
func (s *Scanner) ScanRepo(ctx context.Context, repoPath string) ([]Orphan, error) {
	entries, err := os.ReadDir(statedir.SessionsDir(repoPath))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", repoPath, err)
	}

	log := s.logger.WithRepoPath(repoPath)
	var orphans []Orphan
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(statedir.SessionsDir(repoPath), entry.Name())

		var report registry.SessionReport
		if err := statedir.ReadJSON(path, &report); err != nil {
			log.Warn("Skipping unreadable session file",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if report.Validate() != nil || report.Status == registry.StatusClosed {
			continue
		}
		if s.hasMatchingInstance(ctx, report.SessionID) {
			continue
		}

		info, err := entry.Info()
		modified := report.Updated
		if err == nil {
			modified = info.ModTime()
		}
		orphans = append(orphans, Orphan{
			SessionID:    report.SessionID,
			RepoPath:     repoPath,
			Report:       report,
			LastModified: modified,
		})
	}

	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].LastModified.After(orphans[j].LastModified)
	})
	return orphans, nil
}

// ScanAll walks every coordinated repository. Repositories are scanned
// concurrently; a failing repository is logged and skipped so one bad
// mount cannot hide orphans elsewhere.
func (s *Scanner) ScanAll(ctx context.Context, repoPaths []string) ([]Orphan, error) {
	var mu sync.Mutex
	var all []Orphan

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, repo := range repoPaths {
		repo := repo
		g.Go(func() error {
			orphans, err := s.ScanRepo(gctx, repo)
			if err != nil {
				s.logger.Warn("Repository scan failed",
					zap.String("repo_path", repo), zap.Error(err))
				return nil
			}
			mu.Lock()
			all = append(all, orphans...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(all, func(i, j int) bool {
		return all[i].LastModified.After(all[j].LastModified)
	})
	return all, nil
}

// ScanOnStartup runs the full scan and announces what it found. Recovery
// itself stays a deliberate operator action.
func (s *Scanner) ScanOnStartup(ctx context.Context, repoPaths []string) []Orphan {
	orphans, err := s.ScanAll(ctx, repoPaths)
	if err != nil {
		s.logger.Warn("Startup scan failed", zap.Error(err))
	}
	if len(orphans) == 0 {
		return nil
	}
	s.logger.Info("Found orphaned sessions", zap.Int("count", len(orphans)))
	s.publish(ctx, events.OrphanedSessionsFound, OrphansFoundEvent{
		Count:   len(orphans),
		Orphans: orphans,
	})
	return orphans
}

// Recover rebinds one orphan to a fresh instance record. The instance
// starts waiting; the listener flips it to running when the agent's next
// report lands.
func (s *Scanner) Recover(ctx context.Context, orphan Orphan) (*instance.Instance, error) {
	task := orphan.Report.Task
	if task == "" {
		task = "Recovered session"
	}
	inst := &instance.Instance{
		AgentType:    orphan.Report.AgentType,
		Task:         task,
		RepoPath:     orphan.RepoPath,
		BaseBranch:   orphan.Report.BaseBranch,
		BranchName:   orphan.Report.BranchName,
		WorktreePath: orphan.Report.WorktreePath,
		SessionID:    orphan.SessionID,
		Status:       instance.StatusWaiting,
	}
	if err := s.store.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("recover %s: %w", orphan.SessionID, err)
	}

	s.publish(ctx, events.SessionReported, orphan.Report)
	s.publish(ctx, events.InstanceRecovered, RecoveredEvent{
		InstanceID: inst.ID,
		SessionID:  orphan.SessionID,
		RepoPath:   orphan.RepoPath,
	})
	s.logger.Info("Recovered session",
		zap.String("session_id", orphan.SessionID),
		zap.String("instance_id", inst.ID))
	return inst, nil
}

// RecoverAll recovers a batch, continuing past individual failures.
// Returns the instances created and the first error encountered.
func (s *Scanner) RecoverAll(ctx context.Context, orphans []Orphan) ([]*instance.Instance, error) {
	var recovered []*instance.Instance
	var firstErr error
	for _, orphan := range orphans {
		inst, err := s.Recover(ctx, orphan)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		recovered = append(recovered, inst)
	}
	return recovered, firstErr
}

// DeleteOrphan removes an orphan's state files: the session report, its
// activity log and command queue, and any agent registration whose ID
// carries the session's short suffix.
func (s *Scanner) DeleteOrphan(ctx context.Context, repoPath, sessionID string) error {
	if s.hasMatchingInstance(ctx, sessionID) {
		return fmt.Errorf("session %s is bound to an instance, refusing to delete", sessionID)
	}

	for _, path := range []string{
		statedir.SessionFile(repoPath, sessionID),
		statedir.ActivityFile(repoPath, sessionID),
		statedir.CommandsFile(repoPath, sessionID),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", path, err)
		}
	}

	short := statedir.ShortSessionID(sessionID)
	entries, err := os.ReadDir(statedir.AgentsDir(repoPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.Contains(entry.Name(), short) {
			_ = os.Remove(filepath.Join(statedir.AgentsDir(repoPath), entry.Name()))
		}
	}
	s.logger.Info("Deleted orphaned session",
		zap.String("session_id", sessionID),
		zap.String("repo_path", repoPath))
	return nil
}

func (s *Scanner) hasMatchingInstance(ctx context.Context, sessionID string) bool {
	if s.store == nil {
		return false
	}
	_, err := s.store.GetBySessionID(ctx, sessionID)
	return err == nil
}

func (s *Scanner) publish(ctx context.Context, eventType string, data interface{}) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
