// Package listener observes repository state directories and feeds the
// registry. Agents communicate by writing files; the listener is the only
// component that reads them, turning filesystem churn into registry
// ingestions with per-path debouncing.
package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/registry"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

const (
	// debounceWindow coalesces the write bursts editors and agents produce
	// for a single logical update.
	debounceWindow = 100 * time.Millisecond

	// intakeQueueSize bounds raw watcher events. Overflow drops the oldest
	// observation; the debounced re-read picks up the final file state anyway.
	intakeQueueSize = 1024
)

// DefaultSweepInterval is how often agent liveness is recomputed.
const DefaultSweepInterval = 30 * time.Second

// Config tunes the listener.
type Config struct {
	SweepInterval time.Duration
}

// Listener watches state directories across all coordinated repositories.
type Listener struct {
	registry *registry.Registry
	logger   *logger.Logger
	config   Config

	watcher *fsnotify.Watcher
	intake  chan string

	mu      sync.Mutex
	repos   []string
	pending map[string]*time.Timer

	// OnLocksChanged fires when a repo's locks.json changes on disk.
	// OnConfigChanged fires when a repo's config.json changes.
	OnLocksChanged  func(repoPath string)
	OnConfigChanged func(repoPath string)

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a listener feeding the given registry.
func New(reg *registry.Registry, cfg Config, log *logger.Logger) (*Listener, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if log == nil {
		log = logger.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Listener{
		registry: reg,
		logger:   log.WithFields(zap.String("component", "listener")),
		config:   cfg,
		watcher:  watcher,
		intake:   make(chan string, intakeQueueSize),
		pending:  make(map[string]*time.Timer),
		stop:     make(chan struct{}),
	}, nil
}

// AddRepo registers a repository for observation: creates the state
// directory skeleton, installs watches, and cold-loads existing files so
// agents that registered while the coordinator was down are picked up.
func (l *Listener) AddRepo(ctx context.Context, repoPath string) error {
	dirs := []string{
		statedir.AgentsDir(repoPath),
		statedir.SessionsDir(repoPath),
		statedir.ActivityDir(repoPath),
		statedir.HeartbeatsDir(repoPath),
		statedir.CommandsDir(repoPath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	// The root watch covers locks.json and config.json.
	watched := append(dirs[:4:4], statedir.Root(repoPath))
	for _, dir := range watched {
		if err := l.watcher.Add(dir); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.repos = append(l.repos, repoPath)
	l.mu.Unlock()

	l.coldLoad(ctx, repoPath)

	l.logger.Info("Watching repository", zap.String("repo_path", repoPath))
	return nil
}

// Start runs the watch loop and the liveness sweep until Stop is called.
func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(2)
	go l.watchLoop()
	go l.handleLoop(ctx)
}

// Stop halts observation. Pending debounce timers are discarded.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		_ = l.watcher.Close()

		l.mu.Lock()
		for _, timer := range l.pending {
			timer.Stop()
		}
		l.pending = make(map[string]*time.Timer)
		l.mu.Unlock()
	})
	l.wg.Wait()
}

// coldLoad enumerates the state files already on disk for one repository.
func (l *Listener) coldLoad(ctx context.Context, repoPath string) {
	for _, dir := range []string{
		statedir.AgentsDir(repoPath),
		statedir.SessionsDir(repoPath),
		statedir.HeartbeatsDir(repoPath),
	} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			l.handlePath(ctx, filepath.Join(dir, entry.Name()))
		}
	}
}

// watchLoop converts raw fsnotify events into debounced path handlings.
func (l *Listener) watchLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.debounce(event.Name)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

// debounce arms (or re-arms) the per-path timer; on fire the path lands on
// the bounded intake queue.
func (l *Listener) debounce(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if timer, ok := l.pending[path]; ok {
		timer.Reset(debounceWindow)
		return
	}
	l.pending[path] = time.AfterFunc(debounceWindow, func() {
		l.mu.Lock()
		delete(l.pending, path)
		l.mu.Unlock()
		l.enqueue(path)
	})
}

func (l *Listener) enqueue(path string) {
	for {
		select {
		case l.intake <- path:
			return
		default:
		}
		select {
		case dropped := <-l.intake:
			l.logger.Warn("Intake queue full, dropping oldest observation",
				zap.String("path", dropped))
		default:
		}
	}
}

func (l *Listener) handleLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case path := <-l.intake:
			l.handlePath(ctx, path)
		case <-ticker.C:
			l.registry.SweepLiveness(ctx)
		}
	}
}

// repoFor resolves which coordinated repository a path belongs to.
func (l *Listener) repoFor(path string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, repo := range l.repos {
		if rel, err := filepath.Rel(statedir.Root(repo), path); err == nil && !strings.HasPrefix(rel, "..") {
			return repo, true
		}
	}
	return "", false
}

// handlePath re-reads the current file state and routes it by category.
// A missing file is a removal.
func (l *Listener) handlePath(ctx context.Context, path string) {
	if filepath.Ext(path) == ".tmp" {
		return
	}
	repoPath, ok := l.repoFor(path)
	if !ok {
		return
	}
	category, id := statedir.Classify(repoPath, path)

	switch category {
	case statedir.CategoryAgent:
		contents, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			l.registry.RemoveAgent(ctx, id)
			return
		}
		if err != nil {
			l.logger.Warn("Failed to read agent file", zap.String("path", path), zap.Error(err))
			return
		}
		l.registry.IngestAgentFile(ctx, repoPath, contents)

	case statedir.CategorySession:
		contents, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			l.registry.RemoveSession(ctx, id)
			return
		}
		if err != nil {
			l.logger.Warn("Failed to read session file", zap.String("path", path), zap.Error(err))
			return
		}
		l.registry.IngestSessionFile(ctx, repoPath, contents)

	case statedir.CategoryHeartbeat:
		// The file's mtime is the authoritative heartbeat instant.
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		l.registry.IngestHeartbeat(ctx, id, info.ModTime())

	case statedir.CategoryActivity:
		entry, ok := lastActivityEntry(path)
		if !ok {
			return
		}
		if entry.SessionID == "" {
			entry.SessionID = id
		}
		l.registry.ReportActivity(ctx, entry)

	case statedir.CategoryLocks:
		if l.OnLocksChanged != nil {
			l.OnLocksChanged(repoPath)
		}

	case statedir.CategoryConfig:
		if l.OnConfigChanged != nil {
			l.OnConfigChanged(repoPath)
		}
	}
}

// lastActivityEntry parses the newest record of an append-only activity log.
func lastActivityEntry(path string) (registry.ActivityEntry, bool) {
	var entry registry.ActivityEntry
	data, err := os.ReadFile(path)
	if err != nil {
		return entry, false
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) == 0 {
		return entry, false
	}
	if err := json.Unmarshal(lines[len(lines)-1], &entry); err != nil {
		return entry, false
	}
	return entry, true
}
