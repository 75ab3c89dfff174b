// Package activity records the per-session activity feed. Entries are
// appended as newline-delimited JSON to activity/<sessionId>.log with size
// rotation, and mirrored onto the event channel for live observers.
package activity

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/events"
	"github.com/s9nkit/devops-agent/internal/events/bus"
	"github.com/s9nkit/devops-agent/internal/registry"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

// Entry types.
const (
	TypeSuccess = "success"
	TypeError   = "error"
	TypeWarning = "warning"
	TypeInfo    = "info"
	TypeCommit  = "commit"
	TypeFile    = "file"
	TypeGit     = "git"
)

// Config tunes log rotation.
type Config struct {
	MaxSizeMB  int // per-file cap before rotation
	MaxBackups int
}

// DefaultConfig returns the standard rotation policy.
func DefaultConfig() Config {
	return Config{MaxSizeMB: 8, MaxBackups: 3}
}

// Recorder appends activity entries for sessions across repositories.
type Recorder struct {
	config   Config
	eventBus bus.EventBus
	logger   *logger.Logger

	mu    sync.Mutex
	sinks map[string]*lumberjack.Logger // keyed by log file path
}

// NewRecorder creates an activity recorder.
func NewRecorder(eventBus bus.EventBus, cfg Config, log *logger.Logger) *Recorder {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = DefaultConfig().MaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultConfig().MaxBackups
	}
	if log == nil {
		log = logger.Default()
	}
	return &Recorder{
		config:   cfg,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "activity")),
		sinks:    make(map[string]*lumberjack.Logger),
	}
}

// Record appends one entry to the session's log and publishes it. Missing
// ID and timestamp are filled in.
func (r *Recorder) Record(ctx context.Context, repoPath string, entry registry.ActivityEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		r.logger.Error("Failed to marshal activity entry", zap.Error(err))
		return
	}

	sink := r.sink(statedir.ActivityFile(repoPath, entry.SessionID))
	if _, err := sink.Write(append(line, '\n')); err != nil {
		r.logger.Warn("Failed to append activity entry",
			zap.String("session_id", entry.SessionID), zap.Error(err))
	}

	if r.eventBus != nil {
		event := bus.NewEvent(events.ActivityReported, "activity", entry)
		if err := r.eventBus.Publish(ctx, events.ActivityReported, event); err != nil {
			r.logger.Warn("Failed to publish activity event", zap.Error(err))
		}
	}
}

// Info, Error and friends are convenience shorthands for Record.

func (r *Recorder) Info(ctx context.Context, repoPath, sessionID, message string) {
	r.Record(ctx, repoPath, registry.ActivityEntry{SessionID: sessionID, Type: TypeInfo, Message: message})
}

func (r *Recorder) Error(ctx context.Context, repoPath, sessionID, message string, details map[string]string) {
	r.Record(ctx, repoPath, registry.ActivityEntry{SessionID: sessionID, Type: TypeError, Message: message, Details: details})
}

func (r *Recorder) Commit(ctx context.Context, repoPath, sessionID, message string, details map[string]string) {
	r.Record(ctx, repoPath, registry.ActivityEntry{SessionID: sessionID, Type: TypeCommit, Message: message, Details: details})
}

func (r *Recorder) File(ctx context.Context, repoPath, sessionID, message string) {
	r.Record(ctx, repoPath, registry.ActivityEntry{SessionID: sessionID, Type: TypeFile, Message: message})
}

// Tail returns up to limit most recent entries from a session's log.
// Rotated-out history is not read back.
func (r *Recorder) Tail(repoPath, sessionID string, limit int) ([]registry.ActivityEntry, error) {
	entries, err := readEntries(statedir.ActivityFile(repoPath, sessionID))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Close flushes and closes all open log sinks.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			r.logger.Warn("Failed to close activity log", zap.String("path", path), zap.Error(err))
		}
	}
	r.sinks = make(map[string]*lumberjack.Logger)
}

func (r *Recorder) sink(path string) *lumberjack.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sink, ok := r.sinks[path]; ok {
		return sink
	}
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    r.config.MaxSizeMB,
		MaxBackups: r.config.MaxBackups,
	}
	r.sinks[path] = sink
	return sink
}
