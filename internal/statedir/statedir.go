// Package statedir defines the on-disk layout of the per-repository
// coordination directory. The directory is the coordination medium between
// the coordinator and external agent processes: agents introduce themselves,
// report sessions and heartbeats by writing files; the coordinator observes
// them and writes locks and commands back.
package statedir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirName is the well-known coordination directory at the root of every
// coordinated repository.
const DirName = ".S9N_KIT_DevOpsAgent"

// Subdirectory names. All are optional and created lazily.
const (
	AgentsSubdir         = "agents"
	SessionsSubdir       = "sessions"
	ActivitySubdir       = "activity"
	HeartbeatsSubdir     = "heartbeats"
	CommandsSubdir       = "commands"
	CoordinationSubdir   = "coordination"
	ActiveEditsSubdir    = "active-edits"
	CompletedEditsSubdir = "completed-edits"
)

// Well-known file names at the state directory root.
const (
	LocksFileName      = "locks.json"
	ConfigFileName     = "config.json"
	HouseRulesFileName = "houserules.md"
)

// Root returns the state directory for a repository.
func Root(repoPath string) string {
	return filepath.Join(repoPath, DirName)
}

// AgentsDir returns the agents subdirectory.
func AgentsDir(repoPath string) string {
	return filepath.Join(Root(repoPath), AgentsSubdir)
}

// SessionsDir returns the sessions subdirectory.
func SessionsDir(repoPath string) string {
	return filepath.Join(Root(repoPath), SessionsSubdir)
}

// ActivityDir returns the activity subdirectory.
func ActivityDir(repoPath string) string {
	return filepath.Join(Root(repoPath), ActivitySubdir)
}

// HeartbeatsDir returns the heartbeats subdirectory.
func HeartbeatsDir(repoPath string) string {
	return filepath.Join(Root(repoPath), HeartbeatsSubdir)
}

// CommandsDir returns the commands subdirectory.
func CommandsDir(repoPath string) string {
	return filepath.Join(Root(repoPath), CommandsSubdir)
}

// ActiveEditsDir returns the legacy session-granular lock declaration directory.
func ActiveEditsDir(repoPath string) string {
	return filepath.Join(Root(repoPath), CoordinationSubdir, ActiveEditsSubdir)
}

// CompletedEditsDir returns the directory expired or released legacy
// declarations are moved to.
func CompletedEditsDir(repoPath string) string {
	return filepath.Join(Root(repoPath), CoordinationSubdir, CompletedEditsSubdir)
}

// AgentFile returns the path of an agent's self-description file.
func AgentFile(repoPath, agentID string) string {
	return filepath.Join(AgentsDir(repoPath), agentID+".json")
}

// SessionFile returns the path of a session report file.
func SessionFile(repoPath, sessionID string) string {
	return filepath.Join(SessionsDir(repoPath), sessionID+".json")
}

// ActivityFile returns the path of a session's append-only activity log.
func ActivityFile(repoPath, sessionID string) string {
	return filepath.Join(ActivityDir(repoPath), sessionID+".log")
}

// HeartbeatFile returns the path of an agent's heartbeat file. The file's
// mtime is the authoritative heartbeat instant; the body carries an ISO-8601
// timestamp for portability.
func HeartbeatFile(repoPath, agentID string) string {
	return filepath.Join(HeartbeatsDir(repoPath), agentID+".beat")
}

// CommandsFile returns the path of a session's pending command queue.
func CommandsFile(repoPath, sessionID string) string {
	return filepath.Join(CommandsDir(repoPath), sessionID+".cmd")
}

// LocksFile returns the path of the authoritative per-repo lock table.
func LocksFile(repoPath string) string {
	return filepath.Join(Root(repoPath), LocksFileName)
}

// ConfigFile returns the path of the per-repo settings file.
func ConfigFile(repoPath string) string {
	return filepath.Join(Root(repoPath), ConfigFileName)
}

// ShortSessionID returns the last 8 characters of a session ID, used in
// file names shared with external agents.
func ShortSessionID(sessionID string) string {
	if len(sessionID) <= 8 {
		return sessionID
	}
	return sessionID[len(sessionID)-8:]
}

// CommitMessageFile returns the path of the agent-authored commit message
// file inside a session's working tree. The commit debouncer consumes it at
// fire time.
func CommitMessageFile(worktreePath, sessionID string) string {
	return filepath.Join(worktreePath, ".devops-commit-"+ShortSessionID(sessionID)+".msg")
}

// Category identifies which part of the state directory a path belongs to.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryAgent
	CategorySession
	CategoryActivity
	CategoryHeartbeat
	CategoryCommand
	CategoryLocks
	CategoryConfig
)

// Classify maps a path inside a repository's state directory to its category
// and the agent/session identifier encoded in the file name. Returns
// CategoryUnknown for paths it does not recognise.
func Classify(repoPath, path string) (Category, string) {
	rel, err := filepath.Rel(Root(repoPath), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return CategoryUnknown, ""
	}
	rel = filepath.ToSlash(rel)

	switch {
	case rel == LocksFileName:
		return CategoryLocks, ""
	case rel == ConfigFileName:
		return CategoryConfig, ""
	}

	parts := strings.SplitN(rel, "/", 2)
	if len(parts) != 2 {
		return CategoryUnknown, ""
	}
	name := parts[1]

	switch parts[0] {
	case AgentsSubdir:
		return CategoryAgent, strings.TrimSuffix(name, ".json")
	case SessionsSubdir:
		return CategorySession, strings.TrimSuffix(name, ".json")
	case ActivitySubdir:
		return CategoryActivity, strings.TrimSuffix(name, ".log")
	case HeartbeatsSubdir:
		return CategoryHeartbeat, strings.TrimSuffix(name, ".beat")
	case CommandsSubdir:
		return CategoryCommand, strings.TrimSuffix(name, ".cmd")
	}
	return CategoryUnknown, ""
}

// WriteJSONAtomic writes v as JSON to path via a temp file and rename, so
// readers never observe half-written documents. Parent directories are
// created as needed.
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// ReadJSON reads a JSON file into v.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// AppendNDJSON appends one newline-delimited JSON record to path, creating
// parent directories as needed.
func AppendNDJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}

// RepoConfig holds per-repo settings stored in config.json.
type RepoConfig struct {
	WatchPatterns         []string `json:"watchPatterns,omitempty"`
	IgnorePatterns        []string `json:"ignorePatterns,omitempty"`
	CommitIntervalSeconds int      `json:"commitInterval,omitempty"`
}

// LoadRepoConfig reads config.json for a repository. A missing file yields a
// zero config, not an error; a malformed file is reported so the caller can
// log and fall back to defaults.
func LoadRepoConfig(repoPath string) (RepoConfig, error) {
	var cfg RepoConfig
	err := ReadJSON(ConfigFile(repoPath), &cfg)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	return cfg, err
}
