package locks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/s9nkit/devops-agent/internal/statedir"
)

// Declaration is the older session-granular claim format kept for agents
// that predate locks.json: one file per session under
// coordination/active-edits/ listing the paths it intends to touch.
type Declaration struct {
	SessionID  string    `json:"sessionId"`
	AgentID    string    `json:"agentId,omitempty"`
	Files      []string  `json:"files"`
	DeclaredAt time.Time `json:"declaredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the declaration has outlived its TTL.
func (d Declaration) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// DeclareFiles writes a session's edit declaration. Conflicts are checked
// against both other declarations and the authoritative lock table; when
// the two disagree, locks.json wins.
func (m *Manager) DeclareFiles(ctx context.Context, repoPath, sessionID, agentID string, files []string) ([]Lock, error) {
	normalized := make([]string, 0, len(files))
	for _, f := range files {
		key := NormalizePath(repoPath, f)
		if Lockable(key) {
			normalized = append(normalized, key)
		}
	}

	if conflicts := m.CheckConflicts(repoPath, normalized, sessionID); len(conflicts) > 0 {
		return conflicts, nil
	}
	for _, decl := range m.ListDeclarations(repoPath) {
		if decl.SessionID == sessionID {
			continue
		}
		for _, theirs := range decl.Files {
			for _, ours := range normalized {
				if theirs == ours {
					// Surface the declaration as a synthetic lock so callers
					// have one conflict shape.
					return []Lock{{
						RepoPath:     repoPath,
						Path:         ours,
						SessionID:    decl.SessionID,
						AgentID:      decl.AgentID,
						LockedAt:     decl.DeclaredAt,
						LastModified: decl.DeclaredAt,
					}}, nil
				}
			}
		}
	}

	now := time.Now().UTC()
	decl := Declaration{
		SessionID:  sessionID,
		AgentID:    agentID,
		Files:      normalized,
		DeclaredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	path := filepath.Join(statedir.ActiveEditsDir(repoPath), sessionID+".json")
	if err := statedir.WriteJSONAtomic(path, decl); err != nil {
		return nil, err
	}
	return nil, nil
}

// ReleaseFiles retires a session's declaration, archiving it under
// completed-edits for later inspection.
func (m *Manager) ReleaseFiles(repoPath, sessionID string) error {
	src := filepath.Join(statedir.ActiveEditsDir(repoPath), sessionID+".json")
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dst := filepath.Join(statedir.CompletedEditsDir(repoPath),
		sessionID+"-"+time.Now().UTC().Format("20060102T150405Z")+".json")
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// ListDeclarations returns the live declarations for a repository. Expired
// ones are retired as a side effect.
func (m *Manager) ListDeclarations(repoPath string) []Declaration {
	entries, err := os.ReadDir(statedir.ActiveEditsDir(repoPath))
	if err != nil {
		return nil
	}
	now := time.Now().UTC()

	var out []Declaration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var decl Declaration
		path := filepath.Join(statedir.ActiveEditsDir(repoPath), entry.Name())
		if err := statedir.ReadJSON(path, &decl); err != nil {
			m.logger.Warn("Skipping malformed declaration",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if decl.Expired(now) {
			if err := m.ReleaseFiles(repoPath, decl.SessionID); err != nil {
				m.logger.Warn("Failed to retire expired declaration",
					zap.String("session_id", decl.SessionID), zap.Error(err))
			}
			continue
		}
		out = append(out, decl)
	}
	return out
}
