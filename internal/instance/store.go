// Package instance persists the agent instances the coordinator launches.
// Unlike the registry, which mirrors agent-owned files, this store is
// coordinator-owned: it survives restarts and is what session recovery
// matches orphaned reports against.
package instance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/s9nkit/devops-agent/internal/registry"
)

// Status is the coordinator-side lifecycle of a launched instance.
type Status string

const (
	StatusWaiting Status = "waiting" // launched, no session reported yet
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// ErrNotFound is returned when an instance does not exist.
var ErrNotFound = errors.New("instance not found")

// Instance is one launched agent and its launch configuration.
type Instance struct {
	ID           string             `json:"id" db:"id"`
	AgentType    registry.AgentType `json:"agentType" db:"agent_type"`
	Task         string             `json:"task" db:"task"`
	RepoPath     string             `json:"repoPath" db:"repo_path"`
	BaseBranch   string             `json:"baseBranch" db:"base_branch"`
	BranchName   string             `json:"branchName" db:"branch_name"`
	WorktreePath string             `json:"worktreePath" db:"worktree_path"`
	SessionID    string             `json:"sessionId,omitempty" db:"session_id"`
	Status       Status             `json:"status" db:"status"`
	Config       json.RawMessage    `json:"config,omitempty" db:"config"`
	CreatedAt    time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time          `json:"updatedAt" db:"updated_at"`
}

// Store is the sqlite-backed instance table.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (or creates) the instance database at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		agent_type TEXT NOT NULL,
		task TEXT NOT NULL,
		repo_path TEXT NOT NULL,
		base_branch TEXT NOT NULL DEFAULT '',
		branch_name TEXT NOT NULL DEFAULT '',
		worktree_path TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		config TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_instances_repo ON instances(repo_path);
	CREATE INDEX IF NOT EXISTS idx_instances_session ON instances(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts an instance. A missing ID is generated, a missing status
// defaults to waiting.
func (s *Store) Create(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Status == "" {
		inst.Status = StatusWaiting
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO instances (id, agent_type, task, repo_path, base_branch, branch_name, worktree_path, session_id, status, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), inst.ID, inst.AgentType, inst.Task, inst.RepoPath, inst.BaseBranch, inst.BranchName,
		inst.WorktreePath, inst.SessionID, inst.Status, configValue(inst.Config), inst.CreatedAt, inst.UpdatedAt)
	return err
}

// Get returns one instance by ID.
func (s *Store) Get(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(selectColumns+`WHERE id = ?`), id)
	return scanInstance(row)
}

// GetBySessionID returns the instance bound to a session, if any.
func (s *Store) GetBySessionID(ctx context.Context, sessionID string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(selectColumns+`WHERE session_id = ?`), sessionID)
	return scanInstance(row)
}

// List returns all instances, newest first.
func (s *Store) List(ctx context.Context) ([]*Instance, error) {
	return s.list(ctx, selectColumns+`ORDER BY created_at DESC`)
}

// ListByRepo returns the instances launched against one repository.
func (s *Store) ListByRepo(ctx context.Context, repoPath string) ([]*Instance, error) {
	return s.list(ctx, s.db.Rebind(selectColumns+`WHERE repo_path = ? ORDER BY created_at DESC`), repoPath)
}

// ListByStatus returns instances in a given lifecycle state.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Instance, error) {
	return s.list(ctx, s.db.Rebind(selectColumns+`WHERE status = ? ORDER BY created_at DESC`), status)
}

// UpdateStatus moves an instance to a new lifecycle state.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE instances SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AttachSession binds a session report to an instance and moves it to the
// given state. Used when the launched agent finally reports in, and by
// recovery when re-adopting an orphan.
func (s *Store) AttachSession(ctx context.Context, id, sessionID string, status Status) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE instances SET session_id = ?, status = ?, updated_at = ? WHERE id = ?
	`), sessionID, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Delete removes an instance row.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM instances WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const selectColumns = `
	SELECT id, agent_type, task, repo_path, base_branch, branch_name, worktree_path, session_id, status, config, created_at, updated_at
	FROM instances
`

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanInstance(scanner interface{ Scan(dest ...any) error }) (*Instance, error) {
	inst := &Instance{}
	var config sql.NullString
	err := scanner.Scan(
		&inst.ID,
		&inst.AgentType,
		&inst.Task,
		&inst.RepoPath,
		&inst.BaseBranch,
		&inst.BranchName,
		&inst.WorktreePath,
		&inst.SessionID,
		&inst.Status,
		&config,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if config.Valid && config.String != "" {
		inst.Config = json.RawMessage(config.String)
	}
	return inst, nil
}

func configValue(config json.RawMessage) any {
	if len(config) == 0 {
		return nil
	}
	return string(config)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
