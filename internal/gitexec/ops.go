package gitexec

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Commit is one entry from the commit history.
type Commit struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
	Subject string    `json:"subject"`
}

// RemoteChanges is the divergence of a branch from its remote counterpart.
type RemoteChanges struct {
	Ahead  int `json:"ahead"`
	Behind int `json:"behind"`
}

// Status returns the working tree status for a repository.
func (e *Executor) Status(ctx context.Context, repoPath string) (*Status, error) {
	res, err := e.Run(ctx, repoPath, []string{"status", "--porcelain=v2", "--branch"}, RunOptions{})
	if err != nil {
		return nil, err
	}
	return parseStatusV2(res.Stdout), nil
}

// Add stages the given paths. With no paths, all changes are staged.
func (e *Executor) Add(ctx context.Context, repoPath string, paths ...string) error {
	args := []string{"add", "-A"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	_, err := e.Run(ctx, repoPath, args, RunOptions{})
	return err
}

// Commit records staged changes. A clean tree is not an error: the returned
// hash is empty and noop is true.
func (e *Executor) Commit(ctx context.Context, repoPath, message string) (hash string, noop bool, err error) {
	res, err := e.Run(ctx, repoPath, []string{"commit", "-m", message}, RunOptions{})
	if err != nil {
		return "", false, err
	}
	if res.Category == CategoryCleanNoOp {
		return "", true, nil
	}
	head, err := e.Run(ctx, repoPath, []string{"rev-parse", "HEAD"}, RunOptions{})
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(head.Stdout), false, nil
}

// Fetch updates remote tracking refs.
func (e *Executor) Fetch(ctx context.Context, repoPath, remote string) error {
	if remote == "" {
		remote = "origin"
	}
	_, err := e.Run(ctx, repoPath, []string{"fetch", remote},
		RunOptions{Timeout: e.config.SlowTimeout})
	return err
}

// CheckRemoteChanges computes how far a branch has diverged from its remote
// counterpart (origin/<branch>).
func (e *Executor) CheckRemoteChanges(ctx context.Context, repoPath, branch string) (*RemoteChanges, error) {
	spec := branch + "...origin/" + branch
	res, err := e.Run(ctx, repoPath, []string{"rev-list", "--left-right", "--count", spec}, RunOptions{})
	if err != nil {
		return nil, err
	}
	ahead, behind := parseAheadBehind(res.Stdout)
	return &RemoteChanges{Ahead: ahead, Behind: behind}, nil
}

// Rebase replays the current branch onto the given ref.
func (e *Executor) Rebase(ctx context.Context, repoPath, onto string) error {
	_, err := e.Run(ctx, repoPath, []string{"rebase", onto},
		RunOptions{Timeout: e.config.SlowTimeout})
	return err
}

// AbortRebase aborts an in-flight rebase. Not an error if none is running.
func (e *Executor) AbortRebase(ctx context.Context, repoPath string) {
	_, _ = e.Run(ctx, repoPath, []string{"rebase", "--abort"}, RunOptions{})
}

// Push pushes a branch to a remote. Failures are reported with their
// category so callers can decide whether they are fatal.
func (e *Executor) Push(ctx context.Context, repoPath, remote, branch string) error {
	if remote == "" {
		remote = "origin"
	}
	args := []string{"push", remote}
	if branch != "" {
		args = append(args, branch)
	}
	_, err := e.Run(ctx, repoPath, args, RunOptions{Timeout: e.config.SlowTimeout})
	return err
}

// ListBranches returns all local branch names.
func (e *Executor) ListBranches(ctx context.Context, repoPath string) ([]string, error) {
	res, err := e.Run(ctx, repoPath, []string{"branch", "--format=%(refname:short)"}, RunOptions{})
	if err != nil {
		return nil, err
	}
	return splitLines(res.Stdout), nil
}

// DeleteBranch force-deletes a local branch.
func (e *Executor) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	_, err := e.Run(ctx, repoPath, []string{"branch", "-D", branch}, RunOptions{})
	return err
}

// MergedBranches lists branches already merged into base.
func (e *Executor) MergedBranches(ctx context.Context, repoPath, base string) ([]string, error) {
	res, err := e.Run(ctx, repoPath,
		[]string{"branch", "--merged", base, "--format=%(refname:short)"}, RunOptions{})
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, b := range splitLines(res.Stdout) {
		if b != base {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

// CreateWorktree creates a worktree at path with a new branch off baseBranch.
// If the branch already exists it is checked out instead of created.
func (e *Executor) CreateWorktree(ctx context.Context, repoPath, path, branch, baseBranch string) error {
	_, err := e.Run(ctx, repoPath, []string{"worktree", "add", "-b", branch, path, baseBranch}, RunOptions{})
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "already exists") {
		return err
	}
	_, err = e.Run(ctx, repoPath, []string{"worktree", "add", path, branch}, RunOptions{})
	return err
}

// RemoveWorktree removes a worktree directory and its administrative files.
func (e *Executor) RemoveWorktree(ctx context.Context, repoPath, path string) error {
	_, err := e.Run(ctx, repoPath, []string{"worktree", "remove", "--force", path}, RunOptions{})
	return err
}

// ListWorktrees returns the worktree paths registered for a repository.
func (e *Executor) ListWorktrees(ctx context.Context, repoPath string) ([]string, error) {
	res, err := e.Run(ctx, repoPath, []string{"worktree", "list", "--porcelain"}, RunOptions{})
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range splitLines(res.Stdout) {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// PruneWorktrees removes stale worktree administrative files.
func (e *Executor) PruneWorktrees(ctx context.Context, repoPath string) error {
	_, err := e.Run(ctx, repoPath, []string{"worktree", "prune"}, RunOptions{})
	return err
}

// CommitHistory returns the most recent commits on the current branch.
func (e *Executor) CommitHistory(ctx context.Context, repoPath string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}
	res, err := e.Run(ctx, repoPath,
		[]string{"log", "-n", strconv.Itoa(limit), "--format=%H%x1f%an%x1f%aI%x1f%s"}, RunOptions{})
	if err != nil {
		return nil, err
	}
	var commits []Commit
	for _, line := range splitLines(res.Stdout) {
		fields := strings.SplitN(line, "\x1f", 4)
		if len(fields) != 4 {
			continue
		}
		date, _ := time.Parse(time.RFC3339, fields[2])
		commits = append(commits, Commit{
			Hash:    fields[0],
			Author:  fields[1],
			Date:    date,
			Subject: fields[3],
		})
	}
	return commits, nil
}

// CommitDiff returns the patch for a single commit.
func (e *Executor) CommitDiff(ctx context.Context, repoPath, hash string) (string, error) {
	res, err := e.Run(ctx, repoPath, []string{"show", "--format=", "--patch", hash}, RunOptions{})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func splitLines(out string) []string {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

