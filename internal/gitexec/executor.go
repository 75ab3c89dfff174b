// Package gitexec is the single chokepoint for invoking the git binary.
// Every invocation runs with a timeout, is classified into a failure
// category, and emits a structured terminal-log entry. Callers rely on the
// category, never on raw stderr.
package gitexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/s9nkit/devops-agent/internal/common/logger"
)

// Category classifies the outcome of a git invocation.
type Category string

const (
	CategoryOK           Category = "ok"
	CategoryCleanNoOp    Category = "clean-no-op"
	CategoryConflict     Category = "conflict"
	CategoryAuthRequired Category = "auth-required"
	CategoryNetwork      Category = "network"
	CategoryTimeout      Category = "timeout"
	CategoryUnknown      Category = "unknown"
)

const (
	maxRetries     = 3
	initialBackoff = 250 * time.Millisecond

	// Log output is truncated beyond this many bytes.
	maxLoggedOutput = 2048
)

// RunResult is the outcome of one git invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Category Category
}

// RunOptions carries per-invocation overrides.
type RunOptions struct {
	Timeout time.Duration // zero means the executor default
	Env     []string      // appended to the inherited environment
	Stdin   string
}

// Error is a categorised git failure.
type Error struct {
	Category Category
	Args     []string
	ExitCode int
	Stderr   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("git %s: %s (%s)", strings.Join(e.Args, " "), strings.TrimSpace(e.Stderr), e.Category)
}

// CategoryOf extracts the failure category from an error, or CategoryUnknown.
func CategoryOf(err error) Category {
	var gitErr *Error
	if errors.As(err, &gitErr) {
		return gitErr.Category
	}
	return CategoryUnknown
}

// Config holds executor timeouts.
type Config struct {
	Timeout     time.Duration // default per-command timeout
	SlowTimeout time.Duration // fetch/rebase/push timeout
}

// DefaultConfig returns the standard executor timeouts.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		SlowTimeout: 120 * time.Second,
	}
}

// Executor runs git subprocesses.
type Executor struct {
	config Config
	logger *logger.Logger
}

// New creates a git executor.
func New(cfg Config, log *logger.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.SlowTimeout <= 0 {
		cfg.SlowTimeout = DefaultConfig().SlowTimeout
	}
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		config: cfg,
		logger: log.WithFields(zap.String("component", "gitexec")),
	}
}

// Run executes git with the given arguments in repoPath. Network and
// transient index-lock failures are retried with exponential backoff; every
// other failure is returned immediately as a categorised *Error.
func (e *Executor) Run(ctx context.Context, repoPath string, args []string, opts RunOptions) (*RunResult, error) {
	backoff := initialBackoff
	var res *RunResult
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		res, err = e.runOnce(ctx, repoPath, args, opts)
		if err == nil || !retryable(res) {
			return res, err
		}
		if attempt == maxRetries {
			break
		}
		e.logger.Warn("Retrying git command",
			zap.Strings("argv", args),
			zap.String("category", string(res.Category)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return res, err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return res, err
}

// retryable reports whether a failed invocation is worth retrying.
func retryable(res *RunResult) bool {
	if res == nil {
		return false
	}
	if res.Category == CategoryNetwork {
		return true
	}
	// A lock file in the git index is transient: another process is mid-write.
	return strings.Contains(res.Stderr, "index.lock")
}

func (e *Executor) runOnce(ctx context.Context, repoPath string, args []string, opts RunOptions) (*RunResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.config.Timeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "git", args...)
	cmd.Dir = repoPath
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	res := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	switch {
	case cmdCtx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.Category = CategoryTimeout
	case runErr == nil:
		res.Category = CategoryOK
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		res.Category = classify(res.ExitCode, res.Stdout, res.Stderr)
	}

	e.logTerminal(repoPath, args, res)

	if res.Category == CategoryOK || res.Category == CategoryCleanNoOp {
		return res, nil
	}
	return res, &Error{
		Category: res.Category,
		Args:     args,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
	}
}

// logTerminal emits the structured terminal-log entry required for every call.
func (e *Executor) logTerminal(cwd string, args []string, res *RunResult) {
	truncated := len(res.Stdout) > maxLoggedOutput || len(res.Stderr) > maxLoggedOutput
	e.logger.Debug("git",
		zap.String("command", "git "+strings.Join(args, " ")),
		zap.Strings("argv", args),
		zap.String("cwd", cwd),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.String("category", string(res.Category)),
		zap.Bool("output_truncated", truncated))
}

// classify maps an exit code plus output patterns to a failure category.
func classify(exitCode int, stdout, stderr string) Category {
	if exitCode == 0 {
		return CategoryOK
	}
	combined := stdout + "\n" + stderr

	for _, pat := range cleanNoOpPatterns {
		if strings.Contains(combined, pat) {
			return CategoryCleanNoOp
		}
	}
	for _, pat := range conflictPatterns {
		if strings.Contains(combined, pat) {
			return CategoryConflict
		}
	}
	for _, pat := range authPatterns {
		if strings.Contains(combined, pat) {
			return CategoryAuthRequired
		}
	}
	for _, pat := range networkPatterns {
		if strings.Contains(combined, pat) {
			return CategoryNetwork
		}
	}
	return CategoryUnknown
}

var cleanNoOpPatterns = []string{
	"nothing to commit",
	"no changes added to commit",
	"nothing added to commit",
	"up to date",
	"Already up to date",
}

var conflictPatterns = []string{
	"CONFLICT",
	"could not apply",
	"needs merge",
	"you have unmerged files",
	"Merge conflict",
	"cannot rebase: You have unstaged changes",
}

var authPatterns = []string{
	"Authentication failed",
	"could not read Username",
	"could not read Password",
	"Permission denied (publickey",
	"terminal prompts disabled",
	"Invalid username or password",
}

var networkPatterns = []string{
	"Could not resolve host",
	"unable to access",
	"Connection timed out",
	"Connection refused",
	"Network is unreachable",
	"early EOF",
	"The remote end hung up unexpectedly",
	"RPC failed",
}
