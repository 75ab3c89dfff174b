// Package commands writes the per-session command queue. Commands flow one
// way: the coordinator appends newline-delimited JSON records to
// commands/<sessionId>.cmd and the owning agent consumes them.
package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/statedir"
)

// Command names agents understand.
const (
	StartWatching = "start-watching"
	StopWatching  = "stop-watching"
	Commit        = "commit"
	Push          = "push"
	Pause         = "pause"
	Resume        = "resume"
	Stop          = "stop"
)

// Command is one queued instruction for an agent session.
type Command struct {
	ID        string            `json:"id"`
	Command   string            `json:"command"`
	Params    map[string]string `json:"params,omitempty"`
	IssuedAt  time.Time         `json:"issuedAt"`
	SessionID string            `json:"sessionId"`
}

// Writer appends commands to session queues.
type Writer struct {
	logger *logger.Logger
}

// NewWriter creates a command writer.
func NewWriter(log *logger.Logger) *Writer {
	if log == nil {
		log = logger.Default()
	}
	return &Writer{logger: log.WithFields(zap.String("component", "commands"))}
}

// Send appends one command to a session's queue file.
func (w *Writer) Send(repoPath, sessionID, command string, params map[string]string) error {
	if !known(command) {
		return fmt.Errorf("unknown command %q", command)
	}
	cmd := Command{
		ID:        uuid.NewString(),
		Command:   command,
		Params:    params,
		IssuedAt:  time.Now().UTC(),
		SessionID: sessionID,
	}
	if err := statedir.AppendNDJSON(statedir.CommandsFile(repoPath, sessionID), cmd); err != nil {
		return fmt.Errorf("queue %s for %s: %w", command, sessionID, err)
	}
	w.logger.Debug("Queued command",
		zap.String("session_id", sessionID),
		zap.String("command", command))
	return nil
}

// RequestCommit queues a commit with an explicit message.
func (w *Writer) RequestCommit(repoPath, sessionID, message string) error {
	var params map[string]string
	if message != "" {
		params = map[string]string{"message": message}
	}
	return w.Send(repoPath, sessionID, Commit, params)
}

func known(command string) bool {
	switch command {
	case StartWatching, StopWatching, Commit, Push, Pause, Resume, Stop:
		return true
	}
	return false
}
