package registry

import (
	"fmt"
	"time"
)

// AgentType identifies the kind of external agent process.
type AgentType string

const (
	AgentClaude  AgentType = "claude"
	AgentCursor  AgentType = "cursor"
	AgentCopilot AgentType = "copilot"
	AgentCline   AgentType = "cline"
	AgentAider   AgentType = "aider"
	AgentWarp    AgentType = "warp"
	AgentCustom  AgentType = "custom"
)

// Valid reports whether the agent type is part of the closed vocabulary.
func (t AgentType) Valid() bool {
	switch t {
	case AgentClaude, AgentCursor, AgentCopilot, AgentCline, AgentAider, AgentWarp, AgentCustom:
		return true
	}
	return false
}

// Capability vocabulary agents may declare.
const (
	CapFileWatching   = "file-watching"
	CapAutoCommit     = "auto-commit"
	CapCodeGeneration = "code-generation"
	CapCodeReview     = "code-review"
	CapChat           = "chat"
	CapTestExecution  = "test-execution"
	CapDeployment     = "deployment"
)

// ValidCapability reports whether a capability string is known.
func ValidCapability(c string) bool {
	switch c {
	case CapFileWatching, CapAutoCommit, CapCodeGeneration, CapCodeReview,
		CapChat, CapTestExecution, CapDeployment:
		return true
	}
	return false
}

// Agent is an independent agent process that has introduced itself into a
// repository by writing agents/<agentId>.json.
type Agent struct {
	AgentID       string    `json:"agentId"`
	AgentType     AgentType `json:"agentType"`
	AgentName     string    `json:"agentName"`
	Version       string    `json:"version"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	Capabilities  []string  `json:"capabilities"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitempty"`
	IsAlive       bool      `json:"isAlive"`
	RepoPath      string    `json:"repoPath,omitempty"`

	// Provisional marks agents synthesised from a session report whose
	// agentId was never registered through agents/. The listener reconciles
	// them when the real registration file appears.
	Provisional bool `json:"provisional,omitempty"`
}

// Validate checks the fields required of an on-disk agent file.
func (a *Agent) Validate() error {
	if a.AgentID == "" {
		return fmt.Errorf("agentId is required")
	}
	if !a.AgentType.Valid() {
		return fmt.Errorf("unknown agentType %q", a.AgentType)
	}
	return nil
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusIdle     SessionStatus = "idle"
	StatusActive   SessionStatus = "active"
	StatusWatching SessionStatus = "watching"
	StatusPaused   SessionStatus = "paused"
	StatusError    SessionStatus = "error"
	StatusClosed   SessionStatus = "closed"
)

// Valid reports whether the status is part of the enumeration.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusActive, StatusWatching, StatusPaused, StatusError, StatusClosed:
		return true
	}
	return false
}

// SessionIDPrefix is the required prefix of every session identifier.
const SessionIDPrefix = "sess_"

// SessionReport is one unit of work one agent performs on one branch,
// as reported through sessions/<sessionId>.json.
type SessionReport struct {
	SessionID    string        `json:"sessionId"`
	AgentID      string        `json:"agentId"`
	AgentType    AgentType     `json:"agentType"`
	Task         string        `json:"task"`
	BranchName   string        `json:"branchName"`
	BaseBranch   string        `json:"baseBranch"`
	WorktreePath string        `json:"worktreePath"`
	RepoPath     string        `json:"repoPath"`
	Status       SessionStatus `json:"status"`
	Created      time.Time     `json:"created"`
	Updated      time.Time     `json:"updated"`
	CommitCount  int           `json:"commitCount"`
	LastCommit   string        `json:"lastCommit,omitempty"`
}

// Validate checks the fields required of an on-disk session file.
func (s *SessionReport) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}
	if len(s.SessionID) < len(SessionIDPrefix) || s.SessionID[:len(SessionIDPrefix)] != SessionIDPrefix {
		return fmt.Errorf("sessionId %q must have prefix %q", s.SessionID, SessionIDPrefix)
	}
	if !s.AgentType.Valid() {
		return fmt.Errorf("unknown agentType %q", s.AgentType)
	}
	if s.Status != "" && !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	return nil
}

// ActivityEntry is one append-only log line for a session.
type ActivityEntry struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"` // success | error | warning | info | commit | file | git
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}
