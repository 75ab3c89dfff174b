package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/s9nkit/devops-agent/internal/common/apperr"
	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/coordinator"
	"github.com/s9nkit/devops-agent/internal/recovery"
)

// Handler adapts the coordinator service to HTTP.
type Handler struct {
	service *coordinator.Service
	log     *logger.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(service *coordinator.Service, log *logger.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// respond maps a result envelope onto an HTTP response. Stable codes pick
// the status; the envelope itself is the body either way.
func respond(c *gin.Context, result apperr.Result) {
	if result.Success {
		c.JSON(http.StatusOK, result)
		return
	}
	status := http.StatusInternalServerError
	if result.Error != nil {
		switch result.Error.Code {
		case apperr.CodeSessionNotFound:
			status = http.StatusNotFound
		case apperr.CodeValidationFailed:
			status = http.StatusBadRequest
		case apperr.CodeLockConflict, apperr.CodeRebaseInProgress:
			status = http.StatusConflict
		}
	}
	c.JSON(status, result)
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req coordinator.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, apperr.Fail(apperr.Wrap(apperr.CodeValidationFailed, "invalid request body", err)))
		return
	}
	respond(c, h.service.CreateSession(c.Request.Context(), req))
}

func (h *Handler) ListSessions(c *gin.Context) {
	respond(c, h.service.ListSessions(c.Request.Context()))
}

func (h *Handler) GetSession(c *gin.Context) {
	respond(c, h.service.GetSession(c.Request.Context(), c.Param("sessionId")))
}

func (h *Handler) CloseSession(c *gin.Context) {
	respond(c, h.service.CloseSession(c.Request.Context(), c.Param("sessionId")))
}

func (h *Handler) RestartSession(c *gin.Context) {
	respond(c, h.service.RestartSession(c.Request.Context(), c.Param("sessionId")))
}

func (h *Handler) ListAgents(c *gin.Context) {
	respond(c, h.service.ListAgents(c.Request.Context()))
}

func (h *Handler) StartWatching(c *gin.Context) {
	respond(c, h.service.StartWatching(c.Request.Context(), c.Param("sessionId")))
}

func (h *Handler) StopWatching(c *gin.Context) {
	respond(c, h.service.StopWatching(c.Request.Context(), c.Param("sessionId")))
}

func (h *Handler) PauseSession(c *gin.Context) {
	respond(c, h.service.PauseSession(c.Request.Context(), c.Param("sessionId")))
}

func (h *Handler) ResumeSession(c *gin.Context) {
	respond(c, h.service.ResumeSession(c.Request.Context(), c.Param("sessionId")))
}

func (h *Handler) CommitSession(c *gin.Context) {
	var body struct {
		Message string `json:"message"`
	}
	_ = c.ShouldBindJSON(&body)
	respond(c, h.service.CommitSession(c.Request.Context(), c.Param("sessionId"), body.Message))
}

func (h *Handler) SessionActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	repoPath := c.Query("repoPath")
	respond(c, h.service.SessionActivity(c.Request.Context(), repoPath, c.Param("sessionId"), limit))
}

func (h *Handler) SessionHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	respond(c, h.service.SessionHistory(c.Request.Context(), c.Param("sessionId"), limit))
}

func (h *Handler) DeclareFiles(c *gin.Context) {
	var body struct {
		RepoPath  string   `json:"repoPath"`
		SessionID string   `json:"sessionId"`
		AgentID   string   `json:"agentId"`
		Files     []string `json:"files"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respond(c, apperr.Fail(apperr.Wrap(apperr.CodeValidationFailed, "invalid request body", err)))
		return
	}
	respond(c, h.service.DeclareFiles(c.Request.Context(), body.RepoPath, body.SessionID, body.AgentID, body.Files))
}

func (h *Handler) ReleaseFiles(c *gin.Context) {
	var body struct {
		RepoPath  string `json:"repoPath"`
		SessionID string `json:"sessionId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respond(c, apperr.Fail(apperr.Wrap(apperr.CodeValidationFailed, "invalid request body", err)))
		return
	}
	respond(c, h.service.ReleaseFiles(c.Request.Context(), body.RepoPath, body.SessionID))
}

func (h *Handler) ListLocks(c *gin.Context) {
	respond(c, h.service.ListLocks(c.Request.Context(), c.Query("repoPath")))
}

func (h *Handler) ForceReleaseLock(c *gin.Context) {
	var body struct {
		RepoPath string `json:"repoPath"`
		Path     string `json:"path"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respond(c, apperr.Fail(apperr.Wrap(apperr.CodeValidationFailed, "invalid request body", err)))
		return
	}
	respond(c, h.service.ForceReleaseLock(c.Request.Context(), body.RepoPath, body.Path))
}

func (h *Handler) CheckConflicts(c *gin.Context) {
	var body struct {
		RepoPath  string   `json:"repoPath"`
		SessionID string   `json:"sessionId"`
		Paths     []string `json:"paths"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respond(c, apperr.Fail(apperr.Wrap(apperr.CodeValidationFailed, "invalid request body", err)))
		return
	}
	respond(c, h.service.CheckConflicts(c.Request.Context(), body.RepoPath, body.SessionID, body.Paths))
}

func (h *Handler) ForceRebaseCheck(c *gin.Context) {
	respond(c, h.service.ForceRebaseCheck(c.Request.Context(), c.Param("sessionId")))
}

func (h *Handler) TriggerRebase(c *gin.Context) {
	respond(c, h.service.TriggerRebase(c.Request.Context(), c.Param("sessionId")))
}

func (h *Handler) RebaseStatus(c *gin.Context) {
	respond(c, h.service.RebaseStatus(c.Request.Context(), c.Param("sessionId")))
}

func (h *Handler) ScanSessions(c *gin.Context) {
	var body struct {
		RepoPaths []string `json:"repoPaths"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respond(c, apperr.Fail(apperr.Wrap(apperr.CodeValidationFailed, "invalid request body", err)))
		return
	}
	respond(c, h.service.ScanSessions(c.Request.Context(), body.RepoPaths))
}

func (h *Handler) RecoverSessions(c *gin.Context) {
	var body struct {
		Orphans []recovery.Orphan `json:"orphans"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respond(c, apperr.Fail(apperr.Wrap(apperr.CodeValidationFailed, "invalid request body", err)))
		return
	}
	respond(c, h.service.RecoverSessions(c.Request.Context(), body.Orphans))
}

func (h *Handler) DeleteOrphanedSession(c *gin.Context) {
	respond(c, h.service.DeleteOrphanedSession(c.Request.Context(), c.Query("repoPath"), c.Param("sessionId")))
}

func (h *Handler) ListInstances(c *gin.Context) {
	respond(c, h.service.ListInstances(c.Request.Context(), c.Query("repoPath")))
}

func (h *Handler) RepoBranches(c *gin.Context) {
	respond(c, h.service.RepoBranches(c.Request.Context(), c.Query("repoPath"), c.Query("base")))
}

func (h *Handler) DeleteBranch(c *gin.Context) {
	var body struct {
		RepoPath string `json:"repoPath"`
		Branch   string `json:"branch"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respond(c, apperr.Fail(apperr.Wrap(apperr.CodeValidationFailed, "invalid request body", err)))
		return
	}
	respond(c, h.service.DeleteBranch(c.Request.Context(), body.RepoPath, body.Branch))
}

func (h *Handler) SessionCommitDiff(c *gin.Context) {
	respond(c, h.service.SessionCommitDiff(c.Request.Context(), c.Param("sessionId"), c.Param("hash")))
}
