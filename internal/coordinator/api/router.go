// Package api exposes the coordinator's request verbs over HTTP.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/s9nkit/devops-agent/internal/common/logger"
	"github.com/s9nkit/devops-agent/internal/coordinator"
)

// SetupRoutes configures the coordinator API routes.
func SetupRoutes(router *gin.RouterGroup, service *coordinator.Service, log *logger.Logger) {
	handler := NewHandler(service, log)

	router.GET("/agents", handler.ListAgents)
	router.GET("/instances", handler.ListInstances)
	router.GET("/branches", handler.RepoBranches)
	router.POST("/branches/delete", handler.DeleteBranch)

	router.POST("/sessions", handler.CreateSession)
	router.GET("/sessions", handler.ListSessions)

	sessions := router.Group("/sessions/:sessionId")
	{
		sessions.GET("", handler.GetSession)
		sessions.DELETE("", handler.CloseSession)
		sessions.POST("/restart", handler.RestartSession)
		sessions.POST("/watch", handler.StartWatching)
		sessions.POST("/unwatch", handler.StopWatching)
		sessions.POST("/pause", handler.PauseSession)
		sessions.POST("/resume", handler.ResumeSession)
		sessions.POST("/commit", handler.CommitSession)
		sessions.GET("/activity", handler.SessionActivity)
		sessions.GET("/history", handler.SessionHistory)
		sessions.GET("/history/:hash/diff", handler.SessionCommitDiff)
		sessions.POST("/rebase/check", handler.ForceRebaseCheck)
		sessions.POST("/rebase/trigger", handler.TriggerRebase)
		sessions.GET("/rebase/status", handler.RebaseStatus)
	}

	locks := router.Group("/locks")
	{
		locks.GET("", handler.ListLocks)
		locks.POST("/declare", handler.DeclareFiles)
		locks.POST("/release", handler.ReleaseFiles)
		locks.POST("/force-release", handler.ForceReleaseLock)
		locks.POST("/check", handler.CheckConflicts)
	}

	recoveryGroup := router.Group("/recovery")
	{
		recoveryGroup.POST("/scan", handler.ScanSessions)
		recoveryGroup.POST("/recover", handler.RecoverSessions)
		recoveryGroup.DELETE("/orphans/:sessionId", handler.DeleteOrphanedSession)
	}
}
