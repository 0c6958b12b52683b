package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lazysuperheroes/hedera-multisig/internal/metrics"
	"github.com/lazysuperheroes/hedera-multisig/internal/session"
	"github.com/lazysuperheroes/hedera-multisig/internal/validation"
)

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy":    healthy,
		"subsystems": statuses,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) listSessionsHandler(c *gin.Context) {
	summaries, err := s.store.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	metrics.ActiveSessions.Set(float64(len(summaries)))
	c.JSON(http.StatusOK, gin.H{"sessions": summaries, "count": len(summaries)})
}

func (s *Server) getSessionHandler(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidSessionID(id) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   session.ErrSessionNotFound.Code,
			"message": "session IDs are 32 lowercase hex characters",
		})
		return
	}
	snap, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch err {
		case session.ErrSessionNotFound:
			status, code = http.StatusNotFound, session.ErrSessionNotFound.Code
		case session.ErrSessionExpired:
			status, code = http.StatusGone, session.ErrSessionExpired.Code
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap.Summarize())
}
