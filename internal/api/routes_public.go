package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parknet-project/parknet/internal/protocol"
	"github.com/parknet-project/parknet/internal/session"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "parknet",
		"version": protocol.NetworkVersion,
	})
}

// handleGetInfo returns what clients see in GAMEINFO.
func (s *Server) handleGetInfo(c *gin.Context) {
	var info protocol.GameInfo
	if !s.do(c, func(srv *session.Server) { info = srv.GameInfo() }) {
		return
	}
	c.JSON(http.StatusOK, info)
}
