package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/parknet-project/parknet/internal/player"
	"github.com/parknet-project/parknet/internal/session"
	"github.com/parknet-project/parknet/internal/sim"
)

type messageRequest struct {
	Message string `json:"message"`
}

type groupAssignment struct {
	GroupID *uint8 `json:"group_id" binding:"required"`
}

type chatRequest struct {
	Text string `json:"text" binding:"required"`
}

type actionRequest struct {
	Type   string `json:"type" binding:"required"`
	Params string `json:"params"` // base64
}

func (s *Server) handleKickPlayer(c *gin.Context) {
	id, ok := parsePlayerID(c)
	if !ok {
		return
	}
	var req messageRequest
	c.ShouldBindJSON(&req)

	var err error
	if !s.do(c, func(srv *session.Server) { err = srv.KickPlayer(id, req.Message) }) {
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	log.Info().Uint32("player_id", id).Str("message", req.Message).Msg("API: player kicked")
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "player_id": id})
}

func (s *Server) handleBanPlayer(c *gin.Context) {
	id, ok := parsePlayerID(c)
	if !ok {
		return
	}
	var req messageRequest
	c.ShouldBindJSON(&req)

	var err error
	if !s.do(c, func(srv *session.Server) { err = srv.BanPlayer(id, req.Message) }) {
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	log.Info().Uint32("player_id", id).Msg("API: player banned")
	c.JSON(http.StatusOK, gin.H{"status": "banned", "player_id": id})
}

func (s *Server) handleSetPlayerGroup(c *gin.Context) {
	id, ok := parsePlayerID(c)
	if !ok {
		return
	}
	var req groupAssignment
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group_id is required"})
		return
	}

	var err error
	if !s.do(c, func(srv *session.Server) { err = srv.SetPlayerGroup(id, *req.GroupID) }) {
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"player_id": id, "group_id": *req.GroupID})
}

// handleChat sends a chat line as the server.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	if !s.do(c, func(srv *session.Server) { srv.SendChat(req.Text) }) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// handleSubmitAction schedules a game action with server authority.
func (s *Server) handleSubmitAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	actionType, ok := sim.ActionTypeByName(req.Type)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action type", "type": req.Type})
		return
	}
	params, err := base64.StdEncoding.DecodeString(req.Params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "params must be base64"})
		return
	}

	var actionID uint32
	if !s.do(c, func(srv *session.Server) { actionID, err = srv.SubmitServerAction(actionType, params) }) {
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action_id": actionID, "type": req.Type})
}

func parsePlayerID(c *gin.Context) (uint32, bool) {
	v, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || v == uint64(player.ServerPlayerID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid player id"})
		return 0, false
	}
	return uint32(v), true
}

func parseGroupID(c *gin.Context) (uint8, bool) {
	v, err := strconv.ParseUint(c.Param("id"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return 0, false
	}
	return uint8(v), true
}

// writeError maps domain errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, player.ErrPlayerNotFound), errors.Is(err, player.ErrGroupNotFound):
		status = http.StatusNotFound
	case errors.Is(err, player.ErrDuplicateGroupName), errors.Is(err, player.ErrRemoveDefaultGroup):
		status = http.StatusConflict
	case errors.Is(err, player.ErrInvalidName), errors.Is(err, player.ErrServerAuthorityOnly),
		errors.Is(err, player.ErrTooManyGroups), errors.Is(err, player.ErrInvalidReplacement),
		errors.Is(err, sim.ErrUnknownAction), errors.Is(err, sim.ErrInvalidParams),
		errors.Is(err, sim.ErrActionFailed):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
