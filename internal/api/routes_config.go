package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/parknet-project/parknet/internal/player"
	"github.com/parknet-project/parknet/internal/session"
)

type groupRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type defaultGroupRequest struct {
	GroupID *uint8 `json:"group_id" binding:"required"`
}

// Group edits go through the session loop so the GROUPLIST broadcast
// follows the change in order.

func (s *Server) handleCreateGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	perms, err := player.PermissionsFromNames(req.Permissions)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var g player.Group
	ok := s.do(c, func(srv *session.Server) {
		g, err = srv.Registry().AddGroup(req.Name, perms)
		if err == nil {
			srv.BroadcastGroups()
		}
	})
	if !ok {
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	log.Info().Uint8("group_id", g.ID).Str("name", g.Name).Msg("API: group created")
	c.JSON(http.StatusCreated, groupView{ID: g.ID, Name: g.Name, Permissions: g.Permissions.Names()})
}

func (s *Server) handleDeleteGroup(c *gin.Context) {
	id, ok := parseGroupID(c)
	if !ok {
		return
	}
	var err error
	ok = s.do(c, func(srv *session.Server) {
		if err = srv.Registry().RemoveGroup(id); err == nil {
			srv.BroadcastGroups()
		}
	})
	if !ok {
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	log.Info().Uint8("group_id", id).Msg("API: group removed")
	c.JSON(http.StatusOK, gin.H{"status": "removed", "group_id": id})
}

// handleUpdateGroup renames a group and/or replaces its permissions.
func (s *Server) handleUpdateGroup(c *gin.Context) {
	id, ok := parseGroupID(c)
	if !ok {
		return
	}
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var perms player.Permissions
	var err error
	if req.Permissions != nil {
		if perms, err = player.PermissionsFromNames(req.Permissions); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ok = s.do(c, func(srv *session.Server) {
		reg := srv.Registry()
		if req.Name != "" {
			if err = reg.RenameGroup(id, req.Name); err != nil {
				return
			}
		}
		if req.Permissions != nil {
			if err = reg.SetGroupPermissions(id, perms); err != nil {
				return
			}
		}
		srv.BroadcastGroups()
	})
	if !ok {
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	g, _ := s.session.Registry().Group(id)
	c.JSON(http.StatusOK, groupView{ID: g.ID, Name: g.Name, Permissions: g.Permissions.Names()})
}

func (s *Server) handleSetDefaultGroup(c *gin.Context) {
	var req defaultGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group_id is required"})
		return
	}
	var err error
	ok := s.do(c, func(srv *session.Server) {
		if err = srv.Registry().SetDefaultGroup(*req.GroupID); err == nil {
			srv.BroadcastGroups()
		}
	})
	if !ok {
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"default_group": *req.GroupID})
}
