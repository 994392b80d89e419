package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/parknet-project/parknet/internal/player"
	"github.com/parknet-project/parknet/internal/session"
	"github.com/parknet-project/parknet/internal/sim"
	"github.com/parknet-project/parknet/internal/util"
)

const maxTickHistory = 256

type playerView struct {
	ID           uint32 `json:"id"`
	Name         string `json:"name"`
	KeyHash      string `json:"key_hash"`
	GroupID      uint8  `json:"group_id"`
	PingMS       uint32 `json:"ping_ms"`
	CommandsRan  int    `json:"commands_ran"`
	ChatMessages int    `json:"chat_messages"`
}

type groupView struct {
	ID          uint8    `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	Default     bool     `json:"default"`
}

type tickView struct {
	Tick      uint32   `json:"tick"`
	Seed      uint32   `json:"seed"`
	Checksum  string   `json:"checksum,omitempty"`
	ActionIDs []uint32 `json:"action_ids,omitempty"`
}

// handleGetStatus returns the session's tick, population and host load.
func (s *Server) handleGetStatus(c *gin.Context) {
	var (
		tick        uint32
		players     int
		connections int
		uptime      float64
	)
	ok := s.do(c, func(srv *session.Server) {
		tick = srv.Tick()
		players = srv.Registry().PlayerCount()
		connections = srv.ConnectionCount()
		uptime = srv.Uptime().Seconds()
	})
	if !ok {
		return
	}

	load := util.GetProcessLoad()
	c.JSON(http.StatusOK, gin.H{
		"tick":           tick,
		"players":        players,
		"connections":    connections,
		"uptime_seconds": uptime,
		"cpu_percent":    load.CPUPercent,
		"memory_percent": load.MemoryPercent,
	})
}

func (s *Server) handleGetPlayers(c *gin.Context) {
	players := s.session.Registry().Players()
	out := make([]playerView, 0, len(players))
	for i := range players {
		p := &players[i]
		out = append(out, playerView{
			ID:           p.ID,
			Name:         p.Name,
			KeyHash:      p.KeyHash,
			GroupID:      p.GroupID,
			PingMS:       p.PingMillis(),
			CommandsRan:  p.CommandsRan,
			ChatMessages: p.ChatMessages,
		})
	}
	c.JSON(http.StatusOK, gin.H{"players": out})
}

func (s *Server) handleGetGroups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": groupViews(s.session.Registry())})
}

func groupViews(r *player.Registry) []groupView {
	def := r.DefaultGroup()
	groups := r.Groups()
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupView{
			ID:          g.ID,
			Name:        g.Name,
			Permissions: g.Permissions.Names(),
			Default:     g.ID == def,
		})
	}
	return out
}

// handleGetTicks returns the most recent tick records, ?n= limits the count.
func (s *Server) handleGetTicks(c *gin.Context) {
	n := 32
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid n"})
			return
		}
		n = min(v, maxTickHistory)
	}

	var records []sim.TickRecord
	if !s.do(c, func(srv *session.Server) { records = srv.History(n) }) {
		return
	}
	out := make([]tickView, 0, len(records))
	for _, r := range records {
		out = append(out, tickView(r))
	}
	c.JSON(http.StatusOK, gin.H{"ticks": out})
}
