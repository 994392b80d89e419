package session

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/parknet-project/parknet/internal/events"
	"github.com/parknet-project/parknet/internal/network"
	"github.com/parknet-project/parknet/internal/player"
	"github.com/parknet-project/parknet/internal/protocol"
	"github.com/parknet-project/parknet/internal/sim"
	"github.com/parknet-project/parknet/internal/util"
)

func (s *Server) handleMapRequest(c *network.Connection, p protocol.Packet) error {
	if c.Ready {
		return fmt.Errorf("%w: map request after map load", ErrUnexpectedCommand)
	}
	req, err := protocol.UnmarshalMapRequest(p.Payload)
	if err != nil {
		return err
	}
	if len(req.ObjectIDs) > 0 {
		c.Logger().Info().Strs("objects", req.ObjectIDs).Msg("client is missing objects")
		c.QueuePacket(s.objectDetails(req.ObjectIDs).Marshal())
		return nil
	}

	if err := s.sendSnapshot(c, protocol.CmdMap); err != nil {
		return err
	}
	// Ticks after the snapshot go to this connection from now on.
	c.Ready = true
	if s.network.Greeting != "" {
		c.QueuePacket(protocol.Chat{PlayerID: player.ServerPlayerID, Text: s.network.Greeting}.Marshal())
	}
	c.Logger().Info().Uint32("tick", s.sim.Tick()).Msg("map sent")
	return nil
}

func (s *Server) handleRequestGameState(c *network.Connection, p protocol.Packet) error {
	req, err := protocol.UnmarshalRequestGameState(p.Payload)
	if err != nil {
		return err
	}
	c.Logger().Info().Uint32("client_tick", req.Tick).Uint32("tick", s.sim.Tick()).Msg("game state requested")
	return s.sendSnapshot(c, protocol.CmdGameState)
}

// sendSnapshot queues the current state and every action scheduled past
// the current tick as one chunked transfer.
func (s *Server) sendSnapshot(c *network.Connection, cmd protocol.Command) error {
	state, err := s.sim.Save()
	if err != nil {
		return fmt.Errorf("%w: %v", errNoSnapshot, err)
	}
	snap := protocol.Snapshot{Tick: s.sim.Tick(), State: state}
	snap.Pending = append(snap.Pending, s.scheduled...)

	chunks, err := protocol.EncodeSnapshotChunks(snap, s.cfg.ChunkSize)
	if err != nil {
		return fmt.Errorf("%w: %v", errNoSnapshot, err)
	}
	for _, chunk := range chunks {
		c.QueuePacket(chunk.Marshal(cmd))
	}
	c.Logger().Debug().
		Str("command", cmd.String()).
		Int("chunks", len(chunks)).
		Int("pending", len(snap.Pending)).
		Msg("snapshot queued")
	return nil
}

func (s *Server) handleGameAction(c *network.Connection, p protocol.Packet) error {
	req, err := protocol.UnmarshalGameAction(p.Payload)
	if err != nil {
		return err
	}

	info, ok := s.sim.Describe(req.Type)
	if !ok {
		s.rejectAction(c, req, protocol.GameAction{ErrorCode: ActionErrorUnknownType, Error: "unknown action type"})
		return nil
	}
	perm, err := player.ParsePermission(info.Permission)
	if err != nil || !s.registry.Can(c.PlayerID, perm) {
		s.rejectAction(c, req, protocol.GameAction{ErrorCode: ActionErrorPermissionDenied, Error: "permission denied"})
		return nil
	}

	action := sim.Action{PlayerID: c.PlayerID, Type: req.Type, Params: req.Params}
	if err := s.sim.Validate(action); err != nil {
		s.rejectAction(c, req, protocol.GameAction{ErrorCode: ActionErrorInvalid, Error: err.Error()})
		return nil
	}

	scheduled := s.schedule(action, req.RequestID, 0)
	s.registry.RecordAction(c.PlayerID, s.now)
	c.Logger().Debug().
		Uint32("action_id", scheduled.ActionID).
		Str("type", info.Name).
		Uint32("tick", scheduled.Tick).
		Msg("action scheduled")
	return nil
}

// rejectAction answers only the submitter.
func (s *Server) rejectAction(c *network.Connection, req protocol.GameAction, why protocol.GameAction) {
	reply := protocol.GameAction{
		RequestID: req.RequestID,
		PlayerID:  c.PlayerID,
		Type:      req.Type,
		Tick:      s.sim.Tick(),
		Flags:     protocol.ActionFlagRejected,
		ErrorCode: why.ErrorCode,
		Error:     why.Error,
	}
	c.QueuePacket(reply.Marshal())

	name := ""
	if pl, ok := s.registry.Player(c.PlayerID); ok {
		name = pl.Name
	}
	s.emit(events.EventActionRejected, events.ActionPayload{
		RequestID: req.RequestID,
		PlayerID:  c.PlayerID,
		Player:    name,
		Type:      s.actionName(req.Type),
		Tick:      reply.Tick,
		Error:     why.Error,
	})
	c.Logger().Info().Str("type", s.actionName(req.Type)).Str("error", why.Error).Msg("action rejected")
}

func (s *Server) actionName(t uint32) string {
	if info, ok := s.sim.Describe(t); ok {
		return info.Name
	}
	return fmt.Sprintf("type_%d", t)
}

// schedule assigns the next global action id and a future execution tick,
// queues the action and broadcasts it to every synced client.
func (s *Server) schedule(a sim.Action, requestID, flags uint32) protocol.GameAction {
	s.nextActionID++
	ga := protocol.GameAction{
		ActionID:  s.nextActionID,
		RequestID: requestID,
		Tick:      s.sim.Tick() + uint32(s.cfg.ActionDelayTicks),
		PlayerID:  a.PlayerID,
		Type:      a.Type,
		Flags:     flags,
		Params:    a.Params,
	}
	s.scheduled = append(s.scheduled, ga)
	s.broadcastReady(ga.Marshal())
	return ga
}

// SubmitServerAction schedules an action with server authority.
func (s *Server) SubmitServerAction(actionType uint32, params []byte) (uint32, error) {
	a := sim.Action{PlayerID: player.ServerPlayerID, Type: actionType, Params: params}
	if _, ok := s.sim.Describe(actionType); !ok {
		return 0, fmt.Errorf("%w: %d", sim.ErrUnknownAction, actionType)
	}
	if err := s.sim.Validate(a); err != nil {
		return 0, err
	}
	ga := s.schedule(a, 0, protocol.ActionFlagServer)
	return ga.ActionID, nil
}

// step advances the authoritative simulation one tick and broadcasts the
// record.
func (s *Server) step() {
	next := s.sim.Tick() + 1

	var due []protocol.GameAction
	n := 0
	for n < len(s.scheduled) && s.scheduled[n].Tick <= next {
		due = append(due, s.scheduled[n])
		n++
	}
	s.scheduled = s.scheduled[n:]

	actions := make([]sim.Action, len(due))
	ids := make([]uint32, len(due))
	for i, ga := range due {
		actions[i] = sim.Action{ID: ga.ActionID, PlayerID: ga.PlayerID, Type: ga.Type, Tick: next, Params: ga.Params}
		ids[i] = ga.ActionID
	}

	seed := s.sim.Seed()
	results := s.sim.Step(actions)

	record := sim.TickRecord{Tick: next, Seed: seed, ActionIDs: ids}
	if s.cfg.ChecksumInterval <= 1 || next%uint32(s.cfg.ChecksumInterval) == 0 {
		record.Checksum = s.sim.Checksum()
	}
	s.history.Add(record)

	s.broadcastReady(protocol.Tick{
		Tick:      record.Tick,
		Seed:      record.Seed,
		Checksum:  record.Checksum,
		ActionIDs: record.ActionIDs,
	}.Marshal())

	for i, ga := range due {
		payload := events.ActionPayload{
			ActionID:  ga.ActionID,
			RequestID: ga.RequestID,
			PlayerID:  ga.PlayerID,
			Type:      s.actionName(ga.Type),
			Tick:      next,
		}
		if pl, ok := s.registry.Player(ga.PlayerID); ok {
			payload.Player = pl.Name
		}
		if results[i] != nil {
			payload.Error = results[i].Error()
		}
		s.emit(events.EventActionExecuted, payload)
	}

	for _, src := range s.sources {
		for _, a := range src.Actions(next) {
			a.PlayerID = player.ServerPlayerID
			if err := s.sim.Validate(a); err != nil {
				s.logger.Warn().Err(err).Uint32("type", a.Type).Msg("scripted action rejected")
				continue
			}
			s.schedule(a, 0, protocol.ActionFlagServer)
		}
	}

	if next%limiterPruneTicks == 0 {
		s.pruneReconnectLimiters()
	}
}

func (s *Server) handlePing(c *network.Connection, p protocol.Packet) error {
	ping, err := protocol.UnmarshalPing(p.Payload)
	if err != nil {
		return err
	}
	if ping.Sequence != c.PingSequence || c.LastPingSentAt.IsZero() {
		return nil
	}
	c.Ping = s.now.Sub(c.LastPingSentAt)
	s.registry.SetPing(c.PlayerID, c.Ping)
	return nil
}

func (s *Server) sendPings() {
	if s.now.Sub(s.lastPing) >= s.cfg.PingInterval() {
		s.lastPing = s.now
		s.pingSeq++
		for _, c := range s.conns.All() {
			if c.AuthStatus != network.AuthOK || s.isClosing(c) {
				continue
			}
			c.PingSequence = s.pingSeq
			c.LastPingSentAt = s.now
			c.QueuePacket(protocol.Ping{Sequence: s.pingSeq}.Marshal())
		}
	}

	if s.now.Sub(s.lastPingList) >= s.cfg.PingListInterval() {
		s.lastPingList = s.now
		players := s.registry.Players()
		if len(players) == 0 {
			return
		}
		list := protocol.PingList{}
		pings := make(map[uint32]uint32, len(players))
		for _, p := range players {
			list.Entries = append(list.Entries, protocol.PingEntry{PlayerID: p.ID, Ping: p.PingMillis()})
			pings[p.ID] = p.PingMillis()
		}
		s.broadcastAuthed(list.Marshal())
		s.emit(events.EventPingList, events.PingListPayload{Pings: pings})
	}
}

func (s *Server) publishStats() {
	if s.bus == nil || s.now.Sub(s.lastStats) < statsInterval {
		return
	}
	s.lastStats = s.now
	load := util.GetProcessLoad()
	s.emit(events.EventStats, events.StatsPayload{
		Tick:        s.sim.Tick(),
		Players:     s.registry.PlayerCount(),
		Connections: s.conns.Count(),
		CPUPercent:  load.CPUPercent,
		MemPercent:  load.MemoryPercent,
	})
}

func (s *Server) handleChat(c *network.Connection, p protocol.Packet) error {
	msg, err := protocol.UnmarshalChat(p.Payload)
	if err != nil {
		return err
	}
	text := truncateText(strings.TrimSpace(strings.ToValidUTF8(msg.Text, "")), maxChatLength)
	if text == "" {
		return nil
	}
	if !s.registry.Can(c.PlayerID, player.PermChat) {
		c.QueuePacket(protocol.ShowError{Title: "Chat", Message: "You are not allowed to chat."}.Marshal())
		return nil
	}
	if !s.registry.AllowChat(c.PlayerID, s.now) {
		c.QueuePacket(protocol.ShowError{Title: "Chat", Message: "You are sending messages too quickly."}.Marshal())
		return nil
	}
	pl, ok := s.registry.Player(c.PlayerID)
	if !ok {
		return nil
	}
	s.relayChat(pl.ID, pl.Name, text)
	return nil
}

// SendChat broadcasts a message from the server.
func (s *Server) SendChat(text string) {
	s.relayChat(player.ServerPlayerID, s.network.ServerName, text)
}

func (s *Server) relayChat(playerID uint32, name, text string) {
	s.broadcastAuthed(protocol.Chat{PlayerID: playerID, Name: name, Text: text}.Marshal())
	s.emit(events.EventChat, events.ChatPayload{PlayerID: playerID, Name: name, Text: text})
}

// truncateText cuts s to at most limit bytes without splitting a rune.
func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
