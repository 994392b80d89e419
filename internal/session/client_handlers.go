package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/parknet-project/parknet/internal/events"
	"github.com/parknet-project/parknet/internal/network"
	"github.com/parknet-project/parknet/internal/protocol"
	"github.com/parknet-project/parknet/internal/sim"
)

func (c *Client) authenticated() bool {
	return c.playerID != 0 && c.lastAuth.Result == protocol.AuthOK
}

func (c *Client) handleToken(_ *network.Connection, p protocol.Packet) error {
	if c.state != StateAuthenticating || c.authenticated() {
		return fmt.Errorf("%w: token in state %s", ErrUnexpectedCommand, c.state)
	}
	tok, err := protocol.UnmarshalTokenResponse(p.Payload)
	if err != nil {
		return err
	}
	c.challenge = tok.Challenge
	return c.sendAuth()
}

func (c *Client) sendAuth() error {
	sig, err := c.opts.Key.Sign(c.challenge)
	if err != nil {
		return err
	}
	c.conn.QueuePacket(protocol.AuthRequest{
		GameVersion:     protocol.NetworkVersion,
		Name:            c.opts.Name,
		Password:        c.opts.Password,
		PublicKey:       c.opts.Key.PublicKey(),
		Signature:       sig,
		ReconnectTicket: c.ticket,
	}.Marshal())
	return nil
}

func (c *Client) handleAuth(_ *network.Connection, p protocol.Packet) error {
	if c.state != StateAuthenticating || c.authenticated() {
		return fmt.Errorf("%w: auth reply in state %s", ErrUnexpectedCommand, c.state)
	}
	resp, err := protocol.UnmarshalAuthResponse(p.Payload)
	if err != nil {
		return err
	}
	c.lastAuth = resp
	if resp.Result != protocol.AuthOK {
		c.serverReason = resp.Reason
		c.logger.Warn().Str("result", resp.Result.String()).Str("reason", resp.Reason).Msg("authentication denied")
		return nil
	}

	c.serverReason = ""
	c.playerID = resp.PlayerID
	if resp.Ticket != "" {
		c.ticket = resp.Ticket
	}
	c.reconnectAttempts = 0
	c.logger = c.logger.With().Uint32("player_id", resp.PlayerID).Logger()
	c.logger.Info().Msg("authenticated")
	return nil
}

func (c *Client) handleDisconnectMessage(_ *network.Connection, p protocol.Packet) error {
	msg, err := protocol.UnmarshalDisconnectMessage(p.Payload)
	if err != nil {
		return err
	}
	c.serverReason = msg.Reason
	c.logger.Info().Str("reason", msg.Reason).Msg("server is closing the connection")
	return nil
}

func (c *Client) handleShowError(_ *network.Connection, p protocol.Packet) error {
	msg, err := protocol.UnmarshalShowError(p.Payload)
	if err != nil {
		return err
	}
	c.logger.Warn().Str("title", msg.Title).Str("message", msg.Message).Msg("server error")
	if c.opts.OnError != nil {
		c.opts.OnError(msg)
	}
	return nil
}

func (c *Client) handleGameInfo(_ *network.Connection, p protocol.Packet) error {
	info, err := protocol.UnmarshalGameInfo(p.Payload)
	if err != nil {
		return err
	}
	c.gameInfo = info
	return nil
}

func (c *Client) handleGroupList(_ *network.Connection, p protocol.Packet) error {
	if !c.authenticated() {
		return fmt.Errorf("%w: group list before authentication", ErrUnexpectedCommand)
	}
	groups, err := protocol.UnmarshalGroupList(p.Payload)
	if err != nil {
		return err
	}
	c.groups = groups
	return nil
}

func (c *Client) handlePlayerList(_ *network.Connection, p protocol.Packet) error {
	if !c.authenticated() {
		return fmt.Errorf("%w: player list before authentication", ErrUnexpectedCommand)
	}
	list, err := protocol.UnmarshalPlayerList(p.Payload)
	if err != nil {
		return err
	}
	c.players = make(map[uint32]protocol.PlayerEntry, len(list.Players))
	for _, e := range list.Players {
		c.players[e.ID] = e
	}
	return nil
}

func (c *Client) handlePlayerInfo(_ *network.Connection, p protocol.Packet) error {
	if !c.authenticated() {
		return fmt.Errorf("%w: player info before authentication", ErrUnexpectedCommand)
	}
	info, err := protocol.UnmarshalPlayerInfo(p.Payload)
	if err != nil {
		return err
	}
	c.players[info.Player.ID] = info.Player
	return nil
}

func (c *Client) handleEvent(_ *network.Connection, p protocol.Packet) error {
	ev, err := protocol.UnmarshalEvent(p.Payload)
	if err != nil {
		return err
	}
	switch ev.Kind {
	case protocol.EventKindPlayerJoined:
		c.logger.Info().Uint32("joined_id", ev.PlayerID).Str("name", ev.Name).Msg("player joined")
	case protocol.EventKindPlayerDisconnected:
		delete(c.players, ev.PlayerID)
		c.logger.Info().Uint32("left_id", ev.PlayerID).Str("name", ev.Name).Str("reason", ev.Reason).Msg("player left")
	default:
		c.logger.Debug().Uint16("kind", uint16(ev.Kind)).Msg("ignoring unknown event")
	}
	return nil
}

func (c *Client) handleScripts(_ *network.Connection, p protocol.Packet) error {
	if !c.authenticated() {
		return fmt.Errorf("%w: scripts before authentication", ErrUnexpectedCommand)
	}
	msg, err := protocol.UnmarshalScripts(p.Payload)
	if err != nil {
		return err
	}
	c.scripts = msg.Scripts
	c.logger.Debug().Int("count", len(msg.Scripts)).Msg("received scripts")
	return nil
}

func (c *Client) handleObjectsList(_ *network.Connection, p protocol.Packet) error {
	if !c.authenticated() || c.state != StateAuthenticating {
		return fmt.Errorf("%w: object list in state %s", ErrUnexpectedCommand, c.state)
	}
	list, err := protocol.UnmarshalObjectsList(p.Payload)
	if err != nil {
		return err
	}
	if !list.Detailed {
		c.required = list.Objects
		c.resolveObjects()
		return nil
	}
	if len(c.objectsRequested) == 0 || c.fetchDone != nil {
		return fmt.Errorf("%w: unsolicited object details", ErrUnexpectedCommand)
	}
	c.fetchObjects(list.Objects)
	return nil
}

// resolveObjects checks the required objects against the local repository.
// Anything missing is requested once; if it is still missing after that the
// connection is closed.
func (c *Client) resolveObjects() {
	var missing []string
	for _, e := range c.required {
		err := sim.Resolve(c.opts.Objects, objectFromEntry(e))
		switch {
		case err == nil:
		case errors.Is(err, sim.ErrVersionMismatch):
			c.logger.Warn().Str("object", e.ID).Str("version", e.Version).Msg("incompatible object version")
			c.close(protocol.ReasonVersionIncompatible, true)
			return
		default:
			missing = append(missing, e.ID)
		}
	}

	if len(missing) == 0 {
		c.conn.QueuePacket(protocol.MapRequest{}.Marshal())
		return
	}
	if len(c.objectsRequested) > 0 {
		c.close(protocol.ReasonMissingObject(missing[0]), true)
		return
	}
	c.objectsRequested = missing
	c.logger.Info().Strs("objects", missing).Msg("requesting missing objects")
	c.conn.QueuePacket(protocol.MapRequest{ObjectIDs: missing}.Marshal())
}

// fetchObjects downloads the described objects off the update goroutine.
// pollFetch picks up the result.
func (c *Client) fetchObjects(details []protocol.ObjectEntry) {
	byID := make(map[string]sim.Object, len(details))
	for _, e := range details {
		byID[e.ID] = objectFromEntry(e)
	}
	objs := make([]sim.Object, 0, len(c.objectsRequested))
	for _, id := range c.objectsRequested {
		o, ok := byID[id]
		if !ok {
			c.close(protocol.ReasonMissingObject(id), true)
			return
		}
		objs = append(objs, o)
	}

	ctx, cancel := context.WithTimeout(context.Background(), objectFetchTimeout)
	done := make(chan error, 1)
	c.fetchDone = done
	c.fetchCancel = cancel
	repo := c.opts.Objects
	go func() {
		for _, o := range objs {
			if err := repo.Fetch(ctx, o); err != nil {
				done <- &sim.ObjectError{ID: o.ID, Err: err}
				return
			}
		}
		done <- nil
	}()
}

func (c *Client) pollFetch() {
	if c.fetchDone == nil {
		return
	}
	select {
	case err := <-c.fetchDone:
		c.cancelFetch()
		if err != nil {
			id := ""
			var objErr *sim.ObjectError
			if errors.As(err, &objErr) {
				id = objErr.ID
			}
			c.logger.Warn().Err(err).Msg("object download failed")
			c.close(protocol.ReasonMissingObject(id), true)
			return
		}
		c.resolveObjects()
	default:
	}
}

func (c *Client) cancelFetch() {
	if c.fetchCancel != nil {
		c.fetchCancel()
	}
	c.fetchCancel = nil
	c.fetchDone = nil
}

func objectFromEntry(e protocol.ObjectEntry) sim.Object {
	return sim.Object{ID: e.ID, Checksum: e.Checksum, Version: e.Version, Source: e.Source, Size: e.Size}
}

func (c *Client) handleSnapshotChunk(conn *network.Connection, p protocol.Packet) error {
	switch p.Command {
	case protocol.CmdMap:
		if !c.authenticated() || c.state != StateAuthenticating {
			return fmt.Errorf("%w: map in state %s", ErrUnexpectedCommand, c.state)
		}
	case protocol.CmdGameState:
		if !c.state.Synced() {
			return fmt.Errorf("%w: game state in state %s", ErrUnexpectedCommand, c.state)
		}
	}

	chunk, err := protocol.UnmarshalChunk(p.Payload)
	if err != nil {
		return err
	}
	body, done, err := conn.Chunks.Add(p.Command, chunk)
	if err != nil {
		if p.Command == protocol.CmdMap {
			// Without the map the handshake can never finish.
			c.logger.Warn().Err(err).Msg("map transfer failed")
			c.close(protocol.ReasonProtocolError, true)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if !done {
		return nil
	}
	snap, err := protocol.DecodeSnapshotBody(body)
	if err != nil {
		c.logger.Warn().Err(err).Msg("undecodable snapshot")
		c.close(protocol.ReasonProtocolError, true)
		return nil
	}
	c.loadSnapshot(snap)
	return nil
}

// loadSnapshot replaces the local state and merges the actions scheduled
// after it with whatever was already queued.
func (c *Client) loadSnapshot(snap protocol.Snapshot) {
	simulation := c.opts.Simulation
	if err := simulation.Load(snap.State); err != nil || simulation.Tick() != snap.Tick {
		c.logger.Warn().Err(err).Uint32("tick", snap.Tick).Msg("failed to load snapshot")
		c.close(protocol.ReasonProtocolError, true)
		return
	}

	records := c.incoming[:0]
	for _, r := range c.incoming {
		if r.Tick > snap.Tick {
			records = append(records, r)
		}
	}
	c.incoming = records

	seen := make(map[uint32]bool, len(c.queued)+len(snap.Pending))
	var merged []protocol.GameAction
	for _, list := range [][]protocol.GameAction{c.queued, snap.Pending} {
		for _, a := range list {
			if a.Tick <= snap.Tick || seen[a.ActionID] {
				continue
			}
			seen[a.ActionID] = true
			merged = append(merged, a)
		}
	}
	sortActions(merged)
	c.queued = merged

	c.history.Reset()
	if c.serverTick < snap.Tick {
		c.serverTick = snap.Tick
	}
	c.resyncing = false
	c.lastHeartbeat = c.now
	c.setState(StateActive)
	c.logger.Info().
		Uint32("tick", snap.Tick).
		Int("queued_actions", len(merged)).
		Msg("game state loaded")
}

func sortActions(actions []protocol.GameAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Tick != actions[j].Tick {
			return actions[i].Tick < actions[j].Tick
		}
		return actions[i].ActionID < actions[j].ActionID
	})
}

func (c *Client) handleTick(_ *network.Connection, p protocol.Packet) error {
	if !c.state.Synced() {
		return fmt.Errorf("%w: tick in state %s", ErrUnexpectedCommand, c.state)
	}
	t, err := protocol.UnmarshalTick(p.Payload)
	if err != nil {
		return err
	}
	if t.Tick <= c.opts.Simulation.Tick() {
		return nil
	}
	if n := len(c.incoming); n > 0 && t.Tick <= c.incoming[n-1].Tick {
		return fmt.Errorf("%w: tick %d after %d", ErrProtocolViolation, t.Tick, c.incoming[n-1].Tick)
	}
	c.incoming = append(c.incoming, sim.TickRecord{
		Tick:      t.Tick,
		Seed:      t.Seed,
		Checksum:  t.Checksum,
		ActionIDs: t.ActionIDs,
	})
	c.serverTick = t.Tick
	return nil
}

func (c *Client) handleGameAction(_ *network.Connection, p protocol.Packet) error {
	ga, err := protocol.UnmarshalGameAction(p.Payload)
	if err != nil {
		return err
	}
	if ga.Rejected() {
		if ga.PlayerID == c.playerID {
			c.pending.resolve(ga.RequestID, ActionResult{
				RequestID: ga.RequestID,
				Tick:      ga.Tick,
				Err:       fmt.Errorf("%w: %s", ErrActionRejected, ga.Error),
			})
		}
		return nil
	}
	if !c.state.Synced() {
		return fmt.Errorf("%w: game action in state %s", ErrUnexpectedCommand, c.state)
	}
	if ga.Tick <= c.opts.Simulation.Tick() {
		c.logger.Warn().
			Uint32("action_id", ga.ActionID).
			Uint32("action_tick", ga.Tick).
			Uint32("tick", c.opts.Simulation.Tick()).
			Msg("action arrived after its tick")
		return nil
	}
	for _, q := range c.queued {
		if q.ActionID == ga.ActionID {
			return nil
		}
	}
	c.queued = append(c.queued, ga)
	if n := len(c.queued); n > 1 {
		prev := c.queued[n-2]
		if prev.Tick > ga.Tick || (prev.Tick == ga.Tick && prev.ActionID > ga.ActionID) {
			sortActions(c.queued)
		}
	}
	return nil
}

// processTicks steps the simulation through every tick the server has
// confirmed, comparing seed, action order and checksum as it goes.
func (c *Client) processTicks() {
	simulation := c.opts.Simulation
	for c.state.Synced() && len(c.incoming) > 0 {
		rec := c.incoming[0]
		next := simulation.Tick() + 1
		if rec.Tick < next {
			c.incoming = c.incoming[1:]
			continue
		}
		if rec.Tick > next {
			c.logger.Error().Uint32("expected", next).Uint32("got", rec.Tick).Msg("tick sequence has a gap")
			c.close(protocol.ReasonProtocolError, true)
			return
		}
		c.incoming = c.incoming[1:]

		var due []protocol.GameAction
		i := 0
		for ; i < len(c.queued) && c.queued[i].Tick <= next; i++ {
			if c.queued[i].Tick == next {
				due = append(due, c.queued[i])
			}
		}
		c.queued = c.queued[i:]

		compare := c.state == StateActive
		cause := ""
		if compare && simulation.Seed() != rec.Seed {
			cause = "seed"
		}

		actions := make([]sim.Action, len(due))
		ids := make([]uint32, len(due))
		for j, ga := range due {
			actions[j] = sim.Action{ID: ga.ActionID, PlayerID: ga.PlayerID, Type: ga.Type, Tick: ga.Tick, Params: ga.Params}
			ids[j] = ga.ActionID
		}
		results := simulation.Step(actions)

		for j, ga := range due {
			if ga.PlayerID != c.playerID || ga.RequestID == 0 || ga.Flags&protocol.ActionFlagServer != 0 {
				continue
			}
			var stepErr error
			if j < len(results) {
				stepErr = results[j]
			}
			c.pending.resolve(ga.RequestID, ActionResult{
				RequestID: ga.RequestID,
				ActionID:  ga.ActionID,
				Tick:      next,
				Err:       stepErr,
			})
		}

		local := ""
		if compare && cause == "" {
			if !equalIDs(ids, rec.ActionIDs) {
				cause = "actions"
			} else if rec.Checksum != "" {
				local = simulation.Checksum()
				if local != rec.Checksum {
					cause = "checksum"
				}
			}
		}
		c.history.Add(sim.TickRecord{Tick: next, Seed: rec.Seed, Checksum: local, ActionIDs: ids})

		if cause != "" {
			c.onDesync(rec, cause)
		}
	}
}

func equalIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c *Client) onDesync(rec sim.TickRecord, cause string) {
	c.desyncs++
	local := c.opts.Simulation.Checksum()
	c.logger.Warn().
		Uint32("tick", rec.Tick).
		Str("cause", cause).
		Str("local_checksum", local).
		Str("server_checksum", rec.Checksum).
		Msg("desynchronized")
	c.emit(events.EventDesync, events.DesyncPayload{
		Tick:           rec.Tick,
		LocalChecksum:  local,
		ServerChecksum: rec.Checksum,
		Cause:          cause,
	})

	if !c.cfg.StayConnectedAfterDesync {
		c.close(protocol.ReasonDesynchronized, true)
		return
	}
	c.setState(StateDesynchronized)
	if c.cfg.ResyncAfterDesync {
		c.RequestStateSnapshot()
	}
}

func (c *Client) handleChat(_ *network.Connection, p protocol.Packet) error {
	msg, err := protocol.UnmarshalChat(p.Payload)
	if err != nil {
		return err
	}
	c.logger.Info().Uint32("from", msg.PlayerID).Str("name", msg.Name).Str("text", msg.Text).Msg("chat")
	if c.opts.OnChat != nil {
		c.opts.OnChat(msg)
	}
	return nil
}

func (c *Client) handlePing(_ *network.Connection, p protocol.Packet) error {
	if !c.authenticated() {
		return fmt.Errorf("%w: ping before authentication", ErrUnexpectedCommand)
	}
	ping, err := protocol.UnmarshalPing(p.Payload)
	if err != nil {
		return err
	}
	c.conn.QueuePacket(ping.Marshal())
	return nil
}

func (c *Client) handlePingList(_ *network.Connection, p protocol.Packet) error {
	list, err := protocol.UnmarshalPingList(p.Payload)
	if err != nil {
		return err
	}
	for _, e := range list.Entries {
		if pl, ok := c.players[e.PlayerID]; ok {
			pl.Ping = e.Ping
			c.players[e.PlayerID] = pl
		}
	}
	return nil
}
