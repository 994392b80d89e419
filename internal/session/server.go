// Package session implements the lockstep session coordinator: the server
// that owns the authoritative simulation and the client that mirrors it.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/events"
	"github.com/parknet-project/parknet/internal/network"
	"github.com/parknet-project/parknet/internal/player"
	"github.com/parknet-project/parknet/internal/protocol"
	"github.com/parknet-project/parknet/internal/sim"
	"github.com/parknet-project/parknet/internal/util"
)

// ErrServerClosed is returned by Do after Close.
var ErrServerClosed = errors.New("server closed")

const (
	challengeSize     = 32
	maxChatLength     = 256
	ticketTTL         = 30 * time.Minute
	reconnectBurst    = 2
	limiterPruneTicks = 4096
	statsInterval     = 10 * time.Second
)

// ServerOptions wires a Server to its collaborators. Registry and
// Simulation are required.
type ServerOptions struct {
	Network  config.NetworkConfig
	Session  config.SessionConfig
	Registry *player.Registry

	Simulation    sim.Simulation
	Objects       sim.ObjectRepository
	Scripts       sim.ScriptHost
	ActionSources []sim.ActionSource

	Bus *events.EventBus
}

// Server is the authoritative side of a session. Everything except Do,
// Run and Close must be called from the goroutine driving Update; outside
// callers go through Do.
type Server struct {
	network config.NetworkConfig
	cfg     config.SessionConfig
	logger  zerolog.Logger

	registry *player.Registry
	sim      sim.Simulation
	objects  sim.ObjectRepository
	scripts  sim.ScriptHost
	sources  []sim.ActionSource
	bus      *events.EventBus

	listeners []network.Listener
	conns     *network.ConnectionRegistry
	handlers  *DispatchTable
	closing   map[uint64]struct{}

	passwordHash []byte
	tickets      *TicketIssuer
	reconnects   map[string]*rate.Limiter

	scheduled    []protocol.GameAction
	nextActionID uint32
	history      *sim.History

	now          time.Time
	startedAt    time.Time
	lastPing     time.Time
	lastPingList time.Time
	lastStats    time.Time
	pingSeq      uint32

	tasks  chan func()
	done   chan struct{}
	closed bool
}

// NewServer builds a server. Nothing listens until Begin or AddListener.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Registry == nil || opts.Simulation == nil {
		return nil, errors.New("session: registry and simulation are required")
	}
	if opts.Objects == nil {
		opts.Objects = sim.NewCatalog(nil)
	}
	if opts.Session.TickRateMS == 0 {
		opts.Session = config.DefaultSessionConfig()
	}
	if opts.Session.ActionDelayTicks < 1 {
		opts.Session.ActionDelayTicks = 1
	}

	tickets, err := NewTicketIssuer(opts.Network.ServerName, ticketTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		network:    opts.Network,
		cfg:        opts.Session,
		logger:     util.ComponentLogger("session_server"),
		registry:   opts.Registry,
		sim:        opts.Simulation,
		objects:    opts.Objects,
		scripts:    opts.Scripts,
		sources:    opts.ActionSources,
		bus:        opts.Bus,
		conns:      network.NewConnectionRegistry(),
		closing:    make(map[uint64]struct{}),
		tickets:    tickets,
		reconnects: make(map[string]*rate.Limiter),
		history:    sim.NewHistory(opts.Session.HistoryTicks),
		now:        time.Now(),
		tasks:      make(chan func(), 64),
		done:       make(chan struct{}),
	}
	s.startedAt = s.now

	if opts.Network.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Network.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash server password: %w", err)
		}
		s.passwordHash = hash
	}

	s.handlers = s.buildDispatchTable()
	return s, nil
}

func (s *Server) buildDispatchTable() *DispatchTable {
	t := NewDispatchTable("server")
	t.RegisterFunc(protocol.CmdToken, s.handleToken)
	t.RegisterFunc(protocol.CmdAuth, s.handleAuth)
	t.RegisterFunc(protocol.CmdGameInfo, s.handleGameInfo)
	t.RegisterFunc(protocol.CmdDisconnectMessage, s.handleDisconnectMessage)
	t.RegisterFunc(protocol.CmdHeartbeat, s.handleHeartbeat)
	t.RegisterFunc(protocol.CmdPing, requireAuth(s.handlePing))
	t.RegisterFunc(protocol.CmdChat, requireAuth(s.handleChat))
	t.RegisterFunc(protocol.CmdMapRequest, requireAuth(s.handleMapRequest))
	t.RegisterFunc(protocol.CmdGameAction, requireReady(s.handleGameAction))
	t.RegisterFunc(protocol.CmdRequestGameState, requireReady(s.handleRequestGameState))
	return t
}

// Begin starts listening for TCP clients. Failing to bind is the one fatal
// error of a server.
func (s *Server) Begin(ctx context.Context, address string, port int) error {
	l, err := network.Listen(ctx, address, port)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.AddListener(l)
	s.emit(events.EventServerStarted, events.ServerPayload{
		Name:       s.network.ServerName,
		Port:       port,
		MaxPlayers: s.network.MaxPlayers,
		Tick:       s.sim.Tick(),
	})
	s.logger.Info().
		Str("address", l.Addr().String()).
		Str("name", s.network.ServerName).
		Msg("server listening")
	return nil
}

// AddListener accepts connections from an additional listener.
func (s *Server) AddListener(l network.Listener) {
	s.listeners = append(s.listeners, l)
}

// Run drives Update at the configured tick rate until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickRate())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case now := <-ticker.C:
			s.Update(now)
		}
	}
}

// Do runs fn on the update goroutine and waits for it to finish.
func (s *Server) Do(ctx context.Context, fn func(*Server)) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn(s)
	}
	select {
	case s.tasks <- task:
	case <-s.done:
		return ErrServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Update runs one tick: queued tasks, accepts, packets, timeouts, the
// simulation step, pings and the final flush.
func (s *Server) Update(now time.Time) {
	if s.closed {
		return
	}
	s.now = now

	s.runTasks()
	s.acceptConnections()

	for _, c := range s.conns.All() {
		s.pollConnection(c)
	}

	s.checkTimeouts()
	s.step()
	s.sendPings()
	s.publishStats()

	for _, c := range s.conns.All() {
		if err := c.Flush(); err != nil {
			c.Logger().Debug().Err(err).Msg("flush failed")
			s.disconnect(c, protocol.ReasonConnectionLost)
		}
	}
	s.reapConnections()
}

func (s *Server) runTasks() {
	for {
		select {
		case task := <-s.tasks:
			task()
		default:
			return
		}
	}
}

func (s *Server) acceptConnections() {
	for _, l := range s.listeners {
		for {
			sock, err := l.Accept()
			if err != nil {
				if !errors.Is(err, network.ErrWouldBlock) {
					s.logger.Warn().Err(err).Str("listener", l.Addr().String()).Msg("accept failed")
				}
				break
			}
			c := s.conns.Add(sock)
			c.LastPacketAt = s.now
			c.ConnectedAt = s.now
			c.Logger().Info().Msg("connection accepted")
		}
	}
}

func (s *Server) pollConnection(c *network.Connection) {
	if s.isClosing(c) {
		return
	}
	packets, err := c.Poll(s.now)
	for _, p := range packets {
		if s.isClosing(c) {
			return
		}
		s.dispatch(c, p)
	}
	if err == nil || s.isClosing(c) {
		return
	}
	if errors.Is(err, network.ErrDisconnected) || errors.Is(err, network.ErrSocketClosed) {
		c.Logger().Info().Err(err).Msg("peer disconnected")
		s.disconnect(c, protocol.ReasonConnectionLost)
		return
	}
	// Framing errors leave the stream unrecoverable.
	c.Logger().Warn().Err(err).Msg("framing error")
	s.disconnect(c, protocol.ReasonProtocolError)
}

func (s *Server) dispatch(c *network.Connection, p protocol.Packet) {
	err := s.handlers.Dispatch(c, p)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrProtocolViolation) {
		c.Logger().Error().Err(err).Str("command", p.Command.String()).Msg("handler failed")
		return
	}
	c.Violations++
	c.Logger().Warn().
		Err(err).
		Int("violations", c.Violations).
		Str("command", p.Command.String()).
		Msg("dropped packet")
	if c.Violations > s.cfg.MaxProtocolViolations {
		s.disconnect(c, protocol.ReasonProtocolError)
	}
}

func (s *Server) checkTimeouts() {
	authCutoff := s.now.Add(-s.cfg.AuthTimeout())
	for _, c := range s.conns.All() {
		if s.isClosing(c) {
			continue
		}
		if c.AuthStatus != network.AuthOK && c.ConnectedAt.Before(authCutoff) {
			s.disconnect(c, protocol.ReasonAuthTimedOut)
		}
	}
	for _, c := range s.conns.Stale(s.now, s.cfg.ConnectionTimeout()) {
		if !s.isClosing(c) {
			s.disconnect(c, protocol.ReasonTimedOut)
		}
	}
}

// disconnect tells the peer why and closes the connection at the end of
// the tick.
func (s *Server) disconnect(c *network.Connection, reason string) {
	if s.isClosing(c) {
		return
	}
	c.SetDisconnectReason(reason)
	c.QueuePacket(protocol.DisconnectMessage{Reason: reason}.Marshal())
	s.closing[c.ID] = struct{}{}
	c.Logger().Info().Str("reason", reason).Msg("disconnecting")
}

func (s *Server) isClosing(c *network.Connection) bool {
	_, ok := s.closing[c.ID]
	return ok
}

func (s *Server) reapConnections() {
	if len(s.closing) == 0 {
		return
	}
	for id := range s.closing {
		c, ok := s.conns.Get(id)
		delete(s.closing, id)
		if !ok {
			continue
		}
		s.conns.Remove(id)
		if c.AuthStatus == network.AuthOK {
			s.removePlayer(c)
		}
	}
}

func (s *Server) removePlayer(c *network.Connection) {
	p, ok := s.registry.RemovePlayer(c.PlayerID)
	if !ok {
		return
	}
	reason := c.DisconnectReason()
	s.broadcastAuthed(protocol.Event{
		Kind:     protocol.EventKindPlayerDisconnected,
		PlayerID: p.ID,
		Name:     p.Name,
		Reason:   reason,
	}.Marshal())
	s.broadcastPlayerList()
	s.emit(events.EventPlayerLeft, events.PlayerPayload{
		PlayerID: p.ID,
		Name:     p.Name,
		KeyHash:  p.KeyHash,
		GroupID:  p.GroupID,
		Reason:   reason,
		Address:  c.Socket().IPAddress(),
	})
	s.logger.Info().Uint32("player_id", p.ID).Str("name", p.Name).Str("reason", reason).Msg("player left")
}

// Close disconnects everyone and stops listening.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	for _, c := range s.conns.All() {
		if c.AuthStatus == network.AuthOK {
			s.registry.RemovePlayer(c.PlayerID)
		}
	}
	s.conns.CloseAll(protocol.ReasonServerShutdown)
	for _, l := range s.listeners {
		l.Close()
	}
	s.emit(events.EventServerStopped, events.ServerPayload{
		Name: s.network.ServerName,
		Tick: s.sim.Tick(),
	})
	s.logger.Info().Uint32("tick", s.sim.Tick()).Msg("server stopped")
	return nil
}

func (s *Server) emit(t events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(context.Background(), events.New(t, "server", payload))
}

// broadcastAuthed queues p on every authenticated connection.
func (s *Server) broadcastAuthed(p protocol.Packet) {
	s.conns.SendToAll(p, func(c *network.Connection) bool {
		return c.AuthStatus == network.AuthOK && !s.isClosing(c)
	})
}

// broadcastReady queues p on every connection receiving ticks.
func (s *Server) broadcastReady(p protocol.Packet) {
	s.conns.SendToAll(p, func(c *network.Connection) bool {
		return c.Ready && !s.isClosing(c)
	})
}

func (s *Server) playerEntry(p player.Player) protocol.PlayerEntry {
	return protocol.PlayerEntry{
		ID:      p.ID,
		Name:    p.Name,
		GroupID: p.GroupID,
		Ping:    p.PingMillis(),
	}
}

func (s *Server) broadcastPlayerList() {
	players := s.registry.Players()
	list := protocol.PlayerList{Players: make([]protocol.PlayerEntry, 0, len(players))}
	for _, p := range players {
		list.Players = append(list.Players, s.playerEntry(p))
	}
	s.broadcastAuthed(list.Marshal())
}

func (s *Server) groupList() protocol.GroupList {
	groups := s.registry.Groups()
	list := protocol.GroupList{
		DefaultGroup: s.registry.DefaultGroup(),
		Groups:       make([]protocol.GroupEntry, 0, len(groups)),
	}
	for _, g := range groups {
		list.Groups = append(list.Groups, protocol.GroupEntry{
			ID:          g.ID,
			Name:        g.Name,
			Permissions: uint64(g.Permissions),
		})
	}
	return list
}

// BroadcastGroups sends the group list to everyone, after group edits.
func (s *Server) BroadcastGroups() {
	s.broadcastAuthed(s.groupList().Marshal())
}

// GameInfo describes the server for GAMEINFO and discovery.
func (s *Server) GameInfo() protocol.GameInfo {
	sys := util.GetSystemInfo()
	return protocol.GameInfo{
		Name:            s.network.ServerName,
		Description:     s.network.Description,
		Greeting:        s.network.Greeting,
		Version:         protocol.NetworkVersion,
		Players:         s.registry.PlayerCount(),
		MaxPlayers:      s.network.MaxPlayers,
		RequiresPass:    s.network.Password != "",
		Tick:            s.sim.Tick(),
		ProviderName:    s.network.ProviderName,
		ProviderEmail:   s.network.ProviderEmail,
		ProviderWebsite: s.network.ProviderWebsite,
		HostOS:          sys.OS,
		HostCPU:         sys.CPUModel,
	}
}

// Tick returns the last simulated tick.
func (s *Server) Tick() uint32 {
	return s.sim.Tick()
}

// Registry returns the player registry.
func (s *Server) Registry() *player.Registry {
	return s.registry
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

// History returns the recent tick records, newest last.
func (s *Server) History(n int) []sim.TickRecord {
	latest, ok := s.history.Latest()
	if !ok {
		return nil
	}
	var out []sim.TickRecord
	for t := latest.Tick; len(out) < n; t-- {
		r, ok := s.history.Get(t)
		if !ok {
			break
		}
		out = append([]sim.TickRecord{r}, out...)
		if t == 0 {
			break
		}
	}
	return out
}

// Uptime returns how long the server has run.
func (s *Server) Uptime() time.Duration {
	return s.now.Sub(s.startedAt)
}

// KickPlayer disconnects a player with a message.
func (s *Server) KickPlayer(playerID uint32, message string) error {
	c, ok := s.conns.ByPlayer(playerID)
	if !ok {
		return fmt.Errorf("%w: %d", player.ErrPlayerNotFound, playerID)
	}
	reason := protocol.ReasonKicked
	if message != "" {
		reason = fmt.Sprintf("%s: %s", protocol.ReasonKicked, message)
	}
	s.disconnect(c, reason)
	return nil
}

// BanPlayer bans a connected player's key and kicks them.
func (s *Server) BanPlayer(playerID uint32, message string) error {
	p, ok := s.registry.Player(playerID)
	if !ok {
		return fmt.Errorf("%w: %d", player.ErrPlayerNotFound, playerID)
	}
	if err := s.registry.SetBanned(p.KeyHash, p.Name, true); err != nil {
		return err
	}
	return s.KickPlayer(playerID, message)
}

// SetPlayerGroup moves a player and tells everyone.
func (s *Server) SetPlayerGroup(playerID uint32, groupID uint8) error {
	if err := s.registry.SetPlayerGroup(playerID, groupID); err != nil {
		return err
	}
	p, _ := s.registry.Player(playerID)
	s.broadcastAuthed(protocol.PlayerInfo{Player: s.playerEntry(*p)}.Marshal())
	s.emit(events.EventPlayerGroupChanged, events.PlayerPayload{
		PlayerID: p.ID,
		Name:     p.Name,
		KeyHash:  p.KeyHash,
		GroupID:  groupID,
	})
	return nil
}
