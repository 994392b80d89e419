package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/events"
	"github.com/parknet-project/parknet/internal/network"
	"github.com/parknet-project/parknet/internal/protocol"
	"github.com/parknet-project/parknet/internal/sim"
	"github.com/parknet-project/parknet/internal/util"
)

const (
	objectFetchTimeout = time.Minute
	maxReconnectDelay  = 30 * time.Second
)

// ClientOptions configures a Client. Key and Simulation are required.
type ClientOptions struct {
	Session    config.SessionConfig
	Name       string
	Password   string
	Key        *util.PlayerKey
	Simulation sim.Simulation
	Objects    sim.ObjectRepository
	Bus        *events.EventBus

	// Dial opens the transport. It defaults to network.ConnectAsync.
	Dial func(host string, port int) (network.Socket, error)

	OnChat        func(protocol.Chat)
	OnError       func(protocol.ShowError)
	OnStateChange func(from, to State)
}

// Client mirrors a server's simulation. It is driven by Update and, like
// the server, is not safe for concurrent use.
type Client struct {
	opts     ClientOptions
	cfg      config.SessionConfig
	logger   zerolog.Logger
	handlers *DispatchTable

	state State
	conn  *network.Connection
	host  string
	port  int
	now   time.Time

	playerID         uint32
	ticket           string
	challenge        []byte
	lastAuth         protocol.AuthResponse
	serverReason     string
	disconnectReason string

	gameInfo         protocol.GameInfo
	players          map[uint32]protocol.PlayerEntry
	groups           protocol.GroupList
	scripts          []protocol.Script
	required         []protocol.ObjectEntry
	objectsRequested []string

	incoming   []sim.TickRecord
	queued     []protocol.GameAction
	history    *sim.History
	serverTick uint32
	desyncs    int
	resyncing  bool

	pending       *pendingActions
	nextRequestID uint32

	fetchDone   chan error
	fetchCancel context.CancelFunc

	lastHeartbeat     time.Time
	reconnectAttempts int
	reconnectAt       time.Time
}

// NewClient creates a client. Nothing connects until Begin.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Key == nil || opts.Simulation == nil {
		return nil, errors.New("session: key and simulation are required")
	}
	if opts.Objects == nil {
		opts.Objects = sim.NewCatalog(nil)
	}
	if opts.Session.TickRateMS == 0 {
		opts.Session = config.DefaultSessionConfig()
	}
	if opts.Dial == nil {
		opts.Dial = func(host string, port int) (network.Socket, error) {
			return network.ConnectAsync(host, port), nil
		}
	}

	c := &Client{
		opts:    opts,
		cfg:     opts.Session,
		logger:  util.ComponentLogger("session_client").With().Str("key", opts.Key.Hash()[:12]).Logger(),
		players: make(map[uint32]protocol.PlayerEntry),
		history: sim.NewHistory(opts.Session.HistoryTicks),
		pending: newPendingActions(),
		now:     time.Now(),
	}
	c.handlers = c.buildDispatchTable()
	return c, nil
}

func (c *Client) buildDispatchTable() *DispatchTable {
	t := NewDispatchTable("client")
	t.RegisterFunc(protocol.CmdToken, c.handleToken)
	t.RegisterFunc(protocol.CmdAuth, c.handleAuth)
	t.RegisterFunc(protocol.CmdDisconnectMessage, c.handleDisconnectMessage)
	t.RegisterFunc(protocol.CmdShowError, c.handleShowError)
	t.RegisterFunc(protocol.CmdGameInfo, c.handleGameInfo)
	t.RegisterFunc(protocol.CmdGroupList, c.handleGroupList)
	t.RegisterFunc(protocol.CmdPlayerList, c.handlePlayerList)
	t.RegisterFunc(protocol.CmdPlayerInfo, c.handlePlayerInfo)
	t.RegisterFunc(protocol.CmdEvent, c.handleEvent)
	t.RegisterFunc(protocol.CmdScripts, c.handleScripts)
	t.RegisterFunc(protocol.CmdObjectsList, c.handleObjectsList)
	t.RegisterFunc(protocol.CmdMap, c.handleSnapshotChunk)
	t.RegisterFunc(protocol.CmdGameState, c.handleSnapshotChunk)
	t.RegisterFunc(protocol.CmdTick, c.handleTick)
	t.RegisterFunc(protocol.CmdGameAction, c.handleGameAction)
	t.RegisterFunc(protocol.CmdChat, c.handleChat)
	t.RegisterFunc(protocol.CmdPing, c.handlePing)
	t.RegisterFunc(protocol.CmdPingList, c.handlePingList)
	return t
}

// Begin starts connecting to host:port. With the default dialer the
// connect runs in the background and Update observes its progress.
func (c *Client) Begin(host string, port int) error {
	c.host, c.port = host, port
	c.reconnectAttempts = 0
	c.reconnectAt = time.Time{}
	return c.connect()
}

func (c *Client) connect() error {
	sock, err := c.opts.Dial(c.host, c.port)
	if err != nil {
		c.disconnectReason = network.ClassifyError(err).Error()
		c.setState(StateClosed)
		return fmt.Errorf("failed to connect to %s:%d: %w", c.host, c.port, err)
	}

	c.conn = network.NewConnection(0, sock)
	c.conn.LastPacketAt = c.now
	c.resetSession()

	switch sock.Status() {
	case network.StatusConnected:
		c.onTransportConnected()
	case network.StatusConnecting:
		c.setState(StateConnecting)
	default:
		c.setState(StateResolving)
	}
	c.logger.Info().Str("host", c.host).Int("port", c.port).Msg("connecting")
	return nil
}

// resetSession forgets everything tied to the previous connection. The
// simulation and the reconnect ticket are kept.
func (c *Client) resetSession() {
	c.serverReason = ""
	c.disconnectReason = ""
	c.challenge = nil
	c.lastAuth = protocol.AuthResponse{}
	c.players = make(map[uint32]protocol.PlayerEntry)
	c.required = nil
	c.objectsRequested = nil
	c.incoming = nil
	c.queued = nil
	c.history.Reset()
	c.serverTick = 0
	c.resyncing = false
	c.cancelFetch()
}

func (c *Client) onTransportConnected() {
	c.setState(StateConnected)
	c.conn.LastPacketAt = c.now
	c.conn.QueuePacket(protocol.Packet{Command: protocol.CmdToken})
	c.setState(StateAuthenticating)
}

func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.logger.Debug().Str("from", from.String()).Str("to", s.String()).Msg("state changed")
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(from, s)
	}
}

// Run drives Update at the tick rate until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickRate())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Disconnect()
			return ctx.Err()
		case now := <-ticker.C:
			c.Update(now)
		}
	}
}

// Update performs one iteration: connect progress, packets, ticks,
// heartbeats, timeouts and the final flush.
func (c *Client) Update(now time.Time) {
	c.now = now

	if c.state == StateClosed {
		c.maybeReconnect()
		return
	}
	if c.state == StateResolving || c.state == StateConnecting {
		if !c.pollConnect() {
			return
		}
	}

	c.pollFetch()
	if c.state == StateClosed {
		return
	}

	packets, err := c.conn.Poll(now)
	for _, p := range packets {
		if c.state == StateClosed {
			return
		}
		c.dispatch(p)
	}
	if c.state == StateClosed {
		return
	}
	if err != nil {
		if errors.Is(err, network.ErrDisconnected) || errors.Is(err, network.ErrSocketClosed) {
			reason := c.serverReason
			if reason == "" {
				reason = protocol.ReasonConnectionLost
			}
			c.close(reason, false)
		} else {
			c.logger.Warn().Err(err).Msg("framing error")
			c.close(protocol.ReasonProtocolError, true)
		}
		return
	}

	c.processTicks()
	if c.state == StateClosed {
		return
	}

	if c.state.Synced() && now.Sub(c.lastHeartbeat) >= c.cfg.HeartbeatInterval() {
		c.lastHeartbeat = now
		c.conn.QueuePacket(protocol.Heartbeat{Tick: c.opts.Simulation.Tick()}.Marshal())
	}
	if now.Sub(c.conn.LastPacketAt) > c.cfg.ConnectionTimeout() {
		c.close(protocol.ReasonTimedOut, true)
		return
	}
	if n := c.pending.expire(now.Add(-c.cfg.ActionTimeout())); n > 0 {
		c.logger.Warn().Int("count", n).Msg("actions timed out")
	}

	if err := c.conn.Flush(); err != nil {
		c.logger.Warn().Err(err).Msg("flush failed")
		c.close(protocol.ReasonConnectionLost, false)
	}
}

// pollConnect reports whether the transport is connected.
func (c *Client) pollConnect() bool {
	sock := c.conn.Socket()
	switch sock.Status() {
	case network.StatusResolving:
		c.setState(StateResolving)
	case network.StatusConnecting:
		c.setState(StateConnecting)
	case network.StatusConnected:
		c.onTransportConnected()
		return true
	default:
		err := network.ClassifyError(sock.Error())
		reason := protocol.ReasonConnectionLost
		if err != nil {
			reason = err.Error()
		}
		c.logger.Warn().Err(err).Str("host", c.host).Msg("connect failed")
		c.close(reason, false)
	}
	return false
}

func (c *Client) dispatch(p protocol.Packet) {
	err := c.handlers.Dispatch(c.conn, p)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrProtocolViolation) {
		c.logger.Error().Err(err).Str("command", p.Command.String()).Msg("handler failed")
		return
	}
	c.conn.Violations++
	c.logger.Warn().Err(err).Int("violations", c.conn.Violations).Msg("dropped packet")
	if c.conn.Violations > c.cfg.MaxProtocolViolations {
		c.close(protocol.ReasonProtocolError, true)
	}
}

// close ends the connection. When notify is set the server is told why.
// Unexpected losses schedule a reconnect if enabled.
func (c *Client) close(reason string, notify bool) {
	if c.state == StateClosed {
		return
	}
	if c.disconnectReason == "" {
		c.disconnectReason = reason
	}
	if c.conn != nil {
		if notify {
			c.conn.QueuePacket(protocol.DisconnectMessage{Reason: reason}.Marshal())
		}
		c.conn.SetDisconnectReason(reason)
		c.conn.Close()
	}
	c.cancelFetch()
	c.pending.failAll(ErrConnectionClosed)
	wasAuthenticated := c.authenticated()
	c.setState(StateClosed)
	c.logger.Info().Str("reason", c.disconnectReason).Msg("disconnected")

	// Transport failures and timeouts are retried; anything the server
	// explained is final.
	lost := reason == protocol.ReasonTimedOut || (!notify && c.serverReason == "")
	if lost && c.cfg.AutoReconnect && c.ticket != "" && (wasAuthenticated || c.reconnectAttempts > 0) {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Warn().Int("attempts", c.reconnectAttempts).Msg("giving up reconnecting")
		c.reconnectAt = time.Time{}
		return
	}
	delay := (500 * time.Millisecond) << uint(c.reconnectAttempts)
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	c.reconnectAt = c.now.Add(delay)
	c.logger.Info().Dur("delay", delay).Int("attempt", c.reconnectAttempts+1).Msg("reconnect scheduled")
}

func (c *Client) maybeReconnect() {
	if c.reconnectAt.IsZero() || c.now.Before(c.reconnectAt) {
		return
	}
	c.reconnectAt = time.Time{}
	c.reconnectAttempts++
	c.playerID = 0
	if err := c.connect(); err != nil {
		c.logger.Warn().Err(err).Msg("reconnect failed")
		c.scheduleReconnect()
	}
}

// Disconnect leaves the server. No reconnect follows.
func (c *Client) Disconnect() {
	c.reconnectAt = time.Time{}
	if c.state == StateClosed {
		return
	}
	c.close(protocol.ReasonClientQuit, true)
	c.reconnectAt = time.Time{}
}

// SubmitAction sends a game action. cb is invoked exactly once, on the
// update goroutine, when the action executes locally, is rejected, times
// out or the connection closes.
func (c *Client) SubmitAction(actionType uint32, params []byte, cb ActionCallback) (uint32, error) {
	if !c.state.Synced() {
		return 0, ErrNotActive
	}
	c.nextRequestID++
	p := &PendingAction{
		RequestID:     c.nextRequestID,
		PlayerID:      c.playerID,
		Type:          actionType,
		SubmittedTick: c.opts.Simulation.Tick(),
		SubmittedAt:   c.now,
		callback:      cb,
	}
	c.pending.add(p)
	c.conn.QueuePacket(protocol.GameAction{
		RequestID: p.RequestID,
		Type:      actionType,
		Params:    params,
	}.Marshal())
	return p.RequestID, nil
}

// SendChat sends a chat line.
func (c *Client) SendChat(text string) error {
	if c.state == StateClosed || !c.authenticated() {
		return ErrNotActive
	}
	c.conn.QueuePacket(protocol.Chat{Text: text}.Marshal())
	return nil
}

// RetryAuth resends credentials after a retryable denial.
func (c *Client) RetryAuth(password string) error {
	if c.state != StateAuthenticating || len(c.challenge) == 0 {
		return ErrNotActive
	}
	c.opts.Password = password
	return c.sendAuth()
}

// RequestStateSnapshot asks the server for a fresh game state. The client
// resumes checksum comparison once it is loaded.
func (c *Client) RequestStateSnapshot() error {
	if !c.state.Synced() {
		return ErrNotActive
	}
	if c.resyncing {
		return nil
	}
	c.resyncing = true
	c.conn.QueuePacket(protocol.RequestGameState{Tick: c.opts.Simulation.Tick()}.Marshal())
	c.logger.Info().Uint32("tick", c.opts.Simulation.Tick()).Msg("requested game state")
	return nil
}

// RequestGameInfo asks the server to describe itself.
func (c *Client) RequestGameInfo() {
	if c.conn != nil && c.state != StateClosed {
		c.conn.QueuePacket(protocol.Packet{Command: protocol.CmdGameInfo})
	}
}

func (c *Client) State() State                { return c.state }
func (c *Client) DisconnectReason() string    { return c.disconnectReason }
func (c *Client) PlayerID() uint32            { return c.playerID }
func (c *Client) Tick() uint32                { return c.opts.Simulation.Tick() }
func (c *Client) ServerTick() uint32          { return c.serverTick }
func (c *Client) Desyncs() int                { return c.desyncs }
func (c *Client) PendingActions() int         { return c.pending.len() }
func (c *Client) GameInfo() protocol.GameInfo { return c.gameInfo }
func (c *Client) Groups() protocol.GroupList  { return c.groups }
func (c *Client) Scripts() []protocol.Script  { return c.scripts }
func (c *Client) Ticket() string              { return c.ticket }

// Reconnecting reports whether an automatic reconnect is scheduled.
func (c *Client) Reconnecting() bool { return !c.reconnectAt.IsZero() }

// LastAuthResult returns the server's latest AUTH reply.
func (c *Client) LastAuthResult() protocol.AuthResponse { return c.lastAuth }

// Players returns the known players ordered by id.
func (c *Client) Players() []protocol.PlayerEntry {
	out := make([]protocol.PlayerEntry, 0, len(c.players))
	for _, p := range c.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Client) emit(t events.EventType, payload interface{}) {
	if c.opts.Bus == nil {
		return
	}
	c.opts.Bus.Emit(context.Background(), events.New(t, "client", payload))
}
