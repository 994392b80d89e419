package network

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/parknet-project/parknet/internal/protocol"
)

// ErrDisconnected is returned by Poll once the transport reports the peer
// is gone.
var ErrDisconnected = errors.New("peer disconnected")

// AuthStatus tracks where a connection is in authentication.
type AuthStatus int

const (
	AuthUnknown AuthStatus = iota
	AuthVerifying
	AuthOK
	AuthDenied
)

func (a AuthStatus) String() string {
	switch a {
	case AuthVerifying:
		return "verifying"
	case AuthOK:
		return "ok"
	case AuthDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Connection is one peer: a socket, the decoder reassembling its frames,
// the queue of frames waiting to be sent and the per-peer protocol state.
// It is owned by the session goroutine and is not safe for concurrent use.
type Connection struct {
	ID     uint64
	socket Socket
	logger zerolog.Logger

	decoder  protocol.Decoder
	outbound [][]byte
	readBuf  []byte

	ConnectedAt  time.Time
	LastPacketAt time.Time

	AuthStatus   AuthStatus
	AuthAttempts int
	Challenge    []byte
	PlayerID     uint32
	KeyHash      string

	// Ready is set once the peer has loaded the map and receives ticks.
	Ready bool

	Violations int

	PingSequence   uint32
	LastPingSentAt time.Time
	Ping           time.Duration

	// Chunks reassembles the chunked transfer in flight.
	Chunks protocol.ChunkAssembler

	disconnectReason string
	closed           bool
}

// NewConnection wraps a socket.
func NewConnection(id uint64, socket Socket) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		socket:       socket,
		readBuf:      make([]byte, readBufferSize),
		ConnectedAt:  now,
		LastPacketAt: now,
		logger: log.With().
			Str("component", "connection").
			Uint64("conn_id", id).
			Str("remote", socket.IPAddress()).
			Logger(),
	}
}

// Socket returns the underlying transport.
func (c *Connection) Socket() Socket {
	return c.socket
}

// Logger returns the connection's logger.
func (c *Connection) Logger() *zerolog.Logger {
	return &c.logger
}

// BindPlayer records the authenticated player on the connection.
func (c *Connection) BindPlayer(id uint32, name, keyHash string) {
	c.PlayerID = id
	c.KeyHash = keyHash
	c.logger = c.logger.With().Uint32("player_id", id).Str("player", name).Logger()
}

// Poll drains everything the socket has buffered and returns the complete
// packets. Packets decoded before a disconnect or framing error are still
// returned alongside the error.
func (c *Connection) Poll(now time.Time) ([]protocol.Packet, error) {
	if c.closed {
		return nil, ErrSocketClosed
	}

	var pollErr error
read:
	for {
		n, res := c.socket.Receive(c.readBuf)
		if n > 0 {
			c.decoder.Feed(c.readBuf[:n])
		}
		switch res {
		case ReadNoData, ReadSuccess:
			break read
		case ReadDisconnected:
			pollErr = ErrDisconnected
			if err := c.socket.Error(); err != nil {
				pollErr = fmt.Errorf("%w: %v", ErrDisconnected, err)
			}
			break read
		}
	}

	var packets []protocol.Packet
	for {
		p, ok, err := c.decoder.Next()
		if err != nil {
			return packets, err
		}
		if !ok {
			break
		}
		packets = append(packets, p)
	}
	if len(packets) > 0 {
		c.LastPacketAt = now
	}
	return packets, pollErr
}

// QueuePacket appends a frame to the outbound queue.
func (c *Connection) QueuePacket(p protocol.Packet) {
	if c.closed {
		return
	}
	c.outbound = append(c.outbound, protocol.Encode(p))
}

// QueuedFrames returns the number of frames waiting to be flushed.
func (c *Connection) QueuedFrames() int {
	return len(c.outbound)
}

// Flush hands every queued frame to the socket in order.
func (c *Connection) Flush() error {
	for len(c.outbound) > 0 {
		if _, err := c.socket.Send(c.outbound[0]); err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}
		c.outbound[0] = nil
		c.outbound = c.outbound[1:]
	}
	c.outbound = nil
	return nil
}

// SetDisconnectReason records why the connection is being closed. The
// first reason wins.
func (c *Connection) SetDisconnectReason(reason string) {
	if c.disconnectReason == "" {
		c.disconnectReason = reason
	}
}

// DisconnectReason returns the recorded reason.
func (c *Connection) DisconnectReason() string {
	return c.disconnectReason
}

// Close flushes what it can and closes the socket.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.Flush()
	c.closed = true
	c.logger.Debug().Str("reason", c.disconnectReason).Msg("connection closed")
	return c.socket.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	return c.closed
}

// ConnectionRegistry is the arena of live connections, keyed by stable ids
// that are never reused.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	nextID uint64
	conns  map[uint64]*Connection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[uint64]*Connection)}
}

// Add wraps a socket in a new Connection.
func (r *ConnectionRegistry) Add(socket Socket) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c := NewConnection(r.nextID, socket)
	r.conns[c.ID] = c
	return c
}

// Remove closes and forgets a connection.
func (r *ConnectionRegistry) Remove(id uint64) {
	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Get returns a connection by id.
func (r *ConnectionRegistry) Get(id uint64) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ByPlayer returns the connection bound to a player.
func (r *ConnectionRegistry) ByPlayer(playerID uint32) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if c.AuthStatus == AuthOK && c.PlayerID == playerID {
			return c, true
		}
	}
	return nil, false
}

// All returns connections ordered by id, so iteration is deterministic.
func (r *ConnectionRegistry) All() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stale returns connections that have not delivered a packet since before
// now-timeout.
func (r *ConnectionRegistry) Stale(now time.Time, timeout time.Duration) []*Connection {
	cutoff := now.Add(-timeout)
	var out []*Connection
	for _, c := range r.All() {
		if c.LastPacketAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// SendToAll queues a packet on every connection accepted by filter. A nil
// filter selects all connections.
func (r *ConnectionRegistry) SendToAll(p protocol.Packet, filter func(*Connection) bool) {
	for _, c := range r.All() {
		if filter == nil || filter(c) {
			c.QueuePacket(p)
		}
	}
}

// CloseAll closes every connection with the given reason.
func (r *ConnectionRegistry) CloseAll(reason string) {
	for _, c := range r.All() {
		if reason != "" {
			c.SetDisconnectReason(reason)
			c.QueuePacket(protocol.DisconnectMessage{Reason: reason}.Marshal())
		}
		r.Remove(c.ID)
	}
}
