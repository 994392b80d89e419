package session

import (
	"errors"
	"fmt"

	"github.com/parknet-project/parknet/internal/network"
	"github.com/parknet-project/parknet/internal/protocol"
)

var (
	// ErrProtocolViolation marks packets that break the protocol. They are
	// dropped and counted against the connection.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrUnknownCommand is a violation for command ids without a handler.
	ErrUnknownCommand = fmt.Errorf("%w: unknown command", ErrProtocolViolation)
	// ErrUnexpectedCommand is a violation for commands not valid in the
	// connection's current state.
	ErrUnexpectedCommand = fmt.Errorf("%w: unexpected command", ErrProtocolViolation)
)

// Handler processes one packet received on a connection.
type Handler interface {
	Handle(c *network.Connection, p protocol.Packet) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *network.Connection, p protocol.Packet) error

func (f HandlerFunc) Handle(c *network.Connection, p protocol.Packet) error {
	return f(c, p)
}

// DispatchTable routes packets to handlers by command id. Server and client
// each build their own table.
type DispatchTable struct {
	role     string
	handlers map[protocol.Command]Handler
}

// NewDispatchTable creates an empty table for a role ("server" or "client").
func NewDispatchTable(role string) *DispatchTable {
	return &DispatchTable{role: role, handlers: make(map[protocol.Command]Handler)}
}

// Register installs h for cmd, replacing any previous handler.
func (t *DispatchTable) Register(cmd protocol.Command, h Handler) {
	t.handlers[cmd] = h
}

// RegisterFunc installs a function handler.
func (t *DispatchTable) RegisterFunc(cmd protocol.Command, f func(*network.Connection, protocol.Packet) error) {
	t.Register(cmd, HandlerFunc(f))
}

// Has reports whether cmd is routed.
func (t *DispatchTable) Has(cmd protocol.Command) bool {
	_, ok := t.handlers[cmd]
	return ok
}

// Dispatch routes p. Malformed payloads are reported as violations.
func (t *DispatchTable) Dispatch(c *network.Connection, p protocol.Packet) error {
	h, ok := t.handlers[p.Command]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnknownCommand, p.Command, t.role)
	}
	err := h.Handle(c, p)
	if errors.Is(err, protocol.ErrMalformedPayload) && !errors.Is(err, ErrProtocolViolation) {
		return fmt.Errorf("%w: %s: %v", ErrProtocolViolation, p.Command, err)
	}
	return err
}

// requireAuth wraps h so it only runs on authenticated connections.
func requireAuth(h HandlerFunc) HandlerFunc {
	return func(c *network.Connection, p protocol.Packet) error {
		if c.AuthStatus != network.AuthOK {
			return fmt.Errorf("%w: %s before authentication", ErrUnexpectedCommand, p.Command)
		}
		return h(c, p)
	}
}

// requireReady wraps h so it only runs once the peer has loaded the map.
func requireReady(h HandlerFunc) HandlerFunc {
	return requireAuth(func(c *network.Connection, p protocol.Packet) error {
		if !c.Ready {
			return fmt.Errorf("%w: %s before map load", ErrUnexpectedCommand, p.Command)
		}
		return h(c, p)
	})
}
