package session

import (
	"errors"
	"testing"
	"time"

	"github.com/parknet-project/parknet/internal/network"
	"github.com/parknet-project/parknet/internal/protocol"
)

func newTestConnection() *network.Connection {
	a, _ := network.NewPipe("a", "b")
	return network.NewConnection(1, a)
}

func TestDispatchRoutesByCommand(t *testing.T) {
	table := NewDispatchTable("test")
	var got []protocol.Command
	table.RegisterFunc(protocol.CmdChat, func(c *network.Connection, p protocol.Packet) error {
		got = append(got, p.Command)
		return nil
	})

	if err := table.Dispatch(newTestConnection(), protocol.Chat{Text: "hi"}.Marshal()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != protocol.CmdChat {
		t.Fatalf("got %v", got)
	}
	if !table.Has(protocol.CmdChat) || table.Has(protocol.CmdTick) {
		t.Fatal("Has reports the wrong routes")
	}
}

func TestDispatchViolations(t *testing.T) {
	table := NewDispatchTable("test")
	table.RegisterFunc(protocol.CmdChat, func(c *network.Connection, p protocol.Packet) error {
		_, err := protocol.UnmarshalChat(p.Payload)
		return err
	})
	table.RegisterFunc(protocol.CmdPing, requireAuth(func(*network.Connection, protocol.Packet) error { return nil }))
	table.RegisterFunc(protocol.CmdTick, requireReady(func(*network.Connection, protocol.Packet) error { return nil }))
	conn := newTestConnection()

	tests := []struct {
		name string
		p    protocol.Packet
		want error
	}{
		{"unknown command", protocol.Packet{Command: protocol.Command(4242)}, ErrUnknownCommand},
		{"malformed payload", protocol.Packet{Command: protocol.CmdChat, Payload: []byte{1}}, ErrProtocolViolation},
		{"before auth", protocol.Ping{Sequence: 1}.Marshal(), ErrUnexpectedCommand},
		{"before ready", protocol.Tick{Tick: 1}.Marshal(), ErrUnexpectedCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := table.Dispatch(conn, tt.p)
			if !errors.Is(err, tt.want) || !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	conn.AuthStatus = network.AuthOK
	if err := table.Dispatch(conn, protocol.Ping{Sequence: 1}.Marshal()); err != nil {
		t.Fatalf("authenticated ping: %v", err)
	}
	if err := table.Dispatch(conn, protocol.Tick{Tick: 1}.Marshal()); !errors.Is(err, ErrUnexpectedCommand) {
		t.Fatalf("tick before ready: %v", err)
	}
	conn.Ready = true
	if err := table.Dispatch(conn, protocol.Tick{Tick: 1}.Marshal()); err != nil {
		t.Fatalf("ready tick: %v", err)
	}
}

func TestHandlerErrorsAreNotViolations(t *testing.T) {
	table := NewDispatchTable("test")
	boom := errors.New("disk full")
	table.RegisterFunc(protocol.CmdChat, func(*network.Connection, protocol.Packet) error { return boom })

	err := table.Dispatch(newTestConnection(), protocol.Chat{Text: "x"}.Marshal())
	if !errors.Is(err, boom) || errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("err = %v", err)
	}
}

func TestPendingActionsResolveOnce(t *testing.T) {
	set := newPendingActions()
	calls := 0
	set.add(&PendingAction{RequestID: 7, callback: func(ActionResult) { calls++ }})

	if !set.resolve(7, ActionResult{RequestID: 7}) {
		t.Fatal("first resolve failed")
	}
	if set.resolve(7, ActionResult{RequestID: 7}) {
		t.Fatal("second resolve succeeded")
	}
	set.failAll(ErrConnectionClosed)
	if calls != 1 || set.len() != 0 {
		t.Fatalf("calls = %d len = %d", calls, set.len())
	}
}

func TestTicketRoundTrip(t *testing.T) {
	issuer, err := NewTicketIssuer("test", ticketTTL)
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := issuer.Issue("hash-a", "Alice", 4, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	claims, err := issuer.Verify(ticket, "hash-a")
	if err != nil {
		t.Fatal(err)
	}
	if claims.Name != "Alice" || claims.GroupID != 4 {
		t.Fatalf("claims = %+v", claims)
	}
	if _, err := issuer.Verify(ticket, "hash-b"); !errors.Is(err, ErrInvalidTicket) {
		t.Fatalf("other key accepted: %v", err)
	}

	other, _ := NewTicketIssuer("test", ticketTTL)
	if _, err := other.Verify(ticket, "hash-a"); !errors.Is(err, ErrInvalidTicket) {
		t.Fatalf("foreign issuer accepted: %v", err)
	}
}
