// Package network implements the transports a session runs over: TCP and
// WebSocket stream sockets polled without blocking, an in-memory pipe for
// tests and local play, and UDP broadcast for LAN discovery. It also holds
// the per-peer Connection and the registry that owns them.
package network

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

// SocketStatus is the lifecycle state of a socket.
type SocketStatus int

const (
	StatusClosed SocketStatus = iota
	StatusResolving
	StatusConnecting
	StatusConnected
	StatusListening
)

func (s SocketStatus) String() string {
	switch s {
	case StatusResolving:
		return "resolving"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusListening:
		return "listening"
	default:
		return "closed"
	}
}

// ReadResult is the outcome of a non-blocking Receive.
type ReadResult int

const (
	// ReadSuccess means bytes were copied and nothing else is buffered.
	ReadSuccess ReadResult = iota
	// ReadNoData means nothing is available right now.
	ReadNoData
	// ReadMoreData means buf was filled and more bytes are waiting.
	ReadMoreData
	// ReadDisconnected means the peer is gone; Error reports why.
	ReadDisconnected
)

var (
	ErrWouldBlock        = errors.New("operation would block")
	ErrNotConnected      = errors.New("socket not connected")
	ErrSocketClosed      = errors.New("socket closed")
	ErrSendBufferFull    = errors.New("send buffer full")
	ErrConnectionRefused = errors.New("connection refused")
	ErrHostUnreachable   = errors.New("host unreachable")
	ErrTimeout           = errors.New("connection timed out")
)

// Socket is a polled, non-blocking byte stream.
type Socket interface {
	Status() SocketStatus
	Error() error
	HostName() string
	IPAddress() string
	// Send queues data for transmission and never blocks.
	Send(data []byte) (int, error)
	// Receive copies buffered bytes into buf and never blocks.
	Receive(buf []byte) (int, ReadResult)
	Close() error
}

// Listener yields accepted sockets without blocking.
type Listener interface {
	// Accept returns ErrWouldBlock when nobody is waiting.
	Accept() (Socket, error)
	Addr() net.Addr
	Status() SocketStatus
	Close() error
}

// ClassifyError maps dial and I/O errors onto ErrConnectionRefused,
// ErrHostUnreachable and ErrTimeout. Other errors are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrConnectionRefused), errors.Is(err, ErrHostUnreachable), errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return ErrHostUnreachable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ErrTimeout
		}
		return ErrHostUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return err
}
