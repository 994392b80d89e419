package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parknet-project/parknet/internal/util"
)

// DialTimeout bounds DNS resolution plus connect for ConnectAsync.
const DialTimeout = 10 * time.Second

// TCPListener accepts game connections. An accept goroutine hands new
// connections to Accept through a channel.
type TCPListener struct {
	listener net.Listener
	accepted chan net.Conn
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Listen binds a TCP listener with SO_REUSEADDR so the port can be rebound
// immediately after a restart. An empty address binds every interface.
func Listen(ctx context.Context, address string, port int) (*TCPListener, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &TCPListener{
		listener: ln,
		accepted: make(chan net.Conn, 64),
		logger:   util.ComponentLogger("tcp_listener").With().Str("addr", ln.Addr().String()).Logger(),
	}
	go l.acceptLoop()

	l.logger.Info().Msg("TCP listener started")
	return l, nil
}

func (l *TCPListener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				close(l.accepted)
				return
			}
			l.logger.Error().Err(err).Msg("failed to accept connection")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		l.accepted <- conn
	}
}

// Accept returns the next accepted socket or ErrWouldBlock.
func (l *TCPListener) Accept() (Socket, error) {
	select {
	case conn, ok := <-l.accepted:
		if !ok {
			return nil, ErrSocketClosed
		}
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		l.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")
		return newConnectedSocket(conn, host, host), nil
	default:
		return nil, ErrWouldBlock
	}
}

func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *TCPListener) Status() SocketStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return StatusClosed
	}
	return StatusListening
}

// Close stops accepting and closes connections nobody picked up.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.listener.Close()
	go func() {
		for conn := range l.accepted {
			conn.Close()
		}
	}()
	l.logger.Info().Msg("TCP listener stopped")
	return err
}

// ConnectAsync starts resolving and dialing on a helper goroutine and
// returns immediately with a socket in the resolving state. The socket
// moves to connected or closed when polled after the dial completes.
// Closing it first abandons the attempt.
func ConnectAsync(host string, port int) Socket {
	s := &streamSocket{
		host:   host,
		status: StatusResolving,
		dial:   make(chan dialResult, 1),
	}
	result := s.dial

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
		defer cancel()

		conn, ip, err := dialTCP(ctx, host, port, func() {
			s.mu.Lock()
			if s.status == StatusResolving {
				s.status = StatusConnecting
			}
			s.mu.Unlock()
		})

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			if conn != nil {
				conn.Close()
			}
			return
		}
		result <- dialResult{conn: conn, ip: ip, err: err}
	}()

	return s
}

func dialTCP(ctx context.Context, host string, port int, resolved func()) (net.Conn, string, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve %s: %w", host, ClassifyError(err))
	}
	if resolved != nil {
		resolved()
	}

	var d net.Dialer
	var lastErr error
	for _, ip := range addrs {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		return conn, ip, nil
	}
	return nil, "", fmt.Errorf("failed to connect to %s:%d: %w", host, port, ClassifyError(lastErr))
}
