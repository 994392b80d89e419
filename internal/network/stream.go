package network

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	readBufferSize    = 32 * 1024
	incomingQueueSize = 256
	outgoingQueueSize = 1024
	writeTimeout      = 10 * time.Second
)

// streamConn is what a stream socket needs from the underlying transport.
type streamConn interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
}

type dialResult struct {
	conn streamConn
	ip   string
	err  error
}

// streamSocket adapts a blocking stream into a polled Socket. A reader
// goroutine feeds received chunks through a channel and a writer goroutine
// drains queued sends, so neither Send nor Receive blocks the caller.
type streamSocket struct {
	mu     sync.Mutex
	status SocketStatus
	err    error
	host   string
	ip     string
	conn   streamConn
	closed bool

	dial     chan dialResult
	done     chan struct{}
	incoming chan []byte
	outgoing chan []byte
	pending  []byte
	readErr  error
}

func newConnectedSocket(conn streamConn, host, ip string) *streamSocket {
	s := &streamSocket{host: host}
	s.attach(conn, ip)
	return s
}

// attach must be called with s.mu held or before s is shared.
func (s *streamSocket) attach(conn streamConn, ip string) {
	s.conn = conn
	s.ip = ip
	s.status = StatusConnected
	s.done = make(chan struct{})
	s.incoming = make(chan []byte, incomingQueueSize)
	s.outgoing = make(chan []byte, outgoingQueueSize)
	go s.readLoop(conn, s.incoming, s.done)
	go s.writeLoop(conn, s.outgoing)
}

func (s *streamSocket) readLoop(conn streamConn, incoming chan<- []byte, done <-chan struct{}) {
	for {
		buf := make([]byte, readBufferSize)
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case incoming <- buf[:n]:
			case <-done:
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			if errors.Is(err, io.EOF) || s.closed {
				s.readErr = io.EOF
			} else {
				s.readErr = ClassifyError(err)
			}
			s.mu.Unlock()
			close(incoming)
			return
		}
	}
}

// writeLoop owns the transport: once outgoing is closed it writes whatever
// is still queued and then closes conn, so a final reason queued before
// Close reaches the peer.
func (s *streamSocket) writeLoop(conn streamConn, outgoing <-chan []byte) {
	for data := range outgoing {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(data); err != nil {
			log.Debug().Err(err).Str("remote", s.ip).Msg("socket write failed")
			// Closing the transport unblocks the reader, which reports
			// the disconnect to the poller.
			conn.Close()
			for range outgoing {
			}
			return
		}
	}
	conn.Close()
}

// pollDial installs the result of an async connect once it arrives.
func (s *streamSocket) pollDial() {
	if s.dial == nil {
		return
	}
	select {
	case res := <-s.dial:
		s.dial = nil
		if res.err != nil {
			s.status = StatusClosed
			s.err = res.err
			return
		}
		s.attach(res.conn, res.ip)
	default:
	}
}

func (s *streamSocket) Status() SocketStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollDial()
	return s.status
}

func (s *streamSocket) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *streamSocket) HostName() string { return s.host }

func (s *streamSocket) IPAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ip
}

func (s *streamSocket) Send(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollDial()
	if s.closed {
		return 0, ErrSocketClosed
	}
	if s.status != StatusConnected {
		return 0, ErrNotConnected
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case s.outgoing <- frame:
		return len(data), nil
	default:
		return 0, ErrSendBufferFull
	}
}

func (s *streamSocket) Receive(buf []byte) (int, ReadResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollDial()

	switch s.status {
	case StatusResolving, StatusConnecting:
		return 0, ReadNoData
	case StatusClosed:
		return 0, ReadDisconnected
	}

	if len(s.pending) == 0 {
		select {
		case chunk, ok := <-s.incoming:
			if !ok {
				s.status = StatusClosed
				if s.err == nil {
					s.err = s.readErr
				}
				return 0, ReadDisconnected
			}
			s.pending = chunk
		default:
			return 0, ReadNoData
		}
	}

	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	if len(s.pending) > 0 || len(s.incoming) > 0 {
		return n, ReadMoreData
	}
	return n, ReadSuccess
}

// Close refuses further sends. Frames already queued are still written
// before the transport closes.
func (s *streamSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.status = StatusClosed
	s.dial = nil
	if s.conn == nil {
		return nil
	}
	close(s.done)
	close(s.outgoing)
	return nil
}

var _ streamConn = (net.Conn)(nil)
