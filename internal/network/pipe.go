package network

import (
	"net"
	"sync"
)

// pipeSocket is one end of an in-memory socket pair. Writes on one end
// become readable on the other without any goroutines.
type pipeSocket struct {
	name  string
	mu    *sync.Mutex
	state *pipeState
	self  int
	peer  *pipeSocket

	pending []byte
}

type pipeState struct {
	queues [2][][]byte
	closed bool
}

// NewPipe returns two connected in-memory sockets.
func NewPipe(nameA, nameB string) (Socket, Socket) {
	mu := &sync.Mutex{}
	st := &pipeState{}
	a := &pipeSocket{name: nameA, mu: mu, state: st, self: 0}
	b := &pipeSocket{name: nameB, mu: mu, state: st, self: 1}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeSocket) Status() SocketStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.closed && len(p.state.queues[p.self]) == 0 && len(p.pending) == 0 {
		return StatusClosed
	}
	return StatusConnected
}

func (p *pipeSocket) Error() error { return nil }

func (p *pipeSocket) HostName() string { return p.peer.name }

func (p *pipeSocket) IPAddress() string { return p.peer.name }

func (p *pipeSocket) Send(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.closed {
		return 0, ErrSocketClosed
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	other := 1 - p.self
	p.state.queues[other] = append(p.state.queues[other], frame)
	return len(data), nil
}

func (p *pipeSocket) Receive(buf []byte) (int, ReadResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := &p.state.queues[p.self]
	if len(p.pending) == 0 {
		if len(*q) == 0 {
			if p.state.closed {
				return 0, ReadDisconnected
			}
			return 0, ReadNoData
		}
		p.pending = (*q)[0]
		*q = (*q)[1:]
	}

	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	if len(p.pending) > 0 || len(*q) > 0 {
		return n, ReadMoreData
	}
	return n, ReadSuccess
}

// Close closes both ends. Bytes already sent stay readable.
func (p *pipeSocket) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.closed = true
	return nil
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// PipeListener hands out in-memory sockets created by Dial. It lets a
// server and its clients share one process without touching the network.
type PipeListener struct {
	mu       sync.Mutex
	name     string
	accepted []Socket
	closed   bool
}

// NewPipeListener creates a listener named name.
func NewPipeListener(name string) *PipeListener {
	return &PipeListener{name: name}
}

// Dial creates a socket pair and queues the server end for Accept.
func (l *PipeListener) Dial(clientName string) (Socket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrConnectionRefused
	}
	client, server := NewPipe(clientName, l.name)
	l.accepted = append(l.accepted, server)
	return client, nil
}

func (l *PipeListener) Accept() (Socket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrSocketClosed
	}
	if len(l.accepted) == 0 {
		return nil, ErrWouldBlock
	}
	s := l.accepted[0]
	l.accepted = l.accepted[1:]
	return s, nil
}

func (l *PipeListener) Addr() net.Addr { return pipeAddr(l.name) }

func (l *PipeListener) Status() SocketStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return StatusClosed
	}
	return StatusListening
}

func (l *PipeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for _, s := range l.accepted {
		s.Close()
	}
	l.accepted = nil
	return nil
}
