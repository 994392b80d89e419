package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parknet-project/parknet/internal/util"
)

// wsConn presents a WebSocket as a byte stream. Frames are carried in
// binary messages; message boundaries carry no meaning.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// WebSocketListener accepts browser clients on an HTTP endpoint.
type WebSocketListener struct {
	server   *http.Server
	listener net.Listener
	accepted chan Socket
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// ListenWebSocket serves WebSocket upgrades on path.
func ListenWebSocket(ctx context.Context, address string, port int, path string) (*WebSocketListener, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &WebSocketListener{
		listener: ln,
		accepted: make(chan Socket, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: readBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: util.ComponentLogger("ws_listener").With().Str("addr", ln.Addr().String()).Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error().Err(err).Msg("websocket server stopped")
		}
	}()

	l.logger.Info().Str("path", path).Msg("WebSocket listener started")
	return l, nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	sock := newConnectedSocket(&wsConn{ws: ws}, host, host)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		sock.Close()
		return
	}
	select {
	case l.accepted <- sock:
	default:
		l.logger.Warn().Str("remote", r.RemoteAddr).Msg("accept queue full, dropping websocket client")
		sock.Close()
	}
}

func (l *WebSocketListener) Accept() (Socket, error) {
	select {
	case s := <-l.accepted:
		return s, nil
	default:
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil, ErrSocketClosed
		}
		return nil, ErrWouldBlock
	}
}

func (l *WebSocketListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *WebSocketListener) Status() SocketStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return StatusClosed
	}
	return StatusListening
}

func (l *WebSocketListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := l.server.Shutdown(ctx)
	for {
		select {
		case s := <-l.accepted:
			s.Close()
		default:
			return err
		}
	}
}

// ConnectWebSocket dials a WebSocket endpoint such as ws://host:port/play.
func ConnectWebSocket(ctx context.Context, url string) (Socket, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, ClassifyError(err))
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	host, _, _ := net.SplitHostPort(ws.RemoteAddr().String())
	return newConnectedSocket(&wsConn{ws: ws}, url, host), nil
}
