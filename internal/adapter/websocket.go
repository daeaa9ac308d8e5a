package adapter

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
)

var (
	ErrClosed     = errors.New("websocket closed")
	ErrOutboxFull = errors.New("websocket outbox full")
)

// Frame is one inbound WebSocket message with its frame type
// (websocket.TextMessage or websocket.BinaryMessage).
type Frame struct {
	Type int
	Data []byte
}

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the maximum duration of silence before the
	// connection is considered dead.
	HeartbeatTimeout time.Duration

	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultWSConfig returns defaults tuned for exchange market data sockets.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 30 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 15 * time.Second,
	}
}

// WSClient owns a single upstream WebSocket connection. Inbound frames are
// delivered on one channel in arrival order and are never dropped; a slow
// reader applies backpressure to the socket. The client does not reconnect:
// once the connection fails, Frames is closed and Err reports why.
type WSClient struct {
	cfg WSConfig
	log *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	frames chan Frame
	outbox chan Frame

	cancel context.CancelFunc
	wg     conc.WaitGroup
	done   chan struct{}

	errOnce sync.Once
	err     error
}

// NewWSClient creates a new WebSocket client. Call Connect to start.
func NewWSClient(cfg WSConfig, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		cfg:    cfg,
		log:    logger,
		frames: make(chan Frame, 256),
		outbox: make(chan Frame, 256),
		done:   make(chan struct{}),
	}
}

// Connect dials the endpoint and starts the read and write loops. It blocks
// until the handshake completes or fails.
func (ws *WSClient) Connect(ctx context.Context) error {
	conn, err := ws.dial(ctx)
	if err != nil {
		close(ws.frames)
		close(ws.done)
		return err
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(ws.deadline())
	})

	var loopCtx context.Context
	loopCtx, ws.cancel = context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
			ws.cancel()
		case <-ws.done:
		}
	}()

	ws.wg.Go(func() { ws.readLoop(loopCtx, conn) })
	ws.wg.Go(func() { ws.writeLoop(loopCtx, conn) })
	go func() {
		ws.wg.Wait()
		close(ws.done)
	}()
	return nil
}

// Frames returns the ordered stream of inbound frames. It is closed when the
// connection ends.
func (ws *WSClient) Frames() <-chan Frame { return ws.frames }

// Send enqueues a text message.
func (ws *WSClient) Send(data []byte) error {
	return ws.SendFrame(Frame{Type: websocket.TextMessage, Data: data})
}

// SendFrame enqueues a message of an explicit frame type.
func (ws *WSClient) SendFrame(f Frame) error {
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}
	select {
	case ws.outbox <- f:
		return nil
	default:
		ws.log.Warn("ws: outbox full, dropping message", "bytes", len(f.Data))
		return ErrOutboxFull
	}
}

// Close sends a close frame, tears down the connection and waits for both
// loops to exit.
func (ws *WSClient) Close() error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ws.fail(ErrClosed)
	err := conn.Close()
	<-ws.done
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Done is closed once both loops have exited.
func (ws *WSClient) Done() <-chan struct{} { return ws.done }

// Err returns the reason the connection ended, nil while it is alive.
func (ws *WSClient) Err() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.err
}

// dial establishes the WebSocket connection with TCP_NODELAY enabled.
func (ws *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: ws.cfg.HandshakeTimeout,
		ReadBufferSize:   ws.cfg.ReadBufferSize,
		WriteBufferSize:  ws.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, ws.cfg.URL, ws.cfg.Headers)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop reads frames in order and hands them to Frames. Silence longer
// than HeartbeatTimeout ends the connection.
func (ws *WSClient) readLoop(ctx context.Context, c *websocket.Conn) {
	defer close(ws.frames)
	for {
		c.SetReadDeadline(ws.deadline())
		mt, msg, err := c.ReadMessage()
		if err != nil {
			ws.fail(err)
			return
		}
		select {
		case ws.frames <- Frame{Type: mt, Data: msg}:
		case <-ctx.Done():
			return
		}
	}
}

// deadline is the next read deadline; a zero HeartbeatTimeout disables it.
func (ws *WSClient) deadline() time.Time {
	if ws.cfg.HeartbeatTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ws.cfg.HeartbeatTimeout)
}

// writeLoop drains the outbox and writes messages to the connection.
func (ws *WSClient) writeLoop(ctx context.Context, c *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-ws.outbox:
			c.SetWriteDeadline(time.Now().Add(ws.cfg.WriteTimeout))
			if err := c.WriteMessage(f.Type, f.Data); err != nil {
				ws.fail(err)
				return
			}
		}
	}
}

// fail records the first error and unblocks both loops.
func (ws *WSClient) fail(err error) {
	ws.errOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.mu.Lock()
		ws.err = err
		if ws.conn != nil {
			ws.conn.Close()
		}
		ws.mu.Unlock()
	})
}
