// ABOUTME: Websocket transport with a bounded send queue and read/write pumps
// ABOUTME: One reader processes inbound frames in order; one writer drains the queue

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsOptions tunes a websocket transport.
type wsOptions struct {
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	SendQueueSize   int
}

func (o *wsOptions) normalize() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
}

// pongWait is how long the reader waits for any frame or pong.
func (o wsOptions) pongWait() time.Duration {
	return 2 * o.PingInterval
}

// wsClient implements Transport over a gorilla websocket connection.
type wsClient struct {
	conn   *websocket.Conn
	opts   wsOptions
	send   chan []byte
	done   chan struct{}
	closed sync.Once
	// writerDone is closed when the write pump has exited and the socket is closed.
	writerDone chan struct{}
	logger     *slog.Logger
}

func newWSClient(conn *websocket.Conn, opts wsOptions, logger *slog.Logger) *wsClient {
	opts.normalize()
	c := &wsClient{
		conn:       conn,
		opts:       opts,
		send:       make(chan []byte, opts.SendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		logger:     logger,
	}
	conn.SetReadLimit(opts.MaxMessageBytes)
	go c.writePump()
	return c
}

// Send enqueues frame without blocking.
func (c *wsClient) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the writer to flush queued frames, send a close frame and
// close the socket. It does not wait.
func (c *wsClient) Close() error {
	c.closed.Do(func() { close(c.done) })
	return nil
}

// wait blocks until the socket is closed.
func (c *wsClient) wait() {
	<-c.writerDone
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			deadline := time.Now().Add(c.opts.WriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// flush writes whatever is still queued.
func (c *wsClient) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsClient) write(frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// readHandshake waits up to timeout for the first frame, used when the
// upgrade request carried no credential.
func (c *wsClient) readHandshake(timeout time.Duration) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

// readPump feeds inbound frames to the manager until the connection fails.
// It returns the disconnect reason.
func (c *wsClient) readPump(ctx context.Context, m *Manager, connID string) string {
	pongWait := c.opts.pongWait()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		m.Touch(connID)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return readErrorReason(err)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		if err := m.HandleFrame(ctx, connID, data); errors.Is(err, ErrUnknownConnection) {
			return ReasonServerClosed
		}
	}
}

func readErrorReason(err error) string {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return ReasonClientClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonHeartbeatTimeout
	}
	return ReasonReadError
}
