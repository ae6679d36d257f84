package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/metrics"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	defaultSendBuffer = 256
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errClientClosed   = errors.New("client closed")
)

// Client is one upgraded connection. It implements broker.Sender: Send only
// enqueues, and the write pump owns every write to the socket.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

func newClient(conn *websocket.Conn, buffer int, log *zap.Logger) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Client{
		conn: conn,
		send: make(chan []byte, buffer),
		log:  log,
		done: make(chan struct{}),
	}
}

// Send queues msg for the write pump. It never blocks on a slow peer.
func (c *Client) Send(ctx context.Context, msg models.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close asks the write pump to flush queued frames and send a close frame.
func (c *Client) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
	return nil
}

// readPump delivers inbound frames to handle until the peer goes away or the
// client is closed.
func (c *Client) readPump(handle func([]byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		metrics.MessagesTotal.WithLabelValues("in", "frame").Inc()
		handle(message)
	}
}

// writePump writes queued frames and keepalive pings. On Close it flushes
// what is already queued, then sends the close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				_ = c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close(websocket.CloseInternalServerErr, "ping failed")
				return
			}

		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
