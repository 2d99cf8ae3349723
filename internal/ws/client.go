package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ErrSlowConsumer is returned when a client's buffer is full.
var ErrSlowConsumer = errors.New("ws: client buffer full")

// Client represents a websocket client connection with a bounded send buffer.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	send      chan []byte
	ending    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

// NewClient constructs a client wrapper and starts its write loop.
func NewClient(conn *websocket.Conn, buffer int, logger *slog.Logger) *Client {
	if buffer <= 0 {
		buffer = 100
	}
	c := &Client{
		conn:   conn,
		log:    logger,
		send:   make(chan []byte, buffer),
		ending: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues a message without blocking the hub.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("websocket client too slow, dropping")
		return ErrSlowConsumer
	}
}

// End queues payload as the last message and closes the connection with a
// normal closure once everything buffered has been written.
func (c *Client) End(payload []byte) error {
	err := c.Send(payload)
	c.endOnce.Do(func() { close(c.ending) })
	return err
}

// Close terminates the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadLoop drains control frames until the peer goes away. It blocks.
func (c *Client) ReadLoop() {
	defer c.Close()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if !c.write(payload) {
				return
			}
		case <-c.ending:
			c.drainAndClose()
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Client) write(payload []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.Close()
		return false
	}
	return true
}

func (c *Client) drainAndClose() {
	for {
		select {
		case payload := <-c.send:
			if !c.write(payload) {
				return
			}
		default:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "deployment finished"))
			c.Close()
			return
		}
	}
}
