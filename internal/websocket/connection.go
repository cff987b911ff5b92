package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// sendBuffer is the number of messages queued per connection before the
	// client is considered too slow and dropped.
	sendBuffer = 64
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so every
// frame (data and ping) goes through one writer goroutine
type Connection struct {
	conn          *websocket.Conn
	id            string
	sessionFilter string
	writeCh       chan []byte
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	writerDone    chan struct{}
}

// NewConnection wraps conn and starts its writer. sessionFilter is the
// watched session id, or "" to receive every session.
func NewConnection(conn *websocket.Conn, sessionFilter string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:          conn,
		id:            uuid.NewString(),
		sessionFilter: sessionFilter,
		writeCh:       make(chan []byte, sendBuffer),
		ctx:           ctx,
		cancel:        cancel,
		writerDone:    make(chan struct{}),
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.cancel()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// flush writes whatever is still queued so a final frame queued just before
// Close still reaches the client.
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// WriteJSON queues v for delivery without blocking. A full queue means the
// client is not keeping up and ErrSendBufferFull is returned.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the writer, sends a close frame and closes the socket.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.writerDone
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is shutting down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// SessionFilter returns the watched session, or "" for all sessions.
func (c *Connection) SessionFilter() string { return c.sessionFilter }

// readLoop consumes client frames until the peer goes away. The feed is
// one-way; client messages are discarded, only pongs extend the deadline.
func (c *Connection) readLoop() error {
	c.conn.SetReadLimit(512)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return err
		}
	}
}
