package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a gorilla connection to Conn with a per-write deadline.
type WebSocketConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func NewWebSocketConn(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketConn {
	return &WebSocketConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *WebSocketConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteJSON(v)
}

// Ping sends a ping control frame; safe to call alongside WriteJSON.
func (c *WebSocketConn) Ping() error {
	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (c *WebSocketConn) Close() error {
	return c.conn.Close()
}

// Raw returns the underlying connection for the read loop.
func (c *WebSocketConn) Raw() *websocket.Conn {
	return c.conn
}
