package ws

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 10 * time.Second

// Client adapts a gorilla websocket connection to the Transport interface.
type Client struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	log          *slog.Logger
}

// NewClient constructs a websocket transport with a per-frame write deadline.
func NewClient(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *Client {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, writeTimeout: writeTimeout, log: logger}
}

// Send writes a text frame to the websocket connection.
func (c *Client) Send(payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		return err
	}
	return nil
}

// Ping writes a ping control frame. The pong arrives on the read loop.
func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a going-away close frame when possible and terminates the connection.
func (c *Client) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if errors.Is(werr, websocket.ErrCloseSent) {
		werr = nil
	}
	if err := c.conn.Close(); err != nil {
		return err
	}
	if werr != nil {
		c.log.Debug("websocket close frame not delivered", "error", werr)
	}
	return nil
}
