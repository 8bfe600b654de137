package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-service/internal/util"
)

// outbound is a send-channel entry. A teardown entry makes the writePump
// close the connection after everything queued before it has been written.
type outbound struct {
	msg      ServerMessage
	teardown bool
}

// Client is one live websocket connection bound to a verified user. Writes
// go through the buffered send channel so only the writePump goroutine
// touches the connection for writes.
type Client struct {
	ConnID      string
	UserID      string
	IP          string
	UserAgent   string
	Origin      string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan outbound

	mu           sync.Mutex
	lastActivity time.Time

	closeOnce sync.Once
}

func newClient(connID, userID string, conn *websocket.Conn, ip, userAgent, origin string, sendBuffer int, now time.Time) *Client {
	return &Client{
		ConnID:       connID,
		UserID:       userID,
		IP:           ip,
		UserAgent:    userAgent,
		Origin:       origin,
		ConnectedAt:  now,
		conn:         conn,
		send:         make(chan outbound, sendBuffer),
		lastActivity: now,
	}
}

func (c *Client) Touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Send queues a message without blocking. A full buffer means the client
// cannot keep up; the message is dropped rather than stalling the caller.
func (c *Client) Send(msg ServerMessage) {
	select {
	case c.send <- outbound{msg: msg}:
	default:
		util.Warn("Dropping message for slow websocket client",
			zap.String("conn_id", c.ConnID),
			zap.String("user_id", c.UserID),
			zap.String("type", msg.Type))
	}
}

// CloseAfterSend closes the connection once everything already queued has
// been written, so a final notice is not lost to the close race. Falls back
// to an immediate close when the buffer is full.
func (c *Client) CloseAfterSend() {
	select {
	case c.send <- outbound{teardown: true}:
	default:
		c.Close()
	}
}

// Close tears the connection down. Idempotent; the readPump unblocks with a
// read error and runs the single removal path.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// readPump consumes client messages until the connection dies, then invokes
// onClose exactly once. Pong frames extend the read deadline.
func (c *Client) readPump(g *Gateway, onClose func()) {
	defer onClose()

	c.conn.SetReadLimit(g.config.Gateway.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(g.config.Gateway.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(g.config.Gateway.PongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.Debug("Websocket read error",
					zap.String("conn_id", c.ConnID),
					zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(g.config.Gateway.PongWait))
		c.Touch(time.Now().UTC())
		g.handleMessage(c, msg)
	}
}

// writePump drains the send channel and keeps the connection alive with
// periodic pings. Exits when the send channel closes or a write fails.
func (c *Client) writePump(g *Gateway) {
	pingPeriod := g.config.Gateway.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case out, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.config.Gateway.WriteWait))
			if !ok || out.teardown {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(out.msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.config.Gateway.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
