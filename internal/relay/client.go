package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"storysync/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 256
)

// Close codes sent when the relay refuses or ends a connection.
const (
	CloseSessionFull  = 4002
	CloseRemoved      = 4003
	CloseSessionEnded = 4004
)

// Client is one websocket connection of one participant.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	user wire.Participant
	log  *slog.Logger

	// Set by the room before it closes send.
	closeCode int
	closeText string
}

func newClient(id string, conn *websocket.Conn, user wire.Participant, log *slog.Logger) *Client {
	return &Client{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		user:      user,
		log:       log.With("conn_id", id, "user_id", user.UserID),
		closeCode: websocket.CloseNormalClosure,
	}
}

// readPump feeds frames to the room until the connection drops.
func (c *Client) readPump(r *Room) {
	defer func() {
		r.leave(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("connection dropped", "error", err)
			}
			return
		}
		m, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("bad frame", "error", err)
			continue
		}
		if !r.receive(c, m) {
			return
		}
	}
}

// writePump drains send and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeText))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// refuse closes a connection that never joined a room.
func refuse(conn *websocket.Conn, code int, text string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	conn.Close()
}
