package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"teamspace-ws/internal/metrics"
	"teamspace-ws/internal/models"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 64 * 1024 // 64 KB

	sendBuffer = 256
)

var (
	errSocketClosed = errors.New("socket closed")
	errBufferFull   = errors.New("send buffer full")
)

// Client is one live WebSocket bound to a single (room, user). It satisfies
// registry.Socket; all outbound traffic goes through the buffered send
// channel and out via WritePump.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	id       string
	roomID   string
	userID   string
	username string

	send   chan []byte
	mu     sync.Mutex
	closed bool

	// cursor throttle state, touched only by ReadPump
	cursorMinInterval time.Duration
	lastCursorAt      time.Time
	lastDocumentID    string
}

func NewClient(hub *Hub, conn *websocket.Conn, roomID, userID, username string, cursorMinInterval time.Duration) *Client {
	return &Client{
		hub:               hub,
		conn:              conn,
		id:                uuid.New().String(),
		roomID:            roomID,
		userID:            userID,
		username:          username,
		send:              make(chan []byte, sendBuffer),
		cursorMinInterval: cursorMinInterval,
	}
}

// Send queues a payload for the write pump. A full buffer is reported as an
// error so the hub treats the client as an implicit disconnect rather than
// letting one slow reader stall a broadcast.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errSocketClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errBufferFull
	}
}

// Close shuts the send channel down exactly once; WritePump drains and sends
// the close frame.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps messages from the socket into the hub. Its deferred cleanup
// is the one guaranteed path out of a connection: unregister, presence leave,
// cursor clear, socket close all hang off it.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Disconnect(ctx, c.roomID, c.userID, c.username, c)
		if c.lastDocumentID != "" {
			c.hub.ClearCursor(ctx, c.lastDocumentID, c.userID)
		}
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.RenewPresence(ctx, c.roomID, c.userID)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("[CLIENT] Unexpected close", "conn", c.id, "user", c.userID, "room", c.roomID, "error", err)
			}
			return
		}
		c.handleInbound(ctx, message)
	}
}

// WritePump pumps queued payloads out to the socket and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				slog.Error("[CLIENT] Failed to get writer", "user", c.userID, "room", c.roomID, "error", err)
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				slog.Error("[CLIENT] Failed to close writer", "user", c.userID, "room", c.roomID, "error", err)
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

// handleInbound validates one client message and routes it. Malformed or
// unknown messages are dropped and logged; they never close the connection.
// Sender identity always comes from the authenticated connection, never from
// the payload.
func (c *Client) handleInbound(ctx context.Context, message []byte) {
	var env models.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		slog.Warn("[CLIENT] Dropping malformed message", "user", c.userID, "room", c.roomID, "error", err)
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		return
	}

	// Identity and scope come from the authenticated connection; whatever
	// the payload claims is overwritten before validation.
	env.RoomID = c.roomID
	env.UserID = c.userID
	env.ExcludeSender = true
	env.Origin = ""

	if err := env.Validate(); err != nil {
		if errors.Is(err, models.ErrUnknownType) {
			slog.Warn("[CLIENT] Unknown event type, ignoring", "user", c.userID, "room", c.roomID)
			metrics.EnvelopesDropped.WithLabelValues("unknown_type").Inc()
			return
		}
		slog.Warn("[CLIENT] Dropping invalid message", "user", c.userID, "room", c.roomID, "error", err)
		metrics.EnvelopesDropped.WithLabelValues("invalid").Inc()
		return
	}

	switch env.Type {
	case models.TypeChat:
		c.hub.BroadcastRoom(ctx, &env)

	case models.TypeCursor:
		now := time.Now()
		if now.Sub(c.lastCursorAt) < c.cursorMinInterval {
			metrics.EnvelopesDropped.WithLabelValues("throttled").Inc()
			return
		}
		c.lastCursorAt = now
		c.lastDocumentID = env.DocumentID
		c.hub.UpdateCursor(ctx, env.DocumentID, c.userID, env.Page, env.X, env.Y)
		c.hub.BroadcastRoom(ctx, &env)

	case models.TypeMention:
		c.hub.BroadcastRoom(ctx, &env)
		c.hub.SendToUser(ctx, env.TargetUserID, &models.Envelope{
			Type:    models.TypeNotification,
			RoomID:  c.roomID,
			UserID:  c.userID,
			Message: env.Message,
			Kind:    "mention",
		})

	default:
		// system and notification envelopes are server-generated only.
		slog.Warn("[CLIENT] Client may not send this type, ignoring", "type", env.Type, "user", c.userID, "room", c.roomID)
		metrics.EnvelopesDropped.WithLabelValues("forbidden_type").Inc()
	}
}
