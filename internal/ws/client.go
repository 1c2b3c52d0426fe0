package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"aia-realtime/internal/metrics"
	"aia-realtime/internal/models"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB
)

var timeNow = time.Now

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Validate origin in production
		return true
	},
}

// Client is one live websocket connection. It starts unauthenticated;
// the first accepted event must be authenticate, which binds a user and
// joins the connection's rooms. A closed connection accepts nothing.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	sessionID string

	// user is zero until authenticate succeeds. It is written only by
	// register, under hub.mu, so hub fan-out always sees a consistent
	// binding. The write goroutine never reads it.
	user models.User

	// rooms this connection has joined; guarded by hub.mu.
	rooms map[string]bool

	sendMu sync.Mutex
	closed bool
}

// ServeWS upgrades the request and starts the connection's pumps. No
// token is required at upgrade time; authentication happens over the
// socket itself.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "from", r.RemoteAddr, "error", err)
		return
	}

	client := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, hub.sendBuffer),
		limiter:   rate.NewLimiter(rate.Limit(hub.eventRate), hub.eventBurst),
		sessionID: strings.ReplaceAll(uuid.NewString(), "-", ""),
		rooms:     make(map[string]bool),
	}

	metrics.Connections.Inc()
	slog.Info("connection opened", "session", client.sessionID, "from", r.RemoteAddr)

	go client.WritePump()
	go client.ReadPump()
}

func (c *Client) authenticated() bool {
	return c.user.ID != ""
}

// closeSend marks the client closed and shuts its send channel. Safe to
// call more than once; all later sends become silent no-ops.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// enqueue hands a payload to the write pump; delivery to a closed
// connection is a silent no-op, and a full buffer drops the payload
// rather than block the caller.
func (c *Client) enqueue(payload []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// sendEvent serializes and queues a server event for this connection
// only. Used for replies and error notices, never for fan-out.
func (c *Client) sendEvent(eventType string, data any) {
	payload, err := json.Marshal(models.Event{
		Type:      eventType,
		Timestamp: timeNow().Unix(),
		Data:      data,
	})
	if err != nil {
		slog.Error("failed to marshal event", "type", eventType, "error", err)
		return
	}
	c.enqueue(payload)
}

func (c *Client) sendError(message string) {
	c.sendEvent(models.EventError, models.ErrorData{Message: message})
}

// ReadPump pumps events from the websocket into the per-event handlers.
// Events are handled sequentially, which is what makes send ordering
// per-connection FIFO.
func (c *Client) ReadPump() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("unexpected close", "session", c.sessionID, "user", c.user.ID, "error", err)
			}
			break
		}

		if !c.limiter.Allow() {
			c.sendError("rate limit exceeded")
			continue
		}

		c.handleClientMessage(message)
	}
}

// disconnect tears the connection down exactly once: unbinds it from
// the hub, and if its identity just went offline, persists that and
// notifies all peers.
func (c *Client) disconnect() {
	authenticated, wentOffline := c.hub.unregister(c)
	c.conn.Close()
	metrics.Connections.Dec()

	if !authenticated {
		slog.Info("connection closed", "session", c.sessionID)
		return
	}

	slog.Info("session disconnected", "session", c.sessionID, "user", c.user.ID, "lastConnection", wentOffline)
	if wentOffline {
		c.hub.presenceOffline(c.user.ID)
	}
}

// WritePump pumps queued payloads to the websocket and keeps the
// connection alive with pings.
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

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Error("failed to write message", "session", c.sessionID, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("failed to send ping", "session", c.sessionID, "error", err)
				return
			}
		}
	}
}

func (c *Client) handleClientMessage(message []byte) {
	var ev models.ClientEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		slog.Error("error unmarshaling client event", "session", c.sessionID, "error", err)
		c.sendError("malformed event")
		return
	}
	if ev.Type == "" {
		c.sendError("missing event type")
		return
	}

	metrics.EventsReceived.WithLabelValues(ev.Type).Inc()
	ctx := context.Background()

	switch ev.Type {
	case models.EventAuthenticate:
		c.handleAuthenticate(ctx, ev.Data)
	case models.EventSendMessage:
		c.handleSendMessage(ctx, ev.Data)
	case models.EventMarkAsRead:
		c.handleMarkAsRead(ctx, ev.Data)
	case models.EventTyping:
		c.handleTyping(ctx, ev.Data, true)
	case models.EventStopTyping:
		c.handleTyping(ctx, ev.Data, false)
	default:
		slog.Warn("unknown event type", "type", ev.Type, "session", c.sessionID)
		c.sendError("unsupported event type: " + ev.Type)
	}
}
