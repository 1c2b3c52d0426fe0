package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"aia-realtime/internal/auth"
	"aia-realtime/internal/events"
	"aia-realtime/internal/metrics"
	"aia-realtime/internal/models"
	"aia-realtime/internal/store"
)

// Hub tracks authenticated sessions and conversation rooms, and fans
// broadcast events out to the connections they target.
//
// Rooms are connection-scoped: they are rebuilt from the store on every
// successful authenticate and extended incrementally when a
// conversation_created event arrives on the bus. They never survive a
// reconnect.
type Hub struct {
	// Rooms by conversation id.
	rooms map[string]map[*Client]bool

	// Connections by user id. A user may hold several connections at
	// once (multi-device); presence goes offline when the last one
	// drops.
	sessions map[string]map[*Client]bool

	mu sync.RWMutex

	// Broadcast receives routed events from the bus delivery loop.
	Broadcast chan *models.BroadcastMessage

	store    store.Store
	bus      events.Publisher
	tokens   *auth.Tokens
	validate *validator.Validate

	eventRate  float64
	eventBurst int
	sendBuffer int
}

func NewHub(st store.Store, bus events.Publisher, tokens *auth.Tokens) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		sessions:   make(map[string]map[*Client]bool),
		Broadcast:  make(chan *models.BroadcastMessage, 64),
		store:      st,
		bus:        bus,
		tokens:     tokens,
		validate:   validator.New(),
		eventRate:  20,
		eventBurst: 40,
		sendBuffer: 256,
	}
}

// SetLimits overrides the per-connection rate limit and send buffer.
func (h *Hub) SetLimits(ratePerSecond float64, burst, sendBuffer int) {
	h.eventRate = ratePerSecond
	h.eventBurst = burst
	h.sendBuffer = sendBuffer
}

// Deliver implements events.Sink.
func (h *Hub) Deliver(msg *models.BroadcastMessage) {
	h.Broadcast <- msg
}

// Run consumes broadcast events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	slog.Info("hub event loop started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("hub event loop stopped")
			return
		case msg := <-h.Broadcast:
			h.broadcast(msg)
		}
	}
}

// register binds an authenticated client and joins its rooms in one
// step, so no broadcast can observe a bound session without its rooms.
// Re-registering refreshes the room set. Re-registering under a new
// identity unbinds the old one first; prevOffline names the old
// identity if this was its last connection, so the caller can announce
// it offline.
func (h *Hub) register(client *Client, user models.User, roomIDs []string) (prevOffline string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev := client.user.ID; prev != "" && prev != user.ID {
		if clients, ok := h.sessions[prev]; ok && clients[client] {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessions, prev)
				prevOffline = prev
			}
		}
	}
	client.user = user

	userID := user.ID
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*Client]bool)
	}
	h.sessions[userID][client] = true
	metrics.Sessions.Set(float64(h.sessionCount()))

	h.leaveAllLocked(client)
	for _, id := range roomIDs {
		h.joinLocked(client, id)
	}

	slog.Info("session registered", "user", userID, "session", client.sessionID, "rooms", len(roomIDs))
	return prevOffline
}

// unregister removes the client from every map and closes its send
// channel. It reports whether the client was authenticated and whether
// its identity just went offline (no connections left).
func (h *Hub) unregister(client *Client) (authenticated, wentOffline bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveAllLocked(client)

	userID := client.user.ID
	if userID != "" {
		if clients, ok := h.sessions[userID]; ok && clients[client] {
			authenticated = true
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessions, userID)
				wentOffline = true
			}
		}
		metrics.Sessions.Set(float64(h.sessionCount()))
	}

	client.closeSend()
	return authenticated, wentOffline
}

func (h *Hub) joinLocked(client *Client, roomID string) {
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true
	client.rooms[roomID] = true
}

func (h *Hub) leaveAllLocked(client *Client) {
	for roomID := range client.rooms {
		if clients, ok := h.rooms[roomID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	client.rooms = make(map[string]bool)
}

// inRoom reports whether the connection is currently joined to the
// room. This is the in-memory membership snapshot used by operations
// that must not suspend, like typing.
func (h *Hub) inRoom(client *Client, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return client.rooms[roomID]
}

// RoomUsers returns the user ids with a live connection in the room.
func (h *Hub) RoomUsers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	users := []string{}
	for client := range h.rooms[roomID] {
		if !seen[client.user.ID] {
			seen[client.user.ID] = true
			users = append(users, client.user.ID)
		}
	}
	return users
}

func (h *Hub) sessionCount() int {
	n := 0
	for _, clients := range h.sessions {
		n += len(clients)
	}
	return n
}

func (h *Hub) broadcast(msg *models.BroadcastMessage) {
	offline := h.fanOut(msg)

	// Identities that lost their last connection to a buffer overflow
	// still owe their peers one offline notification. Publishing from
	// the hub goroutine could block on the bus, so hand it off.
	for _, userID := range offline {
		go h.presenceOffline(userID)
	}
}

func (h *Hub) fanOut(msg *models.BroadcastMessage) (offline []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var targets map[*Client]bool
	switch {
	case len(msg.Users) > 0:
		// Targeted delivery joins the users' live connections to the
		// room first, so a freshly created conversation is receivable
		// without a reconnect.
		targets = make(map[*Client]bool)
		for _, userID := range msg.Users {
			for client := range h.sessions[userID] {
				if msg.Room != "" {
					h.joinLocked(client, msg.Room)
				}
				targets[client] = true
			}
		}
	case msg.Global:
		targets = make(map[*Client]bool)
		for _, clients := range h.sessions {
			for client := range clients {
				targets[client] = true
			}
		}
	default:
		targets = h.rooms[msg.Room]
	}

	for client := range targets {
		if msg.ExcludeSession != "" && client.sessionID == msg.ExcludeSession {
			continue
		}
		select {
		case client.send <- msg.Payload:
			metrics.Broadcasts.Inc()
		default:
			// Buffer full; drop the connection rather than block the
			// fan-out for everyone else.
			slog.Warn("client send buffer full, disconnecting", "user", client.user.ID, "session", client.sessionID)
			h.leaveAllLocked(client)
			if clients, ok := h.sessions[client.user.ID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.sessions, client.user.ID)
					offline = append(offline, client.user.ID)
				}
			}
			client.closeSend()
			metrics.DroppedClients.Inc()
		}
	}
	return offline
}

func (h *Hub) presenceOffline(userID string) {
	ctx := context.Background()
	now := timeNow()
	if err := h.store.SetPresence(ctx, userID, models.StatusOffline, now); err != nil {
		slog.Error("failed to persist offline presence", "user", userID, "error", err)
	}
	if err := h.bus.PublishStatusChange(ctx, userID, models.StatusOffline, ""); err != nil {
		slog.Error("failed to publish offline status", "user", userID, "error", err)
	}
}
