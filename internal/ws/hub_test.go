package ws

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"aia-realtime/internal/auth"
	"aia-realtime/internal/events"
	"aia-realtime/internal/models"
	"aia-realtime/internal/store"
)

const waitTimeout = 2 * time.Second

type testEnv struct {
	hub    *Hub
	store  *store.Memory
	bus    *events.Loopback
	tokens *auth.Tokens
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemory()
	bus := events.NewLoopback()
	tokens := auth.NewTokens("test-secret", time.Hour)
	hub := NewHub(st, bus, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	go bus.Run(ctx, hub)
	t.Cleanup(cancel)

	return &testEnv{hub: hub, store: st, bus: bus, tokens: tokens, cancel: cancel}
}

func (e *testEnv) seedUser(t *testing.T, id, username string) models.User {
	t.Helper()
	u := models.User{ID: id, Username: username, Email: username + "@example.com", Status: models.StatusOffline}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	return u
}

func (e *testEnv) seedConversation(t *testing.T, id string, participants ...string) models.Conversation {
	t.Helper()
	c := models.Conversation{
		ID:           id,
		Type:         models.ConversationPrivate,
		Participants: participants,
		CreatedBy:    participants[0],
		CreatedAt:    time.Now().UTC(),
	}
	if len(participants) != 2 {
		c.Type = models.ConversationGroup
	}
	require.NoError(t, e.store.CreateConversation(context.Background(), c))
	return c
}

func (e *testEnv) newClient() *Client {
	return &Client{
		hub:       e.hub,
		send:      make(chan []byte, 64),
		limiter:   rate.NewLimiter(rate.Inf, 1),
		sessionID: uuid.NewString(),
		rooms:     make(map[string]bool),
	}
}

// connect authenticates a fresh client for the user and consumes the
// authenticated reply.
func (e *testEnv) connect(t *testing.T, userID string) *Client {
	t.Helper()

	token, err := e.tokens.Generate(userID, userID+"@example.com")
	require.NoError(t, err)

	c := e.newClient()
	payload, err := json.Marshal(models.AuthenticatePayload{Token: token})
	require.NoError(t, err)
	c.handleAuthenticate(context.Background(), payload)

	ev := waitFor(t, c, models.EventAuthenticated)
	var data models.AuthenticatedData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, userID, data.User.ID)
	return c
}

type envelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// waitFor reads events from the client until one of the wanted type
// arrives, skipping unrelated traffic like presence changes.
func waitFor(t *testing.T, c *Client, eventType string) envelope {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case payload, ok := <-c.send:
			require.True(t, ok, "send channel closed while waiting for %s", eventType)
			var ev envelope
			require.NoError(t, json.Unmarshal(payload, &ev))
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

// assertNone asserts no event of the given type reaches the client
// within the window.
func assertNone(t *testing.T, c *Client, eventType string) {
	t.Helper()

	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			var ev envelope
			require.NoError(t, json.Unmarshal(payload, &ev))
			require.NotEqual(t, eventType, ev.Type)
		case <-deadline:
			return
		}
	}
}

func sendRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestAuthenticateBindsSessionAndMarksOnline(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedConversation(t, "conv-1", "alice", "bob")

	c := env.connect(t, "alice")

	require.True(t, env.hub.inRoom(c, "conv-1"))

	u, err := env.store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, models.StatusOnline, u.Status)
	require.False(t, u.LastSeen.IsZero())
}

func TestAuthenticateInvalidToken(t *testing.T) {
	env := newTestEnv(t)

	c := env.newClient()
	c.handleAuthenticate(context.Background(), sendRaw(t, models.AuthenticatePayload{Token: "garbage"}))

	ev := waitFor(t, c, models.EventAuthError)
	var data models.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, models.ErrInvalidToken.Error(), data.Message)
}

func TestAuthenticateUnknownIdentity(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.tokens.Generate("ghost", "ghost@example.com")
	require.NoError(t, err)

	c := env.newClient()
	c.handleAuthenticate(context.Background(), sendRaw(t, models.AuthenticatePayload{Token: token}))

	ev := waitFor(t, c, models.EventAuthError)
	var data models.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, models.ErrIdentityNotFound.Error(), data.Message)
}

func TestAuthenticateBroadcastsOnlineToPeers(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")

	a := env.connect(t, "alice")
	_ = env.connect(t, "bob")

	ev := waitFor(t, a, models.EventUserStatusChange)
	var data models.StatusChangeData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, "bob", data.UserID)
	require.Equal(t, models.StatusOnline, data.Status)
}

func TestSendMessageFansOutToAllRoomConnections(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")
	env.seedConversation(t, "conv-1", "alice", "bob")

	a := env.connect(t, "alice")
	b := env.connect(t, "bob")

	a.handleSendMessage(context.Background(), sendRaw(t, models.SendMessagePayload{
		ConversationID: "conv-1",
		Text:           "hi",
	}))

	for _, c := range []*Client{a, b} {
		ev := waitFor(t, c, models.EventNewMessage)
		var msg models.PopulatedMessage
		require.NoError(t, json.Unmarshal(ev.Data, &msg))
		require.Equal(t, "hi", msg.Text)
		require.Equal(t, "alice", msg.Sender.ID)
		require.Equal(t, "conv-1", msg.ConversationID)
		require.Equal(t, []string{"alice"}, msg.ReadBy)
		require.NotEmpty(t, msg.ID)
	}

	// The conversation now points at the new message.
	conv, err := env.store.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.NotEmpty(t, conv.LastMessage)
}

func TestSendMessageRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "bob", "bob")
	env.seedConversation(t, "conv-1", "alice", "bob")
	b := env.connect(t, "bob")

	c := env.newClient()
	c.handleSendMessage(context.Background(), sendRaw(t, models.SendMessagePayload{
		ConversationID: "conv-1",
		Text:           "hi",
	}))

	ev := waitFor(t, c, models.EventError)
	var data models.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, models.ErrUnauthenticated.Error(), data.Message)

	assertNone(t, b, models.EventNewMessage)
}

func TestSendMessageRejectsNonMember(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")
	env.seedUser(t, "mallory", "mallory")
	env.seedConversation(t, "conv-1", "alice", "bob")

	b := env.connect(t, "bob")
	m := env.connect(t, "mallory")

	m.handleSendMessage(context.Background(), sendRaw(t, models.SendMessagePayload{
		ConversationID: "conv-1",
		Text:           "let me in",
	}))

	ev := waitFor(t, m, models.EventError)
	var data models.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, models.ErrNotAMember.Error(), data.Message)

	assertNone(t, b, models.EventNewMessage)
}

func TestSendMessageUnknownConversation(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	a := env.connect(t, "alice")

	a.handleSendMessage(context.Background(), sendRaw(t, models.SendMessagePayload{
		ConversationID: "missing",
		Text:           "hello?",
	}))

	ev := waitFor(t, a, models.EventError)
	var data models.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, models.ErrConversationNotFound.Error(), data.Message)
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")
	env.seedConversation(t, "conv-1", "alice", "bob")
	a := env.connect(t, "alice")
	b := env.connect(t, "bob")

	a.handleSendMessage(context.Background(), sendRaw(t, models.SendMessagePayload{
		ConversationID: "conv-1",
	}))

	ev := waitFor(t, a, models.EventError)
	var data models.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, models.ErrEmptyMessage.Error(), data.Message)

	assertNone(t, b, models.EventNewMessage)
}

func TestSendMessageResolvesReplyTarget(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")
	env.seedConversation(t, "conv-1", "alice", "bob")
	a := env.connect(t, "alice")
	b := env.connect(t, "bob")

	a.handleSendMessage(context.Background(), sendRaw(t, models.SendMessagePayload{
		ConversationID: "conv-1",
		Text:           "original",
	}))
	ev := waitFor(t, b, models.EventNewMessage)
	var original models.PopulatedMessage
	require.NoError(t, json.Unmarshal(ev.Data, &original))

	b.handleSendMessage(context.Background(), sendRaw(t, models.SendMessagePayload{
		ConversationID: "conv-1",
		Text:           "reply",
		ReplyTo:        original.ID,
	}))
	ev = waitFor(t, a, models.EventNewMessage)
	var reply models.PopulatedMessage
	require.NoError(t, json.Unmarshal(ev.Data, &reply))
	require.NotNil(t, reply.ReplyTo)
	require.Equal(t, original.ID, reply.ReplyTo.ID)
	require.Equal(t, "original", reply.ReplyTo.Text)
	require.Equal(t, "alice", reply.ReplyTo.Sender.ID)
}

func TestMarkAsReadBroadcastsOnceAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")
	env.seedConversation(t, "conv-1", "alice", "bob")
	a := env.connect(t, "alice")
	b := env.connect(t, "bob")

	a.handleSendMessage(context.Background(), sendRaw(t, models.SendMessagePayload{
		ConversationID: "conv-1",
		Text:           "hi",
	}))
	ev := waitFor(t, b, models.EventNewMessage)
	var msg models.PopulatedMessage
	require.NoError(t, json.Unmarshal(ev.Data, &msg))

	b.handleMarkAsRead(context.Background(), sendRaw(t, models.MarkAsReadPayload{MessageID: msg.ID}))

	for _, c := range []*Client{a, b} {
		ev := waitFor(t, c, models.EventMessageRead)
		var data models.MessageReadData
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		require.Equal(t, msg.ID, data.MessageID)
		require.Equal(t, "bob", data.UserID)
	}

	stored, err := env.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, stored.ReadBy)

	// Marking again produces no second broadcast and no growth.
	b.handleMarkAsRead(context.Background(), sendRaw(t, models.MarkAsReadPayload{MessageID: msg.ID}))
	assertNone(t, a, models.EventMessageRead)
	assertNone(t, b, models.EventMessageRead)

	stored, err = env.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Len(t, stored.ReadBy, 2)
}

func TestMarkAsReadUnknownMessage(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	a := env.connect(t, "alice")

	a.handleMarkAsRead(context.Background(), sendRaw(t, models.MarkAsReadPayload{MessageID: "missing"}))

	ev := waitFor(t, a, models.EventError)
	var data models.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, models.ErrMessageNotFound.Error(), data.Message)
}

func TestMarkAsReadRejectsNonMember(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")
	env.seedUser(t, "mallory", "mallory")
	env.seedConversation(t, "conv-1", "alice", "bob")
	a := env.connect(t, "alice")
	m := env.connect(t, "mallory")

	a.handleSendMessage(context.Background(), sendRaw(t, models.SendMessagePayload{
		ConversationID: "conv-1",
		Text:           "hi",
	}))
	ev := waitFor(t, a, models.EventNewMessage)
	var msg models.PopulatedMessage
	require.NoError(t, json.Unmarshal(ev.Data, &msg))

	m.handleMarkAsRead(context.Background(), sendRaw(t, models.MarkAsReadPayload{MessageID: msg.ID}))

	errEv := waitFor(t, m, models.EventError)
	var data models.ErrorData
	require.NoError(t, json.Unmarshal(errEv.Data, &data))
	require.Equal(t, models.ErrNotAMember.Error(), data.Message)

	assertNone(t, a, models.EventMessageRead)

	stored, err := env.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, stored.ReadBy)
}

func TestTypingNeverEchoesToOrigin(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")
	env.seedConversation(t, "conv-1", "alice", "bob")
	a := env.connect(t, "alice")
	b := env.connect(t, "bob")

	a.handleTyping(context.Background(), sendRaw(t, models.TypingPayload{ConversationID: "conv-1"}), true)

	ev := waitFor(t, b, models.EventUserTyping)
	var data models.TypingData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, "alice", data.UserID)
	require.Equal(t, "conv-1", data.ConversationID)

	assertNone(t, a, models.EventUserTyping)

	a.handleTyping(context.Background(), sendRaw(t, models.TypingPayload{ConversationID: "conv-1"}), false)
	waitFor(t, b, models.EventUserStopTyping)
	assertNone(t, a, models.EventUserStopTyping)
}

func TestTypingIgnoredWhenUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "bob", "bob")
	env.seedConversation(t, "conv-1", "alice", "bob")
	b := env.connect(t, "bob")

	c := env.newClient()
	c.handleTyping(context.Background(), sendRaw(t, models.TypingPayload{ConversationID: "conv-1"}), true)

	// Best-effort signal: no error surfaced, nothing broadcast.
	assertNone(t, c, models.EventError)
	assertNone(t, b, models.EventUserTyping)
}

func TestTypingIgnoredOutsideJoinedRooms(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")
	env.seedUser(t, "mallory", "mallory")
	env.seedConversation(t, "conv-1", "alice", "bob")
	b := env.connect(t, "bob")
	m := env.connect(t, "mallory")

	m.handleTyping(context.Background(), sendRaw(t, models.TypingPayload{ConversationID: "conv-1"}), true)

	assertNone(t, m, models.EventError)
	assertNone(t, b, models.EventUserTyping)
}

func TestDisconnectBroadcastsOfflineExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")
	env.seedConversation(t, "conv-1", "alice", "bob")
	a := env.connect(t, "alice")
	b := env.connect(t, "bob")

	authenticated, wentOffline := env.hub.unregister(a)
	require.True(t, authenticated)
	require.True(t, wentOffline)
	env.hub.presenceOffline("alice")

	ev := waitFor(t, b, models.EventUserStatusChange)
	var data models.StatusChangeData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, "alice", data.UserID)
	require.Equal(t, models.StatusOffline, data.Status)
	assertNone(t, b, models.EventUserStatusChange)

	u, err := env.store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, models.StatusOffline, u.Status)

	// Nothing is ever delivered to the closed connection again.
	b.handleSendMessage(context.Background(), sendRaw(t, models.SendMessagePayload{
		ConversationID: "conv-1",
		Text:           "anyone there?",
	}))
	waitFor(t, b, models.EventNewMessage)
	for payload := range a.send {
		var ev envelope
		require.NoError(t, json.Unmarshal(payload, &ev))
		require.NotEqual(t, models.EventNewMessage, ev.Type)
	}
}

func TestMultiDeviceStaysOnlineUntilLastConnectionCloses(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")

	first := env.connect(t, "alice")
	second := env.connect(t, "alice")

	_, wentOffline := env.hub.unregister(first)
	require.False(t, wentOffline)

	_, wentOffline = env.hub.unregister(second)
	require.True(t, wentOffline)
}

func TestReconnectRebuildsRoomMembership(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")
	env.seedConversation(t, "conv-1", "alice", "bob")

	a := env.connect(t, "alice")
	b := env.connect(t, "bob")

	env.hub.unregister(a)

	// Reconnect: new connection, fresh authenticate. Room membership
	// does not survive the old connection; it is rebuilt here.
	a2 := env.connect(t, "alice")
	require.True(t, env.hub.inRoom(a2, "conv-1"))

	b.handleSendMessage(context.Background(), sendRaw(t, models.SendMessagePayload{
		ConversationID: "conv-1",
		Text:           "welcome back",
	}))
	ev := waitFor(t, a2, models.EventNewMessage)
	var msg models.PopulatedMessage
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	require.Equal(t, "welcome back", msg.Text)
}

func TestSendMessageMalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	a := env.connect(t, "alice")

	a.handleSendMessage(context.Background(), json.RawMessage(`{"conversationId":42}`))

	ev := waitFor(t, a, models.EventError)
	var data models.ErrorData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, "malformed payload", data.Message)
}

func TestReauthenticateUnderNewIdentityUnbindsOld(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")
	env.seedUser(t, "carol", "carol")
	env.seedConversation(t, "conv-1", "alice", "bob")

	watcher := env.connect(t, "carol")
	a := env.connect(t, "alice")

	ev := waitFor(t, watcher, models.EventUserStatusChange)
	var status models.StatusChangeData
	require.NoError(t, json.Unmarshal(ev.Data, &status))
	require.Equal(t, "alice", status.UserID)
	require.Equal(t, models.StatusOnline, status.Status)

	// The same connection authenticates again with a different
	// identity's token. The old binding must not leak: a connection is
	// owned by exactly one identity at a time.
	token, err := env.tokens.Generate("bob", "bob@example.com")
	require.NoError(t, err)
	a.handleAuthenticate(context.Background(), sendRaw(t, models.AuthenticatePayload{Token: token}))

	authEv := waitFor(t, a, models.EventAuthenticated)
	var authData models.AuthenticatedData
	require.NoError(t, json.Unmarshal(authEv.Data, &authData))
	require.Equal(t, "bob", authData.User.ID)

	env.hub.mu.RLock()
	_, aliceBound := env.hub.sessions["alice"]
	bobBound := env.hub.sessions["bob"][a]
	env.hub.mu.RUnlock()
	require.False(t, aliceBound, "old identity binding must be removed")
	require.True(t, bobBound)
	require.True(t, env.hub.inRoom(a, "conv-1"))

	// Peers see alice drop offline, then bob come online.
	ev = waitFor(t, watcher, models.EventUserStatusChange)
	require.NoError(t, json.Unmarshal(ev.Data, &status))
	require.Equal(t, "alice", status.UserID)
	require.Equal(t, models.StatusOffline, status.Status)

	ev = waitFor(t, watcher, models.EventUserStatusChange)
	require.NoError(t, json.Unmarshal(ev.Data, &status))
	require.Equal(t, "bob", status.UserID)
	require.Equal(t, models.StatusOnline, status.Status)

	u, err := env.store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, models.StatusOffline, u.Status)
}

func TestReauthenticateKeepsOldIdentityOnlineWithOtherConnections(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")

	a1 := env.connect(t, "alice")
	_ = env.connect(t, "alice")

	token, err := env.tokens.Generate("bob", "bob@example.com")
	require.NoError(t, err)
	a1.handleAuthenticate(context.Background(), sendRaw(t, models.AuthenticatePayload{Token: token}))
	waitFor(t, a1, models.EventAuthenticated)

	env.hub.mu.RLock()
	aliceConnections := len(env.hub.sessions["alice"])
	env.hub.mu.RUnlock()
	require.Equal(t, 1, aliceConnections)

	u, err := env.store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, models.StatusOnline, u.Status)
}

func TestConversationCreatedJoinsLiveParticipants(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "alice")
	env.seedUser(t, "bob", "bob")

	a := env.connect(t, "alice")
	b := env.connect(t, "bob")

	conv := env.seedConversation(t, "conv-new", "alice", "bob")
	require.NoError(t, env.bus.PublishConversationCreated(context.Background(), conv))

	for _, c := range []*Client{a, b} {
		ev := waitFor(t, c, models.EventConversationCreated)
		var data models.ConversationCreatedData
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		require.Equal(t, "conv-new", data.Conversation.ID)
	}

	// Both connections can use the room immediately, no reconnect.
	a.handleSendMessage(context.Background(), sendRaw(t, models.SendMessagePayload{
		ConversationID: "conv-new",
		Text:           "first",
	}))
	ev := waitFor(t, b, models.EventNewMessage)
	var msg models.PopulatedMessage
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	require.Equal(t, "first", msg.Text)
}
