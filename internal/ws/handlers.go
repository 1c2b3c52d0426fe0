package ws

import (
	"context"
	"errors"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"aia-realtime/internal/metrics"
	"aia-realtime/internal/models"
)

// handleAuthenticate verifies the token, binds the identity to this
// connection, joins every conversation room the identity belongs to,
// and announces the identity online to all peers. Invoked on every
// authenticate event, so a reconnecting client rebuilds its rooms just
// by re-authenticating.
func (c *Client) handleAuthenticate(ctx context.Context, data json.RawMessage) {
	var payload models.AuthenticatePayload
	if err := c.decode(data, &payload); err != nil {
		c.authError(models.ErrInvalidToken.Error())
		return
	}

	claims, err := c.hub.tokens.Verify(payload.Token)
	if err != nil {
		slog.Warn("token verification failed", "session", c.sessionID, "error", err)
		c.authError(models.ErrInvalidToken.Error())
		return
	}

	user, err := c.hub.store.GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			c.authError(models.ErrIdentityNotFound.Error())
		} else {
			slog.Error("identity lookup failed", "session", c.sessionID, "error", err)
			c.authError("authentication failed")
		}
		return
	}

	conversations, err := c.hub.store.ListByParticipant(ctx, user.ID)
	if err != nil {
		slog.Error("conversation lookup failed", "session", c.sessionID, "user", user.ID, "error", err)
		c.authError("authentication failed")
		return
	}

	now := timeNow()
	if err := c.hub.store.SetPresence(ctx, user.ID, models.StatusOnline, now); err != nil {
		slog.Error("failed to persist online presence", "user", user.ID, "error", err)
		c.authError("authentication failed")
		return
	}
	user.Status = models.StatusOnline
	user.LastSeen = now

	roomIDs := make([]string, 0, len(conversations))
	for _, conv := range conversations {
		roomIDs = append(roomIDs, conv.ID)
	}

	prevOffline := c.hub.register(c, user, roomIDs)
	if prevOffline != "" {
		c.hub.presenceOffline(prevOffline)
	}

	c.sendEvent(models.EventAuthenticated, models.AuthenticatedData{User: user})

	if err := c.hub.bus.PublishStatusChange(ctx, user.ID, models.StatusOnline, c.sessionID); err != nil {
		slog.Error("failed to publish online status", "user", user.ID, "error", err)
	}
}

// handleSendMessage validates authorship and membership, persists the
// message, and hands it to the bus for room fan-out. The sender's own
// connections receive the message through the same broadcast path as
// everyone else's.
func (c *Client) handleSendMessage(ctx context.Context, data json.RawMessage) {
	if !c.authenticated() {
		c.operationError(models.EventSendMessage, models.ErrUnauthenticated.Error())
		return
	}

	var payload models.SendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.operationError(models.EventSendMessage, "malformed payload")
		return
	}
	if err := c.hub.validate.Struct(payload); err != nil {
		if payload.ConversationID == "" {
			c.operationError(models.EventSendMessage, "conversationId required")
		} else {
			c.operationError(models.EventSendMessage, models.ErrEmptyMessage.Error())
		}
		return
	}

	conv, err := c.hub.store.GetConversation(ctx, payload.ConversationID)
	if err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			c.operationError(models.EventSendMessage, models.ErrConversationNotFound.Error())
		} else {
			slog.Error("conversation lookup failed", "session", c.sessionID, "error", err)
			c.operationError(models.EventSendMessage, "failed to send message")
		}
		return
	}
	if !conv.HasParticipant(c.user.ID) {
		c.operationError(models.EventSendMessage, models.ErrNotAMember.Error())
		return
	}

	message := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       c.user.ID,
		Text:           payload.Text,
		Image:          payload.Image,
		Video:          payload.Video,
		Audio:          payload.Audio,
		File:           payload.File,
		ReplyTo:        payload.ReplyTo,
		ReadBy:         []string{c.user.ID},
		CreatedAt:      timeNow().UTC(),
	}

	if err := c.hub.store.CreateMessage(ctx, message); err != nil {
		slog.Error("failed to persist message", "session", c.sessionID, "error", err)
		c.operationError(models.EventSendMessage, "failed to send message")
		return
	}
	if err := c.hub.store.SetLastMessage(ctx, conv.ID, message.ID); err != nil {
		slog.Error("failed to update conversation", "conversation", conv.ID, "error", err)
	}

	populated := c.populate(ctx, message)
	metrics.MessagesSent.Inc()

	if err := c.hub.bus.PublishNewMessage(ctx, populated); err != nil {
		slog.Error("failed to publish message", "message", message.ID, "error", err)
		c.operationError(models.EventSendMessage, "failed to send message")
	}
}

// populate resolves the sender and the optional reply target to their
// display fields. A reply target that no longer resolves is dropped
// rather than failing the send.
func (c *Client) populate(ctx context.Context, m models.Message) models.PopulatedMessage {
	populated := models.PopulatedMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         c.user.Profile(),
		Text:           m.Text,
		Image:          m.Image,
		Video:          m.Video,
		Audio:          m.Audio,
		File:           m.File,
		ReadBy:         m.ReadBy,
		CreatedAt:      m.CreatedAt,
	}

	if m.ReplyTo == "" {
		return populated
	}

	target, err := c.hub.store.GetMessage(ctx, m.ReplyTo)
	if err != nil {
		slog.Warn("reply target not resolved", "message", m.ID, "replyTo", m.ReplyTo, "error", err)
		return populated
	}
	preview := models.MessagePreview{ID: target.ID, Text: target.Text, Image: target.Image}
	if sender, err := c.hub.store.GetUser(ctx, target.SenderID); err == nil {
		preview.Sender = sender.Profile()
	} else {
		preview.Sender = models.Profile{ID: target.SenderID}
	}
	populated.ReplyTo = &preview
	return populated
}

// handleMarkAsRead appends this identity to the message's read-set and
// notifies the room. Marking a message twice is a no-op with no second
// broadcast.
func (c *Client) handleMarkAsRead(ctx context.Context, data json.RawMessage) {
	if !c.authenticated() {
		c.operationError(models.EventMarkAsRead, models.ErrUnauthenticated.Error())
		return
	}

	var payload models.MarkAsReadPayload
	if err := c.decode(data, &payload); err != nil {
		c.operationError(models.EventMarkAsRead, "messageId required")
		return
	}

	message, err := c.hub.store.GetMessage(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, models.ErrMessageNotFound) {
			c.operationError(models.EventMarkAsRead, models.ErrMessageNotFound.Error())
		} else {
			slog.Error("message lookup failed", "session", c.sessionID, "error", err)
			c.operationError(models.EventMarkAsRead, "failed to mark as read")
		}
		return
	}

	// Membership is checked against the store, and fails closed.
	conv, err := c.hub.store.GetConversation(ctx, message.ConversationID)
	if err != nil || !conv.HasParticipant(c.user.ID) {
		c.operationError(models.EventMarkAsRead, models.ErrNotAMember.Error())
		return
	}

	added, _, err := c.hub.store.AddRead(ctx, payload.MessageID, c.user.ID)
	if err != nil {
		slog.Error("failed to persist read state", "message", payload.MessageID, "error", err)
		c.operationError(models.EventMarkAsRead, "failed to mark as read")
		return
	}
	if !added {
		return
	}

	if err := c.hub.bus.PublishMessageRead(ctx, message.ConversationID, payload.MessageID, c.user.ID); err != nil {
		slog.Error("failed to publish read receipt", "message", payload.MessageID, "error", err)
	}
}

// handleTyping forwards a typing signal to the other connections in the
// room. Best-effort and suspension-free: unauthenticated senders and
// rooms this connection has not joined are ignored silently, and a lost
// signal is never retried.
func (c *Client) handleTyping(ctx context.Context, data json.RawMessage, typing bool) {
	if !c.authenticated() {
		return
	}

	var payload models.TypingPayload
	if err := c.decode(data, &payload); err != nil {
		return
	}
	if !c.hub.inRoom(c, payload.ConversationID) {
		return
	}

	if err := c.hub.bus.PublishTyping(ctx, payload.ConversationID, c.user.ID, c.sessionID, typing); err != nil {
		slog.Error("failed to publish typing signal", "conversation", payload.ConversationID, "error", err)
	}
}

// decode unmarshals and validates an inbound payload.
func (c *Client) decode(data json.RawMessage, payload any) error {
	if err := json.Unmarshal(data, payload); err != nil {
		return err
	}
	return c.hub.validate.Struct(payload)
}

func (c *Client) authError(message string) {
	metrics.OperationErrors.WithLabelValues(models.EventAuthenticate).Inc()
	c.sendEvent(models.EventAuthError, models.ErrorData{Message: message})
}

func (c *Client) operationError(eventType, message string) {
	metrics.OperationErrors.WithLabelValues(eventType).Inc()
	c.sendError(message)
}
