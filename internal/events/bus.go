// Package events moves broadcast events from their producers to the
// hub. The Redis bus spans every node of the deployment; the loopback
// bus serves standalone mode and tests. Both preserve publish order per
// channel, which is what the per-connection ordering guarantee of
// message fan-out relies on.
package events

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"aia-realtime/internal/models"
)

// Sink receives routed broadcast messages; the hub implements it.
type Sink interface {
	Deliver(msg *models.BroadcastMessage)
}

// Publisher is the producer side of the bus.
type Publisher interface {
	PublishNewMessage(ctx context.Context, msg models.PopulatedMessage) error
	PublishMessageRead(ctx context.Context, conversationID, messageID, userID string) error
	PublishTyping(ctx context.Context, conversationID, userID, sessionID string, typing bool) error
	PublishStatusChange(ctx context.Context, userID string, status models.PresenceStatus, excludeSession string) error
	PublishConversationCreated(ctx context.Context, c models.Conversation) error
}

// Bus is a Publisher with a delivery loop feeding a Sink.
type Bus interface {
	Publisher
	// Run delivers published events to the sink until ctx is done.
	Run(ctx context.Context, sink Sink)
}

func marshalEvent(eventType string, data any) ([]byte, error) {
	return json.Marshal(models.Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	})
}

func newMessageBroadcast(msg models.PopulatedMessage) (*models.BroadcastMessage, error) {
	payload, err := marshalEvent(models.EventNewMessage, msg)
	if err != nil {
		return nil, err
	}
	return &models.BroadcastMessage{Room: msg.ConversationID, Payload: payload}, nil
}

func messageReadBroadcast(conversationID, messageID, userID string) (*models.BroadcastMessage, error) {
	payload, err := marshalEvent(models.EventMessageRead, models.MessageReadData{
		MessageID: messageID,
		UserID:    userID,
	})
	if err != nil {
		return nil, err
	}
	return &models.BroadcastMessage{Room: conversationID, Payload: payload}, nil
}

func typingBroadcast(conversationID, userID, sessionID string, typing bool) (*models.BroadcastMessage, error) {
	eventType := models.EventUserTyping
	if !typing {
		eventType = models.EventUserStopTyping
	}
	payload, err := marshalEvent(eventType, models.TypingData{
		UserID:         userID,
		ConversationID: conversationID,
	})
	if err != nil {
		return nil, err
	}
	return &models.BroadcastMessage{
		Room:           conversationID,
		ExcludeSession: sessionID,
		Payload:        payload,
	}, nil
}

func statusChangeBroadcast(userID string, status models.PresenceStatus, excludeSession string) (*models.BroadcastMessage, error) {
	payload, err := marshalEvent(models.EventUserStatusChange, models.StatusChangeData{
		UserID: userID,
		Status: status,
	})
	if err != nil {
		return nil, err
	}
	return &models.BroadcastMessage{
		Global:         true,
		ExcludeSession: excludeSession,
		Payload:        payload,
	}, nil
}

func conversationCreatedBroadcast(c models.Conversation) (*models.BroadcastMessage, error) {
	payload, err := marshalEvent(models.EventConversationCreated, models.ConversationCreatedData{
		Conversation: c,
	})
	if err != nil {
		return nil, err
	}
	return &models.BroadcastMessage{
		Room:    c.ID,
		Users:   c.Participants,
		Payload: payload,
	}, nil
}
