package events

import (
	"context"

	"aia-realtime/internal/models"
)

// Loopback is the single-node bus: published events pass through one
// buffered channel straight to the sink, in publish order.
type Loopback struct {
	ch chan *models.BroadcastMessage
}

func NewLoopback() *Loopback {
	return &Loopback{ch: make(chan *models.BroadcastMessage, 64)}
}

func (l *Loopback) publish(ctx context.Context, msg *models.BroadcastMessage) error {
	select {
	case l.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) PublishNewMessage(ctx context.Context, msg models.PopulatedMessage) error {
	bm, err := newMessageBroadcast(msg)
	if err != nil {
		return err
	}
	return l.publish(ctx, bm)
}

func (l *Loopback) PublishMessageRead(ctx context.Context, conversationID, messageID, userID string) error {
	bm, err := messageReadBroadcast(conversationID, messageID, userID)
	if err != nil {
		return err
	}
	return l.publish(ctx, bm)
}

func (l *Loopback) PublishTyping(ctx context.Context, conversationID, userID, sessionID string, typing bool) error {
	bm, err := typingBroadcast(conversationID, userID, sessionID, typing)
	if err != nil {
		return err
	}
	return l.publish(ctx, bm)
}

func (l *Loopback) PublishStatusChange(ctx context.Context, userID string, status models.PresenceStatus, excludeSession string) error {
	bm, err := statusChangeBroadcast(userID, status, excludeSession)
	if err != nil {
		return err
	}
	return l.publish(ctx, bm)
}

func (l *Loopback) PublishConversationCreated(ctx context.Context, c models.Conversation) error {
	bm, err := conversationCreatedBroadcast(c)
	if err != nil {
		return err
	}
	return l.publish(ctx, bm)
}

func (l *Loopback) Run(ctx context.Context, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-l.ch:
			sink.Deliver(msg)
		}
	}
}
