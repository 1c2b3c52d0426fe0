package events

import (
	"context"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"aia-realtime/internal/models"
)

const (
	globalChannel      = "aia:global"
	conversationPrefix = "aia:conversation:"
	channelPattern     = "aia:*"
)

// RedisBus distributes broadcast events across nodes through Redis
// pub/sub. Events published on this node come back through the
// subscription like everyone else's, so local and remote fan-out share
// one delivery path.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) publish(ctx context.Context, msg *models.BroadcastMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	channel := globalChannel
	if !msg.Global && msg.Room != "" {
		channel = conversationPrefix + msg.Room
	}

	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Error("failed to publish event", "channel", channel, "error", err)
		return err
	}
	return nil
}

func (b *RedisBus) PublishNewMessage(ctx context.Context, msg models.PopulatedMessage) error {
	bm, err := newMessageBroadcast(msg)
	if err != nil {
		return err
	}
	return b.publish(ctx, bm)
}

func (b *RedisBus) PublishMessageRead(ctx context.Context, conversationID, messageID, userID string) error {
	bm, err := messageReadBroadcast(conversationID, messageID, userID)
	if err != nil {
		return err
	}
	return b.publish(ctx, bm)
}

func (b *RedisBus) PublishTyping(ctx context.Context, conversationID, userID, sessionID string, typing bool) error {
	bm, err := typingBroadcast(conversationID, userID, sessionID, typing)
	if err != nil {
		return err
	}
	return b.publish(ctx, bm)
}

func (b *RedisBus) PublishStatusChange(ctx context.Context, userID string, status models.PresenceStatus, excludeSession string) error {
	bm, err := statusChangeBroadcast(userID, status, excludeSession)
	if err != nil {
		return err
	}
	return b.publish(ctx, bm)
}

func (b *RedisBus) PublishConversationCreated(ctx context.Context, c models.Conversation) error {
	bm, err := conversationCreatedBroadcast(c)
	if err != nil {
		return err
	}
	return b.publish(ctx, bm)
}

// Run subscribes to all bus channels and feeds incoming events to the
// sink until ctx is done.
func (b *RedisBus) Run(ctx context.Context, sink Sink) {
	pubsub := b.rdb.PSubscribe(ctx, channelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Error("failed to confirm pub/sub subscription", "error", err)
		return
	}

	slog.Info("subscribed to event bus", "pattern", channelPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				slog.Info("pub/sub channel closed")
				return
			}

			var bm models.BroadcastMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				slog.Error("error unmarshaling bus event", "channel", msg.Channel, "error", err)
				continue
			}
			sink.Deliver(&bm)
		}
	}
}
