// Package store defines the durable store contract the messaging core
// depends on, plus a Redis-backed implementation and an in-memory one
// for standalone mode and tests. Documents are addressed by opaque ids;
// the core never assumes anything about the backing schema.
package store

import (
	"context"
	"time"

	"aia-realtime/internal/models"
)

type UserStore interface {
	CreateUser(ctx context.Context, u models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	// SetPresence updates status and last-seen on connect/disconnect.
	SetPresence(ctx context.Context, id string, status models.PresenceStatus, lastSeen time.Time) error
}

type ConversationStore interface {
	CreateConversation(ctx context.Context, c models.Conversation) error
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	// ListByParticipant returns every conversation the user belongs to.
	ListByParticipant(ctx context.Context, userID string) ([]models.Conversation, error)
	SetLastMessage(ctx context.Context, conversationID, messageID string) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m models.Message) error
	GetMessage(ctx context.Context, id string) (models.Message, error)
	// AddRead appends the user to the message's read-set. It reports
	// whether the set actually grew, so callers can keep read-receipt
	// broadcasts idempotent. The read-set never shrinks.
	AddRead(ctx context.Context, messageID, userID string) (bool, models.Message, error)
}

// Store bundles the three collections; both implementations satisfy it.
type Store interface {
	UserStore
	ConversationStore
	MessageStore
}
