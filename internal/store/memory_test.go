package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"aia-realtime/internal/models"
)

func TestMemoryUserLifecycle(t *testing.T) {
	req := require.New(t)
	s := NewMemory()
	ctx := context.Background()

	u := models.User{ID: "u1", Username: "alice", Email: "alice@example.com", Status: models.StatusOffline}
	req.NoError(s.CreateUser(ctx, u))
	req.ErrorIs(s.CreateUser(ctx, models.User{ID: "u2", Email: "alice@example.com"}), models.ErrEmailTaken)

	got, err := s.GetUserByEmail(ctx, "alice@example.com")
	req.NoError(err)
	req.Equal("u1", got.ID)

	_, err = s.GetUser(ctx, "missing")
	req.ErrorIs(err, models.ErrUserNotFound)

	now := time.Now().UTC()
	req.NoError(s.SetPresence(ctx, "u1", models.StatusOnline, now))
	got, err = s.GetUser(ctx, "u1")
	req.NoError(err)
	req.Equal(models.StatusOnline, got.Status)
	req.Equal(now, got.LastSeen)
}

func TestMemoryListByParticipant(t *testing.T) {
	req := require.New(t)
	s := NewMemory()
	ctx := context.Background()

	req.NoError(s.CreateConversation(ctx, models.Conversation{ID: "c1", Participants: []string{"a", "b"}}))
	req.NoError(s.CreateConversation(ctx, models.Conversation{ID: "c2", Participants: []string{"a", "c"}}))
	req.NoError(s.CreateConversation(ctx, models.Conversation{ID: "c3", Participants: []string{"b", "c"}}))

	convs, err := s.ListByParticipant(ctx, "a")
	req.NoError(err)
	req.Len(convs, 2)

	convs, err = s.ListByParticipant(ctx, "nobody")
	req.NoError(err)
	req.Empty(convs)
}

func TestMemoryAddReadIsIdempotentAndMonotonic(t *testing.T) {
	req := require.New(t)
	s := NewMemory()
	ctx := context.Background()

	m := models.Message{ID: "m1", ConversationID: "c1", SenderID: "a", Text: "hi", ReadBy: []string{"a"}}
	req.NoError(s.CreateMessage(ctx, m))

	added, got, err := s.AddRead(ctx, "m1", "b")
	req.NoError(err)
	req.True(added)
	req.ElementsMatch([]string{"a", "b"}, got.ReadBy)

	added, got, err = s.AddRead(ctx, "m1", "b")
	req.NoError(err)
	req.False(added)
	req.Len(got.ReadBy, 2)

	// The sender is already in the read-set from creation.
	added, _, err = s.AddRead(ctx, "m1", "a")
	req.NoError(err)
	req.False(added)

	_, _, err = s.AddRead(ctx, "missing", "b")
	req.ErrorIs(err, models.ErrMessageNotFound)
}

func TestMemorySetLastMessage(t *testing.T) {
	req := require.New(t)
	s := NewMemory()
	ctx := context.Background()

	req.NoError(s.CreateConversation(ctx, models.Conversation{ID: "c1", Participants: []string{"a", "b"}}))
	req.NoError(s.SetLastMessage(ctx, "c1", "m9"))

	c, err := s.GetConversation(ctx, "c1")
	req.NoError(err)
	req.Equal("m9", c.LastMessage)

	req.ErrorIs(s.SetLastMessage(ctx, "missing", "m9"), models.ErrConversationNotFound)
}
