package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"aia-realtime/internal/models"
)

// Redis stores each document as a JSON value under a typed key and keeps
// a set index per user for conversation membership lookups.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to Redis and pings it so a bad URL fails at startup,
// not on first use.
func NewRedis(redisURL string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	slog.Info("connected to Redis", "addr", opt.Addr)
	return &Redis{rdb: rdb}, nil
}

// Client exposes the underlying connection for the pub/sub bridge.
func (s *Redis) Client() *redis.Client { return s.rdb }

func (s *Redis) Close() error { return s.rdb.Close() }

func userKey(id string) string          { return "user:" + id }
func userEmailKey(email string) string  { return "user:email:" + email }
func userConversationsKey(id string) string {
	return "user:" + id + ":conversations"
}
func conversationKey(id string) string { return "conversation:" + id }
func messageKey(id string) string      { return "message:" + id }

func (s *Redis) setJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, b, 0).Err()
}

func (s *Redis) getJSON(ctx context.Context, key string, v any, notFound error) error {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return notFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (s *Redis) CreateUser(ctx context.Context, u models.User) error {
	ok, err := s.rdb.SetNX(ctx, userEmailKey(u.Email), u.ID, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrEmailTaken
	}
	return s.setJSON(ctx, userKey(u.ID), u)
}

func (s *Redis) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := s.getJSON(ctx, userKey(id), &u, models.ErrUserNotFound)
	return u, err
}

func (s *Redis) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	id, err := s.rdb.Get(ctx, userEmailKey(email)).Result()
	if err == redis.Nil {
		return models.User{}, models.ErrUserNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	return s.GetUser(ctx, id)
}

func (s *Redis) SetPresence(ctx context.Context, id string, status models.PresenceStatus, lastSeen time.Time) error {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	u.Status = status
	u.LastSeen = lastSeen
	return s.setJSON(ctx, userKey(id), u)
}

func (s *Redis) CreateConversation(ctx context.Context, c models.Conversation) error {
	if err := s.setJSON(ctx, conversationKey(c.ID), c); err != nil {
		return err
	}
	for _, p := range c.Participants {
		if err := s.rdb.SAdd(ctx, userConversationsKey(p), c.ID).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Redis) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var c models.Conversation
	err := s.getJSON(ctx, conversationKey(id), &c, models.ErrConversationNotFound)
	return c, err
}

func (s *Redis) ListByParticipant(ctx context.Context, userID string) ([]models.Conversation, error) {
	ids, err := s.rdb.SMembers(ctx, userConversationsKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	conversations := make([]models.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetConversation(ctx, id)
		if err == models.ErrConversationNotFound {
			// Stale index entry; skip rather than fail the join.
			continue
		}
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, nil
}

func (s *Redis) SetLastMessage(ctx context.Context, conversationID, messageID string) error {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	c.LastMessage = messageID
	return s.setJSON(ctx, conversationKey(conversationID), c)
}

func (s *Redis) CreateMessage(ctx context.Context, m models.Message) error {
	return s.setJSON(ctx, messageKey(m.ID), m)
}

func (s *Redis) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var m models.Message
	err := s.getJSON(ctx, messageKey(id), &m, models.ErrMessageNotFound)
	return m, err
}

// AddRead grows the read-set under an optimistic WATCH on the message
// key, so two nodes marking the same message concurrently cannot both
// observe growth and double-broadcast the receipt.
func (s *Redis) AddRead(ctx context.Context, messageID, userID string) (bool, models.Message, error) {
	key := messageKey(messageID)

	var (
		added bool
		m     models.Message
	)
	txf := func(tx *redis.Tx) error {
		added = false
		m = models.Message{}

		b, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return models.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		if m.ReadBySet(userID) {
			return nil
		}

		m.ReadBy = append(m.ReadBy, userID)
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			added = true
		}
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			// Lost the race; re-read and retry.
			continue
		}
		if err != nil {
			return false, models.Message{}, err
		}
		return added, m, nil
	}
	return false, models.Message{}, redis.TxFailedErr
}
