package store

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"

	"aia-realtime/internal/models"
)

// Memory is a map-backed Store used in standalone mode and in tests.
type Memory struct {
	mu            sync.RWMutex
	users         map[string]models.User
	usersByEmail  map[string]string
	conversations map[string]models.Conversation
	messages      map[string]models.Message
}

func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]models.User),
		usersByEmail:  make(map[string]string),
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string]models.Message),
	}
}

func (s *Memory) CreateUser(_ context.Context, u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByEmail[u.Email]; ok {
		return models.ErrEmailTaken
	}
	s.users[u.ID] = u
	s.usersByEmail[u.Email] = u.ID
	return nil
}

func (s *Memory) GetUser(_ context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	return u, nil
}

func (s *Memory) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	s.mu.RLock()
	id, ok := s.usersByEmail[email]
	s.mu.RUnlock()
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *Memory) SetPresence(_ context.Context, id string, status models.PresenceStatus, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.ErrUserNotFound
	}
	u.Status = status
	u.LastSeen = lastSeen
	s.users[id] = u
	return nil
}

func (s *Memory) CreateConversation(_ context.Context, c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	return nil
}

func (s *Memory) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, models.ErrConversationNotFound
	}
	return c, nil
}

func (s *Memory) ListByParticipant(_ context.Context, userID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := lo.Values(s.conversations)
	return lo.Filter(all, func(c models.Conversation, _ int) bool {
		return c.HasParticipant(userID)
	}), nil
}

func (s *Memory) SetLastMessage(_ context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return models.ErrConversationNotFound
	}
	c.LastMessage = messageID
	s.conversations[conversationID] = c
	return nil
}

func (s *Memory) CreateMessage(_ context.Context, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

func (s *Memory) GetMessage(_ context.Context, id string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return models.Message{}, models.ErrMessageNotFound
	}
	return m, nil
}

func (s *Memory) AddRead(_ context.Context, messageID, userID string) (bool, models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, models.Message{}, models.ErrMessageNotFound
	}
	if m.ReadBySet(userID) {
		return false, m, nil
	}
	m.ReadBy = append(append([]string(nil), m.ReadBy...), userID)
	s.messages[messageID] = m
	return true, m, nil
}
