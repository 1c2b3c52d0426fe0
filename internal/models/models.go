// Package models holds the domain types of the messaging core and the
// wire-level event structures exchanged over the websocket.
package models

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

// User is an authenticated identity. PasswordHash is only consulted by
// the login endpoint and never serialized to clients.
type User struct {
	ID           string         `json:"id"`
	Username     string         `json:"username"`
	Email        string         `json:"email"`
	Avatar       string         `json:"avatar,omitempty"`
	Status       PresenceStatus `json:"status"`
	LastSeen     time.Time      `json:"lastSeen"`
	PasswordHash string         `json:"-"`
}

// Profile is the public projection of a User, embedded in broadcast
// messages so receivers can render the sender without another lookup.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

func (u User) Profile() Profile {
	return Profile{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
}

// Conversation is a private or group chat with a fixed participant set.
// The participant set is the authority for every membership check.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []string         `json:"participants"`
	Name         string           `json:"name,omitempty"`
	Avatar       string           `json:"avatar,omitempty"`
	CreatedBy    string           `json:"createdBy"`
	Admins       []string         `json:"admins,omitempty"`
	LastMessage  string           `json:"lastMessage,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// HasParticipant reports whether the user belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// FileAttachment describes a file payload by reference; the bytes live
// in external media storage.
type FileAttachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Message is immutable once created, except for its read-set which only
// ever grows. At least one content field is set.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Text           string          `json:"text,omitempty"`
	Image          string          `json:"image,omitempty"`
	Video          string          `json:"video,omitempty"`
	Audio          string          `json:"audio,omitempty"`
	File           *FileAttachment `json:"file,omitempty"`
	ReplyTo        string          `json:"replyTo,omitempty"`
	ReadBy         []string        `json:"readBy"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ReadBySet reports whether the user is already in the read-set.
func (m Message) ReadBySet(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// PopulatedMessage is the broadcast form of a Message: sender and
// reply-target resolved to display fields.
type PopulatedMessage struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Sender         Profile          `json:"sender"`
	Text           string           `json:"text,omitempty"`
	Image          string           `json:"image,omitempty"`
	Video          string           `json:"video,omitempty"`
	Audio          string           `json:"audio,omitempty"`
	File           *FileAttachment  `json:"file,omitempty"`
	ReplyTo        *MessagePreview  `json:"replyTo,omitempty"`
	ReadBy         []string         `json:"readBy"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// MessagePreview is the reduced form of a reply target.
type MessagePreview struct {
	ID     string  `json:"id"`
	Sender Profile `json:"sender"`
	Text   string  `json:"text,omitempty"`
	Image  string  `json:"image,omitempty"`
}
