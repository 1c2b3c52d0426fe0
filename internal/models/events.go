package models

import "github.com/goccy/go-json"

// Client-initiated event types.
const (
	EventAuthenticate = "authenticate"
	EventSendMessage  = "send_message"
	EventMarkAsRead   = "mark_as_read"
	EventTyping       = "typing"
	EventStopTyping   = "stop_typing"
)

// Server-initiated event types.
const (
	EventAuthenticated       = "authenticated"
	EventAuthError           = "auth_error"
	EventError               = "error"
	EventNewMessage          = "new_message"
	EventMessageRead         = "message_read"
	EventUserTyping          = "user_typing"
	EventUserStopTyping      = "user_stop_typing"
	EventUserStatusChange    = "user_status_change"
	EventConversationCreated = "conversation_created"
)

// Event is the wire envelope for both directions.
type Event struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// ClientEvent is the inbound envelope; Data stays raw until the type is
// known and the matching payload can be decoded and validated.
type ClientEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound payloads. Validation tags are enforced at the wire boundary
// before any payload enters the core.

type AuthenticatePayload struct {
	Token string `json:"token" validate:"required"`
}

// SendMessagePayload carries the content union: at least one of the
// content fields must be set.
type SendMessagePayload struct {
	ConversationID string          `json:"conversationId" validate:"required"`
	Text           string          `json:"text,omitempty" validate:"required_without_all=Image Video Audio File"`
	Image          string          `json:"image,omitempty"`
	Video          string          `json:"video,omitempty"`
	Audio          string          `json:"audio,omitempty"`
	File           *FileAttachment `json:"file,omitempty"`
	ReplyTo        string          `json:"replyTo,omitempty"`
}

type MarkAsReadPayload struct {
	MessageID string `json:"messageId" validate:"required"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// Outbound payloads.

type AuthenticatedData struct {
	User User `json:"user"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type MessageReadData struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type TypingData struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type StatusChangeData struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

type ConversationCreatedData struct {
	Conversation Conversation `json:"conversation"`
}

// BroadcastMessage is the routed form of an event travelling from the
// event bus to the hub. Exactly one routing mode applies: Global fans
// out to every authenticated connection, Users targets the connections
// of specific identities, otherwise Room scopes to one conversation.
type BroadcastMessage struct {
	Room           string   `json:"room,omitempty"`
	Global         bool     `json:"global,omitempty"`
	Users          []string `json:"users,omitempty"`
	ExcludeSession string   `json:"excludeSession,omitempty"`
	Payload        []byte   `json:"payload"`
}
