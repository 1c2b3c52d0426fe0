package models

import "errors"

// Failure classes of connection-scoped operations. Every failure is
// reported back to the originating connection only; none are fatal to
// the process.
var (
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrIdentityNotFound     = errors.New("identity not found")
	ErrUnauthenticated      = errors.New("not authenticated")
	ErrNotAMember           = errors.New("not a participant of this conversation")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrEmptyMessage         = errors.New("message has no content")
	ErrEmailTaken           = errors.New("email already registered")
	ErrInvalidCredentials   = errors.New("invalid email or password")
)
