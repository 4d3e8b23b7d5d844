// ABOUTME: Store interfaces and data types for murmur persistence
// ABOUTME: Defines User, Conversation, Message and the participant-pair helpers

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when a user with the same email already exists
var ErrDuplicateUser = errors.New("user already exists")

// ErrSelfConversation is returned when both participants of a conversation are the same user
var ErrSelfConversation = errors.New("conversation requires two distinct users")

// User is the externally owned identity referenced by conversations and messages.
type User struct {
	ID           int64
	Name         string
	Email        string
	PasswordHash string // bcrypt hash, empty for users that cannot log in
	CreatedAt    time.Time
}

// Conversation is a direct-message thread between exactly two users.
// UserOneID is always the smaller of the two ids.
type Conversation struct {
	ID            int64
	UserOneID     int64
	UserTwoID     int64
	LastMessageAt *time.Time // nil until the first message is created
	CreatedAt     time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID int64) bool {
	return c.UserOneID == userID || c.UserTwoID == userID
}

// OtherUserID returns the participant that is not userID.
// The second return value is false if userID is not a participant.
func (c *Conversation) OtherUserID(userID int64) (int64, bool) {
	switch userID {
	case c.UserOneID:
		return c.UserTwoID, true
	case c.UserTwoID:
		return c.UserOneID, true
	default:
		return 0, false
	}
}

// NormalizePair orders a participant pair ascending so (a, b) and (b, a)
// address the same conversation row.
func NormalizePair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// Message is a single direct message. IsRead only ever moves false -> true.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	ReceiverID     int64
	Body           string
	IsRead         bool
	CreatedAt      time.Time
}

// UserStore defines the user lookups the chat core needs from the identity store.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUsers(ctx context.Context, ids []int64) (map[int64]*User, error)
	// SearchUsers matches query case-insensitively against name or email,
	// never returning excludeID, ordered by name.
	SearchUsers(ctx context.Context, excludeID int64, query string, limit int) ([]*User, error)
}

// ConversationStore defines conversation and message persistence.
type ConversationStore interface {
	// FindOrCreateConversation returns the single conversation for the unordered
	// pair, creating it if needed. Concurrent first-time calls converge on one row.
	// Returns ErrNotFound when either user does not exist.
	FindOrCreateConversation(ctx context.Context, userA, userB int64) (*Conversation, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	// GetConversationsForUser orders by last_message_at descending, never-messaged last.
	GetConversationsForUser(ctx context.Context, userID int64) ([]*Conversation, error)

	// GetMessages returns messages in chronological order, ties broken by id.
	GetMessages(ctx context.Context, conversationID int64) ([]*Message, error)
	GetLatestMessage(ctx context.Context, conversationID int64) (*Message, error)
	// CreateMessage persists an unread message and advances the conversation's
	// last_message_at to the message's created_at in the same transaction.
	CreateMessage(ctx context.Context, conversationID, senderID, receiverID int64, body string) (*Message, error)

	// MarkRead flips every unread message addressed to userID and returns exactly
	// the ids that changed, ascending. A second call returns an empty slice.
	MarkRead(ctx context.Context, conversationID, userID int64) ([]int64, error)
	CountUnread(ctx context.Context, conversationID, userID int64) (int, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	UserStore
	ConversationStore

	// Close releases any resources held by the store
	Close() error
}
