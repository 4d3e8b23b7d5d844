// ABOUTME: Realtime event envelope and the wire payloads for chat events
// ABOUTME: Shared by the server-side publishers and the client consumer

package realtime

import (
	"encoding/json"
	"fmt"
)

// Event names delivered on chat channels.
const (
	EventMessageSent = "message.sent"
	EventMessageRead = "message.read"
	EventUserTyping  = "user.typing"
)

// Control event names exchanged with WebSocket clients.
const (
	EventConnectionEstablished = "connection.established"
	EventSubscriptionSucceeded = "subscription.succeeded"
	EventSubscriptionError     = "subscription.error"
)

// Event is a named payload addressed to a channel.
type Event struct {
	Name    string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an Event for channel.
func NewEvent(name, channel string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s payload: %w", name, err)
	}
	return Event{Name: name, Channel: channel, Payload: data}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Name, err)
	}
	return nil
}

// SenderInfo identifies the author of a message.
type SenderInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// MessageSentPayload is the data of a message.sent event.
type MessageSentPayload struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	SenderID       int64      `json:"sender_id"`
	Body           string     `json:"body"`
	IsRead         bool       `json:"is_read"`
	Sender         SenderInfo `json:"sender"`
	CreatedAt      string     `json:"created_at"`
}

// MessageReadPayload is the data of a message.read event.
type MessageReadPayload struct {
	ConversationID int64   `json:"conversation_id"`
	MessageIDs     []int64 `json:"message_ids"`
	UserID         int64   `json:"user_id"`
}

// UserTypingPayload is the data of a user.typing event.
type UserTypingPayload struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
}

// ConnectionEstablishedPayload announces the connection id to a new socket.
type ConnectionEstablishedPayload struct {
	SocketID string `json:"socket_id"`
}

// SubscriptionErrorPayload explains a rejected subscription.
type SubscriptionErrorPayload struct {
	Error string `json:"error"`
}

// ClientMessage is a control frame sent by a WebSocket client.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)
