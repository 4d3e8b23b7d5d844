// ABOUTME: Channel naming for per-user and per-conversation realtime streams
// ABOUTME: Parses channel names and defines the subscribe-time authorization hook

package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidChannel is returned for channel names that are not chat.{id} or conversation.{id}.
var ErrInvalidChannel = errors.New("invalid channel")

// ErrChannelForbidden is returned when a user may not subscribe to a channel.
var ErrChannelForbidden = errors.New("channel forbidden")

const (
	userChannelPrefix         = "chat."
	conversationChannelPrefix = "conversation."
)

// ChannelKind identifies which stream a channel name addresses.
type ChannelKind int

const (
	// ChannelUser is the private chat.{userId} stream.
	ChannelUser ChannelKind = iota + 1
	// ChannelConversation is the conversation.{conversationId} stream.
	ChannelConversation
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelUser:
		return "user"
	case ChannelConversation:
		return "conversation"
	default:
		return "unknown"
	}
}

// UserChannel returns the private channel name for a user.
func UserChannel(userID int64) string {
	return userChannelPrefix + strconv.FormatInt(userID, 10)
}

// ConversationChannel returns the channel name for a conversation.
func ConversationChannel(conversationID int64) string {
	return conversationChannelPrefix + strconv.FormatInt(conversationID, 10)
}

// ParseChannel splits a channel name into its kind and numeric id.
func ParseChannel(name string) (ChannelKind, int64, error) {
	var kind ChannelKind
	var rest string

	switch {
	case strings.HasPrefix(name, userChannelPrefix):
		kind, rest = ChannelUser, strings.TrimPrefix(name, userChannelPrefix)
	case strings.HasPrefix(name, conversationChannelPrefix):
		kind, rest = ChannelConversation, strings.TrimPrefix(name, conversationChannelPrefix)
	default:
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}

	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != rest {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	return kind, id, nil
}

// Authorizer decides whether a user may subscribe to a channel.
// Implementations return nil to allow, or an error wrapping ErrChannelForbidden.
type Authorizer interface {
	AuthorizeChannel(ctx context.Context, userID int64, channel string) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, userID int64, channel string) error

// AuthorizeChannel calls f.
func (f AuthorizerFunc) AuthorizeChannel(ctx context.Context, userID int64, channel string) error {
	return f(ctx, userID, channel)
}
