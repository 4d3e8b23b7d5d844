// ABOUTME: Messaging service enforcing participant authorization over the conversation store
// ABOUTME: Persists messages first, then publishes realtime events without failing the request

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/murmur/internal/dedupe"
	"github.com/2389/murmur/internal/metrics"
	"github.com/2389/murmur/internal/realtime"
	"github.com/2389/murmur/internal/store"
)

// MaxBodyLength is the longest accepted message body, in characters.
const MaxBodyLength = 5000

const (
	defaultSearchLimit    = 10
	defaultTypingThrottle = time.Second
	typingCacheSize       = 10000
)

// Store is what the service needs from persistence.
type Store interface {
	store.UserStore
	store.ConversationStore
}

type options struct {
	now            func() time.Time
	loc            *time.Location
	typingThrottle time.Duration
	searchLimit    int
}

// Option configures a Service.
type Option func(*options)

// WithClock sets the time source used for relative timestamps and throttling.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLocation sets the time zone for HH:MM message labels.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.loc = loc }
}

// WithTypingThrottle sets the minimum interval between typing broadcasts
// for one user in one conversation. Zero or negative disables throttling.
func WithTypingThrottle(d time.Duration) Option {
	return func(o *options) { o.typingThrottle = d }
}

// WithSearchLimit sets the default cap on user search results.
func WithSearchLimit(n int) Option {
	return func(o *options) { o.searchLimit = n }
}

// Service implements the direct-messaging operations.
type Service struct {
	store       Store
	publisher   realtime.Publisher
	logger      *slog.Logger
	format      *Formatter
	typing      *dedupe.Cache // nil when throttling is disabled
	searchLimit int
}

// New creates a messaging service. publisher may be nil, in which case no
// events are emitted. Pass nil logger for default.
func New(st Store, publisher realtime.Publisher, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	o := options{
		now:            time.Now,
		loc:            time.UTC,
		typingThrottle: defaultTypingThrottle,
		searchLimit:    defaultSearchLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.searchLimit <= 0 {
		o.searchLimit = defaultSearchLimit
	}

	s := &Service{
		store:       st,
		publisher:   publisher,
		logger:      logger.With("component", "chat"),
		format:      NewFormatter(o.loc, o.now),
		searchLimit: o.searchLimit,
	}
	if o.typingThrottle > 0 {
		s.typing = dedupe.New(o.typingThrottle, typingCacheSize, dedupe.WithClock(o.now))
	}
	return s
}

// Close releases background resources.
func (s *Service) Close() {
	if s.typing != nil {
		s.typing.Close()
	}
}

// Formatter exposes the service's view formatter.
func (s *Service) Formatter() *Formatter {
	return s.format
}

// participantConversation loads a conversation and checks that userID is in it.
func (s *Service) participantConversation(ctx context.Context, userID, conversationID int64) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if !conv.HasParticipant(userID) {
		s.logger.Warn("non-participant access denied",
			"user_id", userID,
			"conversation_id", conversationID)
		return nil, ErrUnauthorized
	}
	return conv, nil
}

// publish emits an event. Failures are logged and counted, never returned.
func (s *Service) publish(ctx context.Context, name, channel string, payload any, excludeConnID string) {
	if s.publisher == nil {
		return
	}

	evt, err := realtime.NewEvent(name, channel, payload)
	if err != nil {
		metrics.BroadcastFailures.Inc()
		s.logger.Warn("building event", "event", name, "channel", channel, "error", err)
		return
	}

	if err := s.publisher.Publish(ctx, evt, excludeConnID); err != nil {
		metrics.BroadcastFailures.Inc()
		s.logger.Warn("broadcast failed",
			"event", name,
			"channel", channel,
			"error", err)
	}
}

// ListConversations returns every conversation of viewer, most recently
// active first. When activeID is non-nil each summary's IsActive is set.
func (s *Service) ListConversations(ctx context.Context, viewer *store.User, activeID *int64) ([]ConversationSummary, error) {
	convs, err := s.store.GetConversationsForUser(ctx, viewer.ID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	otherIDs := make([]int64, 0, len(convs))
	for _, c := range convs {
		if other, ok := c.OtherUserID(viewer.ID); ok {
			otherIDs = append(otherIDs, other)
		}
	}
	users, err := s.store.GetUsers(ctx, otherIDs)
	if err != nil {
		return nil, fmt.Errorf("loading participants: %w", err)
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		otherID, _ := c.OtherUserID(viewer.ID)
		other, ok := users[otherID]
		if !ok {
			s.logger.Warn("conversation references missing user",
				"conversation_id", c.ID,
				"user_id", otherID)
			continue
		}

		latest, err := s.store.GetLatestMessage(ctx, c.ID)
		if errors.Is(err, store.ErrNotFound) {
			latest = nil
		} else if err != nil {
			return nil, fmt.Errorf("loading latest message: %w", err)
		}

		unread, err := s.store.CountUnread(ctx, c.ID, viewer.ID)
		if err != nil {
			return nil, fmt.Errorf("counting unread: %w", err)
		}

		summaries = append(summaries, s.format.Conversation(c, viewer.ID, other, latest, unread, activeID))
	}
	return summaries, nil
}

// GetConversation returns the header view of a conversation the viewer participates in.
func (s *Service) GetConversation(ctx context.Context, viewer *store.User, conversationID int64) (*ConversationView, error) {
	conv, err := s.participantConversation(ctx, viewer.ID, conversationID)
	if err != nil {
		return nil, err
	}

	otherID, _ := conv.OtherUserID(viewer.ID)
	other, err := s.store.GetUser(ctx, otherID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading other participant: %w", err)
	}

	return &ConversationView{ID: conv.ID, OtherUser: Summary(other)}, nil
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Service) ListMessages(ctx context.Context, viewer *store.User, conversationID int64) ([]FormattedMessage, error) {
	conv, err := s.participantConversation(ctx, viewer.ID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.listMessages(ctx, conv, viewer.ID)
}

func (s *Service) listMessages(ctx context.Context, conv *store.Conversation, viewerID int64) ([]FormattedMessage, error) {
	msgs, err := s.store.GetMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	users, err := s.store.GetUsers(ctx, []int64{conv.UserOneID, conv.UserTwoID})
	if err != nil {
		return nil, fmt.Errorf("loading participants: %w", err)
	}

	formatted := make([]FormattedMessage, 0, len(msgs))
	for _, m := range msgs {
		sender, ok := users[m.SenderID]
		if !ok {
			sender = &store.User{ID: m.SenderID}
		}
		formatted = append(formatted, s.format.Message(m, viewerID, sender))
	}
	return formatted, nil
}

// OpenedConversation is everything a client needs to render an open conversation.
type OpenedConversation struct {
	Conversation  ConversationView      `json:"conversation"`
	Messages      []FormattedMessage    `json:"messages"`
	Conversations []ConversationSummary `json:"conversations"`
}

// OpenConversation marks the conversation read for viewer, then returns its
// header, messages and the viewer's conversation list with it marked active.
func (s *Service) OpenConversation(ctx context.Context, viewer *store.User, conversationID int64) (*OpenedConversation, error) {
	view, err := s.GetConversation(ctx, viewer, conversationID)
	if err != nil {
		return nil, err
	}

	if _, err := s.MarkConversationRead(ctx, viewer, conversationID); err != nil {
		return nil, err
	}

	messages, err := s.ListMessages(ctx, viewer, conversationID)
	if err != nil {
		return nil, err
	}

	conversations, err := s.ListConversations(ctx, viewer, &conversationID)
	if err != nil {
		return nil, err
	}

	return &OpenedConversation{
		Conversation:  *view,
		Messages:      messages,
		Conversations: conversations,
	}, nil
}

// SendRequest is the input to SendMessage.
type SendRequest struct {
	ReceiverID     int64
	Body           string
	ConversationID *int64
	SocketID       string // originating connection, excluded from the broadcast
}

// SendResult is returned to the sender.
type SendResult struct {
	Message        FormattedMessage `json:"message"`
	ConversationID int64            `json:"conversation_id"`
}

// ValidateBody checks a message body after trimming surrounding whitespace
// and returns the trimmed body.
func ValidateBody(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", invalid("body", "The body field is required.")
	}
	if utf8.RuneCountInString(trimmed) > MaxBodyLength {
		return "", invalid("body", "The body field must not be greater than %d characters.", MaxBodyLength)
	}
	return trimmed, nil
}

// SendMessage validates and persists a message, then publishes message.sent
// to the receiver's and the sender's private channels, skipping the
// originating connection. An explicit conversation is authorized before the
// body is validated. Nothing is persisted or published on failure.
func (s *Service) SendMessage(ctx context.Context, sender *store.User, req SendRequest) (*SendResult, error) {
	var conv *store.Conversation
	if req.ConversationID != nil {
		var err error
		conv, err = s.participantConversation(ctx, sender.ID, *req.ConversationID)
		if err != nil {
			return nil, err
		}
	}

	body, err := ValidateBody(req.Body)
	if err != nil {
		return nil, err
	}

	if req.ReceiverID == sender.ID {
		return nil, invalid("receiver_id", "You cannot send a message to yourself.")
	}
	receiver, err := s.store.GetUser(ctx, req.ReceiverID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalid("receiver_id", "The selected receiver id is invalid.")
	}
	if err != nil {
		return nil, fmt.Errorf("loading receiver: %w", err)
	}

	if conv != nil {
		if other, _ := conv.OtherUserID(sender.ID); other != receiver.ID {
			s.logger.Warn("receiver is not the other participant",
				"sender_id", sender.ID,
				"receiver_id", receiver.ID,
				"conversation_id", conv.ID)
			return nil, ErrUnauthorized
		}
	} else {
		conv, err = s.store.FindOrCreateConversation(ctx, sender.ID, receiver.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalid("receiver_id", "The selected receiver id is invalid.")
		}
		if err != nil {
			return nil, fmt.Errorf("resolving conversation: %w", err)
		}
	}

	msg, err := s.store.CreateMessage(ctx, conv.ID, sender.ID, receiver.ID, body)
	if err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	metrics.MessagesSent.Inc()

	s.logger.Info("message sent",
		"message_id", msg.ID,
		"conversation_id", conv.ID,
		"sender_id", sender.ID,
		"receiver_id", receiver.ID)

	payload := SentPayload(msg, sender)
	s.publish(ctx, realtime.EventMessageSent, realtime.UserChannel(receiver.ID), payload, req.SocketID)
	s.publish(ctx, realtime.EventMessageSent, realtime.UserChannel(sender.ID), payload, req.SocketID)

	return &SendResult{
		Message:        s.format.Message(msg, sender.ID, sender),
		ConversationID: conv.ID,
	}, nil
}

// StartConversation returns the conversation between user and otherUserID,
// creating it if needed.
func (s *Service) StartConversation(ctx context.Context, user *store.User, otherUserID int64) (*store.Conversation, error) {
	if otherUserID == user.ID {
		return nil, fmt.Errorf("%w: cannot start conversation with yourself", ErrInvalidArgument)
	}

	if _, err := s.store.GetUser(ctx, otherUserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}

	conv, err := s.store.FindOrCreateConversation(ctx, user.ID, otherUserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving conversation: %w", err)
	}
	return conv, nil
}

// SearchUsers finds other users by case-insensitive name or email substring.
// A non-positive limit uses the configured default.
func (s *Service) SearchUsers(ctx context.Context, current *store.User, query string, limit int) ([]UserSummary, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, invalid("query", "The query field is required.")
	}
	if limit <= 0 {
		limit = s.searchLimit
	}

	users, err := s.store.SearchUsers(ctx, current.ID, q, limit)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}

	result := make([]UserSummary, 0, len(users))
	for _, u := range users {
		result = append(result, Summary(u))
	}
	return result, nil
}

// SignalTyping publishes user.typing to the conversation channel. Repeated
// signals within the throttle window succeed without publishing.
func (s *Service) SignalTyping(ctx context.Context, user *store.User, conversationID int64, socketID string) error {
	if _, err := s.participantConversation(ctx, user.ID, conversationID); err != nil {
		return err
	}

	if s.typing != nil && !s.typing.Allow(fmt.Sprintf("%d:%d", user.ID, conversationID)) {
		return nil
	}

	s.publish(ctx, realtime.EventUserTyping, realtime.ConversationChannel(conversationID),
		realtime.UserTypingPayload{ConversationID: conversationID, UserID: user.ID}, socketID)
	return nil
}

// AuthorizeChannel implements realtime.Authorizer. A user may subscribe to
// their own chat channel and to conversations they participate in.
func (s *Service) AuthorizeChannel(ctx context.Context, userID int64, channel string) error {
	kind, id, err := realtime.ParseChannel(channel)
	if err != nil {
		return fmt.Errorf("%w: %w", realtime.ErrChannelForbidden, err)
	}

	switch kind {
	case realtime.ChannelUser:
		if id != userID {
			return fmt.Errorf("%w: %s", realtime.ErrChannelForbidden, channel)
		}
		return nil

	case realtime.ChannelConversation:
		conv, err := s.store.GetConversation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", realtime.ErrChannelForbidden, channel)
		}
		if err != nil {
			return fmt.Errorf("loading conversation: %w", err)
		}
		if !conv.HasParticipant(userID) {
			return fmt.Errorf("%w: %s", realtime.ErrChannelForbidden, channel)
		}
		return nil
	}

	return fmt.Errorf("%w: %s", realtime.ErrChannelForbidden, channel)
}
