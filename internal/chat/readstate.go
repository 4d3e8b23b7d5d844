// ABOUTME: Read-state tracking for conversations
// ABOUTME: Marks incoming messages read atomically and publishes read receipts

package chat

import (
	"context"
	"fmt"

	"github.com/2389/murmur/internal/metrics"
	"github.com/2389/murmur/internal/realtime"
	"github.com/2389/murmur/internal/store"
)

// MarkConversationRead marks every unread message addressed to user in the
// conversation as read and returns the ids that changed. message.read is
// published to the conversation channel only when at least one id changed,
// so repeating the call is a silent no-op.
func (s *Service) MarkConversationRead(ctx context.Context, user *store.User, conversationID int64) ([]int64, error) {
	if _, err := s.participantConversation(ctx, user.ID, conversationID); err != nil {
		return nil, err
	}

	ids, err := s.store.MarkRead(ctx, conversationID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("marking read: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	metrics.MessagesRead.Add(float64(len(ids)))
	s.logger.Debug("conversation marked read",
		"conversation_id", conversationID,
		"user_id", user.ID,
		"count", len(ids))

	s.publish(ctx, realtime.EventMessageRead, realtime.ConversationChannel(conversationID),
		realtime.MessageReadPayload{
			ConversationID: conversationID,
			MessageIDs:     ids,
			UserID:         user.ID,
		}, "")

	return ids, nil
}

// UnreadCount returns how many messages in the conversation user has not read.
func (s *Service) UnreadCount(ctx context.Context, user *store.User, conversationID int64) (int, error) {
	if _, err := s.participantConversation(ctx, user.ID, conversationID); err != nil {
		return 0, err
	}

	n, err := s.store.CountUnread(ctx, conversationID, user.ID)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return n, nil
}
