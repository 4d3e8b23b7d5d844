// ABOUTME: Client-side conversation list kept current from message.sent events
// ABOUTME: Updates previews and unread counters and keeps the list ordered by recency

package consumer

import (
	"slices"
	"sync"
	"time"

	"github.com/2389/murmur/internal/chat"
	"github.com/2389/murmur/internal/realtime"
)

// ConversationList is the sidebar state for one viewer.
type ConversationList struct {
	mu       sync.Mutex
	viewerID int64
	items    []chat.ConversationSummary
	format   *chat.Formatter
}

// NewConversationList seeds the list with the server's snapshot.
func NewConversationList(viewerID int64, initial []chat.ConversationSummary, clock Clock) *ConversationList {
	if clock == nil {
		clock = SystemClock()
	}
	l := &ConversationList{
		viewerID: viewerID,
		format:   chat.NewFormatter(time.Local, clock.Now),
	}
	l.Replace(initial)
	return l
}

// Replace swaps in a fresh snapshot, for example after reconnecting.
func (l *ConversationList) Replace(items []chat.ConversationSummary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = slices.Clone(items)
	l.sortLocked()
}

// Items returns a copy of the list in display order.
func (l *ConversationList) Items() []chat.ConversationSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.items)
}

// Get returns the summary for conversationID.
func (l *ConversationList) Get(conversationID int64) (chat.ConversationSummary, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(conversationID); i >= 0 {
		return l.items[i], true
	}
	return chat.ConversationSummary{}, false
}

// ApplyMessageSent folds a message.sent event into the list. openID is the
// conversation currently on screen, or 0. The unread counter grows only for
// messages from someone else in a conversation that is not open. A message
// from another user in a conversation the list has never seen adds it. It
// reports whether the list changed.
func (l *ConversationList) ApplyMessageSent(evt realtime.MessageSentPayload, openID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	mine := evt.SenderID == l.viewerID
	i := l.indexLocked(evt.ConversationID)
	if i < 0 {
		if mine {
			// The other participant is not in the payload.
			return false
		}
		l.items = append(l.items, chat.ConversationSummary{
			ID:        evt.ConversationID,
			OtherUser: chat.UserSummary{ID: evt.Sender.ID, Name: evt.Sender.Name},
		})
		i = len(l.items) - 1
	}

	item := &l.items[i]
	item.LastMessage = &chat.LastMessagePreview{
		Body:      evt.Body,
		CreatedAt: l.previewLabel(evt.CreatedAt),
		IsMine:    mine,
	}
	at := evt.CreatedAt
	item.LastMessageAt = &at
	if openID != 0 {
		active := item.ID == openID
		item.IsActive = &active
	}
	if !mine && item.ID != openID {
		item.UnreadCount++
	}

	l.sortLocked()
	return true
}

// MarkRead zeroes the unread counter of conversationID.
func (l *ConversationList) MarkRead(conversationID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(conversationID); i >= 0 {
		l.items[i].UnreadCount = 0
	}
}

// SetActive flags conversationID as the open conversation.
func (l *ConversationList) SetActive(conversationID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.items {
		active := l.items[i].ID == conversationID
		l.items[i].IsActive = &active
	}
}

// TotalUnread sums the unread counters.
func (l *ConversationList) TotalUnread() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, item := range l.items {
		total += item.UnreadCount
	}
	return total
}

func (l *ConversationList) indexLocked(conversationID int64) int {
	return slices.IndexFunc(l.items, func(c chat.ConversationSummary) bool {
		return c.ID == conversationID
	})
}

// previewLabel shows live updates as HH:MM; unparsable stamps pass through.
func (l *ConversationList) previewLabel(iso string) string {
	t, ok := parseISO(&iso)
	if !ok {
		return iso
	}
	return l.format.TimeLabel(t)
}

// sortLocked orders by lastMessageAt descending. Conversations without
// messages sort as oldest. Equal stamps keep their relative order.
func (l *ConversationList) sortLocked() {
	slices.SortStableFunc(l.items, func(a, b chat.ConversationSummary) int {
		ta, _ := parseISO(a.LastMessageAt)
		tb, _ := parseISO(b.LastMessageAt)
		return tb.Compare(ta)
	})
}

func parseISO(s *string) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
