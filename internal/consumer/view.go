// ABOUTME: State of the open conversation on a client
// ABOUTME: Appends live messages, applies read receipts and expires the remote typing indicator

package consumer

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/murmur/internal/chat"
	"github.com/2389/murmur/internal/realtime"
)

// TypingExpiry is how long a remote typing indicator stays up without a
// fresh user.typing event.
const TypingExpiry = 5 * time.Second

// ReadMarker marks a conversation read on the server.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID int64) error
}

// ConversationView is one open conversation. Close it when the user
// navigates away so its timers stop.
type ConversationView struct {
	conversationID int64
	viewerID       int64
	marker         ReadMarker
	clock          Clock
	format         *chat.Formatter
	logger         *slog.Logger

	mu          sync.Mutex
	messages    []chat.FormattedMessage
	typing      bool
	typingTimer Timer
	typingGen   uint64
	closed      bool
}

// NewConversationView creates the view with the server's message snapshot.
// marker may be nil. Pass nil logger for default.
func NewConversationView(conversationID, viewerID int64, initial []chat.FormattedMessage, marker ReadMarker, clock Clock, logger *slog.Logger) *ConversationView {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &ConversationView{
		conversationID: conversationID,
		viewerID:       viewerID,
		marker:         marker,
		clock:          clock,
		format:         chat.NewFormatter(time.Local, clock.Now),
		logger:         logger.With("component", "conversation_view", "conversation_id", conversationID),
		messages:       slices.Clone(initial),
	}
}

// ConversationID returns the conversation this view shows.
func (v *ConversationView) ConversationID() int64 {
	return v.conversationID
}

// Channel returns the realtime channel for this conversation.
func (v *ConversationView) Channel() string {
	return realtime.ConversationChannel(v.conversationID)
}

// Messages returns a copy of the messages in order.
func (v *ConversationView) Messages() []chat.FormattedMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.messages)
}

// Typing reports whether the other participant is shown as typing.
func (v *ConversationView) Typing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.typing
}

// AppendOwn adds a message the viewer just sent, as returned by the send call.
func (v *ConversationView) AppendOwn(msg chat.FormattedMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.appendLocked(msg)
}

// ApplyMessageSent appends a message belonging to this conversation and
// clears the typing indicator. A message from the other participant is
// marked read through the ReadMarker. It reports whether the message was added.
func (v *ConversationView) ApplyMessageSent(ctx context.Context, evt realtime.MessageSentPayload) bool {
	if evt.ConversationID != v.conversationID {
		return false
	}

	msg := chat.FormattedMessage{
		ID:            evt.ID,
		Body:          evt.Body,
		BodyHTML:      v.format.RenderBody(evt.Body),
		IsMine:        evt.SenderID == v.viewerID,
		IsRead:        evt.IsRead,
		Sender:        evt.Sender,
		CreatedAtFull: evt.CreatedAt,
	}
	if t, ok := parseISO(&evt.CreatedAt); ok {
		msg.CreatedAt = v.format.TimeLabel(t)
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return false
	}
	v.clearTypingLocked()
	added := v.appendLocked(msg)
	v.mu.Unlock()

	if added && !msg.IsMine && v.marker != nil {
		if err := v.marker.MarkRead(ctx, v.conversationID); err != nil {
			v.logger.Warn("marking conversation read", "error", err)
		}
	}
	return added
}

// ApplyMessageRead marks the listed messages read when someone other than
// the viewer read them. It returns how many messages changed.
func (v *ConversationView) ApplyMessageRead(evt realtime.MessageReadPayload) int {
	if evt.ConversationID != v.conversationID || evt.UserID == v.viewerID {
		return 0
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	changed := 0
	for i := range v.messages {
		if !v.messages[i].IsRead && slices.Contains(evt.MessageIDs, v.messages[i].ID) {
			v.messages[i].IsRead = true
			changed++
		}
	}
	return changed
}

// ApplyUserTyping shows the typing indicator for another user and restarts
// its expiry timer. It reports whether the indicator was updated.
func (v *ConversationView) ApplyUserTyping(evt realtime.UserTypingPayload) bool {
	if evt.ConversationID != v.conversationID || evt.UserID == v.viewerID {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}

	v.typing = true
	if v.typingTimer != nil {
		v.typingTimer.Stop()
	}
	v.typingGen++
	gen := v.typingGen
	v.typingTimer = v.clock.AfterFunc(TypingExpiry, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		// A timer stopped too late must not clear a newer indicator.
		if v.typingGen == gen {
			v.typing = false
			v.typingTimer = nil
		}
	})
	return true
}

// Close stops every timer the view owns. Later events are ignored.
func (v *ConversationView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.clearTypingLocked()
}

func (v *ConversationView) clearTypingLocked() {
	v.typing = false
	v.typingGen++
	if v.typingTimer != nil {
		v.typingTimer.Stop()
		v.typingTimer = nil
	}
}

// appendLocked adds msg unless a message with the same id is already shown.
func (v *ConversationView) appendLocked(msg chat.FormattedMessage) bool {
	if slices.ContainsFunc(v.messages, func(m chat.FormattedMessage) bool { return m.ID == msg.ID }) {
		return false
	}
	v.messages = append(v.messages, msg)
	return true
}
