// ABOUTME: View models and formatting for conversations and messages
// ABOUTME: Renders time labels, humanized previews and Markdown bodies for a given viewer

package chat

import (
	"bytes"
	"html"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/murmur/internal/realtime"
	"github.com/2389/murmur/internal/store"
)

// isoFormat matches the millisecond ISO-8601 form browsers produce.
const isoFormat = "2006-01-02T15:04:05.000Z"

// timeLabelFormat is the short HH:MM label shown next to a message.
const timeLabelFormat = "15:04"

// UserSummary is the public projection of a user.
type UserSummary struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// LastMessagePreview is the conversation-list preview of the newest message.
type LastMessagePreview struct {
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"` // humanized, e.g. "3 minutes ago"
	IsMine    bool   `json:"is_mine"`
}

// ConversationSummary is a conversation as seen by one viewer.
type ConversationSummary struct {
	ID            int64               `json:"id"`
	OtherUser     UserSummary         `json:"other_user"`
	LastMessage   *LastMessagePreview `json:"last_message"`
	LastMessageAt *string             `json:"last_message_at"`
	IsActive      *bool               `json:"is_active"` // nil unless an active conversation was given
	UnreadCount   int                 `json:"unread_count"`
}

// FormattedMessage is a message as seen by one viewer.
type FormattedMessage struct {
	ID            int64               `json:"id"`
	Body          string              `json:"body"`
	BodyHTML      string              `json:"body_html"`
	IsMine        bool                `json:"is_mine"`
	IsRead        bool                `json:"is_read"`
	Sender        realtime.SenderInfo `json:"sender"`
	CreatedAt     string              `json:"created_at"`      // HH:MM in the display time zone
	CreatedAtFull string              `json:"created_at_full"` // ISO-8601 UTC
}

// ConversationView is the header information for an open conversation.
type ConversationView struct {
	ID        int64       `json:"id"`
	OtherUser UserSummary `json:"other_user"`
}

// Formatter turns store records into view models.
type Formatter struct {
	loc *time.Location
	now func() time.Time
	md  goldmark.Markdown
}

// NewFormatter creates a formatter that labels times in loc (UTC when nil).
func NewFormatter(loc *time.Location, now func() time.Time) *Formatter {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Formatter{
		loc: loc,
		now: now,
		// Raw HTML in bodies is omitted by goldmark's default renderer.
		md: goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough)),
	}
}

// TimeLabel formats t as HH:MM in the display zone.
func (f *Formatter) TimeLabel(t time.Time) string {
	return t.In(f.loc).Format(timeLabelFormat)
}

// ISO formats t as ISO-8601 UTC with milliseconds.
func ISO(t time.Time) string {
	return t.UTC().Format(isoFormat)
}

// Relative humanizes t against the formatter's clock.
func (f *Formatter) Relative(t time.Time) string {
	return humanize.RelTime(t, f.now(), "ago", "from now")
}

// RenderBody converts a Markdown body to HTML.
func (f *Formatter) RenderBody(body string) string {
	var buf bytes.Buffer
	if err := f.md.Convert([]byte(body), &buf); err != nil {
		return "<p>" + html.EscapeString(body) + "</p>\n"
	}
	return buf.String()
}

// Summary projects a user.
func Summary(u *store.User) UserSummary {
	return UserSummary{ID: u.ID, Name: u.Name, Email: u.Email}
}

// Message formats msg for viewerID. sender must be the message's sender.
func (f *Formatter) Message(msg *store.Message, viewerID int64, sender *store.User) FormattedMessage {
	return FormattedMessage{
		ID:            msg.ID,
		Body:          msg.Body,
		BodyHTML:      f.RenderBody(msg.Body),
		IsMine:        msg.SenderID == viewerID,
		IsRead:        msg.IsRead,
		Sender:        realtime.SenderInfo{ID: sender.ID, Name: sender.Name},
		CreatedAt:     f.TimeLabel(msg.CreatedAt),
		CreatedAtFull: ISO(msg.CreatedAt),
	}
}

// Conversation builds the summary of conv for viewerID. latest may be nil.
func (f *Formatter) Conversation(conv *store.Conversation, viewerID int64, other *store.User, latest *store.Message, unread int, activeID *int64) ConversationSummary {
	summary := ConversationSummary{
		ID:          conv.ID,
		OtherUser:   Summary(other),
		UnreadCount: unread,
	}

	if latest != nil {
		summary.LastMessage = &LastMessagePreview{
			Body:      latest.Body,
			CreatedAt: f.Relative(latest.CreatedAt),
			IsMine:    latest.SenderID == viewerID,
		}
	}

	if conv.LastMessageAt != nil {
		ts := ISO(*conv.LastMessageAt)
		summary.LastMessageAt = &ts
	}

	if activeID != nil {
		active := conv.ID == *activeID
		summary.IsActive = &active
	}

	return summary
}

// SentPayload builds the message.sent event payload.
func SentPayload(msg *store.Message, sender *store.User) realtime.MessageSentPayload {
	return realtime.MessageSentPayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		IsRead:         msg.IsRead,
		Sender:         realtime.SenderInfo{ID: sender.ID, Name: sender.Name},
		CreatedAt:      ISO(msg.CreatedAt),
	}
}
