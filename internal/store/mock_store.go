// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	users         map[int64]*User
	conversations map[int64]*Conversation
	pairIndex     map[[2]int64]int64         // normalized pair -> conversation ID
	messages      map[int64][]*Message       // keyed by conversation ID
	nextUserID    int64
	nextConvID    int64
	nextMessageID int64

	// Now returns the creation timestamp for new rows. Defaults to time.Now.
	Now func() time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[int64]*User),
		conversations: make(map[int64]*Conversation),
		pairIndex:     make(map[[2]int64]int64),
		messages:      make(map[int64][]*Message),
		Now:           time.Now,
	}
}

func (m *MockStore) now() time.Time {
	return m.Now().UTC()
}

// CreateUser stores a new user and assigns its ID.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, user.Email) {
			return ErrDuplicateUser
		}
	}

	m.nextUserID++
	user.ID = m.nextUserID
	if user.CreatedAt.IsZero() {
		user.CreatedAt = m.now()
	}

	// Make a copy to avoid external modification
	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			result := *u
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// GetUsers retrieves the users with the given IDs keyed by ID.
func (m *MockStore) GetUsers(ctx context.Context, ids []int64) (map[int64]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[int64]*User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			c := *u
			result[id] = &c
		}
	}
	return result, nil
}

// SearchUsers matches query against name or email, excluding excludeID.
func (m *MockStore) SearchUsers(ctx context.Context, excludeID int64, query string, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(query)

	var matches []*User
	for _, u := range m.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Name), q) || strings.Contains(strings.ToLower(u.Email), q) {
			c := *u
			matches = append(matches, &c)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		ni, nj := strings.ToLower(matches[i].Name), strings.ToLower(matches[j].Name)
		if ni != nj {
			return ni < nj
		}
		return matches[i].ID < matches[j].ID
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func copyConversation(c *Conversation) *Conversation {
	result := *c
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		result.LastMessageAt = &t
	}
	return &result
}

// FindOrCreateConversation returns the conversation for the unordered pair, creating it if needed.
func (m *MockStore) FindOrCreateConversation(ctx context.Context, userA, userB int64) (*Conversation, error) {
	if userA == userB {
		return nil, ErrSelfConversation
	}
	one, two := NormalizePair(userA, userB)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.pairIndex[[2]int64{one, two}]; ok {
		return copyConversation(m.conversations[id]), nil
	}
	if m.users[one] == nil || m.users[two] == nil {
		return nil, ErrNotFound
	}

	m.nextConvID++
	c := &Conversation{
		ID:        m.nextConvID,
		UserOneID: one,
		UserTwoID: two,
		CreatedAt: m.now(),
	}
	m.conversations[c.ID] = c
	m.pairIndex[[2]int64{one, two}] = c.ID

	return copyConversation(c), nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// GetConversationsForUser lists a user's conversations, most recently active first.
func (m *MockStore) GetConversationsForUser(ctx context.Context, userID int64) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			result = append(result, copyConversation(c))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		switch {
		case a.LastMessageAt == nil && b.LastMessageAt == nil:
			return a.ID > b.ID
		case a.LastMessageAt == nil:
			return false
		case b.LastMessageAt == nil:
			return true
		case !a.LastMessageAt.Equal(*b.LastMessageAt):
			return a.LastMessageAt.After(*b.LastMessageAt)
		default:
			return a.ID > b.ID
		}
	})
	return result, nil
}

// GetMessages retrieves all messages of a conversation in chronological order.
func (m *MockStore) GetMessages(ctx context.Context, conversationID int64) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		c := *msg
		result[i] = &c
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// GetLatestMessage retrieves the newest message of a conversation.
func (m *MockStore) GetLatestMessage(ctx context.Context, conversationID int64) (*Message, error) {
	msgs, err := m.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[len(msgs)-1], nil
}

// CreateMessage stores an unread message and advances the conversation's LastMessageAt.
func (m *MockStore) CreateMessage(ctx context.Context, conversationID, senderID, receiverID int64, body string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	m.nextMessageID++
	msg := &Message{
		ID:             m.nextMessageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Body:           body,
		CreatedAt:      m.now(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)

	if c.LastMessageAt == nil || msg.CreatedAt.After(*c.LastMessageAt) {
		t := msg.CreatedAt
		c.LastMessageAt = &t
	}

	result := *msg
	return &result, nil
}

// MarkRead flips unread messages addressed to userID and returns the changed IDs.
func (m *MockStore) MarkRead(ctx context.Context, conversationID, userID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := []int64{}
	for _, msg := range m.messages[conversationID] {
		if msg.ReceiverID == userID && !msg.IsRead {
			msg.IsRead = true
			ids = append(ids, msg.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// CountUnread counts unread messages addressed to userID in a conversation.
func (m *MockStore) CountUnread(ctx context.Context, conversationID, userID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, msg := range m.messages[conversationID] {
		if msg.ReceiverID == userID && !msg.IsRead {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
