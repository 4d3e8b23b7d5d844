// ABOUTME: Behavioural tests shared by every Store implementation
// ABOUTME: Covers pair normalization, ordering, mark-read idempotency and user search

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MockStore)(nil)
)

// stepClock returns a time source that advances one second per call so
// ordering assertions never depend on wall-clock resolution.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newStepClock() *stepClock {
	return &stepClock{cur: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

// storeFactory builds a fresh, empty store that reads time from now.
type storeFactory func(t *testing.T, now func() time.Time) Store

func createUsers(t *testing.T, s Store, names ...string) []*User {
	t.Helper()
	users := make([]*User, 0, len(names))
	for _, name := range names {
		u := &User{Name: name, Email: fmt.Sprintf("%s@example.com", name)}
		require.NoError(t, s.CreateUser(context.Background(), u))
		require.NotZero(t, u.ID)
		users = append(users, u)
	}
	return users
}

func runStoreTests(t *testing.T, newStore storeFactory) {
	t.Run("CreateUser_Duplicate", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		ctx := context.Background()

		require.NoError(t, s.CreateUser(ctx, &User{Name: "Alice", Email: "alice@example.com"}))
		err := s.CreateUser(ctx, &User{Name: "Alice 2", Email: "alice@example.com"})
		assert.ErrorIs(t, err, ErrDuplicateUser)
	})

	t.Run("CreateUser_DuplicateCaseInsensitive", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		ctx := context.Background()

		require.NoError(t, s.CreateUser(ctx, &User{Name: "Alice", Email: "alice@example.com"}))
		err := s.CreateUser(ctx, &User{Name: "Other Alice", Email: "ALICE@Example.com"})
		assert.ErrorIs(t, err, ErrDuplicateUser)

		require.NoError(t, s.CreateUser(ctx, &User{Name: "Élodie", Email: "élodie@example.com"}))
		err = s.CreateUser(ctx, &User{Name: "Élodie 2", Email: "ÉLODIE@example.com"})
		assert.ErrorIs(t, err, ErrDuplicateUser)
	})

	t.Run("GetUser_NotFound", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		_, err := s.GetUser(context.Background(), 999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("GetUserByEmail_CaseInsensitive", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		users := createUsers(t, s, "alice")

		got, err := s.GetUserByEmail(context.Background(), "ALICE@example.com")
		require.NoError(t, err)
		assert.Equal(t, users[0].ID, got.ID)
	})

	t.Run("GetUsers_SkipsUnknown", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		users := createUsers(t, s, "alice", "bob")

		got, err := s.GetUsers(context.Background(), []int64{users[0].ID, users[1].ID, 999})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, "bob", got[users[1].ID].Name)

		empty, err := s.GetUsers(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("FindOrCreateConversation_NormalizesPair", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		ctx := context.Background()
		users := createUsers(t, s, "alice", "bob")
		alice, bob := users[0], users[1]

		c1, err := s.FindOrCreateConversation(ctx, bob.ID, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, alice.ID, c1.UserOneID)
		assert.Equal(t, bob.ID, c1.UserTwoID)
		assert.Nil(t, c1.LastMessageAt)

		c2, err := s.FindOrCreateConversation(ctx, alice.ID, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, c1.ID, c2.ID)

		list, err := s.GetConversationsForUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("FindOrCreateConversation_Self", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		users := createUsers(t, s, "alice")

		_, err := s.FindOrCreateConversation(context.Background(), users[0].ID, users[0].ID)
		assert.ErrorIs(t, err, ErrSelfConversation)
	})

	t.Run("FindOrCreateConversation_UnknownUser", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		users := createUsers(t, s, "alice")

		_, err := s.FindOrCreateConversation(context.Background(), users[0].ID, 4242)
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := s.GetConversationsForUser(context.Background(), users[0].ID)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("FindOrCreateConversation_Concurrent", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		ctx := context.Background()
		users := createUsers(t, s, "alice", "bob")

		const workers = 8
		ids := make([]int64, workers)
		errs := make([]error, workers)

		var wg sync.WaitGroup
		for i := range workers {
			wg.Go(func() {
				a, b := users[0].ID, users[1].ID
				if i%2 == 1 {
					a, b = b, a
				}
				c, err := s.FindOrCreateConversation(ctx, a, b)
				errs[i] = err
				if err == nil {
					ids[i] = c.ID
				}
			})
		}
		wg.Wait()

		for i := range workers {
			require.NoError(t, errs[i])
			assert.Equal(t, ids[0], ids[i])
		}

		list, err := s.GetConversationsForUser(ctx, users[0].ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("GetConversation_NotFound", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		_, err := s.GetConversation(context.Background(), 12345)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateMessage_UpdatesLastMessageAt", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		ctx := context.Background()
		users := createUsers(t, s, "alice", "bob")

		conv, err := s.FindOrCreateConversation(ctx, users[0].ID, users[1].ID)
		require.NoError(t, err)

		msg, err := s.CreateMessage(ctx, conv.ID, users[0].ID, users[1].ID, "hi bob")
		require.NoError(t, err)
		assert.NotZero(t, msg.ID)
		assert.False(t, msg.IsRead)
		assert.Equal(t, "hi bob", msg.Body)

		reloaded, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		require.NotNil(t, reloaded.LastMessageAt)
		assert.True(t, msg.CreatedAt.Equal(*reloaded.LastMessageAt))
	})

	t.Run("CreateMessage_LastMessageAtNeverMovesBackwards", func(t *testing.T) {
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		var mu sync.Mutex
		current := base
		now := func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return current
		}
		setNow := func(ts time.Time) {
			mu.Lock()
			defer mu.Unlock()
			current = ts
		}

		s := newStore(t, now)
		ctx := context.Background()
		users := createUsers(t, s, "alice", "bob")

		conv, err := s.FindOrCreateConversation(ctx, users[0].ID, users[1].ID)
		require.NoError(t, err)

		setNow(base.Add(time.Minute))
		later, err := s.CreateMessage(ctx, conv.ID, users[0].ID, users[1].ID, "committed first")
		require.NoError(t, err)

		setNow(base.Add(30 * time.Second))
		_, err = s.CreateMessage(ctx, conv.ID, users[1].ID, users[0].ID, "stamped earlier")
		require.NoError(t, err)

		reloaded, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		require.NotNil(t, reloaded.LastMessageAt)
		assert.True(t, later.CreatedAt.Equal(*reloaded.LastMessageAt),
			"last_message_at = %v, want %v", *reloaded.LastMessageAt, later.CreatedAt)
	})

	t.Run("CreateMessage_UnknownConversation", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		users := createUsers(t, s, "alice", "bob")

		_, err := s.CreateMessage(context.Background(), 4242, users[0].ID, users[1].ID, "hello")
		assert.Error(t, err)
	})

	t.Run("GetMessages_Chronological", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		ctx := context.Background()
		users := createUsers(t, s, "alice", "bob")
		a, b := users[0].ID, users[1].ID

		conv, err := s.FindOrCreateConversation(ctx, a, b)
		require.NoError(t, err)

		for i := range 5 {
			from, to := a, b
			if i%2 == 1 {
				from, to = b, a
			}
			_, err := s.CreateMessage(ctx, conv.ID, from, to, fmt.Sprintf("msg %d", i))
			require.NoError(t, err)
		}

		msgs, err := s.GetMessages(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 5)
		for i, m := range msgs {
			assert.Equal(t, fmt.Sprintf("msg %d", i), m.Body)
			if i > 0 {
				assert.False(t, m.CreatedAt.Before(msgs[i-1].CreatedAt))
			}
		}

		latest, err := s.GetLatestMessage(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "msg 4", latest.Body)
	})

	t.Run("GetLatestMessage_Empty", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		ctx := context.Background()
		users := createUsers(t, s, "alice", "bob")

		conv, err := s.FindOrCreateConversation(ctx, users[0].ID, users[1].ID)
		require.NoError(t, err)

		_, err = s.GetLatestMessage(ctx, conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("GetConversationsForUser_Ordering", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		ctx := context.Background()
		users := createUsers(t, s, "alice", "bob", "charlie", "dave")
		alice, bob, charlie, dave := users[0], users[1], users[2], users[3]

		withBob, err := s.FindOrCreateConversation(ctx, alice.ID, bob.ID)
		require.NoError(t, err)
		withCharlie, err := s.FindOrCreateConversation(ctx, alice.ID, charlie.ID)
		require.NoError(t, err)
		withDave, err := s.FindOrCreateConversation(ctx, alice.ID, dave.ID)
		require.NoError(t, err)

		_, err = s.CreateMessage(ctx, withCharlie.ID, charlie.ID, alice.ID, "first")
		require.NoError(t, err)
		_, err = s.CreateMessage(ctx, withBob.ID, alice.ID, bob.ID, "second")
		require.NoError(t, err)

		list, err := s.GetConversationsForUser(ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, withBob.ID, list[0].ID)
		assert.Equal(t, withCharlie.ID, list[1].ID)
		assert.Equal(t, withDave.ID, list[2].ID, "never-messaged conversation sorts last")

		bobList, err := s.GetConversationsForUser(ctx, bob.ID)
		require.NoError(t, err)
		require.Len(t, bobList, 1)
		assert.Equal(t, withBob.ID, bobList[0].ID)
	})

	t.Run("MarkRead_Idempotent", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		ctx := context.Background()
		users := createUsers(t, s, "alice", "bob")
		a, b := users[0].ID, users[1].ID

		conv, err := s.FindOrCreateConversation(ctx, a, b)
		require.NoError(t, err)

		m1, err := s.CreateMessage(ctx, conv.ID, a, b, "one")
		require.NoError(t, err)
		m2, err := s.CreateMessage(ctx, conv.ID, a, b, "two")
		require.NoError(t, err)
		_, err = s.CreateMessage(ctx, conv.ID, b, a, "reply")
		require.NoError(t, err)

		unread, err := s.CountUnread(ctx, conv.ID, b)
		require.NoError(t, err)
		assert.Equal(t, 2, unread)

		ids, err := s.MarkRead(ctx, conv.ID, b)
		require.NoError(t, err)
		assert.Equal(t, []int64{m1.ID, m2.ID}, ids)

		again, err := s.MarkRead(ctx, conv.ID, b)
		require.NoError(t, err)
		assert.NotNil(t, again)
		assert.Empty(t, again)

		unread, err = s.CountUnread(ctx, conv.ID, b)
		require.NoError(t, err)
		assert.Zero(t, unread)

		// Alice's incoming reply is untouched by Bob's read.
		unread, err = s.CountUnread(ctx, conv.ID, a)
		require.NoError(t, err)
		assert.Equal(t, 1, unread)

		msgs, err := s.GetMessages(ctx, conv.ID)
		require.NoError(t, err)
		for _, m := range msgs {
			assert.Equal(t, m.ReceiverID == b, m.IsRead, "message %d", m.ID)
		}
	})

	t.Run("MarkRead_ConcurrentCallersPartitionIDs", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		ctx := context.Background()
		users := createUsers(t, s, "alice", "bob")
		a, b := users[0].ID, users[1].ID

		conv, err := s.FindOrCreateConversation(ctx, a, b)
		require.NoError(t, err)
		for i := range 10 {
			_, err := s.CreateMessage(ctx, conv.ID, a, b, fmt.Sprintf("m%d", i))
			require.NoError(t, err)
		}

		const workers = 4
		results := make([][]int64, workers)
		var wg sync.WaitGroup
		for i := range workers {
			wg.Go(func() {
				ids, err := s.MarkRead(ctx, conv.ID, b)
				assert.NoError(t, err)
				results[i] = ids
			})
		}
		wg.Wait()

		seen := make(map[int64]bool)
		for _, ids := range results {
			for _, id := range ids {
				assert.False(t, seen[id], "id %d reported twice", id)
				seen[id] = true
			}
		}
		assert.Len(t, seen, 10)
	})

	t.Run("SearchUsers", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		ctx := context.Background()
		users := createUsers(t, s, "alice", "bob", "alicia", "charlie")

		got, err := s.SearchUsers(ctx, users[1].ID, "ALI", 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "alice", got[0].Name)
		assert.Equal(t, "alicia", got[1].Name)

		got, err = s.SearchUsers(ctx, users[0].ID, "ali", 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "alicia", got[0].Name)

		// Matches on email too.
		got, err = s.SearchUsers(ctx, 0, "example.com", 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		// Wildcards are literal.
		got, err = s.SearchUsers(ctx, 0, "%", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("SearchUsers_NonASCIICaseInsensitive", func(t *testing.T) {
		s := newStore(t, newStepClock().Now)
		ctx := context.Background()
		me := createUsers(t, s, "me")[0]

		elodie := &User{Name: "ÉLODIE Ünal", Email: "elodie@example.com"}
		require.NoError(t, s.CreateUser(ctx, elodie))

		for _, query := range []string{"élodie", "ÜNAL", "odie ün"} {
			got, err := s.SearchUsers(ctx, me.ID, query, 10)
			require.NoError(t, err)
			require.Len(t, got, 1, "query %q", query)
			assert.Equal(t, elodie.ID, got[0].ID)
		}

		got, err := s.GetUserByEmail(ctx, "ELODIE@EXAMPLE.COM")
		require.NoError(t, err)
		assert.Equal(t, elodie.ID, got.ID)
	})
}

func TestMockStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T, now func() time.Time) Store {
		s := NewMockStore()
		s.Now = now
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T, now func() time.Time) Store {
		s := newTestSQLiteStore(t)
		s.now = now
		return s
	})
}

func TestNormalizePair(t *testing.T) {
	tests := []struct {
		a, b         int64
		wantA, wantB int64
	}{
		{1, 2, 1, 2},
		{2, 1, 1, 2},
		{7, 7, 7, 7},
	}

	for _, tt := range tests {
		a, b := NormalizePair(tt.a, tt.b)
		assert.Equal(t, tt.wantA, a)
		assert.Equal(t, tt.wantB, b)
	}
}

func TestConversation_OtherUserID(t *testing.T) {
	c := &Conversation{UserOneID: 3, UserTwoID: 9}

	other, ok := c.OtherUserID(3)
	assert.True(t, ok)
	assert.Equal(t, int64(9), other)

	other, ok = c.OtherUserID(9)
	assert.True(t, ok)
	assert.Equal(t, int64(3), other)

	_, ok = c.OtherUserID(4)
	assert.False(t, ok)

	assert.True(t, c.HasParticipant(3))
	assert.False(t, c.HasParticipant(4))
}
