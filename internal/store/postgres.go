// ABOUTME: PostgreSQL implementation of the Store interface using pgx connection pooling
// ABOUTME: Mirrors SQLiteStore semantics with timestamptz columns and ON CONFLICT handling

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLSTATE codes the store translates into sentinel errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore connects to databaseURL, verifies the connection and
// creates the schema if needed.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger, now: time.Now}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("PostgreSQL store initialized", "url", redactURL(databaseURL))
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id            BIGSERIAL PRIMARY KEY,
			name          TEXT NOT NULL,
			email         TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email_lower ON users (LOWER(email));

		CREATE TABLE IF NOT EXISTS conversations (
			id              BIGSERIAL PRIMARY KEY,
			user_one_id     BIGINT NOT NULL REFERENCES users(id),
			user_two_id     BIGINT NOT NULL REFERENCES users(id),
			last_message_at TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),

			UNIQUE (user_one_id, user_two_id),
			CHECK (user_one_id < user_two_id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user_one ON conversations(user_one_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_user_two ON conversations(user_two_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			sender_id       BIGINT NOT NULL REFERENCES users(id),
			receiver_id     BIGINT NOT NULL REFERENCES users(id),
			body            TEXT NOT NULL,
			is_read         BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),

			CHECK (sender_id <> receiver_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, id);

		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages(conversation_id, receiver_id, is_read);
	`)
	return err
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL store")
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

// CreateUser inserts a user and sets its ID.
func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (name, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, user.Name, user.Email, user.PasswordHash, user.CreatedAt).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func pgScanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := pgScanUser(s.pool.QueryRow(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM users WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email, compared case-insensitively.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := pgScanUser(s.pool.QueryRow(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM users WHERE LOWER(email) = LOWER($1)
	`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by email: %w", err)
	}
	return u, nil
}

// GetUsers retrieves the users with the given IDs keyed by ID.
func (s *PostgresStore) GetUsers(ctx context.Context, ids []int64) (map[int64]*User, error) {
	users := make(map[int64]*User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM users WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		u, err := pgScanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// SearchUsers finds users whose name or email contains query, excluding excludeID.
func (s *PostgresStore) SearchUsers(ctx context.Context, excludeID int64, query string, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := likePattern(query)

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, email, password_hash, created_at
		FROM users
		WHERE id <> $1
		  AND (LOWER(name) LIKE $2 ESCAPE '\' OR LOWER(email) LIKE $2 ESCAPE '\')
		ORDER BY LOWER(name) ASC, id ASC
		LIMIT $3
	`, excludeID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := pgScanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

func pgScanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.UserOneID, &c.UserTwoID, &c.LastMessageAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if c.LastMessageAt != nil {
		t := c.LastMessageAt.UTC()
		c.LastMessageAt = &t
	}
	return &c, nil
}

// FindOrCreateConversation returns the conversation for the unordered pair,
// inserting it if needed. ON CONFLICT DO NOTHING plus a re-select lets
// concurrent callers converge on the same row.
func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, userA, userB int64) (*Conversation, error) {
	if userA == userB {
		return nil, ErrSelfConversation
	}
	one, two := NormalizePair(userA, userB)

	c, err := pgScanConversation(s.pool.QueryRow(ctx, `
		INSERT INTO conversations (user_one_id, user_two_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_one_id, user_two_id) DO NOTHING
		RETURNING `+conversationColumns,
		one, two, s.now().UTC()))
	if err == nil {
		s.logger.Debug("created conversation", "id", c.ID, "user_one_id", one, "user_two_id", two)
		return c, nil
	}
	if isForeignKeyViolation(err) {
		return nil, ErrNotFound
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	c, err = pgScanConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_one_id = $1 AND user_two_id = $2
	`, one, two))
	if err != nil {
		return nil, fmt.Errorf("querying conversation by pair: %w", err)
	}
	return c, nil
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	c, err := pgScanConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// GetConversationsForUser lists every conversation userID participates in,
// most recently active first.
func (s *PostgresStore) GetConversationsForUser(ctx context.Context, userID int64) ([]*Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_one_id = $1 OR user_two_id = $1
		ORDER BY last_message_at DESC NULLS LAST, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		c, err := pgScanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return conversations, nil
}

func pgScanMessage(row pgx.Row) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Body, &m.IsRead, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// GetMessages retrieves all messages of a conversation in chronological order.
func (s *PostgresStore) GetMessages(ctx context.Context, conversationID int64) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := pgScanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// GetLatestMessage retrieves the newest message of a conversation.
func (s *PostgresStore) GetLatestMessage(ctx context.Context, conversationID int64) (*Message, error) {
	m, err := pgScanMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest message: %w", err)
	}
	return m, nil
}

// CreateMessage inserts an unread message and bumps last_message_at in one transaction.
func (s *PostgresStore) CreateMessage(ctx context.Context, conversationID, senderID, receiverID int64, body string) (*Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	m, err := pgScanMessage(tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, receiver_id, body, is_read, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		RETURNING `+messageColumns,
		conversationID, senderID, receiverID, body, s.now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE conversations
		SET last_message_at = GREATEST(COALESCE(last_message_at, $1), $1)
		WHERE id = $2
	`, m.CreatedAt, conversationID)
	if err != nil {
		return nil, fmt.Errorf("updating last_message_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	return m, nil
}

// MarkRead flips unread messages addressed to userID with a single
// conditional UPDATE and returns the ids it changed, ascending.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, userID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE messages
		SET is_read = TRUE
		WHERE conversation_id = $1 AND receiver_id = $2 AND is_read = FALSE
		RETURNING id
	`, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("marking messages read: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collecting marked ids: %w", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	slices.Sort(ids)
	return ids, nil
}

// CountUnread counts unread messages addressed to userID in a conversation.
func (s *PostgresStore) CountUnread(ctx context.Context, conversationID, userID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1 AND receiver_id = $2 AND is_read = FALSE
	`, conversationID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

// redactURL hides credentials in a connection string for logging.
func redactURL(databaseURL string) string {
	at := strings.LastIndex(databaseURL, "@")
	scheme := strings.Index(databaseURL, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return databaseURL
	}
	return databaseURL[:scheme+3] + "***" + databaseURL[at:]
}
