// Package store provides persistence for users, conversations and messages.
//
// # Architecture
//
// The package is interface-driven:
//
//   - UserStore: the identity lookups the chat core needs (get, batch get, search)
//   - ConversationStore: conversations, messages and read state
//   - Store: both of the above plus Close
//
// Three implementations are provided:
//
//   - SQLiteStore: database/sql over modernc.org/sqlite (pure Go, default)
//     or mattn/go-sqlite3 (cgo) selected with NewSQLiteStoreWithDriver
//   - PostgresStore: pgx connection pool
//   - MockStore: in-memory, for unit tests
//
// # Invariants
//
// A conversation row holds exactly one unordered pair of distinct users.
// NormalizePair orders the pair ascending before every lookup or insert, and
// the schema backs this with UNIQUE (user_one_id, user_two_id) and
// CHECK (user_one_id < user_two_id). Concurrent first-time creation resolves
// by re-reading the row that won the race.
//
// CreateMessage advances the conversation's last_message_at in the same
// transaction that inserts the message.
//
// MarkRead is a single conditional UPDATE ... RETURNING id. The returned ids
// are the only authoritative record of which messages a call changed, so two
// concurrent callers never both report the same id.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as fixed-width UTC text so ORDER BY on the text
// column is chronological.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateUser: email already registered
//   - ErrSelfConversation: both participants are the same user
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(path) with
// t.TempDir() for integration tests. PostgresStore tests run only when
// MURMUR_TEST_POSTGRES_URL is set.
package store
