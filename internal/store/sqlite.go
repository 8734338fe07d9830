// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// serializes writes instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Wait out transient lock contention (e.g. another process holding
	// the database) rather than failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			participant_a TEXT NOT NULL,
			participant_b TEXT NOT NULL,
			assistant     INTEGER NOT NULL DEFAULT 0,
			last_activity TEXT NOT NULL,
			created_at    TEXT NOT NULL,

			CHECK (participant_a < participant_b)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_participants
			ON sessions(participant_a, participant_b);

		CREATE INDEX IF NOT EXISTS idx_sessions_activity
			ON sessions(last_activity DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			sender_id      TEXT NOT NULL,
			recipient_id   TEXT NOT NULL,
			content        TEXT NOT NULL,
			from_assistant INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite unique-constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateSession inserts a new session row.
// Returns ErrDuplicateSession if a session for the participant pair already exists.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, participant_a, participant_b, assistant, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.ParticipantA,
		session.ParticipantB,
		boolToInt(session.Assistant),
		session.LastActivity.UTC().Format(time.RFC3339Nano),
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateSession
	}
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("session created",
		"session_id", session.ID,
		"participant_a", session.ParticipantA,
		"participant_b", session.ParticipantB)
	return nil
}

// GetSession retrieves a session by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participant_a, participant_b, assistant, last_activity, created_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionByParticipants retrieves the session for a canonical participant
// pair (a < b). Returns ErrNotFound if no session exists for the pair.
func (s *SQLiteStore) GetSessionByParticipants(ctx context.Context, a, b string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participant_a, participant_b, assistant, last_activity, created_at
		FROM sessions WHERE participant_a = ? AND participant_b = ?`, a, b)
	return scanSession(row)
}

// ListSessions returns all sessions the identity participates in,
// most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context, identity string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_a, participant_b, assistant, last_activity, created_at
		FROM sessions
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY last_activity DESC`, identity, identity)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// AppendMessage inserts a message and bumps the owning session's last_activity
// in the same transaction. Returns ErrNotFound if the session doesn't exist and
// ErrNotParticipant if sender or recipient is outside the session's pair.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var a, b string
	err = tx.QueryRowContext(ctx,
		`SELECT participant_a, participant_b FROM sessions WHERE id = ?`,
		msg.SessionID).Scan(&a, &b)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("looking up session: %w", err)
	}

	if (msg.SenderID != a && msg.SenderID != b) || (msg.RecipientID != a && msg.RecipientID != b) {
		return ErrNotParticipant
	}

	createdAt := msg.CreatedAt.UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sender_id, recipient_id, content, from_assistant, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.SenderID, msg.RecipientID, msg.Content,
		boolToInt(msg.FromAssistant), createdAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE id = ?`,
		createdAt, msg.SessionID)
	if err != nil {
		return fmt.Errorf("updating session activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("message appended",
		"message_id", msg.ID,
		"session_id", msg.SessionID,
		"sender", msg.SenderID)
	return nil
}

// ListMessages returns one page of a session's messages in append order
// (oldest first) together with the total message count for the session.
// Pages are anchored at the oldest end: page 1 holds the oldest messages,
// so a page once delivered never changes as new messages arrive.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, page, limit int) ([]*Message, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	// rowid order is append order; the store serializes writes
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender_id, recipient_id, content, from_assistant, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY rowid ASC
		LIMIT ? OFFSET ?`,
		sessionID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, msg)
	}
	return messages, total, rows.Err()
}

// ListRecentMessages returns the newest limit messages of a session in
// chronological order. Used to assemble conversation history for the
// assistant without paging through the whole log.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	if limit < 1 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender_id, recipient_id, content, from_assistant, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY rowid DESC
		LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse newest-first into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var fromAssistant int
	var createdAtStr string

	err := row.Scan(&msg.ID, &msg.SessionID, &msg.SenderID, &msg.RecipientID,
		&msg.Content, &fromAssistant, &createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.FromAssistant = fromAssistant != 0
	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &msg, nil
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var assistant int
	var lastActivityStr, createdAtStr string

	err := row.Scan(&session.ID, &session.ParticipantA, &session.ParticipantB,
		&assistant, &lastActivityStr, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	session.Assistant = assistant != 0
	session.LastActivity, err = time.Parse(time.RFC3339Nano, lastActivityStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}
	session.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &session, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
