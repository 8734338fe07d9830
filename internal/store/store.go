// ABOUTME: Store interface and data types for pulse-relay persistence
// ABOUTME: Defines Session, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session for a
// participant pair that already has one
var ErrDuplicateSession = errors.New("session already exists")

// ErrNotParticipant is returned when a message names a sender or recipient
// outside the owning session's participant pair
var ErrNotParticipant = errors.New("sender or recipient is not a session participant")

// Session represents the unique pairing of two identities.
// ParticipantA and ParticipantB are stored in sorted order so that the
// unordered pair maps to exactly one row (enforced by a unique index).
type Session struct {
	ID           string
	ParticipantA string
	ParticipantB string
	Assistant    bool // true when one participant is the virtual AI recipient
	LastActivity time.Time
	CreatedAt    time.Time
}

// Participants returns both participant identities.
func (s *Session) Participants() (string, string) {
	return s.ParticipantA, s.ParticipantB
}

// Has reports whether identity is one of the session's participants.
func (s *Session) Has(identity string) bool {
	return identity == s.ParticipantA || identity == s.ParticipantB
}

// Other returns the participant that is not identity. Falls back to
// ParticipantA when identity is not a member at all.
func (s *Session) Other(identity string) string {
	if identity == s.ParticipantA {
		return s.ParticipantB
	}
	return s.ParticipantA
}

// Message is an immutable record of one delivered or stored message.
type Message struct {
	ID            string
	SessionID     string
	SenderID      string
	RecipientID   string
	Content       string
	FromAssistant bool
	CreatedAt     time.Time
}

// Store defines the interface for session and message persistence
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByParticipants(ctx context.Context, a, b string) (*Session, error)
	ListSessions(ctx context.Context, identity string) ([]*Session, error)

	// Messages (append-only log per session)
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, sessionID string, page, limit int) ([]*Message, int, error)
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
