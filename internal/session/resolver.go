// ABOUTME: Resolves an unordered identity pair to its unique conversation session
// ABOUTME: Canonicalizes the pair and handles concurrent-create races by re-reading

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pulse-relay/internal/store"
)

// Resolver errors
var (
	// ErrSelfPair means both identities in the pair are the same
	ErrSelfPair = errors.New("cannot open a session with yourself")

	// ErrEmptyIdentity means one side of the pair is blank
	ErrEmptyIdentity = errors.New("identity must not be empty")

	// ErrUnresolvable means creation conflicted but the re-read found nothing.
	// This indicates an unrecoverable storage anomaly.
	ErrUnresolvable = errors.New("session could not be resolved")
)

// SessionStore defines what the resolver needs from storage
type SessionStore interface {
	CreateSession(ctx context.Context, session *store.Session) error
	GetSessionByParticipants(ctx context.Context, a, b string) (*store.Session, error)
}

// Resolver maps unordered identity pairs to their unique session record,
// creating the record lazily on first contact.
type Resolver struct {
	store             SessionStore
	assistantIdentity string
	logger            *slog.Logger
}

// NewResolver creates a Resolver. assistantIdentity may be empty when no
// virtual AI recipient is configured. Pass nil logger for default.
func NewResolver(s SessionStore, assistantIdentity string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:             s,
		assistantIdentity: assistantIdentity,
		logger:            logger.With("component", "resolver"),
	}
}

// Canonicalize returns the pair in sorted order so that (a,b) and (b,a)
// map to the same session row.
func Canonicalize(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Resolve returns the unique session for the unordered pair (idA, idB),
// creating it if it doesn't exist. Safe under concurrent first contact:
// if creation loses a uniqueness race, the winner's row is re-read and
// returned instead of surfacing the conflict.
func (r *Resolver) Resolve(ctx context.Context, idA, idB string) (*store.Session, error) {
	if idA == "" || idB == "" {
		return nil, ErrEmptyIdentity
	}
	if idA == idB {
		return nil, ErrSelfPair
	}

	a, b := Canonicalize(idA, idB)

	existing, err := r.store.GetSessionByParticipants(ctx, a, b)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	now := time.Now()
	session := &store.Session{
		ID:           uuid.New().String(),
		ParticipantA: a,
		ParticipantB: b,
		Assistant:    r.isAssistantPair(a, b),
		LastActivity: now,
		CreatedAt:    now,
	}

	err = r.store.CreateSession(ctx, session)
	if err == nil {
		r.logger.Debug("session created",
			"session_id", session.ID,
			"participant_a", a,
			"participant_b", b)
		return session, nil
	}

	if errors.Is(err, store.ErrDuplicateSession) {
		// Another request created the pair's session between our lookup
		// and insert. The winner's row is authoritative.
		winner, lookupErr := r.store.GetSessionByParticipants(ctx, a, b)
		if lookupErr == nil {
			r.logger.Debug("found existing session after create race",
				"session_id", winner.ID)
			return winner, nil
		}
		r.logger.Error("re-read failed after duplicate session error",
			"lookup_error", lookupErr,
			"participant_a", a,
			"participant_b", b)
		return nil, fmt.Errorf("%w: %v", ErrUnresolvable, lookupErr)
	}

	return nil, fmt.Errorf("creating session: %w", err)
}

// isAssistantPair reports whether one side of the canonical pair is the
// configured virtual assistant.
func (r *Resolver) isAssistantPair(a, b string) bool {
	return r.assistantIdentity != "" && (a == r.assistantIdentity || b == r.assistantIdentity)
}
