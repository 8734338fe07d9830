// ABOUTME: Tests for session pair resolution
// ABOUTME: Verifies commutativity, self-pair rejection, and create-race convergence

package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pulse-relay/internal/store"
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCanonicalize(t *testing.T) {
	a, b := Canonicalize("u2", "u1")
	assert.Equal(t, "u1", a)
	assert.Equal(t, "u2", b)

	a, b = Canonicalize("u1", "u2")
	assert.Equal(t, "u1", a)
	assert.Equal(t, "u2", b)
}

func TestResolver_CommutativePair(t *testing.T) {
	r := NewResolver(createTestStore(t), "", nil)
	ctx := context.Background()

	s1, err := r.Resolve(ctx, "u1", "u2")
	require.NoError(t, err)

	s2, err := r.Resolve(ctx, "u2", "u1")
	require.NoError(t, err)

	assert.Equal(t, s1.ID, s2.ID, "swapped arguments must resolve to the same session")
}

func TestResolver_SelfPair(t *testing.T) {
	r := NewResolver(createTestStore(t), "", nil)

	_, err := r.Resolve(context.Background(), "u1", "u1")
	assert.ErrorIs(t, err, ErrSelfPair)
}

func TestResolver_EmptyIdentity(t *testing.T) {
	r := NewResolver(createTestStore(t), "", nil)

	_, err := r.Resolve(context.Background(), "u1", "")
	assert.ErrorIs(t, err, ErrEmptyIdentity)
	assert.NotErrorIs(t, err, ErrSelfPair, "a blank pair member is not a self-pair")

	_, err = r.Resolve(context.Background(), "", "u2")
	assert.ErrorIs(t, err, ErrEmptyIdentity)
}

func TestResolver_ConcurrentFirstContact(t *testing.T) {
	r := NewResolver(createTestStore(t), "", nil)
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Half the callers swap the argument order
			var session *store.Session
			if n%2 == 0 {
				session, errs[n] = r.Resolve(ctx, "u1", "u2")
			} else {
				session, errs[n] = r.Resolve(ctx, "u2", "u1")
			}
			if session != nil {
				ids[n] = session.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}
	for i := 1; i < callers; i++ {
		assert.Equal(t, ids[0], ids[i], "all concurrent callers must converge on one session")
	}
}

func TestResolver_AssistantFlag(t *testing.T) {
	r := NewResolver(createTestStore(t), "assistant", nil)
	ctx := context.Background()

	s1, err := r.Resolve(ctx, "u1", "assistant")
	require.NoError(t, err)
	assert.True(t, s1.Assistant)

	s2, err := r.Resolve(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, s2.Assistant)
}

// raceStore forces the duplicate-create path: the first lookup misses,
// the create conflicts, and the re-read must find the winner.
type raceStore struct {
	inner    *store.SQLiteStore
	mu       sync.Mutex
	lookups  int
	conflict *store.Session
}

func (r *raceStore) CreateSession(ctx context.Context, s *store.Session) error {
	// Simulate losing the race: the winner's row appears between
	// lookup and insert.
	if err := r.inner.CreateSession(ctx, r.conflict); err != nil {
		return err
	}
	return r.inner.CreateSession(ctx, s)
}

func (r *raceStore) GetSessionByParticipants(ctx context.Context, a, b string) (*store.Session, error) {
	r.mu.Lock()
	r.lookups++
	first := r.lookups == 1
	r.mu.Unlock()
	if first {
		return nil, store.ErrNotFound
	}
	return r.inner.GetSessionByParticipants(ctx, a, b)
}

func TestResolver_LostRaceRereads(t *testing.T) {
	inner := createTestStore(t)
	winner := &store.Session{
		ID: "winner", ParticipantA: "u1", ParticipantB: "u2",
	}
	rs := &raceStore{inner: inner, conflict: winner}
	r := NewResolver(rs, "", nil)

	session, err := r.Resolve(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "winner", session.ID)
}

// emptyRaceStore conflicts on create but the re-read also misses.
type emptyRaceStore struct{}

func (emptyRaceStore) CreateSession(ctx context.Context, s *store.Session) error {
	return store.ErrDuplicateSession
}

func (emptyRaceStore) GetSessionByParticipants(ctx context.Context, a, b string) (*store.Session, error) {
	return nil, store.ErrNotFound
}

func TestResolver_UnresolvableAnomaly(t *testing.T) {
	r := NewResolver(emptyRaceStore{}, "", nil)

	_, err := r.Resolve(context.Background(), "u1", "u2")
	assert.True(t, errors.Is(err, ErrUnresolvable))
}
