// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers session uniqueness, membership checks, activity bumps, and pagination

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(a, b string) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.New().String(),
		ParticipantA: a,
		ParticipantB: b,
		LastActivity: now,
		CreatedAt:    now,
	}
}

func TestSQLiteStore_CreateAndGetSession(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	session := newTestSession("u1", "u2")
	require.NoError(t, s.CreateSession(ctx, session))

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, "u1", got.ParticipantA)
	assert.Equal(t, "u2", got.ParticipantB)
	assert.False(t, got.Assistant)

	byPair, err := s.GetSessionByParticipants(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, session.ID, byPair.ID)
}

func TestSQLiteStore_DuplicateSession(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, newTestSession("u1", "u2")))

	err := s.CreateSession(ctx, newTestSession("u1", "u2"))
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestSQLiteStore_GetSession_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.GetSession(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetSessionByParticipants(ctx, "u1", "u2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_AppendMessage(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	session := newTestSession("u1", "u2")
	require.NoError(t, s.CreateSession(ctx, session))

	msg := &Message{
		ID:          uuid.New().String(),
		SessionID:   session.ID,
		SenderID:    "u1",
		RecipientID: "u2",
		Content:     "hi",
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.AppendMessage(ctx, msg))

	messages, total, err := s.ListMessages(ctx, session.ID, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Content)
	assert.Equal(t, "u1", messages[0].SenderID)
	assert.Equal(t, "u2", messages[0].RecipientID)
}

func TestSQLiteStore_AppendMessage_BumpsActivity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	session := newTestSession("u1", "u2")
	session.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateSession(ctx, session))

	sentAt := time.Now()
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ID:          uuid.New().String(),
		SessionID:   session.ID,
		SenderID:    "u2",
		RecipientID: "u1",
		Content:     "ping",
		CreatedAt:   sentAt,
	}))

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, sentAt, got.LastActivity, time.Second)
}

func TestSQLiteStore_AppendMessage_NotParticipant(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	session := newTestSession("u1", "u2")
	require.NoError(t, s.CreateSession(ctx, session))

	err := s.AppendMessage(ctx, &Message{
		ID:          uuid.New().String(),
		SessionID:   session.ID,
		SenderID:    "u3",
		RecipientID: "u2",
		Content:     "intruder",
		CreatedAt:   time.Now(),
	})
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, total, err := s.ListMessages(ctx, session.ID, 1, 50)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSQLiteStore_AppendMessage_SessionMissing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.AppendMessage(ctx, &Message{
		ID:          uuid.New().String(),
		SessionID:   "nonexistent",
		SenderID:    "u1",
		RecipientID: "u2",
		Content:     "hi",
		CreatedAt:   time.Now(),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListMessages_OrderAndPagination(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	session := newTestSession("u1", "u2")
	require.NoError(t, s.CreateSession(ctx, session))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessage(ctx, &Message{
			ID:          uuid.New().String(),
			SessionID:   session.ID,
			SenderID:    "u1",
			RecipientID: "u2",
			Content:     fmt.Sprintf("msg-%d", i),
			CreatedAt:   time.Now(),
		}))
	}

	// Page 1 holds the oldest messages
	page1, total, err := s.ListMessages(ctx, session.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, "msg-0", page1[0].Content)
	assert.Equal(t, "msg-1", page1[1].Content)

	page3, _, err := s.ListMessages(ctx, session.ID, 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "msg-4", page3[0].Content)

	// A delivered page never changes after further appends
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ID:          uuid.New().String(),
		SessionID:   session.ID,
		SenderID:    "u2",
		RecipientID: "u1",
		Content:     "msg-5",
		CreatedAt:   time.Now(),
	}))

	again, total, err := s.ListMessages(ctx, session.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	require.Len(t, again, 2)
	assert.Equal(t, "msg-0", again[0].Content)
	assert.Equal(t, "msg-1", again[1].Content)
}

func TestSQLiteStore_ListSessions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	s1 := newTestSession("u1", "u2")
	s1.LastActivity = time.Now().Add(-time.Hour)
	s2 := newTestSession("u1", "u3")
	s2.LastActivity = time.Now()
	require.NoError(t, s.CreateSession(ctx, s1))
	require.NoError(t, s.CreateSession(ctx, s2))

	sessions, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, s2.ID, sessions[0].ID) // most recent first
	assert.Equal(t, s1.ID, sessions[1].ID)

	sessions, err = s.ListSessions(ctx, "u3")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	sessions, err = s.ListSessions(ctx, "stranger")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSQLiteStore_ConcurrentAppends(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	session := newTestSession("u1", "u2")
	require.NoError(t, s.CreateSession(ctx, session))

	// Two peers writing into one session at once must serialize, not
	// surface lock contention as send failures.
	const writers = 8
	const perWriter = 4
	errs := make([]error, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sender, recipient := "u1", "u2"
			if w%2 == 1 {
				sender, recipient = "u2", "u1"
			}
			for i := 0; i < perWriter; i++ {
				errs[w*perWriter+i] = s.AppendMessage(ctx, &Message{
					ID:          uuid.New().String(),
					SessionID:   session.ID,
					SenderID:    sender,
					RecipientID: recipient,
					Content:     fmt.Sprintf("w%d-%d", w, i),
					CreatedAt:   time.Now(),
				})
			}
		}(w)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	_, total, err := s.ListMessages(ctx, session.ID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, total)
}

func TestSQLiteStore_ListRecentMessages(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	session := newTestSession("u1", "u2")
	require.NoError(t, s.CreateSession(ctx, session))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessage(ctx, &Message{
			ID:          uuid.New().String(),
			SessionID:   session.ID,
			SenderID:    "u1",
			RecipientID: "u2",
			Content:     fmt.Sprintf("msg-%d", i),
			CreatedAt:   time.Now(),
		}))
	}

	recent, err := s.ListRecentMessages(ctx, session.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "msg-2", recent[0].Content, "newest three, chronological order")
	assert.Equal(t, "msg-4", recent[2].Content)

	all, err := s.ListRecentMessages(ctx, session.ID, 50)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	empty, err := s.ListRecentMessages(ctx, "no-such-session", 3)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteStore_AssistantFlagRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	session := newTestSession("assistant", "u1")
	session.Assistant = true
	require.NoError(t, s.CreateSession(ctx, session))

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.Assistant)

	require.NoError(t, s.AppendMessage(ctx, &Message{
		ID:            uuid.New().String(),
		SessionID:     session.ID,
		SenderID:      "assistant",
		RecipientID:   "u1",
		Content:       "how can I help?",
		FromAssistant: true,
		CreatedAt:     time.Now(),
	}))

	messages, _, err := s.ListMessages(ctx, session.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].FromAssistant)
}
