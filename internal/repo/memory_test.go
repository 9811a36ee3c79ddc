package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/model"
)

func TestMemoryUserRepo_CaseInsensitiveEmail(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryUserRepo()

	created, err := users.Create(ctx, "  Alice@Example.COM ", "hash", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", created.Email)

	found, err := users.GetByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = users.Create(ctx, "alice@EXAMPLE.com", "hash2", "Other")
	assert.ErrorIs(t, err, common.ErrDuplicateIdentity)

	_, err = users.GetByEmail(ctx, "bob@example.com")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestMemoryUserRepo_UpdateAndList(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryUserRepo()
	a, _ := users.Create(ctx, "a@example.com", "h", "Zed")
	b, _ := users.Create(ctx, "b@example.com", "h", "Amy")
	c, _ := users.Create(ctx, "c@example.com", "h", "Bob")

	require.NoError(t, users.UpdatePasswordHash(ctx, a.ID, "rotated"))
	got, _ := users.GetByID(ctx, a.ID)
	assert.Equal(t, "rotated", got.PasswordHash)
	assert.ErrorIs(t, users.UpdatePasswordHash(ctx, uuid.New(), "x"), common.ErrNotFound)

	list, err := users.List(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, c.ID, list[1].ID)
}

func TestMemorySessionRepo_Lifecycle(t *testing.T) {
	ctx := context.Background()
	sessions := NewMemorySessionRepo()
	now := time.Now()
	userID := uuid.New()

	require.NoError(t, sessions.Create(ctx, model.Session{TokenHash: "a", UserID: userID, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, sessions.Create(ctx, model.Session{TokenHash: "b", UserID: userID, IssuedAt: now, ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, sessions.Create(ctx, model.Session{TokenHash: "c", UserID: uuid.New(), IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
	assert.Error(t, sessions.Create(ctx, model.Session{TokenHash: "a", UserID: userID}))

	n, err := sessions.DeleteExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, sessions.Delete(ctx, "a"))
	require.NoError(t, sessions.Delete(ctx, "a"), "delete must be idempotent")
	_, err = sessions.Get(ctx, "a")
	assert.ErrorIs(t, err, common.ErrNotFound)

	n, err = sessions.DeleteAllForUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	_, err = sessions.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestMemoryAttemptRepo_UpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	attempts := NewMemoryAttemptRepo(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := attempts.Update(ctx, "email:a@example.com", func(s *model.AttemptState) error {
				s.FailureCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := attempts.Get(ctx, "email:a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 50, state.FailureCount)
}

func TestMemoryAttemptRepo_ErrorAbortsAndClearedDeletes(t *testing.T) {
	ctx := context.Background()
	attempts := NewMemoryAttemptRepo(0)
	boom := errors.New("boom")

	_, err := attempts.Update(ctx, "k", func(s *model.AttemptState) error {
		s.FailureCount = 3
		return boom
	})
	assert.ErrorIs(t, err, boom)
	state, _ := attempts.Get(ctx, "k")
	assert.Equal(t, 0, state.FailureCount)

	_, err = attempts.Update(ctx, "k", func(s *model.AttemptState) error {
		s.FailureCount = 2
		return nil
	})
	require.NoError(t, err)

	_, err = attempts.Update(ctx, "k", func(s *model.AttemptState) error {
		s.FailureCount = 0
		s.LockedUntil = nil
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, attempts.(*memoryAttemptRepo).states)
}

func TestMemoryAttemptRepo_EvictsUnlockedBeforeLocked(t *testing.T) {
	ctx := context.Background()
	attempts := NewMemoryAttemptRepo(2)
	base := time.Now()
	lockedUntil := base.Add(time.Hour)

	_, _ = attempts.Update(ctx, "locked", func(s *model.AttemptState) error {
		s.FailureCount, s.LockedUntil, s.UpdatedAt = 5, &lockedUntil, base
		return nil
	})
	_, _ = attempts.Update(ctx, "plain", func(s *model.AttemptState) error {
		s.FailureCount, s.UpdatedAt = 1, base.Add(time.Minute)
		return nil
	})
	_, _ = attempts.Update(ctx, "new", func(s *model.AttemptState) error {
		s.FailureCount, s.UpdatedAt = 1, base.Add(2*time.Minute)
		return nil
	})

	states := attempts.(*memoryAttemptRepo).states
	assert.Len(t, states, 2)
	assert.Contains(t, states, "locked")
	assert.Contains(t, states, "new")
}

func TestMemoryAttemptRepo_PruneIdle(t *testing.T) {
	ctx := context.Background()
	attempts := NewMemoryAttemptRepo(0)
	base := time.Now()
	lockedUntil := base.Add(time.Hour)

	_, _ = attempts.Update(ctx, "old", func(s *model.AttemptState) error {
		s.FailureCount, s.UpdatedAt = 1, base.Add(-2*time.Hour)
		return nil
	})
	_, _ = attempts.Update(ctx, "old-locked", func(s *model.AttemptState) error {
		s.FailureCount, s.UpdatedAt, s.LockedUntil = 5, base.Add(-2*time.Hour), &lockedUntil
		return nil
	})
	_, _ = attempts.Update(ctx, "fresh", func(s *model.AttemptState) error {
		s.FailureCount, s.UpdatedAt = 1, base
		return nil
	})

	n, err := attempts.PruneIdle(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryMessageRepo_ScopedAccess(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryUserRepo()
	messages := NewMemoryMessageRepo(users)
	a, _ := users.Create(ctx, "a@example.com", "h", "A")
	b, _ := users.Create(ctx, "b@example.com", "h", "B")
	c, _ := users.Create(ctx, "c@example.com", "h", "C")

	base := time.Now().UTC()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		m, err := messages.Create(ctx, model.Message{
			ID: uuid.New(), SenderID: a.ID, RecipientID: b.ID,
			Subject: fmt.Sprintf("s%d", i), Body: "body", CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	inbox, err := messages.ListInbox(ctx, b.ID, model.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "s2", inbox[0].Subject, "newest first")
	assert.Equal(t, "a@example.com", inbox[0].SenderEmail)

	page2, _ := messages.ListInbox(ctx, b.ID, model.Page{Limit: 2, Offset: 2})
	require.Len(t, page2, 1)
	assert.Equal(t, "s0", page2[0].Subject)

	empty, _ := messages.ListInbox(ctx, c.ID, model.Page{Limit: 10})
	assert.Empty(t, empty)
	sent, _ := messages.ListSent(ctx, a.ID, model.Page{Limit: 10})
	assert.Len(t, sent, 3)

	_, err = messages.GetForParticipant(ctx, ids[0], c.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = messages.GetForParticipant(ctx, uuid.New(), b.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	ok, _ := messages.MarkRead(ctx, ids[0], a.ID, base)
	assert.False(t, ok, "sender cannot mark read")
	ok, _ = messages.MarkRead(ctx, ids[0], b.ID, base)
	assert.True(t, ok)
	ok, _ = messages.MarkRead(ctx, ids[0], b.ID, base.Add(time.Hour))
	assert.False(t, ok, "read_at is set once")

	unread, _ := messages.CountUnread(ctx, b.ID)
	assert.Equal(t, 2, unread)

	ok, _ = messages.SoftDelete(ctx, ids[1], c.ID, base)
	assert.False(t, ok)
	ok, _ = messages.SoftDelete(ctx, ids[1], a.ID, base)
	assert.True(t, ok)
	_, err = messages.GetForParticipant(ctx, ids[1], b.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
