package repo

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/db"
	"github.com/signalix/mailer/internal/logging"
	"github.com/signalix/mailer/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres repository test")
	}
	ctx := context.Background()
	database, err := db.Open(ctx, url, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database))
	require.NoError(t, db.TruncateAll(ctx, database))
	return database
}

func TestPostgresUserRepo(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	users := NewUserRepo(database)

	created, err := users.Create(ctx, "Alice@Example.com", "hash", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", created.Email)

	_, err = users.Create(ctx, "ALICE@example.com", "hash", "Dup")
	assert.ErrorIs(t, err, common.ErrDuplicateIdentity)

	found, err := users.GetByEmail(ctx, "alice@EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = users.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, users.UpdatePasswordHash(ctx, created.ID, "rotated"))
	found, _ = users.GetByID(ctx, created.ID)
	assert.Equal(t, "rotated", found.PasswordHash)
}

func TestPostgresSessionRepo(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	user, err := NewUserRepo(database).Create(ctx, "s@example.com", "h", "S")
	require.NoError(t, err)
	sessions := NewSessionRepo(database)

	now := time.Now().UTC().Truncate(time.Microsecond)
	s := model.Session{TokenHash: "abc", UserID: user.ID, Trust: model.TrustPublic, IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, sessions.Create(ctx, s))

	got, err := sessions.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, model.TrustPublic, got.Trust)
	assert.True(t, got.ExpiresAt.Equal(s.ExpiresAt))

	n, err := sessions.DeleteExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, sessions.Delete(ctx, "abc"))
}

func TestPostgresAttemptRepo_ConcurrentIncrements(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	attempts := NewAttemptRepo(database)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := attempts.Update(ctx, "email:x@example.com", func(s *model.AttemptState) error {
				s.FailureCount++
				s.UpdatedAt = time.Now()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := attempts.Get(ctx, "email:x@example.com")
	require.NoError(t, err)
	assert.Equal(t, 20, state.FailureCount)
}

func TestPostgresMessageRepo_Scoping(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	users := NewUserRepo(database)
	a, _ := users.Create(ctx, "a@example.com", "h", "A")
	b, _ := users.Create(ctx, "b@example.com", "h", "B")
	c, _ := users.Create(ctx, "c@example.com", "h", "C")
	messages := NewMessageRepo(database)

	m, err := messages.Create(ctx, model.Message{
		ID: uuid.New(), SenderID: a.ID, RecipientID: b.ID, Subject: "hi", Body: "hello", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	inbox, err := messages.ListInbox(ctx, b.ID, model.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "a@example.com", inbox[0].SenderEmail)

	_, err = messages.GetForParticipant(ctx, m.ID, c.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	ok, err := messages.MarkRead(ctx, m.ID, b.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = messages.MarkRead(ctx, m.ID, b.ID, time.Now())
	assert.False(t, ok)

	ok, _ = messages.SoftDelete(ctx, m.ID, c.ID, time.Now())
	assert.False(t, ok)
	ok, _ = messages.SoftDelete(ctx, m.ID, b.ID, time.Now())
	assert.True(t, ok)
	count, _ := messages.CountUnread(ctx, b.ID)
	assert.Equal(t, 0, count)
}
