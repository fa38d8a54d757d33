package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/thomasbambino/streamcore/internal/models"
)

// setupSessionTestDB creates an in-memory SQLite database for testing.
func setupSessionTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.StreamSession{}, &models.ViewingHistoryRecord{}))

	return db
}

func newTestSession(token, userID, channelID, sourceID string, at time.Time) *models.StreamSession {
	return &models.StreamSession{
		Token:           token,
		UserID:          userID,
		ChannelID:       channelID,
		ChannelName:     "Channel " + channelID,
		SourceID:        sourceID,
		StartedAt:       at,
		LastHeartbeatAt: at,
	}
}

func TestStreamSessionRepo_CreateAndGetByToken(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewStreamSessionRepository(db)
	ctx := context.Background()

	now := time.Now()
	session := newTestSession("tok-1", "user-1", "channel-1", "provider-a", now)
	require.NoError(t, repo.Create(ctx, session))
	assert.False(t, session.ID.IsZero(), "Create should populate the ULID")

	found, err := repo.GetByToken(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, session.ID, found.ID)
	assert.Equal(t, "user-1", found.UserID)
	assert.Equal(t, "channel-1", found.ChannelID)
	assert.Equal(t, "provider-a", found.SourceID)
	assert.WithinDuration(t, now, found.LastHeartbeatAt, time.Second)
}

func TestStreamSessionRepo_GetByToken_NotFound(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewStreamSessionRepository(db)

	found, err := repo.GetByToken(context.Background(), "no-such-token")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestStreamSessionRepo_GetByUserAndChannel(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewStreamSessionRepository(db)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, newTestSession("tok-1", "user-1", "channel-1", "provider-a", now)))
	require.NoError(t, repo.Create(ctx, newTestSession("tok-2", "user-1", "channel-2", "provider-a", now)))

	found, err := repo.GetByUserAndChannel(ctx, "user-1", "channel-2")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "tok-2", found.Token)

	missing, err := repo.GetByUserAndChannel(ctx, "user-1", "channel-3")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStreamSessionRepo_DuplicateUserChannelRejected(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewStreamSessionRepository(db)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, newTestSession("tok-1", "user-1", "channel-1", "provider-a", now)))

	// Same (user, channel) pair must be unique regardless of token
	err := repo.Create(ctx, newTestSession("tok-2", "user-1", "channel-1", "provider-a", now))
	assert.Error(t, err)
}

func TestStreamSessionRepo_GetByUserID(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewStreamSessionRepository(db)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, newTestSession("tok-1", "user-1", "channel-1", "provider-a", now)))
	require.NoError(t, repo.Create(ctx, newTestSession("tok-2", "user-1", "channel-2", "", now)))
	require.NoError(t, repo.Create(ctx, newTestSession("tok-3", "user-2", "channel-1", "provider-a", now)))

	sessions, err := repo.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	empty, err := repo.GetByUserID(ctx, "user-9")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStreamSessionRepo_GetBySourceID(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewStreamSessionRepository(db)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, newTestSession("tok-1", "user-1", "channel-1", "provider-a", now)))
	require.NoError(t, repo.Create(ctx, newTestSession("tok-2", "user-2", "channel-2", "provider-b", now)))
	require.NoError(t, repo.Create(ctx, newTestSession("tok-3", "user-3", "channel-3", "provider-a", now)))

	sessions, err := repo.GetBySourceID(ctx, "provider-a")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, "provider-a", s.SourceID)
	}
}

func TestStreamSessionRepo_GetStale(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewStreamSessionRepository(db)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cutoff := base.Add(60 * time.Second)

	// Heartbeat well before the cutoff: stale
	require.NoError(t, repo.Create(ctx, newTestSession("tok-old", "user-1", "channel-1", "provider-a", base)))
	// Heartbeat after the cutoff: fresh
	require.NoError(t, repo.Create(ctx, newTestSession("tok-new", "user-2", "channel-2", "provider-a", cutoff.Add(time.Second))))

	stale, err := repo.GetStale(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "tok-old", stale[0].Token)
}

func TestStreamSessionRepo_CountBySourceID(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewStreamSessionRepository(db)
	ctx := context.Background()
	now := time.Now()

	count, err := repo.CountBySourceID(ctx, "provider-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	require.NoError(t, repo.Create(ctx, newTestSession("tok-1", "user-1", "channel-1", "provider-a", now)))
	require.NoError(t, repo.Create(ctx, newTestSession("tok-2", "user-2", "channel-1", "provider-a", now)))
	require.NoError(t, repo.Create(ctx, newTestSession("tok-3", "user-3", "channel-1", "provider-b", now)))

	count, err = repo.CountBySourceID(ctx, "provider-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestStreamSessionRepo_UpdateHeartbeat(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewStreamSessionRepository(db)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, newTestSession("tok-1", "user-1", "channel-1", "provider-a", base)))

	later := base.Add(25 * time.Second)
	require.NoError(t, repo.UpdateHeartbeat(ctx, "tok-1", later))

	found, err := repo.GetByToken(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.WithinDuration(t, later, found.LastHeartbeatAt, time.Second)

	// Unknown token is a no-op, not an error
	assert.NoError(t, repo.UpdateHeartbeat(ctx, "no-such-token", later))
}

func TestStreamSessionRepo_Archive(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewStreamSessionRepository(db)
	history := NewViewingHistoryRepository(db)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	session := newTestSession("tok-1", "user-1", "channel-1", "provider-a", start)
	require.NoError(t, repo.Create(ctx, session))

	record := session.ToHistoryRecord(start.Add(90*time.Second), "Late Show")

	archived, err := repo.Archive(ctx, session, record)
	require.NoError(t, err)
	assert.True(t, archived)

	// Session row is gone
	found, err := repo.GetByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	// Exactly one history record exists
	count, err := history.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	records, err := history.GetByUserID(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 90, records[0].DurationSeconds)
}

func TestStreamSessionRepo_Archive_SecondCallIsNoop(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewStreamSessionRepository(db)
	history := NewViewingHistoryRepository(db)
	ctx := context.Background()

	start := time.Now()
	session := newTestSession("tok-1", "user-1", "channel-1", "provider-a", start)
	require.NoError(t, repo.Create(ctx, session))
	record := session.ToHistoryRecord(start.Add(time.Minute), "")

	archived, err := repo.Archive(ctx, session, record)
	require.NoError(t, err)
	require.True(t, archived)

	// Archiving the same session again writes nothing
	again := session.ToHistoryRecord(start.Add(2*time.Minute), "")
	archived, err = repo.Archive(ctx, session, again)
	require.NoError(t, err)
	assert.False(t, archived)

	count, err := history.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "a session must archive exactly once")
}

func TestStreamSessionRepo_Delete(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewStreamSessionRepository(db)
	history := NewViewingHistoryRepository(db)
	ctx := context.Background()

	session := newTestSession("tok-1", "user-1", "channel-1", "provider-a", time.Now())
	require.NoError(t, repo.Create(ctx, session))

	require.NoError(t, repo.Delete(ctx, session.ID))

	found, err := repo.GetByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	// Delete does not archive
	count, err := history.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
