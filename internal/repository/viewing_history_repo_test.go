package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomasbambino/streamcore/internal/models"
)

func newTestHistoryRecord(userID, channelID string, endedAt time.Time) *models.ViewingHistoryRecord {
	return &models.ViewingHistoryRecord{
		UserID:          userID,
		ChannelID:       channelID,
		ChannelName:     "Channel " + channelID,
		SourceID:        "provider-a",
		StartedAt:       endedAt.Add(-30 * time.Minute),
		EndedAt:         endedAt,
		DurationSeconds: 1800,
	}
}

func TestViewingHistoryRepo_CreateAndGetByUserID(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewViewingHistoryRepository(db)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, newTestHistoryRecord("user-1", "channel-1", base)))
	require.NoError(t, repo.Create(ctx, newTestHistoryRecord("user-1", "channel-2", base.Add(time.Hour))))
	require.NoError(t, repo.Create(ctx, newTestHistoryRecord("user-2", "channel-1", base)))

	records, err := repo.GetByUserID(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first
	assert.Equal(t, "channel-2", records[0].ChannelID)
	assert.Equal(t, "channel-1", records[1].ChannelID)
}

func TestViewingHistoryRepo_GetByUserID_Limit(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewViewingHistoryRepository(db)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := newTestHistoryRecord("user-1", "channel-1", base.Add(time.Duration(i)*time.Hour))
		rec.ChannelID = "channel-1"
		require.NoError(t, repo.Create(ctx, rec))
	}

	records, err := repo.GetByUserID(ctx, "user-1", 3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestViewingHistoryRepo_GetRecent(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewViewingHistoryRepository(db)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, newTestHistoryRecord("user-1", "channel-1", base)))
	require.NoError(t, repo.Create(ctx, newTestHistoryRecord("user-2", "channel-2", base.Add(time.Hour))))

	records, err := repo.GetRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "user-2", records[0].UserID)
}

func TestViewingHistoryRepo_CountAll(t *testing.T) {
	db := setupSessionTestDB(t)
	repo := NewViewingHistoryRepository(db)
	ctx := context.Background()

	count, err := repo.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	require.NoError(t, repo.Create(ctx, newTestHistoryRecord("user-1", "channel-1", time.Now())))

	count, err = repo.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
