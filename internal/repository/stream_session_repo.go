package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thomasbambino/streamcore/internal/models"
)

// streamSessionRepo implements StreamSessionRepository using GORM.
type streamSessionRepo struct {
	db *gorm.DB
}

// NewStreamSessionRepository creates a new StreamSessionRepository.
func NewStreamSessionRepository(db *gorm.DB) *streamSessionRepo {
	return &streamSessionRepo{db: db}
}

// Create creates a new stream session.
func (r *streamSessionRepo) Create(ctx context.Context, session *models.StreamSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating stream session: %w", err)
	}
	return nil
}

// GetByToken retrieves a session by its token.
func (r *streamSessionRepo) GetByToken(ctx context.Context, token string) (*models.StreamSession, error) {
	var session models.StreamSession
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting stream session by token: %w", err)
	}
	return &session, nil
}

// GetByUserAndChannel retrieves the session held by a user on a channel.
func (r *streamSessionRepo) GetByUserAndChannel(ctx context.Context, userID, channelID string) (*models.StreamSession, error) {
	var session models.StreamSession
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND channel_id = ?", userID, channelID).
		First(&session).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting stream session by user and channel: %w", err)
	}
	return &session, nil
}

// GetAll retrieves all active sessions.
func (r *streamSessionRepo) GetAll(ctx context.Context) ([]*models.StreamSession, error) {
	var sessions []*models.StreamSession
	if err := r.db.WithContext(ctx).Order("started_at ASC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("getting all stream sessions: %w", err)
	}
	return sessions, nil
}

// GetByUserID retrieves all sessions held by a user.
func (r *streamSessionRepo) GetByUserID(ctx context.Context, userID string) ([]*models.StreamSession, error) {
	var sessions []*models.StreamSession
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("started_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("getting stream sessions by user: %w", err)
	}
	return sessions, nil
}

// GetBySourceID retrieves all sessions counting against a source.
func (r *streamSessionRepo) GetBySourceID(ctx context.Context, sourceID string) ([]*models.StreamSession, error) {
	var sessions []*models.StreamSession
	err := r.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("started_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("getting stream sessions by source: %w", err)
	}
	return sessions, nil
}

// GetStale retrieves sessions whose last heartbeat is before olderThan.
func (r *streamSessionRepo) GetStale(ctx context.Context, olderThan time.Time) ([]*models.StreamSession, error) {
	var sessions []*models.StreamSession
	err := r.db.WithContext(ctx).
		Where("last_heartbeat_at < ?", olderThan).
		Order("last_heartbeat_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("getting stale stream sessions: %w", err)
	}
	return sessions, nil
}

// CountBySourceID returns the number of sessions counting against a source.
func (r *streamSessionRepo) CountBySourceID(ctx context.Context, sourceID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.StreamSession{}).
		Where("source_id = ?", sourceID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting stream sessions by source: %w", err)
	}
	return count, nil
}

// UpdateHeartbeat sets the session's last heartbeat timestamp.
func (r *streamSessionRepo) UpdateHeartbeat(ctx context.Context, token string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.StreamSession{}).
		Where("token = ?", token).
		Update("last_heartbeat_at", at).Error
	if err != nil {
		return fmt.Errorf("updating stream session heartbeat: %w", err)
	}
	return nil
}

// Archive atomically writes the history record and permanently deletes the
// session row. The delete's row count is the arbiter: when a concurrent
// release already removed the row, nothing is written and false is returned.
func (r *streamSessionRepo) Archive(ctx context.Context, session *models.StreamSession, record *models.ViewingHistoryRecord) (bool, error) {
	archived := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", session.ID).Delete(&models.StreamSession{})
		if res.Error != nil {
			return fmt.Errorf("deleting stream session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("creating viewing history record: %w", err)
		}
		archived = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return archived, nil
}

// Delete permanently deletes a session by ID without archiving.
func (r *streamSessionRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.StreamSession{}).Error; err != nil {
		return fmt.Errorf("deleting stream session: %w", err)
	}
	return nil
}

// Ensure streamSessionRepo implements StreamSessionRepository at compile time.
var _ StreamSessionRepository = (*streamSessionRepo)(nil)
