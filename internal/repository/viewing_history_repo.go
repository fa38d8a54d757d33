package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/thomasbambino/streamcore/internal/models"
)

// viewingHistoryRepo implements ViewingHistoryRepository using GORM.
type viewingHistoryRepo struct {
	db *gorm.DB
}

// NewViewingHistoryRepository creates a new ViewingHistoryRepository.
func NewViewingHistoryRepository(db *gorm.DB) *viewingHistoryRepo {
	return &viewingHistoryRepo{db: db}
}

// Create creates a new viewing history record.
func (r *viewingHistoryRepo) Create(ctx context.Context, record *models.ViewingHistoryRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("creating viewing history record: %w", err)
	}
	return nil
}

// GetByUserID retrieves a user's most recent history records, newest first.
func (r *viewingHistoryRepo) GetByUserID(ctx context.Context, userID string, limit int) ([]*models.ViewingHistoryRecord, error) {
	var records []*models.ViewingHistoryRecord
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("ended_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("getting viewing history by user: %w", err)
	}
	return records, nil
}

// GetRecent retrieves the most recent history records across all users.
func (r *viewingHistoryRepo) GetRecent(ctx context.Context, limit int) ([]*models.ViewingHistoryRecord, error) {
	var records []*models.ViewingHistoryRecord
	q := r.db.WithContext(ctx).Order("ended_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("getting recent viewing history: %w", err)
	}
	return records, nil
}

// CountAll returns the total number of history records.
func (r *viewingHistoryRepo) CountAll(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.ViewingHistoryRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting viewing history records: %w", err)
	}
	return count, nil
}

// Ensure viewingHistoryRepo implements ViewingHistoryRepository at compile time.
var _ ViewingHistoryRepository = (*viewingHistoryRepo)(nil)
