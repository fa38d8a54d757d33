// Package repository defines data access interfaces for streamcore entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/thomasbambino/streamcore/internal/models"
)

// StreamSessionRepository defines operations for stream session persistence.
// Lookup methods return (nil, nil) when no row matches.
type StreamSessionRepository interface {
	// Create creates a new stream session.
	Create(ctx context.Context, session *models.StreamSession) error
	// GetByToken retrieves a session by its token.
	GetByToken(ctx context.Context, token string) (*models.StreamSession, error)
	// GetByUserAndChannel retrieves the session held by a user on a channel.
	GetByUserAndChannel(ctx context.Context, userID, channelID string) (*models.StreamSession, error)
	// GetAll retrieves all active sessions.
	GetAll(ctx context.Context) ([]*models.StreamSession, error)
	// GetByUserID retrieves all sessions held by a user.
	GetByUserID(ctx context.Context, userID string) ([]*models.StreamSession, error)
	// GetBySourceID retrieves all sessions counting against a source.
	GetBySourceID(ctx context.Context, sourceID string) ([]*models.StreamSession, error)
	// GetStale retrieves sessions whose last heartbeat is before olderThan.
	GetStale(ctx context.Context, olderThan time.Time) ([]*models.StreamSession, error)
	// CountBySourceID returns the number of sessions counting against a source.
	CountBySourceID(ctx context.Context, sourceID string) (int64, error)
	// UpdateHeartbeat sets the session's last heartbeat timestamp.
	UpdateHeartbeat(ctx context.Context, token string, at time.Time) error
	// Archive atomically writes the history record and permanently deletes
	// the session row. Returns false without writing when the session row
	// was already gone, so a release/reap race archives exactly once.
	Archive(ctx context.Context, session *models.StreamSession, record *models.ViewingHistoryRecord) (bool, error)
	// Delete permanently deletes a session by ID without archiving.
	Delete(ctx context.Context, id models.ULID) error
}

// ViewingHistoryRepository defines operations for viewing history persistence.
// History records are written once and never modified.
type ViewingHistoryRepository interface {
	// Create creates a new viewing history record.
	Create(ctx context.Context, record *models.ViewingHistoryRecord) error
	// GetByUserID retrieves a user's most recent history records, newest first.
	GetByUserID(ctx context.Context, userID string, limit int) ([]*models.ViewingHistoryRecord, error)
	// GetRecent retrieves the most recent history records across all users.
	GetRecent(ctx context.Context, limit int) ([]*models.ViewingHistoryRecord, error)
	// CountAll returns the total number of history records.
	CountAll(ctx context.Context) (int64, error)
}
