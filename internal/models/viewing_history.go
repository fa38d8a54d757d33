package models

import (
	"time"

	"gorm.io/gorm"
)

// ViewingHistoryRecord is the immutable archive row written exactly once
// when a stream session ends, whether by explicit release, bulk release or
// stale reaping. Records are never updated or deleted afterwards.
type ViewingHistoryRecord struct {
	BaseModel

	// UserID identifies the viewer the session belonged to.
	UserID string `gorm:"not null;size:255;index" json:"user_id"`

	// ChannelID identifies the channel that was watched.
	ChannelID string `gorm:"not null;size:255;index" json:"channel_id"`

	// ChannelName is the display name captured when the session started.
	ChannelName string `gorm:"size:512" json:"channel_name,omitempty"`

	// SourceID names the upstream source the session consumed, empty for
	// sessions without capacity accounting.
	SourceID string `gorm:"size:255" json:"source_id,omitempty"`

	// StartedAt and EndedAt bound the session lifetime.
	StartedAt time.Time `gorm:"not null" json:"started_at"`
	EndedAt   time.Time `gorm:"not null" json:"ended_at"`

	// DurationSeconds is the session length rounded to whole seconds.
	DurationSeconds int `gorm:"not null" json:"duration_seconds"`

	// StartProgram is the guide label at session start.
	StartProgram string `gorm:"size:512" json:"start_program,omitempty"`

	// EndProgram is the guide label at session end, stored only when it
	// differs from StartProgram.
	EndProgram string `gorm:"size:512" json:"end_program,omitempty"`

	// ClientIP and Device carry over from the session, best effort.
	ClientIP string `gorm:"size:64" json:"client_ip,omitempty"`
	Device   string `gorm:"size:255" json:"device,omitempty"`
}

// TableName returns the table name for ViewingHistoryRecord.
func (ViewingHistoryRecord) TableName() string {
	return "viewing_history_records"
}

// Validate performs basic validation on the record.
func (r *ViewingHistoryRecord) Validate() error {
	if r.UserID == "" {
		return ErrUserIDRequired
	}
	if r.ChannelID == "" {
		return ErrChannelIDRequired
	}
	if r.EndedAt.Before(r.StartedAt) {
		return ErrInvalidTimeRange
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the record and generates ULID.
func (r *ViewingHistoryRecord) BeforeCreate(tx *gorm.DB) error {
	if err := r.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return r.Validate()
}
