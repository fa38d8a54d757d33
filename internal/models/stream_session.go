package models

import (
	"math"
	"strings"
	"time"

	"gorm.io/gorm"
)

// StreamSession represents an active claim on upstream source capacity.
// One row exists per watching (user, channel) pair; the row is removed
// permanently when the session is released and its lifetime is archived
// as a ViewingHistoryRecord.
type StreamSession struct {
	BaseModel

	// Token is the opaque handle returned to the client. All heartbeat and
	// release calls identify the session by this value.
	Token string `gorm:"uniqueIndex;not null;size:128" json:"token"`

	// UserID identifies the viewer holding the session.
	UserID string `gorm:"not null;size:255;index:idx_stream_sessions_user_channel,unique" json:"user_id"`

	// ChannelID identifies the channel being watched. Together with UserID
	// it forms the identity key for acquire idempotency.
	ChannelID string `gorm:"not null;size:255;index:idx_stream_sessions_user_channel,unique" json:"channel_id"`

	// ChannelName is a display name captured at acquire time.
	ChannelName string `gorm:"size:512" json:"channel_name,omitempty"`

	// SourceID names the upstream source whose capacity this session
	// consumes. Empty for sessions acquired without capacity accounting.
	SourceID string `gorm:"size:255;index" json:"source_id,omitempty"`

	// StartedAt is when the session was acquired.
	StartedAt time.Time `gorm:"not null" json:"started_at"`

	// LastHeartbeatAt is the most recent client heartbeat. Sessions whose
	// heartbeat age exceeds the stale threshold are reaped.
	LastHeartbeatAt time.Time `gorm:"not null" json:"last_heartbeat_at"`

	// StartProgram is the guide label for the programme airing when the
	// session was acquired. May be empty when no guide data was available.
	StartProgram string `gorm:"size:512" json:"start_program,omitempty"`

	// ClientIP and Device describe the requesting client, best effort.
	ClientIP string `gorm:"size:64" json:"client_ip,omitempty"`
	Device   string `gorm:"size:255" json:"device,omitempty"`
}

// TableName returns the table name for StreamSession.
func (StreamSession) TableName() string {
	return "stream_sessions"
}

// IsBounded returns true if this session counts against a source's
// connection capacity.
func (s *StreamSession) IsBounded() bool {
	return s.SourceID != ""
}

// IsStale returns true if the last heartbeat is older than threshold at
// the given instant.
func (s *StreamSession) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.LastHeartbeatAt) > threshold
}

// ToHistoryRecord builds the archive record for this session ending at
// endedAt. Duration is the wall-clock session length rounded to whole
// seconds. The end programme label is stored only when it differs from
// the start label, so unchanged programmes archive a single label.
func (s *StreamSession) ToHistoryRecord(endedAt time.Time, endProgram string) *ViewingHistoryRecord {
	record := &ViewingHistoryRecord{
		UserID:          s.UserID,
		ChannelID:       s.ChannelID,
		ChannelName:     s.ChannelName,
		SourceID:        s.SourceID,
		StartedAt:       s.StartedAt,
		EndedAt:         endedAt,
		DurationSeconds: int(math.Round(endedAt.Sub(s.StartedAt).Seconds())),
		StartProgram:    s.StartProgram,
		ClientIP:        s.ClientIP,
		Device:          s.Device,
	}
	if endProgram != s.StartProgram {
		record.EndProgram = endProgram
	}
	return record
}

// Sanitize trims whitespace from identifying fields.
func (s *StreamSession) Sanitize() {
	s.UserID = strings.TrimSpace(s.UserID)
	s.ChannelID = strings.TrimSpace(s.ChannelID)
	s.ChannelName = strings.TrimSpace(s.ChannelName)
	s.SourceID = strings.TrimSpace(s.SourceID)
}

// Validate performs basic validation on the session.
func (s *StreamSession) Validate() error {
	s.Sanitize()

	if s.UserID == "" {
		return ErrUserIDRequired
	}
	if s.ChannelID == "" {
		return ErrChannelIDRequired
	}
	if s.Token == "" {
		return ErrTokenRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the session and generates ULID.
func (s *StreamSession) BeforeCreate(tx *gorm.DB) error {
	if err := s.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return s.Validate()
}
