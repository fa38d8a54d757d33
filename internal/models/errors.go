package models

import "errors"

// Validation errors shared by the session and history models.
var (
	ErrUserIDRequired    = errors.New("user_id is required")
	ErrChannelIDRequired = errors.New("channel_id is required")
	ErrTokenRequired     = errors.New("token is required")
	ErrInvalidTimeRange  = errors.New("end time must not be before start time")
)
