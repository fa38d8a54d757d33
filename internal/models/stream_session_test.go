package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestSession() *StreamSession {
	now := time.Now()
	return &StreamSession{
		Token:           "tok-abc123",
		UserID:          "user-1",
		ChannelID:       "channel-1",
		ChannelName:     "News 24",
		SourceID:        "provider-a",
		StartedAt:       now,
		LastHeartbeatAt: now,
		StartProgram:    "Evening News",
	}
}

func TestStreamSession_Validate(t *testing.T) {
	t.Run("valid session", func(t *testing.T) {
		s := validTestSession()
		assert.NoError(t, s.Validate())
	})

	t.Run("missing user ID", func(t *testing.T) {
		s := validTestSession()
		s.UserID = "  "
		err := s.Validate()
		assert.ErrorIs(t, err, ErrUserIDRequired)
	})

	t.Run("missing channel ID", func(t *testing.T) {
		s := validTestSession()
		s.ChannelID = ""
		err := s.Validate()
		assert.ErrorIs(t, err, ErrChannelIDRequired)
	})

	t.Run("missing token", func(t *testing.T) {
		s := validTestSession()
		s.Token = ""
		err := s.Validate()
		assert.ErrorIs(t, err, ErrTokenRequired)
	})
}

func TestStreamSession_Sanitize(t *testing.T) {
	s := validTestSession()
	s.UserID = "  user-1  "
	s.ChannelName = " News 24\n"

	s.Sanitize()

	assert.Equal(t, "user-1", s.UserID)
	assert.Equal(t, "News 24", s.ChannelName)
}

func TestStreamSession_IsBounded(t *testing.T) {
	s := validTestSession()
	assert.True(t, s.IsBounded())

	s.SourceID = ""
	assert.False(t, s.IsBounded())
}

func TestStreamSession_IsStale(t *testing.T) {
	threshold := 60 * time.Second
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s := validTestSession()
	s.LastHeartbeatAt = base

	// Exactly at the threshold is still fresh
	assert.False(t, s.IsStale(base.Add(threshold), threshold))
	// One instant past the threshold is stale
	assert.True(t, s.IsStale(base.Add(threshold+time.Nanosecond), threshold))
	// Well within the threshold is fresh
	assert.False(t, s.IsStale(base.Add(30*time.Second), threshold))
}

func TestStreamSession_ToHistoryRecord(t *testing.T) {
	start := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)

	t.Run("copies session fields", func(t *testing.T) {
		s := validTestSession()
		s.StartedAt = start

		record := s.ToHistoryRecord(start.Add(90*time.Second), "Late Show")

		assert.Equal(t, s.UserID, record.UserID)
		assert.Equal(t, s.ChannelID, record.ChannelID)
		assert.Equal(t, s.ChannelName, record.ChannelName)
		assert.Equal(t, s.SourceID, record.SourceID)
		assert.Equal(t, start, record.StartedAt)
		assert.Equal(t, s.StartProgram, record.StartProgram)
	})

	t.Run("duration rounds to nearest second", func(t *testing.T) {
		tests := []struct {
			name    string
			elapsed time.Duration
			want    int
		}{
			{"exact seconds", 90 * time.Second, 90},
			{"rounds down below half", 90*time.Second + 400*time.Millisecond, 90},
			{"rounds up at half", 90*time.Second + 500*time.Millisecond, 91},
			{"rounds up above half", 90*time.Second + 700*time.Millisecond, 91},
			{"zero duration", 0, 0},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := validTestSession()
				s.StartedAt = start

				record := s.ToHistoryRecord(start.Add(tt.elapsed), "")
				assert.Equal(t, tt.want, record.DurationSeconds)
			})
		}
	})

	t.Run("end program stored only when different", func(t *testing.T) {
		s := validTestSession()
		s.StartedAt = start
		s.StartProgram = "Evening News"

		same := s.ToHistoryRecord(start.Add(time.Minute), "Evening News")
		assert.Empty(t, same.EndProgram, "unchanged programme should not duplicate the label")

		changed := s.ToHistoryRecord(start.Add(time.Minute), "Late Show")
		assert.Equal(t, "Late Show", changed.EndProgram)
	})

	t.Run("end program recorded when start label was empty", func(t *testing.T) {
		s := validTestSession()
		s.StartedAt = start
		s.StartProgram = ""

		record := s.ToHistoryRecord(start.Add(time.Minute), "Late Show")
		assert.Equal(t, "Late Show", record.EndProgram)
	})
}

func TestStreamSession_BeforeCreate(t *testing.T) {
	t.Run("generates ID and validates", func(t *testing.T) {
		s := validTestSession()
		err := s.BeforeCreate(nil)
		require.NoError(t, err)
		assert.False(t, s.ID.IsZero())
	})

	t.Run("rejects invalid session", func(t *testing.T) {
		s := validTestSession()
		s.UserID = ""
		err := s.BeforeCreate(nil)
		assert.ErrorIs(t, err, ErrUserIDRequired)
	})
}
