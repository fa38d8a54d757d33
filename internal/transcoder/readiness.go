package transcoder

import (
	"errors"
	"os"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// ErrPlaylistNotReady is returned when a freshly spawned worker does not
// produce a playable playlist within the ready timeout. The condition is
// transient; callers are expected to retry.
var ErrPlaylistNotReady = errors.New("playlist not ready")

// playlistReady reports whether data parses as a media playlist holding at
// least one complete segment. A zero-duration entry is the muxer mid-write
// and does not count.
func playlistReady(data []byte) bool {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return false
	}

	media, ok := pl.(*playlist.Media)
	if !ok {
		return false
	}

	for _, seg := range media.Segments {
		if seg.Duration > 0 {
			return true
		}
	}
	return false
}

// playlistFileReady loads the playlist from disk and checks readiness. A
// missing or truncated file is simply not ready yet.
func playlistFileReady(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return playlistReady(data)
}
