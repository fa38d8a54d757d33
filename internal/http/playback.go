package http

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/thomasbambino/streamcore/internal/observability"
	"github.com/thomasbambino/streamcore/internal/storage"
	"github.com/thomasbambino/streamcore/internal/transcoder"
)

type playbackHandler struct {
	supervisor *transcoder.Supervisor
	output     *storage.Sandbox
}

type ensurePlaylistBody struct {
	SourceURL string `json:"source_url"`
}

type playlistBody struct {
	PlaylistURL string `json:"playlist_url"`
}

type retryBody struct {
	Retry bool   `json:"retry"`
	Error string `json:"error"`
}

// hlsContentTypes maps the two file kinds a worker produces; neither
// sniffs correctly through http.ServeContent.
var hlsContentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
}

func (h *playbackHandler) ensurePlaylist(w http.ResponseWriter, r *http.Request) {
	var body ensurePlaylistBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.SourceURL == "" {
		writeError(w, http.StatusBadRequest, "source_url is required")
		return
	}

	channelKey := chi.URLParam(r, "key")
	rel, err := h.supervisor.EnsurePlaylist(r.Context(), channelKey, body.SourceURL)
	switch {
	case errors.Is(err, transcoder.ErrInvalidChannelKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transcoder.ErrPlaylistNotReady):
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusServiceUnavailable, retryBody{Retry: true, Error: err.Error()})
	case err != nil:
		observability.LoggerFromContext(r.Context()).Error("ensuring playlist failed",
			slog.String("channel_key", channelKey),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "transcode startup failed")
	default:
		writeJSON(w, http.StatusOK, playlistBody{PlaylistURL: path.Join("/hls", rel)})
	}
}

func (h *playbackHandler) serveOutput(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")

	f, err := h.output.Open(rel)
	if err != nil {
		// Escapes and missing files look the same from outside.
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	ext := strings.ToLower(path.Ext(rel))
	if ct, ok := hlsContentTypes[ext]; ok {
		w.Header().Set("Content-Type", ct)
	}
	// Rolling live output; a cached playlist freezes playback.
	w.Header().Set("Cache-Control", "no-store")

	// A playlist fetch is the player's poll loop, so it counts as
	// worker activity.
	if ext == ".m3u8" {
		if key, _, found := strings.Cut(path.Clean(rel), "/"); found {
			h.supervisor.Touch(key)
		}
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
