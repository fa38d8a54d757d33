package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/thomasbambino/streamcore/internal/ledger"
	"github.com/thomasbambino/streamcore/internal/models"
	"github.com/thomasbambino/streamcore/internal/observability"
	"github.com/thomasbambino/streamcore/internal/repository"
)

type sessionHandler struct {
	ledger  *ledger.Ledger
	history repository.ViewingHistoryRepository
}

type acquireBody struct {
	UserID      string `json:"user_id"`
	SourceID    string `json:"source_id,omitempty"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name,omitempty"`
	Device      string `json:"device,omitempty"`
}

type releasedBody struct {
	Released int `json:"released"`
}

type historyBody struct {
	Records []*models.ViewingHistoryRecord `json:"records"`
}

func (h *sessionHandler) acquire(w http.ResponseWriter, r *http.Request) {
	var body acquireBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.UserID == "" || body.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "user_id and channel_id are required")
		return
	}

	req := ledger.AcquireRequest{
		UserID:      body.UserID,
		ChannelID:   body.ChannelID,
		ChannelName: body.ChannelName,
		SourceID:    body.SourceID,
		ClientIP:    clientIP(r),
		Device:      body.Device,
	}

	var (
		result *ledger.AcquireResult
		err    error
	)
	if body.SourceID == "" {
		result, err = h.ledger.AcquireUnbounded(r.Context(), req)
	} else {
		result, err = h.ledger.Acquire(r.Context(), req)
	}
	if err != nil {
		observability.LoggerFromContext(r.Context()).Error("session acquire failed",
			slog.String("user_id", body.UserID),
			slog.String("channel_id", body.ChannelID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "acquiring session failed")
		return
	}

	if result.Denied {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *sessionHandler) heartbeat(w http.ResponseWriter, r *http.Request) {
	ok, err := h.ledger.Heartbeat(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *sessionHandler) release(w http.ResponseWriter, r *http.Request) {
	ok, err := h.ledger.Release(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "release failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *sessionHandler) releaseUser(w http.ResponseWriter, r *http.Request) {
	released, err := h.ledger.ReleaseAllForUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bulk release failed")
		return
	}
	writeJSON(w, http.StatusOK, releasedBody{Released: released})
}

func (h *sessionHandler) releaseSource(w http.ResponseWriter, r *http.Request) {
	released, err := h.ledger.ReleaseAllForSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bulk release failed")
		return
	}
	writeJSON(w, http.StatusOK, releasedBody{Released: released})
}

func (h *sessionHandler) capacity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.CapacityOf(chi.URLParam(r, "id")))
}

func (h *sessionHandler) userHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.history.GetByUserID(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading history failed")
		return
	}
	if records == nil {
		records = []*models.ViewingHistoryRecord{}
	}
	writeJSON(w, http.StatusOK, historyBody{Records: records})
}
