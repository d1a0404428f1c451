package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"defectbot/internal/defects"
	"defectbot/internal/storage"
	logx "defectbot/pkg/logx"
)

// errorResponse matches the {"detail": "..."} shape the web frontend expects.
type errorResponse struct {
	Detail string `json:"detail"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, errorResponse{Detail: detail})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicate),
		errors.Is(err, defects.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// detailFor returns a client-safe message for err.
func detailFor(err error) string {
	switch {
	case errors.Is(err, defects.ErrNotUpdated):
		return "Defect not found or not updated"
	case errors.Is(err, storage.ErrNotFound):
		return "Defect not found"
	case errors.Is(err, storage.ErrDuplicate):
		return "A user with this Telegram ID already exists"
	case errors.Is(err, defects.ErrInvalid):
		return err.Error()
	default:
		return "Internal server error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err),
		)
	} else {
		h.log.Debug("request rejected",
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Err(err),
		)
	}
	respondError(w, status, detailFor(err))
}
