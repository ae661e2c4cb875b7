package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"beacon/cmd/internal/alert"
)

const readTimeout = 5 * time.Second

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// API serves one-shot alert reads for tracking pages that cannot hold a socket.
type API struct {
	log   *slog.Logger
	store alert.Store
}

// NewAPI constructs the read API.
func NewAPI(log *slog.Logger, store alert.Store) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{log: log, store: store}
}

// Register wires the read routes onto mux.
func (a *API) Register(mux *http.ServeMux) {
	if a == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /api/alerts/{id}", a.handleGet)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing_alert_id", "alert id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	got, err := a.store.Get(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, alertPayload(got))
	case errors.Is(err, alert.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", msgNotFound)
	default:
		d := alert.Debug(err)
		a.log.Error("tracking.get.fail", "alert_id", id, "code", d.Code, "message", d.Message)
		writeError(w, http.StatusServiceUnavailable, "fetch_failed", msgFetchFailed)
	}
}
