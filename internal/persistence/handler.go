package persistence

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"detection-relay/internal/session"

	"github.com/go-chi/chi/v5"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBatchDelete   = 500
)

// Handler serves persisted session summaries.
type Handler struct {
	records Records
	log     *slog.Logger
}

// NewHandler returns a Handler backed by records.
func NewHandler(records Records, log *slog.Logger) *Handler {
	return &Handler{records: records, log: log}
}

// ListRecords handles GET /records?limit=N&file_type=T.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, r.URL.Query().Get("file_type"))
}

// ListByType handles GET /records/type/{file_type}.
func (h *Handler) ListByType(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, chi.URLParam(r, "file_type"))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, fileType string) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := h.records.List(r.Context(), Filter{Limit: limit, FileType: fileType})
	if err != nil {
		h.log.Error("list records failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetRecord handles GET /records/{session_id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	sum, err := h.records.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("get record failed", slog.String("session_id", id), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// DeleteRecord handles DELETE /records/{session_id}.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	n, err := h.records.Delete(r.Context(), id)
	if err != nil {
		h.log.Error("delete record failed", slog.String("session_id", id), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if n == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteBatch handles DELETE /records/batch with a JSON array of session ids.
func (h *Handler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil || len(ids) == 0 || len(ids) > maxBatchDelete {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	n, err := h.records.Delete(r.Context(), ids...)
	if err != nil {
		h.log.Error("batch delete failed", slog.Int("count", len(ids)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
