package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

const maxUploadBytes = 64 << 20

// API is the subset of the engine adapter exposed over HTTP.
type API interface {
	Health(ctx context.Context) (Health, error)
	ModelDetails(ctx context.Context) (json.RawMessage, error)
	Detect(ctx context.Context, filename string, r io.Reader) (json.RawMessage, error)
	DetectBatch(ctx context.Context, folder string) (json.RawMessage, error)
}

// Handler proxies the one-shot engine endpoints.
type Handler struct {
	api API
	log *slog.Logger
}

// NewHandler returns a Handler backed by api.
func NewHandler(api API, log *slog.Logger) *Handler {
	return &Handler{api: api, log: log}
}

// Health handles GET /engine/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.api.Health(r.Context())
	if err != nil {
		h.fail(w, "engine health", err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// Model handles GET /engine/model.
func (h *Handler) Model(w http.ResponseWriter, r *http.Request) {
	doc, err := h.api.ModelDetails(r.Context())
	if err != nil {
		h.fail(w, "engine model details", err)
		return
	}
	writeRaw(w, doc)
}

// Detect handles POST /engine/detect with a multipart "file" upload.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		h.log.Debug("invalid detect upload", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer file.Close()

	doc, err := h.api.Detect(r.Context(), hdr.Filename, file)
	if err != nil {
		h.fail(w, "engine detect", err)
		return
	}
	writeRaw(w, doc)
}

// DetectBatch handles GET /engine/detect_batch?folder_path=.
func (h *Handler) DetectBatch(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder_path")
	if folder == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	doc, err := h.api.DetectBatch(r.Context(), folder)
	if err != nil {
		h.fail(w, "engine detect batch", err)
		return
	}
	writeRaw(w, doc)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := StatusFor(err)
	h.log.Warn(op+" failed", slog.Int("status", status), slog.String("error", err.Error()))
	writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
}

// StatusFor maps an adapter error to the HTTP status returned to clients.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, doc json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}
