package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// ContentType maps a filename extension to the served media type.
func ContentType(filename string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Source resolves artifact bytes by filename.
type Source interface {
	Resolve(ctx context.Context, filename string) ([]byte, error)
}

// Handler serves artifacts with byte-range support.
type Handler struct {
	src Source
	log *slog.Logger
}

// NewHandler returns a Handler reading from src.
func NewHandler(src Source, log *slog.Logger) *Handler {
	return &Handler{src: src, log: log}
}

// ServeMedia handles GET, HEAD and OPTIONS /media/{filename}.
func (h *Handler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		return
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	filename := chi.URLParam(r, "filename")
	if !validFilename(filename) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	data, err := h.src.Resolve(r.Context(), filename)
	if err != nil {
		h.log.Info("media not found",
			slog.String("filename", filename),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusNotFound)
		return
	}

	size := int64(len(data))
	ct := ContentType(filename)
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Accept-Ranges", "bytes")
	if strings.HasPrefix(ct, "video/") {
		w.Header().Set("Content-Disposition", "inline")
	}

	// HEAD always describes the full representation.
	start, end, res := int64(0), int64(0), rangeNone
	if r.Method != http.MethodHead {
		start, end, res = parseRange(r.Header.Get("Range"), size)
	}
	switch res {
	case rangeUnsatisfiable:
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	case rangeOK:
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}

func validFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

type rangeResult int

const (
	rangeNone rangeResult = iota
	rangeOK
	rangeUnsatisfiable
)

// parseRange interprets a single-range Range header against size bytes.
// Headers it cannot interpret yield rangeNone and the full body is served.
func parseRange(header string, size int64) (start, end int64, res rangeResult) {
	byteRange, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(byteRange, ",") {
		return 0, 0, rangeNone
	}
	first, last, ok := strings.Cut(strings.TrimSpace(byteRange), "-")
	if !ok {
		return 0, 0, rangeNone
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, rangeNone
		}
		if n == 0 || size == 0 {
			return 0, 0, rangeUnsatisfiable
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, rangeOK
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, rangeNone
	}
	if start >= size {
		return 0, 0, rangeUnsatisfiable
	}

	end = size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < 0 {
			return 0, 0, rangeNone
		}
		if end > size-1 {
			end = size - 1
		}
	}
	if start > end {
		return 0, 0, rangeUnsatisfiable
	}
	return start, end, rangeOK
}
