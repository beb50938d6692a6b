package media

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
)

type mapSource map[string][]byte

func (m mapSource) Resolve(_ context.Context, name string) ([]byte, error) {
	data, ok := m[name]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func newTestRouter(t *testing.T, files mapSource) *chi.Mux {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	h := NewHandler(files, log)
	r := chi.NewRouter()
	r.Get("/media/{filename}", h.ServeMedia)
	r.Head("/media/{filename}", h.ServeMedia)
	r.Options("/media/{filename}", h.ServeMedia)
	return r
}

func artifact(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func do(r http.Handler, method, path, rng string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if rng != "" {
		req.Header.Set("Range", rng)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestServeMedia_ranges(t *testing.T) {
	data := artifact(1000)
	r := newTestRouter(t, mapSource{"out.mp4": data})

	tests := []struct {
		name         string
		rng          string
		wantStatus   int
		wantRange    string
		wantStart    int
		wantBodySize int
	}{
		{"no_range", "", http.StatusOK, "", 0, 1000},
		{"exact", "bytes=0-99", http.StatusPartialContent, "bytes 0-99/1000", 0, 100},
		{"end_clamped", "bytes=900-2000", http.StatusPartialContent, "bytes 900-999/1000", 900, 100},
		{"start_beyond_size", "bytes=2000-3000", http.StatusRequestedRangeNotSatisfiable, "bytes */1000", 0, 0},
		{"start_at_size", "bytes=1000-", http.StatusRequestedRangeNotSatisfiable, "bytes */1000", 0, 0},
		{"open_ended", "bytes=500-", http.StatusPartialContent, "bytes 500-999/1000", 500, 500},
		{"suffix", "bytes=-100", http.StatusPartialContent, "bytes 900-999/1000", 900, 100},
		{"suffix_larger_than_file", "bytes=-5000", http.StatusPartialContent, "bytes 0-999/1000", 0, 1000},
		{"end_before_start", "bytes=50-10", http.StatusRequestedRangeNotSatisfiable, "bytes */1000", 0, 0},
		{"malformed", "bytes=abc-def", http.StatusOK, "", 0, 1000},
		{"wrong_unit", "items=0-5", http.StatusOK, "", 0, 1000},
		{"multi_range", "bytes=0-1,5-6", http.StatusOK, "", 0, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(r, http.MethodGet, "/media/out.mp4", tt.rng)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := rec.Header().Get("Content-Range"); got != tt.wantRange {
				t.Errorf("Content-Range: expected %q, got %q", tt.wantRange, got)
			}
			if rec.Body.Len() != tt.wantBodySize {
				t.Fatalf("expected %d body bytes, got %d", tt.wantBodySize, rec.Body.Len())
			}
			if tt.wantBodySize > 0 && !bytes.Equal(rec.Body.Bytes(), data[tt.wantStart:tt.wantStart+tt.wantBodySize]) {
				t.Error("body does not match the requested slice")
			}
			if rec.Header().Get("Accept-Ranges") != "bytes" {
				t.Error("expected Accept-Ranges: bytes")
			}
		})
	}
}

func TestServeMedia_contentTypes(t *testing.T) {
	files := mapSource{}
	tests := map[string]string{
		"a.mp4":  "video/mp4",
		"a.avi":  "video/x-msvideo",
		"a.mov":  "video/quicktime",
		"a.webm": "video/webm",
		"a.png":  "image/png",
		"a.jpg":  "image/jpeg",
		"a.JPEG": "image/jpeg",
		"a.bin":  "application/octet-stream",
		"noext":  "application/octet-stream",
	}
	for name := range tests {
		files[name] = []byte("x")
	}
	r := newTestRouter(t, files)

	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			rec := do(r, http.MethodGet, "/media/"+name, "")
			if got := rec.Header().Get("Content-Type"); got != want {
				t.Errorf("expected %s, got %s", want, got)
			}
		})
	}
}

func TestServeMedia_head(t *testing.T) {
	r := newTestRouter(t, mapSource{"out.mp4": artifact(1000)})

	rec := do(r, http.MethodHead, "/media/out.mp4", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != "1000" {
		t.Errorf("expected full Content-Length 1000, got %s", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD must not write a body, got %d bytes", rec.Body.Len())
	}

	for _, rng := range []string{"bytes=0-99", "bytes=5000-"} {
		t.Run(rng, func(t *testing.T) {
			rec := do(r, http.MethodHead, "/media/out.mp4", rng)
			if rec.Code != http.StatusOK {
				t.Errorf("HEAD with Range should report the full resource, got %d", rec.Code)
			}
			if got := rec.Header().Get("Content-Length"); got != "1000" {
				t.Errorf("expected full Content-Length 1000, got %s", got)
			}
			if rec.Header().Get("Content-Range") != "" {
				t.Error("HEAD must not carry Content-Range")
			}
		})
	}
}

func TestServeMedia_options(t *testing.T) {
	r := newTestRouter(t, mapSource{})

	rec := do(r, http.MethodOptions, "/media/anything.mp4", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET, HEAD, OPTIONS" {
		t.Errorf("unexpected Allow header %q", got)
	}
}

func TestServeMedia_notFound(t *testing.T) {
	r := newTestRouter(t, mapSource{"out.mp4": artifact(10)})

	for _, p := range []string{"/media/missing.mp4", "/media/..%2Fsecret", "/media/a..b"} {
		rec := do(r, http.MethodGet, p, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", p, rec.Code)
		}
	}
}

func TestServeMedia_inlineDispositionForVideo(t *testing.T) {
	r := newTestRouter(t, mapSource{"out.mp4": artifact(10), "frame.png": artifact(10)})

	if got := do(r, http.MethodGet, "/media/out.mp4", "").Header().Get("Content-Disposition"); got != "inline" {
		t.Errorf("expected inline disposition for video, got %q", got)
	}
	if got := do(r, http.MethodGet, "/media/frame.png", "").Header().Get("Content-Disposition"); got != "" {
		t.Errorf("expected no disposition for image, got %q", got)
	}
}
