package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew_levels(t *testing.T) {
	cases := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		log := New(tc.level, "text")
		if !log.Enabled(context.Background(), tc.want) {
			t.Errorf("level %q: expected %v enabled", tc.level, tc.want)
		}
		if tc.want > slog.LevelDebug && log.Enabled(context.Background(), tc.want-4) {
			t.Errorf("level %q: lower level should be disabled", tc.level)
		}
	}
}

func TestRequestLogger_recordsStatus(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/a.mp4", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("status: got %v", entry["status"])
	}
	if entry["size"] != float64(len("short and stout")) {
		t.Errorf("size: got %v", entry["size"])
	}
	if entry["path"] != "/media/a.mp4" {
		t.Errorf("path: got %v", entry["path"])
	}
}

func TestResponseWriter_hijackUnsupported(t *testing.T) {
	w := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("expected error when recorder cannot hijack")
	}
}
