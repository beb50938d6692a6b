package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape: expected 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMetrics_countersExposed(t *testing.T) {
	m := New()
	m.IncCacheHits()
	m.IncCacheMisses()
	m.IncCacheMisses()
	m.IncSessionsEnded("completed")
	m.IncEngineMessages("frame_result")

	body := scrape(t, m, func() { m.SetActiveSessions(3) })

	for _, want := range []string{
		"relay_media_cache_hits_total 1",
		"relay_media_cache_misses_total 2",
		`relay_sessions_ended_total{state="completed"} 1`,
		`relay_engine_messages_total{type="frame_result"} 1`,
		"relay_active_sessions 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in scrape output", want)
		}
	}
}

func TestMetrics_nilIsNoop(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.IncCacheHits()
	m.SetActiveSessions(1)
	m.IncEngineMessages("x")
}

func TestRequestMiddleware_countsErrors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, p := range []string{"/ok", "/missing", "/missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	body := scrape(t, m, nil)
	if !strings.Contains(body, "relay_requests_total 3") {
		t.Errorf("expected 3 requests: %s", body)
	}
	if !strings.Contains(body, "relay_errors_total 2") {
		t.Errorf("expected 2 errors: %s", body)
	}
}
