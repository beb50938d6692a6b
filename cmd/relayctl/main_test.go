package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type capturedRequest struct {
	method string
	path   string
	query  string
	body   map[string]any
}

func newFakeServer(t *testing.T, reqs *[]capturedRequest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	capture := func(r *http.Request) {
		c := capturedRequest{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&c.body)
		}
		*reqs = append(*reqs, c)
	}
	reply := func(w http.ResponseWriter, v string) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(v))
	}

	mux.HandleFunc("GET /engine/health", func(w http.ResponseWriter, r *http.Request) {
		capture(r)
		reply(w, `{"status":"healthy","model_loaded":true}`)
	})
	mux.HandleFunc("POST /realtime/stream/start", func(w http.ResponseWriter, r *http.Request) {
		capture(r)
		reply(w, `{"session_id":"s1","state":"active","websocket_url":"/ws/realtime/s1","output_url":"/media/stream_result_s1.mp4"}`)
	})
	mux.HandleFunc("POST /realtime/camera/stop", func(w http.ResponseWriter, r *http.Request) {
		capture(r)
		reply(w, `{"session_id":"cam","state":"completed","duration_ms":2000,"saved":false,"reason":"session shorter than 5s"}`)
	})
	mux.HandleFunc("GET /realtime/sessions", func(w http.ResponseWriter, r *http.Request) {
		capture(r)
		reply(w, `[{"session_id":"s1","kind":"stream","state":"active","frames_total":100,"frames_processed":25,"detections_total":3,"duration_ms":4000,"relaying":true}]`)
	})
	mux.HandleFunc("GET /realtime/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		capture(r)
		http.Error(w, `{"error":"Not Found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("GET /records", func(w http.ResponseWriter, r *http.Request) {
		capture(r)
		reply(w, `[]`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestHealthCmd(t *testing.T) {
	var reqs []capturedRequest
	srv := newFakeServer(t, &reqs)

	out, err := run(t, srv.URL, "health")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "status: healthy") || !strings.Contains(out, "model loaded: true") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestStreamStartCmd(t *testing.T) {
	var reqs []capturedRequest
	srv := newFakeServer(t, &reqs)

	out, err := run(t, srv.URL, "stream", "start", "/videos/in.mp4", "--save")
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	body := reqs[0].body
	if body["video_path"] != "/videos/in.mp4" || body["save_output"] != true {
		t.Errorf("unexpected body %v", body)
	}
	if _, ok := body["session_id"]; ok {
		t.Error("session_id must be omitted when --id is not set")
	}
	if !strings.Contains(out, "session: s1 (active)") || !strings.Contains(out, "/media/stream_result_s1.mp4") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestSessionListCmd(t *testing.T) {
	var reqs []capturedRequest
	srv := newFakeServer(t, &reqs)

	out, err := run(t, srv.URL, "session", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "s1") || !strings.Contains(out, "25/100") {
		t.Errorf("unexpected table %q", out)
	}
}

func TestSessionStopCmd_camera(t *testing.T) {
	var reqs []capturedRequest
	srv := newFakeServer(t, &reqs)

	out, err := run(t, srv.URL, "session", "stop", "cam", "--camera", "--save=false")
	if err != nil {
		t.Fatal(err)
	}
	if reqs[0].body["save_result"] != false || reqs[0].body["session_id"] != "cam" {
		t.Errorf("unexpected body %v", reqs[0].body)
	}
	if !strings.Contains(out, "not saved: session shorter than 5s") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestSessionStatusCmd_notFound(t *testing.T) {
	var reqs []capturedRequest
	srv := newFakeServer(t, &reqs)

	_, err := run(t, srv.URL, "session", "status", "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestRecordsCmd(t *testing.T) {
	var reqs []capturedRequest
	srv := newFakeServer(t, &reqs)

	out, err := run(t, srv.URL, "records", "--limit", "5")
	if err != nil {
		t.Fatal(err)
	}
	if reqs[0].query != "limit=5" {
		t.Errorf("expected limit query, got %q", reqs[0].query)
	}
	if !strings.Contains(out, "No records found.") {
		t.Errorf("unexpected output %q", out)
	}

	if _, err := run(t, srv.URL, "records", "--type", "camera_detection"); err != nil {
		t.Fatal(err)
	}
	if reqs[1].query != "file_type=camera_detection" {
		t.Errorf("expected file_type query, got %q", reqs[1].query)
	}
}

func TestServerUnreachable(t *testing.T) {
	_, err := run(t, "http://127.0.0.1:1", "health")
	if err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("expected unreachable error, got %v", err)
	}
}
