package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newFakeEngine(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","model_loaded":true}`))
	})
	mux.HandleFunc("/model_details", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"yolov8n","classes":["fire","smoke"]}`))
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		file, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		data, _ := io.ReadAll(file)
		json.NewEncoder(w).Encode(map[string]any{"filename": hdr.Filename, "size": len(data)})
	})
	mux.HandleFunc("/detect_batch", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"folder": r.URL.Query().Get("folder_path")})
	})
	mux.HandleFunc("/result/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/out.mp4") {
			w.Write([]byte("video-bytes"))
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/ws/video_stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection_established"}`))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		BaseURL:   srv.URL,
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/video_stream",
	})
}

func TestClient_Health(t *testing.T) {
	c := newTestClient(newFakeEngine(t))
	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || !h.ModelLoaded {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestClient_ModelDetails(t *testing.T) {
	c := newTestClient(newFakeEngine(t))
	doc, err := c.ModelDetails(context.Background())
	if err != nil {
		t.Fatalf("ModelDetails: %v", err)
	}
	if !bytes.Contains(doc, []byte("yolov8n")) {
		t.Errorf("unexpected document %s", doc)
	}
}

func TestClient_Detect(t *testing.T) {
	c := newTestClient(newFakeEngine(t))
	doc, err := c.Detect(context.Background(), "frame.jpg", strings.NewReader("12345"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	var got struct {
		Filename string `json:"filename"`
		Size     int    `json:"size"`
	}
	if err := json.Unmarshal(doc, &got); err != nil {
		t.Fatal(err)
	}
	if got.Filename != "frame.jpg" || got.Size != 5 {
		t.Errorf("unexpected detect echo %+v", got)
	}
}

func TestClient_DetectBatch_escapesFolder(t *testing.T) {
	c := newTestClient(newFakeEngine(t))
	doc, err := c.DetectBatch(context.Background(), "/data/my images&x")
	if err != nil {
		t.Fatalf("DetectBatch: %v", err)
	}
	if !bytes.Contains(doc, []byte(`"/data/my images&x"`)) {
		t.Errorf("folder not passed through intact: %s", doc)
	}
}

func TestClient_FetchResult(t *testing.T) {
	c := newTestClient(newFakeEngine(t))

	data, err := c.FetchResult(context.Background(), "out.mp4")
	if err != nil || string(data) != "video-bytes" {
		t.Fatalf("FetchResult: %q %v", data, err)
	}

	_, err = c.FetchResult(context.Background(), "missing.mp4")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_errorClassification(t *testing.T) {
	srv := newFakeEngine(t)

	t.Run("bad_status", func(t *testing.T) {
		c := newTestClient(srv)
		_, err := c.get(context.Background(), "broken", "/broken")
		if !errors.Is(err, ErrBadResponse) {
			t.Errorf("expected ErrBadResponse, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		c := NewClient(Config{BaseURL: srv.URL, ReadTimeout: 50 * time.Millisecond})
		_, err := c.get(context.Background(), "slow", "/slow")
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("unavailable", func(t *testing.T) {
		c := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
		_, err := c.Health(context.Background())
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("expected ErrUnavailable, got %v", err)
		}
	})

	t.Run("invalid_json", func(t *testing.T) {
		c := newTestClient(srv)
		c.baseURL = srv.URL + "/result"
		_, err := c.ModelDetails(context.Background())
		if err == nil {
			t.Error("expected error for non-json body")
		}
	})
}

func TestClient_OpenStream(t *testing.T) {
	c := newTestClient(newFakeEngine(t))
	s, err := c.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer s.Close()

	first, err := s.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Contains(first, []byte("connection_established")) {
		t.Errorf("unexpected first message %s", first)
	}

	if err := s.Send(context.Background(), map[string]string{"type": "stop"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	echo, err := s.Receive()
	if err != nil {
		t.Fatalf("Receive echo: %v", err)
	}
	if string(echo) != `{"type":"stop"}` {
		t.Errorf("unexpected echo %s", echo)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	s.Close()
	if _, err := s.Receive(); err == nil {
		t.Error("Receive after Close should fail")
	}
}

func TestClient_OpenStream_unreachable(t *testing.T) {
	c := NewClient(Config{StreamURL: "ws://127.0.0.1:1/ws/video_stream", OpenTimeout: 200 * time.Millisecond})
	_, err := c.OpenStream(context.Background())
	if !errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrUnavailable or ErrTimeout, got %v", err)
	}
}
