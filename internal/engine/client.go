package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultOpenTimeout    = 5 * time.Second
)

// Health is the engine's /health response.
type Health struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Config holds the engine endpoints and timeouts. Zero timeouts select the
// defaults.
type Config struct {
	BaseURL        string
	StreamURL      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	OpenTimeout    time.Duration
}

// Client is a thin adapter over the detection engine's HTTP and WebSocket
// endpoints. Every method maps to exactly one upstream call and never retries.
type Client struct {
	baseURL   string
	streamURL string
	http      *http.Client
	dialer    *websocket.Dialer
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	netDialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		streamURL: cfg.StreamURL,
		http: &http.Client{
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           netDialer.DialContext,
				ResponseHeaderTimeout: cfg.ReadTimeout,
				MaxIdleConnsPerHost:   8,
			},
		},
		dialer: &websocket.Dialer{
			NetDialContext:   netDialer.DialContext,
			HandshakeTimeout: cfg.OpenTimeout,
		},
	}
}

// Health queries GET /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	body, err := c.get(ctx, "health", "/health")
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(body, &h); err != nil {
		return h, fmt.Errorf("%w: health: %v", ErrBadResponse, err)
	}
	return h, nil
}

// ModelDetails queries GET /model_details and returns the raw JSON document.
func (c *Client) ModelDetails(ctx context.Context) (json.RawMessage, error) {
	body, err := c.get(ctx, "model details", "/model_details")
	if err != nil {
		return nil, err
	}
	return asJSON("model details", body)
}

// Detect uploads one file to POST /detect as multipart field "file".
func (c *Client) Detect(ctx context.Context, filename string, r io.Reader) (json.RawMessage, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("detect: create form file: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return nil, fmt.Errorf("detect: copy upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("detect: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", &buf)
	if err != nil {
		return nil, fmt.Errorf("detect: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := c.do(req, "detect")
	if err != nil {
		return nil, err
	}
	return asJSON("detect", body)
}

// DetectBatch asks the engine to process every image in a server-side folder.
func (c *Client) DetectBatch(ctx context.Context, folder string) (json.RawMessage, error) {
	body, err := c.get(ctx, "detect batch", "/detect_batch?folder_path="+url.QueryEscape(folder))
	if err != nil {
		return nil, err
	}
	return asJSON("detect batch", body)
}

// FetchResult downloads an artifact from GET /result/{filename}.
func (c *Client) FetchResult(ctx context.Context, filename string) ([]byte, error) {
	return c.get(ctx, "fetch result", "/result/"+url.PathEscape(filename))
}

// OpenStream dials the engine's streaming WebSocket. The handshake is bounded
// by the configured open timeout.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.streamURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: open stream: handshake status %d", ErrBadResponse, resp.StatusCode)
		}
		return nil, classify("open stream", err)
	}
	return newStream(conn), nil
}

func (c *Client) get(ctx context.Context, op, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	return c.do(req, op)
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(op, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, op)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: %s: status %d", ErrBadResponse, op, resp.StatusCode)
	}
	return body, nil
}

func asJSON(op string, body []byte) (json.RawMessage, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s: invalid json", ErrBadResponse, op)
	}
	return json.RawMessage(body), nil
}
