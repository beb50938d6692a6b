package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"detection-relay/internal/engine"
	"detection-relay/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// HealthChecker reports detection engine health.
type HealthChecker interface {
	Health(ctx context.Context) (engine.Health, error)
}

// Handler exposes the realtime session endpoints.
type Handler struct {
	registry  *session.Registry
	relay     *Relay
	engine    HealthChecker
	outputDir string
	log       *slog.Logger
}

// NewHandler returns a Handler. Stream outputs are written under outputDir.
func NewHandler(registry *session.Registry, relay *Relay, hc HealthChecker, outputDir string, log *slog.Logger) *Handler {
	return &Handler{registry: registry, relay: relay, engine: hc, outputDir: outputDir, log: log}
}

type streamStartRequest struct {
	SessionID  string `json:"session_id"`
	VideoPath  string `json:"video_path"`
	SaveOutput bool   `json:"save_output"`
}

type cameraStartRequest struct {
	SessionID  string  `json:"session_id"`
	FPS        int     `json:"fps"`
	Quality    float64 `json:"quality"`
	SkipFrames bool    `json:"skip_frames"`
}

type stopRequest struct {
	SessionID  string `json:"session_id"`
	SaveResult *bool  `json:"save_result"`
}

type startResponse struct {
	SessionID    string `json:"session_id"`
	State        string `json:"state"`
	WebSocketURL string `json:"websocket_url"`
	OutputURL    string `json:"output_url,omitempty"`
}

type cameraStopResponse struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	DurationMs int64  `json:"duration_ms"`
	Saved      bool   `json:"saved"`
	Reason     string `json:"reason,omitempty"`
}

type sessionView struct {
	session.Session
	Percent    float64 `json:"percent"`
	DurationMs int64   `json:"duration_ms"`
	Relaying   bool    `json:"relaying"`
}

// StartStream handles POST /realtime/stream/start.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	var req streamStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VideoPath == "" {
		h.log.Debug("invalid stream start body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if !session.ValidID(req.SessionID) {
		h.log.Debug("invalid session id", slog.String("session_id", req.SessionID))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var output string
	if req.SaveOutput {
		output = filepath.Join(h.outputDir, "stream_result_"+req.SessionID+".mp4")
	}

	s, err := h.registry.Create(session.Params{
		ID:         req.SessionID,
		Kind:       session.KindStream,
		SourcePath: req.VideoPath,
		OutputPath: output,
	})
	if err != nil {
		h.createFailed(w, err)
		return
	}

	if err := h.relay.StartEngineRelay(r.Context(), s.ID, req.VideoPath, output); err != nil {
		h.startFailed(w, s.ID, err)
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		SessionID:    s.ID,
		State:        string(session.StateActive),
		WebSocketURL: "/ws/realtime/" + s.ID,
		OutputURL:    session.MediaURL(output),
	})
}

// StopStream handles POST /realtime/stream/stop.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.relay.StopEngineRelay(req.SessionID)
	s, err := h.registry.Stop(r.Context(), req.SessionID, true)
	if err != nil {
		h.stopFailed(w, req.SessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(s))
}

// StartCamera handles POST /realtime/camera/start.
func (h *Handler) StartCamera(w http.ResponseWriter, r *http.Request) {
	var req cameraStartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	s, err := h.registry.Create(session.Params{
		ID:   req.SessionID,
		Kind: session.KindCamera,
		Camera: &session.CameraOptions{
			FPS:        req.FPS,
			Quality:    req.Quality,
			SkipFrames: req.SkipFrames,
		},
	})
	if err != nil {
		h.createFailed(w, err)
		return
	}

	if err := h.relay.StartEngineRelay(r.Context(), s.ID, "", ""); err != nil {
		h.startFailed(w, s.ID, err)
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		SessionID:    s.ID,
		State:        string(session.StateActive),
		WebSocketURL: "/ws/realtime/" + s.ID,
	})
}

// StopCamera handles POST /realtime/camera/stop.
func (h *Handler) StopCamera(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	save := req.SaveResult == nil || *req.SaveResult

	h.relay.StopEngineRelay(req.SessionID)
	s, err := h.registry.Stop(r.Context(), req.SessionID, save)
	if err != nil {
		h.stopFailed(w, req.SessionID, err)
		return
	}

	resp := cameraStopResponse{
		SessionID:  s.ID,
		State:      string(s.State),
		DurationMs: s.Duration(time.Now()).Milliseconds(),
		Saved:      s.Persisted,
	}
	switch {
	case !save:
		resp.Reason = "save not requested"
	case s.Persisted:
	case s.Duration(time.Now()) < h.registry.MinCameraPersist():
		resp.Reason = "session shorter than " + h.registry.MinCameraPersist().String()
	default:
		resp.Reason = "session summary not persisted"
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSessions handles GET /realtime/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.List()
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, h.view(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetSession handles GET /realtime/sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	s, err := h.registry.Get(id)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.view(s))
}

// EngineStatus handles GET /realtime/engine.
func (h *Handler) EngineStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"active_channels":  h.relay.ActiveChannels(),
		"active_sessions":  h.registry.ActiveCount(),
		"engine_available": false,
	}
	if h.engine != nil {
		health, err := h.engine.Health(r.Context())
		if err != nil {
			h.log.Info("engine health check failed", slog.String("error", err.Error()))
		} else {
			resp["engine_available"] = health.Status == "ok"
			resp["model_loaded"] = health.ModelLoaded
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) view(s session.Session) sessionView {
	return sessionView{
		Session:    s,
		Percent:    s.Percent(),
		DurationMs: s.Duration(time.Now()).Milliseconds(),
		Relaying:   h.relay.Relaying(s.ID),
	}
}

func (h *Handler) createFailed(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session already active"})
	case errors.Is(err, session.ErrInvalidKind), errors.Is(err, session.ErrInvalidID):
		w.WriteHeader(http.StatusBadRequest)
	default:
		h.log.Error("create session failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (h *Handler) startFailed(w http.ResponseWriter, sessionID string, err error) {
	if errors.Is(err, ErrAlreadyActive) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "engine relay already active", "session_id": sessionID})
		return
	}
	h.log.Warn("engine relay start failed",
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()))
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": "detection engine unavailable", "session_id": sessionID})
}

func (h *Handler) stopFailed(w http.ResponseWriter, sessionID string, err error) {
	if errors.Is(err, session.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.log.Error("stop session failed",
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()))
	w.WriteHeader(http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
