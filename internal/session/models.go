package session

import (
	"path/filepath"
	"time"
)

// Kind distinguishes live camera sessions from pre-recorded video streams.
type Kind string

const (
	KindCamera Kind = "camera"
	KindStream Kind = "stream"
)

// Valid reports whether k is a known session kind.
func (k Kind) Valid() bool {
	return k == KindCamera || k == KindStream
}

// State is a point in the session lifecycle.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further mutation is accepted in state s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions lists the legal successors of each non-terminal state.
var transitions = map[State][]State{
	StateCreated: {StateActive, StateFailed},
	StateActive:  {StateActive, StateCompleted, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CameraOptions are the capture settings a camera client announced on start.
// The relay does not act on them; they are reported back on status queries.
type CameraOptions struct {
	FPS        int     `json:"fps,omitempty"`
	Quality    float64 `json:"quality,omitempty"`
	SkipFrames bool    `json:"skip_frames,omitempty"`
}

// Session is a snapshot of one detection job. Values returned by the
// Registry are copies; mutating them has no effect on registry state.
type Session struct {
	ID              string         `json:"session_id"`
	Kind            Kind           `json:"kind"`
	SourcePath      string         `json:"source_path,omitempty"`
	OutputPath      string         `json:"output_path,omitempty"`
	Camera          *CameraOptions `json:"camera,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	State           State          `json:"state"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	FramesTotal     *int           `json:"frames_total,omitempty"`
	FramesProcessed int            `json:"frames_processed"`
	DetectionsTotal int            `json:"detections_total"`
	Persisted       bool           `json:"persisted"`
}

// Percent returns processing progress in [0, 100], or 0 while the total is unknown.
func (s Session) Percent() float64 {
	if s.FramesTotal == nil || *s.FramesTotal <= 0 {
		return 0
	}
	return float64(s.FramesProcessed) / float64(*s.FramesTotal) * 100
}

// Duration is the wall time between creation and the end of the session,
// or until now for sessions still running.
func (s Session) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.CreatedAt)
	}
	return now.Sub(s.CreatedAt)
}

func (s Session) clone() Session {
	c := s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.FramesTotal != nil {
		n := *s.FramesTotal
		c.FramesTotal = &n
	}
	if s.Camera != nil {
		opts := *s.Camera
		c.Camera = &opts
	}
	return c
}

// Summary is the record handed to the persistence collaborator when a
// session ends.
type Summary struct {
	SessionID       string    `json:"session_id"`
	Kind            Kind      `json:"kind"`
	FileType        string    `json:"file_type"`
	State           State     `json:"state"`
	FramesTotal     *int      `json:"frames_total,omitempty"`
	FramesProcessed int       `json:"frames_processed"`
	DetectionsTotal int       `json:"detections_total"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationMs      int64     `json:"duration_ms"`
	SourceURL       string    `json:"source_url,omitempty"`
	OutputURL       string    `json:"output_url,omitempty"`
}

// MediaURL is the relay path under which an artifact file is served.
func MediaURL(path string) string {
	if path == "" {
		return ""
	}
	return "/media/" + filepath.Base(path)
}

// Summary builds the persistence record for s. It is meaningful only once
// the session is terminal.
func (s Session) Summary() Summary {
	sum := Summary{
		SessionID:       s.ID,
		Kind:            s.Kind,
		FileType:        "camera_detection",
		State:           s.State,
		FramesProcessed: s.FramesProcessed,
		DetectionsTotal: s.DetectionsTotal,
		StartedAt:       s.CreatedAt,
		SourceURL:       MediaURL(s.SourcePath),
		OutputURL:       MediaURL(s.OutputPath),
	}
	if s.Kind == KindStream {
		sum.FileType = "video_stream"
	}
	if s.FramesTotal != nil {
		n := *s.FramesTotal
		sum.FramesTotal = &n
	}
	if s.EndedAt != nil {
		sum.EndedAt = *s.EndedAt
		sum.DurationMs = s.EndedAt.Sub(s.CreatedAt).Milliseconds()
	}
	return sum
}
