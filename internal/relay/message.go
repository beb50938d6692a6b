package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrProtocol is returned for client messages that are malformed or of an
// unknown type. The channel stays open.
var ErrProtocol = errors.New("relay protocol error")

// Message types seen on the client channel.
const (
	TypeConnectionEstablished = "connection_established"
	TypeEngineConnected       = "engine_connected"
	TypeConnectionError       = "connection_error"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeFrameData             = "frame_data"
	TypeProgressUpdate        = "progress_update"
	TypeDetectionResult       = "detection_result"
	TypeProgress              = "progress"
	TypeDetection             = "detection"
	TypeVideoInfo             = "video_info"
	TypeProcessingStarted     = "processing_started"
	TypeProcessingComplete    = "processing_complete"
)

// Engine-side message and command types.
const (
	TypeVideoPath = "video_path"
	TypeStop      = "stop"
	TypeFrame     = "frame"

	engineVideoInfo             = "video_info"
	engineFrameResult           = "frame_result"
	engineProcessingStarted     = "processing_started"
	engineProcessingComplete    = "processing_complete"
	engineConnectionEstablished = "connection_established"
)

// engineMessageLabel bounds the metric label set to the known engine types.
func engineMessageLabel(typ string) string {
	switch typ {
	case engineVideoInfo, engineFrameResult, engineProcessingStarted,
		engineProcessingComplete, engineConnectionEstablished:
		return typ
	}
	return "other"
}

// Message is the envelope exchanged with clients.
type Message struct {
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage builds an envelope stamped with the current time. data may be a
// json.RawMessage, any JSON-encodable value, or nil.
func NewMessage(typ string, data any) Message {
	m := Message{Type: typ, Timestamp: time.Now().UnixMilli()}
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		m.Data = d
	default:
		if b, err := json.Marshal(d); err == nil {
			m.Data = b
		}
	}
	return m
}

// StatusMessage builds an envelope carrying only a human-readable text.
func StatusMessage(typ, text string) Message {
	return Message{Type: typ, Message: text, Timestamp: time.Now().UnixMilli()}
}

// Decode parses a client frame. The type field is required.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if m.Type == "" {
		return m, fmt.Errorf("%w: missing type", ErrProtocol)
	}
	return m, nil
}

// ProgressBlock is the {current,total,percent} triple reported to clients.
type ProgressBlock struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// counters is the union of progress fields any producer may report, either
// at the top level or nested under data.
type counters struct {
	Type           string            `json:"type"`
	Data           json.RawMessage   `json:"data"`
	FrameID        *int              `json:"frame_id"`
	Current        *int              `json:"current"`
	Total          *int              `json:"total"`
	TotalFrames    *int              `json:"total_frames"`
	DetectionCount *int              `json:"detection_count"`
	Detections     []json.RawMessage `json:"detections"`
	FramesDone     *int              `json:"frames_processed"`
	Progress       *struct {
		Current *int     `json:"current"`
		Total   *int     `json:"total"`
		Percent *float64 `json:"percent"`
	} `json:"progress"`
}

func parseCounters(raw []byte) (counters, error) {
	var c counters
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, err
	}
	if len(c.Data) > 0 && c.Data[0] == '{' {
		var inner counters
		if err := json.Unmarshal(c.Data, &inner); err == nil {
			inner.Type = c.Type
			return inner, nil
		}
	}
	return c, nil
}

func (c counters) processed() *int {
	if c.Progress != nil && c.Progress.Current != nil {
		return c.Progress.Current
	}
	if c.Current != nil {
		return c.Current
	}
	return c.FrameID
}

func (c counters) total() *int {
	if c.Progress != nil && c.Progress.Total != nil {
		return c.Progress.Total
	}
	if c.TotalFrames != nil {
		return c.TotalFrames
	}
	return c.Total
}

func (c counters) detections() int {
	if c.DetectionCount != nil {
		return *c.DetectionCount
	}
	return len(c.Detections)
}
