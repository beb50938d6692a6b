package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"detection-relay/internal/engine"
	"detection-relay/internal/platform/metrics"
	"detection-relay/internal/session"
)

var (
	// ErrAlreadyActive is returned when a session already has an engine channel.
	ErrAlreadyActive = errors.New("engine relay already active")

	// ErrNotRelaying is returned when a frame arrives for a session without a
	// camera engine channel.
	ErrNotRelaying = errors.New("no engine relay for session")
)

const (
	DefaultOpenTimeout = 5 * time.Second
	stopWait           = 5 * time.Second
	engineWriteTimeout = 10 * time.Second
)

// EngineChannel is one bidirectional channel to the detection engine.
type EngineChannel interface {
	Send(ctx context.Context, v any) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens engine channels.
type Dialer interface {
	Dial(ctx context.Context) (EngineChannel, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (EngineChannel, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (EngineChannel, error) {
	return f(ctx)
}

type videoPathCommand struct {
	Type       string `json:"type"`
	Path       string `json:"path"`
	SaveOutput bool   `json:"save_output"`
	OutputPath string `json:"output_path,omitempty"`
}

type frameCommand struct {
	Type    string `json:"type"`
	FrameID *int   `json:"frame_id,omitempty"`
	Frame   string `json:"frame"`
}

// link is the engine side of one session.
type link struct {
	sessionID string
	kind      session.Kind

	mu sync.Mutex
	ch EngineChannel

	stopping atomic.Bool
	busy     atomic.Bool
	frames   chan frameCommand
	quit     chan struct{}
	done     chan struct{}
}

func (l *link) channel() EngineChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

// Options configures a Relay.
type Options struct {
	Registry    *session.Registry
	Transport   Transport
	Dialer      Dialer
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	OpenTimeout time.Duration
}

// Relay translates between client channels and engine channels and feeds
// progress into the session registry.
type Relay struct {
	registry    *session.Registry
	transport   Transport
	dialer      Dialer
	log         *slog.Logger
	metrics     *metrics.Metrics
	openTimeout time.Duration

	mu    sync.Mutex
	links map[string]*link
}

// New returns a Relay.
func New(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	return &Relay{
		registry:    opts.Registry,
		transport:   opts.Transport,
		dialer:      opts.Dialer,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		openTimeout: opts.OpenTimeout,
		links:       make(map[string]*link),
	}
}

// OnClientOpen greets a newly connected client.
func (r *Relay) OnClientOpen(sessionID string) {
	msg := NewMessage(TypeConnectionEstablished, sessionID)
	msg.Message = "connection established"
	r.send(sessionID, msg)
	r.log.Info("client connected", slog.String("session_id", sessionID))
}

// OnClientMessage dispatches one client frame. Malformed frames and unknown
// types return ErrProtocol; the caller keeps the channel open.
func (r *Relay) OnClientMessage(sessionID string, raw []byte) error {
	m, err := Decode(raw)
	if err != nil {
		r.metrics.IncProtocolErrors()
		r.log.Warn("malformed client message",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return err
	}

	switch m.Type {
	case TypePing:
		pong := NewMessage(TypePong, map[string]int64{"server_time": time.Now().UnixMilli()})
		pong.Message = "pong"
		r.send(sessionID, pong)
		return nil

	case TypeFrameData:
		return r.pushFrame(sessionID, m, raw)

	case TypeProgressUpdate, TypeDetectionResult:
		c, err := parseCounters(raw)
		if err != nil {
			r.metrics.IncProtocolErrors()
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		_, err = r.registry.ApplyProgress(sessionID, session.Progress{
			FramesProcessed: c.processed(),
			FramesTotal:     c.total(),
			DetectionDelta:  c.detections(),
		})
		if errors.Is(err, session.ErrNotFound) {
			return err
		}
		if err != nil {
			r.log.Debug("progress ignored", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}

		echo := TypeProgress
		if m.Type == TypeDetectionResult {
			echo = TypeDetection
		}
		payload := m.Data
		if len(payload) == 0 {
			payload = json.RawMessage(raw)
		}
		r.send(sessionID, NewMessage(echo, payload))
		return nil
	}

	r.metrics.IncProtocolErrors()
	r.log.Warn("unknown client message type",
		slog.String("session_id", sessionID),
		slog.String("type", m.Type))
	return fmt.Errorf("%w: unknown type %q", ErrProtocol, m.Type)
}

// OnClientClose records a client disconnect. The session keeps running.
func (r *Relay) OnClientClose(sessionID string) {
	r.log.Info("client disconnected", slog.String("session_id", sessionID))
}

// StartEngineRelay opens the engine channel for a session and starts
// forwarding. For stream sessions the source video is submitted right away.
// On failure the client is told and the session is marked failed.
func (r *Relay) StartEngineRelay(ctx context.Context, sessionID, sourcePath, outputPath string) error {
	s, err := r.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", session.ErrInvalidTransition, sessionID, s.State)
	}

	l := &link{
		sessionID: sessionID,
		kind:      s.Kind,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if s.Kind == session.KindCamera {
		l.frames = make(chan frameCommand, 1)
	}
	r.mu.Lock()
	if _, ok := r.links[sessionID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyActive, sessionID)
	}
	r.links[sessionID] = l
	r.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, r.openTimeout)
	ch, err := r.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		r.metrics.IncEngineOpenFailures()
		r.abort(l, nil, fmt.Sprintf("engine channel open failed: %v", err))
		return fmt.Errorf("open engine channel: %w", err)
	}

	l.mu.Lock()
	l.ch = ch
	l.mu.Unlock()
	if l.stopping.Load() {
		ch.Close()
		r.release(l)
		return nil
	}

	if s.Kind == session.KindStream {
		cmd := videoPathCommand{
			Type:       TypeVideoPath,
			Path:       sourcePath,
			SaveOutput: outputPath != "",
			OutputPath: outputPath,
		}
		sendCtx, cancel := context.WithTimeout(ctx, engineWriteTimeout)
		err := ch.Send(sendCtx, cmd)
		cancel()
		if err != nil {
			r.abort(l, ch, fmt.Sprintf("submit video failed: %v", err))
			return fmt.Errorf("submit video: %w", err)
		}
	} else {
		go r.pumpFrames(l, ch)
	}

	r.metrics.SetEngineChannels(r.ActiveChannels())
	r.log.Info("engine relay started",
		slog.String("session_id", sessionID),
		slog.String("kind", string(s.Kind)))

	go r.forward(l, ch)
	return nil
}

// StopEngineRelay asks the engine to stop, closes the channel and waits
// briefly for the forwarding goroutine. It is safe to call at any time.
func (r *Relay) StopEngineRelay(sessionID string) {
	r.mu.Lock()
	l := r.links[sessionID]
	r.mu.Unlock()
	if l == nil {
		return
	}

	if l.stopping.CompareAndSwap(false, true) {
		if ch := l.channel(); ch != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := ch.Send(ctx, map[string]string{"type": TypeStop}); err != nil {
				r.log.Debug("stop command not delivered",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			cancel()
			ch.Close()
		}
	}

	select {
	case <-l.done:
	case <-time.After(stopWait):
		r.log.Warn("engine relay did not stop in time", slog.String("session_id", sessionID))
	}
}

// Shutdown stops every engine channel.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.StopEngineRelay(id)
		}(id)
	}
	wg.Wait()
}

// ActiveChannels returns the number of open or opening engine channels.
func (r *Relay) ActiveChannels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// Relaying reports whether the session has an engine channel.
func (r *Relay) Relaying(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.links[sessionID]
	return ok
}

func (r *Relay) forward(l *link, ch EngineChannel) {
	defer r.release(l)
	defer ch.Close()

	for {
		raw, err := ch.Receive()
		if err != nil {
			if l.stopping.Load() {
				return
			}
			if s, gerr := r.registry.Get(l.sessionID); gerr == nil && s.State == session.StateCompleted {
				return
			}
			reason := fmt.Sprintf("engine channel closed: %v", err)
			if engine.IsNormalClose(err) {
				reason = "engine closed the channel before processing completed"
			}
			r.send(l.sessionID, StatusMessage(TypeConnectionError, reason))
			r.registry.Fail(l.sessionID, reason)
			return
		}
		if finished := r.handleEngineMessage(l.sessionID, raw); finished {
			return
		}
	}
}

// handleEngineMessage relays one engine message and reports whether the
// engine has finished with the session.
func (r *Relay) handleEngineMessage(sessionID string, raw []byte) bool {
	c, err := parseCounters(raw)
	if err != nil || c.Type == "" {
		r.metrics.IncProtocolErrors()
		r.log.Warn("undecodable engine message", slog.String("session_id", sessionID))
		return false
	}
	r.metrics.IncEngineMessages(engineMessageLabel(c.Type))
	data := json.RawMessage(raw)

	switch c.Type {
	case engineVideoInfo:
		total := c.total()
		if total != nil {
			r.applyProgress(sessionID, session.Progress{FramesTotal: total})
		}
		block := ProgressBlock{}
		if total != nil {
			block.Total = *total
		}
		r.send(sessionID, NewMessage(TypeProgressUpdate, block))
		r.send(sessionID, NewMessage(TypeVideoInfo, data))

	case engineFrameResult:
		p := session.Progress{FramesTotal: c.total(), DetectionDelta: c.detections()}
		if c.Progress != nil && c.Progress.Current != nil {
			p.FramesProcessed = c.Progress.Current
		} else {
			// Camera results carry no progress block; each one is a frame.
			p.FramesDelta = 1
		}
		r.applyProgress(sessionID, p)
		if c.Progress != nil {
			block := ProgressBlock{}
			if c.Progress.Current != nil {
				block.Current = *c.Progress.Current
			}
			if c.Progress.Total != nil {
				block.Total = *c.Progress.Total
			}
			if c.Progress.Percent != nil {
				block.Percent = *c.Progress.Percent
			} else if block.Total > 0 {
				block.Percent = float64(block.Current) / float64(block.Total) * 100
			}
			r.send(sessionID, NewMessage(TypeProgressUpdate, block))
		}
		r.send(sessionID, NewMessage(TypeDetectionResult, data))

	case engineProcessingStarted:
		r.send(sessionID, NewMessage(TypeProcessingStarted, data))

	case engineProcessingComplete:
		if c.FramesDone != nil {
			r.applyProgress(sessionID, session.Progress{FramesProcessed: c.FramesDone})
		}
		r.send(sessionID, NewMessage(TypeProcessingComplete, data))
		if _, err := r.registry.Stop(context.Background(), sessionID, true); err != nil {
			r.log.Warn("stop after processing complete failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
		return true

	case engineConnectionEstablished:
		r.send(sessionID, StatusMessage(TypeEngineConnected, "detection engine connected"))

	default:
		r.send(sessionID, NewMessage(c.Type, data))
	}
	return false
}

func (r *Relay) pushFrame(sessionID string, m Message, raw []byte) error {
	r.mu.Lock()
	l := r.links[sessionID]
	r.mu.Unlock()
	if l == nil || l.frames == nil {
		return fmt.Errorf("%w: %s", ErrNotRelaying, sessionID)
	}

	var f frameCommand
	src := m.Data
	if len(src) == 0 || src[0] != '{' {
		src = raw
	}
	if err := json.Unmarshal(src, &f); err != nil || f.Frame == "" {
		r.metrics.IncProtocolErrors()
		return fmt.Errorf("%w: frame_data without frame", ErrProtocol)
	}
	f.Type = TypeFrame

	if !l.busy.CompareAndSwap(false, true) {
		r.metrics.IncFramesDropped()
		return nil
	}
	select {
	case l.frames <- f:
	default:
		l.busy.Store(false)
		r.metrics.IncFramesDropped()
	}
	return nil
}

func (r *Relay) pumpFrames(l *link, ch EngineChannel) {
	for {
		select {
		case <-l.quit:
			return
		case f := <-l.frames:
			ctx, cancel := context.WithTimeout(context.Background(), engineWriteTimeout)
			err := ch.Send(ctx, f)
			cancel()
			l.busy.Store(false)
			if err != nil && !l.stopping.Load() {
				r.log.Warn("frame not delivered to engine",
					slog.String("session_id", l.sessionID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// abort tears down a link whose channel could not be brought up.
func (r *Relay) abort(l *link, ch EngineChannel, reason string) {
	if ch != nil {
		ch.Close()
	}
	r.release(l)
	r.send(l.sessionID, StatusMessage(TypeConnectionError, reason))
	r.registry.Fail(l.sessionID, reason)
}

// release removes the link and signals anyone waiting on it. It runs once
// per link.
func (r *Relay) release(l *link) {
	r.mu.Lock()
	if r.links[l.sessionID] == l {
		delete(r.links, l.sessionID)
	}
	n := len(r.links)
	r.mu.Unlock()

	close(l.quit)
	close(l.done)
	r.metrics.SetEngineChannels(n)
	r.log.Info("engine relay released", slog.String("session_id", l.sessionID))
}

func (r *Relay) applyProgress(sessionID string, p session.Progress) {
	if _, err := r.registry.ApplyProgress(sessionID, p); err != nil {
		r.log.Debug("engine progress ignored",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

func (r *Relay) send(sessionID string, msg Message) {
	if err := r.transport.Send(sessionID, msg); err != nil {
		r.log.Debug("client message not delivered",
			slog.String("session_id", sessionID),
			slog.String("type", msg.Type),
			slog.String("error", err.Error()))
	}
}
