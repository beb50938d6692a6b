package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"detection-relay/internal/platform/metrics"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when a mutation targets a terminal session.
	ErrInvalidTransition = errors.New("session is terminal")

	// ErrAlreadyExists is returned when Create reuses the id of a live session.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrInvalidKind is returned when Create is given an unknown session kind.
	ErrInvalidKind = errors.New("invalid session kind")

	// ErrInvalidID is returned when Create is given an id that is not a
	// plain token. Ids end up in file names and URLs.
	ErrInvalidID = errors.New("invalid session id")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether id may name a session.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// DefaultMinCameraPersist is the shortest camera session worth persisting.
const DefaultMinCameraPersist = 5 * time.Second

// Saver is the persistence collaborator notified when a session ends.
type Saver interface {
	Save(ctx context.Context, sum Summary) error
}

// SaverFunc adapts a function to the Saver interface.
type SaverFunc func(ctx context.Context, sum Summary) error

// Save calls f(ctx, sum).
func (f SaverFunc) Save(ctx context.Context, sum Summary) error {
	return f(ctx, sum)
}

// Params describes a session to create. An empty ID asks the registry to
// allocate one.
type Params struct {
	ID         string
	Kind       Kind
	SourcePath string
	OutputPath string
	Camera     *CameraOptions
}

// Progress is a partial counter update. Nil fields are left unchanged;
// FramesDelta and DetectionDelta are added to the running totals.
type Progress struct {
	FramesProcessed *int
	FramesTotal     *int
	FramesDelta     int
	DetectionDelta  int
}

// Options configures a Registry. Zero values select defaults.
type Options struct {
	Store            Store
	Saver            Saver
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	MinCameraPersist time.Duration
}

// Registry is the single source of truth for detection sessions.
type Registry struct {
	mu               sync.RWMutex
	store            Store
	saver            Saver
	log              *slog.Logger
	metrics          *metrics.Metrics
	minCameraPersist time.Duration
	now              func() time.Time
}

// NewRegistry constructs a Registry. Without a Store an InMemoryStore is used;
// without a Saver ended sessions are not persisted.
func NewRegistry(opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = NewInMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MinCameraPersist <= 0 {
		opts.MinCameraPersist = DefaultMinCameraPersist
	}
	return &Registry{
		store:            opts.Store,
		saver:            opts.Saver,
		log:              opts.Logger,
		metrics:          opts.Metrics,
		minCameraPersist: opts.MinCameraPersist,
		now:              time.Now,
	}
}

// Create inserts a new session and moves it to the active state.
func (r *Registry) Create(p Params) (Session, error) {
	if !p.Kind.Valid() {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidKind, p.Kind)
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	} else if !ValidID(id) {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.store.Get(id); ok {
		prev.mu.Lock()
		live := !prev.s.State.Terminal()
		prev.mu.Unlock()
		if live {
			return Session{}, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
		}
	}

	e := &Entry{s: Session{
		ID:         id,
		Kind:       p.Kind,
		SourcePath: p.SourcePath,
		OutputPath: p.OutputPath,
		CreatedAt:  r.now(),
		State:      StateCreated,
	}}
	if p.Camera != nil {
		opts := *p.Camera
		e.s.Camera = &opts
	}
	e.s.State = StateActive
	r.store.Set(e)

	r.log.Info("session created",
		slog.String("session_id", id),
		slog.String("kind", string(p.Kind)))
	return e.s.clone(), nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (Session, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), nil
}

// ApplyProgress merges a counter update into the session. Frame counts only
// move forward and framesProcessed never exceeds a known framesTotal.
// A terminal session is returned unchanged together with ErrInvalidTransition.
func (r *Registry) ApplyProgress(id string, p Progress) (Session, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !canTransition(e.s.State, StateActive) {
		return e.s.clone(), fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, e.s.State)
	}
	e.s.State = StateActive

	if p.FramesTotal != nil && *p.FramesTotal > 0 {
		total := *p.FramesTotal
		if total < e.s.FramesProcessed {
			total = e.s.FramesProcessed
		}
		e.s.FramesTotal = &total
	}
	if p.FramesProcessed != nil && *p.FramesProcessed > e.s.FramesProcessed {
		e.s.FramesProcessed = *p.FramesProcessed
	}
	if p.FramesDelta > 0 {
		e.s.FramesProcessed += p.FramesDelta
	}
	if e.s.FramesTotal != nil && e.s.FramesProcessed > *e.s.FramesTotal {
		e.s.FramesProcessed = *e.s.FramesTotal
	}
	if p.DetectionDelta > 0 {
		e.s.DetectionsTotal += p.DetectionDelta
	}

	return e.s.clone(), nil
}

// Stop completes the session. Stopping a terminal session is a no-op that
// returns it unchanged, so the persistence collaborator sees each session at
// most once. When persist is set the summary is saved, except for camera
// sessions shorter than the configured minimum.
func (r *Registry) Stop(ctx context.Context, id string, persist bool) (Session, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	if e.s.State.Terminal() {
		snap := e.s.clone()
		e.mu.Unlock()
		return snap, nil
	}
	now := r.now()
	e.s.State = StateCompleted
	e.s.EndedAt = &now
	snap := e.s.clone()
	e.mu.Unlock()

	r.metrics.IncSessionsEnded(string(StateCompleted))
	r.log.Info("session completed",
		slog.String("session_id", id),
		slog.Int("frames_processed", snap.FramesProcessed),
		slog.Int("detections_total", snap.DetectionsTotal))

	if !persist || !r.ShouldPersist(snap) {
		return snap, nil
	}

	if err := r.saver.Save(ctx, snap.Summary()); err != nil {
		r.metrics.IncPersistFailures()
		r.log.Error("persist session summary failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
		return snap, nil
	}
	r.metrics.IncSessionsPersisted()

	e.mu.Lock()
	e.s.Persisted = true
	e.mu.Unlock()
	snap.Persisted = true
	return snap, nil
}

// ShouldPersist reports whether a completed session qualifies for persistence.
func (r *Registry) ShouldPersist(s Session) bool {
	if r.saver == nil {
		return false
	}
	if s.Kind == KindCamera && s.Duration(r.now()) < r.minCameraPersist {
		return false
	}
	return true
}

// MinCameraPersist is the shortest camera session that is persisted on stop.
func (r *Registry) MinCameraPersist() time.Duration {
	return r.minCameraPersist
}

// Fail moves a live session to the failed state. Terminal sessions are
// returned unchanged.
func (r *Registry) Fail(id, reason string) (Session, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	if e.s.State.Terminal() {
		snap := e.s.clone()
		e.mu.Unlock()
		return snap, nil
	}
	now := r.now()
	e.s.State = StateFailed
	e.s.EndedAt = &now
	e.s.FailureReason = reason
	snap := e.s.clone()
	e.mu.Unlock()

	r.metrics.IncSessionsEnded(string(StateFailed))
	r.log.Warn("session failed",
		slog.String("session_id", id),
		slog.String("reason", reason))
	return snap, nil
}

// SweepExpired removes terminal sessions that ended more than retention ago
// and returns how many were removed. Live sessions are never removed.
func (r *Registry) SweepExpired(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for _, e := range r.store.List() {
		e.mu.Lock()
		expired := e.s.State.Terminal() && e.s.EndedAt != nil && now.Sub(*e.s.EndedAt) > retention
		e.mu.Unlock()
		if expired {
			r.store.Delete(e.ID())
			removed++
		}
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("session sweeper started",
		slog.Duration("interval", interval),
		slog.Duration("retention", retention))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("session sweeper stopped")
			return
		case <-ticker.C:
			if n := r.SweepExpired(retention); n > 0 {
				r.log.Info("expired sessions removed", slog.Int("count", n))
			}
		}
	}
}

// List returns snapshots of every session, newest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	entries := r.store.List()
	r.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ActiveCount returns the number of sessions that are not terminal.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	entries := r.store.List()
	r.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.s.State.Terminal() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (r *Registry) lookup(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Get(id)
}
