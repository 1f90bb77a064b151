package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
)

const (
	// StaleAfter is the age past which a session is finalized by the sweep.
	StaleAfter = time.Hour
	// CleanupInterval is how often the scheduled sweep runs.
	CleanupInterval = StaleAfter
)

var (
	// ErrSessionNotFound is returned for unknown or already finalized sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPersistenceFailure wraps errors returned by the Sink.
	ErrPersistenceFailure = errors.New("persisting usage record")
)

// Sink durably stores finalized usage records.
type Sink interface {
	SaveUsage(ctx context.Context, rec UsageRecord) error
}

// Registry is the in-memory table of active sessions. All methods are safe
// for concurrent use. Usage held here is lost if the process dies before a
// session is finalized.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	seq      uint64
	sink     Sink
	clock    quartz.Clock

	events      chan<- Event // nil disables event emission
	dropMu      sync.Mutex
	dropped     int64
	lastDropLog time.Time
}

// NewRegistry creates an empty registry that finalizes sessions into sink.
// A nil clock uses the real clock.
func NewRegistry(sink Sink, clock quartz.Clock) *Registry {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		sink:     sink,
		clock:    clock,
	}
}

// SetEvents configures a channel for session lifecycle events. Events are
// sent without blocking; when the consumer falls behind they are dropped.
// Must be called before the registry is used.
func (r *Registry) SetEvents(ch chan<- Event) {
	r.events = ch
}

// StartSession inserts a new session with zeroed counters and returns its
// identifier. Identifiers combine the user, the device, the creation time in
// milliseconds and a registry sequence number, so they are never reused.
func (r *Registry) StartSession(userID string, info DeviceInfo) string {
	now := r.clock.Now()

	r.mu.Lock()
	r.seq++
	id := fmt.Sprintf("%s_%s_%d_%d", userID, info.DeviceID, now.UnixMilli(), r.seq)
	s := &Session{
		ID:         id,
		UserID:     userID,
		DeviceID:   info.DeviceID,
		DeviceType: info.DeviceType,
		IPAddress:  info.IPAddress,
		Location:   info.Location,
		StartTime:  now,
	}
	r.sessions[id] = s
	snap := s.Clone()
	count := len(r.sessions)
	r.mu.Unlock()

	r.emit(Event{Type: EventStarted, Session: snap, ActiveCount: count})
	return id
}

// UpdateUsage adds the byte increments in m to the session totals and
// replaces its last metrics with the readings in m. Negative increments are
// ignored so the totals never decrease.
func (r *Registry) UpdateUsage(id string, m Metrics) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if m.Download > 0 {
		s.Download += m.Download
	}
	if m.Upload > 0 {
		s.Upload += m.Upload
	}
	link := m.link()
	s.LastMetrics = &link
	s.ReportCount++
	snap := s.Clone()
	count := len(r.sessions)
	r.mu.Unlock()

	r.emit(Event{Type: EventUpdated, Session: snap, ActiveCount: count})
	return nil
}

// EndSession finalizes a session: it computes the closing record, writes it
// to the sink and removes the session. At most one concurrent call per
// session gets past the lookup; the others see ErrSessionNotFound. If the
// sink fails the session is put back so a later call can retry, and the
// error wraps ErrPersistenceFailure.
func (r *Registry) EndSession(ctx context.Context, id string) (*UsageRecord, error) {
	return r.endSession(ctx, id, false)
}

func (r *Registry) endSession(ctx context.Context, id string, swept bool) (*UsageRecord, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	now := r.clock.Now()
	rec := UsageRecord{
		ID:              uuid.NewString(),
		SessionID:       s.ID,
		UserID:          s.UserID,
		DeviceID:        s.DeviceID,
		DeviceType:      s.DeviceType,
		Download:        s.Download,
		Upload:          s.Upload,
		Location:        s.Location,
		IPAddress:       s.IPAddress,
		SessionDuration: elapsedMinutes(s.StartTime, now),
		StartedAt:       s.StartTime,
		EndedAt:         now,
	}
	if s.LastMetrics != nil {
		rec.DownloadSpeed = s.LastMetrics.DownloadSpeed
		rec.UploadSpeed = s.LastMetrics.UploadSpeed
		rec.Latency = s.LastMetrics.Latency
		rec.PacketLoss = s.LastMetrics.PacketLoss
	}

	if err := r.save(ctx, rec); err != nil {
		r.mu.Lock()
		r.sessions[id] = s
		snap := s.Clone()
		count := len(r.sessions)
		r.mu.Unlock()

		err = fmt.Errorf("%w: session %s: %w", ErrPersistenceFailure, id, err)
		r.emit(Event{Type: EventFinalizeFailed, Session: snap, Swept: swept, Err: err, ActiveCount: count})
		return nil, err
	}

	r.mu.RLock()
	count := len(r.sessions)
	r.mu.RUnlock()
	r.emit(Event{Type: EventFinalized, Session: s.Clone(), Record: &rec, Swept: swept, ActiveCount: count})
	return &rec, nil
}

// save calls the sink, turning a panic into an error so the caller can
// restore the session.
func (r *Registry) save(ctx context.Context, rec UsageRecord) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panic: %v", p)
		}
	}()
	return r.sink.SaveUsage(ctx, rec)
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// ActiveSessions returns a snapshot of every active session, oldest first.
func (r *Registry) ActiveSessions() []ActiveSession {
	now := r.clock.Now()

	r.mu.RLock()
	result := make([]ActiveSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, ActiveSession{
			Session:  *s.Clone(),
			Duration: elapsedMinutes(s.StartTime, now),
		})
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].StartTime.Before(result[j].StartTime)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CleanupStaleSessions finalizes every session older than StaleAfter and
// returns how many were finalized. Stale ids are collected before any is
// finalized; a failure on one session is logged and the sweep moves on.
func (r *Registry) CleanupStaleSessions(ctx context.Context) int {
	now := r.clock.Now()

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if now.Sub(s.StartTime) > StaleAfter {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}
	sort.Strings(stale)

	finalized := 0
	for _, id := range stale {
		if _, err := r.endSession(ctx, id, true); err != nil {
			// Lost the race with an explicit EndSession.
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			log.Printf("Stale session %s not finalized: %v", id, err)
			continue
		}
		finalized++
	}
	log.Printf("Stale session sweep: %d of %d finalized", finalized, len(stale))
	return finalized
}

// StartCleanupSchedule runs CleanupStaleSessions every CleanupInterval until
// ctx is cancelled. The returned waiter reports when the schedule has
// stopped. A panicking sweep is logged and the schedule continues.
func (r *Registry) StartCleanupSchedule(ctx context.Context) quartz.Waiter {
	log.Printf("Stale session sweep scheduled every %s", CleanupInterval)
	return r.clock.TickerFunc(ctx, CleanupInterval, func() error {
		r.sweepOnce(ctx)
		return nil
	}, "registry", "cleanup")
}

func (r *Registry) sweepOnce(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("Stale session sweep panicked: %v", p)
		}
	}()
	r.CleanupStaleSessions(ctx)
}

// emit sends an event to the configured channel without blocking. Dropped
// events are counted and logged at most once per 10 seconds.
func (r *Registry) emit(ev Event) {
	if r.events == nil {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropMu.Lock()
		defer r.dropMu.Unlock()
		r.dropped++
		now := r.clock.Now()
		if r.lastDropLog.IsZero() || now.Sub(r.lastDropLog) >= 10*time.Second {
			log.Printf("Session events dropped: %d (channel full)", r.dropped)
			r.dropped = 0
			r.lastDropLog = now
		}
	}
}
