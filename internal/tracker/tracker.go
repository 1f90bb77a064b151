// Package tracker ties the session registry to the event dispatcher. It is
// the only package that knows both.
package tracker

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/coder/quartz"
	"github.com/usage-relay/backend/internal/event"
	"github.com/usage-relay/backend/internal/metrics"
	"github.com/usage-relay/backend/internal/session"
)

const eventBuffer = 256

// Tracker checks session ownership for client requests, then delegates to
// the registry. Run turns registry lifecycle events into user-facing events
// and metrics.
type Tracker struct {
	registry   *session.Registry
	dispatcher *event.Dispatcher
	metrics    *metrics.Metrics
	clock      quartz.Clock
	events     chan session.Event
}

// New creates a Tracker and subscribes it to the registry's event stream.
// The caller must run Run in a goroutine.
func New(reg *session.Registry, d *event.Dispatcher, m *metrics.Metrics, clock quartz.Clock) *Tracker {
	if clock == nil {
		clock = quartz.NewReal()
	}
	ch := make(chan session.Event, eventBuffer)
	reg.SetEvents(ch)
	return &Tracker{
		registry:   reg,
		dispatcher: d,
		metrics:    m,
		clock:      clock,
		events:     ch,
	}
}

func (t *Tracker) StartSession(userID string, info session.DeviceInfo) string {
	return t.registry.StartSession(userID, info)
}

// ReportUsage applies m to a session owned by userID.
func (t *Tracker) ReportUsage(userID, sessionID string, m session.Metrics) error {
	if err := t.checkOwner(userID, sessionID); err != nil {
		return err
	}
	return t.registry.UpdateUsage(sessionID, m)
}

// EndSession finalizes a session owned by userID.
func (t *Tracker) EndSession(ctx context.Context, userID, sessionID string) (*session.UsageRecord, error) {
	if err := t.checkOwner(userID, sessionID); err != nil {
		return nil, err
	}
	return t.registry.EndSession(ctx, sessionID)
}

func (t *Tracker) ActiveSessions() []session.ActiveSession {
	return t.registry.ActiveSessions()
}

// checkOwner reports a session owned by someone else as not found, so
// callers cannot probe for other users' session ids.
func (t *Tracker) checkOwner(userID, sessionID string) error {
	s, ok := t.registry.Get(sessionID)
	if !ok || s.UserID != userID {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	return nil
}

// Run processes registry events until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			t.processEvent(ev)
		}
	}
}

func (t *Tracker) processEvent(ev session.Event) {
	s := ev.Session
	if s == nil {
		return
	}
	if t.metrics != nil {
		t.metrics.SessionsActive.Set(float64(ev.ActiveCount))
	}

	switch ev.Type {
	case session.EventStarted:
		t.count(func(m *metrics.Metrics) { m.SessionsStarted.Inc() })

	case session.EventUpdated:
		t.count(func(m *metrics.Metrics) { m.UsageReports.Inc() })
		t.dispatcher.UsageUpdated(s.UserID, t.liveUsage(s))

	case session.EventFinalized:
		rec := ev.Record
		t.count(func(m *metrics.Metrics) {
			m.SessionsFinalized.WithLabelValues(metrics.Reason(ev.Swept)).Inc()
			m.UsageBytes.WithLabelValues("download").Add(float64(rec.Download))
			m.UsageBytes.WithLabelValues("upload").Add(float64(rec.Upload))
		})
		t.dispatcher.UsageUpdated(s.UserID, finalUsage(rec))
		if ev.Swept {
			t.dispatcher.UserNotification(s.UserID, event.Notification{
				Title: "Session closed",
				Body:  fmt.Sprintf("Session %s was closed after inactivity.", s.ID),
				Level: "info",
			})
		}

	case session.EventFinalizeFailed:
		t.count(func(m *metrics.Metrics) {
			m.FinalizeFailures.WithLabelValues(metrics.Reason(ev.Swept)).Inc()
		})
		log.Printf("Usage for session %s not saved: %v", s.ID, ev.Err)
	}
}

func (t *Tracker) count(fn func(m *metrics.Metrics)) {
	if t.metrics != nil {
		fn(t.metrics)
	}
}

func (t *Tracker) liveUsage(s *session.Session) event.Usage {
	u := event.Usage{
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		Download:  s.Download,
		Upload:    s.Upload,
		Duration:  int(math.Round(t.clock.Since(s.StartTime).Minutes())),
	}
	if lm := s.LastMetrics; lm != nil {
		u.DownloadSpeed = lm.DownloadSpeed
		u.UploadSpeed = lm.UploadSpeed
		u.Latency = lm.Latency
		u.PacketLoss = lm.PacketLoss
	}
	return u
}

func finalUsage(rec *session.UsageRecord) event.Usage {
	return event.Usage{
		SessionID:     rec.SessionID,
		DeviceID:      rec.DeviceID,
		Download:      rec.Download,
		Upload:        rec.Upload,
		DownloadSpeed: rec.DownloadSpeed,
		UploadSpeed:   rec.UploadSpeed,
		Latency:       rec.Latency,
		PacketLoss:    rec.PacketLoss,
		Duration:      rec.SessionDuration,
		Final:         true,
	}
}
