package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/goleak"
)

// fakeSink records every saved usage record. When failFor returns true for
// a session the save fails instead.
type fakeSink struct {
	mu      sync.Mutex
	records []UsageRecord
	failFor func(sessionID string) bool
	panics  bool
}

func (s *fakeSink) SaveUsage(_ context.Context, rec UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics {
		panic("sink exploded")
	}
	if s.failFor != nil && s.failFor(rec.SessionID) {
		return errors.New("store unavailable")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeSink) Records() []UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UsageRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *fakeSink) setFailFor(fn func(string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor = fn
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSink, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	sink := &fakeSink{}
	return NewRegistry(sink, clock), sink, clock
}

func testDevice(id string) DeviceInfo {
	return DeviceInfo{DeviceID: id, DeviceType: "router", IPAddress: "203.0.113.9", Location: "Porto"}
}

func TestStartSession_VisibleImmediately(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	id := r.StartSession("u1", testDevice("d1"))
	if !strings.HasPrefix(id, "u1_d1_") {
		t.Errorf("session id %q should start with user and device", id)
	}

	active := r.ActiveSessions()
	if len(active) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(active))
	}
	s := active[0]
	if s.ID != id || s.UserID != "u1" || s.DeviceID != "d1" || s.DeviceType != "router" {
		t.Errorf("unexpected session: %+v", s)
	}
	if s.Download != 0 || s.Upload != 0 || s.LastMetrics != nil {
		t.Errorf("new session should have zeroed counters, got %+v", s)
	}

	if err := r.UpdateUsage(id, Metrics{Download: 1}); err != nil {
		t.Errorf("UpdateUsage right after start: %v", err)
	}
}

func TestStartSession_UniqueIDsAtSameInstant(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := r.StartSession("u1", testDevice("d1"))
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func TestStartSession_NoReuseAfterEnd(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first := r.StartSession("u1", testDevice("d1"))
	if _, err := r.EndSession(ctx, first); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	second := r.StartSession("u1", testDevice("d1"))
	if first == second {
		t.Errorf("session id %q reused after finalize", first)
	}
}

func TestUpdateUsage_AccumulatesTotals(t *testing.T) {
	r, sink, clock := newTestRegistry(t)
	ctx := context.Background()

	id := r.StartSession("U", testDevice("D"))
	if err := r.UpdateUsage(id, Metrics{Download: 100, Upload: 20}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateUsage(id, Metrics{Download: 50}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(7*time.Minute + 29*time.Second).MustWait(ctx)

	rec, err := r.EndSession(ctx, id)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if rec.Download != 150 || rec.Upload != 20 {
		t.Errorf("totals = %d/%d, want 150/20", rec.Download, rec.Upload)
	}
	if rec.SessionDuration != 7 {
		t.Errorf("SessionDuration = %d, want 7", rec.SessionDuration)
	}

	records := sink.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(records))
	}
	if records[0].Download != 150 || records[0].Upload != 20 {
		t.Errorf("persisted totals = %d/%d, want 150/20", records[0].Download, records[0].Upload)
	}
}

func TestUpdateUsage_SumMatchesIncrements(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	id := r.StartSession("u1", testDevice("d1"))

	reports := []Metrics{
		{Download: 5},
		{Upload: 7},
		{},
		{Download: 1000, Upload: 3},
		{Download: -40}, // ignored
		{Download: 12, Upload: 1},
	}
	for _, m := range reports {
		if err := r.UpdateUsage(id, m); err != nil {
			t.Fatal(err)
		}
	}

	rec, err := r.EndSession(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Download != 1017 || rec.Upload != 11 {
		t.Errorf("totals = %d/%d, want 1017/11", rec.Download, rec.Upload)
	}
}

func TestUpdateUsage_ReplacesLastMetrics(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	id := r.StartSession("u1", testDevice("d1"))

	_ = r.UpdateUsage(id, Metrics{DownloadSpeed: 90, UploadSpeed: 10, Latency: 20, PacketLoss: 0.5})
	_ = r.UpdateUsage(id, Metrics{DownloadSpeed: 45, Latency: 35})

	s, ok := r.Get(id)
	if !ok {
		t.Fatal("session missing")
	}
	want := LinkMetrics{DownloadSpeed: 45, Latency: 35}
	if *s.LastMetrics != want {
		t.Errorf("LastMetrics = %+v, want %+v", *s.LastMetrics, want)
	}
	if s.ReportCount != 2 {
		t.Errorf("ReportCount = %d, want 2", s.ReportCount)
	}

	rec, err := r.EndSession(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.DownloadSpeed != 45 || rec.UploadSpeed != 0 || rec.Latency != 35 || rec.PacketLoss != 0 {
		t.Errorf("record metrics = %+v", rec)
	}
}

func TestUpdateUsage_UnknownSession(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	r.StartSession("u1", testDevice("d1"))
	before := r.ActiveSessions()

	err := r.UpdateUsage("missing", Metrics{Download: 10})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	after := r.ActiveSessions()
	if len(after) != len(before) || after[0].Download != 0 {
		t.Errorf("failed update changed registry state: %+v", after)
	}
	if len(sink.Records()) != 0 {
		t.Error("failed update wrote a record")
	}
}

func TestEndSession_UnknownSession(t *testing.T) {
	r, sink, _ := newTestRegistry(t)

	rec, err := r.EndSession(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if rec != nil {
		t.Error("expected nil record")
	}
	if len(sink.Records()) != 0 {
		t.Error("record written for unknown session")
	}
}

func TestEndSession_RemovesAndPersistsOnce(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	ctx := context.Background()
	id := r.StartSession("u1", testDevice("d1"))

	rec, err := r.EndSession(ctx, id)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if rec.ID == "" {
		t.Error("record should have an id")
	}
	if rec.SessionID != id || rec.UserID != "u1" || rec.DeviceType != "router" ||
		rec.IPAddress != "203.0.113.9" || rec.Location != "Porto" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.DownloadSpeed != 0 || rec.Latency != 0 {
		t.Errorf("missing metrics should default to zero: %+v", rec)
	}

	if got := len(r.ActiveSessions()); got != 0 {
		t.Errorf("session still active after end, count = %d", got)
	}

	if _, err := r.EndSession(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second EndSession: expected ErrSessionNotFound, got %v", err)
	}
	if got := len(sink.Records()); got != 1 {
		t.Errorf("expected exactly 1 persisted record, got %d", got)
	}
}

func TestEndSession_PersistenceFailureKeepsSession(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	ctx := context.Background()
	sink.setFailFor(func(string) bool { return true })

	id := r.StartSession("u1", testDevice("d1"))
	_ = r.UpdateUsage(id, Metrics{Download: 64})

	_, err := r.EndSession(ctx, id)
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Fatalf("expected ErrPersistenceFailure, got %v", err)
	}

	s, ok := r.Get(id)
	if !ok {
		t.Fatal("session should be restored after a failed finalize")
	}
	if s.Download != 64 {
		t.Errorf("restored session lost usage: %+v", s)
	}

	sink.setFailFor(nil)
	rec, err := r.EndSession(ctx, id)
	if err != nil {
		t.Fatalf("retry EndSession: %v", err)
	}
	if rec.Download != 64 {
		t.Errorf("Download = %d, want 64", rec.Download)
	}
	if got := len(sink.Records()); got != 1 {
		t.Errorf("expected 1 record, got %d", got)
	}
}

func TestEndSession_SinkPanicIsPersistenceFailure(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	sink.panics = true
	id := r.StartSession("u1", testDevice("d1"))

	_, err := r.EndSession(context.Background(), id)
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Fatalf("expected ErrPersistenceFailure, got %v", err)
	}
	if _, ok := r.Get(id); !ok {
		t.Error("session should be restored after a sink panic")
	}
}

func TestConcurrentUpdates_NoLostIncrements(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	id := r.StartSession("u1", testDevice("d1"))

	const workers = 64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.UpdateUsage(id, Metrics{Download: 10, Upload: 1}); err != nil {
				t.Errorf("UpdateUsage: %v", err)
			}
		}()
	}
	wg.Wait()

	s, _ := r.Get(id)
	if s.Download != workers*10 || s.Upload != workers {
		t.Errorf("totals = %d/%d, want %d/%d", s.Download, s.Upload, workers*10, workers)
	}
}

func TestConcurrentEndSession_SingleFinalize(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	id := r.StartSession("u1", testDevice("d1"))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.EndSession(context.Background(), id)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly 1 successful finalize, got %d", successes)
	}
	if got := len(sink.Records()); got != 1 {
		t.Errorf("expected 1 record, got %d", got)
	}
}

func TestActiveSessions_SnapshotAndOrder(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	first := r.StartSession("u1", testDevice("d1"))
	clock.Advance(10 * time.Minute).MustWait(ctx)
	second := r.StartSession("u2", testDevice("d2"))
	_ = r.UpdateUsage(second, Metrics{Download: 3, Latency: 9})
	clock.Advance(5 * time.Minute).MustWait(ctx)

	active := r.ActiveSessions()
	if len(active) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(active))
	}
	if active[0].ID != first || active[1].ID != second {
		t.Errorf("order = [%s %s], want oldest first", active[0].ID, active[1].ID)
	}
	if active[0].Duration != 15 || active[1].Duration != 5 {
		t.Errorf("durations = %d/%d, want 15/5", active[0].Duration, active[1].Duration)
	}

	active[1].Download = 999
	active[1].LastMetrics.Latency = 999
	s, _ := r.Get(second)
	if s.Download != 3 || s.LastMetrics.Latency != 9 {
		t.Error("ActiveSessions did not return a copy; mutation leaked into registry")
	}
}

func TestCleanupStaleSessions(t *testing.T) {
	r, sink, clock := newTestRegistry(t)
	ctx := context.Background()

	old := r.StartSession("u1", testDevice("d1"))
	clock.Advance(30 * time.Minute).MustWait(ctx)
	young := r.StartSession("u2", testDevice("d2"))
	clock.Advance(31 * time.Minute).MustWait(ctx)

	if n := r.CleanupStaleSessions(ctx); n != 1 {
		t.Fatalf("first sweep finalized %d, want 1", n)
	}
	if _, ok := r.Get(old); ok {
		t.Error("stale session still active")
	}
	if _, ok := r.Get(young); !ok {
		t.Error("young session was finalized")
	}

	records := sink.Records()
	if len(records) != 1 || records[0].SessionID != old {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].SessionDuration != 61 {
		t.Errorf("SessionDuration = %d, want 61", records[0].SessionDuration)
	}

	if n := r.CleanupStaleSessions(ctx); n != 0 {
		t.Errorf("second sweep finalized %d, want 0", n)
	}
	if got := len(sink.Records()); got != 1 {
		t.Errorf("second sweep wrote records, total = %d", got)
	}
}

func TestCleanupStaleSessions_ExactThresholdNotStale(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	id := r.StartSession("u1", testDevice("d1"))
	clock.Advance(StaleAfter).MustWait(ctx)

	if n := r.CleanupStaleSessions(ctx); n != 0 {
		t.Errorf("session at exactly StaleAfter was finalized")
	}
	if _, ok := r.Get(id); !ok {
		t.Error("session should still be active")
	}
}

func TestCleanupStaleSessions_FailureDoesNotAbortSweep(t *testing.T) {
	r, sink, clock := newTestRegistry(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, r.StartSession(fmt.Sprintf("u%d", i), testDevice("d")))
	}
	failing := ids[1]
	sink.setFailFor(func(id string) bool { return id == failing })
	clock.Advance(2 * time.Hour).MustWait(ctx)

	if n := r.CleanupStaleSessions(ctx); n != 3 {
		t.Errorf("sweep finalized %d, want 3", n)
	}
	if _, ok := r.Get(failing); !ok {
		t.Error("session whose persist failed should remain for the next sweep")
	}

	sink.setFailFor(nil)
	if n := r.CleanupStaleSessions(ctx); n != 1 {
		t.Errorf("retry sweep finalized %d, want 1", n)
	}
	if got := len(sink.Records()); got != 4 {
		t.Errorf("expected 4 records, got %d", got)
	}
}

func TestStartCleanupSchedule(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, sink, clock := newTestRegistry(t)
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer testCancel()

	trap := clock.Trap().TickerFunc("registry", "cleanup")
	defer trap.Close()

	ctx, cancel := context.WithCancel(testCtx)
	waiterCh := make(chan quartz.Waiter, 1)
	go func() {
		waiterCh <- r.StartCleanupSchedule(ctx)
	}()
	call := trap.MustWait(testCtx)
	if call.Duration != CleanupInterval {
		t.Errorf("sweep interval = %s, want %s", call.Duration, CleanupInterval)
	}
	call.MustRelease(testCtx)
	w := <-waiterCh

	id := r.StartSession("u1", testDevice("d1"))
	sink.setFailFor(func(string) bool { return true })

	// First tick: the session is exactly one hour old, not yet stale.
	clock.Advance(CleanupInterval).MustWait(testCtx)
	if _, ok := r.Get(id); !ok {
		t.Fatal("session finalized at the threshold")
	}

	// Second tick: stale, but the sink fails; the schedule must survive.
	clock.Advance(CleanupInterval).MustWait(testCtx)
	if _, ok := r.Get(id); !ok {
		t.Fatal("session lost after failed sweep")
	}

	sink.setFailFor(nil)
	clock.Advance(CleanupInterval).MustWait(testCtx)
	if _, ok := r.Get(id); ok {
		t.Error("session not finalized by third sweep")
	}
	if got := len(sink.Records()); got != 1 {
		t.Errorf("expected 1 record, got %d", got)
	}

	cancel()
	_ = w.Wait()
}

func TestEvents(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	ctx := context.Background()
	ch := make(chan Event, 16)
	r.SetEvents(ch)

	id := r.StartSession("u1", testDevice("d1"))
	_ = r.UpdateUsage(id, Metrics{Download: 8})
	sink.setFailFor(func(string) bool { return true })
	_, _ = r.EndSession(ctx, id)
	sink.setFailFor(nil)
	_, _ = r.EndSession(ctx, id)

	want := []EventType{EventStarted, EventUpdated, EventFinalizeFailed, EventFinalized}
	for i, wt := range want {
		select {
		case ev := <-ch:
			if ev.Type != wt {
				t.Errorf("event %d type = %s, want %s", i, ev.Type, wt)
			}
			if ev.Session == nil || ev.Session.ID != id {
				t.Errorf("event %d has wrong session: %+v", i, ev.Session)
			}
			if wt == EventFinalized && (ev.Record == nil || ev.Record.Download != 8) {
				t.Errorf("finalized event record = %+v", ev.Record)
			}
			if wt == EventFinalizeFailed && !errors.Is(ev.Err, ErrPersistenceFailure) {
				t.Errorf("failed event err = %v", ev.Err)
			}
		default:
			t.Fatalf("missing event %d (%s)", i, wt)
		}
	}
}

func TestEvents_FullChannelDoesNotBlock(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ch := make(chan Event, 1)
	r.SetEvents(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		id := r.StartSession("u1", testDevice("d1"))
		for i := 0; i < 10; i++ {
			_ = r.UpdateUsage(id, Metrics{Download: 1})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("registry blocked on a full event channel")
	}
}
