package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"triplog/internal/core"
)

func TestStartTripCreatesDeparture(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()

	h, err := s.ctrl.StartTrip(ctx, "abc-1234", "  delivery ", "u1")
	if err != nil {
		t.Fatalf("start trip: %v", err)
	}
	if h.Status != StatusDeparture || len(h.Coords) != 0 {
		t.Fatalf("unexpected record %+v", h)
	}
	if h.LicensePlate != "ABC1234" || h.Description != "delivery" {
		t.Fatalf("plate=%q desc=%q", h.LicensePlate, h.Description)
	}
	if !h.CreatedAt.Equal(h.UpdatedAt) {
		t.Fatal("created_at must equal updated_at on departure")
	}
	if !s.ctrl.Sampler().Running() || !s.sched.isRunning() {
		t.Fatal("sampler not running after departure")
	}
	stored, ok, err := s.ctrl.Get(ctx, h.ID)
	if err != nil || !ok || stored.ID != h.ID {
		t.Fatalf("record not persisted: %v %v", ok, err)
	}
}

func TestStartTripInvalidInput(t *testing.T) {
	cases := []struct {
		plate, desc, user string
	}{
		{"???", "d", "u1"},
		{"AB1234", "d", "u1"},
		{"ABC1234", "   ", "u1"},
		{"ABC1234", "d", ""},
	}
	for _, tc := range cases {
		s := newSession(nil)
		_, err := s.ctrl.StartTrip(context.Background(), tc.plate, tc.desc, tc.user)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%+v: expected ErrValidation, got %v", tc, err)
		}
		if len(s.store.records) != 0 {
			t.Fatalf("%+v: record created", tc)
		}
		if s.sched.starts != 0 {
			t.Fatalf("%+v: sampler started", tc)
		}
	}
}

func TestStartTripRejectsSecondOpenTrip(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	if _, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1"); err != nil {
		t.Fatal(err)
	}
	_, err := s.ctrl.StartTrip(ctx, "BRA2E19", "d", "u1")
	if !errors.Is(err, ErrValidation) || !errors.Is(err, ErrTripInProgress) {
		t.Fatalf("expected trip in progress, got %v", err)
	}
	if len(s.store.records) != 1 {
		t.Fatalf("records = %d", len(s.store.records))
	}
}

func TestStartTripPersistenceFailure(t *testing.T) {
	s := newSession(nil)
	s.store.failCreate = errBoom
	_, err := s.ctrl.StartTrip(context.Background(), "ABC1234", "d", "u1")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if s.sched.starts != 0 {
		t.Fatal("sampler started after failed create")
	}
}

func TestStartTripWithoutPermissionKeepsRecord(t *testing.T) {
	s := newSession(nil)
	s.perms.set(false)
	ctx := context.Background()

	h, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1")
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}
	if h.ID == uuid.Nil {
		t.Fatal("record must be returned with permission error")
	}
	if _, ok, _ := s.ctrl.Get(ctx, h.ID); !ok {
		t.Fatal("record must stay persisted")
	}
	if s.ctrl.Sampler().Running() {
		t.Fatal("sampler must not run without permission")
	}

	s.perms.set(true)
	resumed, err := s.ctrl.ResumeSampling(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ID != h.ID || !s.ctrl.Sampler().Running() {
		t.Fatal("sampling not resumed for open trip")
	}
}

func TestArrivalMergesBufferAndStopsSampler(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()

	h, err := s.ctrl.StartTrip(ctx, "ABC1234", "delivery", "u1")
	if err != nil {
		t.Fatal(err)
	}
	s.source.push(coord(-23.55, -46.63, 1), coord(-23.551, -46.631, 1000), coord(-23.552, -46.632, 2000))
	for i := 0; i < 3; i++ {
		s.sched.fire()
	}

	done, err := s.ctrl.RegisterArrival(ctx, h.ID)
	if err != nil {
		t.Fatalf("arrival: %v", err)
	}
	if done.Status != StatusArrival {
		t.Fatalf("status = %q", done.Status)
	}
	if len(done.Coords) != 3 {
		t.Fatalf("coords = %d, want 3", len(done.Coords))
	}
	for i := 1; i < len(done.Coords); i++ {
		if done.Coords[i].Timestamp <= done.Coords[i-1].Timestamp {
			t.Fatalf("coords out of order: %v", done.Coords)
		}
	}
	if !done.UpdatedAt.After(h.UpdatedAt) {
		t.Fatal("updated_at not advanced")
	}
	if s.store.bufferLen() != 0 {
		t.Fatal("buffer not cleared after arrival")
	}
	if s.ctrl.Sampler().Running() || s.sched.isRunning() {
		t.Fatal("sampler still running after arrival")
	}

	// Запоздавший тик не должен ничего дописать.
	s.source.push(coord(0, 0, 9000))
	s.sched.fire()
	if s.store.bufferLen() != 0 {
		t.Fatal("late tick appended after arrival")
	}

	if _, err := s.ctrl.RegisterArrival(ctx, h.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second arrival: expected ErrNotFound, got %v", err)
	}
}

func TestArrivalUnknownIDHasNoSideEffects(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	if _, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1"); err != nil {
		t.Fatal(err)
	}
	s.source.push(coord(1, 1, 1000))
	s.sched.fire()

	_, err := s.ctrl.RegisterArrival(ctx, uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.store.bufferLen() != 1 {
		t.Fatal("buffer touched by failed arrival")
	}
	if !s.ctrl.Sampler().Running() {
		t.Fatal("sampler stopped by failed arrival")
	}
}

func TestArrivalPersistenceFailureKeepsTripOpen(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	h, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1")
	if err != nil {
		t.Fatal(err)
	}
	s.source.push(coord(1, 1, 1000), coord(1, 2, 2000))
	s.sched.fire()
	s.sched.fire()

	s.store.failUpdate = errBoom
	if _, err := s.ctrl.RegisterArrival(ctx, h.ID); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	stored, _, _ := s.ctrl.Get(ctx, h.ID)
	if stored.Status != StatusDeparture || len(stored.Coords) != 0 {
		t.Fatalf("record changed by failed arrival: %+v", stored)
	}
	if s.store.bufferLen() != 2 || !s.ctrl.Sampler().Running() {
		t.Fatal("buffer or sampler changed by failed arrival")
	}

	s.store.failUpdate = nil
	done, err := s.ctrl.RegisterArrival(ctx, h.ID)
	if err != nil {
		t.Fatalf("retry arrival: %v", err)
	}
	if len(done.Coords) != 2 {
		t.Fatalf("coords = %d after retry", len(done.Coords))
	}
}

func TestArrivalBufferReadFailure(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	h, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1")
	if err != nil {
		t.Fatal(err)
	}
	s.store.failAll = errBoom
	if _, err := s.ctrl.RegisterArrival(ctx, h.ID); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	stored, _, _ := s.ctrl.Get(ctx, h.ID)
	if !stored.Open() {
		t.Fatal("trip closed despite buffer failure")
	}
}

func TestCancelTripTwice(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	h, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1")
	if err != nil {
		t.Fatal(err)
	}
	s.source.push(coord(1, 1, 1000))
	s.sched.fire()

	if err := s.ctrl.CancelTrip(ctx, h.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok, _ := s.ctrl.Get(ctx, h.ID); ok {
		t.Fatal("record not deleted")
	}
	if s.store.bufferLen() != 0 || s.ctrl.Sampler().Running() {
		t.Fatal("buffer or sampler left after cancel")
	}
	if err := s.ctrl.CancelTrip(ctx, h.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second cancel: expected ErrNotFound, got %v", err)
	}

	// После отмены можно начать новую поездку.
	if _, err := s.ctrl.StartTrip(ctx, "BRA2E19", "d", "u1"); err != nil {
		t.Fatalf("start after cancel: %v", err)
	}
}

func TestCancelArrivedTripIsNotFound(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	h, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ctrl.RegisterArrival(ctx, h.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.ctrl.CancelTrip(ctx, h.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok, _ := s.ctrl.Get(ctx, h.ID); !ok {
		t.Fatal("arrived record must not be deleted")
	}
}

func TestCancelDeleteFailureKeepsRecord(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	h, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1")
	if err != nil {
		t.Fatal(err)
	}
	s.store.failDelete = errBoom
	if err := s.ctrl.CancelTrip(ctx, h.ID); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if _, ok, _ := s.ctrl.Get(ctx, h.ID); !ok {
		t.Fatal("record must survive failed delete")
	}
	s.store.failDelete = nil
	if err := s.ctrl.CancelTrip(ctx, h.ID); err != nil {
		t.Fatalf("retry cancel: %v", err)
	}
}

func TestIsPendingSync(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	h, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1")
	if err != nil {
		t.Fatal(err)
	}
	pending, err := s.ctrl.IsPendingSync(ctx, h)
	if err != nil || !pending {
		t.Fatalf("never synced record: pending=%v err=%v", pending, err)
	}

	if err := s.store.SetLastSync(ctx, h.UpdatedAt); err != nil {
		t.Fatal(err)
	}
	if pending, _ := s.ctrl.IsPendingSync(ctx, h); pending {
		t.Fatal("record synced at updated_at must not be pending")
	}

	done, err := s.ctrl.RegisterArrival(ctx, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pending, _ := s.ctrl.IsPendingSync(ctx, done); !pending {
		t.Fatal("arrival after sync must be pending")
	}
	last, err := s.ctrl.LastSync(ctx)
	if err != nil || !last.Equal(h.UpdatedAt) {
		t.Fatalf("last sync = %v %v", last, err)
	}
}

func TestFlushKeepsTripOpen(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	h, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1")
	if err != nil {
		t.Fatal(err)
	}

	unchanged, err := s.ctrl.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !unchanged.UpdatedAt.Equal(h.UpdatedAt) {
		t.Fatal("empty flush must not touch updated_at")
	}

	s.source.push(coord(1, 1, 1000), coord(1, 2, 2000))
	s.sched.fire()
	s.sched.fire()
	flushed, err := s.ctrl.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !flushed.Open() || len(flushed.Coords) != 2 || s.store.bufferLen() != 0 {
		t.Fatalf("flush result %+v buffer=%d", flushed, s.store.bufferLen())
	}
	if !s.ctrl.Sampler().Running() {
		t.Fatal("flush must not stop sampler")
	}

	s.source.push(coord(1, 3, 3000))
	s.sched.fire()
	done, err := s.ctrl.RegisterArrival(ctx, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(done.Coords) != 3 {
		t.Fatalf("coords = %d after flush + arrival", len(done.Coords))
	}
}

func TestFlushWithoutOpenTrip(t *testing.T) {
	s := newSession(nil)
	if _, err := s.ctrl.Flush(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.ctrl.ResumeSampling(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistoryFilters(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	first, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ctrl.RegisterArrival(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	second, err := s.ctrl.StartTrip(ctx, "BRA2E19", "d", "u2")
	if err != nil {
		t.Fatal(err)
	}

	all, err := s.ctrl.History(ctx, HistoryQuery{})
	if err != nil || len(all) != 2 || all[0].ID != second.ID {
		t.Fatalf("history = %v %v", all, err)
	}
	open, err := s.ctrl.History(ctx, HistoryQuery{Status: StatusDeparture})
	if err != nil || len(open) != 1 || open[0].ID != second.ID {
		t.Fatalf("open history = %v %v", open, err)
	}
	if _, err := s.ctrl.History(ctx, HistoryQuery{Status: "parked"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCurrentLocation(t *testing.T) {
	s := newSession(fakeGeocoder{street: "Rua Augusta"})
	ctx := context.Background()
	if _, ok := s.ctrl.CurrentLocation(ctx); ok {
		t.Fatal("no fix yet")
	}
	if _, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1"); err != nil {
		t.Fatal(err)
	}
	s.source.push(coord(-23.55, -46.65, 1000))
	s.sched.fire()
	loc, ok := s.ctrl.CurrentLocation(ctx)
	if !ok || loc.Street != "Rua Augusta" || loc.Coordinate.Timestamp != 1000 {
		t.Fatalf("location = %+v %v", loc, ok)
	}

	failing := newSession(fakeGeocoder{err: errBoom})
	if _, err := failing.ctrl.StartTrip(ctx, "ABC1234", "d", "u1"); err != nil {
		t.Fatal(err)
	}
	failing.source.push(coord(1, 1, 1000))
	failing.sched.fire()
	loc, _ = failing.ctrl.CurrentLocation(ctx)
	if loc.Street != UnknownLocation {
		t.Fatalf("street = %q", loc.Street)
	}
}

type counterSource struct {
	n atomic.Int64
}

func (c *counterSource) Current(ctx context.Context, accuracy Accuracy) (Coordinate, error) {
	n := c.n.Add(1)
	return coord(float64(n)*0.0001, 0, n*1000), nil
}

// Тики настоящего планировщика идут параллельно с Flush и прибытием:
// каждая принятая точка должна оказаться в записи ровно один раз.
func TestConcurrentDrainLosesNothing(t *testing.T) {
	store := newMemStore()
	sched := core.NewScheduler()
	sampler := NewSampler(SamplerDeps{
		Buffer:      store,
		Source:      &counterSource{},
		Permissions: &fakePermission{granted: true},
		Scheduler:   sched,
	})
	ctrl := NewController(Deps{
		Store:    store,
		Marker:   store,
		Sampler:  sampler,
		Sampling: SamplerConfig{Interval: time.Millisecond},
	})
	ctx := context.Background()

	h, err := ctrl.StartTrip(ctx, "ABC1234", "d", "u1")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := ctrl.Flush(ctx); err != nil {
					t.Errorf("flush: %v", err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	time.Sleep(5 * time.Millisecond)

	done, err := ctrl.RegisterArrival(ctx, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sched.Running() {
		t.Fatal("scheduler still running after arrival")
	}

	appended := store.appendedCopy()
	if len(appended) == 0 {
		t.Fatal("no samples captured")
	}
	if len(done.Coords) != len(appended) {
		t.Fatalf("coords = %d, appended = %d", len(done.Coords), len(appended))
	}
	for i := range appended {
		if done.Coords[i] != appended[i] {
			t.Fatalf("coord %d = %v, want %v", i, done.Coords[i], appended[i])
		}
	}
	if store.bufferLen() != 0 {
		t.Fatal("buffer not empty after arrival")
	}
}

func TestConfirmSyncNeverMovesBackwards(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, moved, err := s.ctrl.ConfirmSync(ctx, base)
	if err != nil || !moved || !got.Equal(base) {
		t.Fatalf("first confirm: %v %v %v", got, moved, err)
	}
	got, moved, err = s.ctrl.ConfirmSync(ctx, base.Add(-time.Minute))
	if err != nil || moved || !got.Equal(base) {
		t.Fatalf("older confirm: %v %v %v", got, moved, err)
	}
	if _, _, err := s.ctrl.ConfirmSync(ctx, time.Time{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("zero confirm: %v", err)
	}
	last, _ := s.ctrl.LastSync(ctx)
	if !last.Equal(base) {
		t.Fatalf("marker = %v", last)
	}
}

func TestUnsynced(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	first, err := s.ctrl.StartTrip(ctx, "ABC1234", "d", "u1")
	if err != nil {
		t.Fatal(err)
	}
	done, err := s.ctrl.RegisterArrival(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.ctrl.ConfirmSync(ctx, done.UpdatedAt); err != nil {
		t.Fatal(err)
	}
	second, err := s.ctrl.StartTrip(ctx, "BRA2E19", "d", "u1")
	if err != nil {
		t.Fatal(err)
	}
	pending, err := s.ctrl.Unsynced(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("unsynced = %v", pending)
	}
}

func TestUnsyncedFiltersBeforeLimit(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	marker := base.Add(10 * time.Hour)

	// Старейшая поездка изменена после маркера, десять более новых синхронизированы.
	stale := NewHistoric("u1", "ABC1234", "d", base)
	stale.Status = StatusArrival
	stale.UpdatedAt = marker.Add(time.Second)
	if err := s.store.Create(ctx, stale); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 10; i++ {
		h := NewHistoric("u1", "ABC1234", "d", base.Add(time.Duration(i)*time.Minute))
		h.Status = StatusArrival
		if err := s.store.Create(ctx, h); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.store.SetLastSync(ctx, marker); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ctrl.Unsynced(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != stale.ID {
		t.Fatalf("unsynced = %v", pending)
	}
}

func TestReconcileSamplingFollowsStore(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()

	if _, action, err := s.ctrl.ReconcileSampling(ctx); err != nil || action != SamplingKept {
		t.Fatalf("idle: %v %v", action, err)
	}

	// Поездку открыл другой процесс над той же базой.
	h := NewHistoric("u1", "ABC1234", "d", time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	if err := s.store.Create(ctx, h); err != nil {
		t.Fatal(err)
	}
	got, action, err := s.ctrl.ReconcileSampling(ctx)
	if err != nil || action != SamplingResumed || got.ID != h.ID {
		t.Fatalf("open trip: %v %v %v", got.ID, action, err)
	}
	if !s.ctrl.Sampler().Running() {
		t.Fatal("sampler not started for open trip")
	}
	if _, action, _ := s.ctrl.ReconcileSampling(ctx); action != SamplingKept {
		t.Fatalf("second pass: %v", action)
	}

	s.source.push(coord(-23.55, -46.63, 1000))
	s.sched.fire()
	if s.store.bufferLen() != 1 {
		t.Fatalf("buffer = %d", s.store.bufferLen())
	}

	// Другой процесс закрыл поездку.
	if _, err := s.store.Update(ctx, h.ID, func(r *Historic) error {
		r.Status = StatusArrival
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, action, err := s.ctrl.ReconcileSampling(ctx); err != nil || action != SamplingDiscarded {
		t.Fatalf("closed trip: %v %v", action, err)
	}
	if s.ctrl.Sampler().Running() || s.sched.isRunning() {
		t.Fatal("sampler still running without open trip")
	}
	if s.store.bufferLen() != 0 {
		t.Fatal("orphan samples kept")
	}
}

func TestReconcileSamplingWithoutPermission(t *testing.T) {
	s := newSession(nil)
	ctx := context.Background()
	s.perms.granted = false
	if err := s.store.Create(ctx, NewHistoric("u1", "ABC1234", "d", time.Now())); err != nil {
		t.Fatal(err)
	}
	if _, action, err := s.ctrl.ReconcileSampling(ctx); !errors.Is(err, ErrPermission) || action != SamplingKept {
		t.Fatalf("expected ErrPermission, got %v %v", action, err)
	}
	s.perms.mu.Lock()
	s.perms.granted = true
	s.perms.mu.Unlock()
	if _, action, err := s.ctrl.ReconcileSampling(ctx); err != nil || action != SamplingResumed {
		t.Fatalf("after grant: %v %v", action, err)
	}
}
