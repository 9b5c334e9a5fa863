package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"adbot/internal/delivery"
	logx "adbot/pkg/logx"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "adbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestListDueFiltersAndOrders(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, lastSent time.Time, active bool, paidUntil *time.Time) delivery.Slot {
		sl := delivery.Slot{
			ID: id, OwnerID: "o1",
			Content:      delivery.Content{Text: "ad"},
			Interval:     time.Hour,
			LastSentAt:   lastSent,
			Active:       active,
			Destinations: []string{"d2", "d1"},
		}
		if err := s.UpsertSlot(ctx, sl, paidUntil); err != nil {
			t.Fatalf("UpsertSlot(%s): %v", id, err)
		}
		return sl
	}

	expired := now.Add(-time.Minute)
	future := now.Add(24 * time.Hour)

	mk("due-never-sent", time.Time{}, true, nil)
	mk("due-elapsed", now.Add(-2*time.Hour), true, nil)
	mk("not-due-recent", now.Add(-time.Minute), true, nil)
	mk("inactive", time.Time{}, false, nil)
	mk("unpaid", time.Time{}, true, &expired)
	mk("paid", time.Time{}, true, &future)

	due, err := s.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}

	got := make(map[string]delivery.Slot, len(due))
	for _, sl := range due {
		got[sl.ID] = sl
	}
	for _, want := range []string{"due-never-sent", "due-elapsed", "paid"} {
		if _, ok := got[want]; !ok {
			t.Fatalf("slot %s missing from due list %v", want, keysOf(got))
		}
	}
	for _, bad := range []string{"not-due-recent", "inactive", "unpaid"} {
		if _, ok := got[bad]; ok {
			t.Fatalf("slot %s must not be due", bad)
		}
	}

	// Destination order follows the stored position, not insertion order.
	sl := got["due-elapsed"]
	if len(sl.Destinations) != 2 || sl.Destinations[0] != "d2" || sl.Destinations[1] != "d1" {
		t.Fatalf("destinations = %v, want [d2 d1]", sl.Destinations)
	}
}

func TestMarkSentAdvancesDueness(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sl := delivery.Slot{ID: "s1", OwnerID: "o1", Content: delivery.Content{Text: "ad"}, Interval: time.Hour, Active: true}
	if err := s.UpsertSlot(ctx, sl, nil); err != nil {
		t.Fatalf("UpsertSlot: %v", err)
	}

	if err := s.MarkSent(ctx, "s1", now); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	due, err := s.ListDue(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("slot due %v right after MarkSent", due)
	}

	due, err = s.ListDue(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != "s1" {
		t.Fatalf("due = %v, want [s1] after the interval", due)
	}
}

func TestCronSlotDueness(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	sl := delivery.Slot{ID: "s1", OwnerID: "o1", Content: delivery.Content{Text: "ad"}, Schedule: "0 */6 * * *", Active: true}
	lastSent := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	sl.LastSentAt = lastSent
	if err := s.UpsertSlot(ctx, sl, nil); err != nil {
		t.Fatalf("UpsertSlot: %v", err)
	}

	due, err := s.ListDue(ctx, lastSent.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatal("cron slot due before the next cron boundary")
	}

	due, err = s.ListDue(ctx, time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 1 {
		t.Fatal("cron slot not due after the boundary passed")
	}
}

func TestUpsertSlotRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	sl := delivery.Slot{ID: "s1", OwnerID: "o1", Schedule: "not a cron", Active: true}
	if err := s.UpsertSlot(context.Background(), sl, nil); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestAttemptLogRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []delivery.AttemptRecord{
		{DeliveryID: "del-1", Seq: 1, SlotID: "s1", DestinationID: "d1", WorkerID: "w1", Outcome: delivery.ResultTransient, Detail: "flood", At: at},
		{DeliveryID: "del-1", Seq: 2, SlotID: "s1", DestinationID: "d1", WorkerID: "w2", Outcome: delivery.ResultSuccess, At: at.Add(time.Minute)},
	}
	for _, r := range recs {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.RecentAttempts(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("RecentAttempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("attempts = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].Seq != 2 || got[0].Outcome != delivery.ResultSuccess {
		t.Fatalf("first = %+v, want the success attempt", got[0])
	}
	if got[1].Seq != 1 || got[1].Detail != "flood" || !got[1].At.Equal(at) {
		t.Fatalf("second = %+v", got[1])
	}
	if got[0].DeliveryID != got[1].DeliveryID {
		t.Fatal("delivery id lost in round trip")
	}
}

func TestDestinationCatalog(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	want := delivery.Destination{ID: "d1", ChatID: -100123, Category: "crypto", MinInterval: 15 * time.Minute}
	if err := s.UpsertDestination(ctx, want); err != nil {
		t.Fatalf("UpsertDestination: %v", err)
	}

	got, ok, err := s.Destination(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("Destination = (%v, %v)", ok, err)
	}
	if got != want {
		t.Fatalf("destination = %+v, want %+v", got, want)
	}

	if _, ok, err := s.Destination(ctx, "ghost"); err != nil || ok {
		t.Fatalf("unknown destination = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestWorkerStateRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	ctx := context.Background()

	w := delivery.WorkerState{
		ID:                 "w1",
		LastUsedAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CooldownUntil:      time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		Active:             true,
		BannedDestinations: []string{"d1", "d9"},
	}
	if err := s.SaveWorker(ctx, w); err != nil {
		t.Fatalf("SaveWorker: %v", err)
	}

	// Upsert: a later save replaces the row.
	w.Active = false
	if err := s.SaveWorker(ctx, w); err != nil {
		t.Fatalf("SaveWorker(update): %v", err)
	}

	got, err := s.LoadWorkers(ctx)
	if err != nil {
		t.Fatalf("LoadWorkers: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("workers = %d, want 1", len(got))
	}
	g := got[0]
	if g.ID != "w1" || g.Active || !g.CooldownUntil.Equal(w.CooldownUntil) {
		t.Fatalf("worker = %+v", g)
	}
	if len(g.BannedDestinations) != 2 {
		t.Fatalf("banned = %v, want 2 entries", g.BannedDestinations)
	}
}

func keysOf(m map[string]delivery.Slot) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
