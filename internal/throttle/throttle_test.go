package throttle

import (
	"context"
	"testing"
	"time"

	"adbot/internal/delivery"
)

func TestFirstSendAlwaysAllowed(t *testing.T) {
	t.Parallel()
	th := New(Config{})
	if !th.Allowed(delivery.Destination{ID: "d1"}) {
		t.Fatal("destination with no history must be allowed")
	}
}

func TestDefaultMinIntervalEnforced(t *testing.T) {
	t.Parallel()
	base := time.Unix(50000, 0)
	now := base
	th := New(Config{DefaultMinInterval: 10 * time.Minute})
	th.SetNow(func() time.Time { return now })

	th.RecordSent("d1")

	if th.Allowed(delivery.Destination{ID: "d1"}) {
		t.Fatal("allowed immediately after a send")
	}

	now = base.Add(9 * time.Minute)
	if th.Allowed(delivery.Destination{ID: "d1"}) {
		t.Fatal("allowed before min interval elapsed")
	}

	now = base.Add(10 * time.Minute)
	if !th.Allowed(delivery.Destination{ID: "d1"}) {
		t.Fatal("not allowed after min interval elapsed")
	}
}

func TestPerDestinationIntervalOverridesDefault(t *testing.T) {
	t.Parallel()
	base := time.Unix(50000, 0)
	now := base
	th := New(Config{DefaultMinInterval: 10 * time.Minute})
	th.SetNow(func() time.Time { return now })

	dest := delivery.Destination{ID: "d1", MinInterval: time.Minute}
	th.RecordSent("d1")

	now = base.Add(time.Minute)
	if !th.Allowed(dest) {
		t.Fatal("destination interval should override the longer default")
	}
}

func TestThrottleIsIndependentPerDestination(t *testing.T) {
	t.Parallel()
	th := New(Config{})
	th.SetNow(fixedClock(time.Unix(50000, 0)))

	th.RecordSent("d1")
	if th.Allowed(delivery.Destination{ID: "d1"}) {
		t.Fatal("d1 should be throttled")
	}
	if !th.Allowed(delivery.Destination{ID: "d2"}) {
		t.Fatal("d2 has no history and must be allowed")
	}
}

func TestStaggerPausesAfterEachBatch(t *testing.T) {
	t.Parallel()
	th := New(Config{BatchSize: 2, BatchPause: 20 * time.Millisecond})
	st := th.NewStagger()

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := st.Step(context.Background()); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	// Steps 2 and 4 complete a batch: two pauses.
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("elapsed %v, want >= 40ms (two batch pauses)", elapsed)
	}
}

func TestStaggerStopsOnCancel(t *testing.T) {
	t.Parallel()
	th := New(Config{BatchSize: 1, BatchPause: time.Hour})
	st := th.NewStagger()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := st.Step(ctx); err == nil {
		t.Fatal("expected context error at batch boundary")
	}
}

func TestStaggerCounterIsPerInstance(t *testing.T) {
	t.Parallel()
	th := New(Config{BatchSize: 2, BatchPause: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// First instance: one step, no batch completed, no pause hit.
	a := th.NewStagger()
	if err := a.Step(ctx); err != nil {
		t.Fatalf("step 1 on fresh stagger should not pause: %v", err)
	}

	// A fresh instance does not inherit the first one's count.
	b := th.NewStagger()
	if err := b.Step(ctx); err != nil {
		t.Fatalf("fresh stagger inherited a stale counter: %v", err)
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
