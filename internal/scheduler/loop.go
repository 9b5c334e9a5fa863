package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"adbot/internal/delivery"
	"adbot/internal/posting"
	logx "adbot/pkg/logx"
)

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		s.cycle(ctx, stopCh)

		s.mu.Lock()
		tick := s.cfg.TickInterval
		s.mu.Unlock()

		// The tick runs between the end of one dispatch and the next scan,
		// so cycles never overlap.
		tmr := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-stopCh:
			tmr.Stop()
			return
		case <-tmr.C:
		}
	}
}

// cycle runs one SCANNING -> DISPATCHING -> IDLE pass. Individual delivery
// failures never propagate; the loop is resilient to every attempt failing.
func (s *Service) cycle(ctx context.Context, stopCh <-chan struct{}) {
	start := s.currentTime()
	s.setPhase(PhaseScanning)
	defer s.setPhase(PhaseIdle)

	slots, err := s.slots.ListDue(ctx, start)
	if err != nil {
		s.log.Error("due slot scan failed", logx.Err(err))
		return
	}
	if len(slots) == 0 {
		// Nothing due: no state is touched anywhere.
		return
	}

	s.setPhase(PhaseDispatching)

	s.mu.Lock()
	maxInFlight := s.cfg.MaxInFlight
	s.mu.Unlock()
	if maxInFlight <= 0 {
		maxInFlight = s.reg.ActiveWorkers()
	}
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	stats := &cycleCounter{}
	sem := make(chan struct{}, maxInFlight)

	var wg sync.WaitGroup
	for _, slot := range slots {
		wg.Add(1)
		go func(sl delivery.Slot) {
			defer wg.Done()
			s.dispatchSlot(ctx, stopCh, sl, sem, stats)
		}(slot)
	}
	wg.Wait()

	cs := stats.snapshot()
	cs.StartedAt = start
	cs.Duration = time.Since(start)
	cs.Due = len(slots)
	s.recordCycle(cs)

	s.log.Info("cycle finished",
		logx.Int("due", cs.Due),
		logx.Int("sent", cs.Sent),
		logx.Int("failed", cs.Failed),
		logx.Int("skipped", cs.Skipped),
		logx.Int("deferred", cs.Deferred),
		logx.Duration("dur", cs.Duration),
	)
}

// dispatchSlot walks one slot's destination list in its configured order,
// launching bounded delivery tasks and pausing per the batch stagger. The
// stagger is per slot: the counter starts fresh with each pass.
//
// The slot's last_sent advances once every destination has finished this
// cycle's attempts, even if all of them failed. Liveness over exhaustive
// delivery: a permanently failing slot must not monopolize retries forever.
// Deferrals are different: if every destination was throttled or no worker
// was free, nothing happened and the slot stays due for the next tick.
func (s *Service) dispatchSlot(ctx context.Context, stopCh <-chan struct{}, sl delivery.Slot, sem chan struct{}, stats *cycleCounter) {
	stagger := s.thr.NewStagger()
	interrupted := false
	var attempted atomic.Bool

	var wg sync.WaitGroup
destinations:
	for _, destID := range sl.Destinations {
		select {
		case <-ctx.Done():
			interrupted = true
			break destinations
		case <-stopCh:
			interrupted = true
			break destinations
		default:
		}

		dest, ok, err := s.dests.Destination(ctx, destID)
		if err != nil {
			s.log.Warn("destination lookup failed", logx.String("slot", sl.ID), logx.String("destination", destID), logx.Err(err))
			stats.add(posting.VerdictFailed)
			attempted.Store(true)
			continue
		}
		if !ok {
			s.log.Warn("slot references unknown destination", logx.String("slot", sl.ID), logx.String("destination", destID))
			stats.add(posting.VerdictSkipped)
			attempted.Store(true)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			interrupted = true
			break destinations
		case <-stopCh:
			interrupted = true
			break destinations
		}

		wg.Add(1)
		go func(d delivery.Destination) {
			defer func() {
				<-sem
				wg.Done()
			}()
			v := s.post.Deliver(ctx, sl, d)
			stats.add(v)
			switch v {
			case posting.VerdictSent, posting.VerdictSkipped, posting.VerdictFailed:
				attempted.Store(true)
			}
		}(dest)

		if err := stagger.Step(ctx); err != nil {
			interrupted = true
			break destinations
		}
	}
	wg.Wait()

	if interrupted {
		// A partially processed slot stays due; the next cycle picks it up.
		return
	}
	if !attempted.Load() {
		// Every destination was deferred (throttled or no free worker); the
		// slot keeps its dueness instead of losing a full interval.
		return
	}

	mctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.slots.MarkSent(mctx, sl.ID, s.currentTime()); err != nil {
		s.log.Error("mark sent failed", logx.String("slot", sl.ID), logx.Err(err))
	}
}

func (s *Service) currentTime() time.Time {
	s.mu.Lock()
	now := s.now
	s.mu.Unlock()
	return now()
}

type cycleCounter struct {
	mu                              sync.Mutex
	sent, failed, skipped, deferred int
}

func (c *cycleCounter) add(v posting.Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch v {
	case posting.VerdictSent:
		c.sent++
	case posting.VerdictSkipped:
		c.skipped++
	case posting.VerdictFailed:
		c.failed++
	default:
		// throttled, no worker, aborted: all deferrals.
		c.deferred++
	}
}

func (c *cycleCounter) snapshot() CycleStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CycleStats{Sent: c.sent, Failed: c.failed, Skipped: c.skipped, Deferred: c.deferred}
}
