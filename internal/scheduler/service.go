// Package scheduler drives periodic posting cycles: scan for due slots, fan
// out deliveries across their destinations with bounded concurrency, record
// outcomes, sleep, repeat.
package scheduler

import (
	"context"
	"sync"
	"time"

	"adbot/internal/delivery"
	"adbot/internal/eventbus"
	"adbot/internal/posting"
	"adbot/internal/registry"
	rtsup "adbot/internal/runtime/supervisor"
	"adbot/internal/throttle"
	logx "adbot/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	slots delivery.SlotSource
	dests delivery.DestinationCatalog
	post  *posting.Service
	reg   *registry.Registry
	thr   *throttle.Throttle

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	phaseMu sync.Mutex
	phase   Phase

	hmu     sync.Mutex
	history []CycleStats

	now func() time.Time
}

func New(cfg Config, slots delivery.SlotSource, dests delivery.DestinationCatalog, post *posting.Service, reg *registry.Registry, thr *throttle.Throttle, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		slots: slots,
		dests: dests,
		post:  post,
		reg:   reg,
		thr:   thr,
		phase: PhaseIdle,
		now:   time.Now,
	}
}

// Start launches the cycle loop. Idempotent; a concurrent Stop is waited out
// before restarting.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("cycle_loop", func(c context.Context) error {
		s.run(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		return c.Err()
	})

	s.log.Info("scheduler started",
		logx.Duration("tick", cfg.TickInterval),
		logx.Int("max_in_flight", cfg.MaxInFlight),
	)
}

// Stop drains in-flight deliveries and exits cleanly. New attempts are not
// started once stop begins.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		s.setPhase(PhaseIdle)
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Reconfigure applies new pacing settings on hot reload. TickInterval and
// MaxInFlight take effect on the next cycle; flipping Enabled starts or stops
// the loop.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	running := s.stopCh != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case cfg.Enabled && !running:
		s.Start(ctx)
	case !cfg.Enabled && running:
		s.Stop(ctx)
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]CycleStats, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:      cfg.Enabled,
		Phase:        s.Phase(),
		TickInterval: cfg.TickInterval,
		MaxInFlight:  cfg.MaxInFlight,
		History:      h,
	}
}

func (s *Service) Phase() Phase {
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()
	return s.phase
}

func (s *Service) setPhase(p Phase) {
	s.phaseMu.Lock()
	s.phase = p
	s.phaseMu.Unlock()
}

func (s *Service) recordCycle(st CycleStats) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, st)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFinished, Data: st})
	}
}

// SetNow overrides the scheduler clock. Tests only.
func (s *Service) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
