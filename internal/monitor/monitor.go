// Package monitor turns pipeline events and registry health into periodic,
// structured log output. It is an observer: nothing in the posting path
// depends on it.
package monitor

import (
	"context"
	"sync"
	"time"

	"adbot/internal/eventbus"
	"adbot/internal/posting"
	"adbot/internal/registry"
	rtsup "adbot/internal/runtime/supervisor"
	"adbot/internal/scheduler"
	logx "adbot/pkg/logx"
)

type Config struct {
	// HealthInterval is how often the worker pool snapshot is logged.
	HealthInterval time.Duration

	// EventBuffer sizes the bus subscription; slow consumption drops events
	// rather than blocking publishers.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Minute
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 128
	}
	return c
}

// HealthSource is the slice of the registry the monitor reads.
type HealthSource interface {
	Health() registry.Snapshot
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	reg HealthSource

	sup *rtsup.Supervisor
}

func New(cfg Config, reg HealthSource, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, bus: bus, reg: reg}
}

// Start launches the event tail and the periodic health report. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "monitor"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	cfg := s.cfg
	s.mu.Unlock()

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(cfg.EventBuffer)
		sup.Go0("events", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					s.logEvent(e)
				}
			}
		})
	}

	sup.Go0("health", func(c context.Context) {
		ticker := time.NewTicker(cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				s.logHealth()
			}
		}
	})
}

// Stop cancels the monitor goroutines and waits for them within ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

func (s *Service) logHealth() {
	if s.reg == nil {
		return
	}
	h := s.reg.Health()
	s.log.Info("worker pool health",
		logx.Int("total", h.Total),
		logx.Int("active", h.Active),
		logx.Int("disabled", h.Disabled),
		logx.Int("in_cooldown", h.InCooldown),
		logx.Int("held", h.Held),
	)
}

func (s *Service) logEvent(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeWorkerBanned:
		if ev, ok := e.Data.(posting.WorkerBanEvent); ok {
			s.log.Warn("worker banned by destination",
				logx.String("worker", ev.Worker),
				logx.String("destination", ev.Destination),
			)
			return
		}
	case eventbus.TypeWorkerDisabled:
		if ev, ok := e.Data.(posting.WorkerDisableEvent); ok {
			s.log.Error("worker disabled",
				logx.String("worker", ev.Worker),
				logx.String("detail", ev.Detail),
			)
			// A dead worker shrinks the pool; show the remaining capacity.
			s.logHealth()
			return
		}
	case eventbus.TypeCycleFinished:
		if st, ok := e.Data.(scheduler.CycleStats); ok {
			s.log.Info("posting cycle summary",
				logx.Int("due", st.Due),
				logx.Int("sent", st.Sent),
				logx.Int("failed", st.Failed),
				logx.Int("skipped", st.Skipped),
				logx.Int("deferred", st.Deferred),
				logx.Duration("dur", st.Duration),
			)
			return
		}
	case eventbus.TypeAttempt:
		// Attempt records are persisted; keep the log tail at debug.
		s.log.Debug("delivery attempt", logx.Any("record", e.Data))
		return
	}
	s.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
}
