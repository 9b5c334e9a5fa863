// Package app wires configuration, storage, the worker registry, the posting
// pipeline, and the scheduler into one process with a supervised lifecycle.
package app

import (
	"context"
	"time"

	"adbot/internal/config"
	"adbot/internal/delivery"
	"adbot/internal/eventbus"
	"adbot/internal/monitor"
	"adbot/internal/posting"
	"adbot/internal/registry"
	rtsup "adbot/internal/runtime/supervisor"
	"adbot/internal/scheduler"
	telegram "adbot/internal/sender/telegram"
	"adbot/internal/store"
	"adbot/internal/throttle"
	logx "adbot/pkg/logx"
)

const defaultBaseCooldown = 30 * time.Minute

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st     *store.Store
	sender *telegram.Sender
	reg    *registry.Registry
	thr    *throttle.Throttle
	post   *posting.Service
	sched  *scheduler.Service
	mon    *monitor.Service

	sup *rtsup.Supervisor
}

// New loads the config, opens the store, restores persisted worker state, and
// constructs the full pipeline. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, 0),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	sender := telegram.New(telegram.Config{
		Tokens:     cfg.WorkerTokens(),
		RatePerSec: cfg.Telegram.RatePerSec,
		APITimeout: config.Duration(cfg.Telegram.APITimeout, 0),
	}, log.With(logx.String("comp", "sender")))

	reg := registry.New(cfg.WorkerIDs(), registry.Config{
		BaseCooldown: config.Duration(cfg.Registry.BaseCooldown, defaultBaseCooldown),
	}, log.With(logx.String("comp", "registry")), st)

	thr := throttle.New(throttle.Config{
		DefaultMinInterval: config.Duration(cfg.Throttle.DefaultMinInterval, 0),
		BatchSize:          cfg.Throttle.BatchSize,
		BatchPause:         config.Duration(cfg.Throttle.BatchPause, 0),
	})

	post := posting.New(posting.Config{
		SendTimeout: config.Duration(cfg.Posting.SendTimeout, 0),
		Retry: posting.RetryPolicy{
			MaxRetries: cfg.Posting.Retry.MaxRetries,
			BaseDelay:  config.Duration(cfg.Posting.Retry.BaseDelay, 0),
			Multiplier: cfg.Posting.Retry.Multiplier,
			Jitter:     cfg.Posting.Retry.Jitter,
		},
	}, reg, thr, sender, st, bus, log.With(logx.String("comp", "posting")))

	sched := scheduler.New(scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		TickInterval: config.Duration(cfg.Scheduler.TickInterval, 0),
		MaxInFlight:  cfg.Scheduler.MaxInFlight,
		HistorySize:  cfg.Scheduler.HistorySize,
	}, st, st, post, reg, thr, bus, log.With(logx.String("comp", "scheduler")))

	mon := monitor.New(monitor.Config{
		HealthInterval: config.Duration(cfg.Monitor.HealthInterval, 0),
	}, reg, bus, log.With(logx.String("comp", "monitor")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		st:      st,
		sender:  sender,
		reg:     reg,
		thr:     thr,
		post:    post,
		sched:   sched,
		mon:     mon,
	}, nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Scheduler exposes the scheduler for diagnostics.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Persisted cooldowns and bans must be in place before the first cycle.
	rctx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	err := a.reg.Restore(rctx)
	cancel()
	if err != nil {
		return err
	}

	a.mon.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(cfg)
			}
		}
	})

	h := a.reg.Health()
	a.log.Info("started",
		logx.Int("workers", h.Total),
		logx.Int("workers_active", h.Active),
		logx.Bool("scheduler", a.cfgm.Get().Scheduler.Enabled),
	)
	return nil
}

// applyReload applies the hot-reloadable subset of the config: logging and
// scheduler pacing. Storage, workers, and telegram credentials require a
// restart.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.sched.Reconfigure(a.sup.Context(), scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		TickInterval: config.Duration(cfg.Scheduler.TickInterval, 0),
		MaxInFlight:  cfg.Scheduler.MaxInFlight,
		HistorySize:  cfg.Scheduler.HistorySize,
	})
	a.log.Info("config applied", logx.String("level", cfg.Logging.Level))
}

// Stop shuts the pipeline down in dependency order: scheduler first so no new
// deliveries start, then observers, then storage.
func (a *App) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.log.Info("stopping")

	a.sched.Stop(ctx)
	a.mon.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}

	var err error
	if a.st != nil {
		err = a.st.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// Store exposes the persistence layer for management tooling.
func (a *App) Store() *store.Store { return a.st }

var _ delivery.SlotSource = (*store.Store)(nil)
var _ delivery.AttemptSink = (*store.Store)(nil)
var _ delivery.DestinationCatalog = (*store.Store)(nil)
var _ delivery.WorkerStore = (*store.Store)(nil)
