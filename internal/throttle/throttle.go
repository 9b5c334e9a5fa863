// Package throttle prevents overloading a single destination independent of
// which worker sends to it.
package throttle

import (
	"context"
	"sync"
	"time"

	"adbot/internal/delivery"
)

const (
	// DefaultMinInterval applies to destinations that don't set their own.
	DefaultMinInterval = 10 * time.Minute

	// DefaultBatchSize / DefaultBatchPause implement the batch stagger: after
	// every BatchSize consecutive destinations within one slot's delivery
	// pass, dispatch pauses for BatchPause.
	DefaultBatchSize  = 5
	DefaultBatchPause = 10 * time.Second
)

type Config struct {
	DefaultMinInterval time.Duration
	BatchSize          int
	BatchPause         time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultMinInterval <= 0 {
		c.DefaultMinInterval = DefaultMinInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchPause <= 0 {
		c.BatchPause = DefaultBatchPause
	}
	return c
}

// Throttle tracks per-destination send history. State is per-destination;
// there is no global lock beyond the map guard.
type Throttle struct {
	mu       sync.Mutex
	cfg      Config
	lastSent map[string]time.Time
	now      func() time.Time
}

func New(cfg Config) *Throttle {
	return &Throttle{
		cfg:      cfg.withDefaults(),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allowed reports whether the destination may receive a send right now.
// A destination that has never been sent to is always allowed.
func (t *Throttle) Allowed(dest delivery.Destination) bool {
	min := dest.MinInterval
	if min <= 0 {
		min = t.cfg.DefaultMinInterval
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastSent[dest.ID]
	if !ok {
		return true
	}
	return t.now().Sub(last) >= min
}

// RecordSent stamps the destination's last-sent time.
func (t *Throttle) RecordSent(destID string) {
	t.mu.Lock()
	t.lastSent[destID] = t.now()
	t.mu.Unlock()
}

// SetNow overrides the throttle clock. Tests only.
func (t *Throttle) SetNow(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Stagger paces one slot's destination pass. The scheduler creates a fresh
// Stagger each time a slot's destination list is processed from the start, so
// the pause never spans two slots.
type Stagger struct {
	every int
	pause time.Duration
	count int
}

func (t *Throttle) NewStagger() *Stagger {
	return &Stagger{every: t.cfg.BatchSize, pause: t.cfg.BatchPause}
}

// Step counts one processed destination and, after every batch, waits out the
// configured pause. It returns early with ctx.Err() on cancellation.
func (s *Stagger) Step(ctx context.Context) error {
	s.count++
	if s.every <= 0 || s.count%s.every != 0 || s.pause <= 0 {
		return nil
	}
	tmr := time.NewTimer(s.pause)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
