// Package registry is the source of truth for which sender workers exist and
// whether each may be acquired right now.
//
// Rotation is round-robin over the configured worker order. Round-robin (not
// random, not least-recently-used) keeps load distribution predictable and
// auditable under the cooldown constraint.
package registry

import (
	"context"
	"sync"
	"time"

	"adbot/internal/delivery"
	logx "adbot/pkg/logx"
)

// DefaultBaseCooldown is the minimum wall-clock interval before a worker may
// be reused after a delivery attempt.
const DefaultBaseCooldown = 30 * time.Minute

type Config struct {
	// BaseCooldown applies after every released attempt unless a rate-limit
	// response demands a longer wait.
	BaseCooldown time.Duration
}

type worker struct {
	id            string
	lastUsedAt    time.Time
	cooldownUntil time.Time
	active        bool
	held          bool
	banned        map[string]struct{}
}

// Registry holds the worker pool and its rotation state.
// All acquisition state lives behind one mutex so that checking eligibility
// and stamping the hold are a single atomic step.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	workers []*worker
	byID    map[string]*worker
	next    int

	store delivery.WorkerStore
	now   func() time.Time
}

// Snapshot is a health view for monitoring; it feeds nothing back into
// scheduling decisions.
type Snapshot struct {
	Total      int
	Active     int
	Disabled   int
	InCooldown int
	Held       int
}

// New builds a registry from the configured worker id list.
// Workers are never deleted during a run; disabling replaces deletion.
func New(ids []string, cfg Config, log logx.Logger, store delivery.WorkerStore) *Registry {
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = DefaultBaseCooldown
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		cfg:   cfg,
		log:   log,
		byID:  make(map[string]*worker, len(ids)),
		store: store,
		now:   time.Now,
	}
	for _, id := range ids {
		if id == "" || r.byID[id] != nil {
			continue
		}
		w := &worker{id: id, active: true, banned: map[string]struct{}{}}
		r.workers = append(r.workers, w)
		r.byID[id] = w
	}
	return r
}

// Restore merges persisted rotation state (cooldowns, bans, disabled flags)
// for workers that are still configured. Unknown persisted workers are ignored.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	states, err := r.store.LoadWorkers(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range states {
		w := r.byID[st.ID]
		if w == nil {
			continue
		}
		w.lastUsedAt = st.LastUsedAt
		w.cooldownUntil = st.CooldownUntil
		w.active = st.Active
		for _, d := range st.BannedDestinations {
			w.banned[d] = struct{}{}
		}
	}
	return nil
}

// Acquire selects the next eligible worker for the given destination and
// marks it held, in one atomic step. It returns ok=false when no worker is
// eligible; the caller must treat that as "no capacity, defer", not an error.
func (r *Registry) Acquire(destID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.workers)
	if n == 0 {
		return "", false
	}
	now := r.now()
	for i := 0; i < n; i++ {
		w := r.workers[(r.next+i)%n]
		if !w.active || w.held || now.Before(w.cooldownUntil) {
			continue
		}
		if _, bad := w.banned[destID]; bad {
			continue
		}
		w.held = true
		w.lastUsedAt = now
		r.next = (r.next + i + 1) % n
		return w.id, true
	}
	return "", false
}

// Release returns a worker to the pool after a delivery attempt and stamps
// its cooldown based on the outcome:
//
//   - rate-limited: cooldown runs exactly as long as the reported wait; a
//     short flood wait releases the worker before the base cooldown would
//     (base cooldown when the report carries no wait)
//   - fatal: the worker is disabled permanently for the run
//   - anything else (success, skip, transient, ban): base cooldown
func (r *Registry) Release(id string, o delivery.Outcome) {
	r.mu.Lock()
	w := r.byID[id]
	if w == nil {
		r.mu.Unlock()
		return
	}
	now := r.now()
	w.held = false
	w.lastUsedAt = now

	switch o.Status {
	case delivery.StatusFatal:
		w.active = false
		r.log.Warn("worker disabled", logx.String("worker", id), logx.String("detail", o.Detail))
	case delivery.StatusRateLimited:
		cd := o.RetryAfter
		if cd <= 0 {
			cd = r.cfg.BaseCooldown
		}
		w.cooldownUntil = now.Add(cd)
	default:
		w.cooldownUntil = now.Add(r.cfg.BaseCooldown)
	}
	st := stateOf(w)
	r.mu.Unlock()

	r.persist(st)
}

// Ban permanently excludes a worker from one destination for the rest of the
// run. Subsequent Acquire calls for that destination skip the worker.
func (r *Registry) Ban(id, destID string) {
	r.mu.Lock()
	w := r.byID[id]
	if w == nil {
		r.mu.Unlock()
		return
	}
	w.banned[destID] = struct{}{}
	st := stateOf(w)
	r.mu.Unlock()

	r.log.Warn("worker banned by destination", logx.String("worker", id), logx.String("destination", destID))
	r.persist(st)
}

// Health returns worker pool counts for monitoring.
func (r *Registry) Health() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s := Snapshot{Total: len(r.workers)}
	for _, w := range r.workers {
		if !w.active {
			s.Disabled++
			continue
		}
		s.Active++
		if now.Before(w.cooldownUntil) {
			s.InCooldown++
		}
		if w.held {
			s.Held++
		}
	}
	return s
}

// ActiveWorkers returns the count of non-disabled workers. The scheduler uses
// it as the default dispatch concurrency bound.
func (r *Registry) ActiveWorkers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.workers {
		if w.active {
			n++
		}
	}
	return n
}

func (r *Registry) persist(st delivery.WorkerState) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.SaveWorker(ctx, st); err != nil {
		r.log.Warn("worker state persist failed", logx.String("worker", st.ID), logx.Err(err))
	}
}

func stateOf(w *worker) delivery.WorkerState {
	st := delivery.WorkerState{
		ID:            w.id,
		LastUsedAt:    w.lastUsedAt,
		CooldownUntil: w.cooldownUntil,
		Active:        w.active,
	}
	for d := range w.banned {
		st.BannedDestinations = append(st.BannedDestinations, d)
	}
	return st
}

// SetNow overrides the registry clock. Tests only.
func (r *Registry) SetNow(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}
