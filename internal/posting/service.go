// Package posting executes single (slot, destination) deliveries end-to-end:
// worker acquisition, the send itself, failure classification, and the
// append-only attempt log.
package posting

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"adbot/internal/delivery"
	"adbot/internal/eventbus"
	"adbot/internal/registry"
	"adbot/internal/throttle"
	logx "adbot/pkg/logx"
)

type Config struct {
	// SendTimeout bounds each individual Sender.Send call.
	SendTimeout time.Duration
	Retry       RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Verdict summarizes one Deliver call for cycle statistics.
type Verdict int

const (
	VerdictSent Verdict = iota
	// VerdictThrottled: destination pacing said no; nothing was attempted.
	VerdictThrottled
	// VerdictNoWorker: no eligible worker. Not a delivery failure; the pair
	// is deferred to the next scheduler tick.
	VerdictNoWorker
	// VerdictSkipped: destination rejected the send (permission).
	VerdictSkipped
	VerdictFailed
	// VerdictAborted: shutdown interrupted the delivery.
	VerdictAborted
)

func (v Verdict) String() string {
	switch v {
	case VerdictSent:
		return "sent"
	case VerdictThrottled:
		return "throttled"
	case VerdictNoWorker:
		return "no_worker"
	case VerdictSkipped:
		return "skipped"
	case VerdictFailed:
		return "failed"
	case VerdictAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type Service struct {
	cfg      Config
	reg      *registry.Registry
	thr      *throttle.Throttle
	sender   delivery.Sender
	attempts delivery.AttemptSink
	bus      eventbus.Bus
	log      logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, reg *registry.Registry, thr *throttle.Throttle, sender delivery.Sender, attempts delivery.AttemptSink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		reg:      reg,
		thr:      thr,
		sender:   sender,
		attempts: attempts,
		bus:      bus,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Deliver runs one (slot, destination) delivery, including bounded retries.
// Every attempt appends exactly one AttemptRecord; throttled and no-worker
// outcomes append none (they are deferrals, not failures).
//
// Concurrent Deliver calls are safe; worker mutual exclusion is delegated to
// the registry's atomic Acquire.
func (s *Service) Deliver(ctx context.Context, slot delivery.Slot, dest delivery.Destination) Verdict {
	if !s.thr.Allowed(dest) {
		s.log.Debug("destination throttled", logx.String("slot", slot.ID), logx.String("destination", dest.ID))
		return VerdictThrottled
	}

	deliveryID := uuid.NewString()
	seq := 0
	transientFails := 0
	bannedRetryUsed := false

	for {
		if ctx.Err() != nil {
			return VerdictAborted
		}

		workerID, ok := s.reg.Acquire(dest.ID)
		if !ok {
			if seq == 0 {
				s.log.Debug("no eligible worker", logx.String("slot", slot.ID), logx.String("destination", dest.ID))
				return VerdictNoWorker
			}
			// Mid-delivery the pool ran dry; the records so far tell the story.
			return VerdictFailed
		}
		seq++

		out := s.send(ctx, workerID, dest, slot.Content)
		if out.Status == delivery.StatusOK {
			s.reg.Release(workerID, out)
			s.thr.RecordSent(dest.ID)
			s.record(deliveryID, seq, slot, dest, workerID, delivery.ResultSuccess, "")
			return VerdictSent
		}

		act := Classify(out)
		switch act.Kind {
		case ActionSkipDestination:
			s.reg.Release(workerID, out)
			s.record(deliveryID, seq, slot, dest, workerID, act.Record, out.Detail)
			return VerdictSkipped

		case ActionBanWorker:
			s.reg.Ban(workerID, dest.ID)
			s.reg.Release(workerID, out)
			s.record(deliveryID, seq, slot, dest, workerID, act.Record, out.Detail)
			s.publish(eventbus.TypeWorkerBanned, WorkerBanEvent{Worker: workerID, Destination: dest.ID})
			if bannedRetryUsed {
				return VerdictFailed
			}
			bannedRetryUsed = true
			// One retry with a different worker, immediately.
			continue

		case ActionDisableWorker:
			s.reg.Release(workerID, out)
			s.record(deliveryID, seq, slot, dest, workerID, act.Record, out.Detail)
			s.publish(eventbus.TypeWorkerDisabled, WorkerDisableEvent{Worker: workerID, Detail: out.Detail})
			// Requeue against the next eligible worker. Terminates: every
			// fatal disables one worker, so Acquire eventually returns none.
			continue

		case ActionRetry:
			s.reg.Release(workerID, out)
			s.record(deliveryID, seq, slot, dest, workerID, act.Record, out.Detail)
			transientFails++
			if transientFails > s.cfg.Retry.MaxRetries {
				s.log.Warn("delivery failed after retries",
					logx.String("slot", slot.ID),
					logx.String("destination", dest.ID),
					logx.Int("attempts", seq),
					logx.String("detail", out.Detail),
				)
				return VerdictFailed
			}
			delay := s.delay(transientFails, act.RetryAfter)
			s.log.Debug("delivery retry scheduled",
				logx.String("slot", slot.ID),
				logx.String("destination", dest.ID),
				logx.Int("attempt", seq+1),
				logx.Duration("delay", delay),
			)
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				return VerdictAborted
			case <-tmr.C:
			}
			continue
		}

		// Unreachable; Classify always returns one of the kinds above.
		return VerdictFailed
	}
}

func (s *Service) send(ctx context.Context, workerID string, dest delivery.Destination, content delivery.Content) delivery.Outcome {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return s.sender.Send(cctx, workerID, dest, content)
}

func (s *Service) delay(retry int, hint time.Duration) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.cfg.Retry.Delay(retry, hint, s.rng)
}

func (s *Service) record(deliveryID string, seq int, slot delivery.Slot, dest delivery.Destination, workerID string, result delivery.Result, detail string) {
	rec := delivery.AttemptRecord{
		DeliveryID:    deliveryID,
		Seq:           seq,
		SlotID:        slot.ID,
		DestinationID: dest.ID,
		WorkerID:      workerID,
		Outcome:       result,
		Detail:        detail,
		At:            time.Now(),
	}
	if s.attempts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.attempts.Append(ctx, rec); err != nil {
			s.log.Warn("attempt log append failed", logx.String("slot", rec.SlotID), logx.String("destination", rec.DestinationID), logx.Err(err))
		}
		cancel()
	}
	s.publish(eventbus.TypeAttempt, rec)
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// WorkerBanEvent is published on eventbus.TypeWorkerBanned when a
// (worker, destination) pairing dies.
type WorkerBanEvent struct {
	Worker      string `json:"worker"`
	Destination string `json:"destination"`
}

// WorkerDisableEvent is published on eventbus.TypeWorkerDisabled when a
// worker is pulled from rotation after a fatal outcome.
type WorkerDisableEvent struct {
	Worker string `json:"worker"`
	Detail string `json:"detail,omitempty"`
}
